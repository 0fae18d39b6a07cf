package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/litrag/internal/retry"
)

// Request is a single-turn generation request.
type Request struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int
}

// Generator calls a hosted (or local) text generation service once per request.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
	Name() string
}

// Kind classifies a GenerationError.
type Kind string

const (
	KindAuth        Kind = "auth"
	KindQuota       Kind = "quota"
	KindRateLimit   Kind = "rate_limit"
	KindTimeout     Kind = "timeout"
	KindUpstream    Kind = "upstream"
	KindBadRequest  Kind = "bad_request"
	KindBadResponse Kind = "bad_response"
)

// GenerationError is returned by every Generator on failure.
type GenerationError struct {
	Backend string
	Kind    Kind
	Status  int
	Err     error
}

func (e *GenerationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s generation failed (%s, HTTP %d): %v", e.Backend, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s generation failed (%s): %v", e.Backend, e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed.
func (e *GenerationError) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindUpstream, KindTimeout:
		return true
	}
	return false
}

// classifyStatus maps an HTTP status and error body to a Kind.
func classifyStatus(status int, body string) Kind {
	lower := strings.ToLower(body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusPaymentRequired,
		strings.Contains(lower, "insufficient_quota"),
		strings.Contains(lower, "credit balance"):
		return KindQuota
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status >= 500:
		return KindUpstream
	}
	return KindBadRequest
}

// transport holds what every HTTP generator shares.
type transport struct {
	backend    string
	httpClient *http.Client
	timeout    time.Duration
	retry      retry.Policy
}

// post runs build+send with a per-attempt timeout and bounded retries, and
// returns the body of the first 200 response.
func (t *transport) post(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	var body []byte
	err := t.retry.Do(ctx, t.backend+" generate", func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()

		req, err := build(attemptCtx)
		if err != nil {
			return retry.Permanent(&GenerationError{Backend: t.backend, Kind: KindBadRequest, Err: err})
		}
		resp, err := t.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(&GenerationError{Backend: t.backend, Kind: KindTimeout, Err: ctx.Err()})
			}
			kind := KindUpstream
			if errors.Is(err, context.DeadlineExceeded) {
				kind = KindTimeout
			}
			return &GenerationError{Backend: t.backend, Kind: kind, Err: err}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return &GenerationError{Backend: t.backend, Kind: KindUpstream, Err: fmt.Errorf("reading response: %w", err)}
		}
		if resp.StatusCode != http.StatusOK {
			gerr := &GenerationError{
				Backend: t.backend,
				Kind:    classifyStatus(resp.StatusCode, string(data)),
				Status:  resp.StatusCode,
				Err:     errors.New(truncate(string(data), 300)),
			}
			if gerr.Retryable() {
				return gerr
			}
			return retry.Permanent(gerr)
		}
		body = data
		return nil
	})
	if err != nil {
		var gerr *GenerationError
		if errors.As(err, &gerr) {
			return nil, gerr
		}
		return nil, &GenerationError{Backend: t.backend, Kind: KindTimeout, Err: err}
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
