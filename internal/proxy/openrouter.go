package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/litrag/internal/retry"
)

const (
	defaultOpenRouterURL = "https://openrouter.ai/api/v1"
	defaultTimeout       = 60 * time.Second
	defaultMaxTokens     = 1024
)

// Options configures a hosted generation client.
type Options struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	Retry      retry.Policy
	HTTPClient *http.Client
}

func (o Options) transport(backend string) transport {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	hc := o.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return transport{backend: backend, httpClient: hc, timeout: timeout, retry: o.Retry}
}

// OpenRouter generates answers through the OpenRouter chat completions API.
type OpenRouter struct {
	t       transport
	apiKey  string
	baseURL string
	referer string
	title   string
}

// NewOpenRouter creates an OpenRouter generator.
func NewOpenRouter(opts Options) *OpenRouter {
	base := opts.BaseURL
	if base == "" {
		base = defaultOpenRouterURL
	}
	return &OpenRouter{
		t:       opts.transport("openrouter"),
		apiKey:  opts.APIKey,
		baseURL: strings.TrimRight(base, "/"),
		referer: "https://github.com/kalambet/litrag",
		title:   "litrag",
	}
}

func (c *OpenRouter) Name() string { return "openrouter" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Stream    bool          `json:"stream"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

// Generate sends one non-streaming chat completion and returns the assistant text.
func (c *OpenRouter) Generate(ctx context.Context, req Request) (string, error) {
	var msgs []chatMessage
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	body, err := json.Marshal(chatRequest{Model: req.Model, Messages: msgs, MaxTokens: maxTokens})
	if err != nil {
		return "", &GenerationError{Backend: c.Name(), Kind: KindBadRequest, Err: fmt.Errorf("marshaling request: %w", err)}
	}

	data, err := c.t.post(ctx, func(ctx context.Context) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		c.setHeaders(httpReq)
		return httpReq, nil
	})
	if err != nil {
		return "", err
	}

	var resp chatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", &GenerationError{Backend: c.Name(), Kind: KindBadResponse, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if resp.Error != nil {
		return "", &GenerationError{Backend: c.Name(), Kind: KindUpstream, Err: fmt.Errorf("%s", resp.Error.Message)}
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", &GenerationError{Backend: c.Name(), Kind: KindBadResponse, Err: fmt.Errorf("response has no content")}
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenRouter) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", c.title)
}
