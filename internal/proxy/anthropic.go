package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const (
	defaultAnthropicURL = "https://api.anthropic.com"
	anthropicVersion    = "2023-06-01"
)

// Anthropic generates answers through the Anthropic Messages API.
type Anthropic struct {
	t       transport
	apiKey  string
	baseURL string
}

// NewAnthropic creates an Anthropic generator.
func NewAnthropic(opts Options) *Anthropic {
	base := opts.BaseURL
	if base == "" {
		base = defaultAnthropicURL
	}
	return &Anthropic{
		t:       opts.transport("anthropic"),
		apiKey:  opts.APIKey,
		baseURL: strings.TrimRight(base, "/"),
	}
}

func (a *Anthropic) Name() string { return "anthropic" }

type messagesRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
	System    string        `json:"system,omitempty"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Generate sends one Messages request and returns the concatenated text blocks.
func (a *Anthropic) Generate(ctx context.Context, req Request) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	body, err := json.Marshal(messagesRequest{
		Model:     req.Model,
		Messages:  []chatMessage{{Role: "user", Content: req.Prompt}},
		MaxTokens: maxTokens,
		System:    req.System,
	})
	if err != nil {
		return "", &GenerationError{Backend: a.Name(), Kind: KindBadRequest, Err: fmt.Errorf("marshaling request: %w", err)}
	}

	data, err := a.t.post(ctx, func(ctx context.Context) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", a.apiKey)
		httpReq.Header.Set("anthropic-version", anthropicVersion)
		return httpReq, nil
	})
	if err != nil {
		return "", err
	}

	var resp messagesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", &GenerationError{Backend: a.Name(), Kind: KindBadResponse, Err: fmt.Errorf("decoding response: %w", err)}
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return "", &GenerationError{Backend: a.Name(), Kind: KindBadResponse, Err: fmt.Errorf("response has no text content (stop_reason=%s)", resp.StopReason)}
	}
	return text, nil
}
