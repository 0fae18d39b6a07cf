package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/litrag/internal/ollama"
	"github.com/kalambet/litrag/internal/proxy"
)

// Generator answers prompts with a local chat model.
type Generator struct {
	engine Engine
}

// NewGenerator wraps e so it satisfies proxy.Generator.
func NewGenerator(e Engine) *Generator {
	return &Generator{engine: e}
}

func (g *Generator) Name() string { return g.engine.Name() }

func (g *Generator) Generate(ctx context.Context, req proxy.Request) (string, error) {
	var msgs []Message
	if req.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, Message{Role: "user", Content: req.Prompt})

	out, err := g.engine.Chat(ctx, req.Model, msgs, req.MaxTokens)
	if err != nil {
		return "", g.classify(ctx, err)
	}
	if out == "" {
		return "", &proxy.GenerationError{Backend: g.Name(), Kind: proxy.KindBadResponse, Err: fmt.Errorf("empty response")}
	}
	return out, nil
}

func (g *Generator) classify(ctx context.Context, err error) error {
	gerr := &proxy.GenerationError{Backend: g.Name(), Kind: proxy.KindUpstream, Err: err}
	var statusErr *ollama.StatusError
	switch {
	case ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
		gerr.Kind = proxy.KindTimeout
	case errors.Is(err, ErrUnsupported):
		gerr.Kind = proxy.KindBadRequest
	case errors.As(err, &statusErr):
		gerr.Status = statusErr.Status
		if statusErr.Status < 500 {
			gerr.Kind = proxy.KindBadRequest
		}
	}
	return gerr
}
