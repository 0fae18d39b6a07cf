package engine

import (
	"context"

	"github.com/kalambet/litrag/internal/ollama"
)

// OllamaEngine serves embeddings and chat from an Ollama server.
type OllamaEngine struct {
	*ollama.Client
}

// NewOllamaEngine creates an OllamaEngine for the server at baseURL.
func NewOllamaEngine(baseURL string) *OllamaEngine {
	return &OllamaEngine{Client: ollama.New(baseURL)}
}

func (e *OllamaEngine) Name() string { return "ollama" }

// Chat converts messages to the Ollama wire type and runs one completion.
func (e *OllamaEngine) Chat(ctx context.Context, model string, messages []Message, maxTokens int) (string, error) {
	msgs := make([]ollama.Message, len(messages))
	for i, m := range messages {
		msgs[i] = ollama.Message(m)
	}
	return e.Client.Chat(ctx, model, msgs, maxTokens)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	if onProgress == nil {
		return e.Client.PullModel(ctx, name, nil)
	}
	return e.Client.PullModel(ctx, name, func(p ollama.PullProgress) {
		onProgress(PullProgress{Status: p.Status, Total: p.Total, Completed: p.Completed})
	})
}
