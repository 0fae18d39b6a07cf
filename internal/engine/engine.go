package engine

import "context"

// Engine abstracts a local inference backend (Ollama or an in-process ONNX
// runtime). The embedder and the local answer generator use this interface
// instead of depending on a concrete client.
type Engine interface {
	// Name identifies the backend, e.g. "ollama" or "hugot".
	Name() string

	// Chat sends messages to the given model and returns the assistant's response.
	// maxTokens > 0 caps the response length.
	Chat(ctx context.Context, model string, messages []Message, maxTokens int) (string, error)

	// Embed returns one embedding vector per text, in input order.
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all locally available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available locally.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
