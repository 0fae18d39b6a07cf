package engine

import "fmt"

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	Backend       string
	OllamaBaseURL string
	ModelDir      string
}

// Detect returns the engine named by cfg.Backend. An empty backend means Ollama.
func Detect(cfg DetectConfig) (Engine, error) {
	switch cfg.Backend {
	case "", "ollama":
		return NewOllamaEngine(cfg.OllamaBaseURL), nil
	case "hugot":
		if cfg.ModelDir == "" {
			return nil, fmt.Errorf("hugot engine needs a model directory")
		}
		return NewHugotEngine(cfg.ModelDir), nil
	}
	return nil, fmt.Errorf("unknown inference backend %q", cfg.Backend)
}
