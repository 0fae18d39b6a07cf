package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/knights-analytics/hugot"
)

// HugotEngine runs sentence-transformer embedding models in-process with the
// pure Go ONNX backend. Models are Hugging Face repository names such as
// "sentence-transformers/all-MiniLM-L6-v2" and live under modelDir.
type HugotEngine struct {
	modelDir string

	mu        sync.Mutex
	session   *hugot.Session
	pipelines map[string]func([]string) ([][]float32, error)
}

// NewHugotEngine creates an engine that stores downloaded models in modelDir.
func NewHugotEngine(modelDir string) *HugotEngine {
	return &HugotEngine{
		modelDir:  modelDir,
		pipelines: make(map[string]func([]string) ([][]float32, error)),
	}
}

func (e *HugotEngine) Name() string { return "hugot" }

// Chat is not available: the engine only hosts feature extraction pipelines.
func (e *HugotEngine) Chat(context.Context, string, []Message, int) (string, error) {
	return "", fmt.Errorf("hugot chat: %w", ErrUnsupported)
}

func (e *HugotEngine) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	run, err := e.pipeline(model)
	if err != nil {
		return nil, err
	}
	vecs, err := run(texts)
	if err != nil {
		return nil, fmt.Errorf("hugot embed: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("hugot embed: got %d embeddings for %d inputs", len(vecs), len(texts))
	}
	return vecs, nil
}

// pipeline lazily creates one feature extraction pipeline per model.
func (e *HugotEngine) pipeline(model string) (func([]string) ([][]float32, error), error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if run, ok := e.pipelines[model]; ok {
		return run, nil
	}

	path := e.modelPath(model)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("hugot model %s not found in %s; run `litrag models pull`", model, e.modelDir)
	}

	if e.session == nil {
		session, err := hugot.NewGoSession()
		if err != nil {
			return nil, fmt.Errorf("failed to create hugot session: %w", err)
		}
		e.session = session
	}

	p, err := hugot.NewPipeline(e.session, hugot.FeatureExtractionConfig{
		ModelPath: path,
		Name:      "embed-" + modelDirName(model),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding pipeline for %s: %w", model, err)
	}

	var runMu sync.Mutex
	run := func(texts []string) ([][]float32, error) {
		runMu.Lock()
		defer runMu.Unlock()
		result, err := p.RunPipeline(texts)
		if err != nil {
			return nil, err
		}
		return result.Embeddings, nil
	}
	e.pipelines[model] = run
	return run, nil
}

// IsRunning reports whether the model directory is usable.
func (e *HugotEngine) IsRunning(context.Context) bool {
	return os.MkdirAll(e.modelDir, 0o755) == nil
}

func (e *HugotEngine) ListModels(context.Context) ([]string, error) {
	entries, err := os.ReadDir(e.modelDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading model directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, strings.Replace(entry.Name(), "_", "/", 1))
		}
	}
	return names, nil
}

func (e *HugotEngine) HasModel(_ context.Context, name string) bool {
	_, err := os.Stat(e.modelPath(name))
	return err == nil
}

// PullModel downloads the ONNX export of a Hugging Face model.
func (e *HugotEngine) PullModel(_ context.Context, name string, onProgress func(PullProgress)) error {
	if err := os.MkdirAll(e.modelDir, 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}
	if onProgress != nil {
		onProgress(PullProgress{Status: "downloading " + name})
	}
	opts := hugot.NewDownloadOptions()
	opts.OnnxFilePath = "onnx/model.onnx"
	if _, err := hugot.DownloadModel(name, e.modelDir, opts); err != nil {
		return fmt.Errorf("failed to download model: %w", err)
	}
	if onProgress != nil {
		onProgress(PullProgress{Status: "success"})
	}
	return nil
}

// Close releases the ONNX session.
func (e *HugotEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.session = nil
	e.pipelines = make(map[string]func([]string) ([][]float32, error))
	return err
}

func (e *HugotEngine) modelPath(model string) string {
	return filepath.Join(e.modelDir, modelDirName(model))
}

// modelDirName mirrors the directory layout hugot.DownloadModel produces.
func modelDirName(model string) string {
	return strings.ReplaceAll(model, "/", "_")
}
