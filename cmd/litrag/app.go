package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/kalambet/litrag/internal/chunk"
	"github.com/kalambet/litrag/internal/composer"
	"github.com/kalambet/litrag/internal/config"
	"github.com/kalambet/litrag/internal/engine"
	"github.com/kalambet/litrag/internal/index"
	"github.com/kalambet/litrag/internal/ncbi"
	"github.com/kalambet/litrag/internal/pipeline"
	"github.com/kalambet/litrag/internal/proxy"
	"github.com/kalambet/litrag/internal/retrieval"
	"github.com/kalambet/litrag/internal/retry"
	"github.com/kalambet/litrag/internal/storage"
)

// loadConfig loads configuration and installs the default logger.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	setupLogging(cfg.Log.Level)
	return cfg, nil
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if verbose || strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func retryPolicy(cfg config.Config) retry.Policy {
	return retry.Policy{
		MaxRetries:     cfg.Net.MaxRetries,
		InitialBackoff: cfg.Net.InitialBackoff,
	}
}

func openStore(cfg config.Config) (*storage.Store, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, nil
}

func newNCBIClient(cfg config.Config) *ncbi.Client {
	return ncbi.New(ncbi.Options{
		BaseURL:           cfg.NCBI.BaseURL,
		Tool:              cfg.NCBI.Tool,
		Email:             cfg.NCBI.Email,
		APIKey:            cfg.NCBI.APIKey,
		RequestsPerSecond: cfg.NCBI.RequestsPerSecond,
		Timeout:           cfg.Net.Timeout,
		Retry:             retryPolicy(cfg),
	})
}

func newChunker(cfg config.Config) (*chunk.Chunker, error) {
	return chunk.New(
		chunk.WithMode(cfg.Chunk.Policy),
		chunk.WithSize(cfg.Chunk.Size),
		chunk.WithOverlap(cfg.Chunk.Overlap),
		chunk.WithMinSize(cfg.Chunk.MinSize),
	)
}

// newEngine returns the embedding backend.
func newEngine(cfg config.Config) (engine.Engine, error) {
	eng, err := engine.Detect(engine.DetectConfig{
		Backend:       cfg.Embed.Backend,
		OllamaBaseURL: cfg.Embed.BaseURL,
		ModelDir:      cfg.Embed.ModelDir,
	})
	if err != nil {
		return nil, fmt.Errorf("detecting embedding backend: %w", err)
	}
	return eng, nil
}

func newEmbedder(cfg config.Config, eng engine.Engine) *retrieval.Embedder {
	return retrieval.NewEmbedder(eng, cfg.Embed.Model,
		retrieval.WithBatchSize(cfg.Embed.BatchSize),
		retrieval.WithConcurrency(cfg.Embed.Concurrency),
		retrieval.WithRetry(retryPolicy(cfg)),
	)
}

// newGenerator returns the generation backend named by generate.backend.
func newGenerator(cfg config.Config) (proxy.Generator, error) {
	opts := proxy.Options{
		APIKey:  cfg.Generate.APIKey,
		BaseURL: cfg.Generate.BaseURL,
		Timeout: cfg.Net.Timeout,
		Retry:   retryPolicy(cfg),
	}
	switch cfg.Generate.Backend {
	case "anthropic":
		if err := cfg.RequireGenerationKey(); err != nil {
			return nil, err
		}
		return proxy.NewAnthropic(opts), nil
	case "openrouter":
		if err := cfg.RequireGenerationKey(); err != nil {
			return nil, err
		}
		return proxy.NewOpenRouter(opts), nil
	case "ollama":
		baseURL := cfg.Generate.BaseURL
		if baseURL == "" {
			baseURL = cfg.Embed.BaseURL
		}
		return engine.NewGenerator(engine.NewOllamaEngine(baseURL)), nil
	}
	return nil, fmt.Errorf("unknown generation backend %q", cfg.Generate.Backend)
}

// session is a loaded index with the pipeline built on it.
type session struct {
	engine    engine.Engine
	set       *index.Set
	retriever *retrieval.Retriever
	answerer  *pipeline.Answerer // nil unless a generator was requested
}

// openSession loads the published index for the configured embedding model.
// withGenerator also wires the answer pipeline.
func openSession(cfg config.Config, withGenerator bool) (*session, error) {
	set, err := index.Open(cfg.IndexDir(), cfg.Embed.Model)
	if err != nil {
		return nil, err
	}
	eng, err := newEngine(cfg)
	if err != nil {
		return nil, err
	}
	s := &session{engine: eng, set: set}
	s.retriever = retrieval.NewRetriever(newEmbedder(cfg, eng), set)

	if withGenerator {
		gen, err := newGenerator(cfg)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.answerer = newAnswerer(cfg, s.retriever, gen)
	}
	slog.Debug("index loaded", "build_id", set.Manifest.BuildID, "chunks", set.Len(), "backend", eng.Name())
	return s, nil
}

func newAnswerer(cfg config.Config, r pipeline.Retriever, gen proxy.Generator) *pipeline.Answerer {
	comp := composer.New(cfg.Generate.MaxContextTokens, cfg.Generate.NoContextPolicy)
	return pipeline.NewAnswerer(r, comp, gen, cfg.Generate.Model, cfg.Generate.MaxTokens)
}

func (s *session) Close() error {
	if c, ok := s.engine.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
