package retrieval

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/litrag/internal/engine"
	"github.com/kalambet/litrag/internal/retry"
)

const (
	defaultBatchSize   = 16
	defaultConcurrency = 4
)

// Embedder wraps an Engine to generate text embeddings with one model.
type Embedder struct {
	engine      engine.Engine
	model       string
	batchSize   int
	concurrency int
	retry       retry.Policy
}

// Option configures an Embedder.
type Option func(*Embedder)

// WithBatchSize sets how many texts go into one embedding request.
func WithBatchSize(n int) Option {
	return func(e *Embedder) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithConcurrency bounds the number of batches in flight.
func WithConcurrency(n int) Option {
	return func(e *Embedder) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithRetry sets the retry policy for each embedding request.
func WithRetry(p retry.Policy) Option {
	return func(e *Embedder) { e.retry = p }
}

// NewEmbedder creates an Embedder using the given Engine and model name.
func NewEmbedder(e engine.Engine, model string, opts ...Option) *Embedder {
	emb := &Embedder{
		engine:      e,
		model:       model,
		batchSize:   defaultBatchSize,
		concurrency: defaultConcurrency,
		retry:       retry.DefaultPolicy,
	}
	for _, opt := range opts {
		opt(emb)
	}
	return emb
}

func (e *Embedder) Model() string   { return e.model }
func (e *Embedder) Backend() string { return e.engine.Name() }

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one request, retrying transient failures.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var vecs [][]float32
	err := e.retry.Do(ctx, "embed", func(ctx context.Context) error {
		out, err := e.engine.Embed(ctx, e.model, texts)
		if err != nil {
			return err
		}
		if len(out) != len(texts) {
			return retry.Permanent(fmt.Errorf("got %d embeddings for %d texts", len(out), len(texts)))
		}
		vecs = out
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("embedding %d texts with %s: %w", len(texts), e.model, err)
	}
	return vecs, nil
}

// EmbedBatches splits texts into batches and embeds them with bounded
// concurrency. onBatch receives every batch, failed ones with a non-nil
// error, and is never called concurrently. Batches may complete out of
// order. A cancelled context or an error returned by onBatch stops the
// remaining batches.
func (e *Embedder) EmbedBatches(ctx context.Context, texts []string, onBatch func(start, end int, vecs [][]float32, err error) error) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	var mu sync.Mutex

	for start := 0; start < len(texts); start += e.batchSize {
		start, end := start, min(start+e.batchSize, len(texts))
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			vecs, err := e.EmbedBatch(gCtx, texts[start:end])
			if cerr := gCtx.Err(); cerr != nil {
				return cerr
			}

			mu.Lock()
			defer mu.Unlock()
			return onBatch(start, end, vecs, err)
		})
	}
	return g.Wait()
}
