package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/litrag/internal/chunk"
	"github.com/kalambet/litrag/internal/index"
)

// ValidationError rejects a malformed retrieval request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Result is a retrieved chunk with its cosine similarity to the query.
type Result struct {
	Chunk chunk.Chunk
	Score float32
}

// QueryEmbedder embeds a single query string.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever combines query embedding and vector search over a loaded index.
type Retriever struct {
	embedder QueryEmbedder
	set      *index.Set
}

// NewRetriever creates a Retriever over an already opened index set.
func NewRetriever(embedder QueryEmbedder, set *index.Set) *Retriever {
	return &Retriever{embedder: embedder, set: set}
}

// Manifest describes the index the Retriever searches.
func (r *Retriever) Manifest() index.Manifest {
	return r.set.Manifest
}

// Chunk looks up an indexed chunk by id.
func (r *Retriever) Chunk(id string) (chunk.Chunk, bool) {
	return r.set.Chunk(id)
}

// Retrieve embeds the query and returns the k most similar chunks, best
// first, ties broken by ascending chunk id. Fewer than k results come back
// when the index is smaller than k.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, &ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if k <= 0 {
		return nil, &ValidationError{Field: "k", Reason: fmt.Sprintf("must be positive, got %d", k)}
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, &index.EmbeddingError{Kind: index.KindService, Model: r.set.Manifest.EmbeddingModel, Err: err}
	}
	if len(vec) != r.set.Manifest.Dimension {
		return nil, &index.EmbeddingError{
			Kind:  index.KindDimension,
			Model: r.set.Manifest.EmbeddingModel,
			Err:   fmt.Errorf("query vector has dimension %d, index has %d", len(vec), r.set.Manifest.Dimension),
		}
	}

	matches, err := r.set.Search(vec, k)
	if err != nil {
		return nil, err
	}
	results := make([]Result, len(matches))
	for i, m := range matches {
		results[i] = Result{Chunk: m.Chunk, Score: m.Score}
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})
	return results, nil
}
