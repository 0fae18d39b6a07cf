package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/litrag/internal/chunk"
	"github.com/kalambet/litrag/internal/normalize"
	"github.com/kalambet/litrag/internal/storage"
)

// CorpusStore is the part of the document store the normalization stage uses.
type CorpusStore interface {
	ListDocuments(ctx context.Context) ([]storage.Document, error)
	SetNormalized(ctx context.Context, id string, version int, title, metadataJSON, normalized, sectionsJSON string) error
	MarkUnparsable(ctx context.Context, id string, version int, reason string) error
}

// Corpus is the chunked form of every parsable stored document.
type Corpus struct {
	Chunks     []chunk.Chunk
	Documents  int
	Unparsable []*normalize.ChunkError
}

// Prepare normalizes the latest version of every stored document, records
// the result in the store and chunks it. Documents that cannot be
// normalized are marked unparsable and skipped.
func Prepare(ctx context.Context, store CorpusStore, chunker *chunk.Chunker, logger *slog.Logger) (Corpus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	docs, err := store.ListDocuments(ctx)
	if err != nil {
		return Corpus{}, fmt.Errorf("listing documents: %w", err)
	}

	var c Corpus
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return c, err
		}

		res, err := normalize.Normalize(doc.ID, doc.Format, doc.Raw)
		if err != nil {
			var cerr *normalize.ChunkError
			if !errors.As(err, &cerr) {
				cerr = &normalize.ChunkError{DocID: doc.ID, Err: err}
			}
			logger.Warn("document unparsable", "doc_id", doc.ID, "error", cerr.Err)
			if err := store.MarkUnparsable(ctx, doc.ID, doc.Version, cerr.Err.Error()); err != nil {
				return c, fmt.Errorf("marking %s unparsable: %w", doc.ID, err)
			}
			c.Unparsable = append(c.Unparsable, cerr)
			continue
		}

		meta, err := json.Marshal(res.Meta)
		if err != nil {
			return c, fmt.Errorf("encoding metadata of %s: %w", doc.ID, err)
		}
		sections, err := json.Marshal(res.Sections)
		if err != nil {
			return c, fmt.Errorf("encoding sections of %s: %w", doc.ID, err)
		}
		title := res.Meta.Title
		if title == "" {
			title = doc.Title
		}
		if err := store.SetNormalized(ctx, doc.ID, doc.Version, title, string(meta), res.Text, string(sections)); err != nil {
			return c, fmt.Errorf("saving normalized %s: %w", doc.ID, err)
		}

		chunks := chunker.Chunk(doc.ID, res)
		logger.Debug("normalized", "doc_id", doc.ID, "sections", len(res.Sections), "chunks", len(chunks))
		c.Chunks = append(c.Chunks, chunks...)
		c.Documents++
	}
	return c, nil
}
