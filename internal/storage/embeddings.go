package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetEmbeddings returns cached vectors for model keyed by chunk id. Entries
// whose stored text hash differs from the requested one are ignored.
func (s *Store) GetEmbeddings(ctx context.Context, model string, hashes map[string]string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}

	stmt, err := s.db.PrepareContext(ctx, `SELECT text_hash, embedding FROM chunk_embeddings WHERE model = ? AND chunk_id = ?`)
	if err != nil {
		return nil, fmt.Errorf("preparing cache lookup: %w", err)
	}
	defer stmt.Close()

	for chunkID, hash := range hashes {
		var stored string
		var blob []byte
		err := stmt.QueryRowContext(ctx, model, chunkID).Scan(&stored, &blob)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("looking up cached embedding for %s: %w", chunkID, err)
		}
		if stored != hash {
			continue
		}
		v, err := DecodeFloat32s(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding cached embedding for %s: %w", chunkID, err)
		}
		out[chunkID] = v
	}
	return out, nil
}

// PutEmbeddings stores vectors for model, replacing older entries for the
// same chunk ids.
func (s *Store) PutEmbeddings(ctx context.Context, model string, entries []CachedEmbedding) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning cache transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunk_embeddings (model, chunk_id, text_hash, dim, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(model, chunk_id) DO UPDATE SET
			text_hash = excluded.text_hash, dim = excluded.dim,
			embedding = excluded.embedding, created_at = excluded.created_at`)
	if err != nil {
		return fmt.Errorf("preparing cache insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, model, e.ChunkID, e.TextHash, len(e.Vector), EncodeFloat32s(e.Vector), now); err != nil {
			return fmt.Errorf("caching embedding for %s: %w", e.ChunkID, err)
		}
	}
	return tx.Commit()
}

// CountEmbeddings returns the number of cached vectors for model.
func (s *Store) CountEmbeddings(ctx context.Context, model string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunk_embeddings WHERE model = ?`, model).Scan(&n)
	return n, err
}
