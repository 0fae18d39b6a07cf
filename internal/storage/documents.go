package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const documentColumns = `id, version, source, format, raw, title, metadata_json, fetched_at,
	status, status_reason, normalized, sections_json`

// latestVersions restricts a documents query to the newest version of each id.
const latestVersions = `version = (SELECT MAX(d2.version) FROM documents d2 WHERE d2.id = documents.id)`

// SaveDocument stores d as the next version of d.ID and returns the stored
// record. Earlier versions are kept.
func (s *Store) SaveDocument(ctx context.Context, d Document) (Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Document{}, fmt.Errorf("beginning save transaction: %w", err)
	}
	defer tx.Rollback()

	var current sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM documents WHERE id = ?`, d.ID).Scan(&current); err != nil {
		return Document{}, fmt.Errorf("reading current version of %s: %w", d.ID, err)
	}
	d.Version = int(current.Int64) + 1
	if d.FetchedAt.IsZero() {
		d.FetchedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = StatusFetched
	}
	if d.MetadataJSON == "" {
		d.MetadataJSON = "{}"
	}
	if d.SectionsJSON == "" {
		d.SectionsJSON = "[]"
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Version, d.Source, d.Format, d.Raw, d.Title, d.MetadataJSON,
		d.FetchedAt.UTC().Format(time.RFC3339), d.Status, d.StatusReason, d.Normalized, d.SectionsJSON,
	)
	if err != nil {
		return Document{}, fmt.Errorf("inserting document %s: %w", d.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return Document{}, fmt.Errorf("committing document %s: %w", d.ID, err)
	}
	return d, nil
}

// HasDocument reports whether any version of id is stored.
func (s *Store) HasDocument(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE id = ?`, id).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetDocument returns the latest version of id.
func (s *Store) GetDocument(ctx context.Context, id string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+`
		FROM documents WHERE id = ? ORDER BY version DESC LIMIT 1`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	return d, err
}

// ListDocuments returns the latest version of every stored document ordered by id.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+`
		FROM documents WHERE `+latestVersions+` ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DocumentVersions returns how many versions of id are stored.
func (s *Store) DocumentVersions(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE id = ?`, id).Scan(&n)
	return n, err
}

// SetNormalized records the normalizer output for one document version.
// Raw content is left untouched.
func (s *Store) SetNormalized(ctx context.Context, id string, version int, title, metadataJSON, normalized, sectionsJSON string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, status_reason = '', title = ?, metadata_json = ?, normalized = ?, sections_json = ?
		WHERE id = ? AND version = ?`,
		StatusNormalized, title, metadataJSON, normalized, sectionsJSON, id, version,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// MarkUnparsable flags a document version the normalizer could not read.
func (s *Store) MarkUnparsable(ctx context.Context, id string, version int, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET status = ?, status_reason = ? WHERE id = ? AND version = ?`,
		StatusUnparsable, reason, id, version,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// CountByStatus counts the latest document versions per status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM documents WHERE `+latestVersions+` GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(r rowScanner) (Document, error) {
	var d Document
	var fetchedAt string
	if err := r.Scan(&d.ID, &d.Version, &d.Source, &d.Format, &d.Raw, &d.Title, &d.MetadataJSON,
		&fetchedAt, &d.Status, &d.StatusReason, &d.Normalized, &d.SectionsJSON); err != nil {
		return Document{}, err
	}
	t, err := time.Parse(time.RFC3339, fetchedAt)
	if err != nil {
		return Document{}, fmt.Errorf("parsing fetched_at for %s: %w", d.ID, err)
	}
	d.FetchedAt = t
	return d, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
