// Package ingest downloads articles into the document store and turns the
// stored documents into chunks ready for indexing.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/litrag/internal/ncbi"
	"github.com/kalambet/litrag/internal/normalize"
	"github.com/kalambet/litrag/internal/storage"
)

// Source locates and downloads articles.
type Source interface {
	SearchPMC(ctx context.Context, query string, n int) ([]string, error)
	FetchPMC(ctx context.Context, digits string) ([]byte, error)
}

// DocumentStore persists fetched documents.
type DocumentStore interface {
	HasDocument(ctx context.Context, id string) (bool, error)
	GetDocument(ctx context.Context, id string) (storage.Document, error)
	SaveDocument(ctx context.Context, d storage.Document) (storage.Document, error)
}

// Fetch failure kinds.
const (
	KindNetwork   = "network"
	KindNotFound  = "not_found"
	KindParse     = "parse"
	KindInvalidID = "invalid_id"
)

// FetchError is a per-document fetch failure. It never aborts a batch.
type FetchError struct {
	ID   string
	Kind string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s (%s): %v", e.ID, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Summary reports the outcome of a Fetch.
type Summary struct {
	Requested int
	Fetched   []string
	Skipped   []string
	Failed    []*FetchError
}

// Fetcher downloads PMC articles into the document store.
type Fetcher struct {
	source      Source
	store       DocumentStore
	concurrency int
	// Refetch stores a new version even when the id is already present.
	Refetch bool
	logger  *slog.Logger
}

// NewFetcher creates a Fetcher. concurrency <= 0 means one id at a time.
func NewFetcher(source Source, store DocumentStore, concurrency int) *Fetcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Fetcher{
		source:      source,
		store:       store,
		concurrency: concurrency,
		logger:      slog.Default(),
	}
}

var pmcIDPattern = regexp.MustCompile(`^(?i:PMC)?(\d+)$`)

// CanonicalID returns the canonical "PMC<digits>" form of id and its digits.
func CanonicalID(id string) (canonical, digits string, ok bool) {
	m := pmcIDPattern.FindStringSubmatch(strings.TrimSpace(id))
	if m == nil {
		return "", "", false
	}
	return "PMC" + m[1], m[1], true
}

// SearchIDs finds up to n PMC ids matching a PubMed query.
func (f *Fetcher) SearchIDs(ctx context.Context, query string, n int) ([]string, error) {
	if n <= 0 {
		return nil, fmt.Errorf("result count must be positive, got %d", n)
	}
	return f.source.SearchPMC(ctx, query, n)
}

// Fetch downloads every id not yet stored. Failures are collected in the
// Summary and do not stop the batch. When ctx is cancelled no new ids are
// started and the partial Summary is returned with ctx's error.
func (f *Fetcher) Fetch(ctx context.Context, ids []string) (Summary, error) {
	sum := Summary{Requested: len(ids)}

	type job struct{ id, digits string }
	var jobs []job
	seen := make(map[string]bool, len(ids))
	for _, raw := range ids {
		id, digits, ok := CanonicalID(raw)
		if !ok {
			sum.Failed = append(sum.Failed, &FetchError{ID: raw, Kind: KindInvalidID, Err: errors.New("expected PMC<digits> or digits")})
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		jobs = append(jobs, job{id, digits})
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(f.concurrency)
	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			skipped, ferr := f.fetchOne(ctx, j.id, j.digits)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case ferr != nil:
				sum.Failed = append(sum.Failed, ferr)
			case skipped:
				sum.Skipped = append(sum.Skipped, j.id)
			default:
				sum.Fetched = append(sum.Fetched, j.id)
			}
			return nil
		})
	}
	g.Wait()

	sort.Strings(sum.Fetched)
	sort.Strings(sum.Skipped)
	sort.Slice(sum.Failed, func(i, k int) bool { return sum.Failed[i].ID < sum.Failed[k].ID })
	return sum, ctx.Err()
}

func (f *Fetcher) fetchOne(ctx context.Context, id, digits string) (bool, *FetchError) {
	if !f.Refetch {
		ok, err := f.store.HasDocument(ctx, id)
		if err != nil {
			return false, &FetchError{ID: id, Kind: KindNetwork, Err: fmt.Errorf("checking store: %w", err)}
		}
		if ok {
			return true, nil
		}
	}

	data, err := f.source.FetchPMC(ctx, digits)
	if err != nil {
		kind := KindNetwork
		switch {
		case errors.Is(err, ncbi.ErrNotFound):
			kind = KindNotFound
		case errors.Is(err, ncbi.ErrMalformed):
			kind = KindParse
		}
		f.logger.Warn("fetch failed", "doc_id", id, "kind", kind, "error", err)
		return false, &FetchError{ID: id, Kind: kind, Err: err}
	}

	doc, err := f.store.SaveDocument(ctx, storage.Document{
		ID:     id,
		Source: "pmc",
		Format: normalize.FormatJATS,
		Raw:    data,
	})
	if err != nil {
		return false, &FetchError{ID: id, Kind: KindNetwork, Err: fmt.Errorf("storing document: %w", err)}
	}
	f.logger.Debug("fetched", "doc_id", id, "version", doc.Version, "bytes", len(data))
	return false, nil
}

// AddFile stores a local article file. Its id is derived from the content
// hash, so adding the same file twice is a no-op unless Refetch is set.
// added is false when the document was already present.
func (f *Fetcher) AddFile(ctx context.Context, path string) (doc storage.Document, added bool, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return storage.Document{}, false, fmt.Errorf("reading %s: %w", path, err)
	}
	format, err := normalize.DetectFormat(path, raw)
	if err != nil {
		return storage.Document{}, false, err
	}

	sum := sha256.Sum256(raw)
	id := "file:" + hex.EncodeToString(sum[:])[:12]

	if !f.Refetch {
		existing, err := f.store.GetDocument(ctx, id)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return storage.Document{}, false, err
		}
	}

	doc, err = f.store.SaveDocument(ctx, storage.Document{
		ID:     id,
		Source: "file",
		Format: format,
		Raw:    raw,
		Title:  filepath.Base(path),
	})
	if err != nil {
		return storage.Document{}, false, fmt.Errorf("storing %s: %w", path, err)
	}
	return doc, true, nil
}
