package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/kalambet/litrag/internal/chunk"
	"github.com/kalambet/litrag/internal/storage"
)

// Embedder turns chunk texts into vectors batch by batch. onBatch is called
// once per batch, never concurrently, with texts[start:end] being the batch.
// A non-nil err means the whole batch failed; returning an error from
// onBatch stops the remaining batches.
type Embedder interface {
	Model() string
	Backend() string
	EmbedBatches(ctx context.Context, texts []string, onBatch func(start, end int, vecs [][]float32, err error) error) error
}

// Cache remembers chunk vectors across builds.
type Cache interface {
	GetEmbeddings(ctx context.Context, model string, hashes map[string]string) (map[string][]float32, error)
	PutEmbeddings(ctx context.Context, model string, entries []storage.CachedEmbedding) error
}

// BuilderOptions configures a Builder.
type BuilderOptions struct {
	Dir         string // index directory holding CURRENT and builds/
	Embedder    Embedder
	Cache       Cache // optional
	ChunkPolicy chunk.Policy
	Strict      bool // abort on any failed batch instead of leaving chunks out
	KeepBuilds  int  // previous builds retained after publishing
	Logger      *slog.Logger
}

// Builder embeds chunks and publishes a new artifact set.
type Builder struct {
	opts   BuilderOptions
	logger *slog.Logger
}

// Report summarizes a build.
type Report struct {
	BuildID   string
	Dir       string
	Chunks    int // chunks submitted
	Indexed   int // chunks in the published index
	Cached    int // vectors reused from the cache
	Embedded  int // vectors computed during this build
	Dimension int
	Failed    []*EmbeddingError
	Pruned    int
	Duration  time.Duration
}

// NewBuilder creates a Builder.
func NewBuilder(opts BuilderOptions) *Builder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{opts: opts, logger: logger}
}

// Build embeds chunks (reusing cached vectors) and atomically publishes a
// new build. documents is recorded in the manifest. Only one build may run
// per index directory; a second one fails with ErrBuildInProgress.
func (b *Builder) Build(ctx context.Context, chunks []chunk.Chunk, documents int) (Report, error) {
	start := time.Now()
	report := Report{Chunks: len(chunks)}
	if len(chunks) == 0 {
		return report, fmt.Errorf("no chunks to index")
	}
	if err := os.MkdirAll(filepath.Join(b.opts.Dir, buildsDir), 0o755); err != nil {
		return report, fmt.Errorf("creating index directory: %w", err)
	}

	lock := flock.New(filepath.Join(b.opts.Dir, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return report, fmt.Errorf("acquiring build lock: %w", err)
	}
	if !locked {
		return report, ErrBuildInProgress
	}
	defer lock.Unlock()

	sorted := make([]chunk.Chunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].ID == sorted[i-1].ID {
			return report, fmt.Errorf("duplicate chunk id %s", sorted[i].ID)
		}
	}

	model := b.opts.Embedder.Model()
	vectors, err := b.embed(ctx, model, sorted, &report)
	if err != nil {
		return report, err
	}
	if b.opts.Strict && len(report.Failed) > 0 {
		return report, fmt.Errorf("%d embedding batches failed: %w", len(report.Failed), report.Failed[0])
	}

	idx := NewFlat(report.Dimension)
	var rows []string
	var kept []chunk.Chunk
	for _, c := range sorted {
		vec, ok := vectors[c.ID]
		if !ok {
			continue
		}
		if _, err := idx.Add(vec); err != nil {
			return report, &EmbeddingError{Kind: KindDimension, Model: model, ChunkIDs: []string{c.ID}, Err: err}
		}
		rows = append(rows, c.ID)
		kept = append(kept, c)
	}
	if len(rows) == 0 {
		return report, fmt.Errorf("no chunk could be embedded")
	}
	idx.Build()
	report.Indexed = len(rows)

	buildID := uuid.NewString()
	manifest := Manifest{
		BuildID:          buildID,
		FormatVersion:    FormatVersion,
		EmbeddingModel:   model,
		EmbeddingBackend: b.opts.Embedder.Backend(),
		Dimension:        report.Dimension,
		Metric:           MetricCosine,
		ChunkPolicy:      b.opts.ChunkPolicy.String(),
		ChunkCount:       len(rows),
		DocumentCount:    documents,
		FailedChunks:     len(chunks) - len(rows),
		CreatedAt:        time.Now().UTC(),
	}

	if err := ctx.Err(); err != nil {
		return report, err
	}
	finalDir, err := b.publish(manifest, idx, rows, kept)
	if err != nil {
		return report, err
	}
	report.BuildID = buildID
	report.Dir = finalDir
	report.Pruned = b.prune(buildID)
	report.Duration = time.Since(start)

	b.logger.Info("index published",
		"build_id", buildID, "chunks", report.Indexed, "cached", report.Cached,
		"embedded", report.Embedded, "failed_batches", len(report.Failed))
	return report, nil
}

// embed returns a vector for every chunk that has one, from the cache or
// from the embedder. Dimension mismatches abort; failed batches are
// recorded in report.
func (b *Builder) embed(ctx context.Context, model string, chunks []chunk.Chunk, report *Report) (map[string][]float32, error) {
	hashes := make(map[string]string, len(chunks))
	for _, c := range chunks {
		hashes[c.ID] = textHash(c.Text)
	}

	vectors := make(map[string][]float32, len(chunks))
	if b.opts.Cache != nil {
		cached, err := b.opts.Cache.GetEmbeddings(ctx, model, hashes)
		if err != nil {
			b.logger.Warn("embedding cache unavailable", "error", err)
		}
		for id, v := range cached {
			vectors[id] = v
		}
	}

	// Dimension is fixed by the first vector seen, cached ones included.
	for _, c := range chunks {
		v, ok := vectors[c.ID]
		if !ok {
			continue
		}
		if report.Dimension == 0 {
			report.Dimension = len(v)
		} else if len(v) != report.Dimension {
			return nil, &EmbeddingError{Kind: KindDimension, Model: model, ChunkIDs: []string{c.ID},
				Err: fmt.Errorf("cached vector has dimension %d, want %d", len(v), report.Dimension)}
		}
		report.Cached++
	}

	var missing []chunk.Chunk
	for _, c := range chunks {
		if _, ok := vectors[c.ID]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) == 0 {
		return vectors, nil
	}

	texts := make([]string, len(missing))
	for i, c := range missing {
		texts[i] = c.Text
	}

	var mu sync.Mutex
	err := b.opts.Embedder.EmbedBatches(ctx, texts, func(start, end int, vecs [][]float32, err error) error {
		mu.Lock()
		defer mu.Unlock()

		ids := make([]string, 0, end-start)
		for _, c := range missing[start:end] {
			ids = append(ids, c.ID)
		}

		if err != nil {
			eerr := &EmbeddingError{Kind: KindService, Model: model, ChunkIDs: ids, Err: err}
			report.Failed = append(report.Failed, eerr)
			b.logger.Warn("embedding batch failed", "first_chunk", ids[0], "chunks", len(ids), "error", err)
			if b.opts.Strict {
				return eerr
			}
			return nil
		}

		entries := make([]storage.CachedEmbedding, 0, len(vecs))
		for i, v := range vecs {
			c := missing[start+i]
			if report.Dimension == 0 {
				report.Dimension = len(v)
			}
			if len(v) != report.Dimension {
				return &EmbeddingError{Kind: KindDimension, Model: model, ChunkIDs: []string{c.ID},
					Err: fmt.Errorf("vector has dimension %d, want %d", len(v), report.Dimension)}
			}
			vectors[c.ID] = v
			entries = append(entries, storage.CachedEmbedding{ChunkID: c.ID, TextHash: hashes[c.ID], Vector: v})
		}
		report.Embedded += len(vecs)

		if b.opts.Cache != nil {
			if err := b.opts.Cache.PutEmbeddings(ctx, model, entries); err != nil {
				b.logger.Warn("caching embeddings failed", "first_chunk", ids[0], "error", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

// publish writes the artifact set under a temporary name, renames it into
// builds/ and then switches CURRENT.
func (b *Builder) publish(m Manifest, idx *FlatIndex, rows []string, chunks []chunk.Chunk) (string, error) {
	root := filepath.Join(b.opts.Dir, buildsDir)
	tmpDir, err := os.MkdirTemp(root, ".tmp-")
	if err != nil {
		return "", fmt.Errorf("creating build directory: %w", err)
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.RemoveAll(tmpDir)
		}
	}()

	if err := idx.Save(filepath.Join(tmpDir, VectorsFile), m.BuildID); err != nil {
		return "", fmt.Errorf("writing vectors: %w", err)
	}
	if err := writeRows(filepath.Join(tmpDir, RowsFile), m.BuildID, rows); err != nil {
		return "", fmt.Errorf("writing rows: %w", err)
	}
	if err := writeChunks(filepath.Join(tmpDir, ChunksFile), m.BuildID, chunks); err != nil {
		return "", fmt.Errorf("writing chunks: %w", err)
	}
	// The manifest goes last: a directory with a manifest is complete.
	if err := writeManifest(filepath.Join(tmpDir, ManifestFile), m); err != nil {
		return "", fmt.Errorf("writing manifest: %w", err)
	}
	syncDir(tmpDir)

	finalDir := filepath.Join(root, m.BuildID)
	if err := os.Rename(tmpDir, finalDir); err != nil {
		return "", fmt.Errorf("publishing build: %w", err)
	}
	cleanup = false
	syncDir(root)

	if err := writeCurrent(b.opts.Dir, m.BuildID); err != nil {
		return "", fmt.Errorf("switching CURRENT: %w", err)
	}
	syncDir(b.opts.Dir)
	return finalDir, nil
}

// prune removes superseded builds beyond KeepBuilds and stale temp dirs.
func (b *Builder) prune(current string) int {
	root := filepath.Join(b.opts.Dir, buildsDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0
	}

	type build struct {
		name string
		mod  time.Time
	}
	var old []build
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || e.Name() == current {
			continue
		}
		if len(e.Name()) > 0 && e.Name()[0] == '.' {
			if os.RemoveAll(filepath.Join(root, e.Name())) == nil {
				removed++
			}
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		old = append(old, build{name: e.Name(), mod: info.ModTime()})
	}

	sort.Slice(old, func(i, j int) bool { return old[i].mod.After(old[j].mod) })
	for i, ob := range old {
		if i < b.opts.KeepBuilds {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, ob.name)); err != nil {
			b.logger.Warn("pruning old build failed", "build_id", ob.name, "error", err)
			continue
		}
		removed++
	}
	return removed
}

func textHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
