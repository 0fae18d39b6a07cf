package index

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/litrag/internal/chunk"
	"github.com/kalambet/litrag/internal/storage"
)

// fakeEmbedder maps each text to a deterministic vector and runs batches
// sequentially.
type fakeEmbedder struct {
	model     string
	batchSize int
	dim       int
	failOn    string // a batch containing this text fails
	calls     int
	embedded  []string
	mu        sync.Mutex
}

func (f *fakeEmbedder) Model() string   { return f.model }
func (f *fakeEmbedder) Backend() string { return "fake" }

func (f *fakeEmbedder) EmbedBatches(ctx context.Context, texts []string, onBatch func(start, end int, vecs [][]float32, err error) error) error {
	size := f.batchSize
	if size <= 0 {
		size = len(texts)
	}
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		f.mu.Lock()
		f.calls++
		f.mu.Unlock()

		var batchErr error
		var vecs [][]float32
		for _, text := range texts[start:end] {
			if f.failOn != "" && text == f.failOn {
				batchErr = errors.New("embedding service unavailable")
				vecs = nil
				break
			}
			vecs = append(vecs, f.vector(text))
		}
		if batchErr == nil {
			f.mu.Lock()
			f.embedded = append(f.embedded, texts[start:end]...)
			f.mu.Unlock()
		}
		if err := onBatch(start, end, vecs, batchErr); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeEmbedder) vector(text string) []float32 {
	dim := f.dim
	if dim == 0 {
		dim = 3
	}
	v := make([]float32, dim)
	for i, r := range text {
		v[i%dim] += float32(r%7) + 1
	}
	return v
}

func testChunks(n int) []chunk.Chunk {
	out := make([]chunk.Chunk, n)
	for i := range out {
		text := strings.Repeat(string(rune('a'+i)), i+1)
		out[i] = chunk.Chunk{ID: chunk.ID("PMC1", i), DocID: "PMC1", Section: "Intro", Start: 0, End: len(text), Text: text}
	}
	return out
}

func newTestBuilder(t *testing.T, e Embedder, cache Cache, strict bool) (*Builder, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "index")
	return NewBuilder(BuilderOptions{
		Dir:         dir,
		Embedder:    e,
		Cache:       cache,
		ChunkPolicy: chunk.Policy{Mode: chunk.ModeSection, Size: 500, Overlap: 50},
		Strict:      strict,
	}), dir
}

func TestBuildPublishesConsistentSet(t *testing.T) {
	e := &fakeEmbedder{model: "m1", batchSize: 2}
	b, dir := newTestBuilder(t, e, nil, false)

	rep, err := b.Build(context.Background(), testChunks(5), 1)
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Indexed)
	assert.Equal(t, 5, rep.Embedded)
	assert.Equal(t, 3, rep.Dimension)
	assert.Equal(t, 3, e.calls)

	id, err := CurrentBuildID(dir)
	require.NoError(t, err)
	assert.Equal(t, rep.BuildID, id)

	set, err := Open(dir, "m1")
	require.NoError(t, err)
	assert.Equal(t, 5, set.Len())
	assert.Equal(t, "section/size=500/overlap=50/min=0", set.Manifest.ChunkPolicy)
	assert.Equal(t, MetricCosine, set.Manifest.Metric)

	c, ok := set.Chunk("PMC1#0002")
	require.True(t, ok)
	assert.Equal(t, "ccc", c.Text)

	matches, err := set.Search(e.vector("ccc"), 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "PMC1#0002", matches[0].Chunk.ID)
}

func TestBuildEmptyInput(t *testing.T) {
	b, _ := newTestBuilder(t, &fakeEmbedder{model: "m1"}, nil, false)
	_, err := b.Build(context.Background(), nil, 0)
	assert.Error(t, err)
}

func TestBuildExcludesFailedBatch(t *testing.T) {
	chunks := testChunks(4)
	e := &fakeEmbedder{model: "m1", batchSize: 2, failOn: chunks[2].Text}
	b, dir := newTestBuilder(t, e, nil, false)

	rep, err := b.Build(context.Background(), chunks, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Indexed)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, KindService, rep.Failed[0].Kind)
	assert.Equal(t, []string{"PMC1#0002", "PMC1#0003"}, rep.Failed[0].ChunkIDs)

	set, err := Open(dir, "m1")
	require.NoError(t, err)
	assert.Equal(t, 2, set.Manifest.FailedChunks)
	_, ok := set.Chunk("PMC1#0003")
	assert.False(t, ok)
}

func TestBuildStrictAbortsWithoutPublishing(t *testing.T) {
	chunks := testChunks(4)
	e := &fakeEmbedder{model: "m1", batchSize: 2, failOn: chunks[0].Text}
	b, dir := newTestBuilder(t, e, nil, true)

	_, err := b.Build(context.Background(), chunks, 1)
	var eerr *EmbeddingError
	require.ErrorAs(t, err, &eerr)
	assert.Equal(t, KindService, eerr.Kind)

	_, err = CurrentBuildID(dir)
	assert.ErrorIs(t, err, ErrAbsent)
}

func TestBuildAllBatchesFail(t *testing.T) {
	chunks := testChunks(1)
	b, _ := newTestBuilder(t, &fakeEmbedder{model: "m1", failOn: chunks[0].Text}, nil, false)
	_, err := b.Build(context.Background(), chunks, 1)
	assert.Error(t, err)
}

// dimEmbedder returns a wrong dimension for the second batch.
type dimEmbedder struct{ fakeEmbedder }

func (d *dimEmbedder) EmbedBatches(ctx context.Context, texts []string, onBatch func(start, end int, vecs [][]float32, err error) error) error {
	for i := range texts {
		dim := 3
		if i == 1 {
			dim = 4
		}
		if err := onBatch(i, i+1, [][]float32{make([]float32, dim)}, nil); err != nil {
			return err
		}
	}
	return nil
}

func TestBuildDimensionMismatchIsFatal(t *testing.T) {
	e := &dimEmbedder{fakeEmbedder{model: "m1"}}
	b, dir := newTestBuilder(t, e, nil, false)

	_, err := b.Build(context.Background(), testChunks(3), 1)
	var eerr *EmbeddingError
	require.ErrorAs(t, err, &eerr)
	assert.Equal(t, KindDimension, eerr.Kind)
	assert.Equal(t, StateAbsent, Inspect(dir, "m1").State)
}

func TestBuildResumesFromCache(t *testing.T) {
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	chunks := testChunks(4)
	first := &fakeEmbedder{model: "m1", batchSize: 2, failOn: chunks[3].Text}
	b, dir := newTestBuilder(t, first, store, false)
	_, err = b.Build(context.Background(), chunks, 1)
	require.NoError(t, err)

	second := &fakeEmbedder{model: "m1", batchSize: 2}
	b2 := NewBuilder(BuilderOptions{Dir: dir, Embedder: second, Cache: store})
	rep, err := b2.Build(context.Background(), chunks, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Cached)
	assert.Equal(t, 2, rep.Embedded)
	assert.ElementsMatch(t, []string{chunks[2].Text, chunks[3].Text}, second.embedded)
	assert.Equal(t, 4, rep.Indexed)
}

func TestBuildFailsWhileLocked(t *testing.T) {
	b, dir := newTestBuilder(t, &fakeEmbedder{model: "m1"}, nil, false)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	lock := flock.New(filepath.Join(dir, lockFile))
	locked, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer lock.Unlock()

	assert.Equal(t, StateBuilding, Inspect(dir, "m1").State)

	_, err = b.Build(context.Background(), testChunks(2), 1)
	assert.ErrorIs(t, err, ErrBuildInProgress)
}

func TestRebuildPrunesAndSwitches(t *testing.T) {
	e := &fakeEmbedder{model: "m1"}
	b, dir := newTestBuilder(t, e, nil, false)

	first, err := b.Build(context.Background(), testChunks(2), 1)
	require.NoError(t, err)
	second, err := b.Build(context.Background(), testChunks(3), 1)
	require.NoError(t, err)
	assert.NotEqual(t, first.BuildID, second.BuildID)
	assert.Equal(t, 1, second.Pruned)

	_, err = os.Stat(filepath.Join(dir, buildsDir, first.BuildID))
	assert.True(t, os.IsNotExist(err))

	set, err := Open(dir, "m1")
	require.NoError(t, err)
	assert.Equal(t, second.BuildID, set.Manifest.BuildID)
	assert.Equal(t, 3, set.Len())
}

func TestInspectStates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "index")
	assert.Equal(t, StateAbsent, Inspect(dir, "m1").State)

	b := NewBuilder(BuilderOptions{Dir: dir, Embedder: &fakeEmbedder{model: "m1"}})
	_, err := b.Build(context.Background(), testChunks(2), 1)
	require.NoError(t, err)

	st := Inspect(dir, "m1")
	assert.Equal(t, StateBuilt, st.State)
	require.NotNil(t, st.Manifest)
	assert.Equal(t, 2, st.Manifest.ChunkCount)

	assert.Equal(t, StateStale, Inspect(dir, "m2").State)
}
