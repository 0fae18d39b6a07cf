package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestIndex(t *testing.T) (string, Report) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "index")
	b := NewBuilder(BuilderOptions{Dir: dir, Embedder: &fakeEmbedder{model: "m1"}})
	rep, err := b.Build(context.Background(), testChunks(3), 1)
	require.NoError(t, err)
	return dir, rep
}

func TestOpenAbsent(t *testing.T) {
	_, err := Open(t.TempDir(), "m1")
	var lerr *IndexLoadError
	require.ErrorAs(t, err, &lerr)
	assert.ErrorIs(t, err, ErrAbsent)
}

func TestOpenModelMismatch(t *testing.T) {
	dir, _ := buildTestIndex(t)

	_, err := Open(dir, "other-model")
	var merr *ModelMismatchError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "m1", merr.Built)
	assert.Equal(t, "other-model", merr.Current)
}

func TestOpenMissingArtifact(t *testing.T) {
	dir, rep := buildTestIndex(t)
	require.NoError(t, os.Remove(filepath.Join(rep.Dir, RowsFile)))

	_, err := Open(dir, "m1")
	var lerr *IndexLoadError
	require.ErrorAs(t, err, &lerr)
	assert.Contains(t, lerr.Path, RowsFile)
}

func TestOpenMixedBuildArtifacts(t *testing.T) {
	dir, rep := buildTestIndex(t)
	require.NoError(t, writeRows(filepath.Join(rep.Dir, RowsFile), "someone-else", []string{"PMC1#0000", "PMC1#0001", "PMC1#0002"}))

	_, err := Open(dir, "m1")
	var lerr *IndexLoadError
	require.ErrorAs(t, err, &lerr)
	assert.Contains(t, err.Error(), "someone-else")
}

func TestOpenWithoutModelCheck(t *testing.T) {
	dir, _ := buildTestIndex(t)
	set, err := Open(dir, "")
	require.NoError(t, err)
	assert.Equal(t, 3, set.Len())
}
