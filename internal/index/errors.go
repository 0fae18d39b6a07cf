package index

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAbsent means no build has been published yet.
var ErrAbsent = errors.New("no index has been built")

// ErrBuildInProgress is returned when another process holds the build lock.
var ErrBuildInProgress = errors.New("another index build is in progress")

// Embedding failure kinds.
const (
	KindService   = "service"
	KindDimension = "dimension"
)

// EmbeddingError reports chunks that could not be embedded. Service errors
// exclude the affected chunks from the build; dimension errors abort it.
type EmbeddingError struct {
	Kind     string
	Model    string
	ChunkIDs []string
	Err      error
}

func (e *EmbeddingError) Error() string {
	ids := strings.Join(e.ChunkIDs, ", ")
	if len(e.ChunkIDs) > 3 {
		ids = fmt.Sprintf("%s ... (%d chunks)", strings.Join(e.ChunkIDs[:3], ", "), len(e.ChunkIDs))
	}
	return fmt.Sprintf("embedding %s error for %s [%s]: %v", e.Kind, e.Model, ids, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// IndexLoadError means the published artifact set is missing or inconsistent.
type IndexLoadError struct {
	Path string
	Err  error
}

func (e *IndexLoadError) Error() string {
	return fmt.Sprintf("loading index %s: %v", e.Path, e.Err)
}

func (e *IndexLoadError) Unwrap() error { return e.Err }

// ModelMismatchError means the index was built with a different embedding
// model than the one configured for queries.
type ModelMismatchError struct {
	Built   string
	Current string
}

func (e *ModelMismatchError) Error() string {
	return fmt.Sprintf("index was built with embedding model %q but %q is configured; rebuild the index", e.Built, e.Current)
}
