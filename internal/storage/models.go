package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document statuses.
const (
	StatusFetched    = "fetched"
	StatusNormalized = "normalized"
	StatusUnparsable = "unparsable"
)

// Document is one stored version of a source article. Raw content is
// written once; a re-fetch stores a new version instead of overwriting.
type Document struct {
	ID           string
	Version      int
	Source       string // "pmc" or "file"
	Format       string // "jats", "pdf", "html" or "text"
	Raw          []byte
	Title        string
	MetadataJSON string
	FetchedAt    time.Time
	Status       string
	StatusReason string
	Normalized   string
	SectionsJSON string // JSON array of section spans
}

// CachedEmbedding is a chunk vector remembered across builds. TextHash
// guards against reusing a vector after the chunk text changed.
type CachedEmbedding struct {
	ChunkID  string
	TextHash string
	Vector   []float32
}
