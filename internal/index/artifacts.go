package index

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kalambet/litrag/internal/chunk"
)

// Artifact file names inside a build directory.
const (
	ManifestFile = "manifest.json"
	VectorsFile  = "vectors.bin"
	RowsFile     = "rows.json"
	ChunksFile   = "chunks.jsonl"

	currentFile = "CURRENT"
	buildsDir   = "builds"
	lockFile    = "build.lock"
)

// Set is a loaded, read-only build: the vector index plus the metadata that
// maps its rows back to chunks. It is safe for concurrent use.
type Set struct {
	Manifest Manifest
	Dir      string

	index  *FlatIndex
	rows   []string
	chunks map[string]chunk.Chunk
}

// Match is a search hit resolved to its chunk.
type Match struct {
	Chunk chunk.Chunk
	Score float32
}

// Search returns the k chunks most similar to query, best first; equal
// scores are ordered by ascending chunk id.
func (s *Set) Search(query []float32, k int) ([]Match, error) {
	hits, err := s.index.Search(query, k)
	if err != nil {
		return nil, err
	}
	out := make([]Match, len(hits))
	for i, h := range hits {
		out[i] = Match{Chunk: s.chunks[s.rows[h.Row]], Score: h.Score}
	}
	return out, nil
}

// Chunk looks up a chunk by id.
func (s *Set) Chunk(id string) (chunk.Chunk, bool) {
	c, ok := s.chunks[id]
	return c, ok
}

// Len is the number of indexed chunks.
func (s *Set) Len() int { return len(s.rows) }

type rowsFile struct {
	BuildID string   `json:"build_id"`
	Rows    []string `json:"rows"`
}

type chunksHeader struct {
	BuildID string `json:"build_id"`
	Count   int    `json:"count"`
}

// CurrentBuildID reads the CURRENT pointer in dir.
func CurrentBuildID(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, currentFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrAbsent
	}
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", ErrAbsent
	}
	return id, nil
}

// Open loads the build CURRENT points to. It fails with IndexLoadError when
// an artifact is missing or carries a different build id, and with
// ModelMismatchError when model differs from the build's embedding model.
// An empty model skips the model check.
func Open(dir, model string) (*Set, error) {
	id, err := CurrentBuildID(dir)
	if err != nil {
		return nil, &IndexLoadError{Path: dir, Err: err}
	}
	set, err := openBuild(filepath.Join(dir, buildsDir, id), id)
	if err != nil {
		return nil, err
	}
	if model != "" && set.Manifest.EmbeddingModel != model {
		return nil, &ModelMismatchError{Built: set.Manifest.EmbeddingModel, Current: model}
	}
	return set, nil
}

func openBuild(buildDir, id string) (*Set, error) {
	loadErr := func(name string, err error) error {
		return &IndexLoadError{Path: filepath.Join(buildDir, name), Err: err}
	}
	mismatch := func(name, got string) error {
		return loadErr(name, fmt.Errorf("belongs to build %q, want %q", got, id))
	}

	m, err := readManifest(filepath.Join(buildDir, ManifestFile))
	if err != nil {
		return nil, loadErr(ManifestFile, err)
	}
	if m.BuildID != id {
		return nil, mismatch(ManifestFile, m.BuildID)
	}

	idx, vecID, err := LoadFlat(filepath.Join(buildDir, VectorsFile))
	if err != nil {
		return nil, loadErr(VectorsFile, err)
	}
	if vecID != id {
		return nil, mismatch(VectorsFile, vecID)
	}
	if idx.Dim() != m.Dimension {
		return nil, loadErr(VectorsFile, fmt.Errorf("dimension %d, manifest says %d", idx.Dim(), m.Dimension))
	}

	var rows rowsFile
	data, err := os.ReadFile(filepath.Join(buildDir, RowsFile))
	if err != nil {
		return nil, loadErr(RowsFile, err)
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, loadErr(RowsFile, err)
	}
	if rows.BuildID != id {
		return nil, mismatch(RowsFile, rows.BuildID)
	}
	if len(rows.Rows) != idx.Len() {
		return nil, loadErr(RowsFile, fmt.Errorf("%d rows for %d vectors", len(rows.Rows), idx.Len()))
	}

	chunks, chunksID, err := readChunks(filepath.Join(buildDir, ChunksFile))
	if err != nil {
		return nil, loadErr(ChunksFile, err)
	}
	if chunksID != id {
		return nil, mismatch(ChunksFile, chunksID)
	}
	for _, cid := range rows.Rows {
		if _, ok := chunks[cid]; !ok {
			return nil, loadErr(ChunksFile, fmt.Errorf("chunk %s referenced by rows is missing", cid))
		}
	}

	return &Set{Manifest: m, Dir: buildDir, index: idx, rows: rows.Rows, chunks: chunks}, nil
}

func writeRows(path, buildID string, rows []string) error {
	data, err := json.Marshal(rowsFile{BuildID: buildID, Rows: rows})
	if err != nil {
		return err
	}
	return writeFileSync(path, data)
}

// writeChunks writes a header line followed by one chunk per line.
func writeChunks(path, buildID string, chunks []chunk.Chunk) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	if err := enc.Encode(chunksHeader{BuildID: buildID, Count: len(chunks)}); err != nil {
		return err
	}
	for _, c := range chunks {
		if err := enc.Encode(c); err != nil {
			return fmt.Errorf("writing chunk %s: %w", c.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

func readChunks(path string) (map[string]chunk.Chunk, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReader(f))
	var hdr chunksHeader
	if err := dec.Decode(&hdr); err != nil {
		return nil, "", fmt.Errorf("reading header: %w", err)
	}
	out := make(map[string]chunk.Chunk, hdr.Count)
	for dec.More() {
		var c chunk.Chunk
		if err := dec.Decode(&c); err != nil {
			return nil, "", fmt.Errorf("reading chunk %d: %w", len(out)+1, err)
		}
		out[c.ID] = c
	}
	if len(out) != hdr.Count {
		return nil, "", fmt.Errorf("header says %d chunks, found %d", hdr.Count, len(out))
	}
	return out, hdr.BuildID, nil
}

// writeCurrent atomically points dir's CURRENT file at buildID.
func writeCurrent(dir, buildID string) error {
	tmp, err := os.CreateTemp(dir, ".current-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(buildID + "\n"); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, currentFile))
}

func writeFileSync(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// syncDir flushes directory entries (renames) to disk. Not all platforms
// support it, so failures are ignored.
func syncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
}
