package index

import (
	"bufio"
	"container/heap"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/kalambet/litrag/internal/storage"
)

// vectorsMagic starts every vectors.bin file.
const vectorsMagic = "LRVX"

// Hit is one search result: a row of the index and its cosine similarity.
type Hit struct {
	Row   int
	Score float32
}

// FlatIndex is an exact cosine similarity index over fixed-dimension vectors.
// Rows are numbered in insertion order. Search does a full scan, which is
// fine for the few hundred thousand rows a literature corpus produces.
type FlatIndex struct {
	dim   int
	data  []float32 // row-major, len = rows*dim
	norms []float32
	built bool
}

// NewFlat creates an empty index for vectors of dimension dim.
func NewFlat(dim int) *FlatIndex {
	return &FlatIndex{dim: dim}
}

func (f *FlatIndex) Dim() int { return f.dim }

func (f *FlatIndex) Len() int {
	if f.dim == 0 {
		return 0
	}
	return len(f.data) / f.dim
}

// Add appends vec as the next row and returns its row number.
func (f *FlatIndex) Add(vec []float32) (int, error) {
	if f.built {
		return 0, errors.New("index already built")
	}
	if len(vec) != f.dim {
		return 0, fmt.Errorf("vector has dimension %d, index expects %d", len(vec), f.dim)
	}
	row := f.Len()
	f.data = append(f.data, vec...)
	return row, nil
}

// Build freezes the index and precomputes row norms. Add fails afterwards.
func (f *FlatIndex) Build() {
	n := f.Len()
	f.norms = make([]float32, n)
	for i := 0; i < n; i++ {
		f.norms[i] = norm(f.row(i))
	}
	f.built = true
}

func (f *FlatIndex) row(i int) []float32 {
	return f.data[i*f.dim : (i+1)*f.dim]
}

// Search returns the k rows most similar to query, best first. Equal scores
// are ordered by ascending row. k larger than Len returns every row.
func (f *FlatIndex) Search(query []float32, k int) ([]Hit, error) {
	if !f.built {
		return nil, errors.New("index not built")
	}
	if len(query) != f.dim {
		return nil, fmt.Errorf("query has dimension %d, index expects %d", len(query), f.dim)
	}
	if k <= 0 || f.Len() == 0 {
		return nil, nil
	}

	queryNorm := norm(query)
	h := &hitHeap{}
	heap.Init(h)
	for i := 0; i < f.Len(); i++ {
		hit := Hit{Row: i, Score: cosine(query, f.row(i), queryNorm, f.norms[i])}
		if h.Len() < k {
			heap.Push(h, hit)
		} else if worse((*h)[0], hit) {
			(*h)[0] = hit
			heap.Fix(h, 0)
		}
	}

	hits := make([]Hit, h.Len())
	for i := len(hits) - 1; i >= 0; i-- {
		hits[i] = heap.Pop(h).(Hit)
	}
	return hits, nil
}

// Save writes the index with buildID embedded in the header.
func (f *FlatIndex) Save(path, buildID string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	w.WriteString(vectorsMagic)
	binary.Write(w, binary.LittleEndian, uint16(len(buildID)))
	w.WriteString(buildID)
	binary.Write(w, binary.LittleEndian, uint32(f.dim))
	binary.Write(w, binary.LittleEndian, uint32(f.Len()))
	if _, err := w.Write(storage.EncodeFloat32s(f.data)); err != nil {
		return fmt.Errorf("writing vectors: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return file.Sync()
}

// LoadFlat reads an index written by Save and returns it built, together
// with the build id from its header.
func LoadFlat(path string) (*FlatIndex, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer file.Close()
	r := bufio.NewReader(file)

	magic := make([]byte, len(vectorsMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != vectorsMagic {
		return nil, "", fmt.Errorf("%s is not a vector file", path)
	}
	var idLen uint16
	if err := binary.Read(r, binary.LittleEndian, &idLen); err != nil {
		return nil, "", fmt.Errorf("reading header: %w", err)
	}
	id := make([]byte, idLen)
	if _, err := io.ReadFull(r, id); err != nil {
		return nil, "", fmt.Errorf("reading build id: %w", err)
	}
	var dim, rows uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return nil, "", fmt.Errorf("reading dimension: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &rows); err != nil {
		return nil, "", fmt.Errorf("reading row count: %w", err)
	}

	raw := make([]byte, int(dim)*int(rows)*4)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, "", fmt.Errorf("reading vectors: %w", err)
	}
	if _, err := r.ReadByte(); err != io.EOF {
		return nil, "", fmt.Errorf("%s has trailing data", path)
	}
	data, err := storage.DecodeFloat32s(raw)
	if err != nil {
		return nil, "", err
	}

	f := &FlatIndex{dim: int(dim), data: data}
	f.Build()
	return f, string(id), nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * bNorm); zero vectors score 0.
func cosine(a, b []float32, aNorm, bNorm float32) float32 {
	if aNorm == 0 || bNorm == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(dot / (float64(aNorm) * float64(bNorm)))
}

// worse reports whether a ranks below b: lower score, or equal score and a
// later row.
func worse(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	return a.Row > b.Row
}

// hitHeap is a min-heap with the worst hit at the root.
type hitHeap []Hit

func (h hitHeap) Len() int            { return len(h) }
func (h hitHeap) Less(i, j int) bool  { return worse(h[i], h[j]) }
func (h hitHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x interface{}) { *h = append(*h, x.(Hit)) }
func (h *hitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
