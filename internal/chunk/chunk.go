// Package chunk splits normalized documents into overlapping word windows.
package chunk

import (
	"fmt"
	"unicode"
	"unicode/utf8"

	"github.com/kalambet/litrag/internal/normalize"
)

// Modes.
const (
	// ModeSection never lets a chunk cross a section boundary.
	ModeSection = "section"
	// ModeWindow slides one window across the whole document.
	ModeWindow = "window"
)

const (
	DefaultSize    = 500
	DefaultOverlap = 50
)

// Policy fixes how a build chunks its documents. It is recorded in the
// build manifest.
type Policy struct {
	Mode    string `json:"mode"`
	Size    int    `json:"size"`    // words per chunk
	Overlap int    `json:"overlap"` // words shared by consecutive chunks
	MinSize int    `json:"min_size"`
}

func (p Policy) String() string {
	return fmt.Sprintf("%s/size=%d/overlap=%d/min=%d", p.Mode, p.Size, p.Overlap, p.MinSize)
}

// Validate rejects policies that could not make progress.
func (p Policy) Validate() error {
	if p.Mode != ModeSection && p.Mode != ModeWindow {
		return fmt.Errorf("unknown chunk mode %q", p.Mode)
	}
	if p.Size <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", p.Size)
	}
	if p.Overlap < 0 || p.Overlap >= p.Size {
		return fmt.Errorf("chunk overlap must be in [0, %d), got %d", p.Size, p.Overlap)
	}
	if p.MinSize < 0 {
		return fmt.Errorf("minimum section size must not be negative, got %d", p.MinSize)
	}
	return nil
}

// Chunk is a contiguous passage of a normalized document.
// Text == normalized[Start:End].
type Chunk struct {
	ID           string `json:"id"`
	DocID        string `json:"doc_id"`
	Section      string `json:"section"`
	SectionIndex int    `json:"section_index"`
	Start        int    `json:"start"`
	End          int    `json:"end"`
	Text         string `json:"text"`
}

// ID formats the chunk id for the seq-th chunk of a document.
func ID(docID string, seq int) string {
	return fmt.Sprintf("%s#%04d", docID, seq)
}

// Chunker applies one Policy.
type Chunker struct {
	policy Policy
}

// Option configures a Chunker.
type Option func(*Policy)

// WithMode selects ModeSection or ModeWindow.
func WithMode(mode string) Option {
	return func(p *Policy) { p.Mode = mode }
}

// WithSize sets the chunk size in words.
func WithSize(size int) Option {
	return func(p *Policy) {
		if size > 0 {
			p.Size = size
		}
	}
}

// WithOverlap sets the overlap between chunks in words.
func WithOverlap(overlap int) Option {
	return func(p *Policy) {
		if overlap >= 0 {
			p.Overlap = overlap
		}
	}
}

// WithMinSize merges sections shorter than n words into their neighbour.
// Zero keeps short sections as short chunks.
func WithMinSize(n int) Option {
	return func(p *Policy) {
		if n >= 0 {
			p.MinSize = n
		}
	}
}

// New builds a Chunker. It fails if the resulting policy is invalid.
func New(opts ...Option) (*Chunker, error) {
	p := Policy{Mode: ModeSection, Size: DefaultSize, Overlap: DefaultOverlap}
	for _, opt := range opts {
		opt(&p)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{policy: p}, nil
}

func (c *Chunker) Policy() Policy { return c.policy }

type span struct{ start, end int }

// unit is a run of text chunked independently of its neighbours.
type unit struct {
	title string
	index int
	span
}

// Chunk splits doc into chunks ordered by ascending Start.
func (c *Chunker) Chunk(docID string, doc normalize.Result) []Chunk {
	if c.policy.Mode == ModeWindow {
		return c.window(docID, doc)
	}

	var out []Chunk
	for _, u := range c.units(doc) {
		words := wordSpans(doc.Text, u.span)
		for _, w := range c.windows(words) {
			out = append(out, Chunk{
				ID:           ID(docID, len(out)),
				DocID:        docID,
				Section:      u.title,
				SectionIndex: u.index,
				Start:        w.start,
				End:          w.end,
				Text:         doc.Text[w.start:w.end],
			})
		}
	}
	return out
}

func (c *Chunker) window(docID string, doc normalize.Result) []Chunk {
	words := wordSpans(doc.Text, span{0, len(doc.Text)})
	var out []Chunk
	for _, w := range c.windows(words) {
		idx := sectionAt(doc.Sections, w.start)
		title := ""
		if idx >= 0 {
			title = doc.Sections[idx].Title
		}
		out = append(out, Chunk{
			ID:           ID(docID, len(out)),
			DocID:        docID,
			Section:      title,
			SectionIndex: idx,
			Start:        w.start,
			End:          w.end,
			Text:         doc.Text[w.start:w.end],
		})
	}
	return out
}

// units applies the short-section rule. With MinSize > 0 a section of fewer
// than MinSize words is merged forward into the next section; a short last
// section is merged backward. The merged unit keeps the first title.
func (c *Chunker) units(doc normalize.Result) []unit {
	var out []unit
	var pending *unit
	for i, s := range doc.Sections {
		u := unit{title: s.Title, index: i, span: span{s.Start, s.End}}
		if pending != nil {
			u.title, u.index, u.start = pending.title, pending.index, pending.start
			pending = nil
		}
		if c.policy.MinSize > 0 && len(wordSpans(doc.Text, u.span)) < c.policy.MinSize {
			pending = &u
			continue
		}
		out = append(out, u)
	}
	if pending != nil {
		if len(out) == 0 {
			out = append(out, *pending)
		} else {
			out[len(out)-1].end = pending.end
		}
	}
	return out
}

// windows groups words into windows of Size words advancing by Size-Overlap.
// A run shorter than Size yields a single short window.
func (c *Chunker) windows(words []span) []span {
	n := len(words)
	if n == 0 {
		return nil
	}
	step := c.policy.Size - c.policy.Overlap
	var out []span
	for i := 0; ; i += step {
		j := min(i+c.policy.Size, n)
		out = append(out, span{words[i].start, words[j-1].end})
		if j == n {
			break
		}
	}
	return out
}

// wordSpans returns the byte spans of whitespace-separated words within s.
func wordSpans(text string, s span) []span {
	var out []span
	inWord := false
	start := 0
	for i := s.start; i < s.end; {
		r, size := utf8.DecodeRuneInString(text[i:])
		if unicode.IsSpace(r) {
			if inWord {
				out = append(out, span{start, i})
				inWord = false
			}
		} else if !inWord {
			start = i
			inWord = true
		}
		i += size
	}
	if inWord {
		out = append(out, span{start, s.end})
	}
	return out
}

func sectionAt(sections []normalize.Section, offset int) int {
	for i, s := range sections {
		if offset >= s.Start && offset < s.End {
			return i
		}
	}
	return -1
}
