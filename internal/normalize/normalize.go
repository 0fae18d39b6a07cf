// Package normalize turns raw article markup into plain text with recorded
// section boundaries. Section offsets are byte offsets into Result.Text.
package normalize

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
)

// Formats understood by Normalize.
const (
	FormatJATS = "jats"
	FormatPDF  = "pdf"
	FormatHTML = "html"
	FormatText = "text"
)

// Section is a titled span of normalized text, [Start, End).
type Section struct {
	Title string `json:"title"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Metadata is the bibliographic information a format exposes.
type Metadata struct {
	Title   string   `json:"title,omitempty"`
	Journal string   `json:"journal,omitempty"`
	Year    string   `json:"year,omitempty"`
	Month   string   `json:"month,omitempty"`
	Authors []string `json:"authors,omitempty"`
	DOI     string   `json:"doi,omitempty"`
	PMID    string   `json:"pmid,omitempty"`
}

// Result is a normalized document.
type Result struct {
	Text     string
	Sections []Section
	Meta     Metadata
}

// ChunkError reports a document that could not be normalized.
type ChunkError struct {
	DocID string
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("normalizing %s: %v", e.DocID, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// Normalize dispatches on format. Any failure is returned as *ChunkError.
func Normalize(docID, format string, raw []byte) (Result, error) {
	var (
		res Result
		err error
	)
	switch format {
	case FormatJATS:
		res, err = JATS(raw)
	case FormatPDF:
		res, err = PDF(raw)
	case FormatHTML:
		res, err = HTML(raw)
	case FormatText:
		res, err = PlainText(raw)
	default:
		err = fmt.Errorf("unsupported format %q", format)
	}
	if err == nil && len(res.Sections) == 0 {
		err = fmt.Errorf("no prose found")
	}
	if err != nil {
		return Result{}, &ChunkError{DocID: docID, Err: err}
	}
	return res, nil
}

// DetectFormat guesses the format of a local file from its extension and,
// for .xml files, whether it looks like JATS.
func DetectFormat(path string, raw []byte) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xml", ".nxml":
		if bytes.Contains(raw, []byte("<article")) {
			return FormatJATS, nil
		}
		return "", fmt.Errorf("%s: XML file is not a JATS article", path)
	case ".pdf":
		return FormatPDF, nil
	case ".html", ".htm":
		return FormatHTML, nil
	case ".txt", ".md":
		return FormatText, nil
	}
	return "", fmt.Errorf("%s: unsupported file type", path)
}

// textBuilder accumulates sections separated by a blank line and records
// their spans.
type textBuilder struct {
	b        strings.Builder
	sections []Section
}

// add appends a section made of an optional heading line followed by
// paragraphs, one per line. Empty paragraphs are dropped; a section with no
// paragraphs is skipped.
func (tb *textBuilder) add(title, heading string, paragraphs []string) {
	var lines []string
	for _, p := range paragraphs {
		if p = collapseSpace(p); p != "" {
			lines = append(lines, p)
		}
	}
	if len(lines) == 0 {
		return
	}
	if heading = collapseSpace(heading); heading != "" {
		lines = append([]string{heading}, lines...)
	}
	if tb.b.Len() > 0 {
		tb.b.WriteString("\n\n")
	}
	start := tb.b.Len()
	tb.b.WriteString(strings.Join(lines, "\n"))
	tb.sections = append(tb.sections, Section{Title: title, Start: start, End: tb.b.Len()})
}

func (tb *textBuilder) result(meta Metadata) Result {
	return Result{Text: tb.b.String(), Sections: tb.sections, Meta: meta}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
