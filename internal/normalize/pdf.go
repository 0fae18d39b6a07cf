package normalize

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDF extracts plain text page by page. Each non-empty page becomes a
// section titled "Page N"; lines within a page are kept as paragraphs.
func PDF(raw []byte) (res Result, err error) {
	// The pdf package panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reading PDF: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return Result{}, fmt.Errorf("opening PDF: %w", err)
	}

	var tb textBuilder
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return Result{}, fmt.Errorf("extracting page %d: %w", i, err)
		}
		tb.add(fmt.Sprintf("Page %d", i), "", strings.Split(text, "\n"))
	}
	return tb.result(Metadata{}), nil
}
