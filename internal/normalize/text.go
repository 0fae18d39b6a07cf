package normalize

import (
	"strings"
)

// PlainText splits text on blank lines; the first line of each block is the
// section title and the rest its paragraphs. A block of a single line is a
// section of one paragraph titled by that line.
func PlainText(raw []byte) (Result, error) {
	s := strings.ReplaceAll(string(raw), "\r\n", "\n")

	var tb textBuilder
	for _, block := range strings.Split(s, "\n\n") {
		lines := strings.Split(strings.TrimSpace(block), "\n")
		if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
			continue
		}
		title := collapseSpace(lines[0])
		if len(lines) == 1 {
			tb.add(title, "", lines)
			continue
		}
		tb.add(title, lines[0], lines[1:])
	}
	return tb.result(Metadata{}), nil
}
