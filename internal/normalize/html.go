package normalize

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

var htmlSkipped = map[string]bool{
	"script": true, "style": true, "nav": true, "header": true, "footer": true,
	"table": true, "figure": true, "noscript": true, "svg": true, "form": true,
}

var htmlBlocks = map[string]bool{
	"p": true, "li": true, "blockquote": true, "pre": true, "dd": true, "dt": true,
}

// HTML normalizes a web page. <h1>-<h3> start a new section; block elements
// become paragraphs.
func HTML(raw []byte) (Result, error) {
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return Result{}, fmt.Errorf("parsing HTML: %w", err)
	}

	var (
		tb      textBuilder
		meta    Metadata
		title   = "Body"
		heading string
		paras   []string
	)
	flush := func() {
		tb.add(title, strings.ToUpper(heading), paras)
		paras = nil
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case htmlSkipped[n.Data]:
				return
			case n.Data == "title":
				meta.Title = collapseSpace(nodeText(n))
				return
			case n.Data == "h1" || n.Data == "h2" || n.Data == "h3":
				flush()
				heading = collapseSpace(nodeText(n))
				title = heading
				return
			case htmlBlocks[n.Data]:
				paras = append(paras, nodeText(n))
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	flush()

	return tb.result(meta), nil
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && htmlSkipped[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
