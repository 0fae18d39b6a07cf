package normalize

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
)

// Elements whose content is not prose.
var jatsSkipped = map[string]bool{
	"table-wrap":             true,
	"table":                  true,
	"fig":                    true,
	"fig-group":              true,
	"ref-list":               true,
	"disp-formula":           true,
	"inline-formula":         true,
	"supplementary-material": true,
	"graphic":                true,
	"media":                  true,
}

// Inline elements are joined to surrounding text without a separator.
var jatsInline = map[string]bool{
	"italic": true, "bold": true, "sup": true, "sub": true, "sc": true,
	"underline": true, "monospace": true, "xref": true, "ext-link": true,
	"uri": true, "email": true, "named-content": true, "styled-content": true,
	"abbrev": true,
}

// xmlNode is a minimal element tree; text nodes have an empty name.
type xmlNode struct {
	name     string
	attrs    map[string]string
	text     string
	children []*xmlNode
}

func parseXMLTree(raw []byte) (*xmlNode, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity
	dec.CharsetReader = charset.NewReaderLabel

	root := &xmlNode{name: "#document"}
	stack := []*xmlNode{root}
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing XML: %w", err)
		}
		top := stack[len(stack)-1]
		switch t := tok.(type) {
		case xml.StartElement:
			n := &xmlNode{name: t.Name.Local, attrs: make(map[string]string, len(t.Attr))}
			for _, a := range t.Attr {
				n.attrs[a.Name.Local] = a.Value
			}
			top.children = append(top.children, n)
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			top.children = append(top.children, &xmlNode{text: string(t)})
		}
	}
	return root, nil
}

// find returns the first descendant (depth first) named name.
func (n *xmlNode) find(name string) *xmlNode {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
		if f := c.find(name); f != nil {
			return f
		}
	}
	return nil
}

// findAll returns every descendant named name, not descending into matches.
func (n *xmlNode) findAll(name string) []*xmlNode {
	var out []*xmlNode
	for _, c := range n.children {
		if c.name == name {
			out = append(out, c)
			continue
		}
		if jatsSkipped[c.name] {
			continue
		}
		out = append(out, c.findAll(name)...)
	}
	return out
}

func (n *xmlNode) child(name string) *xmlNode {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

// textContent concatenates all character data below n, skipping non-prose elements.
func (n *xmlNode) textContent() string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	n.writeText(&b)
	return collapseSpace(b.String())
}

func (n *xmlNode) writeText(b *strings.Builder) {
	if n.name == "" {
		b.WriteString(n.text)
		return
	}
	if jatsSkipped[n.name] {
		return
	}
	for _, c := range n.children {
		c.writeText(b)
	}
	if !jatsInline[n.name] {
		b.WriteByte(' ')
	}
}

// JATS normalizes a PMC JATS article. The first section holds the title and
// abstract; each top-level <sec> of the body becomes one section headed by
// its upper-cased title.
func JATS(raw []byte) (Result, error) {
	root, err := parseXMLTree(raw)
	if err != nil {
		return Result{}, err
	}
	article := root.find("article")
	if article == nil {
		return Result{}, fmt.Errorf("no <article> element")
	}

	meta := jatsMetadata(article)
	var tb textBuilder

	if front := article.child("front"); front != nil {
		var abstract string
		if a := front.find("abstract"); a != nil {
			abstract = a.textContent()
		}
		if meta.Title != "" || abstract != "" {
			var paras []string
			if abstract != "" {
				paras = append(paras, "ABSTRACT: "+abstract)
			}
			heading := ""
			if meta.Title != "" {
				heading = "TITLE: " + meta.Title
				if len(paras) == 0 {
					paras, heading = []string{heading}, ""
				}
			}
			tb.add("Abstract", heading, paras)
		}
	}

	if body := article.child("body"); body != nil {
		var loose []string
		n := 0
		for _, c := range body.children {
			switch c.name {
			case "sec":
				n++
				title := c.child("title").textContent()
				label := title
				if label == "" {
					label = fmt.Sprintf("Section %d", n)
				}
				tb.add(label, strings.ToUpper(title), paragraphs(c))
			case "p":
				loose = append(loose, c.textContent())
			}
		}
		if len(loose) > 0 {
			tb.add("Body", "", loose)
		}
	}

	return tb.result(meta), nil
}

// paragraphs returns the text of every <p> under sec, nested sections included.
func paragraphs(sec *xmlNode) []string {
	var out []string
	for _, p := range sec.findAll("p") {
		out = append(out, p.textContent())
	}
	return out
}

func jatsMetadata(article *xmlNode) Metadata {
	var m Metadata
	front := article.child("front")
	if front == nil {
		return m
	}
	if jm := front.child("journal-meta"); jm != nil {
		m.Journal = jm.find("journal-title").textContent()
	}
	am := front.child("article-meta")
	if am == nil {
		return m
	}
	m.Title = am.find("article-title").textContent()

	for _, id := range am.findAll("article-id") {
		switch id.attrs["pub-id-type"] {
		case "doi":
			m.DOI = id.textContent()
		case "pmid":
			m.PMID = id.textContent()
		}
	}

	dates := am.findAll("pub-date")
	var chosen *xmlNode
	for _, d := range dates {
		if d.attrs["pub-type"] == "epub" || d.attrs["publication-format"] == "electronic" {
			chosen = d
			break
		}
	}
	if chosen == nil && len(dates) > 0 {
		chosen = dates[0]
	}
	if chosen != nil {
		m.Year = chosen.child("year").textContent()
		m.Month = chosen.child("month").textContent()
	}

	for _, c := range am.findAll("contrib") {
		if c.attrs["contrib-type"] != "author" {
			continue
		}
		name := c.find("name")
		if name == nil {
			continue
		}
		full := strings.TrimSpace(name.child("given-names").textContent() + " " + name.child("surname").textContent())
		if full != "" {
			m.Authors = append(m.Authors, full)
		}
	}
	return m
}
