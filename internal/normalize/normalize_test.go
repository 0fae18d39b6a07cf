package normalize

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJATS = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE pmc-articleset PUBLIC "-//NLM//DTD ARTICLE SET 2.0//EN" "https://dtd.nlm.nih.gov/ncbi/pmc/articleset/nlm-articleset-2.0.dtd">
<pmc-articleset>
<article article-type="research-article">
  <front>
    <journal-meta><journal-title-group><journal-title>Brain Research</journal-title></journal-title-group></journal-meta>
    <article-meta>
      <article-id pub-id-type="pmid">3801</article-id>
      <article-id pub-id-type="doi">10.1000/xyz</article-id>
      <title-group><article-title>Plasma biomarkers of Alzheimer's disease</article-title></title-group>
      <contrib-group>
        <contrib contrib-type="author"><name><surname>Curie</surname><given-names>Marie</given-names></name></contrib>
        <contrib contrib-type="editor"><name><surname>Nobody</surname></name></contrib>
      </contrib-group>
      <pub-date pub-type="ppub"><month>3</month><year>2023</year></pub-date>
      <pub-date pub-type="epub"><month>1</month><year>2024</year></pub-date>
      <abstract><p>We measured   plasma p-tau217.</p></abstract>
    </article-meta>
  </front>
  <body>
    <sec><title>Introduction</title>
      <p>Amyloid-<italic>beta</italic> plaques accumulate in the hippocampus <xref ref-type="bibr">[1]</xref>.</p>
      <table-wrap><table><tr><td>SECRET TABLE</td></tr></table></table-wrap>
      <sec><title>Background</title><p>Nested paragraph.</p></sec>
    </sec>
    <sec><title>Methods</title>
      <p>We recruited participants.</p>
      <fig><caption><p>FIGURE CAPTION</p></caption></fig>
    </sec>
  </body>
  <back><ref-list><ref>REFERENCE ENTRY</ref></ref-list></back>
</article>
</pmc-articleset>`

func TestJATS(t *testing.T) {
	res, err := JATS([]byte(sampleJATS))
	require.NoError(t, err)

	require.Len(t, res.Sections, 3)
	assert.Equal(t, "Abstract", res.Sections[0].Title)
	assert.Equal(t, "Introduction", res.Sections[1].Title)
	assert.Equal(t, "Methods", res.Sections[2].Title)

	assert.True(t, strings.HasPrefix(res.Text, "TITLE: Plasma biomarkers of Alzheimer's disease\nABSTRACT: We measured plasma p-tau217."))
	assert.Contains(t, res.Text, "INTRODUCTION\nAmyloid-beta plaques accumulate in the hippocampus [1].")
	assert.Contains(t, res.Text, "Nested paragraph.")
	assert.Contains(t, res.Text, "\n\nMETHODS\nWe recruited participants.")

	for _, stripped := range []string{"SECRET TABLE", "FIGURE CAPTION", "REFERENCE ENTRY"} {
		assert.NotContains(t, res.Text, stripped)
	}

	assert.Equal(t, "Brain Research", res.Meta.Journal)
	assert.Equal(t, "2024", res.Meta.Year, "epub date is preferred")
	assert.Equal(t, "1", res.Meta.Month)
	assert.Equal(t, []string{"Marie Curie"}, res.Meta.Authors)
	assert.Equal(t, "10.1000/xyz", res.Meta.DOI)
	assert.Equal(t, "3801", res.Meta.PMID)
}

func TestSectionSpansCoverText(t *testing.T) {
	res, err := JATS([]byte(sampleJATS))
	require.NoError(t, err)

	prevEnd := 0
	for _, s := range res.Sections {
		assert.GreaterOrEqual(t, s.Start, prevEnd)
		assert.Less(t, s.Start, s.End)
		assert.LessOrEqual(t, s.End, len(res.Text))
		prevEnd = s.End
	}
	assert.Equal(t, "METHODS\nWe recruited participants.", res.Text[res.Sections[2].Start:res.Sections[2].End])
}

func TestNormalizeErrors(t *testing.T) {
	tests := []struct {
		name   string
		format string
		raw    string
	}{
		{"no article element", FormatJATS, `<pmc-articleset></pmc-articleset>`},
		{"article without prose", FormatJATS, `<article><body></body></article>`},
		{"empty text", FormatText, "   \n\n  "},
		{"unknown format", "docx", "x"},
		{"not a pdf", FormatPDF, "plain words"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize("doc-1", tt.format, []byte(tt.raw))
			var cerr *ChunkError
			require.True(t, errors.As(err, &cerr), "want *ChunkError, got %v", err)
			assert.Equal(t, "doc-1", cerr.DocID)
		})
	}
}

func TestPlainText(t *testing.T) {
	raw := "INTRODUCTION\nFirst paragraph.\nSecond paragraph.\n\nRESULTS\nFindings here."
	res, err := Normalize("t", FormatText, []byte(raw))
	require.NoError(t, err)

	require.Len(t, res.Sections, 2)
	assert.Equal(t, "INTRODUCTION", res.Sections[0].Title)
	assert.Equal(t, "RESULTS", res.Sections[1].Title)
	assert.Equal(t, raw, res.Text)
}

func TestHTML(t *testing.T) {
	raw := `<html><head><title>Page</title><style>.x{}</style></head><body>
<nav>menu</nav>
<h1>Overview</h1><p>Tau tangles spread.</p>
<h2>Details</h2><p>More text.</p><script>alert(1)</script>
<table><tr><td>cell</td></tr></table>
</body></html>`
	res, err := Normalize("h", FormatHTML, []byte(raw))
	require.NoError(t, err)

	require.Len(t, res.Sections, 2)
	assert.Equal(t, "Overview", res.Sections[0].Title)
	assert.Equal(t, "OVERVIEW\nTau tangles spread.\n\nDETAILS\nMore text.", res.Text)
	assert.Equal(t, "Page", res.Meta.Title)
}

func TestDetectFormat(t *testing.T) {
	f, err := DetectFormat("a/PMC1.xml", []byte(sampleJATS))
	require.NoError(t, err)
	assert.Equal(t, FormatJATS, f)

	f, err = DetectFormat("paper.PDF", nil)
	require.NoError(t, err)
	assert.Equal(t, FormatPDF, f)

	_, err = DetectFormat("notes.xml", []byte("<root/>"))
	assert.Error(t, err)
	_, err = DetectFormat("sheet.xlsx", nil)
	assert.Error(t, err)
}
