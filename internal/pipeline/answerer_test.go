package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/litrag/internal/chunk"
	"github.com/kalambet/litrag/internal/composer"
	"github.com/kalambet/litrag/internal/proxy"
	"github.com/kalambet/litrag/internal/retrieval"
)

// mockGenerator records the last request and replies with reply.
type mockGenerator struct {
	reply   string
	err     error
	calls   int
	lastReq proxy.Request
}

func (m *mockGenerator) Name() string { return "mock" }
func (m *mockGenerator) Generate(_ context.Context, req proxy.Request) (string, error) {
	m.calls++
	m.lastReq = req
	return m.reply, m.err
}

type mockRetriever struct {
	results []retrieval.Result
	err     error
	k       int
}

func (m *mockRetriever) Retrieve(_ context.Context, _ string, k int) ([]retrieval.Result, error) {
	m.k = k
	return m.results, m.err
}

func results() []retrieval.Result {
	mk := func(id, doc, section, text string, score float32) retrieval.Result {
		return retrieval.Result{Chunk: chunk.Chunk{ID: id, DocID: doc, Section: section, End: len(text), Text: text}, Score: score}
	}
	return []retrieval.Result{
		mk("PMC1#0000", "PMC1", "Results", "p-tau217 rose.", 0.9),
		mk("PMC2#0001", "PMC2", "Methods", "Cohort of 300.", 0.7),
		mk("PMC3#0002", "PMC3", "Discussion", "GFAP tracked amyloid.", 0.6),
	}
}

func TestAnswer_SourcesAreCitedReferences(t *testing.T) {
	gen := &mockGenerator{reply: "Plasma p-tau217 rises [1] and GFAP tracks amyloid [3]. See also [7]."}
	a := NewAnswerer(nil, composer.New(4000, composer.PolicyDecline), gen, "claude-sonnet-4-5", 512)

	ans, err := a.Answer(context.Background(), "Which biomarkers?", results())
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if gen.calls != 1 {
		t.Errorf("generator called %d times, want 1", gen.calls)
	}
	if gen.lastReq.MaxTokens != 512 || gen.lastReq.Model != "claude-sonnet-4-5" {
		t.Errorf("request = %+v", gen.lastReq)
	}
	if len(ans.ChunkIDs) != 3 {
		t.Errorf("ChunkIDs = %v, want all three supplied chunks", ans.ChunkIDs)
	}
	if len(ans.Sources) != 2 || ans.Sources[0].N != 1 || ans.Sources[1].N != 3 {
		t.Fatalf("Sources = %+v, want [1] and [3]", ans.Sources)
	}
	if ans.Sources[1].DocID != "PMC3" || !ans.Sources[1].Cited {
		t.Errorf("Sources[1] = %+v", ans.Sources[1])
	}
}

func TestAnswer_NoCitationsListsAllChunks(t *testing.T) {
	gen := &mockGenerator{reply: "Several biomarkers were studied."}
	a := NewAnswerer(nil, composer.New(4000, composer.PolicyDecline), gen, "m", 0)

	ans, err := a.Answer(context.Background(), "q", results())
	if err != nil {
		t.Fatal(err)
	}
	if len(ans.Sources) != 3 {
		t.Errorf("Sources = %+v, want all three", ans.Sources)
	}
	for _, s := range ans.Sources {
		if s.Cited {
			t.Errorf("source %d marked cited", s.N)
		}
	}
}

func TestAnswer_NoContext(t *testing.T) {
	gen := &mockGenerator{reply: "No supporting excerpts were found."}
	a := NewAnswerer(nil, composer.New(4000, composer.PolicyDecline), gen, "m", 0)

	ans, err := a.Answer(context.Background(), "What is tau?", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ans.NoContext || len(ans.Sources) != 0 || len(ans.ChunkIDs) != 0 {
		t.Errorf("answer = %+v, want no-context answer", ans)
	}
	if strings.Contains(gen.lastReq.Prompt, "[1]") {
		t.Error("no-context prompt contains a reference number")
	}
}

func TestAnswer_GenerationErrorPropagates(t *testing.T) {
	gerr := &proxy.GenerationError{Backend: "anthropic", Kind: proxy.KindAuth, Status: 401, Err: errors.New("bad key")}
	a := NewAnswerer(nil, composer.New(4000, composer.PolicyDecline), &mockGenerator{reply: "partial", err: gerr}, "m", 0)

	ans, err := a.Answer(context.Background(), "q", results())
	var got *proxy.GenerationError
	if !errors.As(err, &got) || got.Kind != proxy.KindAuth {
		t.Fatalf("error = %v, want auth GenerationError", err)
	}
	if ans.Text != "" {
		t.Errorf("partial answer returned: %q", ans.Text)
	}
}

func TestAsk_RetrievesThenAnswers(t *testing.T) {
	ret := &mockRetriever{results: results()}
	gen := &mockGenerator{reply: "Answer [2]."}
	a := NewAnswerer(ret, composer.New(4000, composer.PolicyDecline), gen, "m", 0)

	ans, err := a.Ask(context.Background(), "q", 3)
	if err != nil {
		t.Fatal(err)
	}
	if ret.k != 3 {
		t.Errorf("k = %d, want 3", ret.k)
	}
	if len(ans.Sources) != 1 || ans.Sources[0].ChunkID != "PMC2#0001" {
		t.Errorf("Sources = %+v", ans.Sources)
	}
}

func TestAsk_ValidationErrorSkipsGeneration(t *testing.T) {
	ret := &mockRetriever{err: &retrieval.ValidationError{Field: "query", Reason: "must not be empty"}}
	gen := &mockGenerator{}
	a := NewAnswerer(ret, composer.New(4000, composer.PolicyDecline), gen, "m", 0)

	_, err := a.Ask(context.Background(), "", 3)
	var verr *retrieval.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if gen.calls != 0 {
		t.Error("generator called for an invalid request")
	}
}

func TestCitations(t *testing.T) {
	tests := []struct {
		text string
		n    int
		want []int
	}{
		{"no markers", 3, nil},
		{"one [2] two [2]", 3, []int{2}},
		{"list [1, 3] and [2;4]", 3, []int{1, 2, 3}},
		{"adjacent [1][3]", 3, []int{1, 3}},
		{"out of range [0] [9]", 3, nil},
		{"year [2023] is not a citation", 5, nil},
	}
	for _, tt := range tests {
		got := Citations(tt.text, tt.n)
		if len(got) != len(tt.want) {
			t.Errorf("Citations(%q) = %v, want %v", tt.text, got, tt.want)
			continue
		}
		for _, w := range tt.want {
			if !got[w] {
				t.Errorf("Citations(%q) missing %d", tt.text, w)
			}
		}
	}
}
