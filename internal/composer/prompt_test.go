package composer

import (
	"strings"
	"testing"

	"github.com/kalambet/litrag/internal/chunk"
	"github.com/kalambet/litrag/internal/retrieval"
)

func result(id, doc, section, text string, score float32) retrieval.Result {
	return retrieval.Result{
		Chunk: chunk.Chunk{ID: id, DocID: doc, Section: section, End: len(text), Text: text},
		Score: score,
	}
}

func TestCompose_NumberedReferences(t *testing.T) {
	c := New(4000, PolicyDecline)
	p := c.Compose("Which biomarkers?", []retrieval.Result{
		result("PMC1#0000", "PMC1", "Results", "Plasma p-tau217 rose.", 0.9),
		result("PMC2#0003", "PMC2", "Discussion", "GFAP tracked amyloid.", 0.8),
	})

	if p.NoContext {
		t.Fatal("NoContext = true with two chunks")
	}
	if len(p.References) != 2 || p.References[0].N != 1 || p.References[1].N != 2 {
		t.Fatalf("References = %+v", p.References)
	}
	for _, want := range []string{
		"Context:\n[1] (PMCID=PMC1, Section=Results)\nPlasma p-tau217 rose.",
		"\n\n---\n\n[2] (PMCID=PMC2, Section=Discussion)\nGFAP tracked amyloid.",
		"Question: Which biomarkers?",
	} {
		if !strings.Contains(p.User, want) {
			t.Errorf("prompt missing %q:\n%s", want, p.User)
		}
	}
	if !strings.Contains(p.System, "[1]") {
		t.Error("instructions should show the citation format")
	}
}

func TestCompose_NoContextDecline(t *testing.T) {
	c := New(4000, PolicyDecline)
	p := c.Compose("What is tau?", nil)

	if !p.NoContext || len(p.References) != 0 {
		t.Fatalf("got %+v, want no-context prompt", p)
	}
	if strings.Contains(p.User, "[1]") || strings.Contains(p.System, "[1]") {
		t.Error("no-context prompt contains a reference number")
	}
	if !strings.Contains(p.System, "decline") {
		t.Errorf("decline instructions missing: %s", p.System)
	}
}

func TestCompose_NoContextGeneral(t *testing.T) {
	c := New(4000, PolicyGeneral)
	p := c.Compose("What is tau?", nil)
	if !p.NoContext || !strings.Contains(p.System, "general knowledge") {
		t.Errorf("got %+v, want general-knowledge instructions", p)
	}
}

func TestCompose_BudgetDropsLowestScoreFirst(t *testing.T) {
	long := strings.Repeat("word ", 100) // ~125 tokens per reference
	results := []retrieval.Result{
		result("A#0000", "A", "S", long, 0.5),
		result("B#0000", "B", "S", long, 0.9),
		result("C#0000", "C", "S", long, 0.1),
	}
	budget := EstimateTokens(groundedInstructions) + EstimateTokens("q") + 2*140
	c := New(budget, PolicyDecline)
	p := c.Compose("q", results)

	if len(p.References) != 2 {
		t.Fatalf("kept %d references, want 2", len(p.References))
	}
	// Retrieval order is preserved among the kept chunks.
	if p.References[0].Result.Chunk.DocID != "A" || p.References[1].Result.Chunk.DocID != "B" {
		t.Errorf("kept %s, %s; want A, B", p.References[0].Result.Chunk.DocID, p.References[1].Result.Chunk.DocID)
	}
	if strings.Contains(p.User, "PMCID=C") {
		t.Error("lowest-scoring chunk should have been dropped")
	}
}

func TestCompose_NothingFitsFallsBackToNoContext(t *testing.T) {
	c := New(1, PolicyDecline)
	p := c.Compose("q", []retrieval.Result{result("A#0000", "A", "S", "text", 0.5)})
	if !p.NoContext {
		t.Error("expected no-context prompt when no chunk fits")
	}
}

func TestEstimateTokens(t *testing.T) {
	if EstimateTokens("") != 0 || EstimateTokens("abcd") != 1 || EstimateTokens("abcde") != 2 {
		t.Error("EstimateTokens does not round up per 4 chars")
	}
}
