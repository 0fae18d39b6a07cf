package composer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/litrag/internal/retrieval"
)

const defaultMaxContextTokens = 6000

// No-context policies.
const (
	// PolicyDecline makes the model say no supporting excerpts were found.
	PolicyDecline = "decline"
	// PolicyGeneral lets the model answer from general knowledge, flagged as such.
	PolicyGeneral = "general"
)

const groundedInstructions = `You answer questions about biomedical research using only the numbered excerpts from scientific articles provided in the Context.
Cite the excerpts that support each statement with their bracketed number, for example [1] or [2][3].
Only use the numbers listed in the Context. If the excerpts do not answer the question, say so.`

const declineInstructions = `No supporting excerpts were found in the indexed literature for the question that follows.
Reply briefly that the indexed articles contain no excerpts supporting an answer, and decline to answer. Do not use citation markers.`

const generalInstructions = `No supporting excerpts were found in the indexed literature for the question that follows.
You may answer from general knowledge, but begin by stating that no supporting excerpts were found and that the answer is not grounded in the indexed articles. Do not use citation markers.`

// Reference is a numbered context excerpt.
type Reference struct {
	N      int
	Result retrieval.Result
}

// Prompt is a composed generation request.
type Prompt struct {
	System     string
	User       string
	References []Reference
	NoContext  bool
}

// Composer assembles prompts from retrieved chunks and the user question.
type Composer struct {
	MaxContextTokens int
	NoContextPolicy  string
}

// New creates a Composer with the given token budget for injected context.
// If maxContextTokens <= 0, the default (6000) is used; an unknown policy
// means PolicyDecline.
func New(maxContextTokens int, noContextPolicy string) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	if noContextPolicy != PolicyGeneral {
		noContextPolicy = PolicyDecline
	}
	return &Composer{MaxContextTokens: maxContextTokens, NoContextPolicy: noContextPolicy}
}

// Compose builds the prompt for question. Chunks that do not fit the token
// budget are dropped lowest score first; the kept ones are numbered from 1
// in retrieval order.
func (c *Composer) Compose(question string, results []retrieval.Result) Prompt {
	kept := c.fit(question, results)
	if len(kept) == 0 {
		system := declineInstructions
		if c.NoContextPolicy == PolicyGeneral {
			system = generalInstructions
		}
		return Prompt{System: system, User: "Question: " + question, NoContext: true}
	}

	refs := make([]Reference, len(kept))
	blocks := make([]string, len(kept))
	for i, r := range kept {
		refs[i] = Reference{N: i + 1, Result: r}
		blocks[i] = formatReference(i+1, r)
	}

	var sb strings.Builder
	sb.WriteString("Context:\n")
	sb.WriteString(strings.Join(blocks, "\n\n---\n\n"))
	sb.WriteString("\n\n---\n\nQuestion: ")
	sb.WriteString(question)

	return Prompt{System: groundedInstructions, User: sb.String(), References: refs}
}

// fit selects the highest-scoring results whose references fit the budget
// and returns them in their original order.
func (c *Composer) fit(question string, results []retrieval.Result) []retrieval.Result {
	if len(results) == 0 {
		return nil
	}
	order := make([]int, len(results))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return results[order[a]].Score > results[order[b]].Score
	})

	remaining := c.MaxContextTokens - EstimateTokens(groundedInstructions) - EstimateTokens(question)
	keep := make([]bool, len(results))
	for _, i := range order {
		// Numbers are not known yet; two digits is a safe estimate.
		tokens := EstimateTokens(formatReference(99, results[i])) + EstimateTokens("\n\n---\n\n")
		if tokens > remaining {
			continue
		}
		keep[i] = true
		remaining -= tokens
	}

	var out []retrieval.Result
	for i, r := range results {
		if keep[i] {
			out = append(out, r)
		}
	}
	return out
}

func formatReference(n int, r retrieval.Result) string {
	return fmt.Sprintf("[%d] (PMCID=%s, Section=%s)\n%s", n, r.Chunk.DocID, r.Chunk.Section, r.Chunk.Text)
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
