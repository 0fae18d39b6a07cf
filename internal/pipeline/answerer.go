// Package pipeline answers questions: retrieve, compose, generate.
package pipeline

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/kalambet/litrag/internal/composer"
	"github.com/kalambet/litrag/internal/proxy"
	"github.com/kalambet/litrag/internal/retrieval"
)

// Source is a reference shown under an answer.
type Source struct {
	N       int     `json:"n"`
	DocID   string  `json:"doc_id"`
	Section string  `json:"section"`
	ChunkID string  `json:"chunk_id"`
	Score   float32 `json:"score"`
	Cited   bool    `json:"cited"`
}

// Answer is a generated answer with the chunks it was grounded on.
type Answer struct {
	Text      string        `json:"text"`
	ChunkIDs  []string      `json:"chunk_ids"`
	Sources   []Source      `json:"sources"`
	Model     string        `json:"model"`
	NoContext bool          `json:"no_context"`
	Duration  time.Duration `json:"-"`
}

// Retriever finds the chunks relevant to a question.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]retrieval.Result, error)
}

// Answerer runs retrieval, prompt composition and one generation call.
type Answerer struct {
	retriever Retriever
	composer  *composer.Composer
	generator proxy.Generator
	model     string
	maxTokens int
	logger    *slog.Logger
}

// NewAnswerer wires the answer pipeline. retriever may be nil when only
// Answer (with caller-supplied chunks) is used.
func NewAnswerer(retriever Retriever, comp *composer.Composer, gen proxy.Generator, model string, maxTokens int) *Answerer {
	return &Answerer{
		retriever: retriever,
		composer:  comp,
		generator: gen,
		model:     model,
		maxTokens: maxTokens,
		logger:    slog.Default(),
	}
}

// Ask retrieves the k best chunks for question and answers from them.
func (a *Answerer) Ask(ctx context.Context, question string, k int) (Answer, error) {
	results, err := a.retriever.Retrieve(ctx, question, k)
	if err != nil {
		return Answer{}, err
	}
	return a.Answer(ctx, question, results)
}

// Answer generates an answer to question grounded on chunks. On failure no
// partial answer is returned.
func (a *Answerer) Answer(ctx context.Context, question string, chunks []retrieval.Result) (Answer, error) {
	start := time.Now()
	prompt := a.composer.Compose(question, chunks)

	text, err := a.generator.Generate(ctx, proxy.Request{
		Model:     a.model,
		System:    prompt.System,
		Prompt:    prompt.User,
		MaxTokens: a.maxTokens,
	})
	if err != nil {
		return Answer{}, err
	}

	ans := Answer{
		Text:      text,
		Model:     a.model,
		NoContext: prompt.NoContext,
		Duration:  time.Since(start),
	}
	if prompt.NoContext {
		a.logger.Debug("answered without context", "model", a.model)
		return ans, nil
	}

	cited := Citations(text, len(prompt.References))
	for _, ref := range prompt.References {
		ans.ChunkIDs = append(ans.ChunkIDs, ref.Result.Chunk.ID)
		if len(cited) > 0 && !cited[ref.N] {
			continue
		}
		ans.Sources = append(ans.Sources, Source{
			N:       ref.N,
			DocID:   ref.Result.Chunk.DocID,
			Section: ref.Result.Chunk.Section,
			ChunkID: ref.Result.Chunk.ID,
			Score:   ref.Result.Score,
			Cited:   cited[ref.N],
		})
	}
	a.logger.Debug("answered", "model", a.model, "references", len(prompt.References), "cited", len(cited), "duration", ans.Duration)
	return ans, nil
}

var citationPattern = regexp.MustCompile(`\[(\d+(?:\s*[,;]\s*\d+)*)\]`)
var digitsPattern = regexp.MustCompile(`\d+`)

// Citations returns the reference numbers in [1..n] that text cites with
// markers like [2], [1, 3] or [1][4]. Numbers outside the range are ignored.
func Citations(text string, n int) map[int]bool {
	out := make(map[int]bool)
	for _, m := range citationPattern.FindAllStringSubmatch(text, -1) {
		for _, d := range digitsPattern.FindAllString(m[1], -1) {
			v, err := strconv.Atoi(d)
			if err == nil && v >= 1 && v <= n {
				out[v] = true
			}
		}
	}
	return out
}
