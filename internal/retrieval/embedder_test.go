package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/litrag/internal/engine"
	"github.com/kalambet/litrag/internal/retry"
)

// mockEngine implements engine.Engine for testing.
type mockEngine struct {
	embedFn func(ctx context.Context, model string, texts []string) ([][]float32, error)
}

func (m *mockEngine) Name() string { return "mock" }
func (m *mockEngine) Chat(_ context.Context, _ string, _ []engine.Message, _ int) (string, error) {
	return "", fmt.Errorf("not implemented")
}
func (m *mockEngine) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	return m.embedFn(ctx, model, texts)
}
func (m *mockEngine) IsRunning(_ context.Context) bool               { return false }
func (m *mockEngine) ListModels(_ context.Context) ([]string, error) { return nil, nil }
func (m *mockEngine) HasModel(_ context.Context, _ string) bool      { return false }
func (m *mockEngine) PullModel(_ context.Context, _ string, _ func(engine.PullProgress)) error {
	return fmt.Errorf("not implemented")
}

var noRetry = retry.Policy{MaxRetries: 0, InitialBackoff: time.Millisecond}

// keywordVectors embeds texts by counting a few keywords, which makes
// similarity easy to reason about in tests.
func keywordVectors(_ context.Context, _ string, texts []string) ([][]float32, error) {
	words := []string{"amyloid", "tau", "plasma"}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, len(words))
		for j, w := range words {
			v[j] = float32(strings.Count(strings.ToLower(t), w))
		}
		out[i] = v
	}
	return out, nil
}

func TestEmbed_ReturnsVector(t *testing.T) {
	e := NewEmbedder(&mockEngine{embedFn: keywordVectors}, "nomic-embed-text")

	vec, err := e.Embed(context.Background(), "tau tau")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[1] != 2 {
		t.Errorf("vec = %v, want [0 2 0]", vec)
	}
	if e.Model() != "nomic-embed-text" || e.Backend() != "mock" {
		t.Errorf("Model/Backend = %s/%s", e.Model(), e.Backend())
	}
}

func TestEmbed_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	mock := &mockEngine{
		embedFn: func(ctx context.Context, model string, texts []string) ([][]float32, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("connection refused")
			}
			return keywordVectors(ctx, model, texts)
		},
	}
	e := NewEmbedder(mock, "m", WithRetry(retry.Policy{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}))

	if _, err := e.Embed(context.Background(), "x"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestEmbed_EngineError(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ []string) ([][]float32, error) {
			return nil, errors.New("connection refused")
		},
	}
	e := NewEmbedder(mock, "m", WithRetry(noRetry))

	_, err := e.Embed(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("error = %v, want wrapped engine error", err)
	}
}

func TestEmbedBatch_CountMismatch(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ []string) ([][]float32, error) {
			return [][]float32{{1}}, nil
		},
	}
	e := NewEmbedder(mock, "m", WithRetry(retry.Policy{MaxRetries: 3, InitialBackoff: time.Millisecond}))
	if _, err := e.EmbedBatch(context.Background(), []string{"a", "b"}); err == nil {
		t.Error("expected error for mismatched embedding count")
	}
}

func TestEmbedBatch_Empty(t *testing.T) {
	e := NewEmbedder(&mockEngine{embedFn: keywordVectors}, "m")
	vecs, err := e.EmbedBatch(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("EmbedBatch(nil) = %v, %v; want nil, nil", vecs, err)
	}
}

func TestEmbedBatches_SplitsAndReportsFailures(t *testing.T) {
	var maxInFlight, inFlight atomic.Int32
	mock := &mockEngine{
		embedFn: func(ctx context.Context, model string, texts []string) ([][]float32, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				cur := maxInFlight.Load()
				if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			if texts[0] == "bad" {
				return nil, errors.New("service unavailable")
			}
			return keywordVectors(ctx, model, texts)
		},
	}
	e := NewEmbedder(mock, "m", WithBatchSize(2), WithConcurrency(2), WithRetry(noRetry))

	texts := []string{"a", "b", "bad", "c", "d"}
	type batch struct {
		start, end int
		n          int
		failed     bool
	}
	var mu sync.Mutex
	var got []batch
	err := e.EmbedBatches(context.Background(), texts, func(start, end int, vecs [][]float32, err error) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, batch{start, end, len(vecs), err != nil})
		return nil
	})
	if err != nil {
		t.Fatalf("EmbedBatches: %v", err)
	}

	sort.Slice(got, func(i, j int) bool { return got[i].start < got[j].start })
	want := []batch{{0, 2, 2, false}, {2, 4, 0, true}, {4, 5, 1, false}}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("batches = %v, want %v", got, want)
	}
	if maxInFlight.Load() > 2 {
		t.Errorf("max in flight = %d, want <= 2", maxInFlight.Load())
	}
}

func TestEmbedBatches_CallbackErrorStops(t *testing.T) {
	e := NewEmbedder(&mockEngine{embedFn: keywordVectors}, "m", WithBatchSize(1), WithConcurrency(1))
	stop := errors.New("stop")
	calls := 0
	err := e.EmbedBatches(context.Background(), []string{"a", "b", "c"}, func(_, _ int, _ [][]float32, _ error) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Errorf("error = %v, want stop", err)
	}
	if calls != 1 {
		t.Errorf("callback ran %d times, want 1", calls)
	}
}
