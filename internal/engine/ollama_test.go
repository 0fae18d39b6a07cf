package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

var _ Engine = (*OllamaEngine)(nil)

func TestOllamaEngine_ChatSendsMessages(t *testing.T) {
	var got struct {
		Model    string    `json:"model"`
		Messages []Message `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": "In the hippocampus [1]."},
		})
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL)
	result, err := e.Chat(context.Background(), "llama3.2", []Message{
		{Role: "system", Content: "Cite excerpts."},
		{Role: "user", Content: "Where do plaques form?"},
	}, 0)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if result != "In the hippocampus [1]." {
		t.Errorf("got %q", result)
	}
	if got.Model != "llama3.2" || len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Errorf("request = %+v", got)
	}
}

func TestOllamaEngine_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float32{{0.1, 0.2, 0.3}, {0.4, 0.5, 0.6}},
		})
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL)
	vecs, err := e.Embed(context.Background(), "nomic-embed-text", []string{"amyloid", "tau"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 || len(vecs[1]) != 3 {
		t.Fatalf("got %v, want two 3-dim vectors", vecs)
	}
	if e.Name() != "ollama" {
		t.Errorf("Name() = %q", e.Name())
	}
}

func TestOllamaEngine_PullModelConvertsProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pull" {
			http.NotFound(w, r)
			return
		}
		enc := json.NewEncoder(w)
		enc.Encode(map[string]any{"status": "downloading", "total": 1000, "completed": 500})
		enc.Encode(map[string]any{"status": "success"})
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL)
	var seen []PullProgress
	if err := e.PullModel(context.Background(), "nomic-embed-text", func(p PullProgress) {
		seen = append(seen, p)
	}); err != nil {
		t.Fatalf("PullModel: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("received %d progress updates, want 2", len(seen))
	}
	if seen[0].Total != 1000 || seen[0].Completed != 500 || seen[1].Status != "success" {
		t.Errorf("progress = %+v", seen)
	}
	if err := e.PullModel(context.Background(), "nomic-embed-text", nil); err != nil {
		t.Fatalf("PullModel without callback: %v", err)
	}
}
