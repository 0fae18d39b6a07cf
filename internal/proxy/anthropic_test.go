package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAnthropicGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-ant" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != anthropicVersion {
			t.Errorf("anthropic-version = %q", r.Header.Get("anthropic-version"))
		}
		var req messagesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.System != "sys" || req.MaxTokens != 256 || req.Messages[0].Content != "q" {
			t.Errorf("request = %+v", req)
		}
		fmt.Fprint(w, `{"content":[{"type":"text","text":"Part one. "},{"type":"text","text":"Part two [2]."}],"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":5}}`)
	}))
	defer srv.Close()

	a := NewAnthropic(Options{APIKey: "sk-ant", BaseURL: srv.URL})
	got, err := a.Generate(context.Background(), Request{Model: "claude", System: "sys", Prompt: "q", MaxTokens: 256})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "Part one. Part two [2]." {
		t.Errorf("Generate = %q", got)
	}
}

func TestAnthropicAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer srv.Close()

	a := NewAnthropic(Options{APIKey: "bad", BaseURL: srv.URL, Retry: fastRetry})
	_, err := a.Generate(context.Background(), Request{Model: "claude", Prompt: "q"})
	var gerr *GenerationError
	if !errors.As(err, &gerr) {
		t.Fatalf("error = %v, want *GenerationError", err)
	}
	if gerr.Kind != KindAuth || gerr.Backend != "anthropic" {
		t.Errorf("got %+v, want anthropic auth error", gerr)
	}
}

func TestAnthropicEmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"content":[],"stop_reason":"max_tokens"}`)
	}))
	defer srv.Close()

	a := NewAnthropic(Options{APIKey: "k", BaseURL: srv.URL})
	_, err := a.Generate(context.Background(), Request{Model: "claude", Prompt: "q"})
	var gerr *GenerationError
	if !errors.As(err, &gerr) || gerr.Kind != KindBadResponse {
		t.Errorf("error = %v, want bad_response", err)
	}
}
