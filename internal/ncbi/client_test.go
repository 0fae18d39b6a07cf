package ncbi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/litrag/internal/retry"
)

const articleXML = `<?xml version="1.0"?>
<pmc-articleset><article><front><article-meta><title-group><article-title>T</article-title></title-group></article-meta></front></article></pmc-articleset>`

func testClient(url string) *Client {
	return New(Options{
		BaseURL: url,
		Tool:    "litrag-test",
		Email:   "dev@example.org",
		Timeout: 2 * time.Second,
		Retry:   retry.Policy{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
}

func TestFetchPMC(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/efetch.fcgi" {
			t.Errorf("path = %s, want /efetch.fcgi", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("db") != "pmc" || q.Get("id") != "123" {
			t.Errorf("query = %v", q)
		}
		if q.Get("tool") != "litrag-test" || q.Get("email") != "dev@example.org" {
			t.Errorf("missing tool/email: %v", q)
		}
		w.Write([]byte(articleXML))
	}))
	defer srv.Close()

	data, err := testClient(srv.URL).FetchPMC(context.Background(), "123")
	if err != nil {
		t.Fatalf("FetchPMC: %v", err)
	}
	if string(data) != articleXML {
		t.Errorf("body = %q", data)
	}
}

func TestFetchPMCNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<pmc-articleset><error>The following PMCID is not available: 999</error></pmc-articleset>`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).FetchPMC(context.Background(), "999")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestFetchPMCMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`service temporarily degraded`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).FetchPMC(context.Background(), "1")
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("error = %v, want ErrMalformed", err)
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(articleXML))
	}))
	defer srv.Close()

	if _, err := testClient(srv.URL).FetchPMC(context.Background(), "1"); err != nil {
		t.Fatalf("FetchPMC: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).FetchPMC(context.Background(), "1")
	var serr *StatusError
	if !errors.As(err, &serr) || serr.Status != http.StatusBadRequest {
		t.Fatalf("error = %v, want StatusError 400", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(articleXML))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, RequestsPerSecond: 20})
	start := time.Now()
	for i := 0; i < 5; i++ {
		if _, err := c.FetchPMC(context.Background(), "1"); err != nil {
			t.Fatal(err)
		}
	}
	// Burst of one: five requests at 20/s need at least four intervals.
	if elapsed := time.Since(start); elapsed < 190*time.Millisecond {
		t.Errorf("5 requests took %v, want >= 200ms at 20 req/s", elapsed)
	}
}

func TestSearchPMC(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/esearch.fcgi":
			if r.URL.Query().Get("retmax") != "6" {
				t.Errorf("retmax = %s, want 6", r.URL.Query().Get("retmax"))
			}
			w.Write([]byte(`{"esearchresult":{"idlist":["11","22","33","44"]}}`))
		case "/elink.fcgi":
			switch r.URL.Query().Get("id") {
			case "11":
				w.Write([]byte(`{"linksets":[{"linksetdbs":[{"linkname":"pubmed_pmc","links":["901"]}]}]}`))
			case "22":
				w.Write([]byte(`{"linksets":[{}]}`))
			default:
				w.Write([]byte(`{"linksets":[{"linksetdbs":[{"linkname":"pubmed_pmc","links":["9` + r.URL.Query().Get("id") + `"]}]}]}`))
			}
		}
	}))
	defer srv.Close()

	ids, err := testClient(srv.URL).SearchPMC(context.Background(), "amyloid", 2)
	if err != nil {
		t.Fatalf("SearchPMC: %v", err)
	}
	want := []string{"PMC901", "PMC933"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}
