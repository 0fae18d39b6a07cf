package storage

import (
	"context"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("applied migrations = %v, want 2", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestPendingMigrations_SkipsApplied(t *testing.T) {
	pending, err := pendingMigrations(map[int]bool{1: true})
	if err != nil {
		t.Fatalf("pendingMigrations: %v", err)
	}
	if len(pending) != 1 || pending[0].version != 2 || pending[0].name != "002_chunk_embeddings.sql" {
		t.Errorf("pending = %+v, want only 002_chunk_embeddings.sql", pending)
	}
}

func TestSaveAndGetDocument(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	saved, err := s.SaveDocument(ctx, Document{
		ID:     "PMC123",
		Source: "pmc",
		Format: "jats",
		Raw:    []byte("<article/>"),
	})
	if err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
	if saved.Version != 1 {
		t.Errorf("Version = %d, want 1", saved.Version)
	}

	got, err := s.GetDocument(ctx, "PMC123")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if string(got.Raw) != "<article/>" {
		t.Errorf("Raw = %q", got.Raw)
	}
	if got.Status != StatusFetched {
		t.Errorf("Status = %q, want %q", got.Status, StatusFetched)
	}
	if got.FetchedAt.IsZero() {
		t.Error("FetchedAt not set")
	}

	ok, err := s.HasDocument(ctx, "PMC123")
	if err != nil || !ok {
		t.Errorf("HasDocument = %v, %v; want true", ok, err)
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetDocument(context.Background(), "PMC999")
	if err != ErrNotFound {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

// TestRefetchSupersedes verifies a second save adds a version and keeps the first.
func TestRefetchSupersedes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.SaveDocument(ctx, Document{ID: "PMC1", Source: "pmc", Format: "jats", Raw: []byte("old")}); err != nil {
		t.Fatal(err)
	}
	second, err := s.SaveDocument(ctx, Document{ID: "PMC1", Source: "pmc", Format: "jats", Raw: []byte("new")})
	if err != nil {
		t.Fatal(err)
	}
	if second.Version != 2 {
		t.Errorf("Version = %d, want 2", second.Version)
	}

	n, err := s.DocumentVersions(ctx, "PMC1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("versions = %d, want 2", n)
	}

	docs, err := s.ListDocuments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 || string(docs[0].Raw) != "new" {
		t.Errorf("ListDocuments = %+v, want only the latest version", docs)
	}
}

func TestNormalizedAndUnparsable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, _ := s.SaveDocument(ctx, Document{ID: "PMC1", Source: "pmc", Format: "jats", Raw: []byte("a")})
	b, _ := s.SaveDocument(ctx, Document{ID: "PMC2", Source: "pmc", Format: "jats", Raw: []byte("b")})

	if err := s.SetNormalized(ctx, a.ID, a.Version, "Title", `{"journal":"J"}`, "TEXT", `[{"title":"A","start":0,"end":4}]`); err != nil {
		t.Fatalf("SetNormalized: %v", err)
	}
	if err := s.MarkUnparsable(ctx, b.ID, b.Version, "no body"); err != nil {
		t.Fatalf("MarkUnparsable: %v", err)
	}
	if err := s.MarkUnparsable(ctx, "PMC404", 1, "x"); err != ErrNotFound {
		t.Errorf("MarkUnparsable on missing doc = %v, want ErrNotFound", err)
	}

	got, _ := s.GetDocument(ctx, "PMC1")
	if got.Normalized != "TEXT" || got.Title != "Title" || string(got.Raw) != "a" {
		t.Errorf("normalized doc = %+v", got)
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[StatusNormalized] != 1 || counts[StatusUnparsable] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestEmbeddingCache(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.PutEmbeddings(ctx, "m1", []CachedEmbedding{
		{ChunkID: "c1", TextHash: "h1", Vector: []float32{1, 2, 3}},
		{ChunkID: "c2", TextHash: "h2", Vector: []float32{4, 5, 6}},
	})
	if err != nil {
		t.Fatalf("PutEmbeddings: %v", err)
	}

	got, err := s.GetEmbeddings(ctx, "m1", map[string]string{"c1": "h1", "c2": "changed", "c3": "h3"})
	if err != nil {
		t.Fatalf("GetEmbeddings: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d cached vectors, want 1 (hash mismatch and missing ignored)", len(got))
	}
	if v := got["c1"]; len(v) != 3 || v[2] != 3 {
		t.Errorf("c1 = %v", v)
	}

	other, err := s.GetEmbeddings(ctx, "m2", map[string]string{"c1": "h1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Error("cache leaked across models")
	}

	n, err := s.CountEmbeddings(ctx, "m1")
	if err != nil || n != 2 {
		t.Errorf("CountEmbeddings = %d, %v; want 2", n, err)
	}
}

func TestFloat32Codec(t *testing.T) {
	in := []float32{0, -1.5, 3.25}
	out, err := DecodeFloat32s(EncodeFloat32s(in))
	if err != nil {
		t.Fatal(err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}
	if _, err := DecodeFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated input")
	}
}
