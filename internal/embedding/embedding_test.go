package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestAPIProviderEmbed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("missing auth header")
		}
		// Out of order on purpose; the index decides placement.
		resp := apiResponse{
			Data: []apiEmbeddingData{
				{Index: 1, Embedding: []float32{0.4, 0.5, 0.6}},
				{Index: 0, Embedding: []float32{0.1, 0.2, 0.3}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewAPIProvider(Config{
		Endpoint: srv.URL + "/",
		Model:    "test-model",
		APIKey:   "k",
	})

	vectors, err := p.Embed(context.Background(), []string{"hello", "world"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vectors))
	}
	if vectors[0][0] != 0.1 || vectors[1][0] != 0.4 {
		t.Errorf("vectors out of input order: %v", vectors)
	}
	if p.Dimension() != 3 {
		t.Errorf("got dimension %d, want 3", p.Dimension())
	}
}

func TestAPIProviderEmbed_Empty(t *testing.T) {
	p := NewAPIProvider(Config{
		Endpoint:  "http://unused",
		Model:     "test-model",
		Dimension: 128,
	})

	vectors, err := p.Embed(context.Background(), []string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vectors != nil {
		t.Errorf("expected nil for empty input, got %v", vectors)
	}
}

func TestAPIProviderDimension_Fallback(t *testing.T) {
	p := NewAPIProvider(Config{
		Endpoint:  "http://unused",
		Model:     "test-model",
		Dimension: 256,
	})

	if d := p.Dimension(); d != 256 {
		t.Errorf("got dimension %d, want configured default 256", d)
	}
}

func TestAPIProviderEmbed_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewAPIProvider(Config{Endpoint: srv.URL}).Embed(context.Background(), []string{"x"})
	se, ok := err.(*StatusError)
	if !ok || se.Status != http.StatusUnauthorized {
		t.Errorf("got %v, want StatusError 401", err)
	}
}

func TestLocalProvider_FallsBackToLegacyEndpoint(t *testing.T) {
	var batchCalls, singleCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/embed", func(w http.ResponseWriter, r *http.Request) {
		batchCalls.Add(1)
		http.NotFound(w, r)
	})
	mux.HandleFunc("/api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		singleCalls.Add(1)
		json.NewEncoder(w).Encode(localResponse{Embedding: []float32{1, 2}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewLocalProvider(Config{Endpoint: srv.URL, Model: "nomic"})
	for i := 0; i < 2; i++ {
		vecs, err := p.Embed(context.Background(), []string{"a", "b"})
		if err != nil {
			t.Fatalf("embed: %v", err)
		}
		if len(vecs) != 2 {
			t.Fatalf("got %d vectors", len(vecs))
		}
	}
	if batchCalls.Load() != 1 || singleCalls.Load() != 4 {
		t.Errorf("batch=%d single=%d, want 1 and 4", batchCalls.Load(), singleCalls.Load())
	}
	if p.Dimension() != 2 {
		t.Errorf("dimension = %d", p.Dimension())
	}
}

func TestLocalProvider_Batch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(localBatchResponse{Embeddings: [][]float32{{1}, {2}, {3}}})
	}))
	defer srv.Close()

	vecs, err := NewLocalProvider(Config{Endpoint: srv.URL}).Embed(context.Background(), []string{"a", "b", "c"})
	if err != nil || len(vecs) != 3 || vecs[2][0] != 3 {
		t.Errorf("vecs=%v err=%v", vecs, err)
	}
}

func TestNew(t *testing.T) {
	if p, err := New(Config{}); err != nil {
		t.Errorf("default: %v", err)
	} else if _, ok := p.(*APIProvider); !ok {
		t.Errorf("default provider is %T", p)
	}
	if p, _ := New(Config{Provider: "local"}); p == nil {
		t.Error("local provider is nil")
	} else if _, ok := p.(*LocalProvider); !ok {
		t.Errorf("local provider is %T", p)
	}
	if _, err := New(Config{Provider: "bogus"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}
