package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
)

// LocalProvider implements Provider using an Ollama-compatible API. It
// prefers the batch /api/embed endpoint and falls back to one
// /api/embeddings call per text on servers that lack it.
type LocalProvider struct {
	endpoint string
	model    string
	client   *http.Client
	dim      dimension
	legacy   atomic.Bool
}

// NewLocalProvider creates a new LocalProvider from the given Config.
func NewLocalProvider(cfg Config) *LocalProvider {
	return &LocalProvider{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		model:    cfg.Model,
		client:   newHTTPClient(cfg.Timeout),
		dim:      dimension{configured: cfg.Dimension},
	}
}

type localBatchRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type localBatchResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type localRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type localResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns one embedding per text.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var embeddings [][]float32
	var err error
	if !p.legacy.Load() {
		embeddings, err = p.embedBatch(ctx, texts)
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			p.legacy.Store(true)
		} else if err != nil {
			return nil, err
		}
	}
	if p.legacy.Load() {
		embeddings = make([][]float32, 0, len(texts))
		for _, text := range texts {
			vec, err := p.embedSingle(ctx, text)
			if err != nil {
				return nil, err
			}
			embeddings = append(embeddings, vec)
		}
	}

	p.dim.observe(embeddings)
	return embeddings, nil
}

func (p *LocalProvider) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var result localBatchResponse
	if err := postJSON(ctx, p.client, p.endpoint+"/api/embed", "",
		localBatchRequest{Model: p.model, Input: texts}, &result); err != nil {
		return nil, err
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs", len(result.Embeddings), len(texts))
	}
	return result.Embeddings, nil
}

func (p *LocalProvider) embedSingle(ctx context.Context, text string) ([]float32, error) {
	var result localResponse
	if err := postJSON(ctx, p.client, p.endpoint+"/api/embeddings", "",
		localRequest{Model: p.model, Prompt: text}, &result); err != nil {
		return nil, err
	}
	return result.Embedding, nil
}

// Dimension returns the embedding vector dimension.
func (p *LocalProvider) Dimension() int {
	return p.dim.get()
}
