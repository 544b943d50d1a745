package retrieval

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/turnkeeper/internal/clock"
	"github.com/nidhogg/turnkeeper/internal/embedding"
	"github.com/nidhogg/turnkeeper/internal/vectorstore"
	"go.uber.org/zap"
)

// Payload keys written alongside every indexed chunk.
const (
	FieldContent    = "content"
	FieldDocumentID = "document_id"
	FieldChunkIndex = "chunk_index"
	FieldUserID     = "user_id"
	FieldIndexedAt  = "indexed_at"
)

const (
	DefaultCollection     = "documents"
	DefaultScoreThreshold = 0.7
	DefaultTopK           = 3
	maxFetch              = 15
)

// Result is a single retrieved chunk.
type Result struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Source   string            `json:"source"`
	Score    float32           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Searcher finds the k chunks most similar to query whose payload matches
// every filter entry.
type Searcher interface {
	Search(ctx context.Context, query string, k int, filter map[string]string) ([]Result, error)
}

// Index is the subset of the vector store used for retrieval.
type Index interface {
	EnsureCollection(ctx context.Context, name string, dimension uint64) error
	Upsert(ctx context.Context, collection, id string, vector []float32, payload map[string]string) error
	Search(ctx context.Context, req vectorstore.SearchRequest) ([]*vectorstore.SearchResult, error)
	DeleteByFilter(ctx context.Context, collection string, filter map[string]string) error
}

// Config tunes a QdrantSearcher.
type Config struct {
	Collection     string  `json:"collection" yaml:"collection"`
	TopK           int     `json:"top_k" yaml:"top_k"`
	ScoreThreshold float32 `json:"score_threshold" yaml:"score_threshold"`
}

// QdrantSearcher embeds queries and documents and stores them in one
// vector collection.
type QdrantSearcher struct {
	embedder embedding.Provider
	index    Index
	cfg      Config
	splitter Splitter
	clock    clock.Clock
	logger   *zap.Logger
}

// NewQdrantSearcher creates a searcher. Zero config values take defaults.
func NewQdrantSearcher(embedder embedding.Provider, index Index, cfg Config, c clock.Clock, logger *zap.Logger) *QdrantSearcher {
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.ScoreThreshold <= 0 {
		cfg.ScoreThreshold = DefaultScoreThreshold
	}
	if c == nil {
		c = clock.Real()
	}
	return &QdrantSearcher{
		embedder: embedder,
		index:    index,
		cfg:      cfg,
		splitter: DefaultSplitter(),
		clock:    c,
		logger:   logger,
	}
}

// Init ensures the collection exists.
func (s *QdrantSearcher) Init(ctx context.Context) error {
	dim := uint64(s.embedder.Dimension())
	if dim == 0 {
		dim = 1024
	}
	if err := s.index.EnsureCollection(ctx, s.cfg.Collection, dim); err != nil {
		return fmt.Errorf("init collection %s: %w", s.cfg.Collection, err)
	}
	return nil
}

// Search returns up to k chunks scoring at least the configured
// threshold, best first. Queries with fewer than two distinct words
// return nothing without touching the index.
func (s *QdrantSearcher) Search(ctx context.Context, query string, k int, filter map[string]string) ([]Result, error) {
	if k <= 0 {
		k = s.cfg.TopK
	}
	if distinctWords(query) < 2 {
		return nil, nil
	}

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	hits, err := s.index.Search(ctx, vectorstore.SearchRequest{
		Collection:     s.cfg.Collection,
		Vector:         vectors[0],
		TopK:           uint64(min(k*2, maxFetch)),
		Filter:         filter,
		ScoreThreshold: s.cfg.ScoreThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}

	results := make([]Result, 0, min(k, len(hits)))
	for _, h := range hits {
		if h.Score < s.cfg.ScoreThreshold {
			continue
		}
		results = append(results, toResult(s.cfg.Collection, h))
		if len(results) == k {
			break
		}
	}
	s.logger.Debug("retrieval search",
		zap.Int("hits", len(hits)), zap.Int("kept", len(results)))
	return results, nil
}

func toResult(collection string, h *vectorstore.SearchResult) Result {
	meta := make(map[string]string, len(h.Payload))
	for k, v := range h.Payload {
		if k != FieldContent {
			meta[k] = v
		}
	}
	source := collection + ":" + h.ID
	if doc := h.Payload[FieldDocumentID]; doc != "" {
		source = collection + ":" + doc + "#" + h.Payload[FieldChunkIndex]
	}
	return Result{
		ID:       h.ID,
		Content:  h.Payload[FieldContent],
		Source:   source,
		Score:    h.Score,
		Metadata: meta,
	}
}

// Store splits content into chunks, embeds them in one batch and upserts
// one point per chunk. It returns the document ID, taken from
// metadata[document_id] when present.
func (s *QdrantSearcher) Store(ctx context.Context, content string, metadata map[string]string) (string, error) {
	chunks := s.splitter.Split(content)
	if len(chunks) == 0 {
		return "", fmt.Errorf("store document: no content")
	}
	docID := metadata[FieldDocumentID]
	if docID == "" {
		docID = uuid.New().String()
	}

	vectors, err := s.embedder.Embed(ctx, chunks)
	if err != nil {
		return "", fmt.Errorf("embed content: %w", err)
	}
	if len(vectors) != len(chunks) {
		return "", fmt.Errorf("embed content: got %d vectors for %d chunks", len(vectors), len(chunks))
	}

	indexedAt := s.clock.Now().UTC().Format(time.RFC3339)
	for i, chunk := range chunks {
		payload := make(map[string]string, len(metadata)+4)
		for k, v := range metadata {
			payload[k] = v
		}
		payload[FieldContent] = chunk
		payload[FieldDocumentID] = docID
		payload[FieldChunkIndex] = strconv.Itoa(i)
		payload[FieldIndexedAt] = indexedAt
		if err := s.index.Upsert(ctx, s.cfg.Collection, uuid.New().String(), vectors[i], payload); err != nil {
			return "", fmt.Errorf("store chunk %d of %s: %w", i, docID, err)
		}
	}
	s.logger.Info("document indexed",
		zap.String("document", docID), zap.Int("chunks", len(chunks)))
	return docID, nil
}

// Remove deletes every chunk of the document. A non-empty userID limits
// the deletion to that user's chunks.
func (s *QdrantSearcher) Remove(ctx context.Context, documentID, userID string) error {
	if documentID == "" {
		return fmt.Errorf("remove document: empty id")
	}
	filter := map[string]string{FieldDocumentID: documentID}
	if userID != "" {
		filter[FieldUserID] = userID
	}
	if err := s.index.DeleteByFilter(ctx, s.cfg.Collection, filter); err != nil {
		return fmt.Errorf("remove document %s: %w", documentID, err)
	}
	return nil
}

func distinctWords(q string) int {
	seen := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(q)) {
		seen[w] = struct{}{}
	}
	return len(seen)
}

// FormatContext renders results into a prompt-friendly string.
func FormatContext(results []Result) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Retrieved Context\n\n")
	for i, r := range results {
		fmt.Fprintf(&b, "%d. [%s] (score: %.2f)\n%s\n\n", i+1, r.Source, r.Score, r.Content)
	}
	return b.String()
}
