package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"firenotes/apps/embedder/internal/adapter/qdrant"
	"firenotes/apps/embedder/internal/adapter/reranker"
	"firenotes/apps/embedder/internal/middleware"
	"firenotes/apps/embedder/internal/vector"
)

var (
	ErrEmptyQuery       = errors.New("query is empty")
	ErrDocumentNotFound = errors.New("document not found")
)

const (
	DefaultLimit = 5
	// RerankFactor is how many vector candidates are fetched per requested
	// result when a reranker is set.
	RerankFactor  = 4
	MaxCandidates = 100
)

type SearchResult struct {
	Content       string  `json:"content"`
	Score         float64 `json:"score"`
	Title         string  `json:"title,omitempty"`
	URL           string  `json:"url"`
	Domain        string  `json:"domain,omitempty"`
	Header        string  `json:"header,omitempty"`
	ChunkIndex    int     `json:"chunkIndex"`
	TotalChunks   int     `json:"totalChunks"`
	SourceCommand string  `json:"sourceCommand,omitempty"`
	ScrapedAt     string  `json:"scrapedAt,omitempty"`
}

// Document is a stored page rebuilt from its chunks.
type Document struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
	Chunks  int    `json:"chunks"`
}

type SearchOptions struct {
	Limit  int
	Domain string
}

type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

type VectorStore interface {
	Query(ctx context.Context, name string, vec []float32, opts qdrant.QueryOptions) ([]vector.ScoredPoint, error)
	ScrollByURL(ctx context.Context, name, pageURL string) ([]vector.Point, error)
}

type Reranker interface {
	Rerank(ctx context.Context, query string, texts []string) ([]reranker.Ranked, error)
}

type Service struct {
	embedder   Embedder
	store      VectorStore
	reranker   Reranker
	collection string
	logger     *QueryLogger
}

// NewService builds the retrieval service. l may be nil to disable the query log.
func NewService(e Embedder, s VectorStore, collection string, l *QueryLogger) *Service {
	return &Service{embedder: e, store: s, collection: collection, logger: l}
}

// SetReranker reorders search candidates with r before they are truncated to
// the requested limit.
func (s *Service) SetReranker(r Reranker) { s.reranker = r }

func (s *Service) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	start := time.Now()
	var results []SearchResult
	var err error

	defer func() {
		if s.logger != nil && err == nil {
			s.logger.Log(QueryLogEntry{
				Query:         query,
				Domain:        opts.Domain,
				NumResults:    len(results),
				Duration:      time.Since(start),
				CorrelationID: middleware.GetCorrelationID(ctx),
			})
		}
	}()

	if strings.TrimSpace(query) == "" {
		err = ErrEmptyQuery
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	// 1. Embed Query
	vec, err := s.embedder.EmbedOne(ctx, query)
	if err != nil {
		err = fmt.Errorf("embed query: %w", err)
		return nil, err
	}

	// 2. Vector Search
	candidates := limit
	if s.reranker != nil {
		candidates = min(limit*RerankFactor, MaxCandidates)
	}
	points, err := s.store.Query(ctx, s.collection, vec, qdrant.QueryOptions{Limit: candidates, Domain: opts.Domain})
	if err != nil {
		err = fmt.Errorf("query collection %s: %w", s.collection, err)
		return nil, err
	}

	results = make([]SearchResult, 0, len(points))
	for _, p := range points {
		results = append(results, toResult(p.Payload, p.Score))
	}

	// 3. Rerank
	if s.reranker != nil && len(results) > 0 {
		results = s.rerank(ctx, query, results)
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// rerank keeps vector order when the reranker fails.
func (s *Service) rerank(ctx context.Context, query string, results []SearchResult) []SearchResult {
	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Content
	}
	ranked, err := s.reranker.Rerank(ctx, query, texts)
	if err != nil {
		slog.WarnContext(ctx, "rerank failed, using vector order", "error", err)
		return results
	}
	if len(ranked) == 0 {
		return results
	}

	out := make([]SearchResult, 0, len(ranked))
	for _, r := range ranked {
		res := results[r.Index]
		res.Score = r.Score
		out = append(out, res)
	}
	return out
}

// GetDocument reassembles a stored page from its chunks in chunk order.
func (s *Service) GetDocument(ctx context.Context, pageURL string) (*Document, error) {
	points, err := s.store.ScrollByURL(ctx, s.collection, pageURL)
	if err != nil {
		return nil, fmt.Errorf("scroll collection %s: %w", s.collection, err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, pageURL)
	}

	parts := make([]string, 0, len(points))
	for _, p := range points {
		parts = append(parts, p.Payload.ChunkText)
	}
	return &Document{
		URL:     pageURL,
		Title:   points[0].Payload.Title,
		Content: strings.Join(parts, "\n\n"),
		Chunks:  len(points),
	}, nil
}

func toResult(p vector.Payload, score float64) SearchResult {
	r := SearchResult{
		Content:       p.ChunkText,
		Score:         score,
		Title:         p.Title,
		URL:           p.URL,
		Domain:        p.Domain,
		ChunkIndex:    p.ChunkIndex,
		TotalChunks:   p.TotalChunks,
		SourceCommand: p.SourceCommand,
		ScrapedAt:     p.ScrapedAt,
	}
	if p.ChunkHeader != nil {
		r.Header = *p.ChunkHeader
	}
	return r
}
