package tei

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"firenotes/apps/embedder/internal/transport"
)

const (
	DefaultBatchSize   = 24
	DefaultConcurrency = 4
	DefaultTimeout     = 30 * time.Second
)

type ModelInfo struct {
	ModelID        string
	Dimension      int
	MaxInputLength int
}

// InfoCache remembers model metadata per endpoint for the life of the process.
type InfoCache struct {
	mu    sync.RWMutex
	items map[string]ModelInfo
}

func NewInfoCache() *InfoCache {
	return &InfoCache{items: make(map[string]ModelInfo)}
}

func (c *InfoCache) get(key string) (ModelInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.items[key]
	return info, ok
}

func (c *InfoCache) put(key string, info ModelInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = info
}

// Reset drops every cached entry.
func (c *InfoCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]ModelInfo)
}

type Client struct {
	baseURL     string
	http        *transport.Client
	cache       *InfoCache
	batchSize   int
	concurrency int
}

type Option func(*Client)

func WithBatchSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

func WithTransport(t *transport.Client) Option {
	return func(c *Client) { c.http = t }
}

// WithInfoCache shares a cache between clients; a nil cache is ignored.
func WithInfoCache(cache *InfoCache) Option {
	return func(c *Client) {
		if cache != nil {
			c.cache = cache
		}
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        transport.New(DefaultTimeout),
		cache:       NewInfoCache(),
		batchSize:   DefaultBatchSize,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Info returns the served model's metadata, fetched once per endpoint. When the
// service does not report a dimension it is measured with a probe embedding.
func (c *Client) Info(ctx context.Context) (ModelInfo, error) {
	if info, ok := c.cache.get(c.baseURL); ok {
		return info, nil
	}

	resp, err := c.http.Do(ctx, transport.Request{Method: http.MethodGet, URL: c.baseURL + "/info"})
	if err != nil {
		return ModelInfo{}, fmt.Errorf("embedding info: %w", err)
	}

	var raw struct {
		ModelID   string `json:"model_id"`
		ModelType struct {
			Embedding struct {
				Dim int `json:"dim"`
			} `json:"embedding"`
		} `json:"model_type"`
		MaxInputLength int `json:"max_input_length"`
	}
	if err := resp.Decode(&raw); err != nil {
		return ModelInfo{}, fmt.Errorf("embedding info: %w", err)
	}

	info := ModelInfo{
		ModelID:        raw.ModelID,
		Dimension:      raw.ModelType.Embedding.Dim,
		MaxInputLength: raw.MaxInputLength,
	}
	if info.Dimension == 0 {
		vecs, err := c.embedBatch(ctx, []string{"dimension probe"})
		if err != nil {
			return ModelInfo{}, fmt.Errorf("embedding dimension probe: %w", err)
		}
		if len(vecs) != 1 || len(vecs[0]) == 0 {
			return ModelInfo{}, errors.New("embedding dimension probe returned no vector")
		}
		info.Dimension = len(vecs[0])
	}

	c.cache.put(c.baseURL, info)
	slog.DebugContext(ctx, "embedding model info cached", "model", info.ModelID, "dimension", info.Dimension)
	return info, nil
}

// Embed returns one vector per text in input order. Batches run with at most
// concurrency requests in flight; the first failing batch cancels the rest.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		start, batch := start, texts[start:end]
		// Go blocks while concurrency batches are in flight.
		g.Go(func() error {
			vecs, err := c.embedBatch(gctx, batch)
			if err != nil {
				return err
			}
			if len(vecs) != len(batch) {
				return fmt.Errorf("embedding count mismatch: sent %d, got %d", len(batch), len(vecs))
			}
			copy(out[start:], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// EmbedOne embeds a single text, typically a search query.
func (c *Client) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *Client) embedBatch(ctx context.Context, inputs []string) ([][]float32, error) {
	resp, err := c.http.Do(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + "/embed",
		Body:   map[string]interface{}{"inputs": inputs},
	})
	if err != nil {
		return nil, fmt.Errorf("embed batch: %w", err)
	}
	var vecs [][]float32
	if err := resp.Decode(&vecs); err != nil {
		return nil, fmt.Errorf("embed batch: %w", err)
	}
	return vecs, nil
}
