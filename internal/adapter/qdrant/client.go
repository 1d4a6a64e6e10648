package qdrant

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"firenotes/apps/embedder/internal/transport"
	"firenotes/apps/embedder/internal/vector"
)

const (
	DefaultTimeout  = 60 * time.Second
	DefaultPageSize = 100
)

// CollectionCache records collections already confirmed to exist.
type CollectionCache struct {
	mu    sync.RWMutex
	names map[string]struct{}
}

func NewCollectionCache() *CollectionCache {
	return &CollectionCache{names: make(map[string]struct{})}
}

func (c *CollectionCache) has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.names[name]
	return ok
}

func (c *CollectionCache) add(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names[name] = struct{}{}
}

// Invalidate forgets one collection so the next EnsureCollection re-checks it.
func (c *CollectionCache) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.names, name)
}

func (c *CollectionCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = make(map[string]struct{})
}

type Client struct {
	baseURL  string
	http     *transport.Client
	cache    *CollectionCache
	pageSize int
}

type Option func(*Client)

func WithTransport(t *transport.Client) Option {
	return func(c *Client) { c.http = t }
}

func WithCollectionCache(cache *CollectionCache) Option {
	return func(c *Client) {
		if cache != nil {
			c.cache = cache
		}
	}
}

func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     transport.New(DefaultTimeout),
		cache:    NewCollectionCache(),
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type matchValue struct {
	Value interface{} `json:"value"`
}

type condition struct {
	Key   string     `json:"key"`
	Match matchValue `json:"match"`
}

// filter ANDs its conditions.
type filter struct {
	Must []condition `json:"must"`
}

func matchFilter(pairs ...string) *filter {
	f := &filter{Must: []condition{}}
	for i := 0; i+1 < len(pairs); i += 2 {
		f.Must = append(f.Must, condition{Key: pairs[i], Match: matchValue{Value: pairs[i+1]}})
	}
	return f
}

func (c *Client) collectionURL(name string, suffix string) string {
	return c.baseURL + "/collections/" + url.PathEscape(name) + suffix
}

// EnsureCollection creates name with a cosine vector space of dimension and
// keyword indexes on the filterable payload fields, unless it already exists.
func (c *Client) EnsureCollection(ctx context.Context, name string, dimension int) error {
	if c.cache.has(name) {
		return nil
	}

	_, err := c.http.Do(ctx, transport.Request{Method: http.MethodGet, URL: c.collectionURL(name, "")})
	if err == nil {
		c.cache.add(name)
		return nil
	}
	if !transport.IsStatus(err, http.StatusNotFound) {
		return fmt.Errorf("check collection %s: %w", name, err)
	}

	slog.InfoContext(ctx, "creating vector collection", "collection", name, "dimension", dimension)
	_, err = c.http.Do(ctx, transport.Request{
		Method: http.MethodPut,
		URL:    c.collectionURL(name, ""),
		Body: map[string]interface{}{
			"vectors": map[string]interface{}{"size": dimension, "distance": vector.Distance},
		},
	})
	// Another process may have created it between our check and create.
	if err != nil && !transport.IsStatus(err, http.StatusConflict) {
		return fmt.Errorf("create collection %s: %w", name, err)
	}

	for _, field := range vector.IndexedFields {
		_, err := c.http.Do(ctx, transport.Request{
			Method: http.MethodPut,
			URL:    c.collectionURL(name, "/index?wait=true"),
			Body:   map[string]string{"field_name": field, "field_schema": "keyword"},
		})
		if err != nil {
			return fmt.Errorf("create index %s on %s: %w", field, name, err)
		}
	}

	c.cache.add(name)
	return nil
}

func (c *Client) Upsert(ctx context.Context, name string, points []vector.Point) error {
	if len(points) == 0 {
		return nil
	}
	_, err := c.http.Do(ctx, transport.Request{
		Method: http.MethodPut,
		URL:    c.collectionURL(name, "/points?wait=true"),
		Body:   map[string]interface{}{"points": points},
	})
	if err != nil {
		return fmt.Errorf("upsert %d points into %s: %w", len(points), name, err)
	}
	return nil
}

func (c *Client) DeleteByURL(ctx context.Context, name, pageURL string) error {
	return c.deleteWhere(ctx, name, matchFilter("url", pageURL))
}

func (c *Client) DeleteByDomain(ctx context.Context, name, domain string) error {
	return c.deleteWhere(ctx, name, matchFilter("domain", domain))
}

// DeleteAll removes every point but keeps the collection.
func (c *Client) DeleteAll(ctx context.Context, name string) error {
	return c.deleteWhere(ctx, name, matchFilter())
}

func (c *Client) deleteWhere(ctx context.Context, name string, f *filter) error {
	_, err := c.http.Do(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    c.collectionURL(name, "/points/delete?wait=true"),
		Body:   map[string]interface{}{"filter": f},
	})
	if err != nil {
		return fmt.Errorf("delete points from %s: %w", name, err)
	}
	return nil
}

func (c *Client) CountByURL(ctx context.Context, name, pageURL string) (int, error) {
	return c.count(ctx, name, matchFilter("url", pageURL))
}

func (c *Client) CountByDomain(ctx context.Context, name, domain string) (int, error) {
	return c.count(ctx, name, matchFilter("domain", domain))
}

func (c *Client) CountAll(ctx context.Context, name string) (int, error) {
	return c.count(ctx, name, nil)
}

func (c *Client) count(ctx context.Context, name string, f *filter) (int, error) {
	body := map[string]interface{}{"exact": true}
	if f != nil {
		body["filter"] = f
	}
	resp, err := c.http.Do(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    c.collectionURL(name, "/points/count"),
		Body:   body,
	})
	if err != nil {
		return 0, fmt.Errorf("count points in %s: %w", name, err)
	}
	var out struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := resp.Decode(&out); err != nil {
		return 0, err
	}
	return out.Result.Count, nil
}

type QueryOptions struct {
	Limit  int
	Domain string
}

type wirePoint struct {
	ID      interface{}    `json:"id"`
	Score   float64        `json:"score"`
	Payload vector.Payload `json:"payload"`
}

func (p wirePoint) id() string {
	return fmt.Sprint(p.ID)
}

// Query returns up to opts.Limit points most similar to vec, best first.
func (c *Client) Query(ctx context.Context, name string, vec []float32, opts QueryOptions) ([]vector.ScoredPoint, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 5
	}
	body := map[string]interface{}{
		"query":        vec,
		"limit":        limit,
		"with_payload": true,
	}
	if opts.Domain != "" {
		body["filter"] = matchFilter("domain", opts.Domain)
	}

	resp, err := c.http.Do(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    c.collectionURL(name, "/points/query"),
		Body:   body,
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", name, err)
	}

	var out struct {
		Result struct {
			Points []wirePoint `json:"points"`
		} `json:"result"`
	}
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}

	results := make([]vector.ScoredPoint, 0, len(out.Result.Points))
	for _, p := range out.Result.Points {
		results = append(results, vector.ScoredPoint{ID: p.id(), Score: p.Score, Payload: p.Payload})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

// ScrollByURL pages through every point stored for pageURL and returns them
// ordered by chunk_index.
func (c *Client) ScrollByURL(ctx context.Context, name, pageURL string) ([]vector.Point, error) {
	var (
		points []vector.Point
		offset interface{}
	)
	for {
		body := map[string]interface{}{
			"filter":       matchFilter("url", pageURL),
			"limit":        c.pageSize,
			"with_payload": true,
			"with_vector":  false,
		}
		if offset != nil {
			body["offset"] = offset
		}

		resp, err := c.http.Do(ctx, transport.Request{
			Method: http.MethodPost,
			URL:    c.collectionURL(name, "/points/scroll"),
			Body:   body,
		})
		if err != nil {
			return nil, fmt.Errorf("scroll %s: %w", name, err)
		}

		var out struct {
			Result struct {
				Points         []wirePoint `json:"points"`
				NextPageOffset interface{} `json:"next_page_offset"`
			} `json:"result"`
		}
		if err := resp.Decode(&out); err != nil {
			return nil, err
		}
		for _, p := range out.Result.Points {
			points = append(points, vector.Point{ID: p.id(), Payload: p.Payload})
		}

		if out.Result.NextPageOffset == nil {
			break
		}
		offset = out.Result.NextPageOffset
	}

	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Payload.ChunkIndex < points[j].Payload.ChunkIndex
	})
	return points, nil
}
