package reranker

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"firenotes/apps/embedder/internal/transport"
)

const (
	ProviderTEI    = "tei"
	ProviderJina   = "jina"
	ProviderCohere = "cohere"

	DefaultTimeout = 10 * time.Second
)

// Ranked is one input text's position after reranking. Index points into the
// texts passed to Rerank.
type Ranked struct {
	Index int
	Score float64
}

type Client struct {
	provider string
	baseURL  string
	apiKey   string
	model    string
	http     *transport.Client
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

func WithTransport(t *transport.Client) Option {
	return func(c *Client) { c.http = t }
}

// NewClient builds a reranker for provider. baseURL may be empty for the
// hosted providers; a TEI reranker always needs one.
func NewClient(provider, baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		provider: strings.ToLower(provider),
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     transport.New(DefaultTimeout),
	}
	if c.provider == "" {
		c.provider = ProviderTEI
	}
	for _, opt := range opts {
		opt(c)
	}

	switch c.provider {
	case ProviderTEI:
		if c.baseURL == "" {
			return nil, fmt.Errorf("reranker %s needs a base URL", c.provider)
		}
	case ProviderJina:
		if c.baseURL == "" {
			c.baseURL = "https://api.jina.ai/v1"
		}
		if c.model == "" {
			c.model = "jina-reranker-v1-base-en"
		}
	case ProviderCohere:
		if c.baseURL == "" {
			c.baseURL = "https://api.cohere.ai/v1"
		}
		if c.model == "" {
			c.model = "rerank-english-v3.0"
		}
	default:
		return nil, fmt.Errorf("unknown reranker provider %q", provider)
	}
	return c, nil
}

func (c *Client) Provider() string { return c.provider }

// Rerank scores texts against query and returns them best first. Indices the
// provider reports outside texts are dropped.
func (c *Client) Rerank(ctx context.Context, query string, texts []string) ([]Ranked, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var ranked []Ranked
	var err error
	if c.provider == ProviderTEI {
		ranked, err = c.rerankTEI(ctx, query, texts)
	} else {
		ranked, err = c.rerankHosted(ctx, query, texts)
	}
	if err != nil {
		return nil, fmt.Errorf("%s rerank: %w", c.provider, err)
	}

	out := ranked[:0]
	for _, r := range ranked {
		if r.Index >= 0 && r.Index < len(texts) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func (c *Client) rerankTEI(ctx context.Context, query string, texts []string) ([]Ranked, error) {
	resp, err := c.http.Do(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + "/rerank",
		Body: map[string]interface{}{
			"query":    query,
			"texts":    texts,
			"truncate": true,
		},
	})
	if err != nil {
		return nil, err
	}

	var result []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	}
	if err := resp.Decode(&result); err != nil {
		return nil, err
	}
	ranked := make([]Ranked, 0, len(result))
	for _, r := range result {
		ranked = append(ranked, Ranked{Index: r.Index, Score: r.Score})
	}
	return ranked, nil
}

// rerankHosted speaks the request shape shared by Jina and Cohere.
func (c *Client) rerankHosted(ctx context.Context, query string, texts []string) ([]Ranked, error) {
	body := map[string]interface{}{
		"model":     c.model,
		"query":     query,
		"documents": texts,
		"top_n":     len(texts),
	}
	if c.provider == ProviderCohere {
		body["return_documents"] = false
	}

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + "/rerank",
		Body:   body,
		Header: header,
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		Results []struct {
			Index int     `json:"index"`
			Score float64 `json:"relevance_score"`
		} `json:"results"`
	}
	if err := resp.Decode(&result); err != nil {
		return nil, err
	}
	ranked := make([]Ranked, 0, len(result.Results))
	for _, r := range result.Results {
		ranked = append(ranked, Ranked{Index: r.Index, Score: r.Score})
	}
	return ranked, nil
}
