package firecrawl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"firenotes/apps/embedder/internal/transport"
)

const (
	DefaultBaseURL = "https://api.firecrawl.dev"
	DefaultTimeout = 15 * time.Second

	maxPages = 1000
)

var ErrJobNotFound = errors.New("job not found")

const (
	StatusScraping  = "scraping"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

type Metadata struct {
	Title      string `json:"title"`
	SourceURL  string `json:"sourceURL"`
	URL        string `json:"url"`
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error,omitempty"`
}

type Document struct {
	Markdown string   `json:"markdown"`
	Metadata Metadata `json:"metadata"`
}

// PageURL is the address the page was requested under, falling back to the
// final URL after redirects.
func (d Document) PageURL() string {
	if d.Metadata.SourceURL != "" {
		return d.Metadata.SourceURL
	}
	return d.Metadata.URL
}

type CrawlStatus struct {
	Status    string     `json:"status"`
	Total     int        `json:"total"`
	Completed int        `json:"completed"`
	Next      *string    `json:"next"`
	Data      []Document `json:"data"`
}

type Client struct {
	baseURL string
	apiKey  string
	http    *transport.Client
}

type Option func(*Client)

func WithTransport(t *transport.Client) Option {
	return func(c *Client) { c.http = t }
}

func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    transport.New(DefaultTimeout),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// GetCrawlStatus fetches a crawl job and, once it has results, follows the
// next links until every page of documents is collected.
func (c *Client) GetCrawlStatus(ctx context.Context, jobID string) (*CrawlStatus, error) {
	first, err := c.fetch(ctx, c.baseURL+"/v2/crawl/"+url.PathEscape(jobID))
	if err != nil {
		return nil, err
	}

	next := first.Next
	seen := map[string]bool{}
	for pages := 1; next != nil && *next != ""; pages++ {
		if seen[*next] || pages >= maxPages {
			break
		}
		seen[*next] = true

		link, err := c.sameOrigin(*next)
		if err != nil {
			return nil, fmt.Errorf("fetch crawl %s page %d: %w", jobID, pages+1, err)
		}
		page, err := c.fetch(ctx, link)
		if err != nil {
			return nil, fmt.Errorf("fetch crawl %s page %d: %w", jobID, pages+1, err)
		}
		first.Data = append(first.Data, page.Data...)
		next = page.Next
	}
	first.Next = nil
	return first, nil
}

// sameOrigin resolves a next link against the base URL and rejects links that
// would carry the API key to another host.
func (c *Client) sameOrigin(next string) (string, error) {
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(next)
	if err != nil {
		return "", fmt.Errorf("parse next link: %w", err)
	}
	u := base.ResolveReference(ref)
	if u.Scheme != base.Scheme || u.Host != base.Host {
		return "", fmt.Errorf("next link %s leaves %s", u.Redacted(), base.Host)
	}
	return u.String(), nil
}

func (c *Client) fetch(ctx context.Context, u string) (*CrawlStatus, error) {
	resp, err := c.http.Do(ctx, transport.Request{
		Method: http.MethodGet,
		URL:    u,
		Header: http.Header{"Authorization": {"Bearer " + c.apiKey}},
	})
	if err != nil {
		if transport.IsStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrJobNotFound, err)
		}
		return nil, err
	}
	var status CrawlStatus
	if err := resp.Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}
