package vector

import (
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IndexedFields are the payload keys that get a keyword index when a
// collection is created; every filter the pipeline issues targets one of them.
var IndexedFields = []string{"url", "domain", "source_command"}

// Distance used for every collection.
const Distance = "Cosine"

// Payload is the stored metadata of one chunk.
type Payload struct {
	URL           string  `json:"url"`
	Title         string  `json:"title"`
	Domain        string  `json:"domain"`
	ChunkIndex    int     `json:"chunk_index"`
	ChunkText     string  `json:"chunk_text"`
	ChunkHeader   *string `json:"chunk_header"`
	TotalChunks   int     `json:"total_chunks"`
	SourceCommand string  `json:"source_command"`
	ContentType   string  `json:"content_type"`
	ScrapedAt     string  `json:"scraped_at"`
}

type Point struct {
	ID      string    `json:"id"`
	Vector  []float32 `json:"vector,omitempty"`
	Payload Payload   `json:"payload"`
}

type ScoredPoint struct {
	ID      string  `json:"id"`
	Score   float64 `json:"score"`
	Payload Payload `json:"payload"`
}

// ChunkInput is what the pipeline knows about one chunk before it becomes a point.
type ChunkInput struct {
	Index  int
	Text   string
	Header string
}

// DocumentMeta is the per-document part of every chunk payload.
type DocumentMeta struct {
	URL           string
	Title         string
	SourceCommand string
	ContentType   string
}

// BuildPoints pairs chunks with their vectors. vectors must be positionally
// aligned with chunks.
func BuildPoints(meta DocumentMeta, chunks []ChunkInput, vectors [][]float32, scrapedAt time.Time) []Point {
	domain := DomainOf(meta.URL)
	contentType := meta.ContentType
	if contentType == "" {
		contentType = "markdown"
	}
	stamp := scrapedAt.UTC().Format(time.RFC3339)

	points := make([]Point, len(chunks))
	for i, c := range chunks {
		var header *string
		if c.Header != "" {
			h := c.Header
			header = &h
		}
		points[i] = Point{
			ID:     uuid.New().String(),
			Vector: vectors[i],
			Payload: Payload{
				URL:           meta.URL,
				Title:         meta.Title,
				Domain:        domain,
				ChunkIndex:    c.Index,
				ChunkText:     c.Text,
				ChunkHeader:   header,
				TotalChunks:   len(chunks),
				SourceCommand: meta.SourceCommand,
				ContentType:   contentType,
				ScrapedAt:     stamp,
			},
		}
	}
	return points
}

// DomainOf returns the lower-cased host of rawURL without port, or "" when it
// cannot be parsed.
func DomainOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
