package worker

import (
	"context"

	"firenotes/apps/embedder/internal/adapter/firecrawl"
	"firenotes/apps/embedder/internal/adapter/tei"
	"firenotes/apps/embedder/internal/queue"
	"firenotes/apps/embedder/internal/vector"
)

type Embedder interface {
	Info(ctx context.Context) (tei.ModelInfo, error)
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, dimension int) error
	DeleteByURL(ctx context.Context, name, url string) error
	Upsert(ctx context.Context, name string, points []vector.Point) error
}

type CrawlFetcher interface {
	GetCrawlStatus(ctx context.Context, jobID string) (*firecrawl.CrawlStatus, error)
}

// JobQueue is the slice of the file queue the processor and consumers drive.
type JobQueue interface {
	Get(jobID string) (*queue.Job, error)
	TryClaim(jobID string) (bool, error)
	Release(jobID string) (bool, error)
	MarkCompleted(jobID string) error
	MarkFailed(jobID, errMsg string) (*queue.Job, error)
	MarkConfigError(jobID, errMsg string) (*queue.Job, error)
	MarkPermanentFailed(jobID, errMsg string) (*queue.Job, error)
}

// Metadata describes the document a piece of content came from.
type Metadata struct {
	URL           string `json:"url"`
	Title         string `json:"title,omitempty"`
	SourceCommand string `json:"source_command"`
	ContentType   string `json:"content_type,omitempty"`
}

type Document struct {
	Content  string
	Metadata Metadata
}
