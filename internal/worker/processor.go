package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"firenotes/apps/embedder/internal/adapter/firecrawl"
	"firenotes/apps/embedder/internal/middleware"
	"firenotes/apps/embedder/internal/queue"
)

// ErrStillScraping is the recoverable outcome for crawls that have not
// finished yet.
var ErrStillScraping = errors.New("crawl still scraping")

const sourceCommandCrawl = "crawl"

// JobProcessor turns a claimed queue job into stored vectors: it fetches the
// finished crawl, embeds every page and records the outcome on the job.
type JobProcessor struct {
	queue    JobQueue
	crawls   CrawlFetcher
	pipeline *Pipeline
}

func NewJobProcessor(q JobQueue, c CrawlFetcher, p *Pipeline) *JobProcessor {
	return &JobProcessor{queue: q, crawls: c, pipeline: p}
}

// ClaimAndProcess claims jobID and processes it. It reports false when some
// other worker owns the job or it is not pending.
func (jp *JobProcessor) ClaimAndProcess(ctx context.Context, jobID string) (bool, error) {
	claimed, err := jp.queue.TryClaim(jobID)
	if err != nil || !claimed {
		return false, err
	}
	job, err := jp.queue.Get(jobID)
	if err != nil {
		return true, err
	}
	return true, jp.Process(ctx, *job)
}

// ProcessIfReady claims jobID and processes it only when its crawl has
// already finished. A crawl that is still running puts the job back to
// pending without charging a retry, and ProcessIfReady reports false.
func (jp *JobProcessor) ProcessIfReady(ctx context.Context, jobID string) (bool, error) {
	claimed, err := jp.queue.TryClaim(jobID)
	if err != nil || !claimed {
		return false, err
	}
	job, err := jp.queue.Get(jobID)
	if err != nil {
		return false, err
	}
	ctx = middleware.WithJobID(ctx, jobID)

	embedErr := jp.embedJob(ctx, *job)
	if errors.Is(embedErr, ErrStillScraping) {
		slog.DebugContext(ctx, "crawl not finished yet, releasing job")
		if _, err := jp.queue.Release(jobID); err != nil {
			return false, fmt.Errorf("release job %s: %w", jobID, err)
		}
		return false, nil
	}
	return true, jp.Settle(ctx, jobID, embedErr)
}

// Process runs an already claimed job and transitions it. The returned error
// is only about persisting the transition; the embed error itself is recorded
// on the job.
func (jp *JobProcessor) Process(ctx context.Context, job queue.Job) error {
	ctx = middleware.WithJobID(ctx, job.JobID)
	slog.InfoContext(ctx, "processing embed job", "url", job.URL, "retries", job.Retries)

	embedErr := jp.embedJob(ctx, job)
	return jp.Settle(ctx, job.JobID, embedErr)
}

// Settle maps an outcome to the matching queue transition. A job cut short
// by ctx ending is released to pending without charging a retry.
func (jp *JobProcessor) Settle(ctx context.Context, jobID string, embedErr error) error {
	if embedErr == nil {
		slog.InfoContext(ctx, "embed job completed")
		return jp.queue.MarkCompleted(jobID)
	}
	if ctx.Err() != nil {
		if _, err := jp.queue.Release(jobID); err != nil {
			return fmt.Errorf("release interrupted job %s: %w", jobID, err)
		}
		slog.WarnContext(ctx, "embed job interrupted, released", "error", embedErr)
		return nil
	}

	msg := embedErr.Error()
	var (
		job *queue.Job
		err error
	)
	switch {
	case errors.Is(embedErr, ErrNotConfigured):
		job, err = jp.queue.MarkConfigError(jobID, msg)
	case errors.Is(embedErr, ErrPermanent), errors.Is(embedErr, firecrawl.ErrJobNotFound), queue.IsIrrecoverable(msg):
		job, err = jp.queue.MarkPermanentFailed(jobID, msg)
	default:
		job, err = jp.queue.MarkFailed(jobID, msg)
	}
	if err != nil {
		return fmt.Errorf("record failure of job %s: %w", jobID, err)
	}

	if job.Status == queue.StatusFailed {
		slog.ErrorContext(ctx, "embed job failed permanently", "error", msg, "retries", job.Retries)
	} else {
		slog.WarnContext(ctx, "embed job failed, will retry", "error", msg, "retries", job.Retries, "max_retries", job.MaxRetries)
	}
	return nil
}

func (jp *JobProcessor) embedJob(ctx context.Context, job queue.Job) error {
	if jp.crawls == nil || !jp.pipeline.Configured() {
		return fmt.Errorf("%w: embedding and upstream endpoints are required", ErrNotConfigured)
	}

	status, err := jp.crawls.GetCrawlStatus(ctx, job.JobID)
	if err != nil {
		return err
	}

	switch status.Status {
	case firecrawl.StatusScraping:
		return ErrStillScraping
	case firecrawl.StatusFailed, firecrawl.StatusCancelled:
		return fmt.Errorf("%w: crawl %s", ErrPermanent, status.Status)
	case firecrawl.StatusCompleted:
	default:
		return fmt.Errorf("unexpected crawl status %q", status.Status)
	}

	docs := make([]Document, 0, len(status.Data))
	for _, page := range status.Data {
		if strings.TrimSpace(page.Markdown) == "" {
			continue
		}
		url := page.PageURL()
		if url == "" {
			url = job.URL
		}
		docs = append(docs, Document{
			Content: page.Markdown,
			Metadata: Metadata{
				URL:           url,
				Title:         page.Metadata.Title,
				SourceCommand: sourceCommandCrawl,
				ContentType:   "markdown",
			},
		})
	}
	if len(docs) == 0 {
		slog.InfoContext(ctx, "crawl has no pages to embed")
		return nil
	}

	res := jp.pipeline.EmbedBatch(ctx, docs)
	slog.InfoContext(ctx, "crawl pages embedded", "succeeded", res.Succeeded, "failed", res.Failed, "skipped", res.Skipped)
	// Failed pages may already have lost their old points, so the whole job
	// goes back for a retry.
	if res.Failed > 0 {
		return fmt.Errorf("%d of %d pages failed: %w", res.Failed, len(docs), errors.Join(res.Errors...))
	}
	return nil
}
