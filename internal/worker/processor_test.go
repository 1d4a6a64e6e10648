package worker_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firenotes/apps/embedder/internal/adapter/firecrawl"
	"firenotes/apps/embedder/internal/queue"
	"firenotes/apps/embedder/internal/worker"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	q, err := queue.New(filepath.Join(t.TempDir(), "queue"))
	require.NoError(t, err)
	return q
}

func completedCrawl(pages ...string) *firecrawl.CrawlStatus {
	status := &firecrawl.CrawlStatus{Status: firecrawl.StatusCompleted}
	for i, md := range pages {
		status.Data = append(status.Data, firecrawl.Document{
			Markdown: md,
			Metadata: firecrawl.Metadata{Title: fmt.Sprintf("Page %d", i), SourceURL: fmt.Sprintf("https://example.com/%d", i)},
		})
	}
	return status
}

func TestJobProcessor_Completed(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue("crawl-1", "https://example.com")
	require.NoError(t, err)

	store := newMemStore()
	pl := newPipeline(t, happyEmbedder(), store)
	crawls := new(MockCrawlFetcher)
	crawls.On("GetCrawlStatus", mock.Anything, "crawl-1").
		Return(completedCrawl("# A\n\nfirst page body text", "", "# B\n\nsecond page body text"), nil)

	jp := worker.NewJobProcessor(q, crawls, pl)
	claimed, err := jp.ClaimAndProcess(context.Background(), "crawl-1")
	require.NoError(t, err)
	assert.True(t, claimed)

	job, err := q.Get("crawl-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, job.Status)
	assert.Equal(t, 1, store.count("https://example.com/0"))
	assert.Equal(t, 0, store.count("https://example.com/1"))
	assert.Equal(t, 1, store.count("https://example.com/2"))
}

func TestJobProcessor_NotClaimable(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue("crawl-1", "https://example.com")
	require.NoError(t, err)
	ok, err := q.TryClaim("crawl-1")
	require.NoError(t, err)
	require.True(t, ok)

	crawls := new(MockCrawlFetcher)
	jp := worker.NewJobProcessor(q, crawls, newPipeline(t, happyEmbedder(), newMemStore()))
	claimed, err := jp.ClaimAndProcess(context.Background(), "crawl-1")
	require.NoError(t, err)
	assert.False(t, claimed)
	crawls.AssertNotCalled(t, "GetCrawlStatus", mock.Anything, mock.Anything)
}

func TestJobProcessor_ProcessIfReady(t *testing.T) {
	t.Run("StillScrapingReleases", func(t *testing.T) {
		q := newTestQueue(t)
		_, err := q.Enqueue("crawl-1", "https://example.com")
		require.NoError(t, err)

		crawls := new(MockCrawlFetcher)
		crawls.On("GetCrawlStatus", mock.Anything, "crawl-1").
			Return(&firecrawl.CrawlStatus{Status: firecrawl.StatusScraping}, nil)

		jp := worker.NewJobProcessor(q, crawls, newPipeline(t, happyEmbedder(), newMemStore()))
		processed, err := jp.ProcessIfReady(context.Background(), "crawl-1")
		require.NoError(t, err)
		assert.False(t, processed)

		job, err := q.Get("crawl-1")
		require.NoError(t, err)
		assert.Equal(t, queue.StatusPending, job.Status)
		assert.Zero(t, job.Retries)
		assert.Nil(t, job.LastError)
	})

	t.Run("FinishedCrawlIsProcessed", func(t *testing.T) {
		q := newTestQueue(t)
		_, err := q.Enqueue("crawl-1", "https://example.com")
		require.NoError(t, err)

		store := newMemStore()
		crawls := new(MockCrawlFetcher)
		crawls.On("GetCrawlStatus", mock.Anything, "crawl-1").
			Return(completedCrawl("# A\n\nfirst page body text"), nil)

		jp := worker.NewJobProcessor(q, crawls, newPipeline(t, happyEmbedder(), store))
		processed, err := jp.ProcessIfReady(context.Background(), "crawl-1")
		require.NoError(t, err)
		assert.True(t, processed)

		job, err := q.Get("crawl-1")
		require.NoError(t, err)
		assert.Equal(t, queue.StatusCompleted, job.Status)
		assert.Equal(t, 1, store.count("https://example.com/0"))
	})
}

func TestJobProcessor_Outcomes(t *testing.T) {
	tests := []struct {
		name        string
		status      *firecrawl.CrawlStatus
		err         error
		wantStatus  queue.Status
		wantRetries int
		wantError   string
	}{
		{
			name:        "still scraping retries",
			status:      &firecrawl.CrawlStatus{Status: firecrawl.StatusScraping},
			wantStatus:  queue.StatusPending,
			wantRetries: 1,
			wantError:   "crawl still scraping",
		},
		{
			name:        "upstream 404 is permanent",
			err:         fmt.Errorf("%w: GET /v2/crawl/crawl-1 returned 404", firecrawl.ErrJobNotFound),
			wantStatus:  queue.StatusFailed,
			wantRetries: queue.DefaultMaxRetries,
			wantError:   "job not found",
		},
		{
			name:        "cancelled crawl is permanent",
			status:      &firecrawl.CrawlStatus{Status: firecrawl.StatusCancelled},
			wantStatus:  queue.StatusFailed,
			wantRetries: queue.DefaultMaxRetries,
			wantError:   "cancelled",
		},
		{
			name:        "transient upstream error retries",
			err:         errors.New("GET /v2/crawl/crawl-1 returned 502"),
			wantStatus:  queue.StatusPending,
			wantRetries: 1,
			wantError:   "502",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newTestQueue(t)
			_, err := q.Enqueue("crawl-1", "https://example.com")
			require.NoError(t, err)

			crawls := new(MockCrawlFetcher)
			if tt.err != nil {
				crawls.On("GetCrawlStatus", mock.Anything, "crawl-1").Return(nil, tt.err)
			} else {
				crawls.On("GetCrawlStatus", mock.Anything, "crawl-1").Return(tt.status, nil)
			}

			jp := worker.NewJobProcessor(q, crawls, newPipeline(t, happyEmbedder(), newMemStore()))
			claimed, err := jp.ClaimAndProcess(context.Background(), "crawl-1")
			require.NoError(t, err)
			require.True(t, claimed)

			job, err := q.Get("crawl-1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, job.Status)
			assert.Equal(t, tt.wantRetries, job.Retries)
			assert.Contains(t, job.ErrorText(), tt.wantError)
		})
	}
}

func TestJobProcessor_NotConfiguredIsConfigError(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue("crawl-1", "https://example.com")
	require.NoError(t, err)

	jp := worker.NewJobProcessor(q, new(MockCrawlFetcher), newPipeline(t, nil, nil))
	_, err = jp.ClaimAndProcess(context.Background(), "crawl-1")
	require.NoError(t, err)

	job, err := q.Get("crawl-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, job.Status)
	assert.Equal(t, job.MaxRetries, job.Retries)
}

func TestJobProcessor_AllPagesFailed(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue("crawl-1", "https://example.com")
	require.NoError(t, err)

	store := newMemStore()
	store.fail["https://example.com/0"] = errors.New("upsert rejected: timeout")
	crawls := new(MockCrawlFetcher)
	crawls.On("GetCrawlStatus", mock.Anything, "crawl-1").Return(completedCrawl("# A\n\nonly page body"), nil)

	jp := worker.NewJobProcessor(q, crawls, newPipeline(t, happyEmbedder(), store))
	_, err = jp.ClaimAndProcess(context.Background(), "crawl-1")
	require.NoError(t, err)

	job, err := q.Get("crawl-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.Equal(t, 1, job.Retries)
	assert.Contains(t, job.ErrorText(), "1 of 1 pages failed")
}

func TestJobProcessor_PartialPageFailureRetries(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue("crawl-1", "https://example.com")
	require.NoError(t, err)

	store := newMemStore()
	store.fail["https://example.com/1"] = errors.New("upsert rejected: 503")
	crawls := new(MockCrawlFetcher)
	crawls.On("GetCrawlStatus", mock.Anything, "crawl-1").
		Return(completedCrawl("# A\n\nfirst page body text", "# B\n\nsecond page body text"), nil)

	jp := worker.NewJobProcessor(q, crawls, newPipeline(t, happyEmbedder(), store))
	_, err = jp.ClaimAndProcess(context.Background(), "crawl-1")
	require.NoError(t, err)

	job, err := q.Get("crawl-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.Equal(t, 1, job.Retries)
	assert.Contains(t, job.ErrorText(), "1 of 2 pages failed")
	assert.Equal(t, 1, store.count("https://example.com/0"))
	assert.Equal(t, 0, store.count("https://example.com/1"))

	// The retry embeds every page again once the store recovers.
	delete(store.fail, "https://example.com/1")
	_, err = jp.ClaimAndProcess(context.Background(), "crawl-1")
	require.NoError(t, err)

	job, err = q.Get("crawl-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, job.Status)
	assert.Equal(t, 1, store.count("https://example.com/0"))
	assert.Equal(t, 1, store.count("https://example.com/1"))
}

func TestJobProcessor_CancelledJobIsReleased(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue("crawl-1", "https://example.com")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	crawls := new(MockCrawlFetcher)
	crawls.On("GetCrawlStatus", mock.Anything, "crawl-1").
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, fmt.Errorf("GET /v2/crawl/crawl-1: %w", context.Canceled))

	jp := worker.NewJobProcessor(q, crawls, newPipeline(t, happyEmbedder(), newMemStore()))
	claimed, err := jp.ClaimAndProcess(ctx, "crawl-1")
	require.NoError(t, err)
	assert.True(t, claimed)

	job, err := q.Get("crawl-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.Zero(t, job.Retries)
	assert.Nil(t, job.LastError)
}
