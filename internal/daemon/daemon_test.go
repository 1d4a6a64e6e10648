package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firenotes/apps/embedder/internal/middleware"
	"firenotes/apps/embedder/internal/queue"
)

type MockRunner struct{ mock.Mock }

func (m *MockRunner) ClaimAndProcess(ctx context.Context, jobID string) (bool, error) {
	args := m.Called(ctx, jobID)
	return args.Bool(0), args.Error(1)
}

func (m *MockRunner) ProcessIfReady(ctx context.Context, jobID string) (bool, error) {
	args := m.Called(ctx, jobID)
	return args.Bool(0), args.Error(1)
}

func (m *MockRunner) Settle(ctx context.Context, jobID string, embedErr error) error {
	args := m.Called(ctx, jobID, embedErr)
	return args.Error(0)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newQueue(t *testing.T) (*queue.Queue, *testClock) {
	t.Helper()
	clk := &testClock{now: time.Now().UTC()}
	q, err := queue.New(filepath.Join(t.TempDir(), "queue"), queue.WithClock(clk.Now))
	require.NoError(t, err)
	return q, clk
}

func testConfig() Config {
	return Config{
		Host:            "127.0.0.1",
		Port:            0,
		WebhookPath:     "/webhooks/crawl",
		PollInterval:    time.Hour,
		StaleThreshold:  5 * time.Minute,
		StuckThreshold:  10 * time.Minute,
		CleanupInterval: time.Hour,
		CleanupMaxAge:   24 * time.Hour,
		WatchDebounce:   20 * time.Millisecond,
	}
}

var okStatus = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"pendingJobs":0}`))
})

func postWebhook(t *testing.T, d *Daemon, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/crawl", bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	d.Handler().ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	errObj, ok := body["error"].(map[string]interface{})
	require.True(t, ok, "response has no error object")
	return errObj["code"].(string)
}

func TestWebhook(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		setup      func(*MockRunner)
		wantStatus int
		wantCode   string
	}{
		{
			name: "CompletionIsAccepted",
			body: `{"type":"crawl.completed","id":"crawl-1","success":true}`,
			setup: func(r *MockRunner) {
				r.On("ClaimAndProcess", mock.Anything, "crawl-1").Return(true, nil).Once()
			},
			wantStatus: http.StatusAccepted,
		},
		{
			name: "FailedCompletionSettles",
			body: `{"type":"crawl.completed","id":"crawl-1","success":false,"error":"upstream exploded"}`,
			setup: func(r *MockRunner) {
				r.On("Settle", mock.Anything, "crawl-1", mock.MatchedBy(func(err error) bool {
					return err != nil && err.Error() == "upstream exploded"
				})).Return(nil).Once()
			},
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "ProgressEventIgnored",
			body:       `{"type":"crawl.page","id":"crawl-1"}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "UnknownJob",
			body:       `{"type":"crawl.completed","id":"nope"}`,
			wantStatus: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
		},
		{
			name:       "InvalidJobID",
			body:       `{"type":"crawl.completed","id":"../etc/passwd"}`,
			wantStatus: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
		},
		{
			name:       "InvalidJSON",
			body:       `{"type":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_JSON",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _ := newQueue(t)
			_, err := q.Enqueue("crawl-1", "https://example.com")
			require.NoError(t, err)

			runner := new(MockRunner)
			if tt.setup != nil {
				tt.setup(runner)
			}
			d := New(testConfig(), q, runner, okStatus)

			w := postWebhook(t, d, []byte(tt.body), nil)
			require.NoError(t, d.Stop()) // waits for background jobs

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, errorCode(t, w))
			}
			runner.AssertExpectations(t)
		})
	}
}

func TestWebhook_Signature(t *testing.T) {
	q, _ := newQueue(t)
	_, err := q.Enqueue("crawl-1", "https://example.com")
	require.NoError(t, err)

	runner := new(MockRunner)
	runner.On("ClaimAndProcess", mock.Anything, "crawl-1").Return(true, nil).Once()

	cfg := testConfig()
	cfg.WebhookSecret = "s3cret"
	d := New(cfg, q, runner, okStatus)

	body := []byte(`{"type":"crawl.completed","id":"crawl-1"}`)

	w := postWebhook(t, d, body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = postWebhook(t, d, body, http.Header{SignatureHeader: {Sign("wrong", body)}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = postWebhook(t, d, body, http.Header{SignatureHeader: {Sign("s3cret", body)}})
	assert.Equal(t, http.StatusAccepted, w.Code)

	require.NoError(t, d.Stop())
	runner.AssertExpectations(t)
}

func TestWebhook_BodyLimit(t *testing.T) {
	q, _ := newQueue(t)
	runner := new(MockRunner)
	cfg := testConfig()
	cfg.MaxBodyBytes = 64
	d := New(cfg, q, runner, okStatus)

	big := []byte(`{"type":"crawl.completed","id":"` + strings.Repeat("a", 200) + `"}`)

	t.Run("DeclaredLength", func(t *testing.T) {
		w := postWebhook(t, d, big, nil)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Equal(t, "PAYLOAD_TOO_LARGE", errorCode(t, w))
	})

	t.Run("Chunked", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/crawl", bytes.NewReader(big))
		req.ContentLength = -1
		w := httptest.NewRecorder()
		d.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	runner.AssertNotCalled(t, "ClaimAndProcess", mock.Anything, mock.Anything)
}

func TestRunCycle(t *testing.T) {
	q, clk := newQueue(t)

	_, err := q.Enqueue("stale", "https://example.com/stale")
	require.NoError(t, err)
	_, err = q.Enqueue("stuck", "https://example.com/stuck")
	require.NoError(t, err)
	claimed, err := q.TryClaim("stuck")
	require.NoError(t, err)
	require.True(t, claimed)

	clk.Advance(11 * time.Minute)
	_, err = q.Enqueue("fresh", "https://example.com/fresh")
	require.NoError(t, err)

	runner := new(MockRunner)
	runner.On("ClaimAndProcess", mock.Anything, "stuck").Return(true, nil).Once()
	runner.On("ClaimAndProcess", mock.Anything, "stale").Return(false, nil).Once()

	d := New(testConfig(), q, runner, okStatus)
	res := d.RunCycle(context.Background())

	assert.Equal(t, CycleResult{Requeued: 1, Processed: 1, Skipped: 1}, res)
	runner.AssertExpectations(t)
	runner.AssertNotCalled(t, "ClaimAndProcess", mock.Anything, "fresh")

	job, err := q.Get("stuck")
	require.NoError(t, err)
	assert.Equal(t, 1, job.Retries)
}

func TestRunCycle_ProcessingErrorDoesNotStopCycle(t *testing.T) {
	q, clk := newQueue(t)
	for _, id := range []string{"a", "b"} {
		_, err := q.Enqueue(id, "https://example.com/"+id)
		require.NoError(t, err)
		clk.Advance(time.Second)
	}
	clk.Advance(10 * time.Minute)

	runner := new(MockRunner)
	runner.On("ClaimAndProcess", mock.Anything, "a").Return(true, errors.New("disk full")).Once()
	runner.On("ClaimAndProcess", mock.Anything, "b").Return(true, nil).Once()

	d := New(testConfig(), q, runner, okStatus)
	res := d.RunCycle(context.Background())
	assert.Equal(t, 2, res.Processed)
	runner.AssertExpectations(t)
}

func TestProbe_OncePerJobGeneration(t *testing.T) {
	q, _ := newQueue(t)
	_, err := q.Enqueue("crawl-1", "https://example.com")
	require.NoError(t, err)

	runner := new(MockRunner)
	runner.On("ProcessIfReady", mock.Anything, "crawl-1").Return(false, nil).Once()

	d := New(testConfig(), q, runner, okStatus)
	ctx := context.Background()
	d.probe(ctx, []string{"crawl-1", "missing"})
	d.probe(ctx, []string{"crawl-1"})
	runner.AssertExpectations(t)

	// A retried job is a new generation.
	require.NoError(t, q.MarkCompleted("crawl-1"))
	_, err = q.ClearQueue()
	require.NoError(t, err)
	d.probe(ctx, []string{"crawl-1"})
	_, err = q.Enqueue("crawl-1", "https://example.com")
	require.NoError(t, err)

	runner.On("ProcessIfReady", mock.Anything, "crawl-1").Return(true, nil).Once()
	d.probe(ctx, []string{"crawl-1"})
	runner.AssertExpectations(t)
}

func TestProbe_SkipsRetriedAndClaimedJobs(t *testing.T) {
	q, _ := newQueue(t)
	_, err := q.Enqueue("retried", "https://example.com/r")
	require.NoError(t, err)
	_, err = q.MarkFailed("retried", "connection reset")
	require.NoError(t, err)
	_, err = q.Enqueue("claimed", "https://example.com/c")
	require.NoError(t, err)
	_, err = q.TryClaim("claimed")
	require.NoError(t, err)

	runner := new(MockRunner)
	d := New(testConfig(), q, runner, okStatus)
	d.probe(context.Background(), []string{"retried", "claimed"})
	runner.AssertNotCalled(t, "ProcessIfReady", mock.Anything, mock.Anything)
}

func TestCleanup_PrunesProbedJobs(t *testing.T) {
	q, _ := newQueue(t)
	for _, id := range []string{"done", "gone", "waiting"} {
		_, err := q.Enqueue(id, "https://example.com/"+id)
		require.NoError(t, err)
	}

	runner := new(MockRunner)
	runner.On("ProcessIfReady", mock.Anything, mock.Anything).Return(false, nil)

	d := New(testConfig(), q, runner, okStatus)
	ctx := context.Background()
	d.probe(ctx, []string{"done", "gone", "waiting"})
	require.Len(t, d.probed, 3)

	require.NoError(t, q.MarkCompleted("done"))
	_, err := q.TryClaim("gone")
	require.NoError(t, err)
	_, err = q.MarkPermanentFailed("gone", "Job not found")
	require.NoError(t, err)
	_, err = q.CleanupIrrecoverableFailedJobs(ctx)
	require.NoError(t, err)

	d.Cleanup(ctx)
	assert.Len(t, d.probed, 1)
	assert.Contains(t, d.probed, "waiting")
}

func TestStop_CancelsWebhookJobs(t *testing.T) {
	q, _ := newQueue(t)
	_, err := q.Enqueue("crawl-1", "https://example.com")
	require.NoError(t, err)

	started := make(chan struct{})
	runner := new(MockRunner)
	runner.On("ProcessIfReady", mock.Anything, mock.Anything).Return(false, nil).Maybe()
	runner.On("ClaimAndProcess", mock.Anything, "crawl-1").
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			assert.Equal(t, "corr-1", middleware.GetCorrelationID(ctx))
			assert.Equal(t, "crawl-1", middleware.GetJobID(ctx))
			close(started)
			<-ctx.Done()
		}).
		Return(true, context.Canceled).Once()

	d := New(testConfig(), q, runner, okStatus)
	require.NoError(t, d.Start(context.Background()))

	req, err := http.NewRequest(http.MethodPost, "http://"+d.Addr()+"/webhooks/crawl",
		strings.NewReader(`{"type":"crawl.completed","id":"crawl-1","success":true}`))
	require.NoError(t, err)
	req.Header.Set("X-Correlation-ID", "corr-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("webhook job did not start")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- d.Stop() }()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked on a running webhook job")
	}
	runner.AssertExpectations(t)
}

func TestDaemon_StartStop(t *testing.T) {
	q, _ := newQueue(t)
	runner := new(MockRunner)

	probed := make(chan string, 1)
	runner.On("ProcessIfReady", mock.Anything, "crawl-1").
		Run(func(args mock.Arguments) {
			select {
			case probed <- args.String(1):
			default:
			}
		}).
		Return(false, nil)

	d := New(testConfig(), q, runner, okStatus)
	require.NoError(t, d.Start(context.Background()))
	require.NotEmpty(t, d.Addr())

	resp, err := http.Get("http://" + d.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + d.Addr() + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Correlation-ID"))

	_, err = q.Enqueue("crawl-1", "https://example.com")
	require.NoError(t, err)

	select {
	case id := <-probed:
		assert.Equal(t, "crawl-1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("new job was not probed")
	}

	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())

	_, err = http.Get("http://" + d.Addr() + "/health")
	assert.Error(t, err)
}

func TestValidSignature(t *testing.T) {
	body := []byte(`{"id":"x"}`)
	assert.True(t, ValidSignature("k", body, Sign("k", body)))
	assert.False(t, ValidSignature("k", body, "sha256=zz"))
	assert.False(t, ValidSignature("k", body, strings.TrimPrefix(Sign("k", body), "sha256=")))
	assert.False(t, ValidSignature("k", []byte(`{"id":"y"}`), Sign("k", body)))
}
