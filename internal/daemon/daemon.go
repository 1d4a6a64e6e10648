package daemon

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"firenotes/apps/embedder/internal/middleware"
	"firenotes/apps/embedder/internal/queue"
	"firenotes/apps/embedder/internal/worker"
)

const (
	// DefaultMaxBodyBytes caps webhook payloads.
	DefaultMaxBodyBytes int64 = 10 << 20
	DefaultWatchDebounce      = time.Second
	shutdownTimeout           = 10 * time.Second

	SignatureHeader = "X-Firecrawl-Signature"
)

type Queue interface {
	Get(jobID string) (*queue.Job, error)
	TryClaim(jobID string) (bool, error)
	GetStalePendingJobs(threshold time.Duration) ([]queue.Job, error)
	GetStuckProcessingJobs(threshold time.Duration) ([]queue.Job, error)
	RequeueStuck(jobID string, threshold time.Duration) (bool, error)
	CleanupEmbedQueue(ctx context.Context, maxAge time.Duration) (queue.CleanupResult, error)
	Watch(ctx context.Context) (<-chan string, error)
}

type Runner interface {
	ClaimAndProcess(ctx context.Context, jobID string) (bool, error)
	ProcessIfReady(ctx context.Context, jobID string) (bool, error)
	Settle(ctx context.Context, jobID string, embedErr error) error
}

type Config struct {
	Host            string
	Port            int
	WebhookPath     string
	WebhookSecret   string
	PollInterval    time.Duration
	StaleThreshold  time.Duration
	StuckThreshold  time.Duration
	CleanupInterval time.Duration
	CleanupMaxAge   time.Duration
	MaxBodyBytes    int64
	WatchDebounce   time.Duration
}

func (c *Config) setDefaults() {
	if c.WebhookPath == "" {
		c.WebhookPath = "/webhooks/crawl"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.WatchDebounce <= 0 {
		c.WatchDebounce = DefaultWatchDebounce
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = c.StaleThreshold
	}
}

// CycleResult summarizes one poll cycle.
type CycleResult struct {
	Requeued  int
	Processed int
	Skipped   int
}

// Daemon polls the queue for stale and stuck jobs, sweeps it periodically and
// serves the webhook and status endpoints.
type Daemon struct {
	cfg    Config
	queue  Queue
	runner Runner
	mux    *http.ServeMux

	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	base     context.Context

	loops    sync.WaitGroup
	inflight sync.WaitGroup
	stopOnce sync.Once
	stopErr  error

	// probed records the createdAt of the job generation already probed by
	// the watcher; only the poll goroutine touches it.
	probed map[string]time.Time
}

// New builds a daemon. status serves GET /status.
func New(cfg Config, q Queue, r Runner, status http.Handler) *Daemon {
	cfg.setDefaults()
	d := &Daemon{
		cfg:    cfg,
		queue:  q,
		runner: r,
		mux:    http.NewServeMux(),
		base:   context.Background(),
		probed: make(map[string]time.Time),
	}

	d.mux.Handle("POST "+cfg.WebhookPath, middleware.CorrelationID(middleware.MaxBody(cfg.MaxBodyBytes, http.HandlerFunc(d.handleWebhook))))
	d.mux.Handle("GET /status", middleware.CorrelationID(status))
	d.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	return d
}

// Handle registers an extra route. It must be called before Start.
func (d *Daemon) Handle(pattern string, h http.Handler) {
	d.mux.Handle(pattern, middleware.CorrelationID(h))
}

func (d *Daemon) Handler() http.Handler {
	return d.mux
}

// Start binds the listener and launches the poll loop and queue watcher.
func (d *Daemon) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port)))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", d.cfg.Port, err)
	}
	d.listener = ln
	d.server = &http.Server{
		Handler:           d.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	d.base, d.cancel = context.WithCancel(ctx)

	batches := make(chan []string)
	ids, err := d.queue.Watch(d.base)
	if err != nil {
		slog.WarnContext(ctx, "queue watcher unavailable, relying on polling", "error", err)
	} else {
		d.loops.Add(1)
		go d.debounce(d.base, ids, batches)
	}

	d.loops.Add(1)
	go d.pollLoop(d.base, batches)

	go func() {
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("daemon listener failed", "error", err)
		}
	}()

	slog.InfoContext(ctx, "embed daemon started",
		"addr", ln.Addr().String(),
		"webhook_path", d.cfg.WebhookPath,
		"poll_interval", d.cfg.PollInterval,
		"stale_threshold", d.cfg.StaleThreshold)
	return nil
}

// Addr is the bound listener address, useful when Port is 0.
func (d *Daemon) Addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Run starts the daemon and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return d.Stop()
}

// Stop shuts the listener down, cancels the loops and waits for in-flight
// jobs. Calling it more than once is safe.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		if d.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := d.server.Shutdown(ctx); err != nil {
				d.stopErr = fmt.Errorf("shutdown listener: %w", err)
			}
		}
		if d.cancel != nil {
			d.cancel()
		}
		d.loops.Wait()
		d.inflight.Wait()
		slog.Info("embed daemon stopped")
	})
	return d.stopErr
}

func (d *Daemon) pollLoop(ctx context.Context, batches <-chan []string) {
	defer d.loops.Done()

	d.RunCycle(ctx)

	poll := time.NewTicker(d.cfg.PollInterval)
	defer poll.Stop()
	cleanup := time.NewTicker(d.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			d.RunCycle(ctx)
		case <-cleanup.C:
			d.Cleanup(ctx)
		case ids := <-batches:
			d.probe(ctx, ids)
		}
	}
}

// RunCycle requeues stuck jobs and processes stale pending ones, one at a
// time.
func (d *Daemon) RunCycle(ctx context.Context) CycleResult {
	var res CycleResult
	var candidates []string
	seen := make(map[string]bool)

	stuck, err := d.queue.GetStuckProcessingJobs(d.cfg.StuckThreshold)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list stuck jobs", "error", err)
	}
	for _, j := range stuck {
		ok, err := d.queue.RequeueStuck(j.JobID, d.cfg.StuckThreshold)
		if err != nil {
			slog.WarnContext(ctx, "failed to requeue stuck job", "job_id", j.JobID, "error", err)
			continue
		}
		if ok {
			res.Requeued++
			seen[j.JobID] = true
			candidates = append(candidates, j.JobID)
		}
	}

	stale, err := d.queue.GetStalePendingJobs(d.cfg.StaleThreshold)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list stale jobs", "error", err)
	}
	for _, j := range stale {
		if !seen[j.JobID] {
			seen[j.JobID] = true
			candidates = append(candidates, j.JobID)
		}
	}

	for _, id := range candidates {
		if ctx.Err() != nil {
			break
		}
		jobCtx := middleware.WithJobID(ctx, id)
		claimed, err := d.runner.ClaimAndProcess(jobCtx, id)
		if err != nil {
			slog.ErrorContext(jobCtx, "failed to process job", "error", err)
		}
		if claimed {
			res.Processed++
		} else {
			res.Skipped++
		}
	}

	if len(candidates) > 0 {
		slog.InfoContext(ctx, "poll cycle finished", "requeued", res.Requeued, "processed", res.Processed, "skipped", res.Skipped)
	}
	return res
}

// Cleanup runs the periodic queue sweep.
func (d *Daemon) Cleanup(ctx context.Context) {
	d.pruneProbed()
	res, err := d.queue.CleanupEmbedQueue(ctx, d.cfg.CleanupMaxAge)
	if err != nil {
		slog.ErrorContext(ctx, "queue cleanup failed", "error", err)
		return
	}
	if res.Total > 0 {
		slog.InfoContext(ctx, "queue cleanup removed jobs",
			"stale_pending", res.StalePending,
			"stale_processing", res.StaleProcessing,
			"failed", res.Failed,
			"completed", res.Completed,
			"total", res.Total)
	}
}

// pruneProbed forgets jobs that are gone or no longer awaiting their first
// attempt, so the map stays bounded by the pending queue.
func (d *Daemon) pruneProbed() {
	for id, created := range d.probed {
		job, err := d.queue.Get(id)
		if err != nil || job.Status != queue.StatusPending || job.Retries > 0 || !job.CreatedAt.Equal(created) {
			delete(d.probed, id)
		}
	}
}

// probe gives each new pending job one early look, so a job whose crawl has
// already finished is not left waiting for the stale threshold.
func (d *Daemon) probe(ctx context.Context, ids []string) {
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		job, err := d.queue.Get(id)
		if err != nil {
			delete(d.probed, id)
			continue
		}
		if job.Status != queue.StatusPending || job.Retries > 0 {
			delete(d.probed, id)
			continue
		}
		if created, ok := d.probed[id]; ok && created.Equal(job.CreatedAt) {
			continue
		}
		d.probed[id] = job.CreatedAt

		jobCtx := middleware.WithJobID(ctx, id)
		if _, err := d.runner.ProcessIfReady(jobCtx, id); err != nil {
			slog.ErrorContext(jobCtx, "failed to probe new job", "error", err)
		}
	}
}

// debounce collects watcher ids and hands them to the poll loop once the
// queue directory has been quiet for WatchDebounce.
func (d *Daemon) debounce(ctx context.Context, ids <-chan string, out chan<- []string) {
	defer d.loops.Done()

	timer := time.NewTimer(d.cfg.WatchDebounce)
	timer.Stop()
	defer timer.Stop()

	pending := make(map[string]struct{})
	ready := false
	for {
		var send chan<- []string
		var batch []string
		if ready && len(pending) > 0 {
			send = out
			batch = make([]string, 0, len(pending))
			for id := range pending {
				batch = append(batch, id)
			}
			sort.Strings(batch)
		}

		select {
		case <-ctx.Done():
			return
		case id, ok := <-ids:
			if !ok {
				return
			}
			pending[id] = struct{}{}
			ready = false
			timer.Reset(d.cfg.WatchDebounce)
		case <-timer.C:
			ready = true
		case send <- batch:
			pending = make(map[string]struct{})
			ready = false
		}
	}
}

func (d *Daemon) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			slog.WarnContext(ctx, "webhook body too large", "limit", tooLarge.Limit)
			middleware.WriteBodyTooLarge(w, tooLarge.Limit)
			return
		}
		writeError(ctx, w, "BAD_REQUEST", "failed to read body", http.StatusBadRequest)
		return
	}

	if d.cfg.WebhookSecret != "" && !ValidSignature(d.cfg.WebhookSecret, body, r.Header.Get(SignatureHeader)) {
		slog.WarnContext(ctx, "webhook signature mismatch")
		writeError(ctx, w, "UNAUTHORIZED", "invalid signature", http.StatusUnauthorized)
		return
	}

	var event worker.CompletionEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(ctx, w, "INVALID_JSON", "body is not valid JSON", http.StatusBadRequest)
		return
	}

	jobID := event.TargetJobID()
	if jobID == "" || !event.IsCompletion() {
		slog.DebugContext(ctx, "ignoring webhook event", "type", event.Type, "job_id", jobID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	ctx = middleware.WithJobID(ctx, jobID)

	if _, err := d.queue.Get(jobID); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) || errors.Is(err, queue.ErrInvalidJobID) {
			writeError(ctx, w, "NOT_FOUND", "unknown job", http.StatusNotFound)
			return
		}
		slog.ErrorContext(ctx, "failed to read job", "error", err)
		writeError(ctx, w, "INTERNAL_ERROR", "failed to read job", http.StatusInternalServerError)
		return
	}

	// The request context ends with the response; the job lives until Stop.
	jobCtx := middleware.WithJobID(middleware.WithCorrelationID(d.base, middleware.GetCorrelationID(ctx)), jobID)
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.handleEvent(jobCtx, jobID, event)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "jobId": jobID})
}

func (d *Daemon) handleEvent(ctx context.Context, jobID string, event worker.CompletionEvent) {
	if event.Failed() {
		claimed, err := d.queue.TryClaim(jobID)
		if err != nil || !claimed {
			if err != nil {
				slog.ErrorContext(ctx, "failed to claim job", "error", err)
			}
			return
		}
		msg := event.Error
		if msg == "" {
			msg = "upstream reported failure"
		}
		if err := d.runner.Settle(ctx, jobID, errors.New(msg)); err != nil {
			slog.ErrorContext(ctx, "failed to record upstream failure", "error", err)
		}
		return
	}

	claimed, err := d.runner.ClaimAndProcess(ctx, jobID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to process webhook job", "error", err)
		return
	}
	if !claimed {
		slog.InfoContext(ctx, "webhook job not claimable, skipping")
	}
}

// ValidSignature checks a "sha256=<hex>" HMAC of body.
func ValidSignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	})
}
