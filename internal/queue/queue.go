// Package queue is a durable file-backed job queue. Each job lives in its own
// JSON file under one directory; every state change happens under a per-job
// lock file and lands through an atomic rename.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrJobExists    = errors.New("job already exists")
	ErrInvalidJobID = errors.New("invalid job id")
	ErrLockTimeout  = errors.New("timed out waiting for job lock")
)

const (
	jobExt   = ".json"
	lockExt  = ".lock"
	breakExt = ".break"

	DefaultLockTimeout = 2 * time.Second
	staleLockAge       = 30 * time.Second
	lockRetryDelay     = 10 * time.Millisecond
)

var validJobID = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,199}$`)

func ValidateJobID(id string) error {
	if !validJobID.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, id)
	}
	return nil
}

// Archiver keeps a copy of jobs the cleanup sweeps purge.
type Archiver interface {
	Archive(ctx context.Context, job Job) error
}

type Queue struct {
	dir         string
	maxRetries  int
	lockTimeout time.Duration
	now         func() time.Time
	archiver    Archiver
}

type Option func(*Queue)

func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithLockTimeout(d time.Duration) Option {
	return func(q *Queue) { q.lockTimeout = d }
}

func WithArchiver(a Archiver) Option {
	return func(q *Queue) { q.archiver = a }
}

// New opens (creating if needed) the queue directory with owner-only access.
func New(dir string, opts ...Option) (*Queue, error) {
	q := &Queue{
		dir:         dir,
		maxRetries:  DefaultMaxRetries,
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return nil, fmt.Errorf("restrict queue dir: %w", err)
	}
	return q, nil
}

func (q *Queue) Dir() string { return q.dir }

// SetArchiver attaches an archiver after construction.
func (q *Queue) SetArchiver(a Archiver) { q.archiver = a }

func (q *Queue) jobPath(id string) string  { return filepath.Join(q.dir, id+jobExt) }
func (q *Queue) lockPath(id string) string { return filepath.Join(q.dir, id+lockExt) }

// jobIDFromFile returns the job id for a job file name, or "" for anything
// else in the directory (locks, temp files).
func jobIDFromFile(name string) string {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, jobExt) {
		return ""
	}
	return strings.TrimSuffix(name, jobExt)
}

// lock takes the per-job lock file. O_EXCL makes acquisition atomic across
// processes sharing the directory. The file holds an owner token so unlock
// never removes a lock someone else took after ours was broken.
func (q *Queue) lock(id string) (func(), error) {
	path := q.lockPath(id)
	token := strconv.Itoa(os.Getpid()) + "-" + uuid.NewString()
	deadline := time.Now().Add(q.lockTimeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, werr := f.WriteString(token)
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("lock job %s: %w", id, werr)
			}
			return func() { unlock(path, token) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("lock job %s: %w", id, err)
		}

		// A holder that crashed leaves its lock behind.
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			if breakStaleLock(id, path, info) {
				continue
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, id)
		}
		time.Sleep(lockRetryDelay)
	}
}

func unlock(path, token string) {
	data, err := os.ReadFile(path)
	if err != nil || string(data) != token {
		slog.Warn("job lock no longer ours, leaving it", "path", path)
		return
	}
	os.Remove(path)
}

// breakStaleLock removes the stale lock seen at path and reports whether the
// caller should try to acquire again. Breakers serialize on a guard file and
// only remove the very file they saw go stale, so a fresh lock taken by
// another breaker in the meantime survives.
func breakStaleLock(id, path string, seen fs.FileInfo) bool {
	guard := path + breakExt
	g, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		// A breaker that crashed mid-break leaves its guard behind.
		if info, statErr := os.Stat(guard); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			os.Remove(guard)
		}
		return false
	}
	g.Close()
	defer os.Remove(guard)

	cur, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	if err != nil || !os.SameFile(seen, cur) || time.Since(cur.ModTime()) <= staleLockAge {
		return false
	}
	slog.Warn("breaking stale job lock", "job_id", id, "age", time.Since(cur.ModTime()).String())
	return os.Remove(path) == nil
}

func (q *Queue) read(id string) (*Job, error) {
	data, err := os.ReadFile(q.jobPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("read job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// writeTemp stages job in a hidden temp file (created 0600) and returns its path.
func (q *Queue) writeTemp(job *Job) (string, error) {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode job %s: %w", job.JobID, err)
	}
	f, err := os.CreateTemp(q.dir, "."+job.JobID+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("stage job %s: %w", job.JobID, err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("stage job %s: %w", job.JobID, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("sync job %s: %w", job.JobID, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("stage job %s: %w", job.JobID, err)
	}
	return tmp, nil
}

func (q *Queue) write(job *Job) error {
	tmp, err := q.writeTemp(job)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, q.jobPath(job.JobID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit job %s: %w", job.JobID, err)
	}
	return nil
}

// mutate applies fn to the job under its lock. fn reports whether it changed
// anything; unchanged jobs are not rewritten.
func (q *Queue) mutate(id string, fn func(j *Job) bool) (*Job, bool, error) {
	if err := ValidateJobID(id); err != nil {
		return nil, false, err
	}
	unlock, err := q.lock(id)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	job, err := q.read(id)
	if err != nil {
		return nil, false, err
	}
	if !fn(job) {
		return job, false, nil
	}
	job.UpdatedAt = q.now().UTC()
	if err := q.write(job); err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// Enqueue persists a new pending job. An existing job with the same id is
// never overwritten; the caller gets ErrJobExists.
func (q *Queue) Enqueue(jobID, url string) (*Job, error) {
	if err := ValidateJobID(jobID); err != nil {
		return nil, err
	}
	now := q.now().UTC()
	job := &Job{
		JobID:      jobID,
		URL:        url,
		Status:     StatusPending,
		MaxRetries: q.maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	tmp, err := q.writeTemp(job)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp)

	// link fails if the target exists, unlike rename.
	if err := os.Link(tmp, q.jobPath(jobID)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrJobExists, jobID)
		}
		return nil, fmt.Errorf("publish job %s: %w", jobID, err)
	}
	return job, nil
}

// TryClaim moves a pending job to processing. It returns false, without an
// error, when the job is missing, not pending, or locked by another claimant.
func (q *Queue) TryClaim(jobID string) (bool, error) {
	_, changed, err := q.mutate(jobID, func(j *Job) bool {
		if j.Status != StatusPending || j.Exhausted() {
			return false
		}
		j.Status = StatusProcessing
		return true
	})
	if errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrLockTimeout) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return changed, nil
}

// Release hands a claimed job back to pending without charging a retry. It
// reports false when the job is not processing.
func (q *Queue) Release(jobID string) (bool, error) {
	_, changed, err := q.mutate(jobID, func(j *Job) bool {
		if j.Status != StatusProcessing {
			return false
		}
		j.Status = StatusPending
		return true
	})
	return changed, err
}

func (q *Queue) MarkCompleted(jobID string) error {
	_, _, err := q.mutate(jobID, func(j *Job) bool {
		j.Status = StatusCompleted
		j.LastError = nil
		return true
	})
	return err
}

// MarkFailed records a failed attempt. The job goes back to pending while
// retries remain, otherwise it becomes terminally failed. Irrecoverable
// messages exhaust the budget at once.
func (q *Queue) MarkFailed(jobID, errMsg string) (*Job, error) {
	if IsIrrecoverable(errMsg) {
		return q.MarkPermanentFailed(jobID, errMsg)
	}
	job, _, err := q.mutate(jobID, func(j *Job) bool {
		j.Retries++
		j.setError(errMsg)
		if j.Exhausted() {
			j.Retries = j.MaxRetries
			j.Status = StatusFailed
		} else {
			j.Status = StatusPending
		}
		return true
	})
	return job, err
}

// MarkConfigError fails the job without further retries; retrying cannot fix
// missing configuration.
func (q *Queue) MarkConfigError(jobID, errMsg string) (*Job, error) {
	return q.failTerminal(jobID, errMsg)
}

func (q *Queue) MarkPermanentFailed(jobID, errMsg string) (*Job, error) {
	return q.failTerminal(jobID, errMsg)
}

func (q *Queue) failTerminal(jobID, errMsg string) (*Job, error) {
	job, _, err := q.mutate(jobID, func(j *Job) bool {
		j.Retries = j.MaxRetries
		j.Status = StatusFailed
		j.setError(errMsg)
		return true
	})
	return job, err
}

// RequeueStuck returns a processing job older than threshold to pending,
// charging one retry, or fails it when the budget is spent. It reports
// whether the job is claimable again.
func (q *Queue) RequeueStuck(jobID string, threshold time.Duration) (bool, error) {
	cutoff := q.now().Add(-threshold)
	job, changed, err := q.mutate(jobID, func(j *Job) bool {
		if j.Status != StatusProcessing || !j.UpdatedAt.Before(cutoff) {
			return false
		}
		j.Retries++
		j.setError("processing did not finish within " + threshold.String())
		if j.Exhausted() {
			j.Retries = j.MaxRetries
			j.Status = StatusFailed
		} else {
			j.Status = StatusPending
		}
		return true
	})
	if errors.Is(err, ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return changed && job.Status == StatusPending, nil
}

func (q *Queue) Get(jobID string) (*Job, error) {
	if err := ValidateJobID(jobID); err != nil {
		return nil, err
	}
	return q.read(jobID)
}

// List returns every readable job ordered by creation time. Unreadable files
// are logged and skipped.
func (q *Queue) List() ([]Job, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("list queue dir: %w", err)
	}

	jobs := make([]Job, 0, len(entries))
	for _, e := range entries {
		id := jobIDFromFile(e.Name())
		if id == "" || e.IsDir() {
			continue
		}
		job, err := q.read(id)
		if err != nil {
			if !errors.Is(err, ErrJobNotFound) {
				slog.Warn("skipping unreadable job file", "file", e.Name(), "error", err)
			}
			continue
		}
		jobs = append(jobs, *job)
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (q *Queue) filter(keep func(j *Job) bool) ([]Job, error) {
	jobs, err := q.List()
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for i := range jobs {
		if keep(&jobs[i]) {
			out = append(out, jobs[i])
		}
	}
	return out, nil
}

// GetPendingJobs returns claimable jobs, oldest first.
func (q *Queue) GetPendingJobs() ([]Job, error) {
	return q.filter(func(j *Job) bool {
		return j.Status == StatusPending && !j.Exhausted()
	})
}

// GetStalePendingJobs returns pending jobs nobody has touched for threshold.
func (q *Queue) GetStalePendingJobs(threshold time.Duration) ([]Job, error) {
	cutoff := q.now().Add(-threshold)
	return q.filter(func(j *Job) bool {
		return j.Status == StatusPending && !j.Exhausted() && j.UpdatedAt.Before(cutoff)
	})
}

// GetStuckProcessingJobs returns processing jobs older than threshold that
// still have retries left.
func (q *Queue) GetStuckProcessingJobs(threshold time.Duration) ([]Job, error) {
	cutoff := q.now().Add(-threshold)
	return q.filter(func(j *Job) bool {
		return j.Status == StatusProcessing && !j.Exhausted() && j.UpdatedAt.Before(cutoff)
	})
}

// remove deletes the job if keep still holds under its lock. When archive is
// set the job is handed to the archiver first; an archive failure keeps the
// job on disk.
func (q *Queue) remove(ctx context.Context, id string, archive bool, keep func(j *Job) bool) (bool, error) {
	unlock, err := q.lock(id)
	if err != nil {
		return false, err
	}
	defer unlock()

	job, err := q.read(id)
	if errors.Is(err, ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !keep(job) {
		return false, nil
	}

	if archive && q.archiver != nil {
		if err := q.archiver.Archive(ctx, *job); err != nil {
			return false, fmt.Errorf("archive job %s: %w", id, err)
		}
	}
	if err := os.Remove(q.jobPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("remove job %s: %w", id, err)
	}
	return true, nil
}

func isIrrecoverableFailure(j *Job) bool {
	return j.Status == StatusFailed && IsIrrecoverable(j.ErrorText())
}

// CleanupIrrecoverableFailedJobs purges failed jobs whose last error says the
// upstream resource is gone. Failed jobs with transient-looking errors stay.
func (q *Queue) CleanupIrrecoverableFailedJobs(ctx context.Context) (int, error) {
	jobs, err := q.filter(isIrrecoverableFailure)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, j := range jobs {
		ok, err := q.remove(ctx, j.JobID, true, isIrrecoverableFailure)
		if err != nil {
			slog.WarnContext(ctx, "failed to clean up job", "job_id", j.JobID, "error", err)
			continue
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

type CleanupResult struct {
	StalePending    int `json:"stalePending"`
	StaleProcessing int `json:"staleProcessing"`
	Failed          int `json:"failed"`
	Completed       int `json:"completed"`
	Total           int `json:"total"`
}

// CleanupEmbedQueue is the periodic maintenance sweep. It removes jobs whose
// last update is older than maxAge in any state, plus failed jobs with an
// irrecoverable error regardless of age. Fresh pending jobs and jobs still
// inside their retry window are untouched.
func (q *Queue) CleanupEmbedQueue(ctx context.Context, maxAge time.Duration) (CleanupResult, error) {
	var res CleanupResult
	jobs, err := q.List()
	if err != nil {
		return res, err
	}

	cutoff := q.now().Add(-maxAge)
	for _, j := range jobs {
		status := j.Status
		expired := func(cur *Job) bool {
			if cur.Status != status {
				return false
			}
			if cur.Status == StatusFailed && IsIrrecoverable(cur.ErrorText()) {
				return true
			}
			return cur.UpdatedAt.Before(cutoff)
		}
		if !expired(&j) {
			continue
		}

		ok, err := q.remove(ctx, j.JobID, status != StatusCompleted, expired)
		if err != nil {
			slog.WarnContext(ctx, "failed to clean up job", "job_id", j.JobID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		switch status {
		case StatusPending:
			res.StalePending++
		case StatusProcessing:
			res.StaleProcessing++
		case StatusFailed:
			res.Failed++
		case StatusCompleted:
			res.Completed++
		}
		res.Total++
	}
	return res, nil
}

type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

func (q *Queue) GetQueueStats() (Stats, error) {
	var s Stats
	jobs, err := q.List()
	if err != nil {
		return s, err
	}
	for _, j := range jobs {
		switch j.Status {
		case StatusPending:
			s.Pending++
		case StatusProcessing:
			s.Processing++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
		s.Total++
	}
	return s, nil
}

// ClearQueue removes every job file and returns how many were deleted.
func (q *Queue) ClearQueue() (int, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return 0, fmt.Errorf("list queue dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if jobIDFromFile(e.Name()) == "" {
			continue
		}
		if err := os.Remove(filepath.Join(q.dir, e.Name())); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return removed, fmt.Errorf("remove %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}
