package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"firenotes/apps/embedder/internal/config"
	"firenotes/apps/embedder/internal/queue"
)

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

// Requeuer puts an archived job back into the file queue.
type Requeuer interface {
	Enqueue(jobID, url string) (*queue.Job, error)
}

const publishTimeout = 5 * time.Second

type Service struct {
	repo        Repository
	queue       Requeuer
	pub         EventPublisher
	logger      *slog.Logger
	notifyTopic string
}

type Option func(*Service)

// WithNotifyTopic sets the topic retried jobs are announced on. An empty
// topic keeps the default.
func WithNotifyTopic(topic string) Option {
	return func(s *Service) {
		if topic != "" {
			s.notifyTopic = topic
		}
	}
}

// NewService builds the archive service. pub may be nil; retried jobs are then
// picked up by the daemon's next stale poll instead of an immediate notify.
func NewService(repo Repository, q Requeuer, pub EventPublisher, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{repo: repo, queue: q, pub: pub, logger: logger, notifyTopic: config.TopicEmbedNotify}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Archive stores a purged queue job. It satisfies queue.Archiver.
func (s *Service) Archive(ctx context.Context, j queue.Job) error {
	rec := &Job{
		JobID:     j.JobID,
		URL:       j.URL,
		Status:    string(j.Status),
		Error:     j.ErrorText(),
		Retries:   j.Retries,
		CreatedAt: j.CreatedAt,
	}
	if err := s.repo.Save(ctx, rec); err != nil {
		return fmt.Errorf("archive job %s: %w", j.JobID, err)
	}
	s.logger.InfoContext(ctx, "archived job", "job_id", j.JobID, "id", rec.ID)
	return nil
}

func (s *Service) List(ctx context.Context) ([]Job, error) {
	return s.repo.List(ctx)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

// Retry re-enqueues an archived job under its original job id and removes it
// from the archive.
func (s *Service) Retry(ctx context.Context, id string) error {
	// 1. Get Job
	j, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	// 2. Re-enqueue
	if _, err := s.queue.Enqueue(j.JobID, j.URL); err != nil {
		return err
	}

	// 3. Delete Job
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	// 4. Wake a daemon; the upstream job finished long ago.
	if s.pub != nil {
		if err := s.notify(j.JobID); err != nil {
			s.logger.WarnContext(ctx, "failed to publish retry notification", "job_id", j.JobID, "error", err)
		}
	}
	return nil
}

func (s *Service) notify(jobID string) error {
	body, err := json.Marshal(map[string]string{"type": "retry.completed", "id": jobID})
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- s.pub.Publish(s.notifyTopic, body)
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(publishTimeout):
		return errors.New("timeout waiting for NSQ publish")
	}
}
