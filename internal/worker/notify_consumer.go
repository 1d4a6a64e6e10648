package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"firenotes/apps/embedder/internal/middleware"
	"firenotes/apps/embedder/internal/queue"
)

type JobRunner interface {
	ClaimAndProcess(ctx context.Context, jobID string) (bool, error)
	Settle(ctx context.Context, jobID string, embedErr error) error
}

// NotifyConsumer handles completion notifications delivered over NSQ the same
// way the daemon webhook does.
type NotifyConsumer struct {
	queue  JobQueue
	runner JobRunner
}

func NewNotifyConsumer(q JobQueue, r JobRunner) *NotifyConsumer {
	return &NotifyConsumer{queue: q, runner: r}
}

func (h *NotifyConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var event CompletionEvent
	err := json.Unmarshal(m.Body, &event)

	correlationID := event.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	ctx := middleware.WithCorrelationID(context.Background(), correlationID)

	if err != nil {
		slog.ErrorContext(ctx, "invalid message format", "error", err)
		return nil // Don't retry invalid messages
	}

	jobID := event.TargetJobID()
	if jobID == "" || !event.IsCompletion() {
		slog.DebugContext(ctx, "ignoring notification", "type", event.Type, "job_id", jobID)
		return nil
	}
	ctx = middleware.WithJobID(ctx, jobID)

	if _, err := h.queue.Get(jobID); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) || errors.Is(err, queue.ErrInvalidJobID) {
			slog.WarnContext(ctx, "notification for unknown job, dropping")
			return nil
		}
		return err
	}

	if event.Failed() {
		claimed, err := h.queue.TryClaim(jobID)
		if err != nil || !claimed {
			return err
		}
		msg := event.Error
		if msg == "" {
			msg = "upstream reported failure"
		}
		return h.runner.Settle(ctx, jobID, errors.New(msg))
	}

	claimed, err := h.runner.ClaimAndProcess(ctx, jobID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to process notified job", "error", err)
		return err
	}
	if !claimed {
		slog.InfoContext(ctx, "notified job not claimable, skipping")
	}
	return nil
}
