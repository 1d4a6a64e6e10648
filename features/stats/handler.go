package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"firenotes/apps/embedder/internal/middleware"
	"firenotes/apps/embedder/internal/queue"
)

type QueueStats interface {
	GetQueueStats() (queue.Stats, error)
}

type ArchiveCounter interface {
	Count(ctx context.Context) (int, error)
}

type Settings struct {
	WebhookURL     string
	WebhookPath    string
	PollInterval   time.Duration
	StaleThreshold time.Duration
}

type Handler struct {
	queue    QueueStats
	archive  ArchiveCounter
	settings Settings
}

// NewHandler builds the status handler. archive may be nil when the
// dead-letter archive is disabled.
func NewHandler(q QueueStats, archive ArchiveCounter, s Settings) *Handler {
	return &Handler{queue: q, archive: archive, settings: s}
}

type StatusResponse struct {
	WebhookConfigured bool   `json:"webhookConfigured"`
	WebhookURL        string `json:"webhookUrl,omitempty"`
	WebhookPath       string `json:"webhookPath"`
	PollingIntervalMs int64  `json:"pollingIntervalMs"`
	StaleThresholdMs  int64  `json:"staleThresholdMs"`
	PendingJobs       int    `json:"pendingJobs"`
	ProcessingJobs    int    `json:"processingJobs"`
	CompletedJobs     int    `json:"completedJobs"`
	FailedJobs        int    `json:"failedJobs"`
	ArchivedJobs      *int   `json:"archivedJobs,omitempty"`
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	s, err := h.queue.GetQueueStats()
	if err != nil {
		slog.ErrorContext(ctx, "failed to read queue stats", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to read queue stats", http.StatusInternalServerError)
		return
	}

	resp := StatusResponse{
		WebhookConfigured: h.settings.WebhookURL != "",
		WebhookURL:        h.settings.WebhookURL,
		WebhookPath:       h.settings.WebhookPath,
		PollingIntervalMs: h.settings.PollInterval.Milliseconds(),
		StaleThresholdMs:  h.settings.StaleThreshold.Milliseconds(),
		PendingJobs:       s.Pending,
		ProcessingJobs:    s.Processing,
		CompletedJobs:     s.Completed,
		FailedJobs:        s.Failed,
	}

	if h.archive != nil {
		n, err := h.archive.Count(ctx)
		if err != nil {
			// The archive is auxiliary; report the queue anyway.
			slog.WarnContext(ctx, "failed to count archived jobs", "error", err)
		} else {
			resp.ArchivedJobs = &n
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
