package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nsqio/go-nsq"

	"firenotes/apps/embedder/internal/middleware"
)

const documentTimeout = 5 * time.Minute

type DocumentEmbedder interface {
	EmbedDocument(ctx context.Context, content string, meta Metadata) (Result, error)
}

// EmbedderConsumer embeds documents published on the document topic.
type EmbedderConsumer struct {
	pipeline DocumentEmbedder
}

func NewEmbedderConsumer(p DocumentEmbedder) *EmbedderConsumer {
	return &EmbedderConsumer{pipeline: p}
}

func (h *EmbedderConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var payload DocumentPayload
	if err := json.Unmarshal(m.Body, &payload); err != nil {
		// Poison Pill: Invalid JSON, don't retry
		slog.Error("poison pill: invalid json", "error", err)
		return nil
	}

	ctx := context.Background()
	if payload.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, payload.CorrelationID)
	}

	if payload.Metadata.URL == "" {
		slog.ErrorContext(ctx, "document without url, dropping")
		return nil
	}
	if payload.Metadata.SourceCommand == "" {
		payload.Metadata.SourceCommand = "nsq"
	}

	embedCtx, cancel := context.WithTimeout(ctx, documentTimeout)
	defer cancel()

	res, err := h.pipeline.EmbedDocument(embedCtx, payload.Content, payload.Metadata)
	if err != nil {
		slog.ErrorContext(ctx, "document embed failed", "error", err, "url", payload.Metadata.URL)
		return err // Retry
	}
	if res.Skipped {
		slog.InfoContext(ctx, "document skipped", "url", payload.Metadata.URL, "reason", res.Reason)
		return nil
	}

	slog.InfoContext(ctx, "document stored successfully", "url", payload.Metadata.URL, "chunks", res.Chunks)
	return nil
}
