package worker

import "strings"

// CompletionEvent is an upstream notification that an asynchronous job
// finished. It arrives through the daemon webhook or the notify topic.
type CompletionEvent struct {
	Type          string `json:"type"`
	ID            string `json:"id"`
	JobID         string `json:"jobId,omitempty"`
	Success       *bool  `json:"success,omitempty"`
	Error         string `json:"error,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// TargetJobID prefers the explicit jobId over the event id.
func (e CompletionEvent) TargetJobID() string {
	if e.JobID != "" {
		return e.JobID
	}
	return e.ID
}

// IsCompletion reports whether the event marks the end of a job, e.g.
// "crawl.completed". Progress events such as "crawl.page" are not.
func (e CompletionEvent) IsCompletion() bool {
	return strings.HasSuffix(e.Type, ".completed") || e.Type == "completed"
}

// Failed reports an explicit success=false.
func (e CompletionEvent) Failed() bool {
	return e.Success != nil && !*e.Success
}

// DocumentPayload asks for one document to be embedded directly, without a
// queue job.
type DocumentPayload struct {
	Content       string   `json:"content"`
	Metadata      Metadata `json:"metadata"`
	CorrelationID string   `json:"correlation_id,omitempty"`
}
