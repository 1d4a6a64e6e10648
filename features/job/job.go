package job

import (
	"time"
)

// Job is a queue job that cleanup purged, kept for inspection and manual retry.
type Job struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	URL        string    `json:"url"`
	Status     string    `json:"status"`
	Error      string    `json:"error"`
	Retries    int       `json:"retries"`
	CreatedAt  time.Time `json:"created_at"`
	ArchivedAt time.Time `json:"archived_at"`
}
