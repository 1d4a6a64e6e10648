package queue

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

const DefaultMaxRetries = 3

// Job is the persisted unit of embedding work, one file per job.
type Job struct {
	JobID      string    `json:"jobId"`
	URL        string    `json:"url"`
	Status     Status    `json:"status"`
	Retries    int       `json:"retries"`
	MaxRetries int       `json:"maxRetries"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	LastError  *string   `json:"lastError"`
}

// Exhausted reports whether the retry budget is spent.
func (j *Job) Exhausted() bool {
	return j.Retries >= j.MaxRetries
}

func (j *Job) ErrorText() string {
	if j.LastError == nil {
		return ""
	}
	return *j.LastError
}

func (j *Job) setError(msg string) {
	if msg == "" {
		j.LastError = nil
		return
	}
	s := SanitizeError(msg)
	j.LastError = &s
}

var irrecoverablePatterns = []string{
	"not found",
	"invalid id",
	"invalid job id",
	"does not exist",
	"404",
}

// IsIrrecoverable classifies an error message as one retrying cannot fix: the
// referenced upstream resource is gone or the identifier was malformed.
func IsIrrecoverable(msg string) bool {
	lower := strings.ToLower(msg)
	for _, p := range irrecoverablePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

const maxErrorLength = 500

var redactions = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`fc-[A-Za-z0-9_-]{6,}`), "fc-[REDACTED]"},
	{regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`), "Bearer [REDACTED]"},
	{regexp.MustCompile(`(?i)\b(api_?key|token|secret)=[^&\s"']+`), "$1=[REDACTED]"},
}

// SanitizeError strips credentials from msg and caps its length so job files
// never carry secrets or unbounded upstream responses.
func SanitizeError(msg string) string {
	for _, r := range redactions {
		msg = r.re.ReplaceAllString(msg, r.repl)
	}
	if utf8.RuneCountInString(msg) <= maxErrorLength {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:maxErrorLength-3]) + "..."
}
