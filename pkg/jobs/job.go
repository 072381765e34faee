// Package jobs defines the unit of work flowing through the queue: one
// document plus the name to find in it, with scheduling and lifecycle
// metadata. The Job struct is a plain data record; status changes go through
// explicit transition methods that reject illegal edges, and atomicity across
// competing workers is the queue store's responsibility, not the Job's.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the job state machine. Transitions are monotonic except for the
// retry edge FAILED -> PENDING taken while retries remain.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Priority orders pending jobs; higher weight is served first. The gaps in
// the weights leave room for intermediate levels without reshuffling stored
// scores.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 4
	PriorityHigh   Priority = 7
	PriorityUrgent Priority = 10
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// ParsePriority maps the API-level priority strings to weights. Unknown
// strings fall back to normal rather than erroring, matching how batch
// submissions have always behaved.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

// DefaultMaxRetries is how many times a failed job is re-queued before it is
// parked in the failed bucket for good.
const DefaultMaxRetries = 2

// Job is one document + target-name extraction request.
type Job struct {
	ID           string            `json:"job_id"`
	DocumentPath string            `json:"pdf_path"`
	TargetName   string            `json:"searched_name"`
	Priority     Priority          `json:"priority"`
	Metadata     map[string]string `json:"user_info,omitempty"`

	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Progress     int             `json:"progress"`

	WorkerID   string `json:"worker_id,omitempty"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
}

// New creates a pending job with a fresh identity. documentPath and
// targetName are assumed to be validated by the producer; the queue never
// sees malformed jobs.
func New(documentPath, targetName string, priority Priority) *Job {
	return &Job{
		ID:           uuid.New().String(),
		DocumentPath: documentPath,
		TargetName:   targetName,
		Priority:     priority,
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
		MaxRetries:   DefaultMaxRetries,
	}
}

// MarkProcessing stamps the claiming worker and start time. Only a pending
// job can be claimed.
func (j *Job) MarkProcessing(workerID string) error {
	if j.Status != StatusPending {
		return fmt.Errorf("job %s: cannot start processing from %q", j.ID, j.Status)
	}
	now := time.Now().UTC()
	j.Status = StatusProcessing
	j.StartedAt = &now
	j.WorkerID = workerID
	j.Progress = 50
	return nil
}

// MarkCompleted records the result payload and closes the job. Result and
// ErrorMessage are mutually exclusive on terminal states.
func (j *Job) MarkCompleted(result json.RawMessage) error {
	if j.Status != StatusProcessing {
		return fmt.Errorf("job %s: cannot complete from %q", j.ID, j.Status)
	}
	now := time.Now().UTC()
	j.Status = StatusCompleted
	j.CompletedAt = &now
	j.Result = result
	j.ErrorMessage = ""
	j.Progress = 100
	return nil
}

// MarkFailed records the failure. The returned bool says whether a retry
// attempt remains: a job is granted MaxRetries retries after its first
// failure, so the counter is bumped only while allowance remains and never
// exceeds MaxRetries no matter how many failures are reported.
func (j *Job) MarkFailed(errMsg string) (bool, error) {
	if j.Status != StatusProcessing {
		return false, fmt.Errorf("job %s: cannot fail from %q", j.ID, j.Status)
	}
	now := time.Now().UTC()
	j.Status = StatusFailed
	j.CompletedAt = &now
	j.ErrorMessage = errMsg
	j.Result = nil
	retry := j.RetryCount < j.MaxRetries
	if retry {
		j.RetryCount++
	}
	return retry, nil
}

// MarkPendingRetry takes the FAILED -> PENDING retry edge. The job keeps its
// original priority; a retried job competes equally with fresh arrivals.
// Whether a retry is still allowed is MarkFailed's verdict, not re-checked
// here.
func (j *Job) MarkPendingRetry() error {
	if j.Status != StatusFailed {
		return fmt.Errorf("job %s: cannot retry from %q", j.ID, j.Status)
	}
	j.Status = StatusPending
	j.StartedAt = nil
	j.CompletedAt = nil
	j.WorkerID = ""
	j.Progress = 0
	return nil
}

// MarkCancelled withdraws a job that has not been claimed yet.
func (j *Job) MarkCancelled() error {
	if j.Status != StatusPending {
		return fmt.Errorf("job %s: cannot cancel from %q", j.ID, j.Status)
	}
	now := time.Now().UTC()
	j.Status = StatusCancelled
	j.CompletedAt = &now
	return nil
}

// CanRetry reports whether retry allowance remains. It exists for status
// reporting; the retry decision itself is made by MarkFailed at failure time.
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}

// Terminal reports whether no further transitions will occur. A stored
// "failed" status is always terminal: the retry edge is taken immediately at
// failure time, so a job that still had allowance was re-queued as pending
// and never persisted as failed.
func (j *Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Marshal serializes the job to the flat JSON wire form stored under
// ocr_job:<uuid>.
func (j *Job) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

// Unmarshal hydrates a job from its wire form.
func Unmarshal(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if j.MaxRetries == 0 {
		j.MaxRetries = DefaultMaxRetries
	}
	return &j, nil
}
