// internal/dispatch/queue.go

// Package dispatch delivers outbound messages through a durable,
// queue-backed pipeline: jobs survive restarts, failed sends retry with
// exponential backoff, and exhausted jobs land in a dead-letter area
// instead of vanishing.
package dispatch

import (
	"context"
	"time"

	"github.com/user/flowgate/internal/types"
)

// Backoff describes the retry delay schedule for a job.
type Backoff struct {
	// Type is "fixed" or "exponential".
	Type string `json:"type"`
	// Delay is the base delay before the first retry.
	Delay time.Duration `json:"delay"`
}

// Defaults applied by AddJob when options are zero.
const (
	DefaultAttempts = 5
	DefaultDelay    = 2 * time.Second

	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Options controls retry behavior for an enqueued job.
type Options struct {
	// Attempts is the maximum number of delivery attempts, including the
	// first. Zero means DefaultAttempts.
	Attempts int
	// Backoff defaults to exponential with DefaultDelay.
	Backoff *Backoff
}

// Job is a durable unit of outbound work.
type Job struct {
	ID        types.JobID    `json:"id"`
	Queue     string         `json:"queue"`
	Name      string         `json:"name"`
	Payload   map[string]any `json:"payload"`
	Attempts  int            `json:"attempts"`
	Attempt   int            `json:"attempt"`
	Backoff   Backoff        `json:"backoff"`
	NextRun   time.Time      `json:"next_run"`
	LastError string         `json:"last_error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NextDelay returns the backoff delay after the given attempt (1-indexed).
func (j *Job) NextDelay(attempt int) time.Duration {
	delay := j.Backoff.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}
	if j.Backoff.Type != BackoffExponential {
		return delay
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// Queue is the durable job store. Backend failures surface as
// types.ErrQueueUnavailable and are never downgraded to a silent drop.
type Queue interface {
	// AddJob persists a job and returns its id.
	AddJob(ctx context.Context, queue, name string, payload map[string]any, opts Options) (types.JobID, error)
	// Due returns up to limit jobs whose NextRun is at or before now.
	Due(ctx context.Context, queue string, now time.Time, limit int) ([]*Job, error)
	// Pending returns queued jobs regardless of due time. A non-positive
	// limit returns all of them.
	Pending(ctx context.Context, queue string, limit int) ([]*Job, error)
	// Ack removes a completed job.
	Ack(ctx context.Context, job *Job) error
	// Nack records a failed attempt: the job is rescheduled with backoff,
	// or moved to the dead-letter area once its attempts are exhausted.
	Nack(ctx context.Context, job *Job, cause error) error
	// DeadLetters returns the jobs that exhausted their attempts.
	DeadLetters(ctx context.Context, queue string, limit int) ([]*Job, error)
	// Prune drops dead-letter jobs older than cutoff, returning the count.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}
