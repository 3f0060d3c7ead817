// internal/dispatch/worker.go
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/flowgate/internal/types"
)

// Handler processes a single dequeued job. A nil return acknowledges the
// job; an error schedules a retry.
type Handler func(ctx context.Context, job *Job) error

// Worker polls a queue for due jobs and runs them through a handler with a
// global concurrency semaphore. Failed jobs go back through Nack, which
// applies the job's backoff schedule.
type Worker struct {
	queue        Queue
	queueName    string
	handler      Handler
	semaphore    *semaphore.Weighted
	pollInterval time.Duration
	logger       *slog.Logger
	active       atomic.Int64

	mu       sync.Mutex
	inFlight map[types.JobID]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a worker allowing up to maxConcurrent handler calls.
func NewWorker(queue Queue, queueName string, handler Handler, maxConcurrent int64, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Worker{
		queue:        queue,
		queueName:    queueName,
		handler:      handler,
		semaphore:    semaphore.NewWeighted(maxConcurrent),
		pollInterval: time.Second,
		logger:       logger,
		inFlight:     make(map[types.JobID]struct{}),
	}
}

// SetPollInterval overrides the default 1s poll interval.
func (w *Worker) SetPollInterval(d time.Duration) {
	if d > 0 {
		w.pollInterval = d
	}
}

// Start launches the polling loop.
func (w *Worker) Start(ctx context.Context) {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run()
}

// Stop cancels the loop and waits for in-flight handlers to finish.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.drain()
		}
	}
}

func (w *Worker) drain() {
	jobs, err := w.queue.Due(w.ctx, w.queueName, time.Now().UTC(), 50)
	if err != nil {
		w.logger.Error("queue poll failed", "queue", w.queueName, "error", err)
		return
	}
	for _, job := range jobs {
		// A job whose handler is still running may show up in the next
		// poll; skip it rather than running it twice.
		w.mu.Lock()
		if _, busy := w.inFlight[job.ID]; busy {
			w.mu.Unlock()
			continue
		}
		w.inFlight[job.ID] = struct{}{}
		w.mu.Unlock()

		if err := w.semaphore.Acquire(w.ctx, 1); err != nil {
			w.release(job.ID)
			return
		}
		w.wg.Add(1)
		w.active.Add(1)
		go func(job *Job) {
			defer w.wg.Done()
			defer w.active.Add(-1)
			defer w.semaphore.Release(1)
			defer w.release(job.ID)
			w.process(job)
		}(job)
	}
}

func (w *Worker) release(id types.JobID) {
	w.mu.Lock()
	delete(w.inFlight, id)
	w.mu.Unlock()
}

func (w *Worker) process(job *Job) {
	err := w.handler(w.ctx, job)
	if err == nil {
		if err := w.queue.Ack(w.ctx, job); err != nil {
			w.logger.Error("failed to ack job", "job_id", job.ID, "error", err)
		}
		return
	}

	if err := w.queue.Nack(w.ctx, job, err); err != nil {
		w.logger.Error("failed to reschedule job", "job_id", job.ID, "error", err)
		return
	}
	if job.Attempt >= job.Attempts {
		w.logger.Error("job exhausted attempts, dead-lettered",
			"job_id", job.ID, "queue", job.Queue, "attempts", job.Attempt, "error", err)
	} else {
		w.logger.Warn("job failed, scheduled retry",
			"job_id", job.ID, "attempt", job.Attempt, "next_run", job.NextRun, "error", err)
	}
}

// WaitIdle blocks until no jobs are actively being processed, or the
// timeout expires. Returns true if idle, false if timed out.
func (w *Worker) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if w.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}
