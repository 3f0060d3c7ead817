// internal/dispatch/badger.go
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/user/flowgate/internal/types"
)

// BadgerQueue implements Queue on BadgerDB. Keys are namespaced
// "job:<queue>:<id>" for pending jobs and "dead:<queue>:<id>" for
// dead-letter jobs, so both populations iterate by prefix.
type BadgerQueue struct {
	db *badger.DB
}

// NewBadgerQueue opens (or creates) the queue database at path. An empty
// path opens an in-memory database, useful in tests.
func NewBadgerQueue(path string) (*BadgerQueue, error) {
	opts := badger.DefaultOptions(path).
		WithLoggingLevel(badger.WARNING)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open queue database: %v", types.ErrQueueUnavailable, err)
	}
	return &BadgerQueue{db: db}, nil
}

func (q *BadgerQueue) Close() error {
	return q.db.Close()
}

func jobKey(queue string, id types.JobID) []byte {
	return []byte(fmt.Sprintf("job:%s:%s", queue, id))
}

func deadKey(queue string, id types.JobID) []byte {
	return []byte(fmt.Sprintf("dead:%s:%s", queue, id))
}

func (q *BadgerQueue) AddJob(ctx context.Context, queue, name string, payload map[string]any, opts Options) (types.JobID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	backoff := Backoff{Type: BackoffExponential, Delay: DefaultDelay}
	if opts.Backoff != nil {
		backoff = *opts.Backoff
		if backoff.Delay <= 0 {
			backoff.Delay = DefaultDelay
		}
		if backoff.Type == "" {
			backoff.Type = BackoffExponential
		}
	}

	now := time.Now().UTC()
	job := &Job{
		ID:        types.NewJobID(),
		Queue:     queue,
		Name:      name,
		Payload:   payload,
		Attempts:  attempts,
		Backoff:   backoff,
		NextRun:   now,
		CreatedAt: now,
	}
	if err := q.put(jobKey(queue, job.ID), job); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (q *BadgerQueue) put(key []byte, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("%w: write job: %v", types.ErrQueueUnavailable, err)
	}
	return nil
}

func (q *BadgerQueue) Due(ctx context.Context, queue string, now time.Time, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	jobs, err := q.scan([]byte("job:"+queue+":"), limit, func(job *Job) bool {
		return !job.NextRun.After(now)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].NextRun.Before(jobs[j].NextRun) })
	return jobs, nil
}

func (q *BadgerQueue) Pending(ctx context.Context, queue string, limit int) ([]*Job, error) {
	return q.scan([]byte("job:"+queue+":"), limit, nil)
}

func (q *BadgerQueue) DeadLetters(ctx context.Context, queue string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return q.scan([]byte("dead:"+queue+":"), limit, nil)
}

func (q *BadgerQueue) scan(prefix []byte, limit int, keep func(*Job) bool) ([]*Job, error) {
	var jobs []*Job
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && (limit <= 0 || len(jobs) < limit); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var job Job
				if err := json.Unmarshal(val, &job); err != nil {
					return nil // skip malformed entries
				}
				if keep == nil || keep(&job) {
					jobs = append(jobs, &job)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan jobs: %v", types.ErrQueueUnavailable, err)
	}
	return jobs, nil
}

func (q *BadgerQueue) Ack(ctx context.Context, job *Job) error {
	err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(jobKey(job.Queue, job.ID))
	})
	if err != nil {
		return fmt.Errorf("%w: ack job: %v", types.ErrQueueUnavailable, err)
	}
	return nil
}

func (q *BadgerQueue) Nack(ctx context.Context, job *Job, cause error) error {
	job.Attempt++
	if cause != nil {
		job.LastError = cause.Error()
	}
	if job.Attempt >= job.Attempts {
		// Exhausted: move to the dead-letter area atomically.
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job: %w", err)
		}
		err = q.db.Update(func(txn *badger.Txn) error {
			if err := txn.Set(deadKey(job.Queue, job.ID), data); err != nil {
				return err
			}
			return txn.Delete(jobKey(job.Queue, job.ID))
		})
		if err != nil {
			return fmt.Errorf("%w: dead-letter job: %v", types.ErrQueueUnavailable, err)
		}
		return nil
	}
	job.NextRun = time.Now().UTC().Add(job.NextDelay(job.Attempt))
	return q.put(jobKey(job.Queue, job.ID), job)
}

func (q *BadgerQueue) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	var stale [][]byte
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("dead:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var job Job
				if err := json.Unmarshal(val, &job); err != nil {
					stale = append(stale, item.KeyCopy(nil))
					return nil
				}
				if job.CreatedAt.Before(cutoff) {
					stale = append(stale, item.KeyCopy(nil))
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: prune scan: %v", types.ErrQueueUnavailable, err)
	}

	for _, key := range stale {
		key := key
		err := q.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			return 0, fmt.Errorf("%w: prune delete: %v", types.ErrQueueUnavailable, err)
		}
	}
	return len(stale), nil
}
