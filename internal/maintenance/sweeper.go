// internal/maintenance/sweeper.go

// Package maintenance runs the periodic housekeeping jobs: expired session
// sweeps, elapsed rate-limit windows, and dead-letter queue pruning.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one named housekeeping job. It returns the number of entries it
// removed.
type Task struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) (int, error)
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Sweeper schedules housekeeping tasks on cron expressions.
type Sweeper struct {
	tasks  []Task
	cron   *cron.Cron
	logger *slog.Logger
}

func NewSweeper(logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cron:   cron.New(cron.WithParser(cronParser)),
		logger: logger,
	}
}

// Add registers a task. Must be called before Start.
func (s *Sweeper) Add(task Task) {
	s.tasks = append(s.tasks, task)
}

// Start registers the tasks as cron entries and starts the ticker.
func (s *Sweeper) Start() error {
	for _, task := range s.tasks {
		task := task
		_, err := s.cron.AddFunc(task.Schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			n, err := task.Run(ctx)
			if err != nil {
				s.logger.Error("sweep failed", "task", task.Name, "error", err)
				return
			}
			if n > 0 {
				s.logger.Info("sweep completed", "task", task.Name, "removed", n)
			}
		})
		if err != nil {
			return err
		}
		s.logger.Info("scheduled sweep", "task", task.Name, "schedule", task.Schedule)
	}
	s.cron.Start()
	return nil
}

// Stop stops the cron ticker.
func (s *Sweeper) Stop() {
	s.cron.Stop()
}
