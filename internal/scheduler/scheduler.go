// Package scheduler runs periodic jobs on their own ticker-driven goroutine.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job represents a periodic task.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler spawns ticker-driven goroutines for jobs handed to it.
type Scheduler struct {
	logger *slog.Logger
}

// NewScheduler creates a new scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{logger: logger}
}

// Schedule runs job every interval until ctx is cancelled or the returned
// stop function is called, whichever comes first. Unlike a fixed job list
// built once at process startup, jobs come and go here with the sessions
// that own them, so Schedule may be called at any point in the scheduler's
// lifetime and from any goroutine.
func (s *Scheduler) Schedule(ctx context.Context, job Job, interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	stopCh := make(chan struct{})
	var once sync.Once

	go func() {
		defer ticker.Stop()
		s.logger.Debug("scheduled job started", "job", job.Name(), "interval", interval)

		for {
			select {
			case <-ticker.C:
				if err := job.Run(ctx); err != nil {
					s.logger.Warn("scheduled job failed", "job", job.Name(), "error", err)
					return
				}
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() { once.Do(func() { close(stopCh) }) }
}
