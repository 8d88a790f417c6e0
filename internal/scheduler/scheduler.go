// Package scheduler runs the substrate's maintenance loops: edge decay,
// TTL sweeps and route-record retention. Tasks are cooperative goroutines
// on fixed tickers; a failing run is logged and retried on the next tick,
// never fatal to the process.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Task is one recurring maintenance job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler owns a set of tasks and their lifecycle.
type Scheduler struct {
	tasks []Task
	log   *zap.Logger
}

// New builds an empty scheduler.
func New(log *zap.Logger) *Scheduler {
	return &Scheduler{log: log}
}

// Add registers a task. Must be called before Start.
func (s *Scheduler) Add(t Task) {
	s.tasks = append(s.tasks, t)
}

// Start launches every task and blocks until ctx is cancelled. Each task
// runs once immediately, then on its interval.
func (s *Scheduler) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range s.tasks {
		task := t
		g.Go(func() error {
			s.loop(ctx, task)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	s.runOnce(ctx, t)
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, t)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, t Task) {
	start := time.Now()
	if err := t.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Error("maintenance task failed",
			zap.String("task", t.Name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return
	}
	s.log.Debug("maintenance task done",
		zap.String("task", t.Name),
		zap.Duration("elapsed", time.Since(start)))
}
