package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestTasksRunImmediatelyAndOnInterval(t *testing.T) {
	var runs atomic.Int64
	s := New(zap.NewNop())
	s.Add(Task{
		Name:     "counter",
		Interval: 10 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	assert.NoError(t, s.Start(ctx))
	assert.GreaterOrEqual(t, runs.Load(), int64(3), "immediate run plus ticks")
}

func TestFailingTaskKeepsRunning(t *testing.T) {
	var runs atomic.Int64
	s := New(zap.NewNop())
	s.Add(Task{
		Name:     "flaky",
		Interval: 10 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return errors.New("transient failure")
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, s.Start(ctx), "task failures never propagate")
	assert.GreaterOrEqual(t, runs.Load(), int64(2), "task retried after failure")
}

func TestStartReturnsOnCancel(t *testing.T) {
	s := New(zap.NewNop())
	s.Add(Task{
		Name:     "idle",
		Interval: time.Hour,
		Run:      func(context.Context) error { return nil },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}
