package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/fieldnotify/internal/notification"
)

type countingSweeps struct {
	retries atomic.Int32
	purges  atomic.Int32
	failing bool
}

func (s *countingSweeps) RetryFailed(context.Context) (notification.RetrySummary, error) {
	s.retries.Add(1)
	if s.failing {
		return notification.RetrySummary{}, errors.New("db down")
	}
	return notification.RetrySummary{}, nil
}

func (s *countingSweeps) PurgeStale(context.Context) (int64, error) {
	s.purges.Add(1)
	return 0, nil
}

func TestWorkerRunsBothSweeps(t *testing.T) {
	sweeps := &countingSweeps{failing: true}
	w, err := NewWorker(WorkerConfig{
		Engine:            sweeps,
		RetryInterval:     10 * time.Millisecond,
		RetentionInterval: 15 * time.Millisecond,
	}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	require.Eventually(t, func() bool {
		return sweeps.retries.Load() >= 2 && sweeps.purges.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond, "a failing retry sweep must not stop the worker")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestNewWorkerValidates(t *testing.T) {
	_, err := NewWorker(WorkerConfig{RetryInterval: time.Second, RetentionInterval: time.Second}, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewWorker(WorkerConfig{Engine: &countingSweeps{}, RetentionInterval: time.Second}, zerolog.Nop())
	assert.Error(t, err)
}
