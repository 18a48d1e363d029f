package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/fieldnotify/internal/notification"
)

// Sweeps is the part of the delivery engine the background worker drives.
type Sweeps interface {
	RetryFailed(ctx context.Context) (notification.RetrySummary, error)
	PurgeStale(ctx context.Context) (int64, error)
}

type WorkerConfig struct {
	Engine            Sweeps
	RetryInterval     time.Duration
	RetentionInterval time.Duration
}

// Worker runs the failed-delivery retry sweep and the retention sweep on
// their own tickers.
type Worker struct {
	cfg    WorkerConfig
	logger zerolog.Logger
}

func NewWorker(cfg WorkerConfig, logger zerolog.Logger) (*Worker, error) {
	if cfg.Engine == nil {
		return nil, errors.New("worker requires an engine")
	}
	if cfg.RetryInterval <= 0 || cfg.RetentionInterval <= 0 {
		return nil, errors.Errorf("sweep intervals must be positive (retry %s, retention %s)",
			cfg.RetryInterval, cfg.RetentionInterval)
	}
	return &Worker{
		cfg:    cfg,
		logger: logger.With().Str("component", "sweep_worker").Logger(),
	}, nil
}

func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info().
		Dur("retry_interval", w.cfg.RetryInterval).
		Dur("retention_interval", w.cfg.RetentionInterval).
		Msg("worker started")

	retry := time.NewTicker(w.cfg.RetryInterval)
	defer retry.Stop()
	retention := time.NewTicker(w.cfg.RetentionInterval)
	defer retention.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("worker stopped")
			return ctx.Err()
		case <-retry.C:
			if err := w.retryFailed(ctx); err != nil {
				// keep ticking; the next sweep sees the same rows
				w.logger.Error().Err(err).Msg("retry sweep failed")
			}
		case <-retention.C:
			if err := w.purgeStale(ctx); err != nil {
				w.logger.Error().Err(err).Msg("retention sweep failed")
			}
		}
	}
}

func (w *Worker) retryFailed(ctx context.Context) error {
	if _, err := w.cfg.Engine.RetryFailed(ctx); err != nil {
		return errors.Wrap(err, "retry failed notifications")
	}
	return nil
}

func (w *Worker) purgeStale(ctx context.Context) error {
	if _, err := w.cfg.Engine.PurgeStale(ctx); err != nil {
		return errors.Wrap(err, "purge stale notifications")
	}
	return nil
}
