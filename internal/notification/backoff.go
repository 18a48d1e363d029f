package notification

import (
	"context"
	"math"
	"time"

	"github.com/stanstork/fieldnotify/internal/config"
)

// Backoff computes exponential delays between delivery attempts.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

func BackoffFromConfig(cfg config.DeliveryConfig) Backoff {
	return Backoff{Base: cfg.BaseDelay, Multiplier: cfg.Multiplier, Max: cfg.MaxDelay}
}

// Delay returns min(Base * Multiplier^(n-1), Max) for the n-th failure.
// The wait before attempt k is Delay(k-1).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(n-1))
	if b.Max > 0 && (d > float64(b.Max) || math.IsInf(d, 1)) {
		return b.Max
	}
	return time.Duration(d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
