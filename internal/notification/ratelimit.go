package notification

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/stanstork/fieldnotify/internal/config"
	"github.com/stanstork/fieldnotify/internal/repository"
)

type RecentCounter interface {
	CountRecent(ctx context.Context, key repository.RecipientKey, now time.Time) (repository.RecentCounts, error)
}

// RateLimiter caps how many notifications one recipient receives per minute,
// hour and day. The windows are independent. Counting is not linearizable
// with concurrent inserts, so the caps are soft.
type RateLimiter struct {
	counter RecentCounter
	limits  config.RateLimitConfig
	now     func() time.Time
	logger  zerolog.Logger
}

func NewRateLimiter(counter RecentCounter, limits config.RateLimitConfig, logger zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		counter: counter,
		limits:  limits,
		now:     time.Now,
		logger:  logger.With().Str("component", "rate_limiter").Logger(),
	}
}

// Allow reports whether another notification may be created for key. A
// counting failure lets the notification through.
func (l *RateLimiter) Allow(ctx context.Context, key repository.RecipientKey) bool {
	counts, err := l.counter.CountRecent(ctx, key, l.now())
	if err != nil {
		l.logger.Warn().Err(err).Str("recipient", key.String()).Msg("rate limit check failed, allowing")
		return true
	}

	var window string
	switch {
	case counts.LastMinute >= l.limits.PerMinute:
		window = "minute"
	case counts.LastHour >= l.limits.PerHour:
		window = "hour"
	case counts.LastDay >= l.limits.PerDay:
		window = "day"
	default:
		return true
	}

	l.logger.Warn().
		Str("recipient", key.String()).
		Str("window", window).
		Int("last_minute", counts.LastMinute).
		Int("last_hour", counts.LastHour).
		Int("last_day", counts.LastDay).
		Msg("rate limit exceeded")
	return false
}
