package notification

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Multiplier: 2, Max: 30 * time.Second}

	// delay before attempt k is Delay(k-1) = min(1000 * 2^(k-2), 30000) ms
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
		{5, 8 * time.Second},
		{6, 16 * time.Second},
		{7, 30 * time.Second},
		{12, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt-1), "attempt %d", tt.attempt)
	}
	assert.Equal(t, time.Duration(0), b.Delay(0))
}

func TestBackoffDelayHugeExponent(t *testing.T) {
	b := Backoff{Base: time.Second, Multiplier: 10, Max: time.Minute}
	assert.Equal(t, time.Minute, b.Delay(500))
}

func TestSleepContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
