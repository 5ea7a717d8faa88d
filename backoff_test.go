package sagabus

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialDelay(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		base    time.Duration
		max     time.Duration
		want    time.Duration
	}{
		{name: "first attempt", attempt: 0, base: time.Second, max: time.Minute, want: time.Second},
		{name: "doubles", attempt: 3, base: time.Second, max: time.Minute, want: 8 * time.Second},
		{name: "capped", attempt: 10, base: time.Second, max: time.Minute, want: time.Minute},
		{name: "huge attempt stays capped", attempt: 500, base: time.Second, max: time.Hour, want: time.Hour},
		{name: "negative attempt", attempt: -2, base: time.Second, max: time.Minute, want: time.Second},
		{name: "no ceiling", attempt: 4, base: time.Millisecond, max: 0, want: 16 * time.Millisecond},
		{name: "no ceiling saturates instead of overflowing", attempt: 1, base: time.Duration(1 << 62), max: 0, want: time.Duration(math.MaxInt64)},
		{name: "no ceiling huge attempt", attempt: 200, base: time.Nanosecond, max: 0, want: time.Duration(math.MaxInt64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExponentialDelay(tt.attempt, tt.base, tt.max))
		})
	}
}

func TestExponentialBackoffStrategy_Jitter(t *testing.T) {
	strategy := NewExponentialBackoffStrategy(time.Second, time.Minute, 0.5)

	for attempt := 0; attempt < 8; attempt++ {
		ceiling := ExponentialDelay(attempt, time.Second, time.Minute)
		for i := 0; i < 20; i++ {
			delay := strategy.Delay(attempt)
			assert.LessOrEqual(t, delay, ceiling)
			assert.GreaterOrEqual(t, delay, ceiling/2)
		}
	}
}

func TestExponentialBackoffStrategy_ClampsJitter(t *testing.T) {
	assert.Equal(t, 1.0, NewExponentialBackoffStrategy(time.Second, time.Minute, 3).Jitter)
	assert.Equal(t, 0.0, NewExponentialBackoffStrategy(time.Second, time.Minute, -1).Jitter)

	deterministic := NewExponentialBackoffStrategy(time.Second, time.Minute, 0)
	assert.Equal(t, 4*time.Second, deterministic.Delay(2))
}

func TestRetryScheduler_Decide(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	scheduler := NewRetryScheduler(NewFixedBackoffStrategy(30 * time.Second))

	decision := scheduler.Decide(1, 2, now)
	assert.True(t, decision.ShouldRetry)
	assert.Equal(t, now.Add(30*time.Second), decision.NextAttemptAt)

	decision = scheduler.Decide(2, 2, now)
	assert.True(t, decision.ShouldRetry)

	decision = scheduler.Decide(3, 2, now)
	assert.False(t, decision.ShouldRetry)
	assert.True(t, decision.NextAttemptAt.IsZero())
}

func TestRetryScheduler_ZeroMaxAttempts(t *testing.T) {
	scheduler := NewRetryScheduler(nil)
	assert.False(t, scheduler.Decide(1, 0, time.Now()).ShouldRetry)
}
