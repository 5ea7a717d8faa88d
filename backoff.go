package sagabus

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffStrategy computes the wait before the given retry attempt.
type BackoffStrategy interface {
	Delay(attempt int) time.Duration
}

// ExponentialBackoffStrategy waits min(base * 2^attempt, max), minus up to
// Jitter of that value so that many sagas failing against the same service
// do not retry in lockstep.
type ExponentialBackoffStrategy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64
	rand      func() float64
}

// NewExponentialBackoffStrategy creates an exponential strategy. jitter is
// clamped to [0, 1].
func NewExponentialBackoffStrategy(baseDelay, maxDelay time.Duration, jitter float64) *ExponentialBackoffStrategy {
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	return &ExponentialBackoffStrategy{
		BaseDelay: baseDelay,
		MaxDelay:  maxDelay,
		Jitter:    jitter,
		rand:      rand.Float64,
	}
}

// DefaultBackoffStrategy returns the exponential strategy with the package defaults.
func DefaultBackoffStrategy() BackoffStrategy {
	return NewExponentialBackoffStrategy(defaultBaseDelay, defaultMaxDelay, defaultJitter)
}

// Delay implements BackoffStrategy.
func (s *ExponentialBackoffStrategy) Delay(attempt int) time.Duration {
	delay := ExponentialDelay(attempt, s.BaseDelay, s.MaxDelay)
	if s.Jitter > 0 && s.rand != nil {
		delay -= time.Duration(float64(delay) * s.Jitter * s.rand())
	}
	return delay
}

// ExponentialDelay returns min(base * 2^attempt, max) without jitter.
// A non-positive max means no ceiling.
func ExponentialDelay(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := baseDelay
	for i := 0; i < attempt; i++ {
		if maxDelay > 0 && delay >= maxDelay {
			break
		}
		if delay > math.MaxInt64/2 {
			delay = math.MaxInt64
			break
		}
		delay *= 2
	}
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// FixedBackoffStrategy always waits the same amount.
type FixedBackoffStrategy struct {
	delay time.Duration
}

// NewFixedBackoffStrategy creates a strategy with a constant delay.
func NewFixedBackoffStrategy(delay time.Duration) *FixedBackoffStrategy {
	return &FixedBackoffStrategy{delay: delay}
}

// Delay implements BackoffStrategy.
func (s *FixedBackoffStrategy) Delay(int) time.Duration {
	return s.delay
}

// RetryDecision is the outcome of consulting the RetryScheduler.
type RetryDecision struct {
	ShouldRetry   bool
	NextAttemptAt time.Time
}

// RetryScheduler decides whether a failed message or saga step gets another
// attempt and when. It holds no per-entity state.
type RetryScheduler struct {
	backoff BackoffStrategy
}

// NewRetryScheduler creates a scheduler. A nil strategy selects the default.
func NewRetryScheduler(backoff BackoffStrategy) *RetryScheduler {
	if backoff == nil {
		backoff = DefaultBackoffStrategy()
	}
	return &RetryScheduler{backoff: backoff}
}

// Decide returns the decision for attempt, the number of failures recorded so
// far including the current one. Retries are exhausted once attempt > maxAttempts.
func (r *RetryScheduler) Decide(attempt, maxAttempts int, now time.Time) RetryDecision {
	if attempt > maxAttempts {
		return RetryDecision{ShouldRetry: false}
	}
	return RetryDecision{
		ShouldRetry:   true,
		NextAttemptAt: now.Add(r.backoff.Delay(attempt)),
	}
}
