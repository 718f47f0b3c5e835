package channel

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// reconnectSchedule hands out capped exponential delays until the attempt budget runs out
type reconnectSchedule struct {
	policy      *backoff.ExponentialBackOff
	attempts    int
	maxAttempts int
}

func newReconnectSchedule(cfg Config) *reconnectSchedule {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialBackoff
	policy.MaxInterval = cfg.MaxBackoff
	policy.Multiplier = cfg.BackoffMultiplier
	policy.RandomizationFactor = 0
	policy.Reset()

	return &reconnectSchedule{
		policy:      policy,
		maxAttempts: cfg.MaxAttempts,
	}
}

// next returns the delay for the next attempt, or false once the budget is spent
func (s *reconnectSchedule) next() (time.Duration, bool) {
	if s.attempts >= s.maxAttempts {
		return 0, false
	}
	s.attempts++

	delay := s.policy.NextBackOff()
	if delay == backoff.Stop || delay > s.policy.MaxInterval {
		delay = s.policy.MaxInterval
	}
	return delay, true
}

// reset restores the full budget and the initial delay
func (s *reconnectSchedule) reset() {
	s.attempts = 0
	s.policy.Reset()
}
