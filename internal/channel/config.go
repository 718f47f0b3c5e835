package channel

import (
	"errors"
	"time"
)

// Config holds the timing and sizing policy of a subscription channel
type Config struct {
	// InitialBackoff is the delay before the first reconnect attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the reconnect delay.
	MaxBackoff time.Duration
	// BackoffMultiplier grows the delay after every failed attempt.
	BackoffMultiplier float64
	// MaxAttempts is the reconnect budget. Exhausting it moves the channel to error.
	MaxAttempts int

	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SendTimeout       time.Duration

	// OutboundQueueSize bounds the outbound FIFO; the oldest message is dropped on overflow.
	OutboundQueueSize int

	SnapshotTimeout       time.Duration
	SnapshotRetryInterval time.Duration
}

// DefaultConfig returns the channel policy used when nothing is configured
func DefaultConfig() Config {
	return Config{
		InitialBackoff:        500 * time.Millisecond,
		MaxBackoff:            30 * time.Second,
		BackoffMultiplier:     2.0,
		MaxAttempts:           6,
		ConnectTimeout:        10 * time.Second,
		HeartbeatInterval:     15 * time.Second,
		HeartbeatTimeout:      5 * time.Second,
		SendTimeout:           5 * time.Second,
		OutboundQueueSize:     100,
		SnapshotTimeout:       10 * time.Second,
		SnapshotRetryInterval: 5 * time.Second,
	}
}

// Validate checks that the configuration is usable
func (c Config) Validate() error {
	if c.InitialBackoff <= 0 {
		return errors.New("initial backoff must be positive")
	}
	if c.MaxBackoff < c.InitialBackoff {
		return errors.New("max backoff must be >= initial backoff")
	}
	if c.BackoffMultiplier < 1.0 {
		return errors.New("backoff multiplier must be >= 1.0")
	}
	if c.MaxAttempts < 0 {
		return errors.New("max attempts must be non-negative")
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("connect timeout must be positive")
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0 {
		return errors.New("heartbeat interval and timeout must be positive")
	}
	if c.SendTimeout <= 0 {
		return errors.New("send timeout must be positive")
	}
	if c.OutboundQueueSize < 1 {
		return errors.New("outbound queue size must be at least 1")
	}
	if c.SnapshotTimeout <= 0 || c.SnapshotRetryInterval <= 0 {
		return errors.New("snapshot timeout and retry interval must be positive")
	}
	return nil
}
