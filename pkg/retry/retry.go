package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Config holds retry configuration.
// MaxAttempts <= 0 means retry without bound; the signaling channel relies on
// this, since losing the rendezvous connection must never orphan a user.
type Config struct {
	Enabled      bool
	MaxAttempts  int
	InitialDelay time.Duration // delay before first retry
	MaxDelay     time.Duration // backoff cap
	Multiplier   float64       // exponential backoff multiplier (typically 2.0)
	Jitter       bool          // random-ish variation to avoid thundering herd
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// ChannelConfig returns the reconnect policy for the signaling channel:
// unbounded attempts, 1s initial delay, 10s cap.
func ChannelConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  0,
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

// Retry executes fn with exponential backoff until it succeeds, the attempt
// budget is exhausted, or ctx is cancelled.
func Retry(ctx context.Context, cfg Config, fn func() error) error {
	if !cfg.Enabled {
		return fn()
	}

	var lastErr error
	b := NewBackoff(cfg)

	for attempt := 0; cfg.MaxAttempts <= 0 || attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if cfg.MaxAttempts > 0 && attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-time.After(b.Next()):
		}
	}

	return fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

// Backoff produces the capped exponential delay sequence of a Config.
// Not safe for concurrent use; each retry loop owns its own Backoff.
type Backoff struct {
	cfg     Config
	attempt int
}

// NewBackoff creates a Backoff at the start of the sequence.
func NewBackoff(cfg Config) *Backoff {
	return &Backoff{cfg: cfg}
}

// Next returns the delay before the upcoming attempt and advances the sequence.
func (b *Backoff) Next() time.Duration {
	delay := float64(b.cfg.InitialDelay) * math.Pow(b.cfg.Multiplier, float64(b.attempt))
	if delay > float64(b.cfg.MaxDelay) {
		delay = float64(b.cfg.MaxDelay)
	}
	b.attempt++

	duration := time.Duration(delay)
	if b.cfg.Jitter {
		// ±12.5% deterministic skew, cheap stand-in for real jitter
		jitter := duration / 8
		if b.attempt%2 == 0 {
			duration -= jitter
		} else {
			duration += jitter
		}
	}
	return duration
}

// Reset rewinds the sequence after a successful attempt.
func (b *Backoff) Reset() {
	b.attempt = 0
}
