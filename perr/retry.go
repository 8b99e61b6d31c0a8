package perr

import (
	"context"
	"math/rand"
	"time"
)

// BackoffConfig controls the exponential backoff applied to retryable
// KindStorage/KindTimeout errors, mirroring the reconnect-backoff shape used
// elsewhere in this codebase for transient network-class failures.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	MaxAttempts  int // 0 = unlimited
	Jitter       float64
}

// DefaultBackoff returns sensible defaults for object-store/embedded-SQL retries.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Factor:       2.0,
		MaxAttempts:  5,
		Jitter:       0.2,
	}
}

// Retry invokes fn until it succeeds, ctx is done, MaxAttempts is exhausted,
// or fn returns a non-retryable error. Only KindStorage and KindTimeout
// errors are retried, per the propagation policy: all other kinds surface
// immediately.
func Retry(ctx context.Context, cfg BackoffConfig, fn func() error) error {
	delay := cfg.InitialDelay
	attempt := 0
	for {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}

		kind := KindOf(err)
		if kind != KindStorage && kind != KindTimeout {
			return err
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return err
		}

		wait := delay
		if cfg.Jitter > 0 {
			jitter := 1 + (rand.Float64()*2-1)*cfg.Jitter
			wait = time.Duration(float64(wait) * jitter)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Timeout("perr.Retry", ctx.Err())
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * cfg.Factor)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}
