package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"corebridge/internal/shared"
)

// JitterStrategy selects how delays are randomized.
type JitterStrategy int

const (
	// JitterNone uses the exponential delay as is.
	JitterNone JitterStrategy = iota
	// JitterEqual picks a delay in [d/2, d].
	JitterEqual
	// JitterDecorrelated picks a delay in [MinDelay, 3*d].
	JitterDecorrelated
)

// Config defines retry behaviour.
type Config struct {
	// MaxAttempts counts the first attempt.
	MaxAttempts  int
	InitialDelay time.Duration
	// MinDelay defaults to InitialDelay.
	MinDelay time.Duration
	MaxDelay time.Duration
	// MaxElapsedTime bounds the whole run; 0 means no limit.
	MaxElapsedTime time.Duration
	Multiplier     float64
	JitterStrategy JitterStrategy
	// Rand is the jitter source; a time-seeded one is used when nil.
	Rand *rand.Rand
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, nextDelay time.Duration)
	// Now and After replace the clock in tests.
	Now   func() time.Time
	After func(d time.Duration) <-chan time.Time
}

// DefaultConfig suits contention on an engine file: a few quick attempts.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		InitialDelay:   20 * time.Millisecond,
		MaxDelay:       time.Second,
		Multiplier:     2.0,
		JitterStrategy: JitterDecorrelated,
	}
}

// Normalize validates c and fills in defaults.
func (c *Config) Normalize() error {
	if c.MaxAttempts <= 0 {
		return errors.New("retry: MaxAttempts must be positive")
	}
	if c.InitialDelay <= 0 {
		return errors.New("retry: InitialDelay must be positive")
	}
	if c.MinDelay <= 0 {
		c.MinDelay = c.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MinDelay > c.MaxDelay {
		return errors.New("retry: MinDelay cannot be greater than MaxDelay")
	}
	if c.InitialDelay > c.MaxDelay {
		return errors.New("retry: InitialDelay cannot be greater than MaxDelay")
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2.0
	}
	if c.Multiplier < 1.0 {
		return errors.New("retry: Multiplier must be >= 1.0")
	}
	if c.MaxElapsedTime < 0 {
		return errors.New("retry: MaxElapsedTime cannot be negative")
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.After == nil {
		c.After = time.After
	}
	return nil
}

// Func is one attempt.
type Func func(ctx context.Context) error

// IsRetryableFunc decides whether an error is worth another attempt.
type IsRetryableFunc func(err error) bool

// ExhaustedError is returned when attempts or time ran out.
type ExhaustedError struct {
	LastError     error
	Attempts      int
	TotalDuration time.Duration
	Reason        string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: %s after %s (%d attempts): %v", e.Reason, e.TotalDuration, e.Attempts, e.LastError)
}

func (e *ExhaustedError) Unwrap() error { return e.LastError }

// DefaultRetryable retries transient engine conditions and attempts that hit
// their own deadline. Cancellation and programming errors are final.
func DefaultRetryable(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case shared.IsRetryable(err):
		return true
	}
	type temporary interface{ Temporary() bool }
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return false
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// budget is spent.
func Do(ctx context.Context, cfg Config, fn Func) error {
	return DoWithRetryable(ctx, cfg, fn, DefaultRetryable)
}

// DoWithRetryable is Do with a custom retryable check.
func DoWithRetryable(ctx context.Context, cfg Config, fn Func, isRetryable IsRetryableFunc) error {
	if err := cfg.Normalize(); err != nil {
		return err
	}

	start := cfg.Now()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		if !isRetryable(lastErr) {
			return lastErr
		}

		delay := cfg.jitter(cfg.backoff(attempt))
		if cfg.MaxElapsedTime > 0 {
			if elapsed := cfg.Now().Sub(start); elapsed+delay > cfg.MaxElapsedTime {
				return &ExhaustedError{
					LastError:     lastErr,
					Attempts:      attempt,
					TotalDuration: elapsed,
					Reason:        "max elapsed time exceeded",
				}
			}
		}
		if deadline, ok := ctx.Deadline(); ok {
			delay = min(delay, time.Until(deadline))
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cfg.After(delay):
		}
	}

	return &ExhaustedError{
		LastError:     lastErr,
		Attempts:      cfg.MaxAttempts,
		TotalDuration: cfg.Now().Sub(start),
		Reason:        "max attempts exceeded",
	}
}

// backoff returns InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (c Config) backoff(attempt int) time.Duration {
	d := c.InitialDelay
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(d) * c.Multiplier)
		if next > c.MaxDelay || next < d {
			return c.MaxDelay
		}
		d = next
	}
	return min(d, c.MaxDelay)
}

func (c Config) jitter(d time.Duration) time.Duration {
	switch c.JitterStrategy {
	case JitterEqual:
		half := d / 2
		if half <= 0 {
			return d
		}
		d = half + time.Duration(c.Rand.Int63n(int64(half)+1))
	case JitterDecorrelated:
		hi := 3 * d
		if hi <= c.MinDelay {
			return c.MinDelay
		}
		d = c.MinDelay + time.Duration(c.Rand.Int63n(int64(hi-c.MinDelay)))
	}
	return max(c.MinDelay, min(d, c.MaxDelay))
}
