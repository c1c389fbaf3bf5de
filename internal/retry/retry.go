package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketOpenBot/internal/ports"

	"github.com/jpillora/backoff"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts int           // Total attempts including the first
	Min      time.Duration // First delay
	Max      time.Duration // Delay cap
	Factor   float64       // Growth per attempt
	Jitter   bool
}

// DefaultPolicy is used for broker and signal-generator calls.
var DefaultPolicy = Policy{Attempts: 3, Min: 500 * time.Millisecond, Max: 8 * time.Second, Factor: 2, Jitter: true}

// NewBackoff builds a backoff from p.
func (p Policy) NewBackoff() *backoff.Backoff {
	factor := p.Factor
	if factor <= 1 {
		factor = 2
	}
	return &backoff.Backoff{Min: p.Min, Max: p.Max, Factor: factor, Jitter: p.Jitter}
}

// ErrExhausted is returned, wrapping the last error, when every attempt failed transiently.
var ErrExhausted = errors.New("retries exhausted")

// IsTransient reports whether err is an infrastructure fault worth retrying.
// Business-rule and configuration failures are never retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ports.ErrBusinessRule),
		errors.Is(err, ports.ErrMissingStopLoss),
		errors.Is(err, ports.ErrRiskCapExceeded),
		errors.Is(err, ports.ErrInvalidRequest),
		errors.Is(err, ports.ErrConfigurationError),
		errors.Is(err, ports.ErrInvariantViolation),
		errors.Is(err, ports.ErrSessionStopping),
		errors.Is(err, ports.ErrNoTrade),
		errors.Is(err, ports.ErrAuthExpired),
		errors.Is(err, ports.ErrStopConflict),
		errors.Is(err, ports.ErrInsufficientFunds),
		errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ports.ErrConnectivity),
		errors.Is(err, ports.ErrRateLimited),
		errors.Is(err, ports.ErrTimeout),
		errors.Is(err, ports.ErrBrokerUnavailable),
		errors.Is(err, ports.ErrSignalGeneration),
		errors.Is(err, ports.ErrDBConnection),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// Do calls fn until it succeeds, returns a non-transient error, or the policy is exhausted.
// A nil allow func means "keep going"; when it returns false no further attempt is made.
func Do(ctx context.Context, p Policy, allow func() bool, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	b := p.NewBackoff()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if allow != nil && !allow() {
			if lastErr == nil {
				return ports.ErrSessionStopping
			}
			return fmt.Errorf("%w: %w", ports.ErrSessionStopping, lastErr)
		}
		lastErr = fn(ctx)
		if lastErr == nil || !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ctx.Err(), lastErr)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

// WithReauth runs fn and, if it fails with ErrAuthExpired and broker can re-authenticate,
// re-authenticates once and runs fn one more time. allow is checked again before the
// second call, as in Do.
func WithReauth(ctx context.Context, broker any, allow func() bool, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if !errors.Is(err, ports.ErrAuthExpired) {
		return err
	}
	r, ok := broker.(ports.Reauthenticator)
	if !ok {
		return err
	}
	if rerr := r.Reauthenticate(ctx); rerr != nil {
		return fmt.Errorf("%w: re-authentication failed: %w", ports.ErrAuthExpired, rerr)
	}
	if allow != nil && !allow() {
		return fmt.Errorf("%w: %w", ports.ErrSessionStopping, err)
	}
	return fn(ctx)
}
