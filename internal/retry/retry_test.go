package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"marketOpenBot/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastPolicy = Policy{Attempts: 3, Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connectivity", fmt.Errorf("GetPosition failed: %w: boom", ports.ErrConnectivity), true},
		{"rate limited", ports.ErrRateLimited, true},
		{"generator down", ports.ErrSignalGeneration, true},
		{"missing stop", fmt.Errorf("validate: %w", ports.ErrMissingStopLoss), false},
		{"risk cap", ports.ErrRiskCapExceeded, false},
		{"stopping", ports.ErrSessionStopping, false},
		{"stop conflict", ports.ErrStopConflict, false},
		{"plain error", errors.New("who knows"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy, nil, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return ports.ErrConnectivity
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_Exhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy, nil, func(ctx context.Context) error {
		calls++
		return ports.ErrRateLimited
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, ports.ErrRateLimited)
	assert.Equal(t, 3, calls)
}

func TestDo_BusinessRuleNotRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy, nil, func(ctx context.Context) error {
		calls++
		return ports.ErrMissingStopLoss
	})
	assert.ErrorIs(t, err, ports.ErrMissingStopLoss)
	assert.Equal(t, 1, calls)
}

func TestDo_StopsWhenNotAllowed(t *testing.T) {
	calls := 0
	allowed := true
	err := Do(context.Background(), fastPolicy, func() bool { return allowed }, func(ctx context.Context) error {
		calls++
		allowed = false
		return ports.ErrConnectivity
	})
	assert.ErrorIs(t, err, ports.ErrSessionStopping)
	assert.ErrorIs(t, err, ports.ErrConnectivity)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	slow := Policy{Attempts: 5, Min: time.Hour, Max: time.Hour}
	err := Do(ctx, slow, nil, func(ctx context.Context) error {
		cancel()
		return ports.ErrTimeout
	})
	assert.ErrorIs(t, err, context.Canceled)
}

type reauthBroker struct {
	calls int
	err   error
}

func (r *reauthBroker) Reauthenticate(ctx context.Context) error {
	r.calls++
	return r.err
}

func TestWithReauth(t *testing.T) {
	t.Run("reauthenticates once and retries", func(t *testing.T) {
		b := &reauthBroker{}
		calls := 0
		err := WithReauth(context.Background(), b, nil, func(ctx context.Context) error {
			calls++
			if calls == 1 {
				return ports.ErrAuthExpired
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
		assert.Equal(t, 1, b.calls)
	})

	t.Run("failed reauthentication escalates", func(t *testing.T) {
		b := &reauthBroker{err: errors.New("bad password")}
		calls := 0
		err := WithReauth(context.Background(), b, nil, func(ctx context.Context) error {
			calls++
			return ports.ErrAuthExpired
		})
		assert.ErrorIs(t, err, ports.ErrAuthExpired)
		assert.Equal(t, 1, calls)
	})

	t.Run("second expiry is not retried again", func(t *testing.T) {
		b := &reauthBroker{}
		calls := 0
		err := WithReauth(context.Background(), b, nil, func(ctx context.Context) error {
			calls++
			return ports.ErrAuthExpired
		})
		assert.ErrorIs(t, err, ports.ErrAuthExpired)
		assert.Equal(t, 2, calls)
		assert.Equal(t, 1, b.calls)
	})

	t.Run("not retried once the caller stops", func(t *testing.T) {
		b := &reauthBroker{}
		calls := 0
		err := WithReauth(context.Background(), b, func() bool { return false }, func(ctx context.Context) error {
			calls++
			return ports.ErrAuthExpired
		})
		assert.ErrorIs(t, err, ports.ErrSessionStopping)
		assert.ErrorIs(t, err, ports.ErrAuthExpired)
		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, b.calls)
	})

	t.Run("broker without reauthentication", func(t *testing.T) {
		err := WithReauth(context.Background(), struct{}{}, nil, func(ctx context.Context) error { return ports.ErrAuthExpired })
		assert.ErrorIs(t, err, ports.ErrAuthExpired)
	})
}
