package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func TestKPIVest_Retry_DefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	require.Equal(t, 3, cfg.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.BaseBackoff)
	require.Equal(t, 5*time.Second, cfg.MaxBackoff)
}

func TestKPIVest_Retry_Do(t *testing.T) {
	t.Parallel()

	t.Run("succeeds on first attempt", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(context.Background(), fastConfig(), func() error {
			attempts++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("retries transient errors", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(context.Background(), fastConfig(), func() error {
			attempts++
			if attempts < 3 {
				return errors.New("dial tcp: connection refused")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
	})

	t.Run("wraps last error after exhausting attempts", func(t *testing.T) {
		t.Parallel()
		orig := errors.New("connection reset by peer")
		attempts := 0
		err := Do(context.Background(), fastConfig(), func() error {
			attempts++
			return orig
		})
		require.ErrorIs(t, err, orig)
		require.Equal(t, 3, attempts)
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		t.Parallel()
		orig := errors.New("invalid input")
		attempts := 0
		err := Do(context.Background(), fastConfig(), func() error {
			attempts++
			return orig
		})
		require.Equal(t, orig, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("permanent errors are unwrapped and not retried", func(t *testing.T) {
		t.Parallel()
		orig := errors.New("connection refused but fatal")
		attempts := 0
		err := Do(context.Background(), fastConfig(), func() error {
			attempts++
			return Permanent(orig)
		})
		require.Equal(t, orig, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("honours context cancellation", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Do(ctx, Config{MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: time.Second}, func() error {
			return errors.New("timeout")
		})
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestKPIVest_Retry_IsRetryable(t *testing.T) {
	t.Parallel()

	require.False(t, IsRetryable(nil))
	require.False(t, IsRetryable(context.Canceled))
	require.True(t, IsRetryable(&amqp.Error{Code: amqp.ChannelError, Recover: true}))
	require.False(t, IsRetryable(&amqp.Error{Code: amqp.AccessRefused}))
	require.True(t, IsRetryable(amqp.ErrClosed))
	require.True(t, IsRetryable(errors.New("i/o timeout")))
	require.False(t, IsRetryable(Permanent(errors.New("timeout"))))
}

func TestKPIVest_Retry_CalculateBackoff(t *testing.T) {
	t.Parallel()

	for attempt := 1; attempt <= 6; attempt++ {
		d := calculateBackoff(100*time.Millisecond, time.Second, attempt)
		require.LessOrEqual(t, d, time.Second)
		require.Greater(t, d, time.Duration(0))
	}
}
