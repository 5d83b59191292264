package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/malbeclabs/tally/pkg/retry"
	"github.com/stretchr/testify/require"
)

func testConfig() retry.Config {
	return retry.Config{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func TestTally_Retry_Do(t *testing.T) {
	t.Parallel()

	t.Run("returns immediately on success", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := retry.Do(context.Background(), testConfig(), func() error {
			calls++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, calls)
	})

	t.Run("retries transient errors until success", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := retry.Do(context.Background(), testConfig(), func() error {
			calls++
			if calls < 3 {
				return errors.New("connection reset by peer")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := retry.Do(context.Background(), testConfig(), func() error {
			calls++
			return errors.New("rate limit exceeded")
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed after 3 attempts")
		require.Equal(t, 3, calls)
	})

	t.Run("does not retry permanent errors", func(t *testing.T) {
		t.Parallel()
		calls := 0
		permanent := errors.New("invalid_auth")
		err := retry.Do(context.Background(), testConfig(), func() error {
			calls++
			return permanent
		})
		require.ErrorIs(t, err, permanent)
		require.Equal(t, 1, calls)
	})

	t.Run("stops when the context is cancelled", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := retry.Do(ctx, testConfig(), func() error {
			return errors.New("timeout")
		})
		require.ErrorIs(t, err, context.Canceled)
	})
}

type statusErr int

func (e statusErr) Error() string   { return "http error" }
func (e statusErr) StatusCode() int { return int(e) }

func TestTally_Retry_IsRetryable(t *testing.T) {
	t.Parallel()

	require.False(t, retry.IsRetryable(nil))
	require.False(t, retry.IsRetryable(context.Canceled))
	require.False(t, retry.IsRetryable(errors.New("missing_scope")))
	require.True(t, retry.IsRetryable(errors.New("dial tcp: connection refused")))
	require.True(t, retry.IsRetryable(errors.New("slack rate limit reached")))
	require.True(t, retry.IsRetryable(statusErr(503)))
	require.False(t, retry.IsRetryable(statusErr(404)))
}
