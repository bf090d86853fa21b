package poll

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestUntil(t *testing.T) {
	t.Run("returns once condition holds", func(t *testing.T) {
		var calls atomic.Int32
		err := Until(context.Background(), 5*time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
			return calls.Add(1) == 3, nil
		})
		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("first check is immediate", func(t *testing.T) {
		start := time.Now()
		err := Until(context.Background(), time.Hour, time.Second, func(ctx context.Context) (bool, error) {
			return true, nil
		})
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})

	t.Run("times out", func(t *testing.T) {
		err := Until(context.Background(), 5*time.Millisecond, 30*time.Millisecond, func(ctx context.Context) (bool, error) {
			return false, nil
		})
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("checks once more before the deadline", func(t *testing.T) {
		// The second slot after 40ms lands past the 60ms budget.
		start := time.Now()
		err := Until(context.Background(), 40*time.Millisecond, 60*time.Millisecond, func(ctx context.Context) (bool, error) {
			return time.Since(start) >= 50*time.Millisecond, nil
		})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("timeout is not cut short by a long interval", func(t *testing.T) {
		start := time.Now()
		err := Until(context.Background(), time.Hour, 30*time.Millisecond, func(ctx context.Context) (bool, error) {
			return false, nil
		})
		assert.ErrorIs(t, err, ErrTimeout)
		assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	})

	t.Run("parent cancellation wins over timeout", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := Until(ctx, 5*time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
			return false, nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("check error aborts", func(t *testing.T) {
		boom := errors.New("boom")
		err := Until(context.Background(), 5*time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
			return false, boom
		})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("rejects non-positive interval", func(t *testing.T) {
		err := Until(context.Background(), 0, time.Second, func(ctx context.Context) (bool, error) { return true, nil })
		assert.Error(t, err)
	})
}

func TestAttempts(t *testing.T) {
	t.Run("stops at first success", func(t *testing.T) {
		var calls int
		err := Attempts(context.Background(), 8, time.Millisecond, func(ctx context.Context, attempt int) error {
			calls++
			if attempt == 2 {
				return nil
			}
			return errors.New("not found")
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("exhausts after n attempts", func(t *testing.T) {
		notFound := errors.New("not found")
		var calls int
		err := Attempts(context.Background(), 8, time.Millisecond, func(ctx context.Context, attempt int) error {
			calls++
			return notFound
		})
		assert.ErrorIs(t, err, ErrExhausted)
		assert.ErrorIs(t, err, notFound)
		assert.Equal(t, 8, calls)
	})

	t.Run("honors cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var calls int
		err := Attempts(ctx, 8, time.Millisecond, func(ctx context.Context, attempt int) error {
			calls++
			cancel()
			return errors.New("not found")
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

func TestSleep(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}

func TestJittered(t *testing.T) {
	assert.Equal(t, time.Second, Jittered(time.Second, 0))
	for i := 0; i < 100; i++ {
		d := Jittered(time.Second, 100*time.Millisecond)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.Less(t, d, 1100*time.Millisecond)
	}
}
