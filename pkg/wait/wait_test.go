package wait

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	serrors "github.com/pvaduva/auto-test-sub005/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counter(values ...string) (func(context.Context) (string, error), *int32) {
	var calls int32
	return func(context.Context) (string, error) {
		n := atomic.AddInt32(&calls, 1)
		if int(n) > len(values) {
			return values[len(values)-1], nil
		}
		return values[n-1], nil
	}, &calls
}

func TestSatisfiedOnThirdPoll(t *testing.T) {
	get, calls := counter("locking", "locking", "locked")

	v, ok, err := For(context.Background(), Spec[string]{
		Getter:    get,
		Satisfied: func(s string) bool { return s == "locked" },
		Interval:  10 * time.Millisecond,
		Timeout:   time.Second,
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "locked", v)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestSatisfiedOnFirstPollDoesNotSleep(t *testing.T) {
	get, calls := counter("enabled")

	start := time.Now()
	v, ok, err := For(context.Background(), Spec[string]{
		Getter:        get,
		Satisfied:     func(s string) bool { return s == "enabled" },
		Interval:      10 * time.Second,
		Timeout:       time.Minute,
		FailOnTimeout: true,
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "enabled", v)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
	assert.Less(t, time.Since(start), time.Second)
}

func TestTimeoutShorterThanIntervalChecksOnce(t *testing.T) {
	get, calls := counter("unlocked")

	start := time.Now()
	v, ok, err := For(context.Background(), Spec[string]{
		Getter:    get,
		Satisfied: func(s string) bool { return s == "locked" },
		Interval:  time.Second,
		Timeout:   10 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "unlocked", v)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestFailOnTimeout(t *testing.T) {
	get, _ := counter("disabled")

	_, ok, err := For(context.Background(), Spec[string]{
		Getter:        get,
		Satisfied:     func(s string) bool { return s == "enabled" },
		Interval:      10 * time.Millisecond,
		Timeout:       50 * time.Millisecond,
		FailOnTimeout: true,
		Description:   "controller-1 enabled",
	})
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, serrors.ErrWaitTimeout, serrors.GetCode(err))
	assert.Contains(t, err.Error(), "controller-1 enabled")
	assert.Contains(t, err.Error(), "disabled")
}

func TestIntervalMustBePositive(t *testing.T) {
	get, calls := counter("x")
	for _, interval := range []time.Duration{0, -time.Second} {
		_, _, err := For(context.Background(), Spec[string]{
			Getter:    get,
			Satisfied: func(string) bool { return true },
			Interval:  interval,
			Timeout:   time.Second,
		})
		assert.Equal(t, serrors.ErrInvalidInput, serrors.GetCode(err))
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(calls))
}

func TestGetterErrorStopsWait(t *testing.T) {
	boom := errors.New("ssh: unexpected EOF")
	_, _, err := For(context.Background(), Spec[int]{
		Getter:    func(context.Context) (int, error) { return 0, boom },
		Satisfied: func(int) bool { return true },
		Interval:  10 * time.Millisecond,
		Timeout:   time.Second,
	})
	assert.Same(t, boom, err)
}

func TestTolerateErrors(t *testing.T) {
	var calls int32
	v, ok, err := For(context.Background(), Spec[int]{
		Getter: func(context.Context) (int, error) {
			n := atomic.AddInt32(&calls, 1)
			if n < 3 {
				return 0, errors.New("not yet")
			}
			return int(n), nil
		},
		Satisfied:      func(n int) bool { return n >= 3 },
		Interval:       5 * time.Millisecond,
		Timeout:        time.Second,
		TolerateErrors: true,
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestToleratedErrorIsReportedOnTimeout(t *testing.T) {
	_, _, err := For(context.Background(), Spec[int]{
		Getter:         func(context.Context) (int, error) { return 0, errors.New("connection refused") },
		Satisfied:      func(int) bool { return true },
		Interval:       10 * time.Millisecond,
		Timeout:        30 * time.Millisecond,
		TolerateErrors: true,
		FailOnTimeout:  true,
	})
	require.Error(t, err)
	assert.True(t, serrors.IsTimeout(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	get, _ := counter("x")
	_, ok, err := For(ctx, Spec[string]{
		Getter:    get,
		Satisfied: func(string) bool { return false },
		Interval:  10 * time.Millisecond,
		Timeout:   time.Minute,
	})
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffGrowsButNeverBelowInterval(t *testing.T) {
	var stamps []time.Time
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.Multiplier = 4
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	_, ok, _ := For(context.Background(), Spec[int]{
		Getter: func(context.Context) (int, error) {
			stamps = append(stamps, time.Now())
			return len(stamps), nil
		},
		Satisfied: func(n int) bool { return n >= 5 },
		Interval:  20 * time.Millisecond,
		Backoff:   b,
		Timeout:   5 * time.Second,
	})
	require.True(t, ok)
	require.Len(t, stamps, 5)
	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), 20*time.Millisecond)
	}
	// 1ms*4^3 = 64ms takes over from the 20ms floor on the fourth gap.
	assert.GreaterOrEqual(t, stamps[4].Sub(stamps[3]), 64*time.Millisecond)
}

func TestUntil(t *testing.T) {
	var calls int32
	err := Until(context.Background(), "ready", 5*time.Millisecond, time.Second, func(context.Context) (bool, error) {
		return atomic.AddInt32(&calls, 1) == 2, nil
	})
	require.NoError(t, err)

	err = Until(context.Background(), "never", 5*time.Millisecond, 20*time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})
	assert.True(t, serrors.IsTimeout(err))
}
