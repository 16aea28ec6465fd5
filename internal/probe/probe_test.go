package probe

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func next(t *testing.T, events <-chan Event, within time.Duration) Event {
	t.Helper()
	select {
	case evt, ok := <-events:
		require.True(t, ok, "events closed early")
		return evt
	case <-time.After(within):
		t.Fatalf("no event within %s", within)
		return Event{}
	}
}

func TestWatchReportsFlips(t *testing.T) {
	var answering atomic.Bool
	prober := Func(func(context.Context) error {
		if !answering.Load() {
			return errors.New("no heartbeat")
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events := Watch(ctx, prober, Spec{
		Interval:         10 * time.Millisecond,
		FailureThreshold: 2,
	}, nil)

	evt := next(t, events, time.Second)
	assert.Equal(t, StatusUnready, evt.Status)
	assert.Equal(t, "no heartbeat", evt.Reason)
	assert.False(t, evt.At.IsZero())

	answering.Store(true)
	evt = next(t, events, time.Second)
	assert.Equal(t, StatusReady, evt.Status)
	assert.NoError(t, evt.Err)
	assert.Empty(t, evt.Reason)

	answering.Store(false)
	assert.Equal(t, StatusUnready, next(t, events, time.Second).Status)
}

func TestWatchHonoursGracePeriod(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := Watch(ctx, Func(func(context.Context) error {
		calls.Add(1)
		return nil
	}), Spec{GracePeriod: 80 * time.Millisecond, Interval: 10 * time.Millisecond}, nil)

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.Equal(t, StatusReady, next(t, events, time.Second).Status)
}

func TestWatchAttemptTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := Watch(ctx, Func(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), Spec{Timeout: 20 * time.Millisecond}, nil)

	start := time.Now()
	evt := next(t, events, time.Second)
	assert.Equal(t, StatusUnready, evt.Status)
	assert.Contains(t, evt.Reason, "no answer within")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestWatchClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	events := Watch(ctx, Func(func(context.Context) error { return nil }), Spec{Interval: time.Hour}, nil)
	assert.Equal(t, StatusReady, next(t, events, time.Second).Status)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestWatchNilProber(t *testing.T) {
	_, ok := <-Watch(context.Background(), nil, Spec{}, nil)
	assert.False(t, ok)
}

func TestUntilSucceedsAfterFailures(t *testing.T) {
	var calls atomic.Int32
	err := Until(context.Background(), Func(func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	}), Spec{Interval: time.Millisecond, FailureThreshold: 5})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestUntilNeedsSuccessStreak(t *testing.T) {
	var calls atomic.Int32
	err := Until(context.Background(), Func(func(context.Context) error {
		if calls.Add(1) == 2 {
			return errors.New("blip")
		}
		return nil
	}), Spec{SuccessThreshold: 2, FailureThreshold: 3})
	require.NoError(t, err)
	assert.Equal(t, int32(4), calls.Load())
}

func TestUntilFailureThreshold(t *testing.T) {
	refused := errors.New("refused")
	err := Until(context.Background(), Func(func(context.Context) error { return refused }), Spec{FailureThreshold: 2})
	require.ErrorIs(t, err, refused)
	assert.Contains(t, err.Error(), "2 consecutive")
}

func TestUntilHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := Until(ctx, Func(func(context.Context) error { return errors.New("down") }),
		Spec{Interval: 5 * time.Millisecond, FailureThreshold: 1 << 30})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
