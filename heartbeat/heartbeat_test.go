package heartbeat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoalescedFiring(t *testing.T) {
	var fires atomic.Int32
	timer := NewTimer(20*time.Millisecond, time.Second, func() {
		fires.Add(1)
	})
	defer timer.Stop()

	start := time.Now()
	timer.MarkChanged()
	timer.MarkChanged()
	timer.MarkChanged()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, timer.AwaitNextSync(ctx))

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 15*time.Millisecond, "fired before the coalesce window")
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.Equal(t, int32(1), fires.Load(), "marks within the pending window must coalesce into one firing")
}

func TestMarksDoNotRearmPendingWindow(t *testing.T) {
	var fires atomic.Int32
	timer := NewTimer(40*time.Millisecond, time.Second, func() {
		fires.Add(1)
	})
	defer timer.Stop()

	// Keep marking past the first window; the firing must not be pushed
	// out by later marks.
	start := time.Now()
	timer.MarkChanged()
	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		timer.MarkChanged()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, timer.AwaitNextSync(ctx))
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.GreaterOrEqual(t, fires.Load(), int32(1))
}

func TestKeepaliveFiresWithoutChanges(t *testing.T) {
	var fires atomic.Int32
	timer := NewTimer(5*time.Millisecond, 50*time.Millisecond, func() {
		fires.Add(1)
	})
	defer timer.Stop()

	time.Sleep(180 * time.Millisecond)
	n := fires.Load()
	assert.GreaterOrEqual(t, n, int32(2), "idle timer must keep firing every keepalive period")
	assert.LessOrEqual(t, n, int32(5))
}

func TestAwaitNextSyncIsNotBuffered(t *testing.T) {
	timer := NewTimer(5*time.Millisecond, time.Hour, func() {})
	defer timer.Stop()

	timer.MarkChanged()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, timer.AwaitNextSync(ctx))

	// A waiter arriving after the firing waits for the following one.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer waitCancel()
	err := timer.AwaitNextSync(waitCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	timer.MarkChanged()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	require.NoError(t, timer.AwaitNextSync(ctx2))
}

func TestFiringIntervalBounds(t *testing.T) {
	var times []time.Time
	done := make(chan struct{})
	timer := NewTimer(10*time.Millisecond, 60*time.Millisecond, func() {
		times = append(times, time.Now())
		if len(times) == 4 {
			close(done)
		}
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		timer.Stop()
		t.Fatal("timer did not fire four times")
	}
	// Stop before reading so the action goroutine is quiesced.
	timer.Stop()

	for i := 1; i < 4; i++ {
		gap := times[i].Sub(times[i-1])
		assert.GreaterOrEqual(t, gap, 5*time.Millisecond)
		assert.LessOrEqual(t, gap, 300*time.Millisecond)
	}
}
