// Package heartbeat implements the coalescing broadcast timer: changes are
// batched for a short window, and an idle place still fires periodically so
// every connection exchanges traffic within the keepalive period (NAT
// bindings and ICE consent stay alive).
package heartbeat

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultCoalesceDelay bounds the peak broadcast rate.
	DefaultCoalesceDelay = 20 * time.Millisecond
	// DefaultKeepaliveDelay guarantees liveness while idle.
	DefaultKeepaliveDelay = 1 * time.Second
)

// SyncAction runs on every timer firing.
type SyncAction func()

// Timer is a single-writer coalescing timer. After MarkChanged the action
// fires coalesceDelay later; further marks within the pending window do not
// re-arm. Without changes the action still fires every keepaliveDelay.
type Timer struct {
	coalesceDelay  time.Duration
	keepaliveDelay time.Duration
	action         SyncAction

	mu      sync.Mutex
	pending bool
	fired   chan struct{} // closed at each firing, then replaced

	marks chan struct{}
	stop  chan struct{}
	done  chan struct{}
}

// NewTimer builds and starts the timer. Zero delays fall back to the
// defaults.
func NewTimer(coalesceDelay, keepaliveDelay time.Duration, action SyncAction) *Timer {
	if coalesceDelay <= 0 {
		coalesceDelay = DefaultCoalesceDelay
	}
	if keepaliveDelay <= 0 {
		keepaliveDelay = DefaultKeepaliveDelay
	}
	t := &Timer{
		coalesceDelay:  coalesceDelay,
		keepaliveDelay: keepaliveDelay,
		action:         action,
		fired:          make(chan struct{}),
		marks:          make(chan struct{}, 1),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	go t.run()
	return t
}

// MarkChanged requests a firing coalesceDelay from now unless one is already
// pending.
func (t *Timer) MarkChanged() {
	select {
	case t.marks <- struct{}{}:
	default:
	}
}

// AwaitNextSync suspends the caller until the next firing. It is not
// buffered: a waiter arriving after a firing waits for the following one.
func (t *Timer) AwaitNextSync(ctx context.Context) error {
	t.mu.Lock()
	fired := t.fired
	t.mu.Unlock()
	select {
	case <-fired:
		return nil
	case <-t.stop:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts the timer down. Idempotent-safe only through sync.Once at the
// call site; callers stop it exactly once at place teardown.
func (t *Timer) Stop() {
	close(t.stop)
	<-t.done
}

func (t *Timer) run() {
	defer close(t.done)

	keepalive := time.NewTimer(t.keepaliveDelay)
	defer keepalive.Stop()
	coalesce := time.NewTimer(t.coalesceDelay)
	if !coalesce.Stop() {
		<-coalesce.C
	}

	for {
		select {
		case <-t.stop:
			return
		case <-t.marks:
			t.mu.Lock()
			alreadyPending := t.pending
			t.pending = true
			t.mu.Unlock()
			if !alreadyPending {
				coalesce.Reset(t.coalesceDelay)
			}
		case <-coalesce.C:
			t.fire(keepalive)
		case <-keepalive.C:
			// Drain a pending coalesce timer so a stale expiry does
			// not double-fire.
			if !coalesce.Stop() {
				select {
				case <-coalesce.C:
				default:
				}
			}
			t.fire(keepalive)
		}
	}
}

func (t *Timer) fire(keepalive *time.Timer) {
	t.action()

	t.mu.Lock()
	t.pending = false
	close(t.fired)
	t.fired = make(chan struct{})
	t.mu.Unlock()

	if !keepalive.Stop() {
		select {
		case <-keepalive.C:
		default:
		}
	}
	keepalive.Reset(t.keepaliveDelay)
}
