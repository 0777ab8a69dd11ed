// Package completion provides the CPU/device completion-tracking primitives
// for Strato: a one-shot broadcastable Token and a Timeline of monotonically
// increasing signal values.
//
// A Token is the Go rendering of a device completion event: it is signaled
// exactly once, every waiter observes the same signal, and waiting never
// busy-polls. A Timeline pairs each submitted unit of device work with a
// strictly increasing signal value, so that signaling value v completes
// every unit with value <= v, matching the semantics of a shared hardware
// event driven by an in-order queue.
package completion

import (
	"sync"
	"time"
)

// Token is a one-shot, broadcast-capable completion signal. Multiple
// goroutines may wait on the same token; all of them are released by the
// first (and only) Signal. A token cannot be reset.
type Token struct {
	once sync.Once
	done chan struct{}
}

// NewToken creates an unsignaled token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// NewCompletedToken creates a token that is already signaled. Used by
// synchronous fallback paths that complete work inline.
func NewCompletedToken() *Token {
	t := NewToken()
	t.Signal()
	return t
}

// Signal marks the token complete and wakes every waiter. Signaling more
// than once is a no-op; the channel closes exactly once.
func (t *Token) Signal() {
	t.once.Do(func() { close(t.done) })
}

// Done returns a channel that is closed when the token is signaled.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Completed reports whether the token has been signaled, without blocking.
func (t *Token) Completed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the token is signaled or the timeout elapses.
// A timeout of 0 waits indefinitely. Returns true if the token was
// signaled, false on timeout. A false return means only that the wait gave
// up; the underlying device work continues and will still signal.
func (t *Token) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		<-t.done
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.done:
		return true
	case <-timer.C:
		// Lost race: the signal may have landed as the timer fired.
		return t.Completed()
	}
}

// Timeline issues strictly increasing signal values, each paired with a
// Token, and fires tokens as the device-reported signaled value advances.
// Values are unique for the lifetime of a Timeline instance and are never
// reused.
//
// Signal(v) completes every outstanding token with value <= v. This matches
// an in-order device queue: acknowledging unit v implies all earlier units
// on the same queue are also done.
type Timeline struct {
	mu       sync.Mutex
	next     uint64
	signaled uint64
	pending  map[uint64]*Token
}

// NewTimeline creates an empty timeline. The first issued value is 1;
// value 0 is reserved as "nothing signaled yet".
func NewTimeline() *Timeline {
	return &Timeline{pending: make(map[uint64]*Token)}
}

// Issue reserves the next signal value and returns it with its token.
func (tl *Timeline) Issue() (uint64, *Token) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	tl.next++
	value := tl.next
	tok := NewToken()
	tl.pending[value] = tok
	return value, tok
}

// Signal advances the timeline to value, firing every pending token at or
// below it. Signaling a value at or below the current signaled value is a
// no-op (signal values are monotonic).
func (tl *Timeline) Signal(value uint64) {
	tl.mu.Lock()
	if value <= tl.signaled {
		tl.mu.Unlock()
		return
	}
	tl.signaled = value

	var fired []*Token
	for v, tok := range tl.pending {
		if v <= value {
			fired = append(fired, tok)
			delete(tl.pending, v)
		}
	}
	tl.mu.Unlock()

	for _, tok := range fired {
		tok.Signal()
	}
}

// SignaledValue returns the highest value signaled so far.
func (tl *Timeline) SignaledValue() uint64 {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.signaled
}

// LastIssued returns the most recently issued value (0 if none).
func (tl *Timeline) LastIssued() uint64 {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.next
}

// IsCompleted reports whether the given value has been signaled, without
// blocking.
func (tl *Timeline) IsCompleted(value uint64) bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return value <= tl.signaled
}
