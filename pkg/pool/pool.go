// Package pool provides the bounded resource pool at the heart of Strato.
//
// A Pool manages a fixed set of interchangeable opaque handles with
// thread-safe Acquire/Release, asynchronous completion-driven recycling,
// and statistics. It is the shared mechanism under the command buffer ring
// and the memory heap pool.
//
// The pool invariant holds at every observable instant:
//
//	available_count + in_flight_count == pool_size
//
// Fallback resources created outside the pool are never members and are
// excluded from the invariant.
//
// Release is asynchronous by design: a released handle stays in flight
// until its completion token fires, at which point the pool moves it back
// to the available set and wakes waiters. This hand-off is what lets CPU
// issuance overlap device execution instead of serializing on it.
package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stratoml/strato/pkg/completion"
	"github.com/stratoml/strato/pkg/logger"
	"github.com/stratoml/strato/pkg/metrics"
	"github.com/stratoml/strato/pkg/stratoerrors"
)

type handleState uint8

const (
	stateAvailable handleState = iota
	stateInFlight
	stateReleasing // released, waiting for the completion token to fire
)

// Options configures a Pool.
type Options struct {
	// Name labels the pool in logs and metrics
	Name string
	// TrackStats enables wait-time accumulation; event counters are always
	// maintained
	TrackStats bool
	// LogWaitEvents logs a warning whenever an acquire has to wait
	LogWaitEvents bool
}

// Pool is a fixed-capacity pool of opaque comparable handles. All handles
// are pre-allocated by the caller and passed to New; the pool never grows
// or shrinks. Safe for concurrent use.
type Pool[H comparable] struct {
	name string
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	available []H
	state     map[H]handleState
	seen      map[H]struct{} // rotation tracking
	capacity  int
	closed    bool
	resetAt   time.Time

	// Additive event counters: atomic so monitoring reads stay lock-free.
	acquired      atomic.Uint64
	released      atomic.Uint64
	waitEvents    atomic.Uint64
	timeoutEvents atomic.Uint64
	rotations     atomic.Uint64
	waitNanos     atomic.Int64
	maxWaitNanos  atomic.Int64
}

// Stats is a point-in-time snapshot of pool state and counters. Derived
// ratios are computed fresh at snapshot time, never stored.
type Stats struct {
	PoolSize       int     `json:"pool_size"`
	AvailableCount int     `json:"available_count"`
	InFlightCount  int     `json:"in_flight_count"`
	TotalAcquired  uint64  `json:"total_acquired"`
	TotalReleased  uint64  `json:"total_released"`
	WaitEvents     uint64  `json:"wait_events"`
	TimeoutEvents  uint64  `json:"timeout_events"`
	Rotations      uint64  `json:"rotations"`
	AvgWaitTimeUs  float64 `json:"avg_wait_time_us"`
	MaxWaitTimeUs  float64 `json:"max_wait_time_us"`
	Utilization    float64 `json:"utilization"`
	WaitRate       float64 `json:"wait_rate"`
	RotationRate   float64 `json:"rotation_rate"`
}

// New creates a pool owning the given pre-allocated handles. Every handle
// starts Available. Duplicate or zero-valued handles are rejected: handle
// identity is the pool's membership key.
func New[H comparable](handles []H, opts Options) (*Pool[H], error) {
	if len(handles) == 0 {
		return nil, stratoerrors.New(stratoerrors.ErrorTypeConfig,
			"pool requires at least one handle")
	}

	name := opts.Name
	if name == "" {
		name = "pool"
	}

	p := &Pool[H]{
		name:      name,
		opts:      opts,
		log:       logger.With(zap.String("pool", name)),
		available: make([]H, 0, len(handles)),
		state:     make(map[H]handleState, len(handles)),
		seen:      make(map[H]struct{}, len(handles)),
		capacity:  len(handles),
		resetAt:   time.Now(),
	}
	p.cond = sync.NewCond(&p.mu)

	var zero H
	for _, h := range handles {
		if h == zero {
			return nil, stratoerrors.New(stratoerrors.ErrorTypeConfig,
				"pool handles must be non-zero")
		}
		if _, dup := p.state[h]; dup {
			return nil, stratoerrors.New(stratoerrors.ErrorTypeConfig,
				"duplicate pool handle")
		}
		p.state[h] = stateAvailable
		p.available = append(p.available, h)
	}

	metrics.PoolAvailable.WithLabelValues(name).Set(float64(len(handles)))
	metrics.PoolInFlight.WithLabelValues(name).Set(0)
	return p, nil
}

// Acquire pops an available handle, blocking while the pool is exhausted.
// A timeout of 0 waits indefinitely; a positive timeout fails with a
// timeout error after that duration and increments the timeout counter.
func (p *Pool[H]) Acquire(timeout time.Duration) (H, error) {
	var zero H
	var start time.Time
	waited := false

	p.mu.Lock()

	var deadline time.Time
	var timer *time.Timer
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		// sync.Cond has no timed wait; a timer broadcast bounds the sleep.
		timer = time.AfterFunc(timeout, p.cond.Broadcast)
		defer timer.Stop()
	}

	for len(p.available) == 0 && !p.closed {
		if !waited {
			waited = true
			start = time.Now()
			p.waitEvents.Add(1)
			metrics.PoolWaitEvents.WithLabelValues(p.name).Inc()
			if p.opts.LogWaitEvents {
				p.log.Warn("waiting for pool resource",
					zap.Duration("timeout", timeout))
			}
		}
		if timeout > 0 && !time.Now().Before(deadline) {
			p.mu.Unlock()
			p.recordWait(start)
			p.timeoutEvents.Add(1)
			metrics.PoolTimeouts.WithLabelValues(p.name).Inc()
			return zero, stratoerrors.New(stratoerrors.ErrorTypeTimeout,
				"timed out waiting for pool resource").
				WithDetail("pool", p.name).
				WithDetail("timeout", timeout.String())
		}
		p.cond.Wait()
	}

	if p.closed {
		p.mu.Unlock()
		return zero, stratoerrors.New(stratoerrors.ErrorTypeClosed,
			"pool is closed").WithDetail("pool", p.name)
	}

	h := p.takeLocked()
	p.mu.Unlock()

	if waited {
		p.recordWait(start)
	}
	return h, nil
}

// TryAcquire pops an available handle without blocking. Returns false when
// the pool is exhausted or closed.
func (p *Pool[H]) TryAcquire() (H, bool) {
	var zero H
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || len(p.available) == 0 {
		return zero, false
	}
	return p.takeLocked(), true
}

// takeLocked pops the most recently returned handle and marks it in flight.
// Caller holds p.mu.
func (p *Pool[H]) takeLocked() H {
	n := len(p.available) - 1
	h := p.available[n]
	p.available = p.available[:n]
	p.state[h] = stateInFlight

	p.acquired.Add(1)
	metrics.PoolAcquired.WithLabelValues(p.name).Inc()
	p.updateGaugesLocked()

	// One full cycle through every distinct handle is a rotation.
	p.seen[h] = struct{}{}
	if len(p.seen) == p.capacity {
		p.rotations.Add(1)
		p.seen = make(map[H]struct{}, p.capacity)
	}
	return h
}

// Release hands a handle back to the pool. The handle stays in flight
// until tok fires; a nil or already-completed token returns it to the
// available set immediately. Release itself never blocks.
//
// A zero-valued handle is a no-op. Releasing a handle the pool does not
// own, one that is already available, or one whose earlier release is
// still waiting for its token is a programming error surfaced
// synchronously.
func (p *Pool[H]) Release(h H, tok *completion.Token) error {
	var zero H
	if h == zero {
		return nil
	}

	p.mu.Lock()
	st, ok := p.state[h]
	if !ok {
		p.mu.Unlock()
		return stratoerrors.New(stratoerrors.ErrorTypeInvalidHandle,
			"release of unrecognized handle").WithDetail("pool", p.name)
	}
	if st != stateInFlight {
		p.mu.Unlock()
		return stratoerrors.New(stratoerrors.ErrorTypeInvalidHandle,
			"double release").WithDetail("pool", p.name)
	}

	p.released.Add(1)
	metrics.PoolReleased.WithLabelValues(p.name).Inc()

	if tok == nil || tok.Completed() {
		p.toAvailableLocked(h)
		p.mu.Unlock()
		return nil
	}
	p.state[h] = stateReleasing
	p.mu.Unlock()

	// Asynchronous hand-off: the device signals, the watcher recycles.
	go func() {
		<-tok.Done()
		p.mu.Lock()
		if p.state[h] == stateReleasing {
			p.toAvailableLocked(h)
		}
		p.mu.Unlock()
	}()
	return nil
}

// toAvailableLocked moves an in-flight handle back to the available set and
// wakes waiters. Caller holds p.mu.
func (p *Pool[H]) toAvailableLocked(h H) {
	p.state[h] = stateAvailable
	p.available = append(p.available, h)
	p.updateGaugesLocked()
	p.cond.Broadcast()
}

// WaitAll blocks until the in-flight set is empty. Used for drains and
// shutdown.
func (p *Pool[H]) WaitAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.available) < p.capacity {
		p.cond.Wait()
	}
}

// Owns reports whether the handle is a pool member.
func (p *Pool[H]) Owns(h H) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.state[h]
	return ok
}

// Cap returns the fixed pool capacity.
func (p *Pool[H]) Cap() int { return p.capacity }

// AvailableCount returns the current available-set size.
func (p *Pool[H]) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// Stats returns a point-in-time snapshot. Counters are read atomically;
// set sizes under the pool lock; derived ratios recomputed here.
func (p *Pool[H]) Stats() Stats {
	p.mu.Lock()
	available := len(p.available)
	resetAt := p.resetAt
	p.mu.Unlock()

	inFlight := p.capacity - available
	acquired := p.acquired.Load()
	waits := p.waitEvents.Load()
	rotations := p.rotations.Load()

	s := Stats{
		PoolSize:       p.capacity,
		AvailableCount: available,
		InFlightCount:  inFlight,
		TotalAcquired:  acquired,
		TotalReleased:  p.released.Load(),
		WaitEvents:     waits,
		TimeoutEvents:  p.timeoutEvents.Load(),
		Rotations:      rotations,
		Utilization:    float64(inFlight) / float64(p.capacity),
		MaxWaitTimeUs:  float64(p.maxWaitNanos.Load()) / 1e3,
	}
	if waits > 0 {
		s.AvgWaitTimeUs = float64(p.waitNanos.Load()) / float64(waits) / 1e3
	}
	if acquired > 0 {
		s.WaitRate = float64(waits) / float64(acquired)
	}
	if elapsed := time.Since(resetAt).Seconds(); elapsed > 0 {
		s.RotationRate = float64(rotations) / elapsed
	}
	return s
}

// ResetStats zeroes event counters and timing accumulators. Structural pool
// state (membership, availability) is untouched.
func (p *Pool[H]) ResetStats() {
	p.acquired.Store(0)
	p.released.Store(0)
	p.waitEvents.Store(0)
	p.timeoutEvents.Store(0)
	p.rotations.Store(0)
	p.waitNanos.Store(0)
	p.maxWaitNanos.Store(0)

	p.mu.Lock()
	p.seen = make(map[H]struct{}, p.capacity)
	p.resetAt = time.Now()
	p.mu.Unlock()
}

// Close drains the pool (waiting for all in-flight completions), then runs
// destroy on every handle and marks the pool closed. Subsequent Acquire
// calls fail. Close is idempotent.
func (p *Pool[H]) Close(destroy func(H)) {
	p.WaitAll()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	handles := p.available
	p.available = nil
	p.state = make(map[H]handleState)
	p.cond.Broadcast()
	p.mu.Unlock()

	if destroy != nil {
		for _, h := range handles {
			destroy(h)
		}
	}
}

func (p *Pool[H]) recordWait(start time.Time) {
	if !p.opts.TrackStats {
		return
	}
	waited := time.Since(start).Nanoseconds()
	p.waitNanos.Add(waited)
	for {
		max := p.maxWaitNanos.Load()
		if waited <= max || p.maxWaitNanos.CompareAndSwap(max, waited) {
			break
		}
	}
	metrics.PoolWaitLatency.WithLabelValues(p.name).Observe(float64(waited))
}

func (p *Pool[H]) updateGaugesLocked() {
	metrics.PoolAvailable.WithLabelValues(p.name).Set(float64(len(p.available)))
	metrics.PoolInFlight.WithLabelValues(p.name).Set(float64(p.capacity - len(p.available)))
}
