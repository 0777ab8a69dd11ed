// Package ring implements the command buffer ring: a fixed set of reusable
// command-encoding handles cycled through a bounded pool so that CPU-side
// encoding of frame N+1 overlaps device execution of frame N.
//
// The ring size bounds the number of frames in flight. A size below 2 would
// serialize CPU and device work, so construction rejects it.
package ring

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stratoml/strato/pkg/completion"
	"github.com/stratoml/strato/pkg/config"
	"github.com/stratoml/strato/pkg/device"
	"github.com/stratoml/strato/pkg/logger"
	"github.com/stratoml/strato/pkg/metrics"
	"github.com/stratoml/strato/pkg/pool"
	"github.com/stratoml/strato/pkg/stratoerrors"
)

// Ring cycles a fixed set of command buffers between CPU encoding and
// device execution. Safe for concurrent use.
type Ring struct {
	cfg  config.RingConfig
	dev  device.Device
	pool *pool.Pool[*device.CommandBuffer]
	log  *zap.Logger

	submitted    atomic.Uint64
	overheadNs   atomic.Int64
	maxOverhead  atomic.Int64
	overheadObsv atomic.Uint64
}

// Stats is a point-in-time snapshot of ring activity. Pool counters are
// embedded; submission overhead is the CPU-side cost from Submit to device
// acknowledgment, distinct from execution completion.
type Stats struct {
	pool.Stats

	TotalSubmitted          uint64  `json:"total_submitted"`
	AvgSubmissionOverheadUs float64 `json:"avg_submission_overhead_us"`
	MaxSubmissionOverheadUs float64 `json:"max_submission_overhead_us"`
}

// New creates a command buffer ring on the given device. The configuration
// is validated first; no device objects are created for an invalid config.
func New(dev device.Device, cfg config.RingConfig) (*Ring, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, stratoerrors.New(stratoerrors.ErrorTypeDevice,
			"command buffer ring requires a device")
	}

	handles := make([]*device.CommandBuffer, 0, cfg.RingSize)
	for i := 0; i < cfg.RingSize; i++ {
		cb, err := dev.NewCommandBuffer(fmt.Sprintf("ring-%d", i))
		if err != nil {
			return nil, stratoerrors.Wrap(err, stratoerrors.ErrorTypeDevice,
				"command buffer allocation failed")
		}
		handles = append(handles, cb)
	}

	p, err := pool.New(handles, pool.Options{
		Name:          "command_buffer_ring",
		TrackStats:    cfg.TrackStatistics,
		LogWaitEvents: cfg.LogWaitEvents,
	})
	if err != nil {
		return nil, err
	}

	r := &Ring{
		cfg:  cfg,
		dev:  dev,
		pool: p,
		log:  logger.With(zap.String("component", "command_buffer_ring")),
	}
	r.log.Debug("ring created", zap.Int("ring_size", cfg.RingSize))
	return r, nil
}

// Acquire returns a command buffer ready for encoding, blocking per the
// configured timeout while all buffers are in flight.
func (r *Ring) Acquire() (*device.CommandBuffer, error) {
	return r.pool.Acquire(r.cfg.Timeout)
}

// Submit hands an encoded command buffer to the device and recycles it
// into the ring once execution completes. The returned token fires on
// completion. Submit never waits for execution; a nil buffer is a no-op.
func (r *Ring) Submit(cb *device.CommandBuffer) (*completion.Token, error) {
	if cb == nil {
		return nil, nil
	}
	if !r.pool.Owns(cb) {
		return nil, stratoerrors.New(stratoerrors.ErrorTypeInvalidHandle,
			"submit of command buffer not owned by ring")
	}

	start := time.Now()
	receipt, err := r.dev.Submit(cb)
	if err != nil {
		// The buffer never reached the device; recycle it immediately so
		// the ring does not leak capacity.
		_ = r.pool.Release(cb, nil)
		return nil, stratoerrors.Wrap(err, stratoerrors.ErrorTypeDevice,
			"command buffer submission failed")
	}
	r.submitted.Add(1)

	if r.cfg.TrackStatistics {
		go func() {
			<-receipt.Ack.Done()
			r.recordOverhead(time.Since(start))
		}()
	}

	if err := r.pool.Release(cb, receipt.Done); err != nil {
		return nil, err
	}
	return receipt.Done, nil
}

// WaitAll blocks until every submitted command buffer has completed and
// returned to the ring.
func (r *Ring) WaitAll() {
	r.pool.WaitAll()
}

// Stats returns a snapshot with derived values computed at read time.
func (r *Ring) Stats() Stats {
	s := Stats{
		Stats:          r.pool.Stats(),
		TotalSubmitted: r.submitted.Load(),
	}
	if n := r.overheadObsv.Load(); n > 0 {
		s.AvgSubmissionOverheadUs = float64(r.overheadNs.Load()) / float64(n) / 1e3
	}
	s.MaxSubmissionOverheadUs = float64(r.maxOverhead.Load()) / 1e3
	return s
}

// ResetStats zeroes event counters and overhead accumulators. Ring
// membership and in-flight state are untouched.
func (r *Ring) ResetStats() {
	r.pool.ResetStats()
	r.submitted.Store(0)
	r.overheadNs.Store(0)
	r.maxOverhead.Store(0)
	r.overheadObsv.Store(0)
}

// Close drains in-flight submissions, then retires the ring. Subsequent
// Acquire calls fail. Idempotent.
func (r *Ring) Close() {
	r.pool.Close(nil)
	r.log.Debug("ring closed", zap.Uint64("total_submitted", r.submitted.Load()))
}

func (r *Ring) recordOverhead(d time.Duration) {
	ns := d.Nanoseconds()
	r.overheadNs.Add(ns)
	r.overheadObsv.Add(1)
	for {
		max := r.maxOverhead.Load()
		if ns <= max || r.maxOverhead.CompareAndSwap(max, ns) {
			break
		}
	}
	metrics.SubmissionOverhead.Observe(float64(ns))
}
