// Package transfer implements the asynchronous transfer queue: weight
// uploads and result downloads issued against the device's copy engine
// without blocking the issuing thread, tracked by monotonically increasing
// operation ids on a shared timeline.
//
// With the queue disabled, every operation degrades to a synchronous copy
// that completes before the call returns; callers observe the same id and
// wait semantics either way.
package transfer

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stratoml/strato/pkg/completion"
	"github.com/stratoml/strato/pkg/config"
	"github.com/stratoml/strato/pkg/device"
	"github.com/stratoml/strato/pkg/logger"
	"github.com/stratoml/strato/pkg/metrics"
	"github.com/stratoml/strato/pkg/stratoerrors"
)

// Status is the lifecycle state of a transfer operation.
type Status uint8

const (
	// StatusPending marks an operation issued but not yet completed.
	StatusPending Status = iota
	// StatusCompleted marks a finished operation.
	StatusCompleted
	// StatusTimedOut marks an operation whose wait expired. The device
	// work is not cancelled; the operation still completes eventually.
	StatusTimedOut
)

// How many completed operation records are retained for late
// WaitForCompletion and IsCompleted queries.
const retainedOps = 256

// Polling interval for completion when device completion events are
// disabled in the configuration.
const pollInterval = 100 * time.Microsecond

// Callback runs on the completion path of one operation. It executes on a
// queue-internal goroutine and must not block.
type Callback func(id uint64)

type op struct {
	id        uint64
	direction string
	size      int64
	tok       *completion.Token
	callback  Callback
	enqueued  time.Time
	completed time.Time
	status    Status
}

// Queue issues asynchronous copies against a device and tracks their
// completion. Safe for concurrent use.
type Queue struct {
	cfg      config.TransferConfig
	dev      device.Device
	log      *zap.Logger
	timeline *completion.Timeline

	mu        sync.Mutex
	ops       map[uint64]*op
	doneOrder []uint64 // completed ids, oldest first, for pruning
	pending   int
	busyStart time.Time
	busyNs    int64
	startedAt time.Time
	closed    bool

	uploads    atomic.Uint64
	downloads  atomic.Uint64
	uploadNs   atomic.Int64
	downloadNs atomic.Int64
	syncWaits  atomic.Uint64
	syncWaitNs atomic.Int64
}

// Metrics is a point-in-time snapshot of transfer activity. Averages and
// the overlap ratio are recomputed at read time from raw accumulators.
type Metrics struct {
	TotalUploads   uint64  `json:"total_uploads"`
	TotalDownloads uint64  `json:"total_downloads"`
	PendingOps     int     `json:"pending_ops"`
	AvgUploadMs    float64 `json:"avg_upload_ms"`
	AvgDownloadMs  float64 `json:"avg_download_ms"`
	OverlapRatio   float64 `json:"overlap_ratio"`
	SyncWaitCount  uint64  `json:"sync_wait_count"`
	AvgSyncWaitMs  float64 `json:"avg_sync_wait_ms"`
}

// NewQueue creates a transfer queue on the given device.
func NewQueue(dev device.Device, cfg config.TransferConfig) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, stratoerrors.New(stratoerrors.ErrorTypeDevice,
			"transfer queue requires a device")
	}

	q := &Queue{
		cfg:       cfg,
		dev:       dev,
		log:       logger.With(zap.String("component", "transfer_queue")),
		timeline:  completion.NewTimeline(),
		ops:       make(map[uint64]*op),
		startedAt: time.Now(),
	}
	q.log.Debug("transfer queue created",
		zap.Bool("enabled", cfg.Enabled),
		zap.Int("max_pending_ops", cfg.MaxPendingOps))
	return q, nil
}

// UploadAsync copies host bytes into a device buffer. Returns the
// operation id immediately; the copy proceeds on the device's transfer
// engine. With the queue disabled the copy happens inline and the returned
// id is already completed.
func (q *Queue) UploadAsync(src []byte, dst *device.Buffer, offset int64, cb Callback) (uint64, error) {
	return q.issue("upload", int64(len(src)), cb,
		func() error { return q.dev.SyncCopyToDevice(src, dst, offset) },
		func(onDone func()) (*device.TransferHandle, error) {
			return q.dev.CopyToDevice(src, dst, offset, onDone)
		})
}

// DownloadAsync copies device bytes into a pre-allocated host slice. The
// destination must remain valid and unwritten by the caller until the
// operation completes.
func (q *Queue) DownloadAsync(src *device.Buffer, offset int64, dst []byte, cb Callback) (uint64, error) {
	return q.issue("download", int64(len(dst)), cb,
		func() error { return q.dev.SyncCopyFromDevice(src, offset, dst) },
		func(onDone func()) (*device.TransferHandle, error) {
			return q.dev.CopyFromDevice(src, offset, dst, onDone)
		})
}

func (q *Queue) issue(direction string, size int64, cb Callback,
	copySync func() error,
	copyAsync func(onDone func()) (*device.TransferHandle, error)) (uint64, error) {

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, stratoerrors.New(stratoerrors.ErrorTypeClosed,
			"transfer queue is closed")
	}
	q.mu.Unlock()

	if !q.cfg.Enabled {
		return q.issueSync(direction, size, cb, copySync)
	}

	id, tok := q.timeline.Issue()
	o := &op{
		id:        id,
		direction: direction,
		size:      size,
		tok:       tok,
		callback:  cb,
		status:    StatusPending,
	}

	// Backpressure: admission waits for the oldest outstanding operation
	// while max_pending_ops are in flight.
	q.admit(o)
	metrics.TransferPending.Inc()

	var onDone func()
	if q.cfg.UseCompletionEvents {
		onDone = func() { q.finish(id) }
	}
	handle, err := copyAsync(onDone)
	if err != nil {
		q.abort(id)
		return 0, err
	}

	if !q.cfg.UseCompletionEvents {
		// No device-side completion callback: poll the handle instead.
		go q.poll(id, handle)
	}

	q.count(direction, size, "async")
	return id, nil
}

func (q *Queue) issueSync(direction string, size int64, cb Callback, copyFn func() error) (uint64, error) {
	id, tok := q.timeline.Issue()

	start := time.Now()
	if err := copyFn(); err != nil {
		return 0, err
	}
	elapsed := time.Since(start)

	o := &op{
		id:        id,
		direction: direction,
		size:      size,
		tok:       tok,
		enqueued:  start,
		completed: start.Add(elapsed),
		status:    StatusCompleted,
	}

	q.mu.Lock()
	q.ops[id] = o
	q.retireLocked(o)
	q.mu.Unlock()

	q.recordLatency(direction, elapsed)
	q.timeline.Signal(id)
	q.count(direction, size, "sync")
	if cb != nil {
		cb(id)
	}
	return id, nil
}

// admit inserts the op into the pending set, blocking the issuing thread
// while max_pending_ops operations are outstanding. The bound check and
// the insertion share one critical section so concurrent issuers cannot
// overshoot the cap.
func (q *Queue) admit(o *op) {
	for {
		q.mu.Lock()
		if q.pending < q.cfg.MaxPendingOps {
			o.enqueued = time.Now()
			q.ops[o.id] = o
			q.pending++
			if q.pending == 1 {
				q.busyStart = o.enqueued
			}
			q.mu.Unlock()
			return
		}
		oldest := q.oldestInFlightLocked()
		q.mu.Unlock()

		if oldest == nil {
			// A completion landed between the bound check and the scan.
			continue
		}
		start := time.Now()
		<-oldest.tok.Done()
		q.syncWaits.Add(1)
		q.syncWaitNs.Add(time.Since(start).Nanoseconds())
	}
}

// oldestInFlightLocked returns the incomplete op with the lowest id. A
// TimedOut op still counts: its device work is outstanding. Caller holds
// q.mu.
func (q *Queue) oldestInFlightLocked() *op {
	var oldest *op
	for _, o := range q.ops {
		if !o.completed.IsZero() {
			continue
		}
		if oldest == nil || o.id < oldest.id {
			oldest = o
		}
	}
	return oldest
}

// finish transitions one operation to completed. Idempotent: the device
// callback and the polling fallback may race.
func (q *Queue) finish(id uint64) {
	now := time.Now()

	q.mu.Lock()
	o, ok := q.ops[id]
	if !ok || !o.completed.IsZero() {
		q.mu.Unlock()
		return
	}
	o.completed = now
	if o.status == StatusPending {
		o.status = StatusCompleted
	}
	q.pending--
	if q.pending == 0 {
		q.busyNs += now.Sub(q.busyStart).Nanoseconds()
	}
	q.retireLocked(o)
	q.mu.Unlock()

	metrics.TransferPending.Dec()
	q.recordLatency(o.direction, now.Sub(o.enqueued))
	q.timeline.Signal(id)
	if o.callback != nil {
		o.callback(id)
	}
}

// abort removes a failed issue before any device work was queued. The id
// was never returned to the caller, so its token is simply dropped; the
// timeline watermark advances when a later operation completes.
func (q *Queue) abort(id uint64) {
	q.mu.Lock()
	if o, ok := q.ops[id]; ok && o.status == StatusPending {
		delete(q.ops, id)
		q.pending--
		if q.pending == 0 {
			q.busyNs += time.Since(q.busyStart).Nanoseconds()
		}
		metrics.TransferPending.Dec()
	}
	q.mu.Unlock()
}

// retireLocked records a completed op for pruning and drops the oldest
// records past the retention window. Caller holds q.mu.
func (q *Queue) retireLocked(o *op) {
	q.doneOrder = append(q.doneOrder, o.id)
	for len(q.doneOrder) > retainedOps {
		delete(q.ops, q.doneOrder[0])
		q.doneOrder = q.doneOrder[1:]
	}
}

func (q *Queue) poll(id uint64, handle *device.TransferHandle) {
	for !handle.Completed() {
		time.Sleep(pollInterval)
	}
	q.finish(id)
}

// WaitForCompletion blocks until the operation completes or the timeout
// expires. Returns true on completion. An id the queue has never issued,
// or whose record aged out of the retention window, yields a not-found
// error. A false return marks the operation TimedOut; device work is not
// cancelled.
func (q *Queue) WaitForCompletion(id uint64, timeout time.Duration) (bool, error) {
	q.mu.Lock()
	o, ok := q.ops[id]
	q.mu.Unlock()

	if !ok {
		// Ids at or below the signaled watermark were issued and already
		// completed, but their records may have been pruned.
		if id > 0 && q.timeline.IsCompleted(id) {
			return true, nil
		}
		return false, stratoerrors.New(stratoerrors.ErrorTypeNotFound,
			"unknown transfer operation").WithDetail("op_id", id)
	}

	if o.tok.Wait(timeout) {
		return true, nil
	}

	q.mu.Lock()
	if o.status == StatusPending {
		o.status = StatusTimedOut
	}
	q.mu.Unlock()

	q.syncWaits.Add(1)
	q.syncWaitNs.Add(timeout.Nanoseconds())
	return false, nil
}

// IsCompleted reports whether the operation has completed, without
// blocking.
func (q *Queue) IsCompleted(id uint64) bool {
	return q.timeline.IsCompleted(id)
}

// WaitForAll blocks until every outstanding operation has completed.
// Transfers complete in issue order on the copy engine, so each pass waits
// on the highest incomplete id; the loop covers operations issued while
// waiting. Aborted issues leave no record, so an id above the watermark
// with no live op does not end the drain early.
func (q *Queue) WaitForAll() {
	for {
		q.mu.Lock()
		var target *op
		for _, o := range q.ops {
			if !o.completed.IsZero() {
				continue
			}
			if target == nil || o.id > target.id {
				target = o
			}
		}
		q.mu.Unlock()

		if target == nil {
			return
		}
		start := time.Now()
		<-target.tok.Done()
		q.syncWaits.Add(1)
		q.syncWaitNs.Add(time.Since(start).Nanoseconds())
	}
}

// Flush pushes issued work toward the device without waiting for it.
func (q *Queue) Flush() {
	q.dev.Flush()
}

// Status returns the lifecycle state of an operation.
func (q *Queue) Status(id uint64) (Status, error) {
	q.mu.Lock()
	o, ok := q.ops[id]
	q.mu.Unlock()

	if !ok {
		if id > 0 && q.timeline.IsCompleted(id) {
			return StatusCompleted, nil
		}
		return 0, stratoerrors.New(stratoerrors.ErrorTypeNotFound,
			"unknown transfer operation").WithDetail("op_id", id)
	}
	return o.status, nil
}

// Metrics returns a snapshot. The overlap ratio estimates the fraction of
// wall time since creation (or the last reset) during which at least one
// transfer was in flight.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	busy := q.busyNs
	if q.pending > 0 {
		busy += time.Since(q.busyStart).Nanoseconds()
	}
	pending := q.pending
	elapsed := time.Since(q.startedAt).Nanoseconds()
	q.mu.Unlock()

	m := Metrics{
		TotalUploads:   q.uploads.Load(),
		TotalDownloads: q.downloads.Load(),
		PendingOps:     pending,
		SyncWaitCount:  q.syncWaits.Load(),
	}
	if m.TotalUploads > 0 {
		m.AvgUploadMs = float64(q.uploadNs.Load()) / float64(m.TotalUploads) / 1e6
	}
	if m.TotalDownloads > 0 {
		m.AvgDownloadMs = float64(q.downloadNs.Load()) / float64(m.TotalDownloads) / 1e6
	}
	if m.SyncWaitCount > 0 {
		m.AvgSyncWaitMs = float64(q.syncWaitNs.Load()) / float64(m.SyncWaitCount) / 1e6
	}
	if elapsed > 0 {
		m.OverlapRatio = float64(busy) / float64(elapsed)
		if m.OverlapRatio > 1 {
			m.OverlapRatio = 1
		}
	}
	return m
}

// ResetMetrics zeroes the accumulators and restarts the overlap window.
// Outstanding operations keep their state.
func (q *Queue) ResetMetrics() {
	q.uploads.Store(0)
	q.downloads.Store(0)
	q.uploadNs.Store(0)
	q.downloadNs.Store(0)
	q.syncWaits.Store(0)
	q.syncWaitNs.Store(0)

	q.mu.Lock()
	q.busyNs = 0
	q.startedAt = time.Now()
	if q.pending > 0 {
		q.busyStart = q.startedAt
	}
	q.mu.Unlock()
}

// Close waits for outstanding operations and rejects further issues.
// Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.WaitForAll()
	q.log.Debug("transfer queue closed",
		zap.Uint64("total_uploads", q.uploads.Load()),
		zap.Uint64("total_downloads", q.downloads.Load()))
}

func (q *Queue) count(direction string, size int64, mode string) {
	if direction == "upload" {
		q.uploads.Add(1)
	} else {
		q.downloads.Add(1)
	}
	if q.cfg.TrackMetrics {
		metrics.TransferOps.WithLabelValues(direction, mode).Inc()
		metrics.TransferBytes.WithLabelValues(direction).Add(float64(size))
	}
}

func (q *Queue) recordLatency(direction string, d time.Duration) {
	ns := d.Nanoseconds()
	if direction == "upload" {
		q.uploadNs.Add(ns)
	} else {
		q.downloadNs.Add(ns)
	}
	if q.cfg.TrackMetrics {
		metrics.TransferLatency.WithLabelValues(direction).Observe(float64(ns))
	}
}
