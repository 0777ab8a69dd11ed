// Package bench drives a simulated inference workload through the full
// resource stack: command buffer ring, heap pool, and transfer queue on a
// simulated device. It exists to make overlap and pool behavior measurable
// end to end without hardware.
package bench

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stratoml/strato/pkg/config"
	"github.com/stratoml/strato/pkg/device"
	"github.com/stratoml/strato/pkg/heappool"
	"github.com/stratoml/strato/pkg/logger"
	"github.com/stratoml/strato/pkg/ring"
	"github.com/stratoml/strato/pkg/stats"
	"github.com/stratoml/strato/pkg/stratoerrors"
	"github.com/stratoml/strato/pkg/transfer"
)

// Options shapes one benchmark run.
type Options struct {
	Frames    int // total frames to push through the ring
	Workers   int // concurrent issuing goroutines
	PayloadKB int // upload size per frame
}

// DefaultOptions returns a short run suited to smoke testing.
func DefaultOptions() Options {
	return Options{Frames: 200, Workers: 4, PayloadKB: 64}
}

func (o Options) validate() error {
	if o.Frames < 1 || o.Workers < 1 || o.PayloadKB < 1 {
		return stratoerrors.New(stratoerrors.ErrorTypeConfig,
			"frames, workers, and payload must be positive")
	}
	return nil
}

// Result is the outcome of one run.
type Result struct {
	Duration     time.Duration  `json:"duration_ns"`
	FramesPerSec float64        `json:"frames_per_sec"`
	Snapshot     stats.Snapshot `json:"snapshot"`
}

// Run executes the workload described by opts against a fresh simulated
// device configured by cfg, and returns the aggregated statistics.
func Run(cfg *config.Config, opts Options) (*Result, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.With(zap.String("component", "bench"))

	dev, err := device.NewSim(cfg.Device)
	if err != nil {
		return nil, err
	}
	defer func() { _ = dev.Close() }()

	r, err := ring.New(dev, cfg.Ring)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	hp, err := heappool.New(dev, cfg.HeapPool)
	if err != nil {
		return nil, err
	}
	defer hp.Close()
	if err := hp.Warmup(); err != nil {
		return nil, err
	}

	q, err := transfer.NewQueue(dev, cfg.Transfer)
	if err != nil {
		return nil, err
	}
	defer q.Close()

	agg := stats.NewAggregator()
	_ = agg.Register("command_buffer_ring", func() any { return r.Stats() }, r.ResetStats)
	_ = agg.Register("heap_pool", func() any { return hp.Stats() }, hp.ResetStats)
	_ = agg.Register("transfer_queue", func() any { return q.Metrics() }, q.ResetMetrics)

	payload := make([]byte, opts.PayloadKB<<10)
	for i := range payload {
		payload[i] = byte(i)
	}

	log.Info("benchmark starting",
		zap.Int("frames", opts.Frames),
		zap.Int("workers", opts.Workers),
		zap.Int("payload_kb", opts.PayloadKB))

	start := time.Now()
	frames := make(chan int)
	errs := make(chan error, opts.Workers)
	var wg sync.WaitGroup

	for w := 0; w < opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range frames {
				if err := runFrame(r, hp, q, payload); err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	for i := 0; i < opts.Frames; i++ {
		frames <- i
	}
	close(frames)
	wg.Wait()

	select {
	case err := <-errs:
		return nil, err
	default:
	}

	r.WaitAll()
	q.WaitForAll()
	elapsed := time.Since(start)

	res := &Result{
		Duration:     elapsed,
		FramesPerSec: float64(opts.Frames) / elapsed.Seconds(),
		Snapshot:     agg.Snapshot(),
	}
	log.Info("benchmark finished",
		zap.Duration("elapsed", elapsed),
		zap.Float64("frames_per_sec", res.FramesPerSec))
	return res, nil
}

// runFrame models one inference step: stage input bytes into a pooled
// heap, encode and submit a command buffer, then recycle the heap once
// the upload has landed.
func runFrame(r *ring.Ring, hp *heappool.HeapPool, q *transfer.Queue, payload []byte) error {
	heap, err := hp.AcquireSized(int64(len(payload)))
	if err != nil {
		return err
	}
	defer func() { _ = hp.Release(heap) }()

	buf, err := heap.Alloc(int64(len(payload)))
	if err != nil {
		return err
	}

	id, err := q.UploadAsync(payload, buf, 0, nil)
	if err != nil {
		return err
	}

	cb, err := r.Acquire()
	if err != nil {
		return err
	}
	if _, err := r.Submit(cb); err != nil {
		return err
	}

	if ok, err := q.WaitForCompletion(id, 5*time.Second); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("upload %d timed out", id)
	}
	return nil
}
