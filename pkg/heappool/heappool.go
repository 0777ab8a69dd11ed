// Package heappool implements the device memory heap pool. Heaps are
// pre-allocated at a fixed size and recycled through a bounded pool; when
// the pool is exhausted, or a request exceeds the pooled heap size, a
// temporary fallback heap is allocated outside the pool and freed directly
// on release. Acquisition therefore never blocks on memory.
package heappool

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/stratoml/strato/pkg/config"
	"github.com/stratoml/strato/pkg/device"
	"github.com/stratoml/strato/pkg/logger"
	"github.com/stratoml/strato/pkg/metrics"
	"github.com/stratoml/strato/pkg/pool"
	"github.com/stratoml/strato/pkg/stratoerrors"
)

// HeapPool recycles fixed-size device heaps. Safe for concurrent use.
type HeapPool struct {
	cfg config.HeapPoolConfig
	dev device.Device
	p   *pool.Pool[*device.Heap]
	log *zap.Logger

	mu       sync.Mutex
	fallback map[*device.Heap]struct{}
	closed   bool

	acquired         atomic.Uint64
	released         atomic.Uint64
	exhaustionEvents atomic.Uint64
	fallbackEvents   atomic.Uint64
}

// Stats is a point-in-time snapshot of heap pool activity. HitRate is the
// fraction of acquires served from the pool, computed fresh at read time.
type Stats struct {
	PoolSize         int     `json:"pool_size"`
	AvailableCount   int     `json:"available_count"`
	TotalAcquired    uint64  `json:"total_acquired"`
	TotalReleased    uint64  `json:"total_released"`
	ExhaustionEvents uint64  `json:"exhaustion_events"`
	FallbackEvents   uint64  `json:"fallback_events"`
	HitRate          float64 `json:"hit_rate"`
}

// New creates a heap pool, pre-allocating num_heaps device heaps of
// heap_size_mb each. An allocation failure releases any heaps already
// created and aborts construction.
func New(dev device.Device, cfg config.HeapPoolConfig) (*HeapPool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, stratoerrors.New(stratoerrors.ErrorTypeDevice,
			"heap pool requires a device")
	}

	heaps := make([]*device.Heap, 0, cfg.NumHeaps)
	for i := 0; i < cfg.NumHeaps; i++ {
		h, err := dev.NewHeap(cfg.HeapSizeBytes())
		if err != nil {
			for _, created := range heaps {
				dev.ReleaseHeap(created)
			}
			return nil, stratoerrors.Wrap(err, stratoerrors.ErrorTypeDevice,
				"heap pre-allocation failed")
		}
		heaps = append(heaps, h)
	}

	p, err := pool.New(heaps, pool.Options{
		Name:       "heap_pool",
		TrackStats: cfg.TrackStatistics,
	})
	if err != nil {
		return nil, err
	}

	hp := &HeapPool{
		cfg:      cfg,
		dev:      dev,
		p:        p,
		log:      logger.With(zap.String("component", "heap_pool")),
		fallback: make(map[*device.Heap]struct{}),
	}
	hp.log.Debug("heap pool created",
		zap.Int("num_heaps", cfg.NumHeaps),
		zap.Int("heap_size_mb", cfg.HeapSizeMB))
	return hp, nil
}

// Acquire returns a heap of the configured pool size. Never blocks: an
// exhausted pool yields a fallback heap.
func (hp *HeapPool) Acquire() (*device.Heap, error) {
	return hp.AcquireSized(0)
}

// AcquireSized returns a heap with at least minBytes capacity. Requests
// within the pooled heap size are served from the pool when possible;
// oversized requests and exhaustion both fall back to a dedicated
// allocation sized to the request. Never blocks.
func (hp *HeapPool) AcquireSized(minBytes int64) (*device.Heap, error) {
	hp.mu.Lock()
	if hp.closed {
		hp.mu.Unlock()
		return nil, stratoerrors.New(stratoerrors.ErrorTypeClosed,
			"heap pool is closed")
	}
	hp.mu.Unlock()

	poolSize := hp.cfg.HeapSizeBytes()

	if minBytes <= poolSize {
		if h, ok := hp.p.TryAcquire(); ok {
			hp.acquired.Add(1)
			return h, nil
		}
		hp.exhaustionEvents.Add(1)
		if hp.cfg.LogExhaustion {
			hp.log.Warn("heap pool exhausted, allocating fallback heap",
				zap.Int64("requested", minBytes))
		}
		return hp.allocFallback(poolSize, "exhausted")
	}

	// Oversized request: the pool cannot serve it at all.
	return hp.allocFallback(minBytes, "oversized")
}

func (hp *HeapPool) allocFallback(size int64, reason string) (*device.Heap, error) {
	h, err := hp.dev.NewHeap(size)
	if err != nil {
		return nil, stratoerrors.Wrap(err, stratoerrors.ErrorTypeExhaustion,
			"fallback heap allocation failed").WithDetail("size", size)
	}

	hp.mu.Lock()
	hp.fallback[h] = struct{}{}
	hp.mu.Unlock()

	hp.acquired.Add(1)
	hp.fallbackEvents.Add(1)
	metrics.HeapFallbacks.WithLabelValues(reason).Inc()
	return h, nil
}

// Release returns a heap. Pool members are reset and recycled immediately;
// fallback heaps are freed on the device. Heaps carry no trailing device
// work, so the return is always synchronous. A nil heap is a no-op.
func (hp *HeapPool) Release(h *device.Heap) error {
	if h == nil {
		return nil
	}

	hp.mu.Lock()
	if _, isFallback := hp.fallback[h]; isFallback {
		delete(hp.fallback, h)
		hp.mu.Unlock()
		hp.dev.ReleaseHeap(h)
		hp.released.Add(1)
		return nil
	}
	hp.mu.Unlock()

	if !hp.p.Owns(h) {
		return stratoerrors.New(stratoerrors.ErrorTypeInvalidHandle,
			"release of heap not owned by pool")
	}

	h.Reset()
	if err := hp.p.Release(h, nil); err != nil {
		return err
	}
	hp.released.Add(1)
	return nil
}

// Warmup touches every pooled heap by acquiring it and bump-allocating
// each configured warmup size, forcing the device to commit backing pages
// before the first real workload. All heaps are back in the available set
// when Warmup returns; warmup never counts as pool activity.
func (hp *HeapPool) Warmup() error {
	held := make([]*device.Heap, 0, hp.cfg.NumHeaps)
	defer func() {
		for _, h := range held {
			h.Reset()
			_ = hp.p.Release(h, nil)
		}
	}()

	for i := 0; i < hp.cfg.NumHeaps; i++ {
		h, ok := hp.p.TryAcquire()
		if !ok {
			return stratoerrors.New(stratoerrors.ErrorTypeInternal,
				"warmup requires an idle pool")
		}
		held = append(held, h)

		for _, sizeMB := range hp.cfg.WarmupSizesMB {
			if _, err := h.Alloc(int64(sizeMB) << 20); err != nil {
				return stratoerrors.Wrap(err, stratoerrors.ErrorTypeInternal,
					"warmup allocation failed").WithDetail("size_mb", sizeMB)
			}
		}
		h.Reset()
	}

	hp.log.Info("heap pool warmed up",
		zap.Int("heaps", hp.cfg.NumHeaps),
		zap.Ints("sizes_mb", hp.cfg.WarmupSizesMB))
	return nil
}

// Stats returns a snapshot with the hit rate recomputed at read time.
func (hp *HeapPool) Stats() Stats {
	acquired := hp.acquired.Load()
	s := Stats{
		PoolSize:         hp.p.Cap(),
		AvailableCount:   hp.p.AvailableCount(),
		TotalAcquired:    acquired,
		TotalReleased:    hp.released.Load(),
		ExhaustionEvents: hp.exhaustionEvents.Load(),
		FallbackEvents:   hp.fallbackEvents.Load(),
	}
	if acquired > 0 {
		s.HitRate = 1 - float64(s.FallbackEvents)/float64(acquired)
	}
	return s
}

// ResetStats zeroes the event counters. Pool membership and outstanding
// fallback tracking are untouched.
func (hp *HeapPool) ResetStats() {
	hp.acquired.Store(0)
	hp.released.Store(0)
	hp.exhaustionEvents.Store(0)
	hp.fallbackEvents.Store(0)
	hp.p.ResetStats()
}

// Close waits for outstanding pool heaps, frees every heap on the device,
// and marks the pool closed. Outstanding fallback heaps are freed too.
// Idempotent.
func (hp *HeapPool) Close() {
	hp.mu.Lock()
	if hp.closed {
		hp.mu.Unlock()
		return
	}
	hp.closed = true
	orphans := make([]*device.Heap, 0, len(hp.fallback))
	for h := range hp.fallback {
		orphans = append(orphans, h)
	}
	hp.fallback = make(map[*device.Heap]struct{})
	hp.mu.Unlock()

	hp.p.Close(hp.dev.ReleaseHeap)
	for _, h := range orphans {
		hp.dev.ReleaseHeap(h)
	}
	hp.log.Debug("heap pool closed")
}
