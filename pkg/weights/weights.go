// Package weights manages model weight residency on the device: loading
// weight tensors into dedicated heaps, pinning critical layers resident,
// and prefetching upcoming layers in the background so the first inference
// pass does not stall on cold memory.
package weights

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/stratoml/strato/pkg/config"
	"github.com/stratoml/strato/pkg/device"
	"github.com/stratoml/strato/pkg/logger"
	"github.com/stratoml/strato/pkg/metrics"
	"github.com/stratoml/strato/pkg/stratoerrors"
	"github.com/stratoml/strato/pkg/transfer"
)

// touchSize is how many leading bytes a prefetch reads to fault a weight's
// pages in.
const touchSize = 4096

type weight struct {
	name     string
	layer    int
	critical bool
	size     int64
	heap     *device.Heap
	buf      *device.Buffer
	pinned   bool
}

// Manager tracks weight residency. Safe for concurrent use.
type Manager struct {
	cfg config.ResidencyConfig
	dev device.Device
	q   *transfer.Queue
	log *zap.Logger

	mu          sync.Mutex
	weights     map[string]*weight
	pinnedBytes int64
	closed      bool

	loads       atomic.Uint64
	pinFailures atomic.Uint64
	prefetches  atomic.Uint64
}

// Stats is a point-in-time snapshot of residency state.
type Stats struct {
	TotalWeights  int     `json:"total_weights"`
	PinnedWeights int     `json:"pinned_weights"`
	PinnedMB      float64 `json:"pinned_mb"`
	TotalLoads    uint64  `json:"total_loads"`
	PinFailures   uint64  `json:"pin_failures"`
	Prefetches    uint64  `json:"prefetches"`
	PinnedRatio   float64 `json:"pinned_ratio"`
}

// NewManager creates a residency manager on the given device and transfer
// queue.
func NewManager(dev device.Device, q *transfer.Queue, cfg config.ResidencyConfig) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dev == nil || q == nil {
		return nil, stratoerrors.New(stratoerrors.ErrorTypeDevice,
			"weight manager requires a device and a transfer queue")
	}

	return &Manager{
		cfg:     cfg,
		dev:     dev,
		q:       q,
		log:     logger.With(zap.String("component", "weight_manager")),
		weights: make(map[string]*weight),
	}, nil
}

// Load uploads one weight tensor into a dedicated device heap and records
// it under the given name. Duplicate names are rejected. With
// warmup_on_load enabled the weight's leading pages are touched before
// Load returns.
func (m *Manager) Load(name string, layer int, data []byte) error {
	if name == "" || len(data) == 0 {
		return stratoerrors.New(stratoerrors.ErrorTypeConfig,
			"weight load requires a name and data")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return stratoerrors.New(stratoerrors.ErrorTypeClosed,
			"weight manager is closed")
	}
	if _, dup := m.weights[name]; dup {
		m.mu.Unlock()
		return stratoerrors.New(stratoerrors.ErrorTypeInvalidHandle,
			"weight already loaded").WithDetail("name", name)
	}
	m.mu.Unlock()

	heap, err := m.dev.NewHeap(int64(len(data)))
	if err != nil {
		return stratoerrors.Wrap(err, stratoerrors.ErrorTypeExhaustion,
			"weight heap allocation failed").WithDetail("name", name)
	}
	buf, err := heap.Alloc(int64(len(data)))
	if err != nil {
		m.dev.ReleaseHeap(heap)
		return err
	}

	id, err := m.q.UploadAsync(data, buf, 0, nil)
	if err != nil {
		m.dev.ReleaseHeap(heap)
		return err
	}
	if _, err := m.q.WaitForCompletion(id, 0); err != nil {
		m.dev.ReleaseHeap(heap)
		return err
	}

	w := &weight{
		name:     name,
		layer:    layer,
		critical: m.isCriticalLayer(layer),
		size:     int64(len(data)),
		heap:     heap,
		buf:      buf,
	}

	m.mu.Lock()
	m.weights[name] = w
	m.mu.Unlock()
	m.loads.Add(1)

	if m.cfg.WarmupOnLoad {
		m.touch(w)
	}
	return nil
}

// Pin marks a weight resident, counting it against the configured pinned
// budget and the host's available memory headroom. A failed pin increments
// the failure counter and leaves the weight unpinned.
func (m *Manager) Pin(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pinLocked(name)
}

func (m *Manager) pinLocked(name string) error {
	w, ok := m.weights[name]
	if !ok {
		return stratoerrors.New(stratoerrors.ErrorTypeNotFound,
			"unknown weight").WithDetail("name", name)
	}
	if w.pinned {
		return nil
	}

	wantMB := (m.pinnedBytes + w.size) >> 20
	if m.cfg.MaxPinnedMB > 0 && wantMB > int64(m.cfg.MaxPinnedMB) {
		m.pinFailures.Add(1)
		return stratoerrors.New(stratoerrors.ErrorTypeExhaustion,
			"pinned budget exceeded").
			WithDetail("name", name).
			WithDetail("max_pinned_mb", m.cfg.MaxPinnedMB)
	}
	if headroom := device.HostMemoryHeadroomMB(); headroom > 0 && uint64(w.size>>20) > headroom {
		m.pinFailures.Add(1)
		return stratoerrors.New(stratoerrors.ErrorTypeExhaustion,
			"insufficient host memory headroom").WithDetail("name", name)
	}

	w.pinned = true
	m.pinnedBytes += w.size
	metrics.WeightsPinned.Set(float64(m.pinnedBytes))
	return nil
}

// Unpin releases a weight from the pinned budget.
func (m *Manager) Unpin(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.weights[name]
	if !ok {
		return stratoerrors.New(stratoerrors.ErrorTypeNotFound,
			"unknown weight").WithDetail("name", name)
	}
	if w.pinned {
		w.pinned = false
		m.pinnedBytes -= w.size
		metrics.WeightsPinned.Set(float64(m.pinnedBytes))
	}
	return nil
}

// PinCritical pins every critical weight, or every weight when
// pin_all_weights is set. Pin failures are logged and skipped; the first
// failure is returned after all candidates were tried.
func (m *Manager) PinCritical() error {
	if !m.cfg.PinCriticalWeights && !m.cfg.PinAllWeights {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, w := range m.weights {
		if !m.cfg.PinAllWeights && !w.critical {
			continue
		}
		if err := m.pinLocked(name); err != nil {
			m.log.Warn("weight pin failed",
				zap.String("name", name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Prefetch touches the named weights on background workers, bounded by the
// configured worker count. Unknown names are skipped. Blocks until all
// touches finish.
func (m *Manager) Prefetch(names []string) {
	if !m.cfg.PrefetchEnabled || len(names) == 0 {
		return
	}

	sem := make(chan struct{}, m.cfg.GetPrefetchWorkers())
	var wg sync.WaitGroup
	for _, name := range names {
		m.mu.Lock()
		w, ok := m.weights[name]
		m.mu.Unlock()
		if !ok {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(w *weight) {
			defer wg.Done()
			defer func() { <-sem }()
			m.touch(w)
		}(w)
	}
	wg.Wait()
}

// touch reads the weight's leading bytes to fault its pages in.
func (m *Manager) touch(w *weight) {
	n := w.size
	if n > touchSize {
		n = touchSize
	}
	scratch := make([]byte, n)
	if err := m.dev.SyncCopyFromDevice(w.buf, 0, scratch); err != nil {
		m.log.Warn("weight touch failed",
			zap.String("name", w.name), zap.Error(err))
		return
	}
	m.prefetches.Add(1)
}

// Buffer returns the device buffer holding a loaded weight.
func (m *Manager) Buffer(name string) (*device.Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.weights[name]
	if !ok {
		return nil, stratoerrors.New(stratoerrors.ErrorTypeNotFound,
			"unknown weight").WithDetail("name", name)
	}
	return w.buf, nil
}

// Evict releases an unpinned weight's device memory. Pinned weights must
// be unpinned first.
func (m *Manager) Evict(name string) error {
	m.mu.Lock()
	w, ok := m.weights[name]
	if !ok {
		m.mu.Unlock()
		return stratoerrors.New(stratoerrors.ErrorTypeNotFound,
			"unknown weight").WithDetail("name", name)
	}
	if w.pinned {
		m.mu.Unlock()
		return stratoerrors.New(stratoerrors.ErrorTypeInvalidHandle,
			"cannot evict pinned weight").WithDetail("name", name)
	}
	delete(m.weights, name)
	m.mu.Unlock()

	m.dev.ReleaseHeap(w.heap)
	return nil
}

// Stats returns a snapshot with ratios recomputed at read time.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	total := len(m.weights)
	pinned := 0
	for _, w := range m.weights {
		if w.pinned {
			pinned++
		}
	}
	pinnedBytes := m.pinnedBytes
	m.mu.Unlock()

	s := Stats{
		TotalWeights:  total,
		PinnedWeights: pinned,
		PinnedMB:      float64(pinnedBytes) / (1 << 20),
		TotalLoads:    m.loads.Load(),
		PinFailures:   m.pinFailures.Load(),
		Prefetches:    m.prefetches.Load(),
	}
	if total > 0 {
		s.PinnedRatio = float64(pinned) / float64(total)
	}
	return s
}

// Close releases every weight heap. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	released := make([]*weight, 0, len(m.weights))
	for _, w := range m.weights {
		released = append(released, w)
	}
	m.weights = make(map[string]*weight)
	m.pinnedBytes = 0
	m.mu.Unlock()

	for _, w := range released {
		m.dev.ReleaseHeap(w.heap)
	}
	metrics.WeightsPinned.Set(0)
}

// The first critical_layers layers are critical: embeddings and early
// blocks run on every token.
func (m *Manager) isCriticalLayer(layer int) bool {
	return layer >= 0 && layer < m.cfg.CriticalLayers
}
