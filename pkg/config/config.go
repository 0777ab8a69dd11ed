// Package config provides the unified configuration system for Strato.
// It defines one explicit, immutable-per-instance configuration structure
// for each pooled component, ensuring consistent construction semantics
// across the resource-pool core.
//
// The configuration is organized by component:
//   - Ring: command buffer ring (ring_size, acquisition timeout)
//   - HeapPool: device memory heap pool (heap size, count, warmup sizes)
//   - Transfer: async transfer queue (pending-op bound, completion events)
//   - Device: simulated device timing knobs
//   - Residency: weight residency manager (pinning, prefetch)
//
// Example usage:
//
//	cfg := config.Default()
//	cfg.Ring.RingSize = 3
//	cfg.HeapPool.NumHeaps = 8
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//
// Construction-time configuration errors are fatal: a pool whose config
// fails validation is never created.
package config

import (
	"runtime"
	"time"

	"github.com/stratoml/strato/pkg/stratoerrors"
)

// RingConfig configures a command buffer ring.
type RingConfig struct {
	// RingSize is the number of command buffers in the ring.
	// 2 = double buffering (CPU/GPU overlap), 3 = triple buffering
	// (higher latency tolerance). Values below 2 are rejected.
	RingSize int `yaml:"ring_size" json:"ring_size"`
	// Timeout bounds a blocking acquire (0 = wait indefinitely)
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// TrackStatistics enables detailed statistics tracking
	TrackStatistics bool `yaml:"track_statistics" json:"track_statistics"`
	// LogWaitEvents logs a warning whenever an acquire has to wait
	LogWaitEvents bool `yaml:"log_wait_events" json:"log_wait_events"`
}

// HeapPoolConfig configures a device memory heap pool.
type HeapPoolConfig struct {
	// HeapSizeMB is the size of each pooled heap in megabytes
	HeapSizeMB int `yaml:"heap_size_mb" json:"heap_size_mb"`
	// NumHeaps is the fixed pool capacity
	NumHeaps int `yaml:"num_heaps" json:"num_heaps"`
	// WarmupSizesMB lists allocation sizes (MB) committed during Warmup
	WarmupSizesMB []int `yaml:"warmup_sizes_mb" json:"warmup_sizes_mb"`
	// TrackStatistics enables detailed statistics tracking
	TrackStatistics bool `yaml:"track_statistics" json:"track_statistics"`
	// LogExhaustion logs a warning whenever a fallback heap is allocated
	LogExhaustion bool `yaml:"log_exhaustion" json:"log_exhaustion"`
}

// TransferConfig configures the async transfer queue.
type TransferConfig struct {
	// Enabled selects async operation; when false every call degrades to a
	// synchronous immediate copy with an already-completed token
	Enabled bool `yaml:"enabled" json:"enabled"`
	// MaxPendingOps bounds concurrently outstanding transfer operations;
	// issuing beyond the bound waits for the oldest outstanding op
	MaxPendingOps int `yaml:"max_pending_ops" json:"max_pending_ops"`
	// UseCompletionEvents selects device completion events for signaling;
	// when false the queue falls back to explicit polling with the same
	// observable contract
	UseCompletionEvents bool `yaml:"use_completion_events" json:"use_completion_events"`
	// TrackMetrics enables transfer metric accumulation
	TrackMetrics bool `yaml:"track_metrics" json:"track_metrics"`
}

// DeviceConfig tunes the simulated device used in tests and benchmarks.
type DeviceConfig struct {
	// ExecLatency is the simulated execution time per submitted command buffer
	ExecLatency time.Duration `yaml:"exec_latency" json:"exec_latency"`
	// TransferBandwidthMBs is the simulated copy bandwidth (0 = instant)
	TransferBandwidthMBs float64 `yaml:"transfer_bandwidth_mbs" json:"transfer_bandwidth_mbs"`
	// QueueDepth is the submission queue depth before Submit applies
	// backpressure to the issuing thread
	QueueDepth int `yaml:"queue_depth" json:"queue_depth"`
}

// ResidencyConfig configures the weight residency manager.
type ResidencyConfig struct {
	// PinCriticalWeights pins the first CriticalLayers layers in memory
	PinCriticalWeights bool `yaml:"pin_critical_weights" json:"pin_critical_weights"`
	// PinAllWeights pins every weight (high memory pressure)
	PinAllWeights bool `yaml:"pin_all_weights" json:"pin_all_weights"`
	// PrefetchEnabled enables background prefetching of upcoming layers
	PrefetchEnabled bool `yaml:"prefetch_enabled" json:"prefetch_enabled"`
	// PrefetchWorkers is the number of background prefetch workers
	// (0 = derived from host CPU count)
	PrefetchWorkers int `yaml:"prefetch_workers" json:"prefetch_workers"`
	// WarmupOnLoad touches weight memory on load to commit backing pages
	WarmupOnLoad bool `yaml:"warmup_on_load" json:"warmup_on_load"`
	// CriticalLayers is the number of leading layers considered critical
	CriticalLayers int `yaml:"critical_layers" json:"critical_layers"`
	// MaxPinnedMB caps total pinned memory (0 = unlimited)
	MaxPinnedMB int `yaml:"max_pinned_mb" json:"max_pinned_mb"`
	// EnableStats enables statistics collection
	EnableStats bool `yaml:"enable_stats" json:"enable_stats"`
}

// LoggingConfig configures the structured logging sink.
type LoggingConfig struct {
	Level       string `yaml:"level" json:"level"`
	Development bool   `yaml:"development" json:"development"`
	Encoding    string `yaml:"encoding" json:"encoding"`
}

// Config is the top-level configuration for the resource-pool core.
type Config struct {
	Ring      RingConfig      `yaml:"ring" json:"ring"`
	HeapPool  HeapPoolConfig  `yaml:"heap_pool" json:"heap_pool"`
	Transfer  TransferConfig  `yaml:"transfer" json:"transfer"`
	Device    DeviceConfig    `yaml:"device" json:"device"`
	Residency ResidencyConfig `yaml:"residency" json:"residency"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// DefaultRing returns the production default ring configuration:
// double buffering with an infinite acquisition wait.
func DefaultRing() RingConfig {
	return RingConfig{
		RingSize:        2,
		Timeout:         0,
		TrackStatistics: true,
		LogWaitEvents:   false,
	}
}

// DefaultHeapPool returns the production default heap pool configuration.
func DefaultHeapPool() HeapPoolConfig {
	return HeapPoolConfig{
		HeapSizeMB:      256,
		NumHeaps:        4,
		WarmupSizesMB:   nil,
		TrackStatistics: true,
		LogExhaustion:   true,
	}
}

// DefaultTransfer returns the production default transfer queue
// configuration.
func DefaultTransfer() TransferConfig {
	return TransferConfig{
		Enabled:             true,
		MaxPendingOps:       8,
		UseCompletionEvents: true,
		TrackMetrics:        true,
	}
}

// DefaultDevice returns simulated device defaults approximating a fast
// accelerator: short execution latency and high copy bandwidth.
func DefaultDevice() DeviceConfig {
	return DeviceConfig{
		ExecLatency:          500 * time.Microsecond,
		TransferBandwidthMBs: 8192,
		QueueDepth:           64,
	}
}

// DefaultResidency returns the production default residency configuration.
func DefaultResidency() ResidencyConfig {
	return ResidencyConfig{
		PinCriticalWeights: true,
		PinAllWeights:      false,
		PrefetchEnabled:    true,
		PrefetchWorkers:    workerDefault(),
		WarmupOnLoad:       true,
		CriticalLayers:     3,
		MaxPinnedMB:        0,
		EnableStats:        true,
	}
}

// Default returns a complete configuration with production defaults.
func Default() *Config {
	return &Config{
		Ring:      DefaultRing(),
		HeapPool:  DefaultHeapPool(),
		Transfer:  DefaultTransfer(),
		Device:    DefaultDevice(),
		Residency: DefaultResidency(),
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

func workerDefault() int {
	n := runtime.NumCPU() / 4
	if n < 2 {
		n = 2
	}
	return n
}

// Validate checks the ring configuration. Ring sizes below 2 defeat the
// double-buffering purpose of the ring and are rejected outright.
func (c *RingConfig) Validate() error {
	if c.RingSize < 2 {
		return stratoerrors.New(stratoerrors.ErrorTypeConfig,
			"ring_size must be at least 2").
			WithDetail("ring_size", c.RingSize)
	}
	if c.Timeout < 0 {
		return stratoerrors.New(stratoerrors.ErrorTypeConfig,
			"timeout cannot be negative")
	}
	return nil
}

// Validate checks the heap pool configuration.
func (c *HeapPoolConfig) Validate() error {
	if c.HeapSizeMB <= 0 {
		return stratoerrors.New(stratoerrors.ErrorTypeConfig,
			"heap_size_mb must be positive").
			WithDetail("heap_size_mb", c.HeapSizeMB)
	}
	if c.NumHeaps <= 0 {
		return stratoerrors.New(stratoerrors.ErrorTypeConfig,
			"num_heaps must be positive").
			WithDetail("num_heaps", c.NumHeaps)
	}
	for _, s := range c.WarmupSizesMB {
		if s <= 0 || s > c.HeapSizeMB {
			return stratoerrors.New(stratoerrors.ErrorTypeConfig,
				"warmup sizes must be positive and fit inside a heap").
				WithDetail("warmup_size_mb", s).
				WithDetail("heap_size_mb", c.HeapSizeMB)
		}
	}
	return nil
}

// Validate checks the transfer queue configuration.
func (c *TransferConfig) Validate() error {
	if c.MaxPendingOps <= 0 {
		return stratoerrors.New(stratoerrors.ErrorTypeConfig,
			"max_pending_ops must be positive").
			WithDetail("max_pending_ops", c.MaxPendingOps)
	}
	return nil
}

// Validate checks the simulated device configuration.
func (c *DeviceConfig) Validate() error {
	if c.ExecLatency < 0 {
		return stratoerrors.New(stratoerrors.ErrorTypeConfig,
			"exec_latency cannot be negative")
	}
	if c.TransferBandwidthMBs < 0 {
		return stratoerrors.New(stratoerrors.ErrorTypeConfig,
			"transfer_bandwidth_mbs cannot be negative")
	}
	if c.QueueDepth <= 0 {
		return stratoerrors.New(stratoerrors.ErrorTypeConfig,
			"queue_depth must be positive")
	}
	return nil
}

// Validate checks the residency configuration.
func (c *ResidencyConfig) Validate() error {
	if c.PrefetchWorkers < 0 {
		return stratoerrors.New(stratoerrors.ErrorTypeConfig,
			"prefetch_workers cannot be negative")
	}
	if c.CriticalLayers < 0 {
		return stratoerrors.New(stratoerrors.ErrorTypeConfig,
			"critical_layers cannot be negative")
	}
	if c.MaxPinnedMB < 0 {
		return stratoerrors.New(stratoerrors.ErrorTypeConfig,
			"max_pinned_mb cannot be negative")
	}
	return nil
}

// Validate validates every section of the configuration.
func (c *Config) Validate() error {
	if err := c.Ring.Validate(); err != nil {
		return err
	}
	if err := c.HeapPool.Validate(); err != nil {
		return err
	}
	if err := c.Transfer.Validate(); err != nil {
		return err
	}
	if err := c.Device.Validate(); err != nil {
		return err
	}
	return c.Residency.Validate()
}

// HeapSizeBytes returns the configured per-heap size in bytes.
func (c *HeapPoolConfig) HeapSizeBytes() int64 {
	return int64(c.HeapSizeMB) << 20
}

// GetPrefetchWorkers returns the prefetch worker count, ensuring at least 1.
func (c *ResidencyConfig) GetPrefetchWorkers() int {
	if c.PrefetchWorkers <= 0 {
		return workerDefault()
	}
	return c.PrefetchWorkers
}
