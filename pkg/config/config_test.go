package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratoml/strato/pkg/stratoerrors"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2, cfg.Ring.RingSize)
	assert.Equal(t, time.Duration(0), cfg.Ring.Timeout)
	assert.Equal(t, 4, cfg.HeapPool.NumHeaps)
	assert.Equal(t, 8, cfg.Transfer.MaxPendingOps)
	assert.True(t, cfg.Transfer.Enabled)
}

func TestRingSizeBelowTwoRejected(t *testing.T) {
	for _, size := range []int{-1, 0, 1} {
		cfg := DefaultRing()
		cfg.RingSize = size
		err := cfg.Validate()
		require.Error(t, err, "ring_size=%d must fail validation", size)
		assert.True(t, stratoerrors.IsType(err, stratoerrors.ErrorTypeConfig))
	}
}

func TestHeapPoolValidation(t *testing.T) {
	cfg := DefaultHeapPool()
	cfg.NumHeaps = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultHeapPool()
	cfg.WarmupSizesMB = []int{cfg.HeapSizeMB + 1}
	err := cfg.Validate()
	require.Error(t, err, "warmup size larger than heap must fail")
	assert.True(t, stratoerrors.IsType(err, stratoerrors.ErrorTypeConfig))
}

func TestTransferValidation(t *testing.T) {
	cfg := DefaultTransfer()
	cfg.MaxPendingOps = 0
	assert.Error(t, cfg.Validate())
}

func TestHeapSizeBytes(t *testing.T) {
	cfg := HeapPoolConfig{HeapSizeMB: 256}
	assert.Equal(t, int64(256)<<20, cfg.HeapSizeBytes())
}

func TestLoadLayersOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strato.yaml")
	content := []byte(`
ring:
  ring_size: 3
  track_statistics: true
heap_pool:
  heap_size_mb: 128
  num_heaps: 2
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Ring.RingSize)
	assert.Equal(t, 128, cfg.HeapPool.HeapSizeMB)
	assert.Equal(t, 2, cfg.HeapPool.NumHeaps)
	// Untouched section keeps defaults
	assert.Equal(t, 8, cfg.Transfer.MaxPendingOps)
}

func TestLoadInvalidConfigRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ring:\n  ring_size: 1\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, stratoerrors.IsType(err, stratoerrors.ErrorTypeConfig))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/strato.yaml")
	require.Error(t, err)
	assert.True(t, stratoerrors.IsType(err, stratoerrors.ErrorTypeConfig))
}
