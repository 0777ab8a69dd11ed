package ring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratoml/strato/pkg/config"
	"github.com/stratoml/strato/pkg/device"
	"github.com/stratoml/strato/pkg/stratoerrors"
)

func newTestRing(t *testing.T, size int, timeout time.Duration) (*Ring, *device.SimDevice) {
	t.Helper()

	dcfg := config.DefaultDevice()
	dcfg.ExecLatency = 200 * time.Microsecond
	dev, err := device.NewSim(dcfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	rcfg := config.DefaultRing()
	rcfg.RingSize = size
	rcfg.Timeout = timeout
	r, err := New(dev, rcfg)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r, dev
}

func TestRingSizeOneRejected(t *testing.T) {
	dcfg := config.DefaultDevice()
	dev, err := device.NewSim(dcfg)
	require.NoError(t, err)
	defer func() { _ = dev.Close() }()

	cfg := config.DefaultRing()
	cfg.RingSize = 1

	_, err = New(dev, cfg)
	require.Error(t, err)
	assert.True(t, stratoerrors.IsType(err, stratoerrors.ErrorTypeConfig))
}

func TestAcquireSubmitRecycle(t *testing.T) {
	r, _ := newTestRing(t, 2, 0)

	cb, err := r.Acquire()
	require.NoError(t, err)
	require.NotNil(t, cb)

	done, err := r.Submit(cb)
	require.NoError(t, err)
	require.NotNil(t, done)
	require.True(t, done.Wait(time.Second))

	r.WaitAll()
	s := r.Stats()
	assert.Equal(t, uint64(1), s.TotalAcquired)
	assert.Equal(t, uint64(1), s.TotalSubmitted)
	assert.Equal(t, s.PoolSize, s.AvailableCount)
}

func TestExhaustionTimeout(t *testing.T) {
	r, _ := newTestRing(t, 2, 50*time.Millisecond)

	// Hold both buffers without submitting.
	cb1, err := r.Acquire()
	require.NoError(t, err)
	cb2, err := r.Acquire()
	require.NoError(t, err)

	_, err = r.Acquire()
	require.Error(t, err)
	assert.True(t, stratoerrors.IsType(err, stratoerrors.ErrorTypeTimeout))

	s := r.Stats()
	assert.Equal(t, uint64(1), s.TimeoutEvents)

	_, err = r.Submit(cb1)
	require.NoError(t, err)
	_, err = r.Submit(cb2)
	require.NoError(t, err)
	r.WaitAll()
}

func TestSubmitNilAndForeign(t *testing.T) {
	r, _ := newTestRing(t, 2, 0)

	done, err := r.Submit(nil)
	assert.NoError(t, err)
	assert.Nil(t, done)

	err = func() error {
		_, err := r.Submit(&device.CommandBuffer{})
		return err
	}()
	require.Error(t, err)
	assert.True(t, stratoerrors.IsType(err, stratoerrors.ErrorTypeInvalidHandle))
}

func TestRingCyclesUnderLoad(t *testing.T) {
	r, _ := newTestRing(t, 3, 5*time.Second)

	const frames = 30
	for i := 0; i < frames; i++ {
		cb, err := r.Acquire()
		require.NoError(t, err)
		_, err = r.Submit(cb)
		require.NoError(t, err)
	}
	r.WaitAll()

	s := r.Stats()
	assert.Equal(t, uint64(frames), s.TotalAcquired)
	assert.Equal(t, uint64(frames), s.TotalSubmitted)
	assert.Equal(t, uint64(frames), s.TotalReleased)
	assert.Equal(t, s.PoolSize, s.AvailableCount+s.InFlightCount)
	// Every rotation needs all three buffers seen; thirty frames allow at
	// most ten and the drain guarantees at least one.
	assert.GreaterOrEqual(t, s.Rotations, uint64(1))
	assert.LessOrEqual(t, s.Rotations, uint64(frames/3))
}

func TestSubmissionOverheadTracked(t *testing.T) {
	r, _ := newTestRing(t, 2, 0)

	cb, err := r.Acquire()
	require.NoError(t, err)
	done, err := r.Submit(cb)
	require.NoError(t, err)
	require.True(t, done.Wait(time.Second))
	r.WaitAll()

	require.Eventually(t, func() bool {
		return r.Stats().AvgSubmissionOverheadUs > 0
	}, time.Second, time.Millisecond)

	s := r.Stats()
	assert.GreaterOrEqual(t, s.MaxSubmissionOverheadUs, s.AvgSubmissionOverheadUs)

	r.ResetStats()
	s = r.Stats()
	assert.Equal(t, uint64(0), s.TotalSubmitted)
	assert.Equal(t, 0.0, s.AvgSubmissionOverheadUs)
}

func TestClosedRingRejectsAcquire(t *testing.T) {
	r, _ := newTestRing(t, 2, 0)
	r.Close()

	_, err := r.Acquire()
	require.Error(t, err)
	assert.True(t, stratoerrors.IsType(err, stratoerrors.ErrorTypeClosed))
}
