package transfer

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratoml/strato/pkg/config"
	"github.com/stratoml/strato/pkg/device"
	"github.com/stratoml/strato/pkg/stratoerrors"
)

type fixture struct {
	dev *device.SimDevice
	q   *Queue
	buf *device.Buffer
}

func newFixture(t *testing.T, mutate func(*config.TransferConfig)) *fixture {
	t.Helper()

	dcfg := config.DefaultDevice()
	dcfg.TransferBandwidthMBs = 0
	dev, err := device.NewSim(dcfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })

	qcfg := config.DefaultTransfer()
	if mutate != nil {
		mutate(&qcfg)
	}
	q, err := NewQueue(dev, qcfg)
	require.NoError(t, err)
	t.Cleanup(q.Close)

	heap, err := dev.NewHeap(4 << 20)
	require.NoError(t, err)
	buf, err := heap.Alloc(1 << 20)
	require.NoError(t, err)

	return &fixture{dev: dev, q: q, buf: buf}
}

func TestUploadCompletesAndRoundTrips(t *testing.T) {
	f := newFixture(t, nil)

	src := bytes.Repeat([]byte{0x5A}, 1<<20)
	id, err := f.q.UploadAsync(src, f.buf, 0, nil)
	require.NoError(t, err)
	require.NotZero(t, id)

	ok, err := f.q.WaitForCompletion(id, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, f.q.IsCompleted(id))

	dst := make([]byte, 1<<20)
	did, err := f.q.DownloadAsync(f.buf, 0, dst, nil)
	require.NoError(t, err)
	ok, err = f.q.WaitForCompletion(did, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, src, dst)

	m := f.q.Metrics()
	assert.Equal(t, uint64(1), m.TotalUploads)
	assert.Equal(t, uint64(1), m.TotalDownloads)
}

func TestOperationIdsAreMonotonic(t *testing.T) {
	f := newFixture(t, nil)

	var last uint64
	for i := 0; i < 10; i++ {
		id, err := f.q.UploadAsync(make([]byte, 1024), f.buf, 0, nil)
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
	f.q.WaitForAll()
}

func TestUnknownOperationId(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.q.WaitForCompletion(9999, time.Millisecond)
	require.Error(t, err)
	assert.True(t, stratoerrors.IsType(err, stratoerrors.ErrorTypeNotFound))

	_, err = f.q.Status(9999)
	require.Error(t, err)
	assert.True(t, stratoerrors.IsType(err, stratoerrors.ErrorTypeNotFound))
}

func TestCompletionCallbackFires(t *testing.T) {
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	var got uint64
	id, err := f.q.UploadAsync(make([]byte, 4096), f.buf, 0, func(opID uint64) {
		got = opID
		wg.Done()
	})
	require.NoError(t, err)

	wg.Wait()
	assert.Equal(t, id, got)
}

func TestWaitForAllDrains(t *testing.T) {
	f := newFixture(t, nil)

	for i := 0; i < 5; i++ {
		_, err := f.q.UploadAsync(make([]byte, 64<<10), f.buf, 0, nil)
		require.NoError(t, err)
	}
	f.q.WaitForAll()

	m := f.q.Metrics()
	assert.Equal(t, uint64(5), m.TotalUploads)
	assert.Equal(t, 0, m.PendingOps)
}

func TestBackpressureBoundsPending(t *testing.T) {
	dcfg := config.DefaultDevice()
	dcfg.TransferBandwidthMBs = 64 // slow copies so ops pile up
	dev, err := device.NewSim(dcfg)
	require.NoError(t, err)
	defer func() { _ = dev.Close() }()

	qcfg := config.DefaultTransfer()
	qcfg.MaxPendingOps = 2
	q, err := NewQueue(dev, qcfg)
	require.NoError(t, err)
	defer q.Close()

	heap, err := dev.NewHeap(64 << 20)
	require.NoError(t, err)
	buf, err := heap.Alloc(32 << 20)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		_, err := q.UploadAsync(make([]byte, 4<<20), buf, 0, nil)
		require.NoError(t, err)
		assert.LessOrEqual(t, q.Metrics().PendingOps, 2)
	}
	q.WaitForAll()

	m := q.Metrics()
	assert.Equal(t, uint64(6), m.TotalUploads)
	assert.Greater(t, m.SyncWaitCount, uint64(0))
	assert.Greater(t, m.OverlapRatio, 0.0)
	assert.LessOrEqual(t, m.OverlapRatio, 1.0)
}

func TestWaitForAllDrainsAfterFailedIssue(t *testing.T) {
	dcfg := config.DefaultDevice()
	dcfg.TransferBandwidthMBs = 64 // slow copies so earlier ops stay in flight
	dev, err := device.NewSim(dcfg)
	require.NoError(t, err)
	defer func() { _ = dev.Close() }()

	q, err := NewQueue(dev, config.DefaultTransfer())
	require.NoError(t, err)
	defer q.Close()

	heap, err := dev.NewHeap(64 << 20)
	require.NoError(t, err)
	buf, err := heap.Alloc(32 << 20)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := q.UploadAsync(make([]byte, 8<<20), buf, 0, nil)
		require.NoError(t, err)
	}

	// The highest issued id fails bounds checking and never reaches the
	// device. The drain must still cover the two live uploads.
	_, err = q.UploadAsync(make([]byte, 48<<20), buf, 0, nil)
	require.Error(t, err)

	q.WaitForAll()

	m := q.Metrics()
	assert.Equal(t, 0, m.PendingOps)
	assert.Equal(t, uint64(2), m.TotalUploads)
}

func TestConcurrentIssuersHoldPendingCap(t *testing.T) {
	const (
		workers       = 8
		opsPerWorker  = 4
		maxPendingOps = 2
	)

	dcfg := config.DefaultDevice()
	dcfg.TransferBandwidthMBs = 256
	dev, err := device.NewSim(dcfg)
	require.NoError(t, err)
	defer func() { _ = dev.Close() }()

	qcfg := config.DefaultTransfer()
	qcfg.MaxPendingOps = maxPendingOps
	q, err := NewQueue(dev, qcfg)
	require.NoError(t, err)
	defer q.Close()

	heap, err := dev.NewHeap(16 << 20)
	require.NoError(t, err)
	buf, err := heap.Alloc(8 << 20)
	require.NoError(t, err)

	stop := make(chan struct{})
	maxSeen := make(chan int, 1)
	go func() {
		seen := 0
		for {
			if p := q.Metrics().PendingOps; p > seen {
				seen = p
			}
			select {
			case <-stop:
				maxSeen <- seen
				return
			case <-time.After(200 * time.Microsecond):
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < opsPerWorker; j++ {
				_, err := q.UploadAsync(make([]byte, 1<<20), buf, 0, nil)
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	q.WaitForAll()
	close(stop)

	assert.LessOrEqual(t, <-maxSeen, maxPendingOps)
	m := q.Metrics()
	assert.Equal(t, uint64(workers*opsPerWorker), m.TotalUploads)
	assert.Equal(t, 0, m.PendingOps)
}

func TestDisabledQueueIsSynchronous(t *testing.T) {
	f := newFixture(t, func(c *config.TransferConfig) { c.Enabled = false })

	src := bytes.Repeat([]byte{0x33}, 4096)
	id, err := f.q.UploadAsync(src, f.buf, 0, nil)
	require.NoError(t, err)

	// Completed before the call returned.
	assert.True(t, f.q.IsCompleted(id))
	st, err := f.q.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st)

	dst := make([]byte, 4096)
	did, err := f.q.DownloadAsync(f.buf, 0, dst, nil)
	require.NoError(t, err)
	assert.True(t, f.q.IsCompleted(did))
	assert.Equal(t, src, dst)
}

func TestPollingFallbackWithoutCompletionEvents(t *testing.T) {
	f := newFixture(t, func(c *config.TransferConfig) { c.UseCompletionEvents = false })

	id, err := f.q.UploadAsync(make([]byte, 4096), f.buf, 0, nil)
	require.NoError(t, err)

	ok, err := f.q.WaitForCompletion(id, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTimedOutWaitDoesNotCancel(t *testing.T) {
	dcfg := config.DefaultDevice()
	dcfg.TransferBandwidthMBs = 32
	dev, err := device.NewSim(dcfg)
	require.NoError(t, err)
	defer func() { _ = dev.Close() }()

	q, err := NewQueue(dev, config.DefaultTransfer())
	require.NoError(t, err)
	defer q.Close()

	heap, err := dev.NewHeap(16 << 20)
	require.NoError(t, err)
	buf, err := heap.Alloc(8 << 20)
	require.NoError(t, err)

	id, err := q.UploadAsync(make([]byte, 8<<20), buf, 0, nil)
	require.NoError(t, err)

	ok, err := q.WaitForCompletion(id, time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	st, err := q.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, st)

	// The copy still finishes.
	ok, err = q.WaitForCompletion(id, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInvalidCopyRejected(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.q.UploadAsync(make([]byte, 2<<20), f.buf, 0, nil)
	require.Error(t, err)
	assert.Equal(t, 0, f.q.Metrics().PendingOps)
}

func TestMetricsReset(t *testing.T) {
	f := newFixture(t, nil)

	id, err := f.q.UploadAsync(make([]byte, 4096), f.buf, 0, nil)
	require.NoError(t, err)
	_, err = f.q.WaitForCompletion(id, time.Second)
	require.NoError(t, err)

	f.q.ResetMetrics()
	m := f.q.Metrics()
	assert.Equal(t, uint64(0), m.TotalUploads)
	assert.Equal(t, uint64(0), m.SyncWaitCount)
}

func TestClosedQueueRejectsIssues(t *testing.T) {
	f := newFixture(t, nil)
	f.q.Close()

	_, err := f.q.UploadAsync(make([]byte, 64), f.buf, 0, nil)
	require.Error(t, err)
	assert.True(t, stratoerrors.IsType(err, stratoerrors.ErrorTypeClosed))
}
