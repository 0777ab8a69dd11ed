package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratoml/strato/pkg/completion"
	"github.com/stratoml/strato/pkg/stratoerrors"
)

type resource struct{ id int }

func newTestPool(t *testing.T, n int) *Pool[*resource] {
	t.Helper()
	handles := make([]*resource, n)
	for i := range handles {
		handles[i] = &resource{id: i}
	}
	p, err := New(handles, Options{Name: t.Name(), TrackStats: true})
	require.NoError(t, err)
	return p
}

func TestNewRejectsBadHandles(t *testing.T) {
	_, err := New[*resource](nil, Options{})
	require.Error(t, err)
	assert.True(t, stratoerrors.IsType(err, stratoerrors.ErrorTypeConfig))

	_, err = New([]*resource{nil}, Options{})
	require.Error(t, err)

	r := &resource{}
	_, err = New([]*resource{r, r}, Options{})
	require.Error(t, err)
}

func TestAcquireReleaseImmediate(t *testing.T) {
	p := newTestPool(t, 2)

	h, err := p.Acquire(0)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, 1, p.Cap()-p.AvailableCount())

	require.NoError(t, p.Release(h, nil))
	assert.Equal(t, 2, p.AvailableCount())
}

func TestInvariantHolds(t *testing.T) {
	p := newTestPool(t, 3)

	h1, _ := p.Acquire(0)
	h2, _ := p.Acquire(0)

	s := p.Stats()
	assert.Equal(t, s.PoolSize, s.AvailableCount+s.InFlightCount)
	assert.Equal(t, 2, s.InFlightCount)

	require.NoError(t, p.Release(h1, nil))
	require.NoError(t, p.Release(h2, nil))

	s = p.Stats()
	assert.Equal(t, s.PoolSize, s.AvailableCount+s.InFlightCount)
	assert.Equal(t, 0, s.InFlightCount)
}

func TestDeferredReleaseRecyclesOnSignal(t *testing.T) {
	p := newTestPool(t, 1)

	h, err := p.Acquire(0)
	require.NoError(t, err)

	tok := completion.NewToken()
	require.NoError(t, p.Release(h, tok))

	// Still in flight until the token fires.
	assert.Equal(t, 0, p.AvailableCount())
	_, ok := p.TryAcquire()
	assert.False(t, ok)

	tok.Signal()
	require.Eventually(t, func() bool { return p.AvailableCount() == 1 },
		time.Second, time.Millisecond)
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	p := newTestPool(t, 1)

	h, err := p.Acquire(0)
	require.NoError(t, err)

	tok := completion.NewToken()
	require.NoError(t, p.Release(h, tok))

	got := make(chan error, 1)
	go func() {
		_, err := p.Acquire(5 * time.Second)
		got <- err
	}()

	time.Sleep(20 * time.Millisecond)
	tok.Signal()
	require.NoError(t, <-got)

	s := p.Stats()
	assert.Equal(t, uint64(1), s.WaitEvents)
	assert.Equal(t, uint64(0), s.TimeoutEvents)
}

func TestAcquireTimeout(t *testing.T) {
	p := newTestPool(t, 1)

	h, err := p.Acquire(0)
	require.NoError(t, err)
	defer func() { _ = p.Release(h, nil) }()

	start := time.Now()
	_, err = p.Acquire(50 * time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, stratoerrors.IsType(err, stratoerrors.ErrorTypeTimeout))
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)

	s := p.Stats()
	assert.Equal(t, uint64(1), s.TimeoutEvents)
	assert.Equal(t, s.PoolSize, s.AvailableCount+s.InFlightCount)
}

func TestReleaseValidation(t *testing.T) {
	p := newTestPool(t, 1)

	// Zero handle is a no-op.
	require.NoError(t, p.Release(nil, nil))

	// Foreign handle is rejected.
	err := p.Release(&resource{id: 99}, nil)
	require.Error(t, err)
	assert.True(t, stratoerrors.IsType(err, stratoerrors.ErrorTypeInvalidHandle))

	// Double release is rejected.
	h, err := p.Acquire(0)
	require.NoError(t, err)
	require.NoError(t, p.Release(h, nil))
	err = p.Release(h, nil)
	require.Error(t, err)
	assert.True(t, stratoerrors.IsType(err, stratoerrors.ErrorTypeInvalidHandle))
}

func TestDoubleReleaseBeforeTokenFires(t *testing.T) {
	p := newTestPool(t, 1)

	h, err := p.Acquire(0)
	require.NoError(t, err)

	tok := completion.NewToken()
	require.NoError(t, p.Release(h, tok))

	// The handle is still waiting on its token; a second release must be
	// rejected rather than double-counted.
	err = p.Release(h, nil)
	require.Error(t, err)
	assert.True(t, stratoerrors.IsType(err, stratoerrors.ErrorTypeInvalidHandle))

	tok.Signal()
	require.Eventually(t, func() bool { return p.AvailableCount() == 1 },
		time.Second, time.Millisecond)

	s := p.Stats()
	assert.Equal(t, uint64(1), s.TotalReleased)
	assert.Equal(t, s.PoolSize, s.AvailableCount+s.InFlightCount)
}

func TestWaitAllDrains(t *testing.T) {
	p := newTestPool(t, 2)

	h1, _ := p.Acquire(0)
	h2, _ := p.Acquire(0)
	tok1, tok2 := completion.NewToken(), completion.NewToken()
	require.NoError(t, p.Release(h1, tok1))
	require.NoError(t, p.Release(h2, tok2))

	done := make(chan struct{})
	go func() {
		p.WaitAll()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitAll returned while work was still in flight")
	case <-time.After(20 * time.Millisecond):
	}

	tok1.Signal()
	tok2.Signal()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitAll did not return after all completions")
	}
	assert.Equal(t, 2, p.AvailableCount())
}

func TestRotationCounting(t *testing.T) {
	p := newTestPool(t, 2)

	// Two full cycles through both handles.
	for cycle := 0; cycle < 2; cycle++ {
		h1, err := p.Acquire(0)
		require.NoError(t, err)
		h2, err := p.Acquire(0)
		require.NoError(t, err)
		require.NoError(t, p.Release(h1, nil))
		require.NoError(t, p.Release(h2, nil))
	}

	assert.Equal(t, uint64(2), p.Stats().Rotations)
}

func TestConcurrentAcquireRelease(t *testing.T) {
	const (
		workers = 8
		cycles  = 200
	)
	p := newTestPool(t, 3)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < cycles; j++ {
				h, err := p.Acquire(5 * time.Second)
				if err != nil {
					t.Error(err)
					return
				}
				require.NoError(t, p.Release(h, nil))
			}
		}()
	}
	wg.Wait()

	s := p.Stats()
	assert.Equal(t, uint64(workers*cycles), s.TotalAcquired)
	assert.Equal(t, uint64(workers*cycles), s.TotalReleased)
	assert.Equal(t, s.PoolSize, s.AvailableCount+s.InFlightCount)
	assert.Equal(t, s.PoolSize, s.AvailableCount)
}

func TestStatsResetPreservesStructure(t *testing.T) {
	p := newTestPool(t, 2)

	h, err := p.Acquire(0)
	require.NoError(t, err)

	p.ResetStats()

	s := p.Stats()
	assert.Equal(t, uint64(0), s.TotalAcquired)
	assert.Equal(t, uint64(0), s.WaitEvents)
	// Structural state survives the reset.
	assert.Equal(t, 1, s.InFlightCount)
	assert.Equal(t, 1, s.AvailableCount)

	require.NoError(t, p.Release(h, nil))
}

func TestCloseDestroysAllHandles(t *testing.T) {
	p := newTestPool(t, 3)

	h, err := p.Acquire(0)
	require.NoError(t, err)
	tok := completion.NewToken()
	require.NoError(t, p.Release(h, tok))

	destroyed := make(map[int]bool)
	done := make(chan struct{})
	go func() {
		p.Close(func(r *resource) { destroyed[r.id] = true })
		close(done)
	}()

	tok.Signal()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not finish after drain")
	}
	assert.Len(t, destroyed, 3)

	_, err = p.Acquire(0)
	require.Error(t, err)
	assert.True(t, stratoerrors.IsType(err, stratoerrors.ErrorTypeClosed))
}
