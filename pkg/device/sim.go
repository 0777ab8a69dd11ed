package device

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stratoml/strato/pkg/completion"
	"github.com/stratoml/strato/pkg/config"
	"github.com/stratoml/strato/pkg/logger"
	"github.com/stratoml/strato/pkg/stratoerrors"
)

// SimDevice is a simulated single-context accelerator. It executes compute
// submissions FIFO on one background worker and copies FIFO on a second,
// signaling completion tokens asynchronously relative to the issuing CPU
// threads. Timing is governed by config.DeviceConfig, which makes the
// backpressure and overlap behavior of the pools observable in tests and
// benchmarks without real hardware.
type SimDevice struct {
	cfg config.DeviceConfig
	log *zap.Logger

	submitCh chan *submission
	blitCh   chan *blit
	quit     chan struct{}
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool

	nextCBID atomic.Int64
}

type submission struct {
	cb      *CommandBuffer
	receipt *SubmitReceipt
}

type blit struct {
	size   int64
	run    func()
	handle *TransferHandle
	onDone func()
}

// NewSim creates a simulated device. An invalid device configuration aborts
// construction; no partially-initialized device is ever returned.
func NewSim(cfg config.DeviceConfig) (*SimDevice, error) {
	if err := cfg.Validate(); err != nil {
		return nil, stratoerrors.Wrap(err, stratoerrors.ErrorTypeDevice,
			"device initialization failed")
	}

	d := &SimDevice{
		cfg:      cfg,
		log:      logger.With(zap.String("component", "sim_device")),
		submitCh: make(chan *submission, cfg.QueueDepth),
		blitCh:   make(chan *blit, cfg.QueueDepth),
		quit:     make(chan struct{}),
	}

	d.wg.Add(2)
	go d.computeWorker()
	go d.blitWorker()
	return d, nil
}

// NewCommandBuffer creates a reusable command-encoding handle.
func (d *SimDevice) NewCommandBuffer(label string) (*CommandBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, stratoerrors.New(stratoerrors.ErrorTypeClosed, "device is closed")
	}
	return &CommandBuffer{id: int(d.nextCBID.Add(1)), label: label}, nil
}

// Submit schedules the command buffer for FIFO execution. The returned
// receipt's Ack token fires when the compute worker dequeues the
// submission, Done when the simulated execution finishes.
func (d *SimDevice) Submit(cb *CommandBuffer) (*SubmitReceipt, error) {
	if cb == nil {
		return nil, stratoerrors.New(stratoerrors.ErrorTypeInvalidHandle,
			"submit of nil command buffer")
	}

	receipt := &SubmitReceipt{
		Ack:  completion.NewToken(),
		Done: completion.NewToken(),
	}

	// The send happens under d.mu so it is ordered before Close marks the
	// device closed; the drain loop then signals every queued token.
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, stratoerrors.New(stratoerrors.ErrorTypeClosed, "device is closed")
	}
	d.submitCh <- &submission{cb: cb, receipt: receipt}
	d.mu.Unlock()
	return receipt, nil
}

// NewHeap allocates a simulated device heap backed by host memory.
func (d *SimDevice) NewHeap(size int64) (*Heap, error) {
	if size <= 0 {
		return nil, stratoerrors.New(stratoerrors.ErrorTypeDevice,
			"heap size must be positive").WithDetail("size", size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, stratoerrors.New(stratoerrors.ErrorTypeClosed, "device is closed")
	}
	return &Heap{backing: make([]byte, size)}, nil
}

// ReleaseHeap returns the heap's memory to the device. For the simulation
// this drops the backing storage for the garbage collector.
func (d *SimDevice) ReleaseHeap(h *Heap) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.backing = nil
	h.used = 0
	h.mu.Unlock()
}

// CopyToDevice asynchronously copies host bytes into a device buffer.
func (d *SimDevice) CopyToDevice(src []byte, dst *Buffer, offset int64, onDone func()) (*TransferHandle, error) {
	if err := checkUploadBounds(src, dst, offset); err != nil {
		return nil, err
	}
	return d.enqueueBlit(int64(len(src)), func() {
		copy(dst.bytes()[offset:], src)
	}, onDone)
}

// CopyFromDevice asynchronously copies device bytes into a pre-allocated
// host slice.
func (d *SimDevice) CopyFromDevice(src *Buffer, offset int64, dst []byte, onDone func()) (*TransferHandle, error) {
	if err := checkDownloadBounds(src, offset, dst); err != nil {
		return nil, err
	}
	return d.enqueueBlit(int64(len(dst)), func() {
		copy(dst, src.bytes()[offset:])
	}, onDone)
}

// SyncCopyToDevice performs the copy inline on the calling thread.
func (d *SimDevice) SyncCopyToDevice(src []byte, dst *Buffer, offset int64) error {
	if err := checkUploadBounds(src, dst, offset); err != nil {
		return err
	}
	copy(dst.bytes()[offset:], src)
	return nil
}

// SyncCopyFromDevice performs the copy inline on the calling thread.
func (d *SimDevice) SyncCopyFromDevice(src *Buffer, offset int64, dst []byte) error {
	if err := checkDownloadBounds(src, offset, dst); err != nil {
		return err
	}
	copy(dst, src.bytes()[offset:])
	return nil
}

// Flush is a no-op for the simulation: commands are handed to the workers
// at issue time. The method exists to preserve the submission contract.
func (d *SimDevice) Flush() {}

// Close drains queued work and stops the workers. Pools built on this
// device must be drained (WaitAll) before Close; completion tokens of work
// still queued at Close time are signaled during the drain.
func (d *SimDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	close(d.quit)
	d.wg.Wait()
	return nil
}

func (d *SimDevice) enqueueBlit(size int64, run, onDone func()) (*TransferHandle, error) {
	handle := &TransferHandle{done: completion.NewToken()}

	// Same ordering as Submit: the send and the closed check share one
	// critical section so no blit slips past the shutdown drain.
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, stratoerrors.New(stratoerrors.ErrorTypeClosed, "device is closed")
	}
	d.blitCh <- &blit{size: size, run: run, handle: handle, onDone: onDone}
	d.mu.Unlock()
	return handle, nil
}

func (d *SimDevice) computeWorker() {
	defer d.wg.Done()
	for {
		select {
		case s := <-d.submitCh:
			d.execute(s)
		case <-d.quit:
			// Drain whatever was queued before shutdown so no token is
			// left unsignaled.
			for {
				select {
				case s := <-d.submitCh:
					d.execute(s)
				default:
					return
				}
			}
		}
	}
}

func (d *SimDevice) execute(s *submission) {
	s.receipt.Ack.Signal()
	if d.cfg.ExecLatency > 0 {
		time.Sleep(d.cfg.ExecLatency)
	}
	s.receipt.Done.Signal()
}

func (d *SimDevice) blitWorker() {
	defer d.wg.Done()
	for {
		select {
		case b := <-d.blitCh:
			d.copy(b)
		case <-d.quit:
			for {
				select {
				case b := <-d.blitCh:
					d.copy(b)
				default:
					return
				}
			}
		}
	}
}

func (d *SimDevice) copy(b *blit) {
	b.run()
	if d.cfg.TransferBandwidthMBs > 0 {
		mb := float64(b.size) / (1 << 20)
		delay := time.Duration(mb / d.cfg.TransferBandwidthMBs * float64(time.Second))
		if delay > 0 {
			time.Sleep(delay)
		}
	}
	b.handle.done.Signal()
	if b.onDone != nil {
		b.onDone()
	}
}
