// Package device exposes the opaque device primitives consumed by the
// Strato resource pools: command buffers, memory heaps, and asynchronous
// copy operations, all tracked through completion tokens.
//
// The package assumes a single device context is already available; it does
// no device selection or capability negotiation. Handles are opaque: the
// pools own them between release and the next acquire, callers are
// temporary borrowers while acquired, and identity comparison is the only
// operation defined on them from the outside.
package device

import (
	"sync"

	"github.com/stratoml/strato/pkg/completion"
	"github.com/stratoml/strato/pkg/stratoerrors"
)

// CommandBuffer is an opaque, reusable command-encoding handle. The handle
// identity is stable for the lifetime of its device; the underlying encoder
// is renewed by the device after each completed submission, so a handle can
// be recorded into again once its previous submission finishes.
type CommandBuffer struct {
	id    int
	label string
}

// ID returns the stable handle identifier, for debugging.
func (cb *CommandBuffer) ID() int { return cb.id }

// Label returns the label assigned at creation.
func (cb *CommandBuffer) Label() string { return cb.label }

// SubmitReceipt is returned by Submit. Ack fires when the device has
// accepted the submission (used to measure submission overhead); Done fires
// when execution finishes.
type SubmitReceipt struct {
	Ack  *completion.Token
	Done *completion.Token
}

// Heap is a fixed-size device memory heap. Buffers are carved out of a heap
// with bump allocation; returning a heap to its pool resets the allocation
// offset, making the whole heap reusable.
type Heap struct {
	mu      sync.Mutex
	backing []byte
	used    int64
}

// Size returns the heap capacity in bytes.
func (h *Heap) Size() int64 { return int64(len(h.backing)) }

// Used returns the currently allocated bytes.
func (h *Heap) Used() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used
}

// Alloc carves a buffer of n bytes out of the heap. Allocations are not
// individually freed; Reset reclaims the whole heap at once.
func (h *Heap) Alloc(n int64) (*Buffer, error) {
	if n <= 0 {
		return nil, stratoerrors.New(stratoerrors.ErrorTypeInternal,
			"buffer size must be positive").WithDetail("size", n)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.used+n > int64(len(h.backing)) {
		return nil, stratoerrors.New(stratoerrors.ErrorTypeExhaustion,
			"heap exhausted").
			WithDetail("requested", n).
			WithDetail("free", int64(len(h.backing))-h.used)
	}

	buf := &Buffer{heap: h, off: h.used, n: n}
	h.used += n
	return buf, nil
}

// Reset reclaims all allocations in the heap. Buffers previously allocated
// from this heap must no longer be used after Reset.
func (h *Heap) Reset() {
	h.mu.Lock()
	h.used = 0
	h.mu.Unlock()
}

// Buffer is an opaque device buffer carved from a heap.
type Buffer struct {
	heap *Heap
	off  int64
	n    int64
}

// Len returns the buffer length in bytes.
func (b *Buffer) Len() int64 { return b.n }

// bytes exposes the backing storage to copy operations within the package.
func (b *Buffer) bytes() []byte {
	return b.heap.backing[b.off : b.off+b.n]
}

// TransferHandle tracks one asynchronous copy operation on the device's
// transfer queue.
type TransferHandle struct {
	done *completion.Token
}

// Completed reports whether the copy has finished, without blocking.
func (th *TransferHandle) Completed() bool { return th.done.Completed() }

// Done returns the handle's completion token.
func (th *TransferHandle) Done() *completion.Token { return th.done }

// Device is the command-submission surface the pools are built on. All
// asynchronous operations preserve FIFO order within their queue: compute
// submissions execute in Submit order, copies in issue order. Completion is
// signaled asynchronously relative to the issuing CPU thread.
type Device interface {
	// NewCommandBuffer creates a reusable command-encoding handle.
	NewCommandBuffer(label string) (*CommandBuffer, error)

	// Submit schedules the recorded work for execution and returns a
	// receipt carrying the ack and completion tokens. Submit may apply
	// backpressure when the device queue is full, but never waits for
	// execution itself.
	Submit(cb *CommandBuffer) (*SubmitReceipt, error)

	// NewHeap allocates a device memory heap of the given size.
	NewHeap(size int64) (*Heap, error)

	// ReleaseHeap returns a heap's memory to the device.
	ReleaseHeap(h *Heap)

	// CopyToDevice asynchronously copies host bytes into a device buffer at
	// the given offset. onDone, if non-nil, runs on the device's transfer
	// worker after the copy completes.
	CopyToDevice(src []byte, dst *Buffer, offset int64, onDone func()) (*TransferHandle, error)

	// CopyFromDevice asynchronously copies device bytes into a host slice.
	// The destination must be pre-allocated by the caller.
	CopyFromDevice(src *Buffer, offset int64, dst []byte, onDone func()) (*TransferHandle, error)

	// SyncCopyToDevice performs the copy inline on the calling thread.
	SyncCopyToDevice(src []byte, dst *Buffer, offset int64) error

	// SyncCopyFromDevice performs the copy inline on the calling thread.
	SyncCopyFromDevice(src *Buffer, offset int64, dst []byte) error

	// Flush ensures all issued commands have been handed to the device.
	Flush()

	// Close shuts the device down after draining queued work. Pools built
	// on the device must be drained (WaitAll) before closing it.
	Close() error
}

func checkUploadBounds(src []byte, dst *Buffer, offset int64) error {
	if dst == nil {
		return stratoerrors.New(stratoerrors.ErrorTypeInvalidHandle,
			"nil destination buffer")
	}
	if offset < 0 || offset+int64(len(src)) > dst.Len() {
		return stratoerrors.New(stratoerrors.ErrorTypeInternal,
			"copy exceeds destination bounds").
			WithDetail("offset", offset).
			WithDetail("size", len(src)).
			WithDetail("buffer_len", dst.Len())
	}
	return nil
}

func checkDownloadBounds(src *Buffer, offset int64, dst []byte) error {
	if src == nil {
		return stratoerrors.New(stratoerrors.ErrorTypeInvalidHandle,
			"nil source buffer")
	}
	if offset < 0 || offset+int64(len(dst)) > src.Len() {
		return stratoerrors.New(stratoerrors.ErrorTypeInternal,
			"copy exceeds source bounds").
			WithDetail("offset", offset).
			WithDetail("size", len(dst)).
			WithDetail("buffer_len", src.Len())
	}
	return nil
}
