// Package strato provides the performance-critical resource layer of a
// GPU-accelerated inference server: bounded pools of reusable device
// resources with asynchronous, completion-driven recycling.
//
// # Architecture
//
// Strato is organized around one generic mechanism and three applications
// of it:
//
// 1. Bounded resource pool (pkg/pool): a fixed set of opaque handles with
// Acquire/Release, exhaustion timeouts, and rotation statistics. Released
// handles stay in flight until their completion token fires, so CPU
// issuance overlaps device execution.
//
// 2. Command buffer ring (pkg/ring): command-encoding handles cycled
// through the pool, with per-submission overhead measured from submit to
// device acknowledgment.
//
// 3. Memory heap pool (pkg/heappool): fixed-size device heaps recycled by
// reset, with size-aware fallback allocation so acquisition never blocks
// on memory.
//
// 4. Async transfer queue (pkg/transfer): uploads and downloads tracked by
// monotonic operation ids on a shared timeline, with backpressure and
// overlap accounting.
//
// Completion primitives live in pkg/completion; the simulated device
// backend in pkg/device; aggregated statistics in pkg/stats; Prometheus
// collectors in pkg/metrics.
//
// # Quick Start
//
//	dev, _ := device.NewSim(config.DefaultDevice())
//	r, _ := ring.New(dev, config.DefaultRing())
//	defer r.Close()
//
//	cb, _ := r.Acquire()
//	done, _ := r.Submit(cb)
//	done.Wait(time.Second)
package strato
