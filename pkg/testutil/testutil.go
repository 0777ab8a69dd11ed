// Package testutil provides testing utilities for Strato
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/stratoml/strato/pkg/config"
	"github.com/stratoml/strato/pkg/device"
	"github.com/stratoml/strato/pkg/transfer"
)

// TestLogger creates a test logger that writes to the test output.
// The logger is automatically cleaned up when the test completes.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestDevice creates a simulated device with fast timing suited to unit
// tests, closed automatically on test cleanup.
func TestDevice(t *testing.T) *device.SimDevice {
	t.Helper()

	cfg := config.DefaultDevice()
	cfg.ExecLatency = 100 * time.Microsecond
	cfg.TransferBandwidthMBs = 0
	d, err := device.NewSim(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// TestTransferQueue creates a transfer queue on the given device, closed
// automatically on test cleanup.
func TestTransferQueue(t *testing.T, dev device.Device) *transfer.Queue {
	t.Helper()

	q, err := transfer.NewQueue(dev, config.DefaultTransfer())
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

// AssertEventually asserts that a condition becomes true within the
// specified timeout. It checks the condition every 10ms until it succeeds
// or the timeout expires.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// IntegrationTest marks a test as an integration test
func IntegrationTest(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}
