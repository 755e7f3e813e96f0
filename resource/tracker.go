// Package resource provides the memory and IO discipline shared by the
// index layers: a Tracker that accounts every L0 allocation against a hard
// limit, and rate-limited writers for background compaction IO.
package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/hupe1980/pkindex/internal/failpoint"
)

// Config holds resource limits.
type Config struct {
	// MemoryLimitBytes is the hard limit for tracked memory.
	// If 0, no hard limit is enforced (only tracking).
	MemoryLimitBytes int64

	// IOLimitBytesPerSec is the maximum IO throughput for background
	// compaction. If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Tracker accounts memory reservations and throttles background IO.
// A nil *Tracker is valid and enforces nothing.
type Tracker struct {
	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	ioLimiter *rate.Limiter
}

// NewTracker creates a tracker for the given limits.
func NewTracker(cfg Config) *Tracker {
	t := &Tracker{}
	if cfg.MemoryLimitBytes > 0 {
		t.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}
	if cfg.IOLimitBytesPerSec > 0 {
		t.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}
	return t
}

// TryConsume attempts to reserve bytes without blocking.
// Returns false if the reservation would exceed the limit.
func (t *Tracker) TryConsume(bytes int64) bool {
	if failpoint.Active(failpoint.L0TryConsumeMemFailed) {
		return false
	}
	if t == nil || bytes <= 0 {
		return true
	}
	if t.memSem != nil && !t.memSem.TryAcquire(bytes) {
		return false
	}
	t.memUsed.Add(bytes)
	return true
}

// Release returns previously reserved bytes.
func (t *Tracker) Release(bytes int64) {
	if t == nil || bytes <= 0 {
		return
	}
	if t.memSem != nil {
		t.memSem.Release(bytes)
	}
	t.memUsed.Add(-bytes)
}

// MemoryUsage returns the tracked memory in bytes.
func (t *Tracker) MemoryUsage() int64 {
	if t == nil {
		return 0
	}
	return t.memUsed.Load()
}

// AcquireIO waits until the IO limit allows the specified number of bytes.
func (t *Tracker) AcquireIO(ctx context.Context, bytes int) error {
	if t == nil || t.ioLimiter == nil {
		return nil
	}
	return t.ioLimiter.WaitN(ctx, bytes)
}
