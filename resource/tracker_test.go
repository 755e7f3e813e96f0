package resource

import (
	"testing"

	"github.com/hupe1980/pkindex/internal/failpoint"
)

func TestTrackerLimit(t *testing.T) {
	tr := NewTracker(Config{MemoryLimitBytes: 100})

	if !tr.TryConsume(60) {
		t.Fatal("first reservation should fit")
	}
	if !tr.TryConsume(40) {
		t.Fatal("second reservation should fit exactly")
	}
	if tr.TryConsume(1) {
		t.Fatal("reservation past the limit should fail")
	}
	if got := tr.MemoryUsage(); got != 100 {
		t.Fatalf("usage = %d, want 100", got)
	}

	tr.Release(40)
	if !tr.TryConsume(30) {
		t.Fatal("reservation after release should fit")
	}
	if got := tr.MemoryUsage(); got != 90 {
		t.Fatalf("usage = %d, want 90", got)
	}
}

func TestTrackerUnlimited(t *testing.T) {
	tr := NewTracker(Config{})
	if !tr.TryConsume(1 << 40) {
		t.Fatal("unlimited tracker must accept any reservation")
	}
	if got := tr.MemoryUsage(); got != 1<<40 {
		t.Fatalf("usage = %d", got)
	}

	var nilTracker *Tracker
	if !nilTracker.TryConsume(123) {
		t.Fatal("nil tracker must accept reservations")
	}
	nilTracker.Release(123)
}

func TestTrackerFailpoint(t *testing.T) {
	t.Cleanup(failpoint.Reset)

	tr := NewTracker(Config{MemoryLimitBytes: 1 << 30})
	failpoint.Enable(failpoint.L0TryConsumeMemFailed)
	if tr.TryConsume(1) {
		t.Fatal("failpoint must reject reservations")
	}
	failpoint.Disable(failpoint.L0TryConsumeMemFailed)
	if !tr.TryConsume(1) {
		t.Fatal("reservation after disabling failpoint should succeed")
	}
}
