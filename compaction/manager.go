// Package compaction schedules background major compactions across tablets,
// bounding concurrency per data directory and node-wide.
package compaction

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/pkindex/model"
)

// Candidate is one tablet proposed for compaction.
type Candidate struct {
	TabletID model.TabletID
	// Score orders candidates; higher runs first.
	Score float64
	// Dir is the data directory holding the tablet.
	Dir string
}

// Provider returns the current candidates. The manager sorts them by
// descending score before scheduling.
type Provider func() []Candidate

// Runner executes one tablet's major compaction.
type Runner func(ctx context.Context, tabletID model.TabletID) error

// Options configures a Manager.
type Options struct {
	// LimitPerDisk caps concurrently running compactions per directory.
	LimitPerDisk int
	// ScheduleInterval is the timer period for Start.
	ScheduleInterval time.Duration
	// MaxWorkers bounds concurrently executing compactions node-wide.
	MaxWorkers int64
	// IsMigrating reports whether a tablet is mid-migration; such tablets
	// are skipped and never marked running.
	IsMigrating func(model.TabletID) bool
	// Logger for scheduling decisions. Nil disables logging.
	Logger *slog.Logger
}

// DefaultOptions returns the default Manager options.
var DefaultOptions = Options{
	LimitPerDisk:     1,
	ScheduleInterval: 15 * time.Second,
	MaxWorkers:       4,
}

// Manager tracks running compactions and drives the schedule timer.
type Manager struct {
	opts   Options
	runner Runner

	mu      sync.Mutex
	running *roaring64.Bitmap
	perDir  map[string]int

	workers *semaphore.Weighted
	wg      sync.WaitGroup

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager that executes compactions through runner.
func NewManager(runner Runner, optFns ...func(*Options)) *Manager {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.LimitPerDisk < 1 {
		opts.LimitPerDisk = 1
	}
	if opts.MaxWorkers < 1 {
		opts.MaxWorkers = 1
	}
	return &Manager{
		opts:    opts,
		runner:  runner,
		running: roaring64.New(),
		perDir:  make(map[string]int),
		workers: semaphore.NewWeighted(opts.MaxWorkers),
	}
}

// MarkRunning records a tablet as compacting and charges its directory.
// Returns false if the tablet is already running.
func (m *Manager) MarkRunning(tabletID model.TabletID, dir string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running.Contains(uint64(tabletID)) {
		return false
	}
	m.running.Add(uint64(tabletID))
	m.perDir[dir]++
	return true
}

// UnmarkRunning removes a tablet from the running set.
func (m *Manager) UnmarkRunning(tabletID model.TabletID, dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running.Contains(uint64(tabletID)) {
		return
	}
	m.running.Remove(uint64(tabletID))
	if m.perDir[dir] > 0 {
		m.perDir[dir]--
	}
	if m.perDir[dir] == 0 {
		delete(m.perDir, dir)
	}
}

// IsRunning reports whether a tablet is currently compacting.
func (m *Manager) IsRunning(tabletID model.TabletID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running.Contains(uint64(tabletID))
}

// RunningCount returns the number of tablets currently compacting.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.running.GetCardinality())
}

// DiskLimitReached reports whether dir is at its concurrency cap.
func (m *Manager) DiskLimitReached(dir string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.perDir[dir] >= m.opts.LimitPerDisk
}

// ScheduleOnce runs one scheduling pass: candidates in descending score
// order, skipping running tablets, migrating tablets and saturated disks.
func (m *Manager) ScheduleOnce(ctx context.Context, provider Provider) {
	candidates := provider()
	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].Score > candidates[b].Score
	})

	for _, c := range candidates {
		if m.IsRunning(c.TabletID) {
			continue
		}
		if m.opts.IsMigrating != nil && m.opts.IsMigrating(c.TabletID) {
			if m.opts.Logger != nil {
				m.opts.Logger.Debug("skip compaction of migrating tablet", "tablet_id", c.TabletID)
			}
			continue
		}
		if m.DiskLimitReached(c.Dir) {
			if m.opts.Logger != nil {
				m.opts.Logger.Debug("skip compaction, disk at limit", "tablet_id", c.TabletID, "dir", c.Dir)
			}
			continue
		}
		if !m.MarkRunning(c.TabletID, c.Dir) {
			continue
		}
		m.submit(ctx, c)
	}
}

func (m *Manager) submit(ctx context.Context, c Candidate) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.UnmarkRunning(c.TabletID, c.Dir)

		if err := m.workers.Acquire(ctx, 1); err != nil {
			return
		}
		defer m.workers.Release(1)

		if err := m.runner(ctx, c.TabletID); err != nil && m.opts.Logger != nil {
			m.opts.Logger.Warn("compaction failed", "tablet_id", c.TabletID, "error", err)
		}
	}()
}

// Start launches the schedule timer. Stop cancels it and waits for running
// compactions to finish.
func (m *Manager) Start(provider Provider) {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	ticker := time.NewTicker(m.opts.ScheduleInterval)
	go func() {
		defer close(m.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.ScheduleOnce(ctx, provider)
			}
		}
	}()
}

// Stop halts scheduling and drains in-flight compactions.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
		m.cancel = nil
	}
	m.wg.Wait()
}
