// Package publish coordinates finish-task reporting for published versions.
//
// A load transaction publishes a version across many tablets. The engine
// hands the resulting finish-task requests to the Manager, which holds them
// until every touched tablet's max readable version has caught up with the
// requested version, re-reporting progress at a bounded cadence while it
// waits. The index's only obligation to this package is that a tablet's max
// readable version is monotonically non-decreasing and only advances after
// the corresponding commit is installed.
package publish

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/hupe1980/pkindex/model"
)

// minFinishWorkers caps the CPU-derived pool size; the configured size may exceed it.
const minFinishWorkers = 8

// TabletVersion pairs a tablet with its requested publish version.
type TabletVersion struct {
	TabletID model.TabletID
	Version  int64
}

// FinishTaskRequest is one transaction's publish result awaiting report.
type FinishTaskRequest struct {
	Signature      int64
	OK             bool
	TabletVersions []TabletVersion
}

// Options configures a Manager.
type Options struct {
	// Workers is the configured pool size; the effective size is
	// max(Workers, min(NumCPU, 8)).
	Workers int

	// MaxReadableVersion returns a tablet's max readable version. The
	// second result is false when the tablet is unknown.
	MaxReadableVersion func(model.TabletID) (int64, bool)

	// Eligible reports whether a tablet participates in publish waiting
	// (primary-key tablet in the running state). An ineligible tablet makes
	// its whole request reportable immediately.
	Eligible func(model.TabletID) bool

	// FinishTask reports a fully applied request.
	FinishTask func(FinishTaskRequest)

	// ReportVersions re-reports interim tablet versions for a still-waiting
	// request.
	ReportVersions func(signature int64, versions []TabletVersion)

	// MaxUpdateInterval is the minimum spacing between interim re-reports
	// for the same request.
	MaxUpdateInterval time.Duration

	// Logger for waiting decisions. Nil disables logging.
	Logger *slog.Logger
}

type finishTaskInfo struct {
	request        FinishTaskRequest
	lastReport     time.Time
	notReportedCnt int
}

// Manager batches finish-task requests and defers reporting until applied.
type Manager struct {
	opts Options
	pool *WorkerPool

	mu        sync.Mutex
	finished  map[int64]FinishTaskRequest
	waiting   map[int64]*finishTaskInfo
	unapplied map[int64]map[TabletVersion]struct{}
}

// NewManager creates a publish manager.
func NewManager(optFns ...func(*Options)) *Manager {
	opts := Options{
		Workers:           0,
		MaxUpdateInterval: 30 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	// Pool size: max(configured, min(cpu, minFinishWorkers)).
	base := runtime.NumCPU()
	if base > minFinishWorkers {
		base = minFinishWorkers
	}
	workers := opts.Workers
	if workers < base {
		workers = base
	}

	return &Manager{
		opts:      opts,
		pool:      NewWorkerPool(workers),
		finished:  make(map[int64]FinishTaskRequest),
		waiting:   make(map[int64]*finishTaskInfo),
		unapplied: make(map[int64]map[TabletVersion]struct{}),
	}
}

// allTasksApplied must be called under m.mu. A failed request or one
// touching an ineligible tablet is immediately reportable.
func (m *Manager) allTasksApplied(req FinishTaskRequest) bool {
	if !req.OK {
		return true
	}
	applied := true
	pending := make(map[TabletVersion]struct{})
	for _, tv := range req.TabletVersions {
		current, known := m.opts.MaxReadableVersion(tv.TabletID)
		if !known {
			continue
		}
		if m.opts.Eligible != nil && !m.opts.Eligible(tv.TabletID) {
			return true
		}
		if current < tv.Version {
			applied = false
			pending[tv] = struct{}{}
		}
	}
	if !applied {
		m.unapplied[req.Signature] = pending
	}
	return applied
}

// leftTasksUnapplied must be called under m.mu. It re-checks the request's
// pending tablets and returns how many are still unapplied. An absent
// signature means nothing is left to apply and returns 0.
func (m *Manager) leftTasksUnapplied(req FinishTaskRequest) int {
	pending, ok := m.unapplied[req.Signature]
	if !ok {
		return 0
	}
	next := make(map[TabletVersion]struct{})
	for tv := range pending {
		current, known := m.opts.MaxReadableVersion(tv.TabletID)
		if !known {
			continue
		}
		if m.opts.Eligible != nil && !m.opts.Eligible(tv.TabletID) {
			continue
		}
		if current < tv.Version {
			next[tv] = struct{}{}
		}
	}
	if len(next) > 0 {
		m.unapplied[req.Signature] = next
	} else {
		delete(m.unapplied, req.Signature)
	}
	return len(next)
}

// WaitApplyFinish accepts finish-task requests: already-applied ones queue
// for reporting, the rest wait for their versions to catch up.
func (m *Manager) WaitApplyFinish(requests []FinishTaskRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range requests {
		if m.allTasksApplied(req) {
			m.finished[req.Signature] = req
			continue
		}
		m.waiting[req.Signature] = &finishTaskInfo{
			request:        req,
			lastReport:     time.Now(),
			notReportedCnt: len(req.TabletVersions),
		}
	}
}

// HasPendingTask reports whether anything is queued or waiting.
func (m *Manager) HasPendingTask() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.finished) > 0 || len(m.waiting) > 0
}

// updateVersions refreshes each pair with the tablet's current max readable
// version before a report goes out.
func (m *Manager) updateVersions(versions []TabletVersion) []TabletVersion {
	out := make([]TabletVersion, len(versions))
	copy(out, versions)
	for i := range out {
		if current, known := m.opts.MaxReadableVersion(out[i].TabletID); known {
			out[i].Version = current
		}
	}
	return out
}

// Tick processes queued and waiting requests: applied requests are reported
// through the pool, still-waiting ones re-report at the configured cadence
// once partial progress exists.
func (m *Manager) Tick(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for signature, req := range m.finished {
		req := req
		err := m.pool.Submit(ctx, func() {
			req.TabletVersions = m.updateVersions(req.TabletVersions)
			if m.opts.FinishTask != nil {
				m.opts.FinishTask(req)
			}
		})
		if err == nil {
			delete(m.finished, signature)
		}
	}

	for signature, info := range m.waiting {
		left := m.leftTasksUnapplied(info.request)
		if left == 0 {
			req := info.request
			err := m.pool.Submit(ctx, func() {
				req.TabletVersions = m.updateVersions(req.TabletVersions)
				if m.opts.FinishTask != nil {
					m.opts.FinishTask(req)
				}
			})
			if err == nil {
				delete(m.waiting, signature)
				delete(m.unapplied, signature)
			}
			continue
		}

		if left < info.notReportedCnt && time.Since(info.lastReport) > m.opts.MaxUpdateInterval {
			if m.opts.Logger != nil {
				m.opts.Logger.Debug("re-reporting publish progress",
					"signature", signature, "unapplied", left)
			}
			info.notReportedCnt = left
			info.lastReport = time.Now()
			versions := m.updateVersions(info.request.TabletVersions)
			sig := signature
			_ = m.pool.Submit(ctx, func() {
				if m.opts.ReportVersions != nil {
					m.opts.ReportVersions(sig, versions)
				}
			})
		}
	}
}

// Close drains the pool. Pending requests that never became applicable are
// dropped; the engine re-publishes on restart.
func (m *Manager) Close() {
	m.pool.Close()
}
