package pkindex

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/pkindex/model"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement it to integrate with monitoring systems.
type MetricsCollector interface {
	// RecordUpsert is called after each upsert batch.
	RecordUpsert(count int, duration time.Duration, err error)

	// RecordErase is called after each erase batch.
	RecordErase(count int, duration time.Duration, err error)

	// RecordGet is called after each get batch with the IO counters the
	// batch accumulated.
	RecordGet(count int, stat model.IOStat, duration time.Duration, err error)

	// RecordCommit is called after each commit with the action taken
	// ("wal", "snapshot", "flush-l1", "flush-tmp-l1", "flush-l2").
	RecordCommit(action string, duration time.Duration, err error)

	// RecordCompaction is called after each major compaction.
	RecordCompaction(inputs int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordUpsert(int, time.Duration, error)            {}
func (NoopMetricsCollector) RecordErase(int, time.Duration, error)             {}
func (NoopMetricsCollector) RecordGet(int, model.IOStat, time.Duration, error) {}
func (NoopMetricsCollector) RecordCommit(string, time.Duration, error)         {}
func (NoopMetricsCollector) RecordCompaction(int, time.Duration, error)        {}

// BasicMetricsCollector provides simple in-memory metrics collection.
type BasicMetricsCollector struct {
	UpsertCount   atomic.Int64
	UpsertKeys    atomic.Int64
	UpsertErrors  atomic.Int64
	EraseCount    atomic.Int64
	EraseKeys     atomic.Int64
	EraseErrors   atomic.Int64
	GetCount      atomic.Int64
	GetKeys       atomic.Int64
	GetErrors     atomic.Int64
	FilteredKVCnt atomic.Int64
	ReadPages     atomic.Int64
	CommitCount   atomic.Int64
	CommitErrors  atomic.Int64
	Compactions   atomic.Int64
}

func (b *BasicMetricsCollector) RecordUpsert(count int, _ time.Duration, err error) {
	b.UpsertCount.Add(1)
	b.UpsertKeys.Add(int64(count))
	if err != nil {
		b.UpsertErrors.Add(1)
	}
}

func (b *BasicMetricsCollector) RecordErase(count int, _ time.Duration, err error) {
	b.EraseCount.Add(1)
	b.EraseKeys.Add(int64(count))
	if err != nil {
		b.EraseErrors.Add(1)
	}
}

func (b *BasicMetricsCollector) RecordGet(count int, stat model.IOStat, _ time.Duration, err error) {
	b.GetCount.Add(1)
	b.GetKeys.Add(int64(count))
	b.FilteredKVCnt.Add(int64(stat.FilteredKVCnt))
	b.ReadPages.Add(int64(stat.ReadPages))
	if err != nil {
		b.GetErrors.Add(1)
	}
}

func (b *BasicMetricsCollector) RecordCommit(_ string, _ time.Duration, err error) {
	b.CommitCount.Add(1)
	if err != nil {
		b.CommitErrors.Add(1)
	}
}

func (b *BasicMetricsCollector) RecordCompaction(int, time.Duration, error) {
	b.Compactions.Add(1)
}
