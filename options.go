package pkindex

import (
	"github.com/hupe1980/pkindex/blobstore"
	"github.com/hupe1980/pkindex/internal/fs"
	"github.com/hupe1980/pkindex/resource"
)

type options struct {
	keySize int
	fs      fs.FileSystem
	tracker *resource.Tracker
	logger  *Logger
	metrics MetricsCollector
	archive blobstore.Store

	l0MinMemUsage  int64
	l0MaxMemUsage  int64
	l0MaxFileSize  int64
	l0SnapshotSize int64
	l0L1MergeRatio int64
	maxTmpL1Num    int
	maxAllowL2Num  int

	enableCompression      bool
	enableReadByPage       bool
	enableParallelGetAndBF bool
	writeBloomFilter       bool
	keepBloomFilter        bool

	memoryPressure func() bool
}

func defaultOptions() options {
	return options{
		fs:      fs.Default,
		logger:  NoopLogger(),
		metrics: NoopMetricsCollector{},

		l0MinMemUsage:  16 << 20,
		l0MaxMemUsage:  100 << 20,
		l0MaxFileSize:  200 << 20,
		l0SnapshotSize: 16 << 20,
		l0L1MergeRatio: 10,
		maxTmpL1Num:    10,
		maxAllowL2Num:  5,

		enableCompression:      true,
		enableReadByPage:       false,
		enableParallelGetAndBF: true,
		writeBloomFilter:       true,
		keepBloomFilter:        true,
	}
}

// Option configures a PersistentIndex.
type Option func(*options)

// WithKeySize fixes the key length in bytes (1..255). Zero, the default,
// selects variable-length keys.
func WithKeySize(size int) Option {
	return func(o *options) { o.keySize = size }
}

// WithFS overrides the file system, e.g. for fault injection in tests.
func WithFS(fsys fs.FileSystem) Option {
	return func(o *options) { o.fs = fsys }
}

// WithTracker accounts L0 memory and throttles background IO through the
// given tracker.
func WithTracker(t *resource.Tracker) Option {
	return func(o *options) { o.tracker = t }
}

// WithLogger configures structured logging. Pass nil to disable.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithMetricsCollector configures a metrics collector. Pass nil to disable.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metrics = mc
	}
}

// WithArchive offloads files replaced by major compaction to the given
// store before they are removed from the index directory.
func WithArchive(store blobstore.Store) Option {
	return func(o *options) { o.archive = store }
}

// WithL0MemUsage sets the flush thresholds: above min with memory pressure,
// or above max unconditionally, a commit flushes L0.
func WithL0MemUsage(min, max int64) Option {
	return func(o *options) {
		o.l0MinMemUsage = min
		o.l0MaxMemUsage = max
	}
}

// WithL0MaxFileSize caps the snapshot+log artifact size before a commit is
// forced to flush.
func WithL0MaxFileSize(size int64) Option {
	return func(o *options) { o.l0MaxFileSize = size }
}

// WithL0SnapshotSize sets the log length at which a commit rewrites the
// snapshot instead of appending.
func WithL0SnapshotSize(size int64) Option {
	return func(o *options) { o.l0SnapshotSize = size }
}

// WithL0L1MergeRatio sets the L0:L1 size ratio above which a flush replaces
// the L1 instead of producing a tmp-L1.
func WithL0L1MergeRatio(ratio int64) Option {
	return func(o *options) { o.l0L1MergeRatio = ratio }
}

// WithMaxTmpL1Num caps accumulated tmp-L1 files before a flush advances
// them into a new L2.
func WithMaxTmpL1Num(n int) Option {
	return func(o *options) { o.maxTmpL1Num = n }
}

// WithMaxAllowL2Num caps L2 files before major compaction is forced.
func WithMaxAllowL2Num(n int) Option {
	return func(o *options) { o.maxAllowL2Num = n }
}

// WithCompression toggles per-shard compression of immutable files.
func WithCompression(enabled bool) Option {
	return func(o *options) { o.enableCompression = enabled }
}

// WithReadByPage fetches single pages with one pread each instead of whole
// shards. Only effective on uncompressed files.
func WithReadByPage(enabled bool) Option {
	return func(o *options) { o.enableReadByPage = enabled }
}

// WithParallelGetAndBF probes shards (bloom check + page read) in parallel
// within one batched get.
func WithParallelGetAndBF(enabled bool) Option {
	return func(o *options) { o.enableParallelGetAndBF = enabled }
}

// WithBloomFilter controls writing per-shard bloom filters (write) and
// retaining them in memory under pressure (keep).
func WithBloomFilter(write, keep bool) Option {
	return func(o *options) {
		o.writeBloomFilter = write
		o.keepBloomFilter = keep
	}
}

// WithMemoryPressure installs the global memory-pressure probe consulted by
// the flush policy.
func WithMemoryPressure(fn func() bool) Option {
	return func(o *options) { o.memoryPressure = fn }
}
