// Package pkindex implements a persistent primary-key index for primary-key
// tablets: a durable mapping from opaque key bytes to 64-bit value handles.
//
// The index is layered. Recent writes live in an in-memory L0 backed by a
// snapshot + write-ahead log artifact; flushes turn L0 into immutable
// on-disk files (L1, intermediate tmp-L1s, and compacted L2s). Reads probe
// L0 first and fall through the immutable layers newest-first, pruned by
// per-shard bloom filters.
//
// Writes follow a two-phase protocol against the engine's descriptor:
//
//	idx.Prepare(version, n)
//	idx.Upsert(keys, values, oldValues, nil)
//	idx.Commit(meta)      // stages artifacts, edits the descriptor copy
//	// the engine persists meta
//	idx.OnCommitted()     // fsync, rename, install, truncate the log
//
// A failed Commit leaves the on-disk state untouched; the caller discards
// the batch by re-Loading the index from its last descriptor.
package pkindex

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hupe1980/pkindex/immutable"
	"github.com/hupe1980/pkindex/meta"
	"github.com/hupe1980/pkindex/model"
	"github.com/hupe1980/pkindex/mutable"
	"github.com/hupe1980/pkindex/wal"
)

// layer is one immutable file in the stack.
type layer struct {
	reader  *immutable.Reader
	version model.EditVersionWithMerge
	path    string
	// tmp marks an intermediate flush target not yet promoted to L2.
	tmp bool
}

// layerStack is the immutable part of the index, swapped atomically at
// install time. Both slices are ordered newest first.
type layerStack struct {
	l1 []layer
	l2 []layer
}

func (s *layerStack) ordered() []layer {
	out := make([]layer, 0, len(s.l1)+len(s.l2))
	out = append(out, s.l1...)
	out = append(out, s.l2...)
	return out
}

func (s *layerStack) totalCount() uint64 {
	var total uint64
	for _, l := range s.ordered() {
		total += l.reader.Count()
	}
	return total
}

// PersistentIndex coordinates the layer stack of one tablet's index.
type PersistentIndex struct {
	mu   sync.Mutex
	dir  string
	opts options

	l0    *mutable.Index
	log   *wal.Log
	stack *layerStack

	version model.EditVersion
	pending model.EditVersion
	inBatch bool

	staged *stagedCommit
	closed bool
}

// New creates an index bound to a directory. Call Load or CreateEmpty
// before any operation.
func New(dir string, optFns ...Option) (*PersistentIndex, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.keySize < 0 || opts.keySize > 255 {
		return nil, fmt.Errorf("%w: key size %d", ErrInvalidArgument, opts.keySize)
	}
	if err := opts.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &PersistentIndex{
		dir:   dir,
		opts:  opts,
		stack: &layerStack{},
	}, nil
}

func (p *PersistentIndex) newL0() *mutable.Index {
	return mutable.New(func(o *mutable.Options) {
		o.KeySize = p.opts.keySize
		o.ExpectedBytes = p.opts.l0MaxMemUsage
		o.Tracker = p.opts.tracker
	})
}

func (p *PersistentIndex) walOptions() func(*wal.Options) {
	return func(o *wal.Options) {
		o.FS = p.opts.fs
		o.KeySize = p.opts.keySize
		o.Compress = p.opts.enableCompression
	}
}

func (p *PersistentIndex) readerOptions() func(*immutable.ReaderOptions) {
	return func(o *immutable.ReaderOptions) {
		o.ReadByPage = p.opts.enableReadByPage
		o.LoadBloom = true
		o.Parallel = p.opts.enableParallelGetAndBF
	}
}

func (p *PersistentIndex) writerOptions() func(*immutable.WriterOptions) {
	return func(o *immutable.WriterOptions) {
		o.FS = p.opts.fs
		o.KeySize = p.opts.keySize
		o.WriteBloom = p.opts.writeBloomFilter
		o.Tracker = p.opts.tracker
		if p.opts.enableCompression {
			o.Codec = immutable.CodecZstd
		}
	}
}

// CreateEmpty initializes a brand-new index at the given version and
// returns its descriptor. The directory must not already hold an index.
func (p *PersistentIndex) CreateEmpty(version model.EditVersion) (*meta.PersistentIndexMeta, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if p.log != nil {
		return nil, fmt.Errorf("%w: index already loaded", ErrInvalidArgument)
	}

	log, err := wal.Create(filepath.Join(p.dir, l0FileName(version)), version, nil, p.walOptions())
	if err != nil {
		return nil, translateError(err)
	}
	p.log = log
	p.l0 = p.newL0()
	p.version = version

	return &meta.PersistentIndexMeta{
		KeySize: p.opts.keySize,
		Version: version,
		L0: meta.L0Meta{
			SnapshotVersion: version,
			WALOffset:       log.Size(),
			FormatVersion:   meta.FormatVersion,
		},
	}, nil
}

// Load reconstructs the layer stack from a descriptor and replays the log
// into L0. Load failures are terminal for this instance.
func (p *PersistentIndex) Load(m *meta.PersistentIndexMeta) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if m.KeySize != p.opts.keySize {
		return fmt.Errorf("%w: descriptor key size %d, index uses %d", ErrInvalidArgument, m.KeySize, p.opts.keySize)
	}

	p.removeStaleTmpFiles()

	l0 := p.newL0()
	logPath := filepath.Join(p.dir, l0FileName(m.L0.SnapshotVersion))
	log, err := wal.Open(logPath, p.walOptions())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, logPath)
		}
		return translateError(err)
	}
	if err := log.Replay(m.Version, m.L0.WALOffset, func(_ model.EditVersion, rec wal.Record) error {
		return l0.Apply(rec.Key, rec.Value)
	}); err != nil {
		log.Close()
		return translateError(err)
	}

	stack := &layerStack{}
	closeAll := func() {
		for _, l := range stack.ordered() {
			l.reader.Close()
		}
		log.Close()
	}

	openLayer := func(path string, version model.EditVersionWithMerge, tmp bool) (layer, error) {
		r, err := immutable.OpenFile(path, p.readerOptions())
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return layer{}, fmt.Errorf("%w: %s", ErrNotFound, path)
			}
			return layer{}, translateError(err)
		}
		return layer{reader: r, version: version, path: path, tmp: tmp}, nil
	}

	// Newest first: tmp-L1s (descriptor stores them oldest first), then
	// the L1 itself.
	for i := len(m.TmpL1Versions) - 1; i >= 0; i-- {
		v := m.TmpL1Versions[i]
		l, err := openLayer(filepath.Join(p.dir, l1FileName(v)), model.EditVersionWithMerge{EditVersion: v}, true)
		if err != nil {
			closeAll()
			return err
		}
		stack.l1 = append(stack.l1, l)
	}
	if m.HaveL1 {
		l, err := openLayer(filepath.Join(p.dir, l1FileName(m.L1Version)), model.EditVersionWithMerge{EditVersion: m.L1Version}, false)
		if err != nil {
			closeAll()
			return err
		}
		stack.l1 = append(stack.l1, l)
	}
	for i := len(m.L2Versions) - 1; i >= 0; i-- {
		v := m.L2Versions[i]
		l, err := openLayer(filepath.Join(p.dir, l2FileName(v)), v, false)
		if err != nil {
			closeAll()
			return err
		}
		stack.l2 = append(stack.l2, l)
	}

	if p.log != nil {
		p.log.Close()
	}
	for _, l := range p.stack.ordered() {
		l.reader.Close()
	}

	p.l0 = l0
	p.log = log
	p.stack = stack
	p.version = m.Version
	p.inBatch = false
	p.staged = nil

	p.opts.logger.LogLoad(m.Version, l0.Entries(), nil)
	return nil
}

// Prepare opens a write batch at a strictly greater version. It must be
// called before any mutation of that version.
func (p *PersistentIndex) Prepare(version model.EditVersion, _ int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.log == nil {
		return fmt.Errorf("%w: index not loaded", ErrInvalidArgument)
	}
	if p.inBatch {
		return fmt.Errorf("%w: version %s still open", ErrInvalidArgument, p.pending)
	}
	if p.staged != nil {
		return fmt.Errorf("%w: previous commit not installed", ErrInvalidArgument)
	}
	if !p.version.Less(version) {
		return fmt.Errorf("%w: version %s not greater than %s", ErrInvalidArgument, version, p.version)
	}
	if err := p.log.BeginVersion(version); err != nil {
		return translateError(err)
	}
	p.pending = version
	p.inBatch = true
	return nil
}

func (p *PersistentIndex) requireBatch() error {
	if p.closed {
		return ErrClosed
	}
	if !p.inBatch {
		return fmt.Errorf("%w: no open write batch", ErrInvalidArgument)
	}
	return nil
}

func allIdxes(n int) []uint32 {
	idxes := make([]uint32, n)
	for i := range idxes {
		idxes[i] = uint32(i)
	}
	return idxes
}

// probeLayers resolves the positions in notFound against the immutable
// stack, newest first, writing hits into values.
func (p *PersistentIndex) probeLayers(stack *layerStack, keys [][]byte, notFound *model.KeysInfo, values []model.IndexValue, numFound *int, stat *model.IOStat) error {
	for _, l := range stack.ordered() {
		if notFound.Size() == 0 {
			return nil
		}
		var found model.KeysInfo
		if err := l.reader.Get(keys, notFound, values, &found, stat); err != nil {
			return translateError(err)
		}
		if found.Size() == 0 {
			continue
		}
		if numFound != nil {
			*numFound += found.Size()
		}
		hit := make(map[uint32]struct{}, found.Size())
		for _, idx := range found.Idxes {
			hit[idx] = struct{}{}
		}
		var rest model.KeysInfo
		for j, idx := range notFound.Idxes {
			if _, ok := hit[idx]; !ok {
				rest.Append(idx, notFound.Hashes[j])
			}
		}
		*notFound = rest
	}
	return nil
}

// snapshotState returns the current L0 and stack references under the
// coordinator lock, retaining every immutable reader so the references stay
// valid lock-free even if a commit retires them concurrently. The caller
// must call the returned release.
func (p *PersistentIndex) snapshotState() (*mutable.Index, *layerStack, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil, nil, ErrClosed
	}
	if p.l0 == nil {
		return nil, nil, nil, fmt.Errorf("%w: index not loaded", ErrInvalidArgument)
	}
	stack := p.stack
	for _, l := range stack.ordered() {
		l.reader.Retain()
	}
	release := func() {
		for _, l := range stack.ordered() {
			l.reader.Close()
		}
	}
	return p.l0, stack, release, nil
}

// Get resolves keys to values; absent keys yield NullIndexValue.
func (p *PersistentIndex) Get(keys [][]byte, values []model.IndexValue) error {
	return p.GetWithStat(keys, values, nil)
}

// GetWithStat is Get plus IO counters for the batch.
func (p *PersistentIndex) GetWithStat(keys [][]byte, values []model.IndexValue, stat *model.IOStat) error {
	start := time.Now()
	err := p.getWithStat(keys, values, stat)
	var s model.IOStat
	if stat != nil {
		s = *stat
	}
	p.opts.metrics.RecordGet(len(keys), s, time.Since(start), err)
	return err
}

func (p *PersistentIndex) getWithStat(keys [][]byte, values []model.IndexValue, stat *model.IOStat) error {
	l0, stack, release, err := p.snapshotState()
	if err != nil {
		return err
	}
	defer release()
	for i := range values {
		values[i] = model.NullIndexValue
	}
	var notFound model.KeysInfo
	numFound := 0
	if err := l0.Get(keys, values, &notFound, &numFound, allIdxes(len(keys))); err != nil {
		return translateError(err)
	}
	return p.probeLayers(stack, keys, &notFound, values, nil, stat)
}

// Insert adds new keys. With checkUnique, the immutable layers are probed
// first and any existing key fails the batch with ErrAlreadyExists.
func (p *PersistentIndex) Insert(keys [][]byte, values []model.IndexValue, checkUnique bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireBatch(); err != nil {
		return err
	}
	if checkUnique {
		for _, l := range p.stack.ordered() {
			if err := l.reader.CheckNotExist(keys); err != nil {
				return translateError(err)
			}
		}
	}
	for i := range keys {
		if err := p.l0.Insert(keys[i:i+1], values[i:i+1], []uint32{0}); err != nil {
			return translateError(err)
		}
		if err := p.log.AppendSet(keys[i], values[i]); err != nil {
			return translateError(err)
		}
	}
	return nil
}

// Upsert writes values and returns each position's displaced value
// (NullIndexValue when none) in oldValues.
func (p *PersistentIndex) Upsert(keys [][]byte, values []model.IndexValue, oldValues []model.IndexValue, stat *model.IOStat) error {
	start := time.Now()
	err := p.upsert(keys, values, oldValues, stat)
	p.opts.metrics.RecordUpsert(len(keys), time.Since(start), err)
	return err
}

func (p *PersistentIndex) upsert(keys [][]byte, values []model.IndexValue, oldValues []model.IndexValue, stat *model.IOStat) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireBatch(); err != nil {
		return err
	}

	var notFound model.KeysInfo
	numFound := 0
	if err := p.l0.Upsert(keys, values, oldValues, &notFound, &numFound, allIdxes(len(keys))); err != nil {
		return translateError(err)
	}
	// Positions untouched in L0 may have an older value in the stack.
	if err := p.probeLayers(p.stack, keys, &notFound, oldValues, &numFound, stat); err != nil {
		return err
	}
	for i := range keys {
		if err := p.log.AppendSet(keys[i], values[i]); err != nil {
			return translateError(err)
		}
	}
	return nil
}

// Erase writes tombstones and returns displaced values.
func (p *PersistentIndex) Erase(keys [][]byte, oldValues []model.IndexValue) error {
	start := time.Now()
	err := p.erase(keys, oldValues)
	p.opts.metrics.RecordErase(len(keys), time.Since(start), err)
	return err
}

func (p *PersistentIndex) erase(keys [][]byte, oldValues []model.IndexValue) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireBatch(); err != nil {
		return err
	}

	var notFound model.KeysInfo
	numFound := 0
	if err := p.l0.Erase(keys, oldValues, &notFound, &numFound, allIdxes(len(keys))); err != nil {
		return translateError(err)
	}
	if err := p.probeLayers(p.stack, keys, &notFound, oldValues, &numFound, nil); err != nil {
		return err
	}
	for i := range keys {
		if err := p.log.AppendDelete(keys[i]); err != nil {
			return translateError(err)
		}
	}
	return nil
}

// Replace unconditionally writes values at the given positions.
func (p *PersistentIndex) Replace(keys [][]byte, values []model.IndexValue, idxes []uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireBatch(); err != nil {
		return err
	}
	if err := p.l0.Replace(keys, values, idxes); err != nil {
		return translateError(err)
	}
	for _, i := range idxes {
		if err := p.log.AppendSet(keys[i], values[i]); err != nil {
			return translateError(err)
		}
	}
	return nil
}

// TryReplace writes values[i] only where the current value's rowset id
// (consulting the full stack) equals srcRssid[i]; the rest are appended to
// failed and left unchanged.
func (p *PersistentIndex) TryReplace(keys [][]byte, values []model.IndexValue, srcRssid []model.RowsetID, failed *[]uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireBatch(); err != nil {
		return err
	}

	current := make([]model.IndexValue, len(keys))
	for i := range current {
		current[i] = model.NullIndexValue
	}
	var notFound model.KeysInfo
	numFound := 0
	if err := p.l0.Get(keys, current, &notFound, &numFound, allIdxes(len(keys))); err != nil {
		return translateError(err)
	}
	if err := p.probeLayers(p.stack, keys, &notFound, current, nil, nil); err != nil {
		return err
	}

	var winners []uint32
	for i := range keys {
		if !current[i].IsNull() && current[i].Rowset() == srcRssid[i] {
			winners = append(winners, uint32(i))
		} else {
			*failed = append(*failed, uint32(i))
		}
	}
	if err := p.l0.Replace(keys, values, winners); err != nil {
		return translateError(err)
	}
	for _, i := range winners {
		if err := p.log.AppendSet(keys[i], values[i]); err != nil {
			return translateError(err)
		}
	}
	return nil
}

// MemoryUsage returns the resident size of L0 plus loaded bloom filters.
func (p *PersistentIndex) MemoryUsage() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.l0 == nil {
		return 0
	}
	total := p.l0.MemoryUsage()
	for _, l := range p.stack.ordered() {
		total += l.reader.BloomMemoryUsage()
	}
	return total
}

// Size returns the live key count estimate across all layers.
func (p *PersistentIndex) Size() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.l0 == nil {
		return 0
	}
	return uint64(p.l0.Size()) + p.stack.totalCount()
}

// Version returns the last committed version.
func (p *PersistentIndex) Version() model.EditVersion {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

// MaxReadableVersion returns the committed major version. It advances only
// after OnCommitted installs the corresponding artifacts.
func (p *PersistentIndex) MaxReadableVersion() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(p.version.Major)
}

// L1Count and L2Count expose the layer stack shape.
func (p *PersistentIndex) L1Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stack.l1)
}

func (p *PersistentIndex) L2Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stack.l2)
}

// TombstoneCount reports L0 entries masking older layers, for tests and
// introspection.
func (p *PersistentIndex) TombstoneCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.l0 == nil {
		return 0
	}
	return p.l0.Entries() - p.l0.Size()
}

// BuildFromEntries bulk-loads the index at the given version with insert
// semantics: the source iterator yields each key once; duplicates fail.
// Memory-limit failures surface directly so the engine can back off.
func (p *PersistentIndex) BuildFromEntries(version model.EditVersion, source func(emit func(key []byte, value model.IndexValue) error) error, m *meta.PersistentIndexMeta) error {
	if err := p.Prepare(version, 0); err != nil {
		return err
	}
	err := source(func(key []byte, value model.IndexValue) error {
		return p.Insert([][]byte{key}, []model.IndexValue{value}, false)
	})
	if err != nil {
		p.abortBatch()
		return err
	}
	if err := p.Commit(m); err != nil {
		return err
	}
	return p.OnCommitted()
}

func (p *PersistentIndex) abortBatch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inBatch {
		p.log.AbortVersion()
		p.inBatch = false
	}
}

// Close releases file handles. The on-disk state stays reloadable.
func (p *PersistentIndex) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var first error
	if p.staged != nil {
		p.staged.discard(p)
		p.staged = nil
	}
	if p.log != nil {
		if err := p.log.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, l := range p.stack.ordered() {
		if err := l.reader.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
