package pkindex

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/hupe1980/pkindex/immutable"
	"github.com/hupe1980/pkindex/internal/fs"
	"github.com/hupe1980/pkindex/meta"
	"github.com/hupe1980/pkindex/model"
	"github.com/hupe1980/pkindex/wal"
)

type layerKind int

const (
	kindL1 layerKind = iota
	kindTmpL1
	kindL2
)

const (
	actionWAL      = "wal"
	actionSnapshot = "snapshot"
	actionFlushL1  = "flush-l1"
	actionFlushTmp = "flush-tmp-l1"
	actionFlushL2  = "flush-l2"
)

// stagedCommit carries the artifacts produced by Commit until OnCommitted
// installs them.
type stagedCommit struct {
	version model.EditVersion
	action  string

	// New L0 artifact, written under a tmp name (empty for actionWAL).
	newL0Tmp   string
	newL0Final string
	newLog     *wal.Log
	// keepTombstones: the flush target did not merge every older layer, so
	// L0 keeps its tombstones after install.
	keepTombstones bool

	// New immutable artifact (flush actions only).
	newLayerTmp   string
	newLayerFinal string
	newLayerKind  layerKind
	// dropL1 replaces every existing L1-class layer on install.
	dropL1 bool

	flushedEntries int
}

func (s *stagedCommit) discard(p *PersistentIndex) {
	if s.newLog != nil {
		s.newLog.Close()
	}
	if s.newL0Tmp != "" {
		p.opts.fs.Remove(s.newL0Tmp)
	}
	if s.newLayerTmp != "" {
		p.opts.fs.Remove(s.newLayerTmp)
	}
}

// dumpRecords renders L0 as snapshot records: the full content, or only the
// tombstones that must survive a flush.
func (p *PersistentIndex) dumpRecords(tombstonesOnly bool) []wal.Record {
	var records []wal.Record
	p.l0.Iterate(func(key []byte, value model.IndexValue) error {
		if tombstonesOnly && !value.IsNull() {
			return nil
		}
		k := make([]byte, len(key))
		copy(k, key)
		records = append(records, wal.Record{Op: wal.OpSet, Key: k, Value: value})
		return nil
	})
	return records
}

// mergeInto streams the effective content of L0 plus the given layers
// (newest first) into an immutable writer. Tombstones mask and are dropped.
func (p *PersistentIndex) mergeInto(w *immutable.Writer, layers []layer) error {
	handled := make(map[string]struct{}, p.l0.Entries())
	err := p.l0.Iterate(func(key []byte, value model.IndexValue) error {
		handled[string(key)] = struct{}{}
		if value.IsNull() {
			return nil
		}
		return w.Add(key, value)
	})
	if err != nil {
		return err
	}
	for _, l := range layers {
		err := l.reader.Iterate(func(key []byte, value model.IndexValue) error {
			if _, ok := handled[string(key)]; ok {
				return nil
			}
			handled[string(key)] = struct{}{}
			return w.Add(key, value)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Commit seals the open version: depending on L0 size and write
// amplification it appends the log group, rewrites the snapshot, or flushes
// L0 into a new immutable layer. The descriptor is updated in memory only;
// nothing is installed until OnCommitted.
func (p *PersistentIndex) Commit(m *meta.PersistentIndexMeta) error {
	start := time.Now()
	action, version, err := p.commit(m)
	p.opts.metrics.RecordCommit(action, time.Since(start), err)
	p.opts.logger.LogCommit(version, action, err)
	return err
}

func (p *PersistentIndex) commit(m *meta.PersistentIndexMeta) (string, model.EditVersion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	version := p.pending
	if err := p.requireBatch(); err != nil {
		return "", version, err
	}
	if p.staged != nil {
		return "", version, fmt.Errorf("%w: previous commit not installed", ErrInvalidArgument)
	}

	usage := p.l0.MemoryUsage()
	projected := p.log.Size() + p.log.PendingBytes()
	pressure := p.opts.memoryPressure != nil && p.opts.memoryPressure()
	needFlush := usage >= p.opts.l0MaxMemUsage ||
		(usage >= p.opts.l0MinMemUsage && pressure) ||
		projected > p.opts.l0MaxFileSize

	var staged *stagedCommit
	var err error
	switch {
	case !needFlush && projected <= p.opts.l0SnapshotSize:
		staged, err = p.commitWAL()
	case !needFlush:
		staged, err = p.commitSnapshot()
	default:
		staged, err = p.commitFlush(usage)
	}
	if err != nil {
		p.log.AbortVersion()
		return "", version, err
	}

	p.staged = staged
	p.inBatch = false
	p.fillMeta(m, staged)
	return staged.action, version, nil
}

func (p *PersistentIndex) commitWAL() (*stagedCommit, error) {
	if err := p.log.CommitVersion(); err != nil {
		return nil, translateError(err)
	}
	return &stagedCommit{version: p.pending, action: actionWAL}, nil
}

// commitSnapshot rewrites the L0 artifact as a fresh full snapshot at the
// pending version, retiring the old log.
func (p *PersistentIndex) commitSnapshot() (*stagedCommit, error) {
	p.log.AbortVersion()

	final := filepath.Join(p.dir, l0FileName(p.pending))
	tmp := tmpName(final)
	newLog, err := wal.Create(tmp, p.pending, p.dumpRecords(false), p.walOptions())
	if err != nil {
		return nil, translateError(err)
	}
	return &stagedCommit{
		version:    p.pending,
		action:     actionSnapshot,
		newL0Tmp:   tmp,
		newL0Final: final,
		newLog:     newLog,
	}, nil
}

// commitFlush turns L0 into a new immutable layer and starts a fresh L0
// artifact holding only the tombstones that must keep masking.
func (p *PersistentIndex) commitFlush(usage int64) (*stagedCommit, error) {
	p.log.AbortVersion()

	l1s := p.stack.l1
	var l1Bytes int64
	for _, l := range l1s {
		l1Bytes += l.reader.FileSize()
	}

	staged := &stagedCommit{version: p.pending}
	var mergeLayers []layer

	switch {
	case len(l1s) == 0 || usage*p.opts.l0L1MergeRatio > l1Bytes:
		if usage+l1Bytes > p.opts.l0MaxFileSize {
			// A merged L1 would exceed the single-file bound; produce an L2
			// directly.
			staged.action = actionFlushL2
			staged.newLayerKind = kindL2
		} else {
			staged.action = actionFlushL1
			staged.newLayerKind = kindL1
		}
		staged.dropL1 = true
		mergeLayers = l1s
		staged.keepTombstones = len(p.stack.l2) > 0
	case len(l1s) >= p.opts.maxTmpL1Num:
		// Flush advance: fold the accumulated L1-class files into a new L2.
		staged.action = actionFlushL2
		staged.newLayerKind = kindL2
		staged.dropL1 = true
		mergeLayers = l1s
		staged.keepTombstones = len(p.stack.l2) > 0
	default:
		staged.action = actionFlushTmp
		staged.newLayerKind = kindTmpL1
		staged.keepTombstones = true
	}

	switch staged.newLayerKind {
	case kindL2:
		staged.newLayerFinal = filepath.Join(p.dir, l2FileName(model.EditVersionWithMerge{EditVersion: p.pending}))
	default:
		staged.newLayerFinal = filepath.Join(p.dir, l1FileName(p.pending))
	}
	staged.newLayerTmp = tmpName(staged.newLayerFinal)

	w := immutable.NewWriter(staged.newLayerTmp, p.writerOptions())
	if err := p.mergeInto(w, mergeLayers); err != nil {
		w.Abort()
		return nil, translateError(err)
	}
	staged.flushedEntries = w.Count()
	if err := w.Finish(); err != nil {
		return nil, translateError(err)
	}

	var leftover []wal.Record
	if staged.keepTombstones {
		leftover = p.dumpRecords(true)
	}
	final := filepath.Join(p.dir, l0FileName(p.pending))
	tmp := tmpName(final)
	newLog, err := wal.Create(tmp, p.pending, leftover, p.walOptions())
	if err != nil {
		p.opts.fs.Remove(staged.newLayerTmp)
		return nil, translateError(err)
	}
	staged.newL0Tmp = tmp
	staged.newL0Final = final
	staged.newLog = newLog

	p.opts.logger.LogFlush(p.pending, staged.action, staged.flushedEntries, nil)
	return staged, nil
}

// fillMeta renders the descriptor as it will look once the staged commit is
// installed.
func (p *PersistentIndex) fillMeta(m *meta.PersistentIndexMeta, staged *stagedCommit) {
	m.KeySize = p.opts.keySize
	m.Version = staged.version
	m.L0.FormatVersion = meta.FormatVersion

	switch staged.action {
	case actionWAL:
		m.L0.SnapshotVersion = p.log.SnapshotVersion()
		m.L0.WALOffset = p.log.Size()
	default:
		m.L0.SnapshotVersion = staged.version
		m.L0.WALOffset = staged.newLog.Size()
	}

	// Layer lists, post-install. Descriptor order is oldest first.
	var haveL1 bool
	var l1Version model.EditVersion
	var tmpL1 []model.EditVersion
	var l2 []model.EditVersionWithMerge

	appendL1s := func(layers []layer) {
		for i := len(layers) - 1; i >= 0; i-- {
			l := layers[i]
			if l.tmp {
				tmpL1 = append(tmpL1, l.version.EditVersion)
			} else {
				haveL1 = true
				l1Version = l.version.EditVersion
			}
		}
	}

	switch staged.newLayerKind {
	case kindL1:
		if staged.action == actionFlushL1 {
			haveL1 = true
			l1Version = staged.version
		}
	case kindTmpL1:
		if staged.action == actionFlushTmp {
			appendL1s(p.stack.l1)
			tmpL1 = append(tmpL1, staged.version)
		}
	}
	if staged.action == actionWAL || staged.action == actionSnapshot {
		appendL1s(p.stack.l1)
	}

	for i := len(p.stack.l2) - 1; i >= 0; i-- {
		l2 = append(l2, p.stack.l2[i].version)
	}
	if staged.action == actionFlushL2 {
		l2 = append(l2, model.EditVersionWithMerge{EditVersion: staged.version})
	}

	m.HaveL1 = haveL1
	m.L1Version = l1Version
	m.TmpL1Versions = tmpL1
	m.L2Versions = l2

	size := uint64(p.l0.Size()) + p.stack.totalCount()
	if staged.action != actionWAL && staged.action != actionSnapshot {
		size = uint64(staged.flushedEntries)
		for _, l := range p.stack.l2 {
			size += l.reader.Count()
		}
		if !staged.dropL1 && staged.newLayerKind == kindTmpL1 {
			// tmp-L1 keeps the older L1 files in place.
			for _, l := range p.stack.l1 {
				size += l.reader.Count()
			}
		}
	}
	m.Size = size
}

// OnCommitted fsyncs and installs the staged artifacts, atomically swaps
// the layer stack, and truncates the log. After it returns, a new process
// loading the updated descriptor sees the committed state.
func (p *PersistentIndex) OnCommitted() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.staged == nil {
		return fmt.Errorf("%w: nothing staged", ErrInvalidArgument)
	}
	staged := p.staged

	if staged.action == actionWAL {
		if err := p.log.Sync(); err != nil {
			return translateError(err)
		}
		p.version = staged.version
		p.staged = nil
		return nil
	}

	// Install the new immutable layer first, then the new L0 artifact.
	if staged.newLayerTmp != "" {
		if err := p.opts.fs.Rename(staged.newLayerTmp, staged.newLayerFinal); err != nil {
			return err
		}
	}
	if err := p.opts.fs.Rename(staged.newL0Tmp, staged.newL0Final); err != nil {
		return err
	}
	if err := fs.SyncDir(p.opts.fs, p.dir); err != nil {
		return err
	}

	var newLayer *layer
	if staged.newLayerTmp != "" {
		r, err := immutable.OpenFile(staged.newLayerFinal, p.readerOptions())
		if err != nil {
			return translateError(err)
		}
		newLayer = &layer{
			reader:  r,
			version: model.EditVersionWithMerge{EditVersion: staged.version},
			path:    staged.newLayerFinal,
			tmp:     staged.newLayerKind == kindTmpL1,
		}
	}

	next := &layerStack{
		l1: append([]layer(nil), p.stack.l1...),
		l2: append([]layer(nil), p.stack.l2...),
	}
	var retired []layer
	if staged.dropL1 {
		retired = append(retired, next.l1...)
		next.l1 = nil
	}
	if newLayer != nil {
		switch staged.newLayerKind {
		case kindL2:
			next.l2 = append([]layer{*newLayer}, next.l2...)
		default:
			next.l1 = append([]layer{*newLayer}, next.l1...)
		}
	}

	staged.newLog.SetPath(staged.newL0Final)

	oldLogPath := p.log.Path()
	p.log.Close()
	p.opts.fs.Remove(oldLogPath)
	p.log = staged.newLog

	for _, l := range retired {
		l.reader.Close()
		p.opts.fs.Remove(l.path)
	}

	p.stack = next
	if staged.action != actionSnapshot {
		p.l0.Clear(staged.keepTombstones)
	}
	p.version = staged.version
	p.staged = nil

	if !p.opts.keepBloomFilter && p.opts.memoryPressure != nil && p.opts.memoryPressure() {
		for _, l := range p.stack.ordered() {
			l.reader.DropBloom()
		}
	}
	return nil
}

// removeStaleTmpFiles reclaims leftovers of commits that never installed.
func (p *PersistentIndex) removeStaleTmpFiles() {
	entries, err := p.opts.fs.ReadDir(p.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".tmp") {
			p.opts.fs.Remove(filepath.Join(p.dir, e.Name()))
		}
	}
}
