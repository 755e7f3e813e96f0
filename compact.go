package pkindex

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/hupe1980/pkindex/immutable"
	"github.com/hupe1980/pkindex/internal/fs"
	"github.com/hupe1980/pkindex/meta"
	"github.com/hupe1980/pkindex/model"
)

// NeedMajorCompaction reports whether the L2 count exceeds the configured
// cap.
func (p *PersistentIndex) NeedMajorCompaction() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stack.l2) > p.opts.maxAllowL2Num
}

// CompactionScore rates this index for the compaction scheduler: more L2
// files and more bytes in them raise the score.
func (p *PersistentIndex) CompactionScore() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.stack.l2) < 2 {
		return 0
	}
	var bytes int64
	for _, l := range p.stack.l2 {
		bytes += l.reader.FileSize()
	}
	return float64(len(p.stack.l2)) + float64(bytes)/float64(1<<30)
}

// CompactMajor rewrites every L2 file into a single merged L2 tagged with
// the newest input version, edits the descriptor accordingly, and installs
// the result. With fewer than two L2 files it is a no-op. Replaced files
// are offloaded to the archive store, when one is configured, before they
// are removed.
func (p *PersistentIndex) CompactMajor(m *meta.PersistentIndexMeta) error {
	start := time.Now()
	inputs, err := p.compactMajor(m)
	p.opts.metrics.RecordCompaction(inputs, time.Since(start), err)
	return err
}

func (p *PersistentIndex) compactMajor(m *meta.PersistentIndexMeta) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	if p.inBatch || p.staged != nil {
		return 0, fmt.Errorf("%w: write batch in progress", ErrAborted)
	}
	if len(p.stack.l2) < 2 {
		return 0, nil
	}

	// Newest first in the stack; the descriptor edit wants oldest first.
	l2s := p.stack.l2
	inputVersions := make([]model.EditVersion, 0, len(l2s))
	for i := len(l2s) - 1; i >= 0; i-- {
		inputVersions = append(inputVersions, l2s[i].version.EditVersion)
	}
	mergedVersion := model.EditVersionWithMerge{
		EditVersion: l2s[0].version.EditVersion,
		Merged:      true,
	}

	final := filepath.Join(p.dir, l2FileName(mergedVersion))
	tmp := tmpName(final)
	w := immutable.NewWriter(tmp, p.writerOptions())

	// Newer L2s shadow older ones; keys are unique per file.
	handled := make(map[string]struct{})
	for _, l := range l2s {
		err := l.reader.Iterate(func(key []byte, value model.IndexValue) error {
			if _, ok := handled[string(key)]; ok {
				return nil
			}
			handled[string(key)] = struct{}{}
			return w.Add(key, value)
		})
		if err != nil {
			w.Abort()
			return len(l2s), translateError(err)
		}
	}
	if err := w.Finish(); err != nil {
		return len(l2s), translateError(err)
	}

	if err := meta.ModifyL2Versions(inputVersions, mergedVersion.EditVersion, m); err != nil {
		p.opts.fs.Remove(tmp)
		return len(l2s), translateError(err)
	}

	if p.opts.archive != nil {
		if err := p.archiveLayers(l2s); err != nil {
			p.opts.logger.Warn("archive offload failed", "error", err)
		}
	}

	if err := p.opts.fs.Rename(tmp, final); err != nil {
		return len(l2s), err
	}
	if err := fs.SyncDir(p.opts.fs, p.dir); err != nil {
		return len(l2s), err
	}
	r, err := immutable.OpenFile(final, p.readerOptions())
	if err != nil {
		return len(l2s), translateError(err)
	}

	next := &layerStack{
		l1: append([]layer(nil), p.stack.l1...),
		l2: []layer{{reader: r, version: mergedVersion, path: final}},
	}
	for _, l := range l2s {
		l.reader.Close()
		p.opts.fs.Remove(l.path)
	}
	p.stack = next

	p.opts.logger.LogCompaction(len(l2s), mergedVersion.EditVersion, nil)
	return len(l2s), nil
}

// archiveLayers uploads replaced files to the archive store.
func (p *PersistentIndex) archiveLayers(layers []layer) error {
	ctx := context.Background()
	for _, l := range layers {
		data, err := readFileAll(p.opts.fs, l.path)
		if err != nil {
			return err
		}
		if err := p.opts.archive.Put(ctx, filepath.Base(l.path), data); err != nil {
			return err
		}
	}
	return nil
}

func readFileAll(fsys fs.FileSystem, path string) ([]byte, error) {
	f, err := fsys.OpenFile(path, 0, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	data := make([]byte, st.Size())
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, err
	}
	return data, nil
}
