package wal

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/pkindex/model"
)

// Log is the L0 artifact: snapshot section plus version-grouped operation
// log, in one file. Writes go through BeginVersion / Append* /
// CommitVersion; durability is the caller's explicit Sync.
type Log struct {
	mu   sync.Mutex
	opts Options
	path string
	file fsFile

	enc *zstd.Encoder
	dec *zstd.Decoder

	snapshotVersion model.EditVersion
	snapshotEnd     int64
	// end is the logical end of the committed log. Bytes past it are
	// unfinished commits and are overwritten by the next group.
	end int64

	cur        bytes.Buffer
	curCount   int
	curVersion model.EditVersion
	curOpen    bool

	lastVersion model.EditVersion
	closed      bool
}

// fsFile is the subset of internal/fs.File the log needs.
type fsFile interface {
	io.ReaderAt
	io.WriterAt
	io.Writer
	io.Closer
	Sync() error
	Stat() (os.FileInfo, error)
}

func applyOptions(optFns []func(*Options)) Options {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

func newCodecs(opts Options) (*zstd.Encoder, *zstd.Decoder, error) {
	if !opts.Compress {
		return nil, nil, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, nil, fmt.Errorf("create compressor: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, nil, fmt.Errorf("create decompressor: %w", err)
	}
	return enc, dec, nil
}

// Create writes a new artifact at path holding a full snapshot of records
// at the given version, fsyncs it, and returns the log ready for appends.
// Snapshot records include tombstones (OpSet with NullIndexValue).
func Create(path string, version model.EditVersion, records []Record, optFns ...func(*Options)) (*Log, error) {
	opts := applyOptions(optFns)
	enc, dec, err := newCodecs(opts)
	if err != nil {
		return nil, err
	}

	f, err := opts.FS.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create log %s: %w", path, err)
	}

	l := &Log{
		opts:            opts,
		path:            path,
		file:            f,
		enc:             enc,
		dec:             dec,
		snapshotVersion: version,
		lastVersion:     version,
	}

	var payload bytes.Buffer
	for _, rec := range records {
		encodeRecord(&payload, rec, opts.KeySize)
	}
	block := encodeGroup(version, payload.Bytes(), len(records), enc)

	if err := writeHeader(f, headerInfo{Compressed: opts.Compress, KeySize: opts.KeySize}); err != nil {
		l.abortCreate()
		return nil, fmt.Errorf("write log header: %w", err)
	}
	if _, err := f.Write(block); err != nil {
		l.abortCreate()
		return nil, fmt.Errorf("write snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		l.abortCreate()
		return nil, fmt.Errorf("sync snapshot: %w", err)
	}

	l.snapshotEnd = int64(headerLen + len(block))
	l.end = l.snapshotEnd
	return l, nil
}

func (l *Log) abortCreate() {
	l.file.Close()
	l.opts.FS.Remove(l.path)
	l.closeCodecs()
}

// Open opens an existing artifact. Call Replay before appending: it
// verifies the snapshot and establishes the committed end of the log.
func Open(path string, optFns ...func(*Options)) (*Log, error) {
	opts := applyOptions(optFns)

	f, err := opts.FS.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	hdr, err := readHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if hdr.KeySize != opts.KeySize {
		f.Close()
		return nil, fmt.Errorf("%w: key size %d, index uses %d", ErrBadFormat, hdr.KeySize, opts.KeySize)
	}
	opts.Compress = hdr.Compressed

	enc, dec, err := newCodecs(opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Log{opts: opts, path: path, file: f, enc: enc, dec: dec}, nil
}

// Replay verifies the snapshot and applies it, then applies every complete
// log group with version <= upTo, stopping early at maxOffset when it is
// positive. A truncated trailing group is discarded silently; a snapshot
// checksum mismatch returns ErrChecksumMismatch.
func (l *Log) Replay(upTo model.EditVersion, maxOffset int64, apply func(version model.EditVersion, rec Record) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	st, err := l.file.Stat()
	if err != nil {
		return err
	}
	fileSize := st.Size()

	snap, err := readGroup(l.file, headerLen, fileSize, l.opts.KeySize, l.dec)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	l.snapshotVersion = snap.version
	l.snapshotEnd = snap.end
	l.lastVersion = snap.version
	l.end = snap.end

	for _, rec := range snap.records {
		if err := apply(snap.version, rec); err != nil {
			return err
		}
	}

	off := snap.end
	for off < fileSize {
		if maxOffset > 0 && off >= maxOffset {
			break
		}
		g, err := readGroup(l.file, off, fileSize, l.opts.KeySize, l.dec)
		if err == io.ErrUnexpectedEOF {
			break // unfinished commit from a crash
		}
		if err != nil {
			return fmt.Errorf("replay log group: %w", err)
		}
		if upTo.Less(g.version) {
			break
		}
		for _, rec := range g.records {
			if err := apply(g.version, rec); err != nil {
				return err
			}
		}
		l.lastVersion = g.version
		l.end = g.end
		off = g.end
	}
	return nil
}

// BeginVersion opens a record group for the given version. The version must
// be strictly greater than the last committed one.
func (l *Log) BeginVersion(version model.EditVersion) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.curOpen {
		return fmt.Errorf("wal: version %s still open", l.curVersion)
	}
	if !l.lastVersion.Less(version) {
		return fmt.Errorf("wal: version %s not greater than %s", version, l.lastVersion)
	}
	l.cur.Reset()
	l.curCount = 0
	l.curVersion = version
	l.curOpen = true
	return nil
}

// AppendSet logs an upsert.
func (l *Log) AppendSet(key []byte, value model.IndexValue) error {
	return l.append(Record{Op: OpSet, Key: key, Value: value})
}

// AppendDelete logs an erase.
func (l *Log) AppendDelete(key []byte) error {
	return l.append(Record{Op: OpDelete, Key: key, Value: model.NullIndexValue})
}

func (l *Log) append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if !l.curOpen {
		return ErrNoVersion
	}
	encodeRecord(&l.cur, rec, l.opts.KeySize)
	l.curCount++
	return nil
}

// CommitVersion seals the open group and writes it at the committed end.
// The write is buffered by the OS; call Sync for durability. On failure the
// logical end does not advance, so a later commit overwrites the partial
// group.
func (l *Log) CommitVersion() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if !l.curOpen {
		return ErrNoVersion
	}

	block := encodeGroup(l.curVersion, l.cur.Bytes(), l.curCount, l.enc)
	if _, err := l.file.WriteAt(block, l.end); err != nil {
		return fmt.Errorf("write log group: %w", err)
	}
	l.end += int64(len(block))
	l.lastVersion = l.curVersion
	l.curOpen = false
	l.cur.Reset()
	l.curCount = 0
	return nil
}

// AbortVersion drops the open group without writing it.
func (l *Log) AbortVersion() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.curOpen = false
	l.cur.Reset()
	l.curCount = 0
}

// Sync fsyncs the file.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.file.Sync()
}

// PendingBytes returns the on-disk size the open group would add if
// committed now (before compression).
func (l *Log) PendingBytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.curOpen {
		return 0
	}
	return int64(l.cur.Len()) + groupHeaderLen + 4
}

// Size returns the committed end offset of the log.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.end
}

// SnapshotSize returns the offset one past the snapshot section, i.e. the
// log's size with zero appended groups.
func (l *Log) SnapshotSize() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotEnd
}

// SnapshotVersion returns the version of the snapshot section.
func (l *Log) SnapshotVersion() model.EditVersion {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotVersion
}

// Version returns the last committed version.
func (l *Log) Version() model.EditVersion {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastVersion
}

// Path returns the file path.
func (l *Log) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// SetPath records the file's new name after an atomic rename. The open
// descriptor keeps following the inode; only bookkeeping changes.
func (l *Log) SetPath(path string) {
	l.mu.Lock()
	l.path = path
	l.mu.Unlock()
}

func (l *Log) closeCodecs() {
	if l.enc != nil {
		l.enc.Close()
		l.enc = nil
	}
	if l.dec != nil {
		l.dec.Close()
		l.dec = nil
	}
}

// Close closes the file. It does not sync.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.closeCodecs()
	return l.file.Close()
}
