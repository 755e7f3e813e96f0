// Package wal manages the L0 on-disk artifact: a full snapshot of the
// mutable index followed by an append-only, version-grouped operation log.
//
// Both live in one file, index.l0.<major>.<minor>:
//
//	header   magic | format | flags | key size
//	snapshot one record group dumped from L0, sealed by a CRC32C trailer
//	log      zero or more record groups, one per committed version
//
// A group's checksum trailer doubles as its commit marker: a truncated
// trailing group is an unfinished commit and is dropped during replay, while
// a checksum mismatch in the snapshot section fails the load.
package wal

import (
	"errors"
	"fmt"

	"github.com/hupe1980/pkindex/internal/fs"
	"github.com/hupe1980/pkindex/model"
)

// Op identifies a logged operation.
type Op uint8

const (
	// OpSet records an upsert of key -> value. A set of NullIndexValue is a
	// tombstone (only snapshots carry those; live erases use OpDelete).
	OpSet Op = 1
	// OpDelete records an erase.
	OpDelete Op = 2
)

// Record is a single logged operation.
type Record struct {
	Op    Op
	Key   []byte
	Value model.IndexValue
}

// Options configures a Log.
type Options struct {
	// FS is the file system used for all IO. Defaults to the local one.
	FS fs.FileSystem

	// KeySize is the fixed key length in bytes, or 0 for variable-length
	// keys (each record then carries its own length).
	KeySize int

	// Compress enables zstd compression of record groups.
	Compress bool
}

// DefaultOptions returns the default Log options.
var DefaultOptions = Options{
	FS:       fs.Default,
	KeySize:  0,
	Compress: false,
}

// ChecksumMismatchError reports snapshot or group corruption, carrying the
// stored and recomputed checksums. It matches ErrChecksumMismatch under
// errors.Is; the values are reachable through errors.As.
type ChecksumMismatchError struct {
	Expected uint32
	Actual   uint32
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("wal: checksum mismatch: got %08x want %08x", e.Actual, e.Expected)
}

func (e *ChecksumMismatchError) Unwrap() error { return ErrChecksumMismatch }

var (
	// ErrChecksumMismatch reports snapshot or group corruption.
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")
	// ErrBadMagic reports a file that is not an L0 artifact.
	ErrBadMagic = errors.New("wal: bad magic")
	// ErrBadFormat reports an unsupported format version or header field.
	ErrBadFormat = errors.New("wal: unsupported format")
	// ErrClosed reports use after Close.
	ErrClosed = errors.New("wal: log is closed")
	// ErrNoVersion reports an append outside BeginVersion/CommitVersion.
	ErrNoVersion = errors.New("wal: no version open")
)
