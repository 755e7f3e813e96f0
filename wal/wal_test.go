package wal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/hupe1980/pkindex/internal/fs"
	"github.com/hupe1980/pkindex/model"
)

func v(major, minor uint64) model.EditVersion {
	return model.EditVersion{Major: major, Minor: minor}
}

type applied struct {
	version model.EditVersion
	rec     Record
}

func replayAll(t *testing.T, path string, upTo model.EditVersion, optFns ...func(*Options)) (*Log, []applied) {
	t.Helper()
	l, err := Open(path, optFns...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var got []applied
	if err := l.Replay(upTo, 0, func(version model.EditVersion, rec Record) error {
		got = append(got, applied{version, rec})
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	return l, got
}

func TestCreateReplayRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.l0.1.0")

	snap := []Record{
		{Op: OpSet, Key: []byte("alpha"), Value: 1},
		{Op: OpSet, Key: []byte("beta"), Value: model.NullIndexValue}, // tombstone
	}
	l, err := Create(path, v(1, 0), snap)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := l.BeginVersion(v(2, 0)); err != nil {
		t.Fatalf("BeginVersion: %v", err)
	}
	if err := l.AppendSet([]byte("gamma"), 3); err != nil {
		t.Fatal(err)
	}
	if err := l.AppendDelete([]byte("alpha")); err != nil {
		t.Fatal(err)
	}
	if err := l.CommitVersion(); err != nil {
		t.Fatalf("CommitVersion: %v", err)
	}
	if err := l.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	l.Close()

	reopened, got := replayAll(t, path, v(2, 0))
	defer reopened.Close()

	want := []applied{
		{v(1, 0), snap[0]},
		{v(1, 0), snap[1]},
		{v(2, 0), Record{Op: OpSet, Key: []byte("gamma"), Value: 3}},
		{v(2, 0), Record{Op: OpDelete, Key: []byte("alpha"), Value: model.NullIndexValue}},
	}
	if len(got) != len(want) {
		t.Fatalf("replayed %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].version != want[i].version || got[i].rec.Op != want[i].rec.Op ||
			string(got[i].rec.Key) != string(want[i].rec.Key) || got[i].rec.Value != want[i].rec.Value {
			t.Fatalf("record %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if reopened.Version() != v(2, 0) {
		t.Fatalf("Version = %v", reopened.Version())
	}
}

func TestReplayIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.l0.0.0")
	l, err := Create(path, v(0, 0), nil)
	if err != nil {
		t.Fatal(err)
	}
	for ver := uint64(1); ver <= 3; ver++ {
		if err := l.BeginVersion(v(ver, 0)); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 100; i++ {
			if err := l.AppendSet([]byte(fmt.Sprintf("key_%d_%d", ver, i)), model.IndexValue(i)); err != nil {
				t.Fatal(err)
			}
		}
		if err := l.CommitVersion(); err != nil {
			t.Fatal(err)
		}
	}
	l.Sync()
	l.Close()

	first, a := replayAll(t, path, v(3, 0))
	first.Close()
	second, b := replayAll(t, path, v(3, 0))
	second.Close()

	if len(a) != 300 || len(b) != 300 {
		t.Fatalf("replay lengths %d, %d", len(a), len(b))
	}
	for i := range a {
		if string(a[i].rec.Key) != string(b[i].rec.Key) || a[i].rec.Value != b[i].rec.Value {
			t.Fatalf("replay diverged at %d", i)
		}
	}
}

func TestReplayStopsAtVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.l0.0.0")
	l, err := Create(path, v(0, 0), nil)
	if err != nil {
		t.Fatal(err)
	}
	for ver := uint64(1); ver <= 3; ver++ {
		l.BeginVersion(v(ver, 0))
		l.AppendSet([]byte{byte(ver)}, model.IndexValue(ver))
		l.CommitVersion()
	}
	l.Close()

	reopened, got := replayAll(t, path, v(2, 0))
	defer reopened.Close()
	if len(got) != 2 {
		t.Fatalf("replayed %d records, want 2", len(got))
	}
	if reopened.Version() != v(2, 0) {
		t.Fatalf("Version = %v", reopened.Version())
	}
}

func TestTruncatedGroupDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.l0.0.0")
	l, err := Create(path, v(0, 0), []Record{{Op: OpSet, Key: []byte("k"), Value: 9}})
	if err != nil {
		t.Fatal(err)
	}
	l.BeginVersion(v(1, 0))
	l.AppendSet([]byte("committed"), 1)
	l.CommitVersion()
	end := l.Size()
	l.Close()

	// Simulate a crash mid-commit: an incomplete group past the last trailer.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{0x02, 0x00, 0x00})
	f.Close()

	reopened, got := replayAll(t, path, v(9, 0))
	defer reopened.Close()
	if len(got) != 2 {
		t.Fatalf("replayed %d records, want 2", len(got))
	}
	if reopened.Size() != end {
		t.Fatalf("Size = %d, want %d", reopened.Size(), end)
	}

	// Committing the next version must overwrite the garbage.
	if err := reopened.BeginVersion(v(2, 0)); err != nil {
		t.Fatal(err)
	}
	reopened.AppendSet([]byte("after"), 2)
	if err := reopened.CommitVersion(); err != nil {
		t.Fatal(err)
	}
	reopened.Close()

	final, got := replayAll(t, path, v(9, 0))
	final.Close()
	if len(got) != 3 {
		t.Fatalf("replayed %d records after overwrite, want 3", len(got))
	}
}

func TestSnapshotChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.l0.0.0")
	l, err := Create(path, v(0, 0), []Record{{Op: OpSet, Key: []byte("kk"), Value: 5}})
	if err != nil {
		t.Fatal(err)
	}
	l.Close()

	// Flip one snapshot byte.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[headerLen+groupHeaderLen] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	err = reopened.Replay(v(9, 0), 0, func(model.EditVersion, Record) error { return nil })
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}
	var cm *ChecksumMismatchError
	if !errors.As(err, &cm) {
		t.Fatalf("expected typed checksum error, got %v", err)
	}
	if cm.Expected == cm.Actual {
		t.Fatalf("typed error carries no mismatch: %+v", cm)
	}
}

func TestVersionMonotonicity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.l0.5.0")
	l, err := Create(path, v(5, 0), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if err := l.BeginVersion(v(5, 0)); err == nil {
		t.Fatal("equal version must be rejected")
	}
	if err := l.BeginVersion(v(4, 9)); err == nil {
		t.Fatal("lower version must be rejected")
	}
	if err := l.BeginVersion(v(5, 1)); err != nil {
		t.Fatalf("minor bump rejected: %v", err)
	}
}

func TestFixedSizeKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.l0.0.0")
	withKeySize := func(o *Options) { o.KeySize = 8 }

	snap := []Record{{Op: OpSet, Key: []byte("12345678"), Value: 77}}
	l, err := Create(path, v(0, 0), snap, withKeySize)
	if err != nil {
		t.Fatal(err)
	}
	l.BeginVersion(v(1, 0))
	l.AppendSet([]byte("abcdefgh"), 88)
	l.CommitVersion()
	l.Close()

	reopened, got := replayAll(t, path, v(1, 0), withKeySize)
	defer reopened.Close()
	if len(got) != 2 {
		t.Fatalf("replayed %d records", len(got))
	}
	if string(got[1].rec.Key) != "abcdefgh" || got[1].rec.Value != 88 {
		t.Fatalf("bad record %+v", got[1])
	}
}

func TestCompressedLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.l0.0.0")
	compress := func(o *Options) { o.Compress = true }

	var snap []Record
	for i := 0; i < 1000; i++ {
		snap = append(snap, Record{Op: OpSet, Key: []byte(fmt.Sprintf("snapshot_key_%06d", i)), Value: model.IndexValue(i)})
	}
	l, err := Create(path, v(1, 0), snap, compress)
	if err != nil {
		t.Fatal(err)
	}
	l.BeginVersion(v(2, 0))
	for i := 0; i < 500; i++ {
		l.AppendSet([]byte(fmt.Sprintf("wal_key_%06d", i)), model.IndexValue(i))
	}
	l.CommitVersion()
	l.Close()

	// Compression is recorded in the header: Open without the option.
	reopened, got := replayAll(t, path, v(2, 0))
	defer reopened.Close()
	if len(got) != 1500 {
		t.Fatalf("replayed %d records, want 1500", len(got))
	}
}

func TestDumpFaultLeavesStateReported(t *testing.T) {
	dir := t.TempDir()
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule("index.l0", fs.Fault{FailAfterBytes: 32})

	_, err := Create(filepath.Join(dir, "index.l0.0.0"),
		v(0, 0),
		[]Record{{Op: OpSet, Key: []byte("a-key-long-enough-to-trip"), Value: 1}},
		func(o *Options) { o.FS = ffs })
	if !errors.Is(err, fs.ErrInjected) {
		t.Fatalf("expected injected error, got %v", err)
	}
	// The partial file must have been removed.
	if _, statErr := os.Stat(filepath.Join(dir, "index.l0.0.0")); !os.IsNotExist(statErr) {
		t.Fatalf("partial snapshot left behind: %v", statErr)
	}
}
