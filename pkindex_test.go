package pkindex_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	pkindex "github.com/hupe1980/pkindex"
	"github.com/hupe1980/pkindex/blobstore"
	"github.com/hupe1980/pkindex/internal/failpoint"
	"github.com/hupe1980/pkindex/meta"
	"github.com/hupe1980/pkindex/model"
	"github.com/hupe1980/pkindex/resource"
)

func ver(major uint64) model.EditVersion {
	return model.EditVersion{Major: major}
}

func varKeys(n int) [][]byte {
	keys := make([][]byte, n)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("test_varlen_%d", i))
	}
	return keys
}

func seqValues(n int, f func(i int) uint64) []model.IndexValue {
	values := make([]model.IndexValue, n)
	for i := range values {
		values[i] = model.IndexValue(f(i))
	}
	return values
}

func newIndex(t *testing.T, dir string, optFns ...pkindex.Option) (*pkindex.PersistentIndex, *meta.PersistentIndexMeta) {
	t.Helper()
	idx, err := pkindex.New(dir, optFns...)
	require.NoError(t, err)
	m, err := idx.CreateEmpty(ver(1))
	require.NoError(t, err)
	return idx, m
}

func commitBatch(t *testing.T, idx *pkindex.PersistentIndex, m *meta.PersistentIndexMeta, version model.EditVersion, fn func()) {
	t.Helper()
	require.NoError(t, idx.Prepare(version, 0))
	fn()
	require.NoError(t, idx.Commit(m))
	require.NoError(t, idx.OnCommitted())
}

func TestGetAfterUpsertAndErase(t *testing.T) {
	idx, m := newIndex(t, t.TempDir())
	defer idx.Close()

	keys := varKeys(100)
	values := seqValues(100, func(i int) uint64 { return uint64(i * 2) })

	commitBatch(t, idx, m, ver(2), func() {
		old := make([]model.IndexValue, len(keys))
		require.NoError(t, idx.Upsert(keys, values, old, nil))
		for _, v := range old {
			require.Equal(t, model.NullIndexValue, v)
		}
	})

	got := make([]model.IndexValue, len(keys))
	require.NoError(t, idx.Get(keys, got))
	for i := range keys {
		require.Equal(t, values[i], got[i])
	}

	// Erase half; erased keys read as the sentinel until re-inserted.
	commitBatch(t, idx, m, ver(3), func() {
		old := make([]model.IndexValue, 50)
		require.NoError(t, idx.Erase(keys[:50], old))
		for i := 0; i < 50; i++ {
			require.Equal(t, values[i], old[i])
		}
	})

	require.NoError(t, idx.Get(keys, got))
	for i := 0; i < 50; i++ {
		require.Equal(t, model.NullIndexValue, got[i])
	}
	for i := 50; i < 100; i++ {
		require.Equal(t, values[i], got[i])
	}

	commitBatch(t, idx, m, ver(4), func() {
		require.NoError(t, idx.Insert(keys[:10], seqValues(10, func(i int) uint64 { return 999 }), false))
	})
	require.NoError(t, idx.Get(keys[:10], got[:10]))
	for i := 0; i < 10; i++ {
		require.Equal(t, model.IndexValue(999), got[i])
	}
}

// Insert 10000 keys, close, reopen from the descriptor: the log replays
// every committed version.
func TestWALReplayAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	idx, m := newIndex(t, dir)

	const n = 10000
	keys := varKeys(n)
	values := seqValues(n, func(i int) uint64 { return uint64(i) })
	commitBatch(t, idx, m, ver(2), func() {
		old := make([]model.IndexValue, n)
		require.NoError(t, idx.Upsert(keys, values, old, nil))
	})
	require.NoError(t, idx.Close())

	reopened, err := pkindex.New(dir)
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.Load(m))
	require.Equal(t, ver(2), reopened.Version())

	got := make([]model.IndexValue, n)
	require.NoError(t, reopened.Get(keys, got))
	for i := range keys {
		require.Equal(t, values[i], got[i])
	}
}

// With a tiny L0 budget, many commits force flushes through L1, tmp-L1 and
// L2; every key stays readable with its latest value, before and after a
// reopen.
func TestFlushAndReopen(t *testing.T) {
	dir := t.TempDir()
	idx, m := newIndex(t, dir,
		pkindex.WithL0MemUsage(1024, 10240),
		pkindex.WithL0L1MergeRatio(0),
		pkindex.WithMaxTmpL1Num(2),
	)

	const n = 10000
	const batches = 20
	keys := varKeys(n)
	values := seqValues(n, func(i int) uint64 { return uint64(i * 3) })

	per := n / batches
	for b := 0; b < batches; b++ {
		lo, hi := b*per, (b+1)*per
		commitBatch(t, idx, m, ver(uint64(2+b)), func() {
			old := make([]model.IndexValue, hi-lo)
			require.NoError(t, idx.Upsert(keys[lo:hi], values[lo:hi], old, nil))
		})
	}

	got := make([]model.IndexValue, n)
	require.NoError(t, idx.Get(keys, got))
	for i := range keys {
		require.Equal(t, values[i], got[i], "key %s before reopen", keys[i])
	}
	require.NoError(t, idx.Close())

	reopened, err := pkindex.New(dir,
		pkindex.WithL0MemUsage(1024, 10240),
		pkindex.WithL0L1MergeRatio(0),
		pkindex.WithMaxTmpL1Num(2),
	)
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.Load(m))

	require.NoError(t, reopened.Get(keys, got))
	for i := range keys {
		require.Equal(t, values[i], got[i], "key %s after reopen", keys[i])
	}
}

// Upsert 100000 keys in 100 batches with a small L0, run a major
// compaction, reopen: everything keeps its latest value.
func TestMajorCompactionPreservesData(t *testing.T) {
	dir := t.TempDir()
	opts := []pkindex.Option{
		pkindex.WithL0MemUsage(4096, 1<<20),
		pkindex.WithL0L1MergeRatio(0),
		pkindex.WithMaxTmpL1Num(2),
	}
	idx, m := newIndex(t, dir, opts...)

	const n = 100000
	const batches = 100
	keys := varKeys(n)
	values := seqValues(n, func(i int) uint64 { return uint64(i) })

	per := n / batches
	for b := 0; b < batches; b++ {
		lo, hi := b*per, (b+1)*per
		commitBatch(t, idx, m, ver(uint64(2+b)), func() {
			old := make([]model.IndexValue, hi-lo)
			require.NoError(t, idx.Upsert(keys[lo:hi], values[lo:hi], old, nil))
		})
	}
	require.Greater(t, idx.L2Count(), 1, "test setup must accumulate L2 files")

	require.NoError(t, idx.CompactMajor(m))
	require.Equal(t, 1, idx.L2Count())
	require.True(t, m.L2Versions[0].Merged)

	got := make([]model.IndexValue, n)
	require.NoError(t, idx.Get(keys, got))
	for i := range keys {
		require.Equal(t, values[i], got[i])
	}
	require.NoError(t, idx.Close())

	reopened, err := pkindex.New(dir, opts...)
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.Load(m))
	require.NoError(t, reopened.Get(keys, got))
	for i := range keys {
		require.Equal(t, values[i], got[i])
	}
}

// Populate 100 keys and force them into L1. Probing disjoint keys trips the
// bloom filters; probing the present keys does not.
func TestBloomFilterEfficacy(t *testing.T) {
	idx, m := newIndex(t, t.TempDir(),
		pkindex.WithL0MemUsage(1, 1), // every commit flushes
		pkindex.WithCompression(false),
	)
	defer idx.Close()

	const n = 100
	keys := varKeys(n)
	values := seqValues(n, func(i int) uint64 { return uint64(i) })
	commitBatch(t, idx, m, ver(2), func() {
		old := make([]model.IndexValue, n)
		require.NoError(t, idx.Upsert(keys, values, old, nil))
	})
	require.Equal(t, 1, idx.L1Count())

	miss := make([][]byte, n)
	for i := range miss {
		miss[i] = []byte(fmt.Sprintf("disjoint_%d", i))
	}
	got := make([]model.IndexValue, n)
	var stat model.IOStat
	require.NoError(t, idx.GetWithStat(miss, got, &stat))
	require.NotZero(t, stat.FilteredKVCnt)
	for i := range got {
		require.Equal(t, model.NullIndexValue, got[i])
	}

	stat = model.IOStat{}
	require.NoError(t, idx.GetWithStat(keys, got, &stat))
	require.Zero(t, stat.FilteredKVCnt)
	for i := range keys {
		require.Equal(t, values[i], got[i])
	}
}

func TestInsertUniqueness(t *testing.T) {
	idx, m := newIndex(t, t.TempDir(), pkindex.WithL0MemUsage(1, 1))
	defer idx.Close()

	keys := varKeys(10)
	values := seqValues(10, func(i int) uint64 { return uint64(i) })

	// The flush moves the keys into L1.
	commitBatch(t, idx, m, ver(2), func() {
		require.NoError(t, idx.Insert(keys, values, false))
	})
	require.Equal(t, 1, idx.L1Count())

	// Duplicate insert probing the immutable layers fails and leaves the
	// original value intact.
	require.NoError(t, idx.Prepare(ver(3), 0))
	err := idx.Insert(keys[:1], seqValues(1, func(int) uint64 { return 777 }), true)
	require.ErrorIs(t, err, pkindex.ErrAlreadyExists)

	got := make([]model.IndexValue, 1)
	require.NoError(t, idx.Get(keys[:1], got))
	require.Equal(t, values[0], got[0])
}

func TestTryReplaceConditional(t *testing.T) {
	idx, m := newIndex(t, t.TempDir())
	defer idx.Close()

	mk := func(rssid, row uint32) model.IndexValue {
		return model.IndexValue(uint64(rssid)<<32 | uint64(row))
	}
	keys := varKeys(3)
	commitBatch(t, idx, m, ver(2), func() {
		old := make([]model.IndexValue, 3)
		require.NoError(t, idx.Upsert(keys, []model.IndexValue{mk(1, 1), mk(2, 2), mk(3, 3)}, old, nil))
	})

	commitBatch(t, idx, m, ver(3), func() {
		var failed []uint32
		require.NoError(t, idx.TryReplace(keys,
			[]model.IndexValue{mk(9, 1), mk(9, 2), mk(9, 3)},
			[]model.RowsetID{1, 5, 3}, &failed))
		require.Equal(t, []uint32{1}, failed)
	})

	got := make([]model.IndexValue, 3)
	require.NoError(t, idx.Get(keys, got))
	require.Equal(t, mk(9, 1), got[0])
	require.Equal(t, mk(2, 2), got[1])
	require.Equal(t, mk(9, 3), got[2])
}

func TestPrepareVersionMonotonicity(t *testing.T) {
	idx, m := newIndex(t, t.TempDir())
	defer idx.Close()

	commitBatch(t, idx, m, ver(5), func() {
		old := make([]model.IndexValue, 1)
		require.NoError(t, idx.Upsert(varKeys(1), seqValues(1, func(int) uint64 { return 1 }), old, nil))
	})

	require.ErrorIs(t, idx.Prepare(ver(5), 0), pkindex.ErrInvalidArgument)
	require.ErrorIs(t, idx.Prepare(ver(4), 0), pkindex.ErrInvalidArgument)
	require.NoError(t, idx.Prepare(ver(6), 0))
}

// Mutating any byte of the snapshot file fails the load.
func TestSnapshotChecksumSensitivity(t *testing.T) {
	dir := t.TempDir()
	idx, m := newIndex(t, dir)

	keys := varKeys(100)
	commitBatch(t, idx, m, ver(2), func() {
		old := make([]model.IndexValue, len(keys))
		require.NoError(t, idx.Upsert(keys, seqValues(100, func(i int) uint64 { return uint64(i) }), old, nil))
	})
	require.NoError(t, idx.Close())

	path := filepath.Join(dir, fmt.Sprintf("index.l0.%d.%d", m.L0.SnapshotVersion.Major, m.L0.SnapshotVersion.Minor))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[20] ^= 0x01 // inside the snapshot section
	require.NoError(t, os.WriteFile(path, data, 0o644))

	reopened, err := pkindex.New(dir)
	require.NoError(t, err)
	defer reopened.Close()
	loadErr := reopened.Load(m)
	require.ErrorIs(t, loadErr, pkindex.ErrCorruption)

	// The checksum pair is reachable through the typed error.
	var cm *pkindex.ChecksumMismatchError
	require.ErrorAs(t, loadErr, &cm)
	require.NotEqual(t, cm.Expected, cm.Actual)
}

func TestBuildFromEntriesMemLimit(t *testing.T) {
	t.Cleanup(failpoint.Reset)

	tr := resource.NewTracker(resource.Config{MemoryLimitBytes: 1 << 30})
	idx, m := newIndex(t, t.TempDir(), pkindex.WithTracker(tr))
	defer idx.Close()

	failpoint.Enable(failpoint.L0TryConsumeMemFailed)
	err := idx.BuildFromEntries(ver(2), func(emit func([]byte, model.IndexValue) error) error {
		return emit([]byte("k"), 1)
	}, m)
	require.ErrorIs(t, err, pkindex.ErrMemLimitExceeded)

	failpoint.Disable(failpoint.L0TryConsumeMemFailed)
	require.NoError(t, idx.BuildFromEntries(ver(2), func(emit func([]byte, model.IndexValue) error) error {
		for i := 0; i < 100; i++ {
			if err := emit([]byte(fmt.Sprintf("bulk_%d", i)), model.IndexValue(i)); err != nil {
				return err
			}
		}
		return nil
	}, m))

	got := make([]model.IndexValue, 1)
	require.NoError(t, idx.Get([][]byte{[]byte("bulk_42")}, got))
	require.Equal(t, model.IndexValue(42), got[0])
}

func TestArchiveOffloadOnCompaction(t *testing.T) {
	store := blobstore.NewMemoryStore()
	idx, m := newIndex(t, t.TempDir(),
		pkindex.WithL0MemUsage(1, 1),
		pkindex.WithL0L1MergeRatio(0),
		pkindex.WithMaxTmpL1Num(1),
		pkindex.WithArchive(store),
	)
	defer idx.Close()

	keys := varKeys(400)
	values := seqValues(400, func(i int) uint64 { return uint64(i) })
	for b := 0; b < 4; b++ {
		lo, hi := b*100, (b+1)*100
		commitBatch(t, idx, m, ver(uint64(2+b)), func() {
			old := make([]model.IndexValue, hi-lo)
			require.NoError(t, idx.Upsert(keys[lo:hi], values[lo:hi], old, nil))
		})
	}
	require.Greater(t, idx.L2Count(), 1)

	require.NoError(t, idx.CompactMajor(m))

	archived, err := store.List(context.Background(), "index.l2.")
	require.NoError(t, err)
	require.NotEmpty(t, archived)
}

// A key's value stays identical as flushes move it from the L1 into an L2
// and a major compaction merges the L2s.
func TestFlushEquivalence(t *testing.T) {
	idx, m := newIndex(t, t.TempDir(),
		pkindex.WithL0MemUsage(1, 1),
		pkindex.WithL0L1MergeRatio(0),
		pkindex.WithMaxTmpL1Num(2),
	)
	defer idx.Close()

	key := [][]byte{[]byte("pinned_key")}
	want := []model.IndexValue{model.IndexValue(424242)}

	commitBatch(t, idx, m, ver(2), func() {
		old := make([]model.IndexValue, 1)
		require.NoError(t, idx.Upsert(key, want, old, nil))
	})

	check := func(stage string) {
		got := make([]model.IndexValue, 1)
		require.NoError(t, idx.Get(key, got))
		require.Equal(t, want[0], got[0], "stage %s", stage)
	}
	check("after first flush")

	// Push the key deeper with filler-only commits.
	for b := 0; b < 6; b++ {
		commitBatch(t, idx, m, ver(uint64(3+b)), func() {
			filler := [][]byte{[]byte(fmt.Sprintf("filler_%d", b))}
			old := make([]model.IndexValue, 1)
			require.NoError(t, idx.Upsert(filler, seqValues(1, func(int) uint64 { return uint64(b) }), old, nil))
		})
		check(fmt.Sprintf("after filler commit %d", b))
	}

	require.NoError(t, idx.CompactMajor(m))
	check("after major compaction")
}
