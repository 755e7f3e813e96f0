package immutable

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/pkindex/internal/hash"
	"github.com/hupe1980/pkindex/model"
)

func buildFile(t *testing.T, n int, optFns ...func(*WriterOptions)) (string, map[string]model.IndexValue) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.l1.1.0")
	w := NewWriter(path, optFns...)

	want := make(map[string]model.IndexValue, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("test_varlen_%d", i)
		value := model.IndexValue(i)
		require.NoError(t, w.Add([]byte(key), value))
		want[key] = value
	}
	require.NoError(t, w.Finish())
	return path, want
}

func getAll(t *testing.T, r *Reader, keys [][]byte) ([]model.IndexValue, *model.KeysInfo, model.IOStat) {
	t.Helper()
	info := &model.KeysInfo{}
	values := make([]model.IndexValue, len(keys))
	for i, key := range keys {
		values[i] = model.NullIndexValue
		info.Append(uint32(i), hash.Key64(key))
	}
	var found model.KeysInfo
	var stat model.IOStat
	require.NoError(t, r.Get(keys, info, values, &found, &stat))
	return values, &found, stat
}

func TestWriteReadRoundTrip(t *testing.T) {
	const n = 10000
	path, want := buildFile(t, n, func(o *WriterOptions) { o.WriteBloom = true })

	r, err := OpenFile(path)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, uint64(n), r.Count())
	require.True(t, r.HasBloom())

	keys := make([][]byte, 0, n)
	for key := range want {
		keys = append(keys, []byte(key))
	}
	values, found, _ := getAll(t, r, keys)
	require.Equal(t, len(keys), found.Size())
	for i, key := range keys {
		require.Equal(t, want[string(key)], values[i], "key %s", key)
	}

	// Disjoint keys resolve to the sentinel.
	miss := [][]byte{[]byte("absent_1"), []byte("absent_2")}
	values, found, _ = getAll(t, r, miss)
	require.Equal(t, 0, found.Size())
	require.Equal(t, model.NullIndexValue, values[0])
	require.Equal(t, model.NullIndexValue, values[1])
}

func TestFixedSizeKeys(t *testing.T) {
	const n = 5000
	path := filepath.Join(t.TempDir(), "index.l1.1.0")
	w := NewWriter(path, func(o *WriterOptions) {
		o.KeySize = 8
		o.WriteBloom = true
	})
	for i := 0; i < n; i++ {
		var key [8]byte
		binary.LittleEndian.PutUint64(key[:], uint64(i))
		require.NoError(t, w.Add(key[:], model.IndexValue(i*2)))
	}
	require.NoError(t, w.Finish())

	r, err := OpenFile(path)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, 8, r.KeySize())

	keys := make([][]byte, n)
	for i := 0; i < n; i++ {
		var key [8]byte
		binary.LittleEndian.PutUint64(key[:], uint64(i))
		keys[i] = append([]byte(nil), key[:]...)
	}
	values, found, _ := getAll(t, r, keys)
	require.Equal(t, n, found.Size())
	for i := range keys {
		require.Equal(t, model.IndexValue(i*2), values[i])
	}
}

func TestCompressionCodecs(t *testing.T) {
	for _, codec := range []Codec{CodecZstd, CodecLZ4} {
		t.Run(fmt.Sprintf("codec_%d", codec), func(t *testing.T) {
			path, want := buildFile(t, 3000, func(o *WriterOptions) {
				o.Codec = codec
				o.WriteBloom = true
			})
			r, err := OpenFile(path)
			require.NoError(t, err)
			defer r.Close()

			keys := make([][]byte, 0, len(want))
			for key := range want {
				keys = append(keys, []byte(key))
			}
			values, found, _ := getAll(t, r, keys)
			require.Equal(t, len(keys), found.Size())
			for i, key := range keys {
				require.Equal(t, want[string(key)], values[i])
			}
		})
	}
}

func TestReadByPage(t *testing.T) {
	path, want := buildFile(t, 2000)
	r, err := OpenFile(path, func(o *ReaderOptions) { o.ReadByPage = true })
	require.NoError(t, err)
	defer r.Close()

	keys := [][]byte{[]byte("test_varlen_0"), []byte("test_varlen_999")}
	values, found, stat := getAll(t, r, keys)
	require.Equal(t, 2, found.Size())
	require.Equal(t, want["test_varlen_0"], values[0])
	require.Equal(t, want["test_varlen_999"], values[1])
	require.NotZero(t, stat.ReadPages)
	require.NotZero(t, stat.ReadIOBytes)
}

// Bloom soundness: a rejected key is never present, and probing only absent
// keys produces bloom rejections.
func TestBloomFilter(t *testing.T) {
	const n = 100
	path := filepath.Join(t.TempDir(), "index.l1.1.0")
	w := NewWriter(path, func(o *WriterOptions) { o.WriteBloom = true })
	present := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key_%d", i)
		require.NoError(t, w.Add([]byte(key), model.IndexValue(i)))
		present = append(present, []byte(key))
	}
	require.NoError(t, w.Finish())

	r, err := OpenFile(path)
	require.NoError(t, err)
	defer r.Close()

	// Probe with disjoint keys: the filter must reject some.
	miss := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		miss = append(miss, []byte(fmt.Sprintf("nonexistent_%d", i)))
	}
	_, found, stat := getAll(t, r, miss)
	require.Equal(t, 0, found.Size())
	require.NotZero(t, stat.FilteredKVCnt)

	// Probe with present keys: no false negatives, so nothing filtered.
	_, found, stat = getAll(t, r, present)
	require.Equal(t, n, found.Size())
	require.Zero(t, stat.FilteredKVCnt)

	// Dropping the filters keeps lookups correct.
	r.DropBloom()
	require.False(t, r.HasBloom())
	values, found, _ := getAll(t, r, present)
	require.Equal(t, n, found.Size())
	require.Equal(t, model.IndexValue(42), values[42])
}

func TestCheckNotExist(t *testing.T) {
	path, _ := buildFile(t, 100)
	r, err := OpenFile(path)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.CheckNotExist([][]byte{[]byte("foreign_a"), []byte("foreign_b")}))
	err = r.CheckNotExist([][]byte{[]byte("foreign_a"), []byte("test_varlen_7")})
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestIterate(t *testing.T) {
	path, want := buildFile(t, 4000, func(o *WriterOptions) { o.Codec = CodecZstd })
	r, err := OpenFile(path)
	require.NoError(t, err)
	defer r.Close()

	got := make(map[string]model.IndexValue, len(want))
	require.NoError(t, r.Iterate(func(key []byte, value model.IndexValue) error {
		got[string(key)] = value
		return nil
	}))
	require.Equal(t, want, got)
}

// Every mutated byte must fail Open.
func TestChecksumSensitivity(t *testing.T) {
	path, _ := buildFile(t, 500)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 8; trial++ {
		pos := rng.Intn(len(data) - trailerLen) // anywhere the checksum covers
		mutated := append([]byte(nil), data...)
		mutated[pos] ^= 0x01

		corrupt := filepath.Join(t.TempDir(), "corrupt")
		require.NoError(t, os.WriteFile(corrupt, mutated, 0o644))
		_, err := OpenFile(corrupt)
		require.ErrorIs(t, err, ErrChecksumMismatch, "flipped byte at %d", pos)
		var cm *ChecksumMismatchError
		require.ErrorAs(t, err, &cm, "flipped byte at %d", pos)
		require.NotEqual(t, cm.Expected, cm.Actual)
	}
}

func TestBadMagic(t *testing.T) {
	path, _ := buildFile(t, 10)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff

	corrupt := filepath.Join(t.TempDir(), "corrupt")
	require.NoError(t, os.WriteFile(corrupt, data, 0o644))
	_, err = OpenFile(corrupt)
	require.ErrorIs(t, err, ErrBadMagic)
}

// Mirrors the randomized relocation-selector contract check: any returned
// set must cover the target record count.
func TestMoveBuckets(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	counts := make([]int, 16)
	sum := 0
	for i := range counts {
		counts[i] = rng.Intn(32)
		sum += counts[i]
	}
	if sum == 0 {
		counts[0], sum = 1, 1
	}

	for trial := 0; trial < 100; trial++ {
		target := rng.Intn(sum)
		chosen := moveBuckets(target, counts)
		got := 0
		seen := map[int]bool{}
		for _, i := range chosen {
			require.False(t, seen[i], "bucket chosen twice")
			seen[i] = true
			got += counts[i]
		}
		require.GreaterOrEqual(t, got, target)
	}
}

func TestMoveBucketsTies(t *testing.T) {
	// Equal counts: the lower index wins.
	chosen := moveBuckets(5, []int{4, 4, 4, 4})
	require.Equal(t, []int{0, 1}, chosen)
}

func TestEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.l1.0.0")
	w := NewWriter(path)
	require.NoError(t, w.Finish())

	r, err := OpenFile(path)
	require.NoError(t, err)
	defer r.Close()
	require.Zero(t, r.Count())

	values, found, _ := getAll(t, r, [][]byte{[]byte("anything")})
	require.Equal(t, 0, found.Size())
	require.Equal(t, model.NullIndexValue, values[0])
}

func TestTombstoneRejected(t *testing.T) {
	w := NewWriter(filepath.Join(t.TempDir(), "x"))
	err := w.Add([]byte("k"), model.NullIndexValue)
	require.ErrorIs(t, err, ErrBadFormat)
}
