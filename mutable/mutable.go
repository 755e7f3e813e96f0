package mutable

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/pkindex/internal/hash"
	"github.com/hupe1980/pkindex/model"
	"github.com/hupe1980/pkindex/resource"
)

var (
	// ErrAlreadyExists reports a duplicate key on insert.
	ErrAlreadyExists = errors.New("mutable: key already exists")
	// ErrMemLimitExceeded reports a rejected memory reservation.
	ErrMemLimitExceeded = errors.New("mutable: memory limit exceeded")
)

const (
	// shardTargetBytes sizes the shard count: one shard per 4 MiB of
	// expected resident data.
	shardTargetBytes = 4 << 20
	maxShards        = 4096

	// entryOverhead approximates the per-entry map bookkeeping cost
	// charged to the memory tracker on top of key and value bytes.
	entryOverhead = 48
)

// Options configures an Index.
type Options struct {
	// KeySize is the fixed key length, or 0 for variable-length keys.
	KeySize int
	// ExpectedBytes hints the resident data size for shard sizing.
	ExpectedBytes int64
	// Tracker accounts entry memory. Nil disables enforcement.
	Tracker *resource.Tracker
}

// Index is the mutable L0 layer.
type Index struct {
	keySize   int
	shards    []*shard
	shardBits uint
	tracker   *resource.Tracker
}

type shard struct {
	mu    sync.RWMutex
	m     map[string]model.IndexValue
	bytes int64
	// live counts non-tombstone entries.
	live int
}

// New creates an empty L0. The shard count is fixed at creation: the
// smallest power of two giving each shard at most shardTargetBytes of the
// expected resident data.
func New(optFns ...func(*Options)) *Index {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	n := hash.Pow2Ceil(uint64(opts.ExpectedBytes+shardTargetBytes-1) / shardTargetBytes)
	if n < 1 {
		n = 1
	}
	if n > maxShards {
		n = maxShards
	}

	idx := &Index{
		keySize:   opts.KeySize,
		shards:    make([]*shard, n),
		shardBits: uint(hash.Log2(uint32(n))),
		tracker:   opts.Tracker,
	}
	for i := range idx.shards {
		idx.shards[i] = &shard{m: make(map[string]model.IndexValue)}
	}
	return idx
}

// KeySize returns the fixed key length (0 for variable-length keys).
func (idx *Index) KeySize() int { return idx.keySize }

// ShardCount returns the number of shards.
func (idx *Index) ShardCount() int { return len(idx.shards) }

func (idx *Index) shardFor(h uint64) *shard {
	if idx.shardBits == 0 {
		return idx.shards[0]
	}
	return idx.shards[h>>(64-idx.shardBits)]
}

func entryBytes(key string) int64 {
	return int64(len(key)) + 8 + entryOverhead
}

// set stores key -> value in its shard, charging the tracker for new
// entries. The bool reports whether the key existed before.
func (idx *Index) set(key string, h uint64, value model.IndexValue) (model.IndexValue, bool, error) {
	s := idx.shardFor(h)
	s.mu.Lock()
	defer s.mu.Unlock()

	old, existed := s.m[key]
	if !existed {
		cost := entryBytes(key)
		if idx.tracker != nil && !idx.tracker.TryConsume(cost) {
			return model.NullIndexValue, false, fmt.Errorf("reserve %d bytes for key: %w", cost, ErrMemLimitExceeded)
		}
		s.bytes += cost
	}
	s.m[key] = value

	switch {
	case !existed || old.IsNull():
		if !value.IsNull() {
			s.live++
		}
	case value.IsNull():
		s.live--
	}
	return old, existed, nil
}

// Insert adds new keys; a key that already holds a live value fails with
// ErrAlreadyExists, while a key tombstoned by a prior erase in this L0 is
// inserted again. Keys inserted before
// the failing position remain inserted; bulk loaders treat the error as
// fatal and discard the whole index.
func (idx *Index) Insert(keys [][]byte, values []model.IndexValue, idxes []uint32) error {
	for _, i := range idxes {
		key := string(keys[i])
		h := hash.Key64(keys[i])
		s := idx.shardFor(h)

		s.mu.Lock()
		if old, existed := s.m[key]; existed && !old.IsNull() {
			s.mu.Unlock()
			return fmt.Errorf("insert key at position %d: %w", i, ErrAlreadyExists)
		}
		cost := entryBytes(key)
		if _, existed := s.m[key]; !existed {
			if idx.tracker != nil && !idx.tracker.TryConsume(cost) {
				s.mu.Unlock()
				return fmt.Errorf("reserve %d bytes for key: %w", cost, ErrMemLimitExceeded)
			}
			s.bytes += cost
		}
		s.m[key] = values[i]
		if !values[i].IsNull() {
			s.live++
		}
		s.mu.Unlock()
	}
	return nil
}

// Upsert writes values and reports displaced state: oldValues receives the
// prior value (NullIndexValue when none), numFound counts positions that
// held a live value, and positions with no L0 entry at all are appended to
// notFound so the caller can consult older layers.
func (idx *Index) Upsert(keys [][]byte, values []model.IndexValue, oldValues []model.IndexValue, notFound *model.KeysInfo, numFound *int, idxes []uint32) error {
	for _, i := range idxes {
		h := hash.Key64(keys[i])
		old, existed, err := idx.set(string(keys[i]), h, values[i])
		if err != nil {
			return err
		}
		switch {
		case !existed:
			oldValues[i] = model.NullIndexValue
			notFound.Append(i, h)
		case old.IsNull():
			oldValues[i] = model.NullIndexValue
		default:
			oldValues[i] = old
			*numFound++
		}
	}
	return nil
}

// Erase writes tombstones. Live entries contribute their value to oldValues
// and count into numFound; positions with no L0 entry are appended to
// notFound (the tombstone is still written, since an older layer may carry
// the key).
func (idx *Index) Erase(keys [][]byte, oldValues []model.IndexValue, notFound *model.KeysInfo, numFound *int, idxes []uint32) error {
	for _, i := range idxes {
		h := hash.Key64(keys[i])
		old, existed, err := idx.set(string(keys[i]), h, model.NullIndexValue)
		if err != nil {
			return err
		}
		switch {
		case !existed:
			oldValues[i] = model.NullIndexValue
			notFound.Append(i, h)
		case old.IsNull():
			oldValues[i] = model.NullIndexValue
		default:
			oldValues[i] = old
			*numFound++
		}
	}
	return nil
}

// Get looks up keys. Tombstoned positions resolve to NullIndexValue without
// touching notFound; truly absent positions are appended to notFound.
func (idx *Index) Get(keys [][]byte, values []model.IndexValue, notFound *model.KeysInfo, numFound *int, idxes []uint32) error {
	for _, i := range idxes {
		h := hash.Key64(keys[i])
		s := idx.shardFor(h)

		s.mu.RLock()
		v, existed := s.m[string(keys[i])]
		s.mu.RUnlock()

		switch {
		case !existed:
			values[i] = model.NullIndexValue
			notFound.Append(i, h)
		case v.IsNull():
			values[i] = model.NullIndexValue
		default:
			values[i] = v
			*numFound++
		}
	}
	return nil
}

// Apply unconditionally stores one key -> value pair (tombstones included).
// Recovery uses it to replay snapshot and log records.
func (idx *Index) Apply(key []byte, value model.IndexValue) error {
	_, _, err := idx.set(string(key), hash.Key64(key), value)
	return err
}

// Replace unconditionally writes values at the given positions.
func (idx *Index) Replace(keys [][]byte, values []model.IndexValue, idxes []uint32) error {
	for _, i := range idxes {
		if _, _, err := idx.set(string(keys[i]), hash.Key64(keys[i]), values[i]); err != nil {
			return err
		}
	}
	return nil
}

// TryReplace writes values[i] only where the current L0 value's rowset id
// equals srcRssid[i]; mismatching or absent positions are appended to
// failed and left unchanged.
func (idx *Index) TryReplace(keys [][]byte, values []model.IndexValue, srcRssid []model.RowsetID, failed *[]uint32, idxes []uint32) error {
	for _, i := range idxes {
		h := hash.Key64(keys[i])
		key := string(keys[i])
		s := idx.shardFor(h)

		s.mu.Lock()
		cur, existed := s.m[key]
		if !existed || cur.IsNull() || cur.Rowset() != srcRssid[i] {
			s.mu.Unlock()
			*failed = append(*failed, i)
			continue
		}
		s.m[key] = values[i]
		s.mu.Unlock()
	}
	return nil
}

// MemoryUsage returns the tracked resident size of all shards.
func (idx *Index) MemoryUsage() int64 {
	var total int64
	for _, s := range idx.shards {
		s.mu.RLock()
		total += s.bytes
		s.mu.RUnlock()
	}
	return total
}

// Size returns the number of live (non-tombstone) entries.
func (idx *Index) Size() int {
	var total int
	for _, s := range idx.shards {
		s.mu.RLock()
		total += s.live
		s.mu.RUnlock()
	}
	return total
}

// Entries returns the total entry count including tombstones.
func (idx *Index) Entries() int {
	var total int
	for _, s := range idx.shards {
		s.mu.RLock()
		total += len(s.m)
		s.mu.RUnlock()
	}
	return total
}

// Iterate calls fn for every entry, tombstones included. Iteration order is
// unspecified. fn must not mutate the index.
func (idx *Index) Iterate(fn func(key []byte, value model.IndexValue) error) error {
	for _, s := range idx.shards {
		s.mu.RLock()
		for k, v := range s.m {
			if err := fn([]byte(k), v); err != nil {
				s.mu.RUnlock()
				return err
			}
		}
		s.mu.RUnlock()
	}
	return nil
}

// Clear drops entries after a flush, releasing their tracker reservations.
// When keepTombstones is true only live entries are dropped: the flush
// target did not merge every older layer, so tombstones must keep masking.
func (idx *Index) Clear(keepTombstones bool) {
	for _, s := range idx.shards {
		s.mu.Lock()
		if !keepTombstones {
			if idx.tracker != nil {
				idx.tracker.Release(s.bytes)
			}
			s.m = make(map[string]model.IndexValue)
			s.bytes = 0
			s.live = 0
			s.mu.Unlock()
			continue
		}
		next := make(map[string]model.IndexValue)
		var kept int64
		for k, v := range s.m {
			if v.IsNull() {
				next[k] = v
				kept += entryBytes(k)
			}
		}
		if idx.tracker != nil {
			idx.tracker.Release(s.bytes - kept)
		}
		s.m = next
		s.bytes = kept
		s.live = 0
		s.mu.Unlock()
	}
}
