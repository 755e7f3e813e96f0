package model

import "fmt"

// IndexValue is an opaque 64-bit handle owned by the surrounding storage
// engine. The high 32 bits carry the rowset/segment id, the low 32 bits the
// row offset within it.
type IndexValue uint64

// NullIndexValue marks a deleted or absent key. Layers above an older live
// value store it as a tombstone; immutable files never contain it.
const NullIndexValue = IndexValue(^uint64(0))

// RowsetID is the rowset/segment component of an IndexValue.
type RowsetID uint32

// Rowset returns the rowset id encoded in the value's high 32 bits.
func (v IndexValue) Rowset() RowsetID {
	return RowsetID(v >> 32)
}

// IsNull reports whether the value is the deleted/absent sentinel.
func (v IndexValue) IsNull() bool {
	return v == NullIndexValue
}

// String returns a string representation of the value.
func (v IndexValue) String() string {
	if v.IsNull() {
		return "IndexValue(null)"
	}
	return fmt.Sprintf("IndexValue(%d:%d)", uint32(v>>32), uint32(v))
}

// TabletID identifies the primary-key tablet an index belongs to.
type TabletID int64

// EditVersion is a (major, minor) version stamp, ordered lexicographically.
type EditVersion struct {
	Major uint64
	Minor uint64
}

// Compare returns -1, 0 or 1 for v < o, v == o, v > o.
func (v EditVersion) Compare(o EditVersion) int {
	switch {
	case v.Major < o.Major:
		return -1
	case v.Major > o.Major:
		return 1
	case v.Minor < o.Minor:
		return -1
	case v.Minor > o.Minor:
		return 1
	}
	return 0
}

// Less reports whether v orders strictly before o.
func (v EditVersion) Less(o EditVersion) bool {
	return v.Compare(o) < 0
}

// String returns the "<major>.<minor>" form used in artifact file names.
func (v EditVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// EditVersionWithMerge tags an EditVersion with a merged flag. Versions
// compare lexicographically; at equal version the non-merged one sorts
// greater, so a freshly merged artifact is retained as the older of the two.
type EditVersionWithMerge struct {
	EditVersion
	Merged bool
}

// Compare orders by version first; at equal version merged sorts lower.
func (v EditVersionWithMerge) Compare(o EditVersionWithMerge) int {
	if c := v.EditVersion.Compare(o.EditVersion); c != 0 {
		return c
	}
	switch {
	case v.Merged == o.Merged:
		return 0
	case v.Merged:
		return -1
	}
	return 1
}

// KeysInfo records the batch positions (and their precomputed hashes) of
// keys a layer could not answer, so the coordinator can probe lower layers.
type KeysInfo struct {
	Idxes  []uint32
	Hashes []uint64
}

// Append adds one unresolved position.
func (k *KeysInfo) Append(idx uint32, hash uint64) {
	k.Idxes = append(k.Idxes, idx)
	k.Hashes = append(k.Hashes, hash)
}

// Size returns the number of unresolved positions.
func (k *KeysInfo) Size() int {
	if k == nil {
		return 0
	}
	return len(k.Idxes)
}

// Reset empties the info for reuse.
func (k *KeysInfo) Reset() {
	k.Idxes = k.Idxes[:0]
	k.Hashes = k.Hashes[:0]
}

// IOStat accumulates read-path counters for a single batched lookup.
type IOStat struct {
	// ReadPages counts immutable pages fetched.
	ReadPages uint64
	// ReadIOBytes counts bytes fetched from immutable files.
	ReadIOBytes uint64
	// FilteredKVCnt counts probes rejected by a shard bloom filter.
	FilteredKVCnt uint64
}

// Add merges o into s.
func (s *IOStat) Add(o IOStat) {
	s.ReadPages += o.ReadPages
	s.ReadIOBytes += o.ReadIOBytes
	s.FilteredKVCnt += o.FilteredKVCnt
}
