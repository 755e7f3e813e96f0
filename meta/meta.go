// Package meta defines the persisted descriptor of an index: which snapshot
// and log the L0 was built from, the L1 version, and the ordered L2 version
// list with merged flags. The surrounding engine stores the serialized
// descriptor next to the tablet and commits it atomically; this package
// only guarantees a byte-identical round-trip and the compaction edit rule.
package meta

import (
	"errors"

	"github.com/hupe1980/pkindex/model"
)

// FormatVersion is the current descriptor layout version.
const FormatVersion = 1

var (
	// ErrBadFormat reports an unreadable descriptor.
	ErrBadFormat = errors.New("meta: bad descriptor format")
	// ErrInvalidEdit reports a rejected descriptor edit. The descriptor is
	// untouched when this is returned.
	ErrInvalidEdit = errors.New("meta: invalid descriptor edit")
)

// L0Meta locates the L0 artifact and its replay bound.
type L0Meta struct {
	// SnapshotVersion names the snapshot file index.l0.<major>.<minor>.
	SnapshotVersion model.EditVersion
	// WALOffset is the committed end of the log; replay stops there.
	WALOffset int64
	// FormatVersion of the L0 artifact.
	FormatVersion uint32
}

// PersistentIndexMeta is the descriptor of one persistent index.
type PersistentIndexMeta struct {
	// KeySize is the fixed key length, or 0 for variable-length keys.
	KeySize int
	// Size is the live key count estimate at Version.
	Size uint64
	// Version is the top committed version.
	Version model.EditVersion
	// L0 locates the snapshot + log artifact.
	L0 L0Meta
	// HaveL1 reports whether an L1 file exists.
	HaveL1 bool
	// L1Version names index.l1.<major>.<minor> when HaveL1.
	L1Version model.EditVersion
	// TmpL1Versions lists intermediate flush targets (L1-format files not
	// yet promoted to L2), oldest first.
	TmpL1Versions []model.EditVersion
	// L2Versions lists L2 files oldest first, each with its merged flag.
	L2Versions []model.EditVersionWithMerge
}

// Clone returns a deep copy.
func (m *PersistentIndexMeta) Clone() *PersistentIndexMeta {
	cp := *m
	cp.TmpL1Versions = append([]model.EditVersion(nil), m.TmpL1Versions...)
	cp.L2Versions = append([]model.EditVersionWithMerge(nil), m.L2Versions...)
	return &cp
}

// ModifyL2Versions applies the major-compaction edit: the inputs must be a
// contiguous prefix of the descriptor's L2 list; the prefix is removed and
// mergedVersion is prepended with its merged flag set. On violation the
// descriptor is untouched and ErrInvalidEdit is returned.
func ModifyL2Versions(inputs []model.EditVersion, mergedVersion model.EditVersion, m *PersistentIndexMeta) error {
	if len(inputs) == 0 || len(m.L2Versions) < len(inputs) {
		return ErrInvalidEdit
	}
	for i, in := range inputs {
		if m.L2Versions[i].EditVersion != in {
			return ErrInvalidEdit
		}
	}
	rest := m.L2Versions[len(inputs):]
	next := make([]model.EditVersionWithMerge, 0, len(rest)+1)
	next = append(next, model.EditVersionWithMerge{EditVersion: mergedVersion, Merged: true})
	next = append(next, rest...)
	m.L2Versions = next
	return nil
}
