package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndexValueRowset(t *testing.T) {
	v := IndexValue(uint64(7)<<32 | 42)
	require.Equal(t, RowsetID(7), v.Rowset())
	require.False(t, v.IsNull())
	require.True(t, NullIndexValue.IsNull())
}

func TestEditVersionOrdering(t *testing.T) {
	a := EditVersion{Major: 1, Minor: 0}
	b := EditVersion{Major: 1, Minor: 1}
	c := EditVersion{Major: 2, Minor: 0}

	require.True(t, a.Less(b))
	require.True(t, b.Less(c))
	require.Equal(t, 0, a.Compare(a))
	require.Equal(t, 1, c.Compare(a))
}

func TestEditVersionWithMergeOrdering(t *testing.T) {
	merged := EditVersionWithMerge{EditVersion: EditVersion{Major: 3}, Merged: true}
	plain := EditVersionWithMerge{EditVersion: EditVersion{Major: 3}, Merged: false}
	newer := EditVersionWithMerge{EditVersion: EditVersion{Major: 4}, Merged: true}

	// At equal version the non-merged artifact sorts greater.
	require.Equal(t, -1, merged.Compare(plain))
	require.Equal(t, 1, plain.Compare(merged))
	require.Equal(t, -1, plain.Compare(newer))
	require.Equal(t, 0, merged.Compare(merged))
}

func TestKeysInfo(t *testing.T) {
	var ki KeysInfo
	require.Equal(t, 0, ki.Size())
	ki.Append(3, 0xdeadbeef)
	ki.Append(9, 0xfeedface)
	require.Equal(t, 2, ki.Size())
	require.Equal(t, []uint32{3, 9}, ki.Idxes)
	ki.Reset()
	require.Equal(t, 0, ki.Size())
}
