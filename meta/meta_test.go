package meta

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/pkindex/model"
)

func ver(major, minor uint64) model.EditVersion {
	return model.EditVersion{Major: major, Minor: minor}
}

func sample() *PersistentIndexMeta {
	return &PersistentIndexMeta{
		KeySize: 8,
		Size:    123456,
		Version: ver(9, 1),
		L0: L0Meta{
			SnapshotVersion: ver(7, 0),
			WALOffset:       4096,
			FormatVersion:   1,
		},
		HaveL1:        true,
		L1Version:     ver(6, 0),
		TmpL1Versions: []model.EditVersion{ver(8, 0), ver(9, 0)},
		L2Versions: []model.EditVersionWithMerge{
			{EditVersion: ver(2, 0), Merged: true},
			{EditVersion: ver(4, 0)},
			{EditVersion: ver(5, 0)},
		},
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	m := sample()

	var buf bytes.Buffer
	require.NoError(t, m.WriteBinary(&buf))
	first := append([]byte(nil), buf.Bytes()...)

	got, err := ReadBinary(&buf)
	require.NoError(t, err)
	require.Equal(t, m, got)

	// Serialization is byte-identical across round trips.
	var second bytes.Buffer
	require.NoError(t, got.WriteBinary(&second))
	require.Equal(t, first, second.Bytes())
}

func TestReadBinaryRejectsGarbage(t *testing.T) {
	_, err := ReadBinary(bytes.NewReader([]byte("not a descriptor")))
	require.ErrorIs(t, err, ErrBadFormat)

	var buf bytes.Buffer
	require.NoError(t, sample().WriteBinary(&buf))
	data := buf.Bytes()
	data[0] ^= 0xff
	_, err = ReadBinary(bytes.NewReader(data))
	require.ErrorIs(t, err, ErrBadFormat)
}

func TestModifyL2Versions(t *testing.T) {
	m := sample()

	// Valid: inputs are the two oldest L2s.
	err := ModifyL2Versions([]model.EditVersion{ver(2, 0), ver(4, 0)}, ver(4, 0), m)
	require.NoError(t, err)
	require.Equal(t, []model.EditVersionWithMerge{
		{EditVersion: ver(4, 0), Merged: true},
		{EditVersion: ver(5, 0)},
	}, m.L2Versions)
}

func TestModifyL2VersionsInvalid(t *testing.T) {
	// Empty descriptor list: no-op error.
	empty := &PersistentIndexMeta{}
	err := ModifyL2Versions([]model.EditVersion{ver(1, 0)}, ver(1, 0), empty)
	require.ErrorIs(t, err, ErrInvalidEdit)
	require.Empty(t, empty.L2Versions)

	// Non-prefix input: descriptor untouched.
	m := sample()
	before := m.Clone()
	err = ModifyL2Versions([]model.EditVersion{ver(4, 0)}, ver(4, 0), m)
	require.ErrorIs(t, err, ErrInvalidEdit)
	require.Equal(t, before.L2Versions, m.L2Versions)

	// Empty input list.
	err = ModifyL2Versions(nil, ver(9, 0), m)
	require.ErrorIs(t, err, ErrInvalidEdit)
	require.Equal(t, before.L2Versions, m.L2Versions)

	// More inputs than entries.
	err = ModifyL2Versions([]model.EditVersion{ver(2, 0), ver(4, 0), ver(5, 0), ver(6, 0)}, ver(6, 0), m)
	require.ErrorIs(t, err, ErrInvalidEdit)
	require.Equal(t, before.L2Versions, m.L2Versions)
}
