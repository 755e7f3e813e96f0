package meta

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hupe1980/pkindex/model"
)

// Binary descriptor layout, little-endian:
//
//	magic "PKIM" | formatVersion uint32 | keySize uint16 | flags uint16 |
//	size uint64 | version (2x uint64) | l0 snapshot version (2x uint64) |
//	l0 wal offset int64 | l0 format uint32 | l1 version (2x uint64) |
//	l2 count uint32 | per L2: version (2x uint64) + merged uint8 |
//	tmp-l1 count uint32 | per tmp-L1: version (2x uint64)

var metaMagic = [4]byte{'P', 'K', 'I', 'M'}

const flagHaveL1 = uint16(1)

func putVersion(buf []byte, v model.EditVersion) {
	binary.LittleEndian.PutUint64(buf[0:8], v.Major)
	binary.LittleEndian.PutUint64(buf[8:16], v.Minor)
}

func getVersion(buf []byte) model.EditVersion {
	return model.EditVersion{
		Major: binary.LittleEndian.Uint64(buf[0:8]),
		Minor: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// WriteBinary serializes the descriptor.
func (m *PersistentIndexMeta) WriteBinary(w io.Writer) error {
	fixed := make([]byte, 4+4+2+2+8+16+16+8+4+16+4)
	copy(fixed[0:4], metaMagic[:])
	binary.LittleEndian.PutUint32(fixed[4:8], FormatVersion)
	binary.LittleEndian.PutUint16(fixed[8:10], uint16(m.KeySize))
	var flags uint16
	if m.HaveL1 {
		flags |= flagHaveL1
	}
	binary.LittleEndian.PutUint16(fixed[10:12], flags)
	binary.LittleEndian.PutUint64(fixed[12:20], m.Size)
	putVersion(fixed[20:36], m.Version)
	putVersion(fixed[36:52], m.L0.SnapshotVersion)
	binary.LittleEndian.PutUint64(fixed[52:60], uint64(m.L0.WALOffset))
	binary.LittleEndian.PutUint32(fixed[60:64], m.L0.FormatVersion)
	putVersion(fixed[64:80], m.L1Version)
	binary.LittleEndian.PutUint32(fixed[80:84], uint32(len(m.L2Versions)))
	if _, err := w.Write(fixed); err != nil {
		return err
	}

	for _, l2 := range m.L2Versions {
		var entry [17]byte
		putVersion(entry[0:16], l2.EditVersion)
		if l2.Merged {
			entry[16] = 1
		}
		if _, err := w.Write(entry[:]); err != nil {
			return err
		}
	}

	var cnt [4]byte
	binary.LittleEndian.PutUint32(cnt[:], uint32(len(m.TmpL1Versions)))
	if _, err := w.Write(cnt[:]); err != nil {
		return err
	}
	for _, v := range m.TmpL1Versions {
		var entry [16]byte
		putVersion(entry[:], v)
		if _, err := w.Write(entry[:]); err != nil {
			return err
		}
	}
	return nil
}

// ReadBinary deserializes a descriptor written by WriteBinary.
func ReadBinary(r io.Reader) (*PersistentIndexMeta, error) {
	fixed := make([]byte, 4+4+2+2+8+16+16+8+4+16+4)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	if [4]byte(fixed[0:4]) != metaMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadFormat)
	}
	if v := binary.LittleEndian.Uint32(fixed[4:8]); v != FormatVersion {
		return nil, fmt.Errorf("%w: version %d", ErrBadFormat, v)
	}

	m := &PersistentIndexMeta{
		KeySize: int(binary.LittleEndian.Uint16(fixed[8:10])),
		Size:    binary.LittleEndian.Uint64(fixed[12:20]),
		Version: getVersion(fixed[20:36]),
		L0: L0Meta{
			SnapshotVersion: getVersion(fixed[36:52]),
			WALOffset:       int64(binary.LittleEndian.Uint64(fixed[52:60])),
			FormatVersion:   binary.LittleEndian.Uint32(fixed[60:64]),
		},
		L1Version: getVersion(fixed[64:80]),
	}
	m.HaveL1 = binary.LittleEndian.Uint16(fixed[10:12])&flagHaveL1 != 0

	n := binary.LittleEndian.Uint32(fixed[80:84])
	for i := uint32(0); i < n; i++ {
		var entry [17]byte
		if _, err := io.ReadFull(r, entry[:]); err != nil {
			return nil, fmt.Errorf("%w: truncated L2 list: %v", ErrBadFormat, err)
		}
		m.L2Versions = append(m.L2Versions, model.EditVersionWithMerge{
			EditVersion: getVersion(entry[0:16]),
			Merged:      entry[16] == 1,
		})
	}

	var cnt [4]byte
	if _, err := io.ReadFull(r, cnt[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated tmp-L1 list: %v", ErrBadFormat, err)
	}
	tmpCnt := binary.LittleEndian.Uint32(cnt[:])
	for i := uint32(0); i < tmpCnt; i++ {
		var entry [16]byte
		if _, err := io.ReadFull(r, entry[:]); err != nil {
			return nil, fmt.Errorf("%w: truncated tmp-L1 list: %v", ErrBadFormat, err)
		}
		m.TmpL1Versions = append(m.TmpL1Versions, getVersion(entry[:]))
	}
	return m, nil
}
