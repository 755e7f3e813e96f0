package immutable

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Magic identifies immutable index files ("PKIX").
	Magic = uint32(0x58494B50)
	// FormatVersion is the current file format version.
	FormatVersion = 5

	// DefaultPageSize is the page size used unless overridden.
	DefaultPageSize = 4096

	// footerFixedLen is the serialized footer length including its checksum.
	footerFixedLen = 48
	// trailerLen is footerLen + magic at the very end of the file.
	trailerLen = 8

	shardInfoFixedLen = 8 + 8 + 8 + 4 + 4 + 8 + 4 + 4
	bucketMoveLen     = 4 + 4
)

var (
	// ErrBadMagic reports a file that is not an immutable index.
	ErrBadMagic = errors.New("immutable: bad magic")
	// ErrBadFormat reports a malformed or unsupported file.
	ErrBadFormat = errors.New("immutable: bad format")
	// ErrChecksumMismatch reports file corruption.
	ErrChecksumMismatch = errors.New("immutable: checksum mismatch")
	// ErrAlreadyExists reports a probed key that is present.
	ErrAlreadyExists = errors.New("immutable: key already exists")
)

// ChecksumMismatchError reports file corruption, carrying the footer's
// stored checksum and the recomputed one. It matches ErrChecksumMismatch
// under errors.Is; the values are reachable through errors.As.
type ChecksumMismatchError struct {
	Expected uint32
	Actual   uint32
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("immutable: checksum mismatch: got %08x want %08x", e.Actual, e.Expected)
}

func (e *ChecksumMismatchError) Unwrap() error { return ErrChecksumMismatch }

// Codec selects the per-shard compression of page data.
type Codec uint8

const (
	CodecNone Codec = 0
	CodecZstd Codec = 1
	CodecLZ4  Codec = 2
)

func (c Codec) valid() bool { return c <= CodecLZ4 }

// footer is the fixed descriptor at the end of every immutable file.
type footer struct {
	FormatVersion   uint32
	NumShards       uint32
	PagesPerShard   uint32
	PageSize        uint32
	KeySize         uint16
	BucketsPerPage  uint16
	Codec           Codec
	HasBloom        bool
	Count           uint64
	ShardInfoOffset uint64
	ShardInfoLen    uint32
}

// marshal serializes the footer without its checksum (the final 4 bytes of
// footerFixedLen are the CRC over everything written before them).
func (f *footer) marshal() []byte {
	buf := make([]byte, footerFixedLen-4)
	binary.LittleEndian.PutUint32(buf[0:4], f.FormatVersion)
	binary.LittleEndian.PutUint32(buf[4:8], f.NumShards)
	binary.LittleEndian.PutUint32(buf[8:12], f.PagesPerShard)
	binary.LittleEndian.PutUint32(buf[12:16], f.PageSize)
	binary.LittleEndian.PutUint16(buf[16:18], f.KeySize)
	binary.LittleEndian.PutUint16(buf[18:20], f.BucketsPerPage)
	buf[20] = byte(f.Codec)
	if f.HasBloom {
		buf[21] = 1
	}
	// buf[22:24] reserved
	binary.LittleEndian.PutUint64(buf[24:32], f.Count)
	binary.LittleEndian.PutUint64(buf[32:40], f.ShardInfoOffset)
	binary.LittleEndian.PutUint32(buf[40:44], f.ShardInfoLen)
	return buf
}

func unmarshalFooter(buf []byte) (footer, error) {
	if len(buf) < footerFixedLen-4 {
		return footer{}, fmt.Errorf("%w: footer too short", ErrBadFormat)
	}
	f := footer{
		FormatVersion:   binary.LittleEndian.Uint32(buf[0:4]),
		NumShards:       binary.LittleEndian.Uint32(buf[4:8]),
		PagesPerShard:   binary.LittleEndian.Uint32(buf[8:12]),
		PageSize:        binary.LittleEndian.Uint32(buf[12:16]),
		KeySize:         binary.LittleEndian.Uint16(buf[16:18]),
		BucketsPerPage:  binary.LittleEndian.Uint16(buf[18:20]),
		Codec:           Codec(buf[20]),
		HasBloom:        buf[21] == 1,
		Count:           binary.LittleEndian.Uint64(buf[24:32]),
		ShardInfoOffset: binary.LittleEndian.Uint64(buf[32:40]),
		ShardInfoLen:    binary.LittleEndian.Uint32(buf[40:44]),
	}
	if f.FormatVersion != FormatVersion {
		return footer{}, fmt.Errorf("%w: format version %d", ErrBadFormat, f.FormatVersion)
	}
	if f.NumShards == 0 || f.PageSize == 0 || f.BucketsPerPage == 0 || !f.Codec.valid() {
		return footer{}, fmt.Errorf("%w: degenerate footer", ErrBadFormat)
	}
	return f, nil
}

// bucketMove records one relocated bucket: the logical bucket id within its
// shard and the page it actually lives in.
type bucketMove struct {
	LogicalBucket uint32
	DstPage       uint32
}

// shardInfo locates one shard's data and bloom filter.
type shardInfo struct {
	DataOffset  uint64
	DataSize    uint64 // on-disk size (compressed when Codec != CodecNone)
	RawSize     uint64 // uncompressed page data size
	KeyCount    uint32
	PageCount   uint32
	BloomOffset uint64
	BloomLen    uint32
	Moved       []bucketMove
}

func (s *shardInfo) marshal(buf []byte) []byte {
	var tmp [shardInfoFixedLen]byte
	binary.LittleEndian.PutUint64(tmp[0:8], s.DataOffset)
	binary.LittleEndian.PutUint64(tmp[8:16], s.DataSize)
	binary.LittleEndian.PutUint64(tmp[16:24], s.RawSize)
	binary.LittleEndian.PutUint32(tmp[24:28], s.KeyCount)
	binary.LittleEndian.PutUint32(tmp[28:32], s.PageCount)
	binary.LittleEndian.PutUint64(tmp[32:40], s.BloomOffset)
	binary.LittleEndian.PutUint32(tmp[40:44], s.BloomLen)
	binary.LittleEndian.PutUint32(tmp[44:48], uint32(len(s.Moved)))
	buf = append(buf, tmp[:]...)
	for _, m := range s.Moved {
		var mv [bucketMoveLen]byte
		binary.LittleEndian.PutUint32(mv[0:4], m.LogicalBucket)
		binary.LittleEndian.PutUint32(mv[4:8], m.DstPage)
		buf = append(buf, mv[:]...)
	}
	return buf
}

func unmarshalShardInfo(buf []byte) (shardInfo, []byte, error) {
	if len(buf) < shardInfoFixedLen {
		return shardInfo{}, nil, fmt.Errorf("%w: shard info too short", ErrBadFormat)
	}
	s := shardInfo{
		DataOffset:  binary.LittleEndian.Uint64(buf[0:8]),
		DataSize:    binary.LittleEndian.Uint64(buf[8:16]),
		RawSize:     binary.LittleEndian.Uint64(buf[16:24]),
		KeyCount:    binary.LittleEndian.Uint32(buf[24:28]),
		PageCount:   binary.LittleEndian.Uint32(buf[28:32]),
		BloomOffset: binary.LittleEndian.Uint64(buf[32:40]),
		BloomLen:    binary.LittleEndian.Uint32(buf[40:44]),
	}
	moved := binary.LittleEndian.Uint32(buf[44:48])
	buf = buf[shardInfoFixedLen:]
	if uint64(len(buf)) < uint64(moved)*bucketMoveLen {
		return shardInfo{}, nil, fmt.Errorf("%w: truncated relocation table", ErrBadFormat)
	}
	for i := uint32(0); i < moved; i++ {
		s.Moved = append(s.Moved, bucketMove{
			LogicalBucket: binary.LittleEndian.Uint32(buf[0:4]),
			DstPage:       binary.LittleEndian.Uint32(buf[4:8]),
		})
		buf = buf[bucketMoveLen:]
	}
	return s, buf, nil
}
