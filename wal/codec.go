package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/pkindex/internal/hash"
	"github.com/hupe1980/pkindex/model"
)

// Group layout:
//
//	major uint64 | minor uint64 | count uint32 | payloadLen uint32 |
//	payload (records, zstd-compressed when the header flag is set) |
//	crc32c uint32 over everything above
const groupHeaderLen = 8 + 8 + 4 + 4

// encodeRecord appends one record to buf.
// Fixed-size keys omit the length prefix.
func encodeRecord(buf *bytes.Buffer, rec Record, keySize int) {
	buf.WriteByte(byte(rec.Op))
	if keySize == 0 {
		var lenBuf [binary.MaxVarintLen32]byte
		n := binary.PutUvarint(lenBuf[:], uint64(len(rec.Key)))
		buf.Write(lenBuf[:n])
	}
	buf.Write(rec.Key)
	if rec.Op == OpSet {
		var v [8]byte
		binary.LittleEndian.PutUint64(v[:], uint64(rec.Value))
		buf.Write(v[:])
	}
}

// decodeRecord reads one record from r.
func decodeRecord(r *bytes.Reader, keySize int) (Record, error) {
	opByte, err := r.ReadByte()
	if err != nil {
		return Record{}, err
	}
	rec := Record{Op: Op(opByte)}
	if rec.Op != OpSet && rec.Op != OpDelete {
		return Record{}, fmt.Errorf("%w: record op %d", ErrBadFormat, opByte)
	}

	klen := keySize
	if keySize == 0 {
		l, err := binary.ReadUvarint(r)
		if err != nil {
			return Record{}, err
		}
		klen = int(l)
	}
	rec.Key = make([]byte, klen)
	if _, err := io.ReadFull(r, rec.Key); err != nil {
		return Record{}, err
	}

	if rec.Op == OpSet {
		var v [8]byte
		if _, err := io.ReadFull(r, v[:]); err != nil {
			return Record{}, err
		}
		rec.Value = model.IndexValue(binary.LittleEndian.Uint64(v[:]))
	} else {
		rec.Value = model.NullIndexValue
	}
	return rec, nil
}

// encodeGroup seals records into a self-checking group block.
func encodeGroup(version model.EditVersion, payload []byte, count int, enc *zstd.Encoder) []byte {
	if enc != nil {
		payload = enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
	}

	out := make([]byte, groupHeaderLen, groupHeaderLen+len(payload)+4)
	binary.LittleEndian.PutUint64(out[0:8], version.Major)
	binary.LittleEndian.PutUint64(out[8:16], version.Minor)
	binary.LittleEndian.PutUint32(out[16:20], uint32(count))
	binary.LittleEndian.PutUint32(out[20:24], uint32(len(payload)))
	out = append(out, payload...)

	var crc [4]byte
	binary.LittleEndian.PutUint32(crc[:], hash.CRC32C(out))
	return append(out, crc[:]...)
}

// group is one decoded record group.
type group struct {
	version model.EditVersion
	records []Record
	// end is the file offset one past the group's checksum trailer.
	end int64
}

// readGroup decodes the group starting at off. io.ErrUnexpectedEOF (or a
// short file) means a truncated, never-committed group.
func readGroup(r io.ReaderAt, off, fileSize int64, keySize int, dec *zstd.Decoder) (group, error) {
	if off+groupHeaderLen+4 > fileSize {
		return group{}, io.ErrUnexpectedEOF
	}
	var hdr [groupHeaderLen]byte
	if _, err := r.ReadAt(hdr[:], off); err != nil {
		return group{}, err
	}
	version := model.EditVersion{
		Major: binary.LittleEndian.Uint64(hdr[0:8]),
		Minor: binary.LittleEndian.Uint64(hdr[8:16]),
	}
	count := binary.LittleEndian.Uint32(hdr[16:20])
	payloadLen := binary.LittleEndian.Uint32(hdr[20:24])

	end := off + groupHeaderLen + int64(payloadLen) + 4
	if end > fileSize {
		return group{}, io.ErrUnexpectedEOF
	}

	block := make([]byte, groupHeaderLen+int(payloadLen)+4)
	if _, err := r.ReadAt(block, off); err != nil {
		return group{}, err
	}
	body := block[:len(block)-4]
	want := binary.LittleEndian.Uint32(block[len(block)-4:])
	if got := hash.CRC32C(body); got != want {
		return group{}, fmt.Errorf("group at %d: %w", off, &ChecksumMismatchError{Expected: want, Actual: got})
	}

	payload := body[groupHeaderLen:]
	if dec != nil {
		raw, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return group{}, fmt.Errorf("decompress group at %d: %w", off, err)
		}
		payload = raw
	}

	records := make([]Record, 0, count)
	br := bytes.NewReader(payload)
	for i := uint32(0); i < count; i++ {
		rec, err := decodeRecord(br, keySize)
		if err != nil {
			return group{}, fmt.Errorf("decode record %d at %d: %w", i, off, err)
		}
		records = append(records, rec)
	}
	if br.Len() != 0 {
		return group{}, fmt.Errorf("%w: %d trailing payload bytes at %d", ErrBadFormat, br.Len(), off)
	}
	return group{version: version, records: records, end: end}, nil
}
