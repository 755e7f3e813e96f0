package immutable

import (
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/pkindex/model"
)

// Page layout:
//
//	nbuckets uint16
//	bucket directory: { logicalBucket uint32, count uint16 } per bucket
//	tag bytes, one per record, grouped by bucket in directory order
//	record offsets uint16, one per record, same order
//	free space
//	record payloads, packed from the page end backwards
//
// A record payload is [keyLen uvarint] key value for variable-length keys,
// or key value for fixed-size keys.
const (
	pageHeaderLen    = 2
	pageBucketDirLen = 6
)

// bucketPack accumulates one logical bucket's records during the build.
type bucketPack struct {
	logical uint32
	tags    []byte
	recs    [][]byte // encoded payloads
	bytes   int      // total payload bytes
}

func (b *bucketPack) countRecords() int { return len(b.recs) }

// cost returns the page bytes the bucket occupies: directory entry, tags,
// offsets and payloads.
func (b *bucketPack) cost() int {
	return pageBucketDirLen + len(b.recs)*3 + b.bytes
}

// pageBuilder packs bucket packs into one fixed-size page.
type pageBuilder struct {
	buckets []*bucketPack
	used    int
}

func newPageBuilder() *pageBuilder {
	return &pageBuilder{used: pageHeaderLen}
}

func (p *pageBuilder) add(b *bucketPack) {
	p.buckets = append(p.buckets, b)
	p.used += b.cost()
}

func (p *pageBuilder) remove(i int) *bucketPack {
	b := p.buckets[i]
	p.buckets = append(p.buckets[:i], p.buckets[i+1:]...)
	p.used -= b.cost()
	return b
}

func (p *pageBuilder) free(pageSize int) int { return pageSize - p.used }

// serialize renders the page into a pageSize-byte block.
func (p *pageBuilder) serialize(pageSize int) ([]byte, error) {
	if p.used > pageSize {
		return nil, fmt.Errorf("%w: page overflow (%d > %d)", ErrBadFormat, p.used, pageSize)
	}
	out := make([]byte, pageSize)
	binary.LittleEndian.PutUint16(out[0:2], uint16(len(p.buckets)))

	dirOff := pageHeaderLen
	tagOff := dirOff + len(p.buckets)*pageBucketDirLen
	nrec := 0
	for _, b := range p.buckets {
		nrec += len(b.recs)
	}
	offOff := tagOff + nrec
	payloadEnd := pageSize

	for _, b := range p.buckets {
		binary.LittleEndian.PutUint32(out[dirOff:], b.logical)
		binary.LittleEndian.PutUint16(out[dirOff+4:], uint16(len(b.recs)))
		dirOff += pageBucketDirLen

		copy(out[tagOff:], b.tags)
		tagOff += len(b.tags)

		for _, rec := range b.recs {
			payloadEnd -= len(rec)
			copy(out[payloadEnd:], rec)
			binary.LittleEndian.PutUint16(out[offOff:], uint16(payloadEnd))
			offOff += 2
		}
	}
	if offOff > payloadEnd {
		return nil, fmt.Errorf("%w: page tables ran into payloads", ErrBadFormat)
	}
	return out, nil
}

// pageView parses a serialized page for lookups.
type pageView struct {
	data []byte
}

// lookup scans the page for the logical bucket and returns the value of the
// record matching tag and key, if any.
func (p pageView) lookup(logical uint32, tag uint8, key []byte, keySize int) (model.IndexValue, bool, error) {
	if len(p.data) < pageHeaderLen {
		return model.NullIndexValue, false, fmt.Errorf("%w: short page", ErrBadFormat)
	}
	nbuckets := int(binary.LittleEndian.Uint16(p.data[0:2]))
	dirOff := pageHeaderLen
	if dirOff+nbuckets*pageBucketDirLen > len(p.data) {
		return model.NullIndexValue, false, fmt.Errorf("%w: bucket directory out of range", ErrBadFormat)
	}

	nrec := 0
	tagStart := -1
	recStart := 0
	count := 0
	for i := 0; i < nbuckets; i++ {
		off := dirOff + i*pageBucketDirLen
		id := binary.LittleEndian.Uint32(p.data[off:])
		c := int(binary.LittleEndian.Uint16(p.data[off+4:]))
		if id == logical {
			tagStart = nrec
			recStart = nrec
			count = c
		}
		nrec += c
	}
	if tagStart < 0 {
		return model.NullIndexValue, false, nil
	}

	tagBase := dirOff + nbuckets*pageBucketDirLen
	offBase := tagBase + nrec
	if offBase+nrec*2 > len(p.data) {
		return model.NullIndexValue, false, fmt.Errorf("%w: offset table out of range", ErrBadFormat)
	}

	for i := 0; i < count; i++ {
		if p.data[tagBase+tagStart+i] != tag {
			continue
		}
		recOff := int(binary.LittleEndian.Uint16(p.data[offBase+(recStart+i)*2:]))
		k, v, err := decodePayload(p.data, recOff, keySize)
		if err != nil {
			return model.NullIndexValue, false, err
		}
		if string(k) == string(key) {
			return v, true, nil
		}
	}
	return model.NullIndexValue, false, nil
}

// iterate yields every record in the page in directory order.
func (p pageView) iterate(keySize int, fn func(key []byte, value model.IndexValue) error) error {
	if len(p.data) < pageHeaderLen {
		return fmt.Errorf("%w: short page", ErrBadFormat)
	}
	nbuckets := int(binary.LittleEndian.Uint16(p.data[0:2]))
	dirOff := pageHeaderLen

	nrec := 0
	for i := 0; i < nbuckets; i++ {
		nrec += int(binary.LittleEndian.Uint16(p.data[dirOff+i*pageBucketDirLen+4:]))
	}
	offBase := dirOff + nbuckets*pageBucketDirLen + nrec
	for i := 0; i < nrec; i++ {
		recOff := int(binary.LittleEndian.Uint16(p.data[offBase+i*2:]))
		k, v, err := decodePayload(p.data, recOff, keySize)
		if err != nil {
			return err
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// encodePayload renders one record payload.
func encodePayload(key []byte, value model.IndexValue, keySize int) []byte {
	var out []byte
	if keySize == 0 {
		var lenBuf [binary.MaxVarintLen32]byte
		n := binary.PutUvarint(lenBuf[:], uint64(len(key)))
		out = make([]byte, 0, n+len(key)+8)
		out = append(out, lenBuf[:n]...)
	} else {
		out = make([]byte, 0, len(key)+8)
	}
	out = append(out, key...)
	var v [8]byte
	binary.LittleEndian.PutUint64(v[:], uint64(value))
	return append(out, v[:]...)
}

func decodePayload(page []byte, off, keySize int) ([]byte, model.IndexValue, error) {
	if off >= len(page) {
		return nil, model.NullIndexValue, fmt.Errorf("%w: record offset out of range", ErrBadFormat)
	}
	klen := keySize
	if keySize == 0 {
		l, n := binary.Uvarint(page[off:])
		if n <= 0 {
			return nil, model.NullIndexValue, fmt.Errorf("%w: bad key length", ErrBadFormat)
		}
		klen = int(l)
		off += n
	}
	if off+klen+8 > len(page) {
		return nil, model.NullIndexValue, fmt.Errorf("%w: record out of range", ErrBadFormat)
	}
	key := page[off : off+klen]
	value := model.IndexValue(binary.LittleEndian.Uint64(page[off+klen:]))
	return key, value, nil
}
