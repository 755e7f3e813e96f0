package immutable

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// BloomFilter is the per-shard membership filter. It is fed the same 64-bit
// key hash every other layer uses; double hashing derives the k probe
// positions from it. If the filter rejects a hash, the shard definitely does
// not contain the key.
type BloomFilter struct {
	bits    []uint64
	numBits uint64
	k       uint32
	count   uint32
}

// bloomFPRate is the canonical false-positive target for shard filters.
const bloomFPRate = 0.01

// bloomSize computes (numBits, k) for the expected element count.
func bloomSize(expected int, fpRate float64) (uint64, uint32) {
	if expected <= 0 {
		expected = 1
	}
	ln2Sq := math.Ln2 * math.Ln2
	m := float64(-expected) * math.Log(fpRate) / ln2Sq
	kf := (m / float64(expected)) * math.Ln2

	numBits := ((uint64(m) + 63) / 64) * 64
	if numBits < 64 {
		numBits = 64
	}
	k := uint32(math.Ceil(kf))
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}
	return numBits, k
}

// NewBloomFilter creates a filter sized for the expected element count at
// the canonical false-positive rate.
func NewBloomFilter(expected int) *BloomFilter {
	numBits, k := bloomSize(expected, bloomFPRate)
	return &BloomFilter{
		bits:    make([]uint64, numBits/64),
		numBits: numBits,
		k:       k,
	}
}

// probes derives two probe hashes from the key hash.
func probes(h uint64) (uint64, uint64) {
	// Second hash: a distinct mix of the same input, forced odd.
	h2 := (h ^ (h >> 33)) * 0xff51afd7ed558ccd
	return h, h2 | 1
}

// Add inserts a key hash.
func (bf *BloomFilter) Add(h uint64) {
	h1, h2 := probes(h)
	for i := uint32(0); i < bf.k; i++ {
		bit := (h1 + uint64(i)*h2) % bf.numBits
		bf.bits[bit/64] |= 1 << (bit % 64)
	}
	bf.count++
}

// MayContain reports whether the key hash might be present. False means
// definitely absent.
func (bf *BloomFilter) MayContain(h uint64) bool {
	h1, h2 := probes(h)
	for i := uint32(0); i < bf.k; i++ {
		bit := (h1 + uint64(i)*h2) % bf.numBits
		if bf.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// SizeBytes returns the filter's in-memory size.
func (bf *BloomFilter) SizeBytes() int {
	return len(bf.bits) * 8
}

// WriteTo serializes the filter.
func (bf *BloomFilter) WriteTo(w io.Writer) (int64, error) {
	header := make([]byte, 16)
	binary.LittleEndian.PutUint64(header[0:8], bf.numBits)
	binary.LittleEndian.PutUint32(header[8:12], bf.k)
	binary.LittleEndian.PutUint32(header[12:16], bf.count)

	written := int64(0)
	n, err := w.Write(header)
	written += int64(n)
	if err != nil {
		return written, err
	}
	buf := make([]byte, 8)
	for _, word := range bf.bits {
		binary.LittleEndian.PutUint64(buf, word)
		n, err := w.Write(buf)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// readBloomFilter deserializes a filter.
func readBloomFilter(buf []byte) (*BloomFilter, error) {
	if len(buf) < 16 {
		return nil, fmt.Errorf("%w: bloom filter too short", ErrBadFormat)
	}
	numBits := binary.LittleEndian.Uint64(buf[0:8])
	k := binary.LittleEndian.Uint32(buf[8:12])
	count := binary.LittleEndian.Uint32(buf[12:16])
	if numBits < 64 || numBits%64 != 0 || k < 1 || k > 16 {
		return nil, fmt.Errorf("%w: inconsistent bloom filter header", ErrBadFormat)
	}
	words := numBits / 64
	if uint64(len(buf)-16) < words*8 {
		return nil, fmt.Errorf("%w: truncated bloom filter", ErrBadFormat)
	}
	bits := make([]uint64, words)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(buf[16+i*8:])
	}
	return &BloomFilter{bits: bits, numBits: numBits, k: k, count: count}, nil
}
