package immutable

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/pkindex/internal/fs"
	"github.com/hupe1980/pkindex/internal/hash"
	"github.com/hupe1980/pkindex/model"
	"github.com/hupe1980/pkindex/resource"
)

// WriterOptions configures a Writer.
type WriterOptions struct {
	// FS is the file system used for all IO. Defaults to the local one.
	FS fs.FileSystem
	// KeySize is the fixed key length, or 0 for variable-length keys.
	KeySize int
	// PageSize is the page size in bytes. Defaults to DefaultPageSize.
	PageSize int
	// Codec selects per-shard compression.
	Codec Codec
	// WriteBloom appends a per-shard bloom filter section.
	WriteBloom bool
	// TargetShardBytes sizes the shard count: one shard per this many
	// key+value bytes.
	TargetShardBytes int64
	// MaxShards bounds the shard count.
	MaxShards int
	// Tracker, when set, throttles writes against its IO limit.
	Tracker *resource.Tracker
}

const (
	defaultTargetShardBytes = 4 << 20
	defaultMaxShards        = 1024
	// bucketFillTarget keeps the expected records per bucket at or below
	// 75% of a soft per-bucket capacity of 16 tags.
	bucketFillTarget = 12
)

type entry struct {
	h     uint64
	key   []byte
	value model.IndexValue
}

// Writer builds an immutable file from a stream of entries. Add in any
// order; the build at Finish is deterministic for a given input order and
// sizing parameters.
type Writer struct {
	path string
	opts WriterOptions

	entries  []entry
	kvBytes  int64
	hashSeen *roaring64.Bitmap
	finished bool
}

// NewWriter creates a writer that will produce path on Finish.
func NewWriter(path string, optFns ...func(*WriterOptions)) *Writer {
	opts := WriterOptions{
		FS:               fs.Default,
		PageSize:         DefaultPageSize,
		TargetShardBytes: defaultTargetShardBytes,
		MaxShards:        defaultMaxShards,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Writer{path: path, opts: opts, hashSeen: roaring64.New()}
}

// Add appends one live entry. Tombstones must not be written; erases are
// materialized by absence.
func (w *Writer) Add(key []byte, value model.IndexValue) error {
	if w.finished {
		return fmt.Errorf("immutable: writer already finished")
	}
	if value.IsNull() {
		return fmt.Errorf("%w: tombstone in immutable input", ErrBadFormat)
	}
	if w.opts.KeySize > 0 && len(key) != w.opts.KeySize {
		return fmt.Errorf("%w: key length %d, want %d", ErrBadFormat, len(key), w.opts.KeySize)
	}
	k := make([]byte, len(key))
	copy(k, key)
	h := hash.Key64(k)
	w.entries = append(w.entries, entry{h: h, key: k, value: value})
	w.kvBytes += int64(len(k)) + 8
	w.hashSeen.Add(h)
	return nil
}

// Count returns the number of entries added.
func (w *Writer) Count() int { return len(w.entries) }

// KVBytes returns the total key+value bytes added.
func (w *Writer) KVBytes() int64 { return w.kvBytes }

// sizing holds the derived layout parameters.
type sizing struct {
	nshard  uint32
	npage   uint32
	nbucket uint32
}

func (w *Writer) computeSizing() sizing {
	n := int64(len(w.entries))
	if n == 0 {
		return sizing{nshard: 1, npage: 1, nbucket: 16}
	}

	nshard := uint32(hash.Pow2Ceil(uint64((w.kvBytes + w.opts.TargetShardBytes - 1) / w.opts.TargetShardBytes)))
	if nshard < 1 {
		nshard = 1
	}
	for int(nshard) > w.opts.MaxShards && nshard > 1 {
		nshard >>= 1
	}

	// Per-record page cost: tag + offset + payload (+ length byte when
	// variable). Pages target 75% fill to leave room for skew.
	avgEntry := w.kvBytes/n + 3
	if w.opts.KeySize == 0 {
		avgEntry++
	}
	perPage := int64(float64(w.opts.PageSize)*0.75) / avgEntry
	if perPage < 1 {
		perPage = 1
	}
	perShard := (n + int64(nshard) - 1) / int64(nshard)
	npage := uint32(hash.Pow2Ceil(uint64((perShard + perPage - 1) / perPage)))
	if npage < 1 {
		npage = 1
	}

	nbucket := uint32(16)
	for nbucket < 128 && perPage > int64(nbucket)*bucketFillTarget {
		nbucket *= 2
	}
	return sizing{nshard: nshard, npage: npage, nbucket: nbucket}
}

// moveBuckets returns the indices of the fewest buckets whose record counts
// sum to at least target: larger buckets first, ties to the lower index.
func moveBuckets(target int, counts []int) []int {
	if target <= 0 {
		target = 1
	}
	order := make([]int, len(counts))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return counts[order[a]] > counts[order[b]]
	})

	var chosen []int
	sum := 0
	for _, i := range order {
		if counts[i] == 0 {
			continue
		}
		chosen = append(chosen, i)
		sum += counts[i]
		if sum >= target {
			break
		}
	}
	return chosen
}

// buildShard packs one shard's entries into pages, relocating buckets away
// from overflowing pages.
func buildShard(entries []entry, sz sizing, keySize, pageSize int) ([]*pageBuilder, []bucketMove, error) {
	packs := make(map[uint32]*bucketPack)
	for _, e := range entries {
		page := hash.Page(e.h, sz.nbucket, sz.npage)
		bucket := hash.Bucket(e.h, sz.nbucket)
		logical := page*sz.nbucket + bucket
		p, ok := packs[logical]
		if !ok {
			p = &bucketPack{logical: logical}
			packs[logical] = p
		}
		payload := encodePayload(e.key, e.value, keySize)
		p.tags = append(p.tags, hash.Tag(e.h))
		p.recs = append(p.recs, payload)
		p.bytes += len(payload)
	}

	pages := make([]*pageBuilder, sz.npage)
	for i := range pages {
		pages[i] = newPageBuilder()
	}
	for logical := uint32(0); logical < sz.npage*sz.nbucket; logical++ {
		if p, ok := packs[logical]; ok {
			pages[logical/sz.nbucket].add(p)
		}
	}

	var moved []bucketMove
	for pi := 0; pi < len(pages); pi++ {
		page := pages[pi]
		for page.used > pageSize {
			counts := make([]int, len(page.buckets))
			recBytes := 0
			recCount := 0
			for i, b := range page.buckets {
				counts[i] = b.countRecords()
				recBytes += b.cost()
				recCount += b.countRecords()
			}
			if recCount == 0 {
				return nil, nil, fmt.Errorf("%w: empty page overflows", ErrBadFormat)
			}
			avg := recBytes / recCount
			if avg < 1 {
				avg = 1
			}
			target := (page.used - pageSize + avg - 1) / avg

			chosen := moveBuckets(target, counts)
			if len(chosen) == 0 {
				return nil, nil, fmt.Errorf("%w: cannot relieve page overflow", ErrBadFormat)
			}
			// Remove back to front so indices stay valid.
			sort.Sort(sort.Reverse(sort.IntSlice(chosen)))
			for _, bi := range chosen {
				b := page.remove(bi)
				dst := -1
				for qi := pi + 1; qi < len(pages); qi++ {
					if pages[qi].free(pageSize) >= b.cost() {
						dst = qi
						break
					}
				}
				if dst < 0 {
					if b.cost()+pageHeaderLen > pageSize {
						return nil, nil, fmt.Errorf("%w: bucket larger than a page", ErrBadFormat)
					}
					pages = append(pages, newPageBuilder())
					dst = len(pages) - 1
				}
				pages[dst].add(b)
				moved = append(moved, bucketMove{LogicalBucket: b.logical, DstPage: uint32(dst)})
			}
		}
	}

	// A bucket relocated twice keeps only its final page.
	final := make(map[uint32]uint32)
	var order []uint32
	for _, m := range moved {
		if _, seen := final[m.LogicalBucket]; !seen {
			order = append(order, m.LogicalBucket)
		}
		final[m.LogicalBucket] = m.DstPage
	}
	moved = moved[:0]
	for _, logical := range order {
		moved = append(moved, bucketMove{LogicalBucket: logical, DstPage: final[logical]})
	}
	return pages, moved, nil
}

// Finish builds the file, fsyncs and closes it. The writer cannot be reused.
func (w *Writer) Finish() error {
	if w.finished {
		return fmt.Errorf("immutable: writer already finished")
	}
	w.finished = true

	sz := w.computeSizing()

	// Partition entries by shard, preserving input order.
	shardEntries := make([][]entry, sz.nshard)
	for _, e := range w.entries {
		s := hash.Shard(e.h, sz.nbucket, sz.npage, sz.nshard)
		shardEntries[s] = append(shardEntries[s], e)
	}

	f, err := w.opts.FS.OpenFile(w.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create immutable file %s: %w", w.path, err)
	}
	abort := func(err error) error {
		f.Close()
		w.opts.FS.Remove(w.path)
		return err
	}

	var out io.Writer = f
	if w.opts.Tracker != nil {
		out = resource.NewRateLimitedWriter(context.Background(), f, w.opts.Tracker)
	}
	cw := &crcWriter{w: out}

	infos := make([]shardInfo, sz.nshard)
	blooms := make([]*BloomFilter, sz.nshard)
	var offset uint64

	for si := uint32(0); si < sz.nshard; si++ {
		pages, moved, err := buildShard(shardEntries[si], sz, w.opts.KeySize, w.opts.PageSize)
		if err != nil {
			return abort(err)
		}

		var raw bytes.Buffer
		raw.Grow(len(pages) * w.opts.PageSize)
		for _, p := range pages {
			block, err := p.serialize(w.opts.PageSize)
			if err != nil {
				return abort(err)
			}
			raw.Write(block)
		}

		data, err := compressShard(w.opts.Codec, raw.Bytes())
		if err != nil {
			return abort(err)
		}
		if _, err := cw.Write(data); err != nil {
			return abort(fmt.Errorf("write shard %d: %w", si, err))
		}

		infos[si] = shardInfo{
			DataOffset: offset,
			DataSize:   uint64(len(data)),
			RawSize:    uint64(raw.Len()),
			KeyCount:   uint32(len(shardEntries[si])),
			PageCount:  uint32(len(pages)),
			Moved:      moved,
		}
		offset += uint64(len(data))

		if w.opts.WriteBloom {
			bf := NewBloomFilter(len(shardEntries[si]))
			for _, e := range shardEntries[si] {
				bf.Add(e.h)
			}
			blooms[si] = bf
		}
	}

	if w.opts.WriteBloom {
		for si := range blooms {
			var buf bytes.Buffer
			if _, err := blooms[si].WriteTo(&buf); err != nil {
				return abort(err)
			}
			infos[si].BloomOffset = offset
			infos[si].BloomLen = uint32(buf.Len())
			if _, err := cw.Write(buf.Bytes()); err != nil {
				return abort(fmt.Errorf("write bloom %d: %w", si, err))
			}
			offset += uint64(buf.Len())
		}
	}

	var infoBuf []byte
	for i := range infos {
		infoBuf = infos[i].marshal(infoBuf)
	}
	if _, err := cw.Write(infoBuf); err != nil {
		return abort(fmt.Errorf("write shard info: %w", err))
	}

	ftr := footer{
		FormatVersion:   FormatVersion,
		NumShards:       sz.nshard,
		PagesPerShard:   sz.npage,
		PageSize:        uint32(w.opts.PageSize),
		KeySize:         uint16(w.opts.KeySize),
		BucketsPerPage:  uint16(sz.nbucket),
		Codec:           w.opts.Codec,
		HasBloom:        w.opts.WriteBloom,
		Count:           uint64(len(w.entries)),
		ShardInfoOffset: offset,
		ShardInfoLen:    uint32(len(infoBuf)),
	}
	if _, err := cw.Write(ftr.marshal()); err != nil {
		return abort(fmt.Errorf("write footer: %w", err))
	}

	var tail [12]byte
	putUint32(tail[0:4], cw.sum())
	putUint32(tail[4:8], footerFixedLen)
	putUint32(tail[8:12], Magic)
	if _, err := out.Write(tail[:]); err != nil {
		return abort(fmt.Errorf("write trailer: %w", err))
	}

	if err := f.Sync(); err != nil {
		return abort(fmt.Errorf("sync immutable file: %w", err))
	}
	if err := f.Close(); err != nil {
		w.opts.FS.Remove(w.path)
		return fmt.Errorf("close immutable file: %w", err)
	}
	return nil
}

// Abort discards the writer and any partial output.
func (w *Writer) Abort() {
	w.finished = true
	w.opts.FS.Remove(w.path)
}

// UniqueHashes returns the number of distinct key hashes added. A gap to
// Count means hash collisions, which the format tolerates (full keys are
// compared) but sizing can use for diagnostics.
func (w *Writer) UniqueHashes() uint64 {
	return w.hashSeen.GetCardinality()
}
