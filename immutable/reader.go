package immutable

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/pkindex/blobstore"
	"github.com/hupe1980/pkindex/internal/hash"
	"github.com/hupe1980/pkindex/internal/mmap"
	"github.com/hupe1980/pkindex/model"
)

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	// ReadByPage fetches single pages with one pread each. Only effective
	// without compression; compressed shards are always read whole.
	ReadByPage bool
	// LoadBloom loads per-shard bloom filters at open.
	LoadBloom bool
	// Parallel probes shards concurrently within one batched get.
	Parallel bool
}

// Reader serves point lookups from an immutable file. It is safe for
// concurrent use: the underlying blob is read-only. Readers are reference
// counted so a layer stack can retire a file while lock-free readers are
// still probing it; the blob closes when the last reference drops.
type Reader struct {
	blob  blobstore.Blob
	ftr   footer
	infos []shardInfo
	moved []map[uint32]uint32
	opts  ReaderOptions
	refs  atomic.Int64

	bloomMu sync.RWMutex
	blooms  []*BloomFilter
}

// Open validates and indexes an immutable blob. The footer checksum covers
// every preceding byte and is verified here, so a single flipped byte fails
// the open.
func Open(blob blobstore.Blob, optFns ...func(*ReaderOptions)) (*Reader, error) {
	opts := ReaderOptions{LoadBloom: true, Parallel: true}
	for _, fn := range optFns {
		fn(&opts)
	}

	size := blob.Size()
	if size < trailerLen+footerFixedLen {
		return nil, fmt.Errorf("%w: file too small (%d bytes)", ErrBadFormat, size)
	}

	var tail [trailerLen]byte
	if _, err := blob.ReadAt(tail[:], size-trailerLen); err != nil {
		return nil, fmt.Errorf("read trailer: %w", err)
	}
	if binary.LittleEndian.Uint32(tail[4:8]) != Magic {
		return nil, ErrBadMagic
	}
	footerLen := int64(binary.LittleEndian.Uint32(tail[0:4]))
	if footerLen != footerFixedLen {
		return nil, fmt.Errorf("%w: footer length %d", ErrBadFormat, footerLen)
	}

	footerStart := size - trailerLen - footerFixedLen
	fbuf := make([]byte, footerFixedLen)
	if _, err := blob.ReadAt(fbuf, footerStart); err != nil {
		return nil, fmt.Errorf("read footer: %w", err)
	}

	wantCRC := binary.LittleEndian.Uint32(fbuf[footerFixedLen-4:])
	if got, err := checksumRange(blob, 0, footerStart+footerFixedLen-4); err != nil {
		return nil, err
	} else if got != wantCRC {
		return nil, &ChecksumMismatchError{Expected: wantCRC, Actual: got}
	}

	ftr, err := unmarshalFooter(fbuf)
	if err != nil {
		return nil, err
	}

	infoBuf := make([]byte, ftr.ShardInfoLen)
	if _, err := blob.ReadAt(infoBuf, int64(ftr.ShardInfoOffset)); err != nil {
		return nil, fmt.Errorf("read shard info: %w", err)
	}
	infos := make([]shardInfo, ftr.NumShards)
	moved := make([]map[uint32]uint32, ftr.NumShards)
	rest := infoBuf
	for i := range infos {
		infos[i], rest, err = unmarshalShardInfo(rest)
		if err != nil {
			return nil, err
		}
		if len(infos[i].Moved) > 0 {
			m := make(map[uint32]uint32, len(infos[i].Moved))
			for _, mv := range infos[i].Moved {
				m[mv.LogicalBucket] = mv.DstPage
			}
			moved[i] = m
		}
	}

	r := &Reader{blob: blob, ftr: ftr, infos: infos, moved: moved, opts: opts}
	r.refs.Store(1)
	if ftr.HasBloom && opts.LoadBloom {
		if err := r.loadBlooms(); err != nil {
			// Bloom corruption degrades to "no filter"; lookups stay correct.
			r.blooms = nil
		}
	}
	return r, nil
}

// OpenFile maps a local immutable file and opens it.
func OpenFile(path string, optFns ...func(*ReaderOptions)) (*Reader, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := Open(m, optFns...)
	if err != nil {
		m.Close()
		return nil, err
	}
	return r, nil
}

func checksumRange(blob blobstore.Blob, start, end int64) (uint32, error) {
	h := hash.NewCRC32C()
	buf := make([]byte, 1<<20)
	for off := start; off < end; {
		n := int64(len(buf))
		if off+n > end {
			n = end - off
		}
		if _, err := blob.ReadAt(buf[:n], off); err != nil {
			return 0, fmt.Errorf("checksum read at %d: %w", off, err)
		}
		h.Write(buf[:n])
		off += n
	}
	return h.Sum32(), nil
}

func (r *Reader) loadBlooms() error {
	blooms := make([]*BloomFilter, len(r.infos))
	for i, info := range r.infos {
		if info.BloomLen == 0 {
			continue
		}
		buf := make([]byte, info.BloomLen)
		if _, err := r.blob.ReadAt(buf, int64(info.BloomOffset)); err != nil {
			return err
		}
		bf, err := readBloomFilter(buf)
		if err != nil {
			return err
		}
		blooms[i] = bf
	}
	r.blooms = blooms
	return nil
}

// HasBloom reports whether bloom filters are currently loaded.
func (r *Reader) HasBloom() bool {
	r.bloomMu.RLock()
	defer r.bloomMu.RUnlock()
	return r.blooms != nil
}

// DropBloom releases the loaded filters (memory pressure relief when the
// engine is configured not to retain them).
func (r *Reader) DropBloom() {
	r.bloomMu.Lock()
	r.blooms = nil
	r.bloomMu.Unlock()
}

// BloomMemoryUsage returns the resident size of loaded filters.
func (r *Reader) BloomMemoryUsage() int64 {
	r.bloomMu.RLock()
	defer r.bloomMu.RUnlock()
	var total int64
	for _, bf := range r.blooms {
		if bf != nil {
			total += int64(bf.SizeBytes())
		}
	}
	return total
}

func (r *Reader) bloom(shard uint32) *BloomFilter {
	r.bloomMu.RLock()
	defer r.bloomMu.RUnlock()
	if r.blooms == nil {
		return nil
	}
	return r.blooms[shard]
}

// Count returns the number of live keys in the file.
func (r *Reader) Count() uint64 { return r.ftr.Count }

// FileSize returns the blob size in bytes.
func (r *Reader) FileSize() int64 { return r.blob.Size() }

// KeySize returns the fixed key length (0 for variable-length keys).
func (r *Reader) KeySize() int { return int(r.ftr.KeySize) }

// Retain adds a reference. Every Retain needs a matching Close.
func (r *Reader) Retain() { r.refs.Add(1) }

// Close drops one reference; the underlying blob closes when the last
// reference is gone.
func (r *Reader) Close() error {
	if r.refs.Add(-1) > 0 {
		return nil
	}
	return r.blob.Close()
}

type probe struct {
	pos uint32
	h   uint64
	key []byte
}

type hit struct {
	pos   uint32
	h     uint64
	value model.IndexValue
}

// shardProbe resolves a shard's probes, appending hits and stats locally so
// shards can run in parallel.
func (r *Reader) shardProbe(si uint32, probes []probe, hits *[]hit, stat *model.IOStat) error {
	info := &r.infos[si]
	bf := r.bloom(si)

	var shardData []byte
	loadShard := func() error {
		if shardData != nil {
			return nil
		}
		data := make([]byte, info.DataSize)
		if _, err := r.blob.ReadAt(data, int64(info.DataOffset)); err != nil {
			return fmt.Errorf("read shard %d: %w", si, err)
		}
		raw, err := decompressShard(r.ftr.Codec, data, int(info.RawSize))
		if err != nil {
			return err
		}
		shardData = raw
		stat.ReadIOBytes += info.DataSize
		return nil
	}

	pageSize := int(r.ftr.PageSize)
	byPage := r.opts.ReadByPage && r.ftr.Codec == CodecNone
	pageBuf := make([]byte, pageSize)

	for _, p := range probes {
		if bf != nil && !bf.MayContain(p.h) {
			stat.FilteredKVCnt++
			continue
		}

		page := hash.Page(p.h, uint32(r.ftr.BucketsPerPage), r.ftr.PagesPerShard)
		bucket := hash.Bucket(p.h, uint32(r.ftr.BucketsPerPage))
		logical := page*uint32(r.ftr.BucketsPerPage) + bucket
		if dst, ok := r.moved[si][logical]; ok {
			page = dst
		}
		if page >= info.PageCount {
			continue
		}

		var view pageView
		if byPage {
			off := int64(info.DataOffset) + int64(page)*int64(pageSize)
			if _, err := r.blob.ReadAt(pageBuf, off); err != nil {
				return fmt.Errorf("read shard %d page %d: %w", si, page, err)
			}
			stat.ReadPages++
			stat.ReadIOBytes += uint64(pageSize)
			view = pageView{data: pageBuf}
		} else {
			if err := loadShard(); err != nil {
				return err
			}
			start := int(page) * pageSize
			if start+pageSize > len(shardData) {
				return fmt.Errorf("%w: page %d out of shard range", ErrBadFormat, page)
			}
			stat.ReadPages++
			view = pageView{data: shardData[start : start+pageSize]}
		}

		value, found, err := view.lookup(logical, hash.Tag(p.h), p.key, int(r.ftr.KeySize))
		if err != nil {
			return err
		}
		if found {
			*hits = append(*hits, hit{pos: p.pos, h: p.h, value: value})
		}
	}
	return nil
}

// Get resolves the positions in keysInfo against this file. Hits are
// written to values and appended to foundKeysInfo; missing positions are
// left untouched. stat, when non-nil, accumulates IO counters.
func (r *Reader) Get(keys [][]byte, keysInfo *model.KeysInfo, values []model.IndexValue, foundKeysInfo *model.KeysInfo, stat *model.IOStat) error {
	if keysInfo.Size() == 0 {
		return nil
	}

	byShard := make(map[uint32][]probe)
	for j, pos := range keysInfo.Idxes {
		h := keysInfo.Hashes[j]
		si := hash.Shard(h, uint32(r.ftr.BucketsPerPage), r.ftr.PagesPerShard, r.ftr.NumShards)
		byShard[si] = append(byShard[si], probe{pos: pos, h: h, key: keys[pos]})
	}

	shardHits := make(map[uint32]*[]hit, len(byShard))
	shardStats := make(map[uint32]*model.IOStat, len(byShard))
	for si := range byShard {
		shardHits[si] = &[]hit{}
		shardStats[si] = &model.IOStat{}
	}

	if r.opts.Parallel && len(byShard) > 1 {
		var g errgroup.Group
		for si, probes := range byShard {
			g.Go(func() error {
				return r.shardProbe(si, probes, shardHits[si], shardStats[si])
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	} else {
		for si, probes := range byShard {
			if err := r.shardProbe(si, probes, shardHits[si], shardStats[si]); err != nil {
				return err
			}
		}
	}

	for si, hits := range shardHits {
		for _, ht := range *hits {
			values[ht.pos] = ht.value
			if foundKeysInfo != nil {
				foundKeysInfo.Append(ht.pos, ht.h)
			}
		}
		if stat != nil {
			stat.Add(*shardStats[si])
		}
	}
	return nil
}

// CheckNotExist returns ErrAlreadyExists if any of the keys is present.
func (r *Reader) CheckNotExist(keys [][]byte) error {
	info := &model.KeysInfo{}
	for i, key := range keys {
		info.Append(uint32(i), hash.Key64(key))
	}
	values := make([]model.IndexValue, len(keys))
	var found model.KeysInfo
	if err := r.Get(keys, info, values, &found, nil); err != nil {
		return err
	}
	if found.Size() > 0 {
		return fmt.Errorf("key at position %d: %w", found.Idxes[0], ErrAlreadyExists)
	}
	return nil
}

// Iterate yields every record in shard/page order. The key slice is only
// valid during the callback.
func (r *Reader) Iterate(fn func(key []byte, value model.IndexValue) error) error {
	pageSize := int(r.ftr.PageSize)
	for si := range r.infos {
		info := &r.infos[si]
		if info.DataSize == 0 {
			continue
		}
		data := make([]byte, info.DataSize)
		if _, err := r.blob.ReadAt(data, int64(info.DataOffset)); err != nil {
			return fmt.Errorf("read shard %d: %w", si, err)
		}
		raw, err := decompressShard(r.ftr.Codec, data, int(info.RawSize))
		if err != nil {
			return err
		}
		for p := 0; p < int(info.PageCount); p++ {
			view := pageView{data: raw[p*pageSize : (p+1)*pageSize]}
			if err := view.iterate(int(r.ftr.KeySize), fn); err != nil {
				return err
			}
		}
	}
	return nil
}
