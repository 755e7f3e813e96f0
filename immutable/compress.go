package immutable

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Shard page data is compressed as one block per shard. Page offsets stay
// 4 KiB-aligned inside the raw block, so the page addressing math is the
// same with and without compression.

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// compressShard compresses raw page data with the given codec.
func compressShard(codec Codec, raw []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return raw, nil
	case CodecZstd:
		enc := getZstdEncoder()
		out := enc.EncodeAll(raw, make([]byte, 0, len(raw)/2))
		zstdEncoderPool.Put(enc)
		return out, nil
	case CodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			// Incompressible; lz4 block format cannot represent it, store raw.
			return raw, nil
		}
		return dst[:n], nil
	default:
		return nil, fmt.Errorf("%w: codec %d", ErrBadFormat, codec)
	}
}

// decompressShard undoes compressShard. rawSize is the expected output size
// recorded in the shard info.
func decompressShard(codec Codec, data []byte, rawSize int) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil
	case CodecZstd:
		dec := getZstdDecoder()
		out, err := dec.DecodeAll(data, make([]byte, 0, rawSize))
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	case CodecLZ4:
		if len(data) == rawSize {
			// Stored raw (incompressible block).
			return data, nil
		}
		out := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return out[:n], nil
	default:
		return nil, fmt.Errorf("%w: codec %d", ErrBadFormat, codec)
	}
}
