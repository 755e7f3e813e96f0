package immutable

import (
	"encoding/binary"
	hpkg "hash"
	"io"

	"github.com/hupe1980/pkindex/internal/hash"
)

// crcWriter tees writes through a running CRC32C.
type crcWriter struct {
	w io.Writer
	h hpkg.Hash32
}

func (c *crcWriter) Write(p []byte) (int, error) {
	if c.h == nil {
		c.h = hash.NewCRC32C()
	}
	n, err := c.w.Write(p)
	if n > 0 {
		c.h.Write(p[:n])
	}
	return n, err
}

func (c *crcWriter) sum() uint32 {
	if c.h == nil {
		return hash.CRC32C(nil)
	}
	return c.h.Sum32()
}

func putUint32(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b, v)
}
