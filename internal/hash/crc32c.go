package hash

import (
	"hash"
	"hash/crc32"
)

// Every on-disk artifact (snapshot, log group, immutable footer) seals
// itself with CRC32-Castagnoli. Castagnoli rather than IEEE because amd64
// and arm64 both checksum it in hardware, which keeps verification cheap on
// the load path.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32C returns the CRC32-Castagnoli checksum of data in one shot.
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// NewCRC32C returns a streaming CRC32-Castagnoli hash for writers that
// checksum while they emit.
func NewCRC32C() hash.Hash32 {
	return crc32.New(castagnoli)
}
