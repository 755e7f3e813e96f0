// Package hash provides the two hash primitives every layer shares: the
// stable 64-bit key hash that drives shard/page/bucket/tag addressing, and
// CRC32-Castagnoli checksums for on-disk integrity.
package hash
