// Package immutable implements the on-disk L1/L2 layers: a sharded, paged
// hash file built once by Writer and probed read-only by Reader.
//
// File layout, little-endian throughout:
//
//	[ shard 0 pages ][ shard 1 pages ] ... [ shard S-1 pages ]
//	[ shard 0 bloom ] ... [ shard S-1 bloom ]   (optional)
//	[ shard info table ]
//	[ footer ][ footerLen uint32 ][ magic uint32 ]
//
// Every page holds a directory of logical buckets (tag bytes at the front,
// record payloads packed from the back). A key's 64-bit hash selects shard,
// page, bucket and tag; lookups cost one page read plus a tag scan. Pages
// that overflow during the build relocate whole buckets forward; the
// relocations live in the shard info table so reads stay single-page.
//
// The footer checksum covers every preceding byte; Open verifies it, so any
// mutated byte fails the load.
package immutable
