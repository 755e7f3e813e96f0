// Package blobstore abstracts where archived index files live.
//
// After a major compaction replaces a set of L2 files, the replaced files
// can be offloaded to an archive store before they are removed from the
// index directory. Backends:
//
//   - LocalStore: a directory on the local file system (mmap-backed reads)
//   - MemoryStore: in-memory, for tests
//   - s3.Store: Amazon S3
//   - minio.Store: MinIO and other S3-compatible object stores
//
// Archived files are immutable and content-named (the EditVersion is part of
// the name), so Put never overwrites live data and needs no coordination.
package blobstore
