// Package mutable implements L0, the in-memory layer of the index: a
// power-of-two set of shards, each a hash map from key bytes to IndexValue.
//
// L0 is authoritative for every key it contains. Erases are stored as
// tombstones (NullIndexValue) so they keep masking live values in older
// on-disk layers until a flush merges all of those layers away.
//
// All operations are batched: parallel key/value arrays addressed through an
// index list, so callers can route subsets of a batch without copying.
// Every allocation is accounted against the engine's memory tracker; a
// reservation that would exceed the limit fails the operation with
// ErrMemLimitExceeded.
package mutable
