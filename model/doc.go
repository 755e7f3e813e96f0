// Package model defines core types shared by every layer of the index.
//
// # Identity Types
//
//   - IndexValue: 64-bit handle encoding a rowset/segment id and row offset
//   - NullIndexValue: the all-ones sentinel meaning "deleted / absent"
//   - RowsetID: the high 32 bits of an IndexValue
//   - TabletID: identifier of the owning primary-key tablet
//
// # Versioning
//
//   - EditVersion: (major, minor) pair, ordered lexicographically
//   - EditVersionWithMerge: EditVersion plus a merged flag; at equal version
//     the non-merged artifact sorts greater, so a post-merge file is treated
//     as older than its pre-merge peer
//
// # Batch bookkeeping
//
//   - KeysInfo: positions plus hashes of keys that still need lower layers
//   - IOStat: read-path counters (pages read, bloom-filtered probes)
package model
