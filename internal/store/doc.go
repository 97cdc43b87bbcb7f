// Package store persists the tile pyramid in a bbolt database.
//
// Every position has up to three records, each in its own bucket and keyed by
// tile.Pos.Key:
//   - tile_timestamp: version of the stored payload (absent = never generated)
//   - tile_dirty_timestamp: pending invalidation version (absent = not dirty)
//   - tile_data: zstd compressed tile payload (absent = empty tile)
//
// Timestamps are little-endian int64. Mutations are batched: each batch checks
// and writes all of its positions in one write transaction, so newer-wins and
// dirty rules hold under concurrent writers. Listeners are notified after the
// commit with the positions that were modified. The write transaction is
// store-wide, so batches of unrelated positions also wait for each other.
//
// Timestamp reads go through a ristretto cache whose entries are invalidated
// by generation after every committed mutation.
//
// The directory also holds token.zst, the identity of the data layout; a
// store opened with a different token discards its database.
package store
