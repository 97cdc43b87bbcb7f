package store

import (
	"fmt"
	"time"

	"github.com/bits-and-blooms/bitset"
	bolt "go.etcd.io/bbolt"

	"github.com/farplane/lodtiles/internal/metrics"
	"github.com/farplane/lodtiles/internal/tile"
)

// Snapshot is a read-only copy of one generated position.
type Snapshot struct {
	Pos            tile.Pos
	Timestamp      int64
	DirtyTimestamp int64 // TimestampBlank when not dirty
	// Data is the uncompressed tile payload, nil for an empty tile.
	Data []byte
}

// Decode writes the snapshot payload into t.
func (s *Snapshot) Decode(t *tile.Tile) error {
	return tile.Decode(s.Data, t)
}

// Dirty reports whether the snapshot carries a pending invalidation.
func (s *Snapshot) Dirty() bool {
	return s.DirtyTimestamp != tile.TimestampBlank
}

func observe(op string, start time.Time) {
	metrics.StoreOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// keysOf encodes positions and reports which of them may exist.
func (s *Store) keysOf(positions []tile.Pos) (keys [][tile.KeySize]byte, maybe []bool, lookups int) {
	keys = make([][tile.KeySize]byte, len(positions))
	maybe = make([]bool, len(positions))
	for i, p := range positions {
		keys[i] = p.Key()
		if s.index.MayContain(keys[i]) {
			maybe[i] = true
			lookups++
		}
	}
	if skipped := len(positions) - lookups; skipped > 0 {
		s.stats.addBloomSkips(skipped)
		metrics.StoreBloomSkips.Add(float64(skipped))
	}
	return keys, maybe, lookups
}

// readTimestamps reads one timestamp bucket for positions through the
// timestamp cache, answering TimestampBlank for absent keys.
func (s *Store) readTimestamps(bucket []byte, positions []tile.Pos) ([]int64, error) {
	out := make([]int64, len(positions))
	for i := range out {
		out[i] = tile.TimestampBlank
	}
	keys, maybe, lookups := s.keysOf(positions)
	if lookups == 0 {
		return out, nil
	}

	gens := make([]uint64, len(positions))
	misses := 0
	for i := range positions {
		if !maybe[i] {
			continue
		}
		if ts, ok := s.timestamps.get(bucket, keys[i]); ok {
			out[i] = ts
			maybe[i] = false
			continue
		}
		gens[i] = s.timestamps.generation(keys[i])
		misses++
	}
	if hits := lookups - misses; hits > 0 {
		s.stats.addCacheHits(hits)
		metrics.StoreTimestampCache.WithLabelValues("hit").Add(float64(hits))
	}
	if misses == 0 {
		return out, nil
	}
	metrics.StoreTimestampCache.WithLabelValues("miss").Add(float64(misses))

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		for i := range positions {
			if !maybe[i] {
				continue
			}
			ts, err := decodeTimestamp(b.Get(keys[i][:]))
			if err != nil {
				return fmt.Errorf("%s: %w", positions[i], err)
			}
			out[i] = ts
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if maybe[i] {
			s.timestamps.put(bucket, keys[i], out[i], gens[i])
		}
	}
	s.stats.addReads(misses)
	return out, nil
}

// MultiTimestamp returns the timestamp of every position, TimestampBlank for
// positions that were never generated.
func (s *Store) MultiTimestamp(positions []tile.Pos) ([]int64, error) {
	defer observe("multi_timestamp", time.Now())
	out, err := s.readTimestamps(bucketTimestamp, positions)
	if err != nil {
		return nil, fmt.Errorf("read timestamps: %w", err)
	}
	return out, nil
}

// MultiDirtyTimestamp returns the dirty timestamp of every position,
// TimestampBlank for positions that are not dirty.
func (s *Store) MultiDirtyTimestamp(positions []tile.Pos) ([]int64, error) {
	defer observe("multi_dirty_timestamp", time.Now())
	out, err := s.readTimestamps(bucketDirty, positions)
	if err != nil {
		return nil, fmt.Errorf("read dirty timestamps: %w", err)
	}
	return out, nil
}

// MultiSnapshot reads every position in one transaction. The entry of a
// position that was never generated is nil.
func (s *Store) MultiSnapshot(positions []tile.Pos) ([]*Snapshot, error) {
	defer observe("multi_snapshot", time.Now())
	out := make([]*Snapshot, len(positions))
	keys, maybe, lookups := s.keysOf(positions)
	if lookups == 0 {
		return out, nil
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		tsb, dirtyb, datab := tx.Bucket(bucketTimestamp), tx.Bucket(bucketDirty), tx.Bucket(bucketData)
		for i, p := range positions {
			if !maybe[i] {
				continue
			}
			snap, err := s.readSnapshot(p, keys[i][:], tsb, dirtyb, datab)
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			out[i] = snap
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read snapshots: %w", err)
	}
	s.stats.addReads(lookups)
	return out, nil
}

func (s *Store) readSnapshot(p tile.Pos, key []byte, tsb, dirtyb, datab *bolt.Bucket) (*Snapshot, error) {
	ts, err := decodeTimestamp(tsb.Get(key))
	if err != nil {
		return nil, err
	}
	if ts == tile.TimestampBlank {
		return nil, nil
	}
	dirty, err := decodeTimestamp(dirtyb.Get(key))
	if err != nil {
		return nil, err
	}
	data, err := s.codec.decode(datab.Get(key))
	if err != nil {
		return nil, err
	}
	return &Snapshot{Pos: p, Timestamp: ts, DirtyTimestamp: dirty, Data: data}, nil
}

// MultiSet writes tiles[i] with metas[i] at positions[i] where the new
// timestamp is newer than the stored one. A write whose timestamp reaches the
// stored dirty timestamp clears it; an empty tile deletes the payload. The
// returned bitset has bit i set for every position that was written.
func (s *Store) MultiSet(positions []tile.Pos, metas []tile.Metadata, tiles []*tile.Tile) (*bitset.BitSet, error) {
	defer observe("multi_set", time.Now())
	if len(metas) != len(positions) || len(tiles) != len(positions) {
		return nil, fmt.Errorf("multi set: %d positions, %d metadata, %d tiles", len(positions), len(metas), len(tiles))
	}

	payloads := make([][]byte, len(tiles))
	for i, t := range tiles {
		payloads[i] = s.codec.encode(t)
	}

	modified := bitset.New(uint(len(positions)))
	created := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		tsb, dirtyb, datab := tx.Bucket(bucketTimestamp), tx.Bucket(bucketDirty), tx.Bucket(bucketData)
		for i, p := range positions {
			key := p.Key()
			next := metas[i].Timestamp
			stored, err := decodeTimestamp(tsb.Get(key[:]))
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			if next <= stored {
				continue
			}
			if err := tsb.Put(key[:], encodeTimestamp(next)); err != nil {
				return err
			}
			dirty, err := decodeTimestamp(dirtyb.Get(key[:]))
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			if dirty != tile.TimestampBlank && next >= dirty {
				if err := dirtyb.Delete(key[:]); err != nil {
					return err
				}
			}
			if payloads[i] == nil {
				err = datab.Delete(key[:])
			} else {
				err = datab.Put(key[:], payloads[i])
			}
			if err != nil {
				return err
			}
			if stored == tile.TimestampBlank {
				created++
				s.index.Add(key)
			}
			modified.Set(uint(i))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("multi set: %w", err)
	}
	s.timestamps.invalidate(positions, modified)

	n := modified.Count()
	s.stats.addWrites(len(positions))
	s.stats.addModified(n)
	s.stats.addPositions(created)
	metrics.StoreModified.WithLabelValues("set").Add(float64(n))
	s.notifyChanged(selectPositions(positions, modified))
	return modified, nil
}

// MultiMarkDirty records ts as the dirty timestamp of every position that
// has been generated, is older than ts and is not already dirty at ts or later.
func (s *Store) MultiMarkDirty(positions []tile.Pos, ts int64) (*bitset.BitSet, error) {
	defer observe("multi_mark_dirty", time.Now())
	modified := bitset.New(uint(len(positions)))
	_, maybe, lookups := s.keysOf(positions)
	if lookups == 0 {
		return modified, nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		tsb, dirtyb := tx.Bucket(bucketTimestamp), tx.Bucket(bucketDirty)
		for i, p := range positions {
			if !maybe[i] {
				continue
			}
			key := p.Key()
			stored, err := decodeTimestamp(tsb.Get(key[:]))
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			if stored == tile.TimestampBlank || ts <= stored {
				continue
			}
			dirty, err := decodeTimestamp(dirtyb.Get(key[:]))
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			if dirty != tile.TimestampBlank && ts <= dirty {
				continue
			}
			if err := dirtyb.Put(key[:], encodeTimestamp(ts)); err != nil {
				return err
			}
			modified.Set(uint(i))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("multi mark dirty: %w", err)
	}
	s.timestamps.invalidate(positions, modified)

	n := modified.Count()
	s.stats.addDirtyMarks(n)
	metrics.StoreModified.WithLabelValues("mark_dirty").Add(float64(n))
	s.notifyDirty(selectPositions(positions, modified))
	return modified, nil
}

// MultiClearDirty removes the dirty timestamp of every position. Bit i of the
// result is set where a dirty timestamp was present. Listeners are not notified.
func (s *Store) MultiClearDirty(positions []tile.Pos) (*bitset.BitSet, error) {
	defer observe("multi_clear_dirty", time.Now())
	modified := bitset.New(uint(len(positions)))
	_, maybe, lookups := s.keysOf(positions)
	if lookups == 0 {
		return modified, nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		dirtyb := tx.Bucket(bucketDirty)
		for i, p := range positions {
			if !maybe[i] {
				continue
			}
			key := p.Key()
			if dirtyb.Get(key[:]) == nil {
				continue
			}
			if err := dirtyb.Delete(key[:]); err != nil {
				return err
			}
			modified.Set(uint(i))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("multi clear dirty: %w", err)
	}
	s.timestamps.invalidate(positions, modified)

	n := modified.Count()
	s.stats.addClears(n)
	metrics.StoreModified.WithLabelValues("clear_dirty").Add(float64(n))
	return modified, nil
}

// ForEach calls fn with every generated position in key order inside one
// read transaction. fn must not mutate the store.
func (s *Store) ForEach(fn func(*Snapshot) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		tsb, dirtyb, datab := tx.Bucket(bucketTimestamp), tx.Bucket(bucketDirty), tx.Bucket(bucketData)
		return tsb.ForEach(func(k, _ []byte) error {
			p, err := tile.PosFromKey(k)
			if err != nil {
				return err
			}
			snap, err := s.readSnapshot(p, k, tsb, dirtyb, datab)
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			if snap == nil {
				return nil
			}
			return fn(snap)
		})
	})
}

// selectPositions returns the positions whose bit is set, without duplicates.
func selectPositions(positions []tile.Pos, bits *bitset.BitSet) []tile.Pos {
	if bits.None() {
		return nil
	}
	out := make([]tile.Pos, 0, bits.Count())
	for i, ok := bits.NextSet(0); ok; i, ok = bits.NextSet(i + 1) {
		out = append(out, positions[i])
	}
	return tile.Dedup(out)
}
