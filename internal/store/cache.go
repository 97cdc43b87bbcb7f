package store

import (
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"

	"github.com/farplane/lodtiles/internal/tile"
)

// positionIndex is a bloom filter over every key that has a timestamp.
// A miss is definite, so lookups of never generated positions skip the database.
type positionIndex struct {
	mu       sync.RWMutex
	filter   *bloom.BloomFilter
	capacity uint
	fpRate   float64
}

func newPositionIndex(capacity uint, fpRate float64) *positionIndex {
	return &positionIndex{
		filter:   bloom.NewWithEstimates(capacity, fpRate),
		capacity: capacity,
		fpRate:   fpRate,
	}
}

// MayContain returns false only if key was never added since the last reset.
func (idx *positionIndex) MayContain(key [tile.KeySize]byte) bool {
	idx.mu.RLock()
	ok := idx.filter.Test(key[:])
	idx.mu.RUnlock()
	return ok
}

func (idx *positionIndex) Add(key [tile.KeySize]byte) {
	idx.mu.Lock()
	idx.filter.Add(key[:])
	idx.mu.Unlock()
}

// Reset empties the index, resizing it for at least n entries.
func (idx *positionIndex) Reset(n uint) {
	if n < idx.capacity {
		n = idx.capacity
	}
	idx.mu.Lock()
	idx.filter = bloom.NewWithEstimates(n, idx.fpRate)
	idx.mu.Unlock()
}

// cacheStripes is the number of invalidation generations. A write
// invalidates every cached entry sharing a stripe with a modified key.
const cacheStripes = 4096

// timestampCache is a read-through cache of the timestamp and dirty
// timestamp buckets. Each entry records the generation of its stripe read
// before the database was; writers bump the generation of every modified key
// after commit, so an entry read before a write is never served after it.
type timestampCache struct {
	cache *ristretto.Cache[string, cachedTimestamp]
	gens  [cacheStripes]atomic.Uint64
}

type cachedTimestamp struct {
	ts  int64
	gen uint64
}

func newTimestampCache(maxEntries int64) (*timestampCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, cachedTimestamp]{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &timestampCache{cache: cache}, nil
}

func stripeOf(key [tile.KeySize]byte) uint64 {
	return xxhash.Sum64(key[:]) % cacheStripes
}

func cacheKey(bucket []byte, key [tile.KeySize]byte) string {
	return string(bucket) + string(key[:])
}

// generation must be read before the database read whose result is put.
func (c *timestampCache) generation(key [tile.KeySize]byte) uint64 {
	return c.gens[stripeOf(key)].Load()
}

func (c *timestampCache) get(bucket []byte, key [tile.KeySize]byte) (int64, bool) {
	v, ok := c.cache.Get(cacheKey(bucket, key))
	if !ok || v.gen != c.generation(key) {
		return 0, false
	}
	return v.ts, true
}

func (c *timestampCache) put(bucket []byte, key [tile.KeySize]byte, ts int64, gen uint64) {
	c.cache.Set(cacheKey(bucket, key), cachedTimestamp{ts: ts, gen: gen}, 1)
}

// invalidate drops the entries of the positions whose bit is set.
func (c *timestampCache) invalidate(positions []tile.Pos, bits *bitset.BitSet) {
	for i, ok := bits.NextSet(0); ok; i, ok = bits.NextSet(i + 1) {
		c.gens[stripeOf(positions[i].Key())].Add(1)
	}
}

// reset drops every entry.
func (c *timestampCache) reset() {
	for i := range c.gens {
		c.gens[i].Add(1)
	}
	c.cache.Clear()
}

func (c *timestampCache) close() {
	c.cache.Close()
}
