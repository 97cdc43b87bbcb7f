package tile

import (
	"sync"
	"sync/atomic"
)

// Pool is a free list of tiles shared by all workers.
type Pool struct {
	mu          sync.Mutex
	free        []*Tile
	maxFree     int
	outstanding atomic.Int64
}

// NewPool returns a pool keeping at most maxFree idle tiles. maxFree <= 0 defaults to 1024.
func NewPool(maxFree int) *Pool {
	if maxFree <= 0 {
		maxFree = 1024
	}
	return &Pool{maxFree: maxFree}
}

func (p *Pool) get() *Tile {
	p.outstanding.Add(1)
	p.mu.Lock()
	n := len(p.free)
	if n == 0 {
		p.mu.Unlock()
		return new(Tile)
	}
	t := p.free[n-1]
	p.free[n-1] = nil
	p.free = p.free[:n-1]
	p.mu.Unlock()
	return t
}

func (p *Pool) put(t *Tile) {
	t.Reset()
	p.outstanding.Add(-1)
	p.mu.Lock()
	if len(p.free) < p.maxFree {
		p.free = append(p.free, t)
	}
	p.mu.Unlock()
}

// Outstanding returns the number of tiles handed out and not yet released.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}

// Lease scopes a set of tiles to one operation. Every tile handed out by a
// lease returns to the pool exactly once, on Release. A Lease is not safe for
// concurrent use.
type Lease struct {
	pool     *Pool
	tiles    []*Tile
	released bool
}

// Lease starts a new lease.
func (p *Pool) Lease() *Lease {
	return &Lease{pool: p}
}

// Tile hands out one empty tile.
func (l *Lease) Tile() *Tile {
	if l.released {
		panic("tile: lease used after release")
	}
	t := l.pool.get()
	l.tiles = append(l.tiles, t)
	return t
}

// Tiles hands out n empty tiles.
func (l *Lease) Tiles(n int) []*Tile {
	out := make([]*Tile, n)
	for i := range out {
		out[i] = l.Tile()
	}
	return out
}

// Release returns every leased tile to the pool. Further calls are no-ops.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true
	for i, t := range l.tiles {
		l.pool.put(t)
		l.tiles[i] = nil
	}
	l.tiles = nil
}
