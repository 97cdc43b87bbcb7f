// Package registry maps block state names to the compact ids stored in tile
// voxels. A Registry is immutable; rebuilding produces a new version that is
// handed to generators explicitly.
package registry

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Air is the id of the implicit empty state. It is always present.
const Air uint32 = 0

// AirName is the name of the Air state.
const AirName = "air"

// Registry is a versioned, read-only lookup between state ids and names.
type Registry struct {
	version uint32
	names   []string
	ids     map[string]uint32
}

// New builds version 1 of a registry from names. The air state is prepended
// when missing; duplicate names are rejected.
func New(names []string) (*Registry, error) {
	return build(1, names)
}

func build(version uint32, names []string) (*Registry, error) {
	all := make([]string, 0, len(names)+1)
	all = append(all, AirName)
	for _, n := range names {
		if n != AirName {
			all = append(all, n)
		}
	}
	ids := make(map[string]uint32, len(all))
	for i, n := range all {
		if n == "" {
			return nil, fmt.Errorf("registry: empty state name at %d", i)
		}
		if _, ok := ids[n]; ok {
			return nil, fmt.Errorf("registry: duplicate state %q", n)
		}
		ids[n] = uint32(i)
	}
	return &Registry{version: version, names: all, ids: ids}, nil
}

// MustNew is New for static tables; it panics on error.
func MustNew(names []string) *Registry {
	r, err := New(names)
	if err != nil {
		panic(err)
	}
	return r
}

// Rebuild returns the next version of r with names appended.
func (r *Registry) Rebuild(names ...string) (*Registry, error) {
	next := make([]string, 0, len(r.names)+len(names))
	next = append(next, r.names[1:]...)
	next = append(next, names...)
	return build(r.version+1, next)
}

// Version returns the registry version, starting at 1.
func (r *Registry) Version() uint32 { return r.version }

// Len returns the number of states including air.
func (r *Registry) Len() int { return len(r.names) }

// ID returns the id of name.
func (r *Registry) ID(name string) (uint32, bool) {
	id, ok := r.ids[name]
	return id, ok
}

// Name returns the name of id.
func (r *Registry) Name(id uint32) (string, bool) {
	if int(id) >= len(r.names) {
		return "", false
	}
	return r.names[id], true
}

// Fingerprint hashes the id assignment. Stores persisted under a different
// fingerprint hold ids that mean something else and must be discarded.
func (r *Registry) Fingerprint() uint64 {
	h := xxhash.New()
	var buf [4]byte
	for _, n := range r.names {
		binary.LittleEndian.PutUint32(buf[:], uint32(len(n)))
		_, _ = h.Write(buf[:])
		_, _ = h.WriteString(n)
	}
	return h.Sum64()
}
