package tile

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// CodecVersion identifies the payload layout written by Encode. Changing the
// layout requires bumping it so existing stores are discarded on open.
const CodecVersion = 1

const (
	headerSize = 4
	entrySize  = 2 + 4 + 4 + 4*StateCount
)

// ErrCorruptPayload is returned by Decode for malformed input.
var ErrCorruptPayload = errors.New("tile: corrupt payload")

// EncodedSize returns the number of bytes Encode writes for t.
func EncodedSize(t *Tile) int {
	return headerSize + t.Count()*entrySize
}

// Encode appends the little-endian encoding of t to dst: a u32 voxel count,
// then per voxel in index order a u16 index, a u32 packing x, y, z and edges,
// a u32 packing biome and light, and the state ids as u32s.
// empty reports a tile with no voxels; callers persist that as an absent payload.
func Encode(dst []byte, t *Tile) (out []byte, empty bool) {
	out = binary.LittleEndian.AppendUint32(dst, uint32(t.Count()))
	if t.IsEmpty() {
		return out, true
	}
	for i := 0; i < EntryCount; i++ {
		d, ok := t.GetIndex(i)
		if !ok {
			continue
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(i))
		out = binary.LittleEndian.AppendUint32(out, uint32(d.X)<<24|uint32(d.Y)<<16|uint32(d.Z)<<8|uint32(d.Edges))
		out = binary.LittleEndian.AppendUint32(out, uint32(d.Biome)<<8|uint32(d.Light))
		for _, s := range d.States {
			out = binary.LittleEndian.AppendUint32(out, s)
		}
	}
	return out, false
}

// Decode replaces the contents of t with the payload in src. An empty src
// decodes to an empty tile. Voxel indices must be strictly increasing, as
// Encode writes them; on error t is left empty.
func Decode(src []byte, t *Tile) error {
	t.Reset()
	if len(src) == 0 {
		return nil
	}
	if len(src) < headerSize {
		return fmt.Errorf("%w: %d byte header", ErrCorruptPayload, len(src))
	}
	count := int(binary.LittleEndian.Uint32(src))
	if count > EntryCount {
		return fmt.Errorf("%w: %d voxels", ErrCorruptPayload, count)
	}
	if want := headerSize + count*entrySize; len(src) != want {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrCorruptPayload, len(src), want)
	}
	off := headerSize
	prev := -1
	for i := 0; i < count; i++ {
		index := int(binary.LittleEndian.Uint16(src[off:]))
		if index >= EntryCount || index <= prev {
			t.Reset()
			return fmt.Errorf("%w: voxel index %d after %d", ErrCorruptPayload, index, prev)
		}
		prev = index
		packed := binary.LittleEndian.Uint32(src[off+2:])
		bl := binary.LittleEndian.Uint32(src[off+6:])
		d := Data{
			X:     uint8(packed >> 24),
			Y:     uint8(packed >> 16),
			Z:     uint8(packed >> 8),
			Edges: uint8(packed),
			Biome: uint8(bl >> 8),
			Light: uint8(bl),
		}
		for s := range d.States {
			d.States[s] = binary.LittleEndian.Uint32(src[off+10+4*s:])
		}
		t.SetIndex(index, d)
		off += entrySize
	}
	return nil
}
