package tile

import (
	"encoding/binary"
	"fmt"
)

// KeySize is the length of an encoded position key.
const KeySize = 13

const signFlip = uint32(1) << 31

// Key encodes p as a fixed-width store key: the level byte followed by the
// 96-bit interleave of x, y and z (sign bit flipped so negative coordinates
// order before positive ones), written big-endian as a uint32 then a uint64.
// Byte order of keys equals (level, morton) order.
func (p Pos) Key() [KeySize]byte {
	var key [KeySize]byte
	key[0] = p.Level
	hi, lo := interleave(uint32(p.X)^signFlip, uint32(p.Y)^signFlip, uint32(p.Z)^signFlip)
	binary.BigEndian.PutUint32(key[1:5], hi)
	binary.BigEndian.PutUint64(key[5:13], lo)
	return key
}

// PosFromKey decodes a key produced by Pos.Key.
func PosFromKey(key []byte) (Pos, error) {
	if len(key) != KeySize {
		return Pos{}, fmt.Errorf("tile key: got %d bytes, want %d", len(key), KeySize)
	}
	hi := binary.BigEndian.Uint32(key[1:5])
	lo := binary.BigEndian.Uint64(key[5:13])
	x, y, z := deinterleave(hi, lo)
	return Pos{
		Level: key[0],
		X:     int32(x ^ signFlip),
		Y:     int32(y ^ signFlip),
		Z:     int32(z ^ signFlip),
	}, nil
}

// interleave spreads the 32 bits of each coordinate over 96 bits, x taking
// the most significant slot of each triple. Bit 3*i+2 (counted from the
// least significant end) belongs to x bit i, 3*i+1 to y, 3*i to z.
func interleave(x, y, z uint32) (hi uint32, lo uint64) {
	for i := 0; i < 32; i++ {
		bits := uint64(x>>i&1)<<2 | uint64(y>>i&1)<<1 | uint64(z>>i&1)
		shift := 3 * i
		if shift < 64 {
			lo |= bits << shift
			if shift > 61 {
				hi |= uint32(bits >> (64 - shift))
			}
		} else {
			hi |= uint32(bits) << (shift - 64)
		}
	}
	return hi, lo
}

func deinterleave(hi uint32, lo uint64) (x, y, z uint32) {
	bit := func(n int) uint32 {
		if n < 64 {
			return uint32(lo >> n & 1)
		}
		return hi >> (n - 64) & 1
	}
	for i := 0; i < 32; i++ {
		x |= bit(3*i+2) << i
		y |= bit(3*i+1) << i
		z |= bit(3*i) << i
	}
	return x, y, z
}
