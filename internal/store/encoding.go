package store

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/farplane/lodtiles/internal/tile"
)

const timestampSize = 8

var (
	bucketTimestamp = []byte("tile_timestamp")
	bucketDirty     = []byte("tile_dirty_timestamp")
	bucketData      = []byte("tile_data")

	allBuckets = [][]byte{bucketTimestamp, bucketDirty, bucketData}
)

func encodeTimestamp(ts int64) []byte {
	buf := make([]byte, timestampSize)
	binary.LittleEndian.PutUint64(buf, uint64(ts))
	return buf
}

// decodeTimestamp returns TimestampBlank for a nil value.
func decodeTimestamp(v []byte) (int64, error) {
	if v == nil {
		return tile.TimestampBlank, nil
	}
	if len(v) != timestampSize {
		return 0, fmt.Errorf("timestamp value: got %d bytes, want %d", len(v), timestampSize)
	}
	return int64(binary.LittleEndian.Uint64(v)), nil
}

// payloadCodec compresses encoded tiles. Both halves are safe for concurrent use.
type payloadCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newPayloadCodec() (*payloadCodec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		encoder.Close()
		return nil, err
	}
	return &payloadCodec{encoder: encoder, decoder: decoder}, nil
}

// encode returns the compressed payload of t, or nil for an empty tile.
func (c *payloadCodec) encode(t *tile.Tile) []byte {
	raw, empty := tile.Encode(make([]byte, 0, tile.EncodedSize(t)), t)
	if empty {
		return nil
	}
	return c.encoder.EncodeAll(raw, nil)
}

// decode returns the uncompressed payload. The result does not alias v.
func (c *payloadCodec) decode(v []byte) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	out, err := c.decoder.DecodeAll(v, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return out, nil
}

func (c *payloadCodec) close() {
	c.encoder.Close()
	c.decoder.Close()
}
