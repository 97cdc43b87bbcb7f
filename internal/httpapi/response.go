package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/farplane/lodtiles/internal/store"
	"github.com/farplane/lodtiles/internal/tile"
)

// PosJSON is a tile position on the wire.
type PosJSON struct {
	Level uint8 `json:"level"`
	X     int32 `json:"x"`
	Y     int32 `json:"y"`
	Z     int32 `json:"z"`
}

func (p PosJSON) Pos() tile.Pos { return tile.NewPos(p.Level, p.X, p.Y, p.Z) }

func toPosJSON(p tile.Pos) PosJSON {
	return PosJSON{Level: p.Level, X: p.X, Y: p.Y, Z: p.Z}
}

func toPosList(positions []tile.Pos) []PosJSON {
	out := make([]PosJSON, len(positions))
	for i, p := range positions {
		out[i] = toPosJSON(p)
	}
	return out
}

// TileResponse is the JSON form of a stored tile.
type TileResponse struct {
	Pos            PosJSON `json:"pos"`
	Timestamp      int64   `json:"timestamp"`
	DirtyTimestamp int64   `json:"dirty_timestamp,omitempty"`
	Dirty          bool    `json:"dirty"`
	Voxels         int     `json:"voxels"`
	Data           []byte  `json:"data,omitempty"` // encoded tile payload, base64
}

// toTileResponse decodes snap once to count its voxels.
func toTileResponse(snap *store.Snapshot) (*TileResponse, error) {
	var t tile.Tile
	if err := snap.Decode(&t); err != nil {
		return nil, fmt.Errorf("decode %s: %w", snap.Pos, err)
	}
	resp := &TileResponse{
		Pos:       toPosJSON(snap.Pos),
		Timestamp: snap.Timestamp,
		Dirty:     snap.Dirty(),
		Voxels:    t.Count(),
		Data:      snap.Data,
	}
	if resp.Dirty {
		resp.DirtyTimestamp = snap.DirtyTimestamp
	}
	return resp, nil
}

// DirtyRequest is the body of POST /v1/dirty.
type DirtyRequest struct {
	Positions []PosJSON `json:"positions"`
	Timestamp int64     `json:"timestamp"`
}

// TouchRequest is the body of POST /v1/world/touch, in level 0 tile coordinates.
type TouchRequest struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
	Z int32 `json:"z"`
}

// ModifiedResponse lists the positions a mutation changed.
type ModifiedResponse struct {
	Timestamp int64     `json:"timestamp,omitempty"`
	Modified  []PosJSON `json:"modified"`
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
	// Don't call http.Error after setting headers - it causes "superfluous WriteHeader"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// pathPos reads {level}/{x}/{y}/{z} from the request path.
func pathPos(r *http.Request) (tile.Pos, error) {
	level, err := strconv.ParseUint(r.PathValue("level"), 10, 8)
	if err != nil || level >= tile.MaxLevels {
		return tile.Pos{}, fmt.Errorf("invalid level %q", r.PathValue("level"))
	}
	var c [3]int32
	for i, name := range []string{"x", "y", "z"} {
		v, err := strconv.ParseInt(r.PathValue(name), 10, 32)
		if err != nil {
			return tile.Pos{}, fmt.Errorf("invalid %s %q", name, r.PathValue(name))
		}
		c[i] = int32(v)
	}
	return tile.NewPos(uint8(level), c[0], c[1], c[2]), nil
}
