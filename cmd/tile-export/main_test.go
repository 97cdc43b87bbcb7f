package main

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/farplane/lodtiles/internal/demo"
	"github.com/farplane/lodtiles/internal/store"
	"github.com/farplane/lodtiles/internal/tile"
)

func TestExport(t *testing.T) {
	reg := demo.NewRegistry()
	dir := t.TempDir()
	st, err := store.Open(store.Config{Dir: dir, Token: store.NewToken(reg), NoSync: true, BloomCapacity: 64})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	full := new(tile.Tile)
	full.Set(1, 2, 3, tile.Data{Light: 9})
	positions := []tile.Pos{tile.NewPos(0, 1, 0, 0), tile.NewPos(1, -1, 0, 2), tile.NewPos(0, 4, 4, 4)}
	metas := []tile.Metadata{{Timestamp: 3}, {Timestamp: 4}, {Timestamp: 5}}
	if _, err := st.MultiSet(positions, metas, []*tile.Tile{full, full, new(tile.Tile)}); err != nil {
		t.Fatalf("MultiSet: %v", err)
	}
	if _, err := st.HandleFor(positions[0]).MarkDirty(8); err != nil {
		t.Fatalf("MarkDirty: %v", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "out.sqlite"))
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	var progressed int
	n, err := export(context.Background(), st, db, reg, 2, func() { progressed++ })
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if n != 3 || progressed != 3 {
		t.Fatalf("export = %d tiles, %d progress calls, want 3", n, progressed)
	}

	var (
		voxels int
		dirty  sql.NullInt64
		data   []byte
	)
	err = db.QueryRow(`SELECT voxels, dirty_timestamp, tile_data FROM tiles WHERE level = 0 AND tile_x = 1`).Scan(&voxels, &dirty, &data)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if voxels != 1 || !dirty.Valid || dirty.Int64 != 8 {
		t.Fatalf("row = voxels %d dirty %+v", voxels, dirty)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("zstd.NewReader: %v", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	var got tile.Tile
	if err := tile.Decode(raw, &got); err != nil || !got.Equal(full) {
		t.Fatalf("exported tile differs: %v", err)
	}

	var empty []byte
	if err := db.QueryRow(`SELECT tile_data FROM tiles WHERE tile_x = 4`).Scan(&empty); err != nil || empty != nil {
		t.Fatalf("empty tile data = %v, %v", empty, err)
	}
	var states string
	if err := db.QueryRow(`SELECT value FROM metadata WHERE name = 'states'`).Scan(&states); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if states != "air,stone,dirt,grass,sand" {
		t.Fatalf("states = %q", states)
	}
}
