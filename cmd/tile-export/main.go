package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "github.com/mattn/go-sqlite3"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/farplane/lodtiles/internal/demo"
	"github.com/farplane/lodtiles/internal/registry"
	"github.com/farplane/lodtiles/internal/store"
	"github.com/farplane/lodtiles/internal/tile"
)

const schema = `
CREATE TABLE metadata (name TEXT PRIMARY KEY, value TEXT);
CREATE TABLE tiles (
	level INTEGER NOT NULL,
	tile_x INTEGER NOT NULL,
	tile_y INTEGER NOT NULL,
	tile_z INTEGER NOT NULL,
	timestamp INTEGER NOT NULL,
	dirty_timestamp INTEGER,
	voxels INTEGER NOT NULL,
	tile_data BLOB,
	PRIMARY KEY (level, tile_x, tile_y, tile_z)
);`

// row is one exported tile, compressed by a worker.
type row struct {
	pos    tile.Pos
	ts     int64
	dirty  *int64
	voxels int
	data   []byte
}

func main() {
	var (
		storeDir = flag.String("store", "./data/tiles", "tile store directory")
		output   = flag.String("output", "tiles.sqlite", "output sqlite file (replaced if present)")
		states   = flag.String("states", strings.Join(demo.StateNames, ","), "state names the store was written with")
		workers  = flag.Int("workers", runtime.NumCPU(), "compression workers")
	)
	flag.Parse()

	reg, err := registry.New(strings.Split(*states, ","))
	if err != nil {
		fmt.Fprintf(os.Stderr, "registry: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Opening tile store: %s\n", *storeDir)
	st, err := store.Open(store.Config{Dir: *storeDir, Token: store.NewToken(reg), ReadOnly: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open tile store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	total := st.Stats().Positions
	fmt.Printf("Store stats: %d positions\n", total)

	if err := os.Remove(*output); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "remove old output: %v\n", err)
		os.Exit(1)
	}
	db, err := sql.Open("sqlite3", *output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open output: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	bar := progressbar.Default(int64(total), "exporting")
	n, err := export(context.Background(), st, db, reg, *workers, func() { _ = bar.Add(1) })
	_ = bar.Finish()
	if err != nil {
		fmt.Fprintf(os.Stderr, "export: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nDone! Exported %d tiles to %s\n", n, *output)
}

// export writes every generated tile of st into db. Snapshots are read in key
// order, compressed by workers and inserted in one transaction.
func export(ctx context.Context, st *store.Store, db *sql.DB, reg *registry.Registry, workers int, progress func()) (int, error) {
	if workers <= 0 {
		workers = 1
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return 0, fmt.Errorf("create schema: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	snaps := make(chan *store.Snapshot, workers*4)
	rows := make(chan row, workers*4)

	g.Go(func() error {
		defer close(snaps)
		return st.ForEach(func(snap *store.Snapshot) error {
			select {
			case snaps <- snap:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	})

	compressors := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			defer func() { compressors <- struct{}{} }()
			enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
			if err != nil {
				return err
			}
			defer enc.Close()
			var t tile.Tile
			for snap := range snaps {
				if err := snap.Decode(&t); err != nil {
					return fmt.Errorf("decode %s: %w", snap.Pos, err)
				}
				r := row{pos: snap.Pos, ts: snap.Timestamp, voxels: t.Count()}
				if snap.Dirty() {
					d := snap.DirtyTimestamp
					r.dirty = &d
				}
				if len(snap.Data) > 0 {
					r.data = enc.EncodeAll(snap.Data, nil)
				}
				select {
				case rows <- r:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for i := 0; i < workers; i++ {
			<-compressors
		}
		close(rows)
		return nil
	})

	var written int
	g.Go(func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO tiles
			(level, tile_x, tile_y, tile_z, timestamp, dirty_timestamp, voxels, tile_data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for r := range rows {
			if _, err := stmt.ExecContext(ctx, r.pos.Level, r.pos.X, r.pos.Y, r.pos.Z, r.ts, r.dirty, r.voxels, r.data); err != nil {
				return fmt.Errorf("insert %s: %w", r.pos, err)
			}
			written++
			progress()
		}
		meta := map[string]string{
			"format":        "lodtiles",
			"compression":   "zstd",
			"codec_version": strconv.Itoa(tile.CodecVersion),
			"states":        strings.Join(stateNames(reg), ","),
			"tiles":         strconv.Itoa(written),
			"exported_at":   time.Now().UTC().Format(time.RFC3339),
		}
		for name, value := range meta {
			if _, err := tx.ExecContext(ctx, `INSERT INTO metadata (name, value) VALUES (?, ?)`, name, value); err != nil {
				return fmt.Errorf("insert metadata %s: %w", name, err)
			}
		}
		return tx.Commit()
	})

	if err := g.Wait(); err != nil {
		return 0, err
	}
	return written, nil
}

// stateNames lists the registry in id order, air included.
func stateNames(reg *registry.Registry) []string {
	names := make([]string, 0, reg.Len())
	for id := 0; id < reg.Len(); id++ {
		name, _ := reg.Name(uint32(id))
		names = append(names, name)
	}
	return names
}
