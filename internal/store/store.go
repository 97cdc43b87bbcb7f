package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/farplane/lodtiles/internal/tile"
)

const dbFile = "tiles.db"

// Config configures the Store
type Config struct {
	Dir                string
	Token              Token          // identity of the stored data, see NewToken
	Logger             zerolog.Logger // default zerolog.Nop()
	TimestampCacheSize int64          // cached timestamp and dirty timestamp entries, default 65536
	BloomCapacity      uint           // expected positions for the negative index, default 1<<20
	BloomFPRate        float64        // default 0.01
	NoSync             bool           // skip fsync on commit (tests, scratch stores)
	OpenTimeout        time.Duration  // wait for the database file lock, default 5s

	// ReadOnly opens an existing store for inspection. A missing or
	// mismatched token fails with ErrTokenMismatch instead of discarding data.
	ReadOnly bool
}

// ErrTokenMismatch is returned by a read-only Open of a store written with a different token.
var ErrTokenMismatch = errors.New("store: token mismatch")

// Store is the persistent tile store
type Store struct {
	dir       string
	db        *bolt.DB
	readOnly   bool
	codec      *payloadCodec
	index      *positionIndex
	timestamps *timestampCache
	listeners  atomic.Pointer[[]Listener]
	listenMu   sync.Mutex
	stats      *StatsCollector
	log        zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates the store in cfg.Dir. If the persisted token is
// missing or differs from cfg.Token the existing database is discarded.
func Open(cfg Config) (*Store, error) {
	// Apply defaults
	if cfg.Dir == "" {
		return nil, errors.New("store: Dir is required")
	}
	if cfg.TimestampCacheSize <= 0 {
		cfg.TimestampCacheSize = 65536
	}
	if cfg.BloomCapacity == 0 {
		cfg.BloomCapacity = 1 << 20
	}
	if cfg.BloomFPRate <= 0 || cfg.BloomFPRate >= 1 {
		cfg.BloomFPRate = 0.01
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 5 * time.Second
	}
	log := cfg.Logger.With().Str("component", "store").Logger()

	if cfg.ReadOnly {
		got, ok, err := readToken(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("read token: %w", err)
		}
		if !ok || got != cfg.Token {
			return nil, fmt.Errorf("%w in %s", ErrTokenMismatch, cfg.Dir)
		}
	} else {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, err
		}
		if err := checkToken(cfg.Dir, cfg.Token, log); err != nil {
			return nil, err
		}
	}

	db, err := bolt.Open(filepath.Join(cfg.Dir, dbFile), 0644, &bolt.Options{
		Timeout:  cfg.OpenTimeout,
		NoSync:   cfg.NoSync,
		ReadOnly: cfg.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open tile database: %w", err)
	}

	s := &Store{
		dir:      cfg.Dir,
		db:       db,
		readOnly: cfg.ReadOnly,
		index:    newPositionIndex(cfg.BloomCapacity, cfg.BloomFPRate),
		stats:    NewStatsCollector(cfg.Dir),
		log:      log,
	}
	s.listeners.Store(&[]Listener{})

	fail := func(err error) (*Store, error) {
		if s.codec != nil {
			s.codec.close()
		}
		if s.timestamps != nil {
			s.timestamps.close()
		}
		db.Close()
		return nil, err
	}

	if cfg.ReadOnly {
		if err := db.View(func(tx *bolt.Tx) error {
			for _, name := range allBuckets {
				if tx.Bucket(name) == nil {
					return fmt.Errorf("missing bucket %s", name)
				}
			}
			return nil
		}); err != nil {
			return fail(err)
		}
	} else {
		if err := db.Update(func(tx *bolt.Tx) error {
			for _, name := range allBuckets {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return fail(fmt.Errorf("create buckets: %w", err))
		}

		// Token is written after the buckets exist so a crash in between
		// discards the half initialized database on the next open.
		if err := writeToken(cfg.Dir, cfg.Token); err != nil {
			return fail(err)
		}
	}

	if s.codec, err = newPayloadCodec(); err != nil {
		return fail(err)
	}
	if s.timestamps, err = newTimestampCache(cfg.TimestampCacheSize); err != nil {
		return fail(err)
	}
	if err := s.stats.LoadMetadata(); err != nil {
		log.Warn().Err(err).Msg("ignoring unreadable stats")
	}

	positions, err := s.rebuildIndex()
	if err != nil {
		return fail(err)
	}
	s.stats.setPositions(positions)

	log.Info().Str("dir", cfg.Dir).Int("positions", positions).Msg("tile store opened")
	return s, nil
}

// checkToken removes the database when the persisted token does not match.
func checkToken(dir string, want Token, log zerolog.Logger) error {
	got, ok, err := readToken(dir)
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	if ok && got == want {
		return nil
	}

	path := filepath.Join(dir, dbFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	ev := log.Warn().Interface("want", want)
	if ok {
		ev = ev.Interface("found", got)
	}
	ev.Msg("tile store token mismatch, discarding stored tiles")
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("discard tile database: %w", err)
	}
	if err := os.Remove(filepath.Join(dir, statsFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// rebuildIndex fills the negative index from the timestamp bucket.
func (s *Store) rebuildIndex() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTimestamp)
		n = b.Stats().KeyN
		s.index.Reset(uint(n) * 2)
		return b.ForEach(func(k, _ []byte) error {
			var key [tile.KeySize]byte
			if copy(key[:], k) != tile.KeySize {
				return fmt.Errorf("malformed key of %d bytes", len(k))
			}
			s.index.Add(key)
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("rebuild position index: %w", err)
	}
	return n, nil
}

// Close persists stats and releases the database. It is safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if !s.readOnly {
			if err := s.stats.SaveMetadata(); err != nil {
				errs = append(errs, fmt.Errorf("save stats: %w", err))
			}
		}
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close tile database: %w", err))
		}
		s.codec.close()
		s.timestamps.close()
		s.closeErr = errors.Join(errs...)
		s.log.Info().Msg("tile store closed")
	})
	return s.closeErr
}

// Clear deletes every record. Listeners are not notified.
func (s *Store) Clear() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		s.index.Reset(0)
		return nil
	})
	s.timestamps.reset()
	if err != nil {
		if _, rerr := s.rebuildIndex(); rerr != nil {
			return errors.Join(fmt.Errorf("clear tile store: %w", err), rerr)
		}
		return fmt.Errorf("clear tile store: %w", err)
	}
	s.stats.setPositions(0)
	s.log.Info().Msg("tile store cleared")
	return nil
}

// HandleFor returns the handle of pos.
func (s *Store) HandleFor(pos tile.Pos) *Handle {
	return &Handle{store: s, pos: pos}
}

// HandlesFor returns the handles of positions in order.
func (s *Store) HandlesFor(positions []tile.Pos) []*Handle {
	out := make([]*Handle, len(positions))
	for i, p := range positions {
		out[i] = s.HandleFor(p)
	}
	return out
}

// Stats returns the current counters.
func (s *Store) Stats() Stats {
	return s.stats.Stats()
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}
