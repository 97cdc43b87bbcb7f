package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
)

const statsFile = "stats.json"

// Stats is a snapshot of store counters.
type Stats struct {
	Reads       uint64 `json:"reads"`
	Writes      uint64 `json:"writes"`
	Modified    uint64 `json:"modified"`
	DirtyMarks  uint64 `json:"dirty_marks"`
	DirtyClears uint64 `json:"dirty_clears"`
	BloomSkips  uint64 `json:"bloom_skips"`
	CacheHits   uint64 `json:"cache_hits"`
	Positions   uint64 `json:"positions"`
}

// persistedStats is the part of Stats that survives restarts.
// Positions is recounted from the database on open.
type persistedStats struct {
	Reads       uint64 `json:"reads"`
	Writes      uint64 `json:"writes"`
	Modified    uint64 `json:"modified"`
	DirtyMarks  uint64 `json:"dirty_marks"`
	DirtyClears uint64 `json:"dirty_clears"`
}

// StatsCollector tracks store counters
type StatsCollector struct {
	reads       atomic.Uint64
	writes      atomic.Uint64
	modified    atomic.Uint64
	dirtyMarks  atomic.Uint64
	dirtyClears atomic.Uint64
	bloomSkips  atomic.Uint64
	cacheHits   atomic.Uint64
	positions   atomic.Int64

	dir string
}

// NewStatsCollector creates a collector persisting to dir
func NewStatsCollector(dir string) *StatsCollector {
	return &StatsCollector{dir: dir}
}

func (s *StatsCollector) addReads(n int) { s.reads.Add(uint64(n)) }
func (s *StatsCollector) addWrites(n int) { s.writes.Add(uint64(n)) }
func (s *StatsCollector) addModified(n uint) { s.modified.Add(uint64(n)) }
func (s *StatsCollector) addDirtyMarks(n uint) { s.dirtyMarks.Add(uint64(n)) }
func (s *StatsCollector) addClears(n uint) { s.dirtyClears.Add(uint64(n)) }
func (s *StatsCollector) addBloomSkips(n int) { s.bloomSkips.Add(uint64(n)) }
func (s *StatsCollector) addCacheHits(n int) { s.cacheHits.Add(uint64(n)) }
func (s *StatsCollector) addPositions(n int) { s.positions.Add(int64(n)) }
func (s *StatsCollector) setPositions(n int) { s.positions.Store(int64(n)) }

// Stats returns the current statistics
func (s *StatsCollector) Stats() Stats {
	positions := s.positions.Load()
	if positions < 0 {
		positions = 0
	}
	return Stats{
		Reads:       s.reads.Load(),
		Writes:      s.writes.Load(),
		Modified:    s.modified.Load(),
		DirtyMarks:  s.dirtyMarks.Load(),
		DirtyClears: s.dirtyClears.Load(),
		BloomSkips:  s.bloomSkips.Load(),
		CacheHits:   s.cacheHits.Load(),
		Positions:   uint64(positions),
	}
}

func (s *StatsCollector) metadataPath() string {
	return filepath.Join(s.dir, statsFile)
}

// LoadMetadata loads persisted counters from disk
func (s *StatsCollector) LoadMetadata() error {
	data, err := os.ReadFile(s.metadataPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var meta persistedStats
	if err := json.Unmarshal(data, &meta); err != nil {
		return err
	}

	s.reads.Store(meta.Reads)
	s.writes.Store(meta.Writes)
	s.modified.Store(meta.Modified)
	s.dirtyMarks.Store(meta.DirtyMarks)
	s.dirtyClears.Store(meta.DirtyClears)
	return nil
}

// SaveMetadata writes counters to disk
func (s *StatsCollector) SaveMetadata() error {
	meta := persistedStats{
		Reads:       s.reads.Load(),
		Writes:      s.writes.Load(),
		Modified:    s.modified.Load(),
		DirtyMarks:  s.dirtyMarks.Load(),
		DirtyClears: s.dirtyClears.Load(),
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}

	// Write to temp file then rename for atomicity
	tempPath := s.metadataPath() + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tempPath, s.metadataPath())
}
