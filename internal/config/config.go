// Package config reads LODTILES_* settings from the environment and an
// optional .env file. Command line flags take their defaults from it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/farplane/lodtiles/internal/tile"
)

// Prefix is prepended to every variable name.
const Prefix = "LODTILES_"

type (
	Config struct {
		Store  Store  `envPrefix:"STORE_"`
		HTTP   HTTP   `envPrefix:"HTTP_"`
		Log    Log    `envPrefix:"LOG_"`
		Sched  Sched  `envPrefix:"SCHED_"`
		World  World  `envPrefix:"WORLD_"`
		Limits Limits `envPrefix:"LIMITS_"`
	}

	Store struct {
		Dir                string `env:"DIR" envDefault:"./data/tiles"`
		TimestampCacheSize int64  `env:"TIMESTAMP_CACHE" envDefault:"65536"`
		BloomCapacity      uint   `env:"BLOOM_CAPACITY" envDefault:"1048576"`
		NoSync             bool   `env:"NO_SYNC"`
	}

	HTTP struct {
		Addr         string        `env:"ADDR" envDefault:":8017"`
		ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"60s"`
		IdleTimeout  time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	}

	Log struct {
		Level      string `env:"LEVEL" envDefault:"info"`
		File       string `env:"FILE"`
		MaxSizeMB  int    `env:"MAX_SIZE_MB" envDefault:"100"`
		MaxBackups int    `env:"MAX_BACKUPS" envDefault:"3"`
	}

	Sched struct {
		Workers int `env:"WORKERS"` // 0 means one per CPU
	}

	World struct {
		Seed                         uint64 `env:"SEED" envDefault:"1"`
		Rough                        bool   `env:"ROUGH" envDefault:"true"`
		DebugExactGenerationDisabled bool   `env:"DEBUG_EXACT_DISABLED"`
	}

	// Limits are level 0 tile coordinates, inclusive.
	Limits struct {
		Min    []int32 `env:"MIN" envSeparator:"," envDefault:"-64,-4,-64"`
		Max    []int32 `env:"MAX" envSeparator:"," envDefault:"63,3,63"`
		Levels uint8   `env:"LEVELS" envDefault:"8"`
	}
)

// Load reads files (default .env) into the environment, when they exist,
// and parses the configuration.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: Prefix})
	if err != nil {
		return nil, err
	}
	if _, err := cfg.Limits.Box(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Box returns the pyramid limits.
func (l Limits) Box() (tile.BoxLimits, error) {
	if len(l.Min) != 3 || len(l.Max) != 3 {
		return tile.BoxLimits{}, fmt.Errorf("limits: want 3 coordinates, got min %v max %v", l.Min, l.Max)
	}
	if l.Levels == 0 || l.Levels > tile.MaxLevels {
		return tile.BoxLimits{}, fmt.Errorf("limits: levels %d out of range 1..%d", l.Levels, tile.MaxLevels)
	}
	var lo, hi [3]int32
	for i := range lo {
		lo[i], hi[i] = l.Min[i], l.Max[i]
		if lo[i] > hi[i] {
			return tile.BoxLimits{}, fmt.Errorf("limits: min %v exceeds max %v", l.Min, l.Max)
		}
	}
	return tile.NewBoxLimits(lo, hi, l.Levels), nil
}
