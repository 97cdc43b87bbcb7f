package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":8017" || cfg.Store.Dir != "./data/tiles" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.HTTP.ReadTimeout != 30*time.Second {
		t.Fatalf("ReadTimeout = %v, want 30s", cfg.HTTP.ReadTimeout)
	}
	box, err := cfg.Limits.Box()
	if err != nil {
		t.Fatalf("Box: %v", err)
	}
	if box.Levels != 8 || box.Min != [3]int32{-64, -4, -64} {
		t.Fatalf("Box = %+v", box)
	}
}

func TestLoadEnvAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	content := "LODTILES_STORE_DIR=/tmp/tiles\nLODTILES_LIMITS_MAX=7,7,7\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("LODTILES_LIMITS_MAX") })
	t.Setenv("LODTILES_SCHED_WORKERS", "3")
	t.Setenv("LODTILES_LIMITS_MIN", "0,0,0")
	t.Setenv("LODTILES_WORLD_ROUGH", "false")
	// godotenv leaves variables that already exist alone
	t.Setenv("LODTILES_STORE_DIR", "/from/env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Dir != "/from/env" {
		t.Fatalf("Store.Dir = %q, want /from/env", cfg.Store.Dir)
	}
	if cfg.Sched.Workers != 3 || cfg.World.Rough {
		t.Fatalf("cfg = %+v", cfg)
	}
	if diff := cmp.Diff([]int32{7, 7, 7}, cfg.Limits.Max); diff != "" {
		t.Fatalf("Limits.Max mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsBadLimits(t *testing.T) {
	t.Setenv("LODTILES_LIMITS_MIN", "1,2")
	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatalf("Load with two coordinates err = nil")
	}
}

func TestBoxRejectsInvertedRange(t *testing.T) {
	l := Limits{Min: []int32{5, 0, 0}, Max: []int32{4, 1, 1}, Levels: 2}
	if _, err := l.Box(); err == nil {
		t.Fatalf("Box with min > max err = nil")
	}
}
