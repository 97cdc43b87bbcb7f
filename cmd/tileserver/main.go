package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/farplane/lodtiles/internal/config"
	"github.com/farplane/lodtiles/internal/demo"
	"github.com/farplane/lodtiles/internal/httpapi"
	"github.com/farplane/lodtiles/internal/logx"
	"github.com/farplane/lodtiles/internal/scale"
	"github.com/farplane/lodtiles/internal/sched"
	"github.com/farplane/lodtiles/internal/store"
	"github.com/farplane/lodtiles/internal/tile"
	"github.com/farplane/lodtiles/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	var (
		// Store
		storeDir = flag.String("store", cfg.Store.Dir, "tile store directory")
		noSync   = flag.Bool("no-sync", cfg.Store.NoSync, "skip fsync on commit")

		// Server
		addr = flag.String("addr", cfg.HTTP.Addr, "listen address")

		// Scheduler
		workers = flag.Int("workers", cfg.Sched.Workers, "scheduler workers (0 = one per CPU)")

		// World
		seed         = flag.Uint64("seed", cfg.World.Seed, "demo world seed")
		rough        = flag.Bool("rough", cfg.World.Rough, "enable rough generation")
		exactDisable = flag.Bool("debug-exact-disabled", cfg.World.DebugExactGenerationDisabled, "never generate exactly from existing source data")
		warm         = flag.Bool("warm", false, "load every top level tile at startup")

		// Logging
		logLevel = flag.String("log-level", cfg.Log.Level, "log level")
		logFile  = flag.String("log-file", cfg.Log.File, "also write JSON logs to this rotated file")
	)
	flag.Parse()

	logger, err := logx.NewLogger(logx.Options{
		Level:      *logLevel,
		File:       *logFile,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}

	limits, err := cfg.Limits.Box()
	if err != nil {
		logger.Fatal().Err(err).Msg("limits")
	}

	reg := demo.NewRegistry()
	st, err := store.Open(store.Config{
		Dir:                *storeDir,
		Token:              store.NewToken(reg),
		Logger:             logger,
		TimestampCacheSize: cfg.Store.TimestampCacheSize,
		BloomCapacity:      cfg.Store.BloomCapacity,
		NoSync:             *noSync,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("open tile store")
	}
	defer st.Close()

	stats := st.Stats()
	logger.Info().
		Str("dir", *storeDir).
		Uint64("positions", stats.Positions).
		Uint64("writes", stats.Writes).
		Msg("tile store loaded")

	world := demo.NewWorld(*seed)
	p := worker.Provider{
		Limits:                       limits,
		World:                        world,
		Exact:                        &demo.ExactGenerator{World: world, Limits: limits},
		Scaler:                       scale.Downsampler{},
		Storage:                      st,
		Registry:                     reg,
		DebugExactGenerationDisabled: *exactDisable,
	}
	if *rough {
		p.Rough = &demo.RoughGenerator{World: world}
	}
	tw, err := worker.New(p, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("create tile worker")
	}
	scheduler := worker.NewScheduler(tw, sched.Config{Workers: *workers, Logger: logger})
	defer scheduler.Close()

	srv := &http.Server{
		Addr: *addr,
		Handler: httpapi.NewRouter(httpapi.Config{
			Logger:    logger,
			Store:     st,
			Scheduler: scheduler,
			Limits:    limits,
			World:     world,
		}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if *warm {
		g.Go(func() error {
			tasks := topLevelTasks(limits)
			start := time.Now()
			if _, err := scheduler.ScatterGather(gctx, tasks); err != nil {
				if gctx.Err() != nil {
					return nil
				}
				logger.Error().Err(err).Msg("warm up failed")
				return nil
			}
			logger.Info().Int("tiles", len(tasks)).Dur("dur", time.Since(start)).Msg("warm up complete")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped")
	}

	scheduler.Close()
	stats = st.Stats()
	logger.Info().
		Uint64("reads", stats.Reads).
		Uint64("writes", stats.Writes).
		Msg("shutdown complete")
}

// topLevelTasks returns a load task for every valid tile of the coarsest level.
func topLevelTasks(limits tile.BoxLimits) []worker.Task {
	level := limits.TopLevel()
	var tasks []worker.Task
	for x := limits.Min[0] >> level; x <= limits.Max[0]>>level; x++ {
		for y := limits.Min[1] >> level; y <= limits.Max[1]>>level; y++ {
			for z := limits.Min[2] >> level; z <= limits.Max[2]>>level; z++ {
				tasks = append(tasks, worker.StageLoad.TaskFor(tile.NewPos(level, x, y, z)))
			}
		}
	}
	return tasks
}
