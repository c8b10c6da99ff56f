package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"

	"github.com/vmparlor/parlor/cmd/api/api"
	"github.com/vmparlor/parlor/cmd/api/config"
	"github.com/vmparlor/parlor/lib/images"
	"github.com/vmparlor/parlor/lib/lifecycle"
	"github.com/vmparlor/parlor/lib/logger"
	"github.com/vmparlor/parlor/lib/metrics"
	mw "github.com/vmparlor/parlor/lib/middleware"
	"github.com/vmparlor/parlor/lib/ports"
	"github.com/vmparlor/parlor/lib/procs"
	"github.com/vmparlor/parlor/lib/profiles"
	"github.com/vmparlor/parlor/lib/registry"
	"github.com/vmparlor/parlor/lib/snapshots"
	"github.com/vmparlor/parlor/lib/supervisor"
	"github.com/vmparlor/parlor/lib/users"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application terminated", "error", err)
		os.Exit(1)
	}
	slog.Info("main() exiting normally")
}

func run() error {
	cfg := config.Load()

	log := logger.New(cfg.LogLevel)
	ctx := logger.AddToContext(context.Background(), log)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.JwtSecret == "" {
		return fmt.Errorf("SECRET_KEY is required")
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	maxInstallerBytes, err := cfg.MaxInstallerBytes()
	if err != nil {
		return fmt.Errorf("invalid MAX_INSTALLER_BYTES %q: %w", cfg.MaxInstallerSize, err)
	}

	table := profiles.Defaults()
	if cfg.ProfilesFile != "" {
		if table, err = profiles.Load(cfg.ProfilesFile); err != nil {
			return fmt.Errorf("load profiles: %w", err)
		}
	}

	paths, err := ports.NewRunPaths(cfg.RunDir)
	if err != nil {
		return fmt.Errorf("prepare run dir: %w", err)
	}
	imgs, err := images.NewManager(table, cfg.SnapshotsDir)
	if err != nil {
		return fmt.Errorf("prepare image manager: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	store := registry.NewStore(rdb)
	store.SetUserScanLimit(cfg.UserScanLimit)

	quota, err := users.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect quota store: %w", err)
	}
	defer quota.Close()

	m := metrics.New()
	procReg := procs.NewRegistry(cfg.StopGrace())

	coord := lifecycle.New(lifecycle.Config{
		Profiles:      table,
		Images:        imgs,
		Hypervisor:    supervisor.New(paths),
		Registry:      store,
		Procs:         procReg,
		Paths:         paths,
		Metrics:       m,
		PublicHost:    cfg.PublicHost,
		ScratchDiskGB: cfg.ScratchDiskGB,
	})

	snapEngine := snapshots.NewEngine(snapshots.EngineConfig{
		SnapshotsDir:   cfg.SnapshotsDir,
		Paths:          paths,
		Registry:       store,
		Quota:          quota,
		Overlays:       imgs,
		BackupDeadline: time.Duration(cfg.BackupDeadlineSec) * time.Second,
	})

	// Entries from a previous run whose hypervisor died are cleaned up
	// before we accept traffic.
	if err := coord.SweepStale(ctx); err != nil {
		log.WarnContext(ctx, "boot sweep failed", "error", err)
	}

	watchdog := metrics.NewWatchdog(metrics.WatchdogConfig{
		Leader:             cfg.WatchdogLeader,
		Interval:           time.Duration(cfg.WatchdogIntervalSec) * time.Second,
		SustainWindow:      time.Duration(cfg.WatchdogSustainSec) * time.Second,
		CPUThresholdPct:    cfg.WatchdogCPUPercent,
		MemThresholdPct:    cfg.WatchdogMemPercent,
		DiskFreeThresholds: diskThresholds(cfg),
	}, m)

	svc := api.New(coord, snapEngine, imgs, cfg.SnapshotsDir, maxInstallerBytes)

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(mw.InjectLogger(log))
	r.Use(mw.AccessLogger)
	r.Handle("/metrics", m.Handler())
	r.Group(func(r chi.Router) {
		r.Use(mw.JwtAuth(cfg.JwtSecret))
		svc.Routes(r)
	})

	server := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.InfoContext(gctx, "http server listening", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := coord.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := watchdog.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(logger.AddToContext(context.Background(), log), cfg.StopGrace())
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WarnContext(shutdownCtx, "http shutdown incomplete", "error", err)
		}
		coord.ShutdownAll(shutdownCtx)
		return nil
	})

	return g.Wait()
}

// diskThresholds expands the comma-separated mount list into per-mount
// minimum free bytes.
func diskThresholds(cfg *config.Config) map[string]uint64 {
	out := make(map[string]uint64)
	minFree := uint64(cfg.WatchdogDiskMinFreeGB) << 30
	for _, mount := range strings.Split(cfg.WatchdogDiskMounts, ",") {
		mount = strings.TrimSpace(mount)
		if mount != "" {
			out[mount] = minFree
		}
	}
	return out
}
