package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"tilecascade/internal/cache"
	"tilecascade/internal/config"
	"tilecascade/internal/dataset"
	httphandlers "tilecascade/internal/http"
	"tilecascade/internal/logger"
	"tilecascade/internal/scheduler"
	"tilecascade/internal/telemetry"
	"tilecascade/internal/tile"
	"tilecascade/internal/tileset"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, log)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(&vips.Config{
		ConcurrencyLevel: cfg.Vips.Concurrency,
		MaxCacheMem:      cfg.Vips.MaxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0,
		MaxCacheSize:     0,
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	})
	defer vips.Shutdown()

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.Vips.MaxCacheMB),
		zap.Int("concurrency", cfg.Vips.Concurrency),
	)

	opts, err := cfg.TilesetOptions()
	if err != nil {
		log.Warn("Ignoring invalid tileset option", zap.Error(err))
	}

	log.Info("Starting tilecascade server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.String("strategy", opts.Strategy.String()),
		zap.Int("max_requests", opts.MaxRequests),
	)

	store, err := cache.NewCache(cfg.Cache, log)
	if err != nil {
		log.Fatal("Failed to initialize cache", zap.Error(err))
	}
	defer store.Close()

	registry := dataset.NewRegistry(cfg.DataDir, store, log)
	if err := registry.Scan(); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}
	registry.RegisterUpstream(cfg.Upstream)

	var schedOpts []scheduler.Option
	if cfg.Scheduler.RateLimit > 0 {
		schedOpts = append(schedOpts, scheduler.WithRateLimit(cfg.Scheduler.RateLimit, cfg.Scheduler.Burst))
	}
	sched := scheduler.New(opts.MaxRequests, schedOpts...)
	defer sched.Close()

	sessions := httphandlers.NewSessions(ctx, registry, opts, sched, log)
	defer sessions.Close()
	handlers := httphandlers.New(cfg, log, registry, sessions, store)

	mux := http.NewServeMux()
	handlers.Routes(mux)
	handler := handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(telemetry.Middleware(mux)))

	if cfg.WarmupLevels > 0 {
		go warmupTiles(ctx, cfg.WarmupLevels, cfg.WarmupWorkers, registry, store, log)
	}
	go expireSessions(ctx, sessions, cfg.SessionIdle, log)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))
	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("Tracer shutdown failed", zap.Error(err))
	}

	log.Info("Server stopped")
}

func expireSessions(ctx context.Context, sessions *httphandlers.Sessions, idle time.Duration, log *zap.Logger) {
	if idle <= 0 {
		return
	}
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.Expire(idle); n > 0 {
				log.Info("Expired idle sessions", zap.Int("count", n))
			}
		}
	}
}

// warmupTiles pushes the coarsest levels of every image dataset through its
// loader so the payload store holds them before the first session asks.
// Tiles the store already holds are skipped.
func warmupTiles(ctx context.Context, levels, workerLimit int, registry *dataset.Registry, store cache.Cache, log *zap.Logger) {
	var images []*dataset.Dataset
	for _, d := range registry.List() {
		if d.Kind == dataset.KindImage {
			images = append(images, d)
		}
	}
	if len(images) == 0 {
		return
	}

	log.Info("Starting tile warmup", zap.Int("levels", levels), zap.Int("images", len(images)))

	if workerLimit <= 0 {
		workerLimit = 1
	}
	workerChan := make(chan struct{}, workerLimit)
	var wg sync.WaitGroup
	skipped := 0

	for _, d := range images {
		warmupZoom := min(levels, d.MaxZoom)
		for z := 0; z <= warmupZoom; z++ {
			span := float64(d.TileSize) * math.Exp2(float64(d.MaxZoom-z))
			tilesX := int(math.Ceil(float64(d.Width) / span))
			tilesY := int(math.Ceil(float64(d.Height) / span))

			for x := 0; x < tilesX; x++ {
				for y := 0; y < tilesY; y++ {
					c := tile.Coordinate{X: x, Y: y, Z: z}
					if ok, err := store.Has(ctx, cache.Key{Dataset: d.ID, Coordinate: c, Format: d.Format}); err == nil && ok {
						skipped++
						continue
					}

					select {
					case workerChan <- struct{}{}:
					case <-ctx.Done():
						wg.Wait()
						return
					}
					wg.Add(1)

					go func(d *dataset.Dataset, c tile.Coordinate) {
						defer wg.Done()
						defer func() { <-workerChan }()

						_, err := d.Loader.Load(ctx, tileset.Request{Coordinate: c, Key: c.Key(), Metadata: d.Metadata(c)})
						if err != nil {
							log.Debug("Warmup tile failed", zap.String("dataset", d.ID), zap.String("tile", c.String()), zap.Error(err))
						}
					}(d, c)
				}
			}
		}
	}

	wg.Wait()
	log.Info("Tile warmup completed", zap.Int("skipped", skipped))
}
