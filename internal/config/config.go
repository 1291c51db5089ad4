package config

import (
	"log"
	"math"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"tilecascade/internal/refine"
	"tilecascade/internal/tileset"
)

type (
	Config struct {
		Port          int    `env:"PORT" envDefault:"8080"`
		DataDir       string `env:"DATA_DIR" envDefault:"/data"`
		LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
		AllowedOrigin string `env:"ALLOWED_ORIGIN" envDefault:""`

		WarmupLevels  int           `env:"WARMUP_LEVELS" envDefault:"1"`
		WarmupWorkers int           `env:"WARMUP_WORKERS" envDefault:"1"`
		SessionIdle   time.Duration `env:"SESSION_IDLE" envDefault:"15m"`

	// MaxViewportTiles caps how many tiles one viewport request may select.
	MaxViewportTiles int `env:"MAX_VIEWPORT_TILES" envDefault:"1024"`

		Tileset   Tileset   `envPrefix:"TILESET_"`
		Scheduler Scheduler `envPrefix:"SCHEDULER_"`
		Cache     Cache     `envPrefix:"CACHE_"`
		Vips      Vips      `envPrefix:"VIPS_"`
		Upstream  Upstream  `envPrefix:"UPSTREAM_"`
		Telemetry Telemetry `envPrefix:"TELEMETRY_"`
	}

	// Tileset holds the per-session engine budgets. Zoom bounds accept "inf".
	Tileset struct {
		MaxCacheSize     int     `env:"MAX_CACHE_SIZE" envDefault:"0"`
		MaxCacheByteSize int64   `env:"MAX_CACHE_BYTE_SIZE" envDefault:"0"`
		Strategy         string  `env:"STRATEGY" envDefault:"best-available"`
		MinZoom          float64 `env:"MIN_ZOOM" envDefault:"0"`
		MaxZoom          float64 `env:"MAX_ZOOM" envDefault:"+Inf"`
		MaxRequests      int     `env:"MAX_REQUESTS" envDefault:"6"`
	}

	Scheduler struct {
		RateLimit float64 `env:"RATE_LIMIT" envDefault:"0"`
		Burst     int     `env:"BURST" envDefault:"1"`
	}

	Cache struct {
		Type        string        `env:"TYPE" envDefault:"memory"`
		MemoryTiles int           `env:"MEMORY_TILES" envDefault:"2000"`
		FileDir     string        `env:"FILE_DIR"`
		SQLitePath  string        `env:"SQLITE_PATH"`
		RedisAddr   string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
		RedisPass   string        `env:"REDIS_PASSWORD" envDefault:""`
		RedisDB     int           `env:"REDIS_DB" envDefault:"0"`
		RedisTTL    time.Duration `env:"REDIS_TTL" envDefault:"24h"`
	}

	Vips struct {
		MaxCacheMB  int `env:"MAX_CACHE_MB" envDefault:"256"`
		Concurrency int `env:"CONCURRENCY" envDefault:"1"`
	}

	Upstream struct {
		Name     string        `env:"NAME" envDefault:"osm"`
		BaseURL  string        `env:"BASE_URL" envDefault:""`
		Format   string        `env:"FORMAT" envDefault:"png"`
		TileSize int           `env:"TILE_SIZE" envDefault:"256"`
		MaxZoom  int           `env:"MAX_ZOOM" envDefault:"19"`
		Timeout  time.Duration `env:"TIMEOUT" envDefault:"10s"`
	}

	Telemetry struct {
		Enabled        bool   `env:"ENABLED" envDefault:"false"`
		ServiceName    string `env:"SERVICE_NAME" envDefault:"tilecascade"`
		ServiceVersion string `env:"SERVICE_VERSION" envDefault:"1.0.0"`
		Environment    string `env:"ENVIRONMENT" envDefault:"production"`
		OTLPEndpoint   string `env:"OTLP_ENDPOINT" envDefault:"localhost:4317"`
	}
)

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("NOTICE: .env file not found or cannot be loaded: %v\n", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, err
	}

	if cfg.Cache.FileDir == "" {
		cfg.Cache.FileDir = filepath.Join(cfg.DataDir, "cache")
	}
	if cfg.Cache.SQLitePath == "" {
		cfg.Cache.SQLitePath = filepath.Join(cfg.DataDir, "tiles.db")
	}

	return &cfg, nil
}

// TilesetOptions converts the environment settings into engine options.
// Unknown strategies fall back to best-available and NaN zoom bounds are
// dropped; the returned error only describes what was ignored.
func (c *Config) TilesetOptions() (tileset.Options, error) {
	opts := tileset.DefaultOptions()
	opts.MaxCacheSize = c.Tileset.MaxCacheSize
	opts.MaxCacheByteSize = c.Tileset.MaxCacheByteSize
	opts.MaxRequests = c.Tileset.MaxRequests

	if !math.IsNaN(c.Tileset.MinZoom) {
		opts.MinZoom = c.Tileset.MinZoom
	}
	if !math.IsNaN(c.Tileset.MaxZoom) {
		opts.MaxZoom = c.Tileset.MaxZoom
	}

	strategy, err := refine.Parse(c.Tileset.Strategy)
	opts.Strategy = strategy
	return opts, err
}
