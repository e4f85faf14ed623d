// Package config handles configuration loading for the tile dev server and
// the engine it drives.
//
// Values come from a YAML file, then from PYRAMID_* environment variables
// (an optional .env file supplies variables the process environment lacks).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/soma-tiles/pyramid/internal/cache"
	"github.com/soma-tiles/pyramid/pkg/engine"
	"github.com/soma-tiles/pyramid/pkg/faults"
	"github.com/soma-tiles/pyramid/pkg/transport"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PYRAMID_"

// Config represents the full configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Datasets  Datasets        `yaml:"datasets"`
	Engine    EngineConfig    `yaml:"engine" envPrefix:"ENGINE_"`
	Transport TransportConfig `yaml:"transport" envPrefix:"TRANSPORT_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port" env:"PORT"`
	CORSOrigins []string `yaml:"cors_origins" env:"CORS_ORIGINS"`
	// BasePath prefixes the tile API, e.g. "/api/v1".
	BasePath string `yaml:"base_path" env:"BASE_PATH"`
}

// DatasetConfig describes one synthetic tileset served by the dev server.
type DatasetConfig struct {
	Kind     string  `yaml:"kind"` // "matrix" or "linear"
	MaxZoom  uint32  `yaml:"max_zoom"`
	TileSize uint32  `yaml:"tile_size"`
	MaxWidth float64 `yaml:"max_width"`
	DType    string  `yaml:"dtype"` // "float32" or "float16"
	Mirror   bool    `yaml:"mirror"`
	// Resolutions switches the dataset to explicit per-level bin sizes.
	Resolutions []float64 `yaml:"resolutions"`
}

// EngineConfig contains scheduler and cache limits.
type EngineConfig struct {
	DebounceMS       int `yaml:"debounce_ms" env:"DEBOUNCE_MS"`
	MaxDelayMS       int `yaml:"max_delay_ms" env:"MAX_DELAY_MS"`
	MaxBatchSize     int `yaml:"max_batch_size" env:"MAX_BATCH_SIZE"`
	MaxTiles         int `yaml:"max_tiles" env:"MAX_TILES"`
	DecodedCacheSize int `yaml:"decoded_cache_size" env:"DECODED_CACHE_SIZE"`
	MaxStale         int `yaml:"max_stale" env:"MAX_STALE"`
}

// TransportConfig contains HTTP client and cache settings.
type TransportConfig struct {
	TimeoutSeconds     int `yaml:"timeout_seconds" env:"TIMEOUT_SECONDS"`
	RawCacheMB         int `yaml:"raw_cache_mb" env:"RAW_CACHE_MB"`
	RawCacheTTLMinutes int `yaml:"raw_cache_ttl_minutes" env:"RAW_CACHE_TTL_MINUTES"`
	InfoCacheSize      int `yaml:"info_cache_size" env:"INFO_CACHE_SIZE"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
}

// Datasets keeps dataset entries in file order.
type Datasets struct {
	order []string
	byID  map[string]DatasetConfig
}

// UnmarshalYAML reads a mapping of dataset id to settings, keeping order.
func (d *Datasets) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("datasets: expected a mapping, got %v", node.Tag)
	}
	d.order = nil
	d.byID = make(map[string]DatasetConfig, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var ds DatasetConfig
		if err := node.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("dataset %q: %w", id, err)
		}
		d.Set(id, ds)
	}
	return nil
}

// Set adds or replaces a dataset.
func (d *Datasets) Set(id string, ds DatasetConfig) {
	if d.byID == nil {
		d.byID = make(map[string]DatasetConfig)
	}
	if _, ok := d.byID[id]; !ok {
		d.order = append(d.order, id)
	}
	d.byID[id] = ds
}

// Get returns a dataset by id.
func (d Datasets) Get(id string) (DatasetConfig, bool) {
	ds, ok := d.byID[id]
	return ds, ok
}

// IDs returns dataset ids in file order.
func (d Datasets) IDs() []string {
	return append([]string(nil), d.order...)
}

// Len is the number of datasets.
func (d Datasets) Len() int { return len(d.order) }

// Sources lists where overrides come from.
type Sources struct {
	// DotEnv is an optional dotenv file; a missing file is ignored.
	DotEnv string
	// Environ is the process environment in KEY=VALUE form.
	Environ []string
}

// Load reads configuration from a YAML file and applies overrides from the
// process environment and ./.env.
func Load(path string) (*Config, error) {
	return LoadWith(path, Sources{DotEnv: ".env", Environ: os.Environ()})
}

// LoadWith is Load with explicit override sources.
func LoadWith(path string, src Sources) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// Missing file means defaults.
	case err != nil:
		return nil, faults.Wrap(faults.Config, err, "read %s", path)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, faults.Wrap(faults.Config, err, "parse %s", path)
		}
	}

	vars, err := environment(src)
	if err != nil {
		return nil, err
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix, Environment: vars}); err != nil {
		return nil, faults.Wrap(faults.Config, err, "environment overrides")
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func environment(src Sources) (map[string]string, error) {
	vars := make(map[string]string)
	if src.DotEnv != "" {
		dot, err := godotenv.Read(src.DotEnv)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, faults.Wrap(faults.Config, err, "read %s", src.DotEnv)
		default:
			for k, v := range dot {
				vars[k] = v
			}
		}
	}
	for _, kv := range src.Environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	return vars, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:        8989,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:8080"},
			BasePath:    "/api/v1",
		},
		Engine: EngineConfig{
			DebounceMS:       100,
			MaxDelayMS:       400,
			MaxBatchSize:     20,
			MaxTiles:         256,
			DecodedCacheSize: 512,
			MaxStale:         1024,
		},
		Transport: TransportConfig{
			TimeoutSeconds:     30,
			RawCacheMB:         64,
			RawCacheTTLMinutes: 10,
			InfoCacheSize:      128,
		},
		Log: LogConfig{Level: "info"},
	}
	cfg.Datasets.Set("matrix", DatasetConfig{Kind: "matrix", MaxZoom: 6, TileSize: 256, DType: "float16", Mirror: true})
	cfg.Datasets.Set("linear", DatasetConfig{Kind: "linear", MaxZoom: 8, TileSize: 256, DType: "float32"})
	applyDatasetDefaults(&cfg.Datasets)
	return cfg
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.BasePath == "" {
		cfg.Server.BasePath = defaults.Server.BasePath
	}
	cfg.Server.BasePath = "/" + strings.Trim(cfg.Server.BasePath, "/")

	if cfg.Datasets.Len() == 0 {
		cfg.Datasets = defaults.Datasets
	}
	applyDatasetDefaults(&cfg.Datasets)

	e, de := &cfg.Engine, defaults.Engine
	if e.DebounceMS == 0 {
		e.DebounceMS = de.DebounceMS
	}
	if e.MaxDelayMS == 0 {
		e.MaxDelayMS = de.MaxDelayMS
	}
	if e.MaxBatchSize == 0 {
		e.MaxBatchSize = de.MaxBatchSize
	}
	if e.MaxTiles == 0 {
		e.MaxTiles = de.MaxTiles
	}
	if e.DecodedCacheSize == 0 {
		e.DecodedCacheSize = de.DecodedCacheSize
	}
	if e.MaxStale == 0 {
		e.MaxStale = de.MaxStale
	}

	t, dt := &cfg.Transport, defaults.Transport
	if t.TimeoutSeconds == 0 {
		t.TimeoutSeconds = dt.TimeoutSeconds
	}
	if t.RawCacheMB == 0 {
		t.RawCacheMB = dt.RawCacheMB
	}
	if t.RawCacheTTLMinutes == 0 {
		t.RawCacheTTLMinutes = dt.RawCacheTTLMinutes
	}
	if t.InfoCacheSize == 0 {
		t.InfoCacheSize = dt.InfoCacheSize
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
}

func applyDatasetDefaults(d *Datasets) {
	for _, id := range d.order {
		ds := d.byID[id]
		if ds.Kind == "" {
			ds.Kind = "matrix"
		}
		if ds.TileSize == 0 {
			ds.TileSize = 256
		}
		if n := len(ds.Resolutions); n > 0 {
			ds.MaxZoom = uint32(n - 1)
		} else if ds.MaxZoom == 0 {
			ds.MaxZoom = 4
		}
		if ds.DType == "" {
			ds.DType = "float32"
		}
		if ds.MaxWidth == 0 {
			ds.MaxWidth = float64(uint64(ds.TileSize) << ds.MaxZoom)
		}
		d.byID[id] = ds
	}
}

// Validate checks values defaults cannot repair.
func (c *Config) Validate() error {
	for _, id := range c.Datasets.IDs() {
		ds, _ := c.Datasets.Get(id)
		switch ds.Kind {
		case "matrix", "linear":
		default:
			return faults.New(faults.Config, "dataset %q: unknown kind %q", id, ds.Kind)
		}
		switch ds.DType {
		case "float32", "float16":
		default:
			return faults.New(faults.Config, "dataset %q: unknown dtype %q", id, ds.DType)
		}
		if ds.Mirror && ds.Kind != "matrix" {
			return faults.New(faults.Config, "dataset %q: mirror needs kind matrix", id)
		}
		if ds.MaxZoom > 30 {
			return faults.New(faults.Config, "dataset %q: max_zoom %d too deep", id, ds.MaxZoom)
		}
	}
	if c.Engine.MaxBatchSize < 0 || c.Engine.DecodedCacheSize < 0 {
		return faults.New(faults.Config, "engine sizes must not be negative")
	}
	return nil
}

// EngineOptions converts the engine section. The caller supplies the
// transport, logger and metrics.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		Debounce:     time.Duration(c.Engine.DebounceMS) * time.Millisecond,
		MaxDelay:     time.Duration(c.Engine.MaxDelayMS) * time.Millisecond,
		MaxBatchSize: c.Engine.MaxBatchSize,
		MaxTiles:     c.Engine.MaxTiles,
		MaxStale:     c.Engine.MaxStale,
	}
}

// CacheConfig converts the transport cache settings.
func (c *Config) CacheConfig() cache.Config {
	return cache.Config{
		TileCacheSizeMB: c.Transport.RawCacheMB,
		TileTTL:         time.Duration(c.Transport.RawCacheTTLMinutes) * time.Minute,
		InfoCacheSize:   c.Transport.InfoCacheSize,
	}
}

// TransportOptions converts the transport section. The cache, logger and
// metrics are left for the caller.
func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		Timeout: time.Duration(c.Transport.TimeoutSeconds) * time.Second,
	}
}
