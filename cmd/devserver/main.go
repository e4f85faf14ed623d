// Package main runs the synthetic tile server and, with -drive, runs the
// fetch engine against it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/soma-tiles/pyramid/internal/cache"
	"github.com/soma-tiles/pyramid/internal/config"
	"github.com/soma-tiles/pyramid/internal/devserver"
	"github.com/soma-tiles/pyramid/internal/render"
	"github.com/soma-tiles/pyramid/pkg/decode"
	"github.com/soma-tiles/pyramid/pkg/engine"
	"github.com/soma-tiles/pyramid/pkg/fetch"
	"github.com/soma-tiles/pyramid/pkg/logger"
	"github.com/soma-tiles/pyramid/pkg/metrics"
	"github.com/soma-tiles/pyramid/pkg/transport"
	"github.com/soma-tiles/pyramid/pkg/viewport"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/devserver.yaml", "Path to configuration file")
	drive := flag.Bool("drive", false, "Zoom through every dataset with the fetch engine after startup")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zl, err := logger.NewZap(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zl.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Server-side cache of encoded tiles
	serverCache, err := cache.NewManager(cache.Config{
		TileCacheSizeMB: cfg.Transport.RawCacheMB,
		TileTTL:         time.Duration(cfg.Transport.RawCacheTTLMinutes) * time.Minute,
	})
	if err != nil {
		zl.Error("Failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer serverCache.Close()
	reg.MustRegister(devserver.NewCacheCollector(serverCache))

	registry, err := devserver.RegistryFromConfig(cfg.Datasets)
	if err != nil {
		zl.Error("Failed to build datasets", "error", err)
		os.Exit(1)
	}
	for _, uid := range registry.IDs() {
		md := registry.Get(uid).Metadata
		zl.Info("Serving dataset", "uid", uid, "dims", md.Dims(), "max_zoom", md.MaxZoom, "max_width", md.MaxWidth, "mirror", md.Mirror)
	}

	router := devserver.NewRouter(devserver.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		BasePath:    cfg.Server.BasePath,
		Cache:       serverCache,
		Renderer:    render.NewTileRenderer(render.Config{TileSize: 256}),
		Gatherer:    reg,
		Logger:      zl,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		zl.Info("Server listening", "addr", fmt.Sprintf("http://localhost:%d", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *drive {
		source := fetch.SourceID(fmt.Sprintf("http://localhost:%d%s", cfg.Server.Port, cfg.Server.BasePath))
		go func() {
			if err := runDrive(ctx, cfg, source, registry, zl, m); err != nil {
				zl.Error("Drive failed", "error", err)
			}
		}()
	}

	// Wait for interrupt signal
	<-ctx.Done()
	zl.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Error("Server forced to shutdown", "error", err)
	}

	zl.Info("Server stopped")
}

// runDrive opens one track per dataset and zooms in step by step, logging
// every change the engine reports.
func runDrive(ctx context.Context, cfg *config.Config, source fetch.SourceID, registry *devserver.Registry, zl *logger.ZapLogger, m *metrics.Metrics) error {
	clientCache, err := cache.NewManager(cfg.CacheConfig())
	if err != nil {
		return err
	}
	defer clientCache.Close()

	session := uuid.New()
	topts := cfg.TransportOptions()
	topts.SessionID = session
	topts.Cache = clientCache
	topts.Logger = zl.With("component", "transport")
	topts.Metrics = m
	tr, err := transport.New(topts)
	if err != nil {
		return err
	}
	defer tr.Close()

	var width float64
	for _, uid := range registry.IDs() {
		width = max(width, registry.Get(uid).Metadata.MaxWidth)
	}
	scale := viewport.NewScale([2]float64{0, width}, [2]float64{0, 800})

	eopts := cfg.EngineOptions()
	eopts.Transport = tr
	eopts.SessionID = session
	eopts.Logger = zl.With("component", "engine")
	eopts.Metrics = m
	e, err := engine.New(scale, scale, eopts)
	if err != nil {
		return err
	}
	defer e.Close()

	decoded, err := decode.NewCache(cfg.Engine.DecodedCacheSize)
	if err != nil {
		return err
	}
	for _, uid := range registry.IDs() {
		_, err := e.AddTrack(engine.TrackConfig{
			ID:         uid,
			Source:     source,
			TilesetUID: uid,
			Decoded:    decoded,
			OnChange: func(c engine.Change) {
				zl.Info("Track changed",
					"track", c.Track.ID(),
					"generation", c.Generation,
					"ready_changed", c.ReadyChanged,
					"all_loaded", c.AllLoaded,
					"retired", len(c.Retired),
					"failed", len(c.Failed),
					"error", c.Err,
				)
			},
		})
		if err != nil {
			return err
		}
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for k := 1.0; k <= 64; k *= 2 {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		// Zoom about the centre of the view.
		shift := -400 * (k - 1)
		if err := e.SetTransform(k, shift, shift); err != nil {
			return err
		}
		zl.Info("Zoomed", "k", k, "in_flight", e.InFlight())
	}
	return nil
}
