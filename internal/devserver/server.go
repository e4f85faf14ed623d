// Package devserver serves synthetic tile pyramids over the HiGlass tile
// API. It backs the transport tests and the demo binary.
package devserver

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soma-tiles/pyramid/internal/cache"
	"github.com/soma-tiles/pyramid/internal/render"
	"github.com/soma-tiles/pyramid/pkg/logger"
	"github.com/soma-tiles/pyramid/pkg/tile"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *Registry
	CORSOrigins []string
	// BasePath prefixes the tile API; "/api/v1" when empty.
	BasePath string
	// Cache keeps encoded tiles; optional.
	Cache    *cache.Manager
	Renderer *render.TileRenderer
	// Gatherer backs /metrics; the default registry when nil.
	Gatherer prometheus.Gatherer
	Logger   logger.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	if cfg.BasePath == "" {
		cfg.BasePath = "/api/v1"
	}
	if cfg.Renderer == nil {
		cfg.Renderer = render.NewTileRenderer(render.Config{TileSize: 256})
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	log := logger.OrNop(cfg.Logger)

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLog(log))
	r.Use(middleware.Recoverer)
	r.Use(tracing)
	r.Use(compressor().Handler)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Accept-Encoding", "Content-Type", "traceparent"},
		MaxAge:         300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Route(cfg.BasePath, func(r chi.Router) {
		r.Get("/tilesets/", tilesetsHandler(cfg.Registry))
		r.Get("/tileset_info/", tilesetInfoHandler(cfg.Registry))
		r.Get("/tiles/", tilesHandler(cfg.Registry, cfg.Cache, log))
	})

	r.Get("/preview/{uid}/{z}/{x}.png", previewHandler(cfg.Registry, cfg.Renderer))
	r.Get("/preview/{uid}/{z}/{x}/{y}.png", previewHandler(cfg.Registry, cfg.Renderer))

	return r
}

// compressor negotiates zstd ahead of gzip for JSON responses.
func compressor() *middleware.Compressor {
	c := middleware.NewCompressor(5, "application/json", "text/plain")
	c.SetEncoder("zstd", func(w io.Writer, level int) io.Writer {
		enc, err := zstd.NewWriter(w,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			return nil
		}
		return enc
	})
	return c
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// tilesetsHandler lists the served tilesets.
func tilesetsHandler(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := make([]map[string]any, 0, len(registry.IDs()))
		for _, uid := range registry.IDs() {
			d := registry.Get(uid)
			datatype := "matrix"
			if d.Kind == "linear" {
				datatype = "vector"
			}
			results = append(results, map[string]any{
				"uuid":     uid,
				"name":     uid,
				"datatype": datatype,
			})
		}
		writeJSON(w, map[string]any{"count": len(results), "results": results})
	}
}

// tilesetInfoHandler answers /tileset_info/?d=uid&d=uid with one entry per
// uid; unknown uids get an error entry.
func tilesetInfoHandler(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uids := r.URL.Query()["d"]
		if len(uids) == 0 {
			http.Error(w, "missing required query param: d", http.StatusBadRequest)
			return
		}
		out := make(map[string]any, len(uids))
		for _, uid := range uids {
			d := registry.Get(uid)
			if d == nil {
				out[uid] = map[string]string{"error": "No such tileset with uid: " + uid}
				continue
			}
			out[uid] = d.Metadata
		}
		writeJSON(w, out)
	}
}

// tilesHandler answers /tiles/?d=id&d=id. Ids the server cannot serve are
// left out of the response.
func tilesHandler(registry *Registry, tc *cache.Manager, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids := r.URL.Query()["d"]
		if len(ids) == 0 {
			http.Error(w, "missing required query param: d", http.StatusBadRequest)
			return
		}

		out := make(map[string]json.RawMessage, len(ids))
		for _, id := range ids {
			if _, dup := out[id]; dup {
				continue
			}
			uid, _, _ := strings.Cut(id, ".")
			d := registry.Get(uid)
			if d == nil {
				continue
			}
			_, addr, _, err := tile.ParseRemoteID(tile.RemoteID(id), d.Metadata.Dims())
			if err != nil || !d.Serves(addr) {
				continue
			}

			key := cache.TileKey(uid, tile.RemoteID(id))
			if tc != nil {
				if b, ok := tc.GetTile(key); ok {
					out[id] = b
					continue
				}
			}
			wt, err := d.encode(addr)
			if err != nil {
				log.Error("failed to encode tile", "id", id, "error", err)
				continue
			}
			b, err := json.Marshal(wt)
			if err != nil {
				log.Error("failed to marshal tile", "id", id, "error", err)
				continue
			}
			if tc != nil {
				if err := tc.SetTile(key, b); err != nil {
					log.Warn("tile not cached", "id", id, "bytes", len(b), "error", err)
				}
			}
			out[id] = b
		}
		writeJSON(w, out)
	}
}

// previewHandler renders a tile as PNG. Query params: cmap, scale.
func previewHandler(registry *Registry, renderer *render.TileRenderer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d := registry.Get(chi.URLParam(r, "uid"))
		if d == nil {
			http.Error(w, "tileset not found", http.StatusNotFound)
			return
		}

		coords := []string{chi.URLParam(r, "z"), chi.URLParam(r, "x")}
		if y := chi.URLParam(r, "y"); y != "" {
			coords = append(coords, y)
		}
		addr, err := tile.ParseAddress(strings.Join(coords, "."))
		if err != nil {
			http.Error(w, "invalid tile coordinates", http.StatusBadRequest)
			return
		}
		if !d.Serves(addr) {
			http.Error(w, "tile out of range", http.StatusNotFound)
			return
		}

		scale := render.Scale(r.URL.Query().Get("scale"))
		if scale == "" {
			scale = render.ScaleLog
		}
		data, err := renderer.Render(d.Tile(addr), r.URL.Query().Get("cmap"), scale)
		if err != nil {
			http.Error(w, "failed to render tile", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Write(data)
	}
}
