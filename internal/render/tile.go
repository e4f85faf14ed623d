// Package render draws PNG previews of decoded tiles using fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/soma-tiles/pyramid/pkg/colormap"
	"github.com/soma-tiles/pyramid/pkg/decode"
)

// Scale selects how values are normalized before color mapping.
type Scale string

const (
	ScaleLinear Scale = "linear"
	ScaleLog    Scale = "log"
)

// Config contains renderer configuration.
type Config struct {
	TileSize        int
	DefaultColormap string
}

// TileRenderer renders previews of decoded tiles.
type TileRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
}

// NewTileRenderer creates a new tile renderer.
func NewTileRenderer(cfg Config) *TileRenderer {
	if cfg.TileSize <= 0 {
		cfg.TileSize = 256
	}
	if _, ok := colormap.Lookup(cfg.DefaultColormap); !ok {
		cfg.DefaultColormap = "fall"
	}
	return &TileRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.TileSize, cfg.TileSize)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// Render draws t as a heatmap (two-dimensional shape) or a bar profile
// (one-dimensional shape). Tiles without dense values render empty.
func (r *TileRenderer) Render(t *decode.Tile, colormapName string, scale Scale) ([]byte, error) {
	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.White)
	dc.Clear()

	if t == nil || len(t.Dense) == 0 {
		return r.encodeContext(dc)
	}

	cmap, ok := colormap.Lookup(colormapName)
	if !ok {
		cmap, _ = colormap.Lookup(r.config.DefaultColormap)
	}
	norm := normalizer(t, scale)

	switch len(t.Shape) {
	case 2:
		if err := r.drawMatrix(dc, t, cmap, norm); err != nil {
			return nil, err
		}
	default:
		r.drawProfile(dc, t.Dense, cmap, norm)
	}
	return r.encodeContext(dc)
}

func (r *TileRenderer) drawMatrix(dc *gg.Context, t *decode.Tile, cmap colormap.Colormap, norm func(float32) float64) error {
	rows, cols := t.Shape[0], t.Shape[1]
	if rows <= 0 || cols <= 0 || rows*cols > len(t.Dense) {
		return fmt.Errorf("shape %v does not fit %d values", t.Shape, len(t.Dense))
	}

	tileSize := float64(r.config.TileSize)
	cellW := tileSize / float64(cols)
	cellH := tileSize / float64(rows)

	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := t.Dense[i*cols+j]
			if math.IsNaN(float64(v)) {
				continue
			}
			dc.SetColor(cmap.At(norm(v)))
			// Fill the entire cell area (tile-like rendering).
			dc.DrawRectangle(float64(j)*cellW, float64(i)*cellH, cellW, cellH)
			dc.Fill()
		}
	}
	return nil
}

func (r *TileRenderer) drawProfile(dc *gg.Context, values []float32, cmap colormap.Colormap, norm func(float32) float64) {
	tileSize := float64(r.config.TileSize)
	barW := tileSize / float64(len(values))

	for i, v := range values {
		if math.IsNaN(float64(v)) {
			continue
		}
		n := norm(v)
		h := n * tileSize
		dc.SetColor(cmap.At(n))
		dc.DrawRectangle(float64(i)*barW, tileSize-h, barW, h)
		dc.Fill()
	}
}

// normalizer maps values into [0, 1] from the tile's own extrema. The log
// scale uses the smallest non-zero value as its floor.
func normalizer(t *decode.Tile, scale Scale) func(float32) float64 {
	lo, hi := float64(t.Min), float64(t.Max)
	if scale == ScaleLog && t.HasNonZero && t.MinNonZero > 0 {
		lo, hi = math.Log(float64(t.MinNonZero)), math.Log(float64(t.Max))
		span := hi - lo
		return func(v float32) float64 {
			if v <= 0 {
				return 0
			}
			if span == 0 {
				return 1
			}
			return (math.Log(float64(v)) - lo) / span
		}
	}
	span := hi - lo
	if span == 0 {
		span = 1
	}
	return func(v float32) float64 { return (float64(v) - lo) / span }
}

func (r *TileRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	// Use fast PNG encoder
	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
