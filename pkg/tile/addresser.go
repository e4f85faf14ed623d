// Package tile computes which pyramid tiles cover a viewport. Everything
// here is a pure function of the viewport scales and the tileset metadata.
package tile

import (
	"math"

	"github.com/soma-tiles/pyramid/pkg/faults"
	"github.com/soma-tiles/pyramid/pkg/viewport"
)

// ReferenceTilePixels sits between the two common tile sizes (256 and 512)
// so neither is favoured when picking a level.
const ReferenceTilePixels = 384

// Edge tolerance subtracted from the right domain bound so a bound that
// lands exactly on a tile edge does not pull in the next tile.
const edgeEpsilon = 1e-7

// ZoomLevelFor picks the pyramid level for a domain drawn across pixels
// screen pixels on the given axis. The result is clamped to
// [0, md.MaxZoom].
func ZoomLevelFor(domain [2]float64, pixels float64, md Metadata, axis int) uint32 {
	if len(md.Resolutions) > 0 {
		return resolutionLevel(domain, pixels, md)
	}
	extent := md.MaxPos[axis] - md.MinPos[axis]
	width := math.Abs(domain[1] - domain[0])

	zoomScale := math.Max(1, extent/width)
	added := 0.0
	if pixels > 0 {
		added = math.Max(0, math.Ceil(math.Log2(pixels/ReferenceTilePixels)))
	}

	level := math.Round(math.Log2(zoomScale)) + added
	switch {
	case math.IsNaN(level) || level < 0:
		return 0
	case level > float64(md.MaxZoom):
		return md.MaxZoom
	}
	return uint32(level)
}

// resolutionLevel picks the finest resolution that still gives each bin at
// least one pixel, or 0 when none does.
func resolutionLevel(domain [2]float64, pixels float64, md Metadata) uint32 {
	width := math.Abs(domain[1] - domain[0])
	level := uint32(0)
	for i, r := range md.Resolutions[:md.MaxZoom+1] {
		if width/r/pixels < 1 {
			level = uint32(i)
		}
	}
	return level
}

// TilesCovering returns the contiguous, strictly increasing tile positions
// at level whose spans cover domain on the given axis.
func TilesCovering(level uint32, domain [2]float64, md Metadata, axis int) []uint32 {
	lo, hi := coveringRange(level, domain, md, axis)
	if hi <= lo {
		return nil
	}
	out := make([]uint32, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, uint32(i))
	}
	return out
}

func coveringRange(level uint32, domain [2]float64, md Metadata, axis int) (int64, int64) {
	d0, d1 := domain[0], domain[1]
	if d1 < d0 {
		d0, d1 = d1, d0
	}
	tw := md.TileWidth(level)
	n := float64(md.TileCount(level, axis))

	lo := math.Floor((d0 - md.MinPos[axis]) / tw)
	hi := math.Ceil((d1 - md.MinPos[axis] - edgeEpsilon) / tw)
	if math.IsNaN(lo) || math.IsNaN(hi) {
		return 0, 0
	}
	lo = math.Min(math.Max(0, lo), n)
	hi = math.Min(math.Max(0, hi), n)
	if lo >= hi {
		return 0, 0
	}
	return int64(lo), int64(hi)
}

// Coverage is the outcome of addressing one viewport.
type Coverage struct {
	Zoom uint32
	// Wanted is the level the viewport asked for before the tile ceiling
	// was applied.
	Wanted uint32
	Axes   [][]uint32
	Refs   []Ref
}

// Clamped reports whether the tile ceiling forced a coarser level.
func (c Coverage) Clamped() bool { return c.Zoom != c.Wanted }

// Cover computes the refs a strategy needs for the given visible scales.
// For matrices the level is the finer of the two axes, or the coarser when
// the tileset lists resolutions. When more than
// maxTiles refs would be needed the level is lowered until they fit; a
// non-positive maxTiles disables the ceiling.
func Cover(x, y viewport.Scale, md Metadata, s Strategy, maxTiles int) (Coverage, error) {
	if err := md.Validate(); err != nil {
		return Coverage{}, err
	}
	dims := s.Dims()
	if md.Dims() < dims {
		return Coverage{}, faults.New(faults.Addressing, "%d-d strategy on %d-d tileset", dims, md.Dims())
	}
	if x.Degenerate() || (dims == 2 && y.Degenerate()) {
		return Coverage{}, faults.New(faults.Addressing, "degenerate viewport x=%v y=%v", x, y)
	}

	scales := []viewport.Scale{x, y}[:dims]
	level := uint32(0)
	for axis, sc := range scales {
		z := ZoomLevelFor(sc.Domain, sc.Pixels(), md, axis)
		switch {
		case axis == 0:
			level = z
		case len(md.Resolutions) > 0 && z < level:
			level = z
		case len(md.Resolutions) == 0 && z > level:
			level = z
		}
	}

	cov := Coverage{Wanted: level}
	for maxTiles > 0 && level > 0 {
		count := 1.0
		for axis, sc := range scales {
			lo, hi := coveringRange(level, sc.Domain, md, axis)
			count *= float64(hi - lo)
		}
		if count <= float64(maxTiles) {
			break
		}
		level--
	}

	axes := make([][]uint32, dims)
	for axis, sc := range scales {
		axes[axis] = TilesCovering(level, sc.Domain, md, axis)
	}
	cov.Zoom = level
	cov.Axes = axes
	cov.Refs = s.Refs(level, axes)
	return cov, nil
}

// CapacityError describes a clamp for logging.
func (c Coverage) CapacityError(maxTiles int) error {
	if !c.Clamped() {
		return nil
	}
	return faults.New(faults.Capacity, "level %d exceeds %d tiles, clamped to %d", c.Wanted, maxTiles, c.Zoom)
}
