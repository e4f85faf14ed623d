package tile

import (
	"fmt"
	"math"
	"sort"

	"github.com/soma-tiles/pyramid/pkg/faults"
)

// Metadata describes one tile pyramid. It is fetched once per dataset and
// never mutated afterwards.
type Metadata struct {
	Name     string    `json:"name,omitempty"`
	MinPos   []float64 `json:"min_pos"`
	MaxPos   []float64 `json:"max_pos"`
	MaxZoom  uint32    `json:"max_zoom"`
	MaxWidth float64   `json:"max_width"`
	TileSize uint32    `json:"tile_size"`
	// Mirror marks matrices stored only above the diagonal.
	Mirror bool `json:"mirror_tiles,omitempty"`
	// Resolutions lists domain units per bin, coarsest first. When set,
	// level i uses Resolutions[i] and tiles are TileSize bins wide.
	Resolutions []float64 `json:"resolutions,omitempty"`
}

const defaultTileSize = 256

// MaxZoomLimit is the deepest level whose tile count fits the uint64
// shifts used for addressing.
const MaxZoomLimit = 62

// Dims is the number of spatial axes (1 or 2).
func (m Metadata) Dims() int { return len(m.MinPos) }

// Validate checks the invariants the addresser relies on.
func (m Metadata) Validate() error {
	if d := len(m.MinPos); d != 1 && d != 2 {
		return faults.New(faults.Addressing, "metadata has %d axes, want 1 or 2", d)
	}
	if len(m.MaxPos) != len(m.MinPos) {
		return faults.New(faults.Addressing, "min_pos has %d axes but max_pos has %d", len(m.MinPos), len(m.MaxPos))
	}
	for i := range m.MinPos {
		if !(m.MaxPos[i] > m.MinPos[i]) {
			return faults.New(faults.Addressing, "axis %d: max_pos %g <= min_pos %g", i, m.MaxPos[i], m.MinPos[i])
		}
	}
	if !(m.MaxWidth > 0) {
		return faults.New(faults.Addressing, "max_width %g must be positive", m.MaxWidth)
	}
	if m.MaxZoom > MaxZoomLimit {
		return faults.New(faults.Addressing, "max_zoom %d exceeds %d", m.MaxZoom, MaxZoomLimit)
	}
	if len(m.Resolutions) == 0 {
		return nil
	}
	if m.TileSize == 0 {
		return faults.New(faults.Addressing, "resolutions need a tile_size")
	}
	if int(m.MaxZoom) >= len(m.Resolutions) {
		return faults.New(faults.Addressing, "max_zoom %d but only %d resolutions", m.MaxZoom, len(m.Resolutions))
	}
	for i, r := range m.Resolutions {
		if !(r > 0) || math.IsInf(r, 0) {
			return faults.New(faults.Addressing, "resolution %d is %g", i, r)
		}
		if i > 0 && r > m.Resolutions[i-1] {
			return faults.New(faults.Addressing, "resolutions not sorted coarsest first at %d", i)
		}
	}
	return nil
}

// Normalize fills fields older tilesets omit: max_width defaults to the
// widest axis and tile_size to 256. Resolutions are sorted coarsest first
// and fix max_zoom to the finest of them.
func (m Metadata) Normalize() Metadata {
	if len(m.Resolutions) > 0 {
		rs := append([]float64(nil), m.Resolutions...)
		sort.Sort(sort.Reverse(sort.Float64Slice(rs)))
		m.Resolutions = rs
		m.MaxZoom = uint32(len(rs) - 1)
	}
	if m.MaxWidth == 0 {
		for i := range m.MinPos {
			if i < len(m.MaxPos) {
				if w := m.MaxPos[i] - m.MinPos[i]; w > m.MaxWidth {
					m.MaxWidth = w
				}
			}
		}
	}
	if m.TileSize == 0 {
		m.TileSize = defaultTileSize
	}
	return m
}

// TileWidth is the domain width of one tile at level.
func (m Metadata) TileWidth(level uint32) float64 {
	if len(m.Resolutions) > 0 {
		return m.Resolutions[level] * float64(m.TileSize)
	}
	return m.MaxWidth / math.Exp2(float64(level))
}

// TileCount is the number of tile positions at level along axis. Binary
// pyramids have 2^level; resolution tilesets have as many as the extent
// needs.
func (m Metadata) TileCount(level uint32, axis int) uint64 {
	if len(m.Resolutions) > 0 {
		extent := m.MaxPos[axis] - m.MinPos[axis]
		return uint64(math.Ceil(extent / m.TileWidth(level)))
	}
	return uint64(1) << level
}

func (m Metadata) String() string {
	return fmt.Sprintf("%s[%v..%v z%d w%g]", m.Name, m.MinPos, m.MaxPos, m.MaxZoom, m.MaxWidth)
}
