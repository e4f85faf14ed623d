package devserver

import (
	"fmt"
	"math"

	"github.com/soma-tiles/pyramid/internal/config"
	"github.com/soma-tiles/pyramid/pkg/decode"
	"github.com/soma-tiles/pyramid/pkg/tile"
)

// Dataset is a synthetic tileset computed on demand.
type Dataset struct {
	UID      string
	Kind     string
	DType    string
	Metadata tile.Metadata
}

// NewDataset builds a dataset from its config entry.
func NewDataset(uid string, cfg config.DatasetConfig) (*Dataset, error) {
	md := tile.Metadata{
		Name:     uid,
		MaxZoom:  cfg.MaxZoom,
		MaxWidth: cfg.MaxWidth,
		TileSize: cfg.TileSize,
	}
	if len(cfg.Resolutions) > 0 {
		md.Resolutions = cfg.Resolutions
	}
	switch cfg.Kind {
	case "linear":
		md.MinPos, md.MaxPos = []float64{0}, []float64{cfg.MaxWidth}
	case "matrix":
		md.MinPos, md.MaxPos = []float64{0, 0}, []float64{cfg.MaxWidth, cfg.MaxWidth}
		md.Mirror = cfg.Mirror
	default:
		return nil, fmt.Errorf("dataset %q: unknown kind %q", uid, cfg.Kind)
	}
	md = md.Normalize()
	if err := md.Validate(); err != nil {
		return nil, err
	}
	return &Dataset{UID: uid, Kind: cfg.Kind, DType: cfg.DType, Metadata: md}, nil
}

// Serves reports whether addr exists in the pyramid. Mirrored matrices only
// store tiles on or above the diagonal.
func (d *Dataset) Serves(addr tile.Address) bool {
	if int(addr.Dims) != d.Metadata.Dims() || addr.Zoom > d.Metadata.MaxZoom {
		return false
	}
	if uint64(addr.X) >= d.Metadata.TileCount(addr.Zoom, 0) ||
		(addr.Dims == 2 && uint64(addr.Y) >= d.Metadata.TileCount(addr.Zoom, 1)) {
		return false
	}
	if d.Metadata.Mirror && addr.X > addr.Y {
		return false
	}
	return true
}

// Values computes the dense values of a tile in row-major order along with
// its shape. Linear tiles are a smooth signal; matrix tiles decay away from
// the diagonal like a contact map.
func (d *Dataset) Values(addr tile.Address) ([]float32, []int) {
	size := int(d.Metadata.TileSize)
	tw := d.Metadata.TileWidth(addr.Zoom)
	bin := tw / float64(size)
	width := d.Metadata.MaxWidth

	if d.Kind == "linear" {
		out := make([]float32, size)
		for i := range out {
			pos := float64(addr.X)*tw + (float64(i)+0.5)*bin
			out[i] = float32(1.5 + math.Sin(pos/width*16*math.Pi) + 0.5*math.Sin(pos/width*97*math.Pi))
		}
		return out, []int{size}
	}

	// Rows follow the y axis, columns the x axis.
	out := make([]float32, size*size)
	for i := 0; i < size; i++ {
		py := float64(addr.Y)*tw + (float64(i)+0.5)*bin
		for j := 0; j < size; j++ {
			px := float64(addr.X)*tw + (float64(j)+0.5)*bin
			dist := math.Abs(px-py) / width * 1000
			out[i*size+j] = float32(bin * 100 / (1 + dist))
		}
	}
	return out, []int{size, size}
}

// Tile is the decoded form of a tile, used for previews.
func (d *Dataset) Tile(addr tile.Address) *decode.Tile {
	values, shape := d.Values(addr)
	t := &decode.Tile{
		TilesetUID: d.UID,
		Address:    addr,
		Dense:      values,
		Shape:      shape,
		DType:      d.DType,
	}
	t.Min, t.Max, t.MinNonZero, t.MaxNonZero, t.HasNonZero = decode.Extrema(values)
	return t
}

// wireTile is one entry of a tiles response.
type wireTile struct {
	Dense    string  `json:"dense"`
	DType    string  `json:"dtype"`
	Shape    []int   `json:"shape"`
	MinValue float32 `json:"min_value"`
	MaxValue float32 `json:"max_value"`
}

func (d *Dataset) encode(addr tile.Address) (wireTile, error) {
	values, shape := d.Values(addr)
	dense, err := decode.EncodeDense(values, d.DType)
	if err != nil {
		return wireTile{}, err
	}
	lo, hi, _, _, _ := decode.Extrema(values)
	return wireTile{Dense: dense, DType: d.DType, Shape: shape, MinValue: lo, MaxValue: hi}, nil
}

// Registry holds the datasets served, in config order.
type Registry struct {
	datasets map[string]*Dataset
	order    []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{datasets: make(map[string]*Dataset)}
}

// RegistryFromConfig builds every configured dataset.
func RegistryFromConfig(ds config.Datasets) (*Registry, error) {
	r := NewRegistry()
	for _, id := range ds.IDs() {
		cfg, _ := ds.Get(id)
		d, err := NewDataset(id, cfg)
		if err != nil {
			return nil, err
		}
		r.Register(d)
	}
	return r, nil
}

// Register adds a dataset.
func (r *Registry) Register(d *Dataset) {
	if _, ok := r.datasets[d.UID]; !ok {
		r.order = append(r.order, d.UID)
	}
	r.datasets[d.UID] = d
}

// Get returns a dataset, or nil if not found.
func (r *Registry) Get(uid string) *Dataset {
	return r.datasets[uid]
}

// IDs returns dataset uids in registration order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.order...)
}
