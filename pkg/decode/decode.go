// Package decode turns raw tile payloads into typed value buffers and
// memoizes the result in a bounded cache.
package decode

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/soma-tiles/pyramid/pkg/faults"
	"github.com/soma-tiles/pyramid/pkg/lru"
	"github.com/soma-tiles/pyramid/pkg/metrics"
	"github.com/soma-tiles/pyramid/pkg/tile"
)

// Values closer to zero than this are ignored by the non-zero extrema.
const nonZeroEpsilon = 1e-6

// Tile is a decoded payload.
type Tile struct {
	Remote     tile.RemoteID
	TilesetUID string
	Address    tile.Address

	// Dense holds row-major values for dense tiles; nil otherwise.
	Dense []float32
	Shape []int
	DType string

	Min, Max               float32
	MinNonZero, MaxNonZero float32
	HasNonZero             bool

	// Raw is the JSON body of tiles that carry no dense array
	// (annotations, bed-like intervals).
	Raw json.RawMessage
}

// Bytes approximates the memory a decoded tile pins.
func (t *Tile) Bytes() int {
	return len(t.Dense)*4 + len(t.Raw)
}

type wireTile struct {
	Dense *string `json:"dense"`
	DType string  `json:"dtype"`
	Shape []int   `json:"shape"`
	Error string  `json:"error"`
}

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	gzipMagic = []byte{0x1f, 0x8b}
)

// Key identifies a decoded tile. Remote ids are only unique per source, so
// one memo cache can be shared by tracks reading different servers.
type Key struct {
	Source string
	Remote tile.RemoteID
}

// Cache memoizes decoded tiles.
type Cache = lru.Cache[Key, *Tile]

// NewCache creates a memo cache holding up to capacity tiles.
func NewCache(capacity int) (*Cache, error) {
	return lru.New[Key, *Tile](capacity)
}

// Decoder decodes payloads from one source. With a cache it decodes each
// remote id once.
type Decoder struct {
	source  string
	cache   *Cache
	metrics *metrics.Metrics
	zstd    *zstd.Decoder
}

// NewDecoder creates a decoder for payloads from source. cache and m may
// be nil.
func NewDecoder(source string, cache *Cache, m *metrics.Metrics) (*Decoder, error) {
	zd, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Decoder{source: source, cache: cache, metrics: m, zstd: zd}, nil
}

// Close releases the zstd decoder.
func (d *Decoder) Close() {
	d.zstd.Close()
}

// Cache returns the memo cache, which may be nil.
func (d *Decoder) Cache() *Cache {
	return d.cache
}

// Decode returns the decoded form of raw, the payload for remote. dims is
// the number of coordinates in the remote id.
func (d *Decoder) Decode(remote tile.RemoteID, dims int, raw []byte) (*Tile, error) {
	if d.cache != nil {
		if t, ok := d.cache.Get(Key{Source: d.source, Remote: remote}); ok {
			d.metrics.DecodedLookup(true)
			return t, nil
		}
		d.metrics.DecodedLookup(false)
	}

	t, err := d.decode(remote, dims, raw)
	if err != nil {
		return nil, err
	}
	if d.cache != nil {
		d.cache.Put(Key{Source: d.source, Remote: remote}, t)
	}
	return t, nil
}

// Forget drops remote from the memo cache.
func (d *Decoder) Forget(remote tile.RemoteID) {
	if d.cache != nil {
		d.cache.Remove(Key{Source: d.source, Remote: remote})
	}
}

func (d *Decoder) decode(remote tile.RemoteID, dims int, raw []byte) (*Tile, error) {
	body, err := d.decompress(raw)
	if err != nil {
		return nil, faults.Wrap(faults.Transport, err, "decompress %s", remote)
	}

	uid, addr, _, err := tile.ParseRemoteID(remote, dims)
	if err != nil {
		return nil, faults.Wrap(faults.Transport, err, "tile id")
	}
	t := &Tile{Remote: remote, TilesetUID: uid, Address: addr}

	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		// Arrays and scalars are opaque to the engine.
		t.Raw = json.RawMessage(body)
		return t, nil
	}

	var w wireTile
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, faults.Wrap(faults.Transport, err, "malformed payload for %s", remote)
	}
	if w.Error != "" {
		return nil, faults.New(faults.Transport, "server error for %s: %s", remote, w.Error)
	}
	if w.Dense == nil {
		t.Raw = json.RawMessage(body)
		return t, nil
	}

	values, err := DenseValues(*w.Dense, w.DType)
	if err != nil {
		return nil, faults.Wrap(faults.Transport, err, "dense payload for %s", remote)
	}
	t.Dense = values
	t.Shape = w.Shape
	t.DType = w.DType
	if t.DType == "" {
		t.DType = "float32"
	}
	t.Min, t.Max, t.MinNonZero, t.MaxNonZero, t.HasNonZero = Extrema(values)
	return t, nil
}

func (d *Decoder) decompress(raw []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(raw, zstdMagic):
		return d.zstd.DecodeAll(raw, nil)
	case bytes.HasPrefix(raw, gzipMagic):
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	}
	return raw, nil
}

// DenseValues decodes a base64 little-endian float16 or float32 buffer.
func DenseValues(b64, dtype string) ([]float32, error) {
	buf, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}

	switch dtype {
	case "float16":
		if len(buf)%2 != 0 {
			return nil, fmt.Errorf("float16 buffer has odd length %d", len(buf))
		}
		out := make([]float32, len(buf)/2)
		for i := range out {
			out[i] = HalfToFloat32(binary.LittleEndian.Uint16(buf[i*2:]))
		}
		return out, nil
	case "", "float32":
		if len(buf)%4 != 0 {
			return nil, fmt.Errorf("float32 buffer length %d is not a multiple of 4", len(buf))
		}
		out := make([]float32, len(buf)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported dtype %q", dtype)
}

// HalfToFloat32 widens an IEEE 754 binary16 value.
func HalfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h) & 0x3ff

	switch exp {
	case 0:
		if frac == 0 {
			return math.Float32frombits(sign)
		}
		// subnormal: shift the fraction up until the implicit bit appears
		e := uint32(127 - 15 + 1)
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x3ff
		return math.Float32frombits(sign | e<<23 | frac<<13)
	case 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | frac<<13)
	}
	return math.Float32frombits(sign | (exp+127-15)<<23 | frac<<13)
}

// Extrema scans values once, skipping NaN. The non-zero extrema ignore
// values within 1e-6 of zero; ok is false when there are none.
func Extrema(values []float32) (lo, hi, loNZ, hiNZ float32, ok bool) {
	lo, hi = float32(math.Inf(1)), float32(math.Inf(-1))
	loNZ, hiNZ = lo, hi
	seen := false
	for _, v := range values {
		if v != v {
			continue
		}
		seen = true
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
		if v < nonZeroEpsilon && v > -nonZeroEpsilon {
			continue
		}
		ok = true
		if v < loNZ {
			loNZ = v
		}
		if v > hiNZ {
			hiNZ = v
		}
	}
	if !seen {
		lo, hi = 0, 0
	}
	if !ok {
		loNZ, hiNZ = 0, 0
	}
	return lo, hi, loNZ, hiNZ, ok
}
