package decode

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/soma-tiles/pyramid/pkg/faults"
	"github.com/soma-tiles/pyramid/pkg/tile"
)

func TestHalfToFloat32(t *testing.T) {
	tests := []struct {
		h    uint16
		want float64
	}{
		{0x0000, 0},
		{0x3c00, 1},
		{0xc000, -2},
		{0x3555, 0.333251953125},
		{0x7bff, 65504},
		{0x0001, math.Pow(2, -24)},
		{0x0400, math.Pow(2, -14)},
		{0x7c00, math.Inf(1)},
		{0xfc00, math.Inf(-1)},
	}
	for _, tt := range tests {
		if got := float64(HalfToFloat32(tt.h)); got != tt.want {
			t.Fatalf("HalfToFloat32(%#04x) = %v, want %v", tt.h, got, tt.want)
		}
	}
	if v := HalfToFloat32(0x7e00); v == v {
		t.Fatalf("expected NaN, got %v", v)
	}
}

func TestHalfRoundTrip(t *testing.T) {
	for h := 0; h < 1<<16; h++ {
		v := HalfToFloat32(uint16(h))
		if v != v {
			continue
		}
		if got := Float32ToHalf(v); got != uint16(h) {
			t.Fatalf("round trip of %#04x (%v) gave %#04x", h, v, got)
		}
	}
}

func densePayload(t *testing.T, values []float32, dtype string) []byte {
	t.Helper()
	enc, err := EncodeDense(values, dtype)
	if err != nil {
		t.Fatalf("EncodeDense: %v", err)
	}
	body, err := json.Marshal(map[string]any{"dense": enc, "dtype": dtype, "shape": []int{2, 2}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return body
}

func TestDecodeDense(t *testing.T) {
	values := []float32{0, 2.5, float32(math.NaN()), -1}

	for _, dtype := range []string{"float32", "float16"} {
		t.Run(dtype, func(t *testing.T) {
			d, err := NewDecoder("srv", nil, nil)
			if err != nil {
				t.Fatalf("NewDecoder: %v", err)
			}
			defer d.Close()

			got, err := d.Decode("hic.3.1.2", 2, densePayload(t, values, dtype))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.Address != tile.At2(3, 1, 2) || got.TilesetUID != "hic" {
				t.Fatalf("unexpected identity %+v", got)
			}
			if len(got.Dense) != 4 || got.Dense[1] != 2.5 {
				t.Fatalf("unexpected values %v", got.Dense)
			}
			if got.Min != -1 || got.Max != 2.5 {
				t.Fatalf("unexpected extrema %v..%v", got.Min, got.Max)
			}
			if !got.HasNonZero || got.MinNonZero != -1 || got.MaxNonZero != 2.5 {
				t.Fatalf("unexpected non-zero extrema %+v", got)
			}
		})
	}
}

func TestDecodeCompressed(t *testing.T) {
	body := densePayload(t, []float32{1, 2, 3, 4}, "float32")

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write(body)
	zw.Close()

	enc, _ := zstd.NewWriter(nil)
	zst := enc.EncodeAll(body, nil)
	enc.Close()

	d, _ := NewDecoder("srv", nil, nil)
	defer d.Close()
	for name, raw := range map[string][]byte{"gzip": gz.Bytes(), "zstd": zst} {
		t.Run(name, func(t *testing.T) {
			got, err := d.Decode("u.1.0", 1, raw)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.Max != 4 {
				t.Fatalf("expected max 4, got %v", got.Max)
			}
		})
	}
}

func TestDecodeNonDenseAndErrors(t *testing.T) {
	d, _ := NewDecoder("srv", nil, nil)
	defer d.Close()

	got, err := d.Decode("genes.2.1", 1, []byte(`[{"chrOffset":0,"fields":["chr1"]}]`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Dense != nil || len(got.Raw) == 0 {
		t.Fatalf("expected raw payload, got %+v", got)
	}

	for name, raw := range map[string]string{
		"server error": `{"error":"no such tileset"}`,
		"bad json":     `{"dense":`,
		"bad base64":   `{"dense":"!!!"}`,
		"bad dtype":    `{"dense":"AAAA","dtype":"int8"}`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := d.Decode("u.1.0", 1, []byte(raw)); !faults.Is(err, faults.Transport) {
				t.Fatalf("expected Transport error, got %v", err)
			}
		})
	}
}

func TestDecodeMemoizes(t *testing.T) {
	cache, _ := NewCache(4)
	d, _ := NewDecoder("srv", cache, nil)
	defer d.Close()

	body := densePayload(t, []float32{1, 2, 3, 4}, "float32")
	first, _ := d.Decode("u.1.0", 1, body)
	second, err := d.Decode("u.1.0", 1, nil)
	if err != nil {
		t.Fatalf("cached Decode: %v", err)
	}
	if first != second {
		t.Fatal("expected the memoized tile")
	}
	if s := cache.Stats(); s.Hits != 1 || s.Misses != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}

	d.Forget("u.1.0")
	third, err := d.Decode("u.1.0", 1, []byte(`[]`))
	if err != nil {
		t.Fatalf("Decode after Forget: %v", err)
	}
	if third == first || third.Dense != nil {
		t.Fatal("expected a fresh decode after Forget")
	}
}

func TestSharedCacheKeyedBySource(t *testing.T) {
	cache, _ := NewCache(4)
	a, _ := NewDecoder("http://a", cache, nil)
	defer a.Close()
	b, _ := NewDecoder("http://b", cache, nil)
	defer b.Close()

	fromA, err := a.Decode("u.1.0", 1, densePayload(t, []float32{1, 2}, "float32"))
	if err != nil {
		t.Fatalf("Decode from a: %v", err)
	}
	fromB, err := b.Decode("u.1.0", 1, densePayload(t, []float32{7, 8}, "float32"))
	if err != nil {
		t.Fatalf("Decode from b: %v", err)
	}
	if fromA == fromB || fromB.Max != 8 {
		t.Fatalf("expected separate tiles per source, got a=%v b=%v", fromA.Dense, fromB.Dense)
	}
	if cache.Len() != 2 {
		t.Fatalf("expected 2 cached tiles, got %d", cache.Len())
	}

	b.Forget("u.1.0")
	if _, ok := cache.Peek(Key{Source: "http://a", Remote: "u.1.0"}); !ok {
		t.Fatal("expected Forget on b to leave a's tile")
	}
}

func TestExtremaAllZeroOrNaN(t *testing.T) {
	lo, hi, _, _, ok := Extrema([]float32{0, 0, float32(math.NaN())})
	if ok || lo != 0 || hi != 0 {
		t.Fatalf("unexpected extrema lo=%v hi=%v ok=%v", lo, hi, ok)
	}
}
