package viewport

import "math"

// Scale is a linear mapping from a data domain to a pixel range.
type Scale struct {
	Domain [2]float64
	Range  [2]float64
}

// NewScale returns a scale mapping domain onto rng.
func NewScale(domain, rng [2]float64) Scale {
	return Scale{Domain: domain, Range: rng}
}

// Map converts a domain value to pixels.
func (s Scale) Map(v float64) float64 {
	return s.Range[0] + (v-s.Domain[0])*(s.Range[1]-s.Range[0])/(s.Domain[1]-s.Domain[0])
}

// Invert converts a pixel position back to the domain.
func (s Scale) Invert(px float64) float64 {
	return s.Domain[0] + (px-s.Range[0])*(s.Domain[1]-s.Domain[0])/(s.Range[1]-s.Range[0])
}

// DomainWidth is the extent of the domain.
func (s Scale) DomainWidth() float64 {
	return s.Domain[1] - s.Domain[0]
}

// Pixels is the absolute extent of the range.
func (s Scale) Pixels() float64 {
	return math.Abs(s.Range[1] - s.Range[0])
}

// Degenerate reports whether the scale cannot be inverted: a zero-width
// domain or range, or a non-finite bound.
func (s Scale) Degenerate() bool {
	for _, v := range [...]float64{s.Domain[0], s.Domain[1], s.Range[0], s.Range[1]} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return s.Domain[1] == s.Domain[0] || s.Range[1] == s.Range[0]
}

// Transform is a uniform zoom (K) followed by a translation (X, Y), applied
// in pixel space like a d3 zoom transform.
type Transform struct {
	K, X, Y float64
}

// Identity is the transform with no zoom or pan.
var Identity = Transform{K: 1}

// InvertX maps a transformed x pixel back to the untransformed pixel.
func (t Transform) InvertX(x float64) float64 { return (x - t.X) / t.K }

// InvertY maps a transformed y pixel back to the untransformed pixel.
func (t Transform) InvertY(y float64) float64 { return (y - t.Y) / t.K }

// RescaleX returns s with its domain replaced by the portion visible under t.
func (t Transform) RescaleX(s Scale) Scale {
	return Scale{
		Domain: [2]float64{s.Invert(t.InvertX(s.Range[0])), s.Invert(t.InvertX(s.Range[1]))},
		Range:  s.Range,
	}
}

// RescaleY is RescaleX for the vertical axis.
func (t Transform) RescaleY(s Scale) Scale {
	return Scale{
		Domain: [2]float64{s.Invert(t.InvertY(s.Range[0])), s.Invert(t.InvertY(s.Range[1]))},
		Range:  s.Range,
	}
}

// Valid reports whether t has a positive, finite zoom factor.
func (t Transform) Valid() bool {
	return t.K > 0 && !math.IsInf(t.K, 0) && !math.IsNaN(t.X) && !math.IsNaN(t.Y) &&
		!math.IsInf(t.X, 0) && !math.IsInf(t.Y, 0)
}
