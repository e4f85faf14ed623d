// Package colormap maps normalized tile values to colors for previews.
package colormap

import (
	"image/color"
	"math"
	"sort"
	"strings"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
}

// LinearColormap interpolates linearly between evenly spaced stops.
type LinearColormap struct {
	colors []color.RGBA
}

// NewLinear builds a colormap from at least one stop.
func NewLinear(stops ...color.RGBA) LinearColormap {
	if len(stops) == 0 {
		stops = []color.RGBA{{0, 0, 0, 255}}
	}
	return LinearColormap{colors: stops}
}

// At returns the color at position t (0-1). NaN is transparent.
func (c LinearColormap) At(t float64) color.Color {
	if math.IsNaN(t) {
		return color.RGBA{}
	}
	if t <= 0 || len(c.colors) == 1 {
		return c.colors[0]
	}
	if t >= 1 {
		return c.colors[len(c.colors)-1]
	}

	idx := t * float64(len(c.colors)-1)
	lower := int(idx)
	upper := min(lower+1, len(c.colors)-1)
	return interpolate(c.colors[lower], c.colors[upper], idx-float64(lower))
}

func interpolate(c1, c2 color.RGBA, t float64) color.RGBA {
	return color.RGBA{
		R: uint8(float64(c1.R) + t*(float64(c2.R)-float64(c1.R))),
		G: uint8(float64(c1.G) + t*(float64(c2.G)-float64(c1.G))),
		B: uint8(float64(c1.B) + t*(float64(c2.B)-float64(c1.B))),
		A: 255,
	}
}

// Fall is the default contact-map ramp: white through yellow and red to
// black.
var Fall = NewLinear(
	color.RGBA{255, 255, 255, 255},
	color.RGBA{255, 255, 204, 255},
	color.RGBA{255, 237, 160, 255},
	color.RGBA{254, 217, 118, 255},
	color.RGBA{254, 178, 76, 255},
	color.RGBA{253, 141, 60, 255},
	color.RGBA{252, 78, 42, 255},
	color.RGBA{227, 26, 28, 255},
	color.RGBA{189, 0, 38, 255},
	color.RGBA{128, 0, 38, 255},
	color.RGBA{0, 0, 0, 255},
)

// Viridis colormap (matplotlib viridis)
var Viridis = NewLinear(
	color.RGBA{68, 1, 84, 255},
	color.RGBA{72, 35, 116, 255},
	color.RGBA{64, 67, 135, 255},
	color.RGBA{52, 94, 141, 255},
	color.RGBA{41, 120, 142, 255},
	color.RGBA{32, 144, 140, 255},
	color.RGBA{34, 167, 132, 255},
	color.RGBA{68, 190, 112, 255},
	color.RGBA{121, 209, 81, 255},
	color.RGBA{189, 222, 38, 255},
	color.RGBA{253, 231, 37, 255},
)

// Greys runs from white to black.
var Greys = NewLinear(
	color.RGBA{255, 255, 255, 255},
	color.RGBA{0, 0, 0, 255},
)

var registry = map[string]Colormap{
	"fall":    Fall,
	"viridis": Viridis,
	"greys":   Greys,
}

// Lookup finds a colormap by case-insensitive name.
func Lookup(name string) (Colormap, bool) {
	c, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

// Names lists the registered colormaps.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
