package tile

// Strategy turns per-axis tile ranges into the refs a track must display.
type Strategy interface {
	Dims() int
	Refs(level uint32, axes [][]uint32) []Ref
}

// Linear addresses 1D tracks.
type Linear struct{ Namer }

func (Linear) Dims() int { return 1 }

func (s Linear) Refs(level uint32, axes [][]uint32) []Ref {
	refs := make([]Ref, 0, len(axes[0]))
	for _, x := range axes[0] {
		a := At1(level, x)
		refs = append(refs, Ref{Local: a, Remote: s.Remote(a)})
	}
	return refs
}

// Matrix addresses 2D tracks as the cross product of both axes.
type Matrix struct{ Namer }

func (Matrix) Dims() int { return 2 }

func (s Matrix) Refs(level uint32, axes [][]uint32) []Ref {
	refs := make([]Ref, 0, len(axes[0])*len(axes[1]))
	for _, x := range axes[0] {
		for _, y := range axes[1] {
			a := At2(level, x, y)
			refs = append(refs, Ref{Local: a, Remote: s.Remote(a)})
		}
	}
	return refs
}

// Extent selects which triangle of a mirrored matrix is drawn.
type Extent string

const (
	ExtentFull       Extent = "full"
	ExtentUpperRight Extent = "upper-right"
	ExtentLowerLeft  Extent = "lower-left"
)

// Mirrored addresses symmetric matrices whose server stores only tiles with
// x <= y. Cells below the diagonal are served by the transposed stored tile
// and flagged Mirrored so the renderer flips them.
type Mirrored struct {
	Namer
	Extent Extent
}

func (Mirrored) Dims() int { return 2 }

func (s Mirrored) Refs(level uint32, axes [][]uint32) []Ref {
	refs := make([]Ref, 0, len(axes[0])*len(axes[1]))
	for _, row := range axes[0] {
		for _, col := range axes[1] {
			cell := At2(level, row, col)
			switch {
			case row >= col && s.Extent != ExtentLowerLeft:
				refs = append(refs, Ref{Local: cell, Remote: s.Remote(cell.Transpose()), Mirrored: true})
			case row < col && s.Extent != ExtentUpperRight:
				refs = append(refs, Ref{Local: cell, Remote: s.Remote(cell)})
			case row == col && s.Extent == ExtentLowerLeft:
				refs = append(refs, Ref{Local: cell, Remote: s.Remote(cell)})
			}
		}
	}
	return refs
}
