// Package viewport maps continuous data domains to pixel ranges and fans one
// authoritative zoom/pan transform out to every registered consumer.
package viewport

import "github.com/soma-tiles/pyramid/pkg/faults"

// Viewport is the value handed to consumers on every change. X and Y are
// the visible scales; RefX and RefY are the reference scales the transform
// was applied to, so a consumer can keep its own graphics transform
// (K, X, Y relative to the reference) instead of redrawing from scratch.
type Viewport struct {
	X, Y       Scale
	RefX, RefY Scale
	Transform  Transform
	Generation uint64
	Resized    bool
}

// Consumer receives viewport changes.
type Consumer interface {
	ViewportChanged(v Viewport)
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(v Viewport)

func (f ConsumerFunc) ViewportChanged(v Viewport) { f(v) }

type registration struct {
	id       int
	consumer Consumer
}

// Synchronizer owns the authoritative transform. It is not safe for
// concurrent use; callers drive it from a single control loop.
type Synchronizer struct {
	// drawable pixel -> data domain, fixed at construction
	d2dX, d2dY Scale

	refX, refY Scale
	cumX, cumY float64

	transform Transform
	gen       uint64

	consumers []registration
	nextID    int
}

// NewSynchronizer starts from the base scales x and y. y may be the zero
// Scale for views with no vertical data axis.
func NewSynchronizer(x, y Scale) (*Synchronizer, error) {
	if x.Degenerate() {
		return nil, faults.New(faults.Addressing, "degenerate x scale %v -> %v", x.Domain, x.Range)
	}
	return &Synchronizer{
		d2dX:      Scale{Domain: x.Range, Range: x.Domain},
		d2dY:      Scale{Domain: y.Range, Range: y.Domain},
		refX:      x,
		refY:      y,
		transform: Identity,
	}, nil
}

// Register adds a consumer and immediately hands it the current viewport.
// The returned function unregisters it.
func (s *Synchronizer) Register(c Consumer) func() {
	id := s.nextID
	s.nextID++
	s.consumers = append(s.consumers, registration{id: id, consumer: c})
	c.ViewportChanged(s.Current())

	return func() {
		for i, r := range s.consumers {
			if r.id == id {
				s.consumers = append(s.consumers[:i], s.consumers[i+1:]...)
				return
			}
		}
	}
}

// Current returns the viewport for the current generation.
func (s *Synchronizer) Current() Viewport {
	v := Viewport{
		X:          s.transform.RescaleX(s.refX),
		RefX:       s.refX,
		RefY:       s.refY,
		Transform:  s.transform,
		Generation: s.gen,
	}
	if !s.refY.Degenerate() {
		v.Y = s.transform.RescaleY(s.refY)
	}
	return v
}

// Generation is incremented on every accepted transform or resize.
func (s *Synchronizer) Generation() uint64 { return s.gen }

// Transform returns the authoritative transform.
func (s *Synchronizer) Transform() Transform { return s.transform }

// SetTransform installs a new zoom/pan transform and dispatches the derived
// scales to every consumer before returning. An invalid transform leaves the
// state untouched and returns an Addressing error.
func (s *Synchronizer) SetTransform(k, tx, ty float64) (Scale, Scale, error) {
	t := Transform{K: k, X: tx, Y: ty}
	if !t.Valid() {
		return Scale{}, Scale{}, faults.New(faults.Addressing, "invalid transform k=%g x=%g y=%g", k, tx, ty)
	}
	s.transform = t
	v := s.advance(false)
	return v.X, v.Y, nil
}

// RescaleForResize recomputes the reference scales for a new drawing area,
// holding the centre of the visible domain fixed. The zoom transform is
// left untouched.
func (s *Synchronizer) RescaleForResize(xRange, yRange [2]float64) (Scale, Scale, error) {
	if xRange[1] == xRange[0] {
		return Scale{}, Scale{}, faults.New(faults.Addressing, "zero-width x range %v", xRange)
	}
	k := s.transform.K

	s.refX, s.cumX = recenter(s.d2dX, s.refX.Range, xRange, s.cumX, k)
	if !s.refY.Degenerate() && yRange[1] != yRange[0] {
		s.refY, s.cumY = recenter(s.d2dY, s.refY.Range, yRange, s.cumY, k)
	}

	v := s.advance(true)
	return v.X, v.Y, nil
}

// recenter shifts the cumulative centre offset by the distance the pixel
// centre moved, scaled by the current zoom, and rebuilds the reference scale
// over the new range.
func recenter(d2d Scale, prev, next [2]float64, cum, k float64) (Scale, float64) {
	prevCentre := (prev[0] + prev[1]) / 2
	nextCentre := (next[0] + next[1]) / 2
	cum += (d2d.Map(nextCentre) - d2d.Map(prevCentre)) / k

	return Scale{
		Domain: [2]float64{d2d.Map(next[0]) - cum, d2d.Map(next[1]) - cum},
		Range:  next,
	}, cum
}

func (s *Synchronizer) advance(resized bool) Viewport {
	s.gen++
	v := s.Current()
	v.Resized = resized
	// Copy so a consumer unregistering itself mid-dispatch does not skip
	// its neighbour.
	regs := append([]registration(nil), s.consumers...)
	for _, r := range regs {
		r.consumer.ViewportChanged(v)
	}
	return v
}
