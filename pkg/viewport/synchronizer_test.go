package viewport

import (
	"math"
	"testing"

	"github.com/soma-tiles/pyramid/pkg/faults"
)

const eps = 1e-9

func near(a, b float64) bool { return math.Abs(a-b) < eps }

func visibleCentre(s Scale) float64 {
	return s.Invert((s.Range[0] + s.Range[1]) / 2)
}

func TestScaleRoundTrip(t *testing.T) {
	s := NewScale([2]float64{100, 300}, [2]float64{0, 800})
	for _, v := range []float64{100, 150, 299.5} {
		if got := s.Invert(s.Map(v)); !near(got, v) {
			t.Fatalf("round trip of %v gave %v", v, got)
		}
	}
	if !(Scale{Domain: [2]float64{5, 5}, Range: [2]float64{0, 10}}).Degenerate() {
		t.Fatal("expected zero-width domain to be degenerate")
	}
	if !(Scale{Domain: [2]float64{0, 5}, Range: [2]float64{3, 3}}).Degenerate() {
		t.Fatal("expected zero-width range to be degenerate")
	}
}

func TestSetTransformDispatchesSameGeneration(t *testing.T) {
	sync, err := NewSynchronizer(
		NewScale([2]float64{0, 1000}, [2]float64{0, 500}),
		NewScale([2]float64{0, 1000}, [2]float64{0, 500}),
	)
	if err != nil {
		t.Fatalf("NewSynchronizer: %v", err)
	}

	var got []Viewport
	for i := 0; i < 3; i++ {
		sync.Register(ConsumerFunc(func(v Viewport) { got = append(got, v) }))
	}
	got = got[:0]

	x, y, err := sync.SetTransform(2, -250, 0)
	if err != nil {
		t.Fatalf("SetTransform: %v", err)
	}

	// k=2 halves the visible domain; tx=-250px shifts it by 250 domain units.
	if !near(x.Domain[0], 250) || !near(x.Domain[1], 750) {
		t.Fatalf("unexpected x domain %v", x.Domain)
	}
	if !near(y.Domain[0], 0) || !near(y.Domain[1], 500) {
		t.Fatalf("unexpected y domain %v", y.Domain)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 dispatches, got %d", len(got))
	}
	for _, v := range got {
		if v.Generation != sync.Generation() {
			t.Fatalf("consumer saw generation %d, want %d", v.Generation, sync.Generation())
		}
		if v.X != x {
			t.Fatalf("consumer saw %v, want %v", v.X, x)
		}
	}
}

func TestSetTransformRejectsInvalid(t *testing.T) {
	sync, _ := NewSynchronizer(NewScale([2]float64{0, 10}, [2]float64{0, 100}), Scale{})
	before := sync.Generation()

	for _, k := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		if _, _, err := sync.SetTransform(k, 0, 0); !faults.Is(err, faults.Addressing) {
			t.Fatalf("k=%v: expected Addressing error, got %v", k, err)
		}
	}
	if sync.Generation() != before {
		t.Fatal("invalid transform must not advance the generation")
	}
}

func TestResizeHoldsCentreFixed(t *testing.T) {
	tests := []struct {
		name string
		k    float64
		tx   float64
		next [2]float64
	}{
		{"identity grow", 1, 0, [2]float64{0, 200}},
		{"identity shrink", 1, 0, [2]float64{0, 40}},
		{"zoomed and panned", 4, -130, [2]float64{0, 260}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sync, err := NewSynchronizer(NewScale([2]float64{0, 100}, [2]float64{0, 100}), Scale{})
			if err != nil {
				t.Fatalf("NewSynchronizer: %v", err)
			}
			x, _, _ := sync.SetTransform(tt.k, tt.tx, 0)
			before := visibleCentre(x)

			x, _, err = sync.RescaleForResize(tt.next, [2]float64{})
			if err != nil {
				t.Fatalf("RescaleForResize: %v", err)
			}
			if after := visibleCentre(x); !near(after, before) {
				t.Fatalf("centre moved from %v to %v", before, after)
			}
			// Domain per pixel is unchanged by a resize.
			if got, want := x.DomainWidth()/x.Pixels(), 1/tt.k; !near(got, want) {
				t.Fatalf("expected %v domain units per pixel, got %v", want, got)
			}
		})
	}
}

func TestRepeatedResizeDoesNotDrift(t *testing.T) {
	sync, _ := NewSynchronizer(NewScale([2]float64{1e6, 2e6}, [2]float64{0, 800}), Scale{})
	x, _, _ := sync.SetTransform(3, -400, 0)
	want := visibleCentre(x)

	for _, w := range []float64{640, 1024, 333, 800} {
		x, _, _ = sync.RescaleForResize([2]float64{0, w}, [2]float64{})
	}
	if got := visibleCentre(x); math.Abs(got-want) > 1e-6 {
		t.Fatalf("centre drifted from %v to %v", want, got)
	}
}

func TestUnregister(t *testing.T) {
	sync, _ := NewSynchronizer(NewScale([2]float64{0, 10}, [2]float64{0, 10}), Scale{})
	calls := 0
	unregister := sync.Register(ConsumerFunc(func(Viewport) { calls++ }))
	unregister()
	sync.SetTransform(2, 0, 0)
	if calls != 1 {
		t.Fatalf("expected only the registration call, got %d", calls)
	}
}
