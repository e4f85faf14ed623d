package engine

import (
	"github.com/soma-tiles/pyramid/pkg/decode"
	"github.com/soma-tiles/pyramid/pkg/faults"
	"github.com/soma-tiles/pyramid/pkg/fetch"
	"github.com/soma-tiles/pyramid/pkg/tile"
	"github.com/soma-tiles/pyramid/pkg/tilecache"
	"github.com/soma-tiles/pyramid/pkg/viewport"
)

// Layout picks the addressing strategy of a track.
type Layout int

const (
	// LayoutAuto derives the layout from the tileset metadata: one axis is
	// linear, two axes are a matrix, mirrored when the tileset says so.
	LayoutAuto Layout = iota
	LayoutLinear
	LayoutMatrix
	LayoutMirrored
)

// TrackConfig describes a tiled track.
type TrackConfig struct {
	ID         string
	Source     fetch.SourceID
	TilesetUID string
	// Suffix is appended to every remote id, e.g. a data transform name.
	Suffix string
	Layout Layout
	// Extent applies to mirrored layouts only.
	Extent tile.Extent

	// Metadata skips the tileset info request when set.
	Metadata *tile.Metadata

	// Decoded is an optional decoded-tile cache. Tracks may share one
	// handle; entries are keyed by source and remote id.
	Decoded *decode.Cache

	// OnChange runs on the engine loop. It may read the track but must not
	// call back into Engine methods that wait on the loop.
	OnChange func(Change)
}

// Change tells a renderer what moved since the last notification.
type Change struct {
	Track      *Track
	Generation uint64

	ReadyChanged     bool
	TransformChanged bool
	// AllLoaded is set on the notification where every visible tile
	// became Ready.
	AllLoaded bool

	Retired []tile.Address
	Failed  []tile.Address
	// Err carries the latest failure: tileset info or a tile fetch.
	Err error
}

// Track is one tiled track. Its methods must be called on the engine loop:
// from OnChange or through Engine.Do.
type Track struct {
	cfg    TrackConfig
	engine *Engine

	md       *tile.Metadata
	strategy tile.Strategy
	cache    *tilecache.TileCache
	decoder  *decode.Decoder

	vp          viewport.Viewport
	coverage    tile.Coverage
	tickets     []*fetch.Ticket
	allReady    bool
	unsubscribe func()
	removed     bool
}

// ID returns the track id.
func (t *Track) ID() string { return t.cfg.ID }

// Metadata returns the tileset metadata once known.
func (t *Track) Metadata() (tile.Metadata, bool) {
	if t.md == nil {
		return tile.Metadata{}, false
	}
	return *t.md, true
}

// Coverage is the result of the last addressing pass.
func (t *Track) Coverage() tile.Coverage { return t.coverage }

// Viewport is the last viewport the track saw.
func (t *Track) Viewport() viewport.Viewport { return t.vp }

// GraphicsTransform maps the track's reference pixel space onto the screen.
// Tiles drawn against RefX/RefY only need this transform re-applied on pan
// and zoom.
func (t *Track) GraphicsTransform() viewport.Transform { return t.vp.Transform }

// ReadyTiles returns the Ready records.
func (t *Track) ReadyTiles() []tilecache.Record { return t.cache.ReadyTiles() }

// DisplayTiles returns everything a renderer should draw, stale tiles
// included.
func (t *Track) DisplayTiles() []tilecache.Record { return t.cache.DisplayTiles() }

// Decoded returns the decoded tile at addr if it is loaded.
func (t *Track) Decoded(addr tile.Address) (*decode.Tile, bool) {
	rec, ok := t.cache.Record(addr)
	if !ok || rec.Decoded == nil {
		return nil, false
	}
	return rec.Decoded, true
}

// ParentReady returns the nearest loaded ancestor of addr, which a renderer
// can upscale while addr loads.
func (t *Track) ParentReady(addr tile.Address) (tilecache.Record, bool) {
	return t.cache.NearestAncestor(addr)
}

// AllVisibleReady reports whether every visible tile is Ready.
func (t *Track) AllVisibleReady() bool {
	return t.md != nil && t.cache.AllVisibleReady()
}

// ViewportChanged implements viewport.Consumer.
func (t *Track) ViewportChanged(v viewport.Viewport) {
	t.vp = v
	t.refresh(true)
}

func (t *Track) setMetadata(md tile.Metadata) error {
	md = md.Normalize()
	if err := md.Validate(); err != nil {
		return err
	}
	s, err := strategyFor(t.cfg, md)
	if err != nil {
		return err
	}
	t.md = &md
	t.strategy = s
	return nil
}

func strategyFor(cfg TrackConfig, md tile.Metadata) (tile.Strategy, error) {
	namer := tile.Namer{TilesetUID: cfg.TilesetUID, Suffix: cfg.Suffix}
	layout := cfg.Layout
	if layout == LayoutAuto {
		switch {
		case md.Dims() == 1:
			layout = LayoutLinear
		case md.Mirror:
			layout = LayoutMirrored
		default:
			layout = LayoutMatrix
		}
	}

	switch layout {
	case LayoutLinear:
		return tile.Linear{Namer: namer}, nil
	case LayoutMatrix, LayoutMirrored:
		if md.Dims() != 2 {
			return nil, faults.New(faults.Addressing, "track %s: 2-d layout on %d-d tileset", cfg.ID, md.Dims())
		}
		if layout == LayoutMatrix {
			return tile.Matrix{Namer: namer}, nil
		}
		extent := cfg.Extent
		if extent == "" {
			extent = tile.ExtentFull
		}
		return tile.Mirrored{Namer: namer, Extent: extent}, nil
	}
	return nil, faults.New(faults.Config, "track %s: unknown layout %d", cfg.ID, cfg.Layout)
}

// refresh addresses the current viewport and reconciles the cache.
func (t *Track) refresh(transformChanged bool) {
	if t.removed {
		return
	}
	if t.md == nil {
		if transformChanged {
			t.notify(tilecache.ReconcileResult{}, true, nil, nil)
		}
		return
	}

	e := t.engine
	cov, err := tile.Cover(t.vp.X, t.vp.Y, *t.md, t.strategy, e.opts.MaxTiles)
	if err != nil {
		// Degenerate geometry mid-resize: nothing to fetch this pass.
		e.log.Debug("addressing skipped", "track", t.cfg.ID, "error", err)
		if transformChanged {
			t.notify(tilecache.ReconcileResult{}, true, nil, nil)
		}
		return
	}
	if cov.Clamped() {
		e.log.Debug("zoom clamped", "track", t.cfg.ID, "error", cov.CapacityError(e.opts.MaxTiles))
	}
	t.coverage = cov

	res := t.cache.Reconcile(cov.Refs)
	t.apply(res, transformChanged, nil, nil)
}

// apply submits the fetches a pass produced and notifies the renderer.
func (t *Track) apply(res tilecache.ReconcileResult, transformChanged bool, failed []tile.Address, err error) {
	if len(res.ToFetch) > 0 {
		ids := make([]tile.RemoteID, 0, len(res.ToFetch))
		for _, ref := range res.ToFetch {
			ids = append(ids, ref.Remote)
		}
		tk := t.engine.sched.Submit(t.cfg.Source, ids, t.onChunk)
		t.tickets = append(t.tickets, tk)
	}
	t.pruneTickets()
	t.notify(res, transformChanged, failed, err)
}

func (t *Track) pruneTickets() {
	live := t.tickets[:0]
	for _, tk := range t.tickets {
		if !tk.Done() {
			live = append(live, tk)
		}
	}
	t.tickets = live
}

func (t *Track) notify(res tilecache.ReconcileResult, transformChanged bool, failed []tile.Address, err error) {
	allReady := t.AllVisibleReady()
	loaded := allReady && !t.allReady
	t.allReady = allReady

	if !res.ReadyChanged && !transformChanged && !loaded && len(failed) == 0 && err == nil {
		return
	}
	if t.cfg.OnChange == nil {
		return
	}
	t.cfg.OnChange(Change{
		Track:            t,
		Generation:       t.vp.Generation,
		ReadyChanged:     res.ReadyChanged,
		TransformChanged: transformChanged,
		AllLoaded:        loaded,
		Retired:          res.ToRetire,
		Failed:           failed,
		Err:              err,
	})
}

// onChunk runs on the loop when a batch holding some of this track's ids
// completes. Arrivals are applied before failures.
func (t *Track) onChunk(cr fetch.ChunkResult) {
	if t.removed {
		return
	}
	dims := t.strategy.Dims()

	merged := tilecache.ReconcileResult{}
	var failed []tile.Address
	var lastErr error

	for _, id := range sortedIDs(cr.Payloads) {
		payload := cr.Payloads[id]
		decoded, err := t.decoder.Decode(id, dims, payload)
		if err != nil {
			t.engine.invalidate(t.cfg.Source, id)
			cr.Failed[id] = err
			continue
		}
		res := t.cache.MarkReady(id, payload)
		for _, addr := range res.Arrived {
			t.cache.SetDecoded(addr, decoded)
		}
		merged = mergeResults(merged, res)
	}

	for _, id := range sortedIDs(cr.Failed) {
		err := cr.Failed[id]
		t.decoder.Forget(id)
		failed = append(failed, t.cache.MarkFetchFailed(id, err)...)
		lastErr = err
	}

	t.apply(merged, false, failed, lastErr)
}

func mergeResults(acc, res tilecache.ReconcileResult) tilecache.ReconcileResult {
	acc.Pass = res.Pass
	acc.ToFetch = append(acc.ToFetch, res.ToFetch...)
	acc.ToRetire = append(acc.ToRetire, res.ToRetire...)
	acc.Deferred = res.Deferred
	acc.Arrived = append(acc.Arrived, res.Arrived...)
	acc.ReadyChanged = acc.ReadyChanged || res.ReadyChanged
	acc.AllReady = res.AllReady
	return acc
}

func (t *Track) close() {
	t.removed = true
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
	for _, tk := range t.tickets {
		t.engine.sched.Cancel(tk)
	}
	t.tickets = nil
	t.cache.Reset()
	if t.decoder != nil {
		t.decoder.Close()
	}
}
