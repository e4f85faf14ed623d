// Package engine wires the viewport, addressing, tile cache and fetch
// scheduler into one control loop.
//
// Every piece of engine state lives on a single goroutine. Public methods
// post closures to it and wait for them to run; transport calls run on their
// own goroutines and post their results back. Nothing outside the loop
// touches a TileCache, a decoded-tile cache or the scheduler.
package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soma-tiles/pyramid/pkg/decode"
	"github.com/soma-tiles/pyramid/pkg/faults"
	"github.com/soma-tiles/pyramid/pkg/fetch"
	"github.com/soma-tiles/pyramid/pkg/logger"
	"github.com/soma-tiles/pyramid/pkg/metrics"
	"github.com/soma-tiles/pyramid/pkg/tile"
	"github.com/soma-tiles/pyramid/pkg/tilecache"
	"github.com/soma-tiles/pyramid/pkg/viewport"
)

// ErrClosed is returned by methods called after Close.
var ErrClosed = errors.New("engine closed")

// DefaultMaxTiles is the per-track tile ceiling applied when Options leaves
// it unset.
const DefaultMaxTiles = 256

// Options configures an Engine.
type Options struct {
	Transport fetch.Transport

	Debounce     time.Duration
	MaxDelay     time.Duration
	MaxBatchSize int
	SessionID    uuid.UUID
	Hooks        fetch.Hooks

	// MaxTiles caps the tiles one track may need for one viewport; beyond
	// it the zoom level is lowered. Negative disables the cap.
	MaxTiles int
	// MaxStale bounds the stale payloads each track keeps on screen.
	MaxStale int

	Logger  logger.Logger
	Metrics *metrics.Metrics
}

type infoKey struct {
	source fetch.SourceID
	uid    string
}

// Engine is the tile pyramid engine for one view.
type Engine struct {
	opts Options
	log  logger.Logger

	sync  *viewport.Synchronizer
	sched *fetch.Scheduler

	ops    chan func()
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	tracks      map[string]*Track
	order       []string
	infoWaiters map[infoKey][]*Track
	infoCache   map[infoKey]tile.Metadata
}

// New starts an engine over the base scales x and y. y may be the zero
// Scale for views with only a horizontal data axis.
func New(x, y viewport.Scale, opts Options) (*Engine, error) {
	if opts.Transport == nil {
		return nil, faults.New(faults.Config, "engine needs a transport")
	}
	if opts.MaxTiles == 0 {
		opts.MaxTiles = DefaultMaxTiles
	}
	vs, err := viewport.NewSynchronizer(x, y)
	if err != nil {
		return nil, err
	}

	log := logger.OrNop(opts.Logger)
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts: opts,
		log:  log,
		sync: vs,
		sched: fetch.NewScheduler(fetch.Options{
			Debounce:     opts.Debounce,
			MaxDelay:     opts.MaxDelay,
			MaxBatchSize: opts.MaxBatchSize,
			SessionID:    opts.SessionID,
			Hooks:        opts.Hooks,
			Logger:       log,
			Metrics:      opts.Metrics,
		}),
		ops:         make(chan func()),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		tracks:      make(map[string]*Track),
		infoWaiters: make(map[infoKey][]*Track),
		infoCache:   make(map[infoKey]tile.Metadata),
	}
	go e.run()
	return e, nil
}

func (e *Engine) run() {
	defer close(e.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		var wake <-chan time.Time
		if deadline, ok := e.sched.Deadline(); ok {
			timer.Reset(time.Until(deadline))
			wake = timer.C
		} else {
			timer.Stop()
		}

		select {
		case fn := <-e.ops:
			fn()
		case now := <-wake:
			e.dispatch(e.sched.Tick(now))
		case <-e.ctx.Done():
			return
		}
	}
}

// post queues fn on the loop without waiting for it.
func (e *Engine) post(fn func()) bool {
	select {
	case e.ops <- fn:
		return true
	case <-e.done:
		return false
	}
}

// Do runs fn on the loop and waits for it. Use it to read tracks from
// outside OnChange. Calling Do from the loop deadlocks.
func (e *Engine) Do(fn func()) error {
	finished := make(chan struct{})
	if !e.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		return ErrClosed
	}
}

func (e *Engine) call(fn func() error) error {
	var err error
	if doErr := e.Do(func() { err = fn() }); doErr != nil {
		return doErr
	}
	return err
}

// SetTransform installs a zoom/pan transform. Every track has re-addressed
// and reconciled when it returns.
func (e *Engine) SetTransform(k, tx, ty float64) error {
	return e.call(func() error {
		_, _, err := e.sync.SetTransform(k, tx, ty)
		return err
	})
}

// Resize adapts the view to a new drawing area, keeping the visible centre.
func (e *Engine) Resize(xRange, yRange [2]float64) error {
	return e.call(func() error {
		_, _, err := e.sync.RescaleForResize(xRange, yRange)
		return err
	})
}

// Viewport returns the current viewport.
func (e *Engine) Viewport() (viewport.Viewport, error) {
	var v viewport.Viewport
	err := e.Do(func() { v = e.sync.Current() })
	return v, err
}

// AddTrack registers a tiled track. Without cfg.Metadata the tileset info
// is requested first and the track stays empty until it arrives.
func (e *Engine) AddTrack(cfg TrackConfig) (*Track, error) {
	var t *Track
	err := e.call(func() error {
		var err error
		t, err = e.addTrack(cfg)
		return err
	})
	return t, err
}

func (e *Engine) addTrack(cfg TrackConfig) (*Track, error) {
	if cfg.ID == "" {
		return nil, faults.New(faults.Config, "track id is required")
	}
	if _, dup := e.tracks[cfg.ID]; dup {
		return nil, faults.New(faults.Config, "track %q already exists", cfg.ID)
	}
	if cfg.TilesetUID == "" {
		return nil, faults.New(faults.Config, "track %q: tileset uid is required", cfg.ID)
	}

	decoder, err := decode.NewDecoder(string(cfg.Source), cfg.Decoded, e.opts.Metrics)
	if err != nil {
		return nil, err
	}
	t := &Track{cfg: cfg, engine: e, decoder: decoder}
	t.cache = tilecache.New(tilecache.Options{
		MaxStale: e.opts.MaxStale,
		Logger:   e.log,
		Metrics:  e.opts.Metrics,
	})

	key := infoKey{source: cfg.Source, uid: cfg.TilesetUID}
	md, known := e.infoCache[key]
	if cfg.Metadata != nil {
		md, known = *cfg.Metadata, true
	}
	if known {
		if err := t.setMetadata(md); err != nil {
			decoder.Close()
			return nil, err
		}
	}

	e.tracks[cfg.ID] = t
	e.order = append(e.order, cfg.ID)
	t.unsubscribe = e.sync.Register(t)

	if !known {
		e.requestInfo(key, t)
	}
	e.log.Info("track added", "track", cfg.ID, "tileset", cfg.TilesetUID, "source", cfg.Source, "metadata", known)
	return t, nil
}

// RemoveTrack drops a track. Its pending fetches are withdrawn; batches in
// flight still complete for other tracks.
func (e *Engine) RemoveTrack(id string) error {
	return e.call(func() error {
		t, ok := e.tracks[id]
		if !ok {
			return faults.New(faults.Config, "no track %q", id)
		}
		t.close()
		delete(e.tracks, id)
		for i, tid := range e.order {
			if tid == id {
				e.order = append(e.order[:i], e.order[i+1:]...)
				break
			}
		}
		e.log.Info("track removed", "track", id)
		return nil
	})
}

// Track looks up a track by id.
func (e *Engine) Track(id string) (*Track, bool) {
	var t *Track
	if err := e.Do(func() { t = e.tracks[id] }); err != nil {
		return nil, false
	}
	return t, t != nil
}

// Flush sends every pending fetch now instead of waiting for the debounce.
func (e *Engine) Flush() error {
	return e.Do(func() { e.dispatch(e.sched.Flush()) })
}

// Retry re-runs reconciliation at the current viewport, which re-requests
// tiles whose last fetch failed and tileset info that never arrived.
func (e *Engine) Retry() error {
	return e.Do(func() {
		for _, id := range e.order {
			t := e.tracks[id]
			if t.md == nil {
				e.requestInfo(infoKey{source: t.cfg.Source, uid: t.cfg.TilesetUID}, t)
				continue
			}
			t.refresh(false)
		}
	})
}

// InFlight is the number of transport calls currently running.
func (e *Engine) InFlight() int {
	var n int
	_ = e.Do(func() { n = e.sched.InFlight() })
	return n
}

// SessionID is the id attached to every batch.
func (e *Engine) SessionID() uuid.UUID { return e.sched.SessionID() }

// Close stops the loop and waits for transport goroutines to return.
// Pending results are dropped.
func (e *Engine) Close() error {
	e.once.Do(func() {
		_ = e.Do(func() {
			for _, id := range e.order {
				e.tracks[id].close()
			}
		})
		e.cancel()
		<-e.done
		e.wg.Wait()
	})
	return nil
}

// dispatch runs each batch on its own goroutine and completes it on the
// loop.
func (e *Engine) dispatch(batches []*fetch.Batch) {
	for _, b := range batches {
		e.wg.Add(1)
		go func(b *fetch.Batch) {
			defer e.wg.Done()
			payloads, err := e.opts.Transport.FetchTiles(e.ctx, b.Source, b.SessionID, b.IDs)
			e.post(func() { e.sched.Complete(b, payloads, err) })
		}(b)
	}
}

// invalidate drops a payload the transport may have cached.
func (e *Engine) invalidate(source fetch.SourceID, id tile.RemoteID) {
	if inv, ok := e.opts.Transport.(fetch.Invalidator); ok {
		inv.Invalidate(source, id)
	}
}

func (e *Engine) requestInfo(key infoKey, t *Track) {
	waiters := e.infoWaiters[key]
	for _, w := range waiters {
		if w == t {
			return
		}
	}
	e.infoWaiters[key] = append(waiters, t)
	if len(waiters) > 0 {
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		md, err := e.opts.Transport.FetchTilesetInfo(e.ctx, key.source, key.uid)
		e.post(func() { e.infoArrived(key, md, err) })
	}()
}

func (e *Engine) infoArrived(key infoKey, md tile.Metadata, err error) {
	waiters := e.infoWaiters[key]
	delete(e.infoWaiters, key)

	if err != nil && !faults.Is(err, faults.Transport) {
		err = faults.Wrap(faults.Transport, err, "tileset info %s", key.uid)
	}
	if err == nil {
		e.infoCache[key] = md
	} else {
		e.log.Warn("tileset info failed", "tileset", key.uid, "source", key.source, "error", err)
	}

	for _, t := range waiters {
		if t.removed {
			continue
		}
		if err != nil {
			t.notify(tilecache.ReconcileResult{}, false, nil, err)
			continue
		}
		if serr := t.setMetadata(md); serr != nil {
			e.log.Warn("unusable tileset info", "track", t.cfg.ID, "error", serr)
			t.notify(tilecache.ReconcileResult{}, false, nil, serr)
			continue
		}
		t.refresh(false)
	}
}

func sortedIDs[V any](m map[tile.RemoteID]V) []tile.RemoteID {
	ids := make([]tile.RemoteID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
