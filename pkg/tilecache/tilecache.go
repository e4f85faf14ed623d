// Package tilecache reconciles the tiles a track should show against the
// tiles it already holds.
//
// Reconcile takes the visible refs for one viewport generation and returns
// the refs to fetch and the records it retired. Retirement obeys the
// no-flicker rule: records that left the visible set are only removed once
// every visible record is Ready. Until then they stay Stale and drawable.
//
// A TileCache belongs to one track and is driven from a single goroutine.
package tilecache

import (
	"sort"

	"github.com/soma-tiles/pyramid/pkg/decode"
	"github.com/soma-tiles/pyramid/pkg/logger"
	"github.com/soma-tiles/pyramid/pkg/metrics"
	"github.com/soma-tiles/pyramid/pkg/tile"
)

// Options configures a TileCache.
type Options struct {
	Observer Observer
	// MaxStale bounds how many Stale records may keep their payload while
	// retirement is held back. Beyond it the oldest payloads are released;
	// the records stay so the no-flicker rule is untouched. Zero means no
	// bound.
	MaxStale int
	Logger   logger.Logger
	Metrics  *metrics.Metrics
}

// ReconcileResult is the outcome of one pass.
type ReconcileResult struct {
	// Pass numbers reconciliation passes on this cache.
	Pass uint64
	// ToFetch lists refs whose records moved to Fetching in this pass, one
	// per remote id. The caller must submit them.
	ToFetch []tile.Ref
	// ToRetire lists records removed in this pass.
	ToRetire []tile.Address
	// Deferred lists retirement candidates held back, either by the
	// no-flicker rule or because their fetch is still in flight.
	Deferred []tile.Address
	// Arrived lists records that became Ready from a payload arrival.
	Arrived []tile.Address
	// ReadyChanged is set when the drawable set changed.
	ReadyChanged bool
	// AllReady is set when every visible record is Ready.
	AllReady bool
}

// TileCache owns the record lifecycle for one track.
type TileCache struct {
	opts Options
	log  logger.Logger

	records map[tile.Address]*Record
	// remote ids with a fetch pending or in flight
	claimed map[tile.RemoteID]struct{}

	visible    []tile.Ref
	visibleSet map[tile.Address]struct{}

	pass     uint64
	staleSeq uint64
}

// New creates an empty cache.
func New(opts Options) *TileCache {
	if opts.Observer == nil {
		opts.Observer = ObserverFuncs{}
	}
	return &TileCache{
		opts:       opts,
		log:        logger.OrNop(opts.Logger),
		records:    make(map[tile.Address]*Record),
		claimed:    make(map[tile.RemoteID]struct{}),
		visibleSet: make(map[tile.Address]struct{}),
	}
}

// Reconcile installs visible as the current visible set and runs one pass.
func (c *TileCache) Reconcile(visible []tile.Ref) ReconcileResult {
	seen := make(map[tile.Address]struct{}, len(visible))
	snap := make([]tile.Ref, 0, len(visible))
	for _, ref := range visible {
		if _, dup := seen[ref.Local]; dup {
			continue
		}
		seen[ref.Local] = struct{}{}
		snap = append(snap, ref)
	}
	c.visible = snap
	c.visibleSet = seen
	return c.reconcile()
}

func (c *TileCache) reconcile() ReconcileResult {
	c.pass++
	res := ReconcileResult{Pass: c.pass}

	allReady := true
	for _, ref := range c.visible {
		rec := c.records[ref.Local]
		switch {
		case rec == nil:
			rec = &Record{Ref: ref, State: Requested}
			c.records[ref.Local] = rec
		case rec.Ref.Remote != ref.Remote && rec.State != Fetching:
			// Same cell, different backing tile (e.g. a new data transform).
			if rec.Displayable() {
				res.ReadyChanged = true
			}
			*rec = Record{Ref: ref, State: Requested}
		}

		if rec.State == Stale {
			if rec.Payload != nil {
				rec.State = Ready
				res.ReadyChanged = true
			} else {
				rec.State = Requested
			}
		}

		if rec.State == Requested {
			rec.State = Fetching
			if _, inFlight := c.claimed[ref.Remote]; !inFlight {
				c.claimed[ref.Remote] = struct{}{}
				res.ToFetch = append(res.ToFetch, rec.Ref)
			}
		}
		rec.Ref.Mirrored = ref.Mirrored

		if rec.State != Ready {
			allReady = false
		}
	}

	var candidates []tile.Address
	for addr, rec := range c.records {
		if _, ok := c.visibleSet[addr]; ok {
			continue
		}
		if rec.State == Ready {
			c.staleSeq++
			rec.State = Stale
			rec.staleSeq = c.staleSeq
		}
		candidates = append(candidates, addr)
	}
	sortAddresses(candidates)

	if allReady {
		for _, addr := range candidates {
			rec := c.records[addr]
			if rec.State == Fetching {
				res.Deferred = append(res.Deferred, addr)
				continue
			}
			if rec.Displayable() {
				res.ReadyChanged = true
			}
			delete(c.records, addr)
			res.ToRetire = append(res.ToRetire, addr)
		}
	} else {
		res.Deferred = candidates
	}

	if len(res.ToRetire) > 0 {
		c.opts.Observer.TilesRetired(res.ToRetire)
		c.opts.Metrics.Retired(len(res.ToRetire))
	}
	if c.trimStale() {
		res.ReadyChanged = true
	}

	res.AllReady = allReady
	c.log.Debug("reconciled",
		"pass", res.Pass,
		"visible", len(c.visible),
		"to_fetch", len(res.ToFetch),
		"retired", len(res.ToRetire),
		"deferred", len(res.Deferred),
		"all_ready", allReady,
	)
	return res
}

// trimStale releases the payloads of the oldest Stale records beyond
// MaxStale.
func (c *TileCache) trimStale() bool {
	if c.opts.MaxStale <= 0 {
		return false
	}
	var stale []*Record
	for _, rec := range c.records {
		if rec.State == Stale && rec.Payload != nil {
			stale = append(stale, rec)
		}
	}
	excess := len(stale) - c.opts.MaxStale
	if excess <= 0 {
		return false
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].staleSeq < stale[j].staleSeq })
	for _, rec := range stale[:excess] {
		rec.Payload = nil
		rec.Decoded = nil
	}
	c.log.Debug("released stale payloads", "count", excess, "max_stale", c.opts.MaxStale)
	return true
}

// MarkReady stores payload for every record backed by remote and runs the
// reconciliation pass the arrival may have unblocked. A payload for a
// remote id no record waits on is dropped.
func (c *TileCache) MarkReady(remote tile.RemoteID, payload []byte) ReconcileResult {
	delete(c.claimed, remote)

	var arrived []tile.Address
	for addr, rec := range c.records {
		if rec.Ref.Remote != remote || rec.State != Fetching {
			continue
		}
		rec.Payload = payload
		rec.Decoded = nil
		rec.Err = nil
		if _, ok := c.visibleSet[addr]; ok {
			rec.State = Ready
		} else {
			c.staleSeq++
			rec.State = Stale
			rec.staleSeq = c.staleSeq
		}
		arrived = append(arrived, addr)
	}
	if len(arrived) == 0 {
		c.log.Debug("dropped payload with no waiting record", "remote", remote)
	}

	res := c.reconcile()
	sortAddresses(arrived)
	res.Arrived = arrived
	if len(arrived) > 0 {
		res.ReadyChanged = true
	}
	return res
}

// MarkFetchFailed returns every record backed by remote to Requested so the
// next pass retries it, and reports the failure to the observer.
func (c *TileCache) MarkFetchFailed(remote tile.RemoteID, err error) []tile.Address {
	delete(c.claimed, remote)

	var failed []*Record
	for _, rec := range c.records {
		if rec.Ref.Remote == remote && rec.State == Fetching {
			rec.State = Requested
			rec.Err = err
			failed = append(failed, rec)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].Ref.Local.Less(failed[j].Ref.Local) })

	addrs := make([]tile.Address, 0, len(failed))
	for _, rec := range failed {
		c.opts.Observer.FetchFailed(rec.Ref, err)
		addrs = append(addrs, rec.Ref.Local)
	}
	if len(addrs) > 0 {
		c.log.Warn("tile fetch failed", "remote", remote, "records", len(addrs), "error", err)
	}
	return addrs
}

// SetDecoded attaches a decoded form to a record holding a payload.
func (c *TileCache) SetDecoded(addr tile.Address, d *decode.Tile) bool {
	rec := c.records[addr]
	if rec == nil || rec.Payload == nil {
		return false
	}
	rec.Decoded = d
	return true
}

// ReadyTiles returns copies of the Ready records, ordered by address.
func (c *TileCache) ReadyTiles() []Record {
	return c.collect(func(r *Record) bool { return r.State == Ready })
}

// DisplayTiles returns Ready records plus Stale records that still hold a
// payload: everything a renderer should draw to avoid gaps.
func (c *TileCache) DisplayTiles() []Record {
	return c.collect(func(r *Record) bool { return r.Displayable() })
}

func (c *TileCache) collect(keep func(*Record) bool) []Record {
	out := make([]Record, 0, len(c.records))
	for _, rec := range c.records {
		if keep(rec) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.Local.Less(out[j].Ref.Local) })
	return out
}

// Record returns a copy of the record at addr.
func (c *TileCache) Record(addr tile.Address) (Record, bool) {
	rec, ok := c.records[addr]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// NearestAncestor returns the closest coarser record that can stand in for
// addr while it loads.
func (c *TileCache) NearestAncestor(addr tile.Address) (Record, bool) {
	for p, ok := addr.Parent(); ok; p, ok = p.Parent() {
		if rec, found := c.records[p]; found && rec.Displayable() {
			return *rec, true
		}
	}
	return Record{}, false
}

// Claimed reports whether a fetch for remote is pending or in flight.
func (c *TileCache) Claimed(remote tile.RemoteID) bool {
	_, ok := c.claimed[remote]
	return ok
}

// AllVisibleReady reports whether every visible record is Ready.
func (c *TileCache) AllVisibleReady() bool {
	for _, ref := range c.visible {
		if rec := c.records[ref.Local]; rec == nil || rec.State != Ready {
			return false
		}
	}
	return true
}

// Visible returns the current visible snapshot.
func (c *TileCache) Visible() []tile.Ref {
	return append([]tile.Ref(nil), c.visible...)
}

// Len is the number of records.
func (c *TileCache) Len() int { return len(c.records) }

// Reset drops every record and claim. Arrivals for fetches already in flight
// are then dropped.
func (c *TileCache) Reset() {
	c.records = make(map[tile.Address]*Record)
	c.claimed = make(map[tile.RemoteID]struct{})
	c.visible = nil
	c.visibleSet = make(map[tile.Address]struct{})
}

func sortAddresses(addrs []tile.Address) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
}
