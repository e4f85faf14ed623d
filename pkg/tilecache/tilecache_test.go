package tilecache

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soma-tiles/pyramid/pkg/decode"
	"github.com/soma-tiles/pyramid/pkg/tile"
)

var namer = tile.Namer{TilesetUID: "t"}

func ref(x uint32) tile.Ref {
	a := tile.At1(3, x)
	return tile.Ref{Local: a, Remote: namer.Remote(a)}
}

func refs(xs ...uint32) []tile.Ref {
	out := make([]tile.Ref, len(xs))
	for i, x := range xs {
		out[i] = ref(x)
	}
	return out
}

func addrs(xs ...uint32) []tile.Address {
	out := make([]tile.Address, len(xs))
	for i, x := range xs {
		out[i] = tile.At1(3, x)
	}
	return out
}

// fill makes every listed tile Ready by reconciling and delivering payloads.
func fill(c *TileCache, xs ...uint32) {
	c.Reconcile(refs(xs...))
	for _, x := range xs {
		c.MarkReady(ref(x).Remote, []byte{byte(x)})
	}
}

func TestReconcileFetchesMissing(t *testing.T) {
	c := New(Options{})
	res := c.Reconcile(refs(1, 2, 3))

	assert.Equal(t, refs(1, 2, 3), res.ToFetch)
	assert.Empty(t, res.ToRetire)
	assert.False(t, res.AllReady)
	for _, r := range refs(1, 2, 3) {
		rec, ok := c.Record(r.Local)
		require.True(t, ok)
		assert.Equal(t, Fetching, rec.State)
		assert.True(t, c.Claimed(r.Remote))
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	c := New(Options{})
	fill(c, 7)
	c.Reconcile(refs(1, 2))

	first := c.Reconcile(refs(1, 2))
	second := c.Reconcile(refs(1, 2))

	assert.Empty(t, first.ToFetch)
	assert.Empty(t, second.ToFetch)
	if diff := cmp.Diff(first.ToRetire, second.ToRetire); diff != "" {
		t.Fatalf("to_retire changed (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(first.Deferred, second.Deferred); diff != "" {
		t.Fatalf("deferred changed (-first +second):\n%s", diff)
	}
}

func TestNoRetireWhileVisibleTileFetching(t *testing.T) {
	// A Ready, B Fetching, C Ready but no longer visible.
	c := New(Options{})
	fill(c, 1, 3)
	c.Reconcile(refs(1, 2))

	res := c.Reconcile(refs(1, 2))
	assert.Empty(t, res.ToRetire)
	assert.Equal(t, addrs(3), res.Deferred)

	rec, ok := c.Record(tile.At1(3, 3))
	require.True(t, ok, "C must still be present")
	assert.Equal(t, Stale, rec.State)
	assert.Len(t, c.DisplayTiles(), 2, "A and the stale C stay drawable")

	// B arriving unblocks the retirement of C.
	res = c.MarkReady(ref(2).Remote, []byte("b"))
	assert.Equal(t, addrs(2), res.Arrived)
	assert.Equal(t, addrs(3), res.ToRetire)
	assert.True(t, res.AllReady)
	_, ok = c.Record(tile.At1(3, 3))
	assert.False(t, ok)
}

func TestRetireNotifiesObserver(t *testing.T) {
	var retired []tile.Address
	c := New(Options{Observer: ObserverFuncs{OnRetired: func(a []tile.Address) { retired = append(retired, a...) }}})
	fill(c, 1, 2)
	fill(c, 5)

	assert.Equal(t, addrs(1, 2), retired)
}

func TestArrivalForInvisibleTileBecomesCandidate(t *testing.T) {
	c := New(Options{})
	c.Reconcile(refs(1))
	fill(c, 2)

	// 1 is still in flight, so it is held back rather than removed.
	rec, ok := c.Record(tile.At1(3, 1))
	require.True(t, ok)
	assert.Equal(t, Fetching, rec.State)

	res := c.MarkReady(ref(1).Remote, []byte("late"))
	assert.Equal(t, addrs(1), res.Arrived)
	assert.Equal(t, addrs(1), res.ToRetire)
}

func TestStaleTileReentersVisibleSet(t *testing.T) {
	c := New(Options{})
	fill(c, 1)
	c.Reconcile(refs(2)) // 1 goes stale, 2 is fetching

	res := c.Reconcile(refs(1, 2))
	assert.Empty(t, res.ToFetch, "stale payload is reused")
	rec, _ := c.Record(tile.At1(3, 1))
	assert.Equal(t, Ready, rec.State)
	assert.Equal(t, []byte{1}, rec.Payload)
}

func TestMaxStaleReleasesOldestPayloads(t *testing.T) {
	c := New(Options{MaxStale: 1})
	fill(c, 1)
	c.Reconcile(refs(9)) // 1 stale, 9 fetching
	c.Reconcile(refs(2, 9))
	c.MarkReady(ref(2).Remote, []byte{2})
	c.Reconcile(refs(9)) // 2 stale as well; 1 is the oldest

	one, _ := c.Record(tile.At1(3, 1))
	two, _ := c.Record(tile.At1(3, 2))
	assert.Nil(t, one.Payload)
	assert.Equal(t, Stale, one.State, "record stays until retirement executes")
	assert.Equal(t, []byte{2}, two.Payload)

	// Without a payload, re-entry means a refetch.
	res := c.Reconcile(refs(1, 9))
	assert.Equal(t, refs(1), res.ToFetch)
}

func TestFetchFailureRevertsToRequested(t *testing.T) {
	var failures []tile.Ref
	c := New(Options{Observer: ObserverFuncs{OnFailed: func(r tile.Ref, _ error) { failures = append(failures, r) }}})
	c.Reconcile(refs(1, 2))

	boom := errors.New("502")
	got := c.MarkFetchFailed(ref(1).Remote, boom)
	assert.Equal(t, addrs(1), got)
	assert.Equal(t, refs(1), failures)

	rec, _ := c.Record(tile.At1(3, 1))
	assert.Equal(t, Requested, rec.State)
	assert.ErrorIs(t, rec.Err, boom)
	assert.False(t, c.Claimed(ref(1).Remote))

	// The other tile is untouched and the failed one is retried next pass.
	res := c.Reconcile(refs(1, 2))
	assert.Equal(t, refs(1), res.ToFetch)
}

func TestSharedRemoteFetchedOnce(t *testing.T) {
	m := tile.Mirrored{Namer: tile.Namer{TilesetUID: "hic"}, Extent: tile.ExtentFull}
	visible := m.Refs(1, [][]uint32{{0, 1}, {0, 1}})
	c := New(Options{})

	res := c.Reconcile(visible)
	assert.Len(t, res.ToFetch, 3, "cells (0,1) and (1,0) share a remote id")

	res = c.MarkReady("hic.1.0.1", []byte("x"))
	assert.ElementsMatch(t, []tile.Address{tile.At2(1, 0, 1), tile.At2(1, 1, 0)}, res.Arrived)

	mirrored, _ := c.Record(tile.At2(1, 1, 0))
	assert.True(t, mirrored.Ref.Mirrored)
}

func TestClaimedRemoteNotRefetched(t *testing.T) {
	c := New(Options{})
	c.Reconcile(refs(1))

	// A second cell backed by the same remote joins the in-flight fetch.
	other := tile.Ref{Local: tile.At1(3, 40), Remote: ref(1).Remote}
	res := c.Reconcile([]tile.Ref{ref(1), other})
	assert.Empty(t, res.ToFetch)

	rec, _ := c.Record(other.Local)
	assert.Equal(t, Fetching, rec.State)
}

func TestRemoteChangeResetsRecord(t *testing.T) {
	c := New(Options{})
	fill(c, 1)

	changed := tile.Namer{TilesetUID: "t", Suffix: "KR"}
	r := tile.Ref{Local: tile.At1(3, 1), Remote: changed.Remote(tile.At1(3, 1))}
	res := c.Reconcile([]tile.Ref{r})
	assert.Equal(t, []tile.Ref{r}, res.ToFetch)
	assert.True(t, res.ReadyChanged)
}

func TestNearestAncestorAndDecoded(t *testing.T) {
	c := New(Options{})
	root := tile.Ref{Local: tile.At1(1, 0), Remote: namer.Remote(tile.At1(1, 0))}
	c.Reconcile([]tile.Ref{root})
	c.MarkReady(root.Remote, []byte("root"))

	anc, ok := c.NearestAncestor(tile.At1(3, 1))
	require.True(t, ok)
	assert.Equal(t, root.Local, anc.Address())

	d := &decode.Tile{Remote: root.Remote}
	assert.True(t, c.SetDecoded(root.Local, d))
	rec, _ := c.Record(root.Local)
	assert.Same(t, d, rec.Decoded)
	assert.False(t, c.SetDecoded(tile.At1(9, 9), d))
}

func TestNoFlickerInvariantUnderRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	c := New(Options{})
	var inflight []tile.RemoteID

	for step := 0; step < 5000; step++ {
		switch op := rng.Intn(3); {
		case op == 0 || len(inflight) == 0:
			start := uint32(rng.Intn(20))
			visible := refs(start, start+1, start+2)
			res := c.Reconcile(visible)
			for _, r := range res.ToFetch {
				inflight = append(inflight, r.Remote)
			}
			checkRetirement(t, c, res)
		default:
			i := rng.Intn(len(inflight))
			id := inflight[i]
			inflight = append(inflight[:i], inflight[i+1:]...)
			if op == 1 {
				checkRetirement(t, c, c.MarkReady(id, []byte("p")))
			} else {
				c.MarkFetchFailed(id, errors.New("timeout"))
			}
		}
	}
}

func checkRetirement(t *testing.T, c *TileCache, res ReconcileResult) {
	t.Helper()
	if len(res.ToRetire) == 0 {
		return
	}
	if !c.AllVisibleReady() {
		t.Fatalf("pass %d retired %v while the visible set was not ready", res.Pass, res.ToRetire)
	}
}
