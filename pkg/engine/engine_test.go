package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soma-tiles/pyramid/pkg/decode"
	"github.com/soma-tiles/pyramid/pkg/faults"
	"github.com/soma-tiles/pyramid/pkg/fetch"
	"github.com/soma-tiles/pyramid/pkg/tile"
	"github.com/soma-tiles/pyramid/pkg/tilecache"
	"github.com/soma-tiles/pyramid/pkg/viewport"
)

var linearMeta = tile.Metadata{
	MinPos:   []float64{0},
	MaxPos:   []float64{1024},
	MaxZoom:  4,
	MaxWidth: 1024,
	TileSize: 256,
}

type fakeTransport struct {
	mu          sync.Mutex
	calls       [][]tile.RemoteID
	infoCalls   int
	missing     map[tile.RemoteID]bool
	corrupt     map[tile.RemoteID]bool
	invalidated []tile.RemoteID
	sessions    map[uuid.UUID]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{missing: map[tile.RemoteID]bool{}, corrupt: map[tile.RemoteID]bool{}, sessions: map[uuid.UUID]bool{}}
}

func (f *fakeTransport) Invalidate(source fetch.SourceID, id tile.RemoteID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, id)
}

func (f *fakeTransport) FetchTilesetInfo(ctx context.Context, source fetch.SourceID, uid string) (tile.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infoCalls++
	if uid == "broken" {
		return tile.Metadata{}, fmt.Errorf("no tileset %s", uid)
	}
	return linearMeta, nil
}

func (f *fakeTransport) FetchTiles(ctx context.Context, source fetch.SourceID, session uuid.UUID, ids []tile.RemoteID) (map[tile.RemoteID][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]tile.RemoteID(nil), ids...))
	f.sessions[session] = true

	dense, err := decode.EncodeDense([]float32{1, 2, 3, 4}, "float32")
	if err != nil {
		return nil, err
	}
	out := make(map[tile.RemoteID][]byte, len(ids))
	for _, id := range ids {
		if f.missing[id] {
			continue
		}
		if f.corrupt[id] {
			out[id] = []byte(`{"dense":"%%%","dtype":"float32"}`)
			continue
		}
		out[id] = []byte(fmt.Sprintf(`{"dense":%q,"dtype":"float32","shape":[4]}`, dense))
	}
	return out, nil
}

func (f *fakeTransport) setMissing(id tile.RemoteID, missing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missing[id] = missing
}

func (f *fakeTransport) setCorrupt(id tile.RemoteID, corrupt bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.corrupt[id] = corrupt
}

func (f *fakeTransport) invalidations() []tile.RemoteID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tile.RemoteID(nil), f.invalidated...)
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) call(i int) []tile.RemoteID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (l *changeLog) record(c Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

func (l *changeLog) allLoaded() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.changes {
		if c.AllLoaded {
			n++
		}
	}
	return n
}

func (l *changeLog) retired() []tile.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []tile.Address
	for _, c := range l.changes {
		out = append(out, c.Retired...)
	}
	return out
}

func (l *changeLog) failed() []tile.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []tile.Address
	for _, c := range l.changes {
		out = append(out, c.Failed...)
	}
	return out
}

func newTestEngine(t *testing.T, tr fetch.Transport, opts Options) *Engine {
	t.Helper()
	opts.Transport = tr
	if opts.Debounce == 0 {
		opts.Debounce = time.Hour
		opts.MaxDelay = time.Hour
	}
	e, err := New(viewport.NewScale([2]float64{0, 1024}, [2]float64{0, 384}), viewport.Scale{}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func readyAddrs(t *testing.T, e *Engine, tr *Track) []tile.Address {
	t.Helper()
	var out []tile.Address
	require.NoError(t, e.Do(func() {
		for _, r := range tr.ReadyTiles() {
			out = append(out, r.Address())
		}
	}))
	return out
}

func TestTrackLoadsAndRetiresAfterZoom(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, ft, Options{})

	var log changeLog
	md := linearMeta
	tr, err := e.AddTrack(TrackConfig{ID: "a", Source: "srv", TilesetUID: "t1", Metadata: &md, OnChange: log.record})
	require.NoError(t, err)

	require.NoError(t, e.Flush())
	require.Eventually(t, func() bool { return log.allLoaded() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []tile.Address{tile.At1(0, 0)}, readyAddrs(t, e, tr))
	assert.Equal(t, []tile.RemoteID{"t1.0.0"}, ft.call(0))

	require.NoError(t, e.SetTransform(4, 0, 0))
	require.NoError(t, e.Do(func() {
		assert.Empty(t, tr.ReadyTiles())
		display := tr.DisplayTiles()
		require.Len(t, display, 1)
		assert.Equal(t, tile.At1(0, 0), display[0].Address())
		assert.Equal(t, tilecache.Stale, display[0].State)
		assert.Equal(t, uint32(2), tr.Coverage().Zoom)
		assert.Equal(t, viewport.Transform{K: 4}, tr.GraphicsTransform())
	}))
	assert.Empty(t, log.retired())

	require.NoError(t, e.Flush())
	require.Eventually(t, func() bool { return log.allLoaded() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []tile.Address{tile.At1(0, 0)}, log.retired())
	assert.Equal(t, []tile.Address{tile.At1(2, 0)}, readyAddrs(t, e, tr))

	require.NoError(t, e.Do(func() {
		d, ok := tr.Decoded(tile.At1(2, 0))
		require.True(t, ok)
		assert.Equal(t, []float32{1, 2, 3, 4}, d.Dense)
		assert.Equal(t, float32(4), d.Max)
	}))
}

func TestSharedRemoteFetchedOnce(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, ft, Options{})

	shared, err := decode.NewCache(16)
	require.NoError(t, err)

	var la, lb changeLog
	a, err := e.AddTrack(TrackConfig{ID: "a", Source: "srv", TilesetUID: "t1", Decoded: shared, OnChange: la.record})
	require.NoError(t, err)
	b, err := e.AddTrack(TrackConfig{ID: "b", Source: "srv", TilesetUID: "t1", Decoded: shared, OnChange: lb.record})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var ok bool
		_ = e.Do(func() { _, ok = b.Metadata() })
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Flush())
	require.Eventually(t, func() bool { return la.allLoaded() == 1 && lb.allLoaded() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, ft.callCount())
	assert.Equal(t, []tile.RemoteID{"t1.0.0"}, ft.call(0))
	ft.mu.Lock()
	assert.Equal(t, 1, ft.infoCalls)
	assert.True(t, ft.sessions[e.SessionID()])
	ft.mu.Unlock()

	assert.Equal(t, readyAddrs(t, e, a), readyAddrs(t, e, b))
	assert.Equal(t, 1, shared.Len())
}

func TestFailedTileRetries(t *testing.T) {
	ft := newFakeTransport()
	ft.setMissing("t1.0.0", true)
	e := newTestEngine(t, ft, Options{})

	var log changeLog
	md := linearMeta
	tr, err := e.AddTrack(TrackConfig{ID: "a", Source: "srv", TilesetUID: "t1", Metadata: &md, OnChange: log.record})
	require.NoError(t, err)

	require.NoError(t, e.Flush())
	require.Eventually(t, func() bool { return len(log.failed()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, e.Do(func() {
		rec, ok := tr.cache.Record(tile.At1(0, 0))
		require.True(t, ok)
		assert.Equal(t, tilecache.Requested, rec.State)
		assert.ErrorIs(t, rec.Err, fetch.ErrTileMissing)
	}))

	ft.setMissing("t1.0.0", false)
	require.NoError(t, e.Retry())
	require.NoError(t, e.Flush())
	require.Eventually(t, func() bool { return log.allLoaded() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, ft.callCount())
}

func TestCorruptPayloadInvalidated(t *testing.T) {
	ft := newFakeTransport()
	ft.setCorrupt("t1.0.0", true)
	e := newTestEngine(t, ft, Options{})

	var log changeLog
	md := linearMeta
	_, err := e.AddTrack(TrackConfig{ID: "a", Source: "srv", TilesetUID: "t1", Metadata: &md, OnChange: log.record})
	require.NoError(t, err)

	require.NoError(t, e.Flush())
	require.Eventually(t, func() bool { return len(log.failed()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []tile.RemoteID{"t1.0.0"}, ft.invalidations())

	ft.setCorrupt("t1.0.0", false)
	require.NoError(t, e.Retry())
	require.NoError(t, e.Flush())
	require.Eventually(t, func() bool { return log.allLoaded() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, ft.invalidations(), 1)
}

func TestResizeKeepsCentre(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, ft, Options{})

	md := linearMeta
	tr, err := e.AddTrack(TrackConfig{ID: "a", Source: "srv", TilesetUID: "t1", Metadata: &md})
	require.NoError(t, err)

	require.NoError(t, e.Resize([2]float64{0, 768}, [2]float64{0, 384}))
	v, err := e.Viewport()
	require.NoError(t, err)
	assert.InDelta(t, -512, v.X.Domain[0], 1e-9)
	assert.InDelta(t, 1536, v.X.Domain[1], 1e-9)
	assert.Equal(t, [2]float64{0, 768}, v.X.Range)

	require.NoError(t, e.Do(func() {
		cov := tr.Coverage()
		assert.Equal(t, uint32(1), cov.Zoom)
		require.Len(t, cov.Refs, 2)
		assert.Equal(t, tile.RemoteID("t1.1.0"), cov.Refs[0].Remote)
		assert.Equal(t, tile.RemoteID("t1.1.1"), cov.Refs[1].Remote)
	}))

	err = e.Resize([2]float64{10, 10}, [2]float64{0, 384})
	assert.True(t, faults.Is(err, faults.Addressing))
}

func TestPanFarOutsideExtent(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, ft, Options{})

	md := linearMeta
	tr, err := e.AddTrack(TrackConfig{ID: "a", Source: "srv", TilesetUID: "t1", Metadata: &md})
	require.NoError(t, err)

	for _, tx := range []float64{-3.75e17, 3.75e17} {
		require.NoError(t, e.SetTransform(1e-4, tx, 0))
		require.NoError(t, e.Do(func() {
			assert.Empty(t, tr.Coverage().Refs)
		}))
	}

	require.NoError(t, e.SetTransform(1, 0, 0))
	require.NoError(t, e.Do(func() {
		assert.Len(t, tr.Coverage().Refs, 1)
	}))
}

func TestTilesetInfoFailure(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, ft, Options{})

	errs := make(chan error, 1)
	_, err := e.AddTrack(TrackConfig{ID: "a", Source: "srv", TilesetUID: "broken", OnChange: func(c Change) {
		if c.Err != nil {
			errs <- c.Err
		}
	}})
	require.NoError(t, err)

	select {
	case err := <-errs:
		assert.True(t, faults.Is(err, faults.Transport))
	case <-time.After(time.Second):
		t.Fatal("no failure notification")
	}
	assert.Equal(t, 0, ft.callCount())
}

func TestRemoveTrackWithdrawsPendingFetch(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, ft, Options{})

	md := linearMeta
	_, err := e.AddTrack(TrackConfig{ID: "a", Source: "srv", TilesetUID: "t1", Metadata: &md})
	require.NoError(t, err)
	require.NoError(t, e.RemoveTrack("a"))
	require.NoError(t, e.Flush())

	assert.Equal(t, 0, e.InFlight())
	assert.Equal(t, 0, ft.callCount())
	_, ok := e.Track("a")
	assert.False(t, ok)
	assert.Error(t, e.RemoveTrack("a"))
}

func TestDebounceFlushesWithoutExplicitFlush(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, ft, Options{Debounce: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond})

	var log changeLog
	md := linearMeta
	_, err := e.AddTrack(TrackConfig{ID: "a", Source: "srv", TilesetUID: "t1", Metadata: &md, OnChange: log.record})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return log.allLoaded() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, ft.callCount())
}

func TestInvalidInput(t *testing.T) {
	ft := newFakeTransport()
	e := newTestEngine(t, ft, Options{})

	err := e.SetTransform(0, 0, 0)
	assert.True(t, faults.Is(err, faults.Addressing))

	_, err = e.AddTrack(TrackConfig{Source: "srv", TilesetUID: "t1"})
	assert.True(t, faults.Is(err, faults.Config))

	md := linearMeta
	_, err = e.AddTrack(TrackConfig{ID: "m", Source: "srv", TilesetUID: "t1", Layout: LayoutMatrix, Metadata: &md})
	assert.True(t, faults.Is(err, faults.Addressing))

	_, err = New(viewport.Scale{}, viewport.Scale{}, Options{Transport: ft})
	assert.Error(t, err)
	_, err = New(viewport.NewScale([2]float64{0, 1}, [2]float64{0, 1}), viewport.Scale{}, Options{})
	assert.True(t, faults.Is(err, faults.Config))
}

func TestClosedEngine(t *testing.T) {
	e := newTestEngine(t, newFakeTransport(), Options{})
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Flush(), ErrClosed)
	assert.ErrorIs(t, e.SetTransform(2, 0, 0), ErrClosed)
	require.NoError(t, e.Close())
}
