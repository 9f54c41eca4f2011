package mapstore

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentic-research/tracemerge/internal/control"
	"github.com/agentic-research/tracemerge/internal/geom"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var origin = orb.Point{13.4, 52.5}

func openSQLite(t *testing.T) (*SQLiteBackend, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "map.db")
	b, err := OpenSQLite(path)
	require.NoError(t, err)
	return b, path
}

// addChain commits a chain of connected nodes at the given points.
func addChain(t *testing.T, s *Store, pts ...orb.Point) []NodeRef {
	t.Helper()
	x := s.Begin()
	refs := make([]NodeRef, len(pts))
	for i, p := range pts {
		ref, err := x.Add(p)
		require.NoError(t, err)
		refs[i] = ref
		if i > 0 {
			require.NoError(t, x.Connect(refs[i-1], ref))
		}
	}
	x.Commit()
	return refs
}

func TestConnectStoresIdenticalBearings(t *testing.T) {
	s := NewStore(Options{})
	b := geom.Offset(origin, 45, 20)
	refs := addChain(t, s, origin, b)

	na, err := s.Node(refs[0])
	require.NoError(t, err)
	nb, err := s.Node(refs[1])
	require.NoError(t, err)
	require.Len(t, na.Succ, 1)
	require.Len(t, nb.Pred, 1)
	assert.Equal(t, na.Succ[0].Bearing, nb.Pred[0].Bearing)
	assert.InDelta(t, geom.Bearing(origin, b), na.Succ[0].Bearing, 1e-9)
	assert.True(t, s.Connected(refs[0], refs[1]))
	assert.False(t, s.Connected(refs[1], refs[0]))
	require.NoError(t, s.CheckSymmetry())
}

func TestConnectIsIdempotentAndRejectsSelfLoops(t *testing.T) {
	s := NewStore(Options{})
	refs := addChain(t, s, origin, geom.Offset(origin, 90, 10))

	x := s.Begin()
	require.NoError(t, x.Connect(refs[0], refs[1]))
	assert.ErrorIs(t, x.Connect(refs[0], refs[0]), ErrSelfLoop)
	x.Commit()

	n, _ := s.Node(refs[0])
	assert.Len(t, n.Succ, 1)
}

func TestDisconnectRemovesBothSides(t *testing.T) {
	s := NewStore(Options{})
	refs := addChain(t, s, origin, geom.Offset(origin, 90, 10))

	x := s.Begin()
	require.NoError(t, x.Disconnect(refs[0], refs[1]))
	x.Commit()

	na, _ := s.Node(refs[0])
	nb, _ := s.Node(refs[1])
	assert.Empty(t, na.Succ)
	assert.Empty(t, nb.Pred)
}

func TestMoveRequiresEdgelessNode(t *testing.T) {
	s := NewStore(Options{})
	refs := addChain(t, s, origin, geom.Offset(origin, 90, 10))

	x := s.Begin()
	defer x.Rollback()
	_, err := x.Move(refs[0], geom.Offset(origin, 0, 3))
	assert.ErrorIs(t, err, ErrHasEdges)
}

func TestMoveRehomesAcrossTiles(t *testing.T) {
	s := NewStore(Options{})
	x := s.Begin()
	ref, err := x.Add(origin)
	require.NoError(t, err)
	require.NoError(t, x.SetObservations(ref, 3))

	same := geom.Offset(origin, 0, 2)
	moved, err := x.Move(ref, same)
	require.NoError(t, err)
	assert.Equal(t, ref, moved)

	far := geom.Offset(origin, 90, 2000)
	moved, err = x.Move(ref, far)
	require.NoError(t, err)
	x.Commit()

	assert.NotEqual(t, ref.Tile, moved.Tile)
	assert.Equal(t, s.TileIDFor(far), moved.Tile)
	_, err = s.Node(ref)
	assert.ErrorIs(t, err, ErrNotFound)
	n, err := s.Node(moved)
	require.NoError(t, err)
	assert.Equal(t, far, n.Pos)
	assert.Equal(t, 3, n.Observations)
}

func TestRollbackRestoresEverything(t *testing.T) {
	s := NewStore(Options{})
	refs := addChain(t, s, origin, geom.Offset(origin, 90, 10), geom.Offset(origin, 90, 20))
	before := s.Export()
	require.Len(t, before, 3)

	x := s.Begin()
	require.NoError(t, x.Disconnect(refs[0], refs[1]))
	_, err := x.Move(refs[0], geom.Offset(origin, 180, 5))
	require.NoError(t, err)
	require.NoError(t, x.Remove(refs[2]))
	added, err := x.Add(geom.Offset(origin, 0, 3000)) // new tile
	require.NoError(t, err)
	x.Rollback()

	assert.Equal(t, before, s.Export())
	_, err = s.Node(added)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.CheckSymmetry())

	// ids handed out inside the rolled back txn are not reused for
	// different nodes within the same tile
	x = s.Begin()
	again, err := x.Add(geom.Offset(origin, 0, 1))
	require.NoError(t, err)
	x.Commit()
	assert.Greater(t, again.Local, refs[2].Local)
}

func TestNearbyAcrossTiles(t *testing.T) {
	s := NewStore(Options{})
	// straddle a tile boundary by walking 1.5 km east
	var pts []orb.Point
	for d := 0.0; d <= 1500; d += 100 {
		pts = append(pts, geom.Offset(origin, 90, d))
	}
	refs := addChain(t, s, pts...)
	assert.Greater(t, len(s.TilesCovering(orb.LineString(pts).Bound())), 1)

	poly := geom.Corridor(pts[0], pts[len(pts)-1], 5)
	found, err := s.Nearby(poly)
	require.NoError(t, err)
	assert.ElementsMatch(t, refs, found)

	found, err = s.Nearby(geom.Corridor(geom.Offset(origin, 0, 500), geom.Offset(origin, 0, 600), 5))
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestSQLitePersistence(t *testing.T) {
	backend, _ := openSQLite(t)
	s := NewStore(Options{Backend: backend})
	refs := addChain(t, s, origin, geom.Offset(origin, 90, 1000), geom.Offset(origin, 90, 2000))
	written, err := s.Flush()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, written, 2)
	assert.Empty(t, s.DirtyTiles())

	fresh := NewStore(Options{Backend: backend})
	for i, ref := range refs {
		n, err := fresh.Node(ref)
		require.NoError(t, err, "node %d", i)
		want, _ := s.Node(ref)
		assert.Equal(t, want.Pos, n.Pos)
		assert.Equal(t, want.Pred, n.Pred)
		assert.Equal(t, want.Succ, n.Succ)
	}
	require.NoError(t, fresh.CheckSymmetry())

	st, err := fresh.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, st.Nodes)
	assert.Equal(t, 2, st.Edges)
	assert.Zero(t, st.Crossings)
	require.NoError(t, fresh.Close())
}

func TestEvictionWritesBackDirtyTiles(t *testing.T) {
	backend, _ := openSQLite(t)
	defer func() { _ = backend.Close() }()
	s := NewStore(Options{Backend: backend, MaxTiles: 1})

	refs := addChain(t, s, origin, geom.Offset(origin, 90, 1000))
	require.NotEqual(t, refs[0].Tile, refs[1].Tile)

	// loading a third tile pushes both out
	_, err := s.GetOrCreate(s.TileIDFor(geom.Offset(origin, 0, 3000)))
	require.NoError(t, err)
	assert.Empty(t, s.Export())

	n, err := s.Node(refs[0])
	require.NoError(t, err)
	require.Len(t, n.Succ, 1)
	assert.Equal(t, refs[1], n.Succ[0].To)
	require.NoError(t, s.checkSymmetry(refs[0]))
}

func TestLockRegionIsExclusive(t *testing.T) {
	s := NewStore(Options{})
	b := orb.LineString{origin, geom.Offset(origin, 90, 1500)}.Bound()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := s.LockRegion(b)
			defer r.Release()
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Empty(t, s.locks)
}

func TestFlushSkipsLockedTiles(t *testing.T) {
	backend, _ := openSQLite(t)
	defer func() { _ = backend.Close() }()
	s := NewStore(Options{Backend: backend})
	addChain(t, s, origin)

	r := s.LockRegion(orb.Bound{Min: origin, Max: origin})
	n, err := s.Flush()
	require.NoError(t, err)
	assert.Zero(t, n)
	r.Release()

	n, err = s.Flush()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFlusherPublishesGeneration(t *testing.T) {
	backend, path := openSQLite(t)
	s := NewStore(Options{Backend: backend})
	ctrl, err := control.OpenOrCreate(filepath.Join(t.TempDir(), "map.ctl"))
	require.NoError(t, err)
	defer func() { _ = ctrl.Close() }()

	f := NewFlusher(s, path, ctrl)
	f.Start(10 * time.Millisecond)

	addChain(t, s, origin, geom.Offset(origin, 90, 10))
	f.RequestFlush()
	require.Eventually(t, func() bool { return ctrl.Generation() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, path, ctrl.StorePath())

	// nothing dirty: close does not publish again
	require.NoError(t, f.Close())
	assert.NoError(t, f.LastError())
	assert.Equal(t, uint64(1), ctrl.Generation())
	require.NoError(t, s.Close())
}

func TestTxnOriginal(t *testing.T) {
	s := NewStore(Options{})
	refs := addChain(t, s, origin, geom.Offset(origin, 90, 10))

	x := s.Begin()
	defer x.Rollback()
	added, err := x.Add(geom.Offset(origin, 0, 10))
	require.NoError(t, err)
	require.NoError(t, x.Connect(refs[1], added))

	orig, ok := x.Original(refs[1])
	require.True(t, ok)
	assert.Empty(t, orig.Succ)
	cur, err := x.Node(refs[1])
	require.NoError(t, err)
	assert.Len(t, cur.Succ, 1)

	_, ok = x.Original(added)
	assert.False(t, ok)
}

func TestReadersWaitForHeldRegion(t *testing.T) {
	s := NewStore(Options{})
	east := geom.Offset(origin, 90, 10)
	north := geom.Offset(origin, 0, 5)
	addChain(t, s, origin, east)

	r := s.LockRegion(orb.LineString{origin, east, north}.Bound())
	x := s.Begin()
	_, err := x.Add(north)
	require.NoError(t, err)

	stats := make(chan Stats, 1)
	go func() {
		st, err := s.Stats()
		assert.NoError(t, err)
		stats <- st
	}()
	exported := make(chan map[NodeRef]Node, 1)
	go func() { exported <- s.Export() }()
	checked := make(chan error, 1)
	go func() { checked <- s.CheckSymmetry() }()

	select {
	case <-stats:
		t.Fatal("stats returned while the region was held")
	case <-exported:
		t.Fatal("export returned while the region was held")
	case <-checked:
		t.Fatal("symmetry check returned while the region was held")
	case <-time.After(50 * time.Millisecond):
	}
	x.Rollback()
	r.Release()

	st := <-stats
	assert.Equal(t, 2, st.Nodes)
	assert.Equal(t, 1, st.Edges)
	assert.Equal(t, 2, st.Cached)
	assert.Len(t, <-exported, 2)
	assert.NoError(t, <-checked)
	assert.Empty(t, s.locks)
}

func TestReadersRunAlongsideEdits(t *testing.T) {
	s := NewStore(Options{})
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			_, err := s.Stats()
			assert.NoError(t, err)
			for _, n := range s.Export() {
				assert.LessOrEqual(t, len(n.Succ), 1)
			}
			assert.NoError(t, s.CheckSymmetry())
		}
	}()

	prev := origin
	for d := 10.0; d <= 200; d += 10 {
		p := geom.Offset(origin, 90, d)
		r := s.LockRegion(orb.LineString{prev, p}.Bound())
		addChain(t, s, prev, p)
		r.Release()
		prev = p
	}
	close(done)
	wg.Wait()

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 40, st.Nodes)
	assert.Equal(t, 20, st.Edges)
	assert.Equal(t, 40, st.Cached)
}
