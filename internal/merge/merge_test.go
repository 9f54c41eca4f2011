package merge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/agentic-research/tracemerge/api"
	"github.com/agentic-research/tracemerge/internal/config"
	"github.com/agentic-research/tracemerge/internal/geom"
	"github.com/agentic-research/tracemerge/internal/mapstore"
	"github.com/agentic-research/tracemerge/internal/path"
	"github.com/agentic-research/tracemerge/internal/trace"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var origin = orb.Point{13.4, 52.5}

// at returns the point x meters east and y meters north of origin.
func at(x, y float64) orb.Point {
	return geom.Offset(geom.Offset(origin, 90, x), 0, y)
}

// eastward samples y meters north of origin from x0 to x1 every step meters.
func eastward(x0, x1, step, y float64) orb.LineString {
	var ls orb.LineString
	for x := x0; x <= x1+1e-9; x += step {
		ls = append(ls, at(x, y))
	}
	return ls
}

// addChain commits connected nodes with the given observation count.
func addChain(t *testing.T, s *mapstore.Store, obs int, pts ...orb.Point) []mapstore.NodeRef {
	t.Helper()
	x := s.Begin()
	refs := make([]mapstore.NodeRef, len(pts))
	for i, p := range pts {
		ref, err := x.Add(p)
		require.NoError(t, err)
		require.NoError(t, x.SetObservations(ref, obs))
		refs[i] = ref
		if i > 0 {
			require.NoError(t, x.Connect(refs[i-1], ref))
		}
	}
	x.Commit()
	return refs
}

// walk follows single successors from the only node without predecessors.
func walk(t *testing.T, nodes map[mapstore.NodeRef]mapstore.Node) []mapstore.Node {
	t.Helper()
	var start *mapstore.Node
	for _, n := range nodes {
		if len(n.Pred) == 0 {
			require.Nil(t, start, "more than one chain start")
			n := n
			start = &n
		}
	}
	require.NotNil(t, start)
	out := []mapstore.Node{*start}
	for cur := *start; len(cur.Succ) > 0; {
		require.Len(t, cur.Succ, 1, "branch at %s", cur.Ref)
		cur = nodes[cur.Succ[0].To]
		out = append(out, cur)
		require.LessOrEqual(t, len(out), len(nodes), "cycle")
	}
	return out
}

func newMerger(s *mapstore.Store, opts ...Option) *Merger {
	return New(s, config.Defaults(), opts...)
}

func TestStraightTraceOnEmptyMap(t *testing.T) {
	s := mapstore.NewStore(mapstore.Options{})
	m := newMerger(s)

	res, err := m.Merge(context.Background(), trace.New("straight", eastward(0, 300, 10, 0)))
	require.NoError(t, err)
	require.Equal(t, Merged, res.Status, "%v", res.Reason)

	nodes := s.Export()
	assert.Equal(t, len(nodes), res.NodesCreated)
	assert.Equal(t, len(nodes)-1, res.EdgesCreated)
	assert.Zero(t, res.NodesMerged)
	assert.Zero(t, res.Crossings)

	chain := walk(t, nodes)
	require.Len(t, chain, len(nodes))
	for i := 1; i < len(chain); i++ {
		hop := geom.Distance(chain[i-1].Pos, chain[i].Pos)
		assert.LessOrEqual(t, hop, m.Params().MaxStepDistance()+1e-6)
		assert.InDelta(t, 90, chain[i-1].Succ[0].Bearing, 1)
		assert.Equal(t, 1, chain[i].Observations)
	}
	assert.InDelta(t, 0, geom.Distance(chain[0].Pos, at(0, 0)), 0.01)
	assert.InDelta(t, 0, geom.Distance(chain[len(chain)-1].Pos, at(300, 0)), 0.01)

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Zero(t, st.Crossings)
	require.NoError(t, s.CheckSymmetry())
}

func TestRetraceIsAbsorbed(t *testing.T) {
	s := mapstore.NewStore(mapstore.Options{})
	refs := addChain(t, s, 3, eastward(0, 300, 20, 0)...)
	before := s.Export()
	m := newMerger(s)

	res, err := m.Merge(context.Background(), trace.New("again", eastward(0, 300, 10, 3)))
	require.NoError(t, err)
	require.Equal(t, Merged, res.Status, "%v", res.Reason)
	assert.Zero(t, res.NodesCreated)
	assert.Zero(t, res.EdgesCreated)
	assert.Equal(t, len(refs), res.NodesMerged)

	after := s.Export()
	require.Len(t, after, len(before))
	chain := walk(t, after)
	require.Len(t, chain, len(refs))
	for i, n := range chain {
		assert.Equal(t, 4, n.Observations)
		// one more observation out of four pulls the node a quarter of
		// the 3 m offset towards the trace
		moved := geom.Distance(n.Pos, at(float64(i)*20, 0))
		assert.InDelta(t, 0.75, moved, 0.05, "node %d", i)
	}
	require.NoError(t, s.CheckSymmetry())
}

// loopTrace drives east, turns once counter-clockwise around a 20 m circle
// touching the road, and continues east.
func loopTrace() orb.LineString {
	ls := eastward(0, 100, 10, 0)
	const r = 20.0
	for k := 1; k <= 36; k++ {
		theta := (-90 + 10*float64(k)) * math.Pi / 180
		ls = append(ls, at(100+r*math.Cos(theta), r+r*math.Sin(theta)))
	}
	return append(ls, eastward(110, 200, 10, 0)...)
}

func TestLoopTraceIsRemoved(t *testing.T) {
	s := mapstore.NewStore(mapstore.Options{})
	m := newMerger(s)
	var sampled int
	m.afterScore = func(r *run) { sampled = len(r.vpos) }

	res, err := m.Merge(context.Background(), trace.New("loop", loopTrace()))
	require.NoError(t, err)
	require.Equal(t, Merged, res.Status, "%v", res.Reason)
	assert.GreaterOrEqual(t, res.Repairs.Loops, 1)
	assert.Positive(t, res.NodesRemoved)

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Less(t, st.Nodes, sampled)
	assert.Zero(t, st.Crossings)
	require.NoError(t, s.CheckSymmetry())

	// what is left is a single road from start to end
	chain := walk(t, s.Export())
	assert.Len(t, chain, st.Nodes)
}

func TestShortTraceIsRejected(t *testing.T) {
	s := mapstore.NewStore(mapstore.Options{})
	m := newMerger(s)

	res, err := m.Merge(context.Background(), trace.New("short", eastward(0, 20, 10, 0)))
	require.NoError(t, err)
	assert.Equal(t, Rejected, res.Status)
	assert.ErrorIs(t, res.Reason, ErrNothingToMerge)
	assert.Empty(t, s.Export())

	res, err = m.Merge(context.Background(), trace.New("point", orb.LineString{origin, origin}))
	require.NoError(t, err)
	assert.ErrorIs(t, res.Reason, ErrNothingToMerge)
}

func TestCancelledContextDoesNotStart(t *testing.T) {
	s := mapstore.NewStore(mapstore.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newMerger(s).Merge(ctx, trace.New("x", eastward(0, 300, 10, 0)))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, s.Export())
}

func TestInvalidPathLeavesMapUnchanged(t *testing.T) {
	s := mapstore.NewStore(mapstore.Options{})
	addChain(t, s, 2, eastward(0, 100, 20, 500)...)
	before := s.Export()

	params := config.Defaults()
	require.NoError(t, params.Set(config.MaxSpliceCount, 0))
	m := New(s, params)
	m.afterScore = func(r *run) {
		// route the chain through the last virtual node before the chain
		// has created it
		chain := r.path.Chain()
		require.GreaterOrEqual(t, len(chain), 3)
		last := r.path.At(chain[len(chain)-1]).Virtual
		a, b := r.path.At(chain[1]), r.path.At(chain[2])
		mid := (a.Pos + b.Pos) / 2
		i, ok := r.path.Insert(path.Entry{
			Pos: mid, State: path.VirtualFound, Virtual: last,
			TracePos: r.vpos[last], Point: r.tr.PointAt(mid),
		})
		require.True(t, ok)
		r.path.Link(chain[1], i)
		r.path.Link(i, chain[2])
	}

	res, err := m.Merge(context.Background(), trace.New("bad", eastward(0, 300, 10, 0)))
	require.NoError(t, err)
	assert.Equal(t, Rejected, res.Status)
	assert.ErrorIs(t, res.Reason, ErrInvalidPathScore)
	assert.Equal(t, before, s.Export())
}

func TestLateFailureRollsBack(t *testing.T) {
	s := mapstore.NewStore(mapstore.Options{})
	addChain(t, s, 2, eastward(0, 300, 20, 0)...)
	before := s.Export()

	m := newMerger(s)
	disk := errors.New("disk full")
	m.afterApply = func(*run) error { return disk }

	res, err := m.Merge(context.Background(), trace.New("doomed", eastward(0, 300, 10, 2)))
	assert.ErrorIs(t, err, disk)
	assert.Equal(t, Rejected, res.Status)
	assert.Equal(t, before, s.Export())
}

func TestInconsistencyIsRejected(t *testing.T) {
	s := mapstore.NewStore(mapstore.Options{})
	m := newMerger(s)
	m.afterApply = func(*run) error {
		return fmt.Errorf("node 1/2: %w", mapstore.ErrInconsistent)
	}

	res, err := m.Merge(context.Background(), trace.New("odd", eastward(0, 300, 10, 0)))
	require.NoError(t, err)
	assert.Equal(t, Rejected, res.Status)
	assert.ErrorIs(t, res.Reason, ErrNoUsablePath)
	assert.Empty(t, s.Export())
}

type memRecorder struct {
	mu   sync.Mutex
	runs []*api.Protocol
}

func (m *memRecorder) Record(p *api.Protocol) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, p)
	return nil
}

func TestProtocolIsRecorded(t *testing.T) {
	s := mapstore.NewStore(mapstore.Options{})
	rec := &memRecorder{}
	m := newMerger(s, WithRecorder(rec))

	res, err := m.Merge(context.Background(), trace.New("logged", eastward(0, 300, 10, 0)))
	require.NoError(t, err)
	require.Len(t, rec.runs, 1)

	p := rec.runs[0]
	assert.Equal(t, res.RunID, p.RunID)
	assert.Equal(t, "logged", p.TraceID)
	assert.Equal(t, "merged", p.Status)
	assert.Len(t, p.Trace, 31)
	assert.NotEmpty(t, p.Tiles)
	require.NotEmpty(t, p.Path)
	assert.Contains(t, p.Path[0].Flags, "beginning")
	assert.Contains(t, p.Path[len(p.Path)-1].Flags, "destination")
	assert.Equal(t, res.NodesCreated, p.Counts.NodesCreated)
	assert.Equal(t, 15.0, p.Params[config.SearchDistance])
}

func TestConcurrentMergesKeepMapConsistent(t *testing.T) {
	s := mapstore.NewStore(mapstore.Options{})
	m := newMerger(s)

	var g errgroup.Group
	g.SetLimit(4)
	results := make([]*Result, 8)
	for i := range results {
		// pairs of traces share a road
		y := float64(i/2) * 1000
		g.Go(func() error {
			res, err := m.Merge(context.Background(), trace.New(fmt.Sprint(i), eastward(0, 300, 10, y+float64(i%2))))
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())
	for i, res := range results {
		assert.Equal(t, Merged, res.Status, "trace %d: %v", i, res.Reason)
	}
	require.NoError(t, s.CheckSymmetry())
	st, err := s.Stats()
	require.NoError(t, err)
	assert.Zero(t, st.Crossings)
}
