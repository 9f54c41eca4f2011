package merge

import (
	"log/slog"

	"github.com/agentic-research/tracemerge/api"
	"github.com/agentic-research/tracemerge/internal/config"
	"github.com/agentic-research/tracemerge/internal/geom"
	"github.com/agentic-research/tracemerge/internal/mapstore"
	"github.com/agentic-research/tracemerge/internal/path"
	"github.com/agentic-research/tracemerge/internal/spatial"
	"github.com/agentic-research/tracemerge/internal/trace"
	"github.com/paulmach/orb"
)

// run is the state of one merge. It is owned by a single goroutine.
type run struct {
	m     *Merger
	p     *config.Params
	store *mapstore.Store
	tr    *trace.Trace
	res   *Result
	log   *slog.Logger

	path  *path.Path
	steps []float64 // scan step per trace segment

	// virtual nodes sampled from the trace; ids are dense and in trace order
	virt *spatial.Index
	vpos []float64

	txn         *mapstore.Txn
	virtualNode map[spatial.ID]mapstore.NodeRef       // materialized virtual nodes
	created     map[mapstore.NodeRef]bool             // nodes added by this run
	origin      map[mapstore.NodeRef]mapstore.NodeRef // re-homed node → ref before the run
}

func newRun(m *Merger, tr *trace.Trace, res *Result, log *slog.Logger) *run {
	r := &run{
		m:           m,
		p:           m.params,
		store:       m.store,
		tr:          tr,
		res:         res,
		log:         log,
		virt:        spatial.New(geom.PadBound(tr.Bound(), 10)),
		virtualNode: make(map[spatial.ID]mapstore.NodeRef),
		created:     make(map[mapstore.NodeRef]bool),
		origin:      make(map[mapstore.NodeRef]mapstore.NodeRef),
	}
	r.path = path.New(r.adjacent)
	r.steps = stepSizes(tr, m.params)
	r.txn = m.store.Begin()
	return r
}

// execute runs scan, scoring, apply and repairs. The caller commits or
// rolls back r.txn.
func (r *run) execute() error {
	if err := r.scan(); err != nil {
		return err
	}
	if err := r.score(); err != nil {
		return err
	}
	if r.m.afterScore != nil {
		r.m.afterScore(r)
	}
	if err := r.validate(); err != nil {
		return err
	}
	if err := r.apply(); err != nil {
		return err
	}
	if !r.p.Optimisation {
		if err := r.repair(); err != nil {
			return err
		}
	}
	r.res.Crossings = len(r.newCrossings())
	if r.m.afterApply != nil {
		if err := r.m.afterApply(r); err != nil {
			return err
		}
	}
	return r.txn.Verify()
}

// adjacent orders entries sharing a trace position: map nodes by edge,
// virtual nodes by id.
func (r *run) adjacent(a, b *path.Entry) bool {
	switch {
	case a.State == path.Real && b.State == path.Real:
		return r.store.Connected(a.Node, b.Node)
	case a.IsVirtual() && b.IsVirtual():
		return path.VirtualPredecessorOf(a.Virtual, b.Virtual)
	default:
		return false
	}
}

// coord returns the map position an entry stands for.
func (r *run) coord(e *path.Entry) orb.Point {
	if e.State == path.Real {
		if n, err := r.store.Node(e.Node); err == nil {
			return n.Pos
		}
		return e.Point
	}
	if p, ok := r.virt.Point(e.Virtual); ok {
		return p
	}
	return e.Point
}

// remap follows a node that was re-homed into another tile.
func (r *run) remap(old, moved mapstore.NodeRef) {
	if old == moved {
		return
	}
	r.path.Remap(old, moved)
	for id, ref := range r.virtualNode {
		if ref == old {
			r.virtualNode[id] = moved
		}
	}
	if r.created[old] {
		delete(r.created, old)
		r.created[moved] = true
	}
	r.origin[moved] = r.originOf(old)
	delete(r.origin, old)
}

// originOf returns the reference ref had before the run.
func (r *run) originOf(ref mapstore.NodeRef) mapstore.NodeRef {
	if o, ok := r.origin[ref]; ok {
		return o
	}
	return ref
}

func (r *run) protocolPath() []api.PathEntry {
	var out []api.PathEntry
	for _, i := range r.path.Chain() {
		e := r.path.At(i)
		pe := api.PathEntry{
			Pos:   e.Pos,
			State: e.State.String(),
			Point: [2]float64{e.Point[0], e.Point[1]},
			Score: e.Score,
		}
		if e.State == path.Real {
			pe.Node = e.Node.String()
		} else {
			v := uint32(e.Virtual)
			pe.Virtual = &v
		}
		for _, f := range []struct {
			on   bool
			name string
		}{
			{e.Beginning, "beginning"},
			{e.Destination, "destination"},
			{e.Extra, "extra"},
			{e.Interpolated, "interpolated"},
			{e.NoConnection, "no_connection"},
		} {
			if f.on {
				pe.Flags = append(pe.Flags, f.name)
			}
		}
		out = append(out, pe)
	}
	return out
}
