package merge

import (
	"math"

	"github.com/agentic-research/tracemerge/internal/config"
	"github.com/agentic-research/tracemerge/internal/geom"
	"github.com/agentic-research/tracemerge/internal/mapstore"
	"github.com/agentic-research/tracemerge/internal/path"
	"github.com/paulmach/orb"
)

// headingFunc returns the direction a candidate travels in when seen from
// trace position pos. ok is false when any direction fits.
type headingFunc func(pos float64) (heading float64, ok bool)

// nodeHeading picks the edge bearing of n closest to ref. Nodes without
// edges accept any direction.
func nodeHeading(n *mapstore.Node, ref float64) (float64, bool) {
	best, bestDiff := 0.0, math.Inf(1)
	for _, edges := range [][]mapstore.Edge{n.Pred, n.Succ} {
		for _, e := range edges {
			if d := geom.AngleDiff(e.Bearing, ref); d < bestDiff {
				best, bestDiff = e.Bearing, d
			}
		}
	}
	return best, !math.IsInf(bestDiff, 1)
}

// discover adds every map and virtual node that fits the trace segment
// [from, to].
func (r *run) discover(from, to float64) error {
	a, b := r.tr.PointAt(from), r.tr.PointAt(to)
	sd := r.p.SearchDistance()
	maxAngle := r.p.Get(config.SearchAngle)
	bearing := geom.Bearing(a, b)
	poly := geom.Corridor(a, b, sd)

	refs, err := r.store.Nearby(poly)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		n, err := r.store.Node(ref)
		if err != nil {
			return err
		}
		if geom.SegmentDistance(n.Pos, a, b) >= sd {
			continue
		}
		if h, ok := nodeHeading(n, bearing); ok && geom.AngleDiff(h, bearing) >= maxAngle {
			continue
		}
		pos, ok := r.fit(n.Pos, to, func(at float64) (float64, bool) {
			return nodeHeading(n, r.tr.BearingAt(at))
		})
		if !ok {
			continue
		}
		r.path.Insert(path.Entry{Pos: pos, State: path.Real, Node: ref, Point: r.tr.PointAt(pos)})
	}

	gap := r.p.Get(config.VirtualMinTraceGap)
	for _, id := range r.virt.RangeQuery(poly) {
		vp := r.vpos[id]
		if math.Abs(vp-to) < gap {
			continue // same stretch of the trace
		}
		pt, _ := r.virt.Point(id)
		if geom.SegmentDistance(pt, a, b) >= sd {
			continue
		}
		h := r.tr.BearingAt(vp)
		if geom.AngleDiff(h, bearing) >= maxAngle {
			continue
		}
		pos, ok := r.fit(pt, to, func(float64) (float64, bool) { return h, true })
		if !ok {
			continue
		}
		r.path.Insert(path.Entry{Pos: pos, State: path.VirtualFound, Virtual: id, TracePos: vp, Point: r.tr.PointAt(pos)})
	}
	return nil
}

// fit finds where on the trace around position at the point pt belongs.
func (r *run) fit(pt orb.Point, at float64, heading headingFunc) (float64, bool) {
	sd := r.p.SearchDistance()
	pos, dist := r.tr.Project(pt, at-2*sd, at+2*sd)
	if pos < 0 || dist >= sd {
		return 0, false
	}
	if h, ok := heading(pos); ok && geom.AngleDiff(h, r.tr.BearingAt(pos)) >= r.p.Get(config.AcceptAngle) {
		return 0, false
	}
	return pos, true
}
