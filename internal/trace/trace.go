// Package trace holds GPS traces and the along-trace queries the merge engine
// runs against them.
package trace

import (
	"errors"
	"math"
	"sort"

	"github.com/agentic-research/tracemerge/internal/geom"
	"github.com/paulmach/orb"
)

// ErrTooShort is returned for traces with fewer than two distinct points.
var ErrTooShort = errors.New("trace has fewer than two distinct points")

// Trace is an ordered GPS polyline. Precompute must run before any
// along-trace query.
type Trace struct {
	ID     string
	points orb.LineString
	dist   []float64 // cumulative meters at each vertex
	length float64
}

// New copies the points, dropping consecutive duplicates.
func New(id string, points orb.LineString) *Trace {
	ls := make(orb.LineString, 0, len(points))
	for _, p := range points {
		if len(ls) > 0 && ls[len(ls)-1].Equal(p) {
			continue
		}
		ls = append(ls, p)
	}
	return &Trace{ID: id, points: ls}
}

// Precompute builds the cumulative distance table.
func (t *Trace) Precompute() error {
	if len(t.points) < 2 {
		return ErrTooShort
	}
	t.dist = make([]float64, len(t.points))
	for i := 1; i < len(t.points); i++ {
		t.dist[i] = t.dist[i-1] + geom.Distance(t.points[i-1], t.points[i])
	}
	t.length = t.dist[len(t.dist)-1]
	if t.length == 0 {
		return ErrTooShort
	}
	return nil
}

// Length returns the total length in meters.
func (t *Trace) Length() float64 { return t.length }

// Points returns the trace vertices. The slice must not be modified.
func (t *Trace) Points() orb.LineString { return t.points }

// Len returns the number of vertices.
func (t *Trace) Len() int { return len(t.points) }

// Vertex returns vertex i and its along-trace position.
func (t *Trace) Vertex(i int) (orb.Point, float64) {
	return t.points[i], t.dist[i]
}

// Bound returns the bounding box of the trace.
func (t *Trace) Bound() orb.Bound { return t.points.Bound() }

// segmentAt returns the index i of the segment [i, i+1] containing m.
func (t *Trace) segmentAt(m float64) int {
	if m <= 0 {
		return 0
	}
	if m >= t.length {
		return len(t.points) - 2
	}
	i := sort.SearchFloat64s(t.dist, m)
	if i > 0 && (i == len(t.dist) || t.dist[i] > m) {
		i--
	}
	if i > len(t.points)-2 {
		i = len(t.points) - 2
	}
	return i
}

// PointsAround returns the vertex indices enclosing position m together with
// their along-trace positions.
func (t *Trace) PointsAround(m float64) (before, after int, beforeM, afterM float64) {
	i := t.segmentAt(m)
	return i, i + 1, t.dist[i], t.dist[i+1]
}

// PointAt returns the point m meters along the trace, clamped to the ends.
func (t *Trace) PointAt(m float64) orb.Point {
	if m <= 0 {
		return t.points[0]
	}
	if m >= t.length {
		return t.points[len(t.points)-1]
	}
	b, a, bm, am := t.PointsAround(m)
	if am == bm {
		return t.points[b]
	}
	return geom.Interpolate(t.points[b], t.points[a], (m-bm)/(am-bm))
}

// BearingAt returns the heading of the segment containing m.
func (t *Trace) BearingAt(m float64) float64 {
	b, a, _, _ := t.PointsAround(m)
	return geom.Bearing(t.points[b], t.points[a])
}

// Curvature returns the turn rate (radians per meter) at vertex i. End
// vertices have zero curvature.
func (t *Trace) Curvature(i int) float64 {
	if i <= 0 || i >= len(t.points)-1 {
		return 0
	}
	l := (t.dist[i+1] - t.dist[i-1]) / 2
	if l <= 0 {
		return 0
	}
	return geom.TurnAngle(t.points[i-1], t.points[i], t.points[i+1]) / l
}

// MaxCurvature returns the largest vertex curvature within [from, to].
func (t *Trace) MaxCurvature(from, to float64) float64 {
	lo := sort.SearchFloat64s(t.dist, from)
	k := 0.0
	for i := lo; i < len(t.dist) && t.dist[i] <= to; i++ {
		k = math.Max(k, t.Curvature(i))
	}
	return k
}

// Project returns the along-trace position and distance of the point on the
// trace closest to p, searching only within [from, to]. Perpendicular feet
// are preferred; when no sub-segment has one the nearest vertex is used.
func (t *Trace) Project(p orb.Point, from, to float64) (pos, dist float64) {
	from = math.Max(0, from)
	to = math.Min(t.length, to)
	first := t.segmentAt(from)
	last := t.segmentAt(to)

	pos, dist = -1, math.Inf(1)
	for i := first; i <= last; i++ {
		foot, f, ok := geom.Foot(p, t.points[i], t.points[i+1])
		if !ok {
			continue
		}
		m := t.dist[i] + f*(t.dist[i+1]-t.dist[i])
		if m < from || m > to {
			continue
		}
		if d := geom.Distance(p, foot); d < dist {
			pos, dist = m, d
		}
	}
	if pos >= 0 {
		return pos, dist
	}
	for i := first; i <= last+1; i++ {
		if t.dist[i] < from || t.dist[i] > to {
			continue
		}
		if d := geom.Distance(p, t.points[i]); d < dist {
			pos, dist = t.dist[i], d
		}
	}
	if pos < 0 {
		// window holds no vertex; use the window ends
		for _, m := range []float64{from, to} {
			if d := geom.Distance(p, t.PointAt(m)); d < dist {
				pos, dist = m, d
			}
		}
	}
	return pos, dist
}
