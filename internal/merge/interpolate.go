package merge

import (
	"math"

	"github.com/agentic-research/tracemerge/internal/geom"
	"github.com/agentic-research/tracemerge/internal/path"
)

// hopSlack absorbs rounding in hop lengths that are exact multiples of
// the interpolation distance.
const hopSlack = 1e-6

// connect adds the map edge between the nodes of chain entries i and j.
// Hops longer than the interpolation distance are replaced by a chain of
// evenly spaced new nodes, recorded in the path after i.
func (r *run) connect(i, j path.Index) error {
	a, b := r.path.At(i).Node, r.path.At(j).Node
	if a == b {
		return nil
	}
	na, err := r.txn.Node(a)
	if err != nil {
		return err
	}
	nb, err := r.txn.Node(b)
	if err != nil {
		return err
	}
	from, to := na.Pos, nb.Pos
	limit := r.p.InterpolationDistance()
	d := geom.Distance(from, to)

	if d <= limit+hopSlack {
		if na.HasSucc(b) {
			return nil
		}
		if err := r.txn.Connect(a, b); err != nil {
			return err
		}
		r.res.EdgesCreated++
		return nil
	}

	if na.HasSucc(b) {
		if err := r.txn.Disconnect(a, b); err != nil {
			return err
		}
	}
	n := int(math.Ceil((d - hopSlack) / limit))
	posA, posB := r.path.At(i).Pos, r.path.At(j).Pos
	prev, prevIdx := a, i
	for k := 1; k < n; k++ {
		f := float64(k) / float64(n)
		pt := geom.Interpolate(from, to, f)
		ref, err := r.txn.Add(pt)
		if err != nil {
			return err
		}
		if err := r.txn.SetObservations(ref, 1); err != nil {
			return err
		}
		r.created[ref] = true
		r.res.NodesCreated++
		if err := r.txn.Connect(prev, ref); err != nil {
			return err
		}
		r.res.EdgesCreated++
		prevIdx = r.path.InsertAfter(prevIdx, path.Entry{
			Pos:          posA + f*(posB-posA),
			State:        path.Real,
			Node:         ref,
			Point:        pt,
			Interpolated: true,
		})
		prev = ref
	}
	if err := r.txn.Connect(prev, b); err != nil {
		return err
	}
	r.res.EdgesCreated++
	r.path.At(i).InterpolatedBetween = true
	return nil
}
