package merge

import (
	"math"

	"github.com/agentic-research/tracemerge/internal/config"
	"github.com/agentic-research/tracemerge/internal/geom"
	"github.com/agentic-research/tracemerge/internal/path"
)

// linkRun is a stretch of consecutive entries of one kind that are linked
// to each other: map nodes by edges, created virtual nodes by id.
type linkRun struct {
	members []path.Index
	span    float64
}

func (lr *linkRun) first() path.Index { return lr.members[0] }

// score finds the beginning and destination and links the best-scoring
// chain between them through Next/Prev.
func (r *run) score() error {
	order := r.path.Order()
	if len(order) == 0 {
		return ErrNothingToMerge
	}
	begin := r.findEnd(order, true)
	dest := r.findEnd(order, false)
	if begin == path.None || dest == path.None {
		return ErrNothingToMerge
	}
	if r.path.At(begin).Pos >= r.path.At(dest).Pos {
		return ErrNothingToMerge
	}
	kb, kd := position(order, begin), position(order, dest)
	return r.bestChain(order, kb, kd)
}

func position(order []path.Index, i path.Index) int {
	for k, o := range order {
		if o == i {
			return k
		}
	}
	return -1
}

// findEnd detects the beginning (forward) or destination (backward): the
// first run reaching sufficient_path_length along the scan direction. The
// run's midpoint entry is returned, except for a run that starts at the
// trace edge, whose first entry is returned so the chain covers the whole
// trace.
func (r *run) findEnd(order []path.Index, forward bool) path.Index {
	seq := order
	if !forward {
		seq = make([]path.Index, len(order))
		for k, i := range order {
			seq[len(order)-1-k] = i
		}
	}
	realRun := r.firstRun(seq, path.Real, forward)
	vcRun := r.firstRun(seq, path.VirtualCreated, forward)

	var lr *linkRun
	switch {
	case realRun == nil && vcRun == nil:
		return path.None
	case realRun == nil:
		lr = vcRun
	case vcRun == nil:
		lr = realRun
	default:
		// the run reached first along the scan direction wins; ties go to
		// the map
		rp, vp := r.path.At(realRun.first()).Pos, r.path.At(vcRun.first()).Pos
		if !forward {
			rp, vp = -rp, -vp
		}
		lr = vcRun
		if rp <= vp+path.DedupeWindow {
			lr = realRun
		}
	}

	start := r.path.At(lr.first())
	edge := r.path.At(seq[0])
	if math.Abs(start.Pos-edge.Pos) <= path.DedupeWindow {
		return lr.first()
	}
	mid := (start.Pos + r.path.At(lr.members[len(lr.members)-1]).Pos) / 2
	best, bestDiff := lr.first(), math.Inf(1)
	for _, i := range lr.members {
		if d := math.Abs(r.path.At(i).Pos - mid); d < bestDiff {
			best, bestDiff = i, d
		}
	}
	return best
}

// firstRun returns the first run of state entries along seq whose span
// reaches sufficient_path_length.
func (r *run) firstRun(seq []path.Index, state path.State, forward bool) *linkRun {
	sufficient := r.p.Get(config.SufficientPathLen)
	var cur *linkRun
	for _, i := range seq {
		e := r.path.At(i)
		if e.State != state {
			continue
		}
		if cur != nil {
			last := r.path.At(cur.members[len(cur.members)-1])
			if r.linked(last, e, forward) {
				cur.members = append(cur.members, i)
				cur.span = math.Abs(e.Pos - r.path.At(cur.first()).Pos)
			} else {
				cur = nil
			}
		}
		if cur == nil {
			cur = &linkRun{members: []path.Index{i}}
		}
		if cur.span >= sufficient {
			return cur
		}
	}
	return nil
}

// linked reports whether e continues a run that ended at last.
func (r *run) linked(last, e *path.Entry, forward bool) bool {
	a, b := last, e
	if !forward {
		a, b = e, last
	}
	if a.State == path.Real {
		// a node found again at the next scan step continues the run
		return a.Node == b.Node || r.store.Connected(a.Node, b.Node)
	}
	return path.VirtualPredecessorOf(a.Virtual, b.Virtual)
}

// bestChain runs the backward dynamic program over order[kb..kd].
func (r *run) bestChain(order []path.Index, kb, kd int) error {
	lookahead := r.p.Get(config.LookaheadDistance)
	for k := kb; k <= kd; k++ {
		e := r.path.At(order[k])
		e.Score = math.Inf(-1)
		e.Next, e.Prev = path.None, path.None
		e.Run = 0
	}
	dest := r.path.At(order[kd])
	dest.Score = 0
	dest.Run = 1

	for k := kd - 1; k >= kb; k-- {
		ei := r.path.At(order[k])
		for k2 := k + 1; k2 <= kd; k2++ {
			ej := r.path.At(order[k2])
			if ej.Pos > ei.Pos+lookahead {
				break
			}
			if math.IsInf(ej.Score, -1) {
				continue
			}
			cost, edge := r.cost(ei, ej)
			if s := ej.Score - cost; s > ei.Score {
				ei.Score = s
				ei.Next = order[k2]
				ei.Run = 1
				if edge {
					ei.Run = ej.Run + 1
				}
			}
		}
	}

	begin := r.path.At(order[kb])
	if math.IsInf(begin.Score, -1) {
		return ErrInvalidPathScore
	}
	r.path.Begin, r.path.Dest = order[kb], order[kd]
	begin.Beginning = true
	dest.Destination = true
	for i := order[kb]; i != order[kd]; i = r.path.At(i).Next {
		r.path.At(r.path.At(i).Next).Prev = i
	}
	return nil
}

// cost is the penalty of stepping from a to b. edge reports a map hop
// along an existing edge.
func (r *run) cost(a, b *path.Entry) (float64, bool) {
	pa, pb := r.coord(a), r.coord(b)
	d := geom.Distance(pa, pb)
	c := r.p.Get(config.WeightDistance) * math.Pow(d/r.p.MaxStepDistance(), 1.5)
	if d > 0.5 {
		heading := r.tr.BearingAt((a.Pos + b.Pos) / 2)
		c += r.p.Get(config.WeightDirection) * geom.AngleDiff(geom.Bearing(pa, pb), heading)
	}
	t, edge := r.transition(a, b)
	if edge {
		t /= float64(max(b.Run, 1))
	}
	return c + t, edge
}

// transition is the state-change penalty between consecutive chain entries.
func (r *run) transition(a, b *path.Entry) (float64, bool) {
	get := r.p.Get
	switch a.State {
	case path.Real:
		switch b.State {
		case path.Real:
			if a.Node != b.Node && r.store.Connected(a.Node, b.Node) {
				return get(config.ScoreRealRealEdge), true
			}
			return get(config.ScoreRealRealNoEdge), false
		case path.VirtualCreated:
			return get(config.ScoreRealCreated), false
		default:
			return get(config.ScoreRealFound), false
		}
	case path.VirtualCreated:
		switch b.State {
		case path.Real:
			return get(config.ScoreCreatedReal), false
		case path.VirtualCreated:
			if path.VirtualPredecessorOf(a.Virtual, b.Virtual) {
				return get(config.ScoreCreatedCreatedAdj), false
			}
			return get(config.ScoreCreatedCreatedJump), false
		default:
			return get(config.ScoreCreatedFound), false
		}
	default:
		switch b.State {
		case path.Real:
			return get(config.ScoreFoundReal), false
		case path.VirtualCreated:
			return get(config.ScoreFoundCreated), false
		default:
			if path.VirtualPredecessorOf(a.Virtual, b.Virtual) {
				return get(config.ScoreFoundFoundAdj), false
			}
			return get(config.ScoreFoundFoundJump), false
		}
	}
}
