package merge

import (
	"log/slog"

	"github.com/agentic-research/tracemerge/internal/geom"
	"github.com/agentic-research/tracemerge/internal/mapstore"
)

// smooth moves the point where a new edge joins an existing road one node
// along, when the junction it created only has a single way out (or in).
func (r *run) smooth() error {
	maxStep := r.p.MaxStepDistance()
	for _, c := range r.newCrossings() {
		n, err := r.txn.Node(c.Ref)
		if err != nil {
			continue
		}
		switch {
		case len(n.Succ) == 1 && len(n.Pred) > 1:
			s := n.Succ[0].To
			for _, e := range n.Pred {
				if !r.newEdge(e.To, c.Ref) {
					continue
				}
				ok, err := r.bypass(e.To, c.Ref, s, maxStep, true)
				if err != nil {
					return err
				}
				if ok {
					break
				}
			}
		case len(n.Pred) == 1 && len(n.Succ) > 1:
			p := n.Pred[0].To
			for _, e := range n.Succ {
				if !r.newEdge(c.Ref, e.To) {
					continue
				}
				ok, err := r.bypass(p, c.Ref, e.To, maxStep, false)
				if err != nil {
					return err
				}
				if ok {
					break
				}
			}
		}
	}
	return nil
}

// newEdge reports whether a→b did not exist before the run.
func (r *run) newEdge(a, b mapstore.NodeRef) bool {
	orig, ok := r.txn.Original(r.originOf(a))
	return !ok || !orig.HasSucc(r.originOf(b))
}

// bypass replaces the new edge around junction c by a direct edge from
// from to to. When pred is true the new edge is from→c, else c→to.
func (r *run) bypass(from, c, to mapstore.NodeRef, maxStep float64, pred bool) (bool, error) {
	if from == to || r.store.Connected(from, to) {
		return false, nil
	}
	a, err := r.txn.Node(from)
	if err != nil {
		return false, nil
	}
	b, err := r.txn.Node(to)
	if err != nil {
		return false, nil
	}
	if geom.Distance(a.Pos, b.Pos) > maxStep {
		return false, nil
	}
	if err := r.txn.Connect(from, to); err != nil {
		return false, err
	}
	if pred {
		err = r.txn.Disconnect(from, c)
	} else {
		err = r.txn.Disconnect(c, to)
	}
	if err != nil {
		return false, err
	}
	r.res.Repairs.Smoothed++
	r.log.Debug("smoothed junction", slog.String("at", c.String()))
	return true, nil
}
