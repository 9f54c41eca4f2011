package merge

import (
	"log/slog"

	"github.com/agentic-research/tracemerge/internal/config"
	"github.com/agentic-research/tracemerge/internal/mapstore"
)

// removeDoubleWays deletes a new branch that splits off a junction and
// rejoins the branch it split from a few nodes later.
func (r *run) removeDoubleWays() error {
	depth := int(r.p.Get(config.DoublewayMaxDepth))
	for _, c := range r.newCrossings() {
		n, err := r.txn.Node(c.Ref)
		if err != nil || len(n.Succ) < 2 {
			continue
		}
		firsts := make([]mapstore.NodeRef, len(n.Succ))
		for i, e := range n.Succ {
			firsts[i] = e.To
		}
	pairs:
		for i := 0; i < len(firsts); i++ {
			for j := i + 1; j < len(firsts); j++ {
				victim := r.doubleWay(c.Ref, firsts[i], firsts[j], depth)
				if victim == nil {
					continue
				}
				for _, ref := range victim {
					if err := r.deleteNode(ref); err != nil {
						return err
					}
				}
				r.res.Repairs.DoubleWays++
				r.log.Debug("removed double way", slog.String("at", c.Ref.String()), slog.Int("nodes", len(victim)))
				break pairs
			}
		}
	}
	return nil
}

// branch follows single successors from first for at most depth nodes.
func (r *run) branch(from, first mapstore.NodeRef, depth int) []mapstore.NodeRef {
	seq := []mapstore.NodeRef{first}
	for len(seq) < depth {
		n, err := r.txn.Node(seq[len(seq)-1])
		if err != nil || len(n.Succ) != 1 {
			break
		}
		next := n.Succ[0].To
		if next == from {
			break
		}
		seq = append(seq, next)
	}
	return seq
}

// doubleWay returns the interior of the branch to delete when the branches
// starting at a and b reconverge, or nil.
func (r *run) doubleWay(from, a, b mapstore.NodeRef, depth int) []mapstore.NodeRef {
	ba, bb := r.branch(from, a, depth), r.branch(from, b, depth)
	at := make(map[mapstore.NodeRef]int, len(bb))
	for k, ref := range bb {
		at[ref] = k
	}
	ia, ib := -1, -1
	for k, ref := range ba {
		if kb, ok := at[ref]; ok {
			ia, ib = k, kb
			break
		}
	}
	if ia < 0 {
		return nil
	}
	inA, inB := ba[:ia], bb[:ib]
	okA, okB := r.allRemovable(inA), r.allRemovable(inB)
	switch {
	case okA && okB:
		ma, mb := r.meanObservations(inA), r.meanObservations(inB)
		if ma < mb || (ma == mb && len(inA) <= len(inB)) {
			return inA
		}
		return inB
	case okA:
		return inA
	case okB:
		return inB
	default:
		return nil
	}
}

// allRemovable reports whether refs is non-empty and every node in it is
// removable.
func (r *run) allRemovable(refs []mapstore.NodeRef) bool {
	if len(refs) == 0 {
		return false
	}
	for _, ref := range refs {
		if !r.removable(ref) {
			return false
		}
	}
	return true
}
