package merge

import (
	"sort"

	"github.com/RoaringBitmap/roaring"
	"github.com/agentic-research/tracemerge/internal/mapstore"
	"github.com/agentic-research/tracemerge/internal/path"
)

// crossingItem is a junction introduced by the current run.
type crossingItem struct {
	Ref  mapstore.NodeRef
	Pred int
	Succ int
}

// crossingBaseline collects the touched nodes that were junctions before
// the run, as one bitmap of local ids per tile.
func (r *run) crossingBaseline() map[mapstore.TileID]*roaring.Bitmap {
	baseline := make(map[mapstore.TileID]*roaring.Bitmap)
	for _, ref := range r.txn.Touched() {
		orig := r.originOf(ref)
		n, ok := r.txn.Original(orig)
		if !ok || !n.IsCrossing() {
			continue
		}
		bm := baseline[orig.Tile]
		if bm == nil {
			bm = roaring.New()
			baseline[orig.Tile] = bm
		}
		bm.Add(uint32(orig.Local))
	}
	return baseline
}

// newCrossings lists the touched nodes that are junctions now but were not
// before the run, ordered by reference.
func (r *run) newCrossings() []crossingItem {
	baseline := r.crossingBaseline()
	var out []crossingItem
	for _, ref := range r.txn.Touched() {
		n, err := r.txn.Node(ref)
		if err != nil || !n.IsCrossing() {
			continue
		}
		orig := r.originOf(ref)
		if bm := baseline[orig.Tile]; bm != nil && bm.Contains(uint32(orig.Local)) {
			continue
		}
		out = append(out, crossingItem{Ref: ref, Pred: len(n.Pred), Succ: len(n.Succ)})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Ref, out[j].Ref
		if a.Tile != b.Tile {
			return a.Tile < b.Tile
		}
		return a.Local < b.Local
	})
	return out
}

// removable reports whether ref is a node this run created that only
// carries one way through.
func (r *run) removable(ref mapstore.NodeRef) bool {
	if !r.created[ref] {
		return false
	}
	n, err := r.txn.Node(ref)
	return err == nil && len(n.Pred) == 1 && len(n.Succ) == 1
}

// onPath reports whether the run's chain touched ref.
func (r *run) onPath(ref mapstore.NodeRef) bool {
	return len(r.path.ByNode(ref)) > 0
}

// deleteNode removes a node created by this run together with its path
// entries. The chain is re-spliced around them.
func (r *run) deleteNode(ref mapstore.NodeRef) error {
	if err := r.txn.Remove(ref); err != nil {
		return err
	}
	for _, i := range append([]path.Index(nil), r.path.ByNode(ref)...) {
		if next := r.path.At(i).Next; next != path.None {
			r.path.At(next).NoConnection = true
		}
		r.path.Remove(i)
	}
	delete(r.created, ref)
	for id, v := range r.virtualNode {
		if v == ref {
			delete(r.virtualNode, id)
		}
	}
	r.res.NodesRemoved++
	return nil
}

// repair runs the clean-up passes in order.
func (r *run) repair() error {
	for _, pass := range []func() error{
		r.removeLoops,
		r.removeDoubleWays,
		r.mergeParallelLanes,
		r.smooth,
	} {
		if err := pass(); err != nil {
			return err
		}
	}
	return nil
}

// meanObservations averages the observation counts of refs.
func (r *run) meanObservations(refs []mapstore.NodeRef) float64 {
	if len(refs) == 0 {
		return 0
	}
	sum := 0
	for _, ref := range refs {
		if n, err := r.txn.Node(ref); err == nil {
			sum += n.Observations
		}
	}
	return float64(sum) / float64(len(refs))
}
