package merge

import (
	"log/slog"
	"slices"

	"github.com/agentic-research/tracemerge/internal/config"
	"github.com/agentic-research/tracemerge/internal/geom"
	"github.com/agentic-research/tracemerge/internal/mapstore"
)

// removeLoops deletes spurious cycles: a trace that circles back onto
// itself (a roundabout driven one and a half times, GPS drift at a stop)
// leaves a loop of new nodes hanging off a new junction.
func (r *run) removeLoops() error {
	maxDepth := int(r.p.Get(config.LoopMaxDepth))
	maxLen := r.p.Get(config.LoopMaxLength)
	for _, c := range r.newCrossings() {
		n, err := r.txn.Node(c.Ref)
		if err != nil || len(n.Succ) < 2 {
			continue
		}
		cycle := r.findCycle(c.Ref, maxDepth, maxLen)
		if cycle == nil {
			continue
		}
		weakest := r.weakestRun(cycle[1:])
		if weakest == nil {
			continue
		}
		for _, ref := range weakest {
			if err := r.deleteNode(ref); err != nil {
				return err
			}
		}
		r.res.Repairs.Loops++
		r.log.Debug("removed loop", slog.String("at", c.Ref.String()), slog.Int("nodes", len(weakest)))
	}
	return nil
}

// findCycle returns the shortest cycle (by hops) through successor edges
// that leaves start and comes back to it, as [start, v1, ..., vk]. Only
// nodes on the current chain are followed.
func (r *run) findCycle(start mapstore.NodeRef, maxDepth int, maxLen float64) []mapstore.NodeRef {
	type visit struct {
		parent mapstore.NodeRef
		depth  int
		length float64
	}
	seen := map[mapstore.NodeRef]visit{start: {}}
	queue := []mapstore.NodeRef{start}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		at := seen[v]
		n, err := r.txn.Node(v)
		if err != nil {
			continue
		}
		for _, e := range n.Succ {
			m, err := r.txn.Node(e.To)
			if err != nil {
				continue
			}
			length := at.length + geom.Distance(n.Pos, m.Pos)
			if at.depth+1 > maxDepth || length > maxLen {
				continue
			}
			if e.To == start {
				var cycle []mapstore.NodeRef
				for x := v; x != start; x = seen[x].parent {
					cycle = append(cycle, x)
				}
				cycle = append(cycle, start)
				slices.Reverse(cycle)
				return cycle
			}
			if _, ok := seen[e.To]; ok || !r.onPath(e.To) {
				continue
			}
			seen[e.To] = visit{parent: v, depth: at.depth + 1, length: length}
			queue = append(queue, e.To)
		}
	}
	return nil
}

// weakestRun splits seq into maximal runs of removable nodes and returns
// the one with the fewest observations per node; ties go to the longer run.
func (r *run) weakestRun(seq []mapstore.NodeRef) []mapstore.NodeRef {
	var (
		best     []mapstore.NodeRef
		bestMean float64
		cur      []mapstore.NodeRef
	)
	consider := func() {
		if len(cur) == 0 {
			return
		}
		mean := r.meanObservations(cur)
		if best == nil || mean < bestMean || (mean == bestMean && len(cur) > len(best)) {
			best, bestMean = cur, mean
		}
		cur = nil
	}
	for _, ref := range seq {
		if r.removable(ref) {
			cur = append(cur, ref)
			continue
		}
		consider()
	}
	consider()
	return best
}
