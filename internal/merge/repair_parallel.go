package merge

import (
	"log/slog"
	"math"
	"slices"

	"github.com/agentic-research/tracemerge/internal/config"
	"github.com/agentic-research/tracemerge/internal/geom"
	"github.com/agentic-research/tracemerge/internal/mapstore"
	"github.com/paulmach/orb"
)

// mergeParallelLanes deletes runs of new nodes that shadow an existing
// road between the same two map nodes.
func (r *run) mergeParallelLanes() error {
	depth := int(r.p.Get(config.ParallelMaxDepth))
	sd := r.p.SearchDistance()
	chain := r.path.Chain()
	for k := 0; k < len(chain); {
		p := r.path.At(chain[k]).Node
		if r.path.Removed(chain[k]) || r.created[p] {
			k++
			continue
		}
		end := k + 1
		for end < len(chain) && r.removable(r.path.At(chain[end]).Node) {
			end++
		}
		if end == k+1 || end == len(chain) {
			k = end
			continue
		}
		q := r.path.At(chain[end]).Node
		lane := make([]mapstore.NodeRef, 0, end-k-1)
		for _, i := range chain[k+1 : end] {
			lane = append(lane, r.path.At(i).Node)
		}
		if p == q || r.created[q] ||
			!r.store.Connected(p, lane[0]) || !r.store.Connected(lane[len(lane)-1], q) {
			k = end
			continue
		}
		route := r.existingRoute(p, q, depth)
		if route == nil || !r.alongside(append(append([]mapstore.NodeRef{p}, lane...), q), route, sd) {
			k = end
			continue
		}
		for _, ref := range lane {
			if err := r.deleteNode(ref); err != nil {
				return err
			}
		}
		r.res.Repairs.ParallelLanes++
		r.log.Debug("merged parallel lane",
			slog.String("from", p.String()), slog.String("to", q.String()), slog.Int("nodes", len(lane)))
		k = end
	}
	return nil
}

// existingRoute finds the shortest successor path p⇒q of at most depth
// hops through nodes that existed before the run.
func (r *run) existingRoute(p, q mapstore.NodeRef, depth int) []mapstore.NodeRef {
	type visit struct {
		parent mapstore.NodeRef
		depth  int
	}
	seen := map[mapstore.NodeRef]visit{p: {}}
	queue := []mapstore.NodeRef{p}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		at := seen[v]
		if at.depth >= depth {
			continue
		}
		n, err := r.txn.Node(v)
		if err != nil {
			continue
		}
		for _, e := range n.Succ {
			if _, ok := seen[e.To]; ok || r.created[e.To] {
				continue
			}
			seen[e.To] = visit{parent: v, depth: at.depth + 1}
			if e.To == q {
				route := []mapstore.NodeRef{q}
				for x := v; x != p; x = seen[x].parent {
					route = append(route, x)
				}
				route = append(route, p)
				slices.Reverse(route)
				return route
			}
			queue = append(queue, e.To)
		}
	}
	return nil
}

// alongside reports whether every node of a lies within sd of polyline b
// and every node of b within sd of polyline a.
func (r *run) alongside(a, b []mapstore.NodeRef, sd float64) bool {
	pa, pb := r.positions(a), r.positions(b)
	if pa == nil || pb == nil {
		return false
	}
	return within(pa, pb, sd) && within(pb, pa, sd)
}

func (r *run) positions(refs []mapstore.NodeRef) orb.LineString {
	ls := make(orb.LineString, 0, len(refs))
	for _, ref := range refs {
		n, err := r.txn.Node(ref)
		if err != nil {
			return nil
		}
		ls = append(ls, n.Pos)
	}
	return ls
}

func within(pts, line orb.LineString, sd float64) bool {
	for _, p := range pts {
		best := math.Inf(1)
		for i := 0; i+1 < len(line); i++ {
			best = math.Min(best, geom.SegmentDistance(p, line[i], line[i+1]))
		}
		if len(line) == 1 {
			best = geom.Distance(p, line[0])
		}
		if best > sd {
			return false
		}
	}
	return true
}
