package merge

import (
	"log/slog"

	"github.com/agentic-research/tracemerge/internal/config"
	"github.com/agentic-research/tracemerge/internal/path"
	"github.com/agentic-research/tracemerge/internal/spatial"
)

// validate makes sure every found virtual node on the chain refers to a
// created one that the chain passed earlier, repairing the chain where it
// can.
func (r *run) validate() error {
	for {
		chain := r.path.Chain()
		if len(chain) < 2 || chain[len(chain)-1] != r.path.Dest {
			return ErrNoUsablePath
		}
		k, end, ok := r.orphans(chain)
		if ok {
			return nil
		}
		if r.relink(chain, k, end) || r.splice(chain, k, end) {
			continue
		}
		return ErrInvalidPathScore
	}
}

// orphans finds the first run chain[k..end] of found entries whose created
// entry is not earlier on the chain. ok is true when there is none.
func (r *run) orphans(chain []path.Index) (k, end int, ok bool) {
	seen := make(map[spatial.ID]bool)
	orphan := func(e *path.Entry) bool {
		return e.State == path.VirtualFound && !seen[e.Virtual]
	}
	for k = 0; k < len(chain); k++ {
		e := r.path.At(chain[k])
		if e.State == path.VirtualCreated {
			seen[e.Virtual] = true
		}
		if !orphan(e) {
			continue
		}
		end = k
		for end+1 < len(chain) && orphan(r.path.At(chain[end+1])) {
			end++
		}
		return k, end, false
	}
	return 0, 0, true
}

// relink routes the chain around chain[k..end] through the created entries
// covering the same stretch of the trace.
func (r *run) relink(chain []path.Index, k, end int) bool {
	if k == 0 || end == len(chain)-1 {
		return false
	}
	p, s := chain[k-1], chain[end+1]
	lo, hi := r.path.At(p).Pos, r.path.At(s).Pos
	var via []path.Index
	for _, i := range r.path.Span(lo, hi) {
		e := r.path.At(i)
		if e.State == path.VirtualCreated && e.Pos > lo && e.Pos < hi {
			via = append(via, i)
		}
	}
	if len(via) == 0 {
		return false
	}
	prev := p
	for _, i := range via {
		r.path.Link(prev, i)
		prev = i
	}
	r.path.Link(prev, s)
	r.log.Debug("relinked orphaned found entries", slog.Int("count", end-k+1), slog.Int("via", len(via)))
	return true
}

// splice drops a short orphan run, joining its chain neighbors directly.
func (r *run) splice(chain []path.Index, k, end int) bool {
	count := end - k + 1
	if float64(count) > r.p.Get(config.MaxSpliceCount) {
		return false
	}
	if r.path.At(chain[end]).Pos-r.path.At(chain[k]).Pos > r.p.Get(config.MaxSpliceDistance) {
		return false
	}
	switch {
	case k == 0 && end == len(chain)-1:
		return false
	case k == 0:
		next := chain[end+1]
		r.path.Begin = next
		r.path.At(next).Prev = path.None
		r.path.At(next).Beginning = true
	case end == len(chain)-1:
		prev := chain[k-1]
		r.path.Link(prev, path.None)
		r.path.Dest = prev
		r.path.At(prev).Destination = true
	default:
		r.path.Link(chain[k-1], chain[end+1])
	}
	for _, i := range chain[k : end+1] {
		e := r.path.At(i)
		e.Next, e.Prev = path.None, path.None
		e.Beginning, e.Destination = false, false
	}
	r.log.Debug("spliced orphaned found entries", slog.Int("count", count))
	return true
}
