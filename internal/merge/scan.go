package merge

import (
	"fmt"
	"math"

	"github.com/agentic-research/tracemerge/internal/geom"
	"github.com/agentic-research/tracemerge/internal/path"
	"github.com/agentic-research/tracemerge/internal/spatial"
)

// scan walks the trace with curvature-dependent steps, sampling a virtual
// node at every scan position and collecting candidates along each step.
func (r *run) scan() error {
	length := r.tr.Length()
	if err := r.addCreated(0); err != nil {
		return err
	}
	for pos := 0.0; pos < length; {
		next := pos + r.stepAt(pos)
		if next > length-path.DedupeWindow {
			next = length
		}
		if err := r.addCreated(next); err != nil {
			return err
		}
		if err := r.discover(pos, next); err != nil {
			return err
		}
		pos = next
	}
	r.addExtras()
	return nil
}

// addCreated samples a virtual node at pos.
func (r *run) addCreated(pos float64) error {
	pt := r.tr.PointAt(pos)
	id, err := r.virt.Insert(pt)
	if err != nil {
		return fmt.Errorf("virtual node at %.1fm: %w", pos, err)
	}
	r.vpos = append(r.vpos, pos)
	r.path.Insert(path.Entry{Pos: pos, State: path.VirtualCreated, Virtual: id, TracePos: pos, Point: pt})
	return nil
}

// addExtras gives every found candidate its graph (or virtual) neighbors as
// extra entries, so the chain can step onto them even when the scan missed
// them.
func (r *run) addExtras() {
	order := append([]path.Index(nil), r.path.Order()...)
	for _, i := range order {
		e := *r.path.At(i)
		switch e.State {
		case path.Real:
			n, err := r.store.Node(e.Node)
			if err != nil {
				continue
			}
			for _, ed := range n.Pred {
				if m, err := r.store.Node(ed.To); err == nil {
					r.addExtra(&e, path.Entry{State: path.Real, Node: ed.To}, -geom.Distance(n.Pos, m.Pos))
				}
			}
			for _, ed := range n.Succ {
				if m, err := r.store.Node(ed.To); err == nil {
					r.addExtra(&e, path.Entry{State: path.Real, Node: ed.To}, geom.Distance(n.Pos, m.Pos))
				}
			}
		case path.VirtualFound:
			v := e.Virtual
			if v > 0 {
				r.addExtra(&e, r.foundEntry(v-1), -(r.vpos[v] - r.vpos[v-1]))
			}
			if int(v)+1 < len(r.vpos) {
				r.addExtra(&e, r.foundEntry(v+1), r.vpos[v+1]-r.vpos[v])
			}
		}
	}
}

func (r *run) foundEntry(id spatial.ID) path.Entry {
	return path.Entry{State: path.VirtualFound, Virtual: id, TracePos: r.vpos[id]}
}

func (r *run) addExtra(from *path.Entry, x path.Entry, offset float64) {
	pos := math.Max(0, math.Min(r.tr.Length(), from.Pos+offset))
	if r.path.Has(&x, pos, 2*r.stepAt(from.Pos)) {
		return
	}
	x.Pos = pos
	x.Point = r.tr.PointAt(pos)
	x.Extra = true
	r.path.Insert(x)
}
