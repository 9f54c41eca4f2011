package merge

import (
	"fmt"

	"github.com/agentic-research/tracemerge/internal/geom"
	"github.com/agentic-research/tracemerge/internal/mapstore"
	"github.com/agentic-research/tracemerge/internal/path"
	"github.com/paulmach/orb"
)

// apply writes the chain into the map through r.txn.
func (r *run) apply() error {
	chain := r.path.Chain()
	if len(chain) < 2 || r.path.Begin == r.path.Dest {
		return ErrNoUsablePath
	}
	prev := path.None
	for _, i := range chain {
		if err := r.materialize(i); err != nil {
			return err
		}
		if prev != path.None && !r.path.At(i).NoConnection {
			if err := r.connect(prev, i); err != nil {
				return err
			}
		}
		prev = i
	}
	return nil
}

// materialize turns entry i into a map node: map nodes and found virtual
// nodes absorb the observation, created virtual nodes become new nodes.
func (r *run) materialize(i path.Index) error {
	e := r.path.At(i)
	switch e.State {
	case path.Real:
		_, err := r.mergeInPlace(e.Node, e.Point)
		return err
	case path.VirtualCreated:
		if ref, ok := r.virtualNode[e.Virtual]; ok {
			r.path.Materialize(i, ref)
			return nil
		}
		pt, ok := r.virt.Point(e.Virtual)
		if !ok {
			pt = e.Point
		}
		ref, err := r.txn.Add(pt)
		if err != nil {
			return err
		}
		if err := r.txn.SetObservations(ref, 1); err != nil {
			return err
		}
		r.virtualNode[e.Virtual] = ref
		r.created[ref] = true
		r.res.NodesCreated++
		r.path.Materialize(i, ref)
		return nil
	default:
		ref, ok := r.virtualNode[e.Virtual]
		if !ok {
			return fmt.Errorf("found virtual node %d was never created: %w", e.Virtual, ErrNoUsablePath)
		}
		ref, err := r.mergeInPlace(ref, e.Point)
		if err != nil {
			return err
		}
		r.path.Materialize(i, ref)
		return nil
	}
}

// mergeInPlace moves ref towards obs by the weight of one more observation,
// keeping its edges. It returns the node's reference after a possible
// re-home.
func (r *run) mergeInPlace(ref mapstore.NodeRef, obs orb.Point) (mapstore.NodeRef, error) {
	n, err := r.txn.Node(ref)
	if err != nil {
		return ref, err
	}
	pred := append([]mapstore.Edge(nil), n.Pred...)
	succ := append([]mapstore.Edge(nil), n.Succ...)
	count := max(n.Observations, 1)
	pos := geom.Interpolate(n.Pos, obs, 1/float64(count+1))

	for _, e := range pred {
		if err := r.txn.Disconnect(e.To, ref); err != nil {
			return ref, err
		}
	}
	for _, e := range succ {
		if err := r.txn.Disconnect(ref, e.To); err != nil {
			return ref, err
		}
	}
	moved, err := r.txn.Move(ref, pos)
	if err != nil {
		return ref, err
	}
	if err := r.txn.SetObservations(moved, count+1); err != nil {
		return moved, err
	}
	r.remap(ref, moved)
	for _, e := range pred {
		if err := r.txn.Connect(e.To, moved); err != nil {
			return moved, err
		}
	}
	for _, e := range succ {
		if err := r.txn.Connect(moved, e.To); err != nil {
			return moved, err
		}
	}
	r.res.NodesMerged++
	return moved, nil
}
