package mapstore

import (
	"fmt"

	"github.com/agentic-research/tracemerge/internal/geom"
	"github.com/agentic-research/tracemerge/internal/spatial"
	"github.com/paulmach/orb"
)

// tileSnap is the pre-transaction copy of one tile.
type tileSnap struct {
	created bool
	nodes   map[spatial.ID]*Node
	next    spatial.ID
	dirty   bool
}

// Txn groups structural edits so they can be undone as a unit. Every edit
// re-verifies edge symmetry on the nodes it touched. A Txn is owned by one
// goroutine, which must hold the region lock of every tile it edits.
type Txn struct {
	s       *Store
	snaps   map[TileID]*tileSnap
	order   []TileID
	touched map[NodeRef]struct{}
	done    bool
}

// Begin starts a transaction.
func (s *Store) Begin() *Txn {
	return &Txn{
		s:       s,
		snaps:   make(map[TileID]*tileSnap),
		touched: make(map[NodeRef]struct{}),
	}
}

// tile fetches (creating if needed) a tile and snapshots it on first use.
func (x *Txn) tile(id TileID, create bool) (*Tile, error) {
	t, created, err := x.s.tile(id, create)
	if err != nil {
		return nil, err
	}
	if _, ok := x.snaps[id]; ok {
		return t, nil
	}
	snap := &tileSnap{created: created, next: t.index.Next(), dirty: t.dirty}
	if !created {
		snap.nodes = make(map[spatial.ID]*Node, len(t.nodes))
		for id, n := range t.nodes {
			snap.nodes[id] = n.clone()
		}
	}
	x.s.mu.Lock()
	t.pins++
	x.s.mu.Unlock()
	x.snaps[id] = snap
	x.order = append(x.order, id)
	return t, nil
}

func (x *Txn) node(ref NodeRef) (*Tile, *Node, error) {
	t, err := x.tile(ref.Tile, false)
	if err != nil {
		return nil, nil, fmt.Errorf("node %s: %w", ref, err)
	}
	n, ok := t.nodes[ref.Local]
	if !ok {
		return nil, nil, fmt.Errorf("node %s: %w", ref, ErrNotFound)
	}
	return t, n, nil
}

func (x *Txn) touch(t *Tile, refs ...NodeRef) {
	for _, r := range refs {
		x.touched[r] = struct{}{}
	}
	if !t.dirty {
		x.s.markDirty(t)
	}
}

// Touched returns every node reference edited in this transaction,
// including references that no longer exist.
func (x *Txn) Touched() []NodeRef {
	out := make([]NodeRef, 0, len(x.touched))
	for r := range x.touched {
		out = append(out, r)
	}
	return out
}

// TouchedTiles returns the tiles edited in this transaction in first-edit
// order.
func (x *Txn) TouchedTiles() []TileID {
	return append([]TileID(nil), x.order...)
}

// Original returns the node as it was before the transaction first edited
// its tile. ok is false when the node did not exist then.
func (x *Txn) Original(ref NodeRef) (n *Node, ok bool) {
	snap, seen := x.snaps[ref.Tile]
	if !seen {
		cur, err := x.s.Node(ref)
		if err != nil {
			return nil, false
		}
		return cur, true
	}
	if snap.created {
		return nil, false
	}
	n, ok = snap.nodes[ref.Local]
	return n, ok
}

// Add creates a node at p in the tile owning p.
func (x *Txn) Add(p orb.Point) (NodeRef, error) {
	t, err := x.tile(x.s.TileIDFor(p), true)
	if err != nil {
		return NodeRef{}, err
	}
	local, err := t.index.Insert(p)
	if err != nil {
		return NodeRef{}, fmt.Errorf("add %v: %w", p, ErrOutsideTile)
	}
	ref := NodeRef{Tile: t.ID, Local: local}
	t.nodes[local] = &Node{Ref: ref, Pos: p}
	x.touch(t, ref)
	return ref, nil
}

// Remove disconnects and deletes a node.
func (x *Txn) Remove(ref NodeRef) error {
	_, n, err := x.node(ref)
	if err != nil {
		return err
	}
	for _, e := range append([]Edge(nil), n.Pred...) {
		if err := x.Disconnect(e.To, ref); err != nil {
			return err
		}
	}
	for _, e := range append([]Edge(nil), n.Succ...) {
		if err := x.Disconnect(ref, e.To); err != nil {
			return err
		}
	}
	t, _, err := x.node(ref)
	if err != nil {
		return err
	}
	t.index.Remove(ref.Local)
	delete(t.nodes, ref.Local)
	x.touch(t, ref)
	return nil
}

// Move relocates an edge-less node to p. When p belongs to another tile the
// node is re-homed there and its new reference is returned.
func (x *Txn) Move(ref NodeRef, p orb.Point) (NodeRef, error) {
	t, n, err := x.node(ref)
	if err != nil {
		return ref, err
	}
	if len(n.Pred) > 0 || len(n.Succ) > 0 {
		return ref, fmt.Errorf("move %s: %w", ref, ErrHasEdges)
	}
	if dst := x.s.TileIDFor(p); dst != ref.Tile {
		nt, err := x.tile(dst, true)
		if err != nil {
			return ref, err
		}
		local, err := nt.index.Insert(p)
		if err != nil {
			return ref, fmt.Errorf("move %s: %w", ref, ErrOutsideTile)
		}
		t.index.Remove(ref.Local)
		delete(t.nodes, ref.Local)
		moved := &Node{Ref: NodeRef{Tile: dst, Local: local}, Pos: p, Observations: n.Observations}
		nt.nodes[local] = moved
		x.touch(t, ref)
		x.touch(nt, moved.Ref)
		return moved.Ref, nil
	}
	if !t.index.Move(ref.Local, p) {
		return ref, fmt.Errorf("move %s: %w", ref, ErrOutsideTile)
	}
	n.Pos = p
	x.touch(t, ref)
	return ref, nil
}

// SetObservations records how many traces a node has absorbed.
func (x *Txn) SetObservations(ref NodeRef, obs int) error {
	t, n, err := x.node(ref)
	if err != nil {
		return err
	}
	n.Observations = obs
	x.touch(t, ref)
	return nil
}

// Node returns a node through the transaction. The pointer is only valid
// until the next edit of its tile.
func (x *Txn) Node(ref NodeRef) (*Node, error) {
	_, n, err := x.node(ref)
	return n, err
}

// Connect adds the edge a→b with the current a→b bearing on both ends. An
// existing edge is left unchanged.
func (x *Txn) Connect(a, b NodeRef) error {
	if a == b {
		return fmt.Errorf("connect %s: %w", a, ErrSelfLoop)
	}
	ta, na, err := x.node(a)
	if err != nil {
		return err
	}
	tb, nb, err := x.node(b)
	if err != nil {
		return err
	}
	if na.HasSucc(b) && nb.HasPred(a) {
		return nil
	}
	bearing := geom.Bearing(na.Pos, nb.Pos)
	if !na.HasSucc(b) {
		na.Succ = append(na.Succ, Edge{To: b, Bearing: bearing})
	}
	if !nb.HasPred(a) {
		nb.Pred = append(nb.Pred, Edge{To: a, Bearing: bearing})
	}
	x.touch(ta, a)
	x.touch(tb, b)
	return x.verify(a, b)
}

// Disconnect removes the edge a→b from both ends. A missing edge is not an
// error.
func (x *Txn) Disconnect(a, b NodeRef) error {
	ta, na, err := x.node(a)
	if err != nil {
		return err
	}
	tb, nb, err := x.node(b)
	if err != nil {
		return err
	}
	if i := indexOf(na.Succ, b); i >= 0 {
		na.Succ = append(na.Succ[:i], na.Succ[i+1:]...)
	}
	if i := indexOf(nb.Pred, a); i >= 0 {
		nb.Pred = append(nb.Pred[:i], nb.Pred[i+1:]...)
	}
	x.touch(ta, a)
	x.touch(tb, b)
	return x.verify(a, b)
}

// verify checks edge symmetry of the given nodes.
func (x *Txn) verify(refs ...NodeRef) error {
	for _, r := range refs {
		if err := x.s.checkSymmetry(r); err != nil {
			return violation(err)
		}
	}
	return nil
}

// Verify re-checks edge symmetry on every touched node that still exists.
func (x *Txn) Verify() error {
	for r := range x.touched {
		if _, err := x.s.Node(r); err != nil {
			continue
		}
		if err := x.verify(r); err != nil {
			return err
		}
	}
	return nil
}

// Commit keeps the edits.
func (x *Txn) Commit() {
	if x.done {
		return
	}
	x.done = true
	x.unpin()
}

// Rollback restores every tile edited by the transaction. It is a no-op
// after Commit.
func (x *Txn) Rollback() {
	if x.done {
		return
	}
	x.done = true
	s := x.s
	for _, id := range x.order {
		snap := x.snaps[id]
		s.mu.Lock()
		t := s.tiles[id]
		switch {
		case t == nil:
		case snap.created:
			delete(s.tiles, id)
			for i, o := range s.order {
				if o == id {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
			s.dirty.Remove(uint64(id))
		default:
			t.nodes = snap.nodes
			t.index = spatial.New(t.index.Bound())
			for local, n := range t.nodes {
				_ = t.index.InsertWithID(local, n.Pos) // positions came from this index
			}
			t.index.Reserve(snap.next)
			t.dirty = snap.dirty
			if !snap.dirty {
				s.dirty.Remove(uint64(id))
			}
		}
		if t != nil {
			t.pins--
		}
		s.mu.Unlock()
	}
}

func (x *Txn) unpin() {
	x.s.mu.Lock()
	defer x.s.mu.Unlock()
	for _, id := range x.order {
		if t := x.s.tiles[id]; t != nil {
			t.pins--
		}
	}
}

// checkSymmetry verifies that every edge of ref has a mirror edge with the
// identical bearing on its other end.
func (s *Store) checkSymmetry(ref NodeRef) error {
	n, err := s.Node(ref)
	if err != nil {
		return err
	}
	seen := make(map[NodeRef]bool, len(n.Succ))
	for _, e := range n.Succ {
		if seen[e.To] {
			return fmt.Errorf("%s: duplicate successor %s: %w", ref, e.To, ErrInconsistent)
		}
		seen[e.To] = true
		m, err := s.Node(e.To)
		if err != nil {
			return fmt.Errorf("%s: successor %s missing: %w", ref, e.To, ErrInconsistent)
		}
		i := indexOf(m.Pred, ref)
		if i < 0 || m.Pred[i].Bearing != e.Bearing {
			return fmt.Errorf("%s→%s: no matching predecessor edge: %w", ref, e.To, ErrInconsistent)
		}
	}
	clear(seen)
	for _, e := range n.Pred {
		if seen[e.To] {
			return fmt.Errorf("%s: duplicate predecessor %s: %w", ref, e.To, ErrInconsistent)
		}
		seen[e.To] = true
		m, err := s.Node(e.To)
		if err != nil {
			return fmt.Errorf("%s: predecessor %s missing: %w", ref, e.To, ErrInconsistent)
		}
		i := indexOf(m.Succ, ref)
		if i < 0 || m.Succ[i].Bearing != e.Bearing {
			return fmt.Errorf("%s→%s: no matching successor edge: %w", e.To, ref, ErrInconsistent)
		}
	}
	return nil
}

// CheckSymmetry verifies edge symmetry for every node currently in memory.
// Cached tiles stay locked for the whole check.
func (s *Store) CheckSymmetry() error {
	r := s.lockTiles(s.cachedTiles())
	defer r.Release()
	for ref := range s.exportLocked(r.ids) {
		if err := s.checkSymmetry(ref); err != nil {
			return err
		}
	}
	return nil
}
