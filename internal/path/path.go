// Package path holds the per-run working set of the merge engine: every
// candidate considered for one trace, ordered by position on the trace and
// later linked into the single chain that gets applied to the map.
//
// Entries live in an arena and refer to each other by Index, so the Path
// can be rewritten (remapped, spliced, extended with interpolated nodes)
// without dangling references.
package path

import (
	"fmt"
	"math"
	"sort"

	"github.com/agentic-research/tracemerge/internal/mapstore"
	"github.com/agentic-research/tracemerge/internal/spatial"
	"github.com/paulmach/orb"
)

// DedupeWindow is the half width, in meters along the trace, inside which a
// second entry for the same candidate is refused.
const DedupeWindow = 2.0

// State says what an entry refers to.
type State uint8

const (
	// Real entries reference a map node.
	Real State = iota
	// VirtualFound entries reference a virtual node sampled earlier in the
	// run and rediscovered by a range query.
	VirtualFound
	// VirtualCreated entries own the virtual node sampled at their position.
	VirtualCreated
)

func (s State) String() string {
	switch s {
	case Real:
		return "real"
	case VirtualFound:
		return "found"
	case VirtualCreated:
		return "created"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Index addresses an entry in the arena.
type Index int

// None marks a missing link.
const None Index = -1

// Entry is one candidate at one position on the trace.
type Entry struct {
	Pos      float64 // meters along the trace where the candidate fits best
	State    State
	Node     mapstore.NodeRef // Real only
	Virtual  spatial.ID       // VirtualFound and VirtualCreated only
	TracePos float64          // position of the virtual node on the trace
	Point    orb.Point        // observed coordinate (trace point at Pos)

	Next Index
	Prev Index

	Beginning           bool
	Destination         bool
	NoConnection        bool // do not create an edge from Prev
	InterpolatedBetween bool // Apply inserted nodes between this and Next
	Extra               bool
	Interpolated        bool

	Score float64
	Run   int

	removed bool
}

// IsVirtual reports whether the entry references a virtual node.
func (e *Entry) IsVirtual() bool {
	return e.State == VirtualFound || e.State == VirtualCreated
}

func (e *Entry) String() string {
	switch e.State {
	case Real:
		return fmt.Sprintf("%.1f:real:%s", e.Pos, e.Node)
	default:
		return fmt.Sprintf("%.1f:%s:%d", e.Pos, e.State, e.Virtual)
	}
}

// key is the identity used by the duplicate guard.
type key struct {
	state   State
	node    mapstore.NodeRef
	virtual spatial.ID
}

func keyOf(e *Entry) key {
	if e.State == Real {
		return key{state: Real, node: e.Node}
	}
	return key{state: e.State, virtual: e.Virtual}
}

// Adjacency reports whether a may directly precede b. It orders entries
// that share a position.
type Adjacency func(a, b *Entry) bool

// Path is the ordered multi-collection of entries for one run.
type Path struct {
	entries   []Entry
	order     []Index // by Pos; equal positions ordered by adjacency
	byKey     map[key][]Index
	byNode    map[mapstore.NodeRef][]Index
	byVirtual map[spatial.ID][]Index
	adjacent  Adjacency

	Begin Index
	Dest  Index

	// Unverified counts equal-position insertions where adjacency gave no
	// answer and the entry was appended after its group.
	Unverified int
}

// New returns an empty path. adj may be nil, in which case only numeric
// virtual adjacency is used to order equal positions.
func New(adj Adjacency) *Path {
	if adj == nil {
		adj = func(a, b *Entry) bool {
			return a.IsVirtual() && b.IsVirtual() && VirtualPredecessorOf(a.Virtual, b.Virtual)
		}
	}
	return &Path{
		byKey:     make(map[key][]Index),
		byNode:    make(map[mapstore.NodeRef][]Index),
		byVirtual: make(map[spatial.ID][]Index),
		adjacent:  adj,
		Begin:     None,
		Dest:      None,
	}
}

// VirtualPredecessorOf reports whether virtual node a directly precedes b.
// Virtual ids are allocated in trace order, so this is numeric.
func VirtualPredecessorOf(a, b spatial.ID) bool {
	return b == a+1
}

// Len returns the number of live entries.
func (p *Path) Len() int { return len(p.order) }

// At returns the entry at i.
func (p *Path) At(i Index) *Entry { return &p.entries[i] }

// Order returns live entry indices by position. The slice must not be
// modified and is invalidated by Insert and Remove.
func (p *Path) Order() []Index { return p.order }

// Has reports whether an entry with the same identity as e lies within
// ±window meters of pos.
func (p *Path) Has(e *Entry, pos, window float64) bool {
	for _, i := range p.byKey[keyOf(e)] {
		if math.Abs(p.entries[i].Pos-pos) <= window {
			return true
		}
	}
	return false
}

// Insert adds e unless an entry with the same identity lies within
// DedupeWindow of e.Pos. It reports the new index and whether it was added.
func (p *Path) Insert(e Entry) (Index, bool) {
	if p.Has(&e, e.Pos, DedupeWindow) {
		return None, false
	}
	return p.insert(e), true
}

func (p *Path) insert(e Entry) Index {
	e.Next, e.Prev = None, None
	idx := Index(len(p.entries))
	p.entries = append(p.entries, e)
	ne := &p.entries[idx]

	lo := sort.Search(len(p.order), func(k int) bool { return p.entries[p.order[k]].Pos >= ne.Pos })
	hi := sort.Search(len(p.order), func(k int) bool { return p.entries[p.order[k]].Pos > ne.Pos })
	at := p.slot(ne, lo, hi)

	p.order = append(p.order, None)
	copy(p.order[at+1:], p.order[at:])
	p.order[at] = idx

	k := keyOf(ne)
	p.byKey[k] = append(p.byKey[k], idx)
	if ne.State == Real {
		p.byNode[ne.Node] = append(p.byNode[ne.Node], idx)
	} else {
		p.byVirtual[ne.Virtual] = append(p.byVirtual[ne.Virtual], idx)
	}
	return idx
}

// slot picks the insertion point inside the equal-position group
// order[lo:hi]: right after a member that may precede e, else right before a
// member e may precede, else after the group.
func (p *Path) slot(e *Entry, lo, hi int) int {
	if lo == hi {
		return lo
	}
	for k := hi - 1; k >= lo; k-- {
		if p.adjacent(&p.entries[p.order[k]], e) {
			return k + 1
		}
	}
	for k := lo; k < hi; k++ {
		if p.adjacent(e, &p.entries[p.order[k]]) {
			return k
		}
	}
	// neighbors give no hint; keep position order
	p.Unverified++
	return hi
}

// Remove drops entry i from the order and lookups, linking its neighbors on
// the chain to each other.
func (p *Path) Remove(i Index) {
	e := &p.entries[i]
	if e.removed {
		return
	}
	e.removed = true
	if e.Prev != None {
		p.entries[e.Prev].Next = e.Next
	}
	if e.Next != None {
		p.entries[e.Next].Prev = e.Prev
	}
	if p.Begin == i {
		p.Begin = e.Next
	}
	if p.Dest == i {
		p.Dest = e.Prev
	}
	e.Next, e.Prev = None, None

	for k, o := range p.order {
		if o == i {
			p.order = append(p.order[:k], p.order[k+1:]...)
			break
		}
	}
	k := keyOf(e)
	p.byKey[k] = without(p.byKey[k], i)
	if e.State == Real {
		p.byNode[e.Node] = without(p.byNode[e.Node], i)
	} else {
		p.byVirtual[e.Virtual] = without(p.byVirtual[e.Virtual], i)
	}
}

func without(s []Index, i Index) []Index {
	for k, v := range s {
		if v == i {
			return append(s[:k], s[k+1:]...)
		}
	}
	return s
}

// Removed reports whether entry i was removed.
func (p *Path) Removed(i Index) bool { return p.entries[i].removed }

// ByNode returns the live entries referencing map node ref.
func (p *Path) ByNode(ref mapstore.NodeRef) []Index { return p.byNode[ref] }

// ByVirtual returns the live entries referencing virtual node id.
func (p *Path) ByVirtual(id spatial.ID) []Index { return p.byVirtual[id] }

// Created returns the VirtualCreated entry owning virtual node id, or None.
func (p *Path) Created(id spatial.ID) Index {
	for _, i := range p.byVirtual[id] {
		if p.entries[i].State == VirtualCreated {
			return i
		}
	}
	return None
}

// Remap points every entry referencing old at new. Used when a node is
// re-homed into another tile.
func (p *Path) Remap(old, new mapstore.NodeRef) {
	if old == new {
		return
	}
	ids := p.byNode[old]
	delete(p.byNode, old)
	delete(p.byKey, key{state: Real, node: old})
	for _, i := range ids {
		p.entries[i].Node = new
	}
	p.byNode[new] = append(p.byNode[new], ids...)
	nk := key{state: Real, node: new}
	p.byKey[nk] = append(p.byKey[nk], ids...)
}

// Materialize turns a virtual entry into a Real one referencing ref.
func (p *Path) Materialize(i Index, ref mapstore.NodeRef) {
	e := &p.entries[i]
	if e.State == Real {
		return
	}
	k := keyOf(e)
	p.byKey[k] = without(p.byKey[k], i)
	p.byVirtual[e.Virtual] = without(p.byVirtual[e.Virtual], i)
	e.State = Real
	e.Node = ref
	p.byNode[ref] = append(p.byNode[ref], i)
	nk := keyOf(e)
	p.byKey[nk] = append(p.byKey[nk], i)
}

// InsertAfter adds e to the arena and links it into the chain right after
// i. The duplicate guard is bypassed; used for interpolated nodes.
func (p *Path) InsertAfter(i Index, e Entry) Index {
	idx := p.insert(e)
	next := p.entries[i].Next
	p.entries[idx].Prev = i
	p.entries[idx].Next = next
	p.entries[i].Next = idx
	if next != None {
		p.entries[next].Prev = idx
	}
	if p.Dest == i {
		p.Dest = idx
		p.entries[i].Destination = false
		p.entries[idx].Destination = true
	}
	return idx
}

// Link sets the chain successor of i to j (j may be None).
func (p *Path) Link(i, j Index) {
	if old := p.entries[i].Next; old != None && p.entries[old].Prev == i {
		p.entries[old].Prev = None
	}
	p.entries[i].Next = j
	if j != None {
		p.entries[j].Prev = i
	}
}

// Chain returns the entries from Begin following Next links.
func (p *Path) Chain() []Index {
	var out []Index
	seen := make(map[Index]bool)
	for i := p.Begin; i != None && !seen[i]; i = p.entries[i].Next {
		seen[i] = true
		out = append(out, i)
	}
	return out
}

// Span returns the live entries with lo <= Pos <= hi, by position.
func (p *Path) Span(lo, hi float64) []Index {
	a := sort.Search(len(p.order), func(k int) bool { return p.entries[p.order[k]].Pos >= lo })
	var out []Index
	for k := a; k < len(p.order) && p.entries[p.order[k]].Pos <= hi; k++ {
		out = append(out, p.order[k])
	}
	return out
}
