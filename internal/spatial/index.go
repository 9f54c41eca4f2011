// Package spatial is a range-reporting point index over a bounded region,
// backed by an orb quadtree. Ids are handed out in strictly increasing
// order, so the insertion order of points can be recovered from their ids.
package spatial

import (
	"errors"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/quadtree"
)

// ErrOutOfBounds is returned when a point lies outside the index bound.
var ErrOutOfBounds = errors.New("point outside index bound")

// ID identifies a point within one index.
type ID uint32

type item struct {
	id ID
	p  orb.Point
}

func (it *item) Point() orb.Point { return it.p }

// Index is not safe for concurrent mutation; owners serialize access.
type Index struct {
	bound orb.Bound
	qt    *quadtree.Quadtree
	items map[ID]*item
	next  ID
}

// New creates an empty index covering bound.
func New(bound orb.Bound) *Index {
	return &Index{
		bound: bound,
		qt:    quadtree.New(bound),
		items: make(map[ID]*item),
	}
}

// Bound returns the region the index accepts points from.
func (x *Index) Bound() orb.Bound { return x.bound }

// Len returns the number of indexed points.
func (x *Index) Len() int { return len(x.items) }

// Next returns the id the next Insert will use.
func (x *Index) Next() ID { return x.next }

// Reserve makes sure later Inserts never hand out ids below next.
func (x *Index) Reserve(next ID) {
	if next > x.next {
		x.next = next
	}
}

// Insert adds p and returns its new id.
func (x *Index) Insert(p orb.Point) (ID, error) {
	id := x.next
	if err := x.InsertWithID(id, p); err != nil {
		return 0, err
	}
	return id, nil
}

// InsertWithID adds p under a caller-chosen id. Used when reloading
// persisted tiles; later Inserts continue above the largest id seen.
func (x *Index) InsertWithID(id ID, p orb.Point) error {
	if !x.bound.Contains(p) {
		return ErrOutOfBounds
	}
	if old, ok := x.items[id]; ok {
		x.qt.Remove(old, matchID(id))
	}
	it := &item{id: id, p: p}
	if err := x.qt.Add(it); err != nil {
		return ErrOutOfBounds
	}
	x.items[id] = it
	if id >= x.next {
		x.next = id + 1
	}
	return nil
}

// Move relocates id to p. It reports false, leaving the point where it was,
// when id is unknown or p lies outside the bound.
func (x *Index) Move(id ID, p orb.Point) bool {
	it, ok := x.items[id]
	if !ok || !x.bound.Contains(p) {
		return false
	}
	x.qt.Remove(it, matchID(id))
	moved := &item{id: id, p: p}
	if err := x.qt.Add(moved); err != nil {
		_ = x.qt.Add(it) // restore
		return false
	}
	x.items[id] = moved
	return true
}

// Remove deletes id from the index.
func (x *Index) Remove(id ID) bool {
	it, ok := x.items[id]
	if !ok {
		return false
	}
	x.qt.Remove(it, matchID(id))
	delete(x.items, id)
	return true
}

// Point returns the coordinate stored for id.
func (x *Index) Point(id ID) (orb.Point, bool) {
	it, ok := x.items[id]
	if !ok {
		return orb.Point{}, false
	}
	return it.p, true
}

// RangeQuery reports every id whose point lies inside poly, ascending.
func (x *Index) RangeQuery(poly orb.Polygon) []ID {
	found := x.qt.InBound(nil, poly.Bound())
	ids := make([]ID, 0, len(found))
	for _, f := range found {
		it := f.(*item)
		if planar.PolygonContains(poly, it.p) {
			ids = append(ids, it.id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IDs returns all ids, ascending.
func (x *Index) IDs() []ID {
	ids := make([]ID, 0, len(x.items))
	for id := range x.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func matchID(id ID) quadtree.FilterFunc {
	return func(p orb.Pointer) bool {
		it, ok := p.(*item)
		return ok && it.id == id
	}
}
