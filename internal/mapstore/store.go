// Package mapstore is the tile-partitioned road map: nodes with directed,
// bearing-annotated edges, grouped into web-mercator tiles that are cached in
// memory and persisted through a Backend.
package mapstore

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/agentic-research/tracemerge/internal/spatial"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInconsistent = errors.New("edge symmetry violated")
	ErrOutsideTile  = errors.New("point outside tile")
	ErrHasEdges     = errors.New("node still has edges")
	ErrSelfLoop     = errors.New("edge would connect a node to itself")
)

// DefaultZoom gives tiles of roughly 600 m at mid latitudes.
const DefaultZoom maptile.Zoom = 16

// TileID is derived deterministically from the tile's x/y cell at the store
// zoom.
type TileID uint64

func tileIDOf(t maptile.Tile) TileID {
	return TileID(uint64(t.X)<<32 | uint64(t.Y))
}

// NodeRef is the global node reference; local ids are unique only within a
// tile.
type NodeRef struct {
	Tile  TileID
	Local spatial.ID
}

func (r NodeRef) String() string {
	return fmt.Sprintf("%d/%d", r.Tile, r.Local)
}

// Edge points at a neighbor. Bearing is the from→to bearing at the time the
// edge was created and is stored identically on both endpoints.
type Edge struct {
	To      NodeRef
	Bearing float64
}

// Node is a map vertex.
type Node struct {
	Ref          NodeRef
	Pos          orb.Point
	Pred         []Edge
	Succ         []Edge
	Observations int
}

// HasSucc reports whether n has a successor edge to ref.
func (n *Node) HasSucc(ref NodeRef) bool {
	return indexOf(n.Succ, ref) >= 0
}

// HasPred reports whether n has a predecessor edge from ref.
func (n *Node) HasPred(ref NodeRef) bool {
	return indexOf(n.Pred, ref) >= 0
}

// IsCrossing reports whether more than one edge enters or leaves n.
func (n *Node) IsCrossing() bool {
	return len(n.Pred) > 1 || len(n.Succ) > 1
}

func (n *Node) clone() *Node {
	c := *n
	c.Pred = append([]Edge(nil), n.Pred...)
	c.Succ = append([]Edge(nil), n.Succ...)
	return &c
}

func indexOf(edges []Edge, ref NodeRef) int {
	for i, e := range edges {
		if e.To == ref {
			return i
		}
	}
	return -1
}

// Tile owns the nodes of one cell and their spatial index.
type Tile struct {
	ID    TileID
	Cell  maptile.Tile
	nodes map[spatial.ID]*Node
	index *spatial.Index
	dirty bool
	pins  int // open transactions holding a snapshot; guarded by Store.mu
}

func newTile(id TileID, cell maptile.Tile) *Tile {
	return &Tile{
		ID:    id,
		Cell:  cell,
		nodes: make(map[spatial.ID]*Node),
		index: spatial.New(cell.Bound(0.01)),
	}
}

// Len returns the number of nodes in the tile.
func (t *Tile) Len() int { return len(t.nodes) }

// TileRecord is the persisted form of a tile.
type TileRecord struct {
	ID    TileID
	Next  spatial.ID
	Nodes []NodeRecord
}

// NodeRecord is the persisted form of a node.
type NodeRecord struct {
	Local        spatial.ID
	Pos          orb.Point
	Observations int
	Pred         []Edge
	Succ         []Edge
}

// Backend persists tiles. LoadTile returns ErrNotFound for tiles never saved.
type Backend interface {
	LoadTile(id TileID) (*TileRecord, error)
	SaveTile(rec *TileRecord) error
	TileIDs() ([]TileID, error)
	Close() error
}

// Options configures a Store.
type Options struct {
	Zoom     maptile.Zoom
	MaxTiles int     // cache size; ignored without a backend
	Backend  Backend // nil keeps everything in memory
}

// Store is the tile cache. Tile map and eviction state are guarded by mu;
// node contents are guarded by the region locks callers take with
// LockRegion.
type Store struct {
	mu       sync.RWMutex
	zoom     maptile.Zoom
	backend  Backend
	tiles    map[TileID]*Tile
	order    []TileID // FIFO eviction order
	maxTiles int
	dirty    *roaring64.Bitmap
	locks    map[TileID]*tileLock
	log      *slog.Logger
}

// NewStore creates a store. A zero Options gives an in-memory store at
// DefaultZoom.
func NewStore(opts Options) *Store {
	if opts.Zoom == 0 {
		opts.Zoom = DefaultZoom
	}
	if opts.MaxTiles <= 0 {
		opts.MaxTiles = 4096
	}
	return &Store{
		zoom:     opts.Zoom,
		backend:  opts.Backend,
		tiles:    make(map[TileID]*Tile),
		maxTiles: opts.MaxTiles,
		dirty:    roaring64.New(),
		locks:    make(map[TileID]*tileLock),
		log:      slog.Default().With(slog.String("component", "mapstore")),
	}
}

// TileIDFor returns the id of the tile owning p.
func (s *Store) TileIDFor(p orb.Point) TileID {
	return tileIDOf(maptile.At(p, s.zoom))
}

// Cell returns the tile cell of id.
func (s *Store) Cell(id TileID) maptile.Tile {
	return maptile.New(uint32(uint64(id)>>32), uint32(uint64(id)), s.zoom)
}

// TilesCovering returns the ids of every tile intersecting b, ascending.
func (s *Store) TilesCovering(b orb.Bound) []TileID {
	lo := maptile.At(orb.Point{b.Min.Lon(), b.Max.Lat()}, s.zoom) // north-west
	hi := maptile.At(orb.Point{b.Max.Lon(), b.Min.Lat()}, s.zoom) // south-east
	var ids []TileID
	for x := lo.X; x <= hi.X; x++ {
		for y := lo.Y; y <= hi.Y; y++ {
			ids = append(ids, tileIDOf(maptile.New(x, y, s.zoom)))
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// tile returns the cached tile, loading it from the backend when needed.
// With create set, a missing tile is created empty; created reports that.
func (s *Store) tile(id TileID, create bool) (t *Tile, created bool, err error) {
	s.mu.RLock()
	t = s.tiles[id]
	s.mu.RUnlock()
	if t != nil {
		return t, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t = s.tiles[id]; t != nil {
		return t, false, nil
	}
	if s.backend != nil {
		rec, err := s.backend.LoadTile(id)
		switch {
		case err == nil:
			t, err = s.fromRecord(rec)
			if err != nil {
				return nil, false, fmt.Errorf("load tile %d: %w", id, err)
			}
		case !errors.Is(err, ErrNotFound):
			return nil, false, fmt.Errorf("load tile %d: %w", id, err)
		}
	}
	if t == nil {
		if !create {
			return nil, false, ErrNotFound
		}
		t = newTile(id, s.Cell(id))
		created = true
	}
	s.tiles[id] = t
	s.order = append(s.order, id)
	s.evictLocked(id)
	return t, created, nil
}

// GetOrCreate returns tile id, loading or creating it.
func (s *Store) GetOrCreate(id TileID) (*Tile, error) {
	t, _, err := s.tile(id, true)
	return t, err
}

// evictLocked drops the oldest unpinned, unlocked tiles other than keep
// until the cache fits. Dirty tiles are saved first. Must be called with s.mu
// held.
func (s *Store) evictLocked(keep TileID) {
	if s.backend == nil {
		return
	}
	for i := 0; len(s.tiles) > s.maxTiles && i < len(s.order); {
		id := s.order[i]
		t := s.tiles[id]
		if id == keep || t.pins > 0 || s.locks[id] != nil {
			i++
			continue
		}
		if t.dirty {
			if err := s.backend.SaveTile(t.record()); err != nil {
				s.log.Warn("evict: save failed, keeping tile", slog.Uint64("tile", uint64(id)), slog.Any("err", err))
				i++
				continue
			}
			t.dirty = false
			s.dirty.Remove(uint64(id))
		}
		delete(s.tiles, id)
		s.order = append(s.order[:i], s.order[i+1:]...)
	}
}

func (s *Store) fromRecord(rec *TileRecord) (*Tile, error) {
	t := newTile(rec.ID, s.Cell(rec.ID))
	for _, nr := range rec.Nodes {
		if err := t.index.InsertWithID(nr.Local, nr.Pos); err != nil {
			return nil, fmt.Errorf("node %d: %w", nr.Local, err)
		}
		t.nodes[nr.Local] = &Node{
			Ref:          NodeRef{Tile: rec.ID, Local: nr.Local},
			Pos:          nr.Pos,
			Pred:         nr.Pred,
			Succ:         nr.Succ,
			Observations: nr.Observations,
		}
	}
	t.index.Reserve(rec.Next)
	return t, nil
}

func (t *Tile) record() *TileRecord {
	rec := &TileRecord{ID: t.ID, Next: t.index.Next()}
	for _, id := range t.index.IDs() {
		n := t.nodes[id]
		rec.Nodes = append(rec.Nodes, NodeRecord{
			Local:        id,
			Pos:          n.Pos,
			Observations: n.Observations,
			Pred:         append([]Edge(nil), n.Pred...),
			Succ:         append([]Edge(nil), n.Succ...),
		})
	}
	return rec
}

// Node returns the node for ref. Callers must hold the region lock covering
// ref's tile for as long as they use the returned pointer.
func (s *Store) Node(ref NodeRef) (*Node, error) {
	t, _, err := s.tile(ref.Tile, false)
	if err != nil {
		return nil, err
	}
	n, ok := t.nodes[ref.Local]
	if !ok {
		return nil, ErrNotFound
	}
	return n, nil
}

// Connected reports whether a has a successor edge to b.
func (s *Store) Connected(a, b NodeRef) bool {
	n, err := s.Node(a)
	return err == nil && n.HasSucc(b)
}

// Nearby returns every node inside poly across all tiles it touches.
func (s *Store) Nearby(poly orb.Polygon) ([]NodeRef, error) {
	var refs []NodeRef
	for _, id := range s.TilesCovering(poly.Bound()) {
		t, _, err := s.tile(id, false)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, local := range t.index.RangeQuery(poly) {
			refs = append(refs, NodeRef{Tile: id, Local: local})
		}
	}
	return refs, nil
}

// Size returns the number of nodes held in memory, for cache accounting.
func (s *Store) Size() int {
	n := 0
	for _, id := range s.cachedTiles() {
		r := s.lockTiles([]TileID{id})
		s.mu.RLock()
		if t := s.tiles[id]; t != nil {
			n += len(t.nodes)
		}
		s.mu.RUnlock()
		r.Release()
	}
	return n
}

// markDirty flags the tile of ref as modified.
func (s *Store) markDirty(t *Tile) {
	s.mu.Lock()
	t.dirty = true
	s.dirty.Add(uint64(t.ID))
	s.mu.Unlock()
}

// DirtyTiles returns the ids of tiles with unsaved changes.
func (s *Store) DirtyTiles() []TileID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []TileID
	for _, v := range s.dirty.ToArray() {
		ids = append(ids, TileID(v))
	}
	return ids
}

// Flush saves every dirty tile that is not currently locked by a merge. It
// returns the number of tiles written.
func (s *Store) Flush() (int, error) {
	if s.backend == nil {
		return 0, nil
	}
	written := 0
	for _, id := range s.DirtyTiles() {
		unlock, ok := s.tryLockTile(id)
		if !ok {
			continue // busy, next flush picks it up
		}
		s.mu.Lock()
		t := s.tiles[id]
		var err error
		if t != nil && t.dirty && t.pins == 0 {
			if err = s.backend.SaveTile(t.record()); err == nil {
				t.dirty = false
				s.dirty.Remove(uint64(id))
				written++
			}
		}
		s.mu.Unlock()
		unlock()
		if err != nil {
			return written, fmt.Errorf("save tile %d: %w", id, err)
		}
	}
	return written, nil
}

// Close flushes dirty tiles and closes the backend.
func (s *Store) Close() error {
	if s.backend == nil {
		return nil
	}
	_, flushErr := s.Flush()
	if err := s.backend.Close(); err != nil {
		return err
	}
	return flushErr
}

// Export returns deep copies of every node currently held in memory, keyed
// by reference. It waits for merges holding any cached tile.
func (s *Store) Export() map[NodeRef]Node {
	r := s.lockTiles(s.cachedTiles())
	defer r.Release()
	return s.exportLocked(r.ids)
}

func (s *Store) exportLocked(ids []TileID) map[NodeRef]Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[NodeRef]Node)
	for _, id := range ids {
		t := s.tiles[id]
		if t == nil {
			continue // evicted before it was locked
		}
		for _, n := range t.nodes {
			out[n.Ref] = *n.clone()
		}
	}
	return out
}

// Stats summarizes the map.
type Stats struct {
	Tiles     int
	Nodes     int
	Edges     int
	Crossings int
	Cached    int // nodes held in memory
}

// Stats counts tiles, nodes, edges and crossings across the whole map,
// loading persisted tiles as needed. Each tile is counted under its lock, so
// edits of a running merge are seen only once committed.
func (s *Store) Stats() (Stats, error) {
	set := make(map[TileID]struct{})
	for _, id := range s.cachedTiles() {
		set[id] = struct{}{}
	}
	if s.backend != nil {
		saved, err := s.backend.TileIDs()
		if err != nil {
			return Stats{}, err
		}
		for _, id := range saved {
			set[id] = struct{}{}
		}
	}
	ids := make([]TileID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var st Stats
	for _, id := range ids {
		if err := s.countTile(id, &st); err != nil {
			return Stats{}, err
		}
	}
	st.Cached = s.Size()
	return st, nil
}

func (s *Store) countTile(id TileID, st *Stats) error {
	r := s.lockTiles([]TileID{id})
	defer r.Release()
	t, _, err := s.tile(id, false)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(t.nodes) == 0 {
		return nil
	}
	st.Tiles++
	for _, n := range t.nodes {
		st.Nodes++
		st.Edges += len(n.Succ)
		if n.IsCrossing() {
			st.Crossings++
		}
	}
	return nil
}

// Tile returns tile id if it exists in memory or in the backend.
func (s *Store) Tile(id TileID) (*Tile, error) {
	t, _, err := s.tile(id, false)
	return t, err
}

// Nodes returns the tile's nodes ordered by local id.
func (t *Tile) Nodes() []*Node {
	out := make([]*Node, 0, len(t.nodes))
	for _, id := range t.index.IDs() {
		out = append(out, t.nodes[id])
	}
	return out
}
