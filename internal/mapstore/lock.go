package mapstore

import (
	"slices"
	"sync"

	"github.com/paulmach/orb"
)

// tileLock serializes structural edits on one tile. holders counts
// goroutines that hold or wait for the lock; while non-zero the tile is
// pinned in the cache.
type tileLock struct {
	mu      sync.Mutex
	holders int
}

// Region is a set of locked tiles. Release must be called exactly once.
type Region struct {
	s     *Store
	ids   []TileID
	locks []*tileLock
}

// LockRegion takes the exclusive lock of every tile intersecting b. Locks
// are taken in ascending tile id order so overlapping regions cannot
// deadlock.
func (s *Store) LockRegion(b orb.Bound) *Region {
	return s.lockTiles(s.TilesCovering(b))
}

// lockTiles locks ids, which must be ascending.
func (s *Store) lockTiles(ids []TileID) *Region {
	r := &Region{s: s, ids: ids, locks: make([]*tileLock, len(ids))}

	s.mu.Lock()
	for i, id := range ids {
		l := s.locks[id]
		if l == nil {
			l = &tileLock{}
			s.locks[id] = l
		}
		l.holders++
		r.locks[i] = l
	}
	s.mu.Unlock()

	for _, l := range r.locks {
		l.mu.Lock()
	}
	return r
}

// cachedTiles returns the ids of the tiles held in memory, ascending.
func (s *Store) cachedTiles() []TileID {
	s.mu.RLock()
	ids := make([]TileID, 0, len(s.tiles))
	for id := range s.tiles {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Release unlocks every tile of the region.
func (r *Region) Release() {
	if r.locks == nil {
		return
	}
	for i := len(r.locks) - 1; i >= 0; i-- {
		r.locks[i].mu.Unlock()
	}
	r.s.releaseLocks(r.ids, r.locks)
	r.locks = nil
}

func (s *Store) releaseLocks(ids []TileID, locks []*tileLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range ids {
		l := locks[i]
		l.holders--
		if l.holders == 0 && s.locks[id] == l {
			delete(s.locks, id)
		}
	}
}

// tryLockTile locks a single tile without waiting. The returned func
// releases it.
func (s *Store) tryLockTile(id TileID) (func(), bool) {
	s.mu.Lock()
	l := s.locks[id]
	if l == nil {
		l = &tileLock{}
		s.locks[id] = l
	}
	l.holders++
	s.mu.Unlock()

	ids, locks := []TileID{id}, []*tileLock{l}
	if !l.mu.TryLock() {
		s.releaseLocks(ids, locks)
		return nil, false
	}
	return func() {
		l.mu.Unlock()
		s.releaseLocks(ids, locks)
	}, true
}
