// Package protocol keeps one record per merge run in a badger database, so
// runs can be listed, inspected and replayed after the fact.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/agentic-research/tracemerge/api"
	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned by Get for unknown run ids.
var ErrNotFound = errors.New("protocol record not found")

const keyPrefix = "run/"

// Store is safe for concurrent use.
type Store struct {
	db *badger.DB
}

// Open opens (creating if needed) the protocol database in dir.
func Open(dir string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open protocol store %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Record stores p under its run id, replacing an earlier record.
func (s *Store) Record(p *api.Protocol) error {
	if p.RunID == "" {
		return errors.New("protocol record without run id")
	}
	val, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode protocol %s: %w", p.RunID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+p.RunID), val)
	})
}

// Get returns the record of run id.
func (s *Store) Get(id string) (*api.Protocol, error) {
	var p api.Protocol
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &p)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read protocol %s: %w", id, err)
	}
	return &p, nil
}

// List returns up to limit records, newest first. limit <= 0 returns all.
func (s *Store) List(limit int) ([]*api.Protocol, error) {
	var out []*api.Protocol
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var p api.Protocol
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &p)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, &p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Started.After(out[j].Started) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
