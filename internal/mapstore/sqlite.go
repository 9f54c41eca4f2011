package mapstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/agentic-research/tracemerge/internal/spatial"
	"github.com/paulmach/orb"
	_ "modernc.org/sqlite"
)

const (
	edgePred = 0
	edgeSucc = 1
)

// SQLiteBackend persists tiles in a single SQLite database. Each tile owns
// the rows of its nodes and both edge lists of those nodes, so a tile can be
// rewritten without touching its neighbors.
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

var _ Backend = (*SQLiteBackend)(nil)

// OpenSQLite opens (or creates) the map database at path.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open map db: %w", err)
	}
	// one writer; readers go through the store's cache anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS tiles (
			id INTEGER PRIMARY KEY,
			next_local INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS nodes (
			tile INTEGER NOT NULL,
			local INTEGER NOT NULL,
			lon REAL NOT NULL,
			lat REAL NOT NULL,
			observations INTEGER NOT NULL,
			PRIMARY KEY (tile, local)
		);
		CREATE TABLE IF NOT EXISTS edges (
			tile INTEGER NOT NULL,
			local INTEGER NOT NULL,
			dir INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			to_tile INTEGER NOT NULL,
			to_local INTEGER NOT NULL,
			bearing REAL NOT NULL,
			PRIMARY KEY (tile, local, dir, seq)
		);
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create map schema: %w", err)
	}
	return &SQLiteBackend{db: db, path: path}, nil
}

// Path returns the database file path.
func (b *SQLiteBackend) Path() string { return b.path }

// LoadTile reads one tile with all its nodes and edges.
func (b *SQLiteBackend) LoadTile(id TileID) (*TileRecord, error) {
	rec := &TileRecord{ID: id}
	var next int64
	err := b.db.QueryRow("SELECT next_local FROM tiles WHERE id = ?", int64(id)).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query tile: %w", err)
	}
	rec.Next = spatial.ID(next)

	rows, err := b.db.Query(
		"SELECT local, lon, lat, observations FROM nodes WHERE tile = ? ORDER BY local", int64(id))
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	byLocal := make(map[spatial.ID]int)
	for rows.Next() {
		var (
			local    int64
			lon, lat float64
			obs      int
		)
		if err := rows.Scan(&local, &lon, &lat, &obs); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan node: %w", err)
		}
		byLocal[spatial.ID(local)] = len(rec.Nodes)
		rec.Nodes = append(rec.Nodes, NodeRecord{
			Local:        spatial.ID(local),
			Pos:          orb.Point{lon, lat},
			Observations: obs,
		})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	rows, err = b.db.Query(`
		SELECT local, dir, to_tile, to_local, bearing FROM edges
		WHERE tile = ? ORDER BY local, dir, seq`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore
	for rows.Next() {
		var (
			local, toTile, toLocal int64
			dir                    int
			bearing                float64
		)
		if err := rows.Scan(&local, &dir, &toTile, &toLocal, &bearing); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		i, ok := byLocal[spatial.ID(local)]
		if !ok {
			return nil, fmt.Errorf("edge of unknown node %d/%d: %w", id, local, ErrInconsistent)
		}
		e := Edge{To: NodeRef{Tile: TileID(toTile), Local: spatial.ID(toLocal)}, Bearing: bearing}
		if dir == edgePred {
			rec.Nodes[i].Pred = append(rec.Nodes[i].Pred, e)
		} else {
			rec.Nodes[i].Succ = append(rec.Nodes[i].Succ, e)
		}
	}
	return rec, rows.Err()
}

// SaveTile replaces the stored tile in one transaction.
func (b *SQLiteBackend) SaveTile(rec *TileRecord) error {
	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // safe to ignore (no-op if committed)

	tid := int64(rec.ID)
	if _, err := tx.Exec("DELETE FROM edges WHERE tile = ?", tid); err != nil {
		return fmt.Errorf("clear edges: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM nodes WHERE tile = ?", tid); err != nil {
		return fmt.Errorf("clear nodes: %w", err)
	}
	if _, err := tx.Exec("INSERT OR REPLACE INTO tiles (id, next_local) VALUES (?, ?)", tid, int64(rec.Next)); err != nil {
		return fmt.Errorf("upsert tile: %w", err)
	}

	nodeStmt, err := tx.Prepare("INSERT INTO nodes (tile, local, lon, lat, observations) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare nodes: %w", err)
	}
	defer func() { _ = nodeStmt.Close() }() // safe to ignore
	edgeStmt, err := tx.Prepare(`
		INSERT INTO edges (tile, local, dir, seq, to_tile, to_local, bearing)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare edges: %w", err)
	}
	defer func() { _ = edgeStmt.Close() }() // safe to ignore

	for _, n := range rec.Nodes {
		local := int64(n.Local)
		if _, err := nodeStmt.Exec(tid, local, n.Pos.Lon(), n.Pos.Lat(), n.Observations); err != nil {
			return fmt.Errorf("insert node %d: %w", n.Local, err)
		}
		for dir, edges := range [2][]Edge{edgePred: n.Pred, edgeSucc: n.Succ} {
			for seq, e := range edges {
				if _, err := edgeStmt.Exec(tid, local, dir, seq, int64(e.To.Tile), int64(e.To.Local), e.Bearing); err != nil {
					return fmt.Errorf("insert edge %d→%s: %w", n.Local, e.To, err)
				}
			}
		}
	}
	return tx.Commit()
}

// TileIDs lists every saved tile.
func (b *SQLiteBackend) TileIDs() ([]TileID, error) {
	rows, err := b.db.Query("SELECT id FROM tiles ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query tiles: %w", err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore
	var ids []TileID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, TileID(id))
	}
	return ids, rows.Err()
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
