// Package sqlite implements loom.MemoryAdapter using pure-Go SQLite with
// LIKE-based text matching.
//
// Swap in a different backend (e.g. Postgres) by implementing
// loom.MemoryAdapter with your own package.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/loomworks/loom"
)

// Adapter implements loom.MemoryAdapter backed by a local SQLite file.
// Metadata is stored as JSON text; queries match entry content with LIKE
// and honor session and metadata filters.
type Adapter struct {
	dbPath string
}

var _ loom.MemoryAdapter = (*Adapter)(nil)

// New creates an adapter using a local SQLite file.
func New(dbPath string) *Adapter {
	return &Adapter{dbPath: dbPath}
}

func (a *Adapter) openDB() (*sql.DB, error) {
	return sql.Open("sqlite", a.dbPath)
}

// Init creates the entries table if it does not exist.
func (a *Adapter) Init(ctx context.Context) error {
	db, err := a.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS memory_entries (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		metadata TEXT,
		session_id TEXT,
		created_at INTEGER NOT NULL
	)`)
	return err
}

// Store implements loom.MemoryAdapter.
func (a *Adapter) Store(ctx context.Context, e loom.MemoryEntry) error {
	db, err := a.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if e.ID == "" {
		e.ID = loom.NewID()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = loom.NowUnix()
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT OR REPLACE INTO memory_entries (id, content, metadata, session_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Content, string(meta), e.Metadata["session_id"], e.CreatedAt)
	return err
}

// Query implements loom.MemoryAdapter. Matching is a case-insensitive LIKE
// over content; metadata filters are applied in-process after the scan.
func (a *Adapter) Query(ctx context.Context, q loom.MemoryQuery) ([]loom.MemoryEntry, error) {
	db, err := a.openDB()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	query := `SELECT id, content, metadata, created_at FROM memory_entries WHERE content LIKE ?`
	args := []any{"%" + q.Text + "%"}
	if q.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, q.SessionID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []loom.MemoryEntry
	for rows.Next() {
		var e loom.MemoryEntry
		var meta string
		if err := rows.Scan(&e.ID, &e.Content, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		if meta != "" {
			_ = json.Unmarshal([]byte(meta), &e.Metadata)
		}
		if !matchesFilter(e.Metadata, q.Filter) {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

func matchesFilter(meta, filter map[string]string) bool {
	for k, v := range filter {
		if meta[k] != v {
			return false
		}
	}
	return true
}
