// Package postgres implements loom.MemoryAdapter on PostgreSQL via pgx,
// with ILIKE-based text matching and JSONB metadata filters.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomworks/loom"
)

// Adapter implements loom.MemoryAdapter backed by a pgx connection pool.
type Adapter struct {
	pool *pgxpool.Pool
}

var _ loom.MemoryAdapter = (*Adapter)(nil)

// New creates an adapter over an existing pool. The caller owns the pool's
// lifetime.
func New(pool *pgxpool.Pool) *Adapter {
	return &Adapter{pool: pool}
}

// Connect opens a pool for the given connection string and returns an
// adapter owning it.
func Connect(ctx context.Context, connString string) (*Adapter, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Adapter{pool: pool}, nil
}

// Close releases the underlying pool.
func (a *Adapter) Close() { a.pool.Close() }

// Init creates the entries table if it does not exist.
func (a *Adapter) Init(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS memory_entries (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		metadata JSONB,
		session_id TEXT,
		created_at BIGINT NOT NULL
	)`)
	return err
}

// Store implements loom.MemoryAdapter.
func (a *Adapter) Store(ctx context.Context, e loom.MemoryEntry) error {
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
	_, err = a.pool.Exec(ctx,
		`INSERT INTO memory_entries (id, content, metadata, session_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET content = $2, metadata = $3, created_at = $5`,
		e.ID, e.Content, meta, e.Metadata["session_id"], e.CreatedAt)
	return err
}

// Query implements loom.MemoryAdapter.
func (a *Adapter) Query(ctx context.Context, q loom.MemoryQuery) ([]loom.MemoryEntry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	query := `SELECT id, content, metadata, created_at FROM memory_entries WHERE content ILIKE $1`
	args := []any{"%" + q.Text + "%"}
	if q.SessionID != "" {
		query += fmt.Sprintf(` AND session_id = $%d`, len(args)+1)
		args = append(args, q.SessionID)
	}
	if len(q.Filter) > 0 {
		filter, err := json.Marshal(q.Filter)
		if err != nil {
			return nil, fmt.Errorf("marshal filter: %w", err)
		}
		query += fmt.Sprintf(` AND metadata @> $%d`, len(args)+1)
		args = append(args, filter)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := a.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []loom.MemoryEntry
	for rows.Next() {
		var e loom.MemoryEntry
		var meta []byte
		if err := rows.Scan(&e.ID, &e.Content, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
