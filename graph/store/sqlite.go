package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists checkpoints in a single-file SQLite database.
//
// Designed for development, single-process deployments, and prototyping
// before moving to a shared database. WAL mode keeps reads concurrent with
// the engine's writes, and the monotonic-sequence check runs inside a
// transaction so a stale owner can never clobber a newer checkpoint.
//
// One row per run: the checkpoint is append-by-sequence logically, but only
// the latest snapshot is retained.
type SQLiteStore[S any] struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (or creates) the database at path and migrates the
// schema. Use ":memory:" for an ephemeral test database.
func NewSQLiteStore[S any](path string) (*SQLiteStore[S], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports one writer; keep a single connection so the WAL
	// pragmas below apply to every statement.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore[S]{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore[S]) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS run_checkpoints (
			run_id     TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			status     TEXT NOT NULL,
			next_nodes TEXT NOT NULL,
			state      TEXT NOT NULL,
			interrupt  TEXT,
			last_error TEXT,
			updated_at TEXT NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create run_checkpoints: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_checkpoints_owner ON run_checkpoints(owner_id, updated_at)"); err != nil {
		return fmt.Errorf("create idx_checkpoints_owner: %w", err)
	}
	return nil
}

func (s *SQLiteStore[S]) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("store is closed")
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore[S]) Get(ctx context.Context, runID string) (Checkpoint[S], error) {
	var zero Checkpoint[S]
	if err := s.guard(); err != nil {
		return zero, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, owner_id, seq, status, next_nodes, state, interrupt, last_error, updated_at
		FROM run_checkpoints WHERE run_id = ?`, runID)

	cp, err := scanCheckpoint[S](row)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, ErrNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("get %s: %w", runID, err)
	}
	return cp, nil
}

// Put implements Store. The sequence check and upsert run in one
// transaction so the conditional-write guarantee holds under concurrency.
func (s *SQLiteStore[S]) Put(ctx context.Context, cp Checkpoint[S]) error {
	if err := s.guard(); err != nil {
		return err
	}
	cols, err := encodeCheckpoint(cp)
	if err != nil {
		return fmt.Errorf("put %s: %w", cp.RunID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put %s: begin: %w", cp.RunID, err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int64
	err = tx.QueryRowContext(ctx,
		"SELECT seq FROM run_checkpoints WHERE run_id = ?", cp.RunID).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First checkpoint for this run.
	case err != nil:
		return fmt.Errorf("put %s: read seq: %w", cp.RunID, err)
	case cp.Seq == existing:
		return nil // idempotent re-submission
	case cp.Seq < existing:
		return fmt.Errorf("put %s: seq %d behind %d: %w",
			cp.RunID, cp.Seq, existing, ErrSequenceConflict)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_checkpoints
			(run_id, owner_id, seq, status, next_nodes, state, interrupt, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			owner_id = excluded.owner_id,
			seq = excluded.seq,
			status = excluded.status,
			next_nodes = excluded.next_nodes,
			state = excluded.state,
			interrupt = excluded.interrupt,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		cp.RunID, cp.OwnerID, cp.Seq, cp.Status,
		cols.nextNodes, cols.state, cols.interrupt, cols.lastError, cols.updatedAt)
	if err != nil {
		return fmt.Errorf("put %s: %w", cp.RunID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put %s: commit: %w", cp.RunID, err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore[S]) Delete(ctx context.Context, runID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM run_checkpoints WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("delete %s: %w", runID, err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore[S]) List(ctx context.Context, ownerID string) ([]Summary, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, owner_id, seq, status, updated_at
		FROM run_checkpoints
		WHERE owner_id = ?
		ORDER BY updated_at DESC, run_id ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", ownerID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var updated string
		if err := rows.Scan(&sum.RunID, &sum.OwnerID, &sum.Seq, &sum.Status, &updated); err != nil {
			return nil, fmt.Errorf("list %s: scan: %w", ownerID, err)
		}
		if sum.UpdatedAt, err = parseDBTime(updated); err != nil {
			return nil, fmt.Errorf("list %s: %w", ownerID, err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", ownerID, err)
	}
	return out, nil
}

// Close closes the database. Double-close is a no-op.
func (s *SQLiteStore[S]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection, for health checks.
func (s *SQLiteStore[S]) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore[S]) Path() string { return s.path }

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// checkpointCols holds the serialized column values shared by the SQL
// backends.
type checkpointCols struct {
	nextNodes string
	state     string
	interrupt sql.NullString
	lastError sql.NullString
	updatedAt string
}

func encodeCheckpoint[S any](cp Checkpoint[S]) (checkpointCols, error) {
	var cols checkpointCols

	nodes, err := json.Marshal(cp.NextNodes)
	if err != nil {
		return cols, fmt.Errorf("marshal next nodes: %w", err)
	}
	state, err := json.Marshal(cp.State)
	if err != nil {
		return cols, fmt.Errorf("marshal state: %w", err)
	}

	cols.nextNodes = string(nodes)
	cols.state = string(state)
	if len(cp.Interrupt) > 0 {
		cols.interrupt = sql.NullString{String: string(cp.Interrupt), Valid: true}
	}
	if len(cp.LastError) > 0 {
		cols.lastError = sql.NullString{String: string(cp.LastError), Valid: true}
	}
	cols.updatedAt = formatDBTime(cp.UpdatedAt)
	return cols, nil
}

func scanCheckpoint[S any](row rowScanner) (Checkpoint[S], error) {
	var (
		cp        Checkpoint[S]
		nodes     string
		state     string
		interrupt sql.NullString
		lastError sql.NullString
		updated   string
	)

	err := row.Scan(&cp.RunID, &cp.OwnerID, &cp.Seq, &cp.Status,
		&nodes, &state, &interrupt, &lastError, &updated)
	if err != nil {
		var zero Checkpoint[S]
		return zero, err
	}

	if err := json.Unmarshal([]byte(nodes), &cp.NextNodes); err != nil {
		var zero Checkpoint[S]
		return zero, fmt.Errorf("unmarshal next nodes: %w", err)
	}
	if err := json.Unmarshal([]byte(state), &cp.State); err != nil {
		var zero Checkpoint[S]
		return zero, fmt.Errorf("unmarshal state: %w", err)
	}
	if interrupt.Valid {
		cp.Interrupt = json.RawMessage(interrupt.String)
	}
	if lastError.Valid {
		cp.LastError = json.RawMessage(lastError.String)
	}
	if cp.UpdatedAt, err = parseDBTime(updated); err != nil {
		var zero Checkpoint[S]
		return zero, err
	}
	return cp, nil
}
