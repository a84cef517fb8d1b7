package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore persists checkpoints in MySQL/MariaDB.
//
// Designed for deployments where multiple engine processes share a database
// and each run is routed to at most one active owner. The conditional write
// uses SELECT ... FOR UPDATE so a stale owner's Put fails with
// ErrSequenceConflict instead of regressing the run.
//
// Never hardcode credentials; read the DSN from the environment:
//
//	st, err := store.NewMySQLStore[State](os.Getenv("MYSQL_DSN"))
type MySQLStore[S any] struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore opens a connection pool against the DSN and migrates the
// schema. DSN format follows go-sql-driver/mysql, e.g.
// "user:pass@tcp(localhost:3306)/workflows?parseTime=true".
func NewMySQLStore[S any](dsn string) (*MySQLStore[S], error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore[S]{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *MySQLStore[S]) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS run_checkpoints (
			run_id     VARCHAR(128) PRIMARY KEY,
			owner_id   VARCHAR(128) NOT NULL,
			seq        BIGINT NOT NULL,
			status     VARCHAR(32) NOT NULL,
			next_nodes JSON NOT NULL,
			state      JSON NOT NULL,
			interrupt  JSON NULL,
			last_error JSON NULL,
			updated_at VARCHAR(64) NOT NULL,
			INDEX idx_checkpoints_owner (owner_id, updated_at)
		) ENGINE=InnoDB
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create run_checkpoints: %w", err)
	}
	return nil
}

func (s *MySQLStore[S]) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("store is closed")
	}
	return nil
}

// Get implements Store.
func (s *MySQLStore[S]) Get(ctx context.Context, runID string) (Checkpoint[S], error) {
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

// Put implements Store. The row lock taken by FOR UPDATE serializes
// concurrent writers on the same run, making the sequence check race-safe.
func (s *MySQLStore[S]) Put(ctx context.Context, cp Checkpoint[S]) error {
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
		"SELECT seq FROM run_checkpoints WHERE run_id = ? FOR UPDATE", cp.RunID).Scan(&existing)
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
		ON DUPLICATE KEY UPDATE
			owner_id = VALUES(owner_id),
			seq = VALUES(seq),
			status = VALUES(status),
			next_nodes = VALUES(next_nodes),
			state = VALUES(state),
			interrupt = VALUES(interrupt),
			last_error = VALUES(last_error),
			updated_at = VALUES(updated_at)`,
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
func (s *MySQLStore[S]) Delete(ctx context.Context, runID string) error {
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
func (s *MySQLStore[S]) List(ctx context.Context, ownerID string) ([]Summary, error) {
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

// Close closes the connection pool. Double-close is a no-op.
func (s *MySQLStore[S]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection, for health checks.
func (s *MySQLStore[S]) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}
