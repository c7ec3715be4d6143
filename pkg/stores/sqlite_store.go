package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/loomctl/loom/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded filesystem.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction.
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CommitTx commits a transaction.
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction.
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// LoadNodeState returns a node's persisted observed state and outputs, both
// nil when the node was never applied.
func (s *SQLiteStore) LoadNodeState(ctx context.Context, nodeID string) (json.RawMessage, map[string]string, error) {
	query := `
		SELECT observed, outputs
		FROM node_state
		WHERE node_id = ?
	`

	var observed, outputs string
	err := s.db.QueryRowContext(ctx, query, nodeID).Scan(&observed, &outputs)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load node state: %w", err)
	}

	var decoded map[string]string
	if outputs != "" {
		if err := json.Unmarshal([]byte(outputs), &decoded); err != nil {
			return nil, nil, fmt.Errorf("corrupt outputs for node %s: %w", nodeID, err)
		}
	}
	return json.RawMessage(observed), decoded, nil
}

// SaveNodeState upserts a node's observed state and outputs after a pass.
func (s *SQLiteStore) SaveNodeState(ctx context.Context, report engine.NodeReport) error {
	outputs, err := json.Marshal(report.Outputs)
	if err != nil {
		return fmt.Errorf("failed to encode outputs: %w", err)
	}

	query := `
		INSERT INTO node_state (node_id, kind, observed, outputs, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			kind = excluded.kind,
			observed = excluded.observed,
			outputs = excluded.outputs,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		report.ID,
		string(report.Kind),
		string(report.Observed),
		string(outputs),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save node state: %w", err)
	}
	return nil
}

// DeleteNodeState removes a node's persisted state after a confirmed delete.
// Deleting absent state is not an error.
func (s *SQLiteStore) DeleteNodeState(ctx context.Context, nodeID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM node_state WHERE node_id = ?`, nodeID); err != nil {
		return fmt.Errorf("failed to delete node state: %w", err)
	}
	return nil
}

// ListNodeStates lists all persisted node states sorted by identifier.
func (s *SQLiteStore) ListNodeStates(ctx context.Context) ([]*NodeState, error) {
	query := `
		SELECT node_id, kind, observed, outputs, updated_at
		FROM node_state
		ORDER BY node_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list node states: %w", err)
	}
	defer rows.Close()

	states := []*NodeState{}
	for rows.Next() {
		state := &NodeState{}
		if err := rows.Scan(&state.NodeID, &state.Kind, &state.Observed, &state.Outputs, &state.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan node state: %w", err)
		}
		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node states: %w", err)
	}

	return states, nil
}

// CreateRun creates a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, plan_id, direction, status, started_at, completed_at, error, succeeded, failed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.PlanID,
		string(run.Direction),
		run.Status,
		run.StartedAt,
		run.CompletedAt,
		run.Error,
		run.Succeeded,
		run.Failed,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, plan_id, direction, status, started_at, completed_at, error, succeeded, failed, created_at, updated_at
		FROM runs
		WHERE id = ?
	`

	run := &Run{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.PlanID,
		&run.Direction,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
		&run.Succeeded,
		&run.Failed,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// CompleteRun finalizes a run record with its terminal status and counters.
func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, status RunStatus, succeeded, failed int, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, succeeded = ?, failed = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query, status, succeeded, failed, errMsg, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

// ListRuns lists runs with pagination, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, plan_id, direction, status, started_at, completed_at, error, succeeded, failed, created_at, updated_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run := &Run{}
		err := rows.Scan(
			&run.ID,
			&run.PlanID,
			&run.Direction,
			&run.Status,
			&run.StartedAt,
			&run.CompletedAt,
			&run.Error,
			&run.Succeeded,
			&run.Failed,
			&run.CreatedAt,
			&run.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// RecordRunNodes writes the per-node reports of a completed pass in one
// transaction.
func (s *SQLiteStore) RecordRunNodes(ctx context.Context, runID string, reports []engine.NodeReport) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	query := `
		INSERT INTO run_nodes (run_id, node_id, kind, status, error_kind, error_message, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	for _, report := range reports {
		var errorKind, errorMessage *string
		if report.ErrorKind != "" {
			k := string(report.ErrorKind)
			errorKind = &k
		}
		if report.ErrorMessage != "" {
			m := report.ErrorMessage
			errorMessage = &m
		}

		if _, err := tx.ExecContext(ctx, query,
			runID,
			report.ID,
			string(report.Kind),
			string(report.Status),
			errorKind,
			errorMessage,
			now,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record run node %s: %w", report.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run nodes: %w", err)
	}
	return nil
}

// ListRunNodes lists the per-node results for a run.
func (s *SQLiteStore) ListRunNodes(ctx context.Context, runID string) ([]*RunNode, error) {
	query := `
		SELECT run_id, node_id, kind, status, error_kind, error_message, recorded_at
		FROM run_nodes
		WHERE run_id = ?
		ORDER BY node_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run nodes: %w", err)
	}
	defer rows.Close()

	nodes := []*RunNode{}
	for rows.Next() {
		node := &RunNode{}
		if err := rows.Scan(
			&node.RunID,
			&node.NodeID,
			&node.Kind,
			&node.Status,
			&node.ErrorKind,
			&node.ErrorMessage,
			&node.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run node: %w", err)
		}
		nodes = append(nodes, node)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run nodes: %w", err)
	}

	return nodes, nil
}

// AppendEvent appends an orchestration event to the log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event engine.Event) error {
	query := `
		INSERT INTO events (run_id, node_id, type, level, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	var nodeID *string
	if event.NodeID != "" {
		id := event.NodeID
		nodeID = &id
	}

	if _, err := s.db.ExecContext(ctx, query,
		event.RunID,
		nodeID,
		event.Type,
		event.Level,
		event.Message,
		event.Time.UTC(),
	); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// GetEvents retrieves events with optional filters and pagination.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID *string, nodeID *string, limit, offset int) ([]*StoredEvent, error) {
	query := `
		SELECT id, run_id, node_id, type, level, message, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR node_id = ?)
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, runID, nodeID, nodeID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*StoredEvent{}
	for rows.Next() {
		event := &StoredEvent{}
		if err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.NodeID,
			&event.Type,
			&event.Level,
			&event.Message,
			&event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
