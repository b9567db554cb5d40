package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seantiz/kompot/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    started_at  DATETIME NOT NULL,
    finished_at DATETIME,
    submitted   INTEGER NOT NULL DEFAULT 0,
    active      INTEGER NOT NULL DEFAULT 0,
    failed      INTEGER NOT NULL DEFAULT 0,
    abandoned   INTEGER NOT NULL DEFAULT 0
)`

const createSubscriptionsTable = `
CREATE TABLE IF NOT EXISTS subscriptions (
    run_id          TEXT NOT NULL,
    name            TEXT NOT NULL,
    subscription_id TEXT,
    catalog_id      TEXT,
    status          TEXT NOT NULL,
    error           TEXT,
    order_json      TEXT NOT NULL,
    created_at      DATETIME NOT NULL,
    settled_at      DATETIME,
    PRIMARY KEY (run_id, name)
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createRunsTable, createSubscriptionsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, finished_at, submitted, active, failed, abandoned)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt, run.FinishedAt, run.Submitted, run.Active, run.Failed, run.Abandoned,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun updates a run with its final counters and finish time.
func (s *SQLiteStore) FinishRun(ctx context.Context, run *model.Run) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, submitted = ?, active = ?, failed = ?, abandoned = ?
		 WHERE id = ?`,
		run.FinishedAt, run.Submitted, run.Active, run.Failed, run.Abandoned, run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return checkAffected(result)
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	run := &model.Run{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, started_at, finished_at, submitted, active, failed, abandoned
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &run.Submitted, &run.Active, &run.Failed, &run.Abandoned)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns all runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]*model.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, submitted, active, failed, abandoned
		 FROM runs ORDER BY started_at DESC, id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run := &model.Run{}
		if err := rows.Scan(
			&run.ID, &run.StartedAt, &run.FinishedAt,
			&run.Submitted, &run.Active, &run.Failed, &run.Abandoned,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, nil
}

// CreateSubscription inserts a subscription record for a run. The originating
// order is stored as JSON alongside the tracked identity.
func (s *SQLiteStore) CreateSubscription(ctx context.Context, runID string, sub *model.Subscription) error {
	orderJSON, err := json.Marshal(sub.Order)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (
			run_id, name, subscription_id, catalog_id, status, error,
			order_json, created_at, settled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, sub.Name, sub.ID, sub.CatalogID, sub.Status, sub.Error,
		string(orderJSON), sub.CreatedAt, sub.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// UpdateSubscription persists the current identity, status and error of a
// tracked subscription.
func (s *SQLiteStore) UpdateSubscription(ctx context.Context, runID string, sub *model.Subscription) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions
		 SET subscription_id = ?, catalog_id = ?, status = ?, error = ?, settled_at = ?
		 WHERE run_id = ? AND name = ?`,
		sub.ID, sub.CatalogID, sub.Status, sub.Error, sub.SettledAt, runID, sub.Name,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return checkAffected(result)
}

// ListSubscriptions returns all subscriptions of a run ordered by creation time.
func (s *SQLiteStore) ListSubscriptions(ctx context.Context, runID string) ([]*model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, subscription_id, catalog_id, status, error, order_json, created_at, settled_at
		 FROM subscriptions WHERE run_id = ? ORDER BY created_at, name`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub := &model.Subscription{}
		var orderJSON string
		if err := rows.Scan(
			&sub.Name, &sub.ID, &sub.CatalogID, &sub.Status, &sub.Error,
			&orderJSON, &sub.CreatedAt, &sub.SettledAt,
		); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		if err := json.Unmarshal([]byte(orderJSON), &sub.Order); err != nil {
			return nil, fmt.Errorf("decode order: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}

	return subs, nil
}

func checkAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
