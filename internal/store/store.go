// Package store keeps a SQLite history of deployment runs.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed deployment history.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Pipelines finish concurrently; one connection serializes their writes.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Deployment is the recorded outcome of one destination.
type Deployment struct {
	Host       string
	ConfigName string
	State      string
	SystemName string
	Path       string
	Error      string
	Started    time.Time
	Finished   time.Time
}

// Entry is a deployment together with the run it belonged to.
type Entry struct {
	RunID string
	Flake string
	Deployment
}

// BeginRun records the start of a run and returns its id.
func (s *Store) BeginRun(ctx context.Context, flake, resolvedPath string, destinations int) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, flake, resolved_path, destinations, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, flake, resolvedPath, destinations, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("record run: %w", err)
	}
	return id, nil
}

// RecordDeployment stores one destination's outcome under runID.
func (s *Store) RecordDeployment(ctx context.Context, runID string, d Deployment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deployments (run_id, host, config_name, state, system_name, path, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, d.Host, d.ConfigName, d.State, d.SystemName, d.Path, d.Error,
		d.Started.UnixMilli(), d.Finished.UnixMilli())
	if err != nil {
		return fmt.Errorf("record deployment to %s: %w", d.Host, err)
	}
	return nil
}

// FinishRun marks runID as done, with runErr as its overall failure if any.
func (s *Store) FinishRun(ctx context.Context, runID string, runErr error) error {
	var msg sql.NullString
	if runErr != nil {
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, error = ? WHERE id = ?`,
		time.Now().UnixMilli(), msg, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run: no run %s", runID)
	}
	return nil
}

// Recent returns up to limit deployments, newest first. A non-empty host
// restricts the list to that destination.
func (s *Store) Recent(ctx context.Context, host string, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.run_id, r.flake, d.host, d.config_name, d.state, d.system_name, d.path, d.error, d.started_at, d.finished_at
		FROM deployments d JOIN runs r ON r.id = d.run_id
		WHERE ? = '' OR d.host = ?
		ORDER BY d.finished_at DESC, d.id DESC
		LIMIT ?`, host, host, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var started, finished int64
		if err := rows.Scan(&e.RunID, &e.Flake, &e.Host, &e.ConfigName, &e.State, &e.SystemName, &e.Path, &e.Error, &started, &finished); err != nil {
			return nil, err
		}
		e.Started, e.Finished = time.UnixMilli(started), time.UnixMilli(finished)
		out = append(out, e)
	}
	return out, rows.Err()
}
