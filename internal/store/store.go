// Package store persists reconciliation snapshots in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	appLog "meetrecon/internal/log"
	"meetrecon/internal/model"
)

const DriverName = "sqlite3"

var ErrNoSnapshot = errors.New("store: no snapshot recorded yet")

// Run describes one completed sync.
type Run struct {
	ID              string    `json:"id"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	WindowStart     time.Time `json:"window_start"`
	WindowEnd       time.Time `json:"window_end"`
	SourceCount     int       `json:"source_count"`
	OccurrenceCount int       `json:"occurrence_count"`
	TruncatedSeries []string  `json:"truncated_series,omitempty"`
	Errors          []string  `json:"errors,omitempty"`
}

type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the database at path and runs migrations.
// ":memory:" is accepted for tests.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open(DriverName, path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection also keeps an
	// in-memory database alive across calls.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun stores a run and its occurrences in one transaction. An empty
// run ID is replaced by a fresh UUID; the stored ID is returned.
func (s *Store) SaveRun(ctx context.Context, run Run, occ []model.Occurrence) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.OccurrenceCount = len(occ)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO sync_runs (id, started_at, finished_at, window_start, window_end,
			source_count, occurrence_count, truncated_series, errors)
		VALUES (:id, :started_at, :finished_at, :window_start, :window_end,
			:source_count, :occurrence_count, :truncated_series, :errors)
	`, newRunRow(run))
	if err != nil {
		return "", fmt.Errorf("sync run: %w", err)
	}

	for i, o := range occ {
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO occurrences (run_id, seq, series_key, source_id, instance_key,
				subject, location, start_at, end_at, kind)
			VALUES (:run_id, :seq, :series_key, :source_id, :instance_key,
				:subject, :location, :start_at, :end_at, :kind)
		`, newOccurrenceRow(run.ID, i, o))
		if err != nil {
			return "", fmt.Errorf("occurrence %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return run.ID, nil
}

// LatestRun returns the most recently started run.
func (s *Store) LatestRun(ctx context.Context) (Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM sync_runs ORDER BY started_at DESC, rowid DESC LIMIT 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNoSnapshot
	}
	if err != nil {
		return Run{}, err
	}
	return row.Convert(), nil
}

// Occurrences returns the stored occurrences of a run in their original
// order.
func (s *Store) Occurrences(ctx context.Context, runID string) ([]model.Occurrence, error) {
	var rows []occurrenceRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM occurrences WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, err
	}

	res := make([]model.Occurrence, 0, len(rows))
	for _, r := range rows {
		o, ok := r.Convert()
		if !ok {
			appLog.Warn("skipping stored occurrence with unknown kind", "run_id", runID, "seq", r.Seq, "kind", r.Kind)
			continue
		}
		res = append(res, o)
	}
	return res, nil
}

// Prune keeps the newest keep runs and deletes the rest.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_runs WHERE id NOT IN (
			SELECT id FROM sync_runs ORDER BY started_at DESC, rowid DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
