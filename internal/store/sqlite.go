package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dallay/cvix-sub006/internal/model"

	_ "modernc.org/sqlite"
)

const createCompilationsTable = `
CREATE TABLE IF NOT EXISTS compilations (
    id           TEXT PRIMARY KEY,
    status       TEXT NOT NULL,
    locale       TEXT NOT NULL,
    engine       TEXT NOT NULL,
    attempts     INTEGER NOT NULL DEFAULT 0,
    error_kind   TEXT NOT NULL DEFAULT '',
    error        TEXT NOT NULL DEFAULT '',
    exit_code    INTEGER,
    output       BLOB,
    output_bytes INTEGER NOT NULL DEFAULT 0,
    duration_ms  INTEGER,
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    finished_at  DATETIME
)`

const createCompilationsIndex = `
CREATE INDEX IF NOT EXISTS idx_compilations_created_at ON compilations (created_at)`

// jobColumns excludes the output blob, which is only read by GetJobOutput.
const jobColumns = `id, status, locale, engine, attempts, error_kind, error,
	exit_code, output_bytes, duration_ms, created_at, started_at, finished_at`

// ErrNotFound is returned when a job is not found.
var ErrNotFound = errors.New("compilation job not found")

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

	// Each connection to ":memory:" is its own database, and SQLite admits
	// one writer at a time anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createCompilationsTable, createCompilationsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate compilations table: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO compilations (
			id, status, locale, engine, attempts, error_kind, error,
			exit_code, output, output_bytes, duration_ms,
			created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Status, j.Locale, j.Engine, j.Attempts, string(j.ErrorKind), j.Error,
		j.ExitCode, j.Output, len(j.Output), j.DurationMS,
		j.CreatedAt, j.StartedAt, j.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	j := &model.Job{}
	var kind string
	if err := row.Scan(
		&j.ID, &j.Status, &j.Locale, &j.Engine, &j.Attempts, &kind, &j.Error,
		&j.ExitCode, &j.OutputBytes, &j.DurationMS, &j.CreatedAt, &j.StartedAt, &j.FinishedAt,
	); err != nil {
		return nil, err
	}
	j.ErrorKind = model.ErrorKind(kind)
	return j, nil
}

// GetJob retrieves a job by ID. The output blob is not loaded.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM compilations WHERE id = ?", id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// GetJobOutput returns the stored PDF of a job. A job that exists but kept
// no output returns a nil slice and no error.
func (s *SQLiteStore) GetJobOutput(ctx context.Context, id string) ([]byte, error) {
	var out []byte
	err := s.db.QueryRowContext(ctx, "SELECT output FROM compilations WHERE id = ?", id).Scan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job output: %w", err)
	}
	return out, nil
}

// ListJobs returns a paginated list of jobs ordered by created_at DESC,
// along with the total count of all jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM compilations").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM compilations ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// currentStatus reads the status of a job inside tx.
func currentStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM compilations WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read job status: %w", err)
	}
	return status, nil
}

// UpdateJobStatus moves a job to status. Entering running sets started_at;
// entering a terminal status sets finished_at.
func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(from, status) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, status)
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE compilations SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case model.IsTerminal(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE compilations SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE compilations SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}

	return tx.Commit()
}

// FinishJob records the terminal state of a job: its status, attempts,
// error, exit code, output and timings.
func (s *SQLiteStore) FinishJob(ctx context.Context, j *model.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, j.ID)
	if err != nil {
		return err
	}
	if !model.IsTerminal(j.Status) || !model.ValidTransition(from, j.Status) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, j.Status)
	}

	finished := j.FinishedAt
	if finished == nil {
		now := time.Now().UTC()
		finished = &now
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE compilations SET
			status = ?, attempts = ?, error_kind = ?, error = ?, exit_code = ?,
			output = ?, output_bytes = ?, duration_ms = ?,
			started_at = COALESCE(?, started_at), finished_at = ?
		WHERE id = ?`,
		j.Status, j.Attempts, string(j.ErrorKind), j.Error, j.ExitCode,
		j.Output, j.OutputBytes, j.DurationMS,
		j.StartedAt, finished, j.ID,
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}

	return tx.Commit()
}

// GetJobStats returns aggregate statistics over all jobs.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &JobStats{
		CountByStatus: make(map[string]int),
		CountByKind:   make(map[string]int),
		CountByEngine: make(map[string]int),
	}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*), AVG(duration_ms) FROM compilations",
	).Scan(&stats.Total, &avg); err != nil {
		return nil, fmt.Errorf("aggregate jobs: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	groups := []struct {
		query string
		into  map[string]int
	}{
		{"SELECT status, COUNT(*) FROM compilations GROUP BY status", stats.CountByStatus},
		{"SELECT error_kind, COUNT(*) FROM compilations WHERE error_kind != '' GROUP BY error_kind", stats.CountByKind},
		{"SELECT engine, COUNT(*) FROM compilations GROUP BY engine", stats.CountByEngine},
	}
	for _, g := range groups {
		if err := countInto(ctx, tx, g.query, g.into); err != nil {
			return nil, err
		}
	}

	return stats, nil
}

func countInto(ctx context.Context, tx *sql.Tx, query string, into map[string]int) error {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan count: %w", err)
		}
		into[key] = n
	}
	return rows.Err()
}
