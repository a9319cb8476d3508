package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/kiln/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id               TEXT PRIMARY KEY,
    modality         TEXT NOT NULL,
    status           TEXT NOT NULL,
    gpu_type         TEXT NOT NULL,
    job_id           TEXT NOT NULL DEFAULT '',
    attempts         INTEGER NOT NULL DEFAULT 0,
    seed             INTEGER NOT NULL DEFAULT 0,
    adapter_filename TEXT NOT NULL DEFAULT '',
    error_kind       TEXT NOT NULL DEFAULT '',
    error            TEXT NOT NULL DEFAULT '',
    node_error       TEXT,
    artifact         BLOB,
    artifact_name    TEXT NOT NULL DEFAULT '',
    media_type       TEXT NOT NULL DEFAULT '',
    cost_usd         REAL,
    rate_per_second  REAL,
    duration_ms      INTEGER,
    created_at       DATETIME NOT NULL,
    started_at       DATETIME,
    finished_at      DATETIME
)`

const createRunEventsTable = `
CREATE TABLE IF NOT EXISTS run_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL REFERENCES runs(id),
    seq        INTEGER NOT NULL,
    type       TEXT NOT NULL,
    message    TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createRunEventsIndex = `
CREATE INDEX IF NOT EXISTS idx_run_events_run_seq ON run_events(run_id, seq)`

// runColumns excludes the artifact blob, which is read only by GetArtifact.
const runColumns = `id, modality, status, gpu_type, job_id, attempts, seed,
	adapter_filename, error_kind, error, node_error, artifact_name, media_type,
	cost_usd, rate_per_second, duration_ms, created_at, started_at, finished_at`

// ErrNotFound is returned when a run is not found.
var ErrNotFound = errors.New("run not found")

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

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createRunsTable, createRunEventsTable, createRunEventsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	nodeErr, err := encodeNodeError(r.NodeError)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (
			id, modality, status, gpu_type, job_id, attempts, seed,
			adapter_filename, error_kind, error, node_error, artifact,
			artifact_name, media_type, cost_usd, rate_per_second, duration_ms,
			created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Modality, r.Status, r.GPUType, r.JobID, r.Attempts, r.Seed,
		r.AdapterFilename, r.ErrorKind, r.Error, nodeErr, r.Artifact,
		r.ArtifactName, r.MediaType, r.CostUSD, r.RatePerSecond, r.DurationMS,
		r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*model.Run, error) {
	r := &model.Run{}
	var nodeErr sql.NullString
	if err := sc.Scan(
		&r.ID, &r.Modality, &r.Status, &r.GPUType, &r.JobID, &r.Attempts, &r.Seed,
		&r.AdapterFilename, &r.ErrorKind, &r.Error, &nodeErr, &r.ArtifactName, &r.MediaType,
		&r.CostUSD, &r.RatePerSecond, &r.DurationMS, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	); err != nil {
		return nil, err
	}
	if nodeErr.Valid && nodeErr.String != "" {
		r.NodeError = &model.NodeError{}
		if err := json.Unmarshal([]byte(nodeErr.String), r.NodeError); err != nil {
			return nil, fmt.Errorf("decode node error: %w", err)
		}
	}
	return r, nil
}

func encodeNodeError(ne *model.NodeError) (any, error) {
	if ne == nil {
		return nil, nil
	}
	data, err := json.Marshal(ne)
	if err != nil {
		return nil, fmt.Errorf("encode node error: %w", err)
	}
	return string(data), nil
}

// GetRun retrieves a run by ID. The artifact bytes are not loaded.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// GetArtifact returns the stored output of a run. A run without an artifact
// yields ErrNotFound.
func (s *SQLiteStore) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	a := &Artifact{}
	err := s.db.QueryRowContext(ctx,
		`SELECT artifact, artifact_name, media_type FROM runs WHERE id = ?`, id,
	).Scan(&a.Data, &a.Name, &a.MediaType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	if len(a.Data) == 0 {
		return nil, ErrNotFound
	}
	return a, nil
}

// ListRuns returns a paginated list of runs ordered by created_at DESC,
// along with the total count of all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// UpdateRunStatus moves a run to status. Entering running sets started_at;
// entering a terminal status sets finished_at.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := checkTransition(ctx, tx, id, status); err != nil {
		return err
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case model.IsTerminal(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return tx.Commit()
}

// RecordAttempt stores the backend job id of the latest submission attempt.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, id, jobID string, attempt int) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE runs SET job_id = ?, attempts = ? WHERE id = ?", jobID, attempt, id)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRun overwrites the mutable fields of a run. A status change must be a
// valid transition; writing the current status again is allowed.
func (s *SQLiteStore) UpdateRun(ctx context.Context, r *model.Run) error {
	nodeErr, err := encodeNodeError(r.NodeError)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := checkTransition(ctx, tx, r.ID, r.Status); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET
			status = ?, gpu_type = ?, job_id = ?, attempts = ?, seed = ?,
			adapter_filename = ?, error_kind = ?, error = ?, node_error = ?,
			artifact = ?, artifact_name = ?, media_type = ?, cost_usd = ?,
			rate_per_second = ?, duration_ms = ?,
			started_at = COALESCE(?, started_at), finished_at = ?
		WHERE id = ?`,
		r.Status, r.GPUType, r.JobID, r.Attempts, r.Seed,
		r.AdapterFilename, r.ErrorKind, r.Error, nodeErr,
		r.Artifact, r.ArtifactName, r.MediaType, r.CostUSD,
		r.RatePerSecond, r.DurationMS,
		r.StartedAt, r.FinishedAt,
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return tx.Commit()
}

// checkTransition loads the current status of id inside tx and rejects moves
// the run state machine forbids.
func checkTransition(ctx context.Context, tx *sql.Tx, id, to string) error {
	var from string
	err := tx.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", id).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read run status: %w", err)
	}
	if from == to && !model.IsTerminal(from) {
		return nil
	}
	if !model.ValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// GetRunStats returns aggregate statistics over all runs.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &RunStats{}
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(duration_ms), 0), COALESCE(SUM(cost_usd), 0) FROM runs`,
	).Scan(&stats.Total, &stats.AvgDurationMS, &stats.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("aggregate runs: %w", err)
	}

	if stats.CountByStatus, err = countBy(ctx, tx, "status"); err != nil {
		return nil, err
	}
	if stats.CountByModality, err = countBy(ctx, tx, "modality"); err != nil {
		return nil, err
	}
	if stats.CountByGPU, err = countBy(ctx, tx, "gpu_type"); err != nil {
		return nil, err
	}
	return stats, nil
}

// countBy groups runs by column, which must be a trusted column name.
func countBy(ctx context.Context, tx *sql.Tx, column string) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM runs GROUP BY "+column)
	if err != nil {
		return nil, fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("scan %s count: %w", column, err)
		}
		counts[key] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s counts: %w", column, err)
	}
	return counts, nil
}

// InsertEvent appends a progress event to a run's history.
func (s *SQLiteStore) InsertEvent(ctx context.Context, e model.RunEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_events (run_id, seq, type, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.RunID, e.Seq, e.Type, e.Message, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run event: %w", err)
	}
	return nil
}

// GetEvents returns a run's events ordered by seq. A run with no events
// yields an empty, non-nil slice.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string) ([]model.RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, seq, type, message, created_at
		FROM run_events WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("get run events: %w", err)
	}
	defer rows.Close()

	events := []model.RunEvent{}
	for rows.Next() {
		var e model.RunEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.Seq, &e.Type, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run events: %w", err)
	}
	return events, nil
}
