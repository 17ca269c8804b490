package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/ledgerbench/pkg/types"
)

// DefaultBusyTimeout is how long a writer waits for the database lock.
// Worker processes of one run flush into the same file concurrently.
const DefaultBusyTimeout = 10 * time.Second

// unmarshalJSON unmarshals JSON and logs any errors without failing.
// Used for non-critical JSON columns so one corrupt row does not break
// a history listing.
func unmarshalJSON(data string, v any, field string, runID string) {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		slog.Warn("failed to unmarshal JSON field",
			"field", field,
			"runID", runID,
			"error", err.Error(),
			"dataLen", len(data))
	}
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL lets the coordinator read history while workers append records
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_busy_timeout=%d&_foreign_keys=ON",
		dbPath, DefaultBusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		mode TEXT NOT NULL,
		processes INTEGER NOT NULL,
		threads INTEGER NOT NULL,
		payload_kind TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		status TEXT DEFAULT 'running',
		error_message TEXT,
		latency_stats TEXT,
		tx_count INTEGER DEFAULT 0,
		tps REAL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS tx_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		process INTEGER NOT NULL,
		worker INTEGER NOT NULL,
		meter_base INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		start_us INTEGER NOT NULL,
		end_us INTEGER NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tx_records_run ON tx_records(run_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		// Run naming and favorites
		{"runs", "label", "ALTER TABLE runs ADD COLUMN label TEXT"},
		{"runs", "is_favorite", "ALTER TABLE runs ADD COLUMN is_favorite INTEGER DEFAULT 0"},
	}

	for _, m := range migrations {
		if !s.columnExists(m.table, m.column) {
			if _, err := s.db.Exec(m.ddl); err != nil {
				// Another process may have applied it concurrently
				slog.Warn("migration failed",
					slog.String("table", m.table),
					slog.String("column", m.column),
					slog.String("error", err.Error()))
			}
		}
	}

	return nil
}

// columnExists checks if a column exists in a table.
// Identifiers are validated before being formatted into the query.
func (s *SQLiteStorage) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier allows only alphanumeric characters and underscore.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record.
func (s *SQLiteStorage) CreateRun(ctx context.Context, run *Run) error {
	status := run.Status
	if status == "" {
		status = string(types.StatusRunning)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, mode, processes, threads, payload_kind, duration_ms, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.StartedAt, run.Mode, run.Processes, run.Threads, string(run.PayloadKind), run.DurationMs, status)

	return err
}

// CompleteRun marks a run finished with its final status and statistics.
func (s *SQLiteStorage) CompleteRun(ctx context.Context, id string, run *Run) error {
	latencyJSON, _ := json.Marshal(run.LatencyStats)

	completedAt := time.Now()
	if run.CompletedAt != nil {
		completedAt = *run.CompletedAt
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			completed_at = ?,
			status = ?,
			error_message = ?,
			latency_stats = ?,
			tx_count = ?,
			tps = ?
		WHERE id = ?
	`, completedAt, run.Status, nullString(run.ErrorMessage), string(latencyJSON), run.TxCount, run.TPS, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

const runColumns = `id, started_at, completed_at, mode, processes, threads, payload_kind, duration_ms,
	status, error_message, latency_stats, COALESCE(tx_count, 0), COALESCE(tps, 0),
	label, COALESCE(is_favorite, 0)`

// GetRun retrieves a single run by ID. It returns nil, nil when absent.
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRuns returns a paginated list of runs, favorites first.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error) {
	var total int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs
		ORDER BY is_favorite DESC, started_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedRuns{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// DeleteRun deletes a run and its records.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	return err
}

// UpdateRunMetadata updates the label and/or favorite flag of a run.
func (s *SQLiteStorage) UpdateRunMetadata(ctx context.Context, id string, update *RunMetadataUpdate) error {
	var updates []string
	var args []any

	if update.Label != nil {
		updates = append(updates, "label = ?")
		args = append(args, *update.Label)
	}
	if update.IsFavorite != nil {
		updates = append(updates, "is_favorite = ?")
		if *update.IsFavorite {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}

	if len(updates) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(updates, ", "))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("run not found: %s", id)
	}

	return nil
}

// BulkInsertTxRecords inserts one worker's records in a single transaction.
// Sequence numbers follow slice order.
func (s *SQLiteStorage) BulkInsertTxRecords(ctx context.Context, runID string, w WorkerKey, records []types.TxRecord) error {
	if len(records) == 0 {
		return nil
	}

	// One commit for all rows: the fsync dominates, and concurrent worker
	// processes contend for the write lock once instead of per row.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tx_records (run_id, process, worker, meter_base, seq, start_us, end_us)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, r := range records {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := stmt.ExecContext(ctx, runID, w.Process, w.Worker, w.MeterBase, i,
			r.Start.UnixMicro(), r.End.UnixMicro())
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetTxRecords returns every record of a run ordered by worker and sequence.
func (s *SQLiteStorage) GetTxRecords(ctx context.Context, runID string) ([]TxRecordRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT process, worker, meter_base, seq, start_us, end_us
		FROM tx_records
		WHERE run_id = ?
		ORDER BY process, worker, seq
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TxRecordRow
	for rows.Next() {
		var r TxRecordRow
		var startUs, endUs int64
		if err := rows.Scan(&r.Process, &r.Worker, &r.MeterBase, &r.Seq, &startUs, &endUs); err != nil {
			return nil, err
		}
		r.Start = time.UnixMicro(startUs)
		r.End = time.UnixMicro(endUs)
		out = append(out, r)
	}

	return out, rows.Err()
}

// CountTxRecords returns the number of records stored for a run.
func (s *SQLiteStorage) CountTxRecords(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tx_records WHERE run_id = ?", runID).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var completedAt sql.NullTime
	var payloadKind string
	var errorMsg, latencyJSON, label sql.NullString
	var isFavorite int

	err := row.Scan(&run.ID, &run.StartedAt, &completedAt, &run.Mode, &run.Processes, &run.Threads,
		&payloadKind, &run.DurationMs, &run.Status, &errorMsg, &latencyJSON, &run.TxCount, &run.TPS,
		&label, &isFavorite)
	if err != nil {
		return nil, err
	}

	run.PayloadKind = types.PayloadKind(payloadKind)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if errorMsg.Valid {
		run.ErrorMessage = errorMsg.String
	}
	if label.Valid {
		run.Label = &label.String
	}
	run.IsFavorite = isFavorite == 1

	if latencyJSON.Valid && latencyJSON.String != "" && latencyJSON.String != "null" {
		run.LatencyStats = &types.LatencyStats{}
		unmarshalJSON(latencyJSON.String, run.LatencyStats, "latency_stats", run.ID)
	}

	return &run, nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
