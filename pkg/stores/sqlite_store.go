package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/ccrecon/pkg/catalog"
	"github.com/openfroyo/ccrecon/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// SQLiteStore is the run journal. It implements engine.RunRecorder.
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

var _ engine.RunRecorder = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

// Open creates, initializes and migrates a journal at path.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init opens the database connection. File databases run in WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := []string{"_pragma=foreign_keys(1)", "_pragma=busy_timeout(5000)"}
	if s.path != memoryPath {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	dsn := s.path + "?" + strings.Join(pragmas, "&")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
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

// RecordRun stores a finished report and its outcomes in one transaction.
// Recording the same run ID again replaces the earlier entry.
func (s *SQLiteStore) RecordRun(ctx context.Context, report *engine.RunReport) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if report == nil || report.RunID == "" {
		return fmt.Errorf("run report without id")
	}

	blob, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, report.RunID); err != nil {
		return fmt.Errorf("failed to replace run: %w", err)
	}

	query := `
		INSERT INTO runs (
			id, mode, status, changed, failed, cancelled,
			total, changed_count, unchanged_count, failed_count, skipped_count, warning_count,
			started_at, completed_at, duration_ns, report
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	sum := report.Summary
	_, err = tx.ExecContext(ctx, query,
		report.RunID,
		string(report.Mode),
		string(report.Status),
		report.Changed,
		report.Failed,
		report.Cancelled,
		sum.Total,
		sum.Changed,
		sum.Unchanged,
		sum.Failed,
		sum.Skipped,
		sum.Warnings,
		report.StartedAt.UnixNano(),
		report.CompletedAt.UnixNano(),
		int64(report.Duration),
		string(blob),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO outcomes (
			run_id, seq, kind, name, identity, state, action, changed, skipped,
			error_kind, error_message, attempts, duration_ns, outcome
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare outcome insert: %w", err)
	}
	defer stmt.Close()

	for i := range report.Results {
		o := &report.Results[i]
		blob, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("failed to encode outcome %s: %w", o.Identity, err)
		}
		var errKind, errMsg string
		if o.Error != nil {
			errKind = string(o.Error.Kind)
			errMsg = o.Error.Message
		}
		_, err = stmt.ExecContext(ctx,
			report.RunID,
			i,
			string(o.Kind),
			o.Name,
			o.Identity,
			string(o.State),
			string(o.Action),
			o.Changed,
			o.Skipped,
			errKind,
			errMsg,
			o.Attempts,
			int64(o.Duration),
			string(blob),
		)
		if err != nil {
			return fmt.Errorf("failed to record outcome %s: %w", o.Identity, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// GetRun returns the full report of a run.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.RunReport, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM runs WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	report := &engine.RunReport{}
	if err := json.Unmarshal([]byte(blob), report); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", id, err)
	}
	return report, nil
}

// ListRuns lists runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]*Run, error) {
	var (
		where []string
		args  []interface{}
	)
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}
	if !opts.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, opts.Since.UnixNano())
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT id, mode, status, changed, failed, cancelled,
			total, changed_count, unchanged_count, failed_count, skipped_count, warning_count,
			started_at, completed_at, duration_ns
		FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		var (
			run                Run
			mode, status       string
			started, completed int64
			duration           int64
		)
		err := rows.Scan(
			&run.ID,
			&mode,
			&status,
			&run.Changed,
			&run.Failed,
			&run.Cancelled,
			&run.Summary.Total,
			&run.Summary.Changed,
			&run.Summary.Unchanged,
			&run.Summary.Failed,
			&run.Summary.Skipped,
			&run.Summary.Warnings,
			&started,
			&completed,
			&duration,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Mode = engine.Mode(mode)
		run.Status = engine.RunStatus(status)
		run.StartedAt = time.Unix(0, started)
		run.CompletedAt = time.Unix(0, completed)
		run.Duration = time.Duration(duration)
		runs = append(runs, &run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// ListOutcomes lists recorded outcomes, newest run first and in report
// order within a run.
func (s *SQLiteStore) ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]*OutcomeRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.RunID != "" {
		where = append(where, "o.run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Kind != "" {
		where = append(where, "o.kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Identity != "" {
		where = append(where, "o.identity = ?")
		args = append(args, filter.Identity)
	}
	if filter.FailedOnly {
		where = append(where, "o.error_kind != ''")
	}

	query := `
		SELECT o.run_id, o.seq, o.kind, o.name, o.identity, o.state, o.action,
			o.changed, o.skipped, o.error_kind, o.error_message, o.attempts, o.duration_ns, o.outcome
		FROM outcomes o JOIN runs r ON r.id = o.run_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY r.started_at DESC, o.run_id, o.seq"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	defer rows.Close()

	records := []*OutcomeRecord{}
	for rows.Next() {
		var (
			rec                         OutcomeRecord
			kind, state, action, errKnd string
			duration                    int64
			blob                        string
		)
		err := rows.Scan(
			&rec.RunID,
			&rec.Seq,
			&kind,
			&rec.Name,
			&rec.Identity,
			&state,
			&action,
			&rec.Changed,
			&rec.Skipped,
			&errKnd,
			&rec.ErrorMessage,
			&rec.Attempts,
			&duration,
			&blob,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		if err := json.Unmarshal([]byte(blob), &rec.Outcome); err != nil {
			return nil, fmt.Errorf("failed to decode outcome %s: %w", rec.Identity, err)
		}
		rec.Kind = catalog.Kind(kind)
		rec.State = engine.State(state)
		rec.Action = engine.Action(action)
		rec.ErrorKind = engine.ErrorKind(errKnd)
		rec.Duration = time.Duration(duration)
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcomes: %w", err)
	}

	return records, nil
}

// DeleteRun removes a run and its outcomes.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

// Prune deletes runs that started before cutoff and returns how many were
// removed.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return result.RowsAffected()
}

// HealthCheck verifies the database connection.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
