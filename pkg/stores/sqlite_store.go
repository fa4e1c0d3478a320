package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/batlogic/axiom/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// memoryPath opens a private in-memory database.
const memoryPath = ":memory:"

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

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

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// every connection to :memory: is a separate database
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store at path.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection. File databases run in WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if dsn != memoryPath {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	}

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

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
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

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// RecordCompileRun inserts a compile run. Missing ID and timestamps are
// filled in.
func (s *SQLiteStore) RecordCompileRun(ctx context.Context, run *CompileRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO compile_runs (id, surface, pass, status, compiled, failed, duration_ns, error, source, started_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Surface,
		int64(run.Pass),
		run.Status,
		run.Compiled,
		run.Failed,
		run.Duration.Nanoseconds(),
		run.Error,
		run.Source,
		run.StartedAt,
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record compile run: %w", err)
	}

	return nil
}

const compileRunColumns = `id, surface, pass, status, compiled, failed, duration_ns, error, source, started_at, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanCompileRun(row scanner) (*CompileRun, error) {
	run := &CompileRun{}
	var pass, durationNs int64
	err := row.Scan(
		&run.ID,
		&run.Surface,
		&pass,
		&run.Status,
		&run.Compiled,
		&run.Failed,
		&durationNs,
		&run.Error,
		&run.Source,
		&run.StartedAt,
		&run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Pass = uint64(pass)
	run.Duration = time.Duration(durationNs)
	return run, nil
}

// GetCompileRun retrieves a compile run by ID
func (s *SQLiteStore) GetCompileRun(ctx context.Context, id string) (*CompileRun, error) {
	query := `SELECT ` + compileRunColumns + ` FROM compile_runs WHERE id = ?`

	run, err := scanCompileRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("compile run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get compile run: %w", err)
	}

	return run, nil
}

// ListCompileRuns lists compile runs, newest first. An empty surface lists
// every surface.
func (s *SQLiteStore) ListCompileRuns(ctx context.Context, surface string, limit, offset int) ([]*CompileRun, error) {
	query := `SELECT ` + compileRunColumns + `
		FROM compile_runs
		WHERE (? = '' OR surface = ?)
		ORDER BY started_at DESC, pass DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, surface, surface, limitOrAll(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list compile runs: %w", err)
	}
	defer rows.Close()

	runs := []*CompileRun{}
	for rows.Next() {
		run, err := scanCompileRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan compile run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating compile runs: %w", err)
	}

	return runs, nil
}

// DeleteCompileRunsBefore removes compile runs started before the cutoff
// and returns how many were removed.
func (s *SQLiteStore) DeleteCompileRunsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM compile_runs WHERE started_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete compile runs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// AppendError mirrors an engine error log entry. Entries already stored
// under the same ID are left alone.
func (s *SQLiteStore) AppendError(ctx context.Context, entry engine.ErrorEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}

	query := `
		INSERT INTO error_entries (id, surface, node, grp, line, col, class, code, message, raised_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`

	loc := entry.Location
	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		loc.Surface,
		loc.Node,
		loc.Group,
		loc.Line,
		loc.Column,
		string(entry.Class),
		entry.Code,
		entry.Message,
		entry.Time,
	)
	if err != nil {
		return fmt.Errorf("failed to append error entry: %w", err)
	}

	return nil
}

// ClearErrors marks the active entries at loc as cleared. Clearing a
// location with no active entry is not an error.
func (s *SQLiteStore) ClearErrors(ctx context.Context, loc engine.SourceLocation) error {
	query := `
		UPDATE error_entries
		SET cleared_at = ?
		WHERE cleared_at IS NULL
		  AND surface = ? AND node = ? AND grp = ? AND line = ? AND col = ?
	`

	_, err := s.db.ExecContext(ctx, query, time.Now(), loc.Surface, loc.Node, loc.Group, loc.Line, loc.Column)
	if err != nil {
		return fmt.Errorf("failed to clear error entries: %w", err)
	}

	return nil
}

// ListErrors lists mirrored error entries, newest first.
func (s *SQLiteStore) ListErrors(ctx context.Context, filter ErrorFilter) ([]*ErrorRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.Surface != "" {
		where = append(where, "surface = ?")
		args = append(args, filter.Surface)
	}
	if filter.Class != "" {
		where = append(where, "class = ?")
		args = append(args, filter.Class)
	}
	if !filter.IncludeCleared {
		where = append(where, "cleared_at IS NULL")
	}

	query := `
		SELECT id, surface, node, grp, line, col, class, code, message, raised_at, cleared_at
		FROM error_entries`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	query += "\n\t\tORDER BY raised_at DESC, id\n\t\tLIMIT ? OFFSET ?"
	args = append(args, limitOrAll(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list error entries: %w", err)
	}
	defer rows.Close()

	records := []*ErrorRecord{}
	for rows.Next() {
		r := &ErrorRecord{}
		err := rows.Scan(
			&r.ID,
			&r.Surface,
			&r.Node,
			&r.Group,
			&r.Line,
			&r.Column,
			&r.Class,
			&r.Code,
			&r.Message,
			&r.RaisedAt,
			&r.ClearedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan error entry: %w", err)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating error entries: %w", err)
	}

	return records, nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	query := `
		INSERT INTO events (run_id, surface, type, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.RunID,
		event.Surface,
		event.Type,
		event.Level,
		event.Message,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents retrieves events with optional filters and pagination, newest
// first.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, run_id, surface, type, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, runID, level, level, limitOrAll(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Surface,
			&event.Type,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// limitOrAll maps a non-positive limit to SQLite's "no limit".
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
