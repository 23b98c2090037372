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

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrationsFS embed.FS

// SQLiteStore implements Journal using SQLite
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
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if isMemoryPath(cfg.Path) {
		// Every connection to :memory: is a separate database.
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:")
}

// Init opens the database and enables foreign keys and WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite&_txlock=immediate"
	if !isMemoryPath(s.cfg.Path) {
		pragmas += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	dsn := fmt.Sprintf("file:%s?%s", s.cfg.Path, pragmas)

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

	sourceDriver, err := iofs.New(sqliteMigrationsFS, "migrations/sqlite")
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

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, manifest, schedule, status, ticks, started_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Manifest,
		run.Schedule,
		run.Status,
		int64(run.Ticks),
		run.StartedAt.UTC(),
		utcPtr(run.CompletedAt),
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// CompleteRun sets the final status of a run
func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, status RunStatus, ticks uint64, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, ticks = ?, completed_at = ?, error = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, int64(ticks), time.Now().UTC(), errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
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

const selectRunColumns = `id, manifest, schedule, status, ticks, started_at, completed_at, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var ticks int64
	err := row.Scan(
		&run.ID,
		&run.Manifest,
		&run.Schedule,
		&run.Status,
		&ticks,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
	)
	if err != nil {
		return nil, err
	}
	run.Ticks = uint64(ticks)
	return run, nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + selectRunColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs, most recent first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	query := `SELECT ` + selectRunColumns + ` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
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

// RecordRebuild appends a rebuild record
func (s *SQLiteStore) RecordRebuild(ctx context.Context, rec *RebuildRecord) error {
	query := `
		INSERT INTO rebuilds (run_id, stage, rebuild, systems, levels, edges, duration_ns, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.RunID,
		rec.Stage,
		int64(rec.Rebuild),
		rec.Systems,
		rec.Levels,
		rec.Edges,
		int64(rec.Duration),
		rec.Error,
		recordedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record rebuild: %w", err)
	}

	return nil
}

// RecordTick appends a tick and its system invocations in one transaction
func (s *SQLiteStore) RecordTick(ctx context.Context, rec *TickRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ticks (run_id, stage, tick, rebuilt, started_at, duration_ns, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		rec.RunID,
		rec.Stage,
		int64(rec.Tick),
		rec.Rebuilt,
		rec.StartedAt.UTC(),
		int64(rec.Duration),
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record tick: %w", err)
	}

	if len(rec.Systems) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO system_runs (run_id, stage, tick, label, channel, level, duration_ns, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare system insert: %w", err)
		}
		defer stmt.Close()

		for _, sys := range rec.Systems {
			_, err := stmt.ExecContext(ctx,
				rec.RunID, rec.Stage, int64(rec.Tick),
				sys.Label, sys.Channel, sys.Level, int64(sys.Duration), sys.Error,
			)
			if err != nil {
				return fmt.Errorf("failed to record system %s: %w", sys.Label, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tick: %w", err)
	}
	return nil
}

// ListTicks lists the ticks of a run in order
func (s *SQLiteStore) ListTicks(ctx context.Context, runID string, limit int) ([]*TickRecord, error) {
	query := `
		SELECT run_id, stage, tick, rebuilt, started_at, duration_ns, error
		FROM ticks
		WHERE run_id = ?
		ORDER BY tick ASC, id ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list ticks: %w", err)
	}
	defer rows.Close()

	var ticks []*TickRecord
	for rows.Next() {
		rec := &TickRecord{}
		var tick, duration int64
		if err := rows.Scan(&rec.RunID, &rec.Stage, &tick, &rec.Rebuilt, &rec.StartedAt, &duration, &rec.Error); err != nil {
			return nil, fmt.Errorf("failed to scan tick: %w", err)
		}
		rec.Tick = uint64(tick)
		rec.Duration = time.Duration(duration)
		ticks = append(ticks, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ticks: %w", err)
	}

	return ticks, nil
}

const systemStatsQuery = `
	SELECT stage, label, channel,
		COUNT(*),
		SUM(CASE WHEN error IS NOT NULL THEN 1 ELSE 0 END),
		SUM(duration_ns),
		MAX(duration_ns)
	FROM system_runs
	WHERE run_id = ?
	GROUP BY stage, label, channel
	ORDER BY stage, label
`

// SystemStats aggregates the system invocations of a run
func (s *SQLiteStore) SystemStats(ctx context.Context, runID string) ([]*SystemStat, error) {
	rows, err := s.db.QueryContext(ctx, systemStatsQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query system stats: %w", err)
	}
	defer rows.Close()

	var stats []*SystemStat
	for rows.Next() {
		st := &SystemStat{}
		var total, maxDuration int64
		if err := rows.Scan(&st.Stage, &st.Label, &st.Channel, &st.Runs, &st.Failures, &total, &maxDuration); err != nil {
			return nil, fmt.Errorf("failed to scan system stat: %w", err)
		}
		st.Total = time.Duration(total)
		st.Max = time.Duration(maxDuration)
		stats = append(stats, st)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating system stats: %w", err)
	}

	return stats, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
