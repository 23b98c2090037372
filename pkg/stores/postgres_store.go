package stores

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql
var postgresMigrationsFS embed.FS

// PostgresConfig holds Postgres store configuration
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
}

// PostgresStore implements Journal on a pgx connection pool
type PostgresStore struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresStore creates a new Postgres store instance
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 4
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	return &PostgresStore{cfg: cfg}, nil
}

// Init connects the pool and verifies the connection.
func (s *PostgresStore) Init(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(s.cfg.DSN)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = s.cfg.MaxConns
	poolCfg.MinConns = s.cfg.MinConns
	poolCfg.MaxConnLifetime = s.cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connect to db: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return fmt.Errorf("ping db: %w", err)
	}

	s.pool = pool
	return nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Migrate applies all pending goose migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("database not initialized")
	}

	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(postgresMigrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	if err := goose.UpContext(ctx, db, "migrations/postgres"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// CreateRun creates a new run record
func (s *PostgresStore) CreateRun(ctx context.Context, run *Run) error {
	args := pgx.NamedArgs{
		"id":           run.ID,
		"manifest":     run.Manifest,
		"schedule":     run.Schedule,
		"status":       string(run.Status),
		"ticks":        int64(run.Ticks),
		"started_at":   run.StartedAt,
		"completed_at": run.CompletedAt,
		"error":        run.Error,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (id, manifest, schedule, status, ticks, started_at, completed_at, error)
		VALUES (@id, @manifest, @schedule, @status, @ticks, @started_at, @completed_at, @error)
	`, args)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// CompleteRun sets the final status of a run
func (s *PostgresStore) CompleteRun(ctx context.Context, id string, status RunStatus, ticks uint64, errMsg *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = $1, ticks = $2, completed_at = $3, error = $4 WHERE id = $5
	`, string(status), int64(ticks), time.Now(), errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

type runRow struct {
	ID          string     `db:"id"`
	Manifest    string     `db:"manifest"`
	Schedule    string     `db:"schedule"`
	Status      string     `db:"status"`
	Ticks       int64      `db:"ticks"`
	StartedAt   time.Time  `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
	Error       *string    `db:"error"`
}

func (r runRow) toRun() *Run {
	return &Run{
		ID:          r.ID,
		Manifest:    r.Manifest,
		Schedule:    r.Schedule,
		Status:      RunStatus(r.Status),
		Ticks:       uint64(r.Ticks),
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Error:       r.Error,
	}
}

// GetRun retrieves a run by ID
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*Run, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+selectRunColumns+` FROM runs WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[runRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return row.toRun(), nil
}

// ListRuns lists runs, most recent first
func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+selectRunColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT $1`, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	collected, err := pgx.CollectRows(rows, pgx.RowToStructByName[runRow])
	if err != nil {
		return nil, fmt.Errorf("failed to collect runs: %w", err)
	}

	runs := make([]*Run, 0, len(collected))
	for _, r := range collected {
		runs = append(runs, r.toRun())
	}
	return runs, nil
}

// RecordRebuild appends a rebuild record
func (s *PostgresStore) RecordRebuild(ctx context.Context, rec *RebuildRecord) error {
	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	args := pgx.NamedArgs{
		"run_id":      rec.RunID,
		"stage":       rec.Stage,
		"rebuild":     int64(rec.Rebuild),
		"systems":     rec.Systems,
		"levels":      rec.Levels,
		"edges":       rec.Edges,
		"duration_ns": int64(rec.Duration),
		"error":       rec.Error,
		"recorded_at": recordedAt,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rebuilds (run_id, stage, rebuild, systems, levels, edges, duration_ns, error, recorded_at)
		VALUES (@run_id, @stage, @rebuild, @systems, @levels, @edges, @duration_ns, @error, @recorded_at)
	`, args)
	if err != nil {
		return fmt.Errorf("failed to record rebuild: %w", err)
	}
	return nil
}

// RecordTick appends a tick and its system invocations in one transaction
func (s *PostgresStore) RecordTick(ctx context.Context, rec *TickRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO ticks (run_id, stage, tick, rebuilt, started_at, duration_ns, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.RunID, rec.Stage, int64(rec.Tick), rec.Rebuilt, rec.StartedAt, int64(rec.Duration), rec.Error)
	for _, sys := range rec.Systems {
		batch.Queue(`
			INSERT INTO system_runs (run_id, stage, tick, label, channel, level, duration_ns, error)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, rec.RunID, rec.Stage, int64(rec.Tick), sys.Label, sys.Channel, sys.Level, int64(sys.Duration), sys.Error)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to record tick: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit tick: %w", err)
	}
	return nil
}

// ListTicks lists the ticks of a run in order
func (s *PostgresStore) ListTicks(ctx context.Context, runID string, limit int) ([]*TickRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, stage, tick, rebuilt, started_at, duration_ns, error
		FROM ticks
		WHERE run_id = $1
		ORDER BY tick ASC, id ASC
		LIMIT $2
	`, runID, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list ticks: %w", err)
	}

	ticks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*TickRecord, error) {
		rec := &TickRecord{}
		var tick, duration int64
		if err := row.Scan(&rec.RunID, &rec.Stage, &tick, &rec.Rebuilt, &rec.StartedAt, &duration, &rec.Error); err != nil {
			return nil, err
		}
		rec.Tick = uint64(tick)
		rec.Duration = time.Duration(duration)
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to collect ticks: %w", err)
	}
	return ticks, nil
}

type systemStatRow struct {
	Stage    string `db:"stage"`
	Label    string `db:"label"`
	Channel  string `db:"channel"`
	Runs     int64  `db:"runs"`
	Failures int64  `db:"failures"`
	Total    int64  `db:"total"`
	Max      int64  `db:"max_duration"`
}

// SystemStats aggregates the system invocations of a run
func (s *PostgresStore) SystemStats(ctx context.Context, runID string) ([]*SystemStat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT stage, label, channel,
			COUNT(*) AS runs,
			COUNT(error) AS failures,
			SUM(duration_ns)::BIGINT AS total,
			MAX(duration_ns) AS max_duration
		FROM system_runs
		WHERE run_id = $1
		GROUP BY stage, label, channel
		ORDER BY stage, label
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query system stats: %w", err)
	}

	collected, err := pgx.CollectRows(rows, pgx.RowToStructByName[systemStatRow])
	if err != nil {
		return nil, fmt.Errorf("failed to collect system stats: %w", err)
	}

	stats := make([]*SystemStat, 0, len(collected))
	for _, r := range collected {
		stats = append(stats, &SystemStat{
			Stage:    r.Stage,
			Label:    r.Label,
			Channel:  r.Channel,
			Runs:     r.Runs,
			Failures: r.Failures,
			Total:    time.Duration(r.Total),
			Max:      time.Duration(r.Max),
		})
	}
	return stats, nil
}
