package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// DefaultListLimit is used when a list call passes a limit <= 0.
const DefaultListLimit = 100

// RunStatus represents the status of a schedule run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run represents one execution of a manifest
type Run struct {
	ID          string     `json:"id"`
	Manifest    string     `json:"manifest"` // manifest path
	Schedule    string     `json:"schedule"` // manifest name
	Status      RunStatus  `json:"status"`
	Ticks       uint64     `json:"ticks"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

// RebuildRecord is a graph rebuild of one stage
type RebuildRecord struct {
	RunID      string        `json:"run_id"`
	Stage      string        `json:"stage"`
	Rebuild    uint64        `json:"rebuild"`
	Systems    int           `json:"systems"`
	Levels     int           `json:"levels"`
	Edges      int           `json:"edges"`
	Duration   time.Duration `json:"duration"`
	Error      *string       `json:"error,omitempty"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// TickRecord is one RunOnce of a stage
type TickRecord struct {
	RunID     string        `json:"run_id"`
	Stage     string        `json:"stage"`
	Tick      uint64        `json:"tick"`
	Rebuilt   bool          `json:"rebuilt"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Error     *string       `json:"error,omitempty"`

	// Systems are written with the tick. ListTicks does not load them.
	Systems []SystemRecord `json:"systems,omitempty"`
}

// SystemRecord is one system invocation within a tick
type SystemRecord struct {
	Label    string        `json:"label"`
	Channel  string        `json:"channel"`
	Level    int           `json:"level"`
	Duration time.Duration `json:"duration"`
	Error    *string       `json:"error,omitempty"`
}

// SystemStat aggregates the invocations of one system over a run
type SystemStat struct {
	Stage    string        `json:"stage"`
	Label    string        `json:"label"`
	Channel  string        `json:"channel"`
	Runs     int64         `json:"runs"`
	Failures int64         `json:"failures"`
	Total    time.Duration `json:"total"`
	Max      time.Duration `json:"max"`
}

// Mean returns the average duration of a system invocation.
func (s *SystemStat) Mean() time.Duration {
	if s.Runs == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Runs)
}

// Journal records schedule runs, rebuilds and ticks
type Journal interface {
	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, id string, status RunStatus, ticks uint64, errMsg *string) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)

	// Tick operations
	RecordRebuild(ctx context.Context, rec *RebuildRecord) error
	RecordTick(ctx context.Context, rec *TickRecord) error
	ListTicks(ctx context.Context, runID string, limit int) ([]*TickRecord, error)
	SystemStats(ctx context.Context, runID string) ([]*SystemStat, error)
}

func errString(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}

func listLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
