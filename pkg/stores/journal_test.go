package stores

import (
	"context"
	"errors"
	"testing"
	"time"
)

// testJournal exercises the Journal contract against a freshly migrated
// journal. Both backends run it.
func testJournal(t *testing.T, open func(t *testing.T) Journal) {
	t.Run("RunLifecycle", func(t *testing.T) {
		journal := open(t)
		defer journal.Close()
		testRunLifecycle(t, journal)
	})
	t.Run("ListRuns", func(t *testing.T) {
		journal := open(t)
		defer journal.Close()
		testListRuns(t, journal)
	})
	t.Run("Ticks", func(t *testing.T) {
		journal := open(t)
		defer journal.Close()
		testTicks(t, journal)
	})
	t.Run("SystemStats", func(t *testing.T) {
		journal := open(t)
		defer journal.Close()
		testSystemStats(t, journal)
	})
	t.Run("Rebuilds", func(t *testing.T) {
		journal := open(t)
		defer journal.Close()
		testRebuilds(t, journal)
	})
}

func createTestRun(t *testing.T, journal Journal, id string, startedAt time.Time) {
	t.Helper()

	run := &Run{
		ID:        id,
		Manifest:  "testdata/" + id + ".yaml",
		Schedule:  "physics",
		Status:    RunStatusRunning,
		StartedAt: startedAt,
	}
	if err := journal.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to create run %s: %v", id, err)
	}
}

func testRunLifecycle(t *testing.T, journal Journal) {
	ctx := context.Background()
	startedAt := time.Now().Add(-time.Minute).Truncate(time.Second)
	createTestRun(t, journal, "run-001", startedAt)

	run, err := journal.GetRun(ctx, "run-001")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Status != RunStatusRunning {
		t.Errorf("expected status running, got %s", run.Status)
	}
	if run.Manifest != "testdata/run-001.yaml" {
		t.Errorf("expected manifest testdata/run-001.yaml, got %s", run.Manifest)
	}
	if !run.StartedAt.Equal(startedAt) {
		t.Errorf("expected started_at %v, got %v", startedAt, run.StartedAt)
	}
	if run.CompletedAt != nil {
		t.Errorf("expected no completed_at, got %v", run.CompletedAt)
	}

	msg := "stage update: system physics.move: boom"
	if err := journal.CompleteRun(ctx, "run-001", RunStatusFailed, 42, &msg); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}

	run, err = journal.GetRun(ctx, "run-001")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Status != RunStatusFailed {
		t.Errorf("expected status failed, got %s", run.Status)
	}
	if run.Ticks != 42 {
		t.Errorf("expected 42 ticks, got %d", run.Ticks)
	}
	if run.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if run.Error == nil || *run.Error != msg {
		t.Errorf("expected error %q, got %v", msg, run.Error)
	}

	if _, err := journal.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing run, got %v", err)
	}
	if err := journal.CompleteRun(ctx, "missing", RunStatusCompleted, 0, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound completing missing run, got %v", err)
	}
}

func testListRuns(t *testing.T, journal Journal) {
	ctx := context.Background()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	createTestRun(t, journal, "run-a", base)
	createTestRun(t, journal, "run-b", base.Add(time.Minute))
	createTestRun(t, journal, "run-c", base.Add(2*time.Minute))

	runs, err := journal.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	want := []string{"run-c", "run-b", "run-a"}
	for i, id := range want {
		if runs[i].ID != id {
			t.Errorf("runs[%d]: expected %s, got %s", i, id, runs[i].ID)
		}
	}

	runs, err = journal.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("expected 2 runs with limit, got %d", len(runs))
	}
}

func testTicks(t *testing.T, journal Journal) {
	ctx := context.Background()
	createTestRun(t, journal, "run-ticks", time.Now())

	for tick := uint64(1); tick <= 3; tick++ {
		rec := &TickRecord{
			RunID:     "run-ticks",
			Stage:     "update",
			Tick:      tick,
			Rebuilt:   tick == 1,
			StartedAt: time.Now(),
			Duration:  time.Duration(tick) * time.Millisecond,
		}
		if err := journal.RecordTick(ctx, rec); err != nil {
			t.Fatalf("failed to record tick %d: %v", tick, err)
		}
	}

	ticks, err := journal.ListTicks(ctx, "run-ticks", 0)
	if err != nil {
		t.Fatalf("failed to list ticks: %v", err)
	}
	if len(ticks) != 3 {
		t.Fatalf("expected 3 ticks, got %d", len(ticks))
	}
	for i, rec := range ticks {
		if rec.Tick != uint64(i+1) {
			t.Errorf("ticks[%d]: expected tick %d, got %d", i, i+1, rec.Tick)
		}
		if rec.Rebuilt != (i == 0) {
			t.Errorf("ticks[%d]: expected rebuilt=%v, got %v", i, i == 0, rec.Rebuilt)
		}
		if rec.Duration != time.Duration(i+1)*time.Millisecond {
			t.Errorf("ticks[%d]: expected duration %v, got %v", i, time.Duration(i+1)*time.Millisecond, rec.Duration)
		}
	}

	dup := &TickRecord{RunID: "run-ticks", Stage: "update", Tick: 2, StartedAt: time.Now()}
	if err := journal.RecordTick(ctx, dup); err == nil {
		t.Error("expected error recording duplicate tick")
	}

	ticks, err = journal.ListTicks(ctx, "run-ticks", 2)
	if err != nil {
		t.Fatalf("failed to list ticks: %v", err)
	}
	if len(ticks) != 2 {
		t.Errorf("expected 2 ticks with limit, got %d", len(ticks))
	}
}

func testSystemStats(t *testing.T, journal Journal) {
	ctx := context.Background()
	createTestRun(t, journal, "run-stats", time.Now())

	boom := "boom"
	records := []*TickRecord{
		{
			RunID: "run-stats", Stage: "update", Tick: 1, StartedAt: time.Now(), Duration: 5 * time.Millisecond,
			Systems: []SystemRecord{
				{Label: "physics.gravity", Channel: "parallel", Duration: 2 * time.Millisecond},
				{Label: "physics.move", Channel: "parallel", Level: 1, Duration: 3 * time.Millisecond},
			},
		},
		{
			RunID: "run-stats", Stage: "update", Tick: 2, StartedAt: time.Now(), Duration: 7 * time.Millisecond,
			Error: &boom,
			Systems: []SystemRecord{
				{Label: "physics.gravity", Channel: "parallel", Duration: 4 * time.Millisecond},
				{Label: "physics.move", Channel: "parallel", Level: 1, Duration: time.Millisecond, Error: &boom},
			},
		},
		{
			RunID: "run-stats", Stage: "render", Tick: 1, StartedAt: time.Now(), Duration: time.Millisecond,
			Systems: []SystemRecord{
				{Label: "render.flush", Channel: "exclusive-end", Duration: time.Millisecond},
			},
		},
	}
	for _, rec := range records {
		if err := journal.RecordTick(ctx, rec); err != nil {
			t.Fatalf("failed to record tick: %v", err)
		}
	}

	stats, err := journal.SystemStats(ctx, "run-stats")
	if err != nil {
		t.Fatalf("failed to get system stats: %v", err)
	}

	tests := []struct {
		stage    string
		label    string
		channel  string
		runs     int64
		failures int64
		mean     time.Duration
		max      time.Duration
	}{
		{"render", "render.flush", "exclusive-end", 1, 0, time.Millisecond, time.Millisecond},
		{"update", "physics.gravity", "parallel", 2, 0, 3 * time.Millisecond, 4 * time.Millisecond},
		{"update", "physics.move", "parallel", 2, 1, 2 * time.Millisecond, 3 * time.Millisecond},
	}
	if len(stats) != len(tests) {
		t.Fatalf("expected %d stats, got %d", len(tests), len(stats))
	}
	for i, tt := range tests {
		st := stats[i]
		if st.Stage != tt.stage || st.Label != tt.label || st.Channel != tt.channel {
			t.Errorf("stats[%d]: expected %s/%s/%s, got %s/%s/%s", i, tt.stage, tt.label, tt.channel, st.Stage, st.Label, st.Channel)
			continue
		}
		if st.Runs != tt.runs {
			t.Errorf("%s: expected %d runs, got %d", tt.label, tt.runs, st.Runs)
		}
		if st.Failures != tt.failures {
			t.Errorf("%s: expected %d failures, got %d", tt.label, tt.failures, st.Failures)
		}
		if st.Mean() != tt.mean {
			t.Errorf("%s: expected mean %v, got %v", tt.label, tt.mean, st.Mean())
		}
		if st.Max != tt.max {
			t.Errorf("%s: expected max %v, got %v", tt.label, tt.max, st.Max)
		}
	}

	empty, err := journal.SystemStats(ctx, "missing")
	if err != nil {
		t.Fatalf("failed to get system stats: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no stats for missing run, got %d", len(empty))
	}
}

func testRebuilds(t *testing.T, journal Journal) {
	ctx := context.Background()
	createTestRun(t, journal, "run-rebuilds", time.Now())

	rec := &RebuildRecord{
		RunID:    "run-rebuilds",
		Stage:    "update",
		Rebuild:  1,
		Systems:  4,
		Levels:   2,
		Edges:    3,
		Duration: 150 * time.Microsecond,
	}
	if err := journal.RecordRebuild(ctx, rec); err != nil {
		t.Fatalf("failed to record rebuild: %v", err)
	}

	orphan := &RebuildRecord{RunID: "missing", Stage: "update", Rebuild: 1}
	if err := journal.RecordRebuild(ctx, orphan); err == nil {
		t.Error("expected error recording rebuild for missing run")
	}
}
