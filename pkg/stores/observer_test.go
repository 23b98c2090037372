package stores

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-ecs/pkg/ecs"
)

type heat struct{ Value float64 }

type pressure struct{ Value float64 }

func journalTestSchedule(t *testing.T, observer ecs.Observer, failCooler bool) *ecs.Schedule {
	t.Helper()

	schedule := ecs.NewSchedule(ecs.WithName("update"), ecs.WithObserver(observer))
	burner := ecs.NewFuncSystem(ecs.Writes[heat], func(context.Context, *ecs.World) error { return nil })
	cooler := ecs.NewFuncSystem(ecs.Writes[heat], func(context.Context, *ecs.World) error {
		if failCooler {
			return errors.New("cooler jammed")
		}
		return nil
	})
	gauge := ecs.NewFuncSystem(ecs.Writes[pressure], func(context.Context, *ecs.World) error { return nil })

	systems := []struct {
		label  ecs.Label
		system ecs.System
	}{
		{"boiler.burner", burner},
		{"boiler.cooler", cooler},
		{"boiler.gauge", gauge},
	}
	for _, s := range systems {
		if err := schedule.AddSystem(s.label, s.system); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}
	return schedule
}

func TestJournalObserver_RecordsTicks(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	createTestRun(t, store, "run-observed", time.Now())

	observer := NewJournalObserver(store, "run-observed", zerolog.Nop())
	schedule := journalTestSchedule(t, observer, false)
	world := ecs.NewWorld()

	for i := 0; i < 3; i++ {
		if err := schedule.RunOnce(ctx, world); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}

	if observer.Ticks() != 3 {
		t.Errorf("expected 3 recorded ticks, got %d", observer.Ticks())
	}
	if observer.Errors() != 0 {
		t.Errorf("expected no journal errors, got %d", observer.Errors())
	}
	if observer.RunID() != "run-observed" {
		t.Errorf("expected run id run-observed, got %s", observer.RunID())
	}

	ticks, err := store.ListTicks(ctx, "run-observed", 0)
	if err != nil {
		t.Fatalf("failed to list ticks: %v", err)
	}
	if len(ticks) != 3 {
		t.Fatalf("expected 3 ticks, got %d", len(ticks))
	}
	if !ticks[0].Rebuilt || ticks[1].Rebuilt {
		t.Errorf("expected only the first tick to rebuild, got %v/%v", ticks[0].Rebuilt, ticks[1].Rebuilt)
	}
	if ticks[0].Stage != "update" {
		t.Errorf("expected stage update, got %s", ticks[0].Stage)
	}

	stats, err := store.SystemStats(ctx, "run-observed")
	if err != nil {
		t.Fatalf("failed to get system stats: %v", err)
	}
	if len(stats) != 3 {
		t.Fatalf("expected 3 system stats, got %d", len(stats))
	}
	for _, st := range stats {
		if st.Runs != 3 {
			t.Errorf("%s: expected 3 runs, got %d", st.Label, st.Runs)
		}
		if st.Channel != "parallel" {
			t.Errorf("%s: expected channel parallel, got %s", st.Label, st.Channel)
		}
	}

	var level int
	row := store.db.QueryRowContext(ctx,
		`SELECT level FROM system_runs WHERE run_id = ? AND label = ? LIMIT 1`, "run-observed", "boiler.cooler")
	if err := row.Scan(&level); err != nil {
		t.Fatalf("failed to read level: %v", err)
	}
	if level != 1 {
		t.Errorf("expected boiler.cooler at level 1, got %d", level)
	}

	var rebuilds, systems int
	row = store.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(systems) FROM rebuilds WHERE run_id = ?`, "run-observed")
	if err := row.Scan(&rebuilds, &systems); err != nil {
		t.Fatalf("failed to read rebuilds: %v", err)
	}
	if rebuilds != 1 || systems != 3 {
		t.Errorf("expected 1 rebuild of 3 systems, got %d of %d", rebuilds, systems)
	}
}

func TestJournalObserver_RecordsFailures(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	createTestRun(t, store, "run-failed", time.Now())

	observer := NewJournalObserver(store, "run-failed", zerolog.Nop())
	schedule := journalTestSchedule(t, observer, true)

	if err := schedule.RunOnce(ctx, ecs.NewWorld()); err == nil {
		t.Fatal("Expected error, got nil")
	}

	ticks, err := store.ListTicks(ctx, "run-failed", 0)
	if err != nil {
		t.Fatalf("failed to list ticks: %v", err)
	}
	if len(ticks) != 1 || ticks[0].Error == nil {
		t.Fatalf("expected one failed tick, got %+v", ticks)
	}

	stats, err := store.SystemStats(ctx, "run-failed")
	if err != nil {
		t.Fatalf("failed to get system stats: %v", err)
	}
	for _, st := range stats {
		want := int64(0)
		if st.Label == "boiler.cooler" {
			want = 1
		}
		if st.Failures != want {
			t.Errorf("%s: expected %d failures, got %d", st.Label, want, st.Failures)
		}
	}
}

// brokenJournal fails every write
type brokenJournal struct {
	Journal
}

func (brokenJournal) RecordRebuild(context.Context, *RebuildRecord) error {
	return errors.New("disk full")
}

func (brokenJournal) RecordTick(context.Context, *TickRecord) error {
	return errors.New("disk full")
}

func TestJournalObserver_WriteErrorsDoNotFailTick(t *testing.T) {
	observer := NewJournalObserver(brokenJournal{}, "run-broken", zerolog.Nop())
	schedule := journalTestSchedule(t, observer, false)

	if err := schedule.RunOnce(context.Background(), ecs.NewWorld()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if observer.Errors() != 2 {
		t.Errorf("expected 2 journal errors, got %d", observer.Errors())
	}
	if observer.Ticks() != 0 {
		t.Errorf("expected no recorded ticks, got %d", observer.Ticks())
	}
}
