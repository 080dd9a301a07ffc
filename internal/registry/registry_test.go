package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/chr1sbest/pipetrack/internal/identity"
	"github.com/chr1sbest/pipetrack/internal/logger"
	"github.com/chr1sbest/pipetrack/internal/resilience"
	"github.com/chr1sbest/pipetrack/internal/track"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunTransition(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	r := Run{UUID: "u", Status: StatusPending, SubmittedAt: t0}

	if !r.Transition(StatusRunning, t0.Add(time.Minute)) {
		t.Fatal("PENDING -> RUNNING should apply")
	}
	if r.Transition(StatusRunning, t0.Add(2*time.Minute)) {
		t.Error("repeating RUNNING should be a no-op")
	}
	if !r.StartedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("started = %v", r.StartedAt)
	}
	if !r.Transition(StatusExit, t0.Add(11*time.Minute)) {
		t.Fatal("RUNNING -> EXIT should apply")
	}
	if r.DurationSeconds != 600 {
		t.Errorf("duration = %v, want 600", r.DurationSeconds)
	}
	if r.Transition(StatusDone, t0.Add(12*time.Minute)) {
		t.Error("a terminal run must not change")
	}
	if r.Status != StatusExit {
		t.Errorf("status = %s", r.Status)
	}
}

func TestRunRestart(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	r := Run{UUID: "u", Status: StatusPending, SubmittedAt: t0}
	r.Transition(StatusRunning, t0)
	r.Transition(StatusExit, t0.Add(time.Hour))

	r.Restart(t0.Add(2 * time.Hour))
	if r.Status != StatusPending || r.FinishedAt != nil || r.StartedAt != nil {
		t.Errorf("after restart: %+v", r)
	}
	if len(r.Restarts) != 1 || r.Restarts[0].Status != StatusExit {
		t.Errorf("restarts = %+v", r.Restarts)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetRun missing err = %v", err)
	}

	run := Run{UUID: "u-1", Status: StatusRunning, Workflow: "cwl", RunAttempt: 1}
	if err := s.PutRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	run.Status = StatusDone
	if err := s.PutRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetRun(ctx, "u-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusDone || got.Workflow != "cwl" {
		t.Errorf("run = %+v", got)
	}

	units := []WorkUnit{
		{RunUUID: "u-1", ID: "1-7-0", Tool: "bwa", Status: StatusRunning},
		{RunUUID: "u-1", ID: "1-8-0", Tool: "bwa", Status: StatusDone},
		{RunUUID: "u-1", ID: "1-2-0", Tool: "align", Status: StatusPending},
	}
	if err := s.PutWorkUnits(ctx, units); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListWorkUnits(ctx, "u-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].Tool != "align" {
		t.Errorf("units = %+v", list)
	}

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	n, err := s.SettleWorkUnits(ctx, "u-1", StatusExit, at)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("settled %d units, want 2", n)
	}
	u, err := s.GetWorkUnit(ctx, "u-1", "1-8-0")
	if err != nil {
		t.Fatal(err)
	}
	if u.Status != StatusDone {
		t.Errorf("done unit changed to %s", u.Status)
	}
	u, _ = s.GetWorkUnit(ctx, "u-1", "1-7-0")
	if u.Status != StatusExit || u.FinishedAt == nil || !u.FinishedAt.Equal(at) {
		t.Errorf("settled unit = %+v", u)
	}
}

func TestSQLiteStoreEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := UserEvent{ID: "01A", RunUUID: "u-1", Type: EventKilled, Time: time.Now(), Data: map[string]any{"user": "ana"}}
	if err := s.AddEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if err := s.AddEvent(ctx, ev); err != nil {
		t.Fatalf("duplicate event id should be ignored: %v", err)
	}
	events, err := s.ListEvents(ctx, "u-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Data["user"] != "ana" {
		t.Errorf("events = %+v", events)
	}
}

// countingStore counts writes and can be made to fail.
type countingStore struct {
	*SQLiteStore
	runWrites  int
	unitWrites int
	fail       error
}

func (c *countingStore) PutRun(ctx context.Context, run Run) error {
	c.runWrites++
	if c.fail != nil {
		return c.fail
	}
	return c.SQLiteStore.PutRun(ctx, run)
}

func (c *countingStore) PutWorkUnits(ctx context.Context, units []WorkUnit) error {
	c.unitWrites++
	if c.fail != nil {
		return c.fail
	}
	return c.SQLiteStore.PutWorkUnits(ctx, units)
}

func change(id string, from, to track.Phase, at time.Time) track.Change {
	return track.Change{
		Tool:   "bwa",
		ID:     identity.WorkUnitID(id),
		From:   from,
		To:     to,
		At:     at,
		Worker: track.WorkerProgress{EngineJobID: "7", MemoryGB: 4},
	}
}

func TestAdapterLifecycle(t *testing.T) {
	store := &countingStore{SQLiteStore: newTestStore(t)}
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	a := NewAdapter(store, Run{UUID: "u-1", Workflow: "cwl", RunAttempt: 1},
		AdapterOptions{Now: func() time.Time { return now }}, logger.NewNoopLogger())
	ctx := context.Background()

	a.Register(ctx, false)
	a.SetStatus(ctx, StatusRunning)

	changes := []track.Change{change("1-7-0", track.PhaseNone, track.PhaseRunning, now)}
	overview := []track.ToolCounts{{Tool: "bwa", Running: 1}}
	a.Push(ctx, "wf-1", changes, overview)

	writes := store.unitWrites
	a.Push(ctx, "wf-1", changes, overview)
	if store.unitWrites != writes {
		t.Error("an identical push should not write again")
	}

	a.SetStatus(ctx, StatusExit)
	u, err := store.GetWorkUnit(ctx, "u-1", "1-7-0")
	if err != nil {
		t.Fatal(err)
	}
	if u.Status != StatusExit {
		t.Errorf("unit status = %s, want EXIT", u.Status)
	}
	run, err := store.GetRun(ctx, "u-1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusExit || run.WorkflowID != "wf-1" || run.Counts.Running != 1 {
		t.Errorf("run = %+v", run)
	}

	a.AddEvent(ctx, EventKilled, map[string]any{"killed_by": "user"})
	events, _ := store.ListEvents(ctx, "u-1")
	if len(events) != 1 || events[0].Type != EventKilled {
		t.Errorf("events = %+v", events)
	}
}

func TestAdapterKeepsUnitsSettledAfterExit(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	a := NewAdapter(store, Run{UUID: "u-1"}, AdapterOptions{Now: func() time.Time { return now }}, logger.NewNoopLogger())
	ctx := context.Background()

	a.Register(ctx, false)
	a.Push(ctx, "wf", []track.Change{change("0-7-0", track.PhaseNone, track.PhasePending, now)}, nil)
	a.SetStatus(ctx, StatusExit)

	late := now.Add(time.Second)
	a.Push(ctx, "wf", []track.Change{
		change("0-7-0", track.PhasePending, track.PhaseRunning, late),
		change("0-8-0", track.PhaseNone, track.PhasePending, late),
	}, nil)

	for _, id := range []string{"0-7-0", "0-8-0"} {
		u, err := store.GetWorkUnit(ctx, "u-1", id)
		if err != nil {
			t.Fatalf("GetWorkUnit(%s): %v", id, err)
		}
		if u.Status != StatusExit {
			t.Errorf("unit %s status = %s, want EXIT", id, u.Status)
		}
		if u.FinishedAt == nil {
			t.Errorf("unit %s has no finish time", id)
		}
	}
	if got := a.Run().Status; got != StatusExit {
		t.Errorf("run status = %s, want EXIT", got)
	}
}

func TestAdapterRestart(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.PutRun(ctx, Run{UUID: "u-1", Status: StatusExit, RunAttempt: 1}); err != nil {
		t.Fatal(err)
	}

	a := NewAdapter(store, Run{UUID: "u-1", RunAttempt: 2}, AdapterOptions{}, logger.NewNoopLogger())
	a.Register(ctx, true)

	run, err := store.GetRun(ctx, "u-1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusPending || run.RunAttempt != 2 {
		t.Errorf("run = %+v", run)
	}
	if len(run.Restarts) != 1 || run.Restarts[0].Status != StatusExit {
		t.Errorf("restarts = %+v", run.Restarts)
	}
}

func TestAdapterSurvivesStoreFailure(t *testing.T) {
	store := &countingStore{
		SQLiteStore: newTestStore(t),
		fail:        resilience.NewPermanentError(errors.New("disk full")),
	}
	a := NewAdapter(store, Run{UUID: "u-1"}, AdapterOptions{
		Breaker: resilience.CircuitBreakerConfig{Threshold: 2, ResetAfter: time.Hour},
	}, logger.NewNoopLogger())
	ctx := context.Background()

	a.Register(ctx, false)
	a.SetStatus(ctx, StatusRunning)
	a.SetStatus(ctx, StatusDone)
	if got := a.Run().Status; got != StatusDone {
		t.Errorf("in-memory status = %s", got)
	}
	if store.runWrites != 2 {
		t.Errorf("run writes = %d, want 2 before the circuit opened", store.runWrites)
	}
}

func TestDisabledAdapter(t *testing.T) {
	a := NewAdapter(nil, Run{UUID: "u-1"}, AdapterOptions{}, logger.NewNoopLogger())
	ctx := context.Background()
	if a.Enabled() {
		t.Fatal("nil store should disable the adapter")
	}
	a.Register(ctx, false)
	a.SetStatus(ctx, StatusRunning)
	a.Push(ctx, "wf", nil, nil)
	a.AddEvent(ctx, EventKilled, nil)
	if a.Run().Status != StatusRunning {
		t.Errorf("status = %s", a.Run().Status)
	}
}
