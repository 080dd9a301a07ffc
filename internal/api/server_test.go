package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/chr1sbest/pipetrack/internal/logger"
	"github.com/chr1sbest/pipetrack/internal/registry"
)

func seededServer(t *testing.T) *Server {
	t.Helper()
	store, err := registry.NewSQLiteStore(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	if err := store.PutRun(ctx, registry.Run{UUID: "run-1", Status: registry.StatusRunning, Workflow: "cwl"}); err != nil {
		t.Fatal(err)
	}
	units := []registry.WorkUnit{
		{RunUUID: "run-1", ID: "0-1-0", Tool: "align", Status: registry.StatusRunning},
		{RunUUID: "run-1", ID: "0-2-0", Tool: "align", Status: registry.StatusDone},
	}
	if err := store.PutWorkUnits(ctx, units); err != nil {
		t.Fatal(err)
	}
	ev := registry.UserEvent{ID: "01H", RunUUID: "run-1", Type: registry.EventKilled, Time: time.Now(), Data: map[string]any{"killed_by": "user"}}
	if err := store.AddEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	return NewServer(store, logger.NewNoopLogger())
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	s := seededServer(t)
	tests := []struct {
		path string
		code int
	}{
		{"/healthz", http.StatusOK},
		{"/runs", http.StatusOK},
		{"/runs/run-1", http.StatusOK},
		{"/runs/run-1/work-units", http.StatusOK},
		{"/runs/run-1/events", http.StatusOK},
		{"/runs/missing", http.StatusNotFound},
		{"/runs/missing/work-units", http.StatusNotFound},
		{"/runs/missing/events", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if rec := get(t, s, tt.path); rec.Code != tt.code {
				t.Errorf("GET %s = %d, want %d: %s", tt.path, rec.Code, tt.code, rec.Body.String())
			}
		})
	}
}

func TestGetRunBody(t *testing.T) {
	rec := get(t, seededServer(t), "/runs/run-1")
	var run registry.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.UUID != "run-1" || run.Status != registry.StatusRunning {
		t.Errorf("run = %+v", run)
	}
}

func TestWorkUnitStatusFilter(t *testing.T) {
	s := seededServer(t)

	var all []registry.WorkUnit
	if err := json.Unmarshal(get(t, s, "/runs/run-1/work-units").Body.Bytes(), &all); err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("units = %d, want 2", len(all))
	}

	var running []registry.WorkUnit
	if err := json.Unmarshal(get(t, s, "/runs/run-1/work-units?status=running").Body.Bytes(), &running); err != nil {
		t.Fatal(err)
	}
	if len(running) != 1 || running[0].ID != "0-1-0" {
		t.Errorf("running = %+v", running)
	}
}

func TestEventsBody(t *testing.T) {
	var events []registry.UserEvent
	if err := json.Unmarshal(get(t, seededServer(t), "/runs/run-1/events").Body.Bytes(), &events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != registry.EventKilled {
		t.Errorf("events = %+v", events)
	}
}
