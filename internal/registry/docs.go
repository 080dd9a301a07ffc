// Package registry mirrors a run's observed transitions into a persistent
// document store. Writes are best-effort: tracking never depends on them.
package registry

import (
	"time"

	"github.com/chr1sbest/pipetrack/internal/track"
)

// Status is the overall state of a run or a work unit.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
	StatusExit    Status = "EXIT"
)

// Terminal reports whether s is DONE or EXIT.
func (s Status) Terminal() bool { return s == StatusDone || s == StatusExit }

// StatusFromPhase maps a work unit phase onto a registry status.
func StatusFromPhase(p track.Phase) Status {
	switch p {
	case track.PhaseRunning:
		return StatusRunning
	case track.PhaseDone:
		return StatusDone
	case track.PhaseExit:
		return StatusExit
	default:
		return StatusPending
	}
}

// Restart is one entry of a run's restart history.
type Restart struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// JobCounts summarizes work units per status.
type JobCounts struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Done    int `json:"done"`
	Exit    int `json:"exit"`
}

// CountsFrom totals a per-tool overview.
func CountsFrom(overview []track.ToolCounts) JobCounts {
	var c JobCounts
	for _, t := range overview {
		c.Pending += t.Pending
		c.Running += t.Running
		c.Done += t.Done
		c.Exit += t.Exit
	}
	return c
}

// Run is the RunResults document of one run, keyed by UUID.
type Run struct {
	UUID            string     `json:"uuid"`
	ProjectID       string     `json:"project_id,omitempty"`
	PipelineName    string     `json:"pipeline_name,omitempty"`
	PipelineVersion string     `json:"pipeline_version,omitempty"`
	Workflow        string     `json:"workflow,omitempty"`
	WorkflowID      string     `json:"workflow_id,omitempty"`
	BatchSystem     string     `json:"batch_system,omitempty"`
	RunAttempt      int        `json:"run_attempt"`
	Status          Status     `json:"status"`
	SubmittedAt     time.Time  `json:"submitted_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	LastModified    time.Time  `json:"last_modified"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`
	Restarts        []Restart  `json:"restarts,omitempty"`
	Counts          JobCounts  `json:"counts"`
}

// Transition applies a status change. RUNNING sets the start time once;
// DONE and EXIT set the finish time and duration. A terminal run does not
// change again. It reports whether anything changed.
func (r *Run) Transition(s Status, now time.Time) bool {
	if r.Status == s || r.Status.Terminal() {
		return false
	}
	r.Status = s
	r.LastModified = now
	switch s {
	case StatusRunning:
		if r.StartedAt == nil {
			t := now
			r.StartedAt = &t
		}
	case StatusDone, StatusExit:
		t := now
		r.FinishedAt = &t
		start := r.SubmittedAt
		if r.StartedAt != nil {
			start = *r.StartedAt
		}
		if !start.IsZero() {
			r.DurationSeconds = now.Sub(start).Seconds()
		}
	}
	return true
}

// Restart records the current status in the restart history and resets the
// run to PENDING.
func (r *Run) Restart(now time.Time) {
	r.Restarts = append(r.Restarts, Restart{Status: r.Status, Timestamp: now})
	r.Status = StatusPending
	r.StartedAt = nil
	r.FinishedAt = nil
	r.DurationSeconds = 0
	r.LastModified = now
}

// WorkUnit is the document of one work unit, keyed by run UUID and id.
type WorkUnit struct {
	RunUUID        string     `json:"run_uuid"`
	ID             string     `json:"id"`
	Tool           string     `json:"tool"`
	EngineJobID    string     `json:"engine_job_id"`
	Status         Status     `json:"status"`
	SubmittedAt    time.Time  `json:"submitted_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	LastModified   time.Time  `json:"last_modified"`
	DiskGB         float64    `json:"disk_gb"`
	MemoryGB       float64    `json:"memory_gb"`
	Cores          float64    `json:"cores"`
	ObservedMemory *float64   `json:"observed_memory,omitempty"`
	ObservedCPU    *float64   `json:"observed_cpu,omitempty"`
	LogPath        string     `json:"log_path,omitempty"`
}

// WorkUnitFromChange builds the document for a changed unit. prev is the
// stored document, if any, whose timestamps are kept.
func WorkUnitFromChange(runUUID string, c track.Change, prev *WorkUnit) WorkUnit {
	u := WorkUnit{
		RunUUID:        runUUID,
		ID:             string(c.ID),
		Tool:           c.Tool,
		EngineJobID:    c.Worker.EngineJobID,
		Status:         StatusFromPhase(c.To),
		SubmittedAt:    c.At,
		LastModified:   c.At,
		DiskGB:         c.Worker.DiskGB,
		MemoryGB:       c.Worker.MemoryGB,
		Cores:          c.Worker.Cores,
		ObservedMemory: c.Worker.ObservedMemory,
		ObservedCPU:    c.Worker.ObservedCPU,
		LogPath:        c.Worker.LogPath,
	}
	if prev != nil {
		u.SubmittedAt = prev.SubmittedAt
		u.StartedAt = prev.StartedAt
	}
	if !c.Worker.Started.IsZero() && u.StartedAt == nil {
		t := c.Worker.Started
		u.StartedAt = &t
	}
	if c.To.Terminal() {
		t := c.At
		u.FinishedAt = &t
	}
	return u
}

// Event types.
const (
	EventKilled = "killed"
	// EventTrackingFailed is recorded when the leader gives up reading
	// engine state and tears the run down.
	EventTrackingFailed = "tracking_failed"
)

// UserEvent is an entry in a run's event log.
type UserEvent struct {
	ID      string         `json:"id"`
	RunUUID string         `json:"run_uuid"`
	Type    string         `json:"type"`
	Time    time.Time      `json:"time"`
	Data    map[string]any `json:"data,omitempty"`
}
