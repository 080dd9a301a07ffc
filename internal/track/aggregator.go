// Package track maintains the per-tool status table of a run and computes
// what changed between two polls.
//
// The table is owned by the reconciler goroutine. Nothing in this package
// is safe for concurrent use; readers take copies through Table and
// Overview.
package track

import (
	"encoding/json"
	"path"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/chr1sbest/pipetrack/internal/identity"
	"github.com/chr1sbest/pipetrack/internal/logger"
	"github.com/chr1sbest/pipetrack/internal/snapshot"
)

// WorkerProgress is what is known about one work unit's execution.
type WorkerProgress struct {
	EngineJobID    string          `json:"engine_job_id"`
	DiskGB         float64         `json:"disk_gb"`
	MemoryGB       float64         `json:"memory_gb"`
	Cores          float64         `json:"cores"`
	ProgressStream string          `json:"progress_stream,omitempty"`
	BatchJobID     string          `json:"batch_job_id,omitempty"`
	Info           json.RawMessage `json:"info,omitempty"`
	ObservedMemory *float64        `json:"observed_memory,omitempty"`
	ObservedCPU    *float64        `json:"observed_cpu,omitempty"`
	LogPath        string          `json:"log_path,omitempty"`
	Started        time.Time       `json:"started,omitempty"`
	LastModified   time.Time       `json:"last_modified,omitempty"`
}

// ToolStatus is the record kept for one logical tool.
type ToolStatus struct {
	Submitted map[identity.WorkUnitID]time.Time       `json:"submitted"`
	Workers   map[identity.WorkUnitID]*WorkerProgress `json:"workers"`
	Done      map[identity.WorkUnitID]time.Time       `json:"done"`
	Exit      map[identity.WorkUnitID]time.Time       `json:"exit"`
}

func newToolStatus() *ToolStatus {
	return &ToolStatus{
		Submitted: make(map[identity.WorkUnitID]time.Time),
		Workers:   make(map[identity.WorkUnitID]*WorkerProgress),
		Done:      make(map[identity.WorkUnitID]time.Time),
		Exit:      make(map[identity.WorkUnitID]time.Time),
	}
}

// Phase classifies id within this tool.
func (t *ToolStatus) Phase(id identity.WorkUnitID) Phase {
	if _, ok := t.Exit[id]; ok {
		return PhaseExit
	}
	if _, ok := t.Done[id]; ok {
		return PhaseDone
	}
	if _, ok := t.Submitted[id]; !ok {
		return PhaseNone
	}
	if w, ok := t.Workers[id]; ok && !w.Started.IsZero() {
		return PhaseRunning
	}
	return PhasePending
}

func (t *ToolStatus) clone() ToolStatus {
	c := *newToolStatus()
	for id, ts := range t.Submitted {
		c.Submitted[id] = ts
	}
	for id, w := range t.Workers {
		cp := *w
		c.Workers[id] = &cp
	}
	for id, ts := range t.Done {
		c.Done[id] = ts
	}
	for id, ts := range t.Exit {
		c.Exit[id] = ts
	}
	return c
}

// Options configures an Aggregator.
type Options struct {
	Identity identity.Options
	// HiddenJobs are doublestar patterns matched against job names. Matching
	// jobs are not tracked unless ShowInternal is set.
	HiddenJobs   []string
	ShowInternal bool
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

type unitRef struct {
	tool string
	id   identity.WorkUnitID
}

// Aggregator is the status table of one polling session.
type Aggregator struct {
	opts     Options
	resolver *identity.Resolver
	logger   logger.Logger
	now      func() time.Time

	tools      map[string]*ToolStatus
	streams    map[string]unitRef
	current    map[identity.WorkUnitID]struct{}
	failing    map[identity.WorkUnitID]struct{}
	emitted    map[identity.WorkUnitID]Phase
	workflowID string
	conflicts  map[identity.WorkUnitID]struct{}
}

// New creates an empty aggregator.
func New(opts Options, log logger.Logger) *Aggregator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		opts:      opts,
		resolver:  identity.NewResolver(opts.Identity),
		logger:    logger.Component(log, "track"),
		now:       now,
		tools:     make(map[string]*ToolStatus),
		streams:   make(map[string]unitRef),
		current:   make(map[identity.WorkUnitID]struct{}),
		failing:   make(map[identity.WorkUnitID]struct{}),
		emitted:   make(map[identity.WorkUnitID]Phase),
		conflicts: make(map[identity.WorkUnitID]struct{}),
	}
}

// WorkflowID is the engine workflow id from the latest snapshot.
func (a *Aggregator) WorkflowID() string { return a.workflowID }

// Resolver exposes the identity resolver of this session.
func (a *Aggregator) Resolver() *identity.Resolver { return a.resolver }

// Apply folds a snapshot into the table: terminal failures, retries, and
// newly active work units. It replaces the set of currently active ids.
func (a *Aggregator) Apply(snap *snapshot.Snapshot) {
	if snap == nil {
		return
	}
	now := a.now()
	a.workflowID = snap.WorkflowID

	// A failed unit the engine will retry is neither done nor exited yet:
	// its exit is recorded when the retry shows up.
	failing := make(map[identity.WorkUnitID]struct{})
	for _, rec := range snap.Failed() {
		if a.hidden(rec.Name) {
			continue
		}
		if rec.RemainingRetryCount == 0 || a.resolver.Retried(rec.EngineJobID) {
			// The count on a failed record was already spent by the failure.
			failed := a.resolver.At(rec.EngineJobID, a.resolver.RetryIndex(rec.RemainingRetryCount+1))
			a.markExit(identity.ToolKey(rec.Name), failed, now)
			continue
		}
		failing[a.resolver.Resolve(rec.EngineJobID)] = struct{}{}
	}
	a.failing = failing

	for _, rec := range snap.Jobs {
		if a.hidden(rec.Name) || !a.resolver.IsRetried(rec.RemainingRetryCount) {
			continue
		}
		before := a.resolver.Resolve(rec.EngineJobID)
		a.resolver.RecordRetry(rec.EngineJobID, rec.RemainingRetryCount)
		if a.resolver.Resolve(rec.EngineJobID) == before {
			continue
		}
		a.markExit(identity.ToolKey(rec.Name), a.resolver.Previous(rec.EngineJobID), now)
	}

	current := make(map[identity.WorkUnitID]struct{})
	for _, rec := range snap.Active() {
		if a.hidden(rec.Name) {
			continue
		}
		tool := identity.ToolKey(rec.Name)
		id := a.resolver.Resolve(rec.EngineJobID)
		current[id] = struct{}{}

		ts := a.tool(tool)
		if _, seen := ts.Submitted[id]; !seen {
			ts.Submitted[id] = now
		}
		w, ok := ts.Workers[id]
		if !ok {
			w = &WorkerProgress{
				EngineJobID: rec.EngineJobID,
				DiskGB:      rec.Reservation.DiskGB(),
				MemoryGB:    rec.Reservation.MemoryGB(),
				Cores:       rec.Reservation.Cores,
			}
			ts.Workers[id] = w
		}
		if w.ProgressStream == "" && rec.ProgressStream != "" {
			w.ProgressStream = rec.ProgressStream
			a.streams[rec.ProgressStream] = unitRef{tool: tool, id: id}
		}
		if w.BatchJobID == "" {
			w.BatchJobID = rec.BatchJobID
		}
		if len(w.Info) == 0 && len(rec.Info) > 0 {
			w.Info = rec.Info
		}
	}
	a.current = current
}

// MarkAlive records a heartbeat for the unit whose progress stream is
// stream. started is only applied the first time. It returns false when the
// stream is not known yet.
func (a *Aggregator) MarkAlive(stream string, started, lastModified time.Time, logPath string) bool {
	w, ok := a.worker(stream)
	if !ok {
		return false
	}
	if w.Started.IsZero() {
		w.Started = started
	}
	if w.LogPath == "" {
		w.LogPath = logPath
	}
	w.LastModified = lastModified
	return true
}

// Enrich backfills observed usage from statistics entries and returns how
// many units were updated.
func (a *Aggregator) Enrich(entries []snapshot.StatsEntry) int {
	n := 0
	for _, e := range entries {
		w, ok := a.worker(e.ProgressStream)
		if !ok {
			continue
		}
		if e.ObservedMemory == nil && e.ObservedCPU == nil {
			continue
		}
		if e.ObservedMemory != nil {
			mem := *e.ObservedMemory
			w.ObservedMemory = &mem
		}
		if e.ObservedCPU != nil {
			cpu := *e.ObservedCPU
			w.ObservedCPU = &cpu
		}
		n++
	}
	return n
}

// Finish marks every submitted unit that left the active set, and has not
// exited or failed, as done.
func (a *Aggregator) Finish() {
	now := a.now()
	for _, ts := range a.tools {
		for id := range ts.Submitted {
			if _, done := ts.Done[id]; done {
				continue
			}
			if _, exited := ts.Exit[id]; exited {
				continue
			}
			if _, active := a.current[id]; active {
				continue
			}
			if _, failing := a.failing[id]; failing {
				continue
			}
			ts.Done[id] = now
		}
	}
}

// Changes classifies every unit and returns those whose phase moved forward
// since the last call, ordered by tool then id.
func (a *Aggregator) Changes() []Change {
	now := a.now()
	var out []Change
	for _, tool := range a.toolNames() {
		ts := a.tools[tool]
		ids := make([]identity.WorkUnitID, 0, len(ts.Submitted))
		for id := range ts.Submitted {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			p := ts.Phase(id)
			prev := a.emitted[id]
			if p <= prev {
				continue
			}
			a.emitted[id] = p
			c := Change{Tool: tool, ID: id, From: prev, To: p, Message: Message(tool, id, p), At: now}
			if w, ok := ts.Workers[id]; ok {
				c.Worker = *w
			}
			out = append(out, c)
		}
	}
	return out
}

// Observe runs one full aggregation pass for the parts that need no I/O
// beyond the snapshot itself.
func (a *Aggregator) Observe(snap *snapshot.Snapshot, stats []snapshot.StatsEntry) []Change {
	a.Apply(snap)
	a.Enrich(stats)
	a.Finish()
	return a.Changes()
}

// Table returns a deep copy of the status table.
func (a *Aggregator) Table() map[string]ToolStatus {
	out := make(map[string]ToolStatus, len(a.tools))
	for name, ts := range a.tools {
		out[name] = ts.clone()
	}
	return out
}

// ToolCounts is the per-phase unit count of one tool.
type ToolCounts struct {
	Tool    string `json:"tool"`
	Pending int    `json:"pending"`
	Running int    `json:"running"`
	Done    int    `json:"done"`
	Exit    int    `json:"exit"`
}

// Overview counts units per phase for every tool, ordered by tool.
func (a *Aggregator) Overview() []ToolCounts {
	return Summarize(a.Table())
}

// Summarize counts units per phase in a table.
func Summarize(table map[string]ToolStatus) []ToolCounts {
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ToolCounts, 0, len(names))
	for _, name := range names {
		ts := table[name]
		c := ToolCounts{Tool: name}
		for id := range ts.Submitted {
			switch ts.Phase(id) {
			case PhasePending:
				c.Pending++
			case PhaseRunning:
				c.Running++
			case PhaseDone:
				c.Done++
			case PhaseExit:
				c.Exit++
			}
		}
		out = append(out, c)
	}
	return out
}

// Active reports how many units are pending or running.
func (a *Aggregator) Active() int {
	n := 0
	for _, c := range a.Overview() {
		n += c.Pending + c.Running
	}
	return n
}

// markExit records id as exited. In a restart session only incarnations
// submitted in this session can exit; older ones failed in an earlier
// attempt.
func (a *Aggregator) markExit(tool string, id identity.WorkUnitID, now time.Time) {
	if a.opts.Identity.Restart && !a.submitted(tool, id) {
		return
	}
	ts := a.tool(tool)
	if _, exited := ts.Exit[id]; exited {
		return
	}
	if _, done := ts.Done[id]; done {
		if _, logged := a.conflicts[id]; !logged {
			a.conflicts[id] = struct{}{}
			a.logger.Warn("Ignoring failure reported after completion",
				logger.F("tool", tool), logger.F("id", string(id)))
		}
		return
	}
	if _, seen := ts.Submitted[id]; !seen {
		ts.Submitted[id] = now
	}
	ts.Exit[id] = now
}

func (a *Aggregator) submitted(tool string, id identity.WorkUnitID) bool {
	ts, ok := a.tools[tool]
	if !ok {
		return false
	}
	_, seen := ts.Submitted[id]
	return seen
}

func (a *Aggregator) worker(stream string) (*WorkerProgress, bool) {
	if stream == "" {
		return nil, false
	}
	ref, ok := a.streams[stream]
	if !ok {
		return nil, false
	}
	w, ok := a.tools[ref.tool].Workers[ref.id]
	return w, ok
}

func (a *Aggregator) tool(name string) *ToolStatus {
	ts, ok := a.tools[name]
	if !ok {
		ts = newToolStatus()
		a.tools[name] = ts
	}
	return ts
}

func (a *Aggregator) toolNames() []string {
	names := make([]string, 0, len(a.tools))
	for name := range a.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (a *Aggregator) hidden(jobName string) bool {
	if a.opts.ShowInternal {
		return false
	}
	base := path.Base(jobName)
	for _, pattern := range a.opts.HiddenJobs {
		if ok, _ := doublestar.Match(pattern, jobName); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, base); ok {
			return true
		}
	}
	return false
}
