package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/chr1sbest/pipetrack/internal/logger"
	"github.com/chr1sbest/pipetrack/internal/resilience"
	"github.com/chr1sbest/pipetrack/internal/track"
)

// AdapterOptions tunes write protection.
type AdapterOptions struct {
	Breaker resilience.CircuitBreakerConfig
	Policy  resilience.RetryPolicy
	Now     func() time.Time
}

// Adapter pushes a run's transitions to a Store. Every method logs failures
// and returns normally: a broken store never stops tracking. Pushing a
// document identical to the last one pushed is skipped.
type Adapter struct {
	store    Store
	breakers *resilience.BreakerSet
	policy   resilience.RetryPolicy
	logger   logger.Logger
	now      func() time.Time

	mu      sync.Mutex
	run     Run
	units   map[string]WorkUnit
	digests map[string][32]byte
}

// NewAdapter creates an adapter for run. A nil store gives a disabled
// adapter whose methods only update the in-memory run document.
func NewAdapter(store Store, run Run, opts AdapterOptions, log logger.Logger) *Adapter {
	if opts.Policy.Name == "" {
		opts.Policy = resilience.RegistryWrite
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Breaker.Threshold <= 0 {
		opts.Breaker = resilience.DefaultCircuitBreakerConfig()
	}
	a := &Adapter{
		store:    store,
		breakers: resilience.NewBreakerSet(opts.Breaker),
		policy:   opts.Policy,
		logger:   logger.Component(log, "registry"),
		now:      opts.Now,
		run:      run,
		units:    make(map[string]WorkUnit),
		digests:  make(map[string][32]byte),
	}
	a.breakers.OnStateChange(func(key string, from, to resilience.CircuitState) {
		a.logger.Warn("Registry circuit changed",
			logger.F("collection", key), logger.F("from", from.String()), logger.F("to", to.String()))
	})
	return a
}

// Enabled reports whether documents are written anywhere.
func (a *Adapter) Enabled() bool { return a.store != nil }

// Run returns a copy of the current run document.
func (a *Adapter) Run() Run {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.run
}

// Register writes the initial run document. When restart is set and the run
// is already registered, its current status goes to the restart history
// and the run is reset to PENDING.
func (a *Adapter) Register(ctx context.Context, restart bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if a.store != nil {
		existing, err := a.store.GetRun(ctx, a.run.UUID)
		switch {
		case err == nil:
			attempt := a.run.RunAttempt
			meta := a.run
			a.run = *existing
			a.run.RunAttempt = attempt
			a.run.Workflow = firstNonEmpty(meta.Workflow, a.run.Workflow)
			a.run.BatchSystem = firstNonEmpty(meta.BatchSystem, a.run.BatchSystem)
			if restart {
				a.run.Restart(now)
			}
		case !errors.Is(err, ErrNotFound):
			a.logger.Warn("Cannot load run document", logger.F("run", a.run.UUID), logger.F("error", err))
		}
	}
	if a.run.Status == "" {
		a.run.Status = StatusPending
	}
	if a.run.SubmittedAt.IsZero() {
		a.run.SubmittedAt = now
	}
	a.run.LastModified = now
	a.putRunLocked(ctx)
}

// SetStatus moves the run to status. DONE finishes and EXIT fails every
// work unit still pending or running.
func (a *Adapter) SetStatus(ctx context.Context, status Status) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if !a.run.Transition(status, now) {
		return
	}
	a.putRunLocked(ctx)

	if !status.Terminal() || a.store == nil {
		return
	}
	for id, u := range a.units {
		if u.Status.Terminal() {
			continue
		}
		u.Status = status
		t := now
		u.FinishedAt = &t
		a.units[id] = u
	}
	var settled int
	err := a.write(ctx, "work_units", func(ctx context.Context) error {
		n, err := a.store.SettleWorkUnits(ctx, a.run.UUID, status, now)
		settled = n
		return err
	})
	if err == nil && settled > 0 {
		a.logger.Debug("Settled work units", logger.F("status", string(status)), logger.F("count", settled))
	}
}

// Push records a status_change set and the run's job counts. Once the run
// is DONE or EXIT, units keep their settled status and late changes to
// pending or running are recorded with the run's status.
func (a *Adapter) Push(ctx context.Context, workflowID string, changes []track.Change, overview []track.ToolCounts) {
	a.mu.Lock()
	defer a.mu.Unlock()

	finished := a.run.Status.Terminal()
	var docs []WorkUnit
	for _, c := range changes {
		var prev *WorkUnit
		if u, ok := a.units[string(c.ID)]; ok {
			prev = &u
		}
		if finished && prev != nil && prev.Status.Terminal() {
			continue
		}
		doc := WorkUnitFromChange(a.run.UUID, c, prev)
		if finished && !doc.Status.Terminal() {
			// Units of a finished run cannot be reopened.
			doc.Status = a.run.Status
			t := c.At
			doc.FinishedAt = &t
		}
		a.units[doc.ID] = doc
		if a.changed("unit/"+doc.ID, doc) {
			docs = append(docs, doc)
		}
	}
	if len(docs) > 0 && a.store != nil {
		if err := a.write(ctx, "work_units", func(ctx context.Context) error {
			return a.store.PutWorkUnits(ctx, docs)
		}); err != nil {
			a.forget(docs)
		}
	}

	if workflowID != "" {
		a.run.WorkflowID = workflowID
	}
	a.run.Counts = CountsFrom(overview)
	a.putRunLocked(ctx)
}

// AddEvent appends an entry to the run's event log.
func (a *Adapter) AddEvent(ctx context.Context, eventType string, data map[string]any) {
	if a.store == nil {
		return
	}
	ev := UserEvent{
		ID:      ulid.Make().String(),
		RunUUID: a.Run().UUID,
		Type:    eventType,
		Time:    a.now(),
		Data:    data,
	}
	if err := a.write(ctx, "user_events", func(ctx context.Context) error {
		return a.store.AddEvent(ctx, ev)
	}); err == nil {
		a.logger.Debug("Recorded event", logger.F("type", eventType), logger.F("id", ev.ID))
	}
}

func (a *Adapter) putRunLocked(ctx context.Context) {
	if a.store == nil {
		return
	}
	run := a.run
	if !a.changed("run", run) {
		return
	}
	if err := a.write(ctx, "runs", func(ctx context.Context) error {
		return a.store.PutRun(ctx, run)
	}); err != nil {
		delete(a.digests, "run")
	}
}

// changed reports whether doc differs from the last version recorded under
// key, and records it. LastModified alone does not count as a change.
func (a *Adapter) changed(key string, doc any) bool {
	switch d := doc.(type) {
	case Run:
		d.LastModified = time.Time{}
		doc = d
	case WorkUnit:
		d.LastModified = time.Time{}
		doc = d
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return true
	}
	sum := blake3.Sum256(data)
	if prev, ok := a.digests[key]; ok && prev == sum {
		return false
	}
	a.digests[key] = sum
	return true
}

func (a *Adapter) forget(docs []WorkUnit) {
	for _, d := range docs {
		delete(a.digests, "unit/"+d.ID)
	}
}

func (a *Adapter) write(ctx context.Context, collection string, fn func(context.Context) error) error {
	err := a.breakers.Get(collection).Execute(ctx, func(ctx context.Context) error {
		return a.policy.Execute(ctx, fn)
	})
	switch {
	case err == nil:
	case errors.Is(err, resilience.ErrCircuitOpen):
		a.logger.Debug("Registry write skipped, circuit open", logger.F("collection", collection))
	default:
		a.logger.Warn("Registry write failed", logger.F("collection", collection), logger.F("error", err))
	}
	return err
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
