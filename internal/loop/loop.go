// Package loop is the background reconciler of a leader session. Each
// iteration checks for a termination request, reads the engine state,
// classifies every work unit and reports what changed.
package loop

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/chr1sbest/pipetrack/internal/killsignal"
	"github.com/chr1sbest/pipetrack/internal/liveness"
	"github.com/chr1sbest/pipetrack/internal/logger"
	"github.com/chr1sbest/pipetrack/internal/registry"
	"github.com/chr1sbest/pipetrack/internal/snapshot"
	"github.com/chr1sbest/pipetrack/internal/status"
	"github.com/chr1sbest/pipetrack/internal/track"
	"github.com/chr1sbest/pipetrack/internal/tracker"
)

// SnapshotReader supplies engine state.
type SnapshotReader interface {
	Resume(ctx context.Context) (*snapshot.Snapshot, error)
}

// HeartbeatScanner reports worker heartbeats to a target.
type HeartbeatScanner interface {
	Scan(ctx context.Context, target liveness.Target) liveness.Result
}

// StatsSource returns statistics entries not seen before.
type StatsSource interface {
	Collect(ctx context.Context) []snapshot.StatsEntry
	Processed() int
}

// KillChecker reports a pending termination request.
type KillChecker interface {
	Check() (*killsignal.Request, bool)
}

// Publisher receives every poll's changes. The registry adapter is one.
type Publisher interface {
	Push(ctx context.Context, workflowID string, changes []track.Change, overview []track.ToolCounts)
	Run() registry.Run
}

// Options wires a Loop. Reader and Aggregator are required; everything else
// is skipped when nil.
type Options struct {
	Reader     SnapshotReader
	Aggregator *track.Aggregator
	Scanner    HeartbeatScanner
	Stats      StatsSource
	Kill       KillChecker
	Publisher  Publisher
	Mirror     *tracker.Writer
	Status     *status.Writer

	Interval time.Duration
	// Wake cuts the interval sleep short, e.g. when the termination file
	// is written. While engine state is awaited it triggers a termination
	// check instead.
	Wake <-chan struct{}

	// OnKill is called with every acceptable termination request seen. It
	// must not block.
	OnKill func(*killsignal.Request)
	// OnChanges is called with every non-empty change set.
	OnChanges func([]track.Change)
}

// State holds the reconciler's counters.
type State struct {
	Polls       int
	Transitions int
	StartTime   time.Time
	LastPoll    time.Time
	LastError   error
}

// Loop is the reconciler. A Loop is driven by one goroutine at a time.
type Loop struct {
	opts   Options
	logger logger.Logger
	state  State
}

// New creates a reconciler.
func New(opts Options, log logger.Logger) *Loop {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	return &Loop{
		opts:   opts,
		logger: logger.Component(log, "reconciler"),
		state:  State{StartTime: time.Now()},
	}
}

// State returns the current loop state.
func (l *Loop) State() State {
	return l.state
}

// RunOnce performs one reconciliation pass. It returns an error only when
// tracking cannot continue: the snapshot retry ceiling was hit, or ctx was
// cancelled while waiting for engine state.
func (l *Loop) RunOnce(ctx context.Context) error {
	start := time.Now()
	l.state.Polls++
	l.logger.Debug("Starting poll", logger.F("poll", l.state.Polls))

	l.checkKill()

	snap, err := l.resume(ctx)
	if err != nil {
		l.state.LastError = err
		return err
	}

	agg := l.opts.Aggregator
	agg.Apply(snap)

	var scan liveness.Result
	if l.opts.Scanner != nil {
		scan = l.opts.Scanner.Scan(ctx, agg)
	}
	var statsFiles int
	if l.opts.Stats != nil {
		before := l.opts.Stats.Processed()
		entries := l.opts.Stats.Collect(ctx)
		if n := agg.Enrich(entries); n > 0 {
			l.logger.Debug("Applied resource statistics", logger.F("units", n))
		}
		statsFiles = l.opts.Stats.Processed() - before
	}
	agg.Finish()
	changes := agg.Changes()
	overview := agg.Overview()

	for _, c := range changes {
		l.logger.Info(c.Message, logger.F("tool", c.Tool), logger.F("id", string(c.ID)))
	}
	if l.opts.Status != nil {
		l.opts.Status.Transitions(changes)
		l.opts.Status.Overview(overview)
	}
	if len(changes) > 0 && l.opts.OnChanges != nil {
		l.opts.OnChanges(changes)
	}
	if l.opts.Publisher != nil {
		l.opts.Publisher.Push(ctx, agg.WorkflowID(), changes, overview)
	}

	l.state.Transitions += len(changes)
	l.state.LastPoll = time.Now()
	l.state.LastError = nil
	l.writeMirror(tracker.PollDelta{
		Transitions:        len(changes),
		StatsFiles:         statsFiles,
		HeartbeatsResolved: scan.Resolved,
		Duration:           time.Since(start),
	})

	for _, c := range overview {
		l.logger.Debug("Job status",
			logger.F("tool", c.Tool),
			logger.F("pending", c.Pending),
			logger.F("running", c.Running),
			logger.F("done", c.Done),
			logger.F("exit", c.Exit),
		)
	}
	l.logger.Debug("Poll complete",
		logger.F("poll", l.state.Polls),
		logger.F("changes", len(changes)),
		logger.F("heartbeats", scan.Heartbeats),
		logger.F("duration", time.Since(start)),
	)
	return nil
}

// Run polls on the configured interval until ctx is cancelled, which is a
// clean stop and returns nil. A poll in progress is never interrupted
// between its steps.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := l.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.opts.Interval):
		case <-l.opts.Wake:
			l.logger.Debug("Woken early")
		}
	}
}

func (l *Loop) checkKill() {
	if l.opts.Kill == nil || l.opts.OnKill == nil {
		return
	}
	if req, ok := l.opts.Kill.Check(); ok {
		l.opts.OnKill(req)
	}
}

// resume reads engine state. While the reader is retrying, termination
// requests are still checked on every interval and every wake.
func (l *Loop) resume(ctx context.Context) (*snapshot.Snapshot, error) {
	if l.opts.Kill == nil || l.opts.OnKill == nil {
		return l.opts.Reader.Resume(ctx)
	}
	watchCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.watchKill(watchCtx)
	}()
	snap, err := l.opts.Reader.Resume(ctx)
	stop()
	<-done
	return snap, err
}

func (l *Loop) watchKill(ctx context.Context) {
	tick := time.NewTicker(l.opts.Interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		case <-l.opts.Wake:
			l.logger.Debug("Woken while waiting for engine state")
		}
		if ctx.Err() != nil {
			return
		}
		l.checkKill()
	}
}

// Fatal reports whether err from Run means tracking had to give up.
func Fatal(err error) bool {
	return err != nil && errors.Is(err, snapshot.ErrResumeExhausted)
}

func (l *Loop) writeMirror(delta tracker.PollDelta) {
	w := l.opts.Mirror
	if w == nil {
		return
	}
	rs := tracker.RunState{
		WorkflowID: l.opts.Aggregator.WorkflowID(),
		PID:        os.Getpid(),
		StartedAt:  l.state.StartTime,
		UpdatedAt:  time.Now(),
		Polls:      l.state.Polls,
		Tools:      l.opts.Aggregator.Table(),
	}
	if l.opts.Publisher != nil {
		run := l.opts.Publisher.Run()
		rs.RunUUID = run.UUID
		rs.RunAttempt = run.RunAttempt
		rs.Status = string(run.Status)
	}
	if err := w.WriteRunState(rs); err != nil {
		l.logger.Warn("Cannot write run state mirror", logger.F("error", err))
	}
	if err := w.RecordPoll(rs.RunUUID, delta); err != nil {
		l.logger.Warn("Cannot record poll metrics", logger.F("error", err))
	}
}
