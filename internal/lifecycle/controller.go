// Package lifecycle owns a leader session: it runs the engine in the
// foreground, the reconciler in the background, and drives the cancellation
// cascade exactly once when the run is terminated.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/chr1sbest/pipetrack/internal/batch"
	"github.com/chr1sbest/pipetrack/internal/engine"
	"github.com/chr1sbest/pipetrack/internal/killsignal"
	"github.com/chr1sbest/pipetrack/internal/logger"
	"github.com/chr1sbest/pipetrack/internal/loop"
	"github.com/chr1sbest/pipetrack/internal/registry"
	"github.com/chr1sbest/pipetrack/internal/snapshot"
	"github.com/chr1sbest/pipetrack/internal/track"
)

// Exit codes of a leader session.
const (
	ExitDone   = 0
	ExitFailed = 1
)

// Recorder is the run registry as the controller sees it.
type Recorder interface {
	Run() registry.Run
	SetStatus(ctx context.Context, status registry.Status)
	AddEvent(ctx context.Context, eventType string, data map[string]any)
}

// IssuedJobs reads the engine state once to enumerate issued batch jobs.
type IssuedJobs interface {
	ReadOnce(ctx context.Context) (*snapshot.Snapshot, error)
}

// Hooks react to workflow transitions. workflow.Variant satisfies it.
type Hooks interface {
	OnStart(ctx context.Context) error
	OnSuccess(ctx context.Context) error
	OnFail(ctx context.Context) error
	OnComplete(ctx context.Context) error
}

// Options wires a Controller. Engine, Recorder and Loop.Reader and
// Loop.Aggregator are required.
type Options struct {
	Workflow string
	Engine   engine.Engine
	Recorder Recorder
	Hooks    Hooks
	Batch    batch.Canceller
	Jobs     IssuedJobs
	// Loop configures the reconciler. OnKill and OnChanges are owned by
	// the controller and overwritten.
	Loop loop.Options
	// Signals delivers OS signals. When nil the controller subscribes to
	// SIGINT and SIGTERM itself.
	Signals <-chan os.Signal
	// StepTimeout bounds every cascade step and the final flush poll.
	StepTimeout time.Duration
}

// Controller runs one leader session. A Controller is single-use.
type Controller struct {
	opts   Options
	logger logger.Logger
	loop   *loop.Loop

	state      stateBox
	cancelling atomic.Bool
	trigger    chan Cause

	transMu  sync.Mutex
	started  bool
	terminal bool
}

// New creates a controller.
func New(opts Options, log logger.Logger) (*Controller, error) {
	if opts.Engine == nil {
		return nil, errors.New("lifecycle: engine is required")
	}
	if opts.Recorder == nil {
		return nil, errors.New("lifecycle: recorder is required")
	}
	if opts.Loop.Reader == nil || opts.Loop.Aggregator == nil {
		return nil, errors.New("lifecycle: reconciler needs a reader and an aggregator")
	}
	if opts.Workflow == "" {
		opts.Workflow = "workflow"
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 2 * time.Minute
	}
	c := &Controller{
		opts:    opts,
		logger:  logger.Component(log, "lifecycle"),
		trigger: make(chan Cause, 1),
	}
	opts.Loop.OnKill = c.onKill
	opts.Loop.OnChanges = c.onChanges
	c.loop = loop.New(opts.Loop, log)
	return c, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State { return c.state.load() }

// Cancel requests termination. The first call from any source wins and
// returns true; later calls are no-ops.
func (c *Controller) Cancel(cause Cause) bool {
	if !c.cancelling.CompareAndSwap(false, true) {
		c.logger.Debug("Termination already in progress", logger.F("cause", cause.String()))
		return false
	}
	c.state.advance(StatePolling, StateCancelling)
	c.trigger <- cause
	return true
}

func (c *Controller) onKill(req *killsignal.Request) {
	c.Cancel(UserCause(req))
}

func (c *Controller) onChanges(changes []track.Change) {
	c.transition(context.Background(), registry.StatusRunning)
}

// Run executes the session and returns the process exit code. It returns
// only after the reconciler has been joined.
func (c *Controller) Run(ctx context.Context) int {
	if !c.state.advance(StateIdle, StatePolling) {
		c.logger.Error("Controller already used", logger.F("state", c.State().String()))
		return ExitFailed
	}

	sigs := c.opts.Signals
	if sigs == nil {
		ch := make(chan os.Signal, 2)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigs = ch
	}
	sigCtx, stopSigs := context.WithCancel(ctx)
	defer stopSigs()
	go c.watchSignals(sigCtx, sigs)

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	var wg conc.WaitGroup
	wg.Go(func() { c.reconcile(loopCtx) })

	engineCtx, stopEngine := context.WithCancelCause(ctx)
	defer stopEngine(nil)
	engineDone := make(chan error, 1)
	go func() { engineDone <- c.opts.Engine.Run(engineCtx) }()

	c.logger.Info("Leader started", logger.F("workflow", c.opts.Workflow), logger.F("run", c.opts.Recorder.Run().UUID))

	var code int
	select {
	case err := <-engineDone:
		if c.cancelling.CompareAndSwap(false, true) {
			c.state.advance(StatePolling, StateCancelling)
			stopLoop()
			c.join(&wg)
			code = c.complete(err)
			break
		}
		// A termination raced the engine's exit.
		cause := <-c.trigger
		code = c.cancel(cause, stopEngine, stopLoop, &wg, nil)
	case cause := <-c.trigger:
		code = c.cancel(cause, stopEngine, stopLoop, &wg, engineDone)
	}

	c.state.store(StateTerminated)
	c.logger.Info("Leader finished", logger.F("exit_code", code))
	return code
}

// cancel runs the cascade, then waits for the engine (when still running)
// and the reconciler.
func (c *Controller) cancel(cause Cause, stopEngine context.CancelCauseFunc, stopLoop context.CancelFunc, wg *conc.WaitGroup, engineDone <-chan error) int {
	c.cascade(cause, stopEngine)
	stopLoop()
	if engineDone != nil {
		if err := <-engineDone; err != nil {
			c.logger.Debug("Engine stopped", logger.F("error", err))
		}
	}
	c.join(wg)
	return ExitFailed
}

// complete handles the engine's own exit: one last poll so the final
// transitions are reported, then DONE or EXIT.
func (c *Controller) complete(runErr error) int {
	flushCtx, cancel := context.WithTimeout(context.Background(), c.opts.StepTimeout)
	defer cancel()
	if err := c.loop.RunOnce(flushCtx); err != nil {
		c.logger.Warn("Final poll failed", logger.F("error", err))
	}

	if runErr != nil {
		var exitErr *engine.ExitError
		if errors.As(runErr, &exitErr) {
			c.logger.Error("Workflow failed", logger.F("exit_status", exitErr.Code))
		} else {
			c.logger.Error("Workflow failed", logger.F("error", runErr))
		}
		c.transition(context.Background(), registry.StatusExit)
		return ExitFailed
	}
	c.transition(context.Background(), registry.StatusDone)
	return ExitDone
}

func (c *Controller) reconcile(ctx context.Context) {
	recovered := panics.Try(func() {
		err := c.loop.Run(ctx)
		if loop.Fatal(err) {
			c.logger.Error("Tracking cannot continue", logger.F("error", err))
			c.Cancel(FailureCause(err))
		}
	})
	if recovered != nil {
		c.logger.Error("Reconciler panicked", logger.F("panic", fmt.Sprint(recovered.Value)))
		c.logger.Debug(string(recovered.Stack))
		c.Cancel(FailureCause(recovered.AsError()))
	}
}

func (c *Controller) join(wg *conc.WaitGroup) {
	if r := wg.WaitAndRecover(); r != nil {
		c.logger.Error("Reconciler exited with a panic", logger.F("panic", fmt.Sprint(r.Value)))
	}
}

func (c *Controller) watchSignals(ctx context.Context, sigs <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sigs:
			if !ok {
				return
			}
			c.logger.Info("Received signal", logger.F("signal", signalName(sig)))
			c.Cancel(SignalCause(sig))
		}
	}
}

// transition moves the workflow to status and runs the matching hooks.
// RUNNING is applied once; a terminal status is applied once and freezes
// the workflow.
func (c *Controller) transition(ctx context.Context, status registry.Status) {
	c.transMu.Lock()
	defer c.transMu.Unlock()

	if c.terminal {
		if status.Terminal() {
			c.logger.Warn("Ignoring terminal transition, run already finished", logger.F("status", string(status)))
		}
		return
	}
	if status == registry.StatusRunning {
		if c.started {
			return
		}
		c.started = true
	}
	if status.Terminal() {
		c.terminal = true
	}

	c.opts.Recorder.SetStatus(ctx, status)
	switch status {
	case registry.StatusRunning:
		c.logger.Info(c.opts.Workflow + " is now starting")
		c.hook(ctx, "on_start", c.hooks().OnStart)
	case registry.StatusDone:
		c.logger.Info(c.opts.Workflow + " is now done")
		c.hook(ctx, "on_success", c.hooks().OnSuccess)
		c.hook(ctx, "on_complete", c.hooks().OnComplete)
	case registry.StatusExit:
		c.logger.Info(c.opts.Workflow + " has exited")
		c.hook(ctx, "on_fail", c.hooks().OnFail)
		c.hook(ctx, "on_complete", c.hooks().OnComplete)
	}
	if status.Terminal() && c.opts.Loop.Status != nil {
		c.opts.Loop.Status.Finished(c.opts.Workflow, string(status))
	}
}

func (c *Controller) hooks() Hooks {
	if c.opts.Hooks == nil {
		return noHooks{}
	}
	return c.opts.Hooks
}

func (c *Controller) hook(ctx context.Context, name string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		c.logger.Warn("Workflow hook failed", logger.F("hook", name), logger.F("error", err))
	}
}

type noHooks struct{}

func (noHooks) OnStart(context.Context) error    { return nil }
func (noHooks) OnSuccess(context.Context) error  { return nil }
func (noHooks) OnFail(context.Context) error     { return nil }
func (noHooks) OnComplete(context.Context) error { return nil }
