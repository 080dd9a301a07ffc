package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/panics"

	"github.com/chr1sbest/pipetrack/internal/engine"
	"github.com/chr1sbest/pipetrack/internal/logger"
	"github.com/chr1sbest/pipetrack/internal/registry"
)

// cascade tears the run down in a fixed order: record the event, cancel
// the batch jobs the engine issued, cancel jobs only the batch system knows
// about, stop the engine, mark the run EXIT. Every step is best effort; a
// failing or panicking step is logged and the next one runs.
func (c *Controller) cascade(cause Cause, stopEngine context.CancelCauseFunc) {
	c.logger.Info("Cancelling run", logger.F("cause", cause.String()), logger.F("forced", cause.Forced()))

	system := ""
	if c.opts.Batch != nil {
		system = c.opts.Batch.Name()
	}

	c.step("record event", func(ctx context.Context) error {
		eventType, data := cause.Event(system)
		c.opts.Recorder.AddEvent(ctx, eventType, data)
		return nil
	})

	c.step("cancel issued jobs", func(ctx context.Context) error {
		if c.opts.Batch == nil || c.opts.Jobs == nil {
			return nil
		}
		snap, err := c.opts.Jobs.ReadOnce(ctx)
		if err != nil {
			return fmt.Errorf("read issued jobs: %w", err)
		}
		ids := snap.IssuedBatchJobs()
		for _, id := range ids {
			c.logger.Info("Killing job", logger.F("batch_job_id", id), logger.F("batch_system", system))
		}
		return c.opts.Batch.CancelIssued(ctx, ids)
	})

	c.step("cancel run jobs", func(ctx context.Context) error {
		if c.opts.Batch == nil || !c.opts.Batch.OutOfBand() {
			return nil
		}
		return c.opts.Batch.CancelRun(ctx, c.opts.Recorder.Run().UUID)
	})

	c.step("stop engine", func(ctx context.Context) error {
		if cause.Forced() {
			stopEngine(fmt.Errorf("%w: %w", engine.ErrForced, cause))
		} else {
			stopEngine(cause)
		}
		return nil
	})

	c.step("mark exit", func(ctx context.Context) error {
		c.transition(ctx, registry.StatusExit)
		return nil
	})
}

func (c *Controller) step(name string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.StepTimeout)
	defer cancel()

	start := time.Now()
	var err error
	if r := panics.Try(func() { err = fn(ctx) }); r != nil {
		err = r.AsError()
	}
	if err != nil {
		c.logger.Error("Cancellation step failed", logger.F("step", name), logger.F("error", err))
		return
	}
	c.logger.Debug("Cancellation step done", logger.F("step", name), logger.F("duration", time.Since(start)))
}
