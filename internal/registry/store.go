package registry

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for an unknown run.
var ErrNotFound = errors.New("not found")

// Store persists registry documents. Every write is an upsert keyed by the
// document's natural key, so repeating a write is harmless.
type Store interface {
	PutRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, uuid string) (*Run, error)
	ListRuns(ctx context.Context) ([]Run, error)

	PutWorkUnits(ctx context.Context, units []WorkUnit) error
	GetWorkUnit(ctx context.Context, runUUID, id string) (*WorkUnit, error)
	ListWorkUnits(ctx context.Context, runUUID string) ([]WorkUnit, error)
	// SettleWorkUnits moves every PENDING or RUNNING unit of a run to status.
	SettleWorkUnits(ctx context.Context, runUUID string, status Status, at time.Time) (int, error)

	AddEvent(ctx context.Context, ev UserEvent) error
	ListEvents(ctx context.Context, runUUID string) ([]UserEvent, error)

	Close() error
}
