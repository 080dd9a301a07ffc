package lifecycle

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/chr1sbest/pipetrack/internal/killsignal"
	"github.com/chr1sbest/pipetrack/internal/registry"
)

// State is the controller's position in its lifecycle.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateCancelling
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePolling:
		return "POLLING"
	case StateCancelling:
		return "CANCELLING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type stateBox struct{ v atomic.Int32 }

func (b *stateBox) load() State { return State(b.v.Load()) }

func (b *stateBox) store(s State) { b.v.Store(int32(s)) }

func (b *stateBox) advance(from, to State) bool {
	return b.v.CompareAndSwap(int32(from), int32(to))
}

// CauseKind says where a termination came from.
type CauseKind int

const (
	// CauseUser is a termination signal file.
	CauseUser CauseKind = iota
	// CauseSignal is an OS signal delivered to the leader.
	CauseSignal
	// CauseTrackingFailed means the reconciler could not continue.
	CauseTrackingFailed
)

// Cause describes why a run is being cancelled.
type Cause struct {
	Kind    CauseKind
	Request *killsignal.Request
	Signal  os.Signal
	Err     error
	At      time.Time
}

// UserCause builds the cause for an accepted termination request.
func UserCause(req *killsignal.Request) Cause {
	return Cause{Kind: CauseUser, Request: req, At: time.Now()}
}

// SignalCause builds the cause for an OS signal.
func SignalCause(sig os.Signal) Cause {
	return Cause{Kind: CauseSignal, Signal: sig, At: time.Now()}
}

// FailureCause builds the cause for a reconciler failure.
func FailureCause(err error) Cause {
	return Cause{Kind: CauseTrackingFailed, Err: err, At: time.Now()}
}

// Forced reports whether the engine is stopped without a grace period. Only
// a user request with exit_graceful=false forces.
func (c Cause) Forced() bool {
	return c.Kind == CauseUser && c.Request != nil && !c.Request.ExitGraceful
}

// Event returns the registry event type and payload for c.
func (c Cause) Event(batchSystem string) (string, map[string]any) {
	switch c.Kind {
	case CauseUser:
		return registry.EventKilled, c.Request.EventData()
	case CauseSignal:
		return registry.EventKilled, map[string]any{
			"killed_by":    "batch_system",
			"batch_system": batchSystem,
			"signal":       signalName(c.Signal),
			"time":         c.At.Format(time.RFC3339),
		}
	default:
		data := map[string]any{"time": c.At.Format(time.RFC3339)}
		if c.Err != nil {
			data["error"] = c.Err.Error()
		}
		return registry.EventTrackingFailed, data
	}
}

func (c Cause) String() string {
	switch c.Kind {
	case CauseUser:
		return fmt.Sprintf("killed by %s from %s", c.Request.User, c.Request.Hostname)
	case CauseSignal:
		return "received " + signalName(c.Signal)
	default:
		return fmt.Sprintf("tracking failed: %v", c.Err)
	}
}

func (c Cause) Error() string { return c.String() }

func signalName(sig os.Signal) string {
	if sig == nil {
		return "unknown"
	}
	switch sig.String() {
	case "interrupt":
		return "SIGINT"
	case "terminated":
		return "SIGTERM"
	}
	return sig.String()
}
