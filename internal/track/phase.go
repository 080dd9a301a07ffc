package track

import (
	"fmt"
	"time"

	"github.com/chr1sbest/pipetrack/internal/identity"
)

// Phase is the classification of a work unit. Phases only move forward.
type Phase int

const (
	PhaseNone Phase = iota
	PhasePending
	PhaseRunning
	PhaseDone
	PhaseExit
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "PENDING"
	case PhaseRunning:
		return "RUNNING"
	case PhaseDone:
		return "DONE"
	case PhaseExit:
		return "EXIT"
	default:
		return "NONE"
	}
}

// Terminal reports whether p is DONE or EXIT.
func (p Phase) Terminal() bool { return p == PhaseDone || p == PhaseExit }

var messageFormats = map[Phase]string{
	PhasePending: "%s( ID: %s ) is now pending",
	PhaseRunning: "%s( ID: %s ) is now running",
	PhaseDone:    "%s( ID: %s ) has finished",
	PhaseExit:    "%s( ID: %s ) has exited",
}

// Message renders the operator line for a unit entering p.
func Message(tool string, id identity.WorkUnitID, p Phase) string {
	format, ok := messageFormats[p]
	if !ok {
		return ""
	}
	return fmt.Sprintf(format, tool, id)
}

// Change is one entry of a status_change set.
type Change struct {
	Tool    string
	ID      identity.WorkUnitID
	From    Phase
	To      Phase
	Message string
	At      time.Time
	Worker  WorkerProgress
}
