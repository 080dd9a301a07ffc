package tracker

import (
	"time"

	"github.com/chr1sbest/pipetrack/internal/track"
)

// RunState is the mirror of one leader session: the run's overall status
// and the full per-tool table.
type RunState struct {
	RunUUID    string                      `json:"run_uuid"`
	WorkflowID string                      `json:"workflow_id,omitempty"`
	RunAttempt int                         `json:"run_attempt"`
	PID        int                         `json:"pid"`
	Status     string                      `json:"status"`
	StartedAt  time.Time                   `json:"started_at"`
	UpdatedAt  time.Time                   `json:"updated_at"`
	Polls      int                         `json:"polls"`
	LastError  string                      `json:"last_error,omitempty"`
	Tools      map[string]track.ToolStatus `json:"tools"`
}

// Overview counts the mirrored table per tool.
func (s *RunState) Overview() []track.ToolCounts {
	return track.Summarize(s.Tools)
}
