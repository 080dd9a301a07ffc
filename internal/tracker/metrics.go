package tracker

import (
	"encoding/json"
	"os"
	"time"
)

// PollMetrics accumulates counters over every poll of a run.
type PollMetrics struct {
	RunUUID             string     `json:"run_uuid"`
	StartedAt           time.Time  `json:"started_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	Polls               int        `json:"polls"`
	Transitions         int        `json:"transitions"`
	StatsFilesProcessed int        `json:"stats_files_processed"`
	HeartbeatsResolved  int        `json:"heartbeats_resolved"`
	LastPollMillis      int64      `json:"last_poll_ms"`
}

// PollDelta is what one poll adds to the metrics.
type PollDelta struct {
	Transitions        int
	StatsFiles         int
	HeartbeatsResolved int
	Duration           time.Duration
}

func (w *Writer) LoadMetrics() (*PollMetrics, error) {
	b, err := os.ReadFile(w.MetricsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var m PollMetrics
	if err := json.Unmarshal(b, &m); err != nil {
		// Corrupted metrics file: treat as no metrics.
		return nil, nil
	}
	return &m, nil
}

func (w *Writer) SaveMetrics(m *PollMetrics) error {
	return writeJSONAtomic(w.MetricsPath, m)
}

// LoadOrInitMetrics returns the metrics of runUUID, starting fresh when the
// file belongs to another run.
func (w *Writer) LoadOrInitMetrics(runUUID string) (*PollMetrics, error) {
	m, err := w.LoadMetrics()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if m == nil || m.RunUUID != runUUID {
		m = &PollMetrics{RunUUID: runUUID, StartedAt: now}
	}
	m.UpdatedAt = now
	return m, nil
}

// RecordPoll adds one poll to the metrics of runUUID.
func (w *Writer) RecordPoll(runUUID string, d PollDelta) error {
	m, err := w.LoadOrInitMetrics(runUUID)
	if err != nil {
		return err
	}
	m.Polls++
	m.Transitions += d.Transitions
	m.StatsFilesProcessed += d.StatsFiles
	m.HeartbeatsResolved += d.HeartbeatsResolved
	m.LastPollMillis = d.Duration.Milliseconds()
	return w.SaveMetrics(m)
}

func (w *Writer) MarkComplete(runUUID string) error {
	m, err := w.LoadOrInitMetrics(runUUID)
	if err != nil {
		return err
	}
	if m.CompletedAt == nil {
		now := time.Now()
		m.CompletedAt = &now
	}
	return w.SaveMetrics(m)
}
