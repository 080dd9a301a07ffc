package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/chr1sbest/pipetrack/internal/resilience"
)

// Snapshot is one consistent read of the engine's persisted execution state.
type Snapshot struct {
	Version    int         `json:"version"`
	WorkflowID string      `json:"workflow_id"`
	RootJobID  string      `json:"root_job_id,omitempty"`
	WrittenAt  time.Time   `json:"written_at"`
	Jobs       []JobRecord `json:"jobs"`
}

// JobRecord is one engine job in the execution graph.
type JobRecord struct {
	EngineJobID         string          `json:"engine_job_id"`
	Name                string          `json:"name"`
	RemainingRetryCount int             `json:"remaining_retry_count"`
	Failed              bool            `json:"failed,omitempty"`
	Active              bool            `json:"active,omitempty"`
	Reservation         Reservation     `json:"reservation"`
	ProgressStream      string          `json:"progress_stream,omitempty"`
	BatchJobID          string          `json:"batch_job_id,omitempty"`
	Info                json.RawMessage `json:"info,omitempty"`
}

// Reservation is what the engine asked the batch system for.
type Reservation struct {
	DiskBytes   int64   `json:"disk_bytes"`
	MemoryBytes int64   `json:"memory_bytes"`
	Cores       float64 `json:"cores"`
}

// DiskGB and MemoryGB report the reservation in decimal gigabytes.
func (r Reservation) DiskGB() float64   { return float64(r.DiskBytes) / 1e9 }
func (r Reservation) MemoryGB() float64 { return float64(r.MemoryBytes) / 1e9 }

// Failed returns the records the engine holds a failure for.
func (s *Snapshot) Failed() []JobRecord {
	return s.filter(func(j JobRecord) bool { return j.Failed })
}

// Active returns the records in the engine's currently-active set.
func (s *Snapshot) Active() []JobRecord {
	return s.filter(func(j JobRecord) bool { return j.Active })
}

// IssuedBatchJobs lists the batch-system ids of every active job.
func (s *Snapshot) IssuedBatchJobs() []string {
	var ids []string
	seen := make(map[string]struct{})
	for _, j := range s.Jobs {
		if !j.Active || j.BatchJobID == "" {
			continue
		}
		if _, dup := seen[j.BatchJobID]; dup {
			continue
		}
		seen[j.BatchJobID] = struct{}{}
		ids = append(ids, j.BatchJobID)
	}
	return ids
}

// Has reports whether engineJobID is present in the snapshot.
func (s *Snapshot) Has(engineJobID string) bool {
	for _, j := range s.Jobs {
		if j.EngineJobID == engineJobID {
			return true
		}
	}
	return false
}

func (s *Snapshot) filter(keep func(JobRecord) bool) []JobRecord {
	var out []JobRecord
	for _, j := range s.Jobs {
		if keep(j) {
			out = append(out, j)
		}
	}
	return out
}

var (
	// ErrNotReady means the engine has not produced a readable state yet.
	ErrNotReady = errors.New("engine state not ready")
	// ErrSchemaVersion means the state was written in a layout this build
	// does not understand.
	ErrSchemaVersion = errors.New("unsupported snapshot schema version")
	// ErrInvalid means the state is complete but structurally wrong.
	ErrInvalid = errors.New("invalid snapshot")
)

const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version", "jobs"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "workflow_id": {"type": "string"},
    "root_job_id": {"type": "string"},
    "jobs": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["engine_job_id", "name", "remaining_retry_count"],
        "properties": {
          "engine_job_id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "remaining_retry_count": {"type": "integer", "minimum": 0},
          "failed": {"type": "boolean"},
          "active": {"type": "boolean"},
          "progress_stream": {"type": "string"},
          "batch_job_id": {"type": "string"}
        }
      }
    }
  }
}`

var envelope = mustCompile("snapshot.schema.json", envelopeSchema)

func mustCompile(name, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("snapshot: bad embedded schema: %v", err))
	}
	return c.MustCompile(name)
}

// Decode parses raw engine state. Errors carry their retry class: empty or
// truncated input and a missing root job are transient, everything else is
// permanent.
func Decode(data []byte, wantVersion int) (*Snapshot, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, resilience.NewTransientError(fmt.Errorf("%w: empty state", ErrNotReady))
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		var syn *json.SyntaxError
		if errors.As(err, &syn) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, resilience.NewTransientError(fmt.Errorf("%w: partial write: %v", ErrNotReady, err))
		}
		return nil, resilience.NewPermanentError(fmt.Errorf("%w: %v", ErrInvalid, err))
	}
	if err := envelope.Validate(doc); err != nil {
		return nil, resilience.NewPermanentError(fmt.Errorf("%w: %v", ErrInvalid, err))
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, resilience.NewPermanentError(fmt.Errorf("%w: %v", ErrInvalid, err))
	}
	if snap.Version != wantVersion {
		return nil, resilience.NewPermanentError(fmt.Errorf("%w: got %d, want %d", ErrSchemaVersion, snap.Version, wantVersion))
	}
	if snap.RootJobID != "" && !snap.Has(snap.RootJobID) {
		return nil, resilience.NewTransientError(fmt.Errorf("%w: root job %s not written yet", ErrNotReady, snap.RootJobID))
	}
	return &snap, nil
}
