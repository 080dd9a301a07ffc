// Package killsignal implements the termination signal file: the only
// channel through which another process asks a leader to cancel its run.
package killsignal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	// FileName is the termination signal file inside a run's log directory.
	FileName = "killed-by-user.json"
	// SubmissionFileName records who started the run.
	SubmissionFileName = "submitted-by-user.json"
)

// Request is the content of the termination signal file.
type Request struct {
	User         string    `json:"user"`
	Hostname     string    `json:"hostname"`
	Time         time.Time `json:"time"`
	ExitGraceful bool      `json:"exit_graceful"`
	ErrorMessage *string   `json:"error_message"`
}

// Rejected reports whether the requester was refused.
func (r *Request) Rejected() bool {
	return r.ErrorMessage != nil && *r.ErrorMessage != ""
}

// EventData is the payload of the registry "killed" event for a user kill.
func (r *Request) EventData() map[string]any {
	return map[string]any{
		"killed_by":     "user",
		"user":          r.User,
		"hostname":      r.Hostname,
		"time":          r.Time.Format(time.RFC3339),
		"exit_graceful": r.ExitGraceful,
	}
}

// Submission identifies the user and host that own a run.
type Submission struct {
	User        string    `json:"user"`
	Hostname    string    `json:"hostname"`
	Time        time.Time `json:"time"`
	RunUUID     string    `json:"run_uuid"`
	BatchSystem string    `json:"batch_system"`
	PID         int       `json:"pid"`
}

var (
	// ErrNoRequest means no termination signal file exists.
	ErrNoRequest = errors.New("no termination request")
	// ErrMalformed means the file exists but is not a valid request.
	ErrMalformed = errors.New("malformed termination request")
	// ErrNotOwner is returned when the requester does not own the run.
	ErrNotOwner = errors.New("requester does not own the run")
)

const requestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["user", "hostname", "time", "exit_graceful"],
  "properties": {
    "user": {"type": "string", "minLength": 1},
    "hostname": {"type": "string", "minLength": 1},
    "time": {"type": "string", "minLength": 1},
    "exit_graceful": {"type": "boolean"},
    "error_message": {"type": ["string", "null"]}
  }
}`

var schema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("killsignal.schema.json", strings.NewReader(requestSchema)); err != nil {
		panic(fmt.Sprintf("killsignal: bad embedded schema: %v", err))
	}
	return c.MustCompile("killsignal.schema.json")
}()

// Decode validates and parses a termination signal file.
func Decode(data []byte) (*Request, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &r, nil
}

// Read loads the termination signal file from logDir.
func Read(logDir string) (*Request, error) {
	data, err := os.ReadFile(filepath.Join(logDir, FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoRequest
		}
		return nil, err
	}
	return Decode(data)
}

// WriteSubmission records the owner of a run.
func WriteSubmission(logDir string, s Submission) error {
	return writeJSON(filepath.Join(logDir, SubmissionFileName), s)
}

// ReadSubmission loads the owner record of a run.
func ReadSubmission(logDir string) (*Submission, error) {
	data, err := os.ReadFile(filepath.Join(logDir, SubmissionFileName))
	if err != nil {
		return nil, err
	}
	var s Submission
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", SubmissionFileName, err)
	}
	return &s, nil
}

// Identity is the user and host of the current process.
func Identity() (string, string, error) {
	u, err := user.Current()
	if err != nil {
		return "", "", fmt.Errorf("current user: %w", err)
	}
	host, err := os.Hostname()
	if err != nil {
		return "", "", fmt.Errorf("hostname: %w", err)
	}
	return u.Username, host, nil
}

// Send writes a termination request for the run in logDir. When the run was
// submitted by another user or from another host the request is still
// written, with error_message set, and ErrNotOwner is returned.
func Send(logDir, userName, host string, force bool, now time.Time) (*Request, error) {
	req := &Request{
		User:         userName,
		Hostname:     host,
		Time:         now,
		ExitGraceful: !force,
	}

	sub, err := ReadSubmission(logDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if sub != nil {
		var msg string
		switch {
		case sub.User != userName:
			msg = fmt.Sprintf("%s cannot kill a run submitted by %s", userName, sub.User)
		case sub.Hostname != host:
			msg = fmt.Sprintf("cannot kill a run on %s from %s", sub.Hostname, host)
		}
		if msg != "" {
			req.ErrorMessage = &msg
		}
	}

	if err := writeJSON(filepath.Join(logDir, FileName), req); err != nil {
		return nil, err
	}
	if req.Rejected() {
		return req, fmt.Errorf("%w: %s", ErrNotOwner, *req.ErrorMessage)
	}
	return req, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
