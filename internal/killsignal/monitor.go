package killsignal

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/chr1sbest/pipetrack/internal/logger"
)

// Monitor checks a log directory for a termination request once per call.
// Malformed and rejected files are logged once per distinct content and
// otherwise ignored, so a fixed file is picked up on a later check.
type Monitor struct {
	path   string
	logger logger.Logger
	logged map[[32]byte]struct{}
}

// NewMonitor watches logDir/killed-by-user.json.
func NewMonitor(logDir string, log logger.Logger) *Monitor {
	return &Monitor{
		path:   filepath.Join(logDir, FileName),
		logger: logger.Component(log, "killsignal"),
		logged: make(map[[32]byte]struct{}),
	}
}

// Path is the file being checked.
func (m *Monitor) Path() string { return m.path }

// Check returns the pending request, if there is an acceptable one.
func (m *Monitor) Check() (*Request, bool) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("Cannot read termination request", logger.F("path", m.path), logger.F("error", err))
		}
		return nil, false
	}

	req, err := Decode(data)
	if err != nil {
		if m.first(data) {
			m.logger.Warn("Ignoring malformed termination request", logger.F("path", m.path), logger.F("error", err))
		}
		return nil, false
	}
	if req.Rejected() {
		if m.first(data) {
			m.logger.Warn("Ignoring rejected termination request",
				logger.F("user", req.User),
				logger.F("hostname", req.Hostname),
				logger.F("reason", *req.ErrorMessage),
			)
		}
		return nil, false
	}
	return req, true
}

func (m *Monitor) first(data []byte) bool {
	sum := blake3.Sum256(data)
	if _, seen := m.logged[sum]; seen {
		return false
	}
	m.logged[sum] = struct{}{}
	return true
}
