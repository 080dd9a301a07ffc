// Package identity mints WorkUnitIds.
//
// A WorkUnitId is "<attempt>-<engine job id>-<retry>". The attempt prefix
// keeps ids from different run attempts apart; the retry suffix keeps the
// incarnations of one engine job apart inside an attempt.
package identity

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// WorkUnitID is the stable identifier of one incarnation of a work unit.
type WorkUnitID string

// Parts splits an id back into its components.
func (id WorkUnitID) Parts() (attempt int, engineJobID string, retry int, err error) {
	s := string(id)
	first := strings.Index(s, "-")
	last := strings.LastIndex(s, "-")
	if first <= 0 || last == first || last == len(s)-1 {
		return 0, "", 0, fmt.Errorf("malformed work unit id %q", s)
	}
	if attempt, err = strconv.Atoi(s[:first]); err != nil {
		return 0, "", 0, fmt.Errorf("malformed attempt in %q: %w", s, err)
	}
	if retry, err = strconv.Atoi(s[last+1:]); err != nil {
		return 0, "", 0, fmt.Errorf("malformed retry in %q: %w", s, err)
	}
	return attempt, s[first+1 : last], retry, nil
}

// Options fixes the inputs that do not change within one polling session.
type Options struct {
	// RunAttempt is the attempt counter persisted for the run.
	RunAttempt int
	// Restart is set when this polling session is itself a restart; the
	// prefix then moves to RunAttempt+1.
	Restart bool
	// DefaultRemaining is the remaining-retry-count the engine stamps on a
	// job's first retry. A fresh job carries DefaultRemaining+1.
	DefaultRemaining int
	// MaxDepth caps the retry suffix. With 1, every retry of a job shares
	// the suffix "1".
	MaxDepth int
}

// Resolver mints WorkUnitIds and remembers which engine jobs were seen
// retried during the current attempt. It is owned by the aggregator and is
// not safe for concurrent use.
type Resolver struct {
	opts    Options
	prefix  int
	retried map[string]int
}

// NewResolver creates a resolver for one polling session.
func NewResolver(opts Options) *Resolver {
	if opts.DefaultRemaining < 1 {
		opts.DefaultRemaining = 1
	}
	if opts.MaxDepth < 1 {
		opts.MaxDepth = 1
	}
	prefix := opts.RunAttempt
	if opts.Restart {
		prefix++
	}
	return &Resolver{opts: opts, prefix: prefix, retried: make(map[string]int)}
}

// Prefix is the attempt prefix used for every id this resolver mints.
func (r *Resolver) Prefix() int { return r.prefix }

// RetryIndex converts a remaining-retry-count into how many times the job
// has been retried. Fresh jobs are 0.
func (r *Resolver) RetryIndex(remaining int) int {
	idx := r.opts.DefaultRemaining + 1 - remaining
	if idx < 0 {
		return 0
	}
	return idx
}

// IsRetried reports whether remaining marks a retried incarnation.
func (r *Resolver) IsRetried(remaining int) bool {
	return r.RetryIndex(remaining) > 0
}

// RecordRetry remembers that engineJobID has been retried. Recording is
// monotonic: a lower index never replaces a higher one.
func (r *Resolver) RecordRetry(engineJobID string, remaining int) {
	idx := r.RetryIndex(remaining)
	if idx < 1 {
		idx = 1
	}
	if idx > r.retried[engineJobID] {
		r.retried[engineJobID] = idx
	}
}

// Retried reports whether engineJobID has been recorded as retried.
func (r *Resolver) Retried(engineJobID string) bool {
	_, ok := r.retried[engineJobID]
	return ok
}

// Resolve returns the id of the current incarnation of engineJobID.
func (r *Resolver) Resolve(engineJobID string) WorkUnitID {
	return r.format(engineJobID, r.suffix(engineJobID))
}

// Previous returns the id of the incarnation before the current one. For a
// job never seen retried it is the same as Resolve.
func (r *Resolver) Previous(engineJobID string) WorkUnitID {
	s := r.suffix(engineJobID) - 1
	if s < 0 {
		s = 0
	}
	return r.format(engineJobID, s)
}

// At returns the id of the incarnation with the given retry index, capped
// at the configured depth. It does not consult or change recorded retries.
func (r *Resolver) At(engineJobID string, retryIndex int) WorkUnitID {
	if retryIndex < 0 {
		retryIndex = 0
	}
	if retryIndex > r.opts.MaxDepth {
		retryIndex = r.opts.MaxDepth
	}
	return r.format(engineJobID, retryIndex)
}

func (r *Resolver) suffix(engineJobID string) int {
	idx := r.retried[engineJobID]
	if idx > r.opts.MaxDepth {
		return r.opts.MaxDepth
	}
	return idx
}

func (r *Resolver) format(engineJobID string, suffix int) WorkUnitID {
	return WorkUnitID(fmt.Sprintf("%d-%s-%d", r.prefix, engineJobID, suffix))
}

// ToolKey derives the logical tool name from an engine job name: the
// basename without its extension, with ASCII punctuation replaced by '_'.
func ToolKey(jobName string) string {
	base := filepath.Base(jobName)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.Map(func(r rune) rune {
		if r < 128 && strings.ContainsRune(punctuation, r) {
			return '_'
		}
		return r
	}, base)
}

const punctuation = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"
