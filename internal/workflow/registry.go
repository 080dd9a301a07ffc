// Package workflow resolves a named workflow variant at start-up. A variant
// builds the engine command line and reacts to the run's transitions.
package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Params is what a variant needs to know about the run.
type Params struct {
	RunUUID      string
	ProjectID    string
	PipelineName string
	JobStore     string
	WorkDir      string
	LogDir       string
	OutputDir    string
	TmpDir       string
	BatchSystem  string
	EngineBinary string
	ExtraArgs    []string
	Restart      bool
	// Values holds variant specific settings from workflow.params.
	Values map[string]string
	Hooks  Hooks
}

// Hooks are shell commands run on workflow transitions. Empty commands are
// skipped.
type Hooks struct {
	OnStart    string
	OnSuccess  string
	OnFail     string
	OnComplete string
	Timeout    time.Duration
}

// Variant is one kind of workflow.
type Variant interface {
	Name() string
	Configure(p Params) error
	Command() ([]string, error)
	OnStart(ctx context.Context) error
	OnSuccess(ctx context.Context) error
	OnFail(ctx context.Context) error
	OnComplete(ctx context.Context) error
}

// Factory creates a new, unconfigured variant.
type Factory func() Variant

// Registry maps variant names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry holding the built-in variants.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("cwl", func() Variant { return &CWL{} })
	r.Register("command", func() Variant { return &Shell{} })
	return r
}

// Register adds a factory under name.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Resolve creates the variant called name and configures it.
func (r *Registry) Resolve(name string, p Params) (Variant, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q (known: %v)", name, r.Names())
	}
	v := factory()
	if err := v.Configure(p); err != nil {
		return nil, fmt.Errorf("configure workflow %s: %w", name, err)
	}
	return v, nil
}

// Names returns the registered variant names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
