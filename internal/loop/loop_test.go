package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chr1sbest/pipetrack/internal/identity"
	"github.com/chr1sbest/pipetrack/internal/killsignal"
	"github.com/chr1sbest/pipetrack/internal/logger"
	"github.com/chr1sbest/pipetrack/internal/registry"
	"github.com/chr1sbest/pipetrack/internal/snapshot"
	"github.com/chr1sbest/pipetrack/internal/track"
	"github.com/chr1sbest/pipetrack/internal/tracker"
)

// scriptedReader returns its snapshots in order, then repeats the last one.
type scriptedReader struct {
	mu    sync.Mutex
	snaps []*snapshot.Snapshot
	err   error
	calls int
}

func (r *scriptedReader) Resume(ctx context.Context) (*snapshot.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	i := r.calls - 1
	if i >= len(r.snaps) {
		i = len(r.snaps) - 1
	}
	return r.snaps[i], nil
}

type fakePublisher struct {
	pushes  int
	changes []track.Change
}

func (p *fakePublisher) Push(ctx context.Context, workflowID string, changes []track.Change, overview []track.ToolCounts) {
	p.pushes++
	p.changes = append(p.changes, changes...)
}

func (p *fakePublisher) Run() registry.Run {
	return registry.Run{UUID: "run-1", RunAttempt: 0, Status: registry.StatusRunning}
}

type fakeKill struct{ req *killsignal.Request }

func (k *fakeKill) Check() (*killsignal.Request, bool) { return k.req, k.req != nil }

func record(id string, active bool) snapshot.JobRecord {
	return snapshot.JobRecord{
		EngineJobID:         id,
		Name:                "/cwl/align.cwl",
		RemainingRetryCount: 2,
		Active:              active,
	}
}

func snapOf(jobs ...snapshot.JobRecord) *snapshot.Snapshot {
	return &snapshot.Snapshot{Version: 1, WorkflowID: "wf-1", Jobs: jobs}
}

func newAggregator() *track.Aggregator {
	return track.New(track.Options{
		Identity: identity.Options{DefaultRemaining: 1, MaxDepth: 1},
	}, logger.NewNoopLogger())
}

func TestRunOncePublishesAndMirrors(t *testing.T) {
	dir := t.TempDir()
	reader := &scriptedReader{snaps: []*snapshot.Snapshot{
		snapOf(record("1", true), record("2", true)),
		snapOf(record("1", true), record("2", false)),
	}}
	pub := &fakePublisher{}
	var seen [][]track.Change
	l := New(Options{
		Reader:     reader,
		Aggregator: newAggregator(),
		Publisher:  pub,
		Mirror:     tracker.NewWriter(dir),
		OnChanges:  func(c []track.Change) { seen = append(seen, c) },
	}, logger.NewNoopLogger())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := l.RunOnce(ctx); err != nil {
			t.Fatalf("poll %d: %v", i+1, err)
		}
	}

	if pub.pushes != 3 {
		t.Errorf("pushes = %d, want 3", pub.pushes)
	}
	if len(pub.changes) != 3 {
		t.Fatalf("changes = %+v, want two pending and one done", pub.changes)
	}
	if last := pub.changes[2]; last.ID != "0-2-0" || last.To != track.PhaseDone {
		t.Errorf("last change = %+v", last)
	}
	if len(seen) != 2 {
		t.Errorf("OnChanges called %d times, want 2 (the idle poll is silent)", len(seen))
	}

	w := tracker.NewWriter(dir)
	rs, err := w.LoadRunState()
	if err != nil || rs == nil {
		t.Fatalf("LoadRunState = %v, %v", rs, err)
	}
	if rs.RunUUID != "run-1" || rs.Polls != 3 || rs.WorkflowID != "wf-1" {
		t.Errorf("mirror = %+v", rs)
	}
	m, _ := w.LoadMetrics()
	if m == nil || m.Polls != 3 || m.Transitions != 3 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestRunOnceReportsKillRequest(t *testing.T) {
	req := &killsignal.Request{User: "ana", ExitGraceful: false}
	var got []*killsignal.Request
	l := New(Options{
		Reader:     &scriptedReader{snaps: []*snapshot.Snapshot{snapOf()}},
		Aggregator: newAggregator(),
		Kill:       &fakeKill{req: req},
		OnKill:     func(r *killsignal.Request) { got = append(got, r) },
	}, logger.NewNoopLogger())

	for i := 0; i < 2; i++ {
		if err := l.RunOnce(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if len(got) != 2 || got[0] != req {
		t.Errorf("OnKill calls = %d", len(got))
	}
}

func TestRunStopsOnFatalReadError(t *testing.T) {
	fatal := fmt.Errorf("%w after 3 attempt(s)", snapshot.ErrResumeExhausted)
	l := New(Options{
		Reader:     &scriptedReader{err: fatal},
		Aggregator: newAggregator(),
		Interval:   time.Millisecond,
	}, logger.NewNoopLogger())

	err := l.Run(context.Background())
	if !Fatal(err) {
		t.Fatalf("Run err = %v, want a fatal snapshot error", err)
	}
	if !errors.Is(l.State().LastError, snapshot.ErrResumeExhausted) {
		t.Errorf("state error = %v", l.State().LastError)
	}
}

func TestRunReturnsNilOnCancel(t *testing.T) {
	reader := &scriptedReader{snaps: []*snapshot.Snapshot{snapOf(record("1", true))}}
	wake := make(chan struct{}, 1)
	l := New(Options{
		Reader:     reader,
		Aggregator: newAggregator(),
		Interval:   time.Hour,
		Wake:       wake,
	}, logger.NewNoopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	wake <- struct{}{}
	deadline := time.After(5 * time.Second)
	for {
		reader.mu.Lock()
		calls := reader.calls
		reader.mu.Unlock()
		if calls >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("wake did not trigger a second poll")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run err = %v, want nil on cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// waitingReader never finds engine state; it returns only when ctx ends.
type waitingReader struct {
	entered chan struct{}
	once    sync.Once
}

func (r *waitingReader) Resume(ctx context.Context) (*snapshot.Snapshot, error) {
	r.once.Do(func() { close(r.entered) })
	<-ctx.Done()
	return nil, ctx.Err()
}

// laterKill reports a request from its nth check on.
type laterKill struct {
	mu     sync.Mutex
	checks int
	from   int
}

func (k *laterKill) Check() (*killsignal.Request, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.checks++
	if k.checks < k.from {
		return nil, false
	}
	return &killsignal.Request{User: "alice", ExitGraceful: true}, true
}

func TestKillHonouredWhileWaitingForState(t *testing.T) {
	reader := &waitingReader{entered: make(chan struct{})}
	kill := &laterKill{from: 2}
	wake := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	killed := make(chan *killsignal.Request, 1)
	l := New(Options{
		Reader:     reader,
		Aggregator: newAggregator(),
		Kill:       kill,
		Interval:   time.Hour,
		Wake:       wake,
		OnKill: func(req *killsignal.Request) {
			select {
			case killed <- req:
			default:
			}
			cancel()
		},
	}, logger.NewNoopLogger())

	errCh := make(chan error, 1)
	go func() { errCh <- l.RunOnce(ctx) }()

	<-reader.entered
	wake <- struct{}{}

	select {
	case req := <-killed:
		if req.User != "alice" {
			t.Errorf("request = %+v", req)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("termination request was not seen while engine state was missing")
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("RunOnce = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunOnce did not return after cancellation")
	}

	kill.mu.Lock()
	defer kill.mu.Unlock()
	if kill.checks != 2 {
		t.Errorf("kill checks = %d, want 2", kill.checks)
	}
}
