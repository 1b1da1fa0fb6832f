package scheduler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/distbuild/internal/events"
	"github.com/aristath/distbuild/internal/graph"
	"github.com/aristath/distbuild/internal/logging"
	"github.com/aristath/distbuild/internal/pool"
	"github.com/aristath/distbuild/internal/protocol"
	"github.com/aristath/distbuild/internal/worker"
)

// Behaviours understood by scriptedExecutor, passed as the descriptor's first argument.
const (
	behaveOK     = "ok"
	behaveFail   = "fail"   // exit code 2
	behaveHang   = "hang"   // runs until cancelled
	behaveOutput = "output" // stdout, stderr, stdout, exit 0
	behaveSlow   = "slow"   // 20ms then exit 0
	behaveLate   = "late"   // exit 2 once a hang task is running
)

// scriptedExecutor stands in for the process executor.
type scriptedExecutor struct {
	mu         sync.Mutex
	calls      map[string]int
	running    int
	maxRunning int

	hanging     chan struct{}
	hangingOnce sync.Once
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{calls: make(map[string]int), hanging: make(chan struct{})}
}

func (s *scriptedExecutor) Execute(ctx context.Context, peer netip.Addr, d graph.Descriptor) iter.Seq2[protocol.ProcessResponse, error] {
	var name, behaviour string
	switch v := d.(type) {
	case graph.LocalDescriptor:
		name, behaviour = v.Path, v.Arguments[0]
	case graph.RemoteDescriptor:
		name, behaviour = v.ToolExecutable, v.Arguments[0]
	}

	return func(yield func(protocol.ProcessResponse, error) bool) {
		s.mu.Lock()
		s.calls[name]++
		s.running++
		if s.running > s.maxRunning {
			s.maxRunning = s.running
		}
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			s.running--
			s.mu.Unlock()
		}()

		switch behaviour {
		case behaveOK:
			yield(protocol.Exit(0), nil)
		case behaveFail:
			yield(protocol.Exit(2), nil)
		case behaveHang:
			s.hangingOnce.Do(func() { close(s.hanging) })
			<-ctx.Done()
			yield(protocol.ProcessResponse{}, ctx.Err())
		case behaveOutput:
			for _, r := range []protocol.ProcessResponse{protocol.Stdout("first"), protocol.Stderr("warning"), protocol.Stdout("second")} {
				if !yield(r, nil) {
					return
				}
			}
			yield(protocol.Exit(0), nil)
		case behaveLate:
			select {
			case <-s.hanging:
				yield(protocol.Exit(2), nil)
			case <-ctx.Done():
				yield(protocol.ProcessResponse{}, ctx.Err())
			}
		case behaveSlow:
			select {
			case <-time.After(20 * time.Millisecond):
				yield(protocol.Exit(0), nil)
			case <-ctx.Done():
				yield(protocol.ProcessResponse{}, ctx.Err())
			}
		}
	}
}

func (s *scriptedExecutor) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *scriptedExecutor) MaxRunning() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRunning
}

type taskSpec struct {
	name      string
	behaviour string
	deps      []string
	remote    bool
}

func buildGraph(t *testing.T, specs ...taskSpec) *graph.Graph {
	t.Helper()
	b := graph.NewBuilder()
	for _, s := range specs {
		var desc graph.Descriptor = graph.LocalDescriptor{Path: s.name, Arguments: []string{s.behaviour}}
		if s.remote {
			desc = graph.RemoteDescriptor{ToolName: "tool", ToolExecutable: s.name, Arguments: []string{s.behaviour}}
		}
		if err := b.AddTask(graph.Task{Name: s.name, Caption: "Run " + s.name, Descriptor: desc}, s.deps...); err != nil {
			t.Fatalf("AddTask(%s): %v", s.name, err)
		}
	}
	g, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

func newTestPool(t *testing.T, exec *scriptedExecutor, cores int) *pool.LocalPool {
	t.Helper()
	p := pool.NewLocalPool(worker.New("test-worker", exec, logging.Discard()), cores, logging.Discard())
	t.Cleanup(func() { p.Close() })
	return p
}

func newTestExecutor() *GraphExecutor {
	return NewGraphExecutor(Options{Logger: logging.Discard()})
}

// run executes g with a timeout so a scheduler deadlock fails the test instead of hanging it.
func run(t *testing.T, p pool.Pool, g *graph.Graph) (*JobResult, *events.Collector) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sink := &events.Collector{}
	type outcome struct {
		result *JobResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := newTestExecutor().Execute(ctx, p, g, sink)
		done <- outcome{r, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			t.Fatalf("Execute failed: %v", o.err)
		}
		return o.result, sink
	case <-time.After(15 * time.Second):
		t.Fatal("Execute did not return")
		return nil, nil
	}
}

// checkEventStream verifies the structural guarantees every run must satisfy:
// starts and completions pair up, output sits between them, and exactly one
// JobComplete is the final event.
func checkEventStream(t *testing.T, g *graph.Graph, c *events.Collector) {
	t.Helper()
	evs := c.Events()
	if len(evs) == 0 {
		t.Fatal("no events recorded")
	}

	started := make(map[string]int)
	completed := make(map[string]int)
	jobs := 0
	for i, e := range evs {
		switch ev := e.(type) {
		case events.TaskStartedEvent:
			if started[ev.ID] > 0 {
				t.Errorf("task %s started twice", ev.ID)
			}
			started[ev.ID] = i + 1
		case events.TaskOutputEvent:
			if started[ev.ID] == 0 || completed[ev.ID] > 0 {
				t.Errorf("output for %s outside its start/completion window", ev.ID)
			}
		case events.TaskCompletedEvent:
			if started[ev.ID] == 0 {
				t.Errorf("task %s completed without starting", ev.ID)
			}
			if completed[ev.ID] > 0 {
				t.Errorf("task %s completed twice", ev.ID)
			}
			completed[ev.ID] = i + 1
		case events.JobCompleteEvent:
			jobs++
			if i != len(evs)-1 {
				t.Errorf("JobComplete at position %d of %d, expected last", i, len(evs))
			}
		}
	}
	if jobs != 1 {
		t.Errorf("expected exactly one JobComplete, got %d", jobs)
	}
	for id := range started {
		if completed[id] == 0 {
			t.Errorf("task %s started but never completed", id)
		}
	}

	// A task never starts before all of its dependencies completed successfully
	done := c.Completed()
	for id, pos := range started {
		task, _ := g.Task(id)
		for _, dep := range g.DependsOn(task) {
			if completed[dep.Name] == 0 || completed[dep.Name] > pos {
				t.Errorf("%s started before dependency %s completed", id, dep.Name)
				continue
			}
			if done[dep.Name].Status != events.StatusSuccess {
				t.Errorf("%s started although dependency %s did not succeed", id, dep.Name)
			}
		}
	}
}

func TestExecuteDiamond(t *testing.T) {
	exec := newScriptedExecutor()
	g := buildGraph(t,
		taskSpec{name: "A", behaviour: behaveOK},
		taskSpec{name: "B", behaviour: behaveSlow, deps: []string{"A"}},
		taskSpec{name: "C", behaviour: behaveOK, deps: []string{"A"}},
		taskSpec{name: "D", behaviour: behaveOK, deps: []string{"B", "C"}},
	)

	result, sink := run(t, newTestPool(t, exec, 4), g)
	checkEventStream(t, g, sink)

	if result.Status != events.JobSuccess {
		t.Fatalf("expected job success, got %s (cause %v)", result.Status, result.Cause)
	}
	if result.Cause != nil {
		t.Errorf("expected no cause on success, got %v", result.Cause)
	}
	if len(result.Tasks) != 4 || result.Count(events.StatusSuccess) != 4 {
		t.Errorf("expected 4 successful tasks, got %+v", result.Tasks)
	}
	if result.ID == "" {
		t.Error("expected a job ID")
	}
	job, _ := sink.Job()
	if job.Status != events.JobSuccess || job.JobID != result.ID {
		t.Errorf("unexpected JobComplete %+v", job)
	}
	for _, name := range []string{"A", "B", "C", "D"} {
		if exec.Calls(name) != 1 {
			t.Errorf("expected %s to execute once, got %d", name, exec.Calls(name))
		}
	}

	start := sink.Started()["A"]
	if start.WorkerName != "test-worker" || start.WorkerCore < 1 || start.DisplayName != "Run A" {
		t.Errorf("unexpected start event %+v", start)
	}
}

func TestExecuteLinearChainFailure(t *testing.T) {
	exec := newScriptedExecutor()
	g := buildGraph(t,
		taskSpec{name: "A", behaviour: behaveOK},
		taskSpec{name: "B", behaviour: behaveFail, deps: []string{"A"}},
		taskSpec{name: "C", behaviour: behaveOK, deps: []string{"B"}},
	)

	result, sink := run(t, newTestPool(t, exec, 2), g)
	checkEventStream(t, g, sink)

	if result.Status != events.JobFailure {
		t.Fatalf("expected job failure, got %s", result.Status)
	}
	done := sink.Completed()
	if done["A"].Status != events.StatusSuccess {
		t.Errorf("expected A success, got %s", done["A"].Status)
	}
	if done["B"].Status != events.StatusFailure || done["B"].ExitCode != 2 {
		t.Errorf("expected B failure with exit 2, got %+v", done["B"])
	}
	if _, ok := sink.Started()["C"]; ok || exec.Calls("C") != 0 {
		t.Error("C must never start after B failed")
	}
	if result.Cause == nil || !strings.Contains(result.Cause.Error(), "B") {
		t.Errorf("expected cause to name B, got %v", result.Cause)
	}
}

func TestExecuteDisconnectedGraph(t *testing.T) {
	exec := newScriptedExecutor()
	g := buildGraph(t,
		taskSpec{name: "A1", behaviour: behaveOK},
		taskSpec{name: "A2", behaviour: behaveOK, deps: []string{"A1"}},
		taskSpec{name: "B1", behaviour: behaveSlow},
		taskSpec{name: "B2", behaviour: behaveOK, deps: []string{"B1"}},
		taskSpec{name: "lone", behaviour: behaveOK},
	)

	result, sink := run(t, newTestPool(t, exec, 3), g)
	checkEventStream(t, g, sink)

	if result.Status != events.JobSuccess || result.Count(events.StatusSuccess) != 5 {
		t.Errorf("expected all 5 tasks to succeed, got %s with %+v", result.Status, result.Tasks)
	}
}

func TestExecuteUnschedulable(t *testing.T) {
	tests := []struct {
		name  string
		specs []taskSpec
	}{
		{name: "empty graph"},
		{name: "all tasks in a cycle", specs: []taskSpec{
			{name: "X", behaviour: behaveOK, deps: []string{"Y"}},
			{name: "Y", behaviour: behaveOK, deps: []string{"X"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newScriptedExecutor()
			sink := &events.Collector{}
			result, err := newTestExecutor().Execute(context.Background(), newTestPool(t, exec, 1), buildGraph(t, tt.specs...), sink)
			if !errors.Is(err, ErrUnschedulable) {
				t.Fatalf("expected ErrUnschedulable, got %v", err)
			}
			if result != nil {
				t.Errorf("expected no result, got %+v", result)
			}
			if n := len(sink.Events()); n != 0 {
				t.Errorf("expected no events, got %d", n)
			}
		})
	}
}

func TestExecuteCycleBesideRootDoesNotHang(t *testing.T) {
	exec := newScriptedExecutor()
	g := buildGraph(t,
		taskSpec{name: "root", behaviour: behaveOK},
		taskSpec{name: "X", behaviour: behaveOK, deps: []string{"root", "Y"}},
		taskSpec{name: "Y", behaviour: behaveOK, deps: []string{"X"}},
	)

	result, sink := run(t, newTestPool(t, exec, 2), g)
	checkEventStream(t, g, sink)

	if result.Status != events.JobFailure {
		t.Fatalf("expected job failure, got %s", result.Status)
	}
	if sink.Completed()["root"].Status != events.StatusSuccess {
		t.Error("expected the reachable root to run")
	}
	if !errors.Is(result.Cause, ErrStalled) {
		t.Errorf("expected ErrStalled cause, got %v", result.Cause)
	}
}

func TestExecuteFailureCancelsRunningTasks(t *testing.T) {
	exec := newScriptedExecutor()
	g := buildGraph(t,
		taskSpec{name: "hang", behaviour: behaveHang},
		taskSpec{name: "fail", behaviour: behaveLate},
		taskSpec{name: "after", behaviour: behaveOK, deps: []string{"hang"}},
	)

	result, sink := run(t, newTestPool(t, exec, 2), g)
	checkEventStream(t, g, sink)

	if result.Status != events.JobFailure {
		t.Fatalf("expected job failure, got %s", result.Status)
	}
	done := sink.Completed()
	if done["fail"].Status != events.StatusFailure {
		t.Errorf("expected fail to fail, got %s", done["fail"].Status)
	}
	if done["hang"].Status != events.StatusCancelled {
		t.Errorf("expected hang to be cancelled, got %s (%s)", done["hang"].Status, done["hang"].ExceptionMessage)
	}
	if _, ok := done["after"]; ok {
		t.Error("dependent of a cancelled task must not run")
	}
}

func TestExecuteCallerCancellation(t *testing.T) {
	exec := newScriptedExecutor()
	g := buildGraph(t, taskSpec{name: "hang", behaviour: behaveHang})
	p := newTestPool(t, exec, 1)

	ctx, cancel := context.WithCancel(context.Background())
	sink := &events.Collector{}
	done := make(chan *JobResult, 1)
	go func() {
		r, err := newTestExecutor().Execute(ctx, p, g, sink)
		if err != nil {
			t.Errorf("Execute failed: %v", err)
		}
		done <- r
	}()

	deadline := time.Now().Add(5 * time.Second)
	for exec.Calls("hang") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case result := <-done:
		if result.Status != events.JobFailure {
			t.Errorf("expected job failure, got %s", result.Status)
		}
		if result.Tasks["hang"].Status != events.StatusCancelled {
			t.Errorf("expected cancelled task, got %s", result.Tasks["hang"].Status)
		}
		checkEventStream(t, g, sink)
	case <-time.After(10 * time.Second):
		t.Fatal("Execute did not return after cancellation")
	}
}

func TestExecuteStreamsOutput(t *testing.T) {
	exec := newScriptedExecutor()
	g := buildGraph(t, taskSpec{name: "compile", behaviour: behaveOutput})

	_, sink := run(t, newTestPool(t, exec, 1), g)
	checkEventStream(t, g, sink)

	var lines []events.TaskOutputEvent
	for _, e := range sink.Events() {
		if o, ok := e.(events.TaskOutputEvent); ok {
			lines = append(lines, o)
		}
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 output lines, got %d", len(lines))
	}
	want := []struct {
		line   string
		stream events.OutputStream
	}{{"first", events.StreamStdout}, {"warning", events.StreamStderr}, {"second", events.StreamStdout}}
	for i, w := range want {
		if lines[i].Line != w.line || lines[i].Stream != w.stream {
			t.Errorf("line %d: expected %q on %s, got %q on %s", i, w.line, w.stream, lines[i].Line, lines[i].Stream)
		}
	}
}

func TestExecuteIdempotentSchedulingUnderConcurrentCompletions(t *testing.T) {
	// Many roots completing at once all unlock the same join task
	var specs []taskSpec
	var deps []string
	for i := 0; i < 50; i++ {
		name := fmt.Sprintf("leaf-%02d", i)
		specs = append(specs, taskSpec{name: name, behaviour: behaveOK})
		deps = append(deps, name)
	}
	specs = append(specs, taskSpec{name: "join", behaviour: behaveOK, deps: deps})
	specs = append(specs, taskSpec{name: "final", behaviour: behaveOK, deps: []string{"join", "leaf-00"}})
	g := buildGraph(t, specs...)

	for round := 0; round < 5; round++ {
		exec := newScriptedExecutor()
		result, sink := run(t, newTestPool(t, exec, 16), g)
		checkEventStream(t, g, sink)

		if result.Status != events.JobSuccess {
			t.Fatalf("round %d: expected success, got %s (%v)", round, result.Status, result.Cause)
		}
		if exec.Calls("join") != 1 || exec.Calls("final") != 1 {
			t.Fatalf("round %d: join ran %d times, final ran %d times", round, exec.Calls("join"), exec.Calls("final"))
		}
	}
}

func TestExecuteConcurrencyBoundedByPool(t *testing.T) {
	exec := newScriptedExecutor()
	var specs []taskSpec
	for i := 0; i < 12; i++ {
		specs = append(specs, taskSpec{name: fmt.Sprintf("t%d", i), behaviour: behaveSlow})
	}
	g := buildGraph(t, specs...)

	result, _ := run(t, newTestPool(t, exec, 3), g)
	if result.Status != events.JobSuccess {
		t.Fatalf("expected success, got %s", result.Status)
	}
	if m := exec.MaxRunning(); m > 3 || m < 1 {
		t.Errorf("expected at most 3 concurrent executions, saw %d", m)
	}
}

// failingPool never grants a core.
type failingPool struct{ calls atomic.Int32 }

func (p *failingPool) ReserveCore(ctx context.Context, preferLocal bool) (pool.Core, error) {
	p.calls.Add(1)
	return nil, errors.New("no workers reachable")
}

func TestExecuteReservationFailure(t *testing.T) {
	g := buildGraph(t,
		taskSpec{name: "A", behaviour: behaveOK},
		taskSpec{name: "B", behaviour: behaveOK, deps: []string{"A"}},
	)

	result, sink := run(t, &failingPool{}, g)
	checkEventStream(t, g, sink)

	start, ok := sink.Started()["A"]
	if !ok {
		t.Fatal("expected a synthetic start for A")
	}
	if start.WorkerName != "" || start.WorkerCore != 0 {
		t.Errorf("expected synthetic start with no worker, got %+v", start)
	}
	done := sink.Completed()["A"]
	if done.Status != events.StatusException || !strings.Contains(done.ExceptionMessage, "no workers reachable") {
		t.Errorf("expected exception with reservation error, got %+v", done)
	}
	if done.ExitCode != 1 {
		t.Errorf("expected default exit code 1, got %d", done.ExitCode)
	}
	if result.Status != events.JobFailure {
		t.Errorf("expected job failure, got %s", result.Status)
	}
}

// scriptedCore replays fixed frames on a pipe.
type scriptedCore struct {
	client   protocol.ClientStream
	released atomic.Int32
}

func (c *scriptedCore) WorkerName() string            { return "scripted" }
func (c *scriptedCore) CoreNumber() int               { return 1 }
func (c *scriptedCore) Stream() protocol.ClientStream { return c.client }
func (c *scriptedCore) Release() error {
	c.released.Add(1)
	return c.client.Close()
}

type scriptedPool struct {
	frames []protocol.ExecutionResponse
	panics bool

	mu    sync.Mutex
	cores []*scriptedCore
}

func (p *scriptedPool) ReserveCore(ctx context.Context, preferLocal bool) (pool.Core, error) {
	if p.panics {
		panic("pool exploded")
	}
	client, server := protocol.Pipe()
	go func() {
		defer server.Close()
		if _, err := server.Recv(ctx); err != nil {
			return
		}
		for _, f := range p.frames {
			if err := server.Send(ctx, f); err != nil {
				return
			}
		}
	}()
	core := &scriptedCore{client: client}
	p.mu.Lock()
	p.cores = append(p.cores, core)
	p.mu.Unlock()
	return core, nil
}

func TestExecuteProtocolViolations(t *testing.T) {
	tests := []struct {
		name    string
		frames  []protocol.ExecutionResponse
		message string
	}{
		{
			name:    "unexpected frame",
			frames:  []protocol.ExecutionResponse{{Reserved: &protocol.ReserveResponse{WorkerName: "w"}}},
			message: protocol.ErrUnexpectedResponse.Error(),
		},
		{
			name:    "stream ends without exit code",
			frames:  []protocol.ExecutionResponse{protocol.Process(protocol.Stdout("partial"))},
			message: "without an exit code",
		},
		{
			name:    "worker error frame",
			frames:  []protocol.ExecutionResponse{protocol.Failure(errors.New("tool missing"))},
			message: "tool missing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := buildGraph(t, taskSpec{name: "A", behaviour: behaveOK})
			p := &scriptedPool{frames: tt.frames}

			result, sink := run(t, p, g)
			checkEventStream(t, g, sink)

			done := sink.Completed()["A"]
			if done.Status != events.StatusException {
				t.Fatalf("expected exception, got %s", done.Status)
			}
			if !strings.Contains(done.ExceptionMessage, tt.message) {
				t.Errorf("expected message containing %q, got %q", tt.message, done.ExceptionMessage)
			}
			if result.Status != events.JobFailure {
				t.Errorf("expected job failure, got %s", result.Status)
			}
			for _, c := range p.cores {
				if c.released.Load() != 1 {
					t.Errorf("expected core released exactly once, got %d", c.released.Load())
				}
			}
		})
	}
}

func TestExecuteRecoversPanics(t *testing.T) {
	g := buildGraph(t, taskSpec{name: "A", behaviour: behaveOK})
	result, sink := run(t, &scriptedPool{panics: true}, g)
	checkEventStream(t, g, sink)

	done := sink.Completed()["A"]
	if done.Status != events.StatusException || !strings.Contains(done.ExceptionMessage, "pool exploded") {
		t.Errorf("expected exception from panic, got %+v", done)
	}
	if result.Status != events.JobFailure {
		t.Errorf("expected job failure, got %s", result.Status)
	}
}

func TestExecutePreparesRemoteTasks(t *testing.T) {
	exec := newScriptedExecutor()
	g := buildGraph(t,
		taskSpec{name: "local", behaviour: behaveOK},
		taskSpec{name: "remote", behaviour: behaveOK, remote: true, deps: []string{"local"}},
	)

	var prepared []string
	var mu sync.Mutex
	e := NewGraphExecutor(Options{
		Logger: logging.Discard(),
		PrepareRemote: func(ctx context.Context, core pool.Core, task *graph.Task) error {
			mu.Lock()
			defer mu.Unlock()
			prepared = append(prepared, task.Name)
			return nil
		},
	})

	result, err := e.Execute(context.Background(), newTestPool(t, exec, 1), g, &events.Collector{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != events.JobSuccess {
		t.Fatalf("expected success, got %s", result.Status)
	}
	if len(prepared) != 1 || prepared[0] != "remote" {
		t.Errorf("expected only the remote task to be prepared, got %v", prepared)
	}

	failing := NewGraphExecutor(Options{
		Logger: logging.Discard(),
		PrepareRemote: func(ctx context.Context, core pool.Core, task *graph.Task) error {
			return errors.New("blob upload failed")
		},
	})
	sink := &events.Collector{}
	_, err = failing.Execute(context.Background(), newTestPool(t, exec, 1), g, sink)
	if err != nil {
		t.Fatal(err)
	}
	if done := sink.Completed()["remote"]; done.Status != events.StatusException || !strings.Contains(done.ExceptionMessage, "blob upload failed") {
		t.Errorf("expected preparation failure to be an exception, got %+v", done)
	}
}

func TestExecuteJobCompleteWriteError(t *testing.T) {
	exec := newScriptedExecutor()
	g := buildGraph(t, taskSpec{name: "A", behaviour: behaveOK})

	sink := events.SinkFunc(func(ctx context.Context, e events.Event) error {
		if e.EventType() == events.EventTypeJobComplete {
			return errors.New("client went away")
		}
		return nil
	})
	result, err := newTestExecutor().Execute(context.Background(), newTestPool(t, exec, 1), g, sink)
	if err == nil {
		t.Fatal("expected error when JobComplete cannot be written")
	}
	if result == nil || result.Status != events.JobSuccess {
		t.Errorf("expected result to be returned alongside the error, got %+v", result)
	}
}

func TestExecuteSinkFailureCancelsRun(t *testing.T) {
	exec := newScriptedExecutor()
	g := buildGraph(t,
		taskSpec{name: "A", behaviour: behaveOK},
		taskSpec{name: "B", behaviour: behaveOK, deps: []string{"A"}},
	)

	sink := events.SinkFunc(func(ctx context.Context, e events.Event) error {
		if done, ok := e.(events.TaskCompletedEvent); ok && done.ID == "A" {
			return errors.New("sink broken")
		}
		return nil
	})
	result, err := newTestExecutor().Execute(context.Background(), newTestPool(t, exec, 1), g, sink)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != events.JobFailure || !errors.Is(result.Cause, ErrInvariant) {
		t.Errorf("expected failure caused by invariant violation, got %s (%v)", result.Status, result.Cause)
	}
	if exec.Calls("B") != 0 {
		t.Error("B must not run after bookkeeping failed")
	}
}
