package broker

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// quietLogger silences slog output for the duration of a test.
func quietLogger(t *testing.T) {
	t.Helper()
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(99),
	})))
	t.Cleanup(func() { slog.SetDefault(prev) })
}

// newTestSupervisor builds a supervisor that runs script under sh -c, with a
// short stop timeout and a resolver that counts invocations.
func newTestSupervisor(t *testing.T, script string) (*Supervisor, *atomic.Int32) {
	t.Helper()
	resolves := &atomic.Int32{}
	s := NewSupervisor(Config{
		Command:     "sh",
		Args:        []string{"-c", script},
		StopTimeout: 500 * time.Millisecond,
		Resolver: func(raw string) string {
			resolves.Add(1)
			return "/run/test/" + raw + ".sock"
		},
	})
	t.Cleanup(func() { s.Stop() })
	return s, resolves
}

func TestStartBecomesReady(t *testing.T) {
	quietLogger(t)
	s, _ := newTestSupervisor(t, `echo "Named pipe server started: pipe-abc"; sleep 60`)

	got := make(chan string, 1)
	if err := s.Start(func(endpoint string) { got <- endpoint }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case endpoint := <-got:
		if endpoint != "/run/test/pipe-abc.sock" {
			t.Errorf("Expected resolved endpoint, got %q", endpoint)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Callback never invoked")
	}

	if st := s.State(); st != StateRunning {
		t.Errorf("Expected state running after readiness, got %q", st)
	}
	status := s.Status()
	if status.Pid == 0 {
		t.Error("Expected a PID in running status")
	}
	if status.Endpoint != "/run/test/pipe-abc.sock" {
		t.Errorf("Expected status endpoint, got %q", status.Endpoint)
	}
}

func TestStartWhileRunningInvokesInline(t *testing.T) {
	quietLogger(t)
	s, resolves := newTestSupervisor(t, `echo "Named pipe server started: pipe-abc"; sleep 60`)

	ready := make(chan struct{})
	if err := s.Start(func(string) { close(ready) }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("First callback never invoked")
	}

	// Already running: the callback must fire before Start returns
	var inline string
	if err := s.Start(func(endpoint string) { inline = endpoint }); err != nil {
		t.Fatalf("Second Start failed: %v", err)
	}
	if inline != "/run/test/pipe-abc.sock" {
		t.Errorf("Expected inline callback with endpoint, got %q", inline)
	}
	if n := resolves.Load(); n != 1 {
		t.Errorf("Expected a single readiness resolution, got %d", n)
	}
}

func TestConcurrentStartsSpawnOnce(t *testing.T) {
	quietLogger(t)
	s, resolves := newTestSupervisor(t, `sleep 0.2; echo "Named pipe server started: pipe-abc"; sleep 60`)

	var (
		mu    sync.Mutex
		order []int
	)
	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Start(func(string) {
				mu.Lock()
				order = append(order, i)
				if len(order) == 5 {
					close(done)
				}
				mu.Unlock()
			})
			if err != nil {
				t.Errorf("Start %d failed: %v", i, err)
			}
		}()
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		mu.Lock()
		t.Fatalf("Only %d of 5 callbacks fired", len(order))
	}

	if n := resolves.Load(); n != 1 {
		t.Errorf("Expected exactly one spawn/readiness, resolver ran %d times", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 5 {
		t.Fatalf("Expected 5 callbacks, got %d", len(order))
	}
}

func TestCallbacksDrainedInEnqueueOrder(t *testing.T) {
	quietLogger(t)
	s, _ := newTestSupervisor(t, `sleep 0.2; echo "Named pipe server started: pipe-abc"; sleep 60`)

	var (
		mu    sync.Mutex
		order []int
	)
	done := make(chan struct{})
	// Sequential Starts during negotiation give a deterministic queue order
	for i := 0; i < 4; i++ {
		i := i
		err := s.Start(func(string) {
			mu.Lock()
			order = append(order, i)
			if len(order) == 4 {
				close(done)
			}
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("Start %d failed: %v", i, err)
		}
	}

	if st := s.State(); st != StateStarting {
		t.Errorf("Expected state starting while negotiating, got %q", st)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Callbacks never drained")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("Callbacks invoked out of order: %v", order)
		}
	}
}

func TestNonMarkerOutputKeepsStarting(t *testing.T) {
	quietLogger(t)
	s, _ := newTestSupervisor(t, `echo "loading modules"; echo "pipe server warming up"; sleep 60`)

	called := &atomic.Bool{}
	if err := s.Start(func(string) { called.Store(true) }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	if st := s.State(); st != StateStarting {
		t.Errorf("Expected state starting without the announcement, got %q", st)
	}
	if called.Load() {
		t.Error("Callback fired without a readiness announcement")
	}
}

func TestReadyLineTrimsPipeName(t *testing.T) {
	quietLogger(t)
	s, _ := newTestSupervisor(t, `echo "Named pipe server started:    spaced-pipe   "; sleep 60`)

	got := make(chan string, 1)
	if err := s.Start(func(endpoint string) { got <- endpoint }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case endpoint := <-got:
		if endpoint != "/run/test/spaced-pipe.sock" {
			t.Errorf("Expected surrounding whitespace trimmed, got %q", endpoint)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Callback never invoked")
	}
}

func TestExitBeforeReadyDropsCallbacks(t *testing.T) {
	quietLogger(t)
	s, _ := newTestSupervisor(t, `echo "fatal: cannot bind"; exit 3`)

	called := &atomic.Bool{}
	if err := s.Start(func(string) { called.Store(true) }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if !waitFor(t, 5*time.Second, func() bool { return s.State() == StateStopped }) {
		t.Fatalf("Expected state stopped after early exit, got %q", s.State())
	}
	if called.Load() {
		t.Error("Callback fired even though the broker never became ready")
	}

	var sawExit bool
	for _, line := range s.Recorder().Lines() {
		if strings.Contains(line, "broker exited with code 3") {
			sawExit = true
		}
	}
	if !sawExit {
		t.Errorf("Expected exit entry in log buffer, got %v", s.Recorder().Lines())
	}
}

func TestStopWhileRunning(t *testing.T) {
	quietLogger(t)
	s, _ := newTestSupervisor(t, `echo "Named pipe server started: pipe-abc"; sleep 60`)

	ready := make(chan struct{})
	if err := s.Start(func(string) { close(ready) }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("Broker never became ready")
	}

	if !s.Stop() {
		t.Error("Expected Stop to report that it stopped a process")
	}
	if st := s.State(); st != StateStopped {
		t.Errorf("Expected state stopped after Stop, got %q", st)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	quietLogger(t)
	s, _ := newTestSupervisor(t, `sleep 60`)

	if s.Stop() {
		t.Error("Expected Stop on a stopped supervisor to be a no-op")
	}
}

func TestStopDuringNegotiationDropsCallbacks(t *testing.T) {
	quietLogger(t)
	s, _ := newTestSupervisor(t, `sleep 60`)

	called := &atomic.Bool{}
	if err := s.Start(func(string) { called.Store(true) }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if st := s.State(); st != StateStarting {
		t.Fatalf("Expected state starting, got %q", st)
	}

	if !s.Stop() {
		t.Error("Expected Stop to tear down the negotiating process")
	}
	if called.Load() {
		t.Error("Queued callback fired despite Stop")
	}
	if st := s.State(); st != StateStopped {
		t.Errorf("Expected state stopped, got %q", st)
	}
}

func TestSpawnFailureAllowsRetry(t *testing.T) {
	quietLogger(t)
	resolves := &atomic.Int32{}
	s := NewSupervisor(Config{
		Command:     "/nonexistent/broker-binary-for-test",
		StopTimeout: 500 * time.Millisecond,
		Resolver: func(raw string) string {
			resolves.Add(1)
			return raw
		},
	})
	t.Cleanup(func() { s.Stop() })

	called := &atomic.Bool{}
	err := s.Start(func(string) { called.Store(true) })
	if err == nil {
		t.Fatal("Expected spawn failure")
	}
	if st := s.State(); st != StateStopped {
		t.Errorf("Expected state stopped after spawn failure, got %q", st)
	}
	if called.Load() {
		t.Error("Callback fired despite spawn failure")
	}

	// A later Start must be able to spawn again
	if err := s.Start(nil); err == nil {
		t.Error("Expected second spawn attempt to run (and fail with this binary)")
	}
}

func TestRestartClearsPreviousInstanceLogs(t *testing.T) {
	quietLogger(t)
	s, _ := newTestSupervisor(t, `echo "first-run-banner"; echo "Named pipe server started: pipe-abc"; sleep 60`)

	ready := make(chan struct{})
	if err := s.Start(func(string) { close(ready) }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("First instance never became ready")
	}
	s.Stop()

	// Second instance through the same supervisor
	if err := s.Start(nil); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if !waitFor(t, 5*time.Second, func() bool { return s.State() == StateRunning }) {
		t.Fatal("Second instance never became ready")
	}

	for _, line := range s.Recorder().Lines() {
		if strings.Contains(line, "first-run-banner") {
			t.Errorf("Log buffer still holds previous instance output: %q", line)
		}
	}
}

func TestCallbackPanicDoesNotBlockOthers(t *testing.T) {
	quietLogger(t)
	s, _ := newTestSupervisor(t, `sleep 0.2; echo "Named pipe server started: pipe-abc"; sleep 60`)

	second := make(chan struct{})
	if err := s.Start(func(string) { panic("callback exploded") }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(func(string) { close(second) }); err != nil {
		t.Fatalf("Second Start failed: %v", err)
	}

	select {
	case <-second:
	case <-time.After(5 * time.Second):
		t.Fatal("Second callback never ran after first panicked")
	}
}

func TestStderrLinesArePrefixed(t *testing.T) {
	quietLogger(t)
	s, _ := newTestSupervisor(t, `echo "to stderr" >&2; echo "Named pipe server started: pipe-abc"; sleep 60`)

	if err := s.Start(nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !waitFor(t, 5*time.Second, func() bool { return s.State() == StateRunning }) {
		t.Fatal("Broker never became ready")
	}

	if !waitFor(t, 2*time.Second, func() bool {
		for _, line := range s.Recorder().Lines() {
			if line == "[STDERR] to stderr" {
				return true
			}
		}
		return false
	}) {
		t.Errorf("Expected stderr line with prefix, got %v", s.Recorder().Lines())
	}
}

func TestLogLevelArgumentAppended(t *testing.T) {
	quietLogger(t)
	s := NewSupervisor(Config{
		Command:     "sh",
		Args:        []string{"-c", `echo "args: $*" ; echo "Named pipe server started: pipe-abc"; sleep 60`, "sh"},
		LogLevel:    "debug",
		StopTimeout: 500 * time.Millisecond,
		Resolver:    func(raw string) string { return raw },
	})
	t.Cleanup(func() { s.Stop() })

	if err := s.Start(nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !waitFor(t, 5*time.Second, func() bool { return s.State() == StateRunning }) {
		t.Fatal("Broker never became ready")
	}

	if !waitFor(t, 2*time.Second, func() bool {
		for _, line := range s.Recorder().Lines() {
			if strings.Contains(line, "--logLevel debug") {
				return true
			}
		}
		return false
	}) {
		t.Errorf("Expected --logLevel argument in broker invocation, got %v", s.Recorder().Lines())
	}
}
