package broker

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ReadyMarker is the literal the broker prints on stdout when its pipe server
// is accepting connections. The remainder of the line is the raw pipe name.
const ReadyMarker = "Named pipe server started: "

// State represents the current lifecycle state of the managed broker.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
)

// Config holds the settings needed to spawn and supervise the broker process.
type Config struct {
	Command     string        // broker executable
	Args        []string      // fixed arguments
	LogLevel    string        // appended as "--logLevel <value>" when set
	HistorySize int           // log buffer cap, defaults to DefaultHistorySize
	StopTimeout time.Duration // grace period before SIGKILL on Stop
	Resolver    Resolver      // raw pipe name -> endpoint, defaults to DefaultResolver
}

// Supervisor manages the lifecycle of a single broker process: spawning it
// exactly once even under concurrent Start calls, watching its output for the
// readiness announcement, queueing callbacks until the endpoint is known, and
// tearing the process down. All state mutations are serialized through one
// mutex; Start never blocks its caller waiting for readiness.
type Supervisor struct {
	cfg         Config
	cmd         *exec.Cmd
	pid         int
	startTime   time.Time
	ready       bool
	negotiating bool
	endpoint    string
	pending     []func(endpoint string)
	recorder    *Recorder
	generation  int           // bumped per spawn so stale stream/exit events are ignored
	exited      chan struct{} // closed once the current process has been reaped
	logEvent    func(eventType, details string) error
	mu          sync.Mutex
}

// NewSupervisor creates a supervisor for the broker described by cfg.
func NewSupervisor(cfg Config) *Supervisor {
	if cfg.Resolver == nil {
		cfg.Resolver = DefaultResolver
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Supervisor{
		cfg:      cfg,
		recorder: NewRecorder(cfg.HistorySize),
	}
}

// SetEventLogger sets the callback used to persist broker lifecycle events.
// Must be called before the first Start.
func (s *Supervisor) SetEventLogger(logger func(eventType, details string) error) {
	s.logEvent = logger
}

// SetLogLevel updates the log level passed to the broker. Takes effect on the
// next spawn.
func (s *Supervisor) SetLogLevel(level string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.LogLevel = level
}

// Recorder returns the log recorder capturing broker output.
func (s *Supervisor) Recorder() *Recorder {
	return s.recorder
}

// State projects the current lifecycle state: Running once the endpoint is
// established, Starting while a spawn is being negotiated, Stopped otherwise.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.ready && s.pid > 0:
		return StateRunning
	case s.negotiating:
		return StateStarting
	default:
		return StateStopped
	}
}

// Status is a point-in-time snapshot of the supervisor for reporting.
type Status struct {
	State     State     `json:"state"`
	Pid       int       `json:"pid,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`
	StartTime time.Time `json:"start_time"`
	Pending   int       `json:"pending_callbacks,omitempty"`
}

// Status returns a snapshot of the supervisor state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		StartTime: s.startTime,
		Pending:   len(s.pending),
	}
	switch {
	case s.ready && s.pid > 0:
		st.State = StateRunning
		st.Pid = s.pid
		st.Endpoint = s.endpoint
	case s.negotiating:
		st.State = StateStarting
		st.Pid = s.pid
	default:
		st.State = StateStopped
	}
	return st
}

// Start ensures the broker is running and arranges for cb to be called with
// the resolved endpoint once it is. If the broker is already running, cb is
// invoked inline before Start returns. If a start is already in flight, cb
// joins the queue and no second process is spawned. Only a spawn failure is
// returned as an error; in that case queued callbacks are dropped with a
// logged warning and a later Start may retry.
func (s *Supervisor) Start(cb func(endpoint string)) error {
	s.mu.Lock()

	if s.ready {
		endpoint := s.endpoint
		s.mu.Unlock()
		if cb != nil {
			invokeCallback(cb, endpoint)
		}
		return nil
	}

	if s.negotiating {
		if cb != nil {
			s.pending = append(s.pending, cb)
		}
		s.mu.Unlock()
		return nil
	}

	// Stopped: this caller owns the spawn
	s.negotiating = true
	if cb != nil {
		s.pending = append(s.pending, cb)
	}
	s.recorder.Reset()

	args := append([]string{}, s.cfg.Args...)
	if s.cfg.LogLevel != "" {
		args = append(args, "--logLevel", s.cfg.LogLevel)
	}

	cmd := exec.Command(s.cfg.Command, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.failSpawnLocked(fmt.Errorf("failed to open broker stdout: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.failSpawnLocked(fmt.Errorf("failed to open broker stderr: %w", err))
	}

	slog.Info("Starting broker", "command", s.cfg.Command, "args", args)
	if err := cmd.Start(); err != nil {
		return s.failSpawnLocked(fmt.Errorf("failed to start broker: %w", err))
	}

	s.generation++
	gen := s.generation
	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.startTime = time.Now()
	exited := make(chan struct{})
	s.exited = exited
	pid := s.pid
	s.mu.Unlock()

	s.recorder.Append(SourceSystem, fmt.Sprintf("broker started (pid %d)", pid))
	s.event("broker_started", fmt.Sprintf("PID: %d, command: %s", pid, s.cfg.Command))

	go s.classify(gen, stdout, SourceStdout)
	go s.classify(gen, stderr, SourceStderr)
	go s.reap(gen, cmd, exited)

	return nil
}

// failSpawnLocked rolls back a failed spawn attempt and releases the mutex.
// Queued callbacks are dropped rather than notified: there is no readiness
// event to deliver, and the spawn error goes to the caller that triggered it.
func (s *Supervisor) failSpawnLocked(err error) error {
	dropped := len(s.pending)
	s.pending = nil
	s.negotiating = false
	s.mu.Unlock()

	if dropped > 1 {
		slog.Warn("Dropping queued start callbacks after failed spawn", "count", dropped-1)
	}
	slog.Error("Broker spawn failed", "error", err)
	s.event("spawn_failed", err.Error())
	return err
}

// Stop terminates the broker process and clears all lifecycle state. Queued
// callbacks are dropped, never invoked. Returns false when nothing was
// running (idempotent no-op).
func (s *Supervisor) Stop() bool {
	s.mu.Lock()
	if s.cmd == nil {
		s.mu.Unlock()
		return false
	}

	// The reaper for this process sees a stale generation and stays quiet.
	s.generation++
	pid := s.pid
	exited := s.exited
	dropped := len(s.pending)
	s.resetLocked()
	s.mu.Unlock()

	if dropped > 0 {
		slog.Warn("Dropping queued start callbacks on stop", "count", dropped)
	}
	slog.Info("Stopping broker", "pid", pid)

	// Signal the process group so broker children go down with it
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		syscall.Kill(pid, syscall.SIGTERM)
	}

	select {
	case <-exited:
		slog.Debug("Broker stopped gracefully", "pid", pid)
	case <-time.After(s.cfg.StopTimeout):
		slog.Warn("Broker did not stop gracefully, force killing", "pid", pid)
		syscall.Kill(-pid, syscall.SIGKILL)
		<-exited
	}

	s.recorder.Append(SourceSystem, fmt.Sprintf("broker stopped (pid %d)", pid))
	s.event("broker_stopped", fmt.Sprintf("PID: %d", pid))
	return true
}

// resetLocked clears all per-process state. Caller holds the mutex.
func (s *Supervisor) resetLocked() {
	s.cmd = nil
	s.pid = 0
	s.ready = false
	s.negotiating = false
	s.endpoint = ""
	s.pending = nil
	s.exited = nil
}

// classify consumes one of the broker's output streams line by line. Each
// stream is scanned independently; ordering is only preserved within a
// stream. Empty lines are discarded. Stdout lines are additionally checked
// for the readiness announcement.
func (s *Supervisor) classify(gen int, r io.Reader, src Source) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !s.currentGeneration(gen) {
			// Stream belongs to a previous broker instance
			return
		}

		s.recorder.Append(src, line)

		switch src {
		case SourceStdout:
			if i := strings.Index(line, ReadyMarker); i >= 0 {
				raw := strings.TrimSpace(line[i+len(ReadyMarker):])
				s.markReady(gen, raw)
			}
		case SourceStderr:
			slog.Warn("Broker stderr", "line", line)
		}
	}
}

func (s *Supervisor) currentGeneration(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.generation
}

// markReady performs the one-shot Starting -> Running transition: resolves
// the endpoint, flips the readiness flag, and drains the callback queue in
// enqueue order. Each callback runs inside its own failure boundary.
func (s *Supervisor) markReady(gen int, rawName string) {
	endpoint := s.cfg.Resolver(rawName)

	s.mu.Lock()
	if gen != s.generation || !s.negotiating {
		s.mu.Unlock()
		return
	}
	s.ready = true
	s.negotiating = false
	s.endpoint = endpoint
	callbacks := s.pending
	s.pending = nil
	pid := s.pid
	s.mu.Unlock()

	slog.Info("Broker ready", "pid", pid, "pipe", rawName, "endpoint", endpoint)
	s.recorder.Append(SourceSystem, "broker ready at "+endpoint)
	s.event("broker_ready", fmt.Sprintf("PID: %d, endpoint: %s", pid, endpoint))

	for _, cb := range callbacks {
		invokeCallback(cb, endpoint)
	}
}

// reap waits for the broker process and, unless Stop already tore this
// instance down, resets state and reports the exit. Callbacks still queued at
// exit are dropped without being invoked.
func (s *Supervisor) reap(gen int, cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	close(exited)

	exitCode := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			exitCode = -1
		}
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	pid := s.pid
	dropped := len(s.pending)
	s.resetLocked()
	s.mu.Unlock()

	if exitCode == 0 {
		slog.Info("Broker exited", "pid", pid, "code", exitCode)
	} else {
		slog.Error("Broker exited unexpectedly", "pid", pid, "code", exitCode)
	}
	if dropped > 0 {
		slog.Warn("Broker exited before becoming ready, dropping queued start callbacks", "count", dropped)
	}

	s.recorder.Append(SourceSystem, fmt.Sprintf("broker exited with code %d", exitCode))
	s.event("broker_exited", fmt.Sprintf("PID: %d, exit code: %d", pid, exitCode))
}

func (s *Supervisor) event(eventType, details string) {
	if s.logEvent == nil {
		return
	}
	if err := s.logEvent(eventType, details); err != nil {
		slog.Error("Failed to log broker event", "event", eventType, "error", err)
	}
}

// invokeCallback isolates a single readiness callback so one misbehaving
// caller cannot prevent the remaining callbacks from running.
func invokeCallback(cb func(string), endpoint string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Start callback panicked", "panic", r)
		}
	}()
	cb(endpoint)
}
