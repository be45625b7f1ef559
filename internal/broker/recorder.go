package broker

import (
	"errors"
	"log/slog"
	"sync"
)

// DefaultHistorySize is the maximum number of log lines retained when no
// explicit history size is configured.
const DefaultHistorySize = 5000

// Source identifies where a captured log line came from.
type Source string

const (
	SourceStdout Source = "STDOUT"
	SourceStderr Source = "STDERR"
	SourceSystem Source = "SYSTEM"
)

func (s Source) prefix() string {
	return "[" + string(s) + "] "
}

var (
	// ErrNoLogs is returned by Attach when nothing has been captured yet.
	ErrNoLogs = errors.New("no logs captured yet")

	// ErrViewerOpen is returned by Attach when a live viewer is already attached.
	ErrViewerOpen = errors.New("log viewer already open")
)

// Recorder is an append-only, size-bounded buffer of prefixed broker output
// lines. When the buffer is full the oldest entry is evicted first. At most
// one viewer can be attached at a time; new lines are mirrored to it via a
// buffered channel so Append never blocks on a slow or dead viewer.
type Recorder struct {
	lines    []string
	maxHist  int
	viewer   Viewer
	viewerCh chan string
	mu       sync.Mutex
}

// NewRecorder creates a recorder that retains at most historySize lines.
func NewRecorder(historySize int) *Recorder {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Recorder{
		lines:   make([]string, 0, historySize),
		maxHist: historySize,
	}
}

// Append records a single output line with its source prefix. Empty lines are
// dropped. If a viewer is attached the line is queued for mirroring; when the
// viewer's queue is full the line is skipped for the viewer (the buffer itself
// always gets it).
func (r *Recorder) Append(src Source, line string) {
	if line == "" {
		return
	}
	entry := src.prefix() + line

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.lines) >= r.maxHist {
		// Evict oldest entry
		r.lines = r.lines[1:]
	}
	r.lines = append(r.lines, entry)

	if r.viewerCh != nil {
		select {
		case r.viewerCh <- entry:
		default:
			// Viewer queue full, skip to avoid blocking the classifier
		}
	}
}

// Len returns the number of buffered lines.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}

// Lines returns a copy of the buffered lines in append order.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// Reset clears the buffer. It is called at the start of every new negotiation
// so logs reflect only the current broker instance. An attached viewer is
// closed: a restart ends the previous instance's stream.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.lines = r.lines[:0]
	v, ch := r.viewer, r.viewerCh
	r.viewer, r.viewerCh = nil, nil
	r.mu.Unlock()

	if ch != nil {
		close(ch)
	}
	if v != nil {
		v.Close()
	}
}

// Attach connects a viewer to the recorder. The full buffer is replayed into
// the viewer in order, then live appends stream until the viewer becomes
// invalid, a write fails, or the recorder is reset.
func (r *Recorder) Attach(v Viewer) error {
	r.mu.Lock()
	if r.viewer != nil && r.viewer.Valid() {
		r.mu.Unlock()
		return ErrViewerOpen
	}
	if len(r.lines) == 0 {
		r.mu.Unlock()
		return ErrNoLogs
	}
	// Previous viewer went away without detaching cleanly
	if r.viewer != nil {
		r.detachLocked()
	}

	replay := make([]string, len(r.lines))
	copy(replay, r.lines)

	ch := make(chan string, 256)
	r.viewer = v
	r.viewerCh = ch
	r.mu.Unlock()

	go r.mirror(v, ch, replay)
	return nil
}

// detach disconnects v if it is still the attached viewer.
func (r *Recorder) detach(v Viewer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.viewer == v {
		r.detachLocked()
	}
}

func (r *Recorder) detachLocked() {
	r.viewer = nil
	r.viewerCh = nil
}

// mirror replays buffered lines into the viewer and then streams live appends.
// The viewer may be closed by its host at any point, so liveness is re-checked
// before every write.
func (r *Recorder) mirror(v Viewer, ch <-chan string, replay []string) {
	defer func() {
		r.detach(v)
		v.Close()
	}()

	for _, line := range replay {
		if !v.Valid() {
			return
		}
		if err := v.WriteLine(line); err != nil {
			slog.Debug("Log viewer write failed during replay", "error", err)
			return
		}
	}

	for line := range ch {
		if !v.Valid() {
			return
		}
		if err := v.WriteLine(line); err != nil {
			slog.Debug("Log viewer write failed", "error", err)
			return
		}
	}
}
