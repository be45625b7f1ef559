package daemon

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/wardend/warden/internal/broker"
)

// setupLogging configures the daemon's logger
func (d *Daemon) setupLogging() {
	level := slog.LevelInfo
	if d.verbose > 0 {
		level = slog.LevelDebug
	}

	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
	})
	slog.SetDefault(slog.New(handler))
}

// handleLogs attaches the connection as the broker log viewer: the whole
// captured buffer is replayed first, then live lines stream until the client
// disconnects or the broker restarts. At most one viewer is open at a time.
func (d *Daemon) handleLogs(conn net.Conn) {
	defer conn.Close()

	viewer := newConnViewer(conn)
	if err := d.sup.Recorder().Attach(viewer); err != nil {
		switch err {
		case broker.ErrNoLogs:
			conn.Write([]byte("No logs captured yet.\n"))
		case broker.ErrViewerOpen:
			conn.Write([]byte("Log viewer already open.\n"))
		default:
			conn.Write([]byte("Failed to attach log viewer: " + err.Error() + "\n"))
		}
		return
	}

	slog.Info("Log viewer attached", "viewer", viewer.Name())

	// Detect when the client disconnects
	go func() {
		reader := bufio.NewReader(conn)
		io.Copy(io.Discard, reader)
		viewer.Close()
	}()

	<-viewer.Done()
	slog.Debug("Log viewer detached", "viewer", viewer.Name())
}
