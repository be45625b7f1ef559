package daemon

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// connViewer adapts a client connection into a broker.Viewer: a read-only
// surface the recorder streams captured log lines into. The client can
// disappear at any moment, so the recorder re-checks Valid before each write.
type connViewer struct {
	name      string
	conn      net.Conn
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func newConnViewer(conn net.Conn) *connViewer {
	return &connViewer{
		name: fmt.Sprintf("broker-logs-%s", time.Now().Format("20060102-150405")),
		conn: conn,
		done: make(chan struct{}),
	}
}

func (v *connViewer) Name() string {
	return v.name
}

func (v *connViewer) Valid() bool {
	return !v.closed.Load()
}

func (v *connViewer) WriteLine(line string) error {
	_, err := v.conn.Write([]byte(line + "\n"))
	return err
}

// Close marks the viewer invalid. The connection itself is owned and closed
// by the handler that created the viewer.
func (v *connViewer) Close() error {
	v.closeOnce.Do(func() {
		v.closed.Store(true)
		close(v.done)
	})
	return nil
}

// Done is closed once the viewer has been closed from either side.
func (v *connViewer) Done() <-chan struct{} {
	return v.done
}
