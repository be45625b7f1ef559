package daemon

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wardend/warden/internal/broker"
	"github.com/wardend/warden/internal/core"
	"github.com/wardend/warden/internal/db"
)

// Daemon owns the broker supervisor and serves client commands over a unix
// socket.
type Daemon struct {
	sup          *broker.Supervisor
	listener     net.Listener
	database     *db.DB
	startTime    time.Time
	verbose      int
	shutdownOnce sync.Once
	ctx          context.Context
	cancelFunc   context.CancelFunc
}

func New() *Daemon {
	ctx, cancel := context.WithCancel(context.Background())

	sup := broker.NewSupervisor(broker.Config{
		Command:     core.GetBrokerCommand(),
		Args:        core.GetBrokerArgs(),
		LogLevel:    core.GetBrokerLogLevel(),
		HistorySize: core.GetBrokerHistorySize(),
		StopTimeout: core.GetBrokerStopTimeout(),
	})

	return &Daemon{
		sup:        sup,
		startTime:  time.Now(),
		verbose:    core.Config.GetInt("verbose"),
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Supervisor exposes the broker supervisor, mainly for tests.
func (d *Daemon) Supervisor() *broker.Supervisor {
	return d.sup
}

func (d *Daemon) Run() {
	d.setupLogging()

	// Initialize database
	dbPath := core.GetDatabasePath()
	database, err := db.Open(dbPath)
	if err != nil {
		slog.Error("Failed to open database", "error", err, "path", dbPath)
	} else {
		d.database = database
		slog.Info("Database opened", "path", dbPath)

		version := core.FormatVersion(core.Version)
		if err := d.database.LogDaemonEvent("start", fmt.Sprintf("daemon started - version: %s, PID: %d", version, os.Getpid())); err != nil {
			slog.Error("Failed to log daemon start", "error", err)
		}
	}

	// Persist broker lifecycle events and keep the orphan-detection state
	// file in step with the live process.
	d.sup.SetEventLogger(func(eventType, details string) error {
		switch eventType {
		case "broker_started":
			if st := d.sup.Status(); st.Pid > 0 {
				if err := SaveBrokerState(st.Pid, core.GetBrokerCommand()); err != nil {
					slog.Warn("Failed to save broker state file", "error", err)
				}
			}
		case "broker_exited", "broker_stopped":
			if err := RemoveBrokerStateFile(); err != nil {
				slog.Warn("Failed to remove broker state file", "error", err)
			}
		}
		if d.database == nil {
			return nil
		}
		return d.database.LogBrokerEvent(eventType, details)
	})

	// Setup PID and socket files and ensure they are cleaned up on exit.
	socketPath := core.GetSocketPath()
	pidFilePath := core.GetPIDFilePath()

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		// Socket creation failed - this could be due to a stale socket file
		if _, statErr := os.Stat(socketPath); statErr == nil {
			conn, dialErr := net.Dial("unix", socketPath)
			if dialErr == nil {
				conn.Close()
				slog.Error("Fatal: Daemon is already running")
				os.Exit(1)
			}
			// Connection failed, socket file is stale - remove it
			slog.Info(fmt.Sprintf("Removing stale socket file: %s", socketPath))
			if removeErr := os.Remove(socketPath); removeErr != nil {
				slog.Error(fmt.Sprintf("Fatal: Could not remove stale socket: %v", removeErr))
				os.Exit(1)
			}
			listener, err = net.Listen("unix", socketPath)
		}
		if err != nil {
			slog.Error(fmt.Sprintf("Fatal: Could not create socket listener: %v", err))
			os.Exit(1)
		}
	}

	os.WriteFile(pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644)
	defer os.Remove(pidFilePath)
	defer os.Remove(socketPath)

	d.listener = listener
	slog.Info(fmt.Sprintf("Daemon listening on %s", socketPath))

	// A broker left over from a crashed daemon would violate the single
	// instance guarantee, so it is cleaned up before anything can spawn.
	if d.cleanOrphanBroker() {
		slog.Info("Cleaned up orphan broker from previous daemon")
		if d.database != nil {
			d.database.LogDaemonEvent("orphan_cleanup", "terminated orphan broker from previous daemon")
		}
	}

	// Watch config file for changes
	d.watchConfig()

	// Graceful shutdown on SIGTERM/SIGINT
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-shutdownChan
		slog.Info("Shutdown signal received. Stopping broker.")
		d.shutdown()
		if d.listener != nil {
			d.listener.Close()
		}
		os.Exit(0)
	}()

	// Accept connections in a loop
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if !strings.Contains(err.Error(), "use of closed network connection") {
				slog.Info(fmt.Sprintf("Error accepting connection: %v", err))
			}
			break
		}
		go d.handleConnection(conn)
	}
}

func (d *Daemon) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}

	parts := strings.Fields(scanner.Text())
	if len(parts) == 0 {
		return
	}
	command := parts[0]

	if command != "VERSION" {
		slog.Info(fmt.Sprintf("Executing command: %s", command))
	}

	var response Response
	switch command {
	case "START":
		response = d.startBroker(conn)
	case "STOP":
		response = d.stopBroker()
	case "STATUS":
		response = d.getStatus()
	case "LOGS":
		// LOGS streams plain text and owns the connection until the viewer closes
		d.handleLogs(conn)
		return
	case "EVENTS":
		response = d.getEvents(parts[1:])
	case "VERSION":
		response = d.getVersion()
	case "SHUTDOWN":
		response.AddMessage("Daemon shutting down", "INFO")
		conn.Write([]byte(response.ToJSON() + "\n"))
		conn.Close()
		d.shutdown()
		if d.listener != nil {
			d.listener.Close()
		}
		os.Exit(0)
	default:
		response.AddMessage(fmt.Sprintf("Unknown command: %s", command), "ERROR")
	}

	conn.Write([]byte(response.ToJSON() + "\n"))
}

// startBroker ensures the broker is running and reports the resolved endpoint
// back to the client. The supervisor call itself never blocks; when the
// broker is still negotiating, progress is streamed and the handler waits for
// the readiness callback while watching for the client to give up.
func (d *Daemon) startBroker(conn net.Conn) Response {
	var response Response

	readyCh := make(chan string, 1)
	err := d.sup.Start(func(endpoint string) {
		select {
		case readyCh <- endpoint:
		default:
		}
	})
	if err != nil {
		response.AddMessage(fmt.Sprintf("Failed to start broker: %v", err), "ERROR")
		return response
	}

	// Already running: the callback ran inline
	select {
	case endpoint := <-readyCh:
		response.AddMessage("Broker is running", "INFO")
		response.AddData(map[string]string{"endpoint": endpoint})
		return response
	default:
	}

	stream := NewStreamingResponse(conn)
	stream.WriteMessage("Broker starting, waiting for pipe announcement...", "INFO")

	// Detect when the client disconnects so we don't hold this goroutine
	// forever on a broker that never becomes ready.
	clientGone := make(chan struct{})
	go func() {
		reader := bufio.NewReader(conn)
		io.Copy(io.Discard, reader)
		close(clientGone)
	}()

	select {
	case endpoint := <-readyCh:
		response.AddMessage("Broker is ready", "INFO")
		response.AddData(map[string]string{"endpoint": endpoint})
	case <-clientGone:
		slog.Debug("Client disconnected before broker became ready")
	case <-d.ctx.Done():
	}
	return response
}

func (d *Daemon) stopBroker() Response {
	var response Response
	if d.sup.Stop() {
		response.AddMessage("Broker stopped", "INFO")
	} else {
		response.AddMessage("Broker is not running", "INFO")
	}
	return response
}

// DaemonStatus is the STATUS payload sent to clients.
type DaemonStatus struct {
	Broker        broker.Status `json:"broker"`
	DaemonPid     int           `json:"daemon_pid"`
	DaemonVersion string        `json:"daemon_version"`
	DaemonStarted string        `json:"daemon_started"`
	LogLines      int           `json:"log_lines"`
}

func (d *Daemon) getStatus() Response {
	var response Response
	response.AddData(DaemonStatus{
		Broker:        d.sup.Status(),
		DaemonPid:     os.Getpid(),
		DaemonVersion: core.FormatVersion(core.Version),
		DaemonStarted: d.startTime.Format(time.RFC3339),
		LogLines:      d.sup.Recorder().Len(),
	})
	return response
}

func (d *Daemon) getEvents(args []string) Response {
	var response Response
	if d.database == nil {
		response.AddMessage("Event database is not available", "ERROR")
		return response
	}

	limit := 20
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := d.database.GetRecentBrokerEvents(limit)
	if err != nil {
		response.AddMessage(fmt.Sprintf("Failed to read events: %v", err), "ERROR")
		return response
	}
	response.AddData(events)
	return response
}

func (d *Daemon) getVersion() Response {
	var response Response
	response.AddData(map[string]string{
		"version": core.FormatVersion(core.Version),
	})
	return response
}

func (d *Daemon) shutdown() {
	d.shutdownOnce.Do(func() {
		slog.Info("Executing shutdown sequence...")

		d.sup.Stop()

		if d.cancelFunc != nil {
			d.cancelFunc()
		}

		if d.database != nil {
			version := core.FormatVersion(core.Version)
			details := fmt.Sprintf("daemon stopped - version: %s, PID: %d", version, os.Getpid())
			if err := d.database.LogDaemonEvent("stop", details); err != nil {
				slog.Error("Failed to log daemon stop event", "error", err)
			}
			if err := d.database.Flush(); err != nil {
				slog.Error("Failed to flush database", "error", err)
			}
			if err := d.database.Close(); err != nil {
				slog.Error("Failed to close database", "error", err)
			}
		}
	})
}

// watchConfig reloads broker settings when the config file changes. Only the
// log level is picked up live; it applies to the next spawn.
func (d *Daemon) watchConfig() {
	configPath := core.GetConfigFilePath()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("Failed to create config file watcher", "error", err)
		return
	}

	if err := watcher.Add(configPath); err != nil {
		slog.Debug("Config file not watchable", "error", err, "path", configPath)
		watcher.Close()
		return
	}

	var reloadTimer *time.Timer
	var reloadMutex sync.Mutex

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-d.ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				slog.Debug("Filesystem event on config file", "event", event.Op.String(), "file", event.Name)

				// Editors using atomic writes remove the original from the
				// watch list, so re-add after RENAME/REMOVE/CREATE.
				if event.Op&(fsnotify.Rename|fsnotify.Remove|fsnotify.Create) != 0 {
					go func() {
						for attempt := 0; attempt < 5; attempt++ {
							if attempt > 0 {
								delay := time.Duration(10<<uint(attempt-1)) * time.Millisecond
								time.Sleep(delay)
							}
							watcher.Remove(configPath)
							if err := watcher.Add(configPath); err == nil {
								return
							} else if attempt == 4 {
								slog.Error("Failed to re-add config watch", "error", err, "path", configPath)
							}
						}
					}()
				}

				// Debounce: editors fire several events per save
				reloadMutex.Lock()
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadTimer = time.AfterFunc(500*time.Millisecond, func() {
					if err := d.reloadConfig(); err != nil {
						slog.Error("Failed to reload config", "error", err)
					}
				})
				reloadMutex.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watcher error", "error", err)
			}
		}
	}()
}

func (d *Daemon) reloadConfig() error {
	if err := core.Config.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to re-read config: %w", err)
	}

	d.sup.SetLogLevel(core.GetBrokerLogLevel())
	slog.Info("Config reloaded", "broker_log_level", core.GetBrokerLogLevel())
	if d.database != nil {
		d.database.LogDaemonEvent("config_reload", "config file changed on disk")
	}
	return nil
}
