package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection and provides event logging methods
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the SQLite database at the specified path
func Open(path string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := &DB{
		conn: conn,
		path: path,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		// Checkpoint the WAL so all data reaches the main database file
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

// Flush forces a WAL checkpoint to write pending changes to the main database file
func (db *DB) Flush() error {
	if db.conn != nil {
		_, err := db.conn.Exec("PRAGMA wal_checkpoint(RESTART)")
		return err
	}
	return nil
}

// initSchema creates the database tables if they don't exist
func (db *DB) initSchema() error {
	schema := `
	-- Broker lifecycle events
	CREATE TABLE IF NOT EXISTS broker_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Daemon lifecycle events
	CREATE TABLE IF NOT EXISTS daemon_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Indexes for common queries
	CREATE INDEX IF NOT EXISTS idx_broker_events_timestamp ON broker_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_broker_events_type ON broker_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_daemon_events_timestamp ON daemon_events(timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// BrokerEvent represents a broker lifecycle event
type BrokerEvent struct {
	ID        int64
	EventType string
	Details   string
	Timestamp time.Time
}

// LogBrokerEvent logs a broker lifecycle event to the database
func (db *DB) LogBrokerEvent(eventType, details string) error {
	// Retry briefly if database is locked (3 attempts, 5ms between).
	// Best-effort - we never want event logging to block the supervisor.
	maxRetries := 3
	for i := 0; i < maxRetries; i++ {
		_, err := db.conn.Exec(
			`INSERT INTO broker_events (event_type, details, timestamp)
			 VALUES (?, ?, ?)`,
			eventType, details, time.Now(),
		)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed to log broker event after %d retries: database locked", maxRetries)
}

// DaemonEvent represents a daemon lifecycle event
type DaemonEvent struct {
	ID        int64
	EventType string
	Details   string
	Timestamp time.Time
}

// LogDaemonEvent logs a daemon lifecycle event to the database
func (db *DB) LogDaemonEvent(eventType, details string) error {
	_, err := db.conn.Exec(
		`INSERT INTO daemon_events (event_type, details, timestamp)
		 VALUES (?, ?, ?)`,
		eventType, details, time.Now(),
	)
	return err
}

// GetRecentBrokerEvents retrieves the most recent broker events, newest first
func (db *DB) GetRecentBrokerEvents(limit int) ([]BrokerEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, event_type, details, timestamp
		 FROM broker_events
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []BrokerEvent
	for rows.Next() {
		var e BrokerEvent
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.EventType, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Details = details.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetRecentDaemonEvents retrieves the most recent daemon events, newest first
func (db *DB) GetRecentDaemonEvents(limit int) ([]DaemonEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, event_type, details, timestamp
		 FROM daemon_events
		 ORDER BY timestamp DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []DaemonEvent
	for rows.Next() {
		var e DaemonEvent
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.EventType, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Details = details.String
		events = append(events, e)
	}
	return events, rows.Err()
}
