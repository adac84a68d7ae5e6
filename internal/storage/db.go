package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Valid call record statuses. The coordinator writes these as a best-effort
// audit trail; a failed write never blocks or reverses a call.
const (
	StatusCalling   = "calling"
	StatusConnected = "connected"
	StatusEnded     = "ended"
	StatusDeclined  = "declined"
)

// DB wraps the peer's SQLite database holding call records.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the SQLite database in the given peer directory.
func Open(peerDir string) (*DB, error) {
	dbPath := filepath.Join(peerDir, "data.db")

	if err := os.MkdirAll(peerDir, 0755); err != nil {
		return nil, fmt.Errorf("create peer dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id         TEXT PRIMARY KEY,
			caller_id  TEXT NOT NULL,
			callee_id  TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'calling',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// CreateCallRecord inserts the audit row for a new call attempt.
func (d *DB) CreateCallRecord(id, callerID, calleeID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT INTO calls (id, caller_id, callee_id, status) VALUES (?, ?, ?, ?)
	`, id, callerID, calleeID, StatusCalling)
	if err != nil {
		return fmt.Errorf("create call record: %w", err)
	}
	return nil
}

// UpdateCallStatus moves a call record to a new status. Updating a record
// that was never created (e.g. the caller's insert failed earlier) is not an
// error — the audit trail is best-effort by contract.
func (d *DB) UpdateCallStatus(id, status string) error {
	switch status {
	case StatusCalling, StatusConnected, StatusEnded, StatusDeclined:
	default:
		return fmt.Errorf("invalid call status %q", status)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		UPDATE calls SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, id)
	if err != nil {
		return fmt.Errorf("update call %s: %w", id, err)
	}
	return nil
}

// CallRecord is one row of the call audit trail.
type CallRecord struct {
	ID        string    `json:"id"`
	CallerID  string    `json:"caller_id"`
	CalleeID  string    `json:"callee_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecentCalls returns the newest call records, most recent first.
func (d *DB) RecentCalls(limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.db.Query(`
		SELECT id, caller_id, callee_id, status, created_at, updated_at
		FROM calls ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var r CallRecord
		if err := rows.Scan(&r.ID, &r.CallerID, &r.CalleeID, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
