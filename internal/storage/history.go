// Package storage keeps the bridge's local history in SQLite: observed
// entity state changes and fired smart alarm actions. History is
// best-effort; a write failure is the caller's to log, never to propagate.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// EntityEvent is one recorded entity state change. Value is stored as JSON
// so the raw wire scalar survives round-trips.
type EntityEvent struct {
	ID         int64       `json:"id"`
	EntityID   string      `json:"entity_id"`
	Value      interface{} `json:"value"`
	ObservedAt time.Time   `json:"observed_at"`
}

// AlarmFiring is one recorded smart alarm action.
type AlarmFiring struct {
	ID       int64     `json:"id"`
	RuleID   string    `json:"rule_id"`
	RuleName string    `json:"rule_name"`
	Action   string    `json:"action"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	FiredAt  time.Time `json:"fired_at"`
}

// DB wraps the SQLite history database.
type DB struct {
	conn *sql.DB
}

// Open opens or creates the history database.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the database schema.
func (db *DB) migrate() error {
	schema := `
	-- Observed entity state changes
	CREATE TABLE IF NOT EXISTS entity_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id TEXT NOT NULL,
		value TEXT NOT NULL,
		observed_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entity_events_entity
		ON entity_events(entity_id, observed_at);

	-- Fired smart alarm actions
	CREATE TABLE IF NOT EXISTS alarm_firings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rule_id TEXT NOT NULL,
		rule_name TEXT NOT NULL,
		action TEXT NOT NULL,
		ok INTEGER NOT NULL,
		error TEXT,
		fired_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_alarm_firings_rule
		ON alarm_firings(rule_id, fired_at);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// RecordEntityEvent appends one entity state change.
func (db *DB) RecordEntityEvent(entityID string, value interface{}, at time.Time) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	_, err = db.conn.Exec(
		`INSERT INTO entity_events (entity_id, value, observed_at) VALUES (?, ?, ?)`,
		entityID, string(encoded), at.UTC(),
	)
	return err
}

// RecordAlarmFiring appends one fired action.
func (db *DB) RecordAlarmFiring(ruleID, ruleName, action string, ok bool, errMsg string, at time.Time) error {
	_, err := db.conn.Exec(
		`INSERT INTO alarm_firings (rule_id, rule_name, action, ok, error, fired_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ruleID, ruleName, action, ok, errMsg, at.UTC(),
	)
	return err
}

// RecentEntityEvents returns up to limit events, newest first.
func (db *DB) RecentEntityEvents(limit int) ([]EntityEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, entity_id, value, observed_at FROM entity_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EntityEvent
	for rows.Next() {
		var ev EntityEvent
		var encoded string
		if err := rows.Scan(&ev.ID, &ev.EntityID, &encoded, &ev.ObservedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(encoded), &ev.Value); err != nil {
			ev.Value = encoded
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// RecentAlarmFirings returns up to limit firings, newest first.
func (db *DB) RecentAlarmFirings(limit int) ([]AlarmFiring, error) {
	rows, err := db.conn.Query(
		`SELECT id, rule_id, rule_name, action, ok, error, fired_at FROM alarm_firings ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var firings []AlarmFiring
	for rows.Next() {
		var f AlarmFiring
		var errMsg sql.NullString
		if err := rows.Scan(&f.ID, &f.RuleID, &f.RuleName, &f.Action, &f.OK, &errMsg, &f.FiredAt); err != nil {
			return nil, err
		}
		f.Error = errMsg.String
		firings = append(firings, f)
	}
	return firings, rows.Err()
}
