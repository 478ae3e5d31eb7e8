package repository

import (
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// NewSQLiteDB creates and initializes the on-device SQLite store
func NewSQLiteDB(dbPath string) (*DB, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// SQLite allows a single writer; serialize through one connection
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}

	return newDB(db, DialectSQLite), nil
}

const sqliteSchema = `
	-- Domain records
	CREATE TABLE IF NOT EXISTS medicines (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		dose TEXT NOT NULL DEFAULT '',
		unit TEXT NOT NULL,
		schedule_times TEXT NOT NULL,
		stock_count INTEGER NOT NULL DEFAULT 0 CHECK (stock_count >= 0),
		photo_url TEXT NOT NULL DEFAULT '',
		owner_email TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT 1,
		created_date TEXT NOT NULL,
		synced BOOLEAN NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_medicines_owner ON medicines(owner_email);

	CREATE TABLE IF NOT EXISTS dose_events (
		id TEXT PRIMARY KEY,
		medicine_id TEXT NOT NULL,
		owner_email TEXT NOT NULL,
		date TEXT NOT NULL,
		time TEXT NOT NULL,
		status TEXT NOT NULL,
		snooze_minutes INTEGER NOT NULL DEFAULT 0,
		note TEXT NOT NULL DEFAULT '',
		synced BOOLEAN NOT NULL DEFAULT 0,
		created_at_ms BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_dose_events_owner ON dose_events(owner_email);
	CREATE INDEX IF NOT EXISTS idx_dose_events_medicine ON dose_events(medicine_id);
	CREATE INDEX IF NOT EXISTS idx_dose_events_synced ON dose_events(synced);

	CREATE TABLE IF NOT EXISTS profiles (
		email TEXT PRIMARY KEY,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL,
		gender TEXT NOT NULL DEFAULT '',
		age INTEGER NOT NULL DEFAULT 0,
		conditions TEXT NOT NULL DEFAULT '',
		remote_sheet_id TEXT NOT NULL DEFAULT '',
		created_date TEXT NOT NULL,
		synced BOOLEAN NOT NULL DEFAULT 0
	);

	-- Pending mutations, kept apart from the domain tables
	CREATE TABLE IF NOT EXISTS sync_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		kind TEXT NOT NULL,
		target_entity TEXT NOT NULL,
		target_id TEXT NOT NULL,
		owner_email TEXT NOT NULL,
		payload TEXT NOT NULL,
		enqueued_at_ms BIGINT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		confirmed BOOLEAN NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_sync_queue_target ON sync_queue(target_entity, target_id);

	-- Agent bookkeeping (last backup, drive file id, device id)
	CREATE TABLE IF NOT EXISTS agent_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	);
`
