package repository

import (
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// NewPostgresDB creates and initializes a PostgreSQL-backed store
func NewPostgresDB(connStr string) (*DB, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, err
	}

	return newDB(db, DialectPostgres), nil
}

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS medicines (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		dose TEXT NOT NULL DEFAULT '',
		unit TEXT NOT NULL,
		schedule_times TEXT NOT NULL,
		stock_count INTEGER NOT NULL DEFAULT 0 CHECK (stock_count >= 0),
		photo_url TEXT NOT NULL DEFAULT '',
		owner_email TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_date TEXT NOT NULL,
		synced BOOLEAN NOT NULL DEFAULT FALSE,
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
		synced BOOLEAN NOT NULL DEFAULT FALSE,
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
		synced BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS sync_queue (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT UNIQUE NOT NULL,
		kind TEXT NOT NULL,
		target_entity TEXT NOT NULL,
		target_id TEXT NOT NULL,
		owner_email TEXT NOT NULL,
		payload TEXT NOT NULL,
		enqueued_at_ms BIGINT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		confirmed BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_sync_queue_target ON sync_queue(target_entity, target_id);

	CREATE TABLE IF NOT EXISTS agent_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	);
`
