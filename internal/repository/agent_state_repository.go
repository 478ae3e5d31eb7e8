package repository

import (
	"context"
	"strconv"
	"time"
)

const (
	StateKeyLastBackupAt = "last_backup_at"
	StateKeyLastSyncAt   = "last_sync_at"
	StateKeyOwnerEmail   = "owner_email"
	StateKeyDriveFileID  = "last_drive_file_id"
	StateKeyDriveAt      = "last_drive_backup_at"
)

// AgentStateRepository stores small key/value facts the agent needs across restarts
type AgentStateRepository struct {
	db *DB
}

// NewAgentStateRepository creates a new AgentStateRepository
func NewAgentStateRepository(db *DB) *AgentStateRepository {
	return &AgentStateRepository{db: db}
}

// Get returns the value for key, or "" if it was never set
func (r *AgentStateRepository) Get(ctx context.Context, key string) (string, error) {
	var value string
	query := r.db.Rebind(`SELECT value FROM agent_state WHERE key = ?`)

	err := r.db.withRetry(ctx, "get state", func() error {
		err := r.db.GetContext(ctx, &value, query, key)
		if isNoRows(err) {
			value = ""
			return nil
		}
		return err
	})
	return value, err
}

// Set upserts key
func (r *AgentStateRepository) Set(ctx context.Context, key, value string) error {
	query := r.db.Rebind(`
		INSERT INTO agent_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`)
	return r.db.withRetry(ctx, "set state", func() error {
		_, err := r.db.ExecContext(ctx, query, key, value, time.Now().UnixMilli())
		return err
	})
}

func (r *AgentStateRepository) GetAll(ctx context.Context) (map[string]string, error) {
	type kv struct {
		Key   string `db:"key"`
		Value string `db:"value"`
	}
	var rows []kv
	err := r.db.withRetry(ctx, "list state", func() error {
		rows = rows[:0]
		return r.db.SelectContext(ctx, &rows, `SELECT key, value FROM agent_state`)
	})
	if err != nil {
		return nil, err
	}

	result := make(map[string]string, len(rows))
	for _, row := range rows {
		result[row.Key] = row.Value
	}
	return result, nil
}

// GetTime reads a unix-millis timestamp; zero time when unset or malformed
func (r *AgentStateRepository) GetTime(ctx context.Context, key string) (time.Time, error) {
	value, err := r.Get(ctx, key)
	if err != nil || value == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms).UTC(), nil
}

// SetTime stores t as unix millis
func (r *AgentStateRepository) SetTime(ctx context.Context, key string, t time.Time) error {
	return r.Set(ctx, key, strconv.FormatInt(t.UnixMilli(), 10))
}
