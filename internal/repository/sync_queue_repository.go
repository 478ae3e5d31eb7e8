package repository

import (
	"context"
	"encoding/json"

	"github.com/medsync/agent/internal/models"
)

// SyncQueueRepository persists the FIFO of unconfirmed operations.
// Order is the insertion sequence, never the client timestamp.
type SyncQueueRepository struct {
	db *DB
}

// NewSyncQueueRepository creates a new SyncQueueRepository
func NewSyncQueueRepository(db *DB) *SyncQueueRepository {
	return &SyncQueueRepository{db: db}
}

// queueRow mirrors sync_queue; payload is stored as TEXT
type queueRow struct {
	Seq                   int64  `db:"seq"`
	ID                    string `db:"id"`
	Kind                  string `db:"kind"`
	TargetEntity          string `db:"target_entity"`
	TargetID              string `db:"target_id"`
	OwnerEmail            string `db:"owner_email"`
	Payload               string `db:"payload"`
	EnqueuedAtEpochMillis int64  `db:"enqueued_at_ms"`
	RetryCount            int    `db:"retry_count"`
	Confirmed             bool   `db:"confirmed"`
}

func (r queueRow) toOperation() *models.SyncOperation {
	return &models.SyncOperation{
		Seq:                   r.Seq,
		ID:                    r.ID,
		Kind:                  models.OperationKind(r.Kind),
		TargetEntity:          models.EntityKind(r.TargetEntity),
		TargetID:              r.TargetID,
		OwnerEmail:            r.OwnerEmail,
		Payload:               json.RawMessage(r.Payload),
		EnqueuedAtEpochMillis: r.EnqueuedAtEpochMillis,
		RetryCount:            r.RetryCount,
		Confirmed:             r.Confirmed,
	}
}

const queueColumns = `seq, id, kind, target_entity, target_id, owner_email, payload,
	enqueued_at_ms, retry_count, confirmed`

// Enqueue appends op at the tail and sets op.Seq
func (r *SyncQueueRepository) Enqueue(ctx context.Context, op *models.SyncOperation) error {
	query := r.db.Rebind(`
		INSERT INTO sync_queue (id, kind, target_entity, target_id, owner_email, payload,
			enqueued_at_ms, retry_count, confirmed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq
	`)

	return r.db.withRetry(ctx, "enqueue", func() error {
		return r.db.QueryRowxContext(ctx, query,
			op.ID, string(op.Kind), string(op.TargetEntity), op.TargetID, op.OwnerEmail,
			string(op.Payload), op.EnqueuedAtEpochMillis, op.RetryCount, op.Confirmed,
		).Scan(&op.Seq)
	})
}

// PeekHead returns the oldest operation, or nil when the queue is empty
func (r *SyncQueueRepository) PeekHead(ctx context.Context) (*models.SyncOperation, error) {
	var row queueRow
	found := true
	query := `SELECT ` + queueColumns + ` FROM sync_queue ORDER BY seq ASC LIMIT 1`

	err := r.db.withRetry(ctx, "peek head", func() error {
		err := r.db.GetContext(ctx, &row, query)
		if isNoRows(err) {
			found = false
			return nil
		}
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return row.toOperation(), nil
}

// DequeueHead removes the operation with the given id if it is still the head.
// Returns false when the head has moved on.
func (r *SyncQueueRepository) DequeueHead(ctx context.Context, id string) (bool, error) {
	query := r.db.Rebind(`
		DELETE FROM sync_queue
		WHERE id = ? AND seq = (SELECT MIN(seq) FROM sync_queue)
	`)

	var affected int64
	err := r.db.withRetry(ctx, "dequeue head", func() error {
		result, err := r.db.ExecContext(ctx, query, id)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	return affected > 0, err
}

// IncrementRetry bumps the retry count of an operation and returns the new value
func (r *SyncQueueRepository) IncrementRetry(ctx context.Context, id string) (int, error) {
	update := r.db.Rebind(`UPDATE sync_queue SET retry_count = retry_count + 1 WHERE id = ?`)
	read := r.db.Rebind(`SELECT retry_count FROM sync_queue WHERE id = ?`)

	var (
		count   int
		missing bool
	)
	err := r.db.withRetry(ctx, "increment retry", func() error {
		tx, err := r.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, update, id); err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &count, read, id); err != nil {
			if isNoRows(err) {
				missing = true
				return nil
			}
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	if missing {
		return 0, models.ErrRecordNotFound
	}
	return count, nil
}

// Size returns the number of queued operations
func (r *SyncQueueRepository) Size(ctx context.Context) (int, error) {
	var count int
	err := r.db.withRetry(ctx, "queue size", func() error {
		return r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM sync_queue`)
	})
	return count, err
}

// List returns every queued operation head first
func (r *SyncQueueRepository) List(ctx context.Context) ([]*models.SyncOperation, error) {
	rows := []queueRow{}
	query := `SELECT ` + queueColumns + ` FROM sync_queue ORDER BY seq ASC`

	err := r.db.withRetry(ctx, "list queue", func() error {
		rows = rows[:0]
		return r.db.SelectContext(ctx, &rows, query)
	})
	if err != nil {
		return nil, err
	}

	ops := make([]*models.SyncOperation, 0, len(rows))
	for _, row := range rows {
		ops = append(ops, row.toOperation())
	}
	return ops, nil
}

// PendingForTarget counts queued operations that touch the given record
func (r *SyncQueueRepository) PendingForTarget(ctx context.Context, target models.EntityKind, id string) (int, error) {
	query := r.db.Rebind(`SELECT COUNT(*) FROM sync_queue WHERE target_entity = ? AND target_id = ?`)

	var count int
	err := r.db.withRetry(ctx, "pending for target", func() error {
		return r.db.GetContext(ctx, &count, query, string(target), id)
	})
	return count, err
}
