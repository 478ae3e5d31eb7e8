package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medsync/agent/internal/models"
	"github.com/medsync/agent/internal/repository"
)

// SyncQueue is the durable FIFO of operations awaiting remote confirmation
type SyncQueue struct {
	repo repository.QueueRepo

	// gate serializes a local write with its enqueue, and a confirm with its
	// pending check, so synced is never set while a newer write is queued.
	gate sync.Mutex
}

// NewSyncQueue creates a new SyncQueue
func NewSyncQueue(repo repository.QueueRepo) *SyncQueue {
	return &SyncQueue{repo: repo}
}

// Enqueue appends op at the tail. The op is durable when this returns.
func (q *SyncQueue) Enqueue(ctx context.Context, op *models.SyncOperation) (*models.SyncOperation, error) {
	if !op.Kind.Valid() {
		return nil, models.ErrUnknownKind
	}
	if !op.TargetEntity.Valid() {
		return nil, models.ErrUnknownTarget
	}
	if op.TargetID == "" {
		return nil, models.ErrMissingKey
	}

	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.EnqueuedAtEpochMillis == 0 {
		op.EnqueuedAtEpochMillis = time.Now().UnixMilli()
	}
	op.RetryCount = 0
	op.Confirmed = false

	if err := q.repo.Enqueue(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

// PeekHead returns the oldest operation without removing it, or nil
func (q *SyncQueue) PeekHead(ctx context.Context) (*models.SyncOperation, error) {
	return q.repo.PeekHead(ctx)
}

// DequeueHead removes and returns the oldest operation, or nil when empty
func (q *SyncQueue) DequeueHead(ctx context.Context) (*models.SyncOperation, error) {
	head, err := q.repo.PeekHead(ctx)
	if err != nil || head == nil {
		return nil, err
	}
	if _, err := q.repo.DequeueHead(ctx, head.ID); err != nil {
		return nil, err
	}
	return head, nil
}

// Remove dequeues op only if it is still the head
func (q *SyncQueue) Remove(ctx context.Context, op *models.SyncOperation) (bool, error) {
	return q.repo.DequeueHead(ctx, op.ID)
}

// IncrementRetry persists one more failed attempt and returns the new count
func (q *SyncQueue) IncrementRetry(ctx context.Context, id string) (int, error) {
	return q.repo.IncrementRetry(ctx, id)
}

func (q *SyncQueue) Size(ctx context.Context) (int, error) {
	return q.repo.Size(ctx)
}

func (q *SyncQueue) IsEmpty(ctx context.Context) (bool, error) {
	n, err := q.repo.Size(ctx)
	return n == 0, err
}

// List returns every queued operation, head first
func (q *SyncQueue) List(ctx context.Context) ([]*models.SyncOperation, error) {
	return q.repo.List(ctx)
}

// PendingForTarget counts queued operations touching one record
func (q *SyncQueue) PendingForTarget(ctx context.Context, target models.EntityKind, id string) (int, error) {
	return q.repo.PendingForTarget(ctx, target, id)
}

// Serialize runs fn while holding the write gate
func (q *SyncQueue) Serialize(fn func() error) error {
	q.gate.Lock()
	defer q.gate.Unlock()
	return fn()
}
