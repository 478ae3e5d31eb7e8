package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medsync/agent/internal/models"
)

func newTestOperation(t *testing.T, kind models.OperationKind, target models.EntityKind, id string) *models.SyncOperation {
	t.Helper()
	op, err := models.NewSyncOperation(kind, target, id, "ayse@example.com", map[string]string{"id": id})
	require.NoError(t, err)
	return op
}

func TestSyncQueueRepository_FIFO(t *testing.T) {
	ctx := context.Background()
	db, _ := setupTestDB(t)
	repo := NewSyncQueueRepository(db)

	first := newTestOperation(t, models.KindInsert, models.EntityMedicine, "m1")
	second := newTestOperation(t, models.KindInsert, models.EntityDoseEvent, "d1")
	third := newTestOperation(t, models.KindUpdate, models.EntityMedicine, "m1")

	// Enqueue timestamps deliberately run backwards
	first.EnqueuedAtEpochMillis = 3000
	second.EnqueuedAtEpochMillis = 2000
	third.EnqueuedAtEpochMillis = 1000

	for _, op := range []*models.SyncOperation{first, second, third} {
		require.NoError(t, repo.Enqueue(ctx, op))
		assert.NotZero(t, op.Seq)
	}

	ops, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, []string{first.ID, second.ID, third.ID}, []string{ops[0].ID, ops[1].ID, ops[2].ID})

	head, err := repo.PeekHead(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, head.ID)
	assert.JSONEq(t, `{"id":"m1"}`, string(head.Payload))

	size, err := repo.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, size)
}

func TestSyncQueueRepository_DequeueHead(t *testing.T) {
	ctx := context.Background()
	db, _ := setupTestDB(t)
	repo := NewSyncQueueRepository(db)

	first := newTestOperation(t, models.KindInsert, models.EntityMedicine, "m1")
	second := newTestOperation(t, models.KindInsert, models.EntityMedicine, "m2")
	require.NoError(t, repo.Enqueue(ctx, first))
	require.NoError(t, repo.Enqueue(ctx, second))

	t.Run("does not remove an operation behind the head", func(t *testing.T) {
		removed, err := repo.DequeueHead(ctx, second.ID)
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("removes the head", func(t *testing.T) {
		removed, err := repo.DequeueHead(ctx, first.ID)
		require.NoError(t, err)
		assert.True(t, removed)

		head, err := repo.PeekHead(ctx)
		require.NoError(t, err)
		assert.Equal(t, second.ID, head.ID)
	})

	t.Run("empty queue peeks nil", func(t *testing.T) {
		removed, err := repo.DequeueHead(ctx, second.ID)
		require.NoError(t, err)
		assert.True(t, removed)

		head, err := repo.PeekHead(ctx)
		require.NoError(t, err)
		assert.Nil(t, head)
	})
}

func TestSyncQueueRepository_IncrementRetry(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "medsync.db")

	db := openTestDB(t, path)
	repo := NewSyncQueueRepository(db)

	op := newTestOperation(t, models.KindInsert, models.EntityDoseEvent, "d1")
	require.NoError(t, repo.Enqueue(ctx, op))

	count, err := repo.IncrementRetry(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = repo.IncrementRetry(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = repo.IncrementRetry(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrRecordNotFound)

	require.NoError(t, db.Close())

	// Retry counts survive a restart
	reopened := openTestDB(t, path)
	defer reopened.Close()

	head, err := NewSyncQueueRepository(reopened).PeekHead(ctx)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, op.ID, head.ID)
	assert.Equal(t, 2, head.RetryCount)
}

func TestSyncQueueRepository_PendingForTarget(t *testing.T) {
	ctx := context.Background()
	db, _ := setupTestDB(t)
	repo := NewSyncQueueRepository(db)

	require.NoError(t, repo.Enqueue(ctx, newTestOperation(t, models.KindInsert, models.EntityMedicine, "m1")))
	require.NoError(t, repo.Enqueue(ctx, newTestOperation(t, models.KindUpdate, models.EntityMedicine, "m1")))
	require.NoError(t, repo.Enqueue(ctx, newTestOperation(t, models.KindInsert, models.EntityDoseEvent, "m1")))

	tests := []struct {
		name   string
		target models.EntityKind
		id     string
		want   int
	}{
		{"two writes to one medicine", models.EntityMedicine, "m1", 2},
		{"same id on another entity", models.EntityDoseEvent, "m1", 1},
		{"nothing pending", models.EntityProfile, "ayse@example.com", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.PendingForTarget(ctx, tt.target, tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
