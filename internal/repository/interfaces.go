package repository

import (
	"context"
	"time"

	"github.com/medsync/agent/internal/models"
)

// RecordWriter is held only by the record service. It may create, overwrite
// and delete records but has no way to set the synced flag on its own.
type RecordWriter interface {
	PutMedicine(ctx context.Context, m *models.MedicineRecord) error
	PutDoseEvent(ctx context.Context, d *models.DoseEvent) error
	PutProfile(ctx context.Context, p *models.UserProfile) error
	Delete(ctx context.Context, target models.EntityKind, id string) error
}

// RecordReader defines read access to the Local Store
type RecordReader interface {
	GetMedicine(ctx context.Context, id string) (*models.MedicineRecord, error)
	GetDoseEvent(ctx context.Context, id string) (*models.DoseEvent, error)
	GetProfile(ctx context.Context, email string) (*models.UserProfile, error)
	MedicinesByOwner(ctx context.Context, email string) ([]*models.MedicineRecord, error)
	DoseEventsByOwner(ctx context.Context, email string) ([]*models.DoseEvent, error)
	DoseEventsByMedicine(ctx context.Context, medicineID string) ([]*models.DoseEvent, error)
	ProfilesByOwner(ctx context.Context, email string) ([]*models.UserProfile, error)
	GetUnconfirmed(ctx context.Context) ([]*models.DoseEvent, error)
}

// SyncConfirmer is held only by the sync manager
type SyncConfirmer interface {
	MarkConfirmed(ctx context.Context, target models.EntityKind, id string) error
}

// LocalStoreRepo is the full Local Store surface
type LocalStoreRepo interface {
	RecordWriter
	RecordReader
	SyncConfirmer
}

// QueueRepo defines persistence for the sync queue
type QueueRepo interface {
	Enqueue(ctx context.Context, op *models.SyncOperation) error
	PeekHead(ctx context.Context) (*models.SyncOperation, error)
	DequeueHead(ctx context.Context, id string) (bool, error)
	IncrementRetry(ctx context.Context, id string) (int, error)
	Size(ctx context.Context) (int, error)
	List(ctx context.Context) ([]*models.SyncOperation, error)
	PendingForTarget(ctx context.Context, target models.EntityKind, id string) (int, error)
}

// StateRepo defines the agent key/value store
type StateRepo interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	GetAll(ctx context.Context) (map[string]string, error)
	GetTime(ctx context.Context, key string) (time.Time, error)
	SetTime(ctx context.Context, key string, t time.Time) error
}

var (
	_ LocalStoreRepo = (*LocalStore)(nil)
	_ QueueRepo      = (*SyncQueueRepository)(nil)
	_ StateRepo      = (*AgentStateRepository)(nil)
)
