package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/medsync/agent/internal/auth"
	"github.com/medsync/agent/internal/models"
	"github.com/medsync/agent/internal/remote"
	"github.com/medsync/agent/internal/repository"
)

const (
	testOwner   = "ayse@example.com"
	testStoreID = "sheet-1"
)

// fakeNotifier records every event the sync manager publishes
type fakeNotifier struct {
	mu       sync.Mutex
	statuses []models.SyncStatus
	dropped  []models.DroppedOperation
}

func (n *fakeNotifier) SyncStatusChanged(status models.SyncStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, status)
}

func (n *fakeNotifier) OperationDropped(dropped models.DroppedOperation) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropped = append(n.dropped, dropped)
}

func (n *fakeNotifier) Dropped() []models.DroppedOperation {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.DroppedOperation(nil), n.dropped...)
}

type testEnv struct {
	db       *repository.DB
	path     string
	store    *repository.LocalStore
	state    *repository.AgentStateRepository
	queue    *SyncQueue
	remote   *remote.MemoryStore
	creds    *auth.StaticProvider
	notifier *fakeNotifier
	manager  *SyncManager
	records  *RecordService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvAt(t, filepath.Join(t.TempDir(), "medsync.db"))
}

// newTestEnvAt opens (or reopens) the store at path, as a restart would
func newTestEnvAt(t *testing.T, path string) *testEnv {
	t.Helper()
	db, err := repository.Open(path, "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		db:       db,
		path:     path,
		store:    repository.NewLocalStore(db),
		state:    repository.NewAgentStateRepository(db),
		queue:    NewSyncQueue(repository.NewSyncQueueRepository(db)),
		remote:   remote.NewMemoryStore(),
		creds:    auth.NewStaticProvider("test-token", time.Minute),
		notifier: &fakeNotifier{},
	}
	env.manager = NewSyncManager(env.queue, env.store, env.store, env.remote, env.creds, env.notifier, env.state, SyncManagerConfig{
		DefaultStoreID:   testStoreID,
		MaxRetries:       3,
		OperationTimeout: 5 * time.Second,
		// Long enough that timers never fire during a test that drives Drain by hand
		BackoffInitial: time.Hour,
		BackoffMax:     time.Hour,
	})
	env.records = NewRecordService(env.store, env.queue, env.manager, env.remote, testStoreID)
	return env
}

func (e *testEnv) queueSize(t *testing.T) int {
	t.Helper()
	n, err := e.queue.Size(context.Background())
	require.NoError(t, err)
	return n
}

func testMedicineInput(stock int) *models.MedicineRecord {
	return &models.MedicineRecord{
		Name:          "Aspirin",
		Dose:          "100",
		Unit:          models.UnitMg,
		ScheduleTimes: models.ScheduleTimes{"08:00", "20:00"},
		StockCount:    stock,
	}
}

func medicineWithID(id string, stock int) *models.MedicineRecord {
	m := testMedicineInput(stock)
	m.ID = id
	m.OwnerEmail = testOwner
	m.Active = true
	return m
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	op, err := models.NewSyncOperation(models.KindInsert, models.EntityMedicine, "x", testOwner, v)
	require.NoError(t, err)
	return op.Payload
}
