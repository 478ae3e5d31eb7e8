package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medsync/agent/internal/models"
	"github.com/medsync/agent/internal/remote"
)

type countingListener struct{ calls int }

func (l *countingListener) NotifyEnqueued() { l.calls++ }

func newRecordService(t *testing.T) (*RecordService, *testEnv, *countingListener) {
	t.Helper()
	env := newTestEnv(t)
	listener := &countingListener{}
	svc := NewRecordService(env.store, env.queue, listener, env.remote, testStoreID)
	svc.now = func() time.Time { return time.Date(2024, 3, 15, 8, 5, 0, 0, time.UTC) }
	return svc, env, listener
}

func TestRecordService_AddMedicine(t *testing.T) {
	ctx := context.Background()
	svc, env, listener := newRecordService(t)

	created, err := svc.AddMedicine(ctx, testOwner, testMedicineInput(10))
	require.NoError(t, err)
	assert.Contains(t, created.ID, "med-")
	assert.True(t, created.Active)
	assert.False(t, created.Synced)

	stored, err := env.store.GetMedicine(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 10, stored.StockCount)

	ops, err := env.queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, models.KindInsert, ops[0].Kind)
	assert.Equal(t, models.EntityMedicine, ops[0].TargetEntity)
	assert.Equal(t, created.ID, ops[0].TargetID)
	assert.Equal(t, testOwner, ops[0].OwnerEmail)
	assert.Equal(t, 1, listener.calls)
}

func TestRecordService_RejectsInvalidRecords(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		input func() *models.MedicineRecord
	}{
		{"no schedule", func() *models.MedicineRecord {
			m := testMedicineInput(10)
			m.ScheduleTimes = nil
			return m
		}},
		{"bad time", func() *models.MedicineRecord {
			m := testMedicineInput(10)
			m.ScheduleTimes = models.ScheduleTimes{"25:00"}
			return m
		}},
		{"unknown unit", func() *models.MedicineRecord {
			m := testMedicineInput(10)
			m.Unit = "bucket"
			return m
		}},
		{"negative stock", func() *models.MedicineRecord {
			return testMedicineInput(-1)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, env, listener := newRecordService(t)

			_, err := svc.AddMedicine(ctx, testOwner, tt.input())
			assert.ErrorIs(t, err, models.ErrInvalidRecord)
			assert.Equal(t, 0, env.queueSize(t))
			assert.Zero(t, listener.calls)

			medicines, err := env.store.MedicinesByOwner(ctx, testOwner)
			require.NoError(t, err)
			assert.Empty(t, medicines)
		})
	}
}

func TestRecordService_RecordDose(t *testing.T) {
	ctx := context.Background()

	t.Run("taken dose queues the event before the stock update", func(t *testing.T) {
		svc, env, _ := newRecordService(t)
		med, err := svc.AddMedicine(ctx, testOwner, testMedicineInput(10))
		require.NoError(t, err)

		event, updated, err := svc.RecordDose(ctx, testOwner, med.ID, models.RecordDoseRequest{Status: models.DoseStatusTaken})
		require.NoError(t, err)
		assert.Equal(t, "2024-03-15", event.Date)
		assert.Equal(t, "08:05", event.Time)
		assert.Equal(t, 9, updated.StockCount)

		ops, err := env.queue.List(ctx)
		require.NoError(t, err)
		require.Len(t, ops, 3)
		assert.Equal(t, models.EntityDoseEvent, ops[1].TargetEntity)
		assert.Equal(t, event.ID, ops[1].TargetID)
		assert.Equal(t, models.EntityMedicine, ops[2].TargetEntity)
		assert.Equal(t, models.KindUpdate, ops[2].Kind)
		assert.Less(t, ops[1].Seq, ops[2].Seq)

		queued, err := ops[2].Medicine()
		require.NoError(t, err)
		assert.Equal(t, 9, queued.StockCount)
	})

	t.Run("stock never goes below zero", func(t *testing.T) {
		svc, env, _ := newRecordService(t)
		med, err := svc.AddMedicine(ctx, testOwner, testMedicineInput(0))
		require.NoError(t, err)

		_, updated, err := svc.RecordDose(ctx, testOwner, med.ID, models.RecordDoseRequest{Status: models.DoseStatusTaken})
		require.NoError(t, err)
		assert.Equal(t, 0, updated.StockCount)

		stored, err := env.store.GetMedicine(ctx, med.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, stored.StockCount)
	})

	t.Run("snoozed dose leaves stock alone", func(t *testing.T) {
		svc, env, _ := newRecordService(t)
		med, err := svc.AddMedicine(ctx, testOwner, testMedicineInput(4))
		require.NoError(t, err)

		event, updated, err := svc.RecordDose(ctx, testOwner, med.ID, models.RecordDoseRequest{
			Status: models.DoseStatusSnoozed, SnoozeMinutes: 15,
		})
		require.NoError(t, err)
		assert.Equal(t, 15, event.SnoozeMinutes)
		assert.Equal(t, 4, updated.StockCount)
		assert.Equal(t, 2, env.queueSize(t))
	})

	t.Run("unknown medicine", func(t *testing.T) {
		svc, _, _ := newRecordService(t)

		_, _, err := svc.RecordDose(ctx, testOwner, "missing", models.RecordDoseRequest{Status: models.DoseStatusTaken})
		assert.ErrorIs(t, err, models.ErrRecordNotFound)
	})
}

func TestRecordService_Ownership(t *testing.T) {
	ctx := context.Background()
	svc, env, _ := newRecordService(t)

	med, err := svc.AddMedicine(ctx, testOwner, testMedicineInput(10))
	require.NoError(t, err)

	_, err = svc.UpdateMedicine(ctx, "mehmet@example.com", med.ID, testMedicineInput(1))
	assert.ErrorIs(t, err, models.ErrOwnerMismatch)

	_, err = svc.DeactivateMedicine(ctx, "mehmet@example.com", med.ID)
	assert.ErrorIs(t, err, models.ErrOwnerMismatch)

	_, err = svc.UpdateMedicine(ctx, testOwner, "missing", testMedicineInput(1))
	assert.ErrorIs(t, err, models.ErrRecordNotFound)

	// Owner emails compare case-insensitively
	deactivated, err := svc.DeactivateMedicine(ctx, "  AYSE@example.com ", med.ID)
	require.NoError(t, err)
	assert.False(t, deactivated.Active)
	assert.Equal(t, 2, env.queueSize(t))
}

func TestRecordService_EnqueueWrite(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects bad requests without touching the queue", func(t *testing.T) {
		tests := []struct {
			name    string
			kind    models.OperationKind
			target  models.EntityKind
			payload json.RawMessage
			want    error
		}{
			{"unknown kind", "UPSERT", models.EntityMedicine, json.RawMessage(`{}`), models.ErrUnknownKind},
			{"unknown target", models.KindInsert, "photo", json.RawMessage(`{}`), models.ErrUnknownTarget},
			{"empty payload", models.KindInsert, models.EntityDoseEvent, nil, models.ErrInvalidRecord},
			{"malformed payload", models.KindInsert, models.EntityDoseEvent, json.RawMessage(`{"id":`), models.ErrInvalidRecord},
			{"missing id", models.KindInsert, models.EntityDoseEvent, json.RawMessage(`{"medicineId":"m1"}`), models.ErrMissingKey},
			{"update of unknown record", models.KindUpdate, models.EntityMedicine, mustJSON(t, medicineWithID("m9", 1)), models.ErrRecordNotFound},
			{"delete of unknown record", models.KindDelete, models.EntityDoseEvent, json.RawMessage(`{"id":"d9"}`), models.ErrRecordNotFound},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				svc, env, _ := newRecordService(t)

				_, err := svc.EnqueueWrite(ctx, tt.kind, tt.target, tt.payload)
				assert.ErrorIs(t, err, tt.want)
				assert.Equal(t, 0, env.queueSize(t))
			})
		}
	})

	t.Run("delete removes locally and queues the last known record", func(t *testing.T) {
		svc, env, _ := newRecordService(t)

		_, err := svc.EnqueueWrite(ctx, models.KindInsert, models.EntityMedicine, mustJSON(t, medicineWithID("m1", 3)))
		require.NoError(t, err)

		op, err := svc.EnqueueWrite(ctx, models.KindDelete, models.EntityMedicine, json.RawMessage(`{"id":"m1"}`))
		require.NoError(t, err)
		assert.Equal(t, models.KindDelete, op.Kind)

		m, err := env.store.GetMedicine(ctx, "m1")
		require.NoError(t, err)
		assert.Nil(t, m)

		queued, err := op.Medicine()
		require.NoError(t, err)
		assert.Equal(t, "Aspirin", queued.Name)
	})
}

func TestRecordService_EnqueueFailureRevertsLocalWrite(t *testing.T) {
	ctx := context.Background()
	svc, env, listener := newRecordService(t)

	kept, err := svc.AddMedicine(ctx, testOwner, testMedicineInput(10))
	require.NoError(t, err)
	_, err = svc.EnqueueWrite(ctx, models.KindInsert, models.EntityDoseEvent,
		json.RawMessage(`{"id":"d1","medicineId":"`+kept.ID+`","ownerEmail":"`+testOwner+`","date":"2024-03-15","time":"08:00","status":"taken"}`))
	require.NoError(t, err)

	_, err = env.db.ExecContext(ctx, `DROP TABLE sync_queue`)
	require.NoError(t, err)

	_, err = svc.AddMedicine(ctx, testOwner, testMedicineInput(5))
	require.Error(t, err)

	meds, err := env.store.MedicinesByOwner(ctx, testOwner)
	require.NoError(t, err)
	require.Len(t, meds, 1)
	assert.Equal(t, kept.ID, meds[0].ID)

	changed := testMedicineInput(99)
	changed.Active = true
	_, err = svc.UpdateMedicine(ctx, testOwner, kept.ID, changed)
	require.Error(t, err)

	stored, err := env.store.GetMedicine(ctx, kept.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 10, stored.StockCount)

	_, err = svc.EnqueueWrite(ctx, models.KindDelete, models.EntityDoseEvent, json.RawMessage(`{"id":"d1"}`))
	require.Error(t, err)

	dose, err := env.store.GetDoseEvent(ctx, "d1")
	require.NoError(t, err)
	assert.NotNil(t, dose)

	assert.Equal(t, 2, listener.calls)
}

func TestRecordService_GetLocalRecords(t *testing.T) {
	ctx := context.Background()
	svc, env, _ := newRecordService(t)

	_, err := svc.AddMedicine(ctx, testOwner, testMedicineInput(10))
	require.NoError(t, err)
	_, err = svc.AddMedicine(ctx, "mehmet@example.com", testMedicineInput(10))
	require.NoError(t, err)

	// Reads work without a remote or a drain
	env.remote.Fail = func(int, string, string) error { return models.ErrNetworkUnavailable }

	records, err := svc.GetLocalRecords(ctx, testOwner)
	require.NoError(t, err)
	assert.Len(t, records.Medicines, 1)
	assert.Empty(t, records.DoseEvents)
	assert.Nil(t, records.Profile)
	assert.Zero(t, env.remote.Calls())
}

func appendRemote(t *testing.T, env *testEnv, kind models.OperationKind, target models.EntityKind, id string, seq int64, record interface{}) {
	t.Helper()
	op, err := models.NewSyncOperation(kind, target, id, testOwner, record)
	require.NoError(t, err)
	op.Seq = seq
	table, row, err := remote.EncodeOperation(op)
	require.NoError(t, err)
	require.NoError(t, env.remote.AppendRows(context.Background(), testStoreID, table, [][]string{row}))
}

func TestRecordService_RefreshFromRemote(t *testing.T) {
	ctx := context.Background()
	svc, env, _ := newRecordService(t)

	// m1 has a local write still queued
	local := medicineWithID("m1", 10)
	local.Name = "Local"
	_, err := svc.EnqueueWrite(ctx, models.KindInsert, models.EntityMedicine, mustJSON(t, local))
	require.NoError(t, err)

	// m3 was confirmed earlier and has since been deleted remotely
	confirmed := medicineWithID("m3", 1)
	confirmed.CreatedDate = "2024-03-01"
	confirmed.Synced = true
	require.NoError(t, env.store.PutMedicine(ctx, confirmed))

	remoteM1 := medicineWithID("m1", 2)
	remoteM1.Name = "Remote"
	appendRemote(t, env, models.KindInsert, models.EntityMedicine, "m1", 1, remoteM1)
	appendRemote(t, env, models.KindInsert, models.EntityMedicine, "m2", 2, medicineWithID("m2", 6))
	appendRemote(t, env, models.KindUpdate, models.EntityMedicine, "m2", 3, medicineWithID("m2", 5))
	appendRemote(t, env, models.KindInsert, models.EntityMedicine, "m3", 4, confirmed)
	appendRemote(t, env, models.KindDelete, models.EntityMedicine, "m3", 5, confirmed)

	other := medicineWithID("m4", 1)
	other.OwnerEmail = "mehmet@example.com"
	appendRemote(t, env, models.KindInsert, models.EntityMedicine, "m4", 6, other)

	appendRemote(t, env, models.KindInsert, models.EntityDoseEvent, "d1", 7, &models.DoseEvent{
		ID: "d1", MedicineID: "m2", OwnerEmail: testOwner, Date: "2024-03-15", Time: "08:05", Status: models.DoseStatusTaken,
	})
	appendRemote(t, env, models.KindInsert, models.EntityProfile, testOwner, 8, &models.UserProfile{
		Email: testOwner, FirstName: "Ayse", LastName: "Yilmaz",
	})

	result, err := svc.RefreshFromRemote(ctx, testOwner)
	require.NoError(t, err)
	assert.Equal(t, &models.RefreshResult{Medicines: 1, DoseEvents: 1, Profiles: 1, Skipped: 1}, result)

	m1, err := env.store.GetMedicine(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Local", m1.Name)
	assert.False(t, m1.Synced)

	m2, err := env.store.GetMedicine(ctx, "m2")
	require.NoError(t, err)
	require.NotNil(t, m2)
	assert.Equal(t, 5, m2.StockCount)
	assert.True(t, m2.Synced)

	m3, err := env.store.GetMedicine(ctx, "m3")
	require.NoError(t, err)
	assert.Nil(t, m3)

	m4, err := env.store.GetMedicine(ctx, "m4")
	require.NoError(t, err)
	assert.Nil(t, m4)

	profile, err := env.store.GetProfile(ctx, testOwner)
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.True(t, profile.Synced)

	// Refresh never enqueues
	assert.Equal(t, 1, env.queueSize(t))
}

func TestRecordService_RefreshFromRemote_Offline(t *testing.T) {
	ctx := context.Background()
	svc, env, _ := newRecordService(t)
	env.remote.Fail = func(int, string, string) error { return models.ErrNetworkUnavailable }

	_, err := svc.RefreshFromRemote(ctx, testOwner)
	assert.ErrorIs(t, err, models.ErrNetworkUnavailable)
}
