package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/medsync/agent/internal/models"
	"github.com/medsync/agent/internal/observability"
	"github.com/medsync/agent/internal/remote"
	"github.com/medsync/agent/internal/repository"
)

// recordStore is the Local Store surface available to user actions. It
// deliberately excludes MarkConfirmed.
type recordStore interface {
	repository.RecordWriter
	repository.RecordReader
}

type enqueueListener interface {
	NotifyEnqueued()
}

// RecordService is the only writer of domain fields. Every write lands in
// the Local Store first and is then queued for the remote store.
type RecordService struct {
	store          recordStore
	queue          *SyncQueue
	listener       enqueueListener
	remote         remote.Store
	defaultStoreID string
	now            func() time.Time
}

// NewRecordService creates a new RecordService. listener and remoteStore may be nil.
func NewRecordService(store recordStore, queue *SyncQueue, listener enqueueListener, remoteStore remote.Store, defaultStoreID string) *RecordService {
	return &RecordService{
		store:          store,
		queue:          queue,
		listener:       listener,
		remote:         remoteStore,
		defaultStoreID: defaultStoreID,
		now:            time.Now,
	}
}

// EnqueueWrite applies a write to the Local Store and queues it for sync.
// Local failures are returned to the caller; sync failures never are.
func (s *RecordService) EnqueueWrite(ctx context.Context, kind models.OperationKind, target models.EntityKind, payload json.RawMessage) (*models.SyncOperation, error) {
	if !kind.Valid() {
		return nil, models.ErrUnknownKind
	}

	switch target {
	case models.EntityMedicine:
		var m models.MedicineRecord
		if err := decodeRecord(payload, &m); err != nil {
			return nil, err
		}
		return s.writeMedicine(ctx, kind, &m)
	case models.EntityDoseEvent:
		var d models.DoseEvent
		if err := decodeRecord(payload, &d); err != nil {
			return nil, err
		}
		return s.writeDoseEvent(ctx, kind, &d)
	case models.EntityProfile:
		var p models.UserProfile
		if err := decodeRecord(payload, &p); err != nil {
			return nil, err
		}
		return s.writeProfile(ctx, kind, &p)
	}
	return nil, models.ErrUnknownTarget
}

// AddMedicine creates a new active medicine for owner
func (s *RecordService) AddMedicine(ctx context.Context, owner string, m *models.MedicineRecord) (*models.MedicineRecord, error) {
	created := models.NewMedicine(owner, m.Name, m.Dose, m.Unit, m.ScheduleTimes, m.StockCount)
	created.PhotoURL = m.PhotoURL
	if _, err := s.writeMedicine(ctx, models.KindInsert, created); err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateMedicine overwrites the editable fields of an owner's medicine
func (s *RecordService) UpdateMedicine(ctx context.Context, owner, id string, m *models.MedicineRecord) (*models.MedicineRecord, error) {
	existing, err := s.ownedMedicine(ctx, owner, id)
	if err != nil {
		return nil, err
	}

	updated := *existing
	updated.Name = strings.TrimSpace(m.Name)
	updated.Dose = strings.TrimSpace(m.Dose)
	updated.Unit = m.Unit
	updated.ScheduleTimes = m.ScheduleTimes
	updated.StockCount = m.StockCount
	updated.PhotoURL = m.PhotoURL
	updated.Active = m.Active

	if _, err := s.writeMedicine(ctx, models.KindUpdate, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeactivateMedicine hides a medicine without deleting its history
func (s *RecordService) DeactivateMedicine(ctx context.Context, owner, id string) (*models.MedicineRecord, error) {
	existing, err := s.ownedMedicine(ctx, owner, id)
	if err != nil {
		return nil, err
	}

	updated := *existing
	updated.Active = false
	if _, err := s.writeMedicine(ctx, models.KindUpdate, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// RecordDose logs a taken or snoozed dose. A taken dose also decrements
// stock; that update is queued after the dose so the two commit in order.
func (s *RecordService) RecordDose(ctx context.Context, owner, medicineID string, req models.RecordDoseRequest) (*models.DoseEvent, *models.MedicineRecord, error) {
	medicine, err := s.ownedMedicine(ctx, owner, medicineID)
	if err != nil {
		return nil, nil, err
	}

	event := models.NewDoseEvent(owner, medicineID, req.Status, req.SnoozeMinutes, s.now())
	event.Note = strings.TrimSpace(req.Note)
	if _, err := s.writeDoseEvent(ctx, models.KindInsert, event); err != nil {
		return nil, nil, err
	}

	if req.Status != models.DoseStatusTaken {
		return event, medicine, nil
	}

	updated := *medicine
	if updated.StockCount > 0 {
		updated.StockCount--
	}
	if _, err := s.writeMedicine(ctx, models.KindUpdate, &updated); err != nil {
		return event, nil, err
	}
	return event, &updated, nil
}

// SaveProfile creates or updates the owner's profile
func (s *RecordService) SaveProfile(ctx context.Context, p *models.UserProfile) (*models.UserProfile, error) {
	p.Email = normalizeEmail(p.Email)
	if p.Email == "" {
		return nil, models.ErrMissingKey
	}

	existing, err := s.store.GetProfile(ctx, p.Email)
	if err != nil {
		return nil, err
	}

	kind := models.KindInsert
	if existing != nil {
		kind = models.KindUpdate
	}
	if _, err := s.writeProfile(ctx, kind, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetLocalRecords reads everything the owner has on this device. It never
// touches the queue or the network.
func (s *RecordService) GetLocalRecords(ctx context.Context, owner string) (*models.LocalRecords, error) {
	owner = normalizeEmail(owner)

	medicines, err := s.store.MedicinesByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	events, err := s.store.DoseEventsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	profile, err := s.store.GetProfile(ctx, owner)
	if err != nil {
		return nil, err
	}

	return &models.LocalRecords{
		Medicines:  medicines,
		DoseEvents: events,
		Profile:    profile,
	}, nil
}

// RefreshFromRemote pulls the owner's records from the remote store and
// stores the latest version of each one that has no pending local write.
func (s *RecordService) RefreshFromRemote(ctx context.Context, owner string) (*models.RefreshResult, error) {
	ctx, span := observability.StartServiceSpan(ctx, "RecordService", "refresh")
	defer span.End()
	span.SetAttributes(observability.OwnerEmail(owner))

	owner = normalizeEmail(owner)
	if s.remote == nil {
		return nil, errNoRemoteStore
	}

	storeID, err := s.storeIDFor(ctx, owner)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	tables := make(map[string][][]string, 3)
	for _, table := range []string{remote.TableMedicines, remote.TableDoseEvents, remote.TableProfiles} {
		rows, err := s.remote.ReadAllRows(ctx, storeID, table)
		if err != nil {
			err = remote.Classify(err)
			observability.RecordError(span, err)
			return nil, err
		}
		tables[table] = rows
	}

	medicines, deletedMedicines := remote.Latest(remote.DecodeMedicines(tables[remote.TableMedicines]),
		func(m *models.MedicineRecord) string { return m.ID })
	events, deletedEvents := remote.Latest(remote.DecodeDoseEvents(tables[remote.TableDoseEvents]),
		func(d *models.DoseEvent) string { return d.ID })
	profiles, _ := remote.Latest(remote.DecodeProfiles(tables[remote.TableProfiles]),
		func(p *models.UserProfile) string { return normalizeEmail(p.Email) })

	result := &models.RefreshResult{}
	err = s.queue.Serialize(func() error {
		owned := make(map[string]bool)
		for _, m := range medicines {
			if normalizeEmail(m.OwnerEmail) != owner {
				continue
			}
			owned[m.ID] = true
			applied, err := s.refreshOne(ctx, models.EntityMedicine, m.ID, result, func() error {
				return s.store.PutMedicine(ctx, m)
			})
			if err != nil {
				return err
			}
			if applied {
				result.Medicines++
			}
		}

		for _, d := range events {
			// Rows written before owner_email existed are matched through their medicine.
			if d.OwnerEmail == "" && owned[d.MedicineID] {
				d.OwnerEmail = owner
			}
			if normalizeEmail(d.OwnerEmail) != owner {
				continue
			}
			applied, err := s.refreshOne(ctx, models.EntityDoseEvent, d.ID, result, func() error {
				return s.store.PutDoseEvent(ctx, d)
			})
			if err != nil {
				return err
			}
			if applied {
				result.DoseEvents++
			}
		}

		for _, p := range profiles {
			if normalizeEmail(p.Email) != owner {
				continue
			}
			applied, err := s.refreshOne(ctx, models.EntityProfile, p.Email, result, func() error {
				return s.store.PutProfile(ctx, p)
			})
			if err != nil {
				return err
			}
			if applied {
				result.Profiles++
			}
		}

		for _, id := range deletedMedicines {
			if err := s.refreshDelete(ctx, models.EntityMedicine, id, owner); err != nil {
				return err
			}
		}
		for _, id := range deletedEvents {
			if err := s.refreshDelete(ctx, models.EntityDoseEvent, id, owner); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	observability.SetSuccess(span)
	observability.WithContext(ctx).WithFields(map[string]interface{}{
		"medicines":   result.Medicines,
		"dose_events": result.DoseEvents,
		"profiles":    result.Profiles,
		"skipped":     result.Skipped,
	}).Info("Refreshed local store from remote")
	return result, nil
}

// refreshOne applies put unless a local write for the record is still
// queued. Local pending writes win over remote state.
func (s *RecordService) refreshOne(ctx context.Context, target models.EntityKind, id string, result *models.RefreshResult, put func() error) (bool, error) {
	pending, err := s.queue.PendingForTarget(ctx, target, id)
	if err != nil {
		return false, err
	}
	if pending > 0 {
		result.Skipped++
		return false, nil
	}
	return true, put()
}

func (s *RecordService) refreshDelete(ctx context.Context, target models.EntityKind, id, owner string) error {
	pending, err := s.queue.PendingForTarget(ctx, target, id)
	if err != nil || pending > 0 {
		return err
	}

	switch target {
	case models.EntityMedicine:
		m, err := s.store.GetMedicine(ctx, id)
		if err != nil || m == nil || normalizeEmail(m.OwnerEmail) != owner {
			return err
		}
	case models.EntityDoseEvent:
		d, err := s.store.GetDoseEvent(ctx, id)
		if err != nil || d == nil || normalizeEmail(d.OwnerEmail) != owner {
			return err
		}
	}
	return s.store.Delete(ctx, target, id)
}

func (s *RecordService) storeIDFor(ctx context.Context, owner string) (string, error) {
	profile, err := s.store.GetProfile(ctx, owner)
	if err != nil {
		return "", err
	}
	if profile != nil && profile.RemoteSheetID != "" {
		return profile.RemoteSheetID, nil
	}
	if s.defaultStoreID != "" {
		return s.defaultStoreID, nil
	}
	return "", errNoRemoteStore
}

func (s *RecordService) ownedMedicine(ctx context.Context, owner, id string) (*models.MedicineRecord, error) {
	if id == "" {
		return nil, models.ErrMissingKey
	}
	m, err := s.store.GetMedicine(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, models.ErrRecordNotFound
	}
	if normalizeEmail(m.OwnerEmail) != normalizeEmail(owner) {
		return nil, models.ErrOwnerMismatch
	}
	return m, nil
}

func (s *RecordService) writeMedicine(ctx context.Context, kind models.OperationKind, m *models.MedicineRecord) (*models.SyncOperation, error) {
	if m.ID == "" {
		return nil, models.ErrMissingKey
	}
	m.OwnerEmail = normalizeEmail(m.OwnerEmail)

	existing, err := s.store.GetMedicine(ctx, m.ID)
	if err != nil {
		return nil, err
	}

	if kind == models.KindDelete {
		if existing == nil {
			return nil, models.ErrRecordNotFound
		}
		if m.OwnerEmail != "" && normalizeEmail(existing.OwnerEmail) != m.OwnerEmail {
			return nil, models.ErrOwnerMismatch
		}
		return s.commit(ctx, kind, models.EntityMedicine, existing.ID, existing.OwnerEmail, existing, existing, func() error {
			return s.store.Delete(ctx, models.EntityMedicine, existing.ID)
		})
	}

	if kind == models.KindUpdate && existing == nil {
		return nil, models.ErrRecordNotFound
	}
	if existing != nil {
		if normalizeEmail(existing.OwnerEmail) != m.OwnerEmail {
			return nil, models.ErrOwnerMismatch
		}
		if m.CreatedDate == "" {
			m.CreatedDate = existing.CreatedDate
		}
	}

	now := s.now().UTC()
	if m.CreatedDate == "" {
		m.CreatedDate = now.Format("2006-01-02")
	}
	m.UpdatedAt = now.UnixMilli()
	m.Synced = false
	if err := models.Validate(m); err != nil {
		return nil, err
	}

	return s.commit(ctx, kind, models.EntityMedicine, m.ID, m.OwnerEmail, m, existing, func() error {
		return s.store.PutMedicine(ctx, m)
	})
}

func (s *RecordService) writeDoseEvent(ctx context.Context, kind models.OperationKind, d *models.DoseEvent) (*models.SyncOperation, error) {
	if d.ID == "" {
		return nil, models.ErrMissingKey
	}
	d.OwnerEmail = normalizeEmail(d.OwnerEmail)

	existing, err := s.store.GetDoseEvent(ctx, d.ID)
	if err != nil {
		return nil, err
	}

	if kind == models.KindDelete {
		if existing == nil {
			return nil, models.ErrRecordNotFound
		}
		if d.OwnerEmail != "" && normalizeEmail(existing.OwnerEmail) != d.OwnerEmail {
			return nil, models.ErrOwnerMismatch
		}
		return s.commit(ctx, kind, models.EntityDoseEvent, existing.ID, existing.OwnerEmail, existing, existing, func() error {
			return s.store.Delete(ctx, models.EntityDoseEvent, existing.ID)
		})
	}

	if kind == models.KindUpdate && existing == nil {
		return nil, models.ErrRecordNotFound
	}
	if existing != nil && normalizeEmail(existing.OwnerEmail) != d.OwnerEmail {
		return nil, models.ErrOwnerMismatch
	}

	if d.CreatedAtEpochMillis == 0 {
		d.CreatedAtEpochMillis = s.now().UnixMilli()
	}
	d.Synced = false
	if err := models.Validate(d); err != nil {
		return nil, err
	}

	return s.commit(ctx, kind, models.EntityDoseEvent, d.ID, d.OwnerEmail, d, existing, func() error {
		return s.store.PutDoseEvent(ctx, d)
	})
}

func (s *RecordService) writeProfile(ctx context.Context, kind models.OperationKind, p *models.UserProfile) (*models.SyncOperation, error) {
	p.Email = normalizeEmail(p.Email)
	if p.Email == "" {
		return nil, models.ErrMissingKey
	}

	existing, err := s.store.GetProfile(ctx, p.Email)
	if err != nil {
		return nil, err
	}

	if kind == models.KindDelete {
		if existing == nil {
			return nil, models.ErrRecordNotFound
		}
		return s.commit(ctx, kind, models.EntityProfile, existing.Email, existing.Email, existing, existing, func() error {
			return s.store.Delete(ctx, models.EntityProfile, existing.Email)
		})
	}

	if kind == models.KindUpdate && existing == nil {
		return nil, models.ErrRecordNotFound
	}
	if existing != nil && p.CreatedDate == "" {
		p.CreatedDate = existing.CreatedDate
	}
	if p.CreatedDate == "" {
		p.CreatedDate = s.now().UTC().Format("2006-01-02")
	}
	p.Synced = false
	if err := models.Validate(p); err != nil {
		return nil, err
	}

	return s.commit(ctx, kind, models.EntityProfile, p.Email, p.Email, p, existing, func() error {
		return s.store.PutProfile(ctx, p)
	})
}

// commit applies the local write and enqueues its operation under the
// queue's write gate, then nudges the sync manager. If the enqueue fails
// the local write is reverted to previous so no unsynced record is left
// without a queue entry.
func (s *RecordService) commit(ctx context.Context, kind models.OperationKind, target models.EntityKind, id, owner string, record, previous interface{}, apply func() error) (*models.SyncOperation, error) {
	op, err := models.NewSyncOperation(kind, target, id, owner, record)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidRecord, err)
	}

	err = s.queue.Serialize(func() error {
		if err := apply(); err != nil {
			return err
		}
		if _, err := s.queue.Enqueue(ctx, op); err != nil {
			if rerr := s.revert(ctx, target, id, previous); rerr != nil {
				observability.WithContext(ctx).WithError(rerr).WithField("target_id", id).Error("could not revert local write after enqueue failure")
				return errors.Join(err, rerr)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	observability.WithContext(ctx).WithFields(map[string]interface{}{
		"operation": op.ID,
		"kind":      string(kind),
		"target":    string(target),
		"target_id": id,
	}).Debug("write queued")

	if s.listener != nil {
		s.listener.NotifyEnqueued()
	}
	return op, nil
}

// revert restores previous, or removes the record when there was none
func (s *RecordService) revert(ctx context.Context, target models.EntityKind, id string, previous interface{}) error {
	switch prev := previous.(type) {
	case *models.MedicineRecord:
		if prev != nil {
			return s.store.PutMedicine(ctx, prev)
		}
	case *models.DoseEvent:
		if prev != nil {
			return s.store.PutDoseEvent(ctx, prev)
		}
	case *models.UserProfile:
		if prev != nil {
			return s.store.PutProfile(ctx, prev)
		}
	}
	return s.store.Delete(ctx, target, id)
}

func decodeRecord(payload json.RawMessage, dst interface{}) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", models.ErrInvalidRecord)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidRecord, err)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
