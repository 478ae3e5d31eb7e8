package repository

import (
	"context"
	"fmt"

	"github.com/medsync/agent/internal/models"
	"github.com/medsync/agent/internal/observability"
)

// LocalStore is the durable on-device copy of an owner's records
type LocalStore struct {
	db *DB
}

// NewLocalStore creates a new LocalStore
func NewLocalStore(db *DB) *LocalStore {
	return &LocalStore{db: db}
}

const medicineColumns = `id, name, dose, unit, schedule_times, stock_count, photo_url,
	owner_email, active, created_date, synced, updated_at`

const doseEventColumns = `id, medicine_id, owner_email, date, time, status, snooze_minutes,
	note, synced, created_at_ms`

const profileColumns = `email, first_name, last_name, gender, age, conditions,
	remote_sheet_id, created_date, synced`

// PutMedicine inserts or overwrites a medicine by id
func (s *LocalStore) PutMedicine(ctx context.Context, m *models.MedicineRecord) error {
	if m == nil || m.ID == "" {
		return models.ErrMissingKey
	}

	query := s.db.Rebind(`
		INSERT INTO medicines (` + medicineColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			dose = excluded.dose,
			unit = excluded.unit,
			schedule_times = excluded.schedule_times,
			stock_count = excluded.stock_count,
			photo_url = excluded.photo_url,
			owner_email = excluded.owner_email,
			active = excluded.active,
			created_date = excluded.created_date,
			synced = excluded.synced,
			updated_at = excluded.updated_at
	`)

	return s.db.withRetry(ctx, "put medicine", func() error {
		_, err := s.db.ExecContext(ctx, query,
			m.ID, m.Name, m.Dose, m.Unit, m.ScheduleTimes, m.StockCount, m.PhotoURL,
			m.OwnerEmail, m.Active, m.CreatedDate, m.Synced, m.UpdatedAt,
		)
		return err
	})
}

// PutDoseEvent inserts or overwrites a dose event by id
func (s *LocalStore) PutDoseEvent(ctx context.Context, d *models.DoseEvent) error {
	if d == nil || d.ID == "" {
		return models.ErrMissingKey
	}

	query := s.db.Rebind(`
		INSERT INTO dose_events (` + doseEventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			medicine_id = excluded.medicine_id,
			owner_email = excluded.owner_email,
			date = excluded.date,
			time = excluded.time,
			status = excluded.status,
			snooze_minutes = excluded.snooze_minutes,
			note = excluded.note,
			synced = excluded.synced,
			created_at_ms = excluded.created_at_ms
	`)

	return s.db.withRetry(ctx, "put dose event", func() error {
		_, err := s.db.ExecContext(ctx, query,
			d.ID, d.MedicineID, d.OwnerEmail, d.Date, d.Time, d.Status, d.SnoozeMinutes,
			d.Note, d.Synced, d.CreatedAtEpochMillis,
		)
		return err
	})
}

// PutProfile inserts or overwrites a profile by email
func (s *LocalStore) PutProfile(ctx context.Context, p *models.UserProfile) error {
	if p == nil || p.Email == "" {
		return models.ErrMissingKey
	}

	query := s.db.Rebind(`
		INSERT INTO profiles (` + profileColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (email) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			gender = excluded.gender,
			age = excluded.age,
			conditions = excluded.conditions,
			remote_sheet_id = excluded.remote_sheet_id,
			created_date = excluded.created_date,
			synced = excluded.synced
	`)

	return s.db.withRetry(ctx, "put profile", func() error {
		_, err := s.db.ExecContext(ctx, query,
			p.Email, p.FirstName, p.LastName, p.Gender, p.Age, p.Conditions,
			p.RemoteSheetID, p.CreatedDate, p.Synced,
		)
		return err
	})
}

// GetMedicine returns a medicine by id, or nil if it does not exist
func (s *LocalStore) GetMedicine(ctx context.Context, id string) (*models.MedicineRecord, error) {
	var m models.MedicineRecord
	found := true
	query := s.db.Rebind(`SELECT ` + medicineColumns + ` FROM medicines WHERE id = ?`)

	err := s.db.withRetry(ctx, "get medicine", func() error {
		err := s.db.GetContext(ctx, &m, query, id)
		if isNoRows(err) {
			found = false
			return nil
		}
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &m, nil
}

// GetDoseEvent returns a dose event by id, or nil if it does not exist
func (s *LocalStore) GetDoseEvent(ctx context.Context, id string) (*models.DoseEvent, error) {
	var d models.DoseEvent
	found := true
	query := s.db.Rebind(`SELECT ` + doseEventColumns + ` FROM dose_events WHERE id = ?`)

	err := s.db.withRetry(ctx, "get dose event", func() error {
		err := s.db.GetContext(ctx, &d, query, id)
		if isNoRows(err) {
			found = false
			return nil
		}
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &d, nil
}

// GetProfile returns the profile for email, or nil if none exists
func (s *LocalStore) GetProfile(ctx context.Context, email string) (*models.UserProfile, error) {
	var p models.UserProfile
	found := true
	query := s.db.Rebind(`SELECT ` + profileColumns + ` FROM profiles WHERE email = ?`)

	err := s.db.withRetry(ctx, "get profile", func() error {
		err := s.db.GetContext(ctx, &p, query, email)
		if isNoRows(err) {
			found = false
			return nil
		}
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &p, nil
}

// MedicinesByOwner returns every medicine owned by email, in no particular order
func (s *LocalStore) MedicinesByOwner(ctx context.Context, email string) ([]*models.MedicineRecord, error) {
	medicines := []*models.MedicineRecord{}
	query := s.db.Rebind(`SELECT ` + medicineColumns + ` FROM medicines WHERE owner_email = ?`)

	err := s.db.withRetry(ctx, "list medicines", func() error {
		medicines = medicines[:0]
		return s.db.SelectContext(ctx, &medicines, query, email)
	})
	if err != nil {
		return nil, err
	}
	return medicines, nil
}

// DoseEventsByOwner returns every dose event owned by email, in no particular order
func (s *LocalStore) DoseEventsByOwner(ctx context.Context, email string) ([]*models.DoseEvent, error) {
	events := []*models.DoseEvent{}
	query := s.db.Rebind(`SELECT ` + doseEventColumns + ` FROM dose_events WHERE owner_email = ?`)

	err := s.db.withRetry(ctx, "list dose events", func() error {
		events = events[:0]
		return s.db.SelectContext(ctx, &events, query, email)
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// DoseEventsByMedicine returns the dose events recorded against a medicine
func (s *LocalStore) DoseEventsByMedicine(ctx context.Context, medicineID string) ([]*models.DoseEvent, error) {
	events := []*models.DoseEvent{}
	query := s.db.Rebind(`SELECT ` + doseEventColumns + ` FROM dose_events WHERE medicine_id = ?`)

	err := s.db.withRetry(ctx, "list dose events by medicine", func() error {
		events = events[:0]
		return s.db.SelectContext(ctx, &events, query, medicineID)
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ProfilesByOwner returns the owner's profile as a list (at most one entry)
func (s *LocalStore) ProfilesByOwner(ctx context.Context, email string) ([]*models.UserProfile, error) {
	profile, err := s.GetProfile(ctx, email)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return []*models.UserProfile{}, nil
	}
	return []*models.UserProfile{profile}, nil
}

// GetUnconfirmed returns all dose events not yet confirmed by the remote store
func (s *LocalStore) GetUnconfirmed(ctx context.Context) ([]*models.DoseEvent, error) {
	events := []*models.DoseEvent{}
	query := s.db.Rebind(`SELECT ` + doseEventColumns + ` FROM dose_events WHERE synced = ?`)

	err := s.db.withRetry(ctx, "list unconfirmed", func() error {
		events = events[:0]
		return s.db.SelectContext(ctx, &events, query, false)
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// MarkConfirmed sets synced=true on exactly one record. A missing record is
// logged and ignored: confirmation can race with a local delete.
func (s *LocalStore) MarkConfirmed(ctx context.Context, target models.EntityKind, id string) error {
	table, key, err := tableFor(target)
	if err != nil {
		return err
	}

	query := s.db.Rebind(fmt.Sprintf(`UPDATE %s SET synced = ? WHERE %s = ?`, table, key))

	var affected int64
	err = s.db.withRetry(ctx, "mark confirmed", func() error {
		result, err := s.db.ExecContext(ctx, query, true, id)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}

	if affected == 0 {
		observability.WithContext(ctx).WithFields(map[string]interface{}{
			"target": string(target),
			"id":     id,
		}).Warn("confirmed record no longer exists locally")
	}
	return nil
}

// Delete removes a record by primary key. Deleting a missing key is not an error.
func (s *LocalStore) Delete(ctx context.Context, target models.EntityKind, id string) error {
	table, key, err := tableFor(target)
	if err != nil {
		return err
	}

	query := s.db.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, table, key))
	return s.db.withRetry(ctx, "delete", func() error {
		_, err := s.db.ExecContext(ctx, query, id)
		return err
	})
}

func tableFor(target models.EntityKind) (table, key string, err error) {
	switch target {
	case models.EntityMedicine:
		return "medicines", "id", nil
	case models.EntityDoseEvent:
		return "dose_events", "id", nil
	case models.EntityProfile:
		return "profiles", "email", nil
	}
	return "", "", models.ErrUnknownTarget
}
