package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Dose event statuses
const (
	DoseStatusTaken   = "taken"
	DoseStatusSnoozed = "snoozed"
)

// DoseEvent records one dose taken or snoozed
type DoseEvent struct {
	ID                   string `json:"id" db:"id" validate:"required"`
	MedicineID           string `json:"medicineId" db:"medicine_id" validate:"required"`
	OwnerEmail           string `json:"ownerEmail" db:"owner_email" validate:"required,email"`
	Date                 string `json:"date" db:"date" validate:"required,datetime=2006-01-02"`
	Time                 string `json:"time" db:"time" validate:"required,hhmm"`
	Status               string `json:"status" db:"status" validate:"oneof=taken snoozed"`
	SnoozeMinutes        int    `json:"snoozeMinutes" db:"snooze_minutes" validate:"gte=0"`
	Note                 string `json:"note,omitempty" db:"note"`
	Synced               bool   `json:"synced" db:"synced"`
	CreatedAtEpochMillis int64  `json:"createdAtEpochMillis" db:"created_at_ms"`
}

// NewDoseEvent creates a dose event stamped at the given instant.
// Snooze minutes are only kept for snoozed events.
func NewDoseEvent(owner, medicineID, status string, snoozeMinutes int, at time.Time) *DoseEvent {
	if status != DoseStatusSnoozed {
		snoozeMinutes = 0
	}
	return &DoseEvent{
		ID:                   fmt.Sprintf("dose-%d-%s", at.UnixMilli(), uuid.New().String()[:8]),
		MedicineID:           medicineID,
		OwnerEmail:           owner,
		Date:                 at.Format("2006-01-02"),
		Time:                 at.Format("15:04"),
		Status:               status,
		SnoozeMinutes:        snoozeMinutes,
		CreatedAtEpochMillis: at.UnixMilli(),
	}
}
