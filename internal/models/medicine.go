package models

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Medicine units
const (
	UnitTablet = "tablet"
	UnitMg     = "mg"
	UnitMl     = "ml"
	UnitDrop   = "drop"
	UnitSpoon  = "spoon"
	UnitUnit   = "unit"
)

// ScheduleTimes is an ordered list of HH:MM reminder times, stored comma-joined
type ScheduleTimes []string

// Value implements driver.Valuer
func (s ScheduleTimes) Value() (driver.Value, error) {
	return strings.Join(s, ","), nil
}

// Scan implements sql.Scanner
func (s *ScheduleTimes) Scan(src interface{}) error {
	var raw string
	switch v := src.(type) {
	case nil:
		*s = ScheduleTimes{}
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into ScheduleTimes", src)
	}
	*s = ParseScheduleTimes(raw)
	return nil
}

// ParseScheduleTimes splits a comma separated list, dropping blanks
func ParseScheduleTimes(raw string) ScheduleTimes {
	out := ScheduleTimes{}
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MedicineRecord is a medicine tracked by a user
type MedicineRecord struct {
	ID            string        `json:"id" db:"id" validate:"required"`
	Name          string        `json:"name" db:"name" validate:"required"`
	Dose          string        `json:"dose" db:"dose"`
	Unit          string        `json:"unit" db:"unit" validate:"oneof=tablet mg ml drop spoon unit"`
	ScheduleTimes ScheduleTimes `json:"scheduleTimes" db:"schedule_times" validate:"min=1,dive,hhmm"`
	StockCount    int           `json:"stockCount" db:"stock_count" validate:"gte=0"`
	PhotoURL      string        `json:"photoUrl,omitempty" db:"photo_url" validate:"omitempty,uri"`
	OwnerEmail    string        `json:"ownerEmail" db:"owner_email" validate:"required,email"`
	Active        bool          `json:"active" db:"active"`
	CreatedDate   string        `json:"createdDate" db:"created_date"`
	Synced        bool          `json:"synced" db:"synced"`
	UpdatedAt     int64         `json:"updatedAt" db:"updated_at"`
}

// NewMedicine creates an active medicine with a fresh ID
func NewMedicine(owner, name, dose, unit string, times []string, stock int) *MedicineRecord {
	now := time.Now().UTC()
	return &MedicineRecord{
		ID:            "med-" + uuid.New().String(),
		Name:          strings.TrimSpace(name),
		Dose:          strings.TrimSpace(dose),
		Unit:          unit,
		ScheduleTimes: ScheduleTimes(times),
		StockCount:    stock,
		OwnerEmail:    owner,
		Active:        true,
		CreatedDate:   now.Format("2006-01-02"),
		UpdatedAt:     now.UnixMilli(),
	}
}
