package models

import "time"

// SnapshotVersion is the only backup document version accepted on restore
const SnapshotVersion = "1.0"

// Snapshot is the versioned backup document of one owner's local data
type Snapshot struct {
	Version    string            `json:"version"`
	CreatedAt  time.Time         `json:"createdAt"`
	Medicines  []*MedicineRecord `json:"medicines"`
	DoseEvents []*DoseEvent      `json:"medicineHistory"`
	Profiles   []*UserProfile    `json:"profiles"`
}

// IsEmpty reports whether the snapshot holds no records
func (s *Snapshot) IsEmpty() bool {
	return len(s.Medicines) == 0 && len(s.DoseEvents) == 0 && len(s.Profiles) == 0
}

// LocalRecords is everything the Local Store holds for one owner
type LocalRecords struct {
	Medicines  []*MedicineRecord `json:"medicines"`
	DoseEvents []*DoseEvent      `json:"doseEvents"`
	Profile    *UserProfile      `json:"profile,omitempty"`
}
