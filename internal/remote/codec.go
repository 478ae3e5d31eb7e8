package remote

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/medsync/agent/internal/models"
)

// Headers holds the column layout of every table. The trailing op and seq
// columns turn the append-only log into resolvable record versions.
var Headers = map[string][]string{
	TableMedicines: {
		"id", "name", "dose", "unit", "schedule_times", "stock", "photo_url",
		"owner_email", "active", "created_date", "updated_at", "op", "seq",
	},
	TableDoseEvents: {
		"id", "medicine_id", "date", "time", "status", "snooze_minutes", "note",
		"timestamp", "owner_email", "op", "seq",
	},
	TableProfiles: {
		"email", "first_name", "last_name", "gender", "age", "conditions",
		"sheet_id", "created_date", "op", "seq",
	},
}

// TableFor returns the remote table holding records of the given entity
func TableFor(target models.EntityKind) (string, error) {
	switch target {
	case models.EntityMedicine:
		return TableMedicines, nil
	case models.EntityDoseEvent:
		return TableDoseEvents, nil
	case models.EntityProfile:
		return TableProfiles, nil
	}
	return "", models.ErrUnknownTarget
}

// EncodeOperation renders op as one row of its target table
func EncodeOperation(op *models.SyncOperation) (string, []string, error) {
	table, err := TableFor(op.TargetEntity)
	if err != nil {
		return "", nil, err
	}

	var row []string
	switch op.TargetEntity {
	case models.EntityMedicine:
		m := &models.MedicineRecord{}
		if err := decodePayload(op, m); err != nil {
			return "", nil, err
		}
		if m.ID == "" {
			m.ID = op.TargetID
		}
		row = []string{
			m.ID, m.Name, m.Dose, m.Unit, strings.Join(m.ScheduleTimes, ","),
			strconv.Itoa(m.StockCount), m.PhotoURL, m.OwnerEmail,
			strconv.FormatBool(m.Active), m.CreatedDate, strconv.FormatInt(m.UpdatedAt, 10),
		}
	case models.EntityDoseEvent:
		d := &models.DoseEvent{}
		if err := decodePayload(op, d); err != nil {
			return "", nil, err
		}
		if d.ID == "" {
			d.ID = op.TargetID
		}
		row = []string{
			d.ID, d.MedicineID, d.Date, d.Time, d.Status, strconv.Itoa(d.SnoozeMinutes),
			d.Note, strconv.FormatInt(d.CreatedAtEpochMillis, 10), d.OwnerEmail,
		}
	case models.EntityProfile:
		p := &models.UserProfile{}
		if err := decodePayload(op, p); err != nil {
			return "", nil, err
		}
		if p.Email == "" {
			p.Email = op.TargetID
		}
		row = []string{
			p.Email, p.FirstName, p.LastName, p.Gender, strconv.Itoa(p.Age),
			p.Conditions, p.RemoteSheetID, p.CreatedDate,
		}
	}

	row = append(row, string(op.Kind), strconv.FormatInt(op.Seq, 10))
	return table, row, nil
}

// decodePayload fills dst from the payload. DELETE payloads may be empty.
func decodePayload(op *models.SyncOperation, dst interface{}) error {
	if len(op.Payload) == 0 || string(op.Payload) == "null" {
		if op.Kind == models.KindDelete {
			return nil
		}
		return fmt.Errorf("%w: empty payload for %s", models.ErrInvalidRecord, op.Kind)
	}
	if err := json.Unmarshal(op.Payload, dst); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidRecord, err)
	}
	return nil
}

// Versioned is a decoded row with the mutation metadata it was appended with
type Versioned[T any] struct {
	Record   T
	Op       models.OperationKind
	Seq      int64
	Position int
}

// DecodeMedicines decodes a medicines table. The header row and rows with
// no id are skipped.
func DecodeMedicines(rows [][]string) []Versioned[*models.MedicineRecord] {
	out := []Versioned[*models.MedicineRecord]{}
	for i, row := range dataRows(rows) {
		c := cells(row)
		if c.at(0) == "" {
			continue
		}
		m := &models.MedicineRecord{
			ID:            c.at(0),
			Name:          c.at(1),
			Dose:          c.at(2),
			Unit:          c.at(3),
			ScheduleTimes: models.ParseScheduleTimes(c.at(4)),
			StockCount:    c.atoi(5),
			PhotoURL:      c.at(6),
			OwnerEmail:    c.at(7),
			Active:        c.flag(8),
			CreatedDate:   c.at(9),
			UpdatedAt:     c.atoi64(10),
			Synced:        true,
		}
		out = append(out, Versioned[*models.MedicineRecord]{
			Record: m, Op: c.op(11), Seq: c.atoi64(12), Position: i,
		})
	}
	return out
}

// DecodeDoseEvents decodes a medicine_history table
func DecodeDoseEvents(rows [][]string) []Versioned[*models.DoseEvent] {
	out := []Versioned[*models.DoseEvent]{}
	for i, row := range dataRows(rows) {
		c := cells(row)
		if c.at(0) == "" {
			continue
		}
		d := &models.DoseEvent{
			ID:                   c.at(0),
			MedicineID:           c.at(1),
			Date:                 c.at(2),
			Time:                 c.at(3),
			Status:               c.at(4),
			SnoozeMinutes:        c.atoi(5),
			Note:                 c.at(6),
			CreatedAtEpochMillis: c.atoi64(7),
			OwnerEmail:           c.at(8),
			Synced:               true,
		}
		out = append(out, Versioned[*models.DoseEvent]{
			Record: d, Op: c.op(9), Seq: c.atoi64(10), Position: i,
		})
	}
	return out
}

// DecodeProfiles decodes a profiles table
func DecodeProfiles(rows [][]string) []Versioned[*models.UserProfile] {
	out := []Versioned[*models.UserProfile]{}
	for i, row := range dataRows(rows) {
		c := cells(row)
		if c.at(0) == "" {
			continue
		}
		p := &models.UserProfile{
			Email:         c.at(0),
			FirstName:     c.at(1),
			LastName:      c.at(2),
			Gender:        c.at(3),
			Age:           c.atoi(4),
			Conditions:    c.at(5),
			RemoteSheetID: c.at(6),
			CreatedDate:   c.at(7),
			Synced:        true,
		}
		out = append(out, Versioned[*models.UserProfile]{
			Record: p, Op: c.op(8), Seq: c.atoi64(9), Position: i,
		})
	}
	return out
}

// Latest resolves the current version of each record: the row with the
// highest seq wins and ties go to the later row. Records whose winning row
// is a DELETE are returned by key in deleted instead of live. Both results
// are sorted by key.
func Latest[T any](rows []Versioned[T], key func(T) string) (live []T, deleted []string) {
	winners := make(map[string]Versioned[T])
	for _, row := range rows {
		k := key(row.Record)
		current, seen := winners[k]
		if !seen || row.Seq > current.Seq || (row.Seq == current.Seq && row.Position > current.Position) {
			winners[k] = row
		}
	}

	keys := make([]string, 0, len(winners))
	for k := range winners {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	live = make([]T, 0, len(keys))
	deleted = []string{}
	for _, k := range keys {
		if winners[k].Op == models.KindDelete {
			deleted = append(deleted, k)
			continue
		}
		live = append(live, winners[k].Record)
	}
	return live, deleted
}

func dataRows(rows [][]string) [][]string {
	if len(rows) <= 1 {
		return nil
	}
	return rows[1:]
}

type cells []string

func (c cells) at(i int) string {
	if i < len(c) {
		return strings.TrimSpace(c[i])
	}
	return ""
}

func (c cells) atoi(i int) int {
	n, _ := strconv.Atoi(c.at(i))
	return n
}

func (c cells) atoi64(i int) int64 {
	n, _ := strconv.ParseInt(c.at(i), 10, 64)
	return n
}

func (c cells) flag(i int) bool {
	b, _ := strconv.ParseBool(strings.ToLower(c.at(i)))
	return b
}

// op defaults to INSERT for rows written without mutation columns
func (c cells) op(i int) models.OperationKind {
	kind := models.OperationKind(strings.ToUpper(c.at(i)))
	if !kind.Valid() {
		return models.KindInsert
	}
	return kind
}
