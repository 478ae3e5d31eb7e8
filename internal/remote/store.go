// Package remote is the adapter to the user's append-only remote store.
package remote

import "context"

// Table names in the remote spreadsheet
const (
	TableMedicines  = "medicines"
	TableDoseEvents = "medicine_history"
	TableProfiles   = "profiles"
)

// Store is an append-only tabular store keyed by a per-user store id.
// Implementations must return errors that Classify can map onto the
// sync error taxonomy.
type Store interface {
	AppendRows(ctx context.Context, storeID, table string, rows [][]string) error
	ReadAllRows(ctx context.Context, storeID, table string) ([][]string, error)
}
