package remote

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store. Fail, when set, is consulted before
// every call and its error is returned unchanged.
type MemoryStore struct {
	mu     sync.Mutex
	tables map[string][][]string
	calls  int

	Fail func(call int, storeID, table string) error
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string][][]string)}
}

func (s *MemoryStore) AppendRows(ctx context.Context, storeID, table string, rows [][]string) error {
	if err := s.before(storeID, table); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return Classify(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeID + "/" + table
	if len(s.tables[key]) == 0 {
		s.tables[key] = [][]string{Headers[table]}
	}
	for _, row := range rows {
		s.tables[key] = append(s.tables[key], append([]string(nil), row...))
	}
	return nil
}

func (s *MemoryStore) ReadAllRows(ctx context.Context, storeID, table string) ([][]string, error) {
	if err := s.before(storeID, table); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.tables[storeID+"/"+table]
	out := make([][]string, len(rows))
	for i, row := range rows {
		out[i] = append([]string(nil), row...)
	}
	return out, nil
}

// before counts the call and runs Fail outside the lock so it may block
func (s *MemoryStore) before(storeID, table string) error {
	s.mu.Lock()
	s.calls++
	call := s.calls
	fail := s.Fail
	s.mu.Unlock()

	if fail != nil {
		return fail(call, storeID, table)
	}
	return nil
}

// Rows returns the data rows (header excluded) appended to a table
func (s *MemoryStore) Rows(storeID, table string) [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.tables[storeID+"/"+table]
	if len(rows) <= 1 {
		return nil
	}
	out := make([][]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		out = append(out, append([]string(nil), row...))
	}
	return out
}

// Calls returns how many adapter calls were made
func (s *MemoryStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
