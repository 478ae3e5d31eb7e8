package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/medsync/agent/internal/observability"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// SheetsStore implements Store on Google Sheets. Each table is a sheet tab;
// rows are appended with RAW input and the first row holds the header.
type SheetsStore struct {
	svc *sheets.Service

	mu          sync.Mutex
	headersDone map[string]bool
}

// NewSheetsStore creates a Sheets client authorized by ts. endpoint overrides
// the API base URL when non-empty.
func NewSheetsStore(ctx context.Context, ts oauth2.TokenSource, endpoint string) (*SheetsStore, error) {
	opts := []option.ClientOption{option.WithTokenSource(ts)}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}

	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	return &SheetsStore{
		svc:         svc,
		headersDone: make(map[string]bool),
	}, nil
}

// AppendRows appends rows after the last non-empty row of the table
func (s *SheetsStore) AppendRows(ctx context.Context, storeID, table string, rows [][]string) error {
	ctx, span := observability.StartRemoteSpan(ctx, "sheets", "append",
		observability.TargetEntity(table))
	defer span.End()

	if err := s.ensureHeader(ctx, storeID, table); err != nil {
		observability.RecordError(span, err)
		return Classify(err)
	}

	_, err := s.svc.Spreadsheets.Values.Append(storeID, table+"!A:Z", &sheets.ValueRange{
		Values: toCells(rows),
	}).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		observability.RecordError(span, err)
		return Classify(err)
	}

	observability.SetSuccess(span)
	return nil
}

// ReadAllRows returns every row of the table including the header
func (s *SheetsStore) ReadAllRows(ctx context.Context, storeID, table string) ([][]string, error) {
	ctx, span := observability.StartRemoteSpan(ctx, "sheets", "read",
		observability.TargetEntity(table))
	defer span.End()

	resp, err := s.svc.Spreadsheets.Values.Get(storeID, table+"!A:Z").Context(ctx).Do()
	if err != nil {
		observability.RecordError(span, err)
		return nil, Classify(err)
	}

	observability.SetSuccess(span)
	return fromCells(resp.Values), nil
}

// ensureHeader writes the header row once per table if the tab is empty
func (s *SheetsStore) ensureHeader(ctx context.Context, storeID, table string) error {
	key := storeID + "/" + table

	s.mu.Lock()
	done := s.headersDone[key]
	s.mu.Unlock()
	if done {
		return nil
	}

	header, ok := Headers[table]
	if !ok {
		return fmt.Errorf("unknown table %q", table)
	}

	resp, err := s.svc.Spreadsheets.Values.Get(storeID, table+"!A1:Z1").Context(ctx).Do()
	if err != nil {
		return err
	}

	if len(resp.Values) == 0 {
		_, err := s.svc.Spreadsheets.Values.Update(storeID, table+"!A1", &sheets.ValueRange{
			Values: toCells([][]string{header}),
		}).ValueInputOption("RAW").Context(ctx).Do()
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.headersDone[key] = true
	s.mu.Unlock()
	return nil
}

func toCells(rows [][]string) [][]interface{} {
	out := make([][]interface{}, len(rows))
	for i, row := range rows {
		cells := make([]interface{}, len(row))
		for j, v := range row {
			cells[j] = v
		}
		out[i] = cells
	}
	return out
}

func fromCells(values [][]interface{}) [][]string {
	out := make([][]string, len(values))
	for i, row := range values {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = fmt.Sprint(v)
		}
		out[i] = cells
	}
	return out
}
