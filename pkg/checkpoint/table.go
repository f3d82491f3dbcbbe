package checkpoint

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ProbeKey is the record written by TableStore.Probe.
const ProbeKey = "okta-relay-probe"

// Table is a key-value table holding one cursor per source. PutItem must
// replace the record atomically.
type Table interface {
	GetItem(ctx context.Context, key string) (cursor string, ok bool, err error)
	PutItem(ctx context.Context, key, cursor string) error
	Backend() string
}

// TableStore is a Store over a Table.
type TableStore struct {
	table Table
}

// NewTableStore creates a store over table.
func NewTableStore(table Table) *TableStore {
	if table == nil {
		panic("checkpoint table cannot be nil")
	}
	return &TableStore{table: table}
}

// Backend returns the name of the underlying table backend.
func (s *TableStore) Backend() string {
	return s.table.Backend()
}

// Load implements Store.
func (s *TableStore) Load(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, fmt.Errorf("checkpoint key is required")
	}
	cursor, ok, err := s.table.GetItem(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("%s get %q: %w", s.table.Backend(), key, err)
	}
	if !ok || cursor == "" {
		return "", false, nil
	}
	return cursor, true, nil
}

// Save implements Store.
func (s *TableStore) Save(ctx context.Context, key, cursor string) error {
	if key == "" {
		return fmt.Errorf("checkpoint key is required")
	}
	if cursor == "" {
		return ErrEmptyCursor
	}

	err := s.table.PutItem(ctx, key, cursor)
	if err != nil {
		err = fmt.Errorf("%s put %q: %w", s.table.Backend(), key, err)
	}
	recordWrite(s.table.Backend(), err)
	return err
}

// Probe writes a fresh value under ProbeKey and reads it back, so missing
// permissions fail the run before any event is fetched.
func (s *TableStore) Probe(ctx context.Context) error {
	want := uuid.NewString()

	if err := s.table.PutItem(ctx, ProbeKey, want); err != nil {
		return fmt.Errorf("%s probe write: %w", s.table.Backend(), err)
	}

	got, ok, err := s.table.GetItem(ctx, ProbeKey)
	if err != nil {
		return fmt.Errorf("%s probe read: %w", s.table.Backend(), err)
	}
	if !ok || got != want {
		return fmt.Errorf("%s probe: %w", s.table.Backend(), ErrProbeMismatch)
	}
	return nil
}
