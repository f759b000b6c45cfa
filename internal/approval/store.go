package approval

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// validKey matches alphanumeric, dash, underscore, and dot characters only.
var validKey = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validateKey rejects keys that could cause path traversal.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("key must not contain '..'")
	}
	if !validKey.MatchString(key) {
		return fmt.Errorf("key contains invalid characters: only alphanumeric, dash, underscore, and dot are allowed")
	}
	return nil
}

// Store persists approval records.
//
// Transition is the only mutation after Create: it applies fn to the
// current record under the store's lock and commits the result when fn
// reports a change, even if fn also returns an error. Concurrent
// transitions on one record are serialized, so a state check inside fn is
// a compare-and-set.
type Store interface {
	Create(ctx context.Context, r Record) error
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, f Filter) ([]Record, error)
	Transition(ctx context.Context, id string, fn func(*Record) (bool, error)) (Record, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Create stores r, failing with ErrDuplicateRequest if the id exists.
func (m *MemoryStore) Create(_ context.Context, r Record) error {
	if err := validateKey(r.ID); err != nil {
		return fmt.Errorf("invalid approval id: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, r.ID)
	}
	m.records[r.ID] = r.Clone()
	return nil
}

// Get returns a copy of the record.
func (m *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.Clone(), nil
}

// List returns matching records ordered by creation time.
func (m *MemoryStore) List(_ context.Context, f Filter) ([]Record, error) {
	m.mu.Lock()
	var out []Record
	for _, r := range m.records {
		if f.match(r) {
			out = append(out, r.Clone())
		}
	}
	m.mu.Unlock()
	sortRecords(out)
	return out, nil
}

// Transition applies fn to the record under the store lock.
func (m *MemoryStore) Transition(_ context.Context, id string, fn func(*Record) (bool, error)) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := cur.Clone()
	changed, err := fn(&next)
	if !changed {
		return cur.Clone(), err
	}
	m.records[id] = next
	return next.Clone(), err
}

func sortRecords(rs []Record) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}
