package trust

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// MemoryLog is a lock-free in-process Log. Each entity holds an immutable
// slice behind an atomic pointer; Append copies, extends and swaps it,
// retrying on contention, so concurrent appends never lose an entry.
type MemoryLog struct {
	seq      atomic.Int64
	entities sync.Map // entity id -> *atomic.Pointer[[]Entry]
}

// NewMemoryLog returns an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) slot(entityID string) *atomic.Pointer[[]Entry] {
	if p, ok := m.entities.Load(entityID); ok {
		return p.(*atomic.Pointer[[]Entry])
	}
	p, _ := m.entities.LoadOrStore(entityID, new(atomic.Pointer[[]Entry]))
	return p.(*atomic.Pointer[[]Entry])
}

// Append assigns the next sequence number and adds e to its entity's log.
// Seq is drawn after loading the current tail and before the swap, so a
// successful swap always carries a Seq above every entry already present:
// slice order and Seq order agree.
func (m *MemoryLog) Append(_ context.Context, e Entry) (Entry, error) {
	p := m.slot(e.EntityID)
	for {
		old := p.Load()
		e.Seq = m.seq.Add(1)
		var next []Entry
		if old != nil {
			next = make([]Entry, len(*old), len(*old)+1)
			copy(next, *old)
		}
		next = append(next, e)
		if p.CompareAndSwap(old, &next) {
			return e, nil
		}
	}
}

// Entries returns the entity's entries ordered by Seq. The returned slice
// is owned by the caller.
func (m *MemoryLog) Entries(_ context.Context, entityID string) ([]Entry, error) {
	v, ok := m.entities.Load(entityID)
	if !ok {
		return nil, nil
	}
	snap := v.(*atomic.Pointer[[]Entry]).Load()
	if snap == nil {
		return nil, nil
	}
	out := make([]Entry, len(*snap))
	copy(out, *snap)
	return out, nil
}

// Entities lists every entity with at least one entry, sorted.
func (m *MemoryLog) Entities(_ context.Context) ([]string, error) {
	var ids []string
	m.entities.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	return ids, nil
}

// Close is a no-op.
func (m *MemoryLog) Close() error { return nil }
