package trust

import (
	"context"
	"time"
)

// EntryKind distinguishes the two record types in a signal log.
type EntryKind string

const (
	EntrySignal   EntryKind = "signal"
	EntryRollback EntryKind = "rollback"
)

// Entry is one immutable record in an entity's signal log.
//
// For signals, At is observed_at. For rollback markers, At is the rollback
// target: the marker hides signals with a lower Seq whose observed_at is
// after At. Signals appended after the marker are unaffected.
type Entry struct {
	Seq        int64     `json:"seq"`
	Kind       EntryKind `json:"kind"`
	EntityID   string    `json:"entity_id"`
	SourceID   string    `json:"source_id,omitempty"`
	Magnitude  float64   `json:"magnitude,omitempty"`
	At         time.Time `json:"at"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Log is an append-only signal store. There is no update or delete.
//
// Append must be atomic with respect to concurrent appends: no entry may be
// lost, and each receives a unique, increasing Seq. Entries returns a
// snapshot ordered by Seq.
type Log interface {
	Append(ctx context.Context, e Entry) (Entry, error)
	Entries(ctx context.Context, entityID string) ([]Entry, error)
	Entities(ctx context.Context) ([]string, error)
	Close() error
}
