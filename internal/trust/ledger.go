package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ppiankov/chaingate/internal/audit"
	"github.com/ppiankov/chaingate/internal/policy"
)

// ErrInvalidSignal is returned when a signal falls outside the configured
// bounds or is missing an identifier.
var ErrInvalidSignal = errors.New("invalid signal")

// Level is the review lane an entity's trust qualifies it for.
// There is no level that skips approval.
type Level string

const (
	LevelApprovalRequired Level = "approval_required"
	LevelSupervised       Level = "supervised"
)

// Ledger records trust signals and derives scores from them.
// It holds no score state: every read replays the log.
type Ledger struct {
	log     Log
	cfg     atomic.Pointer[policy.TrustConfig]
	emitter audit.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the recorded_at and rollback issue time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// NewLedger returns a ledger over log. A nil emitter discards events.
func NewLedger(log Log, cfg policy.TrustConfig, emitter audit.Emitter, opts ...Option) *Ledger {
	if emitter == nil {
		emitter = audit.Discard{}
	}
	l := &Ledger{
		log:     log,
		emitter: emitter,
		logger:  slog.Default(),
		now:     time.Now,
	}
	l.cfg.Store(&cfg)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetConfig swaps the score parameters. Recorded signals are unaffected;
// the next read recomputes under the new parameters.
func (l *Ledger) SetConfig(cfg policy.TrustConfig) {
	l.cfg.Store(&cfg)
}

// Config returns the active score parameters.
func (l *Ledger) Config() policy.TrustConfig {
	return *l.cfg.Load()
}

// RecordSignal appends a signal for entity from source.
func (l *Ledger) RecordSignal(ctx context.Context, entityID, sourceID string, magnitude float64, observedAt time.Time) (Entry, error) {
	cfg := l.Config()
	entityID = strings.TrimSpace(entityID)
	sourceID = strings.TrimSpace(sourceID)
	switch {
	case entityID == "":
		return Entry{}, fmt.Errorf("%w: empty entity id", ErrInvalidSignal)
	case sourceID == "":
		return Entry{}, fmt.Errorf("%w: empty source id", ErrInvalidSignal)
	case math.IsNaN(magnitude) || math.IsInf(magnitude, 0):
		return Entry{}, fmt.Errorf("%w: magnitude is not finite", ErrInvalidSignal)
	case magnitude < cfg.SignalMin || magnitude > cfg.SignalMax:
		return Entry{}, fmt.Errorf("%w: magnitude %v outside [%v, %v]", ErrInvalidSignal, magnitude, cfg.SignalMin, cfg.SignalMax)
	case observedAt.IsZero():
		return Entry{}, fmt.Errorf("%w: missing observed_at", ErrInvalidSignal)
	}

	entry, err := l.log.Append(ctx, Entry{
		Kind:       EntrySignal,
		EntityID:   entityID,
		SourceID:   sourceID,
		Magnitude:  magnitude,
		At:         observedAt.UTC(),
		RecordedAt: l.now().UTC(),
	})
	if err != nil {
		return Entry{}, err
	}

	l.emitter.Emit(audit.Event{
		SubjectType: audit.SubjectTrust,
		SubjectID:   entityID,
		Kind:        audit.KindSignalRecorded,
		ActorID:     sourceID,
		Payload: map[string]string{
			"seq":         strconv.FormatInt(entry.Seq, 10),
			"source_id":   sourceID,
			"magnitude":   strconv.FormatFloat(magnitude, 'g', -1, 64),
			"observed_at": entry.At.Format(time.RFC3339Nano),
		},
	})
	return entry, nil
}

// CurrentScore recomputes the entity's score as of asOf.
func (l *Ledger) CurrentScore(ctx context.Context, entityID string, asOf time.Time) (Score, error) {
	entries, err := l.log.Entries(ctx, entityID)
	if err != nil {
		return Score{}, err
	}
	score := Compute(l.Config(), entityID, entries, asOf.UTC())

	l.emitter.Emit(audit.Event{
		SubjectType: audit.SubjectTrust,
		SubjectID:   entityID,
		Kind:        audit.KindScoreRecomputed,
		Payload: map[string]string{
			"score":   strconv.FormatFloat(score.Value, 'g', -1, 64),
			"signals": strconv.Itoa(score.Signals),
			"hidden":  strconv.Itoa(score.Hidden),
			"as_of":   score.AsOf.Format(time.RFC3339Nano),
		},
	})
	return score, nil
}

// Rollback hides every signal already recorded for entity whose observed_at
// is after to. Nothing is deleted; the marker is itself a log entry.
func (l *Ledger) Rollback(ctx context.Context, entityID string, to time.Time, actor string) (Entry, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return Entry{}, fmt.Errorf("%w: empty entity id", ErrInvalidSignal)
	}
	entry, err := l.log.Append(ctx, Entry{
		Kind:       EntryRollback,
		EntityID:   entityID,
		At:         to.UTC(),
		RecordedAt: l.now().UTC(),
	})
	if err != nil {
		return Entry{}, err
	}

	l.logger.Warn("trust rollback",
		"entity_id", entityID,
		"to", entry.At,
		"actor", actor,
		"seq", entry.Seq,
	)
	l.emitter.Emit(audit.Event{
		SubjectType: audit.SubjectTrust,
		SubjectID:   entityID,
		Kind:        audit.KindTrustRollback,
		ActorID:     actor,
		Payload: map[string]string{
			"seq": strconv.FormatInt(entry.Seq, 10),
			"to":  entry.At.Format(time.RFC3339Nano),
		},
	})
	return entry, nil
}

// Level reports which review lane the entity qualifies for as of asOf.
// Supervised requires the expedite threshold, enough visible signals, and
// enough history since the first one.
func (l *Ledger) Level(ctx context.Context, entityID string, asOf time.Time) (Level, Score, error) {
	score, err := l.CurrentScore(ctx, entityID, asOf)
	if err != nil {
		return LevelApprovalRequired, Score{}, err
	}
	return levelFor(l.Config(), score), score, nil
}

func levelFor(cfg policy.TrustConfig, score Score) Level {
	if score.Signals == 0 || score.Signals < cfg.MinSignals {
		return LevelApprovalRequired
	}
	if score.AsOf.Sub(score.FirstObserved) < cfg.MinHistory {
		return LevelApprovalRequired
	}
	if score.Value < cfg.ExpediteThreshold {
		return LevelApprovalRequired
	}
	return LevelSupervised
}

// Entities lists every entity with recorded entries.
func (l *Ledger) Entities(ctx context.Context) ([]string, error) {
	return l.log.Entities(ctx)
}
