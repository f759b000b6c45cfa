package trust

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/chaingate/internal/audit"
	"github.com/ppiankov/chaingate/internal/policy"
)

var asOf = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func testConfig() policy.TrustConfig {
	return policy.DefaultConfig().Trust
}

func newTestLedger(t *testing.T) (*Ledger, *audit.Recorder) {
	t.Helper()
	rec := &audit.Recorder{}
	return NewLedger(NewMemoryLog(), testConfig(), rec, WithClock(func() time.Time { return asOf })), rec
}

func mustRecord(t *testing.T, l *Ledger, entity, source string, mag float64, observed time.Time) {
	t.Helper()
	if _, err := l.RecordSignal(context.Background(), entity, source, mag, observed); err != nil {
		t.Fatalf("record %s/%s: %v", entity, source, err)
	}
}

func mustScore(t *testing.T, l *Ledger, entity string, at time.Time) Score {
	t.Helper()
	s, err := l.CurrentScore(context.Background(), entity, at)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	return s
}

func TestNoSignalsScoresFloor(t *testing.T) {
	l, _ := newTestLedger(t)
	s := mustScore(t, l, "agent-1", asOf)
	if s.Value != testConfig().ScoreMin {
		t.Errorf("expected floor %v, got %v", testConfig().ScoreMin, s.Value)
	}
	if s.Signals != 0 {
		t.Errorf("expected 0 signals, got %d", s.Signals)
	}
}

func TestCoolingPeriodContributesZero(t *testing.T) {
	l, _ := newTestLedger(t)
	for i := 0; i < 6; i++ {
		mustRecord(t, l, "agent-1", fmt.Sprintf("src-%d", i), 10, asOf.Add(-47*time.Hour))
	}
	s := mustScore(t, l, "agent-1", asOf)
	if s.Value != testConfig().ScoreMin {
		t.Errorf("signals inside cooling period moved score to %v", s.Value)
	}
	if s.Cooling != 6 {
		t.Errorf("expected 6 cooling signals, got %d", s.Cooling)
	}

	// The same signals count once they are past the cooling period.
	later := mustScore(t, l, "agent-1", asOf.Add(2*time.Hour))
	if later.Value <= testConfig().ScoreMin {
		t.Errorf("expected score above floor after cooling, got %v", later.Value)
	}
}

func TestFutureSignalsIgnored(t *testing.T) {
	l, _ := newTestLedger(t)
	for i := 0; i < 5; i++ {
		mustRecord(t, l, "agent-1", fmt.Sprintf("src-%d", i), 5, asOf.Add(24*time.Hour))
	}
	s := mustScore(t, l, "agent-1", asOf)
	if s.Value != testConfig().ScoreMin || s.Signals != 0 {
		t.Errorf("future signals leaked into score: %+v", s)
	}
}

func TestDiversityCapSingleDominantSource(t *testing.T) {
	l, _ := newTestLedger(t)
	base := asOf.Add(-72 * time.Hour)
	for i := 0; i < 50; i++ {
		mustRecord(t, l, "agent-1", "spam", 1.0, base.Add(time.Duration(i)*time.Minute))
	}
	for i := 0; i < 5; i++ {
		mustRecord(t, l, "agent-1", fmt.Sprintf("peer-%d", i), 1.0, base)
	}

	s := mustScore(t, l, "agent-1", asOf)
	total := 0.0
	var spam SourceContribution
	for _, sc := range s.Sources {
		total += sc.Capped
		if sc.SourceID == "spam" {
			spam = sc
		}
	}
	if spam.Raw < 40 {
		t.Fatalf("expected large raw contribution, got %v", spam.Raw)
	}
	if spam.Capped > testConfig().DiversityCap*total+1e-9 {
		t.Errorf("spam holds %v of %v (%.3f), exceeds cap %.2f", spam.Capped, total, spam.Capped/total, testConfig().DiversityCap)
	}
	if s.Value > testConfig().ScoreMin+10 {
		t.Errorf("score %v reflects raw volume, not the cap", s.Value)
	}
}

func TestDiversityCapTwoSources(t *testing.T) {
	l, _ := newTestLedger(t)
	base := asOf.Add(-72 * time.Hour)
	for i := 0; i < 50; i++ {
		mustRecord(t, l, "agent-1", "spam", 1.0, base.Add(time.Duration(i)*time.Minute))
	}
	mustRecord(t, l, "agent-1", "other", 1.0, base)

	s := mustScore(t, l, "agent-1", asOf)
	for _, sc := range s.Sources {
		if sc.SourceID == "spam" && sc.Capped >= sc.Raw {
			t.Errorf("spam contribution not capped: raw=%v capped=%v", sc.Raw, sc.Capped)
		}
	}
	if s.Value >= testConfig().ScoreMin+50 {
		t.Errorf("score %v is close to 50x raw", s.Value)
	}
}

func TestNegativeSignalsLowerScore(t *testing.T) {
	l, _ := newTestLedger(t)
	old := asOf.Add(-72 * time.Hour)
	for i := 0; i < 5; i++ {
		mustRecord(t, l, "agent-1", fmt.Sprintf("src-%d", i), 10, old)
	}
	before := mustScore(t, l, "agent-1", asOf).Value

	mustRecord(t, l, "agent-1", "incident", -10, old)
	after := mustScore(t, l, "agent-1", asOf).Value
	if after >= before {
		t.Errorf("negative signal from a single source had no effect: %v -> %v", before, after)
	}
}

func TestSingleNegativeSourceIsCapped(t *testing.T) {
	l, _ := newTestLedger(t)
	old := asOf.Add(-72 * time.Hour)
	for src := 0; src < 5; src++ {
		for i := 0; i < 10; i++ {
			mustRecord(t, l, "agent-1", fmt.Sprintf("src-%d", src), 10, old)
		}
	}
	before := mustScore(t, l, "agent-1", asOf).Value

	for i := 0; i < 200; i++ {
		mustRecord(t, l, "agent-1", "hostile", -10, old)
	}
	after := mustScore(t, l, "agent-1", asOf)

	absTotal := 0.0
	var hostile SourceContribution
	for _, sc := range after.Sources {
		absTotal += math.Abs(sc.Capped)
		if sc.SourceID == "hostile" {
			hostile = sc
		}
	}
	if hostile.Raw > -1000 {
		t.Fatalf("expected a large raw penalty, got %v", hostile.Raw)
	}
	if math.Abs(hostile.Capped) > testConfig().DiversityCap*absTotal+1e-9 {
		t.Errorf("hostile holds %v of %v, exceeds cap %.2f", hostile.Capped, absTotal, testConfig().DiversityCap)
	}
	if after.Value <= testConfig().ScoreMin {
		t.Errorf("one source drove the score from %v to the floor", before)
	}
	if after.Value > before {
		t.Errorf("penalty raised the score: %v -> %v", before, after.Value)
	}
}

func TestScoreClampedToMax(t *testing.T) {
	l, _ := newTestLedger(t)
	old := asOf.Add(-72 * time.Hour)
	for src := 0; src < 10; src++ {
		for i := 0; i < 20; i++ {
			mustRecord(t, l, "agent-1", fmt.Sprintf("src-%d", src), 10, old)
		}
	}
	if s := mustScore(t, l, "agent-1", asOf); s.Value != testConfig().ScoreMax {
		t.Errorf("expected clamp at %v, got %v", testConfig().ScoreMax, s.Value)
	}
}

func TestConcurrentAppendsCommute(t *testing.T) {
	type sig struct {
		source string
		mag    float64
		at     time.Time
	}
	rng := rand.New(rand.NewSource(7))
	var sigs []sig
	for i := 0; i < 400; i++ {
		sigs = append(sigs, sig{
			source: fmt.Sprintf("src-%d", rng.Intn(9)),
			mag:    math.Round((rng.Float64()*20-10)*100) / 100,
			at:     asOf.Add(-time.Duration(rng.Intn(30*24)) * time.Hour),
		})
	}

	sequential := NewLedger(NewMemoryLog(), testConfig(), nil)
	for _, s := range sigs {
		if _, err := sequential.RecordSignal(context.Background(), "agent-1", s.source, s.mag, s.at); err != nil {
			t.Fatal(err)
		}
	}
	want := mustScore(t, sequential, "agent-1", asOf)

	for trial := 0; trial < 5; trial++ {
		shuffled := append([]sig(nil), sigs...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		l := NewLedger(NewMemoryLog(), testConfig(), nil)
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := w; i < len(shuffled); i += 8 {
					s := shuffled[i]
					if _, err := l.RecordSignal(context.Background(), "agent-1", s.source, s.mag, s.at); err != nil {
						t.Error(err)
					}
				}
			}(w)
		}
		wg.Wait()

		got := mustScore(t, l, "agent-1", asOf)
		if got.Signals != len(sigs) {
			t.Fatalf("trial %d: lost appends: %d of %d", trial, got.Signals, len(sigs))
		}
		if got.Value != want.Value {
			t.Fatalf("trial %d: score depends on arrival order: %v vs %v", trial, got.Value, want.Value)
		}
	}
}

func TestRollbackRoundTrip(t *testing.T) {
	cut := asOf.Add(-10 * 24 * time.Hour)

	withRollback, _ := newTestLedger(t)
	clean, _ := newTestLedger(t)
	for i := 0; i < 6; i++ {
		src := fmt.Sprintf("src-%d", i)
		mustRecord(t, withRollback, "agent-1", src, 4, cut.Add(-24*time.Hour))
		mustRecord(t, clean, "agent-1", src, 4, cut.Add(-24*time.Hour))
		// Cultivation after the cut.
		mustRecord(t, withRollback, "agent-1", src, 10, cut.Add(72*time.Hour))
	}

	if _, err := withRollback.Rollback(context.Background(), "agent-1", cut, "ops@example.com"); err != nil {
		t.Fatal(err)
	}

	for _, at := range []time.Time{cut, asOf} {
		got := mustScore(t, withRollback, "agent-1", at)
		want := mustScore(t, clean, "agent-1", at)
		if got.Value != want.Value {
			t.Errorf("as of %v: rollback score %v, clean score %v", at, got.Value, want.Value)
		}
	}
	if s := mustScore(t, withRollback, "agent-1", asOf); s.Hidden != 6 {
		t.Errorf("expected 6 hidden signals, got %d", s.Hidden)
	}

	// Signals recorded after the marker are visible again, even if they
	// were observed after the cut.
	mustRecord(t, withRollback, "agent-1", "src-0", 10, cut.Add(96*time.Hour))
	if s := mustScore(t, withRollback, "agent-1", asOf); s.Hidden != 6 || s.Signals != 7 {
		t.Errorf("expected 7 visible and 6 hidden after new signal, got %d/%d", s.Signals, s.Hidden)
	}
}

func TestRecordSignalValidation(t *testing.T) {
	l, rec := newTestLedger(t)
	tests := []struct {
		name   string
		entity string
		source string
		mag    float64
		at     time.Time
	}{
		{"empty entity", "", "src", 1, asOf},
		{"empty source", "agent", " ", 1, asOf},
		{"above max", "agent", "src", 10.5, asOf},
		{"below min", "agent", "src", -11, asOf},
		{"nan", "agent", "src", math.NaN(), asOf},
		{"inf", "agent", "src", math.Inf(1), asOf},
		{"zero time", "agent", "src", 1, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.RecordSignal(context.Background(), tt.entity, tt.source, tt.mag, tt.at)
			if !errors.Is(err, ErrInvalidSignal) {
				t.Errorf("expected ErrInvalidSignal, got %v", err)
			}
		})
	}
	if n := len(rec.Events()); n != 0 {
		t.Errorf("rejected signals must not emit events, got %d", n)
	}

	// Bounds are inclusive.
	if _, err := l.RecordSignal(context.Background(), "agent", "src", 10, asOf); err != nil {
		t.Errorf("magnitude at max rejected: %v", err)
	}
}

func TestLedgerEmitsAuditEvents(t *testing.T) {
	l, rec := newTestLedger(t)
	mustRecord(t, l, "agent-1", "src", 1, asOf.Add(-72*time.Hour))
	mustScore(t, l, "agent-1", asOf)
	if _, err := l.Rollback(context.Background(), "agent-1", asOf.Add(-96*time.Hour), "ops"); err != nil {
		t.Fatal(err)
	}

	got := rec.Kinds("agent-1")
	want := []string{audit.KindSignalRecorded, audit.KindScoreRecomputed, audit.KindTrustRollback}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	events := rec.Events()
	if events[0].ActorID != "src" || events[2].ActorID != "ops" {
		t.Errorf("unexpected actors: %q %q", events[0].ActorID, events[2].ActorID)
	}
}

func TestLevel(t *testing.T) {
	tests := []struct {
		name    string
		sources int
		perSrc  int
		age     time.Duration
		want    Level
	}{
		{"diverse and seasoned", 5, 5, 10 * 24 * time.Hour, LevelSupervised},
		{"too few sources", 4, 5, 10 * 24 * time.Hour, LevelApprovalRequired},
		{"too few signals", 4, 1, 10 * 24 * time.Hour, LevelApprovalRequired},
		{"too recent history", 5, 5, 3 * 24 * time.Hour, LevelApprovalRequired},
		{"inside cooling", 5, 5, 24 * time.Hour, LevelApprovalRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newTestLedger(t)
			for s := 0; s < tt.sources; s++ {
				for i := 0; i < tt.perSrc; i++ {
					mustRecord(t, l, "agent-1", fmt.Sprintf("src-%d", s), 10, asOf.Add(-tt.age))
				}
			}
			got, score, err := l.Level(context.Background(), "agent-1", asOf)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Level = %s (score %v, signals %d), want %s", got, score.Value, score.Signals, tt.want)
			}
		})
	}
}

func TestSetConfigRecomputes(t *testing.T) {
	l, _ := newTestLedger(t)
	for i := 0; i < 5; i++ {
		mustRecord(t, l, "agent-1", fmt.Sprintf("src-%d", i), 5, asOf.Add(-72*time.Hour))
	}
	before := mustScore(t, l, "agent-1", asOf).Value

	cfg := testConfig()
	cfg.CoolingPeriod = 96 * time.Hour
	l.SetConfig(cfg)
	if after := mustScore(t, l, "agent-1", asOf).Value; after != cfg.ScoreMin || before == after {
		t.Errorf("expected cooling change to zero the score, got %v -> %v", before, after)
	}
}

func TestSQLiteMatchesMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	sqlLog, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	mem := NewLedger(NewMemoryLog(), testConfig(), nil)
	disk := NewLedger(sqlLog, testConfig(), nil)

	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 120; i++ {
		src := fmt.Sprintf("src-%d", rng.Intn(7))
		mag := math.Round((rng.Float64()*20-10)*1000) / 1000
		at := asOf.Add(-time.Duration(rng.Intn(40*24*60)) * time.Minute)
		mustRecord(t, mem, "agent-1", src, mag, at)
		mustRecord(t, disk, "agent-1", src, mag, at)
	}
	cut := asOf.Add(-5 * 24 * time.Hour)
	for _, l := range []*Ledger{mem, disk} {
		if _, err := l.Rollback(context.Background(), "agent-1", cut, "ops"); err != nil {
			t.Fatal(err)
		}
	}

	want := mustScore(t, mem, "agent-1", asOf)
	got := mustScore(t, disk, "agent-1", asOf)
	if got.Value != want.Value || got.Signals != want.Signals || got.Hidden != want.Hidden {
		t.Fatalf("sqlite %+v != memory %+v", got, want)
	}

	// Reopen and recompute.
	if err := sqlLog.Close(); err != nil {
		t.Fatal(err)
	}
	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	again := mustScore(t, NewLedger(reopened, testConfig(), nil), "agent-1", asOf)
	if again.Value != want.Value {
		t.Errorf("score changed after reopen: %v vs %v", again.Value, want.Value)
	}

	ids, err := reopened.Entities(context.Background())
	if err != nil || len(ids) != 1 || ids[0] != "agent-1" {
		t.Errorf("unexpected entities %v (%v)", ids, err)
	}
}

func TestMemoryLogSeqFollowsAppendOrder(t *testing.T) {
	m := NewMemoryLog()
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				kind := EntrySignal
				if i%50 == 0 {
					kind = EntryRollback
				}
				if _, err := m.Append(context.Background(), Entry{Kind: kind, EntityID: "agent-1", SourceID: fmt.Sprintf("w-%d", w), At: asOf}); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	stored := *m.slot("agent-1").Load()
	if len(stored) != 16*200 {
		t.Fatalf("lost appends: %d", len(stored))
	}
	for i := 1; i < len(stored); i++ {
		if stored[i].Seq <= stored[i-1].Seq {
			t.Fatalf("entry %d has seq %d after seq %d", i, stored[i].Seq, stored[i-1].Seq)
		}
	}
}
