package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/chaingate/internal/alert"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func flush(t *testing.T, s *Sink) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestSinkAssignsIDsAndTimestamps(t *testing.T) {
	store := &MemoryStore{}
	s := NewSink(store, SinkConfig{}, WithLogger(quietLogger))
	defer s.Close(context.Background())

	s.Emit(Event{SubjectType: SubjectAction, SubjectID: "act-1", Kind: KindActionCreated})
	flush(t, s)

	events := store.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].EventID == "" || events[0].Timestamp == "" {
		t.Fatalf("expected id and timestamp, got %+v", events[0])
	}
}

func TestSinkTimestampsMonotonicPerSubject(t *testing.T) {
	store := &MemoryStore{}
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSink(store, SinkConfig{}, WithLogger(quietLogger), WithClock(func() time.Time { return frozen }))
	defer s.Close(context.Background())

	for i := 0; i < 50; i++ {
		s.Emit(Event{SubjectType: SubjectApproval, SubjectID: "apr-1", Kind: KindApprovalCreated})
	}
	flush(t, s)

	events := store.Events()
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp <= events[i-1].Timestamp {
			t.Fatalf("timestamp not increasing at %d: %s <= %s", i, events[i].Timestamp, events[i-1].Timestamp)
		}
	}
}

func TestSinkTimestampsIncreaseAcrossManySubjects(t *testing.T) {
	store := &MemoryStore{}
	frozen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewSink(store, SinkConfig{Buffer: 4096}, WithLogger(quietLogger), WithClock(func() time.Time { return frozen }))
	defer s.Close(context.Background())

	for i := 0; i < 3000; i++ {
		s.Emit(Event{SubjectType: SubjectAction, SubjectID: fmt.Sprintf("act-%d", i), Kind: KindActionCreated})
	}
	flush(t, s)

	events := store.Events()
	if len(events) != 3000 {
		t.Fatalf("expected 3000 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp <= events[i-1].Timestamp {
			t.Fatalf("timestamp not increasing at %d", i)
		}
	}
	// One clock reading spread over 3000 events stays within 3 microseconds.
	last, err := time.Parse(TimestampFormat, events[len(events)-1].Timestamp)
	if err != nil {
		t.Fatal(err)
	}
	if d := last.Sub(frozen); d >= 3*time.Microsecond {
		t.Errorf("timestamps drifted %s from the clock", d)
	}
}

func TestSinkConcurrentEmittersKeepSubjectOrder(t *testing.T) {
	store := &MemoryStore{}
	s := NewSink(store, SinkConfig{Buffer: 4096}, WithLogger(quietLogger))
	defer s.Close(context.Background())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Emit(Event{SubjectType: SubjectTrust, SubjectID: "agent-1", Kind: KindSignalRecorded})
			}
		}()
	}
	wg.Wait()
	flush(t, s)

	events := store.Events()
	if len(events) != 800 {
		t.Fatalf("expected 800 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp <= events[i-1].Timestamp {
			t.Fatalf("store observed out-of-order timestamps at %d", i)
		}
	}
}

func TestSinkFailureRaisesAlertAndDegrades(t *testing.T) {
	var alerts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		alerts.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &MemoryStore{Fail: errors.New("store unavailable")}
	var lost atomic.Int32
	s := NewSink(store, SinkConfig{Retries: 2, RetryBackoff: time.Millisecond},
		WithLogger(quietLogger),
		WithAlerts(alert.NewDispatcher([]alert.AlertConfig{
			{URL: srv.URL, Events: []string{alert.TypeAuditEmissionFailure}},
		})),
		WithFatalHook(func(e Event, err error) {
			if !errors.Is(err, ErrEmissionFailure) {
				t.Errorf("expected ErrEmissionFailure, got %v", err)
			}
			lost.Add(1)
		}),
	)
	defer s.Close(context.Background())

	s.Emit(Event{SubjectType: SubjectApproval, SubjectID: "apr-1", Kind: KindApprovalApproved})
	flush(t, s)

	if !s.Degraded() {
		t.Fatal("expected sink to be degraded after lost event")
	}
	if s.Failures() != 1 || lost.Load() != 1 {
		t.Fatalf("expected 1 failure, got counter=%d hook=%d", s.Failures(), lost.Load())
	}

	deadline := time.Now().Add(2 * time.Second)
	for alerts.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if alerts.Load() != 1 {
		t.Fatalf("expected 1 critical alert, got %d", alerts.Load())
	}

	// Recovery clears the degraded flag but not the failure count.
	store.SetFail(nil)
	s.Emit(Event{SubjectType: SubjectApproval, SubjectID: "apr-2", Kind: KindApprovalCreated})
	flush(t, s)
	if s.Degraded() {
		t.Fatal("expected sink to recover after a successful append")
	}
	if s.Failures() != 1 {
		t.Fatalf("failure count must persist, got %d", s.Failures())
	}
}

func TestSinkRetriesTransientFailure(t *testing.T) {
	store := &flakyStore{failures: 2}
	s := NewSink(store, SinkConfig{Retries: 3, RetryBackoff: time.Millisecond}, WithLogger(quietLogger))
	defer s.Close(context.Background())

	s.Emit(Event{SubjectType: SubjectAction, SubjectID: "act-1", Kind: KindActionCreated})
	flush(t, s)

	if s.Failures() != 0 {
		t.Fatalf("expected retry to succeed, got %d failures", s.Failures())
	}
	if store.appended.Load() != 1 {
		t.Fatalf("expected 1 stored event, got %d", store.appended.Load())
	}
}

func TestSinkEmitAfterCloseIsCounted(t *testing.T) {
	s := NewSink(&MemoryStore{}, SinkConfig{}, WithLogger(quietLogger))
	if err := s.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	s.Emit(Event{SubjectType: SubjectAction, SubjectID: "act-1", Kind: KindActionCreated})
	if s.Failures() != 1 {
		t.Fatalf("expected emit after close to count as failure, got %d", s.Failures())
	}
}

func TestSinkCloseDrainsQueue(t *testing.T) {
	store := &MemoryStore{}
	s := NewSink(store, SinkConfig{Buffer: 100}, WithLogger(quietLogger))
	for i := 0; i < 100; i++ {
		s.Emit(Event{SubjectType: SubjectAction, SubjectID: "act-1", Kind: KindActionCreated})
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(store.Events()); got != 100 {
		t.Fatalf("expected 100 drained events, got %d", got)
	}
}

func TestSinkBufferOverflowIsCounted(t *testing.T) {
	store := &blockingStore{release: make(chan struct{})}
	s := NewSink(store, SinkConfig{Buffer: 1}, WithLogger(quietLogger))

	// First event is taken by the worker and blocks; second fills the
	// buffer; the rest overflow.
	for i := 0; i < 5; i++ {
		s.Emit(Event{SubjectType: SubjectAction, SubjectID: "act-1", Kind: KindActionCreated})
		time.Sleep(5 * time.Millisecond)
	}
	close(store.release)
	s.Close(context.Background())

	if s.Failures() < 1 {
		t.Fatal("expected overflowed events to be counted as failures")
	}
}

type flakyStore struct {
	failures int32
	calls    atomic.Int32
	appended atomic.Int32
}

func (f *flakyStore) Append(context.Context, Event) error {
	if f.calls.Add(1) <= f.failures {
		return errors.New("transient")
	}
	f.appended.Add(1)
	return nil
}

type blockingStore struct {
	release chan struct{}
}

func (b *blockingStore) Append(ctx context.Context, _ Event) error {
	<-b.release
	return nil
}
