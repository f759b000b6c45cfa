package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppiankov/chaingate/internal/alert"
	"github.com/ppiankov/chaingate/internal/model"
)

// ErrEmissionFailure marks an event that could not be appended after all
// retries, or could not be queued at all.
var ErrEmissionFailure = errors.New("audit emission failure")

// SinkConfig tunes retry and buffering.
type SinkConfig struct {
	Retries      int
	RetryBackoff time.Duration
	Buffer       int
}

// Sink is the fire-and-forget audit adapter. Emit assigns the event id and
// timestamp, queues, and returns; a single worker appends in queue order.
// Timestamps strictly increase across the whole queue, which orders every
// subject's events without keeping per-subject state.
//
// An append that still fails after the configured retries is never dropped
// silently: it is logged at error level, counted, and raised as a critical
// audit_emission_failure alert. Until the next successful append the sink
// reports Degraded, which the gateway uses to withhold state-changing dispatch.
type Sink struct {
	store   Store
	cfg     SinkConfig
	alerts  *alert.Dispatcher
	logger  *slog.Logger
	now     func() time.Time
	onFatal func(Event, error)

	mu      sync.Mutex
	last    time.Time
	closed  bool
	queue   chan Event
	done    chan struct{}
	pending sync.WaitGroup

	failures atomic.Int64
	degraded atomic.Bool
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithAlerts routes emission failures to a webhook dispatcher.
func WithAlerts(d *alert.Dispatcher) SinkOption {
	return func(s *Sink) { s.alerts = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) SinkOption {
	return func(s *Sink) { s.logger = l }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) SinkOption {
	return func(s *Sink) { s.now = now }
}

// WithFatalHook registers a callback invoked for every lost event.
func WithFatalHook(fn func(Event, error)) SinkOption {
	return func(s *Sink) { s.onFatal = fn }
}

// NewSink starts a sink worker writing to store.
func NewSink(store Store, cfg SinkConfig, opts ...SinkOption) *Sink {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	s := &Sink{
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		queue:  make(chan Event, cfg.Buffer),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

// Emit queues an event. It never blocks on the store.
func (s *Sink) Emit(event Event) {
	event.Payload = maps.Clone(event.Payload)
	if event.EventID == "" {
		event.EventID = model.NewEventID()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.fail(event, fmt.Errorf("%w: sink closed", ErrEmissionFailure))
		return
	}

	ts := s.now().UTC()
	if !ts.After(s.last) {
		ts = s.last.Add(time.Nanosecond)
	}
	event.Timestamp = ts.Format(TimestampFormat)

	// Enqueue under the lock so queue order matches timestamp order.
	s.pending.Add(1)
	select {
	case s.queue <- event:
		s.last = ts
		s.mu.Unlock()
	default:
		s.pending.Done()
		s.mu.Unlock()
		s.fail(event, fmt.Errorf("%w: buffer full (%d)", ErrEmissionFailure, s.cfg.Buffer))
	}
}

// Degraded reports whether the most recent append attempt failed.
func (s *Sink) Degraded() bool {
	return s.degraded.Load()
}

// Failures returns the number of events lost since start.
func (s *Sink) Failures() int64 {
	return s.failures.Load()
}

// Flush waits until every queued event has been appended or failed.
func (s *Sink) Flush(ctx context.Context) error {
	ch := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and drains the queue.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for event := range s.queue {
		s.write(event)
		s.pending.Done()
	}
}

func (s *Sink) write(event Event) {
	var err error
	for attempt := 0; attempt <= s.cfg.Retries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * s.cfg.RetryBackoff)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = s.store.Append(ctx, event)
		cancel()
		if err == nil {
			s.degraded.Store(false)
			return
		}
		s.logger.Warn("audit append failed",
			"event_id", event.EventID,
			"event_kind", event.Kind,
			"attempt", attempt+1,
			"error", err,
		)
	}
	s.fail(event, fmt.Errorf("%w: %v", ErrEmissionFailure, err))
}

func (s *Sink) fail(event Event, err error) {
	s.failures.Add(1)
	s.degraded.Store(true)
	s.logger.Error("audit event lost",
		"event_id", event.EventID,
		"event_kind", event.Kind,
		"subject_type", event.SubjectType,
		"subject_id", event.SubjectID,
		"error", err,
	)
	s.alerts.Dispatch(alert.AlertEvent{
		Timestamp:   s.now().UTC().Format(TimestampFormat),
		Type:        alert.TypeAuditEmissionFailure,
		Severity:    alert.SeverityCritical,
		SubjectType: event.SubjectType,
		SubjectID:   event.SubjectID,
		Actor:       event.ActorID,
		Reason:      fmt.Sprintf("%s lost: %v", event.Kind, err),
	})
	if s.onFatal != nil {
		s.onFatal(event, err)
	}
}
