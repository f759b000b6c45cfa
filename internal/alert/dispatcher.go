package alert

import (
	"log/slog"
	"sync"
)

// Dispatcher fans out alert events to matching webhook configurations.
// Deliveries run in the background; Wait blocks until they finish.
type Dispatcher struct {
	configs []AlertConfig
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty; a nil Dispatcher drops every event.
func NewDispatcher(configs []AlertConfig) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	return &Dispatcher{configs: configs, logger: slog.Default()}
}

// SetLogger sets the logger for delivery failures.
func (d *Dispatcher) SetLogger(logger *slog.Logger) {
	if d != nil && logger != nil {
		d.logger = logger
	}
}

// Dispatch sends the event to every webhook whose Events list matches
// event.Type (or "*") and whose MinSeverity the event reaches. It does
// not block the caller.
func (d *Dispatcher) Dispatch(event AlertEvent) {
	if d == nil {
		return
	}
	for _, cfg := range d.configs {
		if !matches(cfg, event) {
			continue
		}
		d.wg.Add(1)
		go func(cfg AlertConfig) {
			defer d.wg.Done()
			if err := Send(cfg, event); err != nil {
				d.logger.Error("alert delivery failed", "type", event.Type, "url", cfg.URL, "error", err)
			}
		}(cfg)
	}
}

// Wait blocks until every dispatched delivery has finished.
func (d *Dispatcher) Wait() {
	if d != nil {
		d.wg.Wait()
	}
}

func matches(cfg AlertConfig, event AlertEvent) bool {
	if severityRank(event.Severity) < severityRank(cfg.MinSeverity) {
		return false
	}
	for _, e := range cfg.Events {
		if e == "*" || e == event.Type {
			return true
		}
	}
	return false
}

// severityRank orders severities; empty and unknown labels rank lowest.
func severityRank(s string) int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}
