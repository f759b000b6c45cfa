package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ppiankov/chaingate/internal/gateway"
	"github.com/ppiankov/chaingate/internal/model"
)

// Call is one action seen by DryRun.
type Call struct {
	Kind   model.ActionKind
	Target string
	Params map[string]any
}

// DryRun logs and records actions without performing them.
type DryRun struct {
	logger *slog.Logger

	mu    sync.Mutex
	calls []Call
}

// NewDryRun returns a DryRun executor. A nil logger uses slog.Default.
func NewDryRun(logger *slog.Logger) *DryRun {
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRun{logger: logger}
}

// Execute records the call.
func (d *DryRun) Execute(_ context.Context, kind model.ActionKind, target string, params map[string]any) (gateway.Output, error) {
	d.mu.Lock()
	d.calls = append(d.calls, Call{Kind: kind, Target: target, Params: params})
	d.mu.Unlock()

	d.logger.Info("dry-run execute", "kind", kind, "target", target)
	return gateway.Output{
		Body:     fmt.Sprintf("dry-run: %s %s", kind, target),
		Metadata: map[string]string{"dry_run": "true"},
	}, nil
}

// Calls returns a copy of every recorded call.
func (d *DryRun) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}
