package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/ppiankov/chaingate/internal/model"
)

// Output is what an executor returns for one action.
type Output struct {
	Body     string            `json:"body,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Executor performs the real side effect. It is never called for a
// state-changing action without an approved record.
type Executor interface {
	Execute(ctx context.Context, kind model.ActionKind, target string, params map[string]any) (Output, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, kind model.ActionKind, target string, params map[string]any) (Output, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, kind model.ActionKind, target string, params map[string]any) (Output, error) {
	return f(ctx, kind, target, params)
}

// ExecutionError wraps a failure returned by the executor.
type ExecutionError struct {
	ActionID    string
	SubActionID string
	Attempts    int
	Err         error
}

func (e *ExecutionError) Error() string {
	id := e.ActionID
	if e.SubActionID != "" {
		id += "/" + e.SubActionID
	}
	return fmt.Sprintf("execute %s (attempts %d): %v", id, e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IsTransient reports whether err advertises itself as temporary.
func IsTransient(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}
