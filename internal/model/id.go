package model

import (
	"strings"

	"github.com/google/uuid"
)

// NewActionID generates an ActionRequest id.
func NewActionID() string {
	return "act-" + uuid.NewString()
}

// NewEventID generates an audit event id.
func NewEventID() string {
	return "evt-" + uuid.NewString()
}

// ApprovalIDFor derives the approval record id for an action id.
// The mapping is one-to-one, so a second record for the same action
// collides on its key.
func ApprovalIDFor(actionID string) string {
	return "apr-" + strings.TrimPrefix(actionID, "act-")
}
