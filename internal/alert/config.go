package alert

// Alert types raised by the gateway.
const (
	TypeAuditEmissionFailure = "audit_emission_failure"
	TypePolicyViolation      = "policy_violation"
	TypeExecutionFailure     = "execution_failure"
)

// Severity levels, ordered low to high.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// AlertConfig defines a webhook alert destination.
type AlertConfig struct {
	URL         string            `yaml:"url"          json:"url"`
	Format      string            `yaml:"format"       json:"format"` // "generic", "slack", "pagerduty"
	Events      []string          `yaml:"events"       json:"events"` // ["audit_emission_failure", "policy_violation"]
	Headers     map[string]string `yaml:"headers"      json:"headers"`
	MinSeverity string            `yaml:"min_severity" json:"min_severity,omitempty"`
}

// AlertEvent is the payload sent to webhook endpoints.
type AlertEvent struct {
	Timestamp   string `json:"timestamp"`
	Type        string `json:"type"`
	Severity    string `json:"severity"`
	SubjectType string `json:"subject_type,omitempty"`
	SubjectID   string `json:"subject_id,omitempty"`
	Actor       string `json:"actor,omitempty"`
	Reason      string `json:"reason"`
	Tier        string `json:"tier,omitempty"`
	PolicyHash  string `json:"policy_hash,omitempty"`
}
