package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/chaingate/internal/alert"
	"github.com/ppiankov/chaingate/internal/model"
)

// Decay modes for trust signal weighting.
const (
	DecayExponential = "exponential"
	DecayLinear      = "linear"
)

// TrustConfig tunes the trust ledger score function.
type TrustConfig struct {
	Decay             string        `yaml:"decay"`
	HalfLife          time.Duration `yaml:"half_life"`
	CoolingPeriod     time.Duration `yaml:"cooling_period"`
	DiversityCap      float64       `yaml:"diversity_cap"`
	ScoreMin          float64       `yaml:"score_min"`
	ScoreMax          float64       `yaml:"score_max"`
	SignalMin         float64       `yaml:"signal_min"`
	SignalMax         float64       `yaml:"signal_max"`
	ExpediteThreshold float64       `yaml:"expedite_threshold"`
	MinSignals        int           `yaml:"min_signals"`
	MinHistory        time.Duration `yaml:"min_history"`
	LedgerPath        string        `yaml:"ledger_path"`
}

// ApprovalConfig holds pending-record deadlines and the sweep cadence.
type ApprovalConfig struct {
	DefaultDeadline   time.Duration `yaml:"default_deadline"`
	ExpeditedDeadline time.Duration `yaml:"expedited_deadline"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	Dir               string        `yaml:"dir"`
}

// GatewayConfig holds dispatch parameters.
type GatewayConfig struct {
	ReadOnlyRetries int           `yaml:"read_only_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	ExecuteTimeout  time.Duration `yaml:"execute_timeout"`
	// ExecutorURL receives approved actions as JSON POSTs. Empty means
	// dry-run: actions are logged, not performed.
	ExecutorURL     string            `yaml:"executor_url"`
	ExecutorHeaders map[string]string `yaml:"executor_headers"`
	ClaimsDir       string            `yaml:"claims_dir"`
}

// AuditConfig configures the audit sink.
type AuditConfig struct {
	Path         string        `yaml:"path"`
	Retries      int           `yaml:"retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	Buffer       int           `yaml:"buffer"`

	// RedactKeys are parameter names masked in audit payloads, in
	// addition to the built-in credential keys.
	RedactKeys []string `yaml:"redact_keys"`
}

// Config holds the complete gateway policy. It is loaded at startup and
// replaced wholesale on operator reload; nothing mutates it in place.
type Config struct {
	Tiers map[string]string `yaml:"tiers"`

	// ProtectedTargets escalate any action whose target contains one of
	// them to state_changing_high, whatever its kind.
	ProtectedTargets []string `yaml:"protected_targets"`

	Trust    TrustConfig         `yaml:"trust"`
	Approval ApprovalConfig      `yaml:"approval"`
	Gateway  GatewayConfig       `yaml:"gateway"`
	Audit    AuditConfig         `yaml:"audit"`
	Alerts   []alert.AlertConfig `yaml:"alerts"`

	table map[model.ActionKind]model.RiskTier
}

// ConfigurationError reports a missing or invalid policy. It is only ever
// returned at load time.
type ConfigurationError struct {
	Path  string
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Path != "" && e.Field != "":
		return fmt.Sprintf("policy %s: %s: %v", e.Path, e.Field, e.Err)
	case e.Field != "":
		return fmt.Sprintf("policy: %s: %v", e.Field, e.Err)
	case e.Path != "":
		return fmt.Sprintf("policy %s: %v", e.Path, e.Err)
	default:
		return fmt.Sprintf("policy: %v", e.Err)
	}
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err is, or wraps, a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// DefaultConfig returns the built-in policy. It is already validated.
func DefaultConfig() *Config {
	cfg := &Config{
		Tiers: map[string]string{
			string(model.KindReadFile):     model.TierReadOnly.String(),
			string(model.KindSendMessage):  model.TierStateChangingLow.String(),
			string(model.KindWriteFile):    model.TierStateChangingLow.String(),
			string(model.KindCallAPI):      model.TierStateChangingHigh.String(),
			string(model.KindExecuteQuery): model.TierStateChangingLow.String(),
		},
		ProtectedTargets: append([]string(nil), model.DefaultProtectedTargets...),
		Trust: TrustConfig{
			Decay:             DecayExponential,
			HalfLife:          14 * 24 * time.Hour,
			CoolingPeriod:     48 * time.Hour,
			DiversityCap:      0.2,
			ScoreMin:          0,
			ScoreMax:          100,
			SignalMin:         -10,
			SignalMax:         10,
			ExpediteThreshold: 20,
			MinSignals:        5,
			MinHistory:        7 * 24 * time.Hour,
		},
		Approval: ApprovalConfig{
			DefaultDeadline:   24 * time.Hour,
			ExpeditedDeadline: time.Hour,
			SweepInterval:     time.Minute,
		},
		Gateway: GatewayConfig{
			ReadOnlyRetries: 2,
			RetryBackoff:    100 * time.Millisecond,
			ExecuteTimeout:  30 * time.Second,
		},
		Audit: AuditConfig{
			Retries:      3,
			RetryBackoff: 200 * time.Millisecond,
			Buffer:       1024,
		},
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("default policy invalid: %v", err))
	}
	return cfg
}

// DefaultPath returns ~/.chaingate/policy.yaml, or "" if the home
// directory cannot be resolved.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".chaingate", "policy.yaml")
}

// LoadConfig loads and validates policy configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	cfg, _, err := LoadConfigWithHash(path)
	return cfg, err
}

// LoadConfigWithHash loads policy configuration and returns its SHA-256 hash.
// The hash is computed over the raw YAML bytes on disk.
//
// Empty path falls back to ~/.chaingate/policy.yaml and then to defaults,
// in which case the hash is the SHA-256 of empty input. An explicit path
// that cannot be read, or any file that fails to parse or validate, returns
// a *ConfigurationError: the gateway must not start on a policy it could
// not read.
func LoadConfigWithHash(path string) (*Config, string, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
		if path == "" {
			return DefaultConfig(), emptyHash(), nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return DefaultConfig(), emptyHash(), nil
		}
		return nil, "", &ConfigurationError{Path: path, Err: fmt.Errorf("failed to read policy config: %w", err)}
	}

	cfg, err := Parse(data)
	if err != nil {
		var ce *ConfigurationError
		if errors.As(err, &ce) {
			ce.Path = path
		}
		return nil, "", err
	}
	h := sha256.Sum256(data)
	return cfg, "sha256:" + hex.EncodeToString(h[:]), nil
}

// Parse decodes YAML over the defaults and validates the result.
// Tier entries in the document are merged into the default table, so a
// file only needs to list the kinds it changes.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	cfg.table = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &ConfigurationError{Err: fmt.Errorf("failed to parse policy config: %w", err)}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func emptyHash() string {
	h := sha256.Sum256(nil)
	return "sha256:" + hex.EncodeToString(h[:])
}

// Validate checks every section and compiles the tier table. A config that
// has not passed Validate classifies every kind as state_changing_high.
func (c *Config) Validate() error {
	table := make(map[model.ActionKind]model.RiskTier, len(c.Tiers))
	kinds := make([]string, 0, len(c.Tiers))
	for k := range c.Tiers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		kind := model.NormalizeKind(k)
		if kind == "" {
			return fieldError("tiers", errors.New("empty action kind"))
		}
		tier, err := model.ParseRiskTier(c.Tiers[k])
		if err != nil {
			return fieldError("tiers."+k, err)
		}
		if prev, ok := table[kind]; ok && prev != tier {
			return fieldError("tiers."+k, fmt.Errorf("conflicts with another entry normalizing to %q", kind))
		}
		table[kind] = tier
	}

	t := c.Trust
	switch t.Decay {
	case DecayExponential, DecayLinear:
	default:
		return fieldError("trust.decay", fmt.Errorf("unknown decay mode %q (want %s or %s)", t.Decay, DecayExponential, DecayLinear))
	}
	if t.HalfLife <= 0 {
		return fieldError("trust.half_life", errors.New("must be positive"))
	}
	if t.CoolingPeriod < 0 {
		return fieldError("trust.cooling_period", errors.New("must not be negative"))
	}
	if !(t.DiversityCap > 0 && t.DiversityCap <= 1) {
		return fieldError("trust.diversity_cap", fmt.Errorf("must be in (0, 1], got %v", t.DiversityCap))
	}
	if !finite(t.ScoreMin, t.ScoreMax, t.SignalMin, t.SignalMax, t.ExpediteThreshold) {
		return fieldError("trust", errors.New("bounds must be finite"))
	}
	if t.ScoreMin >= t.ScoreMax {
		return fieldError("trust.score_min", fmt.Errorf("score_min %v must be below score_max %v", t.ScoreMin, t.ScoreMax))
	}
	if t.SignalMin >= t.SignalMax {
		return fieldError("trust.signal_min", fmt.Errorf("signal_min %v must be below signal_max %v", t.SignalMin, t.SignalMax))
	}
	if t.MinSignals < 0 {
		return fieldError("trust.min_signals", errors.New("must not be negative"))
	}
	if t.MinHistory < 0 {
		return fieldError("trust.min_history", errors.New("must not be negative"))
	}

	a := c.Approval
	if a.DefaultDeadline <= 0 {
		return fieldError("approval.default_deadline", errors.New("must be positive"))
	}
	if a.ExpeditedDeadline <= 0 {
		return fieldError("approval.expedited_deadline", errors.New("must be positive"))
	}
	if a.SweepInterval <= 0 {
		return fieldError("approval.sweep_interval", errors.New("must be positive"))
	}

	if c.Gateway.ReadOnlyRetries < 0 {
		return fieldError("gateway.read_only_retries", errors.New("must not be negative"))
	}
	if c.Gateway.RetryBackoff < 0 || c.Gateway.ExecuteTimeout < 0 {
		return fieldError("gateway", errors.New("durations must not be negative"))
	}

	if c.Audit.Retries < 0 {
		return fieldError("audit.retries", errors.New("must not be negative"))
	}
	if c.Audit.Buffer <= 0 {
		return fieldError("audit.buffer", errors.New("must be positive"))
	}

	for i, ac := range c.Alerts {
		if ac.URL == "" {
			return fieldError(fmt.Sprintf("alerts[%d].url", i), errors.New("required"))
		}
	}

	c.table = table
	return nil
}

func fieldError(field string, err error) *ConfigurationError {
	return &ConfigurationError{Field: field, Err: err}
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// DefaultConfigYAML returns a commented YAML string for init-policy.
func DefaultConfigYAML() string {
	return `# chaingate policy configuration
# Generated by: chaingate init-policy
#
# This file is read at startup and on operator reload only.
# Agents have no interface that can change it.

# Action kind -> risk tier.
#   read_only            executed immediately, logged
#   state_changing_low   requires approval; trusted agents get the expedited lane
#   state_changing_high  always requires full review
# Kinds not listed here are state_changing_high.
tiers:
  read-file: read_only
  send-message: state_changing_low
  write-file: state_changing_low
  call-api: state_changing_high
  execute-query: state_changing_low

# Targets containing any of these escalate to state_changing_high, so the
# gateway's own policy, ledger, and audit log are never read-only targets.
protected_targets:
  - .chaingate/

# Trust ledger. Scores are recomputed from the signal log on every read.
trust:
  decay: exponential        # exponential | linear
  half_life: 336h
  cooling_period: 48h       # signals younger than this weigh zero
  diversity_cap: 0.2        # max share of the score any single source may hold
  score_min: 0
  score_max: 100
  signal_min: -10
  signal_max: 10
  expedite_threshold: 20    # score needed for the expedited lane
  min_signals: 5
  min_history: 168h
  ledger_path: ""           # empty = ~/.chaingate/ledger.db

# Pending approvals. Expired requests are never treated as approved.
approval:
  default_deadline: 24h
  expedited_deadline: 1h
  sweep_interval: 1m
  dir: ""                   # empty = ~/.chaingate/approvals

# Dispatch. Only read_only actions are retried.
gateway:
  read_only_retries: 2
  retry_backoff: 100ms
  execute_timeout: 30s
  executor_url: ""          # empty = dry-run
  executor_headers: {}
  claims_dir: ""            # empty = ~/.chaingate/claims

# Hash-chained audit log. Lost events raise an audit_emission_failure alert.
audit:
  path: ""                  # empty = ~/.chaingate/audit.jsonl
  retries: 3
  retry_backoff: 200ms
  buffer: 1024
  redact_keys: []           # extra param names to mask; credentials are always masked

# Webhook alerts.
#   events: audit_emission_failure | policy_violation | execution_failure | "*"
#   format: generic | slack | pagerduty
#   min_severity: info | warning | error | critical (optional)
alerts: []
`
}
