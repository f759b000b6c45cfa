package redact

import (
	"regexp"
	"strings"
)

// Mask replaces every redacted value.
const Mask = "***"

// DefaultKeys are parameter names whose values never reach the audit log.
var DefaultKeys = []string{
	"password", "passwd", "secret", "token", "access_token", "refresh_token",
	"api_key", "apikey", "authorization", "credential", "credentials",
	"private_key", "client_secret", "ssn", "credit_card", "card_number", "cvv",
}

// credKVRe catches credentials embedded in free text, e.g. a command line
// containing "password=hunter2".
var credKVRe = regexp.MustCompile(`(?i)\b((?:password|passwd|secret|token|api_key|apikey)[ \t]*[=:][ \t]*)[^\s&,;"']+`)

// MaskValue replaces any non-nil value with Mask. Numbers are masked too:
// card numbers and SSNs often arrive as JSON numbers.
func MaskValue(v any) any {
	if v == nil {
		return nil
	}
	return Mask
}

// String masks key=value credentials inside s.
func String(s string) string {
	return credKVRe.ReplaceAllString(s, "${1}"+Mask)
}

// Params returns a copy of params with sensitive values masked. Keys are
// matched case-insensitively against DefaultKeys plus extraKeys, with "-"
// treated as "_". Nested maps and slices are walked; params is not modified.
func Params(params map[string]any, extraKeys []string) map[string]any {
	if params == nil {
		return nil
	}
	keys := make(map[string]bool, len(DefaultKeys)+len(extraKeys))
	for _, k := range DefaultKeys {
		keys[normalize(k)] = true
	}
	for _, k := range extraKeys {
		keys[normalize(k)] = true
	}
	return redactMap(params, keys)
}

func redactMap(m map[string]any, keys map[string]bool) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if keys[normalize(k)] {
			out[k] = MaskValue(v)
			continue
		}
		out[k] = redactValue(v, keys)
	}
	return out
}

func redactValue(v any, keys map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		return redactMap(t, keys)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e, keys)
		}
		return out
	case string:
		return String(t)
	default:
		return v
	}
}

func normalize(k string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(k)), "-", "_")
}
