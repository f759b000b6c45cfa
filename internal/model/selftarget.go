package model

import "strings"

// DefaultProtectedTargets match the gateway's own state directory.
var DefaultProtectedTargets = []string{".chaingate/", ".chaingate\\"}

// IsSelfTargeting reports whether target contains any of patterns,
// compared case-insensitively. Matching is substring-based and broad.
func IsSelfTargeting(target string, patterns []string) bool {
	lower := strings.ToLower(target)
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
