package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a ReplayResult as a human-readable text timeline.
func FormatTimeline(result *ReplayResult) string {
	subject := result.SubjectID
	if subject == "" {
		subject = "*"
	}
	if len(result.Events) == 0 {
		return fmt.Sprintf("Subject: %s | No events found.\n", subject)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s | %s–%s UTC\n", subject,
		formatDateRange(result.Summary.FirstTimestamp),
		formatTimeOnly(result.Summary.LastTimestamp))
	b.WriteString(separator + "\n")

	for _, e := range result.Events {
		fmt.Fprintf(&b, "%-10s %-26s %-42s %s\n",
			formatTimeOnly(e.Timestamp),
			e.Kind,
			truncate(e.SubjectID, 42),
			truncate(e.ActorID, 24))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(result.Summary))
	return b.String()
}

// FormatJSON renders a ReplayResult as indented JSON.
func FormatJSON(result *ReplayResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal replay result: %w", err)
	}
	return string(data), nil
}

func formatDateRange(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func formatSummary(s ReplaySummary) string {
	kinds := make([]string, 0, len(s.Kinds))
	for k := range s.Kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%d %s", s.Kinds[k], k))
	}
	return fmt.Sprintf("Summary: %d events (%s) | Violations: %d\n",
		s.Total, strings.Join(parts, ", "), s.Violations)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
