package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ReplayFilter holds filtering criteria for replay. Empty fields match all.
type ReplayFilter struct {
	SubjectID   string
	SubjectType string
	ActorID     string
	From        time.Time // zero value = no lower bound
	To          time.Time // zero value = no upper bound
}

// ReplaySummary holds per-kind counts and the covered time range.
type ReplaySummary struct {
	Total          int            `json:"total"`
	Kinds          map[string]int `json:"kinds"`
	Violations     int            `json:"violations"`
	FirstTimestamp string         `json:"first_timestamp"`
	LastTimestamp  string         `json:"last_timestamp"`
}

// ReplayResult holds filtered events and a summary.
type ReplayResult struct {
	SubjectID string        `json:"subject_id,omitempty"`
	Events    []Event       `json:"events"`
	Summary   ReplaySummary `json:"summary"`
}

// Replay reads the audit log and returns events matching the filter,
// in log order. Malformed lines are skipped; use Verify for integrity.
func Replay(path string, filter ReplayFilter) (*ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	result := &ReplayResult{
		SubjectID: filter.SubjectID,
		Summary:   ReplaySummary{Kinds: map[string]int{}},
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		if !filter.matches(event) {
			continue
		}
		result.Events = append(result.Events, event)
		updateSummary(&result.Summary, event)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}

	return result, nil
}

func (f ReplayFilter) matches(e Event) bool {
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	if f.SubjectType != "" && e.SubjectType != f.SubjectType {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.From.IsZero() && f.To.IsZero() {
		return true
	}
	ts, err := time.Parse(TimestampFormat, e.Timestamp)
	if err != nil {
		return false
	}
	if !f.From.IsZero() && ts.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ts.After(f.To) {
		return false
	}
	return true
}

func updateSummary(s *ReplaySummary, e Event) {
	s.Total++
	s.Kinds[e.Kind]++
	if e.Kind == KindPolicyViolation {
		s.Violations++
	}
	if s.FirstTimestamp == "" {
		s.FirstTimestamp = e.Timestamp
	}
	s.LastTimestamp = e.Timestamp
}
