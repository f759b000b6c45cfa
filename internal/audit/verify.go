package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Subjects  int    `json:"subjects"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// Verify reads a JSONL audit log and validates the hash chain. Every
// event must also name its subject and kind, and event ids must be unique.
// Returns Valid=true if the chain is intact, or details about the first
// broken link.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	lineNum := 0
	expected := GenesisHash
	seen := make(map[string]bool)
	subjects := make(map[string]bool)

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()

		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return VerifyResult{
				Error:     fmt.Sprintf("parse error: %v", err),
				ErrorLine: lineNum,
			}
		}

		if event.PrevHash != expected {
			msg := fmt.Sprintf("hash mismatch: expected %s, got %s", expected, event.PrevHash)
			if lineNum == 1 {
				msg = fmt.Sprintf("first entry prev_hash is %q, expected genesis hash", event.PrevHash)
			}
			return VerifyResult{Error: msg, ErrorLine: lineNum}
		}

		switch {
		case event.EventID == "" || event.SubjectID == "" || event.Kind == "":
			return VerifyResult{Error: "event missing event_id, subject_id, or kind", ErrorLine: lineNum}
		case seen[event.EventID]:
			return VerifyResult{Error: fmt.Sprintf("duplicate event_id %s", event.EventID), ErrorLine: lineNum}
		}
		seen[event.EventID] = true
		subjects[event.SubjectType+"/"+event.SubjectID] = true

		expected = HashLine(line)
	}

	if err := scanner.Err(); err != nil {
		return VerifyResult{Error: fmt.Sprintf("scan: %v", err)}
	}

	return VerifyResult{Valid: true, Lines: lineNum, Subjects: len(subjects)}
}
