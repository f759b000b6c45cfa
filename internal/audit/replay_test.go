package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

var replayBase = time.Date(2026, 1, 15, 14, 0, 0, 0, time.UTC)

// writeTestLog creates a temp audit log with known events for testing.
func writeTestLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-audit.jsonl")
	log, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	at := func(sec int) string {
		return replayBase.Add(time.Duration(sec) * time.Second).Format(TimestampFormat)
	}

	events := []Event{
		{Timestamp: at(0), SubjectType: SubjectAction, SubjectID: "act-aaa", Kind: KindActionCreated, ActorID: "agent-1"},
		{Timestamp: at(1), SubjectType: SubjectApproval, SubjectID: "apr-aaa", Kind: KindApprovalCreated, ActorID: "agent-1"},
		{Timestamp: at(2), SubjectType: SubjectTrust, SubjectID: "agent-1", Kind: KindSignalRecorded, ActorID: "crm"},
		{Timestamp: at(4), SubjectType: SubjectApproval, SubjectID: "apr-aaa", Kind: KindPolicyViolation, ActorID: "agent-1"},
		{Timestamp: at(6), SubjectType: SubjectApproval, SubjectID: "apr-aaa", Kind: KindApprovalApproved, ActorID: "alice"},
		{Timestamp: at(8), SubjectType: SubjectApproval, SubjectID: "apr-aaa", Kind: KindDispatched, ActorID: "alice"},
	}

	for _, e := range events {
		if err := log.Append(context.Background(), e); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func TestReplayFiltersBySubject(t *testing.T) {
	path := writeTestLog(t)

	result, err := Replay(path, ReplayFilter{SubjectID: "apr-aaa"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Summary.Total != 4 {
		t.Fatalf("expected 4 events for apr-aaa, got %d", result.Summary.Total)
	}
	if result.Summary.Violations != 1 {
		t.Errorf("expected 1 violation, got %d", result.Summary.Violations)
	}
	if result.Summary.Kinds[KindApprovalApproved] != 1 {
		t.Errorf("expected 1 approval, got %d", result.Summary.Kinds[KindApprovalApproved])
	}
}

func TestReplayPreservesPerSubjectOrder(t *testing.T) {
	path := writeTestLog(t)

	result, err := Replay(path, ReplayFilter{SubjectID: "apr-aaa"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(result.Events); i++ {
		if result.Events[i].Timestamp <= result.Events[i-1].Timestamp {
			t.Fatalf("events out of order at %d: %s <= %s", i,
				result.Events[i].Timestamp, result.Events[i-1].Timestamp)
		}
	}
}

func TestReplayFiltersByTimeRange(t *testing.T) {
	path := writeTestLog(t)

	result, err := Replay(path, ReplayFilter{
		From: replayBase.Add(2 * time.Second),
		To:   replayBase.Add(6 * time.Second),
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Summary.Total != 3 {
		t.Fatalf("expected 3 events in range, got %d", result.Summary.Total)
	}
}

func TestReplayFiltersByActorAndType(t *testing.T) {
	path := writeTestLog(t)

	result, err := Replay(path, ReplayFilter{ActorID: "agent-1", SubjectType: SubjectApproval})
	if err != nil {
		t.Fatal(err)
	}
	if result.Summary.Total != 2 {
		t.Fatalf("expected 2 events, got %d", result.Summary.Total)
	}
}

func TestReplayMissingFile(t *testing.T) {
	if _, err := Replay(filepath.Join(t.TempDir(), "nope.jsonl"), ReplayFilter{}); err == nil {
		t.Fatal("expected error for missing file")
	}
}
