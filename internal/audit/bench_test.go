package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

var benchEvent = Event{
	SubjectType: SubjectApproval,
	SubjectID:   "apr-bench",
	Kind:        KindApprovalApproved,
	ActorID:     "alice",
	Payload:     map[string]string{"rationale": "bench"},
}

func BenchmarkAppend_Single(b *testing.B) {
	al, err := Open(filepath.Join(b.TempDir(), "bench.jsonl"))
	if err != nil {
		b.Fatal(err)
	}
	defer al.Close()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		al.Append(ctx, benchEvent)
	}
}

func BenchmarkSinkEmit_Memory(b *testing.B) {
	s := NewSink(&MemoryStore{}, SinkConfig{Buffer: b.N + 1})
	defer s.Close(context.Background())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Emit(benchEvent)
	}
}

func benchVerify(b *testing.B, n int) {
	b.Helper()
	path := filepath.Join(b.TempDir(), "bench.jsonl")
	al, err := Open(path)
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()
	for i := 0; i < n; i++ {
		al.Append(ctx, benchEvent)
	}
	al.Close()

	info, _ := os.Stat(path)
	b.ResetTimer()
	b.SetBytes(info.Size())

	for i := 0; i < b.N; i++ {
		if result := Verify(path); !result.Valid {
			b.Fatal("invalid chain:", result.Error)
		}
	}
}

func BenchmarkVerify_1000(b *testing.B) {
	benchVerify(b, 1000)
}

func BenchmarkVerify_10000(b *testing.B) {
	benchVerify(b, 10000)
}
