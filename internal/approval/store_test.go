package approval

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/chaingate/internal/model"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func storeFactories(t *testing.T) map[string]func() Store {
	t.Helper()
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"file": func() Store {
			s, err := NewFileStore(t.TempDir())
			if err != nil {
				t.Fatalf("failed to create store: %v", err)
			}
			return s
		},
	}
}

func testRecord(id string) Record {
	return Record{
		ID: id,
		Action: model.ActionRequest{
			ID:        "act-" + id,
			Kind:      model.KindSendMessage,
			Target:    "ops@example.com",
			Params:    map[string]any{"body": "hello"},
			Principal: "agent-1",
			Tier:      model.TierStateChangingLow,
			CreatedAt: t0,
		},
		State:     StatePending,
		Lane:      LaneFull,
		CreatedAt: t0,
		Deadline:  t0.Add(time.Hour),
	}
}

func TestStoreCreateAndGet(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()
			if err := s.Create(ctx, testRecord("apr-1")); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			r, err := s.Get(ctx, "apr-1")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if r.State != StatePending {
				t.Errorf("expected pending, got %s", r.State)
			}
			if r.Action.Tier != model.TierStateChangingLow {
				t.Errorf("expected tier to round-trip, got %s", r.Action.Tier)
			}
			if r.Action.Params["body"] != "hello" {
				t.Errorf("expected params to round-trip, got %v", r.Action.Params)
			}
			if !r.Deadline.Equal(t0.Add(time.Hour)) {
				t.Errorf("expected deadline to round-trip, got %v", r.Deadline)
			}
		})
	}
}

func TestStoreCreateDuplicate(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()
			s.Create(ctx, testRecord("apr-1"))

			dup := testRecord("apr-1")
			dup.Rationale = "second"
			if err := s.Create(ctx, dup); !errors.Is(err, ErrDuplicateRequest) {
				t.Fatalf("expected ErrDuplicateRequest, got %v", err)
			}
			r, _ := s.Get(ctx, "apr-1")
			if r.Rationale != "" {
				t.Errorf("duplicate create overwrote record")
			}
		})
	}
}

func TestStoreConcurrentCreateSingleWinner(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := s.Create(context.Background(), testRecord("apr-race")); err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if wins != 1 {
				t.Errorf("expected exactly 1 successful create, got %d", wins)
			}
		})
	}
}

func TestStoreTransitionCommitsOnChange(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()
			s.Create(ctx, testRecord("apr-1"))

			sentinel := errors.New("expired as side effect")
			r, err := s.Transition(ctx, "apr-1", func(r *Record) (bool, error) {
				r.State = StateExpired
				return true, sentinel
			})
			if !errors.Is(err, sentinel) {
				t.Fatalf("expected fn error to propagate, got %v", err)
			}
			if r.State != StateExpired {
				t.Errorf("expected returned record expired, got %s", r.State)
			}
			got, _ := s.Get(ctx, "apr-1")
			if got.State != StateExpired {
				t.Errorf("expected committed expired state, got %s", got.State)
			}

			// No change, no commit.
			s.Transition(ctx, "apr-1", func(r *Record) (bool, error) {
				r.State = StateApproved
				return false, nil
			})
			got, _ = s.Get(ctx, "apr-1")
			if got.State != StateExpired {
				t.Errorf("unchanged transition was committed: %s", got.State)
			}
		})
	}
}

func TestStoreNotFound(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()
			if _, err := s.Get(ctx, "apr-missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get: expected ErrNotFound, got %v", err)
			}
			_, err := s.Transition(ctx, "apr-missing", func(*Record) (bool, error) { return true, nil })
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Transition: expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStoreListFilter(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()
			for i, id := range []string{"apr-c", "apr-a", "apr-b"} {
				r := testRecord(id)
				r.CreatedAt = t0.Add(time.Duration(i) * time.Minute)
				if id == "apr-b" {
					r.State = StateApproved
					r.Action.Principal = "agent-2"
				}
				s.Create(ctx, r)
			}

			all, _ := s.List(ctx, Filter{})
			if len(all) != 3 || all[0].ID != "apr-c" || all[2].ID != "apr-b" {
				t.Errorf("expected creation order, got %v", ids(all))
			}
			pending, _ := s.List(ctx, Filter{State: StatePending})
			if len(pending) != 2 {
				t.Errorf("expected 2 pending, got %v", ids(pending))
			}
			mine, _ := s.List(ctx, Filter{Principal: "AGENT-2"})
			if len(mine) != 1 || mine[0].ID != "apr-b" {
				t.Errorf("expected principal filter to match apr-b, got %v", ids(mine))
			}
		})
	}
}

func TestStoreRejectsTraversalKeys(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			for _, id := range []string{"", "../escape", "a/b", "a..b", "apr 1"} {
				if err := s.Create(context.Background(), testRecord(id)); err == nil {
					t.Errorf("expected error for key %q", id)
				}
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	s.Create(ctx, testRecord("apr-1"))
	s.Transition(ctx, "apr-1", func(r *Record) (bool, error) {
		r.State = StateRejected
		r.DecidedBy = "alice"
		return true, nil
	})

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	r, err := reopened.Get(ctx, "apr-1")
	if err != nil {
		t.Fatal(err)
	}
	if r.State != StateRejected || r.DecidedBy != "alice" {
		t.Errorf("expected rejected by alice after reopen, got %s by %q", r.State, r.DecidedBy)
	}

	// No temp files are left behind.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			t.Errorf("unexpected file %s", e.Name())
		}
	}
}

func TestFileStoreSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewFileStore(dir)
	ctx := context.Background()
	s.Create(ctx, testRecord("apr-1"))
	os.WriteFile(filepath.Join(dir, "apr-bad.json"), []byte("{not json"), 0o600)

	list, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("expected corrupt file to be skipped, got %v", ids(list))
	}
}

func ids(rs []Record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
