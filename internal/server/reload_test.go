package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReloaderFiresOnWrite(t *testing.T) {
	path := writeTempFile(t, "policy.yaml", "tiers: {}\n")
	fired := make(chan struct{}, 4)

	r, err := NewReloader(func() error {
		fired <- struct{}{}
		return nil
	}, []string{path}, nil)
	if err != nil {
		t.Fatalf("NewReloader: %v", err)
	}
	r.SetDebounce(10 * time.Millisecond)
	if !r.Watching() {
		t.Fatal("expected the policy file to be watched")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	// Give the watcher a moment to start delivering events.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("tiers:\n  read-file: read_only\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("reload did not fire")
	}
}

func TestReloaderIgnoresSiblingFiles(t *testing.T) {
	path := writeTempFile(t, "policy.yaml", "tiers: {}\n")
	fired := make(chan struct{}, 4)

	r, err := NewReloader(func() error {
		fired <- struct{}{}
		return errors.New("should not be called")
	}, []string{path}, nil)
	if err != nil {
		t.Fatalf("NewReloader: %v", err)
	}
	r.SetDebounce(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
		t.Fatal("reload fired for an unrelated file")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestReloaderSkipsMissingPaths(t *testing.T) {
	r, err := NewReloader(func() error { return nil }, []string{"", filepath.Join(t.TempDir(), "absent.yaml")}, nil)
	if err != nil {
		t.Fatalf("NewReloader: %v", err)
	}
	defer r.watcher.Close()
	if r.Watching() {
		t.Fatal("expected nothing to be watched")
	}
}
