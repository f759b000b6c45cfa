package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ppiankov/chaingate/internal/fslock"
)

// FileStore keeps one JSON file per record in a directory. Writes go to a
// temp file and are renamed into place, so a crash never leaves a partial
// record. Create and Transition also hold an advisory lock on the
// directory's .lock file, so stores in different processes sharing a
// directory still decide each record once.
type FileStore struct {
	dir  string
	mu   sync.Mutex
	lock *fslock.Lock
}

// NewFileStore creates a FileStore backed by the given directory.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("cannot create approval directory: %w", err)
	}
	lock, err := fslock.New(filepath.Join(dir, ".lock"))
	if err != nil {
		return nil, fmt.Errorf("cannot open approval store lock: %w", err)
	}
	return &FileStore{dir: dir, lock: lock}, nil
}

// Close releases the directory lock file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lock.Close()
}

// exclusive takes the in-process mutex and then the directory lock.
func (s *FileStore) exclusive() (func(), error) {
	s.mu.Lock()
	if err := s.lock.Lock(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return func() {
		s.lock.Unlock()
		s.mu.Unlock()
	}, nil
}

// DefaultDir returns the default approval store directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "chaingate-approvals")
	}
	return filepath.Join(home, ".chaingate", "approvals")
}

// Dir returns the backing directory.
func (s *FileStore) Dir() string { return s.dir }

// Create writes a new record. The final file is created with a hard link
// from the temp file, which fails if the record already exists.
func (s *FileStore) Create(_ context.Context, r Record) error {
	if err := validateKey(r.ID); err != nil {
		return fmt.Errorf("invalid approval id: %w", err)
	}

	release, err := s.exclusive()
	if err != nil {
		return err
	}
	defer release()

	tmp, err := s.writeTemp(r)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, s.path(r.ID)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrDuplicateRequest, r.ID)
		}
		return fmt.Errorf("failed to create approval record: %w", err)
	}
	return nil
}

// Get reads a record from disk.
func (s *FileStore) Get(_ context.Context, id string) (Record, error) {
	if err := validateKey(id); err != nil {
		return Record{}, fmt.Errorf("invalid approval id: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(id)
}

// List returns matching records ordered by creation time. Unreadable files
// are skipped.
func (s *FileStore) List(_ context.Context, f Filter) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		r, err := s.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		if f.match(r) {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out, nil
}

// Transition applies fn under the store and directory locks and rewrites
// the file when fn reports a change. The record is re-read after the lock
// is taken, so fn always sees the latest committed state.
func (s *FileStore) Transition(_ context.Context, id string, fn func(*Record) (bool, error)) (Record, error) {
	if err := validateKey(id); err != nil {
		return Record{}, fmt.Errorf("invalid approval id: %w", err)
	}

	release, err := s.exclusive()
	if err != nil {
		return Record{}, err
	}
	defer release()

	cur, err := s.read(id)
	if err != nil {
		return Record{}, err
	}
	next := cur.Clone()
	changed, ferr := fn(&next)
	if !changed {
		return cur, ferr
	}

	tmp, err := s.writeTemp(next)
	if err != nil {
		return cur, err
	}
	if err := os.Rename(tmp, s.path(id)); err != nil {
		os.Remove(tmp)
		return cur, fmt.Errorf("failed to commit approval record: %w", err)
	}
	return next, ferr
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) read(id string) (Record, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Record{}, err
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("corrupt approval record %s: %w", id, err)
	}
	return r, nil
}

func (s *FileStore) writeTemp(r Record) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(s.dir, "."+r.ID+".*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
