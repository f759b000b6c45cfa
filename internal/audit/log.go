package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ppiankov/chaingate/internal/fslock"
	"github.com/ppiankov/chaingate/internal/model"
)

// GenesisHash is the prev_hash for the first entry in a new audit log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// TimestampFormat is the fixed-width layout used in event timestamps.
// Nanosecond precision keeps per-subject ordering visible after formatting.
const TimestampFormat = "2006-01-02T15:04:05.000000000Z"

// Log is an append-only JSONL audit log with SHA-256 hash chaining.
// Each entry's prev_hash is the hash of the previous entry's JSON line,
// forming a tamper-evident chain.
//
// Appends hold an advisory lock on <path>.lock. A Log that finds the file
// grew since its own last write re-reads the tail before chaining, so
// writers in separate processes extend one chain.
type Log struct {
	path     string
	file     *os.File
	lock     *fslock.Lock
	prevHash string
	size     int64
	mu       sync.Mutex
}

// Open opens (or creates) an audit log file for appending.
// If the file already exists, it reads the last line to recover the chain tail.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	lock, err := fslock.New(path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	if err := lock.Lock(); err != nil {
		lock.Close()
		return nil, fmt.Errorf("audit: %w", err)
	}
	defer lock.Unlock()

	prevHash, size, err := chainTail(path)
	if err != nil {
		lock.Close()
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		lock.Close()
		return nil, fmt.Errorf("audit: open file: %w", err)
	}

	return &Log{
		path:     path,
		file:     file,
		lock:     lock,
		prevHash: prevHash,
		size:     size,
	}, nil
}

// chainTail returns the hash of the last line in path and the file size
// it was read at.
func chainTail(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return GenesisHash, 0, nil
		}
		return "", 0, fmt.Errorf("audit: read existing log: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("audit: stat existing log: %w", err)
	}
	if info.Size() == 0 {
		return GenesisHash, 0, nil
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	var lastLine []byte
	for scanner.Scan() {
		lastLine = append(lastLine[:0], scanner.Bytes()...)
	}
	if err := scanner.Err(); err != nil {
		return "", 0, fmt.Errorf("audit: scan existing log: %w", err)
	}
	if len(lastLine) == 0 {
		return GenesisHash, info.Size(), nil
	}
	return HashLine(lastLine), info.Size(), nil
}

// maxLineSize bounds a single event line; payloads carry rationale text.
const maxLineSize = 1024 * 1024

// Append writes an event to the log with hash chaining and syncs to disk.
// It sets PrevHash, and EventID and Timestamp when empty.
func (l *Log) Append(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.lock.Lock(); err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	defer l.lock.Unlock()

	info, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("audit: stat: %w", err)
	}
	if info.Size() != l.size {
		prevHash, size, err := chainTail(l.path)
		if err != nil {
			return err
		}
		l.prevHash, l.size = prevHash, size
	}

	if event.EventID == "" {
		event.EventID = model.NewEventID()
	}
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(TimestampFormat)
	}
	event.PrevHash = l.prevHash

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		l.size = -1
		return fmt.Errorf("audit: write event: %w", err)
	}
	l.size += int64(len(line) + 1)

	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}

	l.prevHash = HashLine(line)
	return nil
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.path
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lock.Close()
	return l.file.Close()
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}
