package trust

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind        TEXT    NOT NULL,
	entity_id   TEXT    NOT NULL,
	source_id   TEXT    NOT NULL DEFAULT '',
	magnitude   REAL    NOT NULL DEFAULT 0,
	at_ns       INTEGER NOT NULL,
	recorded_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_entity_seq ON ledger (entity_id, seq);
`

// SQLiteLog is a persistent Log backed by a single SQLite table.
// The table is insert-only; AUTOINCREMENT gives each row a unique,
// increasing Seq even across restarts.
type SQLiteLog struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the ledger database at path.
func OpenSQLite(path string) (*SQLiteLog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	// One writer connection serializes inserts; reads go through the same
	// connection and see a consistent snapshot per query.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure ledger (%s): %w", stmt, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return &SQLiteLog{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLiteLog) Path() string { return s.path }

// Append inserts e and returns it with its assigned Seq.
func (s *SQLiteLog) Append(ctx context.Context, e Entry) (Entry, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger (kind, entity_id, source_id, magnitude, at_ns, recorded_ns) VALUES (?, ?, ?, ?, ?, ?)`,
		string(e.Kind), e.EntityID, e.SourceID, e.Magnitude, e.At.UnixNano(), e.RecordedAt.UnixNano(),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Entry{}, fmt.Errorf("failed to read ledger seq: %w", err)
	}
	e.Seq = seq
	return e, nil
}

// Entries returns the entity's entries ordered by Seq.
func (s *SQLiteLog) Entries(ctx context.Context, entityID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, kind, entity_id, source_id, magnitude, at_ns, recorded_ns FROM ledger WHERE entity_id = ? ORDER BY seq`,
		entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e              Entry
			kind           string
			atNs, recordNs int64
		)
		if err := rows.Scan(&e.Seq, &kind, &e.EntityID, &e.SourceID, &e.Magnitude, &atNs, &recordNs); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		e.Kind = EntryKind(kind)
		e.At = time.Unix(0, atNs).UTC()
		e.RecordedAt = time.Unix(0, recordNs).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Entities lists every entity with at least one entry, sorted.
func (s *SQLiteLog) Entities(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT entity_id FROM ledger ORDER BY entity_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entities: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database.
func (s *SQLiteLog) Close() error {
	return s.db.Close()
}
