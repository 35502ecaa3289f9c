// Package store is the durable state layer: a single-writer sqlite snapshot
// of every task plus the append-only journal. All mutation goes through
// Apply, which journals the event first and then updates the snapshot, so
// replaying the journal from genesis reproduces the snapshot exactly.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"github.com/0xMugen/othala/internal/journal"
)

// Store backs task rows with SQLite and events with the JSONL journal.
type Store struct {
	// mu serializes Apply so sequence assignment and the journal-then-
	// snapshot write order hold under any caller.
	mu      sync.Mutex
	db      *sql.DB
	journal *journal.Journal
}

// Open creates (or opens) the snapshot database and journal, then
// reconciles the snapshot against the journal tail (see Recover).
func Open(ctx context.Context, dbPath, journalRoot string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; one spare connection for read queries during a write.
	db.SetMaxOpenConns(2)

	jnl, err := journal.Open(journalRoot)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, journal: jnl}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.Recover(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// memDBSeq distinguishes in-memory databases so each OpenMemory call gets
// its own shared-cache namespace.
var memDBSeq atomic.Int64

// OpenMemory creates an in-memory store with a temp-dir journal, for tests.
func OpenMemory(ctx context.Context, journalRoot string) (*Store, error) {
	name := fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", memDBSeq.Add(1))
	db, err := sql.Open("sqlite", name)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	db.SetMaxOpenConns(2)

	jnl, err := journal.Open(journalRoot)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, journal: jnl}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Journal exposes the underlying event log for read-side consumers.
func (s *Store) Journal() *journal.Journal {
	return s.journal
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		repo_id TEXT NOT NULL,
		title TEXT NOT NULL,
		state TEXT NOT NULL,
		role TEXT NOT NULL,
		preferred_model TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL DEFAULT '',
		worktree_path TEXT NOT NULL DEFAULT '',
		depends_on TEXT NOT NULL DEFAULT '[]',
		parent_task TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_failure_reason TEXT NOT NULL DEFAULT '',
		last_failure_class TEXT NOT NULL DEFAULT '',
		recovery_rounds INTEGER NOT NULL DEFAULT 0,
		paused_state TEXT NOT NULL DEFAULT '',
		next_retry_at TIMESTAMP,
		timeout_secs INTEGER NOT NULL DEFAULT 0,
		merge_commit TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_repo_state ON tasks(repo_id, state);
	CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);

	CREATE TABLE IF NOT EXISTS reviews (
		task_id TEXT NOT NULL,
		reviewer TEXT NOT NULL,
		verdict TEXT NOT NULL,
		recorded_at TIMESTAMP NOT NULL,
		PRIMARY KEY (task_id, reviewer)
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// lastSeq returns the highest applied event sequence recorded in the snapshot.
func (s *Store) lastSeq(ctx context.Context) (int64, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'last_seq'`).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read last_seq: %w", err)
	}
	var seq int64
	if _, err := fmt.Sscanf(raw, "%d", &seq); err != nil {
		return 0, fmt.Errorf("corrupt last_seq %q: %w", raw, err)
	}
	return seq, nil
}

// Recover verifies that the snapshot's applied sequence matches the journal
// tail; if the journal is ahead (crash between journal append and snapshot
// commit, or a fresh snapshot against an existing journal), the missing
// events are replayed through the same reducer Apply uses.
func (s *Store) Recover(ctx context.Context) error {
	applied, err := s.lastSeq(ctx)
	if err != nil {
		return err
	}
	tail, err := s.journal.Tail()
	if err != nil {
		return err
	}
	if tail < applied {
		return fmt.Errorf("journal tail %d is behind snapshot %d: journal truncated", tail, applied)
	}
	if tail == applied {
		return nil
	}

	missing, err := s.journal.ReadSince(applied)
	if err != nil {
		return err
	}
	for _, ev := range missing {
		if err := s.applySnapshot(ctx, ev); err != nil {
			return fmt.Errorf("replaying event %d: %w", ev.Seq, err)
		}
	}
	return nil
}
