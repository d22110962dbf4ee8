package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schemaVersion = 2

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notes (
	id TEXT PRIMARY KEY,
	body TEXT NOT NULL,
	task_state INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	modified_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS notes_by_created ON notes(created_at);

CREATE TABLE IF NOT EXISTS subjects (
	key TEXT PRIMARY KEY,
	display TEXT NOT NULL,
	usage_count INTEGER NOT NULL DEFAULT 0,
	last_used INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS note_subjects (
	note_id TEXT NOT NULL,
	subject_key TEXT NOT NULL,
	pos INTEGER NOT NULL,
	PRIMARY KEY(note_id, subject_key),
	FOREIGN KEY(note_id) REFERENCES notes(id),
	FOREIGN KEY(subject_key) REFERENCES subjects(key)
);

CREATE INDEX IF NOT EXISTS note_subjects_by_subject ON note_subjects(subject_key);
`

// Store owns notes, subjects and their associations. All mutations run in a
// single transaction and serialize through the SQLite writer; the store is
// the sole source of truth for the search index.
type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
	sinks       []ChangeSink
}

// Open opens (or creates) the note database at path. Use ":memory:" for an
// ephemeral store in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// The sqlite writer is single-threaded anyway; a single connection
	// keeps transactions serialized without busy churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, lockTimeout: 2 * time.Second}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Init creates the schema, dropping and recreating it when the version
// changed. The index is derived state and is rebuilt by its owner after a
// schema reset.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return err
	}
	version, err := s.currentSchemaVersion(ctx)
	if err != nil {
		return err
	}
	if version == schemaVersion {
		return nil
	}
	if version != 0 {
		slog.Info("store schema changed, resetting", "from", version, "to", schemaVersion)
		drop := []string{
			"DELETE FROM note_subjects",
			"DELETE FROM subjects",
			"DELETE FROM notes",
		}
		for _, stmt := range drop {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
	}
	return s.setSchemaVersion(ctx, schemaVersion)
}

func (s *Store) currentSchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM schema_version"); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "INSERT INTO schema_version(version) VALUES(?)", v)
	return err
}

// Subscribe registers a change sink. Not safe to call concurrently with
// mutations; wire sinks during startup.
func (s *Store) Subscribe(sink ChangeSink) {
	s.sinks = append(s.sinks, sink)
}

func (s *Store) emit(c Change) {
	slog.Debug("store change", "note", c.NoteID, "kind", c.Kind)
	for _, sink := range s.sinks {
		sink.Notify(c)
	}
}

// Fingerprint summarizes store content for snapshot freshness checks.
func (s *Store) Fingerprint(ctx context.Context) (count int, maxModified int64, err error) {
	err = s.queryRow(ctx, "SELECT COUNT(*), COALESCE(MAX(modified_at), 0) FROM notes").Scan(&count, &maxModified)
	return count, maxModified, err
}
