package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Normalize folds a raw subject into its key form: trimmed, lowercased,
// inner whitespace collapsed to single spaces.
func Normalize(raw string) string {
	return strings.Join(strings.Fields(strings.ToLower(raw)), " ")
}

// Suggest returns subjects whose key starts with the normalized prefix,
// ranked by usage count, then recency of use. An empty prefix lists all
// subjects under the same ranking.
func (s *Store) Suggest(ctx context.Context, prefix string, limit int) ([]Subject, error) {
	if limit <= 0 {
		limit = 10
	}
	prefix = Normalize(prefix)
	pattern := escapeLike(prefix) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, display, usage_count, last_used
		FROM subjects
		WHERE key LIKE ? ESCAPE '\'
		ORDER BY usage_count DESC, last_used DESC, key
		LIMIT ?`, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subjects []Subject
	for rows.Next() {
		var sub Subject
		var lastUsed int64
		if err := rows.Scan(&sub.Key, &sub.Display, &sub.UsageCount, &lastUsed); err != nil {
			return nil, err
		}
		sub.LastUsed = time.Unix(0, lastUsed)
		subjects = append(subjects, sub)
	}
	return subjects, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// AttachSubject tags the note with the subject, creating the subject on
// first use. Attaching an already-attached subject is a no-op. The subject
// key, its usage count and the note row move in one transaction.
func (s *Store) AttachSubject(ctx context.Context, id uuid.UUID, rawSubject string) (*Note, error) {
	key := Normalize(rawSubject)
	if key == "" {
		return nil, &ValidationError{Field: "subject", Message: "must not be empty"}
	}
	display := strings.TrimSpace(rawSubject)

	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	n, err := loadNote(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	for _, existing := range n.Subjects {
		if existing == key {
			return n, nil
		}
	}

	now := time.Now().UnixNano()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO subjects(key, display, usage_count, last_used) VALUES(?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET usage_count = usage_count + 1, last_used = excluded.last_used`,
		key, display, now); err != nil {
		return nil, fmt.Errorf("upsert subject: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO note_subjects(note_id, subject_key, pos)
		VALUES(?, ?, (SELECT COALESCE(MAX(pos)+1, 0) FROM note_subjects WHERE note_id=?))`,
		id.String(), key, id.String()); err != nil {
		return nil, fmt.Errorf("attach subject: %w", err)
	}
	modified := stampModified(n.ModifiedAt.UnixNano())
	if _, err := tx.ExecContext(ctx,
		"UPDATE notes SET modified_at=? WHERE id=?", modified, id.String()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	n.Subjects = append(n.Subjects, key)
	n.ModifiedAt = time.Unix(0, modified)
	s.emit(Change{NoteID: id, Kind: ChangeUpdated})
	return n, nil
}

// DetachSubject removes the tag from the note and decrements the subject's
// usage count, dropping the subject entirely when nothing references it.
func (s *Store) DetachSubject(ctx context.Context, id uuid.UUID, key string) (*Note, error) {
	key = Normalize(key)

	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	n, err := loadNote(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx,
		"DELETE FROM note_subjects WHERE note_id=? AND subject_key=?", id.String(), key)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("subject %q not attached to note %s: %w", key, id, ErrNotFound)
	}
	if err := releaseSubject(ctx, tx, key); err != nil {
		return nil, err
	}
	modified := stampModified(n.ModifiedAt.UnixNano())
	if _, err := tx.ExecContext(ctx,
		"UPDATE notes SET modified_at=? WHERE id=?", modified, id.String()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	kept := n.Subjects[:0]
	for _, existing := range n.Subjects {
		if existing != key {
			kept = append(kept, existing)
		}
	}
	n.Subjects = kept
	n.ModifiedAt = time.Unix(0, modified)
	s.emit(Change{NoteID: id, Kind: ChangeUpdated})
	return n, nil
}

// releaseSubject decrements a subject's usage count inside tx and deletes
// the record when the count reaches zero. Counts never go negative.
func releaseSubject(ctx context.Context, tx *sql.Tx, key string) error {
	if _, err := tx.ExecContext(ctx,
		"UPDATE subjects SET usage_count = MAX(usage_count - 1, 0) WHERE key=?", key); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		"DELETE FROM subjects WHERE key=? AND usage_count <= 0", key)
	return err
}

// GetSubject looks up a single subject by key.
func (s *Store) GetSubject(ctx context.Context, key string) (*Subject, error) {
	key = Normalize(key)
	var sub Subject
	var lastUsed int64
	err := s.queryRow(ctx,
		"SELECT key, display, usage_count, last_used FROM subjects WHERE key=?", key).
		Scan(&sub.Key, &sub.Display, &sub.UsageCount, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subject %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	sub.LastUsed = time.Unix(0, lastUsed)
	return &sub, nil
}
