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

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const noteColumns = "id, body, task_state, created_at, modified_at"

func scanNote(row rowScanner) (*Note, error) {
	var n Note
	var id string
	var task int
	var created, modified int64
	if err := row.Scan(&id, &n.Body, &task, &created, &modified); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("corrupt note id %q: %w", id, err)
	}
	n.ID = parsed
	n.Task = TaskState(task)
	n.CreatedAt = time.Unix(0, created)
	n.ModifiedAt = time.Unix(0, modified)
	return &n, nil
}

func loadSubjectKeys(ctx context.Context, q querier, id uuid.UUID) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT subject_key FROM note_subjects WHERE note_id=? ORDER BY pos", id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func loadNote(ctx context.Context, q querier, id uuid.UUID) (*Note, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+noteColumns+" FROM notes WHERE id=?", id.String())
	n, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("note %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	n.Subjects, err = loadSubjectKeys(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func validateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return &ValidationError{Field: "body", Message: "must not be empty"}
	}
	return nil
}

// stampModified produces a timestamp strictly after prev so that
// ModifiedAt always increases across edits, even within one clock tick.
func stampModified(prev int64) int64 {
	now := time.Now().UnixNano()
	if now <= prev {
		now = prev + 1
	}
	return now
}

// CreateNote stores a new note and returns its snapshot. The task state is
// optional; pass TaskNone for a plain note.
func (s *Store) CreateNote(ctx context.Context, body string, task TaskState) (*Note, error) {
	if err := validateBody(body); err != nil {
		return nil, err
	}
	if task != TaskNone && task != TaskTodo && task != TaskDone {
		return nil, &ValidationError{Field: "task", Message: "unknown task state"}
	}
	id := uuid.New()
	now := time.Now().UnixNano()
	_, err := s.exec(ctx,
		"INSERT INTO notes(id, body, task_state, created_at, modified_at) VALUES(?, ?, ?, ?, ?)",
		id.String(), body, int(task), now, now)
	if err != nil {
		return nil, fmt.Errorf("create note: %w", err)
	}
	n := &Note{
		ID:         id,
		Body:       body,
		Task:       task,
		CreatedAt:  time.Unix(0, now),
		ModifiedAt: time.Unix(0, now),
	}
	s.emit(Change{NoteID: id, Kind: ChangeCreated})
	return n, nil
}

// UpdateBody replaces the note body and bumps the modified timestamp.
func (s *Store) UpdateBody(ctx context.Context, id uuid.UUID, newBody string) (*Note, error) {
	if err := validateBody(newBody); err != nil {
		return nil, err
	}
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	n, err := loadNote(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	modified := stampModified(n.ModifiedAt.UnixNano())
	if _, err := tx.ExecContext(ctx,
		"UPDATE notes SET body=?, modified_at=? WHERE id=?",
		newBody, modified, id.String()); err != nil {
		return nil, fmt.Errorf("update body: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	n.Body = newBody
	n.ModifiedAt = time.Unix(0, modified)
	s.emit(Change{NoteID: id, Kind: ChangeUpdated})
	return n, nil
}

// SetTaskState transitions the note's task state. Assigning a task is a
// one-way promotion: once todo or done, TaskNone is rejected.
func (s *Store) SetTaskState(ctx context.Context, id uuid.UUID, state TaskState) (*Note, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	n, err := loadNote(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := Transition(n.Task, state); err != nil {
		return nil, err
	}
	modified := stampModified(n.ModifiedAt.UnixNano())
	if _, err := tx.ExecContext(ctx,
		"UPDATE notes SET task_state=?, modified_at=? WHERE id=?",
		int(state), modified, id.String()); err != nil {
		return nil, fmt.Errorf("set task state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	n.Task = state
	n.ModifiedAt = time.Unix(0, modified)
	s.emit(Change{NoteID: id, Kind: ChangeUpdated})
	return n, nil
}

// DeleteNote removes the note and its subject associations, decrementing
// usage counts in the same transaction. Subjects left with zero usage are
// dropped from the directory.
func (s *Store) DeleteNote(ctx context.Context, id uuid.UUID) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	keys, err := loadSubjectKeys(ctx, tx, id)
	if err != nil {
		return err
	}
	// Association rows reference the note row; with foreign keys enforced
	// they have to go first.
	if _, err := tx.ExecContext(ctx, "DELETE FROM note_subjects WHERE note_id=?", id.String()); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM notes WHERE id=?", id.String())
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("note %s: %w", id, ErrNotFound)
	}
	for _, key := range keys {
		if err := releaseSubject(ctx, tx, key); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.emit(Change{NoteID: id, Kind: ChangeDeleted})
	return nil
}

// GetNote returns the current snapshot of a note.
func (s *Store) GetNote(ctx context.Context, id uuid.UUID) (*Note, error) {
	return loadNote(ctx, s.db, id)
}

// ListNotesByIDs hydrates notes in the order given. Ids that no longer
// exist are skipped; the index may briefly reference deleted notes.
func (s *Store) ListNotesByIDs(ctx context.Context, ids []uuid.UUID) ([]*Note, error) {
	notes := make([]*Note, 0, len(ids))
	for _, id := range ids {
		n, err := loadNote(ctx, s.db, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, nil
}

// ForEachNote iterates every note in the store, newest first. Used by the
// synchronizer's rebuild path.
func (s *Store) ForEachNote(ctx context.Context, fn func(*Note) error) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+noteColumns+" FROM notes ORDER BY created_at DESC")
	if err != nil {
		return err
	}
	defer rows.Close()
	var notes []*Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return err
		}
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	// Subject keys are loaded after the scan so only one statement is
	// active on the connection at a time.
	for _, n := range notes {
		if n.Subjects, err = loadSubjectKeys(ctx, s.db, n.ID); err != nil {
			return err
		}
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}
