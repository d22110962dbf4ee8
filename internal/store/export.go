package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Export and Import move the whole store through a JSON document: the
// subject directory followed by every note with its attachments. Ids and
// timestamps survive the round trip unchanged, so an exported store can be
// recreated exactly on another machine or after a schema reset.

type exportSubject struct {
	Key        string `json:"key"`
	Display    string `json:"display"`
	UsageCount int    `json:"usage_count"`
	LastUsed   int64  `json:"last_used"`
}

type exportNote struct {
	ID         string   `json:"id"`
	Body       string   `json:"body"`
	Task       string   `json:"task"`
	Subjects   []string `json:"subjects"`
	CreatedAt  int64    `json:"created_at"`
	ModifiedAt int64    `json:"modified_at"`
}

type exportFile struct {
	Subjects []exportSubject `json:"subjects"`
	Notes    []exportNote    `json:"notes"`
}

// Export serializes every subject and note to w. Timestamps are unix
// nanoseconds; task states use their textual form.
func (s *Store) Export(ctx context.Context, w io.Writer) error {
	var file exportFile

	rows, err := s.db.QueryContext(ctx,
		"SELECT key, display, usage_count, last_used FROM subjects ORDER BY key")
	if err != nil {
		return fmt.Errorf("export subjects: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sub exportSubject
		if err := rows.Scan(&sub.Key, &sub.Display, &sub.UsageCount, &sub.LastUsed); err != nil {
			return err
		}
		file.Subjects = append(file.Subjects, sub)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	err = s.ForEachNote(ctx, func(n *Note) error {
		file.Notes = append(file.Notes, exportNote{
			ID:         n.ID.String(),
			Body:       n.Body,
			Task:       n.Task.String(),
			Subjects:   n.Subjects,
			CreatedAt:  n.CreatedAt.UnixNano(),
			ModifiedAt: n.ModifiedAt.UnixNano(),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("export notes: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(&file)
}

// Import restores an exported document into an empty store, preserving ids
// and timestamps. The whole document lands in one transaction; a partial
// import never survives. No change events are emitted, so the caller must
// rebuild the index afterwards.
func (s *Store) Import(ctx context.Context, r io.Reader) error {
	var file exportFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return &ValidationError{Field: "import", Message: fmt.Sprintf("malformed document: %v", err)}
	}
	count, _, err := s.Fingerprint(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return &ValidationError{Field: "import", Message: "store is not empty"}
	}

	tx, err := s.beginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, sub := range file.Subjects {
		if Normalize(sub.Key) != sub.Key || sub.Key == "" {
			return &ValidationError{Field: "import", Message: fmt.Sprintf("subject key %q is not normalized", sub.Key)}
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO subjects(key, display, usage_count, last_used) VALUES(?, ?, ?, ?)",
			sub.Key, sub.Display, sub.UsageCount, sub.LastUsed); err != nil {
			return fmt.Errorf("import subject %q: %w", sub.Key, err)
		}
	}

	for _, en := range file.Notes {
		id, err := uuid.Parse(en.ID)
		if err != nil {
			return &ValidationError{Field: "import", Message: fmt.Sprintf("bad note id %q", en.ID)}
		}
		if err := validateBody(en.Body); err != nil {
			return err
		}
		task, err := ParseTaskState(en.Task)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO notes(id, body, task_state, created_at, modified_at) VALUES(?, ?, ?, ?, ?)",
			id.String(), en.Body, int(task), en.CreatedAt, en.ModifiedAt); err != nil {
			return fmt.Errorf("import note %s: %w", id, err)
		}
		for pos, key := range en.Subjects {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO note_subjects(note_id, subject_key, pos) VALUES(?, ?, ?)",
				id.String(), key, pos); err != nil {
				return fmt.Errorf("import note %s subject %q: %w", id, key, err)
			}
		}
	}
	return tx.Commit()
}
