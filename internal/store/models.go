package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a note or subject does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation is returned when a mutation carries invalid input.
	ErrValidation = errors.New("validation failed")
)

// ValidationError describes which field failed validation. It wraps
// ErrValidation so callers can match with errors.Is.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TaskState is the completion state of a note. A note starts without a
// task; once promoted to a task it can only toggle between todo and done.
type TaskState int

const (
	TaskNone TaskState = iota
	TaskTodo
	TaskDone
)

func (t TaskState) String() string {
	switch t {
	case TaskNone:
		return "none"
	case TaskTodo:
		return "todo"
	case TaskDone:
		return "done"
	}
	return fmt.Sprintf("TaskState(%d)", int(t))
}

// ParseTaskState parses the textual form produced by String.
func ParseTaskState(s string) (TaskState, error) {
	switch s {
	case "none":
		return TaskNone, nil
	case "todo":
		return TaskTodo, nil
	case "done":
		return TaskDone, nil
	}
	return TaskNone, &ValidationError{Field: "task", Message: "unknown task state " + s}
}

// Transition validates a task state change. Promotion from TaskNone and
// toggling between todo and done are allowed; demotion back to TaskNone is
// not, since task-bearing is one way.
func Transition(from, to TaskState) error {
	switch from {
	case TaskNone:
		return nil
	case TaskTodo, TaskDone:
		if to == TaskNone {
			return &ValidationError{Field: "task", Message: "cannot remove task state from a task"}
		}
		return nil
	}
	return &ValidationError{Field: "task", Message: "unknown task state"}
}

// Note is the authoritative record of a captured note. Subjects holds the
// normalized keys in attachment order.
type Note struct {
	ID         uuid.UUID
	Body       string
	Task       TaskState
	Subjects   []string
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Subject is a user-defined tag. Key is the normalized form and doubles as
// the identity; UsageCount tracks how many notes currently reference it.
type Subject struct {
	Key        string
	Display    string
	UsageCount int
	LastUsed   time.Time
}

// ChangeKind classifies a store mutation for index synchronization.
type ChangeKind int

const (
	ChangeCreated ChangeKind = iota
	ChangeUpdated
	ChangeDeleted
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreated:
		return "created"
	case ChangeUpdated:
		return "updated"
	case ChangeDeleted:
		return "deleted"
	}
	return fmt.Sprintf("ChangeKind(%d)", int(k))
}

// Change is emitted after every committed mutation. Delivery is
// at-least-once; consumers must be idempotent.
type Change struct {
	NoteID uuid.UUID
	Kind   ChangeKind
}

// ChangeSink receives change events. Notify must not block; the store calls
// it on the mutating goroutine after the transaction committed.
type ChangeSink interface {
	Notify(Change)
}
