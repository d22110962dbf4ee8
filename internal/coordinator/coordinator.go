// Package coordinator is the front door for UI-issued mutations. Rapid
// body edits debounce into one store commit per quiescence interval;
// discrete actions (task toggles, tagging, delete) commit immediately.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JaniM/emergence/internal/store"
)

const defaultDebounce = 750 * time.Millisecond

// Coordinator serializes edit intents into store transactions. Per-note
// debounce state lives in an arena keyed by note id; edits to different
// notes are fully independent.
type Coordinator struct {
	store    *store.Store
	debounce time.Duration

	mu      sync.Mutex
	pending map[uuid.UUID]*pendingEdit
}

type pendingEdit struct {
	body  string
	timer *time.Timer
}

func New(st *store.Store, debounce time.Duration) *Coordinator {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Coordinator{
		store:    st,
		debounce: debounce,
		pending:  make(map[uuid.UUID]*pendingEdit),
	}
}

// CreateNote commits immediately and returns the new note.
func (c *Coordinator) CreateNote(ctx context.Context, body string, task store.TaskState) (*store.Note, error) {
	return c.store.CreateNote(ctx, body, task)
}

// EditBody records a keystroke-level body edit. The commit happens after
// the quiescence interval, on Flush, or before the next discrete action on
// the same note; the last body recorded always wins.
func (c *Coordinator) EditBody(id uuid.UUID, body string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[id]; ok {
		p.body = body
		p.timer.Reset(c.debounce)
		return
	}
	p := &pendingEdit{body: body}
	p.timer = time.AfterFunc(c.debounce, func() {
		if err := c.Flush(context.Background(), id); err != nil {
			slog.Error("debounced edit commit failed", "note", id, "err", err)
		}
	})
	c.pending[id] = p
}

// Flush commits the pending body edit for one note, if any.
func (c *Coordinator) Flush(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		p.timer.Stop()
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := c.store.UpdateBody(ctx, id, p.body)
	return err
}

// FlushAll commits every pending edit; used on blur and shutdown.
func (c *Coordinator) FlushAll(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]uuid.UUID, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	var first error
	for _, id := range ids {
		if err := c.Flush(ctx, id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SetTaskState commits immediately, flushing any pending body edit first
// so stale text never lands after the toggle.
func (c *Coordinator) SetTaskState(ctx context.Context, id uuid.UUID, state store.TaskState) (*store.Note, error) {
	if err := c.Flush(ctx, id); err != nil {
		return nil, err
	}
	return c.store.SetTaskState(ctx, id, state)
}

// AttachSubject commits immediately after flushing pending edits.
func (c *Coordinator) AttachSubject(ctx context.Context, id uuid.UUID, rawSubject string) (*store.Note, error) {
	if err := c.Flush(ctx, id); err != nil {
		return nil, err
	}
	return c.store.AttachSubject(ctx, id, rawSubject)
}

// DetachSubject commits immediately after flushing pending edits.
func (c *Coordinator) DetachSubject(ctx context.Context, id uuid.UUID, key string) (*store.Note, error) {
	if err := c.Flush(ctx, id); err != nil {
		return nil, err
	}
	return c.store.DetachSubject(ctx, id, key)
}

// DeleteNote discards any pending edit for the note and commits the
// delete.
func (c *Coordinator) DeleteNote(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	if p, ok := c.pending[id]; ok {
		p.timer.Stop()
		delete(c.pending, id)
	}
	c.mu.Unlock()
	return c.store.DeleteNote(ctx, id)
}
