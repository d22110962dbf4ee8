// Package indexer keeps the full-text index consistent with the note
// store. It consumes change events on a dedicated worker goroutine so
// interactive writes never wait on indexing.
package indexer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/JaniM/emergence/internal/index"
	"github.com/JaniM/emergence/internal/store"
)

const (
	defaultQueueSize = 256
	maxApplyAttempts = 5
)

// Options tune the synchronizer; the zero value picks defaults.
type Options struct {
	// QueueSize bounds the pending change event channel. On overflow the
	// worker falls back to a full rebuild, preserving at-least-once
	// semantics without blocking writers.
	QueueSize int
	// SnapshotPath, when set, enables index snapshot persistence.
	SnapshotPath string
}

// Synchronizer applies store change events to the index. It is the index's
// only writer. Application always re-reads the note from the store, so
// replaying an event is idempotent and stale payloads cannot win.
type Synchronizer struct {
	store        *store.Store
	idx          *index.Index
	ch           chan store.Change
	quit         chan struct{}
	done         chan struct{}
	snapshotPath string

	mu      sync.Mutex
	pending int
	lost    bool
	closed  bool
}

// New wires a synchronizer to its store and index handles and starts the
// worker. Call Close to stop it.
func New(st *store.Store, idx *index.Index, opts Options) *Synchronizer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	s := &Synchronizer{
		store:        st,
		idx:          idx,
		ch:           make(chan store.Change, opts.QueueSize),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		snapshotPath: opts.SnapshotPath,
	}
	go s.run()
	return s
}

// Index exposes the owned index handle for readers.
func (s *Synchronizer) Index() *index.Index { return s.idx }

// Notify enqueues a change event. It never blocks: if the queue is full
// the event is dropped and the worker schedules a full rebuild instead.
func (s *Synchronizer) Notify(c store.Change) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.ch <- c:
		s.pending++
	default:
		slog.Warn("index event queue full, scheduling rebuild", "note", c.NoteID)
		s.lost = true
	}
	s.mu.Unlock()
}

// Close stops the worker after draining pending events and, if configured,
// saves a final snapshot.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.quit)
	<-s.done

	if s.snapshotPath != "" {
		if err := s.SaveSnapshot(context.Background()); err != nil {
			slog.Error("index snapshot save failed", "err", err)
		}
	}
	return nil
}

// WaitIdle blocks until every accepted event has been applied. Meant for
// tests and shutdown barriers.
func (s *Synchronizer) WaitIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		idle := s.pending == 0 && !s.lost
		s.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (s *Synchronizer) run() {
	defer close(s.done)
	ctx := context.Background()
	dirty := make(map[uuid.UUID]int)
	for {
		select {
		case c := <-s.ch:
			dirty[c.NoteID] += 1
		case <-s.quit:
			s.drainInto(dirty)
			s.cycle(ctx, dirty)
			return
		}
		s.drainInto(dirty)
		s.cycle(ctx, dirty)
	}
}

// drainInto coalesces the channel backlog into the dirty set. Multiple
// events for one note collapse into a single application; only the note's
// current store state matters.
func (s *Synchronizer) drainInto(dirty map[uuid.UUID]int) {
	for {
		select {
		case c := <-s.ch:
			dirty[c.NoteID] += 1
		default:
			return
		}
	}
}

func (s *Synchronizer) cycle(ctx context.Context, dirty map[uuid.UUID]int) {
	s.mu.Lock()
	lost := s.lost
	s.lost = false
	s.mu.Unlock()

	if lost {
		if err := s.Rebuild(ctx); err != nil {
			slog.Error("index rebuild failed", "err", err)
			s.mu.Lock()
			s.lost = true
			s.mu.Unlock()
			return
		}
		s.settle(dirty)
		return
	}

	for id, count := range dirty {
		if err := s.applyWithRetry(ctx, id); err != nil {
			// The store stays authoritative; a rebuild can recover the
			// index later. Never propagate to the mutation path.
			slog.Error("index apply gave up", "note", id, "err", err)
		}
		delete(dirty, id)
		s.mu.Lock()
		s.pending -= count
		s.mu.Unlock()
	}
}

// settle clears the dirty set after a rebuild covered its contents.
func (s *Synchronizer) settle(dirty map[uuid.UUID]int) {
	total := 0
	for id, count := range dirty {
		total += count
		delete(dirty, id)
	}
	s.mu.Lock()
	s.pending -= total
	s.mu.Unlock()
}

func (s *Synchronizer) applyWithRetry(ctx context.Context, id uuid.UUID) error {
	var err error
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		if err = s.apply(ctx, id); err == nil {
			return nil
		}
		delay := 10 * time.Millisecond << attempt
		slog.Warn("index apply failed, retrying", "note", id, "attempt", attempt+1, "err", err)
		select {
		case <-s.quit:
			return err
		case <-time.After(delay):
		}
	}
	return err
}

// apply re-reads the note and swaps its index document. A missing note
// means it was deleted after the event was queued; the document is
// removed. Replaying the same event reproduces the same index state.
func (s *Synchronizer) apply(ctx context.Context, id uuid.UUID) error {
	n, err := s.store.GetNote(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		s.idx.Delete(id)
		return nil
	}
	if err != nil {
		return err
	}
	s.idx.Replace(id, documentFor(n))
	return nil
}

func documentFor(n *store.Note) index.Document {
	return index.Document{
		Tokens:      index.TokenizeMarkdown(n.Body),
		SubjectKeys: n.Subjects,
		Task:        index.TaskState(n.Task),
		CreatedAt:   n.CreatedAt,
		ModifiedAt:  n.ModifiedAt,
	}
}

// Rebuild drops the index and replays every note from the store, the
// disaster recovery path. Tokenization fans out across CPUs.
func (s *Synchronizer) Rebuild(ctx context.Context) error {
	start := time.Now()
	var notes []*store.Note
	err := s.store.ForEachNote(ctx, func(n *store.Note) error {
		notes = append(notes, n)
		return nil
	})
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}

	docs := make([]index.Document, len(notes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, n := range notes {
		i, n := i, n
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			docs[i] = documentFor(n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}

	s.idx.Reset()
	for i, n := range notes {
		s.idx.Replace(n.ID, docs[i])
	}
	slog.Info("index rebuilt", "notes", len(notes), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Bootstrap fills the index at startup: from the snapshot file when it
// still matches the store, otherwise by a full rebuild.
func (s *Synchronizer) Bootstrap(ctx context.Context) error {
	if s.snapshotPath != "" {
		if err := s.loadSnapshot(ctx); err == nil {
			return nil
		} else if !errors.Is(err, index.ErrBadSnapshot) && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("index snapshot unusable", "path", s.snapshotPath, "err", err)
		}
	}
	return s.Rebuild(ctx)
}

func (s *Synchronizer) loadSnapshot(ctx context.Context) error {
	count, maxModified, err := s.store.Fingerprint(ctx)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return err
	}
	if err := s.idx.ReadSnapshot(bytes.NewReader(data), count, maxModified); err != nil {
		return err
	}
	slog.Info("index loaded from snapshot", "path", s.snapshotPath, "docs", s.idx.DocCount())
	return nil
}

// SaveSnapshot writes the current index next to the configured path and
// renames it into place so readers never see a partial file.
func (s *Synchronizer) SaveSnapshot(ctx context.Context) error {
	if s.snapshotPath == "" {
		return nil
	}
	count, maxModified, err := s.store.Fingerprint(ctx)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := s.idx.WriteSnapshot(&buf, count, maxModified); err != nil {
		return err
	}
	dir := filepath.Dir(s.snapshotPath)
	tmp := filepath.Join(dir, fmt.Sprintf(".tmp.%s.%d", filepath.Base(s.snapshotPath), os.Getpid()))
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.snapshotPath)
}
