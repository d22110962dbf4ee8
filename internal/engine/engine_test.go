package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JaniM/emergence/internal/index"
	"github.com/JaniM/emergence/internal/indexer"
	"github.com/JaniM/emergence/internal/store"
)

type fixture struct {
	store  *store.Store
	sync   *indexer.Synchronizer
	engine *Engine
}

func setup(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	s := indexer.New(st, index.New(), indexer.Options{})
	t.Cleanup(func() { s.Close() })
	st.Subscribe(s)
	return &fixture{store: st, sync: s, engine: New(st, s.Index(), 50)}
}

func (f *fixture) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.sync.WaitIdle(ctx); err != nil {
		t.Fatalf("index did not settle: %v", err)
	}
}

func taskPtr(s store.TaskState) *store.TaskState { return &s }

func TestSearchScenarioMilk(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	n, err := f.store.CreateNote(ctx, "buy milk", store.TaskTodo)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.settle(t)

	page, err := f.engine.Search(ctx, Query{Text: "milk"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(page.Notes) != 1 || page.Notes[0].Note.ID != n.ID {
		t.Fatalf("expected the milk note, got %+v", page.Notes)
	}
	if page.Notes[0].Score <= 0 {
		t.Fatalf("text match should carry a positive score, got %v", page.Notes[0].Score)
	}

	if _, err := f.store.SetTaskState(ctx, n.ID, store.TaskDone); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	f.settle(t)

	page, err = f.engine.Search(ctx, Query{Text: "milk", Task: taskPtr(store.TaskTodo)})
	if err != nil {
		t.Fatalf("search todo: %v", err)
	}
	if len(page.Notes) != 0 {
		t.Fatalf("todo filter should exclude a done task, got %+v", page.Notes)
	}

	page, err = f.engine.Search(ctx, Query{Text: "milk", Task: taskPtr(store.TaskDone)})
	if err != nil {
		t.Fatalf("search done: %v", err)
	}
	if len(page.Notes) != 1 || page.Notes[0].Note.ID != n.ID {
		t.Fatalf("done filter should find the note, got %+v", page.Notes)
	}
}

func TestEmptyQueryBrowsesNewestFirst(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	a, _ := f.store.CreateNote(ctx, "first note", store.TaskNone)
	time.Sleep(time.Millisecond)
	b, _ := f.store.CreateNote(ctx, "second note", store.TaskNone)
	f.settle(t)

	page, err := f.engine.Search(ctx, Query{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(page.Notes) != 2 {
		t.Fatalf("expected 2 notes, got %d", len(page.Notes))
	}
	if page.Notes[0].Note.ID != b.ID || page.Notes[1].Note.ID != a.ID {
		t.Fatalf("browse should be newest first, got %v then %v", page.Notes[0].Note.ID, page.Notes[1].Note.ID)
	}
	if page.Notes[0].Score != 0 {
		t.Fatalf("browsing carries no relevance score, got %v", page.Notes[0].Score)
	}
}

func TestZeroMatchFilterReturnsEmptyPage(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	if _, err := f.store.CreateNote(ctx, "plain note", store.TaskNone); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.settle(t)

	page, err := f.engine.Search(ctx, Query{Subjects: []string{"no-such-subject"}})
	if err != nil {
		t.Fatalf("zero matches must not be an error: %v", err)
	}
	if len(page.Notes) != 0 || page.NextCursor != "" {
		t.Fatalf("expected empty page, got %+v", page)
	}
}

func TestUnindexableTextFallsBackToFilters(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	n, _ := f.store.CreateNote(ctx, "tagged item", store.TaskNone)
	if _, err := f.store.AttachSubject(ctx, n.ID, "work"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	f.settle(t)

	// "a !" tokenizes to nothing; with a subject filter the query
	// degrades to browsing that subject.
	page, err := f.engine.Search(ctx, Query{Text: "a !", Subjects: []string{"work"}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(page.Notes) != 1 || page.Notes[0].Note.ID != n.ID {
		t.Fatalf("filter fallback failed: %+v", page.Notes)
	}

	// Without filters there is nothing to match.
	page, err = f.engine.Search(ctx, Query{Text: "a !"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(page.Notes) != 0 {
		t.Fatalf("expected empty page, got %+v", page.Notes)
	}
}

func TestGroupingByCreationDate(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	if _, err := f.store.CreateNote(ctx, "today one", store.TaskNone); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.store.CreateNote(ctx, "today two", store.TaskNone); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.settle(t)

	page, err := f.engine.Search(ctx, Query{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(page.Groups) != 1 {
		t.Fatalf("same-day notes should share one group, got %d", len(page.Groups))
	}
	today := time.Now().Local().Format("2006-01-02")
	if page.Groups[0].Date != today {
		t.Fatalf("group date %q, want %q", page.Groups[0].Date, today)
	}
	if len(page.Groups[0].Notes) != 2 {
		t.Fatalf("group should hold both notes, got %d", len(page.Groups[0].Notes))
	}
	// Group order mirrors page order.
	if page.Groups[0].Notes[0].Note.ID != page.Notes[0].Note.ID {
		t.Fatal("group ordering diverged from page ordering")
	}
}

func TestPaginationStableUnderInserts(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	var ids []string
	for _, body := range []string{"page note one", "page note two", "page note three", "page note four"} {
		n, err := f.store.CreateNote(ctx, body, store.TaskNone)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, n.ID.String())
		time.Sleep(time.Millisecond)
	}
	f.settle(t)

	page1, err := f.engine.Search(ctx, Query{Limit: 2})
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page1.Notes) != 2 || page1.NextCursor == "" {
		t.Fatalf("expected a full first page with cursor, got %+v", page1)
	}
	if page1.Notes[0].Note.ID.String() != ids[3] || page1.Notes[1].Note.ID.String() != ids[2] {
		t.Fatalf("page 1 order wrong")
	}

	// A new note arrives while the user is paging.
	if _, err := f.store.CreateNote(ctx, "page note five", store.TaskNone); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.settle(t)

	page2, err := f.engine.Search(ctx, Query{Limit: 2, Cursor: page1.NextCursor})
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(page2.Notes) != 2 {
		t.Fatalf("expected 2 notes on page 2, got %d", len(page2.Notes))
	}
	if page2.Notes[0].Note.ID.String() != ids[1] || page2.Notes[1].Note.ID.String() != ids[0] {
		t.Fatalf("concurrent insert shifted page 2: %v, %v",
			page2.Notes[0].Note.ID, page2.Notes[1].Note.ID)
	}
}

func TestMalformedCursorIsValidationFailure(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	if _, err := f.engine.Search(ctx, Query{Cursor: "%%% not base64"}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSearchCancelled(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.engine.Search(ctx, Query{}); err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestSimilarFindsSharedVocabulary(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	target, _ := f.store.CreateNote(ctx, "kubernetes cluster upgrade checklist", store.TaskNone)
	if _, err := f.store.CreateNote(ctx, "grocery list apples", store.TaskNone); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.settle(t)

	notes, err := f.engine.Similar(ctx, "planning the kubernetes upgrade for next week", 5)
	if err != nil {
		t.Fatalf("similar: %v", err)
	}
	if len(notes) == 0 || notes[0].Note.ID != target.ID {
		t.Fatalf("expected the cluster note first, got %+v", notes)
	}
}

func TestSimilarWithNoOverlapIsEmpty(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	if _, err := f.store.CreateNote(ctx, "completely unrelated", store.TaskNone); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.settle(t)

	notes, err := f.engine.Similar(ctx, "zzqqx vvwwy", 5)
	if err != nil {
		t.Fatalf("similar: %v", err)
	}
	if len(notes) != 0 {
		t.Fatalf("no shared terms should yield nothing, got %+v", notes)
	}
}
