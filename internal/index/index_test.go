package index

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func doc(body string, subjects []string, task TaskState, created time.Time) Document {
	return Document{
		Tokens:      TokenizeQuery(body),
		SubjectKeys: subjects,
		Task:        task,
		CreatedAt:   created,
		ModifiedAt:  created,
	}
}

func TestSearchRanksByRelevance(t *testing.T) {
	ctx := context.Background()
	x := New()
	now := time.Now()

	milk := uuid.New()
	other := uuid.New()
	twice := uuid.New()
	x.Replace(milk, doc("buy milk today", nil, TaskNone, now))
	x.Replace(other, doc("write report", nil, TaskNone, now))
	x.Replace(twice, doc("milk milk and more milk", nil, TaskNone, now))

	cands, err := x.Search(ctx, []string{"milk"}, Filter{}, 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("expected 2 hits, got %+v", cands)
	}
	if cands[0].ID != twice {
		t.Fatalf("higher term frequency should rank first, got %v", cands[0].ID)
	}
	if cands[0].Score <= cands[1].Score || cands[1].Score <= 0 {
		t.Fatalf("scores not descending and positive: %v", cands)
	}
}

func TestReplaceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	x := New()
	now := time.Now()
	id := uuid.New()
	d := doc("repeated content here", []string{"tag"}, TaskTodo, now)

	x.Replace(id, d)
	first, err := x.Search(ctx, []string{"repeated"}, Filter{}, 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	x.Replace(id, d)
	second, err := x.Search(ctx, []string{"repeated"}, Filter{}, 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected single hit both times: %v / %v", first, second)
	}
	if first[0].ID != second[0].ID || first[0].Score != second[0].Score {
		t.Fatalf("replaying a replace changed the result: %+v vs %+v", first[0], second[0])
	}
	if x.DocCount() != 1 {
		t.Fatalf("doc count should stay 1, got %d", x.DocCount())
	}
}

func TestDeleteRemovesFromResults(t *testing.T) {
	ctx := context.Background()
	x := New()
	id := uuid.New()
	x.Replace(id, doc("transient note", nil, TaskNone, time.Now()))
	x.Delete(id)
	// Deleting twice must not disturb anything.
	x.Delete(id)

	cands, err := x.Search(ctx, []string{"transient"}, Filter{}, 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(cands) != 0 {
		t.Fatalf("deleted doc still matches: %+v", cands)
	}
	if x.DocCount() != 0 {
		t.Fatalf("doc count should be 0, got %d", x.DocCount())
	}
}

func TestSubjectFilterUsesANDSemantics(t *testing.T) {
	ctx := context.Background()
	x := New()
	now := time.Now()

	both := uuid.New()
	oneOnly := uuid.New()
	x.Replace(both, doc("shared terms", []string{"work", "urgent"}, TaskNone, now))
	x.Replace(oneOnly, doc("shared terms", []string{"work"}, TaskNone, now))

	cands, err := x.Search(ctx, []string{"shared"}, Filter{Subjects: []string{"work", "urgent"}}, 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(cands) != 1 || cands[0].ID != both {
		t.Fatalf("expected only the doubly-tagged note, got %+v", cands)
	}

	cands, err = x.Search(ctx, []string{"shared"}, Filter{Subjects: []string{"missing"}}, 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(cands) != 0 {
		t.Fatalf("unknown subject should match nothing, got %+v", cands)
	}
}

func TestTaskFilter(t *testing.T) {
	ctx := context.Background()
	x := New()
	now := time.Now()

	todo := uuid.New()
	done := uuid.New()
	x.Replace(todo, doc("buy milk", nil, TaskTodo, now))
	x.Replace(done, doc("buy bread", nil, TaskDone, now))

	want := TaskTodo
	cands, err := x.Search(ctx, []string{"buy"}, Filter{Task: &want}, 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(cands) != 1 || cands[0].ID != todo {
		t.Fatalf("task filter leaked: %+v", cands)
	}
}

func TestTimeRangeFilter(t *testing.T) {
	ctx := context.Background()
	x := New()
	base := time.Now()

	old := uuid.New()
	recent := uuid.New()
	x.Replace(old, doc("meeting notes", nil, TaskNone, base.Add(-48*time.Hour)))
	x.Replace(recent, doc("meeting notes", nil, TaskNone, base))

	cands, err := x.Search(ctx, []string{"meeting"}, Filter{Since: base.Add(-time.Hour)}, 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(cands) != 1 || cands[0].ID != recent {
		t.Fatalf("since filter failed: %+v", cands)
	}

	cands, err = x.Search(ctx, []string{"meeting"}, Filter{Until: base.Add(-24 * time.Hour)}, 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(cands) != 1 || cands[0].ID != old {
		t.Fatalf("until filter failed: %+v", cands)
	}

	cands, err = x.Search(ctx, []string{"meeting"},
		Filter{Since: base.Add(-time.Minute), Until: base.Add(time.Minute)}, 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(cands) != 1 || cands[0].ID != recent {
		t.Fatalf("bounded range failed: %+v", cands)
	}
}

func TestBrowseOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	x := New()
	base := time.Now()

	first := uuid.New()
	second := uuid.New()
	third := uuid.New()
	x.Replace(first, doc("oldest", nil, TaskNone, base.Add(-2*time.Hour)))
	x.Replace(second, doc("middle", nil, TaskNone, base.Add(-time.Hour)))
	x.Replace(third, doc("newest", nil, TaskNone, base))

	cands, err := x.Browse(ctx, Filter{}, 10, nil)
	if err != nil {
		t.Fatalf("browse: %v", err)
	}
	if len(cands) != 3 {
		t.Fatalf("expected 3 docs, got %d", len(cands))
	}
	if cands[0].ID != third || cands[1].ID != second || cands[2].ID != first {
		t.Fatalf("browse order wrong: %+v", cands)
	}
}

func TestBrowseCursorPagination(t *testing.T) {
	ctx := context.Background()
	x := New()
	base := time.Now()

	ids := make([]uuid.UUID, 5)
	for i := range ids {
		ids[i] = uuid.New()
		x.Replace(ids[i], doc("note", nil, TaskNone, base.Add(time.Duration(i)*time.Minute)))
	}

	page1, err := x.Browse(ctx, Filter{}, 2, nil)
	if err != nil {
		t.Fatalf("browse: %v", err)
	}
	if len(page1) != 2 || page1[0].ID != ids[4] || page1[1].ID != ids[3] {
		t.Fatalf("page1 wrong: %+v", page1)
	}

	last := page1[len(page1)-1]
	after := &Position{Created: last.Created, Modified: last.Modified, ID: last.ID}

	// A note inserted mid-paging lands before the cursor and must not
	// disturb page two.
	x.Replace(uuid.New(), doc("interloper", nil, TaskNone, base.Add(time.Hour)))

	page2, err := x.Browse(ctx, Filter{}, 2, after)
	if err != nil {
		t.Fatalf("browse: %v", err)
	}
	if len(page2) != 2 || page2[0].ID != ids[2] || page2[1].ID != ids[1] {
		t.Fatalf("page2 wrong: %+v", page2)
	}
}

func TestSearchHonorsCancellation(t *testing.T) {
	x := New()
	base := time.Now()
	for i := 0; i < 3000; i++ {
		x.Replace(uuid.New(), doc("common term everywhere", nil, TaskNone, base))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := x.Search(ctx, []string{"common"}, Filter{}, 10, nil); err == nil {
		t.Fatal("expected cancellation error")
	}
}
