// Package engine answers composite note queries: free text, subject and
// task filters, time ranges, ranked and paginated. It reads the index for
// candidates and hydrates payloads from the store; the index order is
// authoritative for ranking.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/JaniM/emergence/internal/index"
	"github.com/JaniM/emergence/internal/store"
)

const defaultPageSize = 50

// Query is one search request. Zero values mean "no restriction"; an
// entirely zero query browses all notes newest first.
type Query struct {
	Text     string
	Subjects []string
	Task     *store.TaskState
	Since    time.Time
	Until    time.Time
	Cursor   string
	Limit    int
}

// ScoredNote pairs a hydrated note with its relevance score. Browse-mode
// results carry a zero score.
type ScoredNote struct {
	Note  *store.Note
	Score float64
}

// DateGroup is a presentation grouping: all notes of the page created on
// one calendar day, in engine order.
type DateGroup struct {
	Date  string
	Notes []ScoredNote
}

// Page is one bounded result slice plus the continuation cursor. An empty
// NextCursor means the results are exhausted.
type Page struct {
	Notes      []ScoredNote
	Groups     []DateGroup
	NextCursor string
}

// Engine executes queries against explicit store and index handles.
type Engine struct {
	store    *store.Store
	idx      *index.Index
	pageSize int
}

func New(st *store.Store, idx *index.Index, pageSize int) *Engine {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Engine{store: st, idx: idx, pageSize: pageSize}
}

// Search runs the query and returns one page of results. A filter
// combination matching nothing yields an empty page, not an error. The
// context cancels the query cooperatively; a superseded keystroke search
// should cancel its predecessor.
func (e *Engine) Search(ctx context.Context, q Query) (*Page, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = e.pageSize
	}
	after, err := decodeCursor(q.Cursor)
	if err != nil {
		return nil, err
	}
	f := index.Filter{Since: q.Since, Until: q.Until}
	for _, s := range q.Subjects {
		key := store.Normalize(s)
		if key == "" {
			return nil, &store.ValidationError{Field: "subjects", Message: "empty subject filter"}
		}
		f.Subjects = append(f.Subjects, key)
	}
	if q.Task != nil {
		t := index.TaskState(*q.Task)
		f.Task = &t
	}

	tokens := index.TokenizeQuery(q.Text)
	ranked := len(tokens) > 0

	var cands []index.Candidate
	switch {
	case ranked:
		cands, err = e.idx.Search(ctx, tokens, f, limit, after)
	case q.Text != "" && !hasFilters(f):
		// Query text with no indexable tokens and nothing to filter on:
		// there is nothing to match against.
		return &Page{}, nil
	default:
		cands, err = e.idx.Browse(ctx, f, limit, after)
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	page, err := e.hydrate(ctx, cands)
	if err != nil {
		return nil, err
	}
	if len(cands) == limit {
		last := cands[len(cands)-1]
		page.NextCursor = encodeCursor(&index.Position{
			Score:    last.Score,
			Created:  last.Created,
			Modified: last.Modified,
			ID:       last.ID,
		})
	}
	slog.Debug("search", "text", q.Text, "ranked", ranked, "hits", len(page.Notes))
	return page, nil
}

func hasFilters(f index.Filter) bool {
	return len(f.Subjects) > 0 || f.Task != nil || !f.Since.IsZero() || !f.Until.IsZero()
}

// hydrate loads full notes in candidate order and groups them by creation
// date. Candidates whose note vanished between the index read and here are
// dropped; the index may briefly lag the store.
func (e *Engine) hydrate(ctx context.Context, cands []index.Candidate) (*Page, error) {
	page := &Page{}
	scores := make(map[string]float64, len(cands))
	ids := make([]uuid.UUID, 0, len(cands))
	for _, c := range cands {
		ids = append(ids, c.ID)
		scores[c.ID.String()] = c.Score
	}
	notes, err := e.store.ListNotesByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrate: %w", err)
	}

	groupAt := make(map[string]int)
	for _, n := range notes {
		sn := ScoredNote{Note: n, Score: scores[n.ID.String()]}
		page.Notes = append(page.Notes, sn)
		date := n.CreatedAt.Local().Format("2006-01-02")
		gi, ok := groupAt[date]
		if !ok {
			gi = len(page.Groups)
			groupAt[date] = gi
			page.Groups = append(page.Groups, DateGroup{Date: date})
		}
		page.Groups[gi].Notes = append(page.Groups[gi].Notes, sn)
	}
	return page, nil
}
