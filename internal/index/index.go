// Package index holds the derived full-text search structure for notes.
// It is a disposable projection of the store: the synchronizer is its only
// writer and every document can be reconstructed from store records.
package index

import (
	"bytes"
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"
)

// TaskState mirrors the store's task states without importing the store
// package; the index is downstream of it.
type TaskState int

const (
	TaskNone TaskState = iota
	TaskTodo
	TaskDone
)

// Document is the searchable projection of one note.
type Document struct {
	Tokens      []string
	SubjectKeys []string
	Task        TaskState
	CreatedAt   time.Time
	ModifiedAt  time.Time
}

// Filter restricts retrieval at the index level so excluded documents are
// never scored. Subjects combine with AND semantics.
type Filter struct {
	Subjects []string
	Task     *TaskState
	Since    time.Time
	Until    time.Time
}

// Position marks the last returned result of a page. Results strictly after
// it (in the active sort order) form the next page, which keeps pagination
// stable while new notes arrive.
type Position struct {
	Score    float64
	Created  time.Time
	Modified time.Time
	ID       uuid.UUID
}

// Candidate is a ranked index hit, to be hydrated from the store.
type Candidate struct {
	ID       uuid.UUID
	Score    float64
	Created  time.Time
	Modified time.Time
}

type docEntry struct {
	num      uint32
	id       uuid.UUID
	terms    map[string]int
	length   int
	subjects []string
	task     TaskState
	created  time.Time
	modified time.Time
}

// Index is an in-memory inverted index with per-filter bitmaps. A write
// takes the exclusive lock, so a query holding the read lock observes one
// consistent snapshot for its whole execution.
type Index struct {
	mu       sync.RWMutex
	inverted map[string]map[uint32]int
	docs     map[uuid.UUID]*docEntry
	byNum    map[uint32]*docEntry
	all      *roaring.Bitmap
	subjects map[string]*roaring.Bitmap
	tasks    map[TaskState]*roaring.Bitmap
	nextNum  uint32
	totalLen int64
}

func New() *Index {
	x := &Index{}
	x.resetLocked()
	return x
}

func (x *Index) resetLocked() {
	x.inverted = make(map[string]map[uint32]int)
	x.docs = make(map[uuid.UUID]*docEntry)
	x.byNum = make(map[uint32]*docEntry)
	x.all = roaring.New()
	x.subjects = make(map[string]*roaring.Bitmap)
	x.tasks = make(map[TaskState]*roaring.Bitmap)
	x.nextNum = 0
	x.totalLen = 0
}

// Replace installs doc as the index document for id, removing any previous
// version first. Readers never observe the document missing mid-update
// because the whole swap happens under the write lock.
func (x *Index) Replace(id uuid.UUID, doc Document) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.deleteLocked(id)
	x.insertLocked(id, doc)
}

// Delete removes the document for id. Removing an absent id is a no-op.
func (x *Index) Delete(id uuid.UUID) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.deleteLocked(id)
}

// Reset drops every document, leaving an empty index.
func (x *Index) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.resetLocked()
}

// DocCount reports the number of indexed documents.
func (x *Index) DocCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

// DocFreq reports how many documents contain the term.
func (x *Index) DocFreq(term string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.inverted[term])
}

func (x *Index) insertLocked(id uuid.UUID, doc Document) {
	tf := make(map[string]int, len(doc.Tokens))
	for _, t := range doc.Tokens {
		tf[t]++
	}
	x.insertTermsLocked(id, tf, len(doc.Tokens), doc.SubjectKeys, doc.Task, doc.CreatedAt, doc.ModifiedAt)
}

func (x *Index) insertTermsLocked(id uuid.UUID, tf map[string]int, length int, subjects []string, task TaskState, created, modified time.Time) {
	num := x.nextNum
	x.nextNum++

	e := &docEntry{
		num:      num,
		id:       id,
		terms:    tf,
		length:   length,
		subjects: append([]string(nil), subjects...),
		task:     task,
		created:  created,
		modified: modified,
	}
	x.docs[id] = e
	x.byNum[num] = e
	x.all.Add(num)
	x.totalLen += int64(e.length)

	for term, count := range tf {
		postings := x.inverted[term]
		if postings == nil {
			postings = make(map[uint32]int)
			x.inverted[term] = postings
		}
		postings[num] = count
	}
	for _, key := range e.subjects {
		bm := x.subjects[key]
		if bm == nil {
			bm = roaring.New()
			x.subjects[key] = bm
		}
		bm.Add(num)
	}
	bm := x.tasks[e.task]
	if bm == nil {
		bm = roaring.New()
		x.tasks[e.task] = bm
	}
	bm.Add(num)
}

func (x *Index) deleteLocked(id uuid.UUID) {
	e, ok := x.docs[id]
	if !ok {
		return
	}
	for term := range e.terms {
		postings := x.inverted[term]
		delete(postings, e.num)
		if len(postings) == 0 {
			delete(x.inverted, term)
		}
	}
	for _, key := range e.subjects {
		if bm := x.subjects[key]; bm != nil {
			bm.Remove(e.num)
			if bm.IsEmpty() {
				delete(x.subjects, key)
			}
		}
	}
	if bm := x.tasks[e.task]; bm != nil {
		bm.Remove(e.num)
	}
	x.all.Remove(e.num)
	x.totalLen -= int64(e.length)
	delete(x.docs, id)
	delete(x.byNum, e.num)
}

// filterBitmap resolves the set predicates of a filter to a document
// bitmap. Time bounds are checked per document alongside it, inside the
// scoring and scan loops, so out-of-range documents are never scored.
func (x *Index) filterBitmap(f Filter) *roaring.Bitmap {
	bm := x.all.Clone()
	for _, key := range f.Subjects {
		sub := x.subjects[key]
		if sub == nil {
			return roaring.New()
		}
		bm.And(sub)
	}
	if f.Task != nil {
		task := x.tasks[*f.Task]
		if task == nil {
			return roaring.New()
		}
		bm.And(task)
	}
	return bm
}

func (x *Index) inTimeRange(e *docEntry, f Filter) bool {
	if !f.Since.IsZero() && e.created.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.created.After(f.Until) {
		return false
	}
	return true
}

func idf(docCount, docFreq int) float64 {
	n := float64(docCount)
	df := float64(docFreq)
	return math.Log(1 + (n-df+0.5)/(df+0.5))
}

// checkEvery bounds how many postings a scoring loop visits between
// cancellation checks.
const checkEvery = 1024

// Search scores documents matching any query token, restricted to the
// filter, and returns up to limit candidates strictly after the cursor
// position. Ranking is term frequency times inverse document frequency
// summed over tokens; ties break by newer modification, then id.
func (x *Index) Search(ctx context.Context, tokens []string, f Filter, limit int, after *Position) ([]Candidate, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if len(x.docs) == 0 || len(tokens) == 0 {
		return nil, nil
	}
	allowed := x.filterBitmap(f)
	scores := make(map[uint32]float64)

	step := 0
	for _, term := range tokens {
		postings, ok := x.inverted[term]
		if !ok {
			continue
		}
		termIDF := idf(len(x.docs), len(postings))
		for num, tf := range postings {
			if step++; step%checkEvery == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			if !allowed.Contains(num) {
				continue
			}
			if !x.inTimeRange(x.byNum[num], f) {
				continue
			}
			scores[num] += float64(tf) * termIDF
		}
	}

	cands := make([]Candidate, 0, len(scores))
	for num, score := range scores {
		e := x.byNum[num]
		cands = append(cands, Candidate{ID: e.id, Score: score, Created: e.created, Modified: e.modified})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Slice(cands, func(i, j int) bool { return rankedLess(cands[i], cands[j]) })
	return clip(cands, limit, after, rankedAfter), nil
}

// Browse returns documents matching the filter ordered by creation time
// descending, without scores. This is the plan for queries with no usable
// text.
func (x *Index) Browse(ctx context.Context, f Filter, limit int, after *Position) ([]Candidate, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	allowed := x.filterBitmap(f)
	cands := make([]Candidate, 0, allowed.GetCardinality())
	it := allowed.Iterator()
	step := 0
	for it.HasNext() {
		if step++; step%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		e := x.byNum[it.Next()]
		if !x.inTimeRange(e, f) {
			continue
		}
		cands = append(cands, Candidate{ID: e.id, Created: e.created, Modified: e.modified})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Slice(cands, func(i, j int) bool { return browseLess(cands[i], cands[j]) })
	return clip(cands, limit, after, browseAfter), nil
}

func rankedLess(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.Modified.Equal(b.Modified) {
		return a.Modified.After(b.Modified)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

func browseLess(a, b Candidate) bool {
	if !a.Created.Equal(b.Created) {
		return a.Created.After(b.Created)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

// rankedAfter reports whether c sorts strictly after the cursor position
// in ranked order.
func rankedAfter(c Candidate, p *Position) bool {
	if c.Score != p.Score {
		return c.Score < p.Score
	}
	if !c.Modified.Equal(p.Modified) {
		return c.Modified.Before(p.Modified)
	}
	return bytes.Compare(c.ID[:], p.ID[:]) > 0
}

func browseAfter(c Candidate, p *Position) bool {
	if !c.Created.Equal(p.Created) {
		return c.Created.Before(p.Created)
	}
	return bytes.Compare(c.ID[:], p.ID[:]) > 0
}

func clip(cands []Candidate, limit int, after *Position, pastCursor func(Candidate, *Position) bool) []Candidate {
	out := cands
	if after != nil {
		out = out[:0]
		for _, c := range cands {
			if pastCursor(c, after) {
				out = append(out, c)
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
