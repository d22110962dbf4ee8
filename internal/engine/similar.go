package engine

import (
	"context"
	"sort"

	"github.com/JaniM/emergence/internal/index"
)

// How many of the draft's most distinctive terms feed the similarity
// search.
const similarTermCount = 5

// Similar finds stored notes resembling a draft body: the draft's terms
// are weighted by term frequency times inverse document frequency against
// the current index, and the best few run as an ordinary ranked search.
func (e *Engine) Similar(ctx context.Context, draft string, limit int) ([]ScoredNote, error) {
	terms := bestTerms(e.idx, draft, similarTermCount)
	if len(terms) == 0 {
		return nil, nil
	}
	cands, err := e.idx.Search(ctx, terms, index.Filter{}, limit, nil)
	if err != nil {
		return nil, err
	}
	page, err := e.hydrate(ctx, cands)
	if err != nil {
		return nil, err
	}
	return page.Notes, nil
}

func bestTerms(idx *index.Index, draft string, n int) []string {
	tokens := index.TokenizeMarkdown(draft)
	if len(tokens) == 0 {
		return nil
	}
	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	docCount := idx.DocCount()
	type weighted struct {
		term   string
		weight float64
	}
	ws := make([]weighted, 0, len(tf))
	for term, count := range tf {
		df := idx.DocFreq(term)
		if df == 0 {
			// A term no stored note contains cannot retrieve anything.
			continue
		}
		freq := float64(count) / float64(len(tokens))
		ws = append(ws, weighted{term: term, weight: freq * idfWeight(docCount, df)})
	}
	sort.Slice(ws, func(i, j int) bool {
		if ws[i].weight != ws[j].weight {
			return ws[i].weight > ws[j].weight
		}
		return ws[i].term < ws[j].term
	})
	if len(ws) > n {
		ws = ws[:n]
	}
	terms := make([]string, len(ws))
	for i, w := range ws {
		terms[i] = w.term
	}
	return terms
}

func idfWeight(docCount, docFreq int) float64 {
	if docCount == 0 {
		return 0
	}
	return float64(docCount) / float64(docFreq)
}
