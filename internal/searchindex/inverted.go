package searchindex

import (
	"math"
	"sync"
)

// BM25-style ranking constants, the standard Okapi defaults.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// invertedIndex is the keyword term index: term -> postings list of
// (docID, term frequency), plus per-document length for BM25's length
// normalization term.
type invertedIndex struct {
	mu         sync.RWMutex
	postings   map[string]map[string]int // term -> docID -> tf
	docLength  map[string]int
	totalDocs  int
	totalTerms int64
}

func newInvertedIndex() *invertedIndex {
	return &invertedIndex{
		postings:  make(map[string]map[string]int),
		docLength: make(map[string]int),
	}
}

func (idx *invertedIndex) add(docID string, tokens []string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.remove(docID)

	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	for term, count := range tf {
		if idx.postings[term] == nil {
			idx.postings[term] = make(map[string]int)
		}
		idx.postings[term][docID] = count
	}
	idx.docLength[docID] = len(tokens)
	idx.totalDocs++
	idx.totalTerms += int64(len(tokens))
}

// remove must be called with idx.mu held.
func (idx *invertedIndex) remove(docID string) {
	if _, ok := idx.docLength[docID]; !ok {
		return
	}
	for term, postings := range idx.postings {
		if _, ok := postings[docID]; ok {
			delete(postings, docID)
			if len(postings) == 0 {
				delete(idx.postings, term)
			}
		}
	}
	idx.totalDocs--
	delete(idx.docLength, docID)
}

func (idx *invertedIndex) Remove(docID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.remove(docID)
}

func (idx *invertedIndex) avgDocLength() float64 {
	if idx.totalDocs == 0 {
		return 0
	}
	return float64(idx.totalTerms) / float64(idx.totalDocs)
}

// score returns the BM25 score of a query's tokens against every
// document containing at least one of them.
func (idx *invertedIndex) score(queryTokens []string) map[string]float64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	scores := make(map[string]float64)
	avgLen := idx.avgDocLength()
	if avgLen == 0 {
		return scores
	}

	for _, term := range queryTokens {
		postings := idx.postings[term]
		if len(postings) == 0 {
			continue
		}
		n := len(postings)
		idf := math.Log(1 + (float64(idx.totalDocs)-float64(n)+0.5)/(float64(n)+0.5))

		for docID, tf := range postings {
			dl := float64(idx.docLength[docID])
			denom := float64(tf) + bm25K1*(1-bm25B+bm25B*dl/avgLen)
			scores[docID] += idf * (float64(tf) * (bm25K1 + 1)) / denom
		}
	}
	return scores
}
