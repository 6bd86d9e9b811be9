// Package search finds the topical threads closest to an atom.
package search

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/memory"
)

// Candidate is a thread ranked by similarity to a query
type Candidate struct {
	ThreadID   string  `json:"thread_id"`
	Name       string  `json:"name"`
	Scope      string  `json:"scope"`
	Size       int     `json:"size"`
	Similarity float64 `json:"similarity"`
}

// Searcher ranks topical threads against atom content
type Searcher interface {
	Candidates(ctx context.Context, content string, limit int) ([]Candidate, error)
}

// Indexer is a Searcher whose thread set can be replaced
type Indexer interface {
	Searcher
	Index(ctx context.Context, threads []*memory.Thread) error
}

// threadText is what a thread is matched on
func threadText(t *memory.Thread) string {
	if t.Scope == "" {
		return t.Name
	}
	return t.Name + ": " + t.Scope
}

// KeywordSearcher ranks threads by token overlap with their name and scope.
// It needs no embedding model and backs tests and offline runs.
type KeywordSearcher struct {
	mu            sync.RWMutex
	threads       []*memory.Thread
	tokens        []map[string]bool
	MinSimilarity float64
}

// NewKeywordSearcher creates an empty keyword searcher
func NewKeywordSearcher() *KeywordSearcher {
	return &KeywordSearcher{}
}

// Index replaces the searchable thread set with the topical threads given
func (s *KeywordSearcher) Index(ctx context.Context, threads []*memory.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.threads = s.threads[:0]
	s.tokens = s.tokens[:0]
	for _, t := range threads {
		if t.Kind == memory.KindConversation {
			continue
		}
		s.threads = append(s.threads, t)
		s.tokens = append(s.tokens, memory.Tokens(threadText(t)))
	}
	return nil
}

// Candidates scores by containment of thread tokens in the content
func (s *KeywordSearcher) Candidates(ctx context.Context, content string, limit int) ([]Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := memory.Tokens(content)
	var out []Candidate
	for i, t := range s.threads {
		score := overlap(query, s.tokens[i])
		if score <= 0 || score < s.MinSimilarity {
			continue
		}
		out = append(out, Candidate{
			ThreadID:   t.ID,
			Name:       t.Name,
			Scope:      t.Scope,
			Size:       t.Size(),
			Similarity: score,
		})
	}
	return rank(out, limit), nil
}

// overlap is the share of query tokens found in the thread text, ignoring
// stop words
func overlap(query, thread map[string]bool) float64 {
	n, hit := 0, 0
	for w := range query {
		if stopWords[w] {
			continue
		}
		n++
		if thread[w] {
			hit++
		}
	}
	if n == 0 {
		return 0
	}
	return float64(hit) / float64(n)
}

// rank orders by similarity, breaking ties by name, and truncates
func rank(cands []Candidate, limit int) []Candidate {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Similarity != cands[j].Similarity {
			return cands[i].Similarity > cands[j].Similarity
		}
		return strings.Compare(cands[i].Name, cands[j].Name) < 0
	})
	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}
	return cands
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "with": true,
	"is": true, "was": true, "are": true, "were": true, "be": true, "has": true,
	"have": true, "had": true, "user": true, "users": true, "s": true, "as": true,
	"by": true, "from": true, "about": true, "that": true, "this": true,
}
