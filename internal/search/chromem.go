package search

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/logging"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/memory"
)

// Embedder turns text into a normalized vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChromemSearcher ranks threads by embedding similarity of their scope using
// an in-memory chromem-go collection
type ChromemSearcher struct {
	embed         Embedder
	mu            sync.RWMutex
	col           *chromem.Collection
	MinSimilarity float64
}

// NewChromemSearcher creates a searcher backed by embed
func NewChromemSearcher(embed Embedder, minSimilarity float64) *ChromemSearcher {
	return &ChromemSearcher{embed: embed, MinSimilarity: minSimilarity}
}

// Index rebuilds the collection from the topical threads given
func (s *ChromemSearcher) Index(ctx context.Context, threads []*memory.Thread) error {
	db := chromem.NewDB()
	col, err := db.CreateCollection("threads", nil, s.embed.Embed)
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}

	var docs []chromem.Document
	for _, t := range threads {
		if t.Kind == memory.KindConversation {
			continue
		}
		docs = append(docs, chromem.Document{
			ID:      t.ID,
			Content: threadText(t),
			Metadata: map[string]string{
				"name":  t.Name,
				"scope": t.Scope,
				"size":  strconv.Itoa(t.Size()),
			},
		})
	}
	if len(docs) > 0 {
		if err := col.AddDocuments(ctx, docs, 1); err != nil {
			return fmt.Errorf("index threads: %w", err)
		}
	}

	s.mu.Lock()
	s.col = col
	s.mu.Unlock()

	logging.Debug("search", "indexed %d topical threads", len(docs))
	return nil
}

// Candidates returns up to limit threads ordered by similarity
func (s *ChromemSearcher) Candidates(ctx context.Context, content string, limit int) ([]Candidate, error) {
	s.mu.RLock()
	col := s.col
	s.mu.RUnlock()

	if col == nil || col.Count() == 0 || limit <= 0 {
		return nil, nil
	}
	// chromem-go requires nResults <= collection size
	n := limit
	if c := col.Count(); n > c {
		n = c
	}

	results, err := col.Query(ctx, content, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	var out []Candidate
	for _, r := range results {
		sim := float64(r.Similarity)
		if sim < s.MinSimilarity {
			continue
		}
		size, _ := strconv.Atoi(r.Metadata["size"])
		out = append(out, Candidate{
			ThreadID:   r.ID,
			Name:       r.Metadata["name"],
			Scope:      r.Metadata["scope"],
			Size:       size,
			Similarity: sim,
		})
	}
	return rank(out, limit), nil
}
