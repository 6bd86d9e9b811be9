// Package extract implements the Librarian: it turns queued conversation
// exchanges into standalone atoms. It never writes to the store.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/decision"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/filter"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/logging"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/memory"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/oracle"
)

// DefaultDuplicateThreshold is the token Jaccard above which an atom is
// considered a restatement of one already known
const DefaultDuplicateThreshold = 0.85

// Extractor proposes atoms from conversation
type Extractor struct {
	oracle oracle.Oracle
	skip   *filter.SkipPredicate

	// Tuning
	DuplicateThreshold float64
	KnownLimit         int // known atoms shown to the oracle

	now func() time.Time
}

// New creates an extractor. A nil skip predicate uses the defaults.
func New(o oracle.Oracle, skip *filter.SkipPredicate) *Extractor {
	if skip == nil {
		skip, _ = filter.NewSkipPredicate(nil)
	}
	return &Extractor{
		oracle:             o,
		skip:               skip,
		DuplicateThreshold: DefaultDuplicateThreshold,
		KnownLimit:         50,
		now:                time.Now,
	}
}

// Rejection records why a proposed atom was dropped
type Rejection struct {
	Content string `json:"content"`
	Reason  string `json:"reason"`
}

// Result is the outcome of one extraction batch
type Result struct {
	Atoms            []*memory.Atom `json:"atoms"`
	Proposed         int            `json:"proposed"`
	SkippedExchanges int            `json:"skipped_exchanges"`
	Rejected         []Rejection    `json:"rejected,omitempty"`
}

// proposal is one atom as the oracle returns it
type proposal struct {
	Content    string   `json:"content"`
	Tags       []string `json:"tags"`
	Importance *int     `json:"importance"`
}

// Extract returns the standalone atoms found in exchanges. Empty or fully
// filtered input yields an empty slice and no error.
func (e *Extractor) Extract(ctx context.Context, session string, exchanges []*memory.Exchange, known []*memory.Atom) ([]*memory.Atom, error) {
	res, err := e.ExtractDetailed(ctx, session, exchanges, known)
	if err != nil {
		return nil, err
	}
	return res.Atoms, nil
}

// ExtractDetailed is Extract with the bookkeeping of what was dropped
func (e *Extractor) ExtractDetailed(ctx context.Context, session string, exchanges []*memory.Exchange, known []*memory.Atom) (*Result, error) {
	res := &Result{Atoms: []*memory.Atom{}}

	// Drop low-information and procedural exchanges before paying for a call
	var kept []*memory.Exchange
	for _, ex := range exchanges {
		if skip, reason := e.skip.SkipExchange(ex.Text); skip {
			logging.Debug("extract", "skip exchange %s: %s", ex.ID, reason)
			res.SkippedExchanges++
			continue
		}
		kept = append(kept, ex)
	}
	if len(kept) == 0 {
		return res, nil
	}

	output, err := e.oracle.Generate(ctx, systemPrompt, buildPrompt(kept, known, e.KnownLimit))
	if err != nil {
		return nil, fmt.Errorf("extraction oracle: %w", err)
	}

	var response struct {
		Atoms *[]proposal `json:"atoms"`
	}
	if err := json.Unmarshal([]byte(oracle.ExtractJSON(output)), &response); err != nil {
		return nil, &decision.SchemaError{Reason: "decode extracted atoms", Err: err}
	}
	if response.Atoms == nil {
		return nil, &decision.SchemaError{Reason: `missing "atoms" field`}
	}

	seen := newDedupIndex(known, e.DuplicateThreshold)
	now := e.now()

	for _, p := range *response.Atoms {
		res.Proposed++
		content := memory.NormalizeContent(p.Content)
		if content == "" {
			res.Rejected = append(res.Rejected, Rejection{Content: p.Content, Reason: "empty"})
			continue
		}

		for _, sentence := range splitSentences(content) {
			if reason := e.check(sentence, seen); reason != "" {
				logging.Debug("extract", "reject %q: %s", logging.Truncate(sentence, 60), reason)
				res.Rejected = append(res.Rejected, Rejection{Content: sentence, Reason: reason})
				continue
			}

			atom := &memory.Atom{
				ID:            memory.NewAtomID(),
				Content:       sentence,
				Tags:          memory.NormalizeTags(p.Tags),
				SourceSession: session,
				CreatedAt:     now,
				Importance:    memory.ClampImportance(p.Importance),
				Fingerprint:   memory.Fingerprint(sentence),
			}
			seen.add(sentence)
			res.Atoms = append(res.Atoms, atom)
		}
	}

	logging.Info("extract", "session %s: %d exchanges -> %d proposed -> %d atoms (%d rejected)",
		session, len(kept), res.Proposed, len(res.Atoms), len(res.Rejected))
	return res, nil
}

// check runs the per-sentence filters in order and returns the first failure
func (e *Extractor) check(sentence string, seen *dedupIndex) string {
	if reason := standaloneProblem(sentence); reason != "" {
		return reason
	}
	if unattributedOpinion(sentence) {
		return "unattributed opinion"
	}
	if skip, reason := e.skip.SkipAtom(sentence); skip {
		return "skip: " + reason
	}
	if dup := seen.duplicateOf(sentence); dup != "" {
		return "duplicate of: " + logging.Truncate(dup, 60)
	}
	return ""
}

// dedupIndex matches content against known atoms and earlier atoms in the
// batch by fingerprint or token overlap
type dedupIndex struct {
	threshold    float64
	fingerprints map[string]string
	contents     []string
	tokens       []map[string]bool
}

func newDedupIndex(known []*memory.Atom, threshold float64) *dedupIndex {
	idx := &dedupIndex{threshold: threshold, fingerprints: make(map[string]string)}
	for _, a := range known {
		idx.add(a.Content)
	}
	return idx
}

func (d *dedupIndex) add(content string) {
	d.fingerprints[memory.Fingerprint(content)] = content
	d.contents = append(d.contents, content)
	d.tokens = append(d.tokens, memory.Tokens(content))
}

func (d *dedupIndex) duplicateOf(content string) string {
	if prior, ok := d.fingerprints[memory.Fingerprint(content)]; ok {
		return prior
	}
	tokens := memory.Tokens(content)
	for i, other := range d.tokens {
		if memory.JaccardSets(tokens, other) >= d.threshold {
			return d.contents[i]
		}
	}
	return ""
}
