// Package organize implements the Gardener: it files atoms into topical
// threads and plans split and merge maintenance. It returns decisions and
// never writes to the store.
package organize

import (
	"context"
	"fmt"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/decision"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/logging"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/memory"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/oracle"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/search"
)

// NoDispositionReason is the skip reason used when the oracle proposes
// nothing usable for an atom
const NoDispositionReason = "no disposition proposed"

// Organizer decides dispositions for single atoms
type Organizer struct {
	oracle     oracle.Oracle
	thresholds memory.Thresholds
	prefix     string
}

// New creates an organizer
func New(o oracle.Oracle, th memory.Thresholds, conversationPrefix string) *Organizer {
	if conversationPrefix == "" {
		conversationPrefix = memory.DefaultConversationPrefix
	}
	return &Organizer{oracle: o, thresholds: th, prefix: conversationPrefix}
}

// Decide returns the dispositions for atom given its candidate threads and
// the topical thread overview
func (o *Organizer) Decide(ctx context.Context, atom *memory.Atom, candidates []search.Candidate, overview []memory.ThreadOverview) ([]decision.Decision, error) {
	return o.DecideRelated(ctx, atom, candidates, overview, nil)
}

// DecideRelated is Decide with older atoms the new one may supersede
func (o *Organizer) DecideRelated(ctx context.Context, atom *memory.Atom, candidates []search.Candidate, overview []memory.ThreadOverview, related []*memory.Atom) ([]decision.Decision, error) {
	prompt := buildDecidePrompt(atom, candidates, overview, o.thresholds, related)
	output, err := o.oracle.Generate(ctx, decideSystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("organize oracle: %w", err)
	}

	proposed, err := decision.Parse([]byte(oracle.ExtractJSON(output)))
	if err != nil {
		return nil, err
	}

	var batch []decision.Decision
	for _, d := range proposed {
		if _, ok := d.(decision.Disposition); !ok {
			logging.Debug("organize", "atom %s: ignoring %s outside maintenance", atom.ID, d.Kind())
			continue
		}
		batch = append(batch, decision.WithAtomID(d, atom.ID))
	}

	batch = o.resolveNames(atom.ID, batch, overview)
	batch = decision.Dedupe(batch)
	batch = preferPrecision(batch, candidates)
	batch = dropRedundantSkips(batch)

	if len(batch) == 0 {
		batch = []decision.Decision{decision.Skip{AtomID: atom.ID, Reason: NoDispositionReason}}
	}

	logging.Debug("organize", "atom %s: %d decisions", atom.ID, len(batch))
	return batch, nil
}

// resolveNames drops assignments to threads that do not exist and creations
// that collide with an existing or reserved name. Letting either through
// would fail validation for the whole batch.
func (o *Organizer) resolveNames(atomID string, batch []decision.Decision, overview []memory.ThreadOverview) []decision.Decision {
	existing := make(map[string]bool, len(overview))
	for _, t := range overview {
		existing[t.Name] = true
	}
	created := make(map[string]bool)

	out := batch[:0]
	for _, d := range batch {
		switch v := d.(type) {
		case decision.Assign:
			if !existing[v.ThreadName] && !created[v.ThreadName] {
				logging.Warn("organize", "atom %s: dropping assign to unknown thread %q", atomID, v.ThreadName)
				continue
			}
		case decision.CreateAndAssign:
			if existing[v.NewName] {
				// The oracle meant the thread that already exists
				logging.Debug("organize", "atom %s: create %q names an existing thread, assigning instead", atomID, v.NewName)
				d = decision.Assign{AtomID: atomID, ThreadName: v.NewName, Confidence: v.Confidence}
			} else if memory.KindForName(v.NewName, o.prefix) == memory.KindConversation {
				logging.Warn("organize", "atom %s: dropping create with reserved name %q", atomID, v.NewName)
				continue
			} else {
				created[v.NewName] = true
			}
		}
		out = append(out, d)
	}
	return out
}

// preferPrecision removes low-confidence assignments that a better option
// already covers: a stronger disposition for the atom, or a higher-scoring
// candidate thread. Low assigns to candidates tied for best all stay and
// share the atom's triage item.
func preferPrecision(batch []decision.Decision, candidates []search.Candidate) []decision.Decision {
	strong := false
	for _, d := range batch {
		switch v := d.(type) {
		case decision.Assign:
			if v.Confidence != decision.Low {
				strong = true
			}
		case decision.CreateAndAssign:
			strong = true
		}
	}

	best := 0.0
	scores := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		scores[c.Name] = c.Similarity
		if c.Similarity > best {
			best = c.Similarity
		}
	}

	out := batch[:0]
	for _, d := range batch {
		if a, ok := d.(decision.Assign); ok && a.Confidence == decision.Low {
			if strong {
				logging.Debug("organize", "atom %s: dropping low assign to %q, stronger disposition exists", a.AtomID, a.ThreadName)
				continue
			}
			if score, ok := scores[a.ThreadName]; ok && score < best {
				logging.Debug("organize", "atom %s: dropping low assign to %q (%.2f < %.2f)", a.AtomID, a.ThreadName, score, best)
				continue
			}
		}
		out = append(out, d)
	}
	return out
}

// dropRedundantSkips removes skips when the atom has another disposition,
// since a skip cannot be combined with one
func dropRedundantSkips(batch []decision.Decision) []decision.Decision {
	other := false
	for _, d := range batch {
		if d.Kind() != decision.KindSkip {
			other = true
			break
		}
	}
	if !other {
		return batch
	}
	out := batch[:0]
	for _, d := range batch {
		if d.Kind() != decision.KindSkip {
			out = append(out, d)
		}
	}
	return out
}
