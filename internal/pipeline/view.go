package pipeline

import (
	"strings"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/decision"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/memory"
)

const pendingPrefix = "pending:"

func isPending(threadID string) bool {
	return strings.HasPrefix(threadID, pendingPrefix)
}

// threadView is the organizer's picture of the topical threads during one
// run, including threads proposed earlier in the same batch
type threadView struct {
	threads []*memory.Thread
	byName  map[string]*memory.Thread
}

func newThreadView(threads []*memory.Thread, prefix string) *threadView {
	v := &threadView{byName: make(map[string]*memory.Thread)}
	for _, t := range threads {
		if t.Kind == memory.KindConversation || strings.HasPrefix(t.Name, prefix) {
			continue
		}
		cp := *t
		cp.AtomIDs = append([]string(nil), t.AtomIDs...)
		v.threads = append(v.threads, &cp)
		v.byName[cp.Name] = &cp
	}
	return v
}

func (v *threadView) overview() []memory.ThreadOverview {
	out := make([]memory.ThreadOverview, len(v.threads))
	for i, t := range v.threads {
		out[i] = memory.ThreadOverview{ID: t.ID, Name: t.Name, Scope: t.Scope, Size: t.Size()}
	}
	return out
}

// record folds one atom's decisions into the view and reports whether a new
// thread appeared. Low-confidence creates are included so a later atom
// proposing the same name is resolved to an assign instead of a conflicting
// create.
func (v *threadView) record(batch []decision.Decision) bool {
	created := false
	for _, d := range batch {
		switch d := d.(type) {
		case decision.Assign:
			if t := v.byName[d.ThreadName]; t != nil && !t.HasAtom(d.AtomID) {
				t.AtomIDs = append(t.AtomIDs, d.AtomID)
			}
		case decision.CreateAndAssign:
			if t := v.byName[d.NewName]; t != nil {
				if !t.HasAtom(d.AtomID) {
					t.AtomIDs = append(t.AtomIDs, d.AtomID)
				}
				continue
			}
			t := &memory.Thread{
				ID:      pendingPrefix + d.NewName,
				Name:    d.NewName,
				Kind:    memory.KindTopical,
				Scope:   d.NewScope,
				AtomIDs: []string{d.AtomID},
			}
			v.threads = append(v.threads, t)
			v.byName[t.Name] = t
			created = true
		}
	}
	return created
}
