package decision

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/memory"
)

var validate = validator.New()

// Snapshot is the state a batch is validated against
type Snapshot struct {
	Threads *memory.ThreadTable
	// AtomIDs is the organizer batch: every id needs at least one
	// disposition and dispositions may not name other atoms. Empty for
	// maintenance-only batches.
	AtomIDs []string
}

// Validate checks the entire batch before any mutation. It returns a
// *ValidationError listing every problem, or nil.
func Validate(batch []Decision, snap Snapshot) error {
	v := &batchValidator{
		snap:     snap,
		errs:     &ValidationError{},
		created:  make(map[string]string),
		claimed:  make(map[string]string),
		touched:  make(map[string]string),
		keys:     make(map[string]bool),
		disposed: make(map[string][]Kind),
	}
	if v.snap.Threads == nil {
		v.snap.Threads = memory.NewThreadTable("")
	}

	for i, d := range batch {
		v.check(i, d)
	}
	v.checkCoverage()

	if len(v.errs.Problems) > 0 {
		return v.errs
	}
	return nil
}

type batchValidator struct {
	snap Snapshot
	errs *ValidationError

	created  map[string]string // new thread name -> scope, from create_and_assign
	claimed  map[string]string // new names claimed by split/merge -> claiming decision
	touched  map[string]string // thread name -> maintenance decision reshaping it
	keys     map[string]bool   // disposition keys seen
	disposed map[string][]Kind // atom id -> disposition kinds
}

func (v *batchValidator) check(i int, d Decision) {
	label := fmt.Sprintf("decision %d (%s)", i, d.Kind())

	if err := validate.Struct(d); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				v.errs.add("%s: field %s failed %q", label, fe.Namespace(), fe.Tag())
			}
		} else {
			v.errs.add("%s: %v", label, err)
		}
		return
	}

	if disp, ok := d.(Disposition); ok {
		v.checkDisposition(label, disp)
	}

	switch d := d.(type) {
	case Assign:
		v.checkAssign(label, d)
	case CreateAndAssign:
		v.checkCreate(label, d)
	case Supersede, Skip:
		// fields are covered by struct tags
	case Split:
		v.checkSplit(label, d)
	case Merge:
		v.checkMerge(label, d)
	default:
		v.errs.add("%s: unsupported decision type %T", label, d)
	}
}

func (v *batchValidator) checkDisposition(label string, d Disposition) {
	atomID := d.Atom()
	if len(v.snap.AtomIDs) > 0 && !contains(v.snap.AtomIDs, atomID) {
		v.errs.add("%s: atom %s is not part of this batch", label, atomID)
	}

	key := Key(d)
	if v.keys[key] {
		v.errs.add("%s: duplicate disposition for atom %s", label, atomID)
		return
	}
	v.keys[key] = true

	kinds := v.disposed[atomID]
	if (d.Kind() == KindSkip && len(kinds) > 0) || containsKind(kinds, KindSkip) {
		v.errs.add("%s: skip cannot be combined with other dispositions for atom %s", label, atomID)
	}
	v.disposed[atomID] = append(kinds, d.Kind())
}

func (v *batchValidator) checkAssign(label string, d Assign) {
	if t := v.snap.Threads.ByName(d.ThreadName); t != nil {
		if t.Kind == memory.KindConversation {
			v.errs.add("%s: thread %q is a conversation thread", label, d.ThreadName)
		}
		return
	}
	if _, ok := v.created[d.ThreadName]; ok {
		return
	}
	v.errs.add("%s: thread %q does not resolve to an existing or newly created thread", label, d.ThreadName)
}

func (v *batchValidator) checkCreate(label string, d CreateAndAssign) {
	if !v.checkNewName(label, d.NewName) {
		return
	}
	if by, ok := v.claimed[d.NewName]; ok {
		v.errs.add("%s: name %q is already claimed by %s", label, d.NewName, by)
		return
	}
	if scope, ok := v.created[d.NewName]; ok {
		if d.NewScope != "" && d.NewScope != scope {
			v.errs.add("%s: thread %q created twice with different scopes", label, d.NewName)
		}
		return
	}
	v.created[d.NewName] = d.NewScope
}

func (v *batchValidator) checkSplit(label string, d Split) {
	source := v.snap.Threads.ByName(d.SourceThread)
	if source == nil {
		v.errs.add("%s: source thread %q does not exist", label, d.SourceThread)
		return
	}
	if source.Kind != memory.KindTopical {
		v.errs.add("%s: source thread %q is not topical", label, d.SourceThread)
	}
	v.touch(label, d.SourceThread)

	owner := make(map[string]string)
	names := make(map[string]bool)
	for _, p := range d.Partitions {
		if names[p.Name] {
			v.errs.add("%s: partition name %q repeated", label, p.Name)
		}
		names[p.Name] = true
		v.claim(label, p.Name)

		for _, atomID := range p.AtomIDs {
			if !source.HasAtom(atomID) {
				v.errs.add("%s: atom %s in partition %q is not in %q", label, atomID, p.Name, d.SourceThread)
			}
			if other, ok := owner[atomID]; ok {
				v.errs.add("%s: atom %s appears in partitions %q and %q", label, atomID, other, p.Name)
			}
			owner[atomID] = p.Name
		}
	}
}

func (v *batchValidator) checkMerge(label string, d Merge) {
	seen := make(map[string]bool)
	for _, name := range d.ThreadNames {
		if seen[name] {
			v.errs.add("%s: thread %q listed twice", label, name)
			continue
		}
		seen[name] = true

		t := v.snap.Threads.ByName(name)
		if t == nil {
			v.errs.add("%s: thread %q does not exist", label, name)
			continue
		}
		if t.Kind != memory.KindTopical {
			v.errs.add("%s: thread %q is not topical", label, name)
		}
		v.touch(label, name)
	}
	if len(seen) < 2 {
		v.errs.add("%s: merge needs at least two distinct threads", label)
	}

	// The merged name may reuse one of the inputs
	if seen[d.MergedName] {
		return
	}
	v.claim(label, d.MergedName)
}

// checkNewName rejects reserved and existing names
func (v *batchValidator) checkNewName(label, name string) bool {
	if v.snap.Threads.IsReserved(name) {
		v.errs.add("%s: name %q uses the reserved conversation prefix", label, name)
		return false
	}
	if v.snap.Threads.ByName(name) != nil {
		v.errs.add("%s: thread %q already exists", label, name)
		return false
	}
	return true
}

func (v *batchValidator) claim(label, name string) {
	if !v.checkNewName(label, name) {
		return
	}
	if by, ok := v.claimed[name]; ok {
		v.errs.add("%s: name %q is already claimed by %s", label, name, by)
		return
	}
	if _, ok := v.created[name]; ok {
		v.errs.add("%s: name %q is already created by create_and_assign", label, name)
		return
	}
	v.claimed[name] = label
}

func (v *batchValidator) touch(label, name string) {
	if by, ok := v.touched[name]; ok {
		v.errs.add("%s: thread %q is already reshaped by %s", label, name, by)
		return
	}
	v.touched[name] = label
}

func (v *batchValidator) checkCoverage() {
	var missing []string
	for _, id := range v.snap.AtomIDs {
		if len(v.disposed[id]) == 0 {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		v.errs.add("atoms without a disposition: %s", strings.Join(missing, ", "))
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsKind(list []Kind, k Kind) bool {
	for _, v := range list {
		if v == k {
			return true
		}
	}
	return false
}
