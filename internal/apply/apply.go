// Package apply commits stage output to the store: whole-batch validation,
// single-writer coordination and one transaction per batch.
package apply

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/decision"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/lease"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/logging"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/memory"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/store"
)

// Result summarizes one committed batch
type Result struct {
	Applied   int      `json:"applied"`
	Dropped   int      `json:"dropped"`
	Triaged   int      `json:"triaged"`
	Organized int      `json:"organized"`
	Created   []string `json:"created,omitempty"` // thread names
	Deleted   []string `json:"deleted,omitempty"` // thread names
	Warnings  []string `json:"warnings,omitempty"`
}

func (r *Result) drop(err error) {
	r.Dropped++
	r.Warnings = append(r.Warnings, err.Error())
	logging.Warn("apply", "dropping decision: %v", err)
}

// Applier commits decisions and stage output
type Applier struct {
	store  *store.Store
	lease  *lease.Lease         // optional
	guard  *lease.FrontendGuard // optional
	prefix string
	now    func() time.Time
}

// New creates an applier. lease and guard may be nil.
func New(st *store.Store, l *lease.Lease, g *lease.FrontendGuard, conversationPrefix string) *Applier {
	if conversationPrefix == "" {
		conversationPrefix = memory.DefaultConversationPrefix
	}
	return &Applier{store: st, lease: l, guard: g, prefix: conversationPrefix, now: time.Now}
}

// exclusive runs fn inside one transaction while holding write access
func (a *Applier) exclusive(ctx context.Context, fn func(tx *store.Store) error) error {
	if err := a.guard.Check(ctx); err != nil {
		return err
	}
	run := func() error { return a.store.WithTx(ctx, fn) }
	if a.lease == nil {
		return run()
	}
	return a.lease.Hold(ctx, run)
}

// Apply validates batch against the current store and commits it. atomIDs is
// the organizer batch every disposition must cover; it is empty for
// maintenance-only batches. A ValidationError rejects the batch with no
// mutation. Decisions whose atoms or threads vanished are dropped with a
// warning and the rest commits.
func (a *Applier) Apply(ctx context.Context, batch []decision.Decision, atomIDs []string) (*Result, error) {
	table, err := a.store.ThreadTable(ctx, a.prefix)
	if err != nil {
		return nil, err
	}
	if err := decision.Validate(batch, decision.Snapshot{Threads: table, AtomIDs: atomIDs}); err != nil {
		return nil, err
	}

	var res *Result
	err = a.exclusive(ctx, func(tx *store.Store) error {
		c := &commit{
			tx:         tx,
			now:        a.now(),
			res:        &Result{},
			seen:       make(map[string]bool),
			placed:     make(map[string]bool),
			skipReason: make(map[string]string),
			triage:     make(map[string][]memory.TriageProposal),
		}
		if err := c.run(ctx, batch); err != nil {
			return err
		}
		res = c.res
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.Info("apply", "batch of %d: %d applied, %d dropped, %d triaged, %d atoms organized",
		len(batch), res.Applied, res.Dropped, res.Triaged, res.Organized)
	return res, nil
}

// commit carries the state of one batch transaction
type commit struct {
	tx  *store.Store
	now time.Time
	res *Result

	order      []string // atoms in first-seen order
	seen       map[string]bool
	placed     map[string]bool
	skipReason map[string]string
	triage     map[string][]memory.TriageProposal
}

func (c *commit) run(ctx context.Context, batch []decision.Decision) error {
	// Dispositions land before threads are reshaped
	for _, d := range batch {
		disp, ok := d.(decision.Disposition)
		if !ok {
			continue
		}
		c.see(disp.Atom())
		if err := c.applyDisposition(ctx, disp); err != nil {
			if !droppable(err) {
				return err
			}
			c.res.drop(err)
		}
	}

	for _, d := range batch {
		var err error
		switch v := d.(type) {
		case decision.Split:
			err = c.applySplit(ctx, v)
		case decision.Merge:
			err = c.applyMerge(ctx, v)
		default:
			continue
		}
		if err != nil {
			if !droppable(err) {
				return err
			}
			c.res.drop(err)
		}
	}

	for _, atomID := range c.order {
		if proposals := c.triage[atomID]; len(proposals) > 0 {
			if _, err := c.tx.GetAtom(ctx, atomID); err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					return err
				}
				for range proposals {
					c.res.drop(&decision.NotFoundError{Entity: "atom", ID: atomID})
				}
				continue
			}
			if _, err := c.tx.AddTriage(ctx, atomID, proposals); err != nil {
				return err
			}
			c.res.Triaged++
			c.placed[atomID] = true
		}
		if !c.placed[atomID] {
			continue
		}
		if err := c.tx.MarkOrganized(ctx, atomID, c.now, c.skipReason[atomID]); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			c.res.drop(&decision.NotFoundError{Entity: "atom", ID: atomID})
			continue
		}
		c.res.Organized++
	}
	return nil
}

func (c *commit) see(atomID string) {
	if !c.seen[atomID] {
		c.seen[atomID] = true
		c.order = append(c.order, atomID)
	}
}

func (c *commit) applyDisposition(ctx context.Context, d decision.Disposition) error {
	switch v := d.(type) {
	case decision.Assign:
		if v.Confidence == decision.Low {
			c.queue(v.AtomID, memory.TriageProposal{Action: string(v.Kind()), ThreadName: v.ThreadName, Confidence: string(v.Confidence)})
			return nil
		}
		thread, err := c.tx.GetThreadByName(ctx, v.ThreadName)
		if err != nil {
			return notFound(err, "thread", v.ThreadName)
		}
		if err := c.tx.AddMembership(ctx, thread.ID, v.AtomID); err != nil {
			return notFound(err, "atom", v.AtomID)
		}
		c.placed[v.AtomID] = true
		c.res.Applied++

	case decision.CreateAndAssign:
		if v.Confidence == decision.Low {
			c.queue(v.AtomID, memory.TriageProposal{Action: string(v.Kind()), ThreadName: v.NewName, NewScope: v.NewScope, Confidence: string(v.Confidence)})
			return nil
		}
		if _, err := c.tx.GetAtom(ctx, v.AtomID); err != nil {
			return notFound(err, "atom", v.AtomID)
		}
		// A repeated create in the same batch joins the thread made first
		thread, err := c.tx.GetThreadByName(ctx, v.NewName)
		switch {
		case err == nil:
			if err := c.tx.AddMembership(ctx, thread.ID, v.AtomID); err != nil {
				return notFound(err, "atom", v.AtomID)
			}
		case errors.Is(err, store.ErrNotFound):
			thread = &memory.Thread{
				ID:      memory.NewThreadID(),
				Name:    v.NewName,
				Kind:    memory.KindTopical,
				Scope:   v.NewScope,
				AtomIDs: []string{v.AtomID},
			}
			if err := c.tx.PutThread(ctx, thread); err != nil {
				return err
			}
			c.res.Created = append(c.res.Created, v.NewName)
		default:
			return err
		}
		c.placed[v.AtomID] = true
		c.res.Applied++

	case decision.Supersede:
		if _, err := c.tx.Supersede(ctx, v.TargetAtomID, v.NewContent, v.Reason, v.AtomID, c.now); err != nil {
			return notFound(err, "atom", v.TargetAtomID)
		}
		if v.TargetAtomID != v.AtomID {
			// The newer atom's fact now lives in the target
			c.setSkip(v.AtomID, "merged into "+v.TargetAtomID)
		}
		c.placed[v.AtomID] = true
		c.res.Applied++

	case decision.Skip:
		c.setSkip(v.AtomID, v.Reason)
		c.placed[v.AtomID] = true
		c.res.Applied++
	}
	return nil
}

func (c *commit) queue(atomID string, p memory.TriageProposal) {
	c.triage[atomID] = append(c.triage[atomID], p)
}

func (c *commit) setSkip(atomID, reason string) {
	if c.skipReason[atomID] == "" {
		c.skipReason[atomID] = reason
	}
}

// applySplit moves each partition into a new thread and removes the moved
// atoms from the source
func (c *commit) applySplit(ctx context.Context, d decision.Split) error {
	source, err := c.tx.GetThreadByName(ctx, d.SourceThread)
	if err != nil {
		return notFound(err, "thread", d.SourceThread)
	}

	for _, p := range d.Partitions {
		if _, err := c.tx.GetThreadByName(ctx, p.Name); err == nil {
			return fmt.Errorf("split %q: partition %q: %w", d.SourceThread, p.Name, store.ErrNameTaken)
		}
	}

	members := make(map[string]bool, len(source.AtomIDs))
	for _, id := range source.AtomIDs {
		members[id] = true
	}

	for _, p := range d.Partitions {
		var moved []string
		for _, atomID := range p.AtomIDs {
			if !members[atomID] {
				c.res.Warnings = append(c.res.Warnings, fmt.Sprintf("split %q: atom %s left the thread", d.SourceThread, atomID))
				continue
			}
			moved = append(moved, atomID)
			delete(members, atomID)
		}
		if len(moved) == 0 {
			continue
		}

		thread := &memory.Thread{
			ID:      memory.NewThreadID(),
			Name:    p.Name,
			Kind:    memory.KindTopical,
			Scope:   p.Scope,
			AtomIDs: moved,
		}
		if err := c.tx.PutThread(ctx, thread); err != nil {
			return err
		}
		for _, atomID := range moved {
			if err := c.tx.RemoveMembership(ctx, source.ID, atomID); err != nil {
				return err
			}
		}
		c.res.Created = append(c.res.Created, p.Name)
	}

	if d.DeleteSourceIfEmpty && len(members) == 0 {
		if err := c.tx.DeleteThread(ctx, source.ID); err != nil {
			return err
		}
		c.res.Deleted = append(c.res.Deleted, source.Name)
	}
	c.res.Applied++
	return nil
}

// applyMerge folds every input into the merged thread. The merged thread is
// the input carrying the merged name, or a new thread.
func (c *commit) applyMerge(ctx context.Context, d decision.Merge) error {
	var inputs []*memory.Thread
	for _, name := range d.ThreadNames {
		t, err := c.tx.GetThreadByName(ctx, name)
		if err != nil {
			return notFound(err, "thread", name)
		}
		inputs = append(inputs, t)
	}

	var target *memory.Thread
	var atomIDs []string
	for _, t := range inputs {
		if t.Name == d.MergedName {
			target = t
		}
		atomIDs = append(atomIDs, t.AtomIDs...)
	}
	if target == nil {
		if _, err := c.tx.GetThreadByName(ctx, d.MergedName); err == nil {
			return fmt.Errorf("merge into %q: %w", d.MergedName, store.ErrNameTaken)
		}
		target = &memory.Thread{ID: memory.NewThreadID(), Name: d.MergedName, Kind: memory.KindTopical}
		c.res.Created = append(c.res.Created, d.MergedName)
	}

	for _, t := range inputs {
		if t.ID == target.ID {
			continue
		}
		if err := c.tx.DeleteThread(ctx, t.ID); err != nil {
			return err
		}
		c.res.Deleted = append(c.res.Deleted, t.Name)
	}

	if d.MergedScope != "" {
		target.Scope = d.MergedScope
	}
	target.AtomIDs = atomIDs
	if err := c.tx.PutThread(ctx, target); err != nil {
		return err
	}
	c.res.Applied++
	return nil
}

// notFound converts a store miss into the decision taxonomy
func notFound(err error, entity, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return &decision.NotFoundError{Entity: entity, ID: id}
	}
	return err
}

// droppable reports whether err affects only its own decision: a vanished
// atom or thread, or a name taken since validation
func droppable(err error) bool {
	var nf *decision.NotFoundError
	return errors.As(err, &nf) || errors.Is(err, store.ErrNameTaken)
}
