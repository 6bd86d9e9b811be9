package apply

import (
	"context"
	"errors"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/decision"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/logging"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/memory"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/store"
)

// CommitAtoms persists extracted atoms and marks their source exchanges
// extracted in one transaction. Each atom also joins the system-managed
// conversation thread of its session.
func (a *Applier) CommitAtoms(ctx context.Context, atoms []*memory.Atom, exchangeIDs []string) (*Result, error) {
	res := &Result{}
	err := a.exclusive(ctx, func(tx *store.Store) error {
		for _, atom := range atoms {
			if err := tx.PutAtom(ctx, atom); err != nil {
				return err
			}
			if atom.SourceSession != "" {
				if err := a.joinConversation(ctx, tx, atom, res); err != nil {
					return err
				}
			}
			res.Applied++
		}
		return tx.MarkExtracted(ctx, exchangeIDs, a.now())
	})
	if err != nil {
		return nil, err
	}
	logging.Info("apply", "committed %d atoms from %d exchanges", len(atoms), len(exchangeIDs))
	return res, nil
}

func (a *Applier) joinConversation(ctx context.Context, tx *store.Store, atom *memory.Atom, res *Result) error {
	name := a.prefix + atom.SourceSession
	thread, err := tx.GetThreadByName(ctx, name)
	switch {
	case err == nil:
		return tx.AddMembership(ctx, thread.ID, atom.ID)
	case errors.Is(err, store.ErrNotFound):
		res.Created = append(res.Created, name)
		return tx.PutThread(ctx, &memory.Thread{
			ID:      memory.NewThreadID(),
			Name:    name,
			Kind:    memory.KindConversation,
			Scope:   "conversation " + atom.SourceSession,
			AtomIDs: []string{atom.ID},
		})
	default:
		return err
	}
}

// Description is a regenerated thread summary
type Description struct {
	ThreadID string `json:"thread_id"`
	Text     string `json:"text"`
	Hash     string `json:"hash"` // fingerprint of the atom set summarized
}

// CommitDescription stores a thread summary and the fingerprint it covers
func (a *Applier) CommitDescription(ctx context.Context, threadID, text, hash string) error {
	_, err := a.CommitDescriptions(ctx, []Description{{ThreadID: threadID, Text: text, Hash: hash}})
	return err
}

// CommitDescriptions stores a batch of summaries in one transaction. A
// thread deleted since it was summarized is dropped with a warning.
func (a *Applier) CommitDescriptions(ctx context.Context, descs []Description) (*Result, error) {
	res := &Result{}
	err := a.exclusive(ctx, func(tx *store.Store) error {
		for _, d := range descs {
			err := tx.SetDescription(ctx, d.ThreadID, d.Text, d.Hash)
			switch {
			case err == nil:
				res.Applied++
			case errors.Is(err, store.ErrNotFound) && len(descs) > 1:
				res.drop(&decision.NotFoundError{Entity: "thread", ID: d.ThreadID})
			default:
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
