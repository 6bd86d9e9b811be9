package apply

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/decision"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/lease"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/memory"
	"github.com/zekerdoodle/SecondBrain-sub003/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "brain.db"), "sqlite3")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newApplier(s *store.Store) *Applier {
	return New(s, lease.New(s.DB(), "apply-test", time.Minute), nil, "")
}

func putAtoms(t *testing.T, s *store.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, s.PutAtom(context.Background(), &memory.Atom{ID: id, Content: "Fact " + id + " about the user."}))
	}
}

func putThread(t *testing.T, s *store.Store, id, name, scope string, atomIDs ...string) {
	t.Helper()
	require.NoError(t, s.PutThread(context.Background(), &memory.Thread{ID: id, Name: name, Scope: scope, AtomIDs: atomIDs}))
}

func TestApply_DispositionsAndTriage(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	putAtoms(t, s, "a1", "a2", "a3")
	putThread(t, s, "t-fam", "Family Dynamics", "family relationships")

	batch := []decision.Decision{
		decision.Assign{AtomID: "a1", ThreadName: "Family Dynamics", Confidence: decision.High},
		decision.CreateAndAssign{AtomID: "a1", NewName: "Relocation Plans", NewScope: "moving cities", Confidence: decision.Medium},
		decision.Assign{AtomID: "a2", ThreadName: "Family Dynamics", Confidence: decision.Low},
		decision.CreateAndAssign{AtomID: "a2", NewName: "Hobbies", Confidence: decision.Low},
		decision.Skip{AtomID: "a3", Reason: "small talk"},
	}

	res, err := newApplier(s).Apply(ctx, batch, []string{"a1", "a2", "a3"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Applied)
	assert.Equal(t, 1, res.Triaged)
	assert.Equal(t, 3, res.Organized)
	assert.Equal(t, []string{"Relocation Plans"}, res.Created)

	fam, err := s.GetThreadByName(ctx, "Family Dynamics")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, fam.AtomIDs)

	reloc, err := s.GetThreadByName(ctx, "Relocation Plans")
	require.NoError(t, err)
	assert.Equal(t, "moving cities", reloc.Scope)
	assert.Equal(t, []string{"a1"}, reloc.AtomIDs)

	_, err = s.GetThreadByName(ctx, "Hobbies")
	assert.ErrorIs(t, err, store.ErrNotFound, "low-confidence create must not be committed")

	// One bucket holds every low-confidence proposal for the atom
	items, err := s.ListTriage(ctx, false)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a2", items[0].AtomID)
	assert.Len(t, items[0].Proposals, 2)

	a3, err := s.GetAtom(ctx, "a3")
	require.NoError(t, err)
	assert.NotNil(t, a3.OrganizedAt)
	assert.Equal(t, "small talk", a3.SkipReason)

	unorganized, err := s.UnorganizedAtoms(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unorganized)
}

func TestApply_ValidationErrorRejectsBatch(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	putAtoms(t, s, "a1", "a2")
	putThread(t, s, "t-fam", "Family Dynamics", "")

	batch := []decision.Decision{
		decision.Assign{AtomID: "a1", ThreadName: "Family Dynamics", Confidence: decision.High},
		decision.CreateAndAssign{AtomID: "a2", NewName: "Family Dynamics", Confidence: decision.High},
	}

	_, err := newApplier(s).Apply(ctx, batch, []string{"a1", "a2"})
	var verr *decision.ValidationError
	require.ErrorAs(t, err, &verr)

	fam, err := s.GetThreadByName(ctx, "Family Dynamics")
	require.NoError(t, err)
	assert.Empty(t, fam.AtomIDs, "no decision may apply from a rejected batch")

	unorganized, err := s.UnorganizedAtoms(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, unorganized, 2)
}

func TestApply_VanishedAtomDropped(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	putAtoms(t, s, "a1")
	putThread(t, s, "t-chess", "Chess", "")

	batch := []decision.Decision{
		decision.Assign{AtomID: "a1", ThreadName: "Chess", Confidence: decision.High},
		decision.Assign{AtomID: "a-gone", ThreadName: "Chess", Confidence: decision.High},
	}

	res, err := newApplier(s).Apply(ctx, batch, []string{"a1", "a-gone"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Dropped)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "a-gone")

	chess, err := s.GetThreadByName(ctx, "Chess")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, chess.AtomIDs)
}

func TestApply_VanishedTriagedAtomDropped(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	putAtoms(t, s, "a1")
	putThread(t, s, "t-fam", "Family Dynamics", "")

	batch := []decision.Decision{
		decision.Assign{AtomID: "a1", ThreadName: "Family Dynamics", Confidence: decision.High},
		decision.Assign{AtomID: "a-gone", ThreadName: "Family Dynamics", Confidence: decision.Low},
		decision.CreateAndAssign{AtomID: "a-gone", NewName: "Nursing School", Confidence: decision.Low},
	}

	res, err := newApplier(s).Apply(ctx, batch, []string{"a1", "a-gone"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 2, res.Dropped)
	assert.Equal(t, 0, res.Triaged)
	for _, w := range res.Warnings {
		assert.Contains(t, w, "a-gone")
	}

	fam, err := s.GetThreadByName(ctx, "Family Dynamics")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, fam.AtomIDs)

	items, err := s.ListTriage(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, items)

	a1, err := s.GetAtom(ctx, "a1")
	require.NoError(t, err)
	assert.NotNil(t, a1.OrganizedAt)
}

func TestApply_SupersedeRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutAtom(ctx, &memory.Atom{ID: "a-old", Content: "The user lives in Denver."}))
	require.NoError(t, s.PutAtom(ctx, &memory.Atom{ID: "a-new", Content: "The user moved to Austin."}))
	putThread(t, s, "t-home", "Home", "", "a-old")

	batch := []decision.Decision{
		decision.Supersede{AtomID: "a-new", TargetAtomID: "a-old", NewContent: "The user lives in Austin.", Reason: "moved"},
	}
	res, err := newApplier(s).Apply(ctx, batch, []string{"a-new"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	old, err := s.GetAtom(ctx, "a-old")
	require.NoError(t, err)
	assert.Equal(t, "The user lives in Austin.", old.Content)
	require.Len(t, old.Revisions, 1)
	assert.Equal(t, "The user lives in Denver.", old.Revisions[0].PriorContent)
	assert.Equal(t, "moved", old.Revisions[0].Reason)
	assert.Equal(t, []string{"t-home"}, old.ThreadIDs, "memberships survive a supersede")

	fresh, err := s.GetAtom(ctx, "a-new")
	require.NoError(t, err)
	assert.NotNil(t, fresh.OrganizedAt)
	assert.Equal(t, "merged into a-old", fresh.SkipReason)
}

func TestApply_Split(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	putAtoms(t, s, "w1", "w2", "w3", "w4", "w5", "w6")
	putThread(t, s, "t-work", "Work", "the user's job", "w1", "w2", "w3", "w4", "w5", "w6")

	batch := []decision.Decision{
		decision.Split{
			SourceThread: "Work",
			Partitions: []decision.Partition{
				{Name: "Work / Kubernetes", Scope: "infra", AtomIDs: []string{"w1", "w3", "w5"}},
				{Name: "Work / Hiring", Scope: "hiring", AtomIDs: []string{"w2", "w4", "w6"}},
			},
			DeleteSourceIfEmpty: true,
		},
	}
	res, err := newApplier(s).Apply(ctx, batch, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Work / Kubernetes", "Work / Hiring"}, res.Created)
	assert.Equal(t, []string{"Work"}, res.Deleted)

	_, err = s.GetThreadByName(ctx, "Work")
	assert.ErrorIs(t, err, store.ErrNotFound)

	k8s, err := s.GetThreadByName(ctx, "Work / Kubernetes")
	require.NoError(t, err)
	hiring, err := s.GetThreadByName(ctx, "Work / Hiring")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"w1", "w3", "w5"}, k8s.AtomIDs)
	assert.ElementsMatch(t, []string{"w2", "w4", "w6"}, hiring.AtomIDs)

	atoms, err := s.ListAtoms(ctx)
	require.NoError(t, err)
	assert.Len(t, atoms, 6, "split never deletes atoms")
}

func TestApply_SplitKeepsUnmovedAtoms(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	putAtoms(t, s, "w1", "w2", "w3")
	putThread(t, s, "t-work", "Work", "", "w1", "w2", "w3")

	batch := []decision.Decision{
		decision.Split{
			SourceThread:        "Work",
			Partitions:          []decision.Partition{{Name: "Work / Travel", AtomIDs: []string{"w1"}}},
			DeleteSourceIfEmpty: true,
		},
	}
	_, err := newApplier(s).Apply(ctx, batch, nil)
	require.NoError(t, err)

	work, err := s.GetThreadByName(ctx, "Work")
	require.NoError(t, err, "non-empty source survives")
	assert.ElementsMatch(t, []string{"w2", "w3"}, work.AtomIDs)
}

func TestApply_Merge(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	putAtoms(t, s, "c1", "c2", "c3", "c4")
	putThread(t, s, "t-chess", "Chess", "chess games", "c1", "c2", "c3")
	putThread(t, s, "t-strat", "Chess Strategy", "chess strategy", "c3", "c4")

	batch := []decision.Decision{
		decision.Merge{ThreadNames: []string{"Chess", "Chess Strategy"}, MergedName: "Chess", MergedScope: "chess games and strategy"},
	}
	res, err := newApplier(s).Apply(ctx, batch, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Chess Strategy"}, res.Deleted)
	assert.Empty(t, res.Created)

	chess, err := s.GetThreadByName(ctx, "Chess")
	require.NoError(t, err)
	assert.Equal(t, "t-chess", chess.ID)
	assert.Equal(t, "chess games and strategy", chess.Scope)
	assert.ElementsMatch(t, []string{"c1", "c2", "c3", "c4"}, chess.AtomIDs, "merged set is the union with no atom lost or duplicated")

	_, err = s.GetThreadByName(ctx, "Chess Strategy")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApply_MergeIntoNewName(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	putAtoms(t, s, "c1", "g1")
	putThread(t, s, "t-chess", "Chess", "", "c1")
	putThread(t, s, "t-go", "Go", "", "g1")

	batch := []decision.Decision{
		decision.Merge{ThreadNames: []string{"Chess", "Go"}, MergedName: "Board Games"},
	}
	res, err := newApplier(s).Apply(ctx, batch, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Board Games"}, res.Created)
	assert.ElementsMatch(t, []string{"Chess", "Go"}, res.Deleted)

	games, err := s.GetThreadByName(ctx, "Board Games")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "g1"}, games.AtomIDs)
}

func TestApply_LeaseBusy(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	putAtoms(t, s, "a1")

	other := lease.New(s.DB(), "frontend", time.Minute)
	require.NoError(t, other.Acquire(ctx))

	_, err := newApplier(s).Apply(ctx, []decision.Decision{decision.Skip{AtomID: "a1", Reason: "noise"}}, []string{"a1"})
	assert.ErrorIs(t, err, lease.ErrBusy)

	a1, err := s.GetAtom(ctx, "a1")
	require.NoError(t, err)
	assert.Nil(t, a1.OrganizedAt)

	require.NoError(t, other.Release(ctx))
	_, err = newApplier(s).Apply(ctx, []decision.Decision{decision.Skip{AtomID: "a1", Reason: "noise"}}, []string{"a1"})
	assert.NoError(t, err)
}

func TestCommitAtoms(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	ex := &memory.Exchange{SessionID: "s1", Speaker: "user", Text: "I live in Austin."}
	require.NoError(t, s.AddExchange(ctx, ex))

	atoms := []*memory.Atom{
		{ID: "a1", Content: "The user lives in Austin.", SourceSession: "s1"},
		{ID: "a2", Content: "The user has a sister named Maya.", SourceSession: "s1"},
	}
	res, err := newApplier(s).CommitAtoms(ctx, atoms, []string{ex.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, []string{"conversation:s1"}, res.Created)

	conv, err := s.GetThreadByName(ctx, "conversation:s1")
	require.NoError(t, err)
	assert.Equal(t, memory.KindConversation, conv.Kind)
	assert.ElementsMatch(t, []string{"a1", "a2"}, conv.AtomIDs)

	pending, err := s.PendingExchanges(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Conversation threads stay out of the organizer's view
	overview, err := s.ListThreadsOverview(ctx)
	require.NoError(t, err)
	assert.Empty(t, overview)
}

func TestCommitDescription(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	putThread(t, s, "t-chess", "Chess", "")

	a := newApplier(s)
	require.NoError(t, a.CommitDescription(ctx, "t-chess", "The user plays chess.", "hash-1"))

	chess, err := s.GetThread(ctx, "t-chess")
	require.NoError(t, err)
	assert.Equal(t, "The user plays chess.", chess.Description)
	assert.Equal(t, "hash-1", chess.DescriptionHash)

	err = a.CommitDescription(ctx, "t-missing", "x", "y")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestResultJSON(t *testing.T) {
	data, err := json.Marshal(&Result{Applied: 2, Dropped: 1, Warnings: []string{"atom a9: not found"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"applied":2,"dropped":1,"triaged":0,"organized":0,"warnings":["atom a9: not found"]}`, string(data))
}
