package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/memory"
)

// setupTestDB creates a temporary test database
func setupTestDB(t *testing.T) (*Store, func()) {
	t.Helper()
	return setupTestDBWithDriver(t, "sqlite3")
}

func setupTestDBWithDriver(t *testing.T, driver string) (*Store, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "store-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	s, err := Open(filepath.Join(tmpDir, "system", "brain.db"), driver)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open database: %v", err)
	}

	cleanup := func() {
		s.Close()
		os.RemoveAll(tmpDir)
	}
	return s, cleanup
}

func addAtom(t *testing.T, s *Store, id, content string) *memory.Atom {
	t.Helper()
	a := &memory.Atom{ID: id, Content: content, SourceSession: "session-1", Tags: []string{"test"}}
	if err := s.PutAtom(context.Background(), a); err != nil {
		t.Fatalf("PutAtom(%s) failed: %v", id, err)
	}
	return a
}

func TestAtomRoundTrip_BothDrivers(t *testing.T) {
	for _, driver := range []string{"sqlite3", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			s, cleanup := setupTestDBWithDriver(t, driver)
			defer cleanup()
			ctx := context.Background()

			importance := 70
			a := &memory.Atom{
				ID:            "atom-1",
				Content:       "The user lives in Austin, Texas.",
				Tags:          []string{"location", "home"},
				SourceSession: "session-1",
				CreatedAt:     time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
				Importance:    &importance,
			}
			if err := s.PutAtom(ctx, a); err != nil {
				t.Fatalf("PutAtom failed: %v", err)
			}

			got, err := s.GetAtom(ctx, "atom-1")
			if err != nil {
				t.Fatalf("GetAtom failed: %v", err)
			}
			if got.Content != a.Content {
				t.Errorf("content mismatch: %q", got.Content)
			}
			if len(got.Tags) != 2 || got.Tags[0] != "location" {
				t.Errorf("tags mismatch: %v", got.Tags)
			}
			if got.Importance == nil || *got.Importance != 70 {
				t.Errorf("importance mismatch: %v", got.Importance)
			}
			if !got.CreatedAt.Equal(a.CreatedAt) {
				t.Errorf("created_at mismatch: %v", got.CreatedAt)
			}
			if got.Fingerprint != memory.Fingerprint(a.Content) {
				t.Error("fingerprint should be filled on write")
			}
			if got.OrganizedAt != nil {
				t.Error("new atom should be unorganized")
			}
		})
	}
}

func TestGetAtom_NotFound(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := s.GetAtom(context.Background(), "atom-missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestThreadMembershipAndOverview(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	addAtom(t, s, "atom-1", "The user plays chess on weekends.")
	addAtom(t, s, "atom-2", "The user studies the Sicilian Defense.")

	chess := &memory.Thread{ID: "thread-1", Name: "Chess", Scope: "chess hobby", AtomIDs: []string{"atom-1", "atom-2"}}
	if err := s.PutThread(ctx, chess); err != nil {
		t.Fatalf("PutThread failed: %v", err)
	}
	conv := &memory.Thread{ID: "thread-2", Name: "conversation:s1", Kind: memory.KindConversation, AtomIDs: []string{"atom-1"}}
	if err := s.PutThread(ctx, conv); err != nil {
		t.Fatalf("PutThread failed: %v", err)
	}

	overview, err := s.ListThreadsOverview(ctx)
	if err != nil {
		t.Fatalf("ListThreadsOverview failed: %v", err)
	}
	if len(overview) != 1 {
		t.Fatalf("expected 1 topical thread, got %d", len(overview))
	}
	if overview[0].Name != "Chess" || overview[0].Size != 2 {
		t.Errorf("unexpected overview %+v", overview[0])
	}

	a, err := s.GetAtom(ctx, "atom-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(a.ThreadIDs) != 2 {
		t.Errorf("atom-1 should be in 2 threads, got %v", a.ThreadIDs)
	}

	byName, err := s.GetThreadByName(ctx, "Chess")
	if err != nil {
		t.Fatalf("GetThreadByName failed: %v", err)
	}
	if byName.ID != "thread-1" || byName.Size() != 2 {
		t.Errorf("unexpected thread %+v", byName)
	}
	if _, err := s.GetThreadByName(ctx, "chess"); !errors.Is(err, ErrNotFound) {
		t.Error("name lookup must be case-sensitive")
	}
}

func TestPutThread_NameTaken(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := s.PutThread(ctx, &memory.Thread{ID: "thread-1", Name: "Work"}); err != nil {
		t.Fatal(err)
	}
	err := s.PutThread(ctx, &memory.Thread{ID: "thread-2", Name: "Work"})
	if !errors.Is(err, ErrNameTaken) {
		t.Errorf("expected ErrNameTaken, got %v", err)
	}
	// Renaming a thread onto its own name is fine
	if err := s.PutThread(ctx, &memory.Thread{ID: "thread-1", Name: "Work", Scope: "job"}); err != nil {
		t.Errorf("re-put should succeed: %v", err)
	}
}

func TestPutThread_UnknownAtom(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()

	err := s.PutThread(context.Background(), &memory.Thread{ID: "thread-1", Name: "Work", AtomIDs: []string{"atom-ghost"}})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown atom, got %v", err)
	}
}

func TestDeleteThread_KeepsAtoms(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	addAtom(t, s, "atom-1", "The user works at a bakery.")
	if err := s.PutThread(ctx, &memory.Thread{ID: "thread-1", Name: "Work", AtomIDs: []string{"atom-1"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteThread(ctx, "thread-1"); err != nil {
		t.Fatalf("DeleteThread failed: %v", err)
	}
	if _, err := s.GetThread(ctx, "thread-1"); !errors.Is(err, ErrNotFound) {
		t.Error("thread should be gone")
	}
	a, err := s.GetAtom(ctx, "atom-1")
	if err != nil {
		t.Fatalf("atom should survive: %v", err)
	}
	if len(a.ThreadIDs) != 0 {
		t.Errorf("membership should be gone, got %v", a.ThreadIDs)
	}
	if err := s.DeleteThread(ctx, "thread-1"); !errors.Is(err, ErrNotFound) {
		t.Error("second delete should report not found")
	}
}

func TestSupersede_RoundTrip(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	addAtom(t, s, "atom-1", "The user lives in Denver.")
	if err := s.PutThread(ctx, &memory.Thread{ID: "thread-1", Name: "Home", AtomIDs: []string{"atom-1"}}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Supersede(ctx, "atom-1", "The user lives in Austin.", "moved in 2026", "atom-2", time.Now())
	if err != nil {
		t.Fatalf("Supersede failed: %v", err)
	}
	if got.Content != "The user lives in Austin." {
		t.Errorf("expected new content, got %q", got.Content)
	}
	if len(got.Revisions) != 1 || got.Revisions[0].PriorContent != "The user lives in Denver." {
		t.Fatalf("expected one revision with prior content, got %+v", got.Revisions)
	}
	if got.Revisions[0].Reason != "moved in 2026" || got.SupersededBy != "atom-2" {
		t.Errorf("unexpected revision metadata %+v / %s", got.Revisions[0], got.SupersededBy)
	}
	if !got.InThread("thread-1") {
		t.Error("memberships must be preserved")
	}
}

func TestUnorganizedAndMarkOrganized(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	addAtom(t, s, "atom-1", "Fact one.")
	addAtom(t, s, "atom-2", "Fact two.")

	if err := s.MarkOrganized(ctx, "atom-1", time.Now(), ""); err != nil {
		t.Fatalf("MarkOrganized failed: %v", err)
	}
	pending, err := s.UnorganizedAtoms(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != "atom-2" {
		t.Errorf("expected only atom-2 pending, got %v", pending)
	}
	if err := s.MarkOrganized(ctx, "atom-ghost", time.Now(), ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestWithTx_RollbackOnError(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx *Store) error {
		if err := tx.PutAtom(ctx, &memory.Atom{ID: "atom-1", Content: "Inside a transaction."}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.GetAtom(ctx, "atom-1"); !errors.Is(err, ErrNotFound) {
		t.Error("rolled back atom should not exist")
	}
}

func TestExchangeQueue(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	for i, text := range []string{"My sister is a nurse.", "She lives in Portland."} {
		ex := &memory.Exchange{ID: "ex-" + string(rune('a'+i)), SessionID: "s1", Speaker: "user", Text: text, At: base.Add(time.Duration(i) * time.Minute)}
		if err := s.AddExchange(ctx, ex); err != nil {
			t.Fatalf("AddExchange failed: %v", err)
		}
	}

	pending, err := s.PendingExchanges(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].ID != "ex-a" {
		t.Fatalf("expected ordered pending exchanges, got %v", pending)
	}

	if err := s.MarkExtracted(ctx, []string{"ex-a"}, time.Now()); err != nil {
		t.Fatal(err)
	}
	pending, _ = s.PendingExchanges(ctx, 10)
	if len(pending) != 1 || pending[0].ID != "ex-b" {
		t.Errorf("expected ex-b pending, got %v", pending)
	}
}

func TestTriage_OneBucketPerAtom(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	addAtom(t, s, "atom-1", "The user might take up pottery.")

	first, err := s.AddTriage(ctx, "atom-1", []memory.TriageProposal{
		{Action: "assign", ThreadName: "Hobbies", Confidence: "low"},
	})
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.AddTriage(ctx, "atom-1", []memory.TriageProposal{
		{Action: "assign", ThreadName: "Art", Confidence: "low"},
		{Action: "assign", ThreadName: "Hobbies", Confidence: "low"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Error("proposals for the same atom should share a bucket")
	}

	items, err := s.ListTriage(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || len(items[0].Proposals) != 2 {
		t.Fatalf("expected one bucket with 2 proposals, got %+v", items)
	}

	if err := s.ResolveTriage(ctx, first.ID, "assigned to Hobbies"); err != nil {
		t.Fatal(err)
	}
	open, _ := s.ListTriage(ctx, false)
	if len(open) != 0 {
		t.Errorf("expected no open items, got %d", len(open))
	}
	all, _ := s.ListTriage(ctx, true)
	if len(all) != 1 || all[0].ResolvedAt == nil {
		t.Errorf("resolved item should be listed with timestamp, got %+v", all)
	}
}

func TestStats(t *testing.T) {
	s, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	addAtom(t, s, "atom-1", "Fact one.")
	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats["atoms"] != 1 || stats["atoms_unorganized"] != 1 {
		t.Errorf("unexpected stats %v", stats)
	}
}

func TestReopenKeepsSchema(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "brain.db")

	s, err := Open(path, "sqlite3")
	if err != nil {
		t.Fatal(err)
	}
	addAtom(t, s, "atom-1", "Persisted fact.")
	s.Close()

	s, err = Open(path, "sqlite3")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	if _, err := s.GetAtom(context.Background(), "atom-1"); err != nil {
		t.Errorf("atom should persist: %v", err)
	}
}
