package memory

import (
	"testing"
)

func TestThreadTable_KindFromPrefix(t *testing.T) {
	table := NewThreadTable("",
		&Thread{ID: "t1", Name: "Career Goals"},
		&Thread{ID: "t2", Name: "conversation:2026-10-01"},
	)

	if table.Get("t1").Kind != KindTopical {
		t.Errorf("expected topical, got %s", table.Get("t1").Kind)
	}
	if table.Get("t2").Kind != KindConversation {
		t.Errorf("expected conversation, got %s", table.Get("t2").Kind)
	}

	overview := table.Overview()
	if len(overview) != 1 || overview[0].Name != "Career Goals" {
		t.Errorf("overview should only list topical threads, got %+v", overview)
	}
}

func TestThreadTable_ByNameIsCaseSensitive(t *testing.T) {
	table := NewThreadTable("", &Thread{ID: "t1", Name: "Chess"})

	if table.ByName("Chess") == nil {
		t.Fatal("expected exact name lookup to succeed")
	}
	if table.ByName("chess") != nil {
		t.Error("lookup must be case-sensitive")
	}
}

func TestThreadTable_RenameAndDelete(t *testing.T) {
	table := NewThreadTable("", &Thread{ID: "t1", Name: "Old"})
	table.Add(&Thread{ID: "t1", Name: "New"})

	if table.ByName("Old") != nil {
		t.Error("old name should be unindexed after re-adding")
	}
	if table.ByName("New") == nil {
		t.Error("new name should be indexed")
	}

	table.Delete("t1")
	if table.Count() != 0 {
		t.Errorf("expected 0 after delete, got %d", table.Count())
	}
}

func TestThresholds_Band(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		n    int
		want SizeBand
	}{
		{0, BandSmall},
		{4, BandSmall},
		{5, BandTarget},
		{15, BandTarget},
		{16, BandLarge},
		{25, BandWarning},
		{50, BandSoftCeiling},
		{75, BandHardCeiling},
		{76, BandHardCeiling},
	}
	for _, tc := range tests {
		if got := th.Band(tc.n); got != tc.want {
			t.Errorf("Band(%d) = %s, want %s", tc.n, got, tc.want)
		}
	}
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{" Family ", "family", "Career Goals", "health", "extra"})
	want := []string{"family", "career-goals", "health"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tag %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestFingerprint_IgnoresCaseAndPunctuation(t *testing.T) {
	a := Fingerprint("The user lives in Austin.")
	b := Fingerprint("the user  lives in austin")
	if a != b {
		t.Errorf("expected equal fingerprints, got %s vs %s", a, b)
	}
	if a == Fingerprint("The user lives in Denver.") {
		t.Error("different facts should hash differently")
	}
}

func TestSetFingerprint_OrderIndependent(t *testing.T) {
	a := SetFingerprint([]string{"one fact", "another fact"})
	b := SetFingerprint([]string{"another fact", "one fact"})
	if a != b {
		t.Error("set fingerprint should not depend on order")
	}
}

func TestClampImportance(t *testing.T) {
	if ClampImportance(nil) != nil {
		t.Error("nil should stay nil")
	}
	hi := 140
	if got := *ClampImportance(&hi); got != 100 {
		t.Errorf("expected 100, got %d", got)
	}
	lo := -3
	if got := *ClampImportance(&lo); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
}
