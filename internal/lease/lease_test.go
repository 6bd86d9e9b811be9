package lease

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/store"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "brain.db"), "sqlite3")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAcquireRelease(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	l := New(s.DB(), "organize", time.Minute)
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	// Re-acquiring our own lease renews it
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("renew failed: %v", err)
	}

	info, err := l.Current(ctx)
	if err != nil || info == nil {
		t.Fatalf("expected lease row, got %v %v", info, err)
	}
	if info.Holder != "organize" || info.PID != int32(os.Getpid()) {
		t.Errorf("unexpected holder %+v", info)
	}

	if err := l.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if info, _ := l.Current(ctx); info != nil {
		t.Errorf("lease should be cleared, got %+v", info)
	}
}

func TestAcquire_BusyWhileOtherHolderLive(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first := New(s.DB(), "extract", time.Minute)
	if err := first.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	second := New(s.DB(), "organize", time.Minute)
	if err := second.Acquire(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	// Another holder's release attempt leaves the lease in place
	if err := second.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if info, _ := second.Current(ctx); info == nil || info.Holder != "extract" {
		t.Errorf("lease should still belong to extract, got %+v", info)
	}
}

func TestAcquire_LeaseCoversContextDeadline(t *testing.T) {
	s := setupTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	deadline, _ := ctx.Deadline()

	first := New(s.DB(), "maintain", time.Minute)
	err := first.Hold(ctx, func() error {
		info, err := first.Current(ctx)
		if err != nil || info == nil {
			t.Fatalf("expected lease row, got %v %v", info, err)
		}
		if info.ExpiresAt.Before(deadline.Add(-time.Second)) {
			t.Errorf("lease expires %v, before the commit deadline %v", info.ExpiresAt, deadline)
		}

		// Past the TTL but inside the deadline the lease is still held
		second := New(s.DB(), "organize", time.Minute)
		second.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
		if err := second.Acquire(context.Background()); !errors.Is(err, ErrBusy) {
			t.Errorf("expected ErrBusy after the TTL, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
}

func TestAcquire_TakesOverExpiredLease(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first := New(s.DB(), "extract", time.Minute)
	first.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	if err := first.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	second := New(s.DB(), "organize", time.Minute)
	if err := second.Acquire(ctx); err != nil {
		t.Fatalf("expired lease should be taken over: %v", err)
	}
}

func TestAcquire_TakesOverDeadHolder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first := New(s.DB(), "extract", time.Hour)
	first.pid = 999999
	if err := first.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	second := New(s.DB(), "organize", time.Hour)
	second.alive = func(ctx context.Context, pid int32) bool { return pid != 999999 }
	if err := second.Acquire(ctx); err != nil {
		t.Fatalf("dead holder's lease should be taken over: %v", err)
	}
}

func TestHold_ReleasesAfterFn(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	l := New(s.DB(), "summarize", time.Minute)
	ran := false
	err := l.Hold(ctx, func() error {
		ran = true
		if info, _ := l.Current(ctx); info == nil {
			t.Error("lease should be held inside fn")
		}
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("Hold failed: %v ran=%v", err, ran)
	}
	if info, _ := l.Current(ctx); info != nil {
		t.Error("lease should be released after Hold")
	}
}

func TestFrontendGuard(t *testing.T) {
	ctx := context.Background()
	procs := []procInfo{
		{pid: 10, name: "bash", cmdline: "bash"},
		{pid: 11, name: "node", cmdline: "node /opt/second-brain/server.js"},
	}

	g := NewFrontendGuard([]string{"second-brain"}, "")
	g.list = func(ctx context.Context) ([]procInfo, error) { return procs, nil }
	if err := g.Check(ctx); !errors.Is(err, ErrFrontendActive) {
		t.Fatalf("expected ErrFrontendActive, got %v", err)
	}

	// Pause file releases the store
	pause := filepath.Join(t.TempDir(), "paused")
	if err := os.WriteFile(pause, nil, 0644); err != nil {
		t.Fatal(err)
	}
	g.pauseFile = pause
	if err := g.Check(ctx); err != nil {
		t.Errorf("paused front-end should not block: %v", err)
	}

	// Unmatched names pass
	g = NewFrontendGuard([]string{"brain-ui"}, "")
	g.list = func(ctx context.Context) ([]procInfo, error) { return procs, nil }
	if err := g.Check(ctx); err != nil {
		t.Errorf("no match should pass: %v", err)
	}

	// Disabled guard never scans
	var nilGuard *FrontendGuard
	if err := nilGuard.Check(ctx); err != nil {
		t.Errorf("nil guard should pass: %v", err)
	}
}
