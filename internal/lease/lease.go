// Package lease enforces single-writer access to the memory store. Batch
// jobs hold a short lease while committing and refuse to write while the
// interactive front-end has the store open.
package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/logging"
)

// ErrBusy is returned when another live writer holds an unexpired lease
var ErrBusy = errors.New("store is locked by another writer")

// Info describes the current lease row
type Info struct {
	Holder     string
	PID        int32
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Lease is a row-based writer lock stored in the writer_lease table
type Lease struct {
	db     *sql.DB
	holder string
	pid    int32
	ttl    time.Duration

	now   func() time.Time
	alive func(ctx context.Context, pid int32) bool
}

// New creates a lease handle for this process
func New(db *sql.DB, holder string, ttl time.Duration) *Lease {
	return &Lease{
		db:     db,
		holder: holder,
		pid:    int32(os.Getpid()),
		ttl:    ttl,
		now:    time.Now,
		alive:  pidAlive,
	}
}

// Acquire takes the lease, or renews it when this process already holds it.
// A lease held by a dead process or past its expiry is taken over. The lease
// lasts for the TTL, or until ctx's deadline when that is later, so a commit
// bounded by a timeout cannot outlive it.
func (l *Lease) Acquire(ctx context.Context) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin lease transaction: %w", err)
	}
	defer tx.Rollback()

	now := l.now()
	current, err := readLease(ctx, tx)
	if err != nil {
		return err
	}

	if current != nil && !l.owns(current) {
		live := l.alive(ctx, current.PID)
		if live && now.Before(current.ExpiresAt) {
			return fmt.Errorf("%w: %s (pid %d) until %s", ErrBusy,
				current.Holder, current.PID, current.ExpiresAt.Format(time.RFC3339))
		}
		logging.Warn("lease", "taking over stale lease from %s (pid %d, alive=%v)",
			current.Holder, current.PID, live)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO writer_lease (id, holder, pid, acquired_at, expires_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			holder = excluded.holder,
			pid = excluded.pid,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at`,
		l.holder, l.pid, now.UTC().Format(time.RFC3339Nano), l.expiry(ctx, now).UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit lease: %w", err)
	}

	logging.Debug("lease", "acquired by %s (pid %d) until %s", l.holder, l.pid, l.expiry(ctx, now).Format(time.RFC3339))
	return nil
}

func (l *Lease) expiry(ctx context.Context, now time.Time) time.Time {
	until := now.Add(l.ttl)
	if deadline, ok := ctx.Deadline(); ok && deadline.After(until) {
		return deadline
	}
	return until
}

// Release drops the lease if this process holds it
func (l *Lease) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM writer_lease WHERE id = 1 AND holder = ? AND pid = ?`, l.holder, l.pid)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	logging.Debug("lease", "released by %s", l.holder)
	return nil
}

// Current returns the lease row, or nil when nobody holds it
func (l *Lease) Current(ctx context.Context) (*Info, error) {
	return readLease(ctx, l.db)
}

// Hold acquires the lease, runs fn and releases the lease
func (l *Lease) Hold(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			logging.Warn("lease", "%v", err)
		}
	}()
	return fn()
}

func (l *Lease) owns(info *Info) bool {
	return info.Holder == l.holder && info.PID == l.pid
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readLease(ctx context.Context, q rowQuerier) (*Info, error) {
	var info Info
	var acquired, expires string
	err := q.QueryRowContext(ctx,
		`SELECT holder, pid, acquired_at, expires_at FROM writer_lease WHERE id = 1`).
		Scan(&info.Holder, &info.PID, &acquired, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lease: %w", err)
	}
	info.AcquiredAt, _ = time.Parse(time.RFC3339Nano, acquired)
	info.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expires)
	return &info, nil
}

func pidAlive(ctx context.Context, pid int32) bool {
	ok, err := process.PidExistsWithContext(ctx, pid)
	return err == nil && ok
}
