package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/memory"
)

const threadColumns = `id, name, kind, scope, description, description_hash, created_at, updated_at`

// PutThread inserts or updates a thread and replaces its membership set with
// AtomIDs. A name already held by a different thread yields ErrNameTaken.
func (s *Store) PutThread(ctx context.Context, t *memory.Thread) error {
	if t.ID == "" || t.Name == "" {
		return fmt.Errorf("thread id and name are required")
	}

	var holder string
	err := s.q.QueryRowContext(ctx, `SELECT id FROM threads WHERE name = ?`, t.Name).Scan(&holder)
	switch {
	case err == nil && holder != t.ID:
		return fmt.Errorf("thread %q: %w", t.Name, ErrNameTaken)
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check thread name: %w", err)
	}

	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Kind == "" {
		t.Kind = memory.KindTopical
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO threads (`+threadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			scope = excluded.scope,
			description = excluded.description,
			description_hash = excluded.description_hash,
			updated_at = excluded.updated_at`,
		t.ID, t.Name, string(t.Kind), t.Scope, t.Description, t.DescriptionHash,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put thread %s: %w", t.ID, err)
	}

	if _, err := s.q.ExecContext(ctx, `DELETE FROM thread_atoms WHERE thread_id = ?`, t.ID); err != nil {
		return fmt.Errorf("reset memberships of %s: %w", t.ID, err)
	}
	for _, atomID := range uniqueStrings(t.AtomIDs) {
		if err := s.AddMembership(ctx, t.ID, atomID); err != nil {
			return err
		}
	}
	return nil
}

// GetThread loads a thread with its atom ids
func (s *Store) GetThread(ctx context.Context, id string) (*memory.Thread, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = ?`, id)
	return s.loadThread(ctx, row, "thread "+id)
}

// GetThreadByName loads a thread by its exact, case-sensitive name
func (s *Store) GetThreadByName(ctx context.Context, name string) (*memory.Thread, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE name = ?`, name)
	return s.loadThread(ctx, row, fmt.Sprintf("thread %q", name))
}

// ListThreads returns every thread, including conversation threads, by name
func (s *Store) ListThreads(ctx context.Context) ([]*memory.Thread, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+threadColumns+` FROM threads ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}

	var threads []*memory.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, t := range threads {
		if t.AtomIDs, err = s.threadAtomIDs(ctx, t.ID); err != nil {
			return nil, err
		}
	}
	return threads, nil
}

// ListThreadsOverview returns name, scope and size for every topical thread
func (s *Store) ListThreadsOverview(ctx context.Context) ([]memory.ThreadOverview, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT t.id, t.name, t.scope, COUNT(ta.atom_id)
		FROM threads t LEFT JOIN thread_atoms ta ON ta.thread_id = t.id
		WHERE t.kind = ?
		GROUP BY t.id
		ORDER BY t.name`, string(memory.KindTopical))
	if err != nil {
		return nil, fmt.Errorf("list overview: %w", err)
	}
	defer rows.Close()

	var out []memory.ThreadOverview
	for rows.Next() {
		var o memory.ThreadOverview
		if err := rows.Scan(&o.ID, &o.Name, &o.Scope, &o.Size); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ThreadTable snapshots every thread into an in-memory table
func (s *Store) ThreadTable(ctx context.Context, prefix string) (*memory.ThreadTable, error) {
	threads, err := s.ListThreads(ctx)
	if err != nil {
		return nil, err
	}
	return memory.NewThreadTable(prefix, threads...), nil
}

// DeleteThread removes a thread and its memberships. Atoms are kept.
func (s *Store) DeleteThread(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete thread %s: %w", id, err)
	}
	return expectRow(res, "thread "+id)
}

// AddMembership links an atom to a thread. Linking twice is a no-op.
func (s *Store) AddMembership(ctx context.Context, threadID, atomID string) error {
	if err := s.exists(ctx, "threads", threadID); err != nil {
		return err
	}
	if err := s.exists(ctx, "atoms", atomID); err != nil {
		return err
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO thread_atoms (thread_id, atom_id, added_at) VALUES (?, ?, ?)`,
		threadID, atomID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("add %s to %s: %w", atomID, threadID, err)
	}
	return nil
}

// RemoveMembership unlinks an atom from a thread
func (s *Store) RemoveMembership(ctx context.Context, threadID, atomID string) error {
	_, err := s.q.ExecContext(ctx,
		`DELETE FROM thread_atoms WHERE thread_id = ? AND atom_id = ?`, threadID, atomID)
	if err != nil {
		return fmt.Errorf("remove %s from %s: %w", atomID, threadID, err)
	}
	return nil
}

// SetDescription stores a regenerated summary and the fingerprint it covers
func (s *Store) SetDescription(ctx context.Context, threadID, description, hash string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE threads SET description = ?, description_hash = ?, updated_at = ? WHERE id = ?`,
		description, hash, formatTime(time.Now()), threadID)
	if err != nil {
		return fmt.Errorf("set description of %s: %w", threadID, err)
	}
	return expectRow(res, "thread "+threadID)
}

func (s *Store) loadThread(ctx context.Context, row *sql.Row, what string) (*memory.Thread, error) {
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", what, err)
	}
	if t.AtomIDs, err = s.threadAtomIDs(ctx, t.ID); err != nil {
		return nil, err
	}
	return t, nil
}

func scanThread(row rowScanner) (*memory.Thread, error) {
	var t memory.Thread
	var kind, createdAt, updatedAt string
	if err := row.Scan(&t.ID, &t.Name, &kind, &t.Scope, &t.Description, &t.DescriptionHash,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Kind = memory.ThreadKind(kind)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

func (s *Store) threadAtomIDs(ctx context.Context, threadID string) ([]string, error) {
	ids, err := s.stringColumn(ctx,
		`SELECT atom_id FROM thread_atoms WHERE thread_id = ? ORDER BY added_at, atom_id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("thread %s atoms: %w", threadID, err)
	}
	return ids, nil
}

func (s *Store) exists(ctx context.Context, table, id string) error {
	var one int
	err := s.q.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", strings.TrimSuffix(table, "s"), id, ErrNotFound)
	}
	return err
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
