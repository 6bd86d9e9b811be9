package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/memory"
)

const atomColumns = `id, content, tags, source_session, created_at, importance,
	fingerprint, superseded_by, organized_at, skip_reason`

// PutAtom inserts or updates an atom row and adds any memberships listed in
// ThreadIDs. Existing memberships are never removed here.
func (s *Store) PutAtom(ctx context.Context, a *memory.Atom) error {
	if a.ID == "" {
		return fmt.Errorf("atom id is required")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.Fingerprint == "" {
		a.Fingerprint = memory.Fingerprint(a.Content)
	}

	tags, err := json.Marshal(nonNil(a.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	var importance any
	if a.Importance != nil {
		importance = *a.Importance
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO atoms (`+atomColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			tags = excluded.tags,
			source_session = excluded.source_session,
			importance = excluded.importance,
			fingerprint = excluded.fingerprint,
			superseded_by = excluded.superseded_by,
			organized_at = excluded.organized_at,
			skip_reason = excluded.skip_reason`,
		a.ID, a.Content, string(tags), a.SourceSession, formatTime(a.CreatedAt), importance,
		a.Fingerprint, a.SupersededBy, nullTime(a.OrganizedAt), a.SkipReason,
	)
	if err != nil {
		return fmt.Errorf("put atom %s: %w", a.ID, err)
	}

	for _, threadID := range a.ThreadIDs {
		if err := s.AddMembership(ctx, threadID, a.ID); err != nil {
			return err
		}
	}
	return nil
}

// GetAtom loads an atom with its memberships and revision history
func (s *Store) GetAtom(ctx context.Context, id string) (*memory.Atom, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+atomColumns+` FROM atoms WHERE id = ?`, id)
	a, err := scanAtom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("atom %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get atom %s: %w", id, err)
	}
	if err := s.loadAtomRelations(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// AtomsByID loads the given atoms. Missing ids are absent from the map.
func (s *Store) AtomsByID(ctx context.Context, ids []string) (map[string]*memory.Atom, error) {
	out := make(map[string]*memory.Atom, len(ids))
	for _, id := range ids {
		if _, ok := out[id]; ok {
			continue
		}
		a, err := s.GetAtom(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = a
	}
	return out, nil
}

// ListAtoms returns every atom, oldest first
func (s *Store) ListAtoms(ctx context.Context) ([]*memory.Atom, error) {
	return s.queryAtoms(ctx, `SELECT `+atomColumns+` FROM atoms ORDER BY created_at, id`)
}

// RecentAtoms returns the newest atoms, used as deduplication context
func (s *Store) RecentAtoms(ctx context.Context, limit int) ([]*memory.Atom, error) {
	return s.queryAtoms(ctx, `SELECT `+atomColumns+` FROM atoms ORDER BY created_at DESC, id LIMIT ?`, limit)
}

// UnorganizedAtoms returns atoms the organizer has not yet placed, oldest first
func (s *Store) UnorganizedAtoms(ctx context.Context, limit int) ([]*memory.Atom, error) {
	return s.queryAtoms(ctx, `SELECT `+atomColumns+` FROM atoms
		WHERE organized_at IS NULL ORDER BY created_at, id LIMIT ?`, limit)
}

// ThreadAtoms returns the atoms that belong to a thread
func (s *Store) ThreadAtoms(ctx context.Context, threadID string) ([]*memory.Atom, error) {
	return s.queryAtoms(ctx, `SELECT a.id, a.content, a.tags, a.source_session, a.created_at, a.importance,
			a.fingerprint, a.superseded_by, a.organized_at, a.skip_reason
		FROM atoms a JOIN thread_atoms ta ON ta.atom_id = a.id
		WHERE ta.thread_id = ? ORDER BY a.created_at, a.id`, threadID)
}

// MarkOrganized records that the organizer's decisions for an atom committed
func (s *Store) MarkOrganized(ctx context.Context, atomID string, at time.Time, skipReason string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE atoms SET organized_at = ?, skip_reason = ? WHERE id = ?`,
		formatTime(at), skipReason, atomID)
	if err != nil {
		return fmt.Errorf("mark organized %s: %w", atomID, err)
	}
	return expectRow(res, "atom "+atomID)
}

// RecordRevision appends a revision to an atom's history
func (s *Store) RecordRevision(ctx context.Context, atomID string, rev memory.Revision) error {
	if rev.At.IsZero() {
		rev.At = time.Now()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO atom_revisions (atom_id, prior_content, reason, superseded_by, at)
		VALUES (?, ?, ?, ?, ?)`,
		atomID, rev.PriorContent, rev.Reason, rev.SupersededBy, formatTime(rev.At))
	if err != nil {
		return fmt.Errorf("record revision for %s: %w", atomID, err)
	}
	return nil
}

// Supersede replaces an atom's content, keeping the prior content as a
// revision. Thread memberships are untouched.
func (s *Store) Supersede(ctx context.Context, atomID, content, reason, supersededBy string, at time.Time) (*memory.Atom, error) {
	var out *memory.Atom
	err := s.WithTx(ctx, func(tx *Store) error {
		a, err := tx.GetAtom(ctx, atomID)
		if err != nil {
			return err
		}
		if err := tx.RecordRevision(ctx, atomID, memory.Revision{
			PriorContent: a.Content,
			Reason:       reason,
			SupersededBy: supersededBy,
			At:           at,
		}); err != nil {
			return err
		}
		a.Content = memory.NormalizeContent(content)
		a.Fingerprint = memory.Fingerprint(a.Content)
		a.SupersededBy = supersededBy
		a.ThreadIDs = nil
		if err := tx.PutAtom(ctx, a); err != nil {
			return err
		}
		out, err = tx.GetAtom(ctx, atomID)
		return err
	})
	return out, err
}

// DeleteAtom removes an atom and its memberships
func (s *Store) DeleteAtom(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM atoms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete atom %s: %w", id, err)
	}
	return expectRow(res, "atom "+id)
}

func (s *Store) queryAtoms(ctx context.Context, query string, args ...any) ([]*memory.Atom, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query atoms: %w", err)
	}

	var atoms []*memory.Atom
	for rows.Next() {
		a, err := scanAtom(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		atoms = append(atoms, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// Close before issuing follow-up queries on the same transaction
	rows.Close()

	for _, a := range atoms {
		if err := s.loadAtomRelations(ctx, a); err != nil {
			return nil, err
		}
	}
	return atoms, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAtom(row rowScanner) (*memory.Atom, error) {
	var (
		a          memory.Atom
		tags       string
		createdAt  string
		importance sql.NullInt64
		organized  sql.NullString
	)
	if err := row.Scan(&a.ID, &a.Content, &tags, &a.SourceSession, &createdAt, &importance,
		&a.Fingerprint, &a.SupersededBy, &organized, &a.SkipReason); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &a.Tags); err != nil {
		return nil, fmt.Errorf("atom %s tags: %w", a.ID, err)
	}
	if len(a.Tags) == 0 {
		a.Tags = nil
	}
	a.CreatedAt = parseTime(createdAt)
	if importance.Valid {
		v := int(importance.Int64)
		a.Importance = &v
	}
	a.OrganizedAt = parseNullTime(organized)
	return &a, nil
}

func (s *Store) loadAtomRelations(ctx context.Context, a *memory.Atom) error {
	ids, err := s.stringColumn(ctx,
		`SELECT thread_id FROM thread_atoms WHERE atom_id = ? ORDER BY thread_id`, a.ID)
	if err != nil {
		return fmt.Errorf("atom %s memberships: %w", a.ID, err)
	}
	a.ThreadIDs = ids

	rows, err := s.q.QueryContext(ctx, `
		SELECT prior_content, reason, superseded_by, at FROM atom_revisions
		WHERE atom_id = ? ORDER BY id`, a.ID)
	if err != nil {
		return fmt.Errorf("atom %s revisions: %w", a.ID, err)
	}
	defer rows.Close()

	a.Revisions = nil
	for rows.Next() {
		var rev memory.Revision
		var at string
		if err := rows.Scan(&rev.PriorContent, &rev.Reason, &rev.SupersededBy, &at); err != nil {
			return err
		}
		rev.At = parseTime(at)
		a.Revisions = append(a.Revisions, rev)
	}
	return rows.Err()
}

func (s *Store) stringColumn(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func expectRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
