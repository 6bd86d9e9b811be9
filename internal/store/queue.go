package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zekerdoodle/SecondBrain-sub003/internal/memory"
)

// AddExchange queues a conversation segment for extraction. Re-adding an id
// that is already queued is a no-op.
func (s *Store) AddExchange(ctx context.Context, ex *memory.Exchange) error {
	if ex.ID == "" {
		ex.ID = memory.NewExchangeID()
	}
	if ex.At.IsZero() {
		ex.At = time.Now()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO exchanges (id, session_id, speaker, text, at)
		VALUES (?, ?, ?, ?, ?)`,
		ex.ID, ex.SessionID, ex.Speaker, ex.Text, formatTime(ex.At))
	if err != nil {
		return fmt.Errorf("add exchange %s: %w", ex.ID, err)
	}
	return nil
}

// PendingExchanges returns unextracted exchanges in conversation order
func (s *Store) PendingExchanges(ctx context.Context, limit int) ([]*memory.Exchange, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, session_id, speaker, text, at FROM exchanges
		WHERE extracted_at IS NULL ORDER BY at, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending exchanges: %w", err)
	}
	defer rows.Close()

	var out []*memory.Exchange
	for rows.Next() {
		var ex memory.Exchange
		var at string
		if err := rows.Scan(&ex.ID, &ex.SessionID, &ex.Speaker, &ex.Text, &at); err != nil {
			return nil, err
		}
		ex.At = parseTime(at)
		out = append(out, &ex)
	}
	return out, rows.Err()
}

// MarkExtracted flags exchanges as consumed by the extractor
func (s *Store) MarkExtracted(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, formatTime(at))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.q.ExecContext(ctx,
		`UPDATE exchanges SET extracted_at = ? WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark extracted: %w", err)
	}
	return nil
}

// AddTriage files low-confidence proposals for an atom. Proposals join the
// atom's open bucket when one exists, so each atom has at most one open item.
func (s *Store) AddTriage(ctx context.Context, atomID string, proposals []memory.TriageProposal) (*memory.TriageItem, error) {
	item, err := s.openTriage(ctx, atomID)
	switch {
	case errors.Is(err, ErrNotFound):
		item = &memory.TriageItem{
			ID:        "triage-" + uuid.NewString(),
			AtomID:    atomID,
			CreatedAt: time.Now(),
		}
	case err != nil:
		return nil, err
	}

	for _, p := range proposals {
		if !containsProposal(item.Proposals, p) {
			item.Proposals = append(item.Proposals, p)
		}
	}

	data, err := json.Marshal(item.Proposals)
	if err != nil {
		return nil, fmt.Errorf("marshal proposals: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO triage (id, atom_id, proposals, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET proposals = excluded.proposals`,
		item.ID, item.AtomID, string(data), formatTime(item.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("save triage for %s: %w", atomID, err)
	}
	return item, nil
}

// ListTriage returns triage items, oldest first. Resolved items are included
// only when requested.
func (s *Store) ListTriage(ctx context.Context, includeResolved bool) ([]*memory.TriageItem, error) {
	query := `SELECT id, atom_id, proposals, created_at, resolved_at, resolution FROM triage`
	if !includeResolved {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list triage: %w", err)
	}
	defer rows.Close()

	var out []*memory.TriageItem
	for rows.Next() {
		item, err := scanTriage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// ResolveTriage closes a triage item with a free-text resolution
func (s *Store) ResolveTriage(ctx context.Context, id, resolution string) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE triage SET resolved_at = ?, resolution = ? WHERE id = ? AND resolved_at IS NULL`,
		formatTime(time.Now()), resolution, id)
	if err != nil {
		return fmt.Errorf("resolve triage %s: %w", id, err)
	}
	return expectRow(res, "triage "+id)
}

func (s *Store) openTriage(ctx context.Context, atomID string) (*memory.TriageItem, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, atom_id, proposals, created_at, resolved_at, resolution FROM triage
		WHERE atom_id = ? AND resolved_at IS NULL`, atomID)
	item, err := scanTriage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

func scanTriage(row rowScanner) (*memory.TriageItem, error) {
	var item memory.TriageItem
	var proposals, createdAt string
	var resolvedAt sql.NullString
	if err := row.Scan(&item.ID, &item.AtomID, &proposals, &createdAt, &resolvedAt, &item.Resolution); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(proposals), &item.Proposals); err != nil {
		return nil, fmt.Errorf("triage %s proposals: %w", item.ID, err)
	}
	item.CreatedAt = parseTime(createdAt)
	item.ResolvedAt = parseNullTime(resolvedAt)
	return &item, nil
}

func containsProposal(list []memory.TriageProposal, p memory.TriageProposal) bool {
	for _, existing := range list {
		if existing == p {
			return true
		}
	}
	return false
}
