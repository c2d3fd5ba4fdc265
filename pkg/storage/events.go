package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/agentum-ai/agentum/pkg/models"
)

// maxEventPage caps a single replay query.
const maxEventPage = 1000

// InsertEvent persists one canonical event row. A duplicate
// (session_id, sequence) pair returns ErrDuplicateSequence.
func (c *Client) InsertEvent(ctx context.Context, row *models.EventRow) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO events (session_id, sequence, event_type, data, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		row.SessionID, row.Sequence, row.EventType, row.Data, row.Timestamp)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("event %d for session %s: %w", row.Sequence, row.SessionID, ErrDuplicateSequence)
		}
		return fmt.Errorf("failed to insert event %d for session %s: %w", row.Sequence, row.SessionID, err)
	}
	return nil
}

// ListEvents returns persisted events for a session with sequence greater
// than afterSequence, in sequence order. limit is clamped to maxEventPage;
// zero or negative means the maximum.
func (c *Client) ListEvents(ctx context.Context, sessionID string, afterSequence int64, limit int) ([]*models.EventRow, error) {
	if limit <= 0 || limit > maxEventPage {
		limit = maxEventPage
	}
	rows := []*models.EventRow{}
	err := c.db.SelectContext(ctx, &rows, `
		SELECT * FROM events
		WHERE session_id = ? AND sequence > ?
		ORDER BY sequence ASC LIMIT ?`,
		sessionID, afterSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for session %s: %w", sessionID, err)
	}
	return rows, nil
}

// LastSequence returns the highest persisted sequence for a session, or 0.
func (c *Client) LastSequence(ctx context.Context, sessionID string) (int64, error) {
	var last sql.NullInt64
	err := c.db.GetContext(ctx, &last,
		`SELECT MAX(sequence) FROM events WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to get last sequence for session %s: %w", sessionID, err)
	}
	return last.Int64, nil
}

// LatestTerminalEvent returns the highest-sequence terminal event
// (agent_complete, error, cancelled) for a session, or ErrNotFound.
func (c *Client) LatestTerminalEvent(ctx context.Context, sessionID string) (*models.EventRow, error) {
	var row models.EventRow
	err := c.db.GetContext(ctx, &row, `
		SELECT * FROM events
		WHERE session_id = ? AND event_type IN ('agent_complete', 'error', 'cancelled')
		ORDER BY sequence DESC LIMIT 1`,
		sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get terminal event for session %s: %w", sessionID, err)
	}
	return &row, nil
}

// CountEvents returns the number of persisted events for a session.
func (c *Client) CountEvents(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := c.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM events WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to count events for session %s: %w", sessionID, err)
	}
	return n, nil
}
