package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentum-ai/agentum/pkg/models"
)

// CreateSession inserts a new session row with status pending.
func (c *Client) CreateSession(ctx context.Context, id, userID, task, model, workingDir string) (*models.Session, error) {
	now := time.Now().UTC()
	s := &models.Session{
		ID:         id,
		UserID:     userID,
		Status:     models.StatusPending,
		Task:       task,
		Model:      model,
		WorkingDir: workingDir,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, status, task, model, working_dir, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.UserID, s.Status, s.Task, s.Model, s.WorkingDir, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session %s: %w", id, err)
	}
	return s, nil
}

// GetSession returns the session with the given id owned by userID.
// Cross-user access returns ErrNotFound, indistinguishable from absence.
func (c *Client) GetSession(ctx context.Context, id, userID string) (*models.Session, error) {
	var s models.Session
	err := c.db.GetContext(ctx, &s,
		`SELECT * FROM sessions WHERE id = ? AND user_id = ?`, id, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return &s, nil
}

// GetSessionAny returns the session regardless of owner. Internal use only
// (supervisor, startup cleanup); API paths must go through GetSession.
func (c *Client) GetSessionAny(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	err := c.db.GetContext(ctx, &s, `SELECT * FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return &s, nil
}

// ListSessions returns one page of the user's sessions ordered newest first,
// plus the unpaged total.
func (c *Client) ListSessions(ctx context.Context, userID string, limit, offset int) (*models.SessionList, error) {
	var total int
	if err := c.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM sessions WHERE user_id = ?`, userID); err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}

	sessions := []*models.Session{}
	err := c.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	return &models.SessionList{
		Sessions: sessions,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	}, nil
}

// ListSessionsByStatus returns all sessions in the given status, any owner.
func (c *Client) ListSessionsByStatus(ctx context.Context, status models.SessionStatus) ([]*models.Session, error) {
	sessions := []*models.Session{}
	err := c.db.SelectContext(ctx, &sessions,
		`SELECT * FROM sessions WHERE status = ? ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions by status: %w", err)
	}
	return sessions, nil
}

// UpdateSession applies a partial update and returns the post-image.
// Metric fields (num_turns, duration_ms, total_cost_usd) are accumulated,
// never overwritten, so totals stay monotonic across resumed runs.
func (c *Client) UpdateSession(ctx context.Context, id string, upd models.SessionUpdate) (*models.Session, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if upd.Status != nil {
		var current models.SessionStatus
		err := c.db.GetContext(ctx, &current, `SELECT status FROM sessions WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read session %s status: %w", id, err)
		}
		if terr := current.CanTransitionTo(*upd.Status); terr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, terr)
		}
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.ResumeID != nil {
		sets = append(sets, "resume_id = ?")
		args = append(args, *upd.ResumeID)
	}
	if upd.Model != nil {
		sets = append(sets, "model = ?")
		args = append(args, *upd.Model)
	}
	if upd.Task != nil {
		sets = append(sets, "task = ?")
		args = append(args, *upd.Task)
	}
	if upd.CancelRequested != nil {
		sets = append(sets, "cancel_requested = ?")
		args = append(args, *upd.CancelRequested)
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *upd.CompletedAt)
	}
	if upd.NumTurns != nil {
		sets = append(sets, "num_turns = num_turns + ?")
		args = append(args, *upd.NumTurns)
	}
	if upd.DurationMS != nil {
		sets = append(sets, "duration_ms = duration_ms + ?")
		args = append(args, *upd.DurationMS)
	}
	if upd.TotalCostUSD != nil {
		sets = append(sets, "total_cost_usd = total_cost_usd + ?")
		args = append(args, *upd.TotalCostUSD)
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE sessions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}

	return c.GetSessionAny(ctx, id)
}
