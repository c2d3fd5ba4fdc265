package models

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusRunning   SessionStatus = "running"
	StatusComplete  SessionStatus = "complete"
	StatusFailed    SessionStatus = "failed"
	StatusCancelled SessionStatus = "cancelled"
)

// IsTerminal reports whether the status is an end state.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsValid reports whether the status is a known value.
func (s SessionStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusComplete, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo validates a status transition. pending may move to
// running or any terminal state; running must land in a terminal state;
// a terminal session may only re-enter running, which is how a resume
// reactivates it.
func (s SessionStatus) CanTransitionTo(to SessionStatus) error {
	if !to.IsValid() {
		return fmt.Errorf("unknown session status %q", to)
	}
	if s == to {
		return nil
	}
	if to == StatusPending {
		return fmt.Errorf("cannot transition from %q back to pending", s)
	}
	if s.IsTerminal() {
		if to == StatusRunning {
			return nil
		}
		return fmt.Errorf("session status %q is terminal, cannot transition to %q", s, to)
	}
	if to == StatusRunning && s != StatusPending {
		return fmt.Errorf("cannot transition from %q to running", s)
	}
	return nil
}

// Session is one agent execution run, or a chain of resumed runs sharing
// the same identity and workspace.
type Session struct {
	ID              string        `db:"id" json:"session_id"`
	UserID          string        `db:"user_id" json:"user_id"`
	Status          SessionStatus `db:"status" json:"status"`
	Task            string        `db:"task" json:"task"`
	Model           string        `db:"model" json:"model"`
	WorkingDir      string        `db:"working_dir" json:"working_dir"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updated_at"`
	CompletedAt     *time.Time    `db:"completed_at" json:"completed_at,omitempty"`
	NumTurns        int           `db:"num_turns" json:"num_turns"`
	DurationMS      int64         `db:"duration_ms" json:"duration_ms"`
	TotalCostUSD    float64       `db:"total_cost_usd" json:"total_cost_usd"`
	CancelRequested bool          `db:"cancel_requested" json:"cancel_requested"`
	ResumeID        *string       `db:"resume_id" json:"resume_id,omitempty"`
}

// SessionUpdate carries a partial update of mutable session fields.
// Nil pointers leave the column untouched. Metric fields are per-run values
// that are also added to the stored cumulative totals.
type SessionUpdate struct {
	Status          *SessionStatus
	ResumeID        *string
	Model           *string
	Task            *string
	CancelRequested *bool
	CompletedAt     *time.Time
	NumTurns        *int
	DurationMS      *int64
	TotalCostUSD    *float64
}

// SessionList contains one page of sessions plus the unpaged total.
type SessionList struct {
	Sessions []*Session `json:"sessions"`
	Total    int        `json:"total"`
	Limit    int        `json:"limit"`
	Offset   int        `json:"offset"`
}
