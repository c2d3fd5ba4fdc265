// Package runner supervises agent child processes: it builds the sandboxed
// command, parses the JSONL stdout stream into session events, enforces the
// run timeout, and reaps the child on cancel.
package runner

import "time"

// TaskParams describes one agent run.
type TaskParams struct {
	SessionID string
	Task      string
	Model     string
	MaxTurns  int

	// ResumeID continues an existing agent conversation. Empty starts
	// fresh.
	ResumeID string

	// Fork resumes the conversation without adopting its id, leaving the
	// original resumable.
	Fork bool

	// Timeout is the wall-clock budget for the whole run.
	Timeout time.Duration
}
