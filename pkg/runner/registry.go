package runner

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrCapacity is returned when the concurrent-run limit is reached.
	ErrCapacity = errors.New("concurrent session limit reached")

	// ErrAlreadyRunning is returned when a session already has a live
	// supervisor. At most one run per session exists at a time.
	ErrAlreadyRunning = errors.New("session already running")

	// ErrCancelled is the cancellation cause set by a user cancel request.
	ErrCancelled = errors.New("run cancelled")
)

// Registry tracks live runs and enforces the concurrency cap.
type Registry struct {
	max int

	mu   sync.Mutex
	runs map[string]context.CancelCauseFunc
}

// NewRegistry creates a run registry admitting at most max concurrent runs.
func NewRegistry(max int) *Registry {
	return &Registry{
		max:  max,
		runs: make(map[string]context.CancelCauseFunc),
	}
}

// Admit reserves a run slot for the session and returns a run context.
// The caller must call Release when the run ends.
func (r *Registry) Admit(parent context.Context, sessionID string) (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[sessionID]; ok {
		return nil, ErrAlreadyRunning
	}
	if len(r.runs) >= r.max {
		return nil, ErrCapacity
	}
	ctx, cancel := context.WithCancelCause(parent)
	r.runs[sessionID] = cancel
	return ctx, nil
}

// Release frees the session's run slot.
func (r *Registry) Release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.runs[sessionID]; ok {
		cancel(nil)
		delete(r.runs, sessionID)
	}
}

// Cancel requests cancellation of a live run. Returns false when the
// session has no live run. Repeated calls are harmless.
func (r *Registry) Cancel(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.runs[sessionID]
	if !ok {
		return false
	}
	cancel(ErrCancelled)
	return true
}

// CancelAll cancels every live run. Used during graceful shutdown.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cancel := range r.runs {
		cancel(ErrCancelled)
	}
}

// IsRunning reports whether the session has a live run.
func (r *Registry) IsRunning(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[sessionID]
	return ok
}

// Active returns the number of live runs.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
