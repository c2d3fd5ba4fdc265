package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusIsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusComplete.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}

func TestStatusTransitions(t *testing.T) {
	assert.NoError(t, StatusPending.CanTransitionTo(StatusRunning))
	assert.NoError(t, StatusRunning.CanTransitionTo(StatusComplete))
	assert.NoError(t, StatusRunning.CanTransitionTo(StatusFailed))
	assert.NoError(t, StatusRunning.CanTransitionTo(StatusCancelled))
	assert.NoError(t, StatusPending.CanTransitionTo(StatusCancelled))

	// A terminal session re-enters running when resumed, but never jumps
	// straight to another terminal state.
	assert.NoError(t, StatusComplete.CanTransitionTo(StatusRunning))
	assert.NoError(t, StatusCancelled.CanTransitionTo(StatusRunning))
	assert.Error(t, StatusFailed.CanTransitionTo(StatusComplete))
	assert.Error(t, StatusRunning.CanTransitionTo(StatusPending))
	assert.Error(t, StatusComplete.CanTransitionTo(StatusPending))
	assert.Error(t, StatusRunning.CanTransitionTo(SessionStatus("bogus")))

	// Self-transition is a no-op, not an error.
	assert.NoError(t, StatusRunning.CanTransitionTo(StatusRunning))
}
