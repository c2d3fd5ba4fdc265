package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCapacity(t *testing.T) {
	r := NewRegistry(2)
	ctx := context.Background()

	_, err := r.Admit(ctx, "s1")
	require.NoError(t, err)
	_, err = r.Admit(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Active())

	_, err = r.Admit(ctx, "s3")
	assert.ErrorIs(t, err, ErrCapacity)

	r.Release("s1")
	_, err = r.Admit(ctx, "s3")
	assert.NoError(t, err)
}

func TestRegistrySingleRunPerSession(t *testing.T) {
	r := NewRegistry(4)
	_, err := r.Admit(context.Background(), "s1")
	require.NoError(t, err)

	_, err = r.Admit(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestRegistryCancelPropagatesCause(t *testing.T) {
	r := NewRegistry(4)
	runCtx, err := r.Admit(context.Background(), "s1")
	require.NoError(t, err)

	assert.True(t, r.Cancel("s1"))
	<-runCtx.Done()
	assert.ErrorIs(t, context.Cause(runCtx), ErrCancelled)

	// Repeated cancels are harmless while the run is still registered.
	assert.True(t, r.Cancel("s1"))
	assert.False(t, r.Cancel("unknown"))
}

func TestRegistryReleaseIsIdempotent(t *testing.T) {
	r := NewRegistry(4)
	_, err := r.Admit(context.Background(), "s1")
	require.NoError(t, err)

	r.Release("s1")
	r.Release("s1")
	assert.False(t, r.IsRunning("s1"))
	assert.Zero(t, r.Active())
}

func TestRegistryCancelAll(t *testing.T) {
	r := NewRegistry(4)
	ctx1, err := r.Admit(context.Background(), "s1")
	require.NoError(t, err)
	ctx2, err := r.Admit(context.Background(), "s2")
	require.NoError(t, err)

	r.CancelAll()
	<-ctx1.Done()
	<-ctx2.Done()
	assert.ErrorIs(t, context.Cause(ctx1), ErrCancelled)
	assert.ErrorIs(t, context.Cause(ctx2), ErrCancelled)
}
