package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditpanel/internal/types"
)

func TestRunner_SkipsOverlappingRun(t *testing.T) {
	r := NewRunner(nil)
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)

	go func() {
		done <- r.Run(context.Background(), TaskChargeCycle, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	called := false
	err := r.Run(context.Background(), TaskChargeCycle, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrPassInProgress)
	assert.True(t, types.IsCode(err, types.ErrCodeConflictPassRunning))
	assert.False(t, called)
	assert.True(t, r.Running(TaskChargeCycle))

	// A different task is not blocked.
	require.NoError(t, r.Run(context.Background(), TaskReconcileSuspensions, func(ctx context.Context) error { return nil }))

	close(release)
	require.NoError(t, <-done)
	assert.False(t, r.Running(TaskChargeCycle))
}

func TestRunner_ReleasesFlagOnError(t *testing.T) {
	r := NewRunner(nil)
	boom := errors.New("boom")

	err := r.Run(context.Background(), TaskReconcileSuspensions, func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	err = r.Run(context.Background(), TaskReconcileSuspensions, func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestRunner_TagsPassID(t *testing.T) {
	r := NewRunner(nil)

	var first, second string
	require.NoError(t, r.Run(context.Background(), TaskChargeCycle, func(ctx context.Context) error {
		first = types.GetPassID(ctx)
		return nil
	}))
	require.NoError(t, r.Run(context.Background(), TaskChargeCycle, func(ctx context.Context) error {
		second = types.GetPassID(ctx)
		return nil
	}))
	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)

	ctx := types.WithPassID(context.Background(), "fixed")
	require.NoError(t, r.Run(ctx, TaskChargeCycle, func(ctx context.Context) error {
		assert.Equal(t, "fixed", types.GetPassID(ctx))
		return nil
	}))
}

func TestChargeLockID_HourBucket(t *testing.T) {
	at := time.Date(2026, 4, 10, 13, 59, 59, 0, time.UTC)
	assert.Equal(t, "charge_cycle:2026-04-10T13", ChargeLockID(at))
	assert.Equal(t, ChargeLockID(at), ChargeLockID(at.Add(-59*time.Minute)))
	assert.Equal(t, "charge_cycle:2026-04-10T14", ChargeLockID(at.Add(time.Second)))

	// Offsets normalize to the UTC bucket.
	berlin := time.FixedZone("CEST", 2*60*60)
	assert.Equal(t, "charge_cycle:2026-04-10T13", ChargeLockID(at.In(berlin)))
}
