package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/wardwatch/internal/domain/entities"
)

func TestRunTracker_Lifecycle(t *testing.T) {
	ctx := context.Background()
	tracker := NewRunTracker(time.Hour, nil)

	tracker.Start(ctx, 1, entities.SyncTriggerManual)
	tracker.Update(ctx, 1, entities.RunPhaseFetching, 10, "fetching")

	status, ok := tracker.Get(ctx, 1)
	require.True(t, ok)
	assert.Equal(t, entities.RunPhaseFetching, status.Phase)
	assert.Equal(t, 10, status.Progress)
	assert.Equal(t, 1, tracker.Active())

	result := &entities.CycleResult{RunID: 1}
	tracker.Complete(ctx, 1, result)
	tracker.Update(ctx, 1, entities.RunPhaseSaving, 70, "late update")

	status, ok = tracker.Get(ctx, 1)
	require.True(t, ok)
	assert.Equal(t, entities.RunPhaseComplete, status.Phase)
	assert.Equal(t, 100, status.Progress)
	assert.Same(t, result, status.Result)
	assert.Zero(t, tracker.Active())
}

func TestRunTracker_UnknownRunIgnored(t *testing.T) {
	tracker := NewRunTracker(time.Hour, nil)
	tracker.Update(context.Background(), 42, entities.RunPhaseSaving, 70, "")

	_, ok := tracker.Get(context.Background(), 42)
	assert.False(t, ok)
}

func TestRunTracker_ExpiresAfterTTL(t *testing.T) {
	tracker := NewRunTracker(20*time.Millisecond, nil)
	tracker.Start(context.Background(), 1, entities.SyncTriggerScheduled)

	time.Sleep(50 * time.Millisecond)
	_, ok := tracker.Get(context.Background(), 1)
	assert.False(t, ok)
}

func TestRunTracker_SharedMirror(t *testing.T) {
	ctx := context.Background()
	shared := newMemoryCacheProvider()

	writer := NewRunTracker(time.Hour, shared)
	writer.Start(ctx, 7, entities.SyncTriggerManual)
	writer.Fail(ctx, 7, "feed unavailable", nil)

	reader := NewRunTracker(time.Hour, shared)
	status, ok := reader.Get(ctx, 7)
	require.True(t, ok)
	assert.Equal(t, entities.RunPhaseError, status.Phase)
	assert.Equal(t, "feed unavailable", status.Message)

	exists, err := shared.Exists(ctx, "sync:run:7")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRunTracker_ReplicasShareRunIDs(t *testing.T) {
	ctx := context.Background()
	shared := newMemoryCacheProvider()
	a := NewRunTracker(time.Hour, shared)
	b := NewRunTracker(time.Hour, shared)

	idA := a.NextRunID(ctx)
	idB := b.NextRunID(ctx)
	require.NotEqual(t, idA, idB)

	a.Start(ctx, idA, entities.SyncTriggerManual)
	b.Start(ctx, idB, entities.SyncTriggerScheduled)
	b.Fail(ctx, idB, "feed unavailable", nil)

	status, ok := a.Get(ctx, idA)
	require.True(t, ok)
	assert.Equal(t, entities.SyncTriggerManual, status.Trigger)
	assert.Equal(t, entities.RunPhaseStarted, status.Phase)

	status, ok = a.Get(ctx, idB)
	require.True(t, ok)
	assert.Equal(t, entities.RunPhaseError, status.Phase)
}

func TestRunTracker_RestartContinuesSequence(t *testing.T) {
	ctx := context.Background()
	shared := newMemoryCacheProvider()

	before := NewRunTracker(time.Hour, shared)
	last := before.NextRunID(ctx)
	before.Start(ctx, last, entities.SyncTriggerManual)

	restarted := NewRunTracker(time.Hour, shared)
	next := restarted.NextRunID(ctx)
	assert.Greater(t, next, last)

	_, ok := restarted.Get(ctx, next)
	assert.False(t, ok)
}

func TestRunTracker_LocalSequenceWhenCounterFails(t *testing.T) {
	ctx := context.Background()
	shared := newMemoryCacheProvider()
	tracker := NewRunTracker(time.Hour, shared)

	assert.Equal(t, int64(1), tracker.NextRunID(ctx))
	assert.Equal(t, int64(2), tracker.NextRunID(ctx))

	shared.failIncrement = true
	assert.Equal(t, int64(3), tracker.NextRunID(ctx))
}
