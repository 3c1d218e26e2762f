package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncBatch_AdvanceForwardOnly(t *testing.T) {
	b := &SyncBatch{BatchID: "b1", Status: BatchStatusPending}

	require.NoError(t, b.Advance(BatchStatusRunning))
	require.NotNil(t, b.StartedAt)

	require.NoError(t, b.Advance(BatchStatusCompleted))
	require.NotNil(t, b.CompletedAt)
	assert.True(t, b.IsTerminal())

	assert.Error(t, b.Advance(BatchStatusRunning), "terminal batches never restart")
	assert.Error(t, b.Advance(BatchStatusFailed), "completed cannot become failed")
	assert.Equal(t, BatchStatusCompleted, b.Status)
}

func TestSyncBatch_FailureIsTerminalToo(t *testing.T) {
	b := &SyncBatch{BatchID: "b2", Status: BatchStatusRunning}

	require.NoError(t, b.Advance(BatchStatusFailed))
	assert.True(t, b.IsTerminal())
	assert.Error(t, b.Advance(BatchStatusCompleted))
}

func TestSyncBatch_RejectsUnknownStatus(t *testing.T) {
	b := &SyncBatch{BatchID: "b3", Status: BatchStatusPending}
	assert.Error(t, b.Advance("paused"))
	assert.Equal(t, BatchStatusPending, b.Status)
}

func TestSyncConflict_ManualPathRunsForward(t *testing.T) {
	c := &SyncConflict{Status: ConflictStatusDetected}

	require.NoError(t, c.Transition(ConflictStatusPendingManual))
	assert.False(t, c.IsTerminal())
	assert.Nil(t, c.ResolvedAt)

	require.NoError(t, c.Transition(ConflictStatusResolved))
	assert.True(t, c.IsTerminal())
	require.NotNil(t, c.ResolvedAt)

	assert.Error(t, c.Transition(ConflictStatusIgnored), "resolved conflicts stay resolved")
	assert.Error(t, c.Transition(ConflictStatusPendingManual))
}

func TestSyncConflict_AutoResolveSkipsManualQueue(t *testing.T) {
	c := &SyncConflict{Status: ConflictStatusDetected}

	require.NoError(t, c.Transition(ConflictStatusAutoResolved))
	assert.True(t, c.IsTerminal())
	require.NotNil(t, c.ResolvedAt)

	assert.Error(t, c.Transition(ConflictStatusPendingManual), "audit rows are immutable")
}

func TestSyncConflict_NoBackwardMoves(t *testing.T) {
	c := &SyncConflict{Status: ConflictStatusPendingManual}

	assert.Error(t, c.Transition(ConflictStatusDetected))
	assert.Error(t, c.Transition(ConflictStatusPendingManual), "self-transition is not progress")
	assert.Error(t, c.Transition("escalated"))
	assert.Equal(t, ConflictStatusPendingManual, c.Status)
}
