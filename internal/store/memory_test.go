package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentumtrade/engine/internal/types"
)

func TestMemoryStoreUniquePositionInvariant(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateRun(ctx, &types.Run{RunID: "r1"}))

	err := s.CreatePosition(ctx, &types.Position{RunID: "r1", Symbol: "BTC-USD", Side: types.Long, Status: types.PositionNew, OpenTs: time.Now()})
	require.NoError(t, err)

	err = s.CreatePosition(ctx, &types.Position{RunID: "r1", Symbol: "BTC-USD", Side: types.Long, Status: types.PositionNew, OpenTs: time.Now()})
	assert.ErrorIs(t, err, ErrPositionAlreadyExists)

	// A SHORT on the same symbol is a different (run,symbol,side) key.
	err = s.CreatePosition(ctx, &types.Position{RunID: "r1", Symbol: "BTC-USD", Side: types.Short, Status: types.PositionNew, OpenTs: time.Now()})
	assert.NoError(t, err)
}

func TestMemoryStoreCursorMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetCursor(ctx, "r1", "BTC-USD", t0))
	require.NoError(t, s.SetCursor(ctx, "r1", "BTC-USD", t0.Add(time.Minute)))
	err := s.SetCursor(ctx, "r1", "BTC-USD", t0)
	assert.ErrorIs(t, err, ErrCursorNotMonotonic)
}

func TestMemoryStoreClaimNextQueuedRunIsSingleFlight(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateRun(ctx, &types.Run{RunID: "r1", Status: types.StatusQueued, StartingCapital: decimal.NewFromInt(1000)}))

	claimed, err := s.ClaimNextQueuedRun(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, "r1", claimed.RunID)
	assert.Equal(t, types.StatusRunning, claimed.Status)

	_, err = s.ClaimNextQueuedRun(ctx, "worker-b")
	assert.ErrorIs(t, err, ErrNoQueuedRun)
}

func TestMemoryStoreDeleteRunCascades(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateRun(ctx, &types.Run{RunID: "r1"}))
	require.NoError(t, s.CreatePosition(ctx, &types.Position{RunID: "r1", Symbol: "BTC-USD", Side: types.Long, Status: types.PositionOpen, OpenTs: time.Now()}))

	require.NoError(t, s.DeleteRun(ctx, "r1", true))
	_, err := s.GetRun(ctx, "r1")
	assert.ErrorIs(t, err, ErrRunNotFound)

	positions, err := s.ListOpenPositions(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, positions)
}
