package controlplane

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentumtrade/engine/internal/accountant"
	"github.com/momentumtrade/engine/internal/store"
	"github.com/momentumtrade/engine/internal/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestCreateRunDefaultsToQueued(t *testing.T) {
	s := store.NewMemoryStore()
	cp := New(s, accountant.New(s))
	run := &types.Run{RunID: "r1", StartingCapital: dec("1000")}
	require.NoError(t, cp.CreateRun(context.Background(), run))
	assert.Equal(t, types.StatusQueued, run.Status)
	assert.True(t, run.CurrentCapital.Equal(dec("1000")))
}

func TestForceExitFlattensOpenPositionsAndStops(t *testing.T) {
	s := store.NewMemoryStore()
	a := accountant.New(s)
	cp := New(s, a)
	ctx := context.Background()

	run := &types.Run{RunID: "r1", Status: types.StatusActive, StartingCapital: dec("1000"), CurrentCapital: dec("1000")}
	require.NoError(t, s.CreateRun(ctx, run))
	_, err := a.ApplyOrder(ctx, run, "BTC-USD", types.Long, types.OrderEntry, dec("1"), dec("100"), time.Now(), "entry", nil, nil)
	require.NoError(t, err)

	err = cp.ForceExit(ctx, "r1", "", map[string]types.PriceSnapshot{
		"BTC-USD": {Symbol: "BTC-USD", Price: dec("110")},
	}, time.Now())
	require.NoError(t, err)

	open, err := s.ListOpenPositions(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, open)

	got, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, got.Status)
}

func TestForceExitErrorsWithoutMarkPrice(t *testing.T) {
	s := store.NewMemoryStore()
	a := accountant.New(s)
	cp := New(s, a)
	ctx := context.Background()

	run := &types.Run{RunID: "r1", Status: types.StatusActive, StartingCapital: dec("1000"), CurrentCapital: dec("1000")}
	require.NoError(t, s.CreateRun(ctx, run))
	_, err := a.ApplyOrder(ctx, run, "BTC-USD", types.Long, types.OrderEntry, dec("1"), dec("100"), time.Now(), "entry", nil, nil)
	require.NoError(t, err)

	err = cp.ForceExit(ctx, "r1", "", map[string]types.PriceSnapshot{}, time.Now())
	assert.Error(t, err)
}
