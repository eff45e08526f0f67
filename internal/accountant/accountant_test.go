package accountant

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func newRun(t *testing.T, s store.Store, capital decimal.Decimal) *types.Run {
	t.Helper()
	run := &types.Run{
		RunID:           "r1",
		Status:          types.StatusActive,
		StartingCapital: capital,
		CurrentCapital:  capital,
		SlippageBps:     decimal.Zero,
		TakerFeeBps:     decimal.Zero,
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func TestApplyOrderEntryScenario(t *testing.T) {
	// qty = 1000*0.1*1/101 ~= 0.990099, stop loss crossed on the next
	// bar, realized_pnl ~= -2.0.
	s := store.NewMemoryStore()
	run := newRun(t, s, dec("1000"))
	a := New(s)
	ctx := context.Background()

	entryRes, err := a.ApplyOrder(ctx, run, "BTC-USD", types.Long, types.OrderEntry,
		dec("0.990099009900990099"), dec("101"), time.Now(), "breakout_entry", nil, nil)
	require.NoError(t, err)
	require.NotNil(t, entryRes.OpenedPosition)
	assert.True(t, entryRes.OpenedPosition.EntryPriceVWAP.Equal(dec("101")))
	assert.Equal(t, types.PositionOpen, entryRes.OpenedPosition.Status)

	exitRes, err := a.ApplyOrder(ctx, run, "BTC-USD", types.Short, types.OrderExit,
		dec("0.990099009900990099"), dec("98.98"), time.Now(), "stop_loss", nil, nil)
	require.NoError(t, err)
	require.NotNil(t, exitRes.ClosedPosition)
	assert.Equal(t, types.PositionClosed, exitRes.ClosedPosition.Status)
	assert.True(t, exitRes.RealizedPnL.Round(2).Equal(dec("-2.00")), "got %s", exitRes.RealizedPnL)
}

func TestApplyOrderVWAPOnSecondEntry(t *testing.T) {
	s := store.NewMemoryStore()
	run := newRun(t, s, dec("10000"))
	a := New(s)
	ctx := context.Background()

	_, err := a.ApplyOrder(ctx, run, "ETH-USD", types.Long, types.OrderEntry, dec("1"), dec("100"), time.Now(), "entry", nil, nil)
	require.NoError(t, err)
	res, err := a.ApplyOrder(ctx, run, "ETH-USD", types.Long, types.OrderEntry, dec("1"), dec("200"), time.Now(), "entry", nil, nil)
	require.NoError(t, err)

	// VWAP of (1@100, 1@200) = 150.
	assert.True(t, res.OpenedPosition.EntryPriceVWAP.Equal(dec("150")))
	assert.True(t, res.OpenedPosition.QuantityOpen.Equal(dec("2")))
}

func TestApplyOrderFlipOpensOppositeRemainder(t *testing.T) {
	s := store.NewMemoryStore()
	run := newRun(t, s, dec("10000"))
	a := New(s)
	ctx := context.Background()

	_, err := a.ApplyOrder(ctx, run, "SOL-USD", types.Long, types.OrderEntry, dec("1"), dec("50"), time.Now(), "entry", nil, nil)
	require.NoError(t, err)

	// Exit 1.5 against a 1.0 LONG: closes the long and opens a 0.5 SHORT.
	res, err := a.ApplyOrder(ctx, run, "SOL-USD", types.Short, types.OrderExit, dec("1.5"), dec("60"), time.Now(), "flip", nil, nil)
	require.NoError(t, err)
	require.NotNil(t, res.ClosedPosition)
	require.NotNil(t, res.OpenedPosition)
	assert.Equal(t, types.PositionClosed, res.ClosedPosition.Status)
	assert.Equal(t, types.Short, res.OpenedPosition.Side)
	assert.True(t, res.OpenedPosition.QuantityOpen.Equal(dec("0.5")))
	assert.Len(t, res.Fills, 2)
}

func TestFillPriceSlippageDirection(t *testing.T) {
	buy := FillPrice(dec("100"), types.Long, dec("2"))
	sell := FillPrice(dec("100"), types.Short, dec("2"))
	assert.True(t, buy.GreaterThan(dec("100")))
	assert.True(t, sell.LessThan(dec("100")))
}
