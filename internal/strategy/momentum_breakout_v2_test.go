package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentumtrade/engine/internal/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func TestMomentumBreakoutV2EntryScenario(t *testing.T) {
	// Bar with roc=0.02, vol_mult=2, spread_bps=10 against thresholds
	// minRoc=0.01, minVolMult=1, maxSpreadBps=50, riskPct=0.10, leverage=1.
	s := NewMomentumBreakoutV2()
	bar := types.Bar{
		Symbol: "BTC-USD",
		Ts:     time.Now(),
		Open:   dec("100"),
		High:   dec("100"),
		Low:    dec("100"),
		Close:  dec("101"),
		RocTF:  decPtr("0.02"),
		VolMult: decPtr("2"),
		SpreadBps: decPtr("10"),
	}
	state := State{RunID: "r1", Symbol: "BTC-USD", CurrentCapital: dec("1000")}
	params := map[string]interface{}{
		"minRocThreshold": "0.01",
		"minVolMult":      "1",
		"maxSpreadBps":    "50",
		"riskPct":         "0.10",
		"leverage":        "1",
		"stopLossPct":     "0.02",
		"takeProfitPct":   "0.05",
	}

	signals := s.Evaluate(bar, state, params)
	require.Len(t, signals, 1)
	sig := signals[0]
	assert.Equal(t, types.Long, sig.Side)
	require.NotNil(t, sig.StopLoss)
	assert.True(t, sig.StopLoss.Equal(dec("98.98")), "stop loss: got %s", sig.StopLoss)
	require.NotNil(t, sig.TakeProfit)
	assert.True(t, sig.TakeProfit.Equal(dec("106.05")), "take profit: got %s", sig.TakeProfit)
}

func TestMomentumBreakoutV2RejectsOnWeakMomentum(t *testing.T) {
	s := NewMomentumBreakoutV2()
	bar := types.Bar{
		Close:     dec("101"),
		RocTF:     decPtr("0.001"),
		VolMult:   decPtr("2"),
		SpreadBps: decPtr("10"),
	}
	state := State{Symbol: "BTC-USD", CurrentCapital: dec("1000")}
	signals := s.Evaluate(bar, state, map[string]interface{}{})
	assert.Empty(t, signals)
}

func TestMomentumBreakoutV2ExitsOnMomentumLoss(t *testing.T) {
	s := NewMomentumBreakoutV2()
	state := State{
		Symbol: "BTC-USD",
		Positions: []types.Position{
			{Symbol: "BTC-USD", Side: types.Long, Status: types.PositionOpen, QuantityOpen: dec("0.99")},
		},
	}
	bar := types.Bar{Close: dec("99"), Roc1m: decPtr("-0.01")}
	signals := s.Evaluate(bar, state, map[string]interface{}{})
	require.Len(t, signals, 1)
	assert.Equal(t, types.Short, signals[0].Side)
	assert.True(t, signals[0].Size.Equal(dec("0.99")))
}

func TestCoercePctHandlesWholeAndFractional(t *testing.T) {
	assert.True(t, CoercePct(dec("30")).Equal(dec("0.3")))
	assert.True(t, CoercePct(dec("0.3")).Equal(dec("0.3")))
}
