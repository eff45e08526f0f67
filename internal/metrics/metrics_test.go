package metrics

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/momentumtrade/engine/internal/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestComputeWinRateAndProfitFactor(t *testing.T) {
	positions := []types.Position{
		{RealizedPnL: dec("10"), FeesTotal: dec("1")},
		{RealizedPnL: dec("-5"), FeesTotal: dec("1")},
		{RealizedPnL: dec("5"), FeesTotal: dec("1")},
	}
	s := Compute(positions, nil, nil, types.TF1m, 0, 0)
	assert.Equal(t, 3, s.Trades)
	assert.Equal(t, 2, s.Wins)
	assert.Equal(t, 1, s.Losses)
	assert.True(t, s.PnL.Equal(dec("10")))
	assert.True(t, s.WinRate.Equal(dec("2").Div(dec("3"))))
	assert.True(t, s.ProfitFactor.Equal(dec("15").Div(dec("5"))))
}

func TestComputeProfitFactorInfiniteWhenNoLosses(t *testing.T) {
	positions := []types.Position{{RealizedPnL: dec("10")}}
	s := Compute(positions, nil, nil, types.TF1m, 0, 0)
	assert.True(t, s.ProfitFactor.GreaterThan(dec("1000000")))
}

func TestComputeTurnoverSumsAbsoluteNotional(t *testing.T) {
	fills := []types.Fill{
		{Qty: dec("1"), Price: dec("100")},
		{Qty: dec("2"), Price: dec("50")},
	}
	s := Compute(nil, fills, nil, types.TF1m, 0, 0)
	assert.True(t, s.Turnover.Equal(dec("200")))
}

func TestComputeExposureIsFractionOfBars(t *testing.T) {
	s := Compute(nil, nil, nil, types.TF1m, 25, 100)
	assert.True(t, s.Exposure.Equal(dec("0.25")))
}

func TestComputeMaxDrawdown(t *testing.T) {
	now := time.Unix(0, 0)
	curve := []types.EquityPoint{
		{Ts: now, Equity: dec("100")},
		{Ts: now, Equity: dec("150")},
		{Ts: now, Equity: dec("120")},
		{Ts: now, Equity: dec("90")},
	}
	s := Compute(nil, nil, curve, types.TF1m, 0, 0)
	// peak 150 -> trough 90 => dd = 60/150 = 0.4
	assert.True(t, s.MaxDD.Equal(dec("0.4")), "got %s", s.MaxDD)
}

func TestComputeNoTradesIsZeroValued(t *testing.T) {
	s := Compute(nil, nil, nil, types.TF1m, 0, 0)
	assert.Equal(t, 0, s.Trades)
	assert.True(t, s.WinRate.IsZero())
	assert.True(t, s.ProfitFactor.IsZero())
}
