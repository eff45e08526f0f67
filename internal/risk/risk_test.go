package risk

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

func baseRun() *types.Run {
	return &types.Run{
		RunID:                  "r1",
		Status:                 types.StatusActive,
		MaxConcurrentPositions: 1,
		CurrentCapital:         dec("1000"),
		KillSwitchPct:          dec("0.2"),
	}
}

func TestEvaluateConcurrencyCap(t *testing.T) {
	run := baseRun()
	d := Evaluate(run, "BTC-USD", types.Signal{Side: types.Long, Size: dec("1")}, "", false, nil, 1, dec("100"))
	assert.False(t, d.Admit)
	assert.Equal(t, ReasonConcurrencyCap, d.Reason)
}

func TestEvaluatePerSymbolCap(t *testing.T) {
	run := baseRun()
	run.MaxConcurrentPositions = 5
	existing := []types.Position{{Symbol: "BTC-USD", Side: types.Long, Status: types.PositionOpen}}
	d := Evaluate(run, "BTC-USD", types.Signal{Side: types.Short, Size: dec("1")}, "", false, existing, 1, dec("100"))
	assert.False(t, d.Admit)
	assert.Equal(t, ReasonPerSymbolCap, d.Reason)
}

func TestEvaluateCapitalCheck(t *testing.T) {
	run := baseRun()
	run.MaxConcurrentPositions = 5
	run.CashReserve = dec("950")
	d := Evaluate(run, "BTC-USD", types.Signal{Side: types.Long, Size: dec("1")}, "", false, nil, 0, dec("100"))
	assert.False(t, d.Admit)
	assert.Equal(t, ReasonCapitalCheck, d.Reason)
}

func TestEvaluateExitAlwaysAdmitted(t *testing.T) {
	run := baseRun()
	run.Status = types.StatusWindingDown
	d := Evaluate(run, "BTC-USD", types.Signal{Side: types.Short}, types.Long, true, nil, 5, dec("999999"))
	assert.True(t, d.Admit)
	assert.Equal(t, types.OrderExit, d.OrderType)
}

func TestEvaluateRejectsEntryWhenNotActive(t *testing.T) {
	run := baseRun()
	run.Status = types.StatusPaused
	d := Evaluate(run, "BTC-USD", types.Signal{Side: types.Long}, "", false, nil, 0, dec("1"))
	assert.False(t, d.Admit)
	assert.Equal(t, ReasonRunNotActive, d.Reason)
}

func TestCheckStopTakePrecedesStrategyExit(t *testing.T) {
	stop := dec("98")
	pos := types.Position{Side: types.Long, StopLoss: &stop}
	bar := types.Bar{Low: dec("97"), High: dec("99")}
	exit, reason := CheckStopTake(pos, bar)
	assert.True(t, exit)
	assert.Equal(t, "stop_loss", reason)
}

func TestKillSwitchTripsOnDailyDrawdown(t *testing.T) {
	run := baseRun()
	run.DailyMarkDate = "2026-01-01"
	run.DailyStartEquity = dec("1000")
	ks := NewKillSwitch(run.RunID, time.Minute)
	tripped, err := ks.Check(run, dec("700"), time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	assert.Error(t, err)
	assert.True(t, tripped)
}

func TestIsBankrupt(t *testing.T) {
	run := baseRun()
	run.CurrentCapital = dec("0")
	assert.True(t, IsBankrupt(run))
}
