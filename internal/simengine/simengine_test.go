package simengine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentumtrade/engine/internal/accountant"
	"github.com/momentumtrade/engine/internal/store"
	"github.com/momentumtrade/engine/internal/strategy"
	"github.com/momentumtrade/engine/internal/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestAfterCursorExcludesCursorBar(t *testing.T) {
	base := time.Unix(1000, 0)
	bars := []types.Bar{
		{Ts: base},
		{Ts: base.Add(time.Minute)},
		{Ts: base.Add(2 * time.Minute)},
	}
	filtered := afterCursor(bars, base)
	assert.Len(t, filtered, 2)
	assert.Equal(t, base.Add(time.Minute), filtered[0].Ts)
}

func TestTimeframeDurationMatchesMinutes(t *testing.T) {
	assert.Equal(t, 5*time.Minute, timeframeDuration(types.TF5m))
	assert.Equal(t, time.Minute, timeframeDuration(types.TF1m))
}

// stubStrategy always emits a fixed entry signal and never exits, to
// drive processBar deterministically.
type stubStrategy struct {
	signals []types.Signal
}

func (s *stubStrategy) Name() string    { return "stub" }
func (s *stubStrategy) Version() string { return "v1" }
func (s *stubStrategy) Evaluate(bar types.Bar, state strategy.State, params map[string]interface{}) []types.Signal {
	return s.signals
}

func newRun(id string, capital decimal.Decimal, strategyName string, symbols ...string) *types.Run {
	return &types.Run{
		RunID:                  id,
		Status:                 types.StatusActive,
		Symbols:                symbols,
		Timeframe:              types.TF1m,
		StrategyName:           strategyName,
		StartingCapital:        capital,
		CurrentCapital:         capital,
		MaxConcurrentPositions: 5,
		KillSwitchPct:          dec("0.5"),
	}
}

func TestProcessBarOpensPositionOnAdmittedEntry(t *testing.T) {
	s := store.NewMemoryStore()
	run := newRun("r1", dec("1000"), "stub", "BTC-USD")
	require.NoError(t, s.CreateRun(context.Background(), run))

	stub := &stubStrategy{signals: []types.Signal{{Side: types.Long, Size: dec("1"), Reason: "test_entry"}}}
	e := New(s, nil, accountant.New(s), nil, []strategy.Strategy{stub}, Config{})

	bar := types.Bar{Symbol: "BTC-USD", Ts: time.Now(), Open: dec("100"), High: dec("101"), Low: dec("99"), Close: dec("100")}
	err := e.processBar(context.Background(), run, "BTC-USD", bar)
	require.NoError(t, err)

	open, err := s.ListOpenPositionsBySymbol(context.Background(), "r1", "BTC-USD")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, types.Long, open[0].Side)
}

func TestProcessBarRejectsEntryOverConcurrencyCap(t *testing.T) {
	s := store.NewMemoryStore()
	run := newRun("r1", dec("1000"), "stub", "BTC-USD")
	run.MaxConcurrentPositions = 0
	require.NoError(t, s.CreateRun(context.Background(), run))

	stub := &stubStrategy{signals: []types.Signal{{Side: types.Long, Size: dec("1"), Reason: "test_entry"}}}
	e := New(s, nil, accountant.New(s), nil, []strategy.Strategy{stub}, Config{})

	bar := types.Bar{Symbol: "BTC-USD", Ts: time.Now(), Open: dec("100"), High: dec("101"), Low: dec("99"), Close: dec("100")}
	err := e.processBar(context.Background(), run, "BTC-USD", bar)
	require.NoError(t, err)

	open, err := s.ListOpenPositionsBySymbol(context.Background(), "r1", "BTC-USD")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestCheckHealthAndMaybeStopStopsOnBankruptcy(t *testing.T) {
	s := store.NewMemoryStore()
	run := newRun("r1", dec("0"), "stub", "BTC-USD")
	require.NoError(t, s.CreateRun(context.Background(), run))

	e := New(s, nil, accountant.New(s), nil, nil, Config{})
	stopped, err := e.checkHealthAndMaybeStop(context.Background(), "r1", "BTC-USD")
	require.NoError(t, err)
	assert.True(t, stopped)

	got, err := s.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusStopped, got.Status)
}
