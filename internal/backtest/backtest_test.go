package backtest

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

// stubLoader serves a fixed bar set for one symbol regardless of range,
// standing in for a live Market Data Reader in replay tests.
type stubLoader struct {
	bars []types.Bar
}

func (l *stubLoader) LoadBars(symbol string, startTs, endTs time.Time) ([]types.Bar, error) {
	return l.bars, nil
}

func bar(ts time.Time, open, high, low, close string) types.Bar {
	return types.Bar{
		Symbol: "BTC-USD", Ts: ts,
		Open: dec(open), High: dec(high), Low: dec(low), Close: dec(close),
		Volume: dec("1"),
	}
}

// entryOnceStrategy emits a long entry on the first bar it sees and
// stays flat afterwards, so replay produces exactly one fill to assert
// the execution price against.
type entryOnceStrategy struct {
	fired bool
}

func (s *entryOnceStrategy) Name() string    { return "entry-once" }
func (s *entryOnceStrategy) Version() string { return "v1" }
func (s *entryOnceStrategy) Evaluate(bar types.Bar, state strategy.State, params map[string]interface{}) []types.Signal {
	if s.fired {
		return nil
	}
	s.fired = true
	return []types.Signal{{Side: types.Long, Size: dec("1"), Reason: "entry_once"}}
}

func newBtRun(id string, symbols ...string) *types.Run {
	return &types.Run{
		RunID:                  id,
		Status:                 types.StatusRunning,
		Symbols:                symbols,
		Timeframe:              types.TF1m,
		StrategyName:           "entry-once",
		StartingCapital:        dec("1000"),
		CurrentCapital:         dec("1000"),
		MaxConcurrentPositions: 5,
		KillSwitchPct:          dec("0.9"),
	}
}

func TestReplaySymbolExecutesOnNextBarOpen(t *testing.T) {
	s := store.NewMemoryStore()
	run := newBtRun("r1", "BTC-USD")
	require.NoError(t, s.CreateRun(context.Background(), run))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []types.Bar{
		bar(base, "100", "101", "99", "100"),
		bar(base.Add(time.Minute), "111", "112", "110", "111"),
		bar(base.Add(2*time.Minute), "120", "121", "119", "120"),
	}
	loader := &stubLoader{bars: bars}
	strat := &entryOnceStrategy{}
	w := New(s, loader, accountant.New(s), []strategy.Strategy{strat}, Config{})

	err := w.replaySymbol(context.Background(), run, "BTC-USD", base, base.Add(3*time.Minute))
	require.NoError(t, err)

	fills := s.Fills()
	require.Len(t, fills, 1)
	// The signal fires while evaluating bars[0], so it must fill at
	// bars[1].Open (111), never bars[0].Close (100).
	assert.True(t, fills[0].Price.Equal(dec("111")), "expected fill at next bar's open, got %s", fills[0].Price)

	curve, err := s.ListEquityCurve(context.Background(), "r1", "BTC-USD")
	require.NoError(t, err)
	assert.Len(t, curve, 2)
}

func TestReplaySymbolSkipsWithFewerThanTwoBars(t *testing.T) {
	s := store.NewMemoryStore()
	run := newBtRun("r1", "BTC-USD")
	require.NoError(t, s.CreateRun(context.Background(), run))

	loader := &stubLoader{bars: []types.Bar{bar(time.Now(), "100", "101", "99", "100")}}
	w := New(s, loader, accountant.New(s), []strategy.Strategy{&entryOnceStrategy{}}, Config{})

	err := w.replaySymbol(context.Background(), run, "BTC-USD", time.Now(), time.Now())
	require.NoError(t, err)

	curve, err := s.ListEquityCurve(context.Background(), "r1", "BTC-USD")
	require.NoError(t, err)
	assert.Empty(t, curve)
}

// perSymbolEntryOnceStrategy fires a single long entry per symbol, the
// first bar it sees with no open position for that symbol, and is
// stateless so it's safe to share across the concurrent per-symbol
// goroutines RunOne spawns.
type perSymbolEntryOnceStrategy struct{}

func (s *perSymbolEntryOnceStrategy) Name() string    { return "entry-once-multi" }
func (s *perSymbolEntryOnceStrategy) Version() string { return "v1" }
func (s *perSymbolEntryOnceStrategy) Evaluate(bar types.Bar, state strategy.State, params map[string]interface{}) []types.Signal {
	if len(state.Positions) > 0 {
		return nil
	}
	return []types.Signal{{Side: types.Long, Size: dec("1"), Reason: "entry_once"}}
}

// TestRunOneSerializesCapitalAcrossConcurrentSymbols replays two symbols
// of the same run concurrently (MaxParallelSymbols=2) and checks that
// the final current_capital reflects exactly both symbols' fees with no
// lost update, which only holds if the capital read-modify-write is
// serialized across the run's symbol goroutines.
func TestRunOneSerializesCapitalAcrossConcurrentSymbols(t *testing.T) {
	s := store.NewMemoryStore()
	run := newBtRun("r1", "BTC-USD", "ETH-USD")
	run.StrategyName = "entry-once-multi"
	run.TakerFeeBps = dec("10")
	require.NoError(t, s.CreateRun(context.Background(), run))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []types.Bar{
		bar(base, "100", "101", "99", "100"),
		bar(base.Add(time.Minute), "100", "101", "99", "100"),
		bar(base.Add(2*time.Minute), "100", "101", "99", "100"),
	}
	loader := &stubLoader{bars: bars}
	w := New(s, loader, accountant.New(s), []strategy.Strategy{&perSymbolEntryOnceStrategy{}}, Config{MaxParallelSymbols: 2})

	require.NoError(t, w.RunOne(context.Background(), run))

	fills := s.Fills()
	require.Len(t, fills, 2)
	var wantFees decimal.Decimal
	for _, f := range fills {
		wantFees = wantFees.Add(f.Price.Mul(f.Qty).Mul(dec("10")).Div(dec("10000")))
	}

	got, err := s.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, got.CurrentCapital.Equal(dec("1000").Sub(wantFees)),
		"expected capital %s, got %s", dec("1000").Sub(wantFees), got.CurrentCapital)
}

func TestRunOneFinalizesBtResultsAndMarksDone(t *testing.T) {
	s := store.NewMemoryStore()
	run := newBtRun("r1", "BTC-USD")
	require.NoError(t, s.CreateRun(context.Background(), run))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []types.Bar{
		bar(base, "100", "101", "99", "100"),
		bar(base.Add(time.Minute), "105", "106", "104", "105"),
		bar(base.Add(2*time.Minute), "110", "111", "109", "110"),
	}
	loader := &stubLoader{bars: bars}
	strat := &entryOnceStrategy{}
	w := New(s, loader, accountant.New(s), []strategy.Strategy{strat}, Config{})

	err := w.RunOne(context.Background(), run)
	require.NoError(t, err)

	got, err := s.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, got.Status)
}

func TestBarsHeldOpenClampsToTotalBars(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	closeTs := base.Add(10 * time.Minute)
	closed := []types.Position{
		{OpenTs: base, CloseTs: &closeTs},
	}
	got := barsHeldOpen(closed, types.TF1m, 5)
	assert.Equal(t, 5, got)
}

func TestBarsHeldOpenZeroWhenNoClosedPositions(t *testing.T) {
	got := barsHeldOpen(nil, types.TF1m, 10)
	assert.Equal(t, 0, got)
}
