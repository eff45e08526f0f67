// Package backtest implements the Backtest Worker: an
// atomic claim loop over queued runs, per-symbol replay bounded to
// MAX_PARALLEL_SYMBOLS concurrent symbols, next-bar-open execution with
// slippage, an appended equity curve instead of ACCOUNT_SNAPSHOT
// cadence, and a bt_results upsert on completion. The replay loop is
// composed directly with this module's own accountant/risk/strategy
// packages so both run kinds share one kernel.
package backtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/momentumtrade/engine/internal/accountant"
	"github.com/momentumtrade/engine/internal/marketdata"
	"github.com/momentumtrade/engine/internal/metrics"
	"github.com/momentumtrade/engine/internal/obs"
	"github.com/momentumtrade/engine/internal/risk"
	"github.com/momentumtrade/engine/internal/store"
	"github.com/momentumtrade/engine/internal/strategy"
	"github.com/momentumtrade/engine/internal/types"
)

// BarLoader is the subset of *marketdata.Reader the worker replays
// against. Narrowing to an interface lets replay be exercised in tests
// without a live Market Data Reader.
type BarLoader interface {
	LoadBars(symbol string, startTs, endTs time.Time) ([]types.Bar, error)
}

// Worker polls the Trading Store for queued backtest runs and replays
// them symbol by symbol.
type Worker struct {
	store      store.Store
	md         BarLoader
	accountant *accountant.Accountant
	strategies map[string]strategy.Strategy

	name            string
	maxParallelSyms int
	pollInterval    time.Duration

	mu           sync.Mutex
	runMutexes   map[string]*sync.Mutex
	killSwitches map[string]*risk.KillSwitch
}

type Config struct {
	WorkerName         string
	MaxParallelSymbols int
	PollInterval       time.Duration
}

func New(s store.Store, md BarLoader, a *accountant.Accountant, strategies []strategy.Strategy, cfg Config) *Worker {
	reg := make(map[string]strategy.Strategy, len(strategies))
	for _, st := range strategies {
		reg[st.Name()] = st
	}
	if cfg.MaxParallelSymbols <= 0 {
		cfg.MaxParallelSymbols = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Worker{
		store:           s,
		md:              md,
		accountant:      a,
		strategies:      reg,
		name:            cfg.WorkerName,
		maxParallelSyms: cfg.MaxParallelSymbols,
		pollInterval:    cfg.PollInterval,
		runMutexes:      make(map[string]*sync.Mutex),
		killSwitches:    make(map[string]*risk.KillSwitch),
	}
}

// runMutex returns the per-run lock guarding that run's
// current_capital read-modify-write, creating one on first use. Every
// symbol goroutine replaying the same run shares this lock, since
// RunOne fans out one goroutine per symbol against the same run.
func (w *Worker) runMutex(runID string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.runMutexes[runID]
	if !ok {
		m = &sync.Mutex{}
		w.runMutexes[runID] = m
	}
	return m
}

// killSwitch returns the run's shared daily-drawdown breaker, creating
// one on first use so its open/closed state persists across bars and
// across the run's symbol goroutines instead of resetting per call.
func (w *Worker) killSwitch(runID string, cooldown time.Duration) *risk.KillSwitch {
	w.mu.Lock()
	defer w.mu.Unlock()
	ks, ok := w.killSwitches[runID]
	if !ok {
		ks = risk.NewKillSwitch(runID, cooldown)
		w.killSwitches[runID] = ks
	}
	return ks
}

// Poll runs the worker's claim loop until ctx is cancelled.
func (w *Worker) Poll(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			claimStart := time.Now()
			run, err := w.store.ClaimNextQueuedRun(ctx, w.name)
			obs.ObserveClaimLatency(time.Since(claimStart))
			if err == store.ErrNoQueuedRun {
				continue
			}
			if err != nil {
				log.Error().Err(err).Msg("backtest: claim failed")
				continue
			}
			if err := w.RunOne(ctx, run); err != nil {
				log.Error().Err(err).Str("run_id", run.RunID).Msg("backtest: run failed")
				_ = w.store.SetError(ctx, run.RunID, err.Error())
			}
		}
	}
}

// RunOne replays every symbol of a claimed run to completion, then
// upserts bt_results and marks the run done.
func (w *Worker) RunOne(ctx context.Context, run *types.Run) error {
	start := time.Time{}
	if run.StartTs != nil {
		start = *run.StartTs
	}
	end := time.Now()
	if run.EndTs != nil {
		end = *run.EndTs
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, w.maxParallelSyms)

	for _, symbol := range run.Symbols {
		symbol := symbol
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			return w.replaySymbol(gctx, run, symbol, start, end)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return w.finalize(ctx, run)
}

// replaySymbol implements step 3: bars are replayed as steps 3a-3g
// would, except execution happens on the next bar's open (not the
// current bar's close) and an equity point is appended per bar instead
// of a periodic ACCOUNT_SNAPSHOT. Open positions are not marked to
// market: no price snapshot or POSITION_MARK event is written.
//
// RunOne shares a single *types.Run across one goroutine per symbol, so
// this loop never reads or writes the shared run's mutable fields
// directly. Static fields (StrategyName, Params, Timeframe, RunID) are
// set once at run creation and are safe to read off the shared pointer;
// current_capital and the kill switch's daily baseline are not, so each
// bar starts by pulling its own locked, freshly-fetched snapshot via
// freshRun and mutates only that private copy.
func (w *Worker) replaySymbol(ctx context.Context, run *types.Run, symbol string, start, end time.Time) error {
	runID := run.RunID
	bars, err := w.md.LoadBars(symbol, start, end)
	if err != nil {
		return fmt.Errorf("load bars for %s: %w", symbol, err)
	}
	if run.Timeframe.Minutes() > 1 {
		bars = marketdata.Aggregate(bars, run.Timeframe, (run.Timeframe.Minutes()+1)/2+1)
	}
	if len(bars) < 2 {
		return nil
	}

	strat, ok := w.strategies[run.StrategyName]
	if !ok {
		return fmt.Errorf("unknown strategy %q", run.StrategyName)
	}
	ks := w.killSwitch(runID, 24*time.Hour)

	// Execution is on next bar's open, so the loop evaluates bar[i]
	// against bar[i+1].Open as the fill reference price.
	for i := 0; i < len(bars)-1; i++ {
		bar := bars[i]
		execPrice := bars[i+1].Open
		execTs := bars[i+1].Ts

		cur, err := w.freshRun(ctx, runID)
		if err != nil {
			return err
		}

		open, err := w.store.ListOpenPositionsBySymbol(ctx, runID, symbol)
		if err != nil {
			return err
		}
		for _, pos := range open {
			if exit, reason := risk.CheckStopTake(pos, bar); exit {
				if _, err := w.applyOrderLocked(ctx, cur, symbol, pos.Side.Opposite(), types.OrderExit,
					pos.QuantityOpen, execPrice, execTs, reason, nil, nil); err != nil {
					return err
				}
			}
		}

		open, err = w.store.ListOpenPositionsBySymbol(ctx, runID, symbol)
		if err != nil {
			return err
		}
		state := strategy.State{
			RunID:          runID,
			Symbol:         symbol,
			CurrentCapital: cur.CurrentCapital,
			Positions:      open,
			Timeframe:      cur.Timeframe,
			LastCandle:     &bar,
		}
		signals := strat.Evaluate(bar, state, cur.Params)
		heldSide, hasHeld := state.HeldSide()

		for _, sig := range signals {
			symbolOpen, err := w.store.ListOpenPositionsBySymbol(ctx, runID, symbol)
			if err != nil {
				return err
			}
			runOpen, err := w.store.ListOpenPositions(ctx, runID)
			if err != nil {
				return err
			}
			costBasis := sig.Size.Mul(execPrice)
			decision := risk.Evaluate(cur, symbol, sig, heldSide, hasHeld, symbolOpen, len(runOpen), costBasis)
			if !decision.Admit {
				if err := w.store.AppendEvent(ctx, &types.Event{
					EventID:   uuid.NewString(),
					RunID:     runID,
					EventType: types.EventSignalRejected,
					Ts:        execTs,
					Payload:   map[string]interface{}{"symbol": symbol, "reason": decision.Reason},
				}); err != nil {
					return err
				}
				continue
			}

			if _, err := w.applyOrderLocked(ctx, cur, symbol, sig.Side, decision.OrderType, sig.Size, execPrice, execTs, sig.Reason, sig.StopLoss, sig.TakeProfit); err != nil {
				return err
			}

			symbolOpen, err = w.store.ListOpenPositionsBySymbol(ctx, runID, symbol)
			if err != nil {
				return err
			}
			heldSide, hasHeld = (&strategy.State{Symbol: symbol, Positions: symbolOpen}).HeldSide()
		}

		if err := w.store.AppendEquityPoint(ctx, &types.EquityPoint{
			RunID: runID, Symbol: symbol, Ts: bar.Ts, Equity: cur.CurrentCapital,
		}); err != nil {
			return err
		}
		if err := w.store.SetCursor(ctx, runID, symbol, bar.Ts); err != nil {
			return err
		}

		stop, err := w.checkHealthLocked(runID, cur, ks, bar.Ts)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

// applyOrderLocked serializes the read-modify-write of current_capital
// behind the run's mutex: it refreshes run from the store under lock so
// concurrently-replayed symbols of the same run observe each other's
// capital updates, then applies the order against that fresh copy. run
// is the caller's own per-bar snapshot, not the pointer shared across
// symbol goroutines, so mutating it here is safe.
func (w *Worker) applyOrderLocked(ctx context.Context, run *types.Run, symbol string, side types.Side, orderType types.OrderType, qty, price decimal.Decimal, ts time.Time, reason string, stopLoss, takeProfit *decimal.Decimal) (*accountant.ApplyResult, error) {
	m := w.runMutex(run.RunID)
	m.Lock()
	defer m.Unlock()

	fresh, err := w.store.GetRun(ctx, run.RunID)
	if err != nil {
		return nil, err
	}
	*run = *fresh

	res, err := w.accountant.ApplyOrder(ctx, run, symbol, side, orderType, qty, price, ts, reason, stopLoss, takeProfit)
	if err != nil {
		return nil, err
	}
	run.CurrentCapital = res.NewCurrentCapital
	return res, nil
}

// freshRun returns a locked, up-to-date snapshot of the run, private to
// the caller, safe to read and pass to applyOrderLocked without further
// synchronization until the next lock acquisition refreshes it again.
func (w *Worker) freshRun(ctx context.Context, runID string) (*types.Run, error) {
	m := w.runMutex(runID)
	m.Lock()
	defer m.Unlock()
	return w.store.GetRun(ctx, runID)
}

// checkHealthLocked runs the bankruptcy and kill-switch checks under
// the run's mutex, mirroring simengine's checkHealthAndMaybeStop so the
// kill switch's daily baseline mutation and the capital read it depends
// on are never observed mid-update by a sibling symbol goroutine.
func (w *Worker) checkHealthLocked(runID string, run *types.Run, ks *risk.KillSwitch, ts time.Time) (bool, error) {
	m := w.runMutex(runID)
	m.Lock()
	defer m.Unlock()

	if risk.IsBankrupt(run) {
		return true, nil
	}
	tripped, err := ks.Check(run, run.CurrentCapital, ts)
	if err != nil {
		return false, err
	}
	return tripped, nil
}

// finalize implements step 4: upsert bt_results per symbol
// and mark the run done.
func (w *Worker) finalize(ctx context.Context, run *types.Run) error {
	for _, symbol := range run.Symbols {
		closed, err := w.store.ListClosedPositionsBySymbol(ctx, run.RunID, symbol)
		if err != nil {
			return err
		}
		fills, err := w.store.ListFillsBySymbol(ctx, run.RunID, symbol)
		if err != nil {
			return err
		}
		curve, err := w.store.ListEquityCurve(ctx, run.RunID, symbol)
		if err != nil {
			return err
		}

		totalBars := len(curve)
		barsWithOpenPosition := barsHeldOpen(closed, run.Timeframe, totalBars)

		summary := metrics.Compute(closed, fills, curve, run.Timeframe, barsWithOpenPosition, totalBars)
		result := metrics.ToBtResult(run.RunID, symbol, summary)
		if err := w.store.UpsertBtResult(ctx, &result); err != nil {
			return err
		}
	}
	return w.store.SetDone(ctx, run.RunID)
}

// barsHeldOpen approximates the exposure numerator by
// summing each closed position's holding time in whole bars, clamped to
// the symbol's total bar count. It is an approximation rather than an
// exact per-bar tally since the store records position open/close
// timestamps, not a per-bar open/closed flag.
func barsHeldOpen(closed []types.Position, tf types.Timeframe, totalBars int) int {
	barDur := time.Duration(tf.Minutes()) * time.Minute
	if barDur <= 0 {
		return 0
	}
	var bars int
	for _, p := range closed {
		if p.CloseTs == nil {
			continue
		}
		held := p.CloseTs.Sub(p.OpenTs)
		bars += int(held / barDur)
	}
	if bars > totalBars {
		bars = totalBars
	}
	return bars
}
