// Package simengine implements the live/paper Simulation Engine: one
// cooperative poll loop per (run, symbol) that reads new
// completed bars, evaluates stop/take exits then the strategy kernel,
// applies the risk guard layer, and drives the accountant. Grounded on
// core/engine.go's mainLoop/positionMonitorLoop goroutine pair and its
// processTick/checkPosition/exitPosition ordering, generalized from a
// single tick-driven loop to one goroutine per (run, symbol) with a
// run-level mutex guarding current_capital, and from a bare
// time.Ticker to a golang.org/x/time/rate limiter for the poll cadence.
package simengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/momentumtrade/engine/internal/accountant"
	"github.com/momentumtrade/engine/internal/marketdata"
	"github.com/momentumtrade/engine/internal/notify"
	"github.com/momentumtrade/engine/internal/obs"
	"github.com/momentumtrade/engine/internal/risk"
	"github.com/momentumtrade/engine/internal/store"
	"github.com/momentumtrade/engine/internal/strategy"
	"github.com/momentumtrade/engine/internal/types"
)

// Engine drives every active (run, symbol) task registered to it.
type Engine struct {
	store      store.Store
	md         *marketdata.Reader
	accountant *accountant.Accountant
	notifier   *notify.Notifier
	strategies map[string]strategy.Strategy

	pollInterval             time.Duration
	accountSnapshotEveryBars int
	accountSnapshotMaxWait   time.Duration

	mu           sync.Mutex
	runMutexes   map[string]*sync.Mutex
	killSwitches map[string]*risk.KillSwitch
}

// Config bundles the engine's tunables.
type Config struct {
	PollInterval             time.Duration
	AccountSnapshotEveryBars int
	AccountSnapshotMaxWait   time.Duration
	KillSwitchCooldown       time.Duration
}

func New(s store.Store, md *marketdata.Reader, a *accountant.Accountant, n *notify.Notifier, strategies []strategy.Strategy, cfg Config) *Engine {
	reg := make(map[string]strategy.Strategy, len(strategies))
	for _, st := range strategies {
		reg[st.Name()] = st
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1500 * time.Millisecond
	}
	if cfg.AccountSnapshotEveryBars <= 0 {
		cfg.AccountSnapshotEveryBars = 20
	}
	if cfg.AccountSnapshotMaxWait <= 0 {
		cfg.AccountSnapshotMaxWait = 30 * time.Second
	}
	return &Engine{
		store:                    s,
		md:                       md,
		accountant:               a,
		notifier:                 n,
		strategies:               reg,
		pollInterval:             cfg.PollInterval,
		accountSnapshotEveryBars: cfg.AccountSnapshotEveryBars,
		accountSnapshotMaxWait:   cfg.AccountSnapshotMaxWait,
		runMutexes:               make(map[string]*sync.Mutex),
		killSwitches:             make(map[string]*risk.KillSwitch),
	}
}

func (e *Engine) runMutex(runID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.runMutexes[runID]
	if !ok {
		m = &sync.Mutex{}
		e.runMutexes[runID] = m
	}
	return m
}

func (e *Engine) killSwitch(runID string, cooldown time.Duration) *risk.KillSwitch {
	e.mu.Lock()
	defer e.mu.Unlock()
	ks, ok := e.killSwitches[runID]
	if !ok {
		ks = risk.NewKillSwitch(runID, cooldown)
		e.killSwitches[runID] = ks
	}
	return ks
}

// RunLive drives one active run to completion (operator stop, run-wide
// bankruptcy, or ctx cancellation), one goroutine per symbol — different
// symbols of the same run may be processed concurrently.
func (e *Engine) RunLive(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("simengine: get run: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, symbol := range run.Symbols {
		symbol := symbol
		g.Go(func() error {
			return e.symbolLoop(gctx, runID, symbol)
		})
	}
	return g.Wait()
}

// symbolLoop runs the per-iteration poll/evaluate/apply cycle for one
// (run, symbol) pair until the run is stopped or ctx is cancelled.
func (e *Engine) symbolLoop(ctx context.Context, runID, symbol string) error {
	limiter := rate.NewLimiter(rate.Every(e.pollInterval), 1)
	barsSinceSnapshot := 0
	lastSnapshotAt := time.Now()

	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}

		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("simengine: get run %s: %w", runID, err)
		}
		if run.Status == types.StatusStopped {
			return nil
		}

		cursor, has, err := e.store.GetCursor(ctx, runID, symbol)
		if err != nil {
			return fmt.Errorf("simengine: get cursor: %w", err)
		}
		start := cursor
		if !has {
			start = time.Time{}
		}
		end := time.Now().Add(-timeframeDuration(run.Timeframe))

		bars, err := e.md.LoadBars(symbol, start, end)
		if err != nil {
			log.Error().Err(err).Str("run_id", runID).Str("symbol", symbol).Msg("simengine: load bars failed")
			continue
		}
		if has {
			bars = afterCursor(bars, cursor)
		}
		if run.Timeframe.Minutes() > 1 {
			bars = marketdata.Aggregate(bars, run.Timeframe, (run.Timeframe.Minutes()+1)/2+1)
		}

		for _, bar := range bars {
			run, err = e.store.GetRun(ctx, runID)
			if err != nil {
				return fmt.Errorf("simengine: get run %s: %w", runID, err)
			}
			if run.Status == types.StatusStopped {
				return nil
			}

			if err := e.processBar(ctx, run, symbol, bar); err != nil {
				log.Error().Err(err).Str("run_id", runID).Str("symbol", symbol).Msg("simengine: process bar failed")
				_ = e.store.SetError(ctx, runID, err.Error())
				return err
			}

			if err := e.store.SetCursor(ctx, runID, symbol, bar.Ts); err != nil {
				return fmt.Errorf("simengine: set cursor: %w", err)
			}
			obs.SetCursorLag(runID, symbol, time.Since(bar.Ts))

			barsSinceSnapshot++
			if barsSinceSnapshot >= e.accountSnapshotEveryBars || time.Since(lastSnapshotAt) >= e.accountSnapshotMaxWait {
				if err := e.writeAccountSnapshot(ctx, runID, bar.Ts); err != nil {
					log.Error().Err(err).Str("run_id", runID).Msg("simengine: account snapshot failed")
				}
				barsSinceSnapshot = 0
				lastSnapshotAt = time.Now()
			}

			if stopped, err := e.checkHealthAndMaybeStop(ctx, runID, symbol); err != nil {
				return err
			} else if stopped {
				return nil
			}
		}
	}
}

// processBar implements steps 3a-3f for a single bar; the caller
// advances the cursor (3g).
func (e *Engine) processBar(ctx context.Context, run *types.Run, symbol string, bar types.Bar) error {
	open, err := e.store.ListOpenPositionsBySymbol(ctx, run.RunID, symbol)
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}

	// 3b: stop/take exits precede strategy evaluation.
	for _, pos := range open {
		if exit, reason := risk.CheckStopTake(pos, bar); exit {
			if err := e.applyExit(ctx, run, symbol, pos, bar.Close, bar.Ts, reason); err != nil {
				return fmt.Errorf("stop/take exit: %w", err)
			}
		}
	}

	open, err = e.store.ListOpenPositionsBySymbol(ctx, run.RunID, symbol)
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}

	// 3c: strategy kernel evaluation.
	strat, ok := e.strategies[run.StrategyName]
	if !ok {
		return fmt.Errorf("unknown strategy %q", run.StrategyName)
	}
	state := strategy.State{
		RunID:          run.RunID,
		Symbol:         symbol,
		CurrentCapital: run.CurrentCapital,
		Positions:      open,
		Timeframe:      run.Timeframe,
		LastCandle:     &bar,
	}
	signals := strat.Evaluate(bar, state, run.Params)

	heldSide, hasHeld := state.HeldSide()
	for _, sig := range signals {
		if err := e.handleSignal(ctx, run, symbol, bar, sig, heldSide, hasHeld); err != nil {
			return fmt.Errorf("handle signal: %w", err)
		}
		open, err = e.store.ListOpenPositionsBySymbol(ctx, run.RunID, symbol)
		if err != nil {
			return fmt.Errorf("list open positions: %w", err)
		}
		heldSide, hasHeld = (&strategy.State{Symbol: symbol, Positions: open}).HeldSide()
	}

	// 3f: mark remaining open positions to market.
	open, err = e.store.ListOpenPositionsBySymbol(ctx, run.RunID, symbol)
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}
	for _, pos := range open {
		if err := e.markToMarket(ctx, run.RunID, symbol, pos, bar); err != nil {
			return fmt.Errorf("mark to market: %w", err)
		}
	}

	return nil
}

// 3d-3e: apply the guard layer to one signal, then the accountant.
func (e *Engine) handleSignal(ctx context.Context, run *types.Run, symbol string, bar types.Bar, sig types.Signal, heldSide types.Side, hasHeld bool) error {
	symbolOpen, err := e.store.ListOpenPositionsBySymbol(ctx, run.RunID, symbol)
	if err != nil {
		return err
	}
	runOpen, err := e.store.ListOpenPositions(ctx, run.RunID)
	if err != nil {
		return err
	}
	costBasis := sig.Size.Mul(bar.Close)

	decision := risk.Evaluate(run, symbol, sig, heldSide, hasHeld, symbolOpen, len(runOpen), costBasis)
	if !decision.Admit {
		obs.IncGuardRejection(run.RunID, decision.Reason)
		return e.store.AppendEvent(ctx, &types.Event{
			EventID:   uuid.NewString(),
			RunID:     run.RunID,
			EventType: types.EventSignalRejected,
			Ts:        bar.Ts,
			Payload:   map[string]interface{}{"symbol": symbol, "reason": decision.Reason},
		})
	}

	obs.IncOrderSubmitted(run.RunID, string(decision.OrderType))
	res, err := e.applyOrderLocked(ctx, run, symbol, sig.Side, decision.OrderType, sig.Size, bar.Close, bar.Ts, sig.Reason, sig.StopLoss, sig.TakeProfit)
	if err != nil {
		return err
	}
	obs.IncFillApplied(run.RunID, symbol)
	obs.SetEquity(run.RunID, mustFloat(res.NewCurrentCapital))
	if e.notifier != nil {
		if res.OpenedPosition != nil {
			e.notifier.NotifyEvent(types.Event{RunID: run.RunID, EventType: types.EventPositionOpened, PositionID: res.OpenedPosition.PositionID})
		}
		if res.ClosedPosition != nil {
			e.notifier.NotifyEvent(types.Event{RunID: run.RunID, EventType: types.EventPositionClosed, PositionID: res.ClosedPosition.PositionID})
		}
	}
	return nil
}

func (e *Engine) applyExit(ctx context.Context, run *types.Run, symbol string, pos types.Position, price decimal.Decimal, ts time.Time, reason string) error {
	_, err := e.applyOrderLocked(ctx, run, symbol, pos.Side.Opposite(), types.OrderExit, pos.QuantityOpen, price, ts, reason, nil, nil)
	return err
}

// applyOrderLocked serializes the read-modify-write of run.CurrentCapital
// behind the run-level mutex.
func (e *Engine) applyOrderLocked(ctx context.Context, run *types.Run, symbol string, side types.Side, orderType types.OrderType, qty, price decimal.Decimal, ts time.Time, reason string, stopLoss, takeProfit *decimal.Decimal) (*accountant.ApplyResult, error) {
	m := e.runMutex(run.RunID)
	m.Lock()
	defer m.Unlock()

	fresh, err := e.store.GetRun(ctx, run.RunID)
	if err != nil {
		return nil, err
	}
	*run = *fresh

	res, err := e.accountant.ApplyOrder(ctx, run, symbol, side, orderType, qty, price, ts, reason, stopLoss, takeProfit)
	if err != nil {
		return nil, err
	}
	run.CurrentCapital = res.NewCurrentCapital
	return res, nil
}

func (e *Engine) markToMarket(ctx context.Context, runID, symbol string, pos types.Position, bar types.Bar) error {
	if err := e.store.AppendPriceSnapshot(ctx, &types.PriceSnapshot{
		SnapshotID: uuid.NewString(),
		RunID:      runID,
		Ts:         bar.Ts,
		Symbol:     symbol,
		Price:      bar.Close,
	}); err != nil {
		return err
	}
	return e.store.AppendEvent(ctx, &types.Event{
		EventID:    uuid.NewString(),
		RunID:      runID,
		EventType:  types.EventPositionMark,
		Ts:         bar.Ts,
		PositionID: pos.PositionID,
		Payload:    map[string]interface{}{"symbol": symbol, "mark": bar.Close.String()},
	})
}

// writeAccountSnapshot implements step 4, acquiring the
// run-level lock since it reads current_capital.
func (e *Engine) writeAccountSnapshot(ctx context.Context, runID string, ts time.Time) error {
	m := e.runMutex(runID)
	m.Lock()
	defer m.Unlock()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	open, err := e.store.ListOpenPositions(ctx, runID)
	if err != nil {
		return err
	}

	var gross, net, marginUsed decimal.Decimal
	for _, p := range open {
		notional := p.QuantityOpen.Mul(p.EntryPriceVWAP)
		gross = gross.Add(notional.Abs())
		marginUsed = marginUsed.Add(notional.Abs())
		if p.Side == types.Long {
			net = net.Add(notional)
		} else {
			net = net.Sub(notional)
		}
	}

	return e.store.AppendAccountSnapshot(ctx, &types.AccountSnapshot{
		SnapshotID:         uuid.NewString(),
		RunID:              runID,
		Ts:                 ts,
		Equity:             run.CurrentCapital,
		Cash:               run.CurrentCapital.Sub(marginUsed),
		MarginUsed:         marginUsed,
		ExposureGross:      gross,
		ExposureNet:        net,
		OpenPositionsCount: len(open),
	})
}

// checkHealthAndMaybeStop implements step 5: bankruptcy or
// kill-switch transitions the run to winding_down, and to stopped once
// no positions remain open on the run (on this symbol or any other).
func (e *Engine) checkHealthAndMaybeStop(ctx context.Context, runID, symbol string) (stopped bool, err error) {
	m := e.runMutex(runID)
	m.Lock()
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		m.Unlock()
		return false, err
	}

	bankrupt := risk.IsBankrupt(run)
	ks := e.killSwitch(runID, 24*time.Hour)
	tripped, _ := ks.Check(run, run.CurrentCapital, time.Now())
	m.Unlock()

	if (bankrupt || tripped) && run.Status == types.StatusActive {
		if err := e.store.SetRunStatus(ctx, runID, types.StatusWindingDown); err != nil {
			return false, err
		}
		if e.notifier != nil {
			if bankrupt {
				e.notifier.NotifyBankruptcy(runID)
			} else {
				drop := run.KillSwitchPct
				if !run.DailyStartEquity.IsZero() {
					drop = run.DailyStartEquity.Sub(run.CurrentCapital).Div(run.DailyStartEquity)
				}
				e.notifier.NotifyKillSwitch(runID, drop)
			}
		}
	}

	if run.Status == types.StatusWindingDown || bankrupt || tripped {
		open, err := e.store.ListOpenPositionsBySymbol(ctx, runID, symbol)
		if err != nil {
			return false, err
		}
		if len(open) == 0 {
			allOpen, err := e.store.ListOpenPositions(ctx, runID)
			if err != nil {
				return false, err
			}
			if len(allOpen) == 0 {
				if err := e.store.SetRunStatus(ctx, runID, types.StatusStopped); err != nil {
					return false, err
				}
				return true, nil
			}
		}
	}
	return false, nil
}

func afterCursor(bars []types.Bar, cursor time.Time) []types.Bar {
	out := bars[:0:0]
	for _, b := range bars {
		if b.Ts.After(cursor) {
			out = append(out, b)
		}
	}
	return out
}

func timeframeDuration(tf types.Timeframe) time.Duration {
	return time.Duration(tf.Minutes()) * time.Minute
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
