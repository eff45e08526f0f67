// Package risk implements the Risk & Guard Layer: guard
// checks that admit or reject a strategy signal, stop/take-profit
// crossing detection, the daily kill switch, and force-exit. Grounded
// on risk/gate.go's CanEnter hard-block chain (reordered to match this
// guard table's precedence exactly) and risk/tp_sl.go's CheckExit
// stop/take precedence logic.
package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/momentumtrade/engine/internal/types"
)

// Rejection reasons, persisted on the SIGNAL row.
const (
	ReasonRunNotActive           = "run_not_active"
	ReasonConcurrencyCap         = "concurrency_cap"
	ReasonPerSymbolCap           = "per_symbol_cap"
	ReasonExitOnlyWindow         = "exit_only_window"
	ReasonCapitalCheck           = "capital_check"
	ReasonPositionAlreadyExists  = "position_already_exists"
)

// intentOf reports whether a signal is an ENTRY or an EXIT by inspecting
// whether it matches or opposes the side currently held, per the design
// note in: the kernel only knows the position exists via
// state.positions, not its id, so the engine/guard layer makes this call.
func intentOf(signal types.Signal, heldSide types.Side, hasHeld bool) types.OrderType {
	if hasHeld && signal.Side == heldSide.Opposite() {
		return types.OrderExit
	}
	return types.OrderEntry
}

// Decision is the guard layer's verdict on one signal.
type Decision struct {
	Admit     bool
	OrderType types.OrderType
	Reason    string
}

// Evaluate applies the guard table in order, returning the first
// rejection reason encountered. estimatedCostBasis is signal.Size *
// current market price, the capital-check input. symbolOpenPositions
// are open positions on
// this run+symbol across both sides (for the per-symbol cap and
// uniqueness checks); runOpenPositionsCount is the run-wide open count
// (for the concurrency cap).
func Evaluate(
	run *types.Run,
	symbol string,
	signal types.Signal,
	heldSide types.Side,
	hasHeld bool,
	symbolOpenPositions []types.Position,
	runOpenPositionsCount int,
	estimatedCostBasis decimal.Decimal,
) Decision {
	intent := intentOf(signal, heldSide, hasHeld)

	if intent != types.OrderEntry {
		// Exits (including synthetic stop/take/kill-switch/force-exit
		// exits) are always admitted: the engine must keep managing
		// open positions to closure even while winding_down or paused.
		return Decision{Admit: true, OrderType: types.OrderExit}
	}

	// Live runs admit entries while active; backtest runs replay while
	// running.
	if run.Status != types.StatusActive && run.Status != types.StatusRunning {
		return Decision{OrderType: types.OrderEntry, Reason: ReasonRunNotActive}
	}
	if runOpenPositionsCount >= run.MaxConcurrentPositions {
		return Decision{OrderType: types.OrderEntry, Reason: ReasonConcurrencyCap}
	}
	if !run.AllowMultiplePositionsPerSymbol {
		for _, p := range symbolOpenPositions {
			if p.IsInFlight() {
				return Decision{OrderType: types.OrderEntry, Reason: ReasonPerSymbolCap}
			}
		}
	}
	if run.Status == types.StatusWindingDown {
		return Decision{OrderType: types.OrderEntry, Reason: ReasonExitOnlyWindow}
	}
	if estimatedCostBasis.GreaterThan(run.CurrentCapital.Sub(run.CashReserve)) {
		return Decision{OrderType: types.OrderEntry, Reason: ReasonCapitalCheck}
	}
	for _, p := range symbolOpenPositions {
		if p.Side == signal.Side && p.IsInFlight() {
			return Decision{OrderType: types.OrderEntry, Reason: ReasonPositionAlreadyExists}
		}
	}

	return Decision{Admit: true, OrderType: types.OrderEntry}
}

// CheckStopTake implements the synthetic exit rule: LONG stops
// cross on bar.low, LONG takes cross on bar.high; SHORT is symmetric.
// Stop/take evaluation happens before strategy evaluation in the per-bar
// order of operations and takes precedence over a same-bar strategy exit.
func CheckStopTake(pos types.Position, bar types.Bar) (shouldExit bool, reason string) {
	if pos.Side == types.Long {
		if pos.StopLoss != nil && bar.Low.LessThanOrEqual(*pos.StopLoss) {
			return true, "stop_loss"
		}
		if pos.TakeProfit != nil && bar.High.GreaterThanOrEqual(*pos.TakeProfit) {
			return true, "take_profit"
		}
		return false, ""
	}
	// SHORT
	if pos.StopLoss != nil && bar.High.GreaterThanOrEqual(*pos.StopLoss) {
		return true, "stop_loss"
	}
	if pos.TakeProfit != nil && bar.Low.LessThanOrEqual(*pos.TakeProfit) {
		return true, "take_profit"
	}
	return false, ""
}

// KillSwitch evaluates the daily P&L drawdown guard using a
// sony/gobreaker circuit breaker so the trip/cooldown state machine is
// backed by a maintained library rather than a hand-rolled
// counter+timestamp struct. One breaker instance is kept per run by the
// caller (the simulation engine / backtest worker), keyed on run id.
type KillSwitch struct {
	breaker *gobreaker.CircuitBreaker

	// markDate and startEquity hold the last daily baseline seen, so a
	// run copy loaded without one keeps the same baseline for the day.
	markDate    string
	startEquity decimal.Decimal
}

// NewKillSwitch constructs a breaker that trips after a single observed
// breach (the daily-loss check is itself already a threshold test, so
// gobreaker's request counting only needs ConsecutiveFailures >= 1) and
// stays open for cooldown before probing half-open again.
func NewKillSwitch(runID string, cooldown time.Duration) *KillSwitch {
	st := gobreaker.Settings{
		Name:    fmt.Sprintf("killswitch-%s", runID),
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
	}
	return &KillSwitch{breaker: gobreaker.NewCircuitBreaker(st)}
}

// Check runs the daily-drawdown test for the current equity against the
// run's daily-start equity, resetting the daily baseline at UTC midnight.
// A run with no baseline of its own takes the one this KillSwitch last saw.
func (k *KillSwitch) Check(run *types.Run, equity decimal.Decimal, now time.Time) (tripped bool, err error) {
	if run.DailyMarkDate == "" && k.markDate != "" {
		run.DailyMarkDate = k.markDate
		run.DailyStartEquity = k.startEquity
	}
	today := now.UTC().Format("2006-01-02")
	if run.DailyMarkDate != today {
		run.DailyMarkDate = today
		run.DailyStartEquity = equity
	}
	if run.DailyStartEquity.IsZero() {
		run.DailyStartEquity = equity
	}
	k.markDate, k.startEquity = run.DailyMarkDate, run.DailyStartEquity

	_, execErr := k.breaker.Execute(func() (interface{}, error) {
		if run.DailyStartEquity.IsZero() {
			return nil, nil
		}
		drop := run.DailyStartEquity.Sub(equity).Div(run.DailyStartEquity)
		if drop.GreaterThanOrEqual(run.KillSwitchPct) {
			return nil, fmt.Errorf("daily drawdown %s >= kill switch threshold %s", drop, run.KillSwitchPct)
		}
		return nil, nil
	})
	return k.breaker.State() == gobreaker.StateOpen, execErr
}

// IsBankrupt reports whether a run's capital has been wiped out.
func IsBankrupt(run *types.Run) bool {
	return run.CurrentCapital.LessThanOrEqual(decimal.Zero)
}
