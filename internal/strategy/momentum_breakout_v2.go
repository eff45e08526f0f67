package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/momentumtrade/engine/internal/types"
)

// MomentumBreakoutV2 is a LONG-only rate-of-change/volume/spread
// breakout entry with a momentum-loss or overbought-RSI exit. Grounded
// on breakout_15m's filter chain (cooldown -> range -> volatility ->
// momentum checks), flattened here to the pure
// evaluate(bar, state, params) contract so the same logic drives both
// the live engine and the backtest worker.
type MomentumBreakoutV2 struct{}

func NewMomentumBreakoutV2() *MomentumBreakoutV2 { return &MomentumBreakoutV2{} }

func (s *MomentumBreakoutV2) Name() string    { return "momentum_breakout_v2" }
func (s *MomentumBreakoutV2) Version() string { return "2.0.0" }

var (
	defaultMinRocThreshold = decimal.NewFromFloat(0.01)
	defaultMinVolMult      = decimal.NewFromInt(1)
	defaultMaxSpreadBps    = decimal.NewFromInt(50)
	defaultRiskPct         = decimal.NewFromFloat(0.10)
	defaultLeverage        = decimal.NewFromInt(1)
	defaultStopLossPct     = decimal.NewFromFloat(0.02)
	defaultTakeProfitPct   = decimal.NewFromFloat(0.05)
	defaultRsiExitLevel    = decimal.NewFromInt(75)
)

// Evaluate implements momentum_breakout_v2: on an existing
// LONG it checks the exit conditions first (roc_1m < 0 OR rsi_14 >
// rsiExitLevel); with no held position it checks the three entry
// conditions. Determinism holds because every input is read from bar/
// state/params, nothing is cached on the receiver.
func (s *MomentumBreakoutV2) Evaluate(bar types.Bar, state State, params map[string]interface{}) []types.Signal {
	held, hasHeld := state.HeldSide()

	if hasHeld && held == types.Long {
		rsiExitLevel := ParamDecimal(params, "rsiExitLevel", defaultRsiExitLevel, false)

		momentumLost := bar.Roc1m != nil && bar.Roc1m.LessThan(decimal.Zero)
		overbought := bar.RSI14 != nil && bar.RSI14.GreaterThan(rsiExitLevel)
		if !momentumLost && !overbought {
			return nil
		}

		var heldQty decimal.Decimal
		for _, p := range state.Positions {
			if p.Symbol == state.Symbol && p.Side == types.Long && p.IsInFlight() {
				heldQty = p.QuantityOpen
				break
			}
		}
		reason := "momentum_loss"
		if overbought {
			reason = "rsi_overbought"
		}
		return []types.Signal{{
			Side:   types.Short,
			Size:   heldQty,
			Type:   types.SignalMarket,
			Reason: reason,
		}}
	}

	if hasHeld {
		// Already holding the opposite side on this symbol; the worked
		// strategy only ever emits LONG entries, so it stays
		// flat here rather than emitting a second signal.
		return nil
	}

	minRocThreshold := ParamDecimal(params, "minRocThreshold", defaultMinRocThreshold, false)
	minVolMult := ParamDecimal(params, "minVolMult", defaultMinVolMult, false)
	maxSpreadBps := ParamDecimal(params, "maxSpreadBps", defaultMaxSpreadBps, false)
	riskPct := ParamDecimal(params, "riskPct", defaultRiskPct, true)
	leverage := ParamDecimal(params, "leverage", defaultLeverage, false)
	stopLossPct := ParamDecimal(params, "stopLossPct", defaultStopLossPct, true)
	takeProfitPct := ParamDecimal(params, "takeProfitPct", defaultTakeProfitPct, true)

	if bar.RocTF == nil || bar.VolMult == nil || bar.SpreadBps == nil {
		return nil
	}
	if bar.RocTF.LessThan(minRocThreshold) {
		return nil
	}
	if bar.VolMult.LessThan(minVolMult) {
		return nil
	}
	if bar.SpreadBps.GreaterThan(maxSpreadBps) {
		return nil
	}

	stopLoss := bar.Close.Mul(decimal.NewFromInt(1).Sub(stopLossPct))
	takeProfit := bar.Close.Mul(decimal.NewFromInt(1).Add(takeProfitPct))
	size := state.CurrentCapital.Mul(riskPct).Mul(leverage).Div(bar.Close)

	return []types.Signal{{
		Side:       types.Long,
		Size:       size,
		Type:       types.SignalMarket,
		StopLoss:   &stopLoss,
		TakeProfit: &takeProfit,
		Leverage:   leverage,
		Reason:     "breakout_entry",
	}}
}

var _ Strategy = (*MomentumBreakoutV2)(nil)
