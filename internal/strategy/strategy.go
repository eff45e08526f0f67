// Package strategy implements the Strategy Kernel contract:
// a pure function over a bar and per-run state that emits signals, plus
// the momentum_breakout_v2 worked strategy.
package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/momentumtrade/engine/internal/types"
)

// State is the per-run, per-symbol context a strategy evaluates against.
// It is assembled by the engine/worker from the run and the open
// positions it reads from the store for each bar.
type State struct {
	RunID          string
	Symbol         string
	CurrentCapital decimal.Decimal
	Positions      []types.Position
	Timeframe      types.Timeframe
	LastCandle     *types.Bar
}

// HeldSide reports the side of an in-flight position on this symbol, if
// any. The worked strategy only ever holds one side per symbol.
func (s *State) HeldSide() (types.Side, bool) {
	for _, p := range s.Positions {
		if p.Symbol == s.Symbol && p.IsInFlight() {
			return p.Side, true
		}
	}
	return "", false
}

// Strategy is a pure function: evaluate(bar, state, params) -> signals.
// Determinism requires implementations hold no mutable state
// keyed off anything but their constructor params; any warm-up state
// (e.g. rolling windows) must live in State/Bar, not in the Strategy
// value itself.
type Strategy interface {
	Name() string
	Version() string
	Evaluate(bar types.Bar, state State, params map[string]interface{}) []types.Signal
}

// CoercePct applies's uniform percentage coercion rule:
// values expressed as whole percent (e.g. 30) are divided by 100; values
// already fractional (<=1) pass through unchanged.
func CoercePct(v decimal.Decimal) decimal.Decimal {
	if v.GreaterThan(decimal.NewFromInt(1)) {
		return v.Div(decimal.NewFromInt(100))
	}
	return v
}

// ParamDecimal reads a decimal-valued strategy parameter, applying
// CoercePct when asPct is true, falling back to fallback when absent or
// unparseable.
func ParamDecimal(params map[string]interface{}, key string, fallback decimal.Decimal, asPct bool) decimal.Decimal {
	raw, ok := params[key]
	if !ok {
		return fallback
	}
	var d decimal.Decimal
	switch v := raw.(type) {
	case decimal.Decimal:
		d = v
	case float64:
		d = decimal.NewFromFloat(v)
	case string:
		parsed, err := decimal.NewFromString(v)
		if err != nil {
			return fallback
		}
		d = parsed
	default:
		return fallback
	}
	if asPct {
		d = CoercePct(d)
	}
	return d
}
