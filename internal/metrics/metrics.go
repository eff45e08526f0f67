// Package metrics computes the per-symbol/per-run aggregate trade
// metrics from a closed-position list, a fill list, and an equity
// curve: trade counts, P&L, Sharpe/Sortino, max drawdown, profit
// factor, exposure and turnover, implemented directly in decimal
// arithmetic.
package metrics

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/momentumtrade/engine/internal/types"
)

// minutesPerYear backs the annualization factor of: for
// general timeframe it is sqrt(525600 / timeframeMinutes).
const minutesPerYear = 525600

// ProfitFactorInfinity stands in for a mathematically infinite profit
// factor (gains with zero losses). decimal.Decimal has no infinite
// value, and decimal.NewFromFloat panics on +/-Inf and NaN input, so a
// large finite sentinel is reported instead of constructing one.
var ProfitFactorInfinity = decimal.New(1, 18)

// Summary holds the computed values of before they are wrapped
// into a types.BtResult for persistence.
type Summary struct {
	Trades       int
	Wins         int
	Losses       int
	PnL          decimal.Decimal
	Fees         decimal.Decimal
	WinRate      decimal.Decimal
	Sharpe       decimal.Decimal
	Sortino      decimal.Decimal
	MaxDD        decimal.Decimal
	ProfitFactor decimal.Decimal
	Exposure     decimal.Decimal
	Turnover     decimal.Decimal
}

// Compute derives's metrics for one symbol. closedPositions
// and fills must already be scoped to the (run, symbol) pair; barsWithOpenPosition
// is the count of processed bars during which any position was open,
// and totalBars is the total bars processed, backing "exposure".
func Compute(
	closedPositions []types.Position,
	fills []types.Fill,
	equityCurve []types.EquityPoint,
	timeframe types.Timeframe,
	barsWithOpenPosition int,
	totalBars int,
) Summary {
	s := Summary{}

	var gains, losses decimal.Decimal
	for _, p := range closedPositions {
		s.Trades++
		s.PnL = s.PnL.Add(p.RealizedPnL)
		s.Fees = s.Fees.Add(p.FeesTotal)
		if p.RealizedPnL.GreaterThan(decimal.Zero) {
			s.Wins++
			gains = gains.Add(p.RealizedPnL)
		} else {
			s.Losses++
			losses = losses.Add(p.RealizedPnL.Abs())
		}
	}
	if s.Trades > 0 {
		s.WinRate = decimal.NewFromInt(int64(s.Wins)).Div(decimal.NewFromInt(int64(s.Trades)))
	}

	switch {
	case losses.IsZero() && gains.GreaterThan(decimal.Zero):
		s.ProfitFactor = ProfitFactorInfinity
	case gains.IsZero():
		s.ProfitFactor = decimal.Zero
	default:
		s.ProfitFactor = gains.Div(losses)
	}

	for _, f := range fills {
		s.Turnover = s.Turnover.Add(f.Qty.Mul(f.Price).Abs())
	}

	if totalBars > 0 {
		s.Exposure = decimal.NewFromInt(int64(barsWithOpenPosition)).Div(decimal.NewFromInt(int64(totalBars)))
	}

	returns := barReturns(equityCurve)
	annualization := math.Sqrt(float64(minutesPerYear) / float64(timeframe.Minutes()))
	s.Sharpe = decimal.NewFromFloat(sharpe(returns) * annualization)
	s.Sortino = decimal.NewFromFloat(sortino(returns) * annualization)
	s.MaxDD = maxDrawdown(equityCurve)

	return s
}

func barReturns(curve []types.EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev, _ := curve[i-1].Equity.Float64()
		cur, _ := curve[i].Equity.Float64()
		if prev == 0 {
			returns = append(returns, 0)
			continue
		}
		returns = append(returns, (cur-prev)/prev)
	}
	return returns
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64, m float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sumSq float64
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}

func sharpe(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	m := mean(returns)
	sd := stddev(returns, m)
	if sd == 0 {
		return 0
	}
	return m / sd
}

func sortino(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	m := mean(returns)
	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	if len(downside) == 0 {
		return 0
	}
	dd := stddev(downside, 0)
	if dd == 0 {
		return 0
	}
	return m / dd
}

// maxDrawdown computes max over t of
// (peak_until_t - equity_t) / peak_until_t, a non-negative fraction.
func maxDrawdown(curve []types.EquityPoint) decimal.Decimal {
	if len(curve) == 0 {
		return decimal.Zero
	}
	peak := curve[0].Equity
	maxDD := decimal.Zero
	for _, p := range curve {
		if p.Equity.GreaterThan(peak) {
			peak = p.Equity
		}
		if peak.IsZero() {
			continue
		}
		dd := peak.Sub(p.Equity).Div(peak)
		if dd.GreaterThan(maxDD) {
			maxDD = dd
		}
	}
	return maxDD
}

// ToBtResult wraps a Summary into the persisted bt_results row.
func ToBtResult(runID, symbol string, s Summary) types.BtResult {
	return types.BtResult{
		RunID:        runID,
		Symbol:       symbol,
		Trades:       s.Trades,
		Wins:         s.Wins,
		Losses:       s.Losses,
		PnL:          s.PnL,
		Fees:         s.Fees,
		WinRate:      s.WinRate,
		Sharpe:       s.Sharpe,
		Sortino:      s.Sortino,
		MaxDD:        s.MaxDD,
		ProfitFactor: s.ProfitFactor,
		Exposure:     s.Exposure,
		Turnover:     s.Turnover,
	}
}
