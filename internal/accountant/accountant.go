// Package accountant implements the Position/Order/Fill Accountant:
// it applies fills to positions, computes VWAP, realized P&L and
// fees, and transitions the position FSM. Grounded on
// execution/executor.go's Order/Position/Fill state machine and its
// slippage-adjusted fill-price and VWAP-accumulation logic,
// generalized from single-sided prediction-market tokens to full
// LONG/SHORT entry/exit/flip accounting.
package accountant

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/momentumtrade/engine/internal/store"
	"github.com/momentumtrade/engine/internal/types"
)

// closeTolerance is the small absolute tolerance within which
// quantity_open is treated as zero.
var closeTolerance = decimal.New(1, -9)

// Accountant owns the order -> fill -> position write path against the
// Trading Store.
type Accountant struct {
	store store.Store
}

func New(s store.Store) *Accountant {
	return &Accountant{store: s}
}

// FillPrice computes the slippage-adjusted execution price: buys pay
// more, sells receive less, generalizing the simulateFill formula from
// a [0.01,0.99] clamped prediction-market price to unclamped crypto
// prices.
func FillPrice(basePrice decimal.Decimal, side types.Side, slippageBps decimal.Decimal) decimal.Decimal {
	sign := decimal.NewFromInt(1)
	if side == types.Short {
		sign = decimal.NewFromInt(-1)
	}
	adj := slippageBps.Div(decimal.NewFromInt(10000)).Mul(sign)
	return basePrice.Mul(decimal.NewFromInt(1).Add(adj))
}

// Fee computes the taker fee on a fill.
func Fee(fillPrice, qty, takerFeeBps decimal.Decimal) decimal.Decimal {
	return fillPrice.Mul(qty).Mul(takerFeeBps).Div(decimal.NewFromInt(10000))
}

// ApplyResult reports what the accountant did so callers (the engine,
// the backtest worker) can log and notify.
type ApplyResult struct {
	Order            types.Order
	Fills            []types.Fill
	OpenedPosition   *types.Position
	ClosedPosition   *types.Position
	RealizedPnL      decimal.Decimal
	FeesPaid         decimal.Decimal
	NewCurrentCapital decimal.Decimal
}

// ApplyOrder implements the full order->fill->position sequence
// for one signal already admitted by the risk layer. orderType is ENTRY
// when the signal opens or adds to a position on the held side (or no
// position is held yet), EXIT when it reduces or flips it — the caller
// (risk/engine) determines this by inspecting state.positions, since
// the kernel itself does not know the position id.
func (a *Accountant) ApplyOrder(
	ctx context.Context,
	run *types.Run,
	symbol string,
	side types.Side,
	orderType types.OrderType,
	qty decimal.Decimal,
	basePrice decimal.Decimal,
	ts time.Time,
	reasonTag string,
	stopLoss, takeProfit *decimal.Decimal,
) (*ApplyResult, error) {
	order := &types.Order{
		OrderID:   uuid.NewString(),
		RunID:     run.RunID,
		Symbol:    symbol,
		Ts:        ts,
		Side:      side,
		Type:      orderType,
		Qty:       qty,
		Status:    types.OrderStatusNew,
		ReasonTag: reasonTag,
	}
	if err := a.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("accountant: create order: %w", err)
	}
	if err := a.emitEvent(ctx, run.RunID, types.EventOrderNew, ts, order.OrderID, "", "", nil); err != nil {
		return nil, err
	}

	fillPrice := FillPrice(basePrice, side, run.SlippageBps)
	fee := Fee(fillPrice, qty, run.TakerFeeBps)

	result := &ApplyResult{Order: *order, FeesPaid: fee}

	switch orderType {
	case types.OrderEntry:
		opened, fill, err := a.applyEntry(ctx, run, symbol, side, qty, fillPrice, fee, ts, order.OrderID, stopLoss, takeProfit)
		if err != nil {
			return nil, err
		}
		result.OpenedPosition = opened
		result.Fills = append(result.Fills, *fill)
	case types.OrderExit:
		closed, opened, fills, pnl, err := a.applyExit(ctx, run, symbol, side, qty, fillPrice, fee, ts, order.OrderID)
		if err != nil {
			return nil, err
		}
		result.ClosedPosition = closed
		result.OpenedPosition = opened
		result.Fills = append(result.Fills, fills...)
		result.RealizedPnL = pnl
	default:
		return nil, fmt.Errorf("accountant: unsupported order type %q", orderType)
	}

	newCapital := run.CurrentCapital.Sub(fee).Add(result.RealizedPnL)
	if err := a.store.SetRunCapital(ctx, run.RunID, newCapital); err != nil {
		return nil, fmt.Errorf("accountant: update capital: %w", err)
	}
	run.CurrentCapital = newCapital
	result.NewCurrentCapital = newCapital

	if err := a.store.UpdateOrderStatus(ctx, order.OrderID, types.OrderStatusFilled, ""); err != nil {
		return nil, fmt.Errorf("accountant: finalize order: %w", err)
	}
	order.Status = types.OrderStatusFilled
	result.Order = *order

	log.Debug().
		Str("run_id", run.RunID).
		Str("symbol", symbol).
		Str("side", string(side)).
		Str("type", string(orderType)).
		Str("fill_price", fillPrice.String()).
		Str("realized_pnl", result.RealizedPnL.String()).
		Msg("order applied")

	return result, nil
}

// applyEntry handles an ENTRY fill, accumulating VWAP via
// P' = (P*Q + p*q)/(Q+q); quantity_open += q; cost_basis += p*q.
func (a *Accountant) applyEntry(
	ctx context.Context, run *types.Run, symbol string, side types.Side,
	qty, fillPrice, fee decimal.Decimal, ts time.Time, orderID string,
	stopLoss, takeProfit *decimal.Decimal,
) (*types.Position, *types.Fill, error) {
	pos, err := a.store.GetOpenPosition(ctx, run.RunID, symbol, side)
	if err != nil {
		return nil, nil, fmt.Errorf("accountant: get open position: %w", err)
	}

	isNew := pos == nil
	if isNew {
		pos = &types.Position{
			RunID:             run.RunID,
			Symbol:            symbol,
			Side:              side,
			Status:            types.PositionNew,
			OpenTs:            ts,
			EntryPriceVWAP:    fillPrice,
			QuantityOpen:      decimal.Zero,
			CostBasis:         decimal.Zero,
			LeverageEffective: decimal.NewFromInt(1),
			StopLoss:          stopLoss,
			TakeProfit:        takeProfit,
		}
	}

	newQty := pos.QuantityOpen.Add(qty)
	newCostBasis := pos.CostBasis.Add(fillPrice.Mul(qty))
	pos.EntryPriceVWAP = newCostBasis.Div(newQty)
	pos.QuantityOpen = newQty
	pos.CostBasis = newCostBasis
	pos.FeesTotal = pos.FeesTotal.Add(fee)
	pos.Status = types.PositionOpen
	if stopLoss != nil {
		pos.StopLoss = stopLoss
	}
	if takeProfit != nil {
		pos.TakeProfit = takeProfit
	}

	if isNew {
		pos.PositionID = uuid.NewString()
		if err := a.store.CreatePosition(ctx, pos); err != nil {
			return nil, nil, fmt.Errorf("accountant: create position: %w", err)
		}
		if err := a.emitEvent(ctx, run.RunID, types.EventPositionOpened, ts, "", "", pos.PositionID, nil); err != nil {
			return nil, nil, err
		}
	} else {
		if err := a.store.UpdatePosition(ctx, pos); err != nil {
			return nil, nil, fmt.Errorf("accountant: update position: %w", err)
		}
	}

	fill := &types.Fill{
		OrderID:    orderID,
		PositionID: pos.PositionID,
		RunID:      run.RunID,
		Symbol:     symbol,
		Ts:         ts,
		Qty:        qty,
		Price:      fillPrice,
		Fee:        fee,
	}
	if err := a.store.AppendFill(ctx, fill); err != nil {
		return nil, nil, fmt.Errorf("accountant: append fill: %w", err)
	}
	if err := a.emitEvent(ctx, run.RunID, types.EventFill, ts, "", fill.FillID, pos.PositionID, nil); err != nil {
		return nil, nil, err
	}

	return pos, fill, nil
}

// applyExit handles an EXIT fill, including the
// flip case where the exit quantity exceeds quantity_open: the held
// position is closed fully at fill price and a new position is opened
// on the opposite side with the remainder. Two Fill rows are recorded
// in that case (one against each position_id) so every fill row always
// has an unambiguous position reference.
func (a *Accountant) applyExit(
	ctx context.Context, run *types.Run, symbol string, exitSide types.Side,
	qty, fillPrice, fee decimal.Decimal, ts time.Time, orderID string,
) (closed *types.Position, opened *types.Position, fills []types.Fill, realizedPnL decimal.Decimal, err error) {
	heldSide := exitSide.Opposite()
	pos, err := a.store.GetOpenPosition(ctx, run.RunID, symbol, heldSide)
	if err != nil {
		return nil, nil, nil, decimal.Zero, fmt.Errorf("accountant: get held position: %w", err)
	}
	if pos == nil {
		return nil, nil, nil, decimal.Zero, fmt.Errorf("accountant: exit signal on %s %s with no held position", symbol, heldSide)
	}

	closeQty := qty
	remainder := decimal.Zero
	if qty.GreaterThan(pos.QuantityOpen) {
		remainder = qty.Sub(pos.QuantityOpen)
		closeQty = pos.QuantityOpen
	}

	pnlSign := decimal.NewFromInt(1)
	if heldSide == types.Short {
		pnlSign = decimal.NewFromInt(-1)
	}
	closePnL := fillPrice.Sub(pos.EntryPriceVWAP).Mul(closeQty).Mul(pnlSign)

	pos.QuantityOpen = pos.QuantityOpen.Sub(closeQty)
	pos.QuantityClose = pos.QuantityClose.Add(closeQty)
	pos.FeesTotal = pos.FeesTotal.Add(fee)
	pos.RealizedPnL = pos.RealizedPnL.Add(closePnL)

	closeFill := types.Fill{
		OrderID:    orderID,
		PositionID: pos.PositionID,
		RunID:      run.RunID,
		Symbol:     symbol,
		Ts:         ts,
		Qty:        closeQty,
		Price:      fillPrice,
		Fee:        fee,
	}

	if pos.QuantityOpen.Abs().LessThanOrEqual(closeTolerance) {
		pos.Status = types.PositionClosed
		closeTs := ts
		pos.CloseTs = &closeTs
		pos.ExitPriceVWAP = fillPrice
	}
	if err := a.store.UpdatePosition(ctx, pos); err != nil {
		return nil, nil, nil, decimal.Zero, fmt.Errorf("accountant: update position on exit: %w", err)
	}
	if err := a.store.AppendFill(ctx, &closeFill); err != nil {
		return nil, nil, nil, decimal.Zero, fmt.Errorf("accountant: append close fill: %w", err)
	}
	if err := a.emitEvent(ctx, run.RunID, types.EventFill, ts, "", closeFill.FillID, pos.PositionID, nil); err != nil {
		return nil, nil, nil, decimal.Zero, err
	}
	fills = append(fills, closeFill)
	realizedPnL = closePnL

	if pos.Status == types.PositionClosed {
		if err := a.emitEvent(ctx, run.RunID, types.EventPositionClosed, ts, "", "", pos.PositionID, nil); err != nil {
			return nil, nil, nil, decimal.Zero, err
		}
		closed = pos
	}

	if remainder.GreaterThan(decimal.Zero) {
		newPos := &types.Position{
			PositionID:        uuid.NewString(),
			RunID:             run.RunID,
			Symbol:            symbol,
			Side:              exitSide,
			Status:            types.PositionOpen,
			OpenTs:            ts,
			EntryPriceVWAP:    fillPrice,
			QuantityOpen:      remainder,
			CostBasis:         fillPrice.Mul(remainder),
			LeverageEffective: decimal.NewFromInt(1),
		}
		if err := a.store.CreatePosition(ctx, newPos); err != nil {
			return nil, nil, nil, decimal.Zero, fmt.Errorf("accountant: create flip position: %w", err)
		}
		openFill := types.Fill{
			OrderID:    orderID,
			PositionID: newPos.PositionID,
			RunID:      run.RunID,
			Symbol:     symbol,
			Ts:         ts,
			Qty:        remainder,
			Price:      fillPrice,
		}
		if err := a.store.AppendFill(ctx, &openFill); err != nil {
			return nil, nil, nil, decimal.Zero, fmt.Errorf("accountant: append flip open fill: %w", err)
		}
		if err := a.emitEvent(ctx, run.RunID, types.EventPositionOpened, ts, "", "", newPos.PositionID, nil); err != nil {
			return nil, nil, nil, decimal.Zero, err
		}
		fills = append(fills, openFill)
		opened = newPos
	}

	return closed, opened, fills, realizedPnL, nil
}

func (a *Accountant) emitEvent(ctx context.Context, runID string, eventType types.EventType, ts time.Time, orderID, fillID, positionID string, payload map[string]interface{}) error {
	return a.store.AppendEvent(ctx, &types.Event{
		RunID:      runID,
		EventType:  eventType,
		Ts:         ts,
		Payload:    payload,
		OrderID:    orderID,
		FillID:     fillID,
		PositionID: positionID,
	})
}
