// Package controlplane exposes the operator-facing boundary:
// create/start/pause/resume/stop a run and force-exit positions.
// There is no HTTP/JSON surface here (explicit non-goal) — it is a
// plain Go interface over internal/store and internal/accountant meant
// to be called from a CLI or embedded directly by an operator tool.
package controlplane

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/momentumtrade/engine/internal/accountant"
	"github.com/momentumtrade/engine/internal/store"
	"github.com/momentumtrade/engine/internal/types"
)

// ControlPlane wires the operator-facing run lifecycle onto a Store and
// an Accountant. A live run's force-exit needs a current-price lookup,
// supplied by the caller at call time since price feeds differ between
// the simulation engine (marketdata.Reader) and the backtest worker
// (the last-seen bar).
type ControlPlane struct {
	store      store.Store
	accountant *accountant.Accountant
}

func New(s store.Store, a *accountant.Accountant) *ControlPlane {
	return &ControlPlane{store: s, accountant: a}
}

// CreateRun registers a new run in status "queued" (backtests) or
// starts it directly in "active" (live/paper).
func (c *ControlPlane) CreateRun(ctx context.Context, run *types.Run) error {
	if run.Status == "" {
		run.Status = types.StatusQueued
	}
	if run.CurrentCapital.IsZero() {
		run.CurrentCapital = run.StartingCapital
	}
	return c.store.CreateRun(ctx, run)
}

// SetRunStatus writes the operator-requested status (e.g. active <->
// paused, active -> winding_down, any -> stopped). It does not check the
// requested status against the run's current one.
func (c *ControlPlane) SetRunStatus(ctx context.Context, runID string, status types.RunStatus) error {
	log.Info().Str("run_id", runID).Str("status", string(status)).Msg("run status transition requested")
	return c.store.SetRunStatus(ctx, runID, status)
}

// ForceExit flattens every open position on a run (or, if symbol is
// non-empty, just that symbol) at the supplied mark price. It then
// transitions the run to stopped.
func (c *ControlPlane) ForceExit(ctx context.Context, runID string, symbol string, markPrice map[string]types.PriceSnapshot, at time.Time) error {
	var positions []types.Position
	var err error
	if symbol != "" {
		positions, err = c.store.ListOpenPositionsBySymbol(ctx, runID, symbol)
	} else {
		positions, err = c.store.ListOpenPositions(ctx, runID)
	}
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}

	for _, pos := range positions {
		snap, ok := markPrice[pos.Symbol]
		if !ok {
			return fmt.Errorf("force exit: no mark price supplied for %s", pos.Symbol)
		}
		_, err := c.accountant.ApplyOrder(ctx, run, pos.Symbol, pos.Side.Opposite(), types.OrderExit,
			pos.QuantityOpen, snap.Price, at, "force_exit", nil, nil)
		if err != nil {
			return fmt.Errorf("force exit %s: %w", pos.Symbol, err)
		}
	}

	return c.store.SetRunStatus(ctx, runID, types.StatusStopped)
}

// DeleteRun removes a run and its dependent rows, delegated straight to
// the store, which deletes them table by table.
func (c *ControlPlane) DeleteRun(ctx context.Context, runID string) error {
	return c.store.DeleteRun(ctx, runID, true)
}
