// Package store implements the Trading Store: runs,
// orders, fills, positions, account/price snapshots, events and
// per-(run,symbol) cursors, plus the atomic backtest-run claim protocol.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/momentumtrade/engine/internal/types"
)

// Sentinel errors surfaced to callers.
var (
	// ErrPositionAlreadyExists is returned when a write would violate
	// the partial unique index on (run_id, symbol, side) where
	// status in (NEW, OPEN).
	ErrPositionAlreadyExists = errors.New("store: position already exists for (run, symbol, side)")
	// ErrRunNotFound is a domain-level "not found", never a fatal
	// failure.
	ErrRunNotFound = errors.New("store: run not found")
	// ErrNoQueuedRun is returned by ClaimNextQueuedRun when the queue
	// is empty; it is not an error condition for the caller.
	ErrNoQueuedRun = errors.New("store: no queued run available")
	// ErrCursorNotMonotonic guards the monotone-cursor property —
	// a caller attempted to move a cursor backwards.
	ErrCursorNotMonotonic = errors.New("store: cursor update is not monotonic")
)

// Store is the full Trading Store contract. internal/controlplane
// narrows this to the external operator-facing surface.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *types.Run) error
	GetRun(ctx context.Context, runID string) (*types.Run, error)
	SetRunStatus(ctx context.Context, runID string, status types.RunStatus) error
	SetRunCapital(ctx context.Context, runID string, capital decimal.Decimal) error
	SetDone(ctx context.Context, runID string) error
	SetError(ctx context.Context, runID string, message string) error
	DeleteRun(ctx context.Context, runID string, cascade bool) error

	// ClaimNextQueuedRun atomically selects the oldest queued run and
	// transitions it to running, returning ErrNoQueuedRun if the queue
	// is empty. Safe for concurrent callers across a worker fleet.
	ClaimNextQueuedRun(ctx context.Context, workerName string) (*types.Run, error)

	// Positions
	CreatePosition(ctx context.Context, pos *types.Position) error
	UpdatePosition(ctx context.Context, pos *types.Position) error
	GetOpenPosition(ctx context.Context, runID, symbol string, side types.Side) (*types.Position, error)
	ListOpenPositions(ctx context.Context, runID string) ([]types.Position, error)
	ListOpenPositionsBySymbol(ctx context.Context, runID, symbol string) ([]types.Position, error)
	ListClosedPositionsBySymbol(ctx context.Context, runID, symbol string) ([]types.Position, error)

	// Orders and fills (append-only for fills)
	CreateOrder(ctx context.Context, order *types.Order) error
	UpdateOrderStatus(ctx context.Context, orderID string, status types.OrderStatus, rejectionReason string) error
	AppendFill(ctx context.Context, fill *types.Fill) error
	ListFillsBySymbol(ctx context.Context, runID, symbol string) ([]types.Fill, error)

	// Snapshots and events (append-only)
	AppendAccountSnapshot(ctx context.Context, snap *types.AccountSnapshot) error
	AppendPriceSnapshot(ctx context.Context, snap *types.PriceSnapshot) error
	AppendEvent(ctx context.Context, event *types.Event) error

	// Cursors
	GetCursor(ctx context.Context, runID, symbol string) (time.Time, bool, error)
	SetCursor(ctx context.Context, runID, symbol string, ts time.Time) error

	// Backtest results
	UpsertBtResult(ctx context.Context, result *types.BtResult) error
	AppendEquityPoint(ctx context.Context, point *types.EquityPoint) error
	ListEquityCurve(ctx context.Context, runID, symbol string) ([]types.EquityPoint, error)

	Close() error
}
