// Package types holds the domain model shared by the store, strategy
// kernel, accountant, risk layer, simulation engine and backtest worker.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the directional exposure of a position or order.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Opposite returns the other side, used to recognize an EXIT signal.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// Timeframe is the bar interval a run operates on.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

// Minutes returns the number of 1-minute bars folded into one bar of tf.
func (tf Timeframe) Minutes() int {
	switch tf {
	case TF1m:
		return 1
	case TF5m:
		return 5
	case TF15m:
		return 15
	case TF30m:
		return 30
	case TF1h:
		return 60
	case TF4h:
		return 240
	case TF1d:
		return 1440
	default:
		return 1
	}
}

// RunKind distinguishes a finite backtest run from an unbounded live run.
type RunKind string

const (
	KindBacktest RunKind = "backtest"
	KindLive     RunKind = "live"
)

// RunStatus is the run lifecycle state.
type RunStatus string

const (
	StatusQueued      RunStatus = "queued"
	StatusRunning     RunStatus = "running"
	StatusActive      RunStatus = "active"
	StatusPaused      RunStatus = "paused"
	StatusWindingDown RunStatus = "winding_down"
	StatusStopped     RunStatus = "stopped"
	StatusDone        RunStatus = "done"
	StatusError       RunStatus = "error"
)

// Run is a trading session, either a finite backtest or an unbounded
// live paper run.
type Run struct {
	RunID                           string
	Kind                            RunKind
	Name                            string
	Symbols                         []string
	Timeframe                       Timeframe
	StrategyName                    string
	StrategyVersion                 string
	Params                          map[string]interface{}
	Seed                            *int64
	Status                          RunStatus
	StartingCapital                 decimal.Decimal
	CurrentCapital                  decimal.Decimal
	MaxConcurrentPositions          int
	AllowMultiplePositionsPerSymbol bool
	CashReserve                     decimal.Decimal
	KillSwitchPct                   decimal.Decimal
	SlippageBps                     decimal.Decimal
	TakerFeeBps                     decimal.Decimal
	StartTs                         *time.Time
	EndTs                           *time.Time
	CreatedAt                       time.Time
	StartedAt                       *time.Time
	StoppedAt                       *time.Time
	Error                           string

	// DailyStartEquity and DailyMarkDate back the kill-switch check;
	// they are run-scoped and reset at UTC midnight.
	DailyStartEquity decimal.Decimal
	DailyMarkDate    string
}

// PositionStatus is the three-state FSM: NEW -> OPEN -> CLOSED.
type PositionStatus string

const (
	PositionNew    PositionStatus = "NEW"
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// Position is the aggregate exposure of a run on one symbol on one side.
type Position struct {
	PositionID        string
	RunID             string
	Symbol            string
	Side              Side
	Status            PositionStatus
	OpenTs            time.Time
	CloseTs           *time.Time
	EntryPriceVWAP    decimal.Decimal
	ExitPriceVWAP     decimal.Decimal
	QuantityOpen      decimal.Decimal
	QuantityClose     decimal.Decimal
	CostBasis         decimal.Decimal
	FeesTotal         decimal.Decimal
	RealizedPnL       decimal.Decimal
	LeverageEffective decimal.Decimal
	StopLoss          *decimal.Decimal
	TakeProfit        *decimal.Decimal
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsInFlight reports whether the position still counts against the
// per-(run,symbol,side) uniqueness invariant.
func (p *Position) IsInFlight() bool {
	return p.Status == PositionNew || p.Status == PositionOpen
}

// OrderType is the trading intent behind an order.
type OrderType string

const (
	OrderEntry  OrderType = "ENTRY"
	OrderExit   OrderType = "EXIT"
	OrderAdjust OrderType = "ADJUST"
)

// OrderStatus tracks an order's life against the accountant.
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "NEW"
	OrderStatusPartial   OrderStatus = "PARTIAL"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// Order is trading intent produced by the risk layer admitting a signal.
type Order struct {
	OrderID          string
	RunID            string
	Symbol           string
	PositionID       string
	Ts               time.Time
	Side             Side
	Type             OrderType
	Qty              decimal.Decimal
	Price            *decimal.Decimal
	Status           OrderStatus
	ReasonTag        string
	RejectionReason  string
}

// Fill is one execution against an order. Fills are append-only.
type Fill struct {
	FillID     string
	OrderID    string
	PositionID string
	RunID      string
	Symbol     string
	Ts         time.Time
	Qty        decimal.Decimal
	Price      decimal.Decimal
	Fee        decimal.Decimal
}

// AccountSnapshot is a point-in-time view of run-level capital.
type AccountSnapshot struct {
	SnapshotID         string
	RunID              string
	Ts                 time.Time
	Equity             decimal.Decimal
	Cash               decimal.Decimal
	MarginUsed         decimal.Decimal
	ExposureGross      decimal.Decimal
	ExposureNet        decimal.Decimal
	OpenPositionsCount int
}

// PriceSnapshot captures the price the engine marked a position to.
type PriceSnapshot struct {
	SnapshotID string
	RunID      string
	Ts         time.Time
	Symbol     string
	Price      decimal.Decimal
}

// EventType enumerates the structured audit record kinds.
type EventType string

const (
	EventAccountSnapshot EventType = "ACCOUNT_SNAPSHOT"
	EventOrderNew        EventType = "ORDER_NEW"
	EventOrderUpdate     EventType = "ORDER_UPDATE"
	EventFill            EventType = "FILL"
	EventPositionOpened  EventType = "POSITION_OPENED"
	EventPositionMark    EventType = "POSITION_MARK"
	EventPositionClosed  EventType = "POSITION_CLOSED"
	EventStrategyNote    EventType = "STRATEGY_NOTE"
	EventSignalRejected  EventType = "SIGNAL"
)

// Event is a structured audit record.
type Event struct {
	EventID    string
	RunID      string
	EventType  EventType
	Ts         time.Time
	Payload    map[string]interface{}
	OrderID    string
	FillID     string
	PositionID string
}

// Cursor is the last processed bar timestamp for (run, symbol).
type Cursor struct {
	RunID               string
	Symbol              string
	LastProcessedTs      time.Time
}

// Bar is a 1-minute (or aggregated) OHLCV record joined with derived
// feature fields. Feature pointers are nil when the underlying feature
// table has no row for that minute — requires nulls, not
// zeros, so downstream strategy code must treat a nil as "unknown."
type Bar struct {
	Symbol    string
	Ts        time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Roc1m     *decimal.Decimal
	RocTF     *decimal.Decimal
	VolMult   *decimal.Decimal
	SpreadBps *decimal.Decimal
	RSI14     *decimal.Decimal
}

// SignalType is the order style a strategy requests.
type SignalType string

const (
	SignalMarket SignalType = "MARKET"
	SignalLimit  SignalType = "LIMIT"
)

// Signal is the pure-function output of the strategy kernel.
type Signal struct {
	Side       Side
	Size       decimal.Decimal
	Type       SignalType
	Price      *decimal.Decimal
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
	Leverage   decimal.Decimal
	Reason     string
}

// EquityPoint is one sample of a run or backtest's equity curve.
type EquityPoint struct {
	RunID  string
	Symbol string
	Ts     time.Time
	Equity decimal.Decimal
}

// BtResult is the per-(run,symbol) aggregate metrics row.
type BtResult struct {
	RunID        string
	Symbol       string
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
