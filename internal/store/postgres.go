package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/momentumtrade/engine/internal/types"
)

// schema mirrors the trading store's logical layout, expressed in the
// same raw-SQL migration idiom as the rest of this package.
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	name TEXT NOT NULL,
	symbols TEXT NOT NULL,
	timeframe TEXT NOT NULL,
	strategy_name TEXT NOT NULL,
	strategy_version TEXT NOT NULL,
	params TEXT NOT NULL DEFAULT '{}',
	seed BIGINT,
	status TEXT NOT NULL,
	starting_capital NUMERIC NOT NULL,
	current_capital NUMERIC NOT NULL,
	max_concurrent_positions INT NOT NULL DEFAULT 1,
	allow_multiple_positions_per_symbol BOOLEAN NOT NULL DEFAULT false,
	cash_reserve NUMERIC NOT NULL DEFAULT 0,
	kill_switch_pct NUMERIC NOT NULL DEFAULT 0.2,
	slippage_bps NUMERIC NOT NULL DEFAULT 2,
	taker_fee_bps NUMERIC NOT NULL DEFAULT 4,
	daily_start_equity NUMERIC NOT NULL DEFAULT 0,
	daily_mark_date TEXT NOT NULL DEFAULT '',
	start_ts TIMESTAMPTZ,
	end_ts TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at TIMESTAMPTZ,
	stopped_at TIMESTAMPTZ,
	error TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS positions (
	position_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	status TEXT NOT NULL,
	open_ts TIMESTAMPTZ NOT NULL,
	close_ts TIMESTAMPTZ,
	entry_price_vwap NUMERIC NOT NULL DEFAULT 0,
	exit_price_vwap NUMERIC NOT NULL DEFAULT 0,
	quantity_open NUMERIC NOT NULL DEFAULT 0,
	quantity_close NUMERIC NOT NULL DEFAULT 0,
	cost_basis NUMERIC NOT NULL DEFAULT 0,
	fees_total NUMERIC NOT NULL DEFAULT 0,
	realized_pnl NUMERIC NOT NULL DEFAULT 0,
	leverage_effective NUMERIC NOT NULL DEFAULT 1,
	stop_loss NUMERIC,
	take_profit NUMERIC,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_positions_inflight
	ON positions (run_id, symbol, side)
	WHERE status IN ('NEW', 'OPEN');

CREATE TABLE IF NOT EXISTS orders (
	order_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	position_id TEXT NOT NULL DEFAULT '',
	ts TIMESTAMPTZ NOT NULL,
	side TEXT NOT NULL,
	type TEXT NOT NULL,
	qty NUMERIC NOT NULL,
	price NUMERIC,
	status TEXT NOT NULL,
	reason_tag TEXT NOT NULL DEFAULT '',
	rejection_reason TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS fills (
	fill_id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL,
	position_id TEXT NOT NULL DEFAULT '',
	run_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	qty NUMERIC NOT NULL,
	price NUMERIC NOT NULL,
	fee NUMERIC NOT NULL
);

CREATE TABLE IF NOT EXISTS account_snapshots (
	snapshot_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	equity NUMERIC NOT NULL,
	cash NUMERIC NOT NULL,
	margin_used NUMERIC NOT NULL,
	exposure_gross NUMERIC NOT NULL,
	exposure_net NUMERIC NOT NULL,
	open_positions_count INT NOT NULL,
	UNIQUE (run_id, ts)
);

CREATE TABLE IF NOT EXISTS price_snapshots (
	snapshot_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	symbol TEXT NOT NULL,
	price NUMERIC NOT NULL,
	UNIQUE (run_id, ts, symbol)
);

CREATE TABLE IF NOT EXISTS events (
	event_id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	order_id TEXT NOT NULL DEFAULT '',
	fill_id TEXT NOT NULL DEFAULT '',
	position_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS cursors (
	run_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	last_processed_candle_ts TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, symbol)
);

CREATE TABLE IF NOT EXISTS bt_results (
	run_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	trades INT NOT NULL,
	wins INT NOT NULL,
	losses INT NOT NULL,
	pnl NUMERIC NOT NULL,
	fees NUMERIC NOT NULL,
	win_rate NUMERIC NOT NULL,
	sharpe NUMERIC NOT NULL,
	sortino NUMERIC NOT NULL,
	max_dd NUMERIC NOT NULL,
	profit_factor NUMERIC NOT NULL,
	exposure NUMERIC NOT NULL,
	turnover NUMERIC NOT NULL,
	PRIMARY KEY (run_id, symbol)
);

CREATE TABLE IF NOT EXISTS bt_equity (
	run_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	equity NUMERIC NOT NULL,
	PRIMARY KEY (run_id, symbol, ts)
);
`

// PostgresStore is the Store implementation backed by Postgres via sqlx
// and lib/pq, using a raw-SQL + upsert idiom across the full Trading
// Store contract.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore opens dsn, runs migrations, and bounds the pool to
// poolMax connections.
func NewPostgresStore(dsn string, poolMax int) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	db.SetMaxOpenConns(poolMax)
	db.SetMaxIdleConns(poolMax)

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	log.Info().Int("pool_max", poolMax).Msg("trading store ready")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) CreateRun(ctx context.Context, run *types.Run) error {
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	}
	run.CreatedAt = time.Now().UTC()
	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("store: marshal params: %w", err)
	}
	symbolsJSON, err := json.Marshal(run.Symbols)
	if err != nil {
		return fmt.Errorf("store: marshal symbols: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, kind, name, symbols, timeframe, strategy_name, strategy_version,
			params, seed, status, starting_capital, current_capital, max_concurrent_positions,
			allow_multiple_positions_per_symbol, cash_reserve, kill_switch_pct, slippage_bps,
			taker_fee_bps, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		run.RunID, run.Kind, run.Name, symbolsJSON, run.Timeframe, run.StrategyName, run.StrategyVersion,
		paramsJSON, run.Seed, run.Status, run.StartingCapital, run.CurrentCapital, run.MaxConcurrentPositions,
		run.AllowMultiplePositionsPerSymbol, run.CashReserve, run.KillSwitchPct, run.SlippageBps,
		run.TakerFeeBps, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: create run: %w", err)
	}
	return nil
}

type runRow struct {
	RunID                            string          `db:"run_id"`
	Kind                             string          `db:"kind"`
	Name                             string          `db:"name"`
	Symbols                          []byte          `db:"symbols"`
	Timeframe                        string          `db:"timeframe"`
	StrategyName                     string          `db:"strategy_name"`
	StrategyVersion                  string          `db:"strategy_version"`
	Params                           []byte          `db:"params"`
	Seed                             sql.NullInt64   `db:"seed"`
	Status                           string          `db:"status"`
	StartingCapital                  decimal.Decimal `db:"starting_capital"`
	CurrentCapital                   decimal.Decimal `db:"current_capital"`
	MaxConcurrentPositions           int             `db:"max_concurrent_positions"`
	AllowMultiplePositionsPerSymbol  bool            `db:"allow_multiple_positions_per_symbol"`
	CashReserve                      decimal.Decimal `db:"cash_reserve"`
	KillSwitchPct                    decimal.Decimal `db:"kill_switch_pct"`
	SlippageBps                      decimal.Decimal `db:"slippage_bps"`
	TakerFeeBps                      decimal.Decimal `db:"taker_fee_bps"`
	DailyStartEquity                 decimal.Decimal `db:"daily_start_equity"`
	DailyMarkDate                    string          `db:"daily_mark_date"`
	CreatedAt                        time.Time       `db:"created_at"`
	Error                            string          `db:"error"`
}

func (r runRow) toRun() (*types.Run, error) {
	var symbols []string
	if err := json.Unmarshal(r.Symbols, &symbols); err != nil {
		return nil, err
	}
	var params map[string]interface{}
	if err := json.Unmarshal(r.Params, &params); err != nil {
		return nil, err
	}
	run := &types.Run{
		RunID:                            r.RunID,
		Kind:                             types.RunKind(r.Kind),
		Name:                             r.Name,
		Symbols:                          symbols,
		Timeframe:                        types.Timeframe(r.Timeframe),
		StrategyName:                     r.StrategyName,
		StrategyVersion:                  r.StrategyVersion,
		Params:                           params,
		Status:                           types.RunStatus(r.Status),
		StartingCapital:                  r.StartingCapital,
		CurrentCapital:                   r.CurrentCapital,
		MaxConcurrentPositions:           r.MaxConcurrentPositions,
		AllowMultiplePositionsPerSymbol:  r.AllowMultiplePositionsPerSymbol,
		CashReserve:                      r.CashReserve,
		KillSwitchPct:                    r.KillSwitchPct,
		SlippageBps:                      r.SlippageBps,
		TakerFeeBps:                      r.TakerFeeBps,
		DailyStartEquity:                 r.DailyStartEquity,
		DailyMarkDate:                    r.DailyMarkDate,
		CreatedAt:                        r.CreatedAt,
		Error:                            r.Error,
	}
	if r.Seed.Valid {
		run.Seed = &r.Seed.Int64
	}
	return run, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE run_id = $1`, runID)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get run: %w", err)
	}
	return row.toRun()
}

func (s *PostgresStore) SetRunStatus(ctx context.Context, runID string, status types.RunStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = $1 WHERE run_id = $2`, status, runID)
	if err != nil {
		return fmt.Errorf("store: set run status: %w", err)
	}
	return checkRowsAffected(res)
}

func (s *PostgresStore) SetRunCapital(ctx context.Context, runID string, capital decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET current_capital = $1 WHERE run_id = $2`, capital, runID)
	if err != nil {
		return fmt.Errorf("store: set run capital: %w", err)
	}
	return checkRowsAffected(res)
}

func (s *PostgresStore) SetDone(ctx context.Context, runID string) error {
	return s.SetRunStatus(ctx, runID, types.StatusDone)
}

// SetError truncates message to 1 KiB, the implementation-defined
// maximum recommended by
func (s *PostgresStore) SetError(ctx context.Context, runID string, message string) error {
	if len(message) > 1024 {
		message = message[:1024]
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = $1, error = $2, stopped_at = now() WHERE run_id = $3`,
		types.StatusError, message, runID)
	if err != nil {
		return fmt.Errorf("store: set error: %w", err)
	}
	return checkRowsAffected(res)
}

// DeleteRun removes dependent rows in the order mandated by:
// fills -> orders -> positions -> account/price snapshots -> events ->
// cursors -> run.
func (s *PostgresStore) DeleteRun(ctx context.Context, runID string, cascade bool) error {
	if !cascade {
		res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = $1`, runID)
		if err != nil {
			return fmt.Errorf("store: delete run: %w", err)
		}
		return checkRowsAffected(res)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin delete tx: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"fills", "orders", "positions", "account_snapshots", "price_snapshots", "events", "cursors"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE run_id = $1`, table), runID); err != nil {
			return fmt.Errorf("store: cascade delete %s: %w", table, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("store: delete run: %w", err)
	}
	if err := checkRowsAffected(res); err != nil {
		return err
	}
	return tx.Commit()
}

// ClaimNextQueuedRun implements the atomic claim contract with a
// `FOR UPDATE SKIP LOCKED` row lock inside a short transaction, so
// concurrent workers never claim the same run.
func (s *PostgresStore) ClaimNextQueuedRun(ctx context.Context, workerName string) (*types.Run, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin claim tx: %w", err)
	}
	defer tx.Rollback()

	var row runRow
	err = tx.GetContext(ctx, &row, `
		SELECT * FROM runs
		WHERE status = $1
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, types.StatusQueued)
	if err == sql.ErrNoRows {
		return nil, ErrNoQueuedRun
	}
	if err != nil {
		return nil, fmt.Errorf("store: claim select: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = $1, started_at = now() WHERE run_id = $2`,
		types.StatusRunning, row.RunID); err != nil {
		return nil, fmt.Errorf("store: claim update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: claim commit: %w", err)
	}

	log.Info().Str("run_id", row.RunID).Str("worker", workerName).Msg("claimed queued run")
	row.Status = string(types.StatusRunning)
	return row.toRun()
}

type positionRow struct {
	PositionID        string          `db:"position_id"`
	RunID             string          `db:"run_id"`
	Symbol            string          `db:"symbol"`
	Side              string          `db:"side"`
	Status            string          `db:"status"`
	OpenTs            time.Time       `db:"open_ts"`
	CloseTs           sql.NullTime    `db:"close_ts"`
	EntryPriceVWAP    decimal.Decimal `db:"entry_price_vwap"`
	ExitPriceVWAP     decimal.Decimal `db:"exit_price_vwap"`
	QuantityOpen      decimal.Decimal `db:"quantity_open"`
	QuantityClose     decimal.Decimal `db:"quantity_close"`
	CostBasis         decimal.Decimal `db:"cost_basis"`
	FeesTotal         decimal.Decimal `db:"fees_total"`
	RealizedPnL       decimal.Decimal `db:"realized_pnl"`
	LeverageEffective decimal.Decimal `db:"leverage_effective"`
	StopLoss          sql.NullString  `db:"stop_loss"`
	TakeProfit        sql.NullString  `db:"take_profit"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

func (r positionRow) toPosition() *types.Position {
	p := &types.Position{
		PositionID:        r.PositionID,
		RunID:             r.RunID,
		Symbol:            r.Symbol,
		Side:              types.Side(r.Side),
		Status:            types.PositionStatus(r.Status),
		OpenTs:            r.OpenTs,
		EntryPriceVWAP:    r.EntryPriceVWAP,
		ExitPriceVWAP:     r.ExitPriceVWAP,
		QuantityOpen:      r.QuantityOpen,
		QuantityClose:     r.QuantityClose,
		CostBasis:         r.CostBasis,
		FeesTotal:         r.FeesTotal,
		RealizedPnL:       r.RealizedPnL,
		LeverageEffective: r.LeverageEffective,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.CloseTs.Valid {
		p.CloseTs = &r.CloseTs.Time
	}
	if r.StopLoss.Valid {
		d, _ := decimal.NewFromString(r.StopLoss.String)
		p.StopLoss = &d
	}
	if r.TakeProfit.Valid {
		d, _ := decimal.NewFromString(r.TakeProfit.String)
		p.TakeProfit = &d
	}
	return p
}

func (s *PostgresStore) CreatePosition(ctx context.Context, pos *types.Position) error {
	if pos.PositionID == "" {
		pos.PositionID = uuid.NewString()
	}
	now := time.Now().UTC()
	pos.CreatedAt, pos.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (position_id, run_id, symbol, side, status, open_ts, entry_price_vwap,
			quantity_open, cost_basis, fees_total, realized_pnl, leverage_effective, stop_loss, take_profit,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		pos.PositionID, pos.RunID, pos.Symbol, pos.Side, pos.Status, pos.OpenTs, pos.EntryPriceVWAP,
		pos.QuantityOpen, pos.CostBasis, pos.FeesTotal, pos.RealizedPnL, pos.LeverageEffective,
		nullableDecimal(pos.StopLoss), nullableDecimal(pos.TakeProfit), pos.CreatedAt, pos.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrPositionAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("store: create position: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePosition(ctx context.Context, pos *types.Position) error {
	pos.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE positions SET status=$1, close_ts=$2, entry_price_vwap=$3, exit_price_vwap=$4,
			quantity_open=$5, quantity_close=$6, cost_basis=$7, fees_total=$8, realized_pnl=$9,
			leverage_effective=$10, stop_loss=$11, take_profit=$12, updated_at=$13
		WHERE position_id = $14`,
		pos.Status, pos.CloseTs, pos.EntryPriceVWAP, pos.ExitPriceVWAP, pos.QuantityOpen,
		pos.QuantityClose, pos.CostBasis, pos.FeesTotal, pos.RealizedPnL, pos.LeverageEffective,
		nullableDecimal(pos.StopLoss), nullableDecimal(pos.TakeProfit), pos.UpdatedAt, pos.PositionID)
	if err != nil {
		return fmt.Errorf("store: update position: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOpenPosition(ctx context.Context, runID, symbol string, side types.Side) (*types.Position, error) {
	var row positionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM positions
		WHERE run_id=$1 AND symbol=$2 AND side=$3 AND status IN ('NEW','OPEN')`,
		runID, symbol, side)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get open position: %w", err)
	}
	return row.toPosition(), nil
}

func (s *PostgresStore) ListOpenPositions(ctx context.Context, runID string) ([]types.Position, error) {
	var rows []positionRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM positions WHERE run_id=$1 AND status IN ('NEW','OPEN')`, runID); err != nil {
		return nil, fmt.Errorf("store: list open positions: %w", err)
	}
	out := make([]types.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r.toPosition())
	}
	return out, nil
}

func (s *PostgresStore) ListOpenPositionsBySymbol(ctx context.Context, runID, symbol string) ([]types.Position, error) {
	var rows []positionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM positions WHERE run_id=$1 AND symbol=$2 AND status IN ('NEW','OPEN')`, runID, symbol)
	if err != nil {
		return nil, fmt.Errorf("store: list open positions by symbol: %w", err)
	}
	out := make([]types.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r.toPosition())
	}
	return out, nil
}

func (s *PostgresStore) ListClosedPositionsBySymbol(ctx context.Context, runID, symbol string) ([]types.Position, error) {
	var rows []positionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM positions WHERE run_id=$1 AND symbol=$2 AND status='CLOSED'`, runID, symbol)
	if err != nil {
		return nil, fmt.Errorf("store: list closed positions by symbol: %w", err)
	}
	out := make([]types.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r.toPosition())
	}
	return out, nil
}

func (s *PostgresStore) CreateOrder(ctx context.Context, order *types.Order) error {
	if order.OrderID == "" {
		order.OrderID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (order_id, run_id, symbol, position_id, ts, side, type, qty, price, status,
			reason_tag, rejection_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		order.OrderID, order.RunID, order.Symbol, order.PositionID, order.Ts, order.Side, order.Type,
		order.Qty, nullableDecimal(order.Price), order.Status, order.ReasonTag, order.RejectionReason)
	if err != nil {
		return fmt.Errorf("store: create order: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateOrderStatus(ctx context.Context, orderID string, status types.OrderStatus, rejectionReason string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE orders SET status=$1, rejection_reason=$2 WHERE order_id=$3`,
		status, rejectionReason, orderID)
	if err != nil {
		return fmt.Errorf("store: update order status: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendFill(ctx context.Context, fill *types.Fill) error {
	if fill.FillID == "" {
		fill.FillID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fills (fill_id, order_id, position_id, run_id, symbol, ts, qty, price, fee)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		fill.FillID, fill.OrderID, fill.PositionID, fill.RunID, fill.Symbol, fill.Ts, fill.Qty, fill.Price, fill.Fee)
	if err != nil {
		return fmt.Errorf("store: append fill: %w", err)
	}
	return nil
}

type fillRow struct {
	FillID     string          `db:"fill_id"`
	OrderID    string          `db:"order_id"`
	PositionID sql.NullString  `db:"position_id"`
	RunID      string          `db:"run_id"`
	Symbol     string          `db:"symbol"`
	Ts         time.Time       `db:"ts"`
	Qty        decimal.Decimal `db:"qty"`
	Price      decimal.Decimal `db:"price"`
	Fee        decimal.Decimal `db:"fee"`
}

func (r fillRow) toFill() types.Fill {
	return types.Fill{
		FillID:     r.FillID,
		OrderID:    r.OrderID,
		PositionID: r.PositionID.String,
		RunID:      r.RunID,
		Symbol:     r.Symbol,
		Ts:         r.Ts,
		Qty:        r.Qty,
		Price:      r.Price,
		Fee:        r.Fee,
	}
}

func (s *PostgresStore) ListFillsBySymbol(ctx context.Context, runID, symbol string) ([]types.Fill, error) {
	var rows []fillRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM fills WHERE run_id=$1 AND symbol=$2 ORDER BY ts ASC`, runID, symbol)
	if err != nil {
		return nil, fmt.Errorf("store: list fills by symbol: %w", err)
	}
	out := make([]types.Fill, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toFill())
	}
	return out, nil
}

func (s *PostgresStore) AppendAccountSnapshot(ctx context.Context, snap *types.AccountSnapshot) error {
	if snap.SnapshotID == "" {
		snap.SnapshotID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_snapshots (snapshot_id, run_id, ts, equity, cash, margin_used,
			exposure_gross, exposure_net, open_positions_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (run_id, ts) DO UPDATE SET equity=EXCLUDED.equity, cash=EXCLUDED.cash,
			margin_used=EXCLUDED.margin_used, exposure_gross=EXCLUDED.exposure_gross,
			exposure_net=EXCLUDED.exposure_net, open_positions_count=EXCLUDED.open_positions_count`,
		snap.SnapshotID, snap.RunID, snap.Ts, snap.Equity, snap.Cash, snap.MarginUsed,
		snap.ExposureGross, snap.ExposureNet, snap.OpenPositionsCount)
	if err != nil {
		return fmt.Errorf("store: append account snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendPriceSnapshot(ctx context.Context, snap *types.PriceSnapshot) error {
	if snap.SnapshotID == "" {
		snap.SnapshotID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_snapshots (snapshot_id, run_id, ts, symbol, price)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (run_id, ts, symbol) DO UPDATE SET price=EXCLUDED.price`,
		snap.SnapshotID, snap.RunID, snap.Ts, snap.Symbol, snap.Price)
	if err != nil {
		return fmt.Errorf("store: append price snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, event *types.Event) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("store: marshal event payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, run_id, event_type, ts, payload, order_id, fill_id, position_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		event.EventID, event.RunID, event.EventType, event.Ts, payload, event.OrderID, event.FillID, event.PositionID)
	if err != nil {
		return fmt.Errorf("store: append event: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCursor(ctx context.Context, runID, symbol string) (time.Time, bool, error) {
	var ts time.Time
	err := s.db.GetContext(ctx, &ts,
		`SELECT last_processed_candle_ts FROM cursors WHERE run_id=$1 AND symbol=$2`, runID, symbol)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: get cursor: %w", err)
	}
	return ts, true, nil
}

// SetCursor enforces the monotone-cursor property: a cursor can never
// move backwards.
func (s *PostgresStore) SetCursor(ctx context.Context, runID, symbol string, ts time.Time) error {
	existing, ok, err := s.GetCursor(ctx, runID, symbol)
	if err != nil {
		return err
	}
	if ok && ts.Before(existing) {
		return fmt.Errorf("%w: run=%s symbol=%s existing=%s new=%s", ErrCursorNotMonotonic, runID, symbol, existing, ts)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cursors (run_id, symbol, last_processed_candle_ts)
		VALUES ($1,$2,$3)
		ON CONFLICT (run_id, symbol) DO UPDATE SET last_processed_candle_ts=EXCLUDED.last_processed_candle_ts`,
		runID, symbol, ts)
	if err != nil {
		return fmt.Errorf("store: set cursor: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertBtResult(ctx context.Context, r *types.BtResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bt_results (run_id, symbol, trades, wins, losses, pnl, fees, win_rate, sharpe,
			sortino, max_dd, profit_factor, exposure, turnover)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (run_id, symbol) DO UPDATE SET trades=EXCLUDED.trades, wins=EXCLUDED.wins,
			losses=EXCLUDED.losses, pnl=EXCLUDED.pnl, fees=EXCLUDED.fees, win_rate=EXCLUDED.win_rate,
			sharpe=EXCLUDED.sharpe, sortino=EXCLUDED.sortino, max_dd=EXCLUDED.max_dd,
			profit_factor=EXCLUDED.profit_factor, exposure=EXCLUDED.exposure, turnover=EXCLUDED.turnover`,
		r.RunID, r.Symbol, r.Trades, r.Wins, r.Losses, r.PnL, r.Fees, r.WinRate, r.Sharpe, r.Sortino,
		r.MaxDD, r.ProfitFactor, r.Exposure, r.Turnover)
	if err != nil {
		return fmt.Errorf("store: upsert bt_result: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendEquityPoint(ctx context.Context, p *types.EquityPoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bt_equity (run_id, symbol, ts, equity)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (run_id, symbol, ts) DO UPDATE SET equity=EXCLUDED.equity`,
		p.RunID, p.Symbol, p.Ts, p.Equity)
	if err != nil {
		return fmt.Errorf("store: append equity point: %w", err)
	}
	return nil
}

type equityRow struct {
	RunID  string          `db:"run_id"`
	Symbol string          `db:"symbol"`
	Ts     time.Time       `db:"ts"`
	Equity decimal.Decimal `db:"equity"`
}

func (s *PostgresStore) ListEquityCurve(ctx context.Context, runID, symbol string) ([]types.EquityPoint, error) {
	var rows []equityRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM bt_equity WHERE run_id=$1 AND symbol=$2 ORDER BY ts ASC`, runID, symbol)
	if err != nil {
		return nil, fmt.Errorf("store: list equity curve: %w", err)
	}
	out := make([]types.EquityPoint, 0, len(rows))
	for _, r := range rows {
		out = append(out, types.EquityPoint{RunID: r.RunID, Symbol: r.Symbol, Ts: r.Ts, Equity: r.Equity})
	}
	return out, nil
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

func nullableDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return *d
}

// isUniqueViolation recognizes Postgres error code 23505 (unique
// violation) as reported by lib/pq.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "23505"
}
