package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

// newMockStore wraps a sqlmock connection in a PostgresStore without
// running migrations or dialing a real database, so the claim query's
// shape (SKIP LOCKED semantics) can be asserted in isolation.
func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &PostgresStore{db: sqlx.NewDb(db, "postgres")}, mock
}

func TestClaimNextQueuedRunUsesSkipLocked(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{
		"run_id", "kind", "name", "symbols", "timeframe", "strategy_name", "strategy_version",
		"params", "seed", "status", "starting_capital", "current_capital", "max_concurrent_positions",
		"allow_multiple_positions_per_symbol", "cash_reserve", "kill_switch_pct", "slippage_bps",
		"taker_fee_bps", "daily_start_equity", "daily_mark_date", "created_at", "error",
	}).AddRow("r1", "backtest", "n", []byte(`["BTC-USD"]`), "1m", "momentum_breakout_v2", "v2",
		[]byte(`{}`), nil, "queued", "1000", "1000", 1, false, "0", "0.2", "2", "4", "0", "",
		time.Now(), "")

	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).WillReturnRows(rows)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE runs SET status")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	run, err := s.ClaimNextQueuedRun(context.Background(), "worker-1")
	require.NoError(t, err)
	require.Equal(t, "r1", run.RunID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextQueuedRunNoneAvailable(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.ClaimNextQueuedRun(context.Background(), "worker-1")
	require.ErrorIs(t, err, ErrNoQueuedRun)
	require.NoError(t, mock.ExpectationsWereMet())
}
