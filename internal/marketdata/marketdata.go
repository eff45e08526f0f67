// Package marketdata reads immutable 1-minute OHLCV bars and derived
// features for a symbol over a time range, and aggregates them to higher
// timeframes. It is read-only: the ingestion pipeline that
// populates these tables is out of scope.
package marketdata

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/momentumtrade/engine/internal/types"
)

// ErrDataGap is returned when a requested range has no bars at all.
// The live loop treats this as "no new bar yet"; the backtest worker
// treats it as a fatal run error.
var ErrDataGap = errors.New("marketdata: no bars for requested range")

// ohlcvRow is the gorm model backing the read-only ohlcv_1m table.
type ohlcvRow struct {
	Symbol string    `gorm:"primaryKey;column:symbol"`
	Ts     time.Time `gorm:"primaryKey;column:ts"`
	Open   string    `gorm:"column:open"`
	High   string    `gorm:"column:high"`
	Low    string    `gorm:"column:low"`
	Close  string    `gorm:"column:close"`
	Volume string    `gorm:"column:volume"`
}

func (ohlcvRow) TableName() string { return "ohlcv_1m" }

// featureRow is the gorm model backing the read-only features_1m table.
// Pointers are used so a missing row (or a null column) surfaces as a
// nil feature rather than a misleading zero.
type featureRow struct {
	Symbol    string    `gorm:"primaryKey;column:symbol"`
	Ts        time.Time `gorm:"primaryKey;column:ts"`
	Roc1m     *string   `gorm:"column:roc_1m"`
	RocTF     *string   `gorm:"column:roc_tf"`
	VolMult   *string   `gorm:"column:vol_mult"`
	SpreadBps *string   `gorm:"column:spread_bps"`
	RSI14     *string   `gorm:"column:rsi_14"`
}

func (featureRow) TableName() string { return "features_1m" }

// Reader is the Market Data Reader. Mirroring the dual-driver
// selection used by the Trading Store's own database layer, a
// postgres:// DSN opens Postgres, anything else opens SQLite.
type Reader struct {
	db *gorm.DB
}

// New opens the read-only bar/feature store. dsn mirrors the Trading
// Store's DSN conventions so a single Postgres instance can back both.
func New(dsn string) (*Reader, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("marketdata: open store: %w", err)
	}

	return &Reader{db: db}, nil
}

// LoadBars returns 1-minute bars for symbol in [startTs, endTs], joined
// with features, strictly increasing in time.
func (r *Reader) LoadBars(symbol string, startTs, endTs time.Time) ([]types.Bar, error) {
	var ohlcv []ohlcvRow
	err := r.db.Where("symbol = ? AND ts >= ? AND ts <= ?", symbol, startTs, endTs).
		Order("ts ASC").
		Find(&ohlcv).Error
	if err != nil {
		return nil, fmt.Errorf("marketdata: load ohlcv: %w", err)
	}
	if len(ohlcv) == 0 {
		return nil, fmt.Errorf("%w: symbol=%s [%s,%s]", ErrDataGap, symbol, startTs, endTs)
	}

	var features []featureRow
	if err := r.db.Where("symbol = ? AND ts >= ? AND ts <= ?", symbol, startTs, endTs).
		Find(&features).Error; err != nil {
		return nil, fmt.Errorf("marketdata: load features: %w", err)
	}
	featureByTs := make(map[time.Time]featureRow, len(features))
	for _, f := range features {
		featureByTs[f.Ts] = f
	}

	bars := make([]types.Bar, 0, len(ohlcv))
	for _, row := range ohlcv {
		bar := types.Bar{
			Symbol: row.Symbol,
			Ts:     row.Ts,
			Open:   mustDecimal(row.Open),
			High:   mustDecimal(row.High),
			Low:    mustDecimal(row.Low),
			Close:  mustDecimal(row.Close),
			Volume: mustDecimal(row.Volume),
		}
		if f, ok := featureByTs[row.Ts]; ok {
			bar.Roc1m = optionalDecimal(f.Roc1m)
			bar.RocTF = optionalDecimal(f.RocTF)
			bar.VolMult = optionalDecimal(f.VolMult)
			bar.SpreadBps = optionalDecimal(f.SpreadBps)
			bar.RSI14 = optionalDecimal(f.RSI14)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// Aggregate folds N consecutive 1-minute bars into one bar of
// targetTimeframe: OHLC from the first/last/max/min of
// the bucket, volume summed, feature fields copied from the *last*
// contributing bar (no recomputation). minMinutesPerBucket defaults to
// ceil(N/2)+1 when 0 is passed, suppressing partial trailing buckets.
func Aggregate(bars []types.Bar, targetTimeframe types.Timeframe, minMinutesPerBucket int) []types.Bar {
	n := targetTimeframe.Minutes()
	if n <= 1 {
		return bars
	}
	if minMinutesPerBucket <= 0 {
		minMinutesPerBucket = (n+1)/2 + 1
	}

	buckets := map[int64][]types.Bar{}
	var order []int64
	bucketSeconds := int64(n * 60)
	for _, b := range bars {
		key := b.Ts.Unix() / bucketSeconds
		if _, ok := buckets[key]; !ok {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], b)
	}

	out := make([]types.Bar, 0, len(order))
	for _, key := range order {
		group := buckets[key]
		if len(group) < minMinutesPerBucket {
			continue
		}
		first, last := group[0], group[len(group)-1]
		high, low, vol := first.High, first.Low, decimal.Zero
		for _, g := range group {
			if g.High.GreaterThan(high) {
				high = g.High
			}
			if g.Low.LessThan(low) {
				low = g.Low
			}
			vol = vol.Add(g.Volume)
		}
		out = append(out, types.Bar{
			Symbol:    first.Symbol,
			Ts:        time.Unix(key*bucketSeconds, 0).UTC(),
			Open:      first.Open,
			High:      high,
			Low:       low,
			Close:     last.Close,
			Volume:    vol,
			Roc1m:     last.Roc1m,
			RocTF:     last.RocTF,
			VolMult:   last.VolMult,
			SpreadBps: last.SpreadBps,
			RSI14:     last.RSI14,
		})
	}
	return out
}

// LatestPrice returns the last known close for symbol.
func (r *Reader) LatestPrice(symbol string) (decimal.Decimal, error) {
	var row ohlcvRow
	err := r.db.Where("symbol = ?", symbol).Order("ts DESC").Limit(1).First(&row).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("marketdata: latest price %s: %w", symbol, err)
	}
	return mustDecimal(row.Close), nil
}

// LatestPriceMap returns the last known close per symbol.
func (r *Reader) LatestPriceMap(symbols []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, s := range symbols {
		p, err := r.LatestPrice(s)
		if err != nil {
			return nil, err
		}
		out[s] = p
	}
	return out, nil
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func optionalDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}
