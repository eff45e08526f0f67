package marketdata

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentumtrade/engine/internal/types"
)

func bar(ts time.Time, o, h, l, c, v int64) types.Bar {
	return types.Bar{
		Symbol: "BTC-USD",
		Ts:     ts,
		Open:   decimal.NewFromInt(o),
		High:   decimal.NewFromInt(h),
		Low:    decimal.NewFromInt(l),
		Close:  decimal.NewFromInt(c),
		Volume: decimal.NewFromInt(v),
	}
}

func TestAggregateRoundTripAt1m(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []types.Bar{
		bar(start, 100, 101, 99, 100, 10),
		bar(start.Add(time.Minute), 100, 102, 98, 101, 20),
	}
	out := Aggregate(bars, types.TF1m, 0)
	require.Equal(t, bars, out)
}

func TestAggregateFoldsOHLCV(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]types.Bar, 0, 5)
	for i := 0; i < 5; i++ {
		bars = append(bars, bar(start.Add(time.Duration(i)*time.Minute), 100+int64(i), 105+int64(i), 95-int64(i), 100+int64(i), 10))
	}
	out := Aggregate(bars, types.TF5m, 0)
	require.Len(t, out, 1)
	got := out[0]
	assert.True(t, got.Open.Equal(decimal.NewFromInt(100)))
	assert.True(t, got.Close.Equal(decimal.NewFromInt(104)))
	assert.True(t, got.High.Equal(decimal.NewFromInt(109)))
	assert.True(t, got.Low.Equal(decimal.NewFromInt(91)))
	assert.True(t, got.Volume.Equal(decimal.NewFromInt(50)))
}

func TestAggregateSuppressesPartialTrailingBucket(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// Only 2 of 5 minutes present in the final bucket; default
	// min_minutes_per_bucket for N=5 is ceil(5/2)+1 = 4, so it's dropped.
	bars := []types.Bar{
		bar(start, 100, 101, 99, 100, 1),
		bar(start.Add(time.Minute), 100, 101, 99, 100, 1),
	}
	out := Aggregate(bars, types.TF5m, 0)
	assert.Empty(t, out)
}

func TestAggregateDefaultThresholdIsCeilingNotFloor(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	barsAt := func(n int) []types.Bar {
		out := make([]types.Bar, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, bar(start.Add(time.Duration(i)*time.Minute), 100, 101, 99, 100, 1))
		}
		return out
	}

	// N=5: ceil(5/2)+1 = 4. 3 bars must still be dropped; floor division
	// (5/2+1 = 3) would wrongly accept this bucket.
	assert.Empty(t, Aggregate(barsAt(3), types.TF5m, 0))
	// 4 bars meets the threshold and is accepted.
	require.Len(t, Aggregate(barsAt(4), types.TF5m, 0), 1)

	// N=15: ceil(15/2)+1 = 9. 8 bars must still be dropped; floor
	// division (15/2+1 = 8) would wrongly accept this bucket.
	assert.Empty(t, Aggregate(barsAt(8), types.TF15m, 0))
	require.Len(t, Aggregate(barsAt(9), types.TF15m, 0), 1)
}
