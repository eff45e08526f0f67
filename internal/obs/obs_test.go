package obs

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestIncOrderSubmittedIncrementsCounter(t *testing.T) {
	IncOrderSubmitted("r1", "ENTRY")
	IncOrderSubmitted("r1", "ENTRY")
	assert.Equal(t, float64(2), testutil.ToFloat64(ordersSubmitted.WithLabelValues("r1", "ENTRY")))
}

func TestSetCursorLagSetsGauge(t *testing.T) {
	SetCursorLag("r2", "BTC-USD", 5*time.Second)
	assert.Equal(t, float64(5), testutil.ToFloat64(cursorLagSeconds.WithLabelValues("r2", "BTC-USD")))
}

func TestSetEquitySetsGauge(t *testing.T) {
	SetEquity("r3", 1234.5)
	assert.Equal(t, 1234.5, testutil.ToFloat64(equity.WithLabelValues("r3")))
}
