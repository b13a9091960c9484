package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"reversalBot/internal/ports"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

var (
	_ ports.Metrics = (*Recorder)(nil)
	_ ports.Metrics = Nop{}
)

func TestRecorder_Counters(t *testing.T) {
	r := New()

	r.RecordJobRun("atr", true)
	r.RecordJobRun("atr", true)
	r.RecordJobRun("atr", false)
	r.RecordClose("TIME_LIMIT")
	r.SetOpenTrades(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.jobRuns.WithLabelValues("atr", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.jobRuns.WithLabelValues("atr", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.closes.WithLabelValues("TIME_LIMIT")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.openTrades))
}

func TestRecorder_HandlerExposesMetrics(t *testing.T) {
	r := New()
	r.SetPortfolioPnL(-12.5, -0.0125)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(body, "reversalbot_portfolio_pnl_quote -12.5"), body)
}
