package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder implements ports.Metrics using Prometheus.
// Collectors live on a private registry so several recorders can coexist in tests.
type Recorder struct {
	registry *prometheus.Registry

	jobRuns      *prometheus.CounterVec
	candidates   prometheus.Gauge
	intents      *prometheus.CounterVec
	executions   *prometheus.CounterVec
	fillAttempts prometheus.Histogram
	closes       *prometheus.CounterVec
	openTrades   prometheus.Gauge
	pnlAmount    prometheus.Gauge
	pnlFraction  prometheus.Gauge
}

// New creates a new Prometheus metrics recorder.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		jobRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reversalbot_job_runs_total",
				Help: "Scheduled job runs by job and outcome",
			},
			[]string{"job", "ok"},
		),
		candidates: factory.NewGauge(prometheus.GaugeOpts{
			Name: "reversalbot_candidates",
			Help: "Volatility candidates found by the last scan",
		}),
		intents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reversalbot_intents_total",
				Help: "Trade intents emitted by the watcher",
			},
			[]string{"symbol", "signal"},
		),
		executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reversalbot_executions_total",
				Help: "Intent executions by outcome",
			},
			[]string{"symbol", "ok"},
		),
		fillAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "reversalbot_fill_attempts",
			Help:    "Limit order attempts needed to fill an entry",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12},
		}),
		closes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reversalbot_closes_total",
				Help: "Closed trades by reason",
			},
			[]string{"reason"},
		),
		openTrades: factory.NewGauge(prometheus.GaugeOpts{
			Name: "reversalbot_open_trades",
			Help: "Open trade records",
		}),
		pnlAmount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "reversalbot_portfolio_pnl_quote",
			Help: "Unrealized portfolio P&L in quote asset",
		}),
		pnlFraction: factory.NewGauge(prometheus.GaugeOpts{
			Name: "reversalbot_portfolio_pnl_fraction",
			Help: "Unrealized portfolio P&L as a fraction of available balance",
		}),
	}
}

// Registry exposes the private registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) RecordJobRun(job string, ok bool) {
	r.jobRuns.WithLabelValues(job, strconv.FormatBool(ok)).Inc()
}

func (r *Recorder) RecordCandidates(count int) {
	r.candidates.Set(float64(count))
}

func (r *Recorder) RecordIntent(symbol, signal string) {
	r.intents.WithLabelValues(symbol, signal).Inc()
}

func (r *Recorder) RecordExecution(symbol string, ok bool) {
	r.executions.WithLabelValues(symbol, strconv.FormatBool(ok)).Inc()
}

func (r *Recorder) RecordFillAttempts(attempts int) {
	r.fillAttempts.Observe(float64(attempts))
}

func (r *Recorder) RecordClose(reason string) {
	r.closes.WithLabelValues(reason).Inc()
}

func (r *Recorder) SetOpenTrades(count int) {
	r.openTrades.Set(float64(count))
}

func (r *Recorder) SetPortfolioPnL(amount, fraction float64) {
	r.pnlAmount.Set(amount)
	r.pnlFraction.Set(fraction)
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) RecordJobRun(string, bool) {}
func (Nop) RecordCandidates(int) {}
func (Nop) RecordIntent(string, string) {}
func (Nop) RecordExecution(string, bool) {}
func (Nop) RecordFillAttempts(int) {}
func (Nop) RecordClose(string) {}
func (Nop) SetOpenTrades(int) {}
func (Nop) SetPortfolioPnL(float64, float64) {}
