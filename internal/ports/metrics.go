package ports

// Metrics records operational counters and gauges.
type Metrics interface {
	RecordJobRun(job string, ok bool)
	RecordCandidates(count int)
	RecordIntent(symbol string, signal string)
	RecordExecution(symbol string, ok bool)
	RecordFillAttempts(attempts int)
	RecordClose(reason string)
	SetOpenTrades(count int)
	SetPortfolioPnL(amount, fraction float64)
}
