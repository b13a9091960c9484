package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reversalBot/config"
	"reversalBot/internal/adapters/logger"
	"reversalBot/internal/adapters/metrics"
	"reversalBot/internal/domain"
	"reversalBot/internal/ports"
	"reversalBot/internal/watcher"
)

// Mock implementations
type mockExchange struct {
	serverTimeErr error
	streamErr     error

	mu      sync.Mutex
	handler func(*domain.OrderUpdate)
	doneCh  chan struct{}
	stopCh  chan struct{}
	killCh  chan struct{}
}

func (m *mockExchange) SetServerTime(ctx context.Context) error {
	return m.serverTimeErr
}

func (m *mockExchange) StreamOrderUpdates(ctx context.Context, handler func(*domain.OrderUpdate), errHandler func(error)) (chan struct{}, chan struct{}, error) {
	if m.streamErr != nil {
		return nil, nil, m.streamErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
	m.doneCh = make(chan struct{})
	m.stopCh = make(chan struct{})
	m.killCh = make(chan struct{})
	go func(done, stop, kill chan struct{}) {
		select {
		case <-stop:
		case <-kill:
		}
		close(done)
	}(m.doneCh, m.stopCh, m.killCh)
	return m.doneCh, m.stopCh, nil
}

// die ends the stream as if it had given up reconnecting.
func (m *mockExchange) die() {
	m.mu.Lock()
	defer m.mu.Unlock()
	close(m.killCh)
}

func (m *mockExchange) push(u *domain.OrderUpdate) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	h(u)
}

type mockATR struct {
	mu           sync.Mutex
	refreshCalls int
	loadCalls    int
	err          error
	panicWith    interface{}
	refreshed    chan struct{}
}

func (m *mockATR) Refresh(ctx context.Context) (domain.AtrCache, error) {
	m.mu.Lock()
	m.refreshCalls++
	m.mu.Unlock()
	if m.refreshed != nil {
		m.refreshed <- struct{}{}
	}
	if m.panicWith != nil {
		panic(m.panicWith)
	}
	return domain.AtrCache{"BTCUSDT": {Symbol: "BTCUSDT", ATR: 5}}, m.err
}

func (m *mockATR) LoadOrRefresh(ctx context.Context) (domain.AtrCache, error) {
	m.mu.Lock()
	m.loadCalls++
	m.mu.Unlock()
	return domain.AtrCache{"BTCUSDT": {Symbol: "BTCUSDT", ATR: 5}}, m.err
}

type mockScanner struct {
	candidates []domain.VolatilityCandidate
	err        error
}

func (m *mockScanner) Scan(ctx context.Context, cache domain.AtrCache) ([]domain.VolatilityCandidate, error) {
	return m.candidates, m.err
}

type mockEngine struct {
	mu      sync.Mutex
	intents []domain.TradeIntent
	errs    map[string]error
}

func (m *mockEngine) Execute(ctx context.Context, intent domain.TradeIntent) (*domain.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents = append(m.intents, intent)
	if err := m.errs[intent.Symbol]; err != nil {
		return nil, err
	}
	return &domain.TradeRecord{ID: "trade-" + intent.Symbol, Symbol: intent.Symbol, Status: domain.StatusOpen}, nil
}

func (m *mockEngine) executed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.intents))
	for _, i := range m.intents {
		out = append(out, i.Symbol)
	}
	return out
}

type mockRisk struct {
	mu      sync.Mutex
	updates []*domain.OrderUpdate
	running chan struct{}
	stopped chan struct{}
}

func newMockRisk() *mockRisk {
	return &mockRisk{running: make(chan struct{}), stopped: make(chan struct{})}
}

func (m *mockRisk) Run(ctx context.Context) {
	close(m.running)
	<-ctx.Done()
	close(m.stopped)
}

func (m *mockRisk) HandleOrderUpdate(ctx context.Context, u *domain.OrderUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, u)
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(ctx context.Context, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

type jobRun struct {
	job string
	ok  bool
}

type recordingMetrics struct {
	metrics.Nop
	mu   sync.Mutex
	runs []jobRun
}

func (m *recordingMetrics) RecordJobRun(job string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, jobRun{job: job, ok: ok})
}

// reversalStreamer replays a bullish engulfing pair on every subscription.
type reversalStreamer struct{}

func (reversalStreamer) StreamKlines(ctx context.Context, symbol, interval string, handler func(*domain.Kline), errHandler func(error)) (chan struct{}, chan struct{}, error) {
	doneCh := make(chan struct{})
	stopCh := make(chan struct{})
	t0 := time.Now().Add(-10 * time.Minute)
	go func() {
		handler(&domain.Kline{Symbol: symbol, OpenTime: t0, CloseTime: t0.Add(5 * time.Minute), Open: 10, High: 10.1, Low: 8.9, Close: 9, IsFinal: true})
		handler(&domain.Kline{Symbol: symbol, OpenTime: t0.Add(5 * time.Minute), CloseTime: t0.Add(10 * time.Minute), Open: 8.9, High: 10.2, Low: 8.8, Close: 10.1, IsFinal: true})
	}()
	go func() {
		select {
		case <-stopCh:
		case <-ctx.Done():
		}
		close(doneCh)
	}()
	return doneCh, stopCh, nil
}

type fixture struct {
	service  *TradingService
	exchange *mockExchange
	atr      *mockATR
	scanner  *mockScanner
	engine   *mockEngine
	risk     *mockRisk
	notifier *recordingNotifier
	metrics  *recordingMetrics
}

func testConfig() *config.Config {
	return &config.Config{ATRCron: "0 0 * * *", CandidateCron: "15 0 * * *"}
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	log := logger.NewNop()
	f := &fixture{
		exchange: &mockExchange{},
		atr:      &mockATR{},
		scanner:  &mockScanner{},
		engine:   &mockEngine{errs: map[string]error{}},
		risk:     newMockRisk(),
		notifier: &recordingNotifier{},
		metrics:  &recordingMetrics{},
	}
	svc, err := NewTradingService(cfg, Dependencies{
		Logger:   log,
		Exchange: f.exchange,
		ATR:      f.atr,
		Scanner:  f.scanner,
		Watcher:  watcher.New(reversalStreamer{}, log, metrics.Nop{}, watcher.Config{MonitorWindow: 5 * time.Second}),
		Engine:   f.engine,
		Risk:     f.risk,
		Notifier: f.notifier,
		Metrics:  f.metrics,
	})
	require.NoError(t, err)
	svc.shutdownTimeout = 2 * time.Second
	f.service = svc
	return f
}

func candidate(symbol string) domain.VolatilityCandidate {
	return domain.VolatilityCandidate{
		Symbol:        symbol,
		ATR:           5,
		Range:         2,
		PreferredSide: domain.Buy,
		Reference:     domain.Kline{Symbol: symbol, Close: 11},
	}
}

func TestNewTradingService_MissingDependencies(t *testing.T) {
	_, err := NewTradingService(testConfig(), Dependencies{Logger: logger.NewNop()})
	assert.Error(t, err)

	_, err = NewTradingService(nil, Dependencies{})
	assert.Error(t, err)
}

func TestRunCandidateJob_ExecutesEveryIntent(t *testing.T) {
	f := newFixture(t, testConfig())
	f.scanner.candidates = []domain.VolatilityCandidate{candidate("BTCUSDT"), candidate("ETHUSDT")}
	f.engine.errs["ETHUSDT"] = ports.ErrNotionalTooSmall

	err := f.service.RunCandidateJob(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT"}, f.engine.executed())
	for _, intent := range f.engine.intents {
		assert.Equal(t, domain.Buy, intent.Side)
		assert.Equal(t, domain.SignalBullishEngulfing, intent.Signal)
		assert.Equal(t, 10.1, intent.Entry)
	}

	msgs := f.notifier.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Watching 2 candidates: BTCUSDT, ETHUSDT", msgs[0])
	assert.Contains(t, msgs[1], "Failed to execute trade ETHUSDT")
	assert.Equal(t, 1, f.atr.loadCalls)
}

func TestRunCandidateJob_AlreadyTradedIsNotAFailure(t *testing.T) {
	f := newFixture(t, testConfig())
	f.scanner.candidates = []domain.VolatilityCandidate{candidate("BTCUSDT")}
	f.engine.errs["BTCUSDT"] = ports.ErrAlreadyTraded

	require.NoError(t, f.service.RunCandidateJob(context.Background()))
	assert.Equal(t, []string{"Watching 1 candidates: BTCUSDT"}, f.notifier.all())
}

func TestRunCandidateJob_NoCandidates(t *testing.T) {
	f := newFixture(t, testConfig())

	require.NoError(t, f.service.RunCandidateJob(context.Background()))
	assert.Empty(t, f.engine.executed())
	assert.Empty(t, f.notifier.all())
}

func TestRunCandidateJob_ScanError(t *testing.T) {
	f := newFixture(t, testConfig())
	f.scanner.err = ports.ErrExchangeUnavailable

	err := f.service.RunCandidateJob(context.Background())
	assert.ErrorIs(t, err, ports.ErrExchangeUnavailable)
}

func TestRunIsolated_ContainsErrorsAndPanics(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	f.atr.err = errors.New("exchange down")
	f.service.runIsolated(ctx, f.service.atrJob)

	f.atr.err = nil
	f.atr.panicWith = "boom"
	assert.NotPanics(t, func() { f.service.runIsolated(ctx, f.service.atrJob) })

	f.atr.panicWith = nil
	f.service.runIsolated(ctx, f.service.atrJob)

	assert.Equal(t, []string{"ATR job failed: exchange down", "ATR job failed: panic: boom"}, f.notifier.all())
	assert.Equal(t, []jobRun{
		{job: "atr_refresh", ok: false},
		{job: "atr_refresh", ok: false},
		{job: "atr_refresh", ok: true},
	}, f.metrics.runs)
}

func TestStart_FailsWithoutServerTime(t *testing.T) {
	f := newFixture(t, testConfig())
	f.exchange.serverTimeErr = ports.ErrConnectionFailed

	err := f.service.Start(context.Background())
	assert.ErrorIs(t, err, ports.ErrConnectionFailed)
	assert.Equal(t, 0, f.atr.refreshCalls)
}

func TestStart_RejectsInvalidSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.CandidateCron = "not a cron"
	f := newFixture(t, cfg)

	err := f.service.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Candidate scan")
}

func TestStart_RunsUntilCancelled(t *testing.T) {
	f := newFixture(t, testConfig())
	f.atr.refreshed = make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- f.service.Start(ctx) }()

	select {
	case <-f.atr.refreshed:
	case <-time.After(2 * time.Second):
		t.Fatal("initial ATR job did not run")
	}
	<-f.risk.running

	update := &domain.OrderUpdate{Symbol: "BTCUSDT", Status: domain.OrderStatusFilled, ReduceOnly: true}
	f.exchange.push(update)
	f.risk.mu.Lock()
	assert.Equal(t, []*domain.OrderUpdate{update}, f.risk.updates)
	f.risk.mu.Unlock()

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	<-f.risk.stopped
	<-f.exchange.doneCh
}

func TestStart_ReturnsWhenOrderStreamDies(t *testing.T) {
	f := newFixture(t, testConfig())
	f.atr.refreshed = make(chan struct{}, 1)

	errCh := make(chan error, 1)
	go func() { errCh <- f.service.Start(context.Background()) }()
	<-f.atr.refreshed
	<-f.risk.running

	f.exchange.die()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "order update stream stopped")
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after the stream ended")
	}
}
