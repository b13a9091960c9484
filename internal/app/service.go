// Package app wires the scheduled jobs, the order-update listener and the
// risk loop into one long-running service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"reversalBot/config"
	"reversalBot/internal/domain"
	"reversalBot/internal/ports"
	"reversalBot/internal/watcher"
)

const defaultShutdownTimeout = 15 * time.Second

// Exchange is the slice of ports.ExchangeClient the service itself needs.
type Exchange interface {
	SetServerTime(ctx context.Context) error
	StreamOrderUpdates(ctx context.Context, handler func(update *domain.OrderUpdate), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error)
}

// ATRRefresher maintains the daily ATR cache.
type ATRRefresher interface {
	Refresh(ctx context.Context) (domain.AtrCache, error)
	LoadOrRefresh(ctx context.Context) (domain.AtrCache, error)
}

// CandidateScanner selects today's volatility candidates.
type CandidateScanner interface {
	Scan(ctx context.Context, cache domain.AtrCache) ([]domain.VolatilityCandidate, error)
}

// SignalWatcher watches candidates for reversal patterns.
type SignalWatcher interface {
	Watch(ctx context.Context, candidates []domain.VolatilityCandidate) *watcher.Handle
}

// TradeExecutor opens positions.
type TradeExecutor interface {
	Execute(ctx context.Context, intent domain.TradeIntent) (*domain.TradeRecord, error)
}

// PositionSupervisor runs the risk loop and consumes order updates.
type PositionSupervisor interface {
	Run(ctx context.Context)
	HandleOrderUpdate(ctx context.Context, update *domain.OrderUpdate)
}

// Dependencies are the collaborators of TradingService.
type Dependencies struct {
	Logger         ports.Logger
	Exchange       Exchange
	ATR            ATRRefresher
	Scanner        CandidateScanner
	Watcher        SignalWatcher
	Engine         TradeExecutor
	Risk           PositionSupervisor
	Notifier       ports.Notifier
	Metrics        ports.Metrics
	MetricsHandler http.Handler // Optional, served on cfg.MetricsAddr
}

// job is one schedulable unit of work.
type job struct {
	name  string // metrics label
	title string // operator facing
	run   func(ctx context.Context) error
}

// TradingService orchestrates the trading bot's operations.
type TradingService struct {
	cfg            *config.Config
	logger         ports.Logger
	exchange       Exchange
	atr            ATRRefresher
	scanner        CandidateScanner
	watcher        SignalWatcher
	engine         TradeExecutor
	risk           PositionSupervisor
	notifier       ports.Notifier
	metrics        ports.Metrics
	metricsHandler http.Handler

	atrJob          job
	candidateJob    job
	shutdownTimeout time.Duration
	wg              sync.WaitGroup // background tasks started by Start
}

// NewTradingService creates a new application service instance.
func NewTradingService(cfg *config.Config, deps Dependencies) (*TradingService, error) {
	// Validate dependencies
	if cfg == nil || deps.Logger == nil || deps.Exchange == nil || deps.ATR == nil || deps.Scanner == nil ||
		deps.Watcher == nil || deps.Engine == nil || deps.Risk == nil || deps.Notifier == nil || deps.Metrics == nil {
		return nil, fmt.Errorf("missing required dependencies for TradingService")
	}
	if cfg.ATRCron == "" || cfg.CandidateCron == "" {
		return nil, fmt.Errorf("configuration ATRCron and CandidateCron must be set")
	}

	s := &TradingService{
		cfg:             cfg,
		logger:          deps.Logger,
		exchange:        deps.Exchange,
		atr:             deps.ATR,
		scanner:         deps.Scanner,
		watcher:         deps.Watcher,
		engine:          deps.Engine,
		risk:            deps.Risk,
		notifier:        deps.Notifier,
		metrics:         deps.Metrics,
		metricsHandler:  deps.MetricsHandler,
		shutdownTimeout: defaultShutdownTimeout,
	}
	s.atrJob = job{name: "atr_refresh", title: "ATR job", run: s.RunATRJob}
	s.candidateJob = job{name: "candidate_scan", title: "Candidate scan", run: s.RunCandidateJob}
	return s, nil
}

// Start runs the service until ctx is cancelled or a shutdown signal arrives.
func (s *TradingService) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting Trading Service...")

	// Create a context that can be canceled by signals
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel() // Cancel the main context
		case <-ctx.Done():
		}
	}()

	// 1. Set server time (important for signed API calls)
	if err := s.exchange.SetServerTime(ctx); err != nil {
		s.logger.Error(ctx, err, "Failed to synchronize server time")
		return fmt.Errorf("failed to set server time: %w", err)
	}
	s.logger.Info(ctx, "Server time synchronized")

	// 2. Build the schedule before anything long-lived is started
	scheduler, err := s.schedule(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to schedule jobs")
		return err
	}

	// 3. Metrics endpoint
	stopMetrics := s.serveMetrics(ctx)
	defer stopMetrics()

	// 4. Order updates feed the risk manager
	updDone, updStop, err := s.exchange.StreamOrderUpdates(ctx, func(u *domain.OrderUpdate) {
		s.risk.HandleOrderUpdate(ctx, u)
	}, s.handleStreamError)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to start order update stream")
		return fmt.Errorf("failed to start order update stream: %w", err)
	}
	s.logger.Info(ctx, "Order update stream started")

	// 5. Risk loop
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.risk.Run(ctx)
	}()

	// 6. The candidate job reads today's ATR cache, so refresh it before scheduling.
	s.runIsolated(ctx, s.atrJob)
	scheduler.Start()
	s.logger.Info(ctx, "Jobs scheduled", map[string]interface{}{"atrCron": s.cfg.ATRCron, "candidateCron": s.cfg.CandidateCron, "timezone": "UTC"})
	if s.cfg.RunCandidateStart {
		s.launch(ctx, s.candidateJob)
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info(ctx, "Main context cancelled, initiating shutdown...")
	case <-updDone:
		// The stream gave up reconnecting.
		runErr = errors.New("order update stream stopped unexpectedly")
		s.logger.Error(ctx, runErr, "Order update stream stopped")
		s.notifier.Notify(ctx, "Order update stream stopped, shutting down")
	}
	cancel()

	jobsStopped := scheduler.Stop()
	close(updStop)
	s.await(ctx, jobsStopped.Done(), "scheduled jobs")
	s.await(ctx, updDone, "order update stream")
	s.await(ctx, waitGroupDone(&s.wg), "background tasks")

	s.logger.Info(ctx, "Trading Service stopped.")
	return runErr
}

// schedule registers both daily jobs on a UTC cron. A run still in progress
// when its next trigger fires is skipped.
func (s *TradingService) schedule(ctx context.Context) (*cron.Cron, error) {
	clog := cronLogger{ctx: ctx, logger: s.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(clog),
		cron.WithChain(cron.SkipIfStillRunning(clog)),
	)
	entries := []struct {
		spec string
		job  job
	}{
		{spec: s.cfg.ATRCron, job: s.atrJob},
		{spec: s.cfg.CandidateCron, job: s.candidateJob},
	}
	for _, e := range entries {
		j := e.job
		if _, err := c.AddFunc(e.spec, func() { s.runIsolated(ctx, j) }); err != nil {
			return nil, fmt.Errorf("failed to schedule %s (%q): %w", j.title, e.spec, err)
		}
	}
	return c, nil
}

// launch runs j in the background; Start waits for it on shutdown.
func (s *TradingService) launch(ctx context.Context, j job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runIsolated(ctx, j)
	}()
}

// runIsolated runs j so that neither an error nor a panic reaches the caller.
// Failures are logged, reported to the operator and counted.
func (s *TradingService) runIsolated(ctx context.Context, j job) {
	ok := false
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			s.logger.Error(ctx, err, j.title+": panicked", map[string]interface{}{"stack": string(debug.Stack())})
			s.notifier.Notify(ctx, fmt.Sprintf("%s failed: %v", j.title, err))
		}
		s.metrics.RecordJobRun(j.name, ok)
	}()

	s.logger.Info(ctx, j.title+": started")
	if err := j.run(ctx); err != nil {
		if ctx.Err() != nil {
			s.logger.Warn(ctx, j.title+": interrupted by shutdown", map[string]interface{}{"error": err.Error()})
			return
		}
		s.logger.Error(ctx, err, j.title+": failed")
		s.notifier.Notify(ctx, fmt.Sprintf("%s failed: %v", j.title, err))
		return
	}
	ok = true
	s.logger.Info(ctx, j.title+": finished", map[string]interface{}{"duration": time.Since(start).String()})
}

// RunATRJob recomputes the ATR of every tradable instrument.
func (s *TradingService) RunATRJob(ctx context.Context) error {
	cache, err := s.atr.Refresh(ctx)
	if err != nil {
		return err
	}
	s.logger.Info(ctx, "ATR cache refreshed", map[string]interface{}{"instruments": len(cache)})
	return nil
}

// RunCandidateJob scans for volatility candidates, watches them for reversal
// patterns and executes every resulting intent. It returns once all watches
// and executions have finished.
func (s *TradingService) RunCandidateJob(ctx context.Context) error {
	op := "CandidateJob"
	cache, err := s.atr.LoadOrRefresh(ctx)
	if err != nil {
		return fmt.Errorf("%s: atr cache: %w", op, err)
	}

	candidates, err := s.scanner.Scan(ctx, cache)
	if err != nil {
		return fmt.Errorf("%s: scan: %w", op, err)
	}
	if len(candidates) == 0 {
		s.logger.Info(ctx, op+": no volatility candidates found")
		return nil
	}

	symbols := make([]string, len(candidates))
	for i, c := range candidates {
		symbols[i] = c.Symbol
	}
	s.logger.Info(ctx, op+": watching candidates", map[string]interface{}{"symbols": symbols})
	s.notifier.Notify(ctx, fmt.Sprintf("Watching %d candidates: %s", len(candidates), strings.Join(symbols, ", ")))

	handle := s.watcher.Watch(ctx, candidates)
	defer handle.Stop()

	var executions sync.WaitGroup
	for intent := range handle.Intents() {
		executions.Add(1)
		go func(intent domain.TradeIntent) {
			defer executions.Done()
			s.execute(ctx, intent)
		}(intent)
	}
	executions.Wait()

	s.logger.Info(ctx, op+": signal watch finished")
	return nil
}

func (s *TradingService) execute(ctx context.Context, intent domain.TradeIntent) {
	fields := map[string]interface{}{"symbol": intent.Symbol, "side": intent.Side, "signal": intent.Signal}
	record, err := s.engine.Execute(ctx, intent)
	switch {
	case err == nil:
		fields["tradeID"] = record.ID
		s.logger.Info(ctx, "Trade executed", fields)
	case errors.Is(err, ports.ErrAlreadyTraded):
		s.logger.Info(ctx, "Intent skipped, instrument already traded today", fields)
	default:
		s.logger.Error(ctx, err, "Failed to execute trade", fields)
		s.notifier.Notify(ctx, fmt.Sprintf("Failed to execute trade %s: %v", intent.Symbol, err))
	}
}

// handleStreamError logs order update stream errors.
func (s *TradingService) handleStreamError(err error) {
	s.logger.Error(context.Background(), err, "Order update stream error")
}

// serveMetrics exposes the metrics handler when an address is configured and
// returns the function that shuts it down.
func (s *TradingService) serveMetrics(ctx context.Context) func() {
	if s.cfg.MetricsAddr == "" || s.metricsHandler == nil {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metricsHandler)
	srv := &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, err, "Metrics server failed", map[string]interface{}{"addr": s.cfg.MetricsAddr})
		}
	}()
	s.logger.Info(ctx, "Metrics server listening", map[string]interface{}{"addr": s.cfg.MetricsAddr})

	return func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			s.logger.Warn(sctx, "Metrics server shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

// await waits for done up to the shutdown timeout.
func (s *TradingService) await(ctx context.Context, done <-chan struct{}, what string) {
	select {
	case <-done:
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn(ctx, "Timeout waiting for "+what+" to shut down")
	}
}

func waitGroupDone(wg *sync.WaitGroup) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}
