// Package watcher monitors volatility candidates on live 5-minute klines and
// emits at most one trade intent per candidate.
package watcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"reversalBot/internal/domain"
	"reversalBot/internal/ports"
	"reversalBot/internal/strategy/patterns"
)

const (
	DefaultInterval      = "5m"
	DefaultMonitorWindow = 90 * time.Minute

	windowSize = 2
	bufferSize = 16
)

// Config tunes the watcher.
type Config struct {
	Interval      string
	MonitorWindow time.Duration
}

// Watcher starts one bounded watch per candidate.
type Watcher struct {
	streamer KlineStreamer
	logger   ports.Logger
	metrics  ports.Metrics
	cfg      Config
}

// New creates a watcher.
func New(streamer KlineStreamer, logger ports.Logger, metrics ports.Metrics, cfg Config) *Watcher {
	if cfg.Interval == "" {
		cfg.Interval = DefaultInterval
	}
	if cfg.MonitorWindow <= 0 {
		cfg.MonitorWindow = DefaultMonitorWindow
	}
	return &Watcher{streamer: streamer, logger: logger, metrics: metrics, cfg: cfg}
}

// Handle controls a batch of candidate watches.
type Handle struct {
	intents chan domain.TradeIntent
	cancel  context.CancelFunc
	done    chan struct{}
}

// Intents yields accepted intents and is closed once every watch has ended.
func (h *Handle) Intents() <-chan domain.TradeIntent { return h.intents }

// Stop cancels every watch in the batch.
func (h *Handle) Stop() { h.cancel() }

// Done is closed once every watch has ended and asked its feed to stop.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Watch starts watching every candidate concurrently.
func (w *Watcher) Watch(ctx context.Context, candidates []domain.VolatilityCandidate) *Handle {
	batchCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		intents: make(chan domain.TradeIntent, len(candidates)),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	var wg sync.WaitGroup
	for _, c := range candidates {
		wg.Add(1)
		go func(c domain.VolatilityCandidate) {
			defer wg.Done()
			w.watchOne(batchCtx, c, h.intents)
		}(c)
	}

	go func() {
		wg.Wait()
		cancel()
		close(h.intents)
		close(h.done)
	}()
	return h
}

func (w *Watcher) watchOne(ctx context.Context, c domain.VolatilityCandidate, out chan<- domain.TradeIntent) {
	op := "WatchCandidate"
	fields := map[string]interface{}{"symbol": c.Symbol, "preferredSide": c.PreferredSide}

	wctx, cancel := context.WithTimeout(ctx, w.cfg.MonitorWindow)
	defer cancel()

	klines := make(chan *domain.Kline, bufferSize)
	deliver := func(k *domain.Kline) {
		select {
		case klines <- k:
		case <-wctx.Done():
		}
	}
	onErr := func(err error) {
		w.logger.Warn(wctx, op+": stream error", map[string]interface{}{"symbol": c.Symbol, "error": err.Error()})
	}

	sub, err := Subscribe(wctx, w.streamer, c.Symbol, w.cfg.Interval, deliver, onErr)
	if err != nil {
		w.logger.Error(ctx, err, op+": subscribe failed", fields)
		return
	}
	defer sub.Stop()
	w.logger.Info(wctx, op+": watching candidate", fields)

	var state windowState
	for {
		select {
		case <-wctx.Done():
			if errors.Is(wctx.Err(), context.DeadlineExceeded) {
				w.logger.Info(ctx, op+": monitoring window elapsed without signal", fields)
			}
			return
		case <-sub.Done():
			w.logger.Warn(ctx, op+": kline stream ended", fields)
			return
		case k := <-klines:
			if !state.push(c.Symbol, k) {
				continue
			}
			intent, ok := Evaluate(c, state.window)
			if !ok {
				continue
			}
			w.metrics.RecordIntent(intent.Symbol, string(intent.Signal))
			w.logger.Info(ctx, op+": trade intent", map[string]interface{}{
				"symbol": intent.Symbol,
				"side":   intent.Side,
				"signal": intent.Signal,
				"entry":  intent.Entry,
			})
			// out has room for one intent per candidate.
			out <- intent
			return
		}
	}
}

// windowState is the per-instrument sliding window of closed klines.
type windowState struct {
	window    []*domain.Kline
	lastClose time.Time
}

// push accepts k when it is a closed kline for symbol that is newer than the
// last accepted one. Duplicates and out-of-order events are dropped.
func (s *windowState) push(symbol string, k *domain.Kline) bool {
	if k == nil || !k.IsFinal || (k.Symbol != "" && k.Symbol != symbol) {
		return false
	}
	if !s.lastClose.IsZero() && !k.CloseTime.After(s.lastClose) {
		return false
	}
	s.lastClose = k.CloseTime
	s.window = append(s.window, k)
	if len(s.window) > windowSize {
		s.window = s.window[len(s.window)-windowSize:]
	}
	return true
}

// Evaluate turns a full window into an intent when the detected signal agrees
// with the candidate's bias and price has pulled back past the reference close.
func Evaluate(c domain.VolatilityCandidate, window []*domain.Kline) (domain.TradeIntent, bool) {
	if len(window) != windowSize {
		return domain.TradeIntent{}, false
	}
	kind, ok := patterns.Detect(window)
	if !ok || kind.Side() != c.PreferredSide {
		return domain.TradeIntent{}, false
	}

	latest := window[len(window)-1]
	switch c.PreferredSide {
	case domain.Buy:
		if latest.Close >= c.Reference.Close {
			return domain.TradeIntent{}, false
		}
	case domain.Sell:
		if latest.Close <= c.Reference.Close {
			return domain.TradeIntent{}, false
		}
	}

	return domain.TradeIntent{
		Symbol: c.Symbol,
		Side:   c.PreferredSide,
		Entry:  latest.Close,
		ATR:    c.ATR,
		Signal: kind,
	}, true
}
