package watcher

import (
	"context"
	"sync"

	"reversalBot/internal/domain"
)

// KlineStreamer opens a live kline feed. Closing stopCh ends it; doneCh closes once it has ended.
type KlineStreamer interface {
	StreamKlines(ctx context.Context, symbol, interval string, handler func(kline *domain.Kline), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error)
}

// Subscription is one live kline feed with an explicit lifetime.
type Subscription struct {
	symbol   string
	interval string
	doneCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// Subscribe starts a feed for symbol and delivers every kline to deliver.
func Subscribe(ctx context.Context, streamer KlineStreamer, symbol, interval string, deliver func(*domain.Kline), onErr func(error)) (*Subscription, error) {
	doneCh, stopCh, err := streamer.StreamKlines(ctx, symbol, interval, deliver, onErr)
	if err != nil {
		return nil, err
	}
	return &Subscription{symbol: symbol, interval: interval, doneCh: doneCh, stopCh: stopCh}, nil
}

// Stop tears the feed down. Safe to call more than once.
func (s *Subscription) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Done is closed once the underlying feed has ended.
func (s *Subscription) Done() <-chan struct{} {
	return s.doneCh
}
