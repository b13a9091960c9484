package binanceclient

import (
	"context"
	"time"

	"reversalBot/internal/domain"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"
)

// connectFunc opens one underlying WebSocket connection. The returned release
// func is called once that connection is finished with.
type connectFunc func(ctx context.Context) (innerDone, innerStop chan struct{}, release func(), err error)

// StreamKlines starts a WebSocket stream for K-line/candlestick data.
func (c *Client) StreamKlines(ctx context.Context, symbol, interval string, handler func(kline *domain.Kline), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error) {
	op := "StreamKlines"
	fields := map[string]interface{}{"symbol": symbol, "interval": interval}

	connect := func(wsCtx context.Context) (chan struct{}, chan struct{}, func(), error) {
		binanceHandler := func(event *futures.WsKlineEvent) {
			domainKline, err := translateWsKline(event)
			if err != nil {
				c.logger.Error(wsCtx, err, op+": Failed to translate WebSocket kline event", fields)
				return
			}
			handler(domainKline)
		}
		binanceErrHandler := func(err error) {
			translatedErr := c.handleError(wsCtx, err, op+" WebSocket")
			c.logger.Warn(wsCtx, op+": WebSocket error reported", map[string]interface{}{"symbol": symbol, "error": translatedErr.Error()})
			errHandler(translatedErr)
		}
		innerDone, innerStop, err := futures.WsKlineServe(symbol, interval, binanceHandler, binanceErrHandler)
		return innerDone, innerStop, func() {}, err
	}

	doneCh, stopCh = c.supervise(ctx, op, fields, connect)
	return doneCh, stopCh, nil
}

// StreamOrderUpdates subscribes to ORDER_TRADE_UPDATE events on the user-data stream.
// Each connection obtains its own listen key and keeps it alive until the connection ends.
func (c *Client) StreamOrderUpdates(ctx context.Context, handler func(update *domain.OrderUpdate), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error) {
	op := "StreamOrderUpdates"
	fields := map[string]interface{}{"stream": "userData"}

	connect := func(wsCtx context.Context) (chan struct{}, chan struct{}, func(), error) {
		listenKey, err := c.futuresClient.NewStartUserStreamService().Do(wsCtx)
		if err != nil {
			return nil, nil, nil, c.handleError(wsCtx, err, op+" listen key")
		}

		binanceHandler := func(event *futures.WsUserDataEvent) {
			if event == nil || event.Event != futures.UserDataEventTypeOrderTradeUpdate {
				return
			}
			handler(translateOrderUpdate(&event.OrderTradeUpdate))
		}
		binanceErrHandler := func(err error) {
			translatedErr := c.handleError(wsCtx, err, op+" WebSocket")
			errHandler(translatedErr)
		}

		innerDone, innerStop, err := futures.WsUserDataServe(listenKey, binanceHandler, binanceErrHandler)
		if err != nil {
			return nil, nil, nil, err
		}

		keepCtx, cancelKeep := context.WithCancel(wsCtx)
		go c.keepListenKeyAlive(keepCtx, listenKey)

		release := func() {
			cancelKeep()
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.futuresClient.NewCloseUserStreamService().ListenKey(listenKey).Do(closeCtx); err != nil {
				c.logger.Debug(closeCtx, op+": closing listen key failed", map[string]interface{}{"error": err.Error()})
			}
		}
		return innerDone, innerStop, release, nil
	}

	doneCh, stopCh = c.supervise(ctx, op, fields, connect)
	return doneCh, stopCh, nil
}

func (c *Client) keepListenKeyAlive(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(c.listenKeyKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.futuresClient.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
				c.handleError(ctx, err, "KeepaliveUserStream")
			}
		}
	}
}

// supervise runs connect in a reconnection loop until ctx is cancelled, the
// stopCh is closed by the caller, or maxReconnectAttempts consecutive connects fail.
// doneCh is closed once the loop has exited.
func (c *Client) supervise(ctx context.Context, op string, fields map[string]interface{}, connect connectFunc) (doneCh chan struct{}, stopCh chan struct{}) {
	wsCtx, cancelWs := context.WithCancel(ctx)

	b := &backoff.Backoff{
		Min:    c.reconnectDelay,
		Max:    2 * time.Minute,
		Factor: 2,
		Jitter: true,
	}

	doneCh = make(chan struct{})
	stopCh = make(chan struct{})

	go func() {
		defer close(doneCh)
		defer cancelWs()

		for {
			if wsCtx.Err() != nil {
				c.logger.Info(wsCtx, op+": Context cancelled, stopping connection attempts.", fields)
				return
			}

			c.logger.Info(wsCtx, op+": Attempting WebSocket connection...", withField(fields, "attempt", int(b.Attempt())+1))
			innerDone, innerStop, release, connectErr := connect(wsCtx)
			if connectErr != nil {
				c.handleError(wsCtx, connectErr, op+" connection attempt")
				delay := b.Duration()
				if int(b.Attempt()) >= c.maxReconnectAttempts {
					c.logger.Error(wsCtx, connectErr, op+": Max reconnection attempts exceeded, giving up.", withField(fields, "maxAttempts", c.maxReconnectAttempts))
					return
				}
				c.logger.Info(wsCtx, op+": Connection failed, retrying...", withField(fields, "delay", delay.String()))

				select {
				case <-time.After(delay):
					continue
				case <-wsCtx.Done():
					c.logger.Info(wsCtx, op+": Context cancelled during backoff.", fields)
					return
				}
			}

			c.logger.Info(wsCtx, op+": WebSocket connection established.", fields)
			b.Reset()

			select {
			case <-innerDone:
				release()
				c.logger.Warn(wsCtx, op+": WebSocket connection closed unexpectedly. Reconnecting...", fields)
			case <-wsCtx.Done():
				c.logger.Info(wsCtx, op+": Context cancelled, stopping WebSocket.", fields)
				close(innerStop)
				release()
				return
			}
		}
	}()

	go func() {
		select {
		case <-stopCh:
			c.logger.Info(ctx, op+": Received external stop signal, cancelling WebSocket context.", fields)
			cancelWs()
		case <-wsCtx.Done():
		}
	}()

	return doneCh, stopCh
}

func withField(fields map[string]interface{}, key string, value interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[key] = value
	return out
}
