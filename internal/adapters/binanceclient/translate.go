package binanceclient

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"reversalBot/internal/domain"
	"reversalBot/internal/ports"

	"github.com/adshao/go-binance/v2/futures"
)

// --- Translation Helpers ---

// translateSymbol extracts quantization rules from raw exchange-info filters.
// MARKET_LOT_SIZE is preferred for the step since entries may fall back to market orders.
func translateSymbol(symbol, quoteAsset, status string, filters []map[string]interface{}) domain.InstrumentConstraints {
	ic := domain.InstrumentConstraints{
		Symbol:     symbol,
		QuoteAsset: quoteAsset,
		Status:     status,
	}

	lotStep := filterFloat(filters, "LOT_SIZE", "stepSize")
	marketStep := filterFloat(filters, "MARKET_LOT_SIZE", "stepSize")
	ic.StepSize = marketStep
	if ic.StepSize <= 0 {
		ic.StepSize = lotStep
	}
	ic.TickSize = filterFloat(filters, "PRICE_FILTER", "tickSize")

	// USDⓈ-M futures report "notional" under MIN_NOTIONAL; some payloads use NOTIONAL/minNotional.
	ic.MinNotional = filterFloat(filters, "MIN_NOTIONAL", "notional")
	if ic.MinNotional <= 0 {
		ic.MinNotional = filterFloat(filters, "NOTIONAL", "minNotional")
	}
	return ic
}

func filterFloat(filters []map[string]interface{}, filterType, key string) float64 {
	for _, f := range filters {
		if t, _ := f["filterType"].(string); t != filterType {
			continue
		}
		switch v := f[key].(type) {
		case string:
			out, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return 0
			}
			return out
		case float64:
			return v
		}
	}
	return 0
}

func translateOrderResponse(order *futures.CreateOrderResponse) *ports.OrderResponse {
	if order == nil {
		return nil
	}
	price, _ := strconv.ParseFloat(order.Price, 64)
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	origQty, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	return &ports.OrderResponse{
		OrderID:       order.OrderID,
		Symbol:        order.Symbol,
		ClientOrderID: order.ClientOrderID,
		Price:         price,
		AvgPrice:      avgPrice,
		OrigQuantity:  origQty,
		ExecutedQty:   execQty,
		Status:        string(order.Status),
		TimeInForce:   string(order.TimeInForce),
		Type:          string(order.Type),
		Side:          string(order.Side),
		Timestamp:     time.UnixMilli(order.UpdateTime),
	}
}

func translateOrder(order *futures.Order) *ports.OrderResponse {
	if order == nil {
		return nil
	}
	price, _ := strconv.ParseFloat(order.Price, 64)
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	origQty, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	return &ports.OrderResponse{
		OrderID:       order.OrderID,
		Symbol:        order.Symbol,
		ClientOrderID: order.ClientOrderID,
		Price:         price,
		AvgPrice:      avgPrice,
		OrigQuantity:  origQty,
		ExecutedQty:   execQty,
		Status:        string(order.Status),
		TimeInForce:   string(order.TimeInForce),
		Type:          string(order.Type),
		Side:          string(order.Side),
		Timestamp:     time.UnixMilli(order.UpdateTime),
	}
}

func translatePositionRisk(pos *futures.PositionRisk) *ports.PositionRisk {
	if pos == nil {
		return nil
	}
	posAmt, _ := strconv.ParseFloat(pos.PositionAmt, 64)
	entryPrice, _ := strconv.ParseFloat(pos.EntryPrice, 64)
	markPrice, _ := strconv.ParseFloat(pos.MarkPrice, 64)
	unProfit, _ := strconv.ParseFloat(pos.UnRealizedProfit, 64)
	liqPrice, _ := strconv.ParseFloat(pos.LiquidationPrice, 64)
	leverage, _ := strconv.Atoi(pos.Leverage)

	return &ports.PositionRisk{
		Symbol:           pos.Symbol,
		PositionAmt:      posAmt,
		EntryPrice:       entryPrice,
		MarkPrice:        markPrice,
		UnRealizedProfit: unProfit,
		LiquidationPrice: liqPrice,
		Leverage:         leverage,
	}
}

func translateOrderUpdate(u *futures.WsOrderTradeUpdate) *domain.OrderUpdate {
	avg, _ := strconv.ParseFloat(u.AveragePrice, 64)
	origQty, _ := strconv.ParseFloat(u.OriginalQty, 64)
	pnl, _ := strconv.ParseFloat(u.RealizedPnL, 64)
	return &domain.OrderUpdate{
		Symbol:      u.Symbol,
		OrderID:     u.ID,
		Side:        domain.OrderSide(u.Side),
		Status:      string(u.Status),
		AvgPrice:    avg,
		OrigQty:     origQty,
		RealizedPnL: pnl,
		ReduceOnly:  u.IsReduceOnly || u.IsClosingPosition,
	}
}

func translateWsKline(event *futures.WsKlineEvent) (*domain.Kline, error) {
	if event == nil {
		return nil, errors.New("received nil kline event")
	}
	k := event.Kline
	ohlcv, err := parseOHLCV(k.Open, k.High, k.Low, k.Close, k.Volume)
	if err != nil {
		return nil, err
	}

	return &domain.Kline{
		OpenTime:  time.UnixMilli(k.StartTime),
		CloseTime: time.UnixMilli(k.EndTime),
		Symbol:    k.Symbol,
		Interval:  k.Interval,
		Open:      ohlcv[0],
		High:      ohlcv[1],
		Low:       ohlcv[2],
		Close:     ohlcv[3],
		Volume:    ohlcv[4],
		IsFinal:   k.IsFinal,
	}, nil
}

func translateBinanceKline(bk *futures.Kline, symbol, interval string) (*domain.Kline, error) {
	if bk == nil {
		return nil, errors.New("received nil historical kline")
	}
	ohlcv, err := parseOHLCV(bk.Open, bk.High, bk.Low, bk.Close, bk.Volume)
	if err != nil {
		return nil, err
	}

	return &domain.Kline{
		OpenTime:  time.UnixMilli(bk.OpenTime),
		CloseTime: time.UnixMilli(bk.CloseTime),
		Symbol:    symbol, // futures.Kline carries neither symbol nor interval
		Interval:  interval,
		Open:      ohlcv[0],
		High:      ohlcv[1],
		Low:       ohlcv[2],
		Close:     ohlcv[3],
		Volume:    ohlcv[4],
		IsFinal:   time.UnixMilli(bk.CloseTime).Before(time.Now()),
	}, nil
}

func parseOHLCV(values ...string) ([5]float64, error) {
	names := [5]string{"open price", "high price", "low price", "close price", "volume"}
	var out [5]float64
	for i, v := range values {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return out, fmt.Errorf("parsing %s '%s': %w", names[i], v, err)
		}
		out[i] = f
	}
	return out, nil
}
