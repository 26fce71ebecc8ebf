package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"binance-algo-executor/internal/models"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// markPriceMaxAge 超过该时长的推送价格视为过期, 回退到 REST 查询
const markPriceMaxAge = 5 * time.Second

// LiveExchange 实现了 Exchange 接口，通过 go-binance 与币安 U 本位合约交互。
type LiveExchange struct {
	client *futures.Client
	stream *MarkPriceStream
	logger *zap.Logger
}

// NewLiveExchange 创建一个新的 LiveExchange 实例。baseURL 为空时使用 go-binance 的默认地址。
func NewLiveExchange(apiKey, secretKey, baseURL string, logger *zap.Logger) *LiveExchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := futures.NewClient(apiKey, secretKey)
	if baseURL != "" {
		client.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &LiveExchange{client: client, logger: logger}
}

// AttachMarkPriceStream 让 GetMarkPrice 优先使用 WebSocket 推送的标记价格
func (e *LiveExchange) AttachMarkPriceStream(stream *MarkPriceStream) {
	e.stream = stream
}

// SyncTime 与币安服务器同步时间，计算时间偏移。
func (e *LiveExchange) SyncTime(ctx context.Context) error {
	offset, err := e.client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return fmt.Errorf("与币安服务器同步时间失败: %w", err)
	}
	e.logger.Info("与币安服务器时间同步完成", zap.Int64("timeOffset (ms)", offset))
	return nil
}

// PlaceOrder 下单。
func (e *LiveExchange) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	svc := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		Quantity(req.Quantity)

	switch req.Type {
	case models.Limit:
		svc = svc.Price(req.Price).TimeInForce(timeInForce(req.TimeInForce))
	case models.Stop:
		svc = svc.Price(req.Price).StopPrice(req.StopPrice).TimeInForce(timeInForce(req.TimeInForce))
	case models.StopMarket:
		svc = svc.StopPrice(req.StopPrice)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		e.logger.Error("下单请求失败，交易所返回错误",
			zap.String("symbol", req.Symbol),
			zap.String("side", string(req.Side)),
			zap.String("type", string(req.Type)),
			zap.String("quantity", req.Quantity),
			zap.Error(err))
		return nil, err
	}

	return &models.Order{
		Symbol:        res.Symbol,
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Side:          string(res.Side),
		Type:          string(res.Type),
		Status:        string(res.Status),
		Price:         res.Price,
		AvgPrice:      res.AvgPrice,
		OrigQty:       res.OrigQuantity,
		ExecutedQty:   res.ExecutedQuantity,
		StopPrice:     res.StopPrice,
		TimeInForce:   string(res.TimeInForce),
		ReduceOnly:    res.ReduceOnly,
		UpdateTime:    res.UpdateTime,
	}, nil
}

// CancelOrder 取消订单。
func (e *LiveExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	_, err := e.client.NewCancelOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	return err
}

// GetMarkPrice 获取标记价格, 推送缓存新鲜时不发起 REST 请求
func (e *LiveExchange) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if e.stream != nil {
		if price, ok := e.stream.Latest(symbol, markPriceMaxAge); ok {
			return price, nil
		}
	}

	res, err := e.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, p := range res {
		if p.Symbol == symbol {
			return decimal.NewFromString(p.MarkPrice)
		}
	}
	return decimal.Zero, fmt.Errorf("未找到交易对 %s 的标记价格", symbol)
}

// GetKlines 获取K线, 按时间从旧到新
func (e *LiveExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Kline, error) {
	res, err := e.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, err
	}

	klines := make([]models.Kline, 0, len(res))
	for _, k := range res {
		klines = append(klines, models.Kline{
			OpenTime:  k.OpenTime,
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
			CloseTime: k.CloseTime,
		})
	}
	return klines, nil
}

// GetPositions 获取指定交易对的持仓信息, 过滤掉没有持仓的条目
func (e *LiveExchange) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	res, err := e.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, err
	}

	var positions []models.Position
	for _, p := range res {
		amt, err := decimal.NewFromString(p.PositionAmt)
		if err != nil || amt.IsZero() {
			continue
		}
		positions = append(positions, models.Position{
			Symbol:           p.Symbol,
			PositionAmt:      amt,
			EntryPrice:       parseDecimal(p.EntryPrice),
			MarkPrice:        parseDecimal(p.MarkPrice),
			UnrealizedProfit: parseDecimal(p.UnRealizedProfit),
			Leverage:         p.Leverage,
			PositionSide:     p.PositionSide,
		})
	}
	return positions, nil
}

// GetOpenOrders 获取当前挂单, symbol 为空时查询全部交易对
func (e *LiveExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	svc := e.client.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return nil, err
	}

	orders := make([]models.Order, 0, len(res))
	for _, o := range res {
		orders = append(orders, models.Order{
			Symbol:        o.Symbol,
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Side:          string(o.Side),
			Type:          string(o.Type),
			Status:        string(o.Status),
			Price:         o.Price,
			AvgPrice:      o.AvgPrice,
			OrigQty:       o.OrigQuantity,
			ExecutedQty:   o.ExecutedQuantity,
			StopPrice:     o.StopPrice,
			TimeInForce:   string(o.TimeInForce),
			ReduceOnly:    o.ReduceOnly,
			UpdateTime:    o.UpdateTime,
		})
	}
	return orders, nil
}

// GetAccount 获取合约账户余额与持仓概览
func (e *LiveExchange) GetAccount(ctx context.Context) (*models.Account, error) {
	res, err := e.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, err
	}

	account := &models.Account{
		TotalWalletBalance:    parseDecimal(res.TotalWalletBalance),
		TotalUnrealizedProfit: parseDecimal(res.TotalUnrealizedProfit),
		AvailableBalance:      parseDecimal(res.AvailableBalance),
		UpdateTime:            res.UpdateTime,
	}
	for _, a := range res.Assets {
		wallet := parseDecimal(a.WalletBalance)
		if wallet.IsZero() {
			continue
		}
		account.Balances = append(account.Balances, models.Balance{
			Asset:            a.Asset,
			WalletBalance:    wallet,
			UnrealizedProfit: parseDecimal(a.UnrealizedProfit),
			AvailableBalance: parseDecimal(a.AvailableBalance),
		})
	}
	for _, p := range res.Positions {
		amt := parseDecimal(p.PositionAmt)
		if amt.IsZero() {
			continue
		}
		account.Positions = append(account.Positions, models.Position{
			Symbol:           p.Symbol,
			PositionAmt:      amt,
			EntryPrice:       parseDecimal(p.EntryPrice),
			UnrealizedProfit: parseDecimal(p.UnrealizedProfit),
			Leverage:         p.Leverage,
			PositionSide:     string(p.PositionSide),
		})
	}
	return account, nil
}

// GetSymbolFilters 获取交易对的 LOT_SIZE 与 PRICE_FILTER 规则
func (e *LiveExchange) GetSymbolFilters(ctx context.Context, symbol string) (*models.SymbolFilterSet, error) {
	info, err := e.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, err
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		set := &models.SymbolFilterSet{Symbol: symbol}
		for _, f := range s.Filters {
			switch filterString(f, "filterType") {
			case "LOT_SIZE":
				set.HasLotSize = true
				set.StepSize = filterString(f, "stepSize")
				set.MinQty = filterString(f, "minQty")
				set.MaxQty = filterString(f, "maxQty")
			case "PRICE_FILTER":
				set.TickSize = filterString(f, "tickSize")
			}
		}
		return set, nil
	}
	return nil, nil
}

func filterString(f map[string]interface{}, key string) string {
	switch v := f[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func timeInForce(tif models.TimeInForce) futures.TimeInForceType {
	if tif == "" {
		return futures.TimeInForceTypeGTC
	}
	return futures.TimeInForceType(tif)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
