package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"binance-algo-executor/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// 模拟交易所返回的币安错误码
const (
	codeInvalidSymbol      = -1121
	codeUnknownOrder       = -2011
	codeWouldTrigger       = -2021
	codeReduceOnlyRejected = -2022
)

const maxPaperKlines = 1000

// paperAsset 模拟账户的保证金资产
const paperAsset = "USDT"

// PlaceOrderHook 在模拟下单前调用, 返回错误时该订单被拒绝。call 从1开始计数。
type PlaceOrderHook func(call int, req models.OrderRequest) error

// PaperExchange 实现了 Exchange 接口，在内存中模拟币安合约的成交行为。
// MARKET 单按当前价成交, LIMIT / STOP / STOP_MARKET 单挂起直到价格穿越。
type PaperExchange struct {
	mu sync.Mutex

	prices        map[string]decimal.Decimal
	klines        map[string][]models.Kline
	positions     map[string]decimal.Decimal // 带符号持仓
	avgEntryPrice map[string]decimal.Decimal
	orders        map[int64]*models.Order
	filters       map[string]*models.SymbolFilterSet
	template      models.SymbolFilterSet
	NextOrderID   int64

	// 模拟参数
	TakerFeeRate decimal.Decimal
	SlippageRate decimal.Decimal
	TotalFees    decimal.Decimal
	wallet       decimal.Decimal // 钱包余额 = 初始余额 + 已实现盈亏 - 手续费

	placeCalls int
	placeHook  PlaceOrderHook
	failures   map[string]error
	now        func() time.Time
	logger     *zap.Logger
}

// NewPaperExchange 创建一个新的 PaperExchange 实例。
func NewPaperExchange(cfg models.PaperConfig, logger *zap.Logger) *PaperExchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &PaperExchange{
		prices:        make(map[string]decimal.Decimal),
		klines:        make(map[string][]models.Kline),
		positions:     make(map[string]decimal.Decimal),
		avgEntryPrice: make(map[string]decimal.Decimal),
		orders:        make(map[int64]*models.Order),
		filters:       make(map[string]*models.SymbolFilterSet),
		template: models.SymbolFilterSet{
			HasLotSize: cfg.StepSize != "",
			StepSize:   cfg.StepSize,
			MinQty:     cfg.MinQty,
			TickSize:   cfg.TickSize,
		},
		NextOrderID:  1,
		TakerFeeRate: decimal.NewFromFloat(cfg.TakerFeeRate),
		SlippageRate: decimal.NewFromFloat(cfg.SlippageRate),
		failures:     make(map[string]error),
		now:          time.Now,
		logger:       logger,
	}
	if cfg.InitialBalance != "" {
		if b, err := decimal.NewFromString(cfg.InitialBalance); err == nil {
			e.wallet = b
		} else {
			logger.Warn("无法解析模拟账户初始余额, 使用 0", zap.String("initial_balance", cfg.InitialBalance))
		}
	}
	for sym, p := range cfg.Prices {
		// viper 会把 map 的键转成小写
		if price, err := decimal.NewFromString(p); err == nil {
			e.prices[strings.ToUpper(sym)] = price
		}
	}
	return e
}

// SetPrice 模拟价格变动, 追加一根合成K线并检查挂单是否触发或成交。
func (e *PaperExchange) SetPrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.prices[symbol] = price
	f, _ := price.Float64()
	ts := e.now().UnixMilli()
	e.appendKline(symbol, models.Kline{OpenTime: ts, Open: f, High: f, Low: f, Close: f, CloseTime: ts})
	e.checkOrdersAtPrice(symbol, price)
}

// AppendCloses 追加一组收盘价作为K线, 不触发挂单检查。用于给策略准备行情。
func (e *PaperExchange) AppendCloses(symbol string, closes ...float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ts := e.now().UnixMilli()
	for i, c := range closes {
		open := ts + int64(i)*60_000
		e.appendKline(symbol, models.Kline{OpenTime: open, Open: c, High: c, Low: c, Close: c, CloseTime: open + 59_999})
	}
	if len(closes) > 0 {
		e.prices[symbol] = decimal.NewFromFloat(closes[len(closes)-1])
	}
}

// LoadKlines 追加历史K线 (例如从 CSV 读取) 并以最后一根收盘价作为当前价格
func (e *PaperExchange) LoadKlines(symbol string, klines []models.Kline) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, k := range klines {
		e.appendKline(symbol, k)
	}
	if len(klines) > 0 {
		e.prices[symbol] = decimal.NewFromFloat(klines[len(klines)-1].Close)
	}
}

func (e *PaperExchange) appendKline(symbol string, k models.Kline) {
	ks := append(e.klines[symbol], k)
	if len(ks) > maxPaperKlines {
		ks = ks[len(ks)-maxPaperKlines:]
	}
	e.klines[symbol] = ks
}

// SetFilters 设置交易对规则, 传入 nil 表示交易所没有该交易对的规则
func (e *PaperExchange) SetFilters(symbol string, filters *models.SymbolFilterSet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if filters == nil {
		e.filters[symbol] = nil
		return
	}
	f := *filters
	f.Symbol = symbol
	e.filters[symbol] = &f
}

// SetPosition 直接设置带符号持仓, 用于测试和恢复场景
func (e *PaperExchange) SetPosition(symbol string, amount decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions[symbol] = amount
	if price, ok := e.prices[symbol]; ok && !amount.IsZero() {
		e.avgEntryPrice[symbol] = price
	}
}

// SetPlaceOrderHook 安装下单钩子, 传入 nil 移除
func (e *PaperExchange) SetPlaceOrderHook(hook PlaceOrderHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.placeHook = hook
}

// FailWith 让指定方法 (如 "GetPositions") 持续返回 err, 传入 nil 恢复
func (e *PaperExchange) FailWith(method string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failures, method)
		return
	}
	e.failures[method] = err
}

// Orders 返回所有订单的副本, 按订单号排序
func (e *PaperExchange) Orders() []models.Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]models.Order, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

// OpenOrders 返回指定交易对仍在挂单中的订单, 不受 FailWith 影响
func (e *PaperExchange) OpenOrders(symbol string) []models.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openOrders(symbol)
}

// Position 返回带符号持仓
func (e *PaperExchange) Position(symbol string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions[symbol]
}

// --- Exchange 接口实现 ---

func (e *PaperExchange) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.placeCalls++
	if e.placeHook != nil {
		if err := e.placeHook(e.placeCalls, req); err != nil {
			return nil, err
		}
	}
	if err := e.failures["PlaceOrder"]; err != nil {
		return nil, err
	}

	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil || !qty.IsPositive() {
		return nil, &models.GatewayError{Code: -1013, Msg: "Invalid quantity."}
	}
	current := e.prices[req.Symbol]

	order := &models.Order{
		OrderID:       e.NextOrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Type:          string(req.Type),
		Status:        "NEW",
		Price:         req.Price,
		OrigQty:       req.Quantity,
		ExecutedQty:   "0",
		StopPrice:     req.StopPrice,
		ReduceOnly:    req.ReduceOnly,
		UpdateTime:    e.now().UnixMilli(),
	}
	if order.Price == "" {
		order.Price = "0"
	}
	if req.Type != models.Market {
		tif := req.TimeInForce
		if tif == "" {
			tif = models.GTC
		}
		order.TimeInForce = string(tif)
	}

	switch req.Type {
	case models.Market:
		if !current.IsPositive() {
			return nil, &models.GatewayError{Code: models.CodeUnknown, Msg: fmt.Sprintf("no market price for %s", req.Symbol)}
		}
		if err := e.checkReduceOnly(order, qty); err != nil {
			return nil, err
		}
	case models.Limit:
		if _, err := decimal.NewFromString(req.Price); err != nil {
			return nil, &models.GatewayError{Code: -1102, Msg: "Mandatory parameter 'price' was not sent, was empty/null, or malformed."}
		}
	case models.Stop, models.StopMarket:
		stop, err := decimal.NewFromString(req.StopPrice)
		if err != nil {
			return nil, &models.GatewayError{Code: -1102, Msg: "Mandatory parameter 'stopPrice' was not sent, was empty/null, or malformed."}
		}
		if req.Type == models.Stop {
			if _, err := decimal.NewFromString(req.Price); err != nil {
				return nil, &models.GatewayError{Code: -1102, Msg: "Mandatory parameter 'price' was not sent, was empty/null, or malformed."}
			}
		}
		if current.IsPositive() && stopTriggered(req.Side, stop, current) {
			return nil, &models.GatewayError{Code: codeWouldTrigger, Msg: "Order would immediately trigger."}
		}
	default:
		return nil, &models.GatewayError{Code: -1116, Msg: "Invalid orderType."}
	}

	e.orders[order.OrderID] = order
	e.NextOrderID++

	if req.Type == models.Market {
		e.fill(order, current)
	} else if req.Type == models.Limit && current.IsPositive() {
		e.checkOrdersAtPrice(req.Symbol, current)
	}

	cpy := *order
	return &cpy, nil
}

func (e *PaperExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.failures["CancelOrder"]; err != nil {
		return err
	}
	order, ok := e.orders[orderID]
	if !ok || order.Symbol != symbol || order.Status != "NEW" {
		return &models.GatewayError{Code: codeUnknownOrder, Msg: "Unknown order sent."}
	}
	order.Status = "CANCELED"
	order.UpdateTime = e.now().UnixMilli()
	return nil
}

func (e *PaperExchange) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.failures["GetMarkPrice"]; err != nil {
		return decimal.Zero, err
	}
	price, ok := e.prices[symbol]
	if !ok {
		return decimal.Zero, &models.GatewayError{Code: codeInvalidSymbol, Msg: "Invalid symbol."}
	}
	return price, nil
}

func (e *PaperExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Kline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.failures["GetKlines"]; err != nil {
		return nil, err
	}
	ks := e.klines[symbol]
	if limit > 0 && len(ks) > limit {
		ks = ks[len(ks)-limit:]
	}
	out := make([]models.Kline, len(ks))
	copy(out, ks)
	return out, nil
}

func (e *PaperExchange) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.failures["GetPositions"]; err != nil {
		return nil, err
	}
	if e.positions[symbol].IsZero() {
		return nil, nil
	}
	return []models.Position{e.position(symbol)}, nil
}

func (e *PaperExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.failures["GetOpenOrders"]; err != nil {
		return nil, err
	}
	return e.openOrders(symbol), nil
}

// GetAccount 按当前价格计算未实现盈亏, 不模拟保证金占用
func (e *PaperExchange) GetAccount(ctx context.Context) (*models.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.failures["GetAccount"]; err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(e.positions))
	for sym, amt := range e.positions {
		if !amt.IsZero() {
			symbols = append(symbols, sym)
		}
	}
	sort.Strings(symbols)

	account := &models.Account{UpdateTime: e.now().UnixMilli()}
	unrealized := decimal.Zero
	for _, sym := range symbols {
		p := e.position(sym)
		unrealized = unrealized.Add(p.UnrealizedProfit)
		account.Positions = append(account.Positions, p)
	}
	account.TotalWalletBalance = e.wallet
	account.TotalUnrealizedProfit = unrealized
	account.AvailableBalance = e.wallet.Add(unrealized)
	if !e.wallet.IsZero() {
		account.Balances = []models.Balance{{
			Asset:            paperAsset,
			WalletBalance:    e.wallet,
			UnrealizedProfit: unrealized,
			AvailableBalance: account.AvailableBalance,
		}}
	}
	return account, nil
}

func (e *PaperExchange) GetSymbolFilters(ctx context.Context, symbol string) (*models.SymbolFilterSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.failures["GetSymbolFilters"]; err != nil {
		return nil, err
	}
	if f, ok := e.filters[symbol]; ok {
		if f == nil {
			return nil, nil
		}
		cpy := *f
		return &cpy, nil
	}
	f := e.template
	f.Symbol = symbol
	return &f, nil
}

// --- 撮合模拟, 以下方法必须在持有锁的情况下调用 ---

func (e *PaperExchange) position(symbol string) models.Position {
	amt := e.positions[symbol]
	mark := e.prices[symbol]
	entry := e.avgEntryPrice[symbol]
	return models.Position{
		Symbol:           symbol,
		PositionAmt:      amt,
		EntryPrice:       entry,
		MarkPrice:        mark,
		UnrealizedProfit: mark.Sub(entry).Mul(amt),
		Leverage:         "1",
		PositionSide:     "BOTH",
	}
}

// openOrders 按订单号返回挂单, symbol 为空时返回全部
func (e *PaperExchange) openOrders(symbol string) []models.Order {
	var open []models.Order
	for _, o := range e.orders {
		if o.Status == "NEW" && (symbol == "" || o.Symbol == symbol) {
			open = append(open, *o)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].OrderID < open[j].OrderID })
	return open
}

func stopTriggered(side models.Side, stop, price decimal.Decimal) bool {
	if side == models.Buy {
		return price.GreaterThanOrEqual(stop)
	}
	return price.LessThanOrEqual(stop)
}

// checkReduceOnly 只减仓订单不能开仓或反向, 数量超过持仓时按持仓量成交
func (e *PaperExchange) checkReduceOnly(order *models.Order, qty decimal.Decimal) error {
	if !order.ReduceOnly {
		return nil
	}
	pos := e.positions[order.Symbol]
	reduces := (order.Side == string(models.Sell) && pos.IsPositive()) ||
		(order.Side == string(models.Buy) && pos.IsNegative())
	if !reduces {
		return &models.GatewayError{Code: codeReduceOnlyRejected, Msg: "ReduceOnly Order is rejected."}
	}
	if qty.GreaterThan(pos.Abs()) {
		order.OrigQty = pos.Abs().String()
	}
	return nil
}

// checkOrdersAtPrice 按订单号顺序检查挂单在给定价格是否触发或成交
func (e *PaperExchange) checkOrdersAtPrice(symbol string, price decimal.Decimal) {
	ids := make([]int64, 0, len(e.orders))
	for id, o := range e.orders {
		if o.Symbol == symbol && o.Status == "NEW" {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		order := e.orders[id]
		side := models.Side(order.Side)
		switch models.OrderType(order.Type) {
		case models.Limit:
			limit, _ := decimal.NewFromString(order.Price)
			if (side == models.Buy && price.LessThanOrEqual(limit)) || (side == models.Sell && price.GreaterThanOrEqual(limit)) {
				e.fill(order, limit)
			}
		case models.StopMarket:
			stop, _ := decimal.NewFromString(order.StopPrice)
			if stopTriggered(side, stop, price) {
				qty, _ := decimal.NewFromString(order.OrigQty)
				if e.checkReduceOnly(order, qty) != nil {
					order.Status = "EXPIRED"
					continue
				}
				e.fill(order, price)
			}
		case models.Stop:
			stop, _ := decimal.NewFromString(order.StopPrice)
			if stopTriggered(side, stop, price) {
				// 触发后转为限价单
				order.Type = string(models.Limit)
				limit, _ := decimal.NewFromString(order.Price)
				if (side == models.Buy && price.LessThanOrEqual(limit)) || (side == models.Sell && price.GreaterThanOrEqual(limit)) {
					e.fill(order, limit)
				}
			}
		}
	}
}

// fill 处理一个已成交的订单，更新持仓与均价。
func (e *PaperExchange) fill(order *models.Order, base decimal.Decimal) {
	qty, _ := decimal.NewFromString(order.OrigQty)
	side := models.Side(order.Side)

	var execPrice decimal.Decimal
	if side == models.Buy {
		execPrice = base.Mul(decimal.NewFromInt(1).Add(e.SlippageRate))
	} else {
		execPrice = base.Mul(decimal.NewFromInt(1).Sub(e.SlippageRate))
	}
	fee := execPrice.Mul(qty).Mul(e.TakerFeeRate)
	e.TotalFees = e.TotalFees.Add(fee)

	signed := qty
	if side == models.Sell {
		signed = qty.Neg()
	}
	pos := e.positions[order.Symbol]
	next := pos.Add(signed)

	// 减仓部分按均价结算已实现盈亏
	if !pos.IsZero() && pos.Sign() != signed.Sign() {
		closed := decimal.Min(pos.Abs(), qty)
		realized := execPrice.Sub(e.avgEntryPrice[order.Symbol]).Mul(closed)
		if pos.IsNegative() {
			realized = realized.Neg()
		}
		e.wallet = e.wallet.Add(realized)
	}
	e.wallet = e.wallet.Sub(fee)

	switch {
	case next.IsZero():
		delete(e.avgEntryPrice, order.Symbol)
	case pos.IsZero() || pos.Sign() != next.Sign():
		// 开仓或反向, 均价即成交价
		e.avgEntryPrice[order.Symbol] = execPrice
	case pos.Sign() == signed.Sign():
		// 加仓, 按数量加权
		total := e.avgEntryPrice[order.Symbol].Mul(pos.Abs()).Add(execPrice.Mul(qty))
		e.avgEntryPrice[order.Symbol] = total.Div(next.Abs())
	}
	e.positions[order.Symbol] = next

	order.Status = "FILLED"
	order.ExecutedQty = order.OrigQty
	order.AvgPrice = execPrice.String()
	order.UpdateTime = e.now().UnixMilli()

	e.logger.Info("[模拟] 订单成交",
		zap.String("symbol", order.Symbol),
		zap.Int64("order_id", order.OrderID),
		zap.String("side", order.Side),
		zap.String("type", order.Type),
		zap.String("price", execPrice.String()),
		zap.String("quantity", order.OrigQty),
		zap.String("position", next.String()),
		zap.String("fee", fee.String()))
}
