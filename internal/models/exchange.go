package models

import "github.com/shopspring/decimal"

// Side 订单方向
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// Opposite 返回反方向
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType 交易所支持的原始订单类型
type OrderType string

const (
	Market     OrderType = "MARKET"
	Limit      OrderType = "LIMIT"
	Stop       OrderType = "STOP"        // 止损限价
	StopMarket OrderType = "STOP_MARKET" // 止损市价
)

// TimeInForce 订单有效方式
type TimeInForce string

const GTC TimeInForce = "GTC"

// OrderRequest 是发送给网关的单个原始订单。数量必须已经过规范化。
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      string
	Price         string // LIMIT / STOP
	StopPrice     string // STOP / STOP_MARKET
	TimeInForce   TimeInForce
	ReduceOnly    bool
	ClientOrderID string
}

// Order 定义了交易所返回的订单信息
type Order struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	StopPrice     string `json:"stopPrice"`
	TimeInForce   string `json:"timeInForce"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdateTime    int64  `json:"updateTime"`
}

// Position 定义了持仓信息, PositionAmt 为带符号数量 (正为多, 负为空)
type Position struct {
	Symbol           string          `json:"symbol"`
	PositionAmt      decimal.Decimal `json:"positionAmt"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	MarkPrice        decimal.Decimal `json:"markPrice"`
	UnrealizedProfit decimal.Decimal `json:"unRealizedProfit"`
	Leverage         string          `json:"leverage"`
	PositionSide     string          `json:"positionSide"`
}

// Balance 合约账户中单个资产的余额
type Balance struct {
	Asset            string          `json:"asset"`
	WalletBalance    decimal.Decimal `json:"walletBalance"`
	UnrealizedProfit decimal.Decimal `json:"unrealizedProfit"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
}

// Account 合约账户概览。Balances 不含零余额资产, Positions 只包含非零持仓。
type Account struct {
	TotalWalletBalance    decimal.Decimal `json:"totalWalletBalance"`
	TotalUnrealizedProfit decimal.Decimal `json:"totalUnrealizedProfit"`
	AvailableBalance      decimal.Decimal `json:"availableBalance"`
	Balances              []Balance       `json:"balances"`
	Positions             []Position      `json:"positions"`
	UpdateTime            int64           `json:"updateTime"`
}

// Kline K线数据, 按时间从旧到新排列
type Kline struct {
	OpenTime  int64   `json:"openTime"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"closeTime"`
}

// SymbolFilterSet 交易对的下单规则 (LOT_SIZE 与 PRICE_FILTER)
type SymbolFilterSet struct {
	Symbol     string `json:"symbol"`
	HasLotSize bool   `json:"hasLotSize"`
	StepSize   string `json:"stepSize,omitempty"`
	MinQty     string `json:"minQty,omitempty"`
	MaxQty     string `json:"maxQty,omitempty"`
	TickSize   string `json:"tickSize,omitempty"`
}
