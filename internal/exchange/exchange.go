package exchange

import (
	"context"

	"binance-algo-executor/internal/models"

	"github.com/shopspring/decimal"
)

// Exchange 定义了执行器依赖的交易所网关方法。
// 真实交易 (LiveExchange) 与模拟交易 (PaperExchange) 都实现该接口。
type Exchange interface {
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Kline, error)
	GetPositions(ctx context.Context, symbol string) ([]models.Position, error)
	// GetOpenOrders 返回仍在挂单中的订单, symbol 为空时返回所有交易对
	GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	GetAccount(ctx context.Context) (*models.Account, error)
	// GetSymbolFilters 返回 (nil, nil) 表示交易所没有该交易对的规则
	GetSymbolFilters(ctx context.Context, symbol string) (*models.SymbolFilterSet, error)
}
