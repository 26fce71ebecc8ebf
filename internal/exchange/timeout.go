package exchange

import (
	"context"
	"time"

	"binance-algo-executor/internal/models"

	"github.com/shopspring/decimal"
)

const DefaultCallTimeout = 10 * time.Second

// timeoutExchange wraps every gateway call in its own deadline and classifies
// failures. The deadline is derived from the caller's context, so a caller
// that wants an in-flight call to survive its own cancellation passes a
// detached context.
type timeoutExchange struct {
	inner   Exchange
	timeout time.Duration
}

// WithTimeout 返回一个为每次调用设置超时并统一错误类型的网关
func WithTimeout(inner Exchange, timeout time.Duration) Exchange {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &timeoutExchange{inner: inner, timeout: timeout}
}

func (t *timeoutExchange) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	order, err := t.inner.PlaceOrder(ctx, req)
	return order, Classify(err)
}

func (t *timeoutExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return Classify(t.inner.CancelOrder(ctx, symbol, orderID))
}

func (t *timeoutExchange) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	price, err := t.inner.GetMarkPrice(ctx, symbol)
	return price, Classify(err)
}

func (t *timeoutExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Kline, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	klines, err := t.inner.GetKlines(ctx, symbol, interval, limit)
	return klines, Classify(err)
}

func (t *timeoutExchange) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	positions, err := t.inner.GetPositions(ctx, symbol)
	return positions, Classify(err)
}

func (t *timeoutExchange) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	orders, err := t.inner.GetOpenOrders(ctx, symbol)
	return orders, Classify(err)
}

func (t *timeoutExchange) GetAccount(ctx context.Context) (*models.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	account, err := t.inner.GetAccount(ctx)
	return account, Classify(err)
}

func (t *timeoutExchange) GetSymbolFilters(ctx context.Context, symbol string) (*models.SymbolFilterSet, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	filters, err := t.inner.GetSymbolFilters(ctx, symbol)
	return filters, Classify(err)
}
