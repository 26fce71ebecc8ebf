package strategy

import (
	"context"
	"fmt"

	"binance-algo-executor/internal/models"
	"binance-algo-executor/internal/scheduler"
	"binance-algo-executor/internal/storage"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// FlattenResult 平仓尝试的结论
type FlattenResult struct {
	Closed       bool
	PositionSize decimal.Decimal // 平仓前的带符号持仓
	Order        *models.Order
	Message      string
	LastAction   string
}

// Flatten 查询 symbol 的持仓, 若不为零则以相反方向下一个只减仓市价单。
// 只尝试一次, 失败写入结果而不返回错误。owner 用于订单日志。
func (s *Supervisor) Flatten(ctx context.Context, symbol, owner string) FlattenResult {
	log := s.logger.With(zap.String("strategy", owner), zap.String("symbol", symbol))

	positions, err := s.market.GetPositions(ctx, symbol)
	if err != nil {
		log.Error("Failed to fetch positions for flatten.", zap.Error(err))
		return FlattenResult{Message: fmt.Sprintf("Failed to fetch positions for %s: %v", symbol, err)}
	}

	for _, p := range positions {
		if p.Symbol != symbol || p.PositionAmt.IsZero() {
			continue
		}
		side := models.Sell
		if p.PositionAmt.IsNegative() {
			side = models.Buy
		}
		qty := p.PositionAmt.Abs()

		order, err := s.placer.PlaceOrder(ctx, scheduler.OrderIntent{
			Symbol:     symbol,
			Side:       side,
			Type:       models.Market,
			Quantity:   qty.String(),
			ReduceOnly: true,
			Owner:      storage.Owner{Kind: "strategy", ID: owner},
		})
		if err != nil {
			log.Error("Failed to close position.", zap.String("side", string(side)), zap.String("qty", qty.String()), zap.Error(err))
			return FlattenResult{
				PositionSize: p.PositionAmt,
				Message:      fmt.Sprintf("Failed to close position for %s: %v", symbol, err),
				LastAction:   fmt.Sprintf("Auto-close failed (%s)", side),
			}
		}
		log.Info("Closed position via reduce-only order.", zap.String("side", string(side)),
			zap.String("qty", qty.String()), zap.Int64("order_id", order.OrderID))
		return FlattenResult{
			Closed:       true,
			PositionSize: p.PositionAmt,
			Order:        order,
			Message:      fmt.Sprintf("Closed %s position via reduce-only %s order.", symbol, side),
			LastAction:   fmt.Sprintf("Auto-close %s %s", side, qty.String()),
		}
	}

	return FlattenResult{Message: fmt.Sprintf("No open position found for %s, no position to close.", symbol)}
}
