package scheduler

import (
	"context"
	"fmt"

	"binance-algo-executor/internal/models"
	"binance-algo-executor/internal/storage"

	"go.uber.org/zap"
)

const ocoDisclaimer = "OCO simulated with two separate orders. Manual management required."

// OrderIntent is a single primitive order before normalization. Owner tags
// the journal entry; the zero value journals it as a direct order.
type OrderIntent struct {
	Symbol     string
	Side       models.Side
	Type       models.OrderType
	Quantity   string
	Price      string
	StopPrice  string
	ReduceOnly bool
	Owner      storage.Owner
}

// OCORequest pairs a take-profit limit on Side with a stop-market on the
// opposite side.
type OCORequest struct {
	Symbol     string
	Side       models.Side
	Quantity   string
	LimitPrice string
	StopPrice  string
}

// OCOResult carries both legs. Nothing links them: when one fills the other
// has to be cancelled by the operator.
type OCOResult struct {
	ID         string        `json:"id"`
	LimitOrder *models.Order `json:"limitOrder"`
	StopOrder  *models.Order `json:"stopOrder,omitempty"`
	Simulated  bool          `json:"simulated"`
	Message    string        `json:"message"`
}

type StopLimitRequest struct {
	Symbol    string
	Side      models.Side
	Quantity  string
	Price     string
	StopPrice string
}

type StopLimitResult struct {
	Order   *models.Order `json:"order"`
	Message string        `json:"message"`
}

// PlaceOrder normalizes and places one MARKET, LIMIT, STOP or STOP_MARKET order.
func (s *Scheduler) PlaceOrder(ctx context.Context, intent OrderIntent) (*models.Order, error) {
	req, err := s.buildRequest(ctx, intent)
	if err != nil {
		return nil, err
	}
	owner := intent.Owner
	if owner.ID == "" {
		owner = storage.Owner{Kind: "order", ID: req.ClientOrderID}
	}

	order, err := s.place(ctx, owner, req)
	if err != nil {
		s.logger.Error("Order failed.",
			zap.String("symbol", req.Symbol), zap.String("side", string(req.Side)),
			zap.String("type", string(req.Type)), zap.String("qty", req.Quantity), zap.Error(err))
		return nil, err
	}
	s.logger.Info("Order placed.",
		zap.String("symbol", req.Symbol), zap.String("side", string(req.Side)),
		zap.String("type", string(req.Type)), zap.String("qty", req.Quantity),
		zap.Bool("reduce_only", req.ReduceOnly), zap.Int64("order_id", order.OrderID))
	return order, nil
}

// PlaceStopLimit places a STOP order that becomes a limit at Price once the
// market reaches StopPrice.
func (s *Scheduler) PlaceStopLimit(ctx context.Context, req StopLimitRequest) (StopLimitResult, error) {
	intent := OrderIntent{
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      models.Stop,
		Quantity:  req.Quantity,
		Price:     req.Price,
		StopPrice: req.StopPrice,
	}
	built, err := s.buildRequest(ctx, intent)
	if err != nil {
		return StopLimitResult{}, err
	}
	order, err := s.place(ctx, storage.Owner{Kind: "stop_limit", ID: built.ClientOrderID}, built)
	if err != nil {
		s.logger.Error("Failed to place STOP_LIMIT order.", zap.String("symbol", req.Symbol), zap.Error(err))
		return StopLimitResult{}, err
	}
	s.logger.Info("STOP_LIMIT order placed.", zap.String("symbol", req.Symbol), zap.Int64("order_id", order.OrderID))
	return StopLimitResult{
		Order:   order,
		Message: fmt.Sprintf("Stop-Limit order placed. Will trigger at %s and execute at %s", built.StopPrice, built.Price),
	}, nil
}

// PlaceOCO places the take-profit leg and then the stop-loss leg. If the
// first leg fails nothing else is sent. If the second fails the result still
// holds the first leg, which stays on the book.
func (s *Scheduler) PlaceOCO(ctx context.Context, req OCORequest) (OCOResult, error) {
	limitIntent := OrderIntent{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     models.Limit,
		Quantity: req.Quantity,
		Price:    req.LimitPrice,
	}
	limitReq, err := s.buildRequest(ctx, limitIntent)
	if err != nil {
		return OCOResult{}, err
	}
	stopIntent := OrderIntent{
		Symbol:    req.Symbol,
		Side:      req.Side.Opposite(),
		Type:      models.StopMarket,
		Quantity:  req.Quantity,
		StopPrice: req.StopPrice,
	}
	stopReq, err := s.buildRequest(ctx, stopIntent)
	if err != nil {
		return OCOResult{}, err
	}

	id := s.newID("oco")
	limitReq.ClientOrderID = clientOrderID(id, "tp", 0)
	stopReq.ClientOrderID = clientOrderID(id, "sl", 0)
	owner := storage.Owner{Kind: "oco", ID: id}
	log := s.logger.With(zap.String("oco_id", id), zap.String("symbol", req.Symbol))
	log.Warn("OCO orders are simulated for futures, placing separate orders.")

	result := OCOResult{ID: id, Simulated: true, Message: ocoDisclaimer}
	result.LimitOrder, err = s.place(ctx, owner, limitReq)
	if err != nil {
		log.Error("Failed to place OCO take-profit leg.", zap.Error(err))
		return OCOResult{}, fmt.Errorf("oco %s take-profit leg: %w", id, err)
	}
	result.StopOrder, err = s.place(ctx, owner, stopReq)
	if err != nil {
		log.Error("Failed to place OCO stop-loss leg, take-profit leg is live.",
			zap.Int64("limit_order_id", result.LimitOrder.OrderID), zap.Error(err))
		result.Message = fmt.Sprintf("stop-loss leg failed, take-profit order %d is live. %s", result.LimitOrder.OrderID, ocoDisclaimer)
		return result, fmt.Errorf("oco %s stop-loss leg: %w", id, err)
	}
	log.Info("OCO order placed (simulated).",
		zap.Int64("limit_order_id", result.LimitOrder.OrderID),
		zap.Int64("stop_order_id", result.StopOrder.OrderID))
	return result, nil
}

// CancelOrder cancels a resting order on the exchange.
func (s *Scheduler) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if err := s.gateway.CancelOrder(ctx, symbol, orderID); err != nil {
		s.logger.Error("Failed to cancel order.", zap.String("symbol", symbol), zap.Int64("order_id", orderID), zap.Error(err))
		return err
	}
	s.logger.Info("Order cancelled.", zap.String("symbol", symbol), zap.Int64("order_id", orderID))
	return nil
}

// buildRequest validates an intent and turns it into an exchange request with
// normalized quantity and prices. Nothing is sent.
func (s *Scheduler) buildRequest(ctx context.Context, in OrderIntent) (models.OrderRequest, error) {
	if err := validSymbolSide(in.Symbol, in.Side); err != nil {
		return models.OrderRequest{}, err
	}
	q, err := parsePositive(models.ErrInvalidQuantity, "quantity", in.Quantity)
	if err != nil {
		return models.OrderRequest{}, err
	}
	qty, err := s.normalizer.NormalizeDecimal(ctx, in.Symbol, q)
	if err != nil {
		return models.OrderRequest{}, err
	}

	req := models.OrderRequest{
		Symbol:        in.Symbol,
		Side:          in.Side,
		Type:          in.Type,
		Quantity:      qty,
		ReduceOnly:    in.ReduceOnly,
		ClientOrderID: s.newID("ord"),
	}

	needPrice, needStop := false, false
	switch in.Type {
	case models.Market:
	case models.Limit:
		needPrice = true
	case models.StopMarket:
		needStop = true
	case models.Stop:
		needPrice, needStop = true, true
	default:
		return models.OrderRequest{}, fmt.Errorf("%w: unsupported order type %q", models.ErrInvalidConfig, in.Type)
	}

	if needPrice {
		p, err := parsePositive(models.ErrInvalidConfig, string(in.Type)+" price", in.Price)
		if err != nil {
			return models.OrderRequest{}, err
		}
		req.Price = s.normalizer.NormalizePrice(ctx, in.Symbol, p)
		req.TimeInForce = models.GTC
	}
	if needStop {
		sp, err := parsePositive(models.ErrInvalidConfig, string(in.Type)+" stop price", in.StopPrice)
		if err != nil {
			return models.OrderRequest{}, err
		}
		req.StopPrice = s.normalizer.NormalizePrice(ctx, in.Symbol, sp)
	}
	return req, nil
}
