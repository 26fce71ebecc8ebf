package scheduler

import (
	"context"
	"errors"
	"fmt"

	"binance-algo-executor/internal/models"
	"binance-algo-executor/internal/storage"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// GridRequest asks for Quantity to be spread evenly over Levels resting limit
// orders between LowerPrice and UpperPrice inclusive.
type GridRequest struct {
	Symbol     string
	Side       models.Side
	Quantity   string
	LowerPrice string
	UpperPrice string
	Levels     int
}

// LevelPrices returns lower + i*(upper-lower)/(levels-1) for i in [0, levels).
// A single level sits at lower.
func LevelPrices(lower, upper decimal.Decimal, levels int) []decimal.Decimal {
	if levels <= 1 {
		return []decimal.Decimal{lower}
	}
	step := upper.Sub(lower).Div(decimal.NewFromInt(int64(levels - 1)))
	prices := make([]decimal.Decimal, levels)
	for i := range prices {
		prices[i] = lower.Add(step.Mul(decimal.NewFromInt(int64(i))))
	}
	return prices
}

// SubmitGrid validates req, registers an active plan and places the levels in
// the background.
func (s *Scheduler) SubmitGrid(ctx context.Context, req GridRequest) (models.ExecutionPlan, error) {
	plan, err := s.prepareGrid(ctx, req)
	if err != nil {
		return models.ExecutionPlan{}, err
	}
	s.launch(ctx, plan.ID, func(ctx context.Context, t *task) error {
		return s.runGrid(ctx, plan)
	})
	return *plan, nil
}

// ExecuteGrid places every level and returns the final snapshot. Level
// failures are reported in the plan, not as the error.
func (s *Scheduler) ExecuteGrid(ctx context.Context, req GridRequest) (models.ExecutionPlan, error) {
	plan, err := s.prepareGrid(ctx, req)
	if err != nil {
		return models.ExecutionPlan{}, err
	}
	t := s.launch(ctx, plan.ID, func(ctx context.Context, t *task) error {
		return s.runGrid(ctx, plan)
	})
	return s.await(ctx, plan.ID, t)
}

func (s *Scheduler) prepareGrid(ctx context.Context, req GridRequest) (*models.ExecutionPlan, error) {
	if err := validSymbolSide(req.Symbol, req.Side); err != nil {
		return nil, err
	}
	total, err := parsePositive(models.ErrInvalidQuantity, "quantity", req.Quantity)
	if err != nil {
		return nil, err
	}
	if req.Levels < 1 {
		return nil, fmt.Errorf("%w: grid needs at least one level", models.ErrInvalidConfig)
	}
	lower, err := parsePositive(models.ErrInvalidConfig, "lower price", req.LowerPrice)
	if err != nil {
		return nil, err
	}
	upper, err := parsePositive(models.ErrInvalidConfig, "upper price", req.UpperPrice)
	if err != nil {
		return nil, err
	}
	if upper.LessThan(lower) {
		return nil, fmt.Errorf("%w: upper price %s is below lower price %s", models.ErrInvalidConfig, upper, lower)
	}

	levelQty, err := s.normalizer.NormalizeDecimal(ctx, req.Symbol, total.Div(decimal.NewFromInt(int64(req.Levels))))
	if err != nil {
		return nil, fmt.Errorf("grid level quantity: %w", err)
	}

	now := s.now()
	plan := &models.ExecutionPlan{
		ID:            s.newID("grid"),
		Type:          models.PlanGrid,
		Symbol:        req.Symbol,
		Side:          req.Side,
		TotalQuantity: total,
		Status:        models.PlanActive,
		Message:       fmt.Sprintf("%d levels from %s to %s", req.Levels, lower, upper),
		CreatedAt:     now,
		UpdatedAt:     now,
		LowerPrice:    lower,
		UpperPrice:    upper,
		Levels:        req.Levels,
		LevelPrices:   LevelPrices(lower, upper, req.Levels),
		LevelQuantity: levelQty,
	}
	if _, err := s.store.AddPlan(plan); err != nil {
		return nil, err
	}
	s.logger.Info("Starting grid plan.",
		zap.String("plan_id", plan.ID),
		zap.String("symbol", plan.Symbol),
		zap.String("side", string(plan.Side)),
		zap.Int("levels", plan.Levels),
		zap.String("lower", lower.String()),
		zap.String("upper", upper.String()),
		zap.String("level_qty", levelQty))
	return plan, nil
}

// runGrid places one GTC limit order per level in increasing price order. A
// level rejected by the exchange is recorded and skipped; any other failure
// ends the plan in error.
func (s *Scheduler) runGrid(ctx context.Context, plan *models.ExecutionPlan) error {
	log := s.logger.With(zap.String("plan_id", plan.ID), zap.String("symbol", plan.Symbol))
	owner := storage.Owner{Kind: "grid", ID: plan.ID}
	placed := 0

	for i, price := range plan.LevelPrices {
		level := i + 1
		if !s.active(plan.ID) {
			log.Info("Grid plan stopped before level.", zap.Int("level", level), zap.Int("levels", plan.Levels))
			s.finish(plan.ID, models.PlanCancelled, "")
			return nil
		}

		priceStr := s.normalizer.NormalizePrice(ctx, plan.Symbol, price)
		req := models.OrderRequest{
			Symbol:        plan.Symbol,
			Side:          plan.Side,
			Type:          models.Limit,
			Quantity:      plan.LevelQuantity,
			Price:         priceStr,
			TimeInForce:   models.GTC,
			ClientOrderID: clientOrderID(plan.ID, "l", level),
		}
		order, err := s.place(ctx, owner, req)
		if err != nil {
			var gwErr *models.GatewayError
			if !errors.As(err, &gwErr) {
				log.Error("Grid level failed with unclassified error.", zap.Int("level", level), zap.Error(err))
				s.finish(plan.ID, models.PlanError, fmt.Sprintf("level %d/%d failed: %v", level, plan.Levels, err))
				return fmt.Errorf("grid %s level %d: %w", plan.ID, level, err)
			}
			log.Warn("Grid level failed, skipping.", zap.Int("level", level), zap.String("price", priceStr), zap.Error(err))
			if _, uerr := s.store.UpdatePlan(plan.ID, func(p *models.ExecutionPlan) {
				p.FailedLevels = append(p.FailedLevels, models.LevelFailure{Level: level, Price: priceStr, Error: err.Error()})
			}); uerr != nil {
				return uerr
			}
			continue
		}

		placed++
		placedAt := s.now()
		if _, err := s.store.UpdatePlan(plan.ID, func(p *models.ExecutionPlan) {
			p.Orders = append(p.Orders, models.PlacedOrder{
				Level:    level,
				Price:    priceStr,
				Quantity: plan.LevelQuantity,
				Order:    *order,
				PlacedAt: placedAt,
			})
			p.PlacedLevels++
		}); err != nil {
			return err
		}
		log.Info("Grid level placed.", zap.Int("level", level), zap.Int("levels", plan.Levels),
			zap.String("price", priceStr), zap.Int64("order_id", order.OrderID))
	}

	final := s.finish(plan.ID, models.PlanCompleted,
		fmt.Sprintf("Grid trading setup complete with %d orders", placed))
	log.Info("Grid plan finished.", zap.String("status", string(final)), zap.Int("placed", placed))
	return nil
}
