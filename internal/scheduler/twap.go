package scheduler

import (
	"context"
	"fmt"
	"time"

	"binance-algo-executor/internal/models"
	"binance-algo-executor/internal/storage"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TWAPRequest asks for Quantity to be bought or sold in equal market slices
// spread over Duration, one every Interval.
type TWAPRequest struct {
	Symbol   string
	Side     models.Side
	Quantity string
	Duration time.Duration
	Interval time.Duration
}

// SliceCount is max(1, floor(duration / interval)).
func SliceCount(duration, interval time.Duration) int {
	if interval <= 0 {
		return 1
	}
	n := int(duration / interval)
	if n < 1 {
		return 1
	}
	return n
}

// SubmitTWAP validates req, registers an active plan and starts slicing in the
// background. The returned snapshot is the plan as registered.
func (s *Scheduler) SubmitTWAP(ctx context.Context, req TWAPRequest) (models.ExecutionPlan, error) {
	plan, err := s.prepareTWAP(ctx, req)
	if err != nil {
		return models.ExecutionPlan{}, err
	}
	s.launch(ctx, plan.ID, func(ctx context.Context, t *task) error {
		return s.runTWAP(ctx, t, plan)
	})
	return *plan, nil
}

// ExecuteTWAP runs a TWAP plan to the end and returns its final snapshot. A
// failed slice is returned as the error. If ctx ends first the plan is
// cancelled.
func (s *Scheduler) ExecuteTWAP(ctx context.Context, req TWAPRequest) (models.ExecutionPlan, error) {
	plan, err := s.prepareTWAP(ctx, req)
	if err != nil {
		return models.ExecutionPlan{}, err
	}
	t := s.launch(ctx, plan.ID, func(ctx context.Context, t *task) error {
		return s.runTWAP(ctx, t, plan)
	})
	return s.await(ctx, plan.ID, t)
}

func (s *Scheduler) prepareTWAP(ctx context.Context, req TWAPRequest) (*models.ExecutionPlan, error) {
	if err := validSymbolSide(req.Symbol, req.Side); err != nil {
		return nil, err
	}
	total, err := parsePositive(models.ErrInvalidQuantity, "quantity", req.Quantity)
	if err != nil {
		return nil, err
	}
	if req.Duration <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", models.ErrInvalidConfig)
	}
	if req.Interval <= 0 {
		return nil, fmt.Errorf("%w: interval must be positive", models.ErrInvalidConfig)
	}

	count := SliceCount(req.Duration, req.Interval)
	sliceQty, err := s.normalizer.NormalizeDecimal(ctx, req.Symbol, total.Div(decimal.NewFromInt(int64(count))))
	if err != nil {
		return nil, fmt.Errorf("twap slice quantity: %w", err)
	}

	now := s.now()
	plan := &models.ExecutionPlan{
		ID:               s.newID("twap"),
		Type:             models.PlanTWAP,
		Symbol:           req.Symbol,
		Side:             req.Side,
		TotalQuantity:    total,
		Status:           models.PlanActive,
		Message:          fmt.Sprintf("%d slices of %s every %s", count, sliceQty, req.Interval),
		CreatedAt:        now,
		UpdatedAt:        now,
		Duration:         req.Duration,
		Interval:         req.Interval,
		SliceCount:       count,
		SliceQuantity:    sliceQty,
		ExecutedQuantity: decimal.Zero,
	}
	if _, err := s.store.AddPlan(plan); err != nil {
		return nil, err
	}
	s.logger.Info("Starting TWAP plan.",
		zap.String("plan_id", plan.ID),
		zap.String("symbol", plan.Symbol),
		zap.String("side", string(plan.Side)),
		zap.Int("slices", count),
		zap.String("slice_qty", sliceQty),
		zap.Duration("interval", req.Interval))
	return plan, nil
}

// runTWAP places the slices one after another. Status is checked before every
// slice; a failed slice ends the plan in error and already filled slices stay
// filled.
func (s *Scheduler) runTWAP(ctx context.Context, t *task, plan *models.ExecutionPlan) error {
	log := s.logger.With(zap.String("plan_id", plan.ID), zap.String("symbol", plan.Symbol))
	sliceQty := decimal.RequireFromString(plan.SliceQuantity)
	owner := storage.Owner{Kind: "twap", ID: plan.ID}

	for i := 1; i <= plan.SliceCount; i++ {
		if !s.active(plan.ID) {
			log.Info("TWAP plan stopped before slice.", zap.Int("slice", i), zap.Int("slices", plan.SliceCount))
			s.finish(plan.ID, models.PlanCancelled, "")
			return nil
		}

		req := models.OrderRequest{
			Symbol:        plan.Symbol,
			Side:          plan.Side,
			Type:          models.Market,
			Quantity:      plan.SliceQuantity,
			ClientOrderID: clientOrderID(plan.ID, "s", i),
		}
		order, err := s.place(ctx, owner, req)
		if err != nil {
			log.Error("TWAP slice failed.", zap.Int("slice", i), zap.Error(err))
			s.finish(plan.ID, models.PlanError, fmt.Sprintf("slice %d/%d failed: %v", i, plan.SliceCount, err))
			return fmt.Errorf("twap %s slice %d: %w", plan.ID, i, err)
		}

		placedAt := s.now()
		slice := i
		if _, err := s.store.UpdatePlan(plan.ID, func(p *models.ExecutionPlan) {
			p.Orders = append(p.Orders, models.PlacedOrder{
				Slice:    slice,
				Quantity: plan.SliceQuantity,
				Order:    *order,
				PlacedAt: placedAt,
			})
			p.ExecutedQuantity = p.ExecutedQuantity.Add(sliceQty)
			p.CurrentSlice = slice
			if p.Status == models.PlanActive {
				p.Message = fmt.Sprintf("executed slice %d/%d", slice, p.SliceCount)
			}
		}); err != nil {
			return err
		}
		log.Info("TWAP slice executed.", zap.Int("slice", i), zap.Int("slices", plan.SliceCount), zap.Int64("order_id", order.OrderID))

		if i < plan.SliceCount {
			s.wait(plan.Interval, t.stop)
		}
	}

	final := s.finish(plan.ID, models.PlanCompleted, fmt.Sprintf("completed %d slices", plan.SliceCount))
	log.Info("TWAP plan finished.", zap.String("status", string(final)))
	return nil
}
