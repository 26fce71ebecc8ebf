// Package normalizer rounds order quantities and prices to the granularity a
// symbol accepts on the exchange.
package normalizer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"binance-algo-executor/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// FilterSource is the part of the exchange gateway the normalizer needs.
type FilterSource interface {
	GetSymbolFilters(ctx context.Context, symbol string) (*models.SymbolFilterSet, error)
}

// Normalizer truncates quantities to a multiple of the symbol's LOT_SIZE step.
// Filters are fetched once per symbol and cached for the life of the process;
// a failed fetch is cached as "no filter" and quantities pass through at their
// own precision.
type Normalizer struct {
	source FilterSource
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]*models.SymbolFilterSet
	group singleflight.Group
}

func New(source FilterSource, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		source: source,
		logger: logger,
		cache:  make(map[string]*models.SymbolFilterSet),
	}
}

// Filters returns the cached filter set for symbol, fetching it on first use.
// A nil result means the symbol has no known filters. An error is returned only
// when ctx ends before the filters are known.
func (n *Normalizer) Filters(ctx context.Context, symbol string) (*models.SymbolFilterSet, error) {
	n.mu.RLock()
	f, ok := n.cache[symbol]
	n.mu.RUnlock()
	if ok {
		return f, nil
	}

	for {
		ch := n.group.DoChan(symbol, func() (interface{}, error) {
			return n.fetch(ctx, symbol)
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-ch:
			if r.Err == nil {
				return r.Val.(*models.SymbolFilterSet), nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// the shared fetch ran on another caller's context, which ended
		}
	}
}

// fetch loads and caches the filters. It fails only with ctx's error, and that
// result is not cached.
func (n *Normalizer) fetch(ctx context.Context, symbol string) (*models.SymbolFilterSet, error) {
	n.mu.RLock()
	f, ok := n.cache[symbol]
	n.mu.RUnlock()
	if ok {
		return f, nil
	}

	f, err := n.source.GetSymbolFilters(ctx, symbol)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		n.logger.Warn("failed to fetch symbol filters, quantities will not be rounded",
			zap.String("symbol", symbol), zap.Error(err))
		f = nil
	} else if f == nil || !f.HasLotSize {
		n.logger.Warn("no LOT_SIZE filter for symbol", zap.String("symbol", symbol))
	}

	n.mu.Lock()
	n.cache[symbol] = f
	n.mu.Unlock()
	return f, nil
}

// Normalize parses quantity and rounds it down to the symbol's step size,
// returning it formatted at the step's precision.
func (n *Normalizer) Normalize(ctx context.Context, symbol, quantity string) (string, error) {
	q, err := decimal.NewFromString(strings.TrimSpace(quantity))
	if err != nil {
		return "", fmt.Errorf("%w: %q is not a decimal number", models.ErrInvalidQuantity, quantity)
	}
	return n.NormalizeDecimal(ctx, symbol, q)
}

// NormalizeDecimal is Normalize for an already parsed quantity.
func (n *Normalizer) NormalizeDecimal(ctx context.Context, symbol string, q decimal.Decimal) (string, error) {
	if !q.IsPositive() {
		return "", fmt.Errorf("%w: %s must be positive", models.ErrInvalidQuantity, q.String())
	}

	f, err := n.Filters(ctx, symbol)
	if err != nil {
		return "", fmt.Errorf("symbol filters for %s: %w", symbol, err)
	}
	if f == nil || !f.HasLotSize {
		return q.String(), nil
	}

	step, err := decimal.NewFromString(f.StepSize)
	if err != nil || !step.IsPositive() {
		n.logger.Warn("unusable step size, passing quantity through",
			zap.String("symbol", symbol), zap.String("step_size", f.StepSize))
		return q.String(), nil
	}
	minQty := decimal.Zero
	if f.MinQty != "" {
		if m, err := decimal.NewFromString(f.MinQty); err == nil {
			minQty = m
		} else {
			n.logger.Warn("unusable min qty, ignoring", zap.String("symbol", symbol), zap.String("min_qty", f.MinQty))
		}
	}

	truncated := q.Sub(q.Mod(step))
	if truncated.IsZero() {
		return "", fmt.Errorf("%w: %s at step %s for %s", models.ErrQuantityRoundsToZero, q.String(), f.StepSize, symbol)
	}
	if truncated.LessThan(minQty) {
		return "", fmt.Errorf("%w: %s < %s for %s", models.ErrQuantityBelowMinimum, truncated.String(), minQty.String(), symbol)
	}
	return truncated.StringFixed(places(step)), nil
}

// NormalizePrice rounds price down to the symbol's tick size. Without a usable
// tick size, or when the price is below one tick, it is returned unchanged.
func (n *Normalizer) NormalizePrice(ctx context.Context, symbol string, price decimal.Decimal) string {
	f, err := n.Filters(ctx, symbol)
	if err != nil || f == nil || f.TickSize == "" {
		return price.String()
	}
	tick, err := decimal.NewFromString(f.TickSize)
	if err != nil || !tick.IsPositive() {
		return price.String()
	}
	truncated := price.Sub(price.Mod(tick))
	if !truncated.IsPositive() {
		return price.String()
	}
	return truncated.StringFixed(places(tick))
}

// places counts the significant decimal places of a step such as 0.00100000.
func places(step decimal.Decimal) int32 {
	s := step.String()
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0
	}
	return int32(len(s) - i - 1)
}
