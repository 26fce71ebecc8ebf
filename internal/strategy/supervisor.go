// Package strategy runs signal-driven strategies: one goroutine per strategy
// that periodically evaluates a moving-average signal and trades on it, and
// flattens the strategy's position when it is stopped.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"binance-algo-executor/internal/config"
	"binance-algo-executor/internal/exchange"
	"binance-algo-executor/internal/metrics"
	"binance-algo-executor/internal/models"
	"binance-algo-executor/internal/scheduler"
	"binance-algo-executor/internal/statemanager"
	"binance-algo-executor/internal/storage"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPeriod        = 30 * time.Second
	defaultKlineInterval = "1m"
	klineMargin          = 5

	holdAction = "Holding (No signal or already in position)"
)

// MarketData is the read side of the exchange a strategy needs.
type MarketData interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Kline, error)
	GetPositions(ctx context.Context, symbol string) ([]models.Position, error)
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// OrderPlacer places a single normalized order. The scheduler implements it.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, intent scheduler.OrderIntent) (*models.Order, error)
}

type runner struct {
	cfg      models.StrategyConfig
	cancel   context.CancelFunc
	done     chan struct{}
	stopping bool
}

// Supervisor owns the lifecycle of running strategies. The set of running
// strategies is the active registry; statuses, including those of stopped
// strategies, live in the state manager.
type Supervisor struct {
	market  MarketData
	placer  OrderPlacer
	store   *statemanager.StateManager
	signal  Signal
	metrics *metrics.Metrics
	logger  *zap.Logger

	period   time.Duration
	interval string

	mu      sync.Mutex
	running map[string]*runner
}

type Option func(*Supervisor)

func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSignal replaces the moving-average crossover.
func WithSignal(sig Signal) Option {
	return func(s *Supervisor) { s.signal = sig }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithDefaults sets the period and kline interval used when a config leaves
// them empty.
func WithDefaults(period time.Duration, klineInterval string) Option {
	return func(s *Supervisor) {
		if period > 0 {
			s.period = period
		}
		if klineInterval != "" {
			s.interval = klineInterval
		}
	}
}

func NewSupervisor(market MarketData, placer OrderPlacer, store *statemanager.StateManager, opts ...Option) *Supervisor {
	s := &Supervisor{
		market:   market,
		placer:   placer,
		store:    store,
		signal:   MovingAverageCrossover{},
		logger:   zap.NewNop(),
		period:   defaultPeriod,
		interval: defaultKlineInterval,
		running:  make(map[string]*runner),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the strategy and launches its loop. It does not wait for
// the first evaluation.
func (s *Supervisor) Start(ctx context.Context, cfg models.StrategyConfig) (models.StrategyStatus, error) {
	if cfg.Period <= 0 {
		cfg.Period = s.period
	}
	if cfg.KlineInterval == "" {
		cfg.KlineInterval = s.interval
	}

	s.mu.Lock()
	if _, exists := s.running[cfg.Name]; exists {
		s.mu.Unlock()
		return models.StrategyStatus{}, fmt.Errorf("strategy '%s' already exists: %w", cfg.Name, models.ErrDuplicateStrategy)
	}
	if err := config.ValidateStrategy(cfg); err != nil {
		s.mu.Unlock()
		return models.StrategyStatus{}, err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &runner{cfg: cfg, cancel: cancel, done: make(chan struct{})}
	s.running[cfg.Name] = r
	s.store.PutStrategy(models.StrategyStatus{
		Name:    cfg.Name,
		Symbol:  cfg.Symbol,
		Active:  true,
		Phase:   models.PhaseStarting,
		Message: "Initializing...",
		Config:  cfg,
	})
	s.mu.Unlock()

	s.metrics.StrategyStarted()
	s.logger.Info("Starting strategy.",
		zap.String("strategy", cfg.Name),
		zap.String("symbol", cfg.Symbol),
		zap.Int("short_window", cfg.ShortWindow),
		zap.Int("long_window", cfg.LongWindow),
		zap.String("qty", cfg.QuantityPerTrade),
		zap.Duration("period", cfg.Period))

	go s.run(loopCtx, r)
	return s.store.GetStrategy(cfg.Name)
}

// Stop ends the strategy loop, waits for it, drops the strategy from the
// active registry and then makes exactly one attempt to flatten its position.
// A failed flatten is reported in the result and does not undo the stop.
func (s *Supervisor) Stop(ctx context.Context, name string) (models.StopResult, error) {
	s.mu.Lock()
	r, ok := s.running[name]
	if !ok || r.stopping {
		s.mu.Unlock()
		return models.StopResult{}, fmt.Errorf("strategy '%s' not found or not running: %w", name, models.ErrNotFound)
	}
	r.stopping = true
	s.mu.Unlock()

	s.updateStatus(name, func(st *models.StrategyStatus) {
		st.Active = false
		st.Phase = models.PhaseStopping
		st.Message = "Strategy stopped by user. Attempting to close open position..."
	})

	r.cancel()
	<-r.done

	s.mu.Lock()
	delete(s.running, name)
	s.mu.Unlock()

	flat := s.Flatten(ctx, r.cfg.Symbol, name)
	s.updateStatus(name, func(st *models.StrategyStatus) {
		st.Message = flat.Message
		if flat.LastAction != "" {
			st.LastAction = flat.LastAction
		}
	})

	s.logger.Info("Strategy stopped.",
		zap.String("strategy", name),
		zap.Bool("position_closed", flat.Closed),
		zap.String("flatten", flat.Message))

	return models.StopResult{
		Name:           name,
		Message:        fmt.Sprintf("Strategy '%s' stopped.", name),
		PositionClosed: flat.Closed,
		PositionSize:   flat.PositionSize,
		CloseOrder:     flat.Order,
		Notes:          flat.Message,
	}, nil
}

// StopAll stops every running strategy concurrently and combines the errors.
func (s *Supervisor) StopAll(ctx context.Context) ([]models.StopResult, error) {
	names := s.Active()

	var (
		mu      sync.Mutex
		results []models.StopResult
		errs    error
		g       errgroup.Group
	)
	for _, name := range names {
		name := name
		g.Go(func() error {
			res, err := s.Stop(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierr.Append(errs, err)
				return nil
			}
			results = append(results, res)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results, errs
}

// Status returns the last known status of a strategy, running or stopped.
func (s *Supervisor) Status(name string) (models.StrategyStatus, error) {
	return s.store.GetStrategy(name)
}

// Statuses lists every known strategy status ordered by name.
func (s *Supervisor) Statuses() []models.StrategyStatus {
	return s.store.Strategies()
}

// Active lists the names in the active registry, sorted.
func (s *Supervisor) Active() []string {
	s.mu.Lock()
	names := make([]string, 0, len(s.running))
	for name, r := range s.running {
		if !r.stopping {
			names = append(names, name)
		}
	}
	s.mu.Unlock()
	sort.Strings(names)
	return names
}

func (s *Supervisor) run(ctx context.Context, r *runner) {
	name := r.cfg.Name
	log := s.logger.With(zap.String("strategy", name), zap.String("symbol", r.cfg.Symbol))
	defer close(r.done)
	defer func() {
		s.updateStatus(name, func(st *models.StrategyStatus) {
			st.Active = false
			st.Phase = models.PhaseStopped
			st.Message = "stopped"
		})
		s.metrics.StrategyStopped()
		log.Info("Strategy loop has stopped.")
	}()

	s.updateStatus(name, func(st *models.StrategyStatus) {
		st.Phase = models.PhaseRunning
		st.Message = "running"
	})

	// a step in progress runs to completion even if Stop is called meanwhile
	stepCtx := context.WithoutCancel(ctx)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !s.stillActive(name) {
			return
		}
		s.step(stepCtx, r.cfg, log)
		timer.Reset(r.cfg.Period)
	}
}

func (s *Supervisor) stillActive(name string) bool {
	st, err := s.store.GetStrategy(name)
	return err == nil && st.Active
}

// step is one evaluate-and-act iteration. Every failure is recorded in the
// status and the loop carries on.
func (s *Supervisor) step(ctx context.Context, cfg models.StrategyConfig, log *zap.Logger) {
	action, lastAction, message := s.evaluate(ctx, cfg, log)
	s.metrics.ObserveStrategyAction(cfg.Name, action)
	s.updateStatus(cfg.Name, func(st *models.StrategyStatus) {
		st.Iterations++
		st.Message = message
		if lastAction != "" {
			st.LastAction = lastAction
		}
	})
}

// evaluate returns a metrics action label, the last-action text (empty keeps
// the previous one) and the status message.
func (s *Supervisor) evaluate(ctx context.Context, cfg models.StrategyConfig, log *zap.Logger) (string, string, string) {
	need := max(cfg.ShortWindow, cfg.LongWindow)
	klines, err := s.market.GetKlines(ctx, cfg.Symbol, cfg.KlineInterval, need+klineMargin)
	if err != nil {
		log.Error("Failed to fetch klines.", zap.Error(err))
		return "error", "", "Error: failed to fetch klines: " + describe(err, cfg.Period)
	}
	if len(klines) < need {
		return "wait", "", fmt.Sprintf("Not enough data for moving averages (%d/%d candles), waiting for data...", len(klines), need)
	}

	closes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
	}
	reading, err := s.signal.Evaluate(closes, cfg.ShortWindow, cfg.LongWindow)
	if err != nil {
		log.Error("Signal evaluation failed.", zap.Error(err))
		return "error", "", "Error: " + err.Error()
	}

	message := fmt.Sprintf("Short SMA: %.2f, Long SMA: %.2f", reading.Short, reading.Long)
	if price, err := s.market.GetMarkPrice(ctx, cfg.Symbol); err == nil {
		message += ", Price: " + price.StringFixed(2)
	}

	position := s.positionAmount(ctx, cfg.Symbol, log)

	var side models.Side
	switch {
	case reading.Short > reading.Long && !position.IsPositive():
		side = models.Buy
	case reading.Long > reading.Short && !position.IsNegative():
		side = models.Sell
	default:
		return "hold", holdAction, message
	}

	log.Info("Signal triggered, placing market order.",
		zap.String("side", string(side)), zap.Float64("short_sma", reading.Short), zap.Float64("long_sma", reading.Long))
	order, err := s.placer.PlaceOrder(ctx, scheduler.OrderIntent{
		Symbol:   cfg.Symbol,
		Side:     side,
		Type:     models.Market,
		Quantity: cfg.QuantityPerTrade,
		Owner:    storage.Owner{Kind: "strategy", ID: cfg.Name},
	})
	if err != nil {
		log.Error("Failed to place signal order.", zap.String("side", string(side)), zap.Error(err))
		return "order_failed",
			fmt.Sprintf("%s Signal (Order Failed: %v)", side, err),
			message + "; " + string(side) + " order failed: " + describe(err, cfg.Period)
	}
	log.Info("Signal order executed.", zap.String("side", string(side)), zap.Int64("order_id", order.OrderID))
	return string(side), fmt.Sprintf("%s Order Placed: %d", side, order.OrderID), message
}

// positionAmount returns the signed position for symbol; a failed query counts as flat.
func (s *Supervisor) positionAmount(ctx context.Context, symbol string, log *zap.Logger) decimal.Decimal {
	positions, err := s.market.GetPositions(ctx, symbol)
	if err != nil {
		log.Warn("Could not fetch position, assuming flat.", zap.Error(err))
		return decimal.Zero
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			return p.PositionAmt
		}
	}
	return decimal.Zero
}

func (s *Supervisor) updateStatus(name string, fn func(st *models.StrategyStatus)) {
	if _, err := s.store.UpdateStrategy(name, fn); err != nil {
		s.logger.Warn("Failed to update strategy status.", zap.String("strategy", name), zap.Error(err))
	}
}

// describe renders err, noting when the exchange is likely to accept the
// same request next period.
func describe(err error, period time.Duration) string {
	if exchange.IsRetryable(err) {
		return fmt.Sprintf("%v (transient, next attempt in %s)", err, period)
	}
	return err.Error()
}
