// Package scheduler turns TWAP, grid and simulated OCO intents into sequences
// of primitive exchange orders and tracks each plan's progress in the state
// registry.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"binance-algo-executor/internal/metrics"
	"binance-algo-executor/internal/models"
	"binance-algo-executor/internal/statemanager"
	"binance-algo-executor/internal/storage"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// OrderGateway is the part of the exchange the scheduler places orders through.
type OrderGateway interface {
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
}

// QuantityNormalizer rounds quantities and prices to what a symbol accepts.
type QuantityNormalizer interface {
	NormalizeDecimal(ctx context.Context, symbol string, q decimal.Decimal) (string, error)
	NormalizePrice(ctx context.Context, symbol string, price decimal.Decimal) string
}

// OrderJournal records every order placement attempt.
type OrderJournal interface {
	Record(ctx context.Context, owner storage.Owner, req models.OrderRequest, order *models.Order, placeErr error) error
}

// WaitFunc blocks for d or until stop is closed, whichever comes first.
type WaitFunc func(d time.Duration, stop <-chan struct{})

func realWait(d time.Duration, stop <-chan struct{}) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-stop:
	}
}

// task is the running goroutine behind one plan.
type task struct {
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error
}

func (t *task) signalStop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Scheduler runs execution plans. Each plan owns one goroutine which places
// its orders strictly in index order.
type Scheduler struct {
	gateway    OrderGateway
	normalizer QuantityNormalizer
	store      *statemanager.StateManager
	journal    OrderJournal
	metrics    *metrics.Metrics
	logger     *zap.Logger
	wait       WaitFunc
	newID      func(prefix string) string
	now        func() time.Time

	mu    sync.Mutex
	tasks map[string]*task
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithJournal records every placement in j.
func WithJournal(j OrderJournal) Option {
	return func(s *Scheduler) { s.journal = j }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithWait replaces the inter-slice wait; tests use it to run plans instantly.
func WithWait(w WaitFunc) Option {
	return func(s *Scheduler) { s.wait = w }
}

func WithIDGenerator(gen func(prefix string) string) Option {
	return func(s *Scheduler) { s.newID = gen }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler. store must not be nil.
func New(gateway OrderGateway, normalizer QuantityNormalizer, store *statemanager.StateManager, opts ...Option) *Scheduler {
	s := &Scheduler{
		gateway:    gateway,
		normalizer: normalizer,
		store:      store,
		logger:     zap.NewNop(),
		wait:       realWait,
		newID:      NewID,
		now:        time.Now,
		tasks:      make(map[string]*task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Status returns a snapshot of the plan.
func (s *Scheduler) Status(id string) (models.ExecutionPlan, error) {
	p, err := s.store.GetPlan(id)
	if err != nil {
		return models.ExecutionPlan{}, err
	}
	return *p, nil
}

// Plans returns snapshots of every known plan, oldest first.
func (s *Scheduler) Plans() []models.ExecutionPlan {
	plans := s.store.Plans()
	out := make([]models.ExecutionPlan, 0, len(plans))
	for _, p := range plans {
		out = append(out, *p)
	}
	return out
}

// Cancel flips an active plan to cancelled. It reports false for unknown or
// already finished plans. Orders already placed are not unwound and an
// in-flight gateway call is not interrupted; the plan stops at its next
// checkpoint.
func (s *Scheduler) Cancel(id string) bool {
	flipped := false
	_, err := s.store.UpdatePlan(id, func(p *models.ExecutionPlan) {
		if p.Status != models.PlanActive {
			return
		}
		p.Status = models.PlanCancelled
		p.Message = "cancelled by request"
		flipped = true
	})
	if err != nil || !flipped {
		return false
	}

	s.mu.Lock()
	t := s.tasks[id]
	s.mu.Unlock()
	if t != nil {
		t.signalStop()
	}
	s.logger.Info("Plan cancelled.", zap.String("plan_id", id))
	return true
}

// Wait blocks until the plan's goroutine has returned and yields the error it
// ended with. Once a plan's goroutine is gone (finished earlier, or restored
// from a previous run) the error is rebuilt from the stored plan message.
func (s *Scheduler) Wait(ctx context.Context, id string) error {
	s.mu.Lock()
	t := s.tasks[id]
	s.mu.Unlock()
	if t == nil {
		p, err := s.store.GetPlan(id)
		if err != nil {
			return err
		}
		if p.Status == models.PlanError {
			return fmt.Errorf("plan %s failed: %s", id, p.Message)
		}
		return nil
	}
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every active plan and waits for their goroutines.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tasks))
	for id, t := range s.tasks {
		select {
		case <-t.done:
		default:
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		s.Cancel(id)
		g.Go(func() error {
			if err := s.Wait(gctx, id); err != nil && gctx.Err() != nil {
				return fmt.Errorf("plan %s did not stop: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// launch runs fn as the plan's goroutine. ctx only carries values; cancelling
// it does not stop the plan. The task leaves the registry before done closes.
func (s *Scheduler) launch(ctx context.Context, id string, fn func(ctx context.Context, t *task) error) *task {
	t := &task{stop: make(chan struct{}), done: make(chan struct{})}
	s.mu.Lock()
	s.tasks[id] = t
	s.mu.Unlock()

	base := context.WithoutCancel(ctx)
	go func() {
		defer close(t.done)
		defer s.forget(id)
		t.err = fn(base, t)
	}()
	return t
}

func (s *Scheduler) forget(id string) {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
}

// running is the number of plan goroutines still registered.
func (s *Scheduler) running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// await blocks on a launched plan. If the caller's ctx ends first the plan is
// cancelled and still waited for, since a placement may be in flight.
func (s *Scheduler) await(ctx context.Context, id string, t *task) (models.ExecutionPlan, error) {
	var err error
	select {
	case <-t.done:
		err = t.err
	case <-ctx.Done():
		s.Cancel(id)
		<-t.done
		err = t.err
		if err == nil {
			err = ctx.Err()
		}
	}
	plan, serr := s.Status(id)
	if serr != nil {
		return models.ExecutionPlan{}, serr
	}
	return plan, err
}

// active reports whether the plan may still place orders.
func (s *Scheduler) active(id string) bool {
	p, err := s.store.GetPlan(id)
	return err == nil && p.Status == models.PlanActive
}

// finish moves an active plan to status. A plan that was cancelled meanwhile
// keeps its status.
func (s *Scheduler) finish(id string, status models.PlanStatus, msg string) models.PlanStatus {
	final := status
	p, err := s.store.UpdatePlan(id, func(p *models.ExecutionPlan) {
		if p.Status != models.PlanActive {
			final = p.Status
			return
		}
		p.Status = status
		p.Message = msg
	})
	if err == nil {
		s.metrics.ObservePlan(p.Type, final)
	}
	return final
}

// place sends one order to the gateway, then journals and counts it.
func (s *Scheduler) place(ctx context.Context, owner storage.Owner, req models.OrderRequest) (*models.Order, error) {
	order, err := s.gateway.PlaceOrder(ctx, req)
	s.metrics.ObserveOrder(req, err)
	if s.journal != nil {
		if jerr := s.journal.Record(ctx, owner, req, order, err); jerr != nil {
			s.logger.Warn("Failed to journal order",
				zap.String("client_order_id", req.ClientOrderID), zap.Error(jerr))
		}
	}
	return order, err
}

func validSymbolSide(symbol string, side models.Side) error {
	if symbol == "" {
		return fmt.Errorf("%w: symbol is required", models.ErrInvalidConfig)
	}
	if !side.Valid() {
		return fmt.Errorf("%w: side must be BUY or SELL, got %q", models.ErrInvalidConfig, side)
	}
	return nil
}

// parsePositive parses a required positive decimal, failing with kind.
func parsePositive(kind error, field, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s %q is not a decimal number", kind, field, v)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s must be positive, got %s", kind, field, v)
	}
	return d, nil
}
