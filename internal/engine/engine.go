// Package engine wires the exchange gateway, registries, scheduler and
// strategy supervisor together and exposes the executor's query surface.
package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"binance-algo-executor/internal/exchange"
	"binance-algo-executor/internal/metrics"
	"binance-algo-executor/internal/models"
	"binance-algo-executor/internal/normalizer"
	"binance-algo-executor/internal/persistence"
	"binance-algo-executor/internal/reporter"
	"binance-algo-executor/internal/scheduler"
	"binance-algo-executor/internal/statemanager"
	"binance-algo-executor/internal/storage"
	"binance-algo-executor/internal/strategy"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Engine is the composition root. All methods are safe for concurrent use.
type Engine struct {
	cfg        *models.Config
	gateway    exchange.Exchange
	repo       persistence.StateRepository
	journal    *storage.Journal
	store      *statemanager.StateManager
	scheduler  *scheduler.Scheduler
	supervisor *strategy.Supervisor
	metrics    *metrics.Metrics
	logger     *zap.Logger
	out        io.Writer
	now        func() time.Time

	startOnce   sync.Once
	closeOnce   sync.Once
	closeErr    error
	stopMonitor chan struct{}
	wg          sync.WaitGroup
}

type options struct {
	logger         *zap.Logger
	registerer     prometheus.Registerer
	out            io.Writer
	schedulerOpts  []scheduler.Option
	supervisorOpts []strategy.Option
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer enables Prometheus metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithOutput sets where the periodic status report is printed. Defaults to stdout.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(o *options) { o.schedulerOpts = append(o.schedulerOpts, opts...) }
}

func WithSupervisorOptions(opts ...strategy.Option) Option {
	return func(o *options) { o.supervisorOpts = append(o.supervisorOpts, opts...) }
}

// New opens the state store and order journal, restores previous state and
// builds the scheduler and supervisor on top of gateway. Every gateway call is
// bounded by cfg.Exchange.CallTimeout.
func New(cfg *models.Config, gateway exchange.Exchange, opts ...Option) (*Engine, error) {
	o := options{logger: zap.NewNop(), out: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	repo, err := persistence.NewBadgerRepository(cfg.Storage.StateDir, cfg.Storage.InMemory)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	journalPath := cfg.Storage.JournalPath
	if cfg.Storage.InMemory || journalPath == "" {
		journalPath = ":memory:"
	}
	journal, err := storage.OpenJournal(journalPath)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("open order journal: %w", err), repo.Close())
	}

	store := statemanager.NewStateManager(repo, o.logger.Named("state"))
	if err := store.Restore(); err != nil {
		return nil, multierr.Combine(fmt.Errorf("restore state: %w", err), journal.Close(), repo.Close())
	}

	var m *metrics.Metrics
	if o.registerer != nil {
		m = metrics.New(o.registerer)
	}

	gw := exchange.WithTimeout(gateway, cfg.Exchange.CallTimeout)
	norm := normalizer.New(gw, o.logger.Named("normalizer"))

	schedOpts := append([]scheduler.Option{
		scheduler.WithLogger(o.logger.Named("scheduler")),
		scheduler.WithJournal(journal),
		scheduler.WithMetrics(m),
	}, o.schedulerOpts...)
	sched := scheduler.New(gw, norm, store, schedOpts...)

	supOpts := append([]strategy.Option{
		strategy.WithLogger(o.logger.Named("strategy")),
		strategy.WithMetrics(m),
		strategy.WithDefaults(cfg.Strategy.Period, cfg.Strategy.KlineInterval),
	}, o.supervisorOpts...)
	sup := strategy.NewSupervisor(gw, sched, store, supOpts...)

	return &Engine{
		cfg:         cfg,
		gateway:     gw,
		repo:        repo,
		journal:     journal,
		store:       store,
		scheduler:   sched,
		supervisor:  sup,
		metrics:     m,
		logger:      o.logger,
		out:         o.out,
		now:         time.Now,
		stopMonitor: make(chan struct{}),
	}, nil
}

// Start begins persistence, the status monitor and the configured autostart
// strategies. A strategy that fails to start does not prevent the others.
func (e *Engine) Start(ctx context.Context) error {
	var errs error
	e.startOnce.Do(func() {
		e.store.Start()

		if e.cfg.Monitor.Interval > 0 {
			e.wg.Add(1)
			go e.monitorStatus(e.cfg.Monitor.Interval)
		}

		for _, sc := range e.cfg.Strategy.Autostart {
			if _, err := e.supervisor.Start(ctx, sc); err != nil {
				e.logger.Error("Failed to autostart strategy.", zap.String("strategy", sc.Name), zap.Error(err))
				errs = multierr.Append(errs, fmt.Errorf("autostart %s: %w", sc.Name, err))
			}
		}
		e.logger.Info("Engine started.",
			zap.Int("autostart", len(e.cfg.Strategy.Autostart)),
			zap.Duration("monitor_interval", e.cfg.Monitor.Interval))
	})
	return errs
}

// Close stops every strategy (flattening their positions), cancels running
// plans, flushes state and closes the stores. It is safe to call more than once.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		close(e.stopMonitor)
		e.wg.Wait()

		results, err := e.supervisor.StopAll(ctx)
		for _, r := range results {
			e.logger.Info("Strategy stopped on shutdown.", zap.String("strategy", r.Name), zap.String("notes", r.Notes))
		}
		e.closeErr = multierr.Combine(
			err,
			e.scheduler.Shutdown(ctx),
		)
		e.store.Stop()
		e.closeErr = multierr.Combine(e.closeErr, e.journal.Close(), e.repo.Close())
		if e.closeErr != nil {
			e.logger.Error("Engine closed with errors.", zap.Error(e.closeErr))
			return
		}
		e.logger.Info("Engine closed.")
	})
	return e.closeErr
}

// SubmitTWAP starts a TWAP plan in the background. A zero interval falls back
// to the configured default.
func (e *Engine) SubmitTWAP(ctx context.Context, req scheduler.TWAPRequest) (models.ExecutionPlan, error) {
	if req.Interval == 0 {
		req.Interval = e.cfg.Scheduler.DefaultTWAPInterval
	}
	return e.scheduler.SubmitTWAP(ctx, req)
}

// SubmitGrid starts placing a grid in the background.
func (e *Engine) SubmitGrid(ctx context.Context, req scheduler.GridRequest) (models.ExecutionPlan, error) {
	return e.scheduler.SubmitGrid(ctx, req)
}

func (e *Engine) PlaceOCO(ctx context.Context, req scheduler.OCORequest) (scheduler.OCOResult, error) {
	return e.scheduler.PlaceOCO(ctx, req)
}

func (e *Engine) PlaceStopLimit(ctx context.Context, req scheduler.StopLimitRequest) (scheduler.StopLimitResult, error) {
	return e.scheduler.PlaceStopLimit(ctx, req)
}

func (e *Engine) PlaceOrder(ctx context.Context, intent scheduler.OrderIntent) (*models.Order, error) {
	return e.scheduler.PlaceOrder(ctx, intent)
}

func (e *Engine) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	return e.scheduler.CancelOrder(ctx, symbol, orderID)
}

// PlanStatus returns the snapshot of a plan or ErrNotFound.
func (e *Engine) PlanStatus(id string) (models.ExecutionPlan, error) {
	return e.scheduler.Status(id)
}

func (e *Engine) ListPlans() []models.ExecutionPlan {
	return e.scheduler.Plans()
}

// CancelPlan reports whether an active plan was flipped to cancelled.
func (e *Engine) CancelPlan(id string) bool {
	return e.scheduler.Cancel(id)
}

// WaitPlan blocks until the plan's goroutine is done.
func (e *Engine) WaitPlan(ctx context.Context, id string) error {
	return e.scheduler.Wait(ctx, id)
}

func (e *Engine) StartStrategy(ctx context.Context, cfg models.StrategyConfig) (models.StrategyStatus, error) {
	return e.supervisor.Start(ctx, cfg)
}

func (e *Engine) StopStrategy(ctx context.Context, name string) (models.StopResult, error) {
	return e.supervisor.Stop(ctx, name)
}

func (e *Engine) StrategyStatus(name string) (models.StrategyStatus, error) {
	return e.supervisor.Status(name)
}

func (e *Engine) ListStrategyStatuses() []models.StrategyStatus {
	return e.supervisor.Statuses()
}

func (e *Engine) ActiveStrategies() []string {
	return e.supervisor.Active()
}

// OpenOrders lists resting orders on the exchange, for every symbol when
// symbol is empty. The surviving leg of a simulated OCO shows up here.
func (e *Engine) OpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	return e.gateway.GetOpenOrders(ctx, symbol)
}

// Positions returns the non-zero positions held in symbol.
func (e *Engine) Positions(ctx context.Context, symbol string) ([]models.Position, error) {
	return e.gateway.GetPositions(ctx, symbol)
}

// Account returns balances and open positions of the futures account.
func (e *Engine) Account(ctx context.Context) (*models.Account, error) {
	return e.gateway.GetAccount(ctx)
}

// OrderHistory lists the journaled orders of a plan, strategy or direct order.
func (e *Engine) OrderHistory(ctx context.Context, ownerID string) ([]storage.Entry, error) {
	return e.journal.ListByOwner(ctx, ownerID)
}

// PrintStatus writes the plan and strategy tables to w.
func (e *Engine) PrintStatus(w io.Writer) {
	reporter.PrintStatus(w, e.ListPlans(), e.ListStrategyStatuses(), e.now())
}

// monitorStatus 定期打印状态
func (e *Engine) monitorStatus(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopMonitor:
			return
		case <-ticker.C:
			e.PrintStatus(e.out)
		}
	}
}
