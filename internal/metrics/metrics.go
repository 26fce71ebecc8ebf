package metrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"binance-algo-executor/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the executor's counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	OrdersTotal      *prometheus.CounterVec
	PlansTotal       *prometheus.CounterVec
	StrategyActions  *prometheus.CounterVec
	ActiveStrategies prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "executor_orders_total", Help: "Primitive orders sent to the exchange"},
			[]string{"symbol", "side", "type", "result"},
		),
		PlansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "executor_plans_total", Help: "Execution plans by type and final status"},
			[]string{"type", "status"},
		),
		StrategyActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "executor_strategy_actions_total", Help: "Strategy loop decisions"},
			[]string{"strategy", "action"},
		),
		ActiveStrategies: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "executor_active_strategies", Help: "Strategies currently running"},
		),
	}
	reg.MustRegister(m.OrdersTotal, m.PlansTotal, m.StrategyActions, m.ActiveStrategies)
	return m
}

// ObserveOrder counts one order placement; result is "ok" or the error kind.
func (m *Metrics) ObserveOrder(req models.OrderRequest, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(models.KindOf(err))
	}
	m.OrdersTotal.WithLabelValues(req.Symbol, string(req.Side), string(req.Type), result).Inc()
}

// ObservePlan counts a plan reaching a terminal status. Labels are lowercase.
func (m *Metrics) ObservePlan(planType models.PlanType, status models.PlanStatus) {
	if m == nil {
		return
	}
	m.PlansTotal.WithLabelValues(strings.ToLower(string(planType)), strings.ToLower(string(status))).Inc()
}

func (m *Metrics) ObserveStrategyAction(name, action string) {
	if m == nil {
		return
	}
	m.StrategyActions.WithLabelValues(name, action).Inc()
}

func (m *Metrics) StrategyStarted() {
	if m == nil {
		return
	}
	m.ActiveStrategies.Inc()
}

func (m *Metrics) StrategyStopped() {
	if m == nil {
		return
	}
	m.ActiveStrategies.Dec()
}

// Serve binds addr and exposes gatherer under /metrics. A bind failure is
// returned to the caller; errors after startup are logged.
func Serve(addr string, gatherer prometheus.Gatherer, logger *zap.Logger) (*http.Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: ln.Addr().String(), Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server stopped.", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}()
	return srv, nil
}
