package metrics

import (
	"errors"
	"io"
	"net/http"
	"testing"

	"binance-algo-executor/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func TestObserveOrder(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	req := models.OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: models.Market}

	m.ObserveOrder(req, nil)
	m.ObserveOrder(req, nil)
	m.ObserveOrder(req, &models.GatewayError{Code: -2019})
	m.ObserveOrder(req, errors.New("other"))

	ok := map[string]string{"symbol": "BTCUSDT", "side": "BUY", "type": "MARKET", "result": "ok"}
	gw := map[string]string{"symbol": "BTCUSDT", "side": "BUY", "type": "MARKET", "result": "GatewayError"}
	assert.Equal(t, 2.0, counterValue(t, reg, "executor_orders_total", ok))
	assert.Equal(t, 1.0, counterValue(t, reg, "executor_orders_total", gw))
}

func TestPlansStrategiesAndGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObservePlan(models.PlanTWAP, models.PlanCompleted)
	m.ObserveStrategyAction("ma", "buy")
	m.StrategyStarted()
	m.StrategyStarted()
	m.StrategyStopped()

	assert.Equal(t, 1.0, counterValue(t, reg, "executor_plans_total", map[string]string{"type": "twap", "status": "completed"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "executor_strategy_actions_total", map[string]string{"strategy": "ma", "action": "buy"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "executor_active_strategies", nil))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveOrder(models.OrderRequest{}, nil)
		m.ObservePlan(models.PlanGrid, models.PlanError)
		m.ObserveStrategyAction("x", "hold")
		m.StrategyStarted()
		m.StrategyStopped()
	})
}

func TestServeRegistersMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObservePlan(models.PlanGrid, models.PlanCancelled)

	srv, err := Serve("127.0.0.1:0", reg, zap.NewNop())
	require.NoError(t, err)
	defer srv.Close()

	resp, err := http.Get("http://" + srv.Addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `executor_plans_total{status="cancelled",type="grid"} 1`)
}

func TestServeReportsBindFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := Serve("127.0.0.1:0", reg, zap.NewNop())
	require.NoError(t, err)
	defer first.Close()

	second, err := Serve(first.Addr, reg, zap.NewNop())
	require.Error(t, err)
	assert.Nil(t, second)
	assert.Contains(t, err.Error(), first.Addr)
}
