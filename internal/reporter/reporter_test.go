package reporter

import (
	"bytes"
	"testing"
	"time"

	"binance-algo-executor/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSummarizeProgress(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	twap := models.ExecutionPlan{
		ID: "twap-1", Type: models.PlanTWAP, Status: models.PlanActive,
		TotalQuantity: decimal.RequireFromString("1"), ExecutedQuantity: decimal.RequireFromString("0.25"),
		CreatedAt: now.Add(-90 * time.Second),
	}
	s := Summarize(twap, now)
	assert.InDelta(t, 25.0, s.Progress, 1e-9)
	assert.Equal(t, 90*time.Second, s.Age)

	grid := models.ExecutionPlan{
		ID: "grid-1", Type: models.PlanGrid, Status: models.PlanCompleted, Levels: 4, PlacedLevels: 3,
		FailedLevels: []models.LevelFailure{{Level: 2, Price: "100", Error: "rejected"}},
		CreatedAt:    now,
	}
	s = Summarize(grid, now)
	assert.InDelta(t, 75.0, s.Progress, 1e-9)
	assert.Equal(t, 1, s.Failed)

	assert.Zero(t, Summarize(models.ExecutionPlan{Type: models.PlanTWAP}, now).Progress)
}

func TestRenderTables(t *testing.T) {
	now := time.Now()
	plans := []models.ExecutionPlan{{
		ID: "twap-abc", Type: models.PlanTWAP, Symbol: "BTCUSDT", Side: models.Buy, Status: models.PlanCompleted,
		TotalQuantity: decimal.RequireFromString("1"), ExecutedQuantity: decimal.RequireFromString("1"),
		Orders: []models.PlacedOrder{{Slice: 1, Quantity: "0.500", Order: models.Order{OrderID: 7, Type: "MARKET", Status: "FILLED"}, PlacedAt: now}},
		CreatedAt: now,
	}}
	out := RenderPlans(plans, now)
	assert.Contains(t, out, "twap-abc")
	assert.Contains(t, out, "100.0%")

	detail := RenderPlanOrders(plans[0])
	assert.Contains(t, detail, "FILLED")
	assert.Contains(t, detail, "0.500")

	strategies := RenderStrategies([]models.StrategyStatus{{Name: "ma-btc", Symbol: "BTCUSDT", Active: true, Phase: models.PhaseRunning, LastAction: "BUY Order Placed: 3"}})
	assert.Contains(t, strategies, "ma-btc")
	assert.Contains(t, strategies, "BUY Order Placed: 3")

	var buf bytes.Buffer
	PrintStatus(&buf, nil, nil, now)
	assert.Contains(t, buf.String(), "无执行计划")
	assert.Contains(t, buf.String(), "无策略")
}
