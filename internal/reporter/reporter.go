package reporter

import (
	"fmt"
	"io"
	"time"

	"binance-algo-executor/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
)

// PlanSummary 存储一个执行计划的进度汇总
type PlanSummary struct {
	ID       string
	Type     models.PlanType
	Symbol   string
	Side     models.Side
	Status   models.PlanStatus
	Progress float64 // 百分比: TWAP 按已成交数量, 网格按已挂档位
	Orders   int
	Failed   int
	Message  string
	Age      time.Duration
}

// Summarize 计算计划的进度汇总
func Summarize(p models.ExecutionPlan, now time.Time) PlanSummary {
	s := PlanSummary{
		ID:      p.ID,
		Type:    p.Type,
		Symbol:  p.Symbol,
		Side:    p.Side,
		Status:  p.Status,
		Orders:  len(p.Orders),
		Failed:  len(p.FailedLevels),
		Message: p.Message,
		Age:     now.Sub(p.CreatedAt).Truncate(time.Second),
	}
	switch p.Type {
	case models.PlanTWAP:
		s.Progress = percent(p.ExecutedQuantity, p.TotalQuantity)
	case models.PlanGrid:
		s.Progress = percent(decimal.NewFromInt(int64(p.PlacedLevels)), decimal.NewFromInt(int64(p.Levels)))
	}
	return s
}

func percent(part, whole decimal.Decimal) float64 {
	if !whole.IsPositive() {
		return 0
	}
	f, _ := part.Div(whole).Mul(decimal.NewFromInt(100)).Float64()
	return f
}

// RenderPlans 将计划列表渲染为表格
func RenderPlans(plans []models.ExecutionPlan, now time.Time) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("执行计划")
	t.AppendHeader(table.Row{"ID", "类型", "交易对", "方向", "状态", "进度", "订单", "失败", "运行时长", "信息"})
	for _, p := range plans {
		s := Summarize(p, now)
		t.AppendRow(table.Row{
			s.ID, s.Type, s.Symbol, s.Side, s.Status,
			fmt.Sprintf("%.1f%%", s.Progress), s.Orders, s.Failed, s.Age, s.Message,
		})
	}
	if len(plans) == 0 {
		t.AppendRow(table.Row{"-", "", "", "", "", "", "", "", "", "无执行计划"})
	}
	return t.Render()
}

// RenderPlanOrders 渲染单个计划的审计记录
func RenderPlanOrders(p models.ExecutionPlan) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("%s %s %s", p.Type, p.ID, p.Status))
	t.AppendHeader(table.Row{"#", "订单ID", "类型", "价格", "数量", "状态", "时间"})
	for _, o := range p.Orders {
		idx := o.Slice
		if p.Type == models.PlanGrid {
			idx = o.Level
		}
		price := o.Price
		if price == "" {
			price = "市价"
		}
		t.AppendRow(table.Row{idx, o.Order.OrderID, o.Order.Type, price, o.Quantity, o.Order.Status, o.PlacedAt.Format("2006-01-02 15:04:05")})
	}
	for _, f := range p.FailedLevels {
		t.AppendRow(table.Row{f.Level, "-", "LIMIT", f.Price, p.LevelQuantity, "FAILED", f.Error})
	}
	return t.Render()
}

// RenderStrategies 将策略状态渲染为表格
func RenderStrategies(statuses []models.StrategyStatus) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("策略状态")
	t.AppendHeader(table.Row{"名称", "交易对", "状态", "阶段", "迭代", "最近动作", "信息", "更新时间"})
	for _, s := range statuses {
		state := map[bool]string{true: "运行中", false: "已停止"}[s.Active]
		updated := "-"
		if !s.LastUpdate.IsZero() {
			updated = s.LastUpdate.Format("2006-01-02 15:04:05")
		}
		t.AppendRow(table.Row{s.Name, s.Symbol, state, s.Phase, s.Iterations, s.LastAction, s.Message, updated})
	}
	if len(statuses) == 0 {
		t.AppendRow(table.Row{"-", "", "", "", "", "", "无策略", ""})
	}
	return t.Render()
}

// PrintStatus 输出完整的状态报告
func PrintStatus(w io.Writer, plans []models.ExecutionPlan, statuses []models.StrategyStatus, now time.Time) {
	fmt.Fprintln(w, "========== 执行器状态 ==========")
	fmt.Fprintf(w, "时间: %s\n", now.Format("2006-01-02 15:04:05"))
	fmt.Fprintln(w, RenderPlans(plans, now))
	fmt.Fprintln(w, RenderStrategies(statuses))
	fmt.Fprintln(w, "================================")
}
