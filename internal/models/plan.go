package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PlanType 执行计划类型
type PlanType string

const (
	PlanTWAP PlanType = "TWAP"
	PlanGrid PlanType = "GRID"
)

// PlanStatus 执行计划状态
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanActive    PlanStatus = "active"
	PlanCompleted PlanStatus = "completed"
	PlanCancelled PlanStatus = "cancelled"
	PlanError     PlanStatus = "error"
)

// Terminal reports whether no further orders will be placed for a plan in this status.
func (s PlanStatus) Terminal() bool {
	return s == PlanCompleted || s == PlanCancelled || s == PlanError
}

// PlacedOrder 计划中已成功下达的一笔原始订单 (审计记录, 只追加)
type PlacedOrder struct {
	Slice    int       `json:"slice,omitempty"` // TWAP 切片序号, 从1开始
	Level    int       `json:"level,omitempty"` // 网格档位序号, 从1开始
	Price    string    `json:"price,omitempty"`
	Quantity string    `json:"quantity"`
	Order    Order     `json:"order"`
	PlacedAt time.Time `json:"placedAt"`
}

// LevelFailure 网格中下单失败的档位
type LevelFailure struct {
	Level int    `json:"level"`
	Price string `json:"price"`
	Error string `json:"error"`
}

// ExecutionPlan 一个多订单执行计划 (TWAP 或 Grid) 的完整状态
type ExecutionPlan struct {
	ID            string          `json:"id"`
	Type          PlanType        `json:"type"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	TotalQuantity decimal.Decimal `json:"totalQuantity"`
	Status        PlanStatus      `json:"status"`
	Message       string          `json:"message"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	Orders        []PlacedOrder   `json:"orders"`

	// TWAP
	Duration         time.Duration   `json:"duration,omitempty"`
	Interval         time.Duration   `json:"interval,omitempty"`
	SliceCount       int             `json:"sliceCount,omitempty"`
	SliceQuantity    string          `json:"sliceQuantity,omitempty"`
	ExecutedQuantity decimal.Decimal `json:"executedQuantity"`
	CurrentSlice     int             `json:"currentSlice,omitempty"`

	// Grid
	LowerPrice    decimal.Decimal   `json:"lowerPrice"`
	UpperPrice    decimal.Decimal   `json:"upperPrice"`
	Levels        int               `json:"levels,omitempty"`
	LevelPrices   []decimal.Decimal `json:"levelPrices,omitempty"`
	LevelQuantity string            `json:"levelQuantity,omitempty"`
	PlacedLevels  int               `json:"placedLevels,omitempty"`
	FailedLevels  []LevelFailure    `json:"failedLevels,omitempty"`
}

// Clone returns a copy that shares no slices with p.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	c := *p
	if p.Orders != nil {
		c.Orders = make([]PlacedOrder, len(p.Orders))
		copy(c.Orders, p.Orders)
	}
	if p.LevelPrices != nil {
		c.LevelPrices = make([]decimal.Decimal, len(p.LevelPrices))
		copy(c.LevelPrices, p.LevelPrices)
	}
	if p.FailedLevels != nil {
		c.FailedLevels = make([]LevelFailure, len(p.FailedLevels))
		copy(c.FailedLevels, p.FailedLevels)
	}
	return &c
}
