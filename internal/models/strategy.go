package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// StrategyPhase 策略生命周期阶段
type StrategyPhase string

const (
	PhaseStarting StrategyPhase = "starting"
	PhaseRunning  StrategyPhase = "running"
	PhaseStopping StrategyPhase = "stopping"
	PhaseStopped  StrategyPhase = "stopped"
)

// StrategyConfig 均线交叉策略的参数
type StrategyConfig struct {
	Name             string        `json:"name" mapstructure:"name"` // 活跃策略中唯一
	Symbol           string        `json:"symbol" mapstructure:"symbol"`
	ShortWindow      int           `json:"short_window" mapstructure:"short_window"`
	LongWindow       int           `json:"long_window" mapstructure:"long_window"`
	QuantityPerTrade string        `json:"quantity_per_trade" mapstructure:"quantity_per_trade"`
	KlineInterval    string        `json:"kline_interval" mapstructure:"kline_interval"` // 默认 1m
	Period           time.Duration `json:"period" mapstructure:"period"`                 // 默认 30s
}

// StrategyStatus 策略的可查询状态, 策略停止后仍保留
type StrategyStatus struct {
	Name       string         `json:"name"`
	Symbol     string         `json:"symbol"`
	Active     bool           `json:"active"`
	Phase      StrategyPhase  `json:"phase"`
	LastAction string         `json:"lastAction"`
	LastUpdate time.Time      `json:"lastUpdate"`
	Message    string         `json:"message"`
	Iterations int            `json:"iterations"`
	Config     StrategyConfig `json:"config"`
}

// StopResult 停止策略后的结果, 包含一次平仓尝试的结论
type StopResult struct {
	Name           string          `json:"name"`
	Message        string          `json:"message"`
	PositionClosed bool            `json:"positionClosed"`
	PositionSize   decimal.Decimal `json:"positionSize"`
	CloseOrder     *Order          `json:"closeOrder,omitempty"`
	Notes          string          `json:"notes"`
}
