package models

import "time"

// Config 定义了执行器的所有配置参数
type Config struct {
	Exchange  ExchangeConfig   `json:"exchange" mapstructure:"exchange"`
	Scheduler SchedulerConfig  `json:"scheduler" mapstructure:"scheduler"`
	Strategy  StrategyDefaults `json:"strategy" mapstructure:"strategy"`
	Storage   StorageConfig    `json:"storage" mapstructure:"storage"`
	Metrics   MetricsConfig    `json:"metrics" mapstructure:"metrics"`
	Monitor   MonitorConfig    `json:"monitor" mapstructure:"monitor"`
	LogConfig LogConfig        `json:"log" mapstructure:"log"` // 日志配置
}

// ExchangeConfig 交易所网关相关配置
type ExchangeConfig struct {
	Mode                     string        `json:"mode" mapstructure:"mode"`             // "live" 或 "paper"
	IsTestnet                bool          `json:"is_testnet" mapstructure:"is_testnet"` // 是否使用测试网
	LiveAPIURL               string        `json:"live_api_url" mapstructure:"live_api_url"`
	LiveWSURL                string        `json:"live_ws_url" mapstructure:"live_ws_url"`
	TestnetAPIURL            string        `json:"testnet_api_url" mapstructure:"testnet_api_url"`
	TestnetWSURL             string        `json:"testnet_ws_url" mapstructure:"testnet_ws_url"`
	CallTimeout              time.Duration `json:"call_timeout" mapstructure:"call_timeout"`                   // 单次网关调用超时
	UseMarkPriceStream       bool          `json:"use_mark_price_stream" mapstructure:"use_mark_price_stream"` // 通过 WebSocket 缓存标记价格
	WebSocketPingIntervalSec int           `json:"websocket_ping_interval_sec" mapstructure:"websocket_ping_interval_sec"`
	WebSocketPongTimeoutSec  int           `json:"websocket_pong_timeout_sec" mapstructure:"websocket_pong_timeout_sec"`
	Paper                    PaperConfig   `json:"paper" mapstructure:"paper"`

	BaseURL   string `json:"-" mapstructure:"-"` // REST API基础地址 (由程序根据 IsTestnet 设置)
	WSBaseURL string `json:"-" mapstructure:"-"` // WebSocket基础地址
}

// PaperConfig 模拟交易所的参数
type PaperConfig struct {
	Prices       map[string]string `json:"prices" mapstructure:"prices"` // 初始价格, symbol -> price
	StepSize     string            `json:"step_size" mapstructure:"step_size"`
	MinQty       string            `json:"min_qty" mapstructure:"min_qty"`
	TickSize     string            `json:"tick_size" mapstructure:"tick_size"`
	TakerFeeRate float64           `json:"taker_fee_rate" mapstructure:"taker_fee_rate"` // 吃单手续费率
	SlippageRate float64           `json:"slippage_rate" mapstructure:"slippage_rate"`   // 滑点率
	// InitialBalance 模拟账户初始 USDT 余额
	InitialBalance string `json:"initial_balance" mapstructure:"initial_balance"`

	History         map[string]string `json:"history" mapstructure:"history"`                   // symbol -> K线 CSV 文件, 启动时载入
	HistoryLookback time.Duration     `json:"history_lookback" mapstructure:"history_lookback"` // 大于 0 且文件不存在时先从币安下载
}

// SchedulerConfig 订单调度器配置
type SchedulerConfig struct {
	DefaultTWAPInterval time.Duration `json:"default_twap_interval" mapstructure:"default_twap_interval"`
}

// StrategyDefaults 策略默认参数以及启动时自动运行的策略
type StrategyDefaults struct {
	Period        time.Duration    `json:"period" mapstructure:"period"`
	KlineInterval string           `json:"kline_interval" mapstructure:"kline_interval"`
	Autostart     []StrategyConfig `json:"autostart" mapstructure:"autostart"`
}

// StorageConfig 持久化配置
type StorageConfig struct {
	StateDir    string `json:"state_dir" mapstructure:"state_dir"`       // BadgerDB 目录
	InMemory    bool   `json:"in_memory" mapstructure:"in_memory"`       // 不落盘, 仅用于测试或模拟
	JournalPath string `json:"journal_path" mapstructure:"journal_path"` // SQLite 订单流水文件
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	ListenAddr string `json:"listen_addr" mapstructure:"listen_addr"` // 为空则不启动 /metrics
}

// MonitorConfig 状态打印配置
type MonitorConfig struct {
	Interval time.Duration `json:"interval" mapstructure:"interval"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level" mapstructure:"level"`             // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output" mapstructure:"output"`           // 输出模式: "console", "file", "both"
	File       string `json:"file" mapstructure:"file"`               // 日志文件路径
	MaxSize    int    `json:"max_size" mapstructure:"max_size"`       // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`         // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress" mapstructure:"compress"`       // 是否压缩旧日志文件
}
