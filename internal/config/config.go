package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"binance-algo-executor/internal/models"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "config.json"
	envPrefix         = "executor"
)

// LoadConfig 读取 JSON 配置文件, 结合默认值和环境变量 (EXECUTOR_*) 返回 Config
func LoadConfig(path string) (*models.Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file %q not found: %w", path, err)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg models.Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	resolveEndpoints(&cfg.Exchange)
	applyStrategyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.mode", "paper")
	v.SetDefault("exchange.is_testnet", true)
	v.SetDefault("exchange.live_api_url", "https://fapi.binance.com")
	v.SetDefault("exchange.live_ws_url", "wss://fstream.binance.com")
	v.SetDefault("exchange.testnet_api_url", "https://testnet.binancefuture.com")
	v.SetDefault("exchange.testnet_ws_url", "wss://stream.binancefuture.com")
	v.SetDefault("exchange.call_timeout", "10s")
	v.SetDefault("exchange.use_mark_price_stream", false)
	v.SetDefault("exchange.websocket_ping_interval_sec", 30)
	v.SetDefault("exchange.websocket_pong_timeout_sec", 75)
	v.SetDefault("exchange.paper.step_size", "0.001")
	v.SetDefault("exchange.paper.min_qty", "0.001")
	v.SetDefault("exchange.paper.tick_size", "0.1")
	v.SetDefault("exchange.paper.initial_balance", "10000")

	v.SetDefault("scheduler.default_twap_interval", "60s")

	v.SetDefault("strategy.period", "30s")
	v.SetDefault("strategy.kline_interval", "1m")

	v.SetDefault("storage.state_dir", "data/state")
	v.SetDefault("storage.in_memory", false)
	v.SetDefault("storage.journal_path", "data/journal.db")

	v.SetDefault("metrics.listen_addr", "")
	v.SetDefault("monitor.interval", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.output", "console")
	v.SetDefault("log.file", "logs/executor.log")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.compress", false)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// resolveEndpoints 根据是否为测试网设置实际使用的 REST 与 WebSocket 地址
func resolveEndpoints(ex *models.ExchangeConfig) {
	if ex.IsTestnet {
		ex.BaseURL = ex.TestnetAPIURL
		ex.WSBaseURL = ex.TestnetWSURL
	} else {
		ex.BaseURL = ex.LiveAPIURL
		ex.WSBaseURL = ex.LiveWSURL
	}
}

// applyStrategyDefaults 为自动启动的策略补全周期和K线间隔
func applyStrategyDefaults(cfg *models.Config) {
	for i := range cfg.Strategy.Autostart {
		sc := &cfg.Strategy.Autostart[i]
		if sc.Period <= 0 {
			sc.Period = cfg.Strategy.Period
		}
		if sc.KlineInterval == "" {
			sc.KlineInterval = cfg.Strategy.KlineInterval
		}
	}
}

// Validate 检查配置是否可用
func Validate(cfg *models.Config) error {
	switch cfg.Exchange.Mode {
	case "live", "paper":
	default:
		return fmt.Errorf("%w: exchange.mode must be live or paper, got %q", models.ErrInvalidConfig, cfg.Exchange.Mode)
	}
	if cfg.Exchange.CallTimeout <= 0 {
		return fmt.Errorf("%w: exchange.call_timeout must be positive", models.ErrInvalidConfig)
	}
	if cfg.Exchange.Mode == "live" && cfg.Exchange.BaseURL == "" {
		return fmt.Errorf("%w: no REST endpoint configured", models.ErrInvalidConfig)
	}
	if cfg.Strategy.Period <= 0 {
		return fmt.Errorf("%w: strategy.period must be positive", models.ErrInvalidConfig)
	}
	if cfg.Monitor.Interval < 0 {
		return fmt.Errorf("%w: monitor.interval must not be negative", models.ErrInvalidConfig)
	}
	if !cfg.Storage.InMemory && cfg.Storage.StateDir == "" {
		return fmt.Errorf("%w: storage.state_dir is required unless storage.in_memory is set", models.ErrInvalidConfig)
	}

	seen := make(map[string]bool, len(cfg.Strategy.Autostart))
	for _, sc := range cfg.Strategy.Autostart {
		if seen[sc.Name] {
			return fmt.Errorf("%w: duplicate autostart strategy %q", models.ErrInvalidConfig, sc.Name)
		}
		seen[sc.Name] = true
		if err := ValidateStrategy(sc); err != nil {
			return err
		}
	}
	return nil
}

// ValidateStrategy 检查单个策略配置
func ValidateStrategy(sc models.StrategyConfig) error {
	if strings.TrimSpace(sc.Name) == "" {
		return fmt.Errorf("%w: strategy name is required", models.ErrInvalidConfig)
	}
	if strings.TrimSpace(sc.Symbol) == "" {
		return fmt.Errorf("%w: strategy %q: symbol is required", models.ErrInvalidConfig, sc.Name)
	}
	if sc.ShortWindow <= 0 || sc.LongWindow <= 0 {
		return fmt.Errorf("%w: strategy %q: windows must be positive (short=%d, long=%d)",
			models.ErrInvalidConfig, sc.Name, sc.ShortWindow, sc.LongWindow)
	}
	qty, err := decimal.NewFromString(sc.QuantityPerTrade)
	if err != nil || !qty.IsPositive() {
		return fmt.Errorf("%w: strategy %q: quantity_per_trade must be a positive decimal, got %q",
			models.ErrInvalidConfig, sc.Name, sc.QuantityPerTrade)
	}
	if sc.Period < 0 || sc.Period > 24*time.Hour {
		return fmt.Errorf("%w: strategy %q: period out of range", models.ErrInvalidConfig, sc.Name)
	}
	return nil
}
