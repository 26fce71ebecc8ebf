package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"binance-algo-executor/internal/config"
	"binance-algo-executor/internal/downloader"
	"binance-algo-executor/internal/engine"
	"binance-algo-executor/internal/exchange"
	"binance-algo-executor/internal/logger"
	"binance-algo-executor/internal/metrics"
	"binance-algo-executor/internal/models"
	"binance-algo-executor/internal/scheduler"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

// intentFlags 描述从命令行提交的一次交易意图
type intentFlags struct {
	kind      string
	symbol    string
	side      string
	qty       string
	orderType string
	price     string
	stopPrice string
	lower     string
	upper     string
	levels    int
	duration  time.Duration
	interval  time.Duration
}

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "", "override exchange mode: live or paper")
	var in intentFlags
	flag.StringVar(&in.kind, "intent", "", "intent to submit: twap, grid, oco, stoplimit or order; account and orders only query (empty: only run configured strategies)")
	flag.StringVar(&in.symbol, "symbol", "", "trading symbol, e.g. BTCUSDT")
	flag.StringVar(&in.side, "side", "BUY", "BUY or SELL")
	flag.StringVar(&in.qty, "qty", "", "total quantity")
	flag.StringVar(&in.orderType, "type", "MARKET", "order type for -intent order: MARKET, LIMIT, STOP or STOP_MARKET")
	flag.StringVar(&in.price, "price", "", "limit price (order, oco take-profit, stoplimit execution price)")
	flag.StringVar(&in.stopPrice, "stop", "", "stop price (order, oco stop-loss, stoplimit trigger)")
	flag.StringVar(&in.lower, "lower", "", "grid lower price")
	flag.StringVar(&in.upper, "upper", "", "grid upper price")
	flag.IntVar(&in.levels, "levels", 0, "grid levels")
	flag.DurationVar(&in.duration, "duration", 0, "TWAP total duration")
	flag.DurationVar(&in.interval, "interval", 0, "TWAP slice interval (default from config)")
	flag.Parse()

	// 先用默认配置初始化日志, 以便记录加载配置过程中的问题
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}
	if *mode != "" {
		cfg.Exchange.Mode = *mode
		if err := config.Validate(cfg); err != nil {
			logger.S().Fatalf("配置无效: %v", err)
		}
	}

	// --- 使用文件中的配置重新初始化日志 ---
	log := logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, in, log); err != nil {
		logger.S().Fatalf("执行器异常退出: %v", err)
	}
	logger.S().Info("执行器已成功停止。")
}

func run(ctx context.Context, cfg *models.Config, in intentFlags, log *zap.Logger) error {
	gateway, err := buildExchange(ctx, cfg, in.symbol, log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metricsSrv *http.Server
	if cfg.Metrics.ListenAddr != "" {
		metricsSrv, err = metrics.Serve(cfg.Metrics.ListenAddr, reg, log.Named("metrics"))
		if err != nil {
			return fmt.Errorf("启动指标服务失败: %w", err)
		}
		log.Info("Prometheus 指标已开启", zap.String("addr", metricsSrv.Addr))
	}

	eng, err := engine.New(cfg, gateway, engine.WithLogger(log), engine.WithRegisterer(reg))
	if err != nil {
		return fmt.Errorf("初始化执行引擎失败: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		log.Warn("部分策略未能启动", zap.Error(err))
	}

	if in.kind != "" {
		if err := submitIntent(ctx, eng, in, log); err != nil {
			log.Error("提交交易意图失败", zap.String("intent", in.kind), zap.String("kind", string(models.KindOf(err))), zap.Error(err))
		}
	}

	<-ctx.Done()
	logger.S().Info("收到退出信号，正在停止策略并取消执行计划...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	closeErr := eng.Close(shutdownCtx)
	eng.PrintStatus(os.Stdout)
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("关闭指标服务失败", zap.Error(err))
		}
	}
	return closeErr
}

// buildExchange 根据模式创建实盘或模拟交易所
func buildExchange(ctx context.Context, cfg *models.Config, extraSymbol string, log *zap.Logger) (exchange.Exchange, error) {
	if cfg.Exchange.Mode == "paper" {
		logger.S().Info("--- 启动模拟交易模式 ---")
		paper := exchange.NewPaperExchange(cfg.Exchange.Paper, log.Named("paper"))
		if err := seedPaperHistory(ctx, cfg, paper, log); err != nil {
			return nil, err
		}
		return paper, nil
	}

	logger.S().Info("--- 启动实时交易模式 ---")
	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		return nil, errors.New("BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置")
	}
	if cfg.Exchange.IsTestnet {
		logger.S().Info("正在使用币安测试网...")
	} else {
		logger.S().Info("正在使用币安生产网...")
	}

	live := exchange.NewLiveExchange(apiKey, secretKey, cfg.Exchange.BaseURL, log.Named("binance"))
	if err := live.SyncTime(ctx); err != nil {
		return nil, err
	}

	if cfg.Exchange.UseMarkPriceStream {
		symbols := streamSymbols(cfg, extraSymbol)
		if len(symbols) > 0 {
			stream := exchange.NewMarkPriceStream(
				cfg.Exchange.WSBaseURL,
				symbols,
				time.Duration(cfg.Exchange.WebSocketPingIntervalSec)*time.Second,
				time.Duration(cfg.Exchange.WebSocketPongTimeoutSec)*time.Second,
				log.Named("markprice"),
			)
			live.AttachMarkPriceStream(stream)
			go stream.Run(ctx)
		}
	}
	return live, nil
}

// seedPaperHistory 把配置的历史K线载入模拟交易所, 需要时先从币安下载
func seedPaperHistory(ctx context.Context, cfg *models.Config, paper *exchange.PaperExchange, log *zap.Logger) error {
	pc := cfg.Exchange.Paper
	if len(pc.History) == 0 {
		return nil
	}
	dl := downloader.NewKlineDownloader(cfg.Exchange.LiveAPIURL, log.Named("downloader"))
	now := time.Now()
	for sym, path := range pc.History {
		// viper 会把 map 的键转成小写
		symbol := strings.ToUpper(sym)
		if pc.HistoryLookback > 0 {
			if err := dl.Download(ctx, symbol, cfg.Strategy.KlineInterval, path, now.Add(-pc.HistoryLookback), now); err != nil {
				return fmt.Errorf("下载 %s 历史K线失败: %w", symbol, err)
			}
		}
		klines, err := downloader.LoadCSV(path)
		if err != nil {
			return err
		}
		paper.LoadKlines(symbol, klines)
		logger.S().Infof("已为 %s 载入 %d 根历史K线", symbol, len(klines))
	}
	return nil
}

// streamSymbols 收集需要订阅标记价格的交易对
func streamSymbols(cfg *models.Config, extra string) []string {
	seen := make(map[string]bool)
	var symbols []string
	add := func(s string) {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" && !seen[s] {
			seen[s] = true
			symbols = append(symbols, s)
		}
	}
	for _, sc := range cfg.Strategy.Autostart {
		add(sc.Symbol)
	}
	add(extra)
	return symbols
}

// submitIntent 把命令行参数转换为一次交易意图并提交
func submitIntent(ctx context.Context, eng *engine.Engine, in intentFlags, log *zap.Logger) error {
	symbol := strings.ToUpper(in.symbol)
	side := models.Side(strings.ToUpper(in.side))

	switch strings.ToLower(in.kind) {
	case "twap":
		plan, err := eng.SubmitTWAP(ctx, scheduler.TWAPRequest{
			Symbol: symbol, Side: side, Quantity: in.qty, Duration: in.duration, Interval: in.interval,
		})
		if err != nil {
			return err
		}
		log.Info("TWAP 计划已提交", zap.String("plan_id", plan.ID), zap.String("message", plan.Message))
	case "grid":
		plan, err := eng.SubmitGrid(ctx, scheduler.GridRequest{
			Symbol: symbol, Side: side, Quantity: in.qty, LowerPrice: in.lower, UpperPrice: in.upper, Levels: in.levels,
		})
		if err != nil {
			return err
		}
		log.Info("网格计划已提交", zap.String("plan_id", plan.ID), zap.Int("levels", plan.Levels))
	case "oco":
		res, err := eng.PlaceOCO(ctx, scheduler.OCORequest{
			Symbol: symbol, Side: side, Quantity: in.qty, LimitPrice: in.price, StopPrice: in.stopPrice,
		})
		if res.LimitOrder != nil {
			log.Info("止盈单已挂出", zap.Int64("order_id", res.LimitOrder.OrderID))
		}
		if res.StopOrder != nil {
			log.Info("止损单已挂出", zap.Int64("order_id", res.StopOrder.OrderID))
		}
		if res.Message != "" {
			log.Warn(res.Message, zap.String("oco_id", res.ID))
		}
		return err
	case "stoplimit":
		res, err := eng.PlaceStopLimit(ctx, scheduler.StopLimitRequest{
			Symbol: symbol, Side: side, Quantity: in.qty, StopPrice: in.stopPrice, Price: in.price,
		})
		if err != nil {
			return err
		}
		log.Info(res.Message, zap.Int64("order_id", res.Order.OrderID))
	case "order":
		order, err := eng.PlaceOrder(ctx, scheduler.OrderIntent{
			Symbol: symbol, Side: side, Type: models.OrderType(strings.ToUpper(in.orderType)),
			Quantity: in.qty, Price: in.price, StopPrice: in.stopPrice,
		})
		if err != nil {
			return err
		}
		log.Info("订单已提交", zap.Int64("order_id", order.OrderID), zap.String("status", order.Status))
	case "account":
		account, err := eng.Account(ctx)
		if err != nil {
			return err
		}
		log.Info("账户概览",
			zap.String("wallet_balance", account.TotalWalletBalance.String()),
			zap.String("unrealized_pnl", account.TotalUnrealizedProfit.String()),
			zap.String("available", account.AvailableBalance.String()),
			zap.Int("positions", len(account.Positions)))
		for _, p := range account.Positions {
			log.Info("持仓", zap.String("symbol", p.Symbol), zap.String("amount", p.PositionAmt.String()),
				zap.String("entry_price", p.EntryPrice.String()), zap.String("unrealized_pnl", p.UnrealizedProfit.String()))
		}
	case "orders":
		orders, err := eng.OpenOrders(ctx, symbol)
		if err != nil {
			return err
		}
		log.Info("当前挂单", zap.Int("count", len(orders)))
		for _, o := range orders {
			log.Info("挂单", zap.String("symbol", o.Symbol), zap.Int64("order_id", o.OrderID), zap.String("side", o.Side),
				zap.String("type", o.Type), zap.String("price", o.Price), zap.String("stop_price", o.StopPrice), zap.String("qty", o.OrigQty))
		}
	default:
		return fmt.Errorf("%w: unknown intent %q", models.ErrInvalidConfig, in.kind)
	}
	return nil
}
