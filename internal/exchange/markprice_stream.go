package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultPongWait       = 60 * time.Second
	defaultReconnectDelay = 5 * time.Second
)

// markPriceEvent 币安 markPriceUpdate 推送
type markPriceEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

// combinedEvent 组合流的外层包装
type combinedEvent struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type pricePoint struct {
	price decimal.Decimal
	at    time.Time
}

// MarkPriceStream 订阅 <symbol>@markPrice@1s 推送并缓存最新标记价格
type MarkPriceStream struct {
	wsBaseURL      string
	symbols        []string
	pongWait       time.Duration
	pingPeriod     time.Duration
	reconnectDelay time.Duration
	logger         *zap.Logger

	mu     sync.RWMutex
	prices map[string]pricePoint
}

// NewMarkPriceStream 创建标记价格推送流, pingInterval/pongTimeout 为 0 时使用默认值
func NewMarkPriceStream(wsBaseURL string, symbols []string, pingInterval, pongTimeout time.Duration, logger *zap.Logger) *MarkPriceStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	pongWait := pongTimeout
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	pingPeriod := pingInterval
	if pingPeriod <= 0 || pingPeriod >= pongWait {
		pingPeriod = (pongWait * 9) / 10
	}
	return &MarkPriceStream{
		wsBaseURL:      strings.TrimRight(wsBaseURL, "/"),
		symbols:        symbols,
		pongWait:       pongWait,
		pingPeriod:     pingPeriod,
		reconnectDelay: defaultReconnectDelay,
		logger:         logger,
		prices:         make(map[string]pricePoint),
	}
}

// Latest 返回不早于 maxAge 的缓存价格
func (s *MarkPriceStream) Latest(symbol string, maxAge time.Duration) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[symbol]
	if !ok || time.Since(p.at) > maxAge {
		return decimal.Zero, false
	}
	return p.price, true
}

func (s *MarkPriceStream) url() string {
	streams := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		streams = append(streams, strings.ToLower(sym)+"@markPrice@1s")
	}
	return fmt.Sprintf("%s/stream?streams=%s", s.wsBaseURL, strings.Join(streams, "/"))
}

// Run 维持连接并在断开后重连, 直到 ctx 结束
func (s *MarkPriceStream) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			s.logger.Info("标记价格推送已停止")
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url(), nil)
		if err != nil {
			s.logger.Warn("标记价格 WebSocket 连接失败, 稍后重试", zap.Error(err), zap.Duration("delay", s.reconnectDelay))
		} else {
			s.logger.Info("标记价格 WebSocket 连接成功", zap.Strings("symbols", s.symbols))
			if err := s.consume(ctx, conn); err != nil && ctx.Err() == nil {
				s.logger.Warn("标记价格 WebSocket 连接已断开, 准备重连", zap.Error(err))
			}
			conn.Close()
		}

		select {
		case <-ctx.Done():
			s.logger.Info("标记价格推送已停止")
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

// consume 在一个已建立的连接上读取消息并维持心跳
func (s *MarkPriceStream) consume(ctx context.Context, conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	done := make(chan struct{})
	defer close(done)

	var writeMu sync.Mutex
	go func() {
		ticker := time.NewTicker(s.pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				writeMu.Unlock()
				if err != nil {
					s.logger.Warn("发送Ping失败", zap.Error(err))
					return
				}
			case <-ctx.Done():
				writeMu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				writeMu.Unlock()
				_ = conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("读取消息失败: %w", err)
		}
		// 服务端的任意数据都证明连接仍然存活
		_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
		s.handleMessage(message)
	}
}

func (s *MarkPriceStream) handleMessage(message []byte) {
	payload := message
	var wrapped combinedEvent
	if err := json.Unmarshal(message, &wrapped); err == nil && len(wrapped.Data) > 0 {
		payload = wrapped.Data
	}

	var ev markPriceEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.logger.Debug("解析标记价格推送失败", zap.Error(err))
		return
	}
	if ev.Symbol == "" {
		return
	}
	price, err := decimal.NewFromString(ev.MarkPrice)
	if err != nil {
		s.logger.Debug("转换标记价格失败", zap.String("symbol", ev.Symbol), zap.String("price", ev.MarkPrice))
		return
	}

	s.mu.Lock()
	s.prices[ev.Symbol] = pricePoint{price: price, at: time.Now()}
	s.mu.Unlock()
}
