package strategy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"binance-algo-executor/internal/exchange"
	"binance-algo-executor/internal/models"
	"binance-algo-executor/internal/normalizer"
	"binance-algo-executor/internal/scheduler"
	"binance-algo-executor/internal/statemanager"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type countingMarket struct {
	*exchange.PaperExchange
	positionCalls atomic.Int32
}

func (m *countingMarket) GetPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	m.positionCalls.Add(1)
	return m.PaperExchange.GetPositions(ctx, symbol)
}

func newTestSupervisor(t *testing.T, opts ...Option) (*Supervisor, *countingMarket) {
	t.Helper()
	ex := exchange.NewPaperExchange(models.PaperConfig{StepSize: "0.001", MinQty: "0.001", TickSize: "0.1"}, zap.NewNop())
	market := &countingMarket{PaperExchange: ex}
	store := statemanager.NewStateManager(nil, zap.NewNop())
	sched := scheduler.New(ex, normalizer.New(ex, zap.NewNop()), store)
	sup := NewSupervisor(market, sched, store, append([]Option{WithDefaults(10*time.Millisecond, "1m")}, opts...)...)
	t.Cleanup(func() { _, _ = sup.StopAll(context.Background()) })
	return sup, market
}

func rising(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 + float64(i)
	}
	return out
}

func falling(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 200 - float64(i)
	}
	return out
}

func cfg(name string) models.StrategyConfig {
	return models.StrategyConfig{
		Name: name, Symbol: "BTCUSDT", ShortWindow: 5, LongWindow: 20, QuantityPerTrade: "0.01", Period: time.Hour,
	}
}

func waitIterations(t *testing.T, sup *Supervisor, name string, n int) models.StrategyStatus {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := sup.Status(name)
		return err == nil && st.Iterations >= n
	}, 3*time.Second, 5*time.Millisecond)
	st, err := sup.Status(name)
	require.NoError(t, err)
	return st
}

func TestMovingAverageCrossover(t *testing.T) {
	r, err := MovingAverageCrossover{}.Evaluate([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 3, 5)
	require.NoError(t, err)
	assert.InDelta(t, 9.0, r.Short, 1e-9)
	assert.InDelta(t, 8.0, r.Long, 1e-9)

	_, err = MovingAverageCrossover{}.Evaluate([]float64{1, 2}, 3, 5)
	assert.Error(t, err)
	_, err = MovingAverageCrossover{}.Evaluate([]float64{1, 2}, 0, 1)
	assert.Error(t, err)
}

func TestStartRegistersAndBuysOnBullishCrossover(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.AppendCloses("BTCUSDT", rising(30)...)

	st, err := sup.Start(context.Background(), cfg("s1"))
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.Equal(t, "1m", st.Config.KlineInterval)
	assert.Equal(t, []string{"s1"}, sup.Active())

	st = waitIterations(t, sup, "s1", 1)
	assert.Equal(t, models.PhaseRunning, st.Phase)
	assert.Equal(t, "BUY Order Placed: 1", st.LastAction)
	assert.Contains(t, st.Message, "Short SMA: 127.00, Long SMA: 119.50")
	assert.Contains(t, st.Message, "Price: 129.00")

	orders := market.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, "BUY", orders[0].Side)
	assert.Equal(t, "0.010", orders[0].OrigQty)
}

func TestSellsOnBearishCrossover(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.AppendCloses("BTCUSDT", falling(30)...)

	_, err := sup.Start(context.Background(), cfg("s1"))
	require.NoError(t, err)
	st := waitIterations(t, sup, "s1", 1)
	assert.Equal(t, "SELL Order Placed: 1", st.LastAction)
	assert.True(t, market.Position("BTCUSDT").Equal(d("-0.01")))
}

func TestHoldsWhenAlreadyPositioned(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.AppendCloses("BTCUSDT", rising(30)...)
	market.SetPosition("BTCUSDT", d("0.01"))

	_, err := sup.Start(context.Background(), cfg("s1"))
	require.NoError(t, err)
	st := waitIterations(t, sup, "s1", 1)
	assert.Equal(t, "Holding (No signal or already in position)", st.LastAction)
	assert.Empty(t, market.Orders())
}

func TestWaitsForData(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.AppendCloses("BTCUSDT", 100, 101, 102)

	_, err := sup.Start(context.Background(), cfg("s1"))
	require.NoError(t, err)
	st := waitIterations(t, sup, "s1", 1)
	assert.Contains(t, st.Message, "waiting for data")
	assert.Contains(t, st.Message, "3/20")
	assert.Empty(t, st.LastAction)
	assert.Empty(t, market.Orders())
	assert.Zero(t, market.positionCalls.Load())
}

func TestPositionFetchFailureCountsAsFlat(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.AppendCloses("BTCUSDT", rising(30)...)
	market.FailWith("GetPositions", errors.New("connection reset"))

	_, err := sup.Start(context.Background(), cfg("s1"))
	require.NoError(t, err)
	st := waitIterations(t, sup, "s1", 1)
	assert.Equal(t, "BUY Order Placed: 1", st.LastAction)

	res, err := sup.Stop(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, res.PositionClosed)
	assert.Contains(t, res.Notes, "Failed to fetch positions for BTCUSDT")
	assert.Empty(t, sup.Active())
}

func TestOrderFailureDoesNotStopLoop(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.AppendCloses("BTCUSDT", rising(30)...)
	market.SetPlaceOrderHook(func(int, models.OrderRequest) error {
		return &models.GatewayError{Code: models.CodeTooManyRequests, Msg: "Too many requests."}
	})

	c := cfg("s1")
	c.Period = 5 * time.Millisecond
	_, err := sup.Start(context.Background(), c)
	require.NoError(t, err)

	st := waitIterations(t, sup, "s1", 3)
	assert.True(t, st.Active)
	assert.Equal(t, models.PhaseRunning, st.Phase)
	assert.Contains(t, st.LastAction, "BUY Signal (Order Failed:")
	assert.Contains(t, st.Message, "transient")
}

func TestPluggableSignal(t *testing.T) {
	bearish := SignalFunc(func(closes []float64, short, long int) (Reading, error) {
		return Reading{Short: 1, Long: 2}, nil
	})
	sup, market := newTestSupervisor(t, WithSignal(bearish))
	market.AppendCloses("BTCUSDT", rising(30)...)

	_, err := sup.Start(context.Background(), cfg("s1"))
	require.NoError(t, err)
	st := waitIterations(t, sup, "s1", 1)
	assert.Equal(t, "SELL Order Placed: 1", st.LastAction)
}

func TestStartRejectsDuplicateName(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.AppendCloses("BTCUSDT", 100)

	_, err := sup.Start(context.Background(), cfg("s1"))
	require.NoError(t, err)
	before := waitIterations(t, sup, "s1", 1)

	dup := cfg("s1")
	dup.Symbol = "ETHUSDT"
	dup.ShortWindow = 0
	_, err = sup.Start(context.Background(), dup)
	require.ErrorIs(t, err, models.ErrDuplicateStrategy)
	assert.Equal(t, models.KindDuplicateStrategy, models.KindOf(err))

	after, err := sup.Status("s1")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", after.Symbol)
	assert.Equal(t, before.Config, after.Config)
	assert.True(t, after.Active)
}

func TestStartValidation(t *testing.T) {
	cases := map[string]func(c *models.StrategyConfig){
		"no name":      func(c *models.StrategyConfig) { c.Name = "" },
		"no symbol":    func(c *models.StrategyConfig) { c.Symbol = "" },
		"short window": func(c *models.StrategyConfig) { c.ShortWindow = 0 },
		"long window":  func(c *models.StrategyConfig) { c.LongWindow = -1 },
		"quantity":     func(c *models.StrategyConfig) { c.QuantityPerTrade = "zero" },
		"negative qty": func(c *models.StrategyConfig) { c.QuantityPerTrade = "-1" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			sup, _ := newTestSupervisor(t)
			c := cfg("s1")
			mutate(&c)
			_, err := sup.Start(context.Background(), c)
			require.ErrorIs(t, err, models.ErrInvalidConfig)
			assert.Empty(t, sup.Active())
			assert.Empty(t, sup.Statuses())
		})
	}
}

func TestStopFlattensShortPosition(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.SetPrice("BTCUSDT", d("100000"))
	market.SetPosition("BTCUSDT", d("-0.02"))

	_, err := sup.Start(context.Background(), cfg("s1"))
	require.NoError(t, err)
	waitIterations(t, sup, "s1", 1)

	res, err := sup.Stop(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "Strategy 's1' stopped.", res.Message)
	assert.True(t, res.PositionClosed)
	assert.True(t, res.PositionSize.Equal(d("-0.02")))
	require.NotNil(t, res.CloseOrder)
	assert.Equal(t, "BUY", res.CloseOrder.Side)
	assert.Equal(t, "MARKET", res.CloseOrder.Type)
	assert.True(t, res.CloseOrder.ReduceOnly)
	assert.Equal(t, "0.020", res.CloseOrder.OrigQty)
	assert.Equal(t, "Closed BTCUSDT position via reduce-only BUY order.", res.Notes)
	assert.True(t, market.Position("BTCUSDT").IsZero())

	st, err := sup.Status("s1")
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.Equal(t, models.PhaseStopped, st.Phase)
	assert.Equal(t, "Auto-close BUY 0.02", st.LastAction)
	assert.Equal(t, res.Notes, st.Message)
}

func TestStopWithoutPositionMakesOneFlattenAttempt(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.SetPrice("BTCUSDT", d("100000"))

	_, err := sup.Start(context.Background(), cfg("s1"))
	require.NoError(t, err)
	waitIterations(t, sup, "s1", 1)

	res, err := sup.Stop(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, res.PositionClosed)
	assert.Nil(t, res.CloseOrder)
	assert.Contains(t, res.Notes, "no position to close")
	assert.Equal(t, int32(1), market.positionCalls.Load())
	assert.Empty(t, sup.Active())

	_, err = sup.Stop(context.Background(), "s1")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = sup.Stop(context.Background(), "ghost")
	assert.ErrorIs(t, err, models.ErrNotFound)

	// the name is free again once stopped
	_, err = sup.Start(context.Background(), cfg("s1"))
	require.NoError(t, err)
}

func TestStopFlattenFailureStillStops(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.SetPrice("BTCUSDT", d("100000"))
	market.SetPosition("BTCUSDT", d("0.05"))
	market.SetPlaceOrderHook(func(int, models.OrderRequest) error {
		return &models.GatewayError{Code: -2019, Msg: "Margin is insufficient."}
	})

	_, err := sup.Start(context.Background(), cfg("s1"))
	require.NoError(t, err)
	waitIterations(t, sup, "s1", 1)

	res, err := sup.Stop(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, res.PositionClosed)
	assert.True(t, res.PositionSize.Equal(d("0.05")))
	assert.Contains(t, res.Notes, "Failed to close position for BTCUSDT")
	assert.Empty(t, sup.Active())

	st, err := sup.Status("s1")
	require.NoError(t, err)
	assert.Equal(t, "Auto-close failed (SELL)", st.LastAction)
	assert.False(t, st.Active)
}

func TestConcurrentStopsProceedOnce(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.SetPrice("BTCUSDT", d("100000"))
	_, err := sup.Start(context.Background(), cfg("s1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var ok, notFound atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sup.Stop(context.Background(), "s1")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, models.ErrNotFound):
				notFound.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(4), notFound.Load())
	assert.Equal(t, int32(1), market.positionCalls.Load())
}

func TestStopAll(t *testing.T) {
	sup, market := newTestSupervisor(t)
	market.SetPrice("BTCUSDT", d("100000"))
	for _, name := range []string{"b", "a"} {
		_, err := sup.Start(context.Background(), cfg(name))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b"}, sup.Active())

	results, err := sup.StopAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Name)
	assert.Empty(t, sup.Active())

	statuses := sup.Statuses()
	require.Len(t, statuses, 2)
	for _, st := range statuses {
		assert.False(t, st.Active)
		assert.Equal(t, models.PhaseStopped, st.Phase)
	}
}
