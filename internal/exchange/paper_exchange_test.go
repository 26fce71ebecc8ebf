package exchange

import (
	"context"
	"errors"
	"testing"

	"binance-algo-executor/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPaper(t *testing.T) *PaperExchange {
	t.Helper()
	return NewPaperExchange(models.PaperConfig{StepSize: "0.001", MinQty: "0.001", TickSize: "0.1"}, zap.NewNop())
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPaperMarketOrderUpdatesPosition(t *testing.T) {
	ex := newPaper(t)
	ex.SetPrice("BTCUSDT", d("100000"))
	ctx := context.Background()

	o, err := ex.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: models.Market, Quantity: "0.010"})
	require.NoError(t, err)
	assert.Equal(t, "FILLED", o.Status)
	assert.Equal(t, int64(1), o.OrderID)
	assert.True(t, ex.Position("BTCUSDT").Equal(d("0.01")))

	_, err = ex.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Sell, Type: models.Market, Quantity: "0.030"})
	require.NoError(t, err)
	assert.True(t, ex.Position("BTCUSDT").Equal(d("-0.02")))

	positions, err := ex.GetPositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].PositionAmt.Equal(d("-0.02")))
}

func TestPaperMarketOrderWithoutPrice(t *testing.T) {
	ex := newPaper(t)
	_, err := ex.PlaceOrder(context.Background(), models.OrderRequest{Symbol: "ETHUSDT", Side: models.Buy, Type: models.Market, Quantity: "1"})
	var gwErr *models.GatewayError
	require.True(t, errors.As(err, &gwErr))
}

func TestPaperReduceOnly(t *testing.T) {
	ex := newPaper(t)
	ex.SetPrice("BTCUSDT", d("100000"))
	ctx := context.Background()

	_, err := ex.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Sell, Type: models.Market, Quantity: "0.01", ReduceOnly: true})
	var gwErr *models.GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, codeReduceOnlyRejected, gwErr.Code)

	ex.SetPosition("BTCUSDT", d("0.005"))
	o, err := ex.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Sell, Type: models.Market, Quantity: "0.01", ReduceOnly: true})
	require.NoError(t, err)
	assert.Equal(t, "0.005", o.OrigQty)
	assert.True(t, ex.Position("BTCUSDT").IsZero())
}

func TestPaperLimitOrderRestsUntilCrossed(t *testing.T) {
	ex := newPaper(t)
	ex.SetPrice("BTCUSDT", d("100000"))
	ctx := context.Background()

	o, err := ex.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: models.Limit, Quantity: "0.01", Price: "99000"})
	require.NoError(t, err)
	assert.Equal(t, "NEW", o.Status)
	assert.Equal(t, "GTC", o.TimeInForce)
	assert.Len(t, ex.OpenOrders("BTCUSDT"), 1)

	ex.SetPrice("BTCUSDT", d("99500"))
	assert.Len(t, ex.OpenOrders("BTCUSDT"), 1)

	ex.SetPrice("BTCUSDT", d("98900"))
	assert.Empty(t, ex.OpenOrders("BTCUSDT"))
	assert.True(t, ex.Position("BTCUSDT").Equal(d("0.01")))
}

func TestPaperStopMarket(t *testing.T) {
	ex := newPaper(t)
	ex.SetPrice("BTCUSDT", d("100000"))
	ctx := context.Background()

	_, err := ex.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Sell, Type: models.StopMarket, Quantity: "0.01", StopPrice: "100500"})
	var gwErr *models.GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, codeWouldTrigger, gwErr.Code)

	o, err := ex.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Sell, Type: models.StopMarket, Quantity: "0.01", StopPrice: "99000"})
	require.NoError(t, err)
	assert.Equal(t, "NEW", o.Status)

	ex.SetPrice("BTCUSDT", d("98800"))
	assert.Empty(t, ex.OpenOrders("BTCUSDT"))
	assert.True(t, ex.Position("BTCUSDT").Equal(d("-0.01")))
}

func TestPaperStopLimitBecomesLimit(t *testing.T) {
	ex := newPaper(t)
	ex.SetPrice("BTCUSDT", d("100000"))
	ctx := context.Background()

	_, err := ex.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: models.Stop, Quantity: "0.01", Price: "101200", StopPrice: "101000"})
	require.NoError(t, err)

	ex.SetPrice("BTCUSDT", d("101500"))
	open := ex.OpenOrders("BTCUSDT")
	require.Len(t, open, 1)
	assert.Equal(t, "LIMIT", open[0].Type)

	ex.SetPrice("BTCUSDT", d("101100"))
	assert.Empty(t, ex.OpenOrders("BTCUSDT"))
}

func TestPaperCancelOrder(t *testing.T) {
	ex := newPaper(t)
	ctx := context.Background()
	o, err := ex.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: models.Limit, Quantity: "0.01", Price: "90000"})
	require.NoError(t, err)

	require.NoError(t, ex.CancelOrder(ctx, "BTCUSDT", o.OrderID))
	err = ex.CancelOrder(ctx, "BTCUSDT", o.OrderID)
	var gwErr *models.GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, codeUnknownOrder, gwErr.Code)
}

func TestPaperFiltersAndKlines(t *testing.T) {
	ex := newPaper(t)
	ctx := context.Background()

	f, err := ex.GetSymbolFilters(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, f.HasLotSize)
	assert.Equal(t, "0.001", f.StepSize)
	assert.Equal(t, "BTCUSDT", f.Symbol)

	ex.SetFilters("XYZUSDT", nil)
	f, err = ex.GetSymbolFilters(ctx, "XYZUSDT")
	require.NoError(t, err)
	assert.Nil(t, f)

	ex.AppendCloses("BTCUSDT", 1, 2, 3, 4, 5)
	ks, err := ex.GetKlines(ctx, "BTCUSDT", "1m", 3)
	require.NoError(t, err)
	require.Len(t, ks, 3)
	assert.Equal(t, 3.0, ks[0].Close)
	assert.Equal(t, 5.0, ks[2].Close)

	price, err := ex.GetMarkPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(d("5")))
}

func TestPaperHookAndInjectedFailures(t *testing.T) {
	ex := newPaper(t)
	ex.SetPrice("BTCUSDT", d("100"))
	ctx := context.Background()
	boom := &models.GatewayError{Code: -1001, Msg: "disconnected"}

	ex.SetPlaceOrderHook(func(call int, _ models.OrderRequest) error {
		if call == 2 {
			return boom
		}
		return nil
	})
	req := models.OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: models.Market, Quantity: "1"}
	_, err := ex.PlaceOrder(ctx, req)
	require.NoError(t, err)
	_, err = ex.PlaceOrder(ctx, req)
	assert.Same(t, boom, err)
	_, err = ex.PlaceOrder(ctx, req)
	require.NoError(t, err)

	ex.FailWith("GetPositions", boom)
	_, err = ex.GetPositions(ctx, "BTCUSDT")
	assert.Error(t, err)
	ex.FailWith("GetPositions", nil)
	_, err = ex.GetPositions(ctx, "BTCUSDT")
	assert.NoError(t, err)
}

func TestPaperConfigPricesAreUppercased(t *testing.T) {
	ex := NewPaperExchange(models.PaperConfig{Prices: map[string]string{"btcusdt": "65000.5"}}, nil)
	price, err := ex.GetMarkPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(d("65000.5")))
}

func TestPaperLoadKlinesSetsPrice(t *testing.T) {
	ex := newPaper(t)
	ex.LoadKlines("ETHUSDT", []models.Kline{
		{OpenTime: 0, Close: 3000, CloseTime: 59_999},
		{OpenTime: 60_000, Close: 3012.5, CloseTime: 119_999},
	})

	klines, err := ex.GetKlines(context.Background(), "ETHUSDT", "1m", 10)
	require.NoError(t, err)
	require.Len(t, klines, 2)
	assert.Equal(t, int64(60_000), klines[1].OpenTime)

	price, err := ex.GetMarkPrice(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(d("3012.5")))
}

func TestPaperGetOpenOrders(t *testing.T) {
	ex := newPaper(t)
	ex.SetPrice("BTCUSDT", d("100000"))
	ex.SetPrice("ETHUSDT", d("3000"))
	ctx := context.Background()

	limit, err := ex.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: models.Limit, Quantity: "0.01", Price: "90000"})
	require.NoError(t, err)
	stop, err := ex.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Sell, Type: models.StopMarket, Quantity: "0.01", StopPrice: "95000"})
	require.NoError(t, err)
	eth, err := ex.PlaceOrder(ctx, models.OrderRequest{Symbol: "ETHUSDT", Side: models.Sell, Type: models.Limit, Quantity: "0.1", Price: "3500"})
	require.NoError(t, err)
	_, err = ex.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: models.Market, Quantity: "0.01"})
	require.NoError(t, err)

	btc, err := ex.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, btc, 2)
	assert.Equal(t, limit.OrderID, btc[0].OrderID)
	assert.Equal(t, stop.OrderID, btc[1].OrderID)

	all, err := ex.GetOpenOrders(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, eth.OrderID, all[2].OrderID)

	require.NoError(t, ex.CancelOrder(ctx, "BTCUSDT", limit.OrderID))
	btc, err = ex.GetOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, btc, 1)
	assert.Equal(t, stop.OrderID, btc[0].OrderID)

	ex.FailWith("GetOpenOrders", errors.New("boom"))
	_, err = ex.GetOpenOrders(ctx, "BTCUSDT")
	assert.EqualError(t, err, "boom")
	assert.Len(t, ex.OpenOrders("BTCUSDT"), 1)
}

func TestPaperAccountTracksRealizedAndUnrealizedPnL(t *testing.T) {
	ex := NewPaperExchange(models.PaperConfig{StepSize: "0.001", MinQty: "0.001", InitialBalance: "1000"}, zap.NewNop())
	ex.SetPrice("BTCUSDT", d("100000"))
	ctx := context.Background()

	account, err := ex.GetAccount(ctx)
	require.NoError(t, err)
	assert.True(t, account.TotalWalletBalance.Equal(d("1000")))
	assert.Empty(t, account.Positions)
	require.Len(t, account.Balances, 1)
	assert.Equal(t, "USDT", account.Balances[0].Asset)

	_, err = ex.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: models.Market, Quantity: "0.010"})
	require.NoError(t, err)
	ex.SetPrice("BTCUSDT", d("101000"))

	account, err = ex.GetAccount(ctx)
	require.NoError(t, err)
	assert.True(t, account.TotalWalletBalance.Equal(d("1000")))
	assert.True(t, account.TotalUnrealizedProfit.Equal(d("10")), account.TotalUnrealizedProfit.String())
	assert.True(t, account.AvailableBalance.Equal(d("1010")))
	require.Len(t, account.Positions, 1)
	assert.True(t, account.Positions[0].PositionAmt.Equal(d("0.01")))

	_, err = ex.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Sell, Type: models.Market, Quantity: "0.010"})
	require.NoError(t, err)

	account, err = ex.GetAccount(ctx)
	require.NoError(t, err)
	assert.True(t, account.TotalWalletBalance.Equal(d("1010")), account.TotalWalletBalance.String())
	assert.True(t, account.TotalUnrealizedProfit.IsZero())
	assert.Empty(t, account.Positions)

	ex.FailWith("GetAccount", errors.New("down"))
	_, err = ex.GetAccount(ctx)
	assert.Error(t, err)
}

func TestPaperShortRealizesProfitWhenCovered(t *testing.T) {
	ex := NewPaperExchange(models.PaperConfig{InitialBalance: "500", TakerFeeRate: 0.001}, zap.NewNop())
	ex.SetPrice("BTCUSDT", d("100000"))
	ctx := context.Background()

	_, err := ex.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Sell, Type: models.Market, Quantity: "0.01"})
	require.NoError(t, err)
	ex.SetPrice("BTCUSDT", d("98000"))
	_, err = ex.PlaceOrder(ctx, models.OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: models.Market, Quantity: "0.01"})
	require.NoError(t, err)

	// 500 + 20 profit - fees (1 + 0.98)
	account, err := ex.GetAccount(ctx)
	require.NoError(t, err)
	assert.True(t, account.TotalWalletBalance.Equal(d("518.02")), account.TotalWalletBalance.String())
	assert.True(t, ex.TotalFees.Equal(d("1.98")))
}
