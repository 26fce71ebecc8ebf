package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"binance-algo-executor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalRecordsPlacementsAndRejections(t *testing.T) {
	j, err := OpenJournal(":memory:")
	require.NoError(t, err)
	defer j.Close()
	ctx := context.Background()
	owner := Owner{Kind: "twap", ID: "twap-1"}

	req1 := models.OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: models.Market, Quantity: "0.500", ClientOrderID: "twap-1-s1"}
	require.NoError(t, j.Record(ctx, owner, req1, &models.Order{OrderID: 11, Status: "FILLED"}, nil))

	req2 := models.OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: models.Market, Quantity: "0.500", ClientOrderID: "twap-1-s2"}
	require.NoError(t, j.Record(ctx, owner, req2, nil, errors.New("API Error: code=-2019, msg=Margin is insufficient.")))

	other := models.OrderRequest{Symbol: "ETHUSDT", Side: models.Sell, Type: models.Limit, Price: "3000", Quantity: "1", ClientOrderID: "grid-9-l1"}
	require.NoError(t, j.Record(ctx, Owner{Kind: "grid", ID: "grid-9"}, other, &models.Order{OrderID: 12, Status: "NEW"}, nil))

	entries, err := j.ListByOwner(ctx, "twap-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "twap-1-s1", entries[0].ClientOrderID)
	assert.Equal(t, int64(11), entries[0].ExchangeOrderID)
	assert.Equal(t, "FILLED", entries[0].Status)
	assert.Equal(t, "0.500", entries[0].Quantity)
	assert.Empty(t, entries[0].Error)

	assert.Equal(t, "REJECTED", entries[1].Status)
	assert.Contains(t, entries[1].Error, "-2019")
	assert.Equal(t, "twap", entries[1].OwnerKind)
}

func TestJournalUpsertsOnSameClientOrderID(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "sub", "journal.db"))
	require.NoError(t, err)
	defer j.Close()
	ctx := context.Background()

	req := models.OrderRequest{Symbol: "BTCUSDT", Side: models.Sell, Type: models.StopMarket, StopPrice: "90000", Quantity: "0.1", ClientOrderID: "oco-1-stop", ReduceOnly: true}
	require.NoError(t, j.Record(ctx, Owner{Kind: "oco", ID: "oco-1"}, req, nil, errors.New("timeout")))
	require.NoError(t, j.Record(ctx, Owner{Kind: "oco", ID: "oco-1"}, req, &models.Order{OrderID: 5, Status: "NEW"}, nil))

	entries, err := j.ListByOwner(ctx, "oco-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "NEW", entries[0].Status)
	assert.Equal(t, int64(5), entries[0].ExchangeOrderID)
	assert.Empty(t, entries[0].Error)
	assert.True(t, entries[0].ReduceOnly)
	assert.Equal(t, "90000", entries[0].StopPrice)
}
