package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"macd-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *TradeStore {
	t.Helper()
	db, err := InitDB(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewTradeStore(db)
}

func TestSaveTradeIsAtMostOncePerOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	rec := models.TradeRecord{
		OrderID: 1001, TPOrderID: 2001, Symbol: "BTCUSDT", Side: models.Buy,
		EntryPrice: 88000, ExitPrice: 88440, Quantity: 0.01, Fees: 0.35, RealizedPnL: 4.05,
		EntryTime: now.Add(-time.Hour), ExitTime: now, GridLevel: 1, Source: models.SourcePush,
	}
	id1, err := store.SaveTrade(ctx, rec)
	require.NoError(t, err)
	id2, err := store.SaveTrade(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	count, pnl, err := store.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.InDelta(t, 4.05, pnl, 1e-9)
}

func TestGetRecentTradesNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := int64(1); i <= 3; i++ {
		_, err := store.SaveTrade(ctx, models.TradeRecord{
			OrderID: i, Symbol: "BTCUSDT", Side: models.Buy, Quantity: 1,
			EntryTime: base, ExitTime: base.Add(time.Duration(i) * time.Minute), Source: models.SourcePoll,
		})
		require.NoError(t, err)
	}

	trades, err := store.GetRecentTrades(ctx, 2)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, int64(3), trades[0].OrderID)
	assert.Equal(t, int64(2), trades[1].OrderID)
	assert.Equal(t, models.SourcePoll, trades[0].Source)
	assert.True(t, trades[0].ExitTime.Equal(base.Add(3*time.Minute)))
}

func TestRunCounterAndMetadata(t *testing.T) {
	db, err := InitDB(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	first, err := NextRunID(ctx, db)
	require.NoError(t, err)
	second, err := NextRunID(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, first+1, second)

	_, ok, err := Metadata(ctx, db, "bot_id")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, SetMetadata(ctx, db, "bot_id", "abc"))
	require.NoError(t, SetMetadata(ctx, db, "bot_id", "def"))
	v, ok, err := Metadata(ctx, db, "bot_id")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "def", v)
}
