package persistence

import (
	"testing"
	"time"

	"macd-grid-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateRoundTripOnDisk(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewBadgerRepository(dir)
	require.NoError(t, err)

	state, err := repo.LoadState()
	require.NoError(t, err)
	assert.Nil(t, state, "empty database has no state")

	saved := &models.BotState{
		BotID:   "bot-1",
		Symbol:  "BTCUSDT",
		Version: models.BotStateVersion,
		Orders: []models.TrackedOrder{
			{OrderID: 11, Side: models.Buy, EntryPrice: 88000, Quantity: 0.01, Status: models.StatusPending},
			{OrderID: 12, Side: models.Buy, EntryPrice: 87900, Quantity: 0.01, Status: models.StatusFilled, TPOrderID: 21},
		},
		LastUpdateTime: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, repo.SaveState(saved))
	require.NoError(t, repo.Close())

	repo, err = NewBadgerRepository(dir)
	require.NoError(t, err)
	defer repo.Close()

	loaded, err := repo.LoadState()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "bot-1", loaded.BotID)
	require.Len(t, loaded.Orders, 2)
	assert.Equal(t, models.StatusFilled, loaded.Orders[1].Status)
	assert.Equal(t, int64(21), loaded.Orders[1].TPOrderID)
	assert.True(t, saved.LastUpdateTime.Equal(loaded.LastUpdateTime))
}

func TestTradeJournal(t *testing.T) {
	repo, err := NewInMemoryRepository()
	require.NoError(t, err)
	defer repo.Close()

	require.NoError(t, repo.AppendTrade(models.TradeRecord{OrderID: 1, RealizedPnL: 1.5}))
	require.NoError(t, repo.AppendTrade(models.TradeRecord{OrderID: 2, RealizedPnL: -0.5}))
	require.NoError(t, repo.AppendTrade(models.TradeRecord{OrderID: 1, RealizedPnL: 1.5}))
	require.NoError(t, repo.SaveState(&models.BotState{BotID: "x"}))

	pending, err := repo.PendingTrades()
	require.NoError(t, err)
	assert.Len(t, pending, 2, "state key must not leak into the journal scan")

	require.NoError(t, repo.RemoveTrade(1))
	pending, err = repo.PendingTrades()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(2), pending[0].OrderID)
}
