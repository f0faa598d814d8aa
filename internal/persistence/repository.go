package persistence

import (
	"context"

	"macd-grid-bot-go/internal/models"
)

// StateRepository defines the interface for state persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application.
type StateRepository interface {
	// SaveState atomically saves the entire bot state.
	SaveState(state *models.BotState) error

	// LoadState loads the bot state from storage.
	// If no state is found, it should return (nil, nil).
	LoadState() (*models.BotState, error)

	// Close gracefully closes the connection to the database.
	Close() error
}

// TradeRepository stores completed trades. Saving the same exchange order id twice
// must not create a second row; the existing id is returned instead.
type TradeRepository interface {
	SaveTrade(ctx context.Context, rec models.TradeRecord) (int64, error)
	GetRecentTrades(ctx context.Context, limit int) ([]models.TradeRecord, error)
}

// TradeJournal is the durable fallback for trades the repository could not accept.
// Entries are keyed by entry order id and replayed into the repository on startup.
type TradeJournal interface {
	AppendTrade(rec models.TradeRecord) error
	PendingTrades() ([]models.TradeRecord, error)
	RemoveTrade(orderID int64) error
}
