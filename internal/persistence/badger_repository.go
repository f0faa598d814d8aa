package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"macd-grid-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

var journalPrefix = []byte("trade_journal/")

// BadgerRepository is the BadgerDB implementation of StateRepository and TradeJournal.
// Both live in one database directory so that a single Close releases them.
type BadgerRepository struct {
	db       *badger.DB
	stateKey []byte
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(dbPath string) (*BadgerRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging is noisy; errors are still returned from DB operations.
	opts.Logger = nil
	return open(opts)
}

// NewInMemoryRepository opens a BadgerDB that lives only in memory. Used by tests and paper mode.
func NewInMemoryRepository() (*BadgerRepository, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return open(opts)
}

func open(opts badger.Options) (*BadgerRepository, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerRepository{
		db:       db,
		stateKey: []byte("bot_state"),
	}, nil
}

// SaveState atomically saves the entire bot state under a single key.
func (r *BadgerRepository) SaveState(state *models.BotState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(r.stateKey, data)
	})
}

// LoadState loads the bot state from storage.
// If the state key is not found, it returns (nil, nil) to indicate no state is present.
func (r *BadgerRepository) LoadState() (*models.BotState, error) {
	var state models.BotState

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(r.stateKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("state value is empty in database")
			}
			return json.Unmarshal(val, &state)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func journalKey(orderID int64) []byte {
	return append(append([]byte{}, journalPrefix...), strconv.FormatInt(orderID, 10)...)
}

// AppendTrade writes a trade to the journal. Re-appending the same order id overwrites it.
func (r *BadgerRepository) AppendTrade(rec models.TradeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(journalKey(rec.OrderID), data)
	})
}

// PendingTrades returns every journaled trade.
func (r *BadgerRepository) PendingTrades() ([]models.TradeRecord, error) {
	var trades []models.TradeRecord
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(journalPrefix); it.ValidForPrefix(journalPrefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec models.TradeRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("decode journal entry %s: %w", it.Item().Key(), err)
			}
			trades = append(trades, rec)
		}
		return nil
	})
	return trades, err
}

// RemoveTrade deletes a journal entry once the trade repository accepted it.
func (r *BadgerRepository) RemoveTrade(orderID int64) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(journalKey(orderID))
	})
}

// Close gracefully closes the connection to the database.
func (r *BadgerRepository) Close() error {
	return r.db.Close()
}
