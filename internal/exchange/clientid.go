package exchange

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/jxskiss/base62"
)

// Client order id prefixes mark orders this engine created, so that orders
// found on the exchange after a crash can be adopted instead of ignored.
const (
	EntryClientPrefix      = "gen"
	TakeProfitClientPrefix = "gtp"
)

var entrySeq atomic.Uint32

// NewEntryClientID returns a unique client order id for a ladder entry.
// It is generated once per logical order so that retries stay idempotent.
func NewEntryClientID(now time.Time) string {
	seq := entrySeq.Add(1) % 3844
	return EntryClientPrefix + string(base62.FormatInt(now.UnixNano())) + string(base62.FormatInt(int64(seq)))
}

// TakeProfitClientID derives the take-profit client id from its entry order id.
func TakeProfitClientID(entryOrderID int64) string {
	return TakeProfitClientPrefix + string(base62.FormatInt(entryOrderID))
}

// ParseTakeProfitClientID recovers the entry order id from a take-profit client id.
func ParseTakeProfitClientID(clientID string) (int64, bool) {
	if !strings.HasPrefix(clientID, TakeProfitClientPrefix) {
		return 0, false
	}
	id, err := base62.ParseInt([]byte(strings.TrimPrefix(clientID, TakeProfitClientPrefix)))
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// IsEntryClientID reports whether the id was produced by NewEntryClientID.
func IsEntryClientID(clientID string) bool {
	return strings.HasPrefix(clientID, EntryClientPrefix)
}
