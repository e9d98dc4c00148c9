// Package dedupe provides the trade-identifier ledger callers use to avoid
// handing the same TradeIntent to the replication engine twice. The engine
// itself does not persist a dedupe ledger; the API edge checks here first.
package dedupe

import (
	"context"
	"sync"
	"time"
)

// Ledger records trade identifiers as they are processed.
type Ledger interface {
	// MarkProcessed records the trade ID and reports whether this was the
	// first time it was seen.
	MarkProcessed(ctx context.Context, tradeID string) (bool, error)

	// Release forgets a trade ID so a submission rejected before any side
	// effect can be resubmitted.
	Release(ctx context.Context, tradeID string) error
}

// MemoryLedger is an in-process Ledger with time-based expiry.
type MemoryLedger struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	return &MemoryLedger{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

func (l *MemoryLedger) MarkProcessed(ctx context.Context, tradeID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if at, ok := l.seen[tradeID]; ok && now.Sub(at) < l.ttl {
		return false, nil
	}

	// Opportunistic sweep of expired entries.
	for id, at := range l.seen {
		if now.Sub(at) >= l.ttl {
			delete(l.seen, id)
		}
	}

	l.seen[tradeID] = now
	return true, nil
}

func (l *MemoryLedger) Release(ctx context.Context, tradeID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, tradeID)
	return nil
}
