package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Type string

const (
	TypeCopierSubscribed    Type = "copier-subscribed"
	TypeCopierUnsubscribed  Type = "copier-unsubscribed"
	TypeRiskBreach          Type = "risk-breach"
	TypeTradeReplicated     Type = "trade-replicated"
	TypeSettlementConfirmed Type = "settlement-confirmed"
)

// Event is one domain occurrence written to the outbound channel. Consumers
// (notification fan-out, UI push) subscribe externally; the engine only
// writes.
type Event struct {
	EventID    string      `json:"event_id"`
	Type       Type        `json:"type"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

// New builds an event with a fresh ID and timestamp.
func New(t Type, payload interface{}) Event {
	return Event{
		EventID:    "EVT_" + uuid.New().String(),
		Type:       t,
		OccurredAt: time.Now(),
		Payload:    payload,
	}
}

// Publisher is the outbound event channel the engine writes to.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Bus is an in-process Publisher with fan-out to subscriber channels. Used
// in tests and single-process deployments; production wiring swaps in the
// Kafka publisher.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a buffered channel receiving every subsequent event.
// A slow subscriber drops events rather than blocking the engine.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			log.Warn().
				Str("event_id", event.EventID).
				Str("type", string(event.Type)).
				Msg("dropping event for slow subscriber")
		}
	}
	return nil
}
