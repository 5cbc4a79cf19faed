package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"
)

// Bus is an in-process event bus with non-blocking fan-out to
// subscribers. A slow subscriber drops events rather than stalling
// the emitter.
type Bus struct {
	source string

	subMu       sync.RWMutex
	subscribers map[string]chan Envelope
}

// NewBus creates a bus whose events carry the given source name.
func NewBus(source string) *Bus {
	return &Bus{
		source:      source,
		subscribers: make(map[string]chan Envelope),
	}
}

// Emit publishes a typed event to all current subscribers.
func (b *Bus) Emit(ctx context.Context, eventType EventType, roomID, peerID string, data interface{}) error {
	envelope := Envelope{
		ID:        xid.New().String(),
		Type:      eventType,
		Source:    b.source,
		RoomID:    roomID,
		PeerID:    peerID,
		Timestamp: time.Now().UTC(),
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		envelope.Data = raw
	}

	b.subMu.RLock()
	for id, ch := range b.subscribers {
		select {
		case ch <- envelope:
		default:
			slog.WarnContext(ctx, "event dropped: subscriber buffer full",
				slog.String("subscriber", id), slog.String("event_type", string(eventType)))
		}
	}
	b.subMu.RUnlock()

	return nil
}

// Subscribe creates a subscription identified by id. The caller must
// call Unsubscribe with the same id to clean up.
func (b *Bus) Subscribe(id string, bufSize int) <-chan Envelope {
	if bufSize <= 0 {
		bufSize = 64
	}
	ch := make(chan Envelope, bufSize)
	b.subMu.Lock()
	b.subscribers[id] = ch
	b.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.subMu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.subMu.Unlock()
}
