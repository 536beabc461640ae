// Package eventbus is the single-process pub/sub fan-out of state changes:
// pairing codes, connection status, intent status transitions, and
// rate-limit warnings. Broadcast is synchronous from the producer's
// standpoint but never blocks on a slow consumer — each subscriber gets
// its own buffered channel, and a full channel drops the event for that
// subscriber rather than stalling the publish.
package eventbus

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// subscriberBuffer bounds how many pending events a slow consumer may
// queue before further events for it are silently dropped.
const subscriberBuffer = 64

// PairingCode is emitted whenever the Connection Manager renders a fresh
// pairing code.
type PairingCode struct {
	Terminal string
	DataURL  string
	At       time.Time
}

// ConnectionStatus mirrors the Connection Manager's externally visible state.
type ConnectionStatus struct {
	Status            string
	Uptime            time.Duration
	ConnectedAt       *time.Time
	LastDisconnect    *DisconnectInfo
	ReconnectAttempts int
	AccountPhone      string
	AccountName       string
}

// DisconnectInfo describes the most recent disconnect.
type DisconnectInfo struct {
	Reason string
	Code   int
	At     time.Time
}

// IntentStatus is emitted on every status transition of an Intent that the
// core drives.
type IntentStatus struct {
	IntentID int64
	Status   string
	At       time.Time
	Reason   string
}

// RateLimitWarning is emitted by CheckAndWarn when sentToday crosses the
// configured warn threshold.
type RateLimitWarning struct {
	SentToday int
	DailyCap  int
	WarnPct   int
}

// RateLimitReached is emitted by CheckAndWarn once the daily cap itself is met.
type RateLimitReached struct {
	SentToday int
	DailyCap  int
}

// Event is the envelope every subscriber receives; Data is one of the
// typed structs above.
type Event struct {
	Type string
	Data interface{}
}

const (
	TypePairingCode      = "PairingCode"
	TypeConnectionStatus = "ConnectionStatus"
	TypeIntentStatus     = "IntentStatus"
	TypeRateLimitWarning = "RateLimitWarning"
	TypeRateLimitReached = "RateLimitReached"
)

// Bus is the fan-out hub. Zero value is not usable; construct with New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int64]chan Event
	nextID int64
	logger *zap.Logger
}

// New constructs an empty Bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{subs: make(map[int64]chan Event), logger: logger}
}

// Subscribe registers a new consumer and returns its receive channel and an
// unsubscribe function. The channel is closed on Unsubscribe.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

// publish broadcasts to every current subscriber without blocking; a full
// subscriber channel drops the event for that subscriber only.
func (b *Bus) publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			if b.logger != nil {
				b.logger.Warn("eventbus: dropped event for slow subscriber",
					zap.Int64("subscriber_id", id), zap.String("event_type", evt.Type))
			}
		}
	}
}

// PublishPairingCode broadcasts a PairingCode event.
func (b *Bus) PublishPairingCode(data PairingCode) {
	b.publish(Event{Type: TypePairingCode, Data: data})
}

// PublishConnectionStatus broadcasts a ConnectionStatus event.
func (b *Bus) PublishConnectionStatus(data ConnectionStatus) {
	b.publish(Event{Type: TypeConnectionStatus, Data: data})
}

// PublishIntentStatus broadcasts an IntentStatus event.
func (b *Bus) PublishIntentStatus(data IntentStatus) {
	b.publish(Event{Type: TypeIntentStatus, Data: data})
}

// PublishRateLimitWarning broadcasts a RateLimitWarning event.
func (b *Bus) PublishRateLimitWarning(data RateLimitWarning) {
	b.publish(Event{Type: TypeRateLimitWarning, Data: data})
}

// PublishRateLimitReached broadcasts a RateLimitReached event.
func (b *Bus) PublishRateLimitReached(data RateLimitReached) {
	b.publish(Event{Type: TypeRateLimitReached, Data: data})
}
