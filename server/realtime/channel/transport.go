// Package channel is the publish/subscribe boundary of the realtime core. A
// Transport hands out Subscriptions to named channels that deliver presence,
// broadcast and row-change events in FIFO order per subscription.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	commonlog "gigsync/server/common/log"
)

type EventKind string

const (
	EventPresenceSync  EventKind = "presence_sync"
	EventPresenceJoin  EventKind = "presence_join"
	EventPresenceLeave EventKind = "presence_leave"
	EventBroadcast     EventKind = "broadcast"
	EventRowChange     EventKind = "row_change"
	// EventResync tells a row subscriber that changes may have been lost and its
	// state should be reloaded from the source of truth.
	EventResync EventKind = "resync"
)

const defaultBuffer = 1024

var (
	ErrClosed           = errors.New("subscription closed")
	ErrPresenceDisabled = errors.New("presence is not enabled on this subscription")
	ErrAlreadyTracked   = errors.New("subscription already tracks another key")
	ErrRowsUnsupported  = errors.New("transport has no row-change source")
	ErrRowsNotReady     = errors.New("row-change source is not listening")
)

type PresenceMeta struct {
	Key      string    `json:"key"`
	Ref      string    `json:"ref"`
	JoinedAt time.Time `json:"joined_at"`
}

// PresenceState maps a tracked key to one meta per live subscription tracking it.
type PresenceState map[string][]PresenceMeta

func (s PresenceState) Clone() PresenceState {
	out := make(PresenceState, len(s))
	for key, metas := range s {
		out[key] = append([]PresenceMeta(nil), metas...)
	}
	return out
}

type Event struct {
	Kind    EventKind
	Channel string
	At      time.Time

	Presence PresenceState
	Key      string

	Topic   string
	Sender  string
	Payload json.RawMessage

	Change *RowChange
}

type Config struct {
	Presence      bool
	Broadcast     bool
	BroadcastSelf bool
	Rows          []RowFilter
	Buffer        int
}

type Subscription interface {
	Channel() string
	Events() <-chan Event
	// Track joins presence under key. Tracking the same key again is a no-op.
	Track(ctx context.Context, key string) error
	// Send broadcasts payload (JSON encoded) on topic. There is no acknowledgement.
	Send(ctx context.Context, topic string, payload any) error
	// Close leaves presence, stops delivery and closes Events.
	Close() error
}

type Transport interface {
	Subscribe(ctx context.Context, name string, cfg Config) (Subscription, error)
}

// inbox is the per-subscription delivery buffer. Delivery never blocks the
// publisher; when the buffer is full the event is dropped and logged.
//
// A resync inbox keeps one slot above limit for EventResync. Ordinary events are
// only queued below limit, so a full channel always holds a resync that the
// consumer has not reached yet, and that pending resync covers any later drop.
type inbox struct {
	channel string
	resync  bool
	limit   int
	mu      sync.Mutex
	ch      chan Event
	closed  bool
}

func newInbox(channel string, size int, resync bool) *inbox {
	if size <= 0 {
		size = defaultBuffer
	}
	capacity := size
	if resync {
		capacity++
	}
	return &inbox{channel: channel, resync: resync, limit: size, ch: make(chan Event, capacity)}
}

func (b *inbox) deliver(ev Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if len(b.ch) < b.limit {
		b.ch <- ev
		return true
	}
	commonlog.Warnf("event=channel action=deliver status=dropped channel=%s kind=%s", b.channel, ev.Kind)
	if b.resync {
		b.queueResyncLocked()
	}
	return false
}

// requestResync queues an EventResync unless one is already waiting.
func (b *inbox) requestResync() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed && b.resync {
		b.queueResyncLocked()
	}
}

func (b *inbox) queueResyncLocked() {
	select {
	case b.ch <- Event{Kind: EventResync, Channel: b.channel, At: time.Now()}:
	default:
	}
}

func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(payload)
	}
}
