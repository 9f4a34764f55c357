package domain

import "time"

type StateEventType string

const (
	EventPresenceChanged StateEventType = "presence.changed"
	EventTypingChanged   StateEventType = "typing.changed"
	EventUnreadChanged   StateEventType = "unread.changed"
	EventMessageAppended StateEventType = "message.appended"
	EventMessageRead     StateEventType = "message.read"
)

// StateEvent is a typed change of coordinator state, published to every observer.
type StateEvent struct {
	Type        StateEventType `json:"type"`
	UserID      string         `json:"user_id,omitempty"`
	Online      bool           `json:"online"`
	LastSeen    *time.Time     `json:"last_seen,omitempty"`
	ThreadID    string         `json:"thread_id,omitempty"`
	Typing      bool           `json:"typing"`
	UnreadCount int            `json:"unread_count"`
	Message     *Message       `json:"message,omitempty"`
	At          time.Time      `json:"at"`
}

// Emitter receives state events. Components accept a nil Emitter.
type Emitter interface {
	Emit(StateEvent)
}

type EmitterFunc func(StateEvent)

func (f EmitterFunc) Emit(ev StateEvent) { f(ev) }

func Emit(e Emitter, ev StateEvent) {
	if e == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	e.Emit(ev)
}
