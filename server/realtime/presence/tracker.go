// Package presence keeps the online/last-seen read model of every user observed on
// the shared presence channel.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	commonlog "gigsync/server/common/log"
	"gigsync/server/realtime/channel"
	"gigsync/server/realtime/domain"
)

const DefaultChannel = "presence:global"

// Tracker joins the presence channel as userID and folds sync, join and leave
// events into OnlineUsers and LastSeen. Users never observed have no entry.
type Tracker struct {
	transport channel.Transport
	channel   string
	userID    string
	emit      domain.Emitter

	mu       sync.RWMutex
	online   map[string]bool
	lastSeen map[string]time.Time

	sub  channel.Subscription
	done chan struct{}
}

func NewTracker(transport channel.Transport, channelName, userID string, emit domain.Emitter) *Tracker {
	if channelName == "" {
		channelName = DefaultChannel
	}
	return &Tracker{
		transport: transport,
		channel:   channelName,
		userID:    userID,
		emit:      emit,
		online:    map[string]bool{},
		lastSeen:  map[string]time.Time{},
	}
}

func (t *Tracker) Start(ctx context.Context) error {
	if t.sub != nil {
		return nil
	}
	sub, err := t.transport.Subscribe(ctx, t.channel, channel.Config{Presence: true})
	if err != nil {
		return fmt.Errorf("subscribe presence: %w", err)
	}
	if err := sub.Track(ctx, t.userID); err != nil {
		_ = sub.Close()
		return fmt.Errorf("track presence: %w", err)
	}
	t.sub = sub
	t.done = make(chan struct{})
	go t.run(sub, t.done)
	return nil
}

func (t *Tracker) run(sub channel.Subscription, done chan struct{}) {
	defer close(done)
	for ev := range sub.Events() {
		t.Apply(ev)
	}
}

// Stop leaves the channel. The read model is kept for the caller to inspect.
func (t *Tracker) Stop() {
	if t.sub == nil {
		return
	}
	if err := t.sub.Close(); err != nil {
		commonlog.Warnf("event=presence action=stop status=failed user_id=%s error=%v", t.userID, err)
	}
	<-t.done
	t.sub = nil
}

// Apply folds one transport event into the read model. Applying the same event
// twice is a no-op the second time.
func (t *Tracker) Apply(ev channel.Event) {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	var changed []domain.StateEvent
	t.mu.Lock()
	switch ev.Kind {
	case channel.EventPresenceSync:
		next := make(map[string]bool, len(ev.Presence))
		for key, metas := range ev.Presence {
			if len(metas) == 0 {
				continue
			}
			next[key] = true
			t.touchLocked(key, at)
		}
		for key := range t.online {
			if !next[key] {
				next[key] = false
			}
		}
		for key, online := range next {
			if prev, ok := t.online[key]; !ok || prev != online {
				changed = append(changed, t.stateEventLocked(key, online))
			}
		}
		t.online = next
	case channel.EventPresenceJoin:
		t.touchLocked(ev.Key, at)
		if !t.online[ev.Key] {
			t.online[ev.Key] = true
			changed = append(changed, t.stateEventLocked(ev.Key, true))
		}
	case channel.EventPresenceLeave:
		t.lastSeen[ev.Key] = at
		if prev, ok := t.online[ev.Key]; !ok || prev {
			t.online[ev.Key] = false
			changed = append(changed, t.stateEventLocked(ev.Key, false))
		}
	}
	t.mu.Unlock()

	for _, sev := range changed {
		domain.Emit(t.emit, sev)
	}
}

func (t *Tracker) touchLocked(key string, at time.Time) {
	if prev, ok := t.lastSeen[key]; !ok || at.After(prev) {
		t.lastSeen[key] = at
	}
}

func (t *Tracker) stateEventLocked(key string, online bool) domain.StateEvent {
	ev := domain.StateEvent{Type: domain.EventPresenceChanged, UserID: key, Online: online}
	if seen, ok := t.lastSeen[key]; ok {
		ev.LastSeen = &seen
	}
	return ev
}

func (t *Tracker) OnlineUsers() map[string]bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]bool, len(t.online))
	for k, v := range t.online {
		out[k] = v
	}
	return out
}

func (t *Tracker) LastSeen() map[string]time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]time.Time, len(t.lastSeen))
	for k, v := range t.lastSeen {
		out[k] = v
	}
	return out
}

// Status reports known=false for a user that was never observed.
func (t *Tracker) Status(userID string) (online bool, lastSeen time.Time, known bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	online = t.online[userID]
	lastSeen, known = t.lastSeen[userID]
	return online, lastSeen, known
}
