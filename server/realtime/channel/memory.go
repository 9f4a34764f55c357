package channel

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Transport. It backs tests and single-node dev mode; row
// changes are injected with PublishRowChange by the in-memory repository.
type Memory struct {
	mu       sync.Mutex
	channels map[string]*memChannel
	rows     *RowRouter
}

type memChannel struct {
	subs     map[string]*memSub
	presence map[string]map[string]PresenceMeta
}

type memSub struct {
	bus        *Memory
	name       string
	ref        string
	cfg        Config
	inbox      *inbox
	unregister func()

	trackedKey string
	closeOnce  sync.Once
}

func NewMemory() *Memory {
	return &Memory{channels: map[string]*memChannel{}, rows: NewRowRouter()}
}

func (m *Memory) Subscribe(_ context.Context, name string, cfg Config) (Subscription, error) {
	sub := &memSub{
		bus:   m,
		name:  name,
		ref:   uuid.NewString(),
		cfg:   cfg,
		inbox: newInbox(name, cfg.Buffer, len(cfg.Rows) > 0),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ch := m.channelLocked(name)
	ch.subs[sub.ref] = sub
	if len(cfg.Rows) > 0 {
		sub.unregister = m.rows.Register(cfg.Rows, func(change RowChange) {
			c := change
			sub.inbox.deliver(Event{Kind: EventRowChange, Channel: name, At: time.Now(), Change: &c})
		}, sub.inbox.requestResync)
	}
	if cfg.Presence {
		sub.inbox.deliver(Event{Kind: EventPresenceSync, Channel: name, At: time.Now(), Presence: ch.stateLocked()})
	}
	return sub, nil
}

// PublishRowChange routes a committed change to every matching subscription.
func (m *Memory) PublishRowChange(change RowChange) int {
	if change.CommitTime.IsZero() {
		change.CommitTime = time.Now()
	}
	return m.rows.Dispatch(change)
}

// Resync sends EventResync to every row subscription, as a reconnecting feed would.
func (m *Memory) Resync() {
	m.rows.Resync()
}

// Register exposes the memory row router as a RowFeed.
func (m *Memory) Register(filters []RowFilter, sink func(RowChange), resync func()) func() {
	return m.rows.Register(filters, sink, resync)
}

func (m *Memory) WaitReady(ctx context.Context) error {
	return m.rows.WaitReady(ctx)
}

func (m *Memory) channelLocked(name string) *memChannel {
	ch, ok := m.channels[name]
	if !ok {
		ch = &memChannel{subs: map[string]*memSub{}, presence: map[string]map[string]PresenceMeta{}}
		m.channels[name] = ch
	}
	return ch
}

func (c *memChannel) stateLocked() PresenceState {
	state := make(PresenceState, len(c.presence))
	for key, metas := range c.presence {
		for _, meta := range metas {
			state[key] = append(state[key], meta)
		}
	}
	return state
}

// notifyPresenceLocked sends an optional join/leave followed by a full sync to every
// presence-enabled subscription of the channel.
func (c *memChannel) notifyPresenceLocked(name string, kind EventKind, key string) {
	now := time.Now()
	state := c.stateLocked()
	for _, sub := range c.subs {
		if !sub.cfg.Presence {
			continue
		}
		if kind != "" {
			sub.inbox.deliver(Event{Kind: kind, Channel: name, At: now, Key: key})
		}
		sub.inbox.deliver(Event{Kind: EventPresenceSync, Channel: name, At: now, Presence: state.Clone()})
	}
}

func (s *memSub) Channel() string { return s.name }

func (s *memSub) Events() <-chan Event { return s.inbox.ch }

func (s *memSub) Track(_ context.Context, key string) error {
	if !s.cfg.Presence {
		return ErrPresenceDisabled
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	ch, ok := s.bus.channels[s.name]
	if !ok || ch.subs[s.ref] == nil {
		return ErrClosed
	}
	if s.trackedKey == key {
		return nil
	}
	if s.trackedKey != "" {
		return ErrAlreadyTracked
	}
	s.trackedKey = key
	if ch.presence[key] == nil {
		ch.presence[key] = map[string]PresenceMeta{}
	}
	ch.presence[key][s.ref] = PresenceMeta{Key: key, Ref: s.ref, JoinedAt: time.Now()}
	ch.notifyPresenceLocked(s.name, EventPresenceJoin, key)
	return nil
}

func (s *memSub) Send(_ context.Context, topic string, payload any) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	ch, ok := s.bus.channels[s.name]
	if !ok || ch.subs[s.ref] == nil {
		return ErrClosed
	}
	now := time.Now()
	for ref, sub := range ch.subs {
		if !sub.cfg.Broadcast {
			continue
		}
		if ref == s.ref && !sub.cfg.BroadcastSelf {
			continue
		}
		sub.inbox.deliver(Event{Kind: EventBroadcast, Channel: s.name, At: now, Topic: topic, Sender: s.ref, Payload: raw})
	}
	return nil
}

func (s *memSub) Close() error {
	s.closeOnce.Do(func() {
		if s.unregister != nil {
			s.unregister()
		}
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if ch, ok := s.bus.channels[s.name]; ok {
			delete(ch.subs, s.ref)
			if s.trackedKey != "" {
				if metas := ch.presence[s.trackedKey]; metas != nil {
					delete(metas, s.ref)
					if len(metas) == 0 {
						delete(ch.presence, s.trackedKey)
						ch.notifyPresenceLocked(s.name, EventPresenceLeave, s.trackedKey)
					} else {
						ch.notifyPresenceLocked(s.name, "", s.trackedKey)
					}
				}
			}
			if len(ch.subs) == 0 && len(ch.presence) == 0 {
				delete(s.bus.channels, s.name)
			}
		}
		s.inbox.close()
	})
	return nil
}
