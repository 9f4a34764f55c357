package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	commonlog "gigsync/server/common/log"
)

type RedisOptions struct {
	Prefix      string
	PresenceTTL time.Duration
	Buffer      int
	// RowsReadyTimeout bounds how long a row subscription waits for its feed.
	RowsReadyTimeout time.Duration
}

// Redis is a Transport over Redis Pub/Sub. Each channel name maps to one Redis
// subscription per process, shared by every local Subscription and fanned out
// locally. Presence lives in a sorted set scored by heartbeat expiry.
type Redis struct {
	client *redis.Client
	rows   RowFeed
	opts   RedisOptions

	mu    sync.Mutex
	rooms map[string]*redisRoom
}

type redisRoom struct {
	name   string
	subs   map[string]*redisSub
	cancel context.CancelFunc
	pubsub *redis.PubSub
	// presence is closed once a presence subscriber joins; only then does the
	// room sweep expired members.
	presence    chan struct{}
	hasPresence bool
}

type envelope struct {
	Kind    EventKind       `json:"kind"`
	Channel string          `json:"channel"`
	Sender  string          `json:"sender,omitempty"`
	Key     string          `json:"key,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

func NewRedis(client *redis.Client, rows RowFeed, opts RedisOptions) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = "rt"
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = 30 * time.Second
	}
	if opts.RowsReadyTimeout <= 0 {
		opts.RowsReadyTimeout = 5 * time.Second
	}
	return &Redis{client: client, rows: rows, opts: opts, rooms: map[string]*redisRoom{}}
}

func (t *Redis) pubsubChannel(name string) string {
	return t.opts.Prefix + ":ch:" + name
}

func (t *Redis) presenceKey(name string) string {
	return t.opts.Prefix + ":presence:" + name
}

func (t *Redis) Subscribe(ctx context.Context, name string, cfg Config) (Subscription, error) {
	if len(cfg.Rows) > 0 && t.rows == nil {
		return nil, ErrRowsUnsupported
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = t.opts.Buffer
	}
	sub := &redisSub{
		t:     t,
		name:  name,
		ref:   uuid.NewString(),
		cfg:   cfg,
		inbox: newInbox(name, cfg.Buffer, len(cfg.Rows) > 0),
	}

	if err := t.join(ctx, sub); err != nil {
		return nil, err
	}
	if len(cfg.Rows) > 0 {
		sub.unregister = t.rows.Register(cfg.Rows, func(change RowChange) {
			c := change
			sub.inbox.deliver(Event{Kind: EventRowChange, Channel: name, At: time.Now(), Change: &c})
		}, sub.inbox.requestResync)

		// Registered first, so a feed that comes up after this point resyncs us.
		waitCtx, cancel := context.WithTimeout(ctx, t.opts.RowsReadyTimeout)
		err := t.rows.WaitReady(waitCtx)
		cancel()
		if err != nil {
			_ = sub.Close()
			return nil, fmt.Errorf("subscribe %s: %w", name, err)
		}
	}
	if cfg.Presence {
		state, err := t.presenceState(ctx, name)
		if err != nil {
			commonlog.Warnf("event=channel action=presence_state status=failed channel=%s error=%v", name, err)
		} else {
			sub.inbox.deliver(Event{Kind: EventPresenceSync, Channel: name, At: time.Now(), Presence: state})
		}
	}
	return sub, nil
}

// join registers sub in its room, opening the shared Redis subscription for the
// first local subscriber and waiting for Redis to confirm it.
func (t *Redis) join(ctx context.Context, sub *redisSub) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if room, ok := t.rooms[sub.name]; ok {
		room.subs[sub.ref] = sub
		room.markPresence(sub)
		return nil
	}

	roomCtx, cancel := context.WithCancel(context.Background())
	pubsub := t.client.Subscribe(roomCtx, t.pubsubChannel(sub.name))
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", sub.name, err)
	}
	room := &redisRoom{
		name:     sub.name,
		subs:     map[string]*redisSub{sub.ref: sub},
		cancel:   cancel,
		pubsub:   pubsub,
		presence: make(chan struct{}),
	}
	room.markPresence(sub)
	t.rooms[sub.name] = room
	go t.consume(roomCtx, room)
	return nil
}

// markPresence must be called with Redis.mu held.
func (r *redisRoom) markPresence(sub *redisSub) {
	if sub.cfg.Presence && !r.hasPresence {
		r.hasPresence = true
		close(r.presence)
	}
}

func (t *Redis) leave(sub *redisSub) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.rooms[sub.name]
	if !ok {
		return
	}
	delete(room.subs, sub.ref)
	if len(room.subs) == 0 {
		room.cancel()
		_ = room.pubsub.Close()
		delete(t.rooms, sub.name)
	}
}

func (t *Redis) roomSubs(name string) []*redisSub {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.rooms[name]
	if !ok {
		return nil
	}
	subs := make([]*redisSub, 0, len(room.subs))
	for _, sub := range room.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (t *Redis) consume(ctx context.Context, room *redisRoom) {
	messages := room.pubsub.Channel()
	presence := room.presence
	var sweep *time.Ticker
	var sweepC <-chan time.Time
	defer func() {
		if sweep != nil {
			sweep.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-presence:
			presence = nil
			sweep = time.NewTicker(t.opts.PresenceTTL / 2)
			sweepC = sweep.C
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				commonlog.Warnf("event=channel action=consume status=invalid channel=%s error=%v", room.name, err)
				continue
			}
			t.dispatch(ctx, room.name, env)
		case <-sweepC:
			t.sweep(ctx, room.name)
		}
	}
}

func (t *Redis) dispatch(ctx context.Context, name string, env envelope) {
	subs := t.roomSubs(name)
	switch env.Kind {
	case EventBroadcast:
		for _, sub := range subs {
			if !sub.cfg.Broadcast || (sub.ref == env.Sender && !sub.cfg.BroadcastSelf) {
				continue
			}
			sub.inbox.deliver(Event{Kind: EventBroadcast, Channel: name, At: env.At, Topic: env.Topic, Sender: env.Sender, Payload: env.Payload})
		}
	case EventPresenceJoin, EventPresenceLeave:
		state, err := t.presenceState(ctx, name)
		if err != nil {
			commonlog.Warnf("event=channel action=presence_state status=failed channel=%s error=%v", name, err)
		}
		// A leave is only reported once the key has no live member left.
		_, stillPresent := state[env.Key]
		for _, sub := range subs {
			if !sub.cfg.Presence {
				continue
			}
			if env.Kind == EventPresenceJoin || !stillPresent {
				sub.inbox.deliver(Event{Kind: env.Kind, Channel: name, At: env.At, Key: env.Key})
			}
			if err == nil {
				sub.inbox.deliver(Event{Kind: EventPresenceSync, Channel: name, At: env.At, Presence: state.Clone()})
			}
		}
	}
}

// sweep removes members whose heartbeat expired. Only the process whose ZREM wins
// publishes the leave, so an ungraceful disconnect is announced exactly once.
func (t *Redis) sweep(ctx context.Context, name string) {
	now := time.Now()
	expired, err := t.client.ZRangeByScore(ctx, t.presenceKey(name), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			commonlog.Warnf("event=channel action=sweep status=failed channel=%s error=%v", name, err)
		}
		return
	}
	for _, member := range expired {
		removed, err := t.client.ZRem(ctx, t.presenceKey(name), member).Result()
		if err != nil || removed == 0 {
			continue
		}
		var meta PresenceMeta
		if err := json.Unmarshal([]byte(member), &meta); err != nil {
			continue
		}
		commonlog.Infof("event=channel action=sweep status=expired channel=%s key=%s ref=%s", name, meta.Key, meta.Ref)
		_ = t.publish(ctx, envelope{Kind: EventPresenceLeave, Channel: name, Key: meta.Key, At: now})
	}
}

func (t *Redis) presenceState(ctx context.Context, name string) (PresenceState, error) {
	members, err := t.client.ZRangeByScore(ctx, t.presenceKey(name), &redis.ZRangeBy{
		Min: strconv.FormatInt(time.Now().UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	state := PresenceState{}
	for _, member := range members {
		var meta PresenceMeta
		if err := json.Unmarshal([]byte(member), &meta); err != nil {
			continue
		}
		state[meta.Key] = append(state[meta.Key], meta)
	}
	return state, nil
}

func (t *Redis) publish(ctx context.Context, env envelope) error {
	if env.At.IsZero() {
		env.At = time.Now()
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return t.client.Publish(ctx, t.pubsubChannel(env.Channel), b).Err()
}

type redisSub struct {
	t          *Redis
	name       string
	ref        string
	cfg        Config
	inbox      *inbox
	unregister func()

	mu        sync.Mutex
	member    string
	key       string
	heartbeat context.CancelFunc
	closed    bool
	closeOnce sync.Once
}

func (s *redisSub) Channel() string { return s.name }

func (s *redisSub) Events() <-chan Event { return s.inbox.ch }

func (s *redisSub) Track(ctx context.Context, key string) error {
	if !s.cfg.Presence {
		return ErrPresenceDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.key == key {
		return nil
	}
	if s.key != "" {
		return ErrAlreadyTracked
	}

	raw, err := json.Marshal(PresenceMeta{Key: key, Ref: s.ref, JoinedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	member := string(raw)
	if err := s.refresh(ctx, member); err != nil {
		return fmt.Errorf("track presence: %w", err)
	}
	s.key = key
	s.member = member

	hbCtx, cancel := context.WithCancel(context.Background())
	s.heartbeat = cancel
	go s.beat(hbCtx, key, member)

	return s.t.publish(ctx, envelope{Kind: EventPresenceJoin, Channel: s.name, Key: key})
}

func (s *redisSub) refresh(ctx context.Context, member string) error {
	expiry := time.Now().Add(s.t.opts.PresenceTTL).UnixMilli()
	_, err := s.t.client.ZAdd(ctx, s.t.presenceKey(s.name), redis.Z{Score: float64(expiry), Member: member}).Result()
	return err
}

// beat keeps the member alive. If a sweep removed it meanwhile (for example after a
// long pause) the member is re-added and the join announced again.
func (s *redisSub) beat(ctx context.Context, key, member string) {
	ticker := time.NewTicker(s.t.opts.PresenceTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expiry := time.Now().Add(s.t.opts.PresenceTTL).UnixMilli()
			added, err := s.t.client.ZAdd(ctx, s.t.presenceKey(s.name), redis.Z{Score: float64(expiry), Member: member}).Result()
			if err != nil {
				commonlog.Warnf("event=channel action=heartbeat status=failed channel=%s key=%s error=%v", s.name, key, err)
				continue
			}
			if added > 0 {
				_ = s.t.publish(ctx, envelope{Kind: EventPresenceJoin, Channel: s.name, Key: key})
			}
		}
	}
}

func (s *redisSub) Send(ctx context.Context, topic string, payload any) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return s.t.publish(ctx, envelope{Kind: EventBroadcast, Channel: s.name, Sender: s.ref, Topic: topic, Payload: raw})
}

func (s *redisSub) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.heartbeat != nil {
			s.heartbeat()
		}
		member, key := s.member, s.key
		s.mu.Unlock()

		if s.unregister != nil {
			s.unregister()
		}
		if member != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			removed, remErr := s.t.client.ZRem(ctx, s.t.presenceKey(s.name), member).Result()
			if remErr != nil {
				err = remErr
			} else if removed > 0 {
				err = s.t.publish(ctx, envelope{Kind: EventPresenceLeave, Channel: s.name, Key: key})
			}
		}
		s.t.leave(s)
		s.inbox.close()
	})
	return err
}
