package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"

	commonlog "gigsync/server/common/log"
)

var ErrHubClosed = errors.New("session hub is closed")

const sessionEventsChannel = "session:events"

// Hub tracks the live websocket sessions of this node, keyed by user and
// session id. With Redis attached, user notifications fan out to every node.
type Hub struct {
	mu        sync.RWMutex
	sessions  map[string]map[string]*Session
	closed    bool
	redis     *redis.Client
	redisSub  *redis.PubSub
	subCancel context.CancelFunc
}

type hubEvent struct {
	UserIDs []string `json:"user_ids"`
	Frame   Frame    `json:"frame"`
}

func NewHub() *Hub {
	return &Hub{sessions: map[string]map[string]*Session{}}
}

func (h *Hub) UseRedis(client *redis.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.redis = client
}

func (h *Hub) StartRedisSubscriber(ctx context.Context) error {
	h.mu.Lock()
	if h.redis == nil {
		h.mu.Unlock()
		return errors.New("redis client is nil")
	}
	if h.redisSub != nil {
		h.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := h.redis.Subscribe(subCtx, sessionEventsChannel)
	if _, err := sub.Receive(subCtx); err != nil {
		h.mu.Unlock()
		cancel()
		_ = sub.Close()
		return err
	}
	h.redisSub = sub
	h.subCancel = cancel
	h.mu.Unlock()

	go h.consumeEvents(subCtx, sub)
	return nil
}

func (h *Hub) StopRedisSubscriber() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subCancel != nil {
		h.subCancel()
		h.subCancel = nil
	}
	if h.redisSub != nil {
		_ = h.redisSub.Close()
		h.redisSub = nil
	}
}

func (h *Hub) Register(s *Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	if _, ok := h.sessions[s.UserID]; !ok {
		h.sessions[s.UserID] = map[string]*Session{}
	}
	h.sessions[s.UserID][s.ID] = s
	commonlog.Infof("event=session_hub action=register status=ok user_id=%s session_id=%s user_sessions=%d", s.UserID, s.ID, len(h.sessions[s.UserID]))
	return nil
}

func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sessions, ok := h.sessions[s.UserID]; ok {
		delete(sessions, s.ID)
		if len(sessions) == 0 {
			delete(h.sessions, s.UserID)
		}
	}
	commonlog.Infof("event=session_hub action=unregister status=ok user_id=%s session_id=%s", s.UserID, s.ID)
}

// NotifyUsers queues frame on every session of the given users, across nodes
// when Redis is attached.
func (h *Hub) NotifyUsers(userIDs []string, frame Frame) {
	userIDs = dedupeAndTrim(userIDs)
	if h.publishNotifyUsers(userIDs, frame) {
		return
	}
	fanoutCount := h.notifyLocal(userIDs, frame)
	commonlog.Debugf("event=session_hub action=local_dispatch status=ok frame=%s fanout_count=%d", frame.Type, fanoutCount)
}

func (h *Hub) notifyLocal(userIDs []string, frame Frame) int {
	h.mu.RLock()
	var targets []*Session
	for _, userID := range userIDs {
		for _, s := range h.sessions[userID] {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.Send(frame)
	}
	return len(targets)
}

func (h *Hub) publishNotifyUsers(userIDs []string, frame Frame) bool {
	h.mu.RLock()
	redisClient := h.redis
	h.mu.RUnlock()
	if redisClient == nil {
		return false
	}
	b, err := json.Marshal(hubEvent{UserIDs: userIDs, Frame: frame})
	if err != nil {
		commonlog.Warnf("event=session_hub action=publish status=failed frame=%s error=%v", frame.Type, err)
		return false
	}
	if err := redisClient.Publish(context.Background(), sessionEventsChannel, b).Err(); err != nil {
		commonlog.Warnf("event=session_hub action=publish status=failed frame=%s error=%v", frame.Type, err)
		return false
	}
	return true
}

func (h *Hub) consumeEvents(ctx context.Context, sub *redis.PubSub) {
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		var event hubEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			commonlog.Warnf("event=session_hub action=consume status=invalid error=%v", err)
			continue
		}
		fanoutCount := h.notifyLocal(event.UserIDs, event.Frame)
		commonlog.Debugf("event=session_hub action=consume status=ok frame=%s fanout_count=%d", event.Frame.Type, fanoutCount)
	}
}

func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, sessions := range h.sessions {
		n += len(sessions)
	}
	return n
}

func (h *Hub) UserSessionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

// CloseAll rejects new sessions, closes the live ones and waits until each has
// stopped its coordinator.
func (h *Hub) CloseAll() {
	h.StopRedisSubscriber()

	h.mu.Lock()
	h.closed = true
	var all []*Session
	for _, sessions := range h.sessions {
		for _, s := range sessions {
			all = append(all, s)
		}
	}
	h.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	for _, s := range all {
		<-s.Done()
	}
	commonlog.Infof("event=session_hub action=close_all status=ok closed=%d", len(all))
}
