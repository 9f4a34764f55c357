// Package coordinator owns the realtime state of one user session: presence,
// typing, the unread counter and open chat threads. Every change is published
// as a domain.StateEvent on the coordinator's feed.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	commonlog "gigsync/server/common/log"
	"gigsync/server/realtime/channel"
	"gigsync/server/realtime/chat"
	"gigsync/server/realtime/domain"
	"gigsync/server/realtime/events"
	"gigsync/server/realtime/notify"
	"gigsync/server/realtime/presence"
	"gigsync/server/realtime/typing"
)

var ErrNotStarted = errors.New("coordinator is not started")

type Deps struct {
	Transport     channel.Transport
	Notifications notify.SnapshotSource
	Chat          chat.Store
}

type Config struct {
	PresenceChannel string
	TypingWindow    time.Duration
	FeedBuffer      int
}

type Coordinator struct {
	userID string
	deps   Deps
	cfg    Config
	feed   *events.Feed[domain.StateEvent]

	mu       sync.RWMutex
	running  bool
	presence *presence.Tracker
	typing   *typing.Coordinator
	counter  *notify.Counter
	stream   *chat.Stream
}

func New(userID string, deps Deps, cfg Config) *Coordinator {
	return &Coordinator{
		userID: userID,
		deps:   deps,
		cfg:    cfg,
		feed:   events.NewFeed[domain.StateEvent]("coordinator:"+userID, cfg.FeedBuffer),
	}
}

func (c *Coordinator) UserID() string { return c.userID }

// Start activates every component. Presence is advisory, so a transport failure
// there is only logged; the unread snapshot must load or Start fails.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	emit := domain.EmitterFunc(c.feed.Publish)
	tracker := presence.NewTracker(c.deps.Transport, c.cfg.PresenceChannel, c.userID, emit)
	counter := notify.NewCounter(c.deps.Transport, c.deps.Notifications, c.userID, emit)

	if err := counter.Start(ctx); err != nil {
		return err
	}
	if err := tracker.Start(ctx); err != nil {
		commonlog.Warnf("event=coordinator action=start_presence status=degraded user_id=%s error=%v", c.userID, err)
	}

	c.presence = tracker
	c.counter = counter
	c.typing = typing.NewCoordinator(c.deps.Transport, c.userID, c.cfg.TypingWindow, emit)
	c.stream = chat.NewStream(c.deps.Transport, c.deps.Chat, c.userID, emit)
	c.running = true
	commonlog.Infof("event=coordinator action=start status=ok user_id=%s unread=%d", c.userID, counter.Count())
	return nil
}

// Stop closes every subscription and clears typing timers. The feed stays open so
// the coordinator can be started again.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.stream.CloseAll()
	c.typing.Close()
	c.counter.Stop()
	c.presence.Stop()
	c.running = false
	commonlog.Infof("event=coordinator action=stop status=ok user_id=%s", c.userID)
}

// Close stops the coordinator and closes every feed subscription.
func (c *Coordinator) Close() {
	c.Stop()
	c.feed.Close()
}

func (c *Coordinator) Subscribe() (<-chan domain.StateEvent, func()) {
	return c.feed.Subscribe()
}

func (c *Coordinator) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Coordinator) OnlineUsers() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.presence == nil {
		return map[string]bool{}
	}
	return c.presence.OnlineUsers()
}

func (c *Coordinator) LastSeen() map[string]time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.presence == nil {
		return map[string]time.Time{}
	}
	return c.presence.LastSeen()
}

func (c *Coordinator) Status(userID string) (online bool, lastSeen time.Time, known bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.presence == nil {
		return false, time.Time{}, false
	}
	return c.presence.Status(userID)
}

func (c *Coordinator) UnreadCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.counter == nil {
		return 0
	}
	return c.counter.Count()
}

// NotifyTyping is fire-and-forget.
func (c *Coordinator) NotifyTyping(ctx context.Context, threadID string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.running {
		return
	}
	if err := c.typing.NotifyTyping(ctx, threadID); err != nil {
		commonlog.Warnf("event=coordinator action=notify_typing status=failed user_id=%s thread_id=%s error=%v", c.userID, threadID, err)
	}
}

func (c *Coordinator) IsPeerTyping(threadID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running && c.typing.IsPeerTyping(threadID)
}

// OpenThread loads a thread and starts watching its typing signals. A history
// failure is returned.
func (c *Coordinator) OpenThread(ctx context.Context, threadID string) (*chat.Thread, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.running {
		return nil, ErrNotStarted
	}
	th, err := c.stream.Open(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if err := c.typing.Watch(ctx, threadID); err != nil {
		commonlog.Warnf("event=coordinator action=watch_typing status=degraded user_id=%s thread_id=%s error=%v", c.userID, threadID, err)
	}
	return th, nil
}

func (c *Coordinator) CloseThread(threadID string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.running {
		return
	}
	c.stream.Close(threadID)
	c.typing.Unwatch(threadID)
}

func (c *Coordinator) Send(ctx context.Context, threadID, body string) (domain.Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.running {
		return domain.Message{}, ErrNotStarted
	}
	return c.stream.Send(ctx, threadID, body)
}
