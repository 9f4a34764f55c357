// Package typing tracks per-thread "peer is typing" signals. A signal stays fresh
// for a quiescence window after the last broadcast and then decays on its own.
package typing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	commonlog "gigsync/server/common/log"
	"gigsync/server/realtime/channel"
	"gigsync/server/realtime/domain"
)

const (
	DefaultWindow = 2 * time.Second
	Topic         = "typing"
)

func ChannelName(threadID string) string {
	return "typing:" + threadID
}

type signal struct {
	UserID string `json:"user_id"`
}

type Coordinator struct {
	transport channel.Transport
	selfID    string
	window    time.Duration
	emit      domain.Emitter

	mu      sync.Mutex
	threads map[string]*thread
	closed  bool
}

type thread struct {
	id     string
	sub    channel.Subscription
	done   chan struct{}
	typing bool
	peer   string
	gen    uint64
	timer  *time.Timer
}

func NewCoordinator(transport channel.Transport, selfID string, window time.Duration, emit domain.Emitter) *Coordinator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Coordinator{
		transport: transport,
		selfID:    selfID,
		window:    window,
		emit:      emit,
		threads:   map[string]*thread{},
	}
}

// Watch starts observing typing broadcasts on threadID. Watching twice is a no-op.
func (c *Coordinator) Watch(ctx context.Context, threadID string) error {
	_, err := c.watch(ctx, threadID)
	return err
}

// watch subscribes without holding c.mu, since Subscribe may be a network round
// trip; a concurrent watcher that wins the insert keeps its subscription.
func (c *Coordinator) watch(ctx context.Context, threadID string) (*thread, error) {
	c.mu.Lock()
	th, ok := c.threads[threadID]
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, channel.ErrClosed
	}
	if ok {
		return th, nil
	}

	sub, err := c.transport.Subscribe(ctx, ChannelName(threadID), channel.Config{Broadcast: true})
	if err != nil {
		return nil, fmt.Errorf("subscribe typing %s: %w", threadID, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = sub.Close()
		return nil, channel.ErrClosed
	}
	if existing, ok := c.threads[threadID]; ok {
		c.mu.Unlock()
		_ = sub.Close()
		return existing, nil
	}
	th = &thread{id: threadID, sub: sub, done: make(chan struct{})}
	c.threads[threadID] = th
	c.mu.Unlock()

	go c.run(th)
	return th, nil
}

func (c *Coordinator) run(th *thread) {
	defer close(th.done)
	for ev := range th.sub.Events() {
		if ev.Kind != channel.EventBroadcast || ev.Topic != Topic {
			continue
		}
		var sig signal
		if err := json.Unmarshal(ev.Payload, &sig); err != nil {
			commonlog.Warnf("event=typing action=decode status=invalid thread_id=%s error=%v", th.id, err)
			continue
		}
		if sig.UserID == "" || sig.UserID == c.selfID {
			continue
		}
		c.observe(th, sig.UserID)
	}
}

// observe marks the thread as typing and restarts its single countdown.
func (c *Coordinator) observe(th *thread, peer string) {
	c.mu.Lock()
	if c.threads[th.id] != th {
		c.mu.Unlock()
		return
	}
	th.gen++
	gen := th.gen
	if th.timer != nil {
		th.timer.Stop()
	}
	th.timer = time.AfterFunc(c.window, func() { c.expire(th, gen) })
	started := !th.typing
	th.typing = true
	th.peer = peer
	c.mu.Unlock()

	if started {
		domain.Emit(c.emit, domain.StateEvent{Type: domain.EventTypingChanged, ThreadID: th.id, UserID: peer, Typing: true})
	}
}

func (c *Coordinator) expire(th *thread, gen uint64) {
	c.mu.Lock()
	if c.threads[th.id] != th || th.gen != gen || !th.typing {
		c.mu.Unlock()
		return
	}
	th.typing = false
	th.timer = nil
	peer := th.peer
	c.mu.Unlock()

	domain.Emit(c.emit, domain.StateEvent{Type: domain.EventTypingChanged, ThreadID: th.id, UserID: peer, Typing: false})
}

func (c *Coordinator) IsPeerTyping(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	th, ok := c.threads[threadID]
	return ok && th.typing
}

// NotifyTyping broadcasts a typing signal for the local user. There is no
// acknowledgement; callers log the error and move on.
func (c *Coordinator) NotifyTyping(ctx context.Context, threadID string) error {
	th, err := c.watch(ctx, threadID)
	if err != nil {
		return err
	}
	return th.sub.Send(ctx, Topic, signal{UserID: c.selfID})
}

func (c *Coordinator) Unwatch(threadID string) {
	c.mu.Lock()
	th, ok := c.threads[threadID]
	if ok {
		delete(c.threads, threadID)
		c.stopLocked(th)
	}
	c.mu.Unlock()
	if ok {
		c.release(th)
	}
}

// Close stops every timer and subscription. A closed coordinator watches nothing.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	threads := make([]*thread, 0, len(c.threads))
	for id, th := range c.threads {
		delete(c.threads, id)
		c.stopLocked(th)
		threads = append(threads, th)
	}
	c.mu.Unlock()
	for _, th := range threads {
		c.release(th)
	}
}

func (c *Coordinator) stopLocked(th *thread) {
	if th.timer != nil {
		th.timer.Stop()
		th.timer = nil
	}
	th.typing = false
}

func (c *Coordinator) release(th *thread) {
	if err := th.sub.Close(); err != nil {
		commonlog.Warnf("event=typing action=unwatch status=failed thread_id=%s error=%v", th.id, err)
	}
	<-th.done
}

func (c *Coordinator) Watching() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.threads)
}
