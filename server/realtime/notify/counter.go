// Package notify keeps a live unread-notification count for one user.
//
// The counter subscribes to row changes before it takes its snapshot, so no
// change committed after the snapshot can be missed. Changes that were already
// reflected in the snapshot are recognised by notification id and skipped, so
// nothing is counted twice either. When the transport reports that changes were
// lost, the snapshot is reloaded.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	commonlog "gigsync/server/common/log"
	"gigsync/server/realtime/channel"
	"gigsync/server/realtime/domain"
)

const (
	Table         = "notifications"
	resyncTimeout = 5 * time.Second
)

// SnapshotSource answers the initial "unread notifications of user" query.
type SnapshotSource interface {
	UnreadSnapshot(ctx context.Context, userID string) (domain.UnreadSnapshot, error)
}

type notificationRow struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	ReadAt any    `json:"read_at"`
}

type Counter struct {
	transport channel.Transport
	source    SnapshotSource
	userID    string
	emit      domain.Emitter

	mu    sync.RWMutex
	count int
	// ids is nil when the snapshot carried only a count.
	ids map[string]struct{}

	sub  channel.Subscription
	done chan struct{}
}

func NewCounter(transport channel.Transport, source SnapshotSource, userID string, emit domain.Emitter) *Counter {
	return &Counter{transport: transport, source: source, userID: userID, emit: emit}
}

func ChannelName(userID string) string {
	return "notifications:" + userID
}

// Start subscribes, loads the snapshot and begins applying changes. A snapshot
// failure is returned; the subscription is released in that case.
func (c *Counter) Start(ctx context.Context) error {
	if c.sub != nil {
		return nil
	}
	sub, err := c.transport.Subscribe(ctx, ChannelName(c.userID), channel.Config{Rows: []channel.RowFilter{{
		Table:  Table,
		Events: []channel.ChangeType{channel.ChangeInsert, channel.ChangeUpdate},
		Column: "user_id",
		Value:  c.userID,
	}}})
	if err != nil {
		return fmt.Errorf("subscribe notifications: %w", err)
	}

	snap, err := c.source.UnreadSnapshot(ctx, c.userID)
	if err != nil {
		_ = sub.Close()
		return fmt.Errorf("load unread snapshot: %w", err)
	}
	c.Reset(snap)

	c.sub = sub
	c.done = make(chan struct{})
	go c.run(sub, c.done)
	return nil
}

func (c *Counter) run(sub channel.Subscription, done chan struct{}) {
	defer close(done)
	for ev := range sub.Events() {
		switch {
		case ev.Kind == channel.EventResync:
			c.resync()
		case ev.Kind == channel.EventRowChange && ev.Change != nil:
			c.Apply(*ev.Change)
		}
	}
}

// resync replaces the count with a fresh snapshot. Changes queued behind the
// resync event are reconciled against it by id like during Start. On failure the
// old count is kept until the next resync.
func (c *Counter) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()
	snap, err := c.source.UnreadSnapshot(ctx, c.userID)
	if err != nil {
		commonlog.Warnf("event=notify action=resync status=failed user_id=%s error=%v", c.userID, err)
		return
	}
	c.Reset(snap)
	commonlog.Infof("event=notify action=resync status=ok user_id=%s unread=%d", c.userID, c.Count())
}

func (c *Counter) Stop() {
	if c.sub == nil {
		return
	}
	if err := c.sub.Close(); err != nil {
		commonlog.Warnf("event=notify action=stop status=failed user_id=%s error=%v", c.userID, err)
	}
	<-c.done
	c.sub = nil
}

// Reset replaces the counter state with a snapshot and publishes the count.
func (c *Counter) Reset(snap domain.UnreadSnapshot) {
	c.mu.Lock()
	if snap.IDs != nil {
		c.ids = make(map[string]struct{}, len(snap.IDs))
		for _, id := range snap.IDs {
			c.ids[id] = struct{}{}
		}
		c.count = len(c.ids)
	} else {
		c.ids = nil
		c.count = max(snap.Count, 0)
	}
	count := c.count
	c.mu.Unlock()

	domain.Emit(c.emit, domain.StateEvent{Type: domain.EventUnreadChanged, UserID: c.userID, UnreadCount: count})
}

// Apply folds one row change into the count and reports whether it moved.
func (c *Counter) Apply(change channel.RowChange) bool {
	if change.Table != Table {
		return false
	}
	var row notificationRow
	if err := change.Decode(&row); err != nil || row.UserID != c.userID {
		return false
	}

	c.mu.Lock()
	before := c.count
	switch change.Type {
	case channel.ChangeInsert:
		if row.ReadAt != nil {
			break
		}
		if c.ids == nil {
			c.count++
		} else if _, seen := c.ids[row.ID]; !seen {
			c.ids[row.ID] = struct{}{}
			c.count = len(c.ids)
		}
	case channel.ChangeUpdate:
		var old notificationRow
		if err := change.DecodeOld(&old); err != nil {
			commonlog.Debugf("event=notify action=apply status=skipped user_id=%s reason=no_old_record", c.userID)
			break
		}
		if old.ReadAt != nil || row.ReadAt == nil {
			break
		}
		if c.ids == nil {
			c.count = max(c.count-1, 0)
		} else if _, seen := c.ids[row.ID]; seen {
			delete(c.ids, row.ID)
			c.count = len(c.ids)
		}
	}
	count := c.count
	c.mu.Unlock()

	if count == before {
		return false
	}
	domain.Emit(c.emit, domain.StateEvent{Type: domain.EventUnreadChanged, UserID: c.userID, UnreadCount: count})
	return true
}

func (c *Counter) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count
}
