package coordinator

import (
	"context"
	"encoding/json"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigsync/server/realtime/channel"
	"gigsync/server/realtime/domain"
	"gigsync/server/realtime/repository"
)

type env struct {
	bus   *channel.Memory
	store *repository.MemoryStore
}

func newEnv() env {
	bus := channel.NewMemory()
	return env{bus: bus, store: repository.NewMemoryStore(bus)}
}

func (e env) coordinator(userID string) *Coordinator {
	return New(userID, Deps{Transport: e.bus, Notifications: e.store, Chat: e.store}, Config{})
}

func TestUnreadLifecycle(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		e := newEnv()
		u1 := e.coordinator("u1")
		require.NoError(t, u1.Start(ctx))
		defer u1.Close()
		assert.Equal(t, 0, u1.UnreadCount())

		n, err := e.store.CreateNotification(ctx, domain.Notification{UserID: "u1", Kind: "booking", Title: "New booking request"})
		require.NoError(t, err)
		synctest.Wait()
		assert.Equal(t, 1, u1.UnreadCount())

		require.NoError(t, e.store.MarkNotificationRead(ctx, "u1", n.ID))
		synctest.Wait()
		assert.Equal(t, 0, u1.UnreadCount())

		// The same read-update delivered a second time.
		old := n
		readAt := time.Now()
		n.ReadAt = &readAt
		cur, _ := jsonRow(n)
		prev, _ := jsonRow(old)
		e.bus.PublishRowChange(channel.RowChange{Table: "notifications", Type: channel.ChangeUpdate, Record: cur, OldRecord: prev})
		synctest.Wait()
		assert.Equal(t, 0, u1.UnreadCount())
	})
}

func TestPresenceAcrossSessions(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		e := newEnv()
		u1 := e.coordinator("u1")
		require.NoError(t, u1.Start(ctx))
		defer u1.Close()

		events, cancel := u1.Subscribe()
		defer cancel()

		u2 := e.coordinator("u2")
		require.NoError(t, u2.Start(ctx))
		synctest.Wait()
		assert.True(t, u1.OnlineUsers()["u2"])

		time.Sleep(time.Minute)
		left := time.Now()
		u2.Close()
		synctest.Wait()

		assert.False(t, u1.OnlineUsers()["u2"])
		lastSeen, ok := u1.LastSeen()["u2"]
		require.True(t, ok)
		assert.True(t, lastSeen.Equal(left))

		var sawOffline bool
		for len(events) > 0 {
			ev := <-events
			if ev.Type == domain.EventPresenceChanged && ev.UserID == "u2" && !ev.Online {
				sawOffline = true
			}
		}
		assert.True(t, sawOffline)
	})
}

func TestTypingBetweenSessions(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		e := newEnv()
		th, err := e.store.CreateThread(ctx, domain.Thread{CreatedBy: "u1", Participants: []string{"u2"}})
		require.NoError(t, err)

		u1, u2 := e.coordinator("u1"), e.coordinator("u2")
		require.NoError(t, u1.Start(ctx))
		require.NoError(t, u2.Start(ctx))
		defer u1.Close()
		defer u2.Close()

		_, err = u1.OpenThread(ctx, th.ID)
		require.NoError(t, err)
		u2.NotifyTyping(ctx, th.ID)
		synctest.Wait()
		assert.True(t, u1.IsPeerTyping(th.ID))
		assert.False(t, u2.IsPeerTyping(th.ID))

		time.Sleep(2 * time.Second)
		synctest.Wait()
		assert.False(t, u1.IsPeerTyping(th.ID))
	})
}

func TestChatThroughCoordinator(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		e := newEnv()
		th, err := e.store.CreateThread(ctx, domain.Thread{CreatedBy: "u1", Participants: []string{"u2"}})
		require.NoError(t, err)

		u1, u2 := e.coordinator("u1"), e.coordinator("u2")
		require.NoError(t, u1.Start(ctx))
		require.NoError(t, u2.Start(ctx))
		defer u1.Close()
		defer u2.Close()

		events, cancel := u2.Subscribe()
		defer cancel()

		peerThread, err := u2.OpenThread(ctx, th.ID)
		require.NoError(t, err)
		sent, err := u1.Send(ctx, th.ID, "load-in at 6")
		require.NoError(t, err)
		synctest.Wait()

		history := peerThread.History()
		require.Len(t, history, 1)
		assert.Equal(t, sent.ID, history[0].ID)
		assert.NotNil(t, history[0].ReadAt)

		var types []domain.StateEventType
		for len(events) > 0 {
			types = append(types, (<-events).Type)
		}
		assert.Contains(t, types, domain.EventMessageAppended)
		assert.Contains(t, types, domain.EventMessageRead)
	})
}

func TestStopReleasesEverything(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		e := newEnv()
		th, err := e.store.CreateThread(ctx, domain.Thread{CreatedBy: "u1", Participants: []string{"u2"}})
		require.NoError(t, err)
		_, err = e.store.CreateNotification(ctx, domain.Notification{UserID: "u1", Kind: "booking"})
		require.NoError(t, err)

		u1 := e.coordinator("u1")
		peer := e.coordinator("u2")
		require.NoError(t, peer.Start(ctx))
		defer peer.Close()

		require.NoError(t, u1.Start(ctx))
		_, err = u1.OpenThread(ctx, th.ID)
		require.NoError(t, err)
		peer.NotifyTyping(ctx, th.ID)
		synctest.Wait()
		require.True(t, u1.IsPeerTyping(th.ID))

		u1.Stop()
		assert.False(t, u1.Running())
		assert.False(t, u1.IsPeerTyping(th.ID))
		_, err = u1.Send(ctx, th.ID, "x")
		assert.ErrorIs(t, err, ErrNotStarted)

		// Nothing routes to the stopped session's counter anymore.
		_, err = e.store.CreateNotification(ctx, domain.Notification{UserID: "u1", Kind: "booking"})
		require.NoError(t, err)
		synctest.Wait()

		require.NoError(t, u1.Start(ctx))
		defer u1.Close()
		assert.Equal(t, 2, u1.UnreadCount())

		_, err = e.store.CreateNotification(ctx, domain.Notification{UserID: "u1", Kind: "application"})
		require.NoError(t, err)
		synctest.Wait()
		assert.Equal(t, 3, u1.UnreadCount())
	})
}

func jsonRow(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

type brokenSnapshots struct{}

func (brokenSnapshots) UnreadSnapshot(context.Context, string) (domain.UnreadSnapshot, error) {
	return domain.UnreadSnapshot{}, assert.AnError
}

func TestStartFailsWhenSnapshotFails(t *testing.T) {
	e := newEnv()
	c := New("u1", Deps{Transport: e.bus, Notifications: brokenSnapshots{}, Chat: e.store}, Config{})
	err := c.Start(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, c.Running())
	_, err = c.OpenThread(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrNotStarted)
}
