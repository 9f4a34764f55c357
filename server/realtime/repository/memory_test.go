package repository

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigsync/server/realtime/channel"
	"gigsync/server/realtime/domain"
)

type capture struct {
	mu      sync.Mutex
	changes []channel.RowChange
}

func (c *capture) PublishRowChange(change channel.RowChange) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, change)
	return 1
}

func TestCreateThreadValidation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	direct, err := store.CreateThread(ctx, domain.Thread{Kind: domain.ThreadDirect, CreatedBy: "u1", Participants: []string{"u2", "u1", " u2 "}})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, direct.Participants)
	assert.NotEmpty(t, direct.ID)

	_, err = store.CreateThread(ctx, domain.Thread{Kind: domain.ThreadDirect, CreatedBy: "u1", Participants: []string{"u2", "u3"}})
	assert.ErrorIs(t, err, ErrInvalidThread)
	_, err = store.CreateThread(ctx, domain.Thread{Kind: domain.ThreadGroup, CreatedBy: "u1"})
	assert.ErrorIs(t, err, ErrInvalidThread)
	_, err = store.CreateThread(ctx, domain.Thread{Kind: "broadcast", CreatedBy: "u1", Participants: []string{"u2"}})
	assert.ErrorIs(t, err, ErrInvalidThread)
	_, err = store.CreateThread(ctx, domain.Thread{Participants: []string{"u2"}})
	assert.ErrorIs(t, err, ErrInvalidThread)

	_, err = store.GetThread(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMessagesPublishRowChanges(t *testing.T) {
	ctx := context.Background()
	rows := &capture{}
	store := NewMemoryStore(rows)

	th, err := store.CreateThread(ctx, domain.Thread{CreatedBy: "u1", Participants: []string{"u2"}})
	require.NoError(t, err)
	recipient := "u2"

	msg, err := store.InsertMessage(ctx, domain.Message{ThreadID: th.ID, SenderID: "u1", RecipientID: &recipient, Body: "hi"})
	require.NoError(t, err)
	require.Len(t, rows.changes, 1)
	assert.Equal(t, channel.ChangeInsert, rows.changes[0].Type)
	threadID, _ := rows.changes[0].Column("thread_id")
	assert.Equal(t, th.ID, threadID)

	assert.ErrorIs(t, store.MarkMessageRead(ctx, msg.ID, "u1"), domain.ErrNotFound)
	require.NoError(t, store.MarkMessageRead(ctx, msg.ID, "u2"))
	require.NoError(t, store.MarkMessageRead(ctx, msg.ID, "u2"))
	require.Len(t, rows.changes, 2)

	var cur, old domain.Message
	require.NoError(t, rows.changes[1].Decode(&cur))
	require.NoError(t, rows.changes[1].DecodeOld(&old))
	assert.NotNil(t, cur.ReadAt)
	assert.Nil(t, old.ReadAt)

	_, err = store.InsertMessage(ctx, domain.Message{ThreadID: th.ID, SenderID: "u1", Body: "  "})
	assert.ErrorIs(t, err, domain.ErrEmptyBody)
	_, err = store.InsertMessage(ctx, domain.Message{ThreadID: th.ID, SenderID: "u1", Body: strings.Repeat("é", domain.MaxBodyBytes/2+1)})
	assert.ErrorIs(t, err, domain.ErrBodyTooLong)
	_, err = store.InsertMessage(ctx, domain.Message{ThreadID: "nope", SenderID: "u1", Body: "x"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarkThreadRead(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	th, _ := store.CreateThread(ctx, domain.Thread{CreatedBy: "u1", Participants: []string{"u2"}})
	u2 := "u2"
	u1 := "u1"
	for i := 0; i < 3; i++ {
		_, err := store.InsertMessage(ctx, domain.Message{ThreadID: th.ID, SenderID: "u1", RecipientID: &u2, Body: "ping"})
		require.NoError(t, err)
	}
	_, _ = store.InsertMessage(ctx, domain.Message{ThreadID: th.ID, SenderID: "u2", RecipientID: &u1, Body: "pong"})

	n, err := store.MarkThreadRead(ctx, th.ID, "u2")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	n, _ = store.MarkThreadRead(ctx, th.ID, "u2")
	assert.EqualValues(t, 0, n)

	history, err := store.ListThreadMessages(ctx, th.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Nil(t, history[3].ReadAt)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].Before(history[i-1]))
	}
}

func TestNotifications(t *testing.T) {
	ctx := context.Background()
	rows := &capture{}
	store := NewMemoryStore(rows)

	a, err := store.CreateNotification(ctx, domain.Notification{UserID: "u1", Kind: "booking", Title: "Booked"})
	require.NoError(t, err)
	_, err = store.CreateNotification(ctx, domain.Notification{UserID: "u1", Kind: "application", Title: "Applied"})
	require.NoError(t, err)
	_, err = store.CreateNotification(ctx, domain.Notification{UserID: "u2", Kind: "booking"})
	require.NoError(t, err)
	_, err = store.CreateNotification(ctx, domain.Notification{Kind: "booking"})
	assert.ErrorIs(t, err, ErrInvalidNotification)

	snap, _ := store.UnreadSnapshot(ctx, "u1")
	assert.Equal(t, 2, snap.Count)
	assert.Len(t, snap.IDs, 2)

	assert.ErrorIs(t, store.MarkNotificationRead(ctx, "u2", a.ID), domain.ErrNotFound)
	require.NoError(t, store.MarkNotificationRead(ctx, "u1", a.ID))
	count, _ := store.CountUnread(ctx, "u1")
	assert.Equal(t, 1, count)

	unread, _ := store.ListNotifications(ctx, "u1", 0, true)
	require.Len(t, unread, 1)
	assert.Equal(t, "Applied", unread[0].Title)
	all, _ := store.ListNotifications(ctx, "u1", 10, false)
	assert.Len(t, all, 2)
	assert.Equal(t, "Applied", all[0].Title)

	n, err := store.MarkAllNotificationsRead(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	count, _ = store.CountUnread(ctx, "u1")
	assert.Equal(t, 0, count)

	// 3 inserts, 1 single read, 1 bulk read
	assert.Len(t, rows.changes, 5)
}

func TestListThreadsForUser(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	_, _ = store.CreateThread(ctx, domain.Thread{CreatedBy: "u1", Participants: []string{"u2"}})
	_, _ = store.CreateThread(ctx, domain.Thread{Kind: domain.ThreadGroup, Title: "band", CreatedBy: "u3", Participants: []string{"u1", "u4"}})
	_, _ = store.CreateThread(ctx, domain.Thread{CreatedBy: "u3", Participants: []string{"u4"}})

	threads, err := store.ListThreads(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, threads, 2)
	ok, _ := store.IsThreadParticipant(ctx, threads[0].ID, "u1")
	assert.True(t, ok)
	ok, _ = store.IsThreadParticipant(ctx, threads[0].ID, "u9")
	assert.False(t, ok)
}
