package channel

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func next(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertQuiet(t *testing.T, sub Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %s", ev.Kind)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryPresenceJoinLeave(t *testing.T) {
	ctx := context.Background()
	bus := NewMemory()

	a, err := bus.Subscribe(ctx, "presence:global", Config{Presence: true})
	require.NoError(t, err)
	defer a.Close()
	ev := next(t, a)
	assert.Equal(t, EventPresenceSync, ev.Kind)
	assert.Empty(t, ev.Presence)

	require.NoError(t, a.Track(ctx, "u1"))
	assert.Equal(t, EventPresenceJoin, next(t, a).Kind)
	sync := next(t, a)
	assert.Equal(t, EventPresenceSync, sync.Kind)
	assert.Len(t, sync.Presence["u1"], 1)

	b, err := bus.Subscribe(ctx, "presence:global", Config{Presence: true})
	require.NoError(t, err)
	initial := next(t, b)
	assert.Contains(t, initial.Presence, "u1")

	require.NoError(t, b.Track(ctx, "u2"))
	join := next(t, a)
	assert.Equal(t, EventPresenceJoin, join.Kind)
	assert.Equal(t, "u2", join.Key)
	assert.Len(t, next(t, a).Presence, 2)

	require.NoError(t, b.Close())
	leave := next(t, a)
	assert.Equal(t, EventPresenceLeave, leave.Kind)
	assert.Equal(t, "u2", leave.Key)
	after := next(t, a)
	assert.NotContains(t, after.Presence, "u2")

	_, open := <-b.Events()
	assert.False(t, open)
}

func TestMemoryLeaveOnlyWhenLastMetaGone(t *testing.T) {
	ctx := context.Background()
	bus := NewMemory()

	watcher, err := bus.Subscribe(ctx, "presence:global", Config{Presence: true})
	require.NoError(t, err)
	defer watcher.Close()
	next(t, watcher)

	tab1, _ := bus.Subscribe(ctx, "presence:global", Config{Presence: true})
	tab2, _ := bus.Subscribe(ctx, "presence:global", Config{Presence: true})
	require.NoError(t, tab1.Track(ctx, "u1"))
	require.NoError(t, tab2.Track(ctx, "u1"))
	for i := 0; i < 4; i++ {
		next(t, watcher)
	}

	require.NoError(t, tab1.Close())
	ev := next(t, watcher)
	assert.Equal(t, EventPresenceSync, ev.Kind)
	assert.Len(t, ev.Presence["u1"], 1)

	require.NoError(t, tab2.Close())
	assert.Equal(t, EventPresenceLeave, next(t, watcher).Kind)
}

func TestMemoryTrackErrors(t *testing.T) {
	ctx := context.Background()
	bus := NewMemory()

	plain, _ := bus.Subscribe(ctx, "typing:t1", Config{Broadcast: true})
	assert.ErrorIs(t, plain.Track(ctx, "u1"), ErrPresenceDisabled)

	sub, _ := bus.Subscribe(ctx, "presence:global", Config{Presence: true})
	require.NoError(t, sub.Track(ctx, "u1"))
	require.NoError(t, sub.Track(ctx, "u1"))
	assert.ErrorIs(t, sub.Track(ctx, "u2"), ErrAlreadyTracked)

	require.NoError(t, sub.Close())
	assert.ErrorIs(t, sub.Track(ctx, "u1"), ErrClosed)
	assert.ErrorIs(t, sub.Send(ctx, "typing", nil), ErrClosed)
}

func TestMemoryBroadcastSuppressesSelf(t *testing.T) {
	ctx := context.Background()
	bus := NewMemory()

	a, _ := bus.Subscribe(ctx, "typing:t1", Config{Broadcast: true})
	b, _ := bus.Subscribe(ctx, "typing:t1", Config{Broadcast: true})
	echo, _ := bus.Subscribe(ctx, "typing:t1", Config{Broadcast: true, BroadcastSelf: true})
	other, _ := bus.Subscribe(ctx, "typing:t2", Config{Broadcast: true})

	require.NoError(t, a.Send(ctx, "typing", map[string]string{"user_id": "u1"}))

	ev := next(t, b)
	assert.Equal(t, EventBroadcast, ev.Kind)
	assert.Equal(t, "typing", ev.Topic)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, "u1", payload["user_id"])

	assertQuiet(t, a)
	assertQuiet(t, other)

	require.NoError(t, echo.Send(ctx, "typing", map[string]string{"user_id": "u3"}))
	assert.Equal(t, "typing", next(t, echo).Topic)
}

func TestMemoryRowChangesFollowFilters(t *testing.T) {
	ctx := context.Background()
	bus := NewMemory()

	sub, err := bus.Subscribe(ctx, "messages:t1", Config{Rows: []RowFilter{{
		Table:  "messages",
		Events: []ChangeType{ChangeInsert, ChangeUpdate},
		Column: "thread_id",
		Value:  "t1",
	}}})
	require.NoError(t, err)

	assert.Equal(t, 0, bus.PublishRowChange(RowChange{Table: "messages", Type: ChangeInsert, Record: json.RawMessage(`{"id":"m0","thread_id":"t2"}`)}))
	assert.Equal(t, 1, bus.PublishRowChange(RowChange{Table: "messages", Type: ChangeInsert, Record: json.RawMessage(`{"id":"m1","thread_id":"t1"}`)}))

	ev := next(t, sub)
	require.Equal(t, EventRowChange, ev.Kind)
	id, _ := ev.Change.Column("id")
	assert.Equal(t, "m1", id)
	assert.False(t, ev.Change.CommitTime.IsZero())

	require.NoError(t, sub.Close())
	assert.Equal(t, 0, bus.PublishRowChange(RowChange{Table: "messages", Type: ChangeInsert, Record: json.RawMessage(`{"id":"m2","thread_id":"t1"}`)}))
}

func TestInboxDropsWhenFull(t *testing.T) {
	ctx := context.Background()
	bus := NewMemory()

	slow, _ := bus.Subscribe(ctx, "typing:t1", Config{Broadcast: true, Buffer: 1})
	fast, _ := bus.Subscribe(ctx, "typing:t1", Config{Broadcast: true})

	for i := 0; i < 3; i++ {
		require.NoError(t, fast.Send(ctx, "typing", map[string]int{"n": i}))
	}
	first := next(t, slow)
	assert.JSONEq(t, `{"n":0}`, string(first.Payload))
	assertQuiet(t, slow)
}

func TestRowInboxQueuesResyncOnOverflow(t *testing.T) {
	ctx := context.Background()
	bus := NewMemory()
	sub, err := bus.Subscribe(ctx, "notifications:u1", Config{Rows: []RowFilter{{Table: "notifications"}}, Buffer: 2})
	require.NoError(t, err)
	defer sub.Close()

	insert := RowChange{Table: "notifications", Type: ChangeInsert, Record: json.RawMessage(`{"id":"n1"}`)}
	for i := 0; i < 5; i++ {
		bus.PublishRowChange(insert)
	}
	assert.Equal(t, EventRowChange, next(t, sub).Kind)
	assert.Equal(t, EventRowChange, next(t, sub).Kind)
	// Three drops collapse into one resync.
	assert.Equal(t, EventResync, next(t, sub).Kind)
	assertQuiet(t, sub)

	bus.PublishRowChange(insert)
	assert.Equal(t, EventRowChange, next(t, sub).Kind)

	bus.Resync()
	assert.Equal(t, EventResync, next(t, sub).Kind)
	assertQuiet(t, sub)
}

func TestResyncSkipsNonRowSubscriptions(t *testing.T) {
	ctx := context.Background()
	bus := NewMemory()
	sub, err := bus.Subscribe(ctx, "typing:t1", Config{Broadcast: true})
	require.NoError(t, err)
	defer sub.Close()

	bus.Resync()
	assertQuiet(t, sub)
}
