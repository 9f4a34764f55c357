package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigsync/server/realtime/channel"
	"gigsync/server/realtime/domain"
	"gigsync/server/realtime/repository"
)

type wireFrame struct {
	Type        string          `json:"type"`
	ThreadID    string          `json:"thread_id"`
	ClientMsgID string          `json:"client_msg_id"`
	Error       string          `json:"error"`
	Data        json.RawMessage `json:"data"`
}

type wsEnv struct {
	store  *repository.MemoryStore
	svc    *RealtimeService
	server *httptest.Server
}

func newWSEnv(t *testing.T, notifs NotificationStore) wsEnv {
	t.Helper()
	bus := channel.NewMemory()
	store := repository.NewMemoryStore(bus)
	if notifs == nil {
		notifs = store
	}
	chat := NewChatService(store, notifs, nil)
	svc := NewRealtimeService(bus, chat, NewMemoryClaimer(0), NewHub(), RealtimeConfig{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		svc.Serve(r.Context(), conn, r.URL.Query().Get("user_id"))
	}))
	t.Cleanup(func() {
		svc.Hub().CloseAll()
		server.Close()
	})
	return wsEnv{store: store, svc: svc, server: server}
}

func (e wsEnv) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/?user_id=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) wireFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f wireFrame
		require.NoError(t, conn.ReadJSON(&f), "waiting for %s", typ)
		if f.Type == typ {
			return f
		}
	}
}

func writeFrame(t *testing.T, conn *websocket.Conn, f Frame) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(f))
}

func TestSessionReadyCarriesUnreadCount(t *testing.T) {
	e := newWSEnv(t, nil)
	_, err := e.store.CreateNotification(context.Background(), domain.Notification{UserID: "mus-1", Kind: "booking"})
	require.NoError(t, err)

	conn := e.dial(t, "mus-1")
	ready := readUntil(t, conn, FrameSessionReady)
	var data ReadyData
	require.NoError(t, json.Unmarshal(ready.Data, &data))
	assert.Equal(t, "mus-1", data.UserID)
	assert.Equal(t, 1, data.UnreadCount)

	_, err = e.store.CreateNotification(context.Background(), domain.Notification{UserID: "mus-1", Kind: "application"})
	require.NoError(t, err)
	changed := readUntil(t, conn, string(domain.EventUnreadChanged))
	var ev domain.StateEvent
	require.NoError(t, json.Unmarshal(changed.Data, &ev))
	assert.Equal(t, 2, ev.UnreadCount)
}

func TestSessionPingAndUnknownFrames(t *testing.T) {
	e := newWSEnv(t, nil)
	conn := e.dial(t, "mus-1")
	readUntil(t, conn, FrameSessionReady)

	writeFrame(t, conn, Frame{Type: FramePing})
	readUntil(t, conn, FramePong)

	writeFrame(t, conn, Frame{Type: "dance"})
	assert.Equal(t, "unknown frame type", readUntil(t, conn, FrameError).Error)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	assert.Equal(t, "invalid frame", readUntil(t, conn, FrameError).Error)
}

func TestSessionChatFlow(t *testing.T) {
	ctx := context.Background()
	e := newWSEnv(t, nil)
	th, err := e.store.CreateThread(ctx, domain.Thread{CreatedBy: "org-1", Participants: []string{"mus-1"}})
	require.NoError(t, err)

	org := e.dial(t, "org-1")
	mus := e.dial(t, "mus-1")
	readUntil(t, org, FrameSessionReady)
	readUntil(t, mus, FrameSessionReady)

	writeFrame(t, mus, Frame{Type: FrameThreadOpen, ThreadID: th.ID})
	history := readUntil(t, mus, FrameThreadHistory)
	var hd HistoryData
	require.NoError(t, json.Unmarshal(history.Data, &hd))
	assert.Equal(t, th.ID, hd.Thread.ID)
	assert.Empty(t, hd.Messages)

	writeFrame(t, org, Frame{Type: FrameMessageSend, ThreadID: th.ID, Body: "soundcheck at 5", ClientMsgID: "c-1"})
	sent := readUntil(t, org, FrameMessageSent)
	assert.Equal(t, "c-1", sent.ClientMsgID)
	var msg domain.Message
	require.NoError(t, json.Unmarshal(sent.Data, &msg))
	assert.Equal(t, "soundcheck at 5", msg.Body)

	appended := readUntil(t, mus, string(domain.EventMessageAppended))
	var ev domain.StateEvent
	require.NoError(t, json.Unmarshal(appended.Data, &ev))
	require.NotNil(t, ev.Message)
	assert.Equal(t, msg.ID, ev.Message.ID)

	writeFrame(t, org, Frame{Type: FrameMessageSend, ThreadID: th.ID, Body: "soundcheck at 5", ClientMsgID: "c-1"})
	dup := readUntil(t, org, FrameError)
	assert.Equal(t, "duplicate client_msg_id", dup.Error)

	stored, err := e.store.ListThreadMessages(ctx, th.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestSessionSendFailureReleasesClientMsgID(t *testing.T) {
	ctx := context.Background()
	e := newWSEnv(t, nil)
	th, err := e.store.CreateThread(ctx, domain.Thread{CreatedBy: "org-1", Participants: []string{"mus-1"}})
	require.NoError(t, err)

	conn := e.dial(t, "org-1")
	readUntil(t, conn, FrameSessionReady)

	writeFrame(t, conn, Frame{Type: FrameMessageSend, ThreadID: th.ID, Body: "   ", ClientMsgID: "c-9"})
	assert.Equal(t, "body required", readUntil(t, conn, FrameError).Error)

	writeFrame(t, conn, Frame{Type: FrameMessageSend, ThreadID: th.ID, Body: "retry", ClientMsgID: "c-9"})
	assert.Equal(t, "c-9", readUntil(t, conn, FrameMessageSent).ClientMsgID)

	writeFrame(t, conn, Frame{Type: FrameThreadOpen, ThreadID: "missing"})
	assert.Equal(t, "thread not found", readUntil(t, conn, FrameError).Error)
}

func TestSessionPresenceAndTyping(t *testing.T) {
	ctx := context.Background()
	e := newWSEnv(t, nil)
	th, err := e.store.CreateThread(ctx, domain.Thread{CreatedBy: "org-1", Participants: []string{"mus-1"}})
	require.NoError(t, err)

	org := e.dial(t, "org-1")
	readUntil(t, org, FrameSessionReady)
	writeFrame(t, org, Frame{Type: FrameThreadOpen, ThreadID: th.ID})
	readUntil(t, org, FrameThreadHistory)

	mus := e.dial(t, "mus-1")
	readUntil(t, mus, FrameSessionReady)
	online := readUntil(t, org, string(domain.EventPresenceChanged))
	var ev domain.StateEvent
	require.NoError(t, json.Unmarshal(online.Data, &ev))
	assert.Equal(t, "mus-1", ev.UserID)
	assert.True(t, ev.Online)

	writeFrame(t, mus, Frame{Type: FrameTyping, ThreadID: th.ID})
	typing := readUntil(t, org, string(domain.EventTypingChanged))
	require.NoError(t, json.Unmarshal(typing.Data, &ev))
	assert.True(t, ev.Typing)
	assert.Equal(t, th.ID, typing.ThreadID)

	require.NoError(t, mus.Close())
	for {
		f := readUntil(t, org, string(domain.EventPresenceChanged))
		require.NoError(t, json.Unmarshal(f.Data, &ev))
		if ev.UserID == "mus-1" && !ev.Online {
			break
		}
	}
	require.NotNil(t, ev.LastSeen)
}

type brokenNotifications struct {
	*repository.MemoryStore
}

func (brokenNotifications) UnreadSnapshot(context.Context, string) (domain.UnreadSnapshot, error) {
	return domain.UnreadSnapshot{}, assert.AnError
}

func TestSessionClosesWhenSnapshotFails(t *testing.T) {
	e := newWSEnv(t, brokenNotifications{repository.NewMemoryStore(nil)})
	conn := e.dial(t, "mus-1")

	f := readUntil(t, conn, FrameError)
	assert.Equal(t, "failed to load unread notifications", f.Error)
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Zero(t, e.svc.Hub().SessionCount())
}

func TestHubCloseAllEndsSessions(t *testing.T) {
	e := newWSEnv(t, nil)
	a := e.dial(t, "mus-1")
	b := e.dial(t, "mus-1")
	readUntil(t, a, FrameSessionReady)
	readUntil(t, b, FrameSessionReady)
	require.Eventually(t, func() bool { return e.svc.Hub().UserSessionCount("mus-1") == 2 }, time.Second, 10*time.Millisecond)

	e.svc.Hub().NotifyUsers([]string{"mus-1", " mus-1 "}, Frame{Type: FrameThreadCreated, ThreadID: "t-1"})
	assert.Equal(t, "t-1", readUntil(t, a, FrameThreadCreated).ThreadID)
	assert.Equal(t, "t-1", readUntil(t, b, FrameThreadCreated).ThreadID)

	e.svc.Hub().CloseAll()
	assert.Zero(t, e.svc.Hub().SessionCount())
	require.NoError(t, a.SetReadDeadline(time.Now().Add(time.Second)))
	for {
		if _, _, err := a.ReadMessage(); err != nil {
			break
		}
	}

	// a closed hub refuses new sessions
	c := e.dial(t, "mus-1")
	assert.Equal(t, "server is shutting down", readUntil(t, c, FrameError).Error)
}
