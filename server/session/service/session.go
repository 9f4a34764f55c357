package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	commonlog "gigsync/server/common/log"
	"gigsync/server/realtime/coordinator"
	"gigsync/server/realtime/domain"
)

// Frame types exchanged over /ws. Every coordinator state event is forwarded
// with its own type (presence.changed, unread.changed, ...).
const (
	FrameSessionReady  = "session.ready"
	FrameThreadHistory = "thread.history"
	FrameThreadCreated = "thread.created"
	FrameMessageSent   = "message.sent"
	FrameError         = "error"
	FramePong          = "pong"

	FrameThreadOpen  = "thread.open"
	FrameThreadClose = "thread.close"
	FrameMessageSend = "message.send"
	FrameTyping      = "typing"
	FramePing        = "ping"
)

type Frame struct {
	Type        string `json:"type"`
	ThreadID    string `json:"thread_id,omitempty"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
	Body        string `json:"body,omitempty"`
	Error       string `json:"error,omitempty"`
	Data        any    `json:"data,omitempty"`
}

type ReadyData struct {
	UserID      string               `json:"user_id"`
	UnreadCount int                  `json:"unread_count"`
	OnlineUsers map[string]bool      `json:"online_users"`
	LastSeen    map[string]time.Time `json:"last_seen"`
}

type HistoryData struct {
	Thread   domain.Thread    `json:"thread"`
	Messages []domain.Message `json:"messages"`
}

var (
	// tuning parameters
	writeWait      = 10 * time.Second    // time allowed to write a frame to the peer
	pongWait       = 20 * time.Second    // time allowed to read the next pong from the peer
	pingInterval   = (pongWait * 9) / 10 // send pings with this period
	maxMessageSize = int64(64 * 1024)    // max inbound frame size
	sendBufSize    = 256                 // per-session outbound buffer
	sendTimeout    = 2 * time.Second     // enqueue timeout before the session is dropped
)

// Session is one websocket connection and the coordinator that serves it.
type Session struct {
	ID     string
	UserID string

	conn   *websocket.Conn
	coord  *coordinator.Coordinator
	claims Claimer
	egress chan Frame

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(ctx context.Context, userID string, conn *websocket.Conn, coord *coordinator.Coordinator, claims Claimer) *Session {
	ctx, cancel := context.WithCancel(ctx)
	return &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		conn:   conn,
		coord:  coord,
		claims: claims,
		egress: make(chan Frame, sendBufSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Done is closed once the session has stopped its coordinator and left the hub.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close()
	})
}

// Send queues a frame. A session whose buffer stays full for sendTimeout is closed.
func (s *Session) Send(f Frame) {
	select {
	case s.egress <- f:
		return
	case <-s.ctx.Done():
		return
	default:
	}
	t := time.NewTimer(sendTimeout)
	defer t.Stop()
	select {
	case s.egress <- f:
	case <-s.ctx.Done():
	case <-t.C:
		commonlog.Warnf("event=ws_session action=send status=dropped user_id=%s session_id=%s frame=%s reason=egress_full", s.UserID, s.ID, f.Type)
		s.Close()
	}
}

func (s *Session) run() {
	events, unsubscribe := s.coord.Subscribe()
	s.Send(Frame{Type: FrameSessionReady, Data: ReadyData{
		UserID:      s.UserID,
		UnreadCount: s.coord.UnreadCount(),
		OnlineUsers: s.coord.OnlineUsers(),
		LastSeen:    s.coord.LastSeen(),
	}})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump()
	}()
	go s.forward(events)

	s.readPump()

	s.Close()
	unsubscribe()
	s.coord.Close()
	<-writerDone
}

func (s *Session) forward(events <-chan domain.StateEvent) {
	for ev := range events {
		s.Send(Frame{Type: string(ev.Type), ThreadID: ev.ThreadID, Data: ev})
	}
}

func (s *Session) readPump() {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				commonlog.Warnf("event=ws_session action=read status=closed user_id=%s session_id=%s error=%v", s.UserID, s.ID, err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var in Frame
		if err := json.Unmarshal(raw, &in); err != nil {
			s.Send(Frame{Type: FrameError, Error: "invalid frame"})
			continue
		}
		s.handle(in)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case f := <-s.egress:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(f); err != nil {
				commonlog.Warnf("event=ws_session action=write status=failed user_id=%s session_id=%s error=%v", s.UserID, s.ID, err)
				s.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.Close()
				return
			}
		}
	}
}

func (s *Session) handle(in Frame) {
	threadID := strings.TrimSpace(in.ThreadID)
	if threadID == "" && needsThread(in.Type) {
		s.Send(Frame{Type: FrameError, ClientMsgID: in.ClientMsgID, Error: "thread_id required"})
		return
	}
	switch in.Type {
	case FramePing:
		s.Send(Frame{Type: FramePong})
	case FrameThreadOpen:
		th, err := s.coord.OpenThread(s.ctx, threadID)
		if err != nil {
			commonlog.Warnf("event=ws_session action=thread_open status=failed user_id=%s thread_id=%s error=%v", s.UserID, threadID, err)
			s.Send(Frame{Type: FrameError, ThreadID: threadID, Error: clientError(err, "failed to open thread")})
			return
		}
		s.Send(Frame{Type: FrameThreadHistory, ThreadID: threadID, Data: HistoryData{Thread: th.Info(), Messages: th.History()}})
	case FrameThreadClose:
		s.coord.CloseThread(threadID)
	case FrameTyping:
		s.coord.NotifyTyping(s.ctx, threadID)
	case FrameMessageSend:
		s.sendMessage(threadID, in)
	default:
		s.Send(Frame{Type: FrameError, Error: "unknown frame type"})
	}
}

func needsThread(frameType string) bool {
	switch frameType {
	case FrameThreadOpen, FrameThreadClose, FrameMessageSend, FrameTyping:
		return true
	}
	return false
}

func (s *Session) sendMessage(threadID string, in Frame) {
	clientMsgID := strings.TrimSpace(in.ClientMsgID)
	idempotencyKey := ""
	if clientMsgID != "" && s.claims != nil {
		idempotencyKey = sendIdempotencyKey(s.UserID, threadID, clientMsgID)
		ok, err := s.claims.Claim(s.ctx, idempotencyKey)
		if err != nil {
			commonlog.Errorf("event=ws_session action=claim status=failed user_id=%s thread_id=%s error=%v", s.UserID, threadID, err)
			s.Send(Frame{Type: FrameError, ThreadID: threadID, ClientMsgID: clientMsgID, Error: "failed to process message"})
			return
		}
		if !ok {
			s.Send(Frame{Type: FrameError, ThreadID: threadID, ClientMsgID: clientMsgID, Error: "duplicate client_msg_id"})
			return
		}
	}

	msg, err := s.coord.Send(s.ctx, threadID, in.Body)
	if err != nil {
		if idempotencyKey != "" {
			s.claims.Release(context.WithoutCancel(s.ctx), idempotencyKey)
		}
		s.Send(Frame{Type: FrameError, ThreadID: threadID, ClientMsgID: clientMsgID, Error: clientError(err, "failed to persist message")})
		return
	}
	s.Send(Frame{Type: FrameMessageSent, ThreadID: threadID, ClientMsgID: clientMsgID, Data: msg})
}
