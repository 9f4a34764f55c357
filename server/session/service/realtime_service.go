package service

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	commonlog "gigsync/server/common/log"
	"gigsync/server/common/middleware"
	"gigsync/server/realtime/channel"
	"gigsync/server/realtime/coordinator"
)

type RealtimeConfig struct {
	PresenceChannel string
	TypingWindow    time.Duration
}

// RealtimeService upgrades authenticated requests to websocket sessions, each
// backed by its own coordinator.
type RealtimeService struct {
	transport channel.Transport
	chat      *ChatService
	claims    Claimer
	hub       *Hub
	cfg       RealtimeConfig
}

func NewRealtimeService(transport channel.Transport, chat *ChatService, claims Claimer, hub *Hub, cfg RealtimeConfig) *RealtimeService {
	return &RealtimeService{transport: transport, chat: chat, claims: claims, hub: hub, cfg: cfg}
}

func (s *RealtimeService) Hub() *Hub { return s.hub }

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// HandleWS expects middleware.ContextUserID to be set by the caller.
func (s *RealtimeService) HandleWS(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		commonlog.Warnf("event=ws_session action=upgrade status=failed user_id=%s error=%v", userID, err)
		return
	}
	s.Serve(c.Request.Context(), conn, userID)
}

// Serve runs a session on an upgraded connection until either side closes it.
func (s *RealtimeService) Serve(ctx context.Context, conn *websocket.Conn, userID string) {
	coord := coordinator.New(userID, coordinator.Deps{
		Transport:     s.transport,
		Notifications: s.chat,
		Chat:          s.chat,
	}, coordinator.Config{
		PresenceChannel: s.cfg.PresenceChannel,
		TypingWindow:    s.cfg.TypingWindow,
	})
	startedAt := time.Now()
	if err := coord.Start(ctx); err != nil {
		commonlog.Errorf("event=ws_session action=start status=failed user_id=%s latency_ms=%d error=%v", userID, time.Since(startedAt).Milliseconds(), err)
		writeWSError(conn, "failed to load unread notifications")
		_ = conn.Close()
		coord.Close()
		return
	}

	sess := newSession(ctx, userID, conn, coord, s.claims)
	if err := s.hub.Register(sess); err != nil {
		writeWSError(conn, "server is shutting down")
		_ = conn.Close()
		coord.Close()
		return
	}
	defer close(sess.done)
	defer s.hub.Unregister(sess)

	commonlog.Infof("event=ws_session action=start status=ok user_id=%s session_id=%s latency_ms=%d", userID, sess.ID, time.Since(startedAt).Milliseconds())
	sess.run()
	commonlog.Infof("event=ws_session action=stop status=ok user_id=%s session_id=%s", userID, sess.ID)
}

func writeWSError(conn *websocket.Conn, message string) {
	b, _ := json.Marshal(Frame{Type: FrameError, Error: strings.TrimSpace(message)})
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, b)
}
