package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	commonauth "gigsync/server/common/auth"
	commonlog "gigsync/server/common/log"
	"gigsync/server/common/middleware"
	"gigsync/server/common/transport/httpresp"
	"gigsync/server/realtime/domain"
	"gigsync/server/realtime/repository"
	sessionservice "gigsync/server/session/service"
)

type Handler struct {
	chat *sessionservice.ChatService
	ws   *sessionservice.RealtimeService
	auth *commonauth.Service
}

func NewHandler(chat *sessionservice.ChatService, ws *sessionservice.RealtimeService, auth *commonauth.Service) *Handler {
	return &Handler{chat: chat, ws: ws, auth: auth}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, NewHealthResponse("ok")) })
	r.GET("/ws", h.handleWS)

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(h.auth))
	{
		api.POST("/threads", h.createThread)
		api.GET("/threads", h.listThreads)
		api.GET("/threads/:id", h.getThread)
		api.GET("/threads/:id/messages", h.listMessages)
		api.POST("/threads/:id/messages", h.createMessage)
		api.POST("/threads/:id/read", h.markThreadRead)

		api.GET("/notifications", h.listNotifications)
		api.GET("/notifications/unread-count", h.unreadCount)
		api.POST("/notifications/read-all", h.markAllNotificationsRead)
		api.POST("/notifications/:id/read", h.markNotificationRead)
	}
}

func (h *Handler) handleWS(c *gin.Context) {
	token, ok := middleware.BearerToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrMissingBearerToken))
		return
	}
	userID, app, err := h.auth.ParseAuthContext(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidToken))
		return
	}
	c.Set(middleware.ContextAccessToken, token)
	c.Set(middleware.ContextUserID, userID)
	c.Set(middleware.ContextApp, app)
	h.ws.HandleWS(c)
}

func (h *Handler) createThread(c *gin.Context) {
	actorID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	var req struct {
		Kind         string   `json:"kind"`
		Title        string   `json:"title"`
		Participants []string `json:"participants" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	th, err := h.chat.CreateThread(c.Request.Context(), domain.Thread{
		Kind:         domain.ThreadKind(req.Kind),
		Title:        req.Title,
		CreatedBy:    actorID,
		Participants: req.Participants,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	h.ws.Hub().NotifyUsers(th.Participants, sessionservice.Frame{Type: sessionservice.FrameThreadCreated, ThreadID: th.ID, Data: th})
	c.JSON(http.StatusCreated, th)
}

func (h *Handler) listThreads(c *gin.Context) {
	actorID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	items, err := h.chat.ListThreads(c.Request.Context(), actorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewItemsResponse(items))
}

func (h *Handler) getThread(c *gin.Context) {
	actorID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	th, err := h.chat.ThreadFor(c.Request.Context(), c.Param("id"), actorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, th)
}

func (h *Handler) listMessages(c *gin.Context) {
	actorID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	items, err := h.chat.ListMessagesFor(c.Request.Context(), c.Param("id"), actorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewItemsResponse(items))
}

func (h *Handler) createMessage(c *gin.Context) {
	actorID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	var req struct {
		Body string `json:"body"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	msg, err := h.chat.SendMessage(c.Request.Context(), c.Param("id"), actorID, req.Body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) markThreadRead(c *gin.Context) {
	actorID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	n, err := h.chat.MarkThreadReadFor(c.Request.Context(), c.Param("id"), actorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewMarkedResponse(n))
}

func (h *Handler) listNotifications(c *gin.Context) {
	actorID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(repository.DefaultListLimit)))
	unreadOnly, _ := strconv.ParseBool(c.DefaultQuery("unread_only", "false"))
	items, err := h.chat.ListNotifications(c.Request.Context(), actorID, limit, unreadOnly)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewItemsResponse(items))
}

func (h *Handler) unreadCount(c *gin.Context) {
	actorID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	n, err := h.chat.CountUnread(c.Request.Context(), actorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewUnreadCountResponse(actorID, n))
}

func (h *Handler) markNotificationRead(c *gin.Context) {
	actorID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	if err := h.chat.MarkNotificationRead(c.Request.Context(), actorID, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpresp.NewOKResponse())
}

func (h *Handler) markAllNotificationsRead(c *gin.Context) {
	actorID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	n, err := h.chat.MarkAllNotificationsRead(c.Request.Context(), actorID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewMarkedResponse(n))
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, httpresp.NewErrorResponse(httpresp.ErrNotFound))
	case errors.Is(err, domain.ErrNotParticipant):
		c.JSON(http.StatusForbidden, httpresp.NewErrorResponse(httpresp.ErrForbidden))
	case errors.Is(err, domain.ErrEmptyBody),
		errors.Is(err, domain.ErrBodyTooLong),
		errors.Is(err, repository.ErrInvalidThread),
		errors.Is(err, repository.ErrInvalidNotification):
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
	default:
		commonlog.Errorf("event=http_api action=%s status=failed path=%s error=%v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse("internal error"))
	}
}
