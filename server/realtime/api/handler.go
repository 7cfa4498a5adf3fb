package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	commonauth "sns_server/server/common/auth"
	"sns_server/server/common/middleware"
	"sns_server/server/realtime/domain"
	"sns_server/server/realtime/service"
)

type Handler struct {
	ws       *service.RealtimeService
	presence *service.PresenceTracker
	delivery *service.DeliveryEngine
	notify   *service.NotificationFanout
	auth     *commonauth.Service
}

func NewHandler(ws *service.RealtimeService, presence *service.PresenceTracker, delivery *service.DeliveryEngine, notify *service.NotificationFanout, jwtSecret string, jwtTTLMinutes int) *Handler {
	auth := commonauth.NewService(jwtSecret, jwtTTLMinutes)
	return &Handler{ws: ws, presence: presence, delivery: delivery, notify: notify, auth: auth}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, NewHealthResponse("ok")) })
	r.GET("/ws", h.handleWS)

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(h.auth))
	{
		api.GET("/presence", h.getPresence)
		api.GET("/conversations/:id/messages", h.getHistory)
		// Push path for upstream services that do not publish on MQ.
		api.POST("/notifications", middleware.RequireRoles("service"), h.publishNotification)
	}
}

// handleWS authenticates the connection-time token before any
// registration happens; an invalid token is rejected here and the
// connection is never registered.
func (h *Handler) handleWS(c *gin.Context) {
	token, ok := wsAccessToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse("bearer token is required"))
		return
	}
	identity, _, err := h.auth.ParseAuthContext(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(domain.ErrUnauthenticated.Error()))
		return
	}
	h.ws.HandleWS(c, identity)
}

func wsAccessToken(c *gin.Context) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(header, "Bearer ") {
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token != "" {
			return token, true
		}
	}
	token := strings.TrimSpace(c.Query("access_token"))
	if token == "" {
		token = strings.TrimSpace(c.Query("token"))
	}
	if token == "" {
		return "", false
	}
	return token, true
}

func (h *Handler) getPresence(c *gin.Context) {
	raw := strings.TrimSpace(c.Query("ids"))
	if raw == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse("ids required"))
		return
	}
	ids := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if id := strings.TrimSpace(part); id != "" {
			ids = append(ids, id)
		}
	}
	records, err := h.presence.Snapshot(c.Request.Context(), ids)
	if err != nil {
		c.JSON(http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, NewPresenceSnapshotResponse(records))
}

func (h *Handler) getHistory(c *gin.Context) {
	requester := c.GetString("auth_user_id")
	conversationID := c.Param("id")

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	var beforeSeq *int64
	if raw := c.Query("before_seq"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, NewErrorResponse("before_seq must be an integer"))
			return
		}
		beforeSeq = &n
	}

	msgs, err := h.delivery.History(c.Request.Context(), requester, conversationID, limit, beforeSeq)
	if err != nil {
		if errors.Is(err, domain.ErrNotAParticipant) {
			c.JSON(http.StatusForbidden, NewErrorResponse(err.Error()))
			return
		}
		c.JSON(http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, NewMessageHistoryResponse(msgs))
}

func (h *Handler) publishNotification(c *gin.Context) {
	var event domain.NotificationEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if event.TargetID == "" || event.Kind == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse("target_id and kind required"))
		return
	}
	published, err := h.notify.Publish(c.Request.Context(), event)
	if err != nil {
		c.JSON(http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusAccepted, NewIDResponse(published.ID))
}
