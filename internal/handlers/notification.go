package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/observability"
	"messaging-service/internal/repositories"
	"messaging-service/internal/telemetry"
)

// NotificationHandler serves the notification endpoints.
type NotificationHandler struct {
	inbox         Inbox
	notifications repositories.NotificationRepository
	audit         *telemetry.AuditEmitter
}

func NewNotificationHandler(inbox Inbox, notifications repositories.NotificationRepository, audit *telemetry.AuditEmitter) *NotificationHandler {
	return &NotificationHandler{inbox: inbox, notifications: notifications, audit: audit}
}

// List returns notifications for ?userId, newest first.
func (h *NotificationHandler) List(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	list, err := h.inbox.ListNotifications(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// MarkRead marks one notification read.
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.notifications.MarkNotificationRead(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// MarkAllRead marks every notification of the body's userId read.
func (h *NotificationHandler) MarkAllRead(c *gin.Context) {
	var req userBody
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	updated, err := h.notifications.MarkAllNotificationsRead(c.Request.Context(), req.UserID)
	if err != nil {
		respondError(c, err)
		return
	}
	h.audit.Emit(c.Request.Context(), "INFO", telemetry.ActionNotificationsReadAll, "all notifications marked read",
		observability.RequestID(c), req.UserID)
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}
