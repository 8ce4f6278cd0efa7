package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/messaging"
	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/presence"
	"messaging-service/internal/telemetry"
)

// Inbox is the read side used by the REST surface.
type Inbox interface {
	ListConversationsForUser(ctx context.Context, userID int) ([]models.ConversationView, error)
	UnreadSummary(ctx context.Context, userID int) (models.UnreadCounts, error)
	GetConversation(ctx context.Context, conversationID, limit int) (models.ConversationDetail, error)
	ListNotifications(ctx context.Context, userID int) ([]models.Notification, error)
}

// Messenger is the write side shared with the realtime gateway.
type Messenger interface {
	SendMessage(ctx context.Context, req messaging.SendRequest) (models.Message, error)
	StartConversation(ctx context.Context, req messaging.StartRequest) (models.Conversation, models.Message, error)
	MarkConversationRead(ctx context.Context, req messaging.ReadRequest) (int64, error)
	MarkMessageRead(ctx context.Context, messageID, readerID int, requestID string) error
	Authorize(ctx context.Context, conversationID, userID int) error
}

// ConversationHandler serves conversation and message endpoints.
type ConversationHandler struct {
	inbox     Inbox
	messenger Messenger
	typing    presence.Tracker
	audit     *telemetry.AuditEmitter
}

// NewConversationHandler builds a ConversationHandler. typing and audit may be nil.
func NewConversationHandler(inbox Inbox, messenger Messenger, typing presence.Tracker, audit *telemetry.AuditEmitter) *ConversationHandler {
	return &ConversationHandler{inbox: inbox, messenger: messenger, typing: typing, audit: audit}
}

// ListConversations returns the inbox of ?userId.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	views, err := h.inbox.ListConversationsForUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

// GetConversation returns the conversation with its recent history.
// When ?userId is given the caller must be a participant.
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	conversationID, ok := paramID(c, "id")
	if !ok {
		return
	}
	if c.Query("userId") != "" {
		userID, ok := queryUserID(c)
		if !ok {
			return
		}
		if err := h.messenger.Authorize(c.Request.Context(), conversationID, userID); err != nil {
			respondError(c, err)
			return
		}
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	detail, err := h.inbox.GetConversation(c.Request.Context(), conversationID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// StartConversation opens or reuses a conversation and posts its first message.
func (h *ConversationHandler) StartConversation(c *gin.Context) {
	var req struct {
		UserID          int    `json:"userId" binding:"required,gt=0"`
		ReceiverID      int    `json:"receiverId" binding:"required,gt=0"`
		PropertyID      *int   `json:"propertyId"`
		Message         string `json:"message" binding:"required"`
		ClientMessageID string `json:"clientMessageId" binding:"omitempty,max=64"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	conv, msg, err := h.messenger.StartConversation(c.Request.Context(), messaging.StartRequest{
		SenderID:        req.UserID,
		ReceiverID:      req.ReceiverID,
		PropertyID:      req.PropertyID,
		Content:         req.Message,
		ClientMessageID: req.ClientMessageID,
		RequestID:       observability.RequestID(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": conv, "message": msg})
}

// PostMessage persists and broadcasts a message sent over REST.
func (h *ConversationHandler) PostMessage(c *gin.Context) {
	conversationID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		SenderID        int    `json:"senderId" binding:"required,gt=0"`
		Content         string `json:"content" binding:"required"`
		ClientMessageID string `json:"clientMessageId" binding:"omitempty,max=64"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	msg, err := h.messenger.SendMessage(c.Request.Context(), messaging.SendRequest{
		ConversationID:  conversationID,
		SenderID:        req.SenderID,
		Content:         req.Content,
		ClientMessageID: req.ClientMessageID,
		Origin:          messaging.OriginREST,
		RequestID:       observability.RequestID(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// MarkConversationRead marks every message not sent by userId as read.
func (h *ConversationHandler) MarkConversationRead(c *gin.Context) {
	conversationID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req userBody
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	requestID := observability.RequestID(c)
	updated, err := h.messenger.MarkConversationRead(c.Request.Context(), messaging.ReadRequest{
		ConversationID: conversationID,
		ReaderID:       req.UserID,
		RequestID:      requestID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	h.audit.Emit(c.Request.Context(), "INFO", telemetry.ActionConversationRead,
		"conversation "+strconv.Itoa(conversationID)+" marked read", requestID, req.UserID)
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

// MarkMessageRead marks one message read.
func (h *ConversationHandler) MarkMessageRead(c *gin.Context) {
	messageID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req userBody
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.messenger.MarkMessageRead(c.Request.Context(), messageID, req.UserID, observability.RequestID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Typing lists participants with a live typing flag.
func (h *ConversationHandler) Typing(c *gin.Context) {
	conversationID, ok := paramID(c, "id")
	if !ok {
		return
	}
	if h.typing == nil {
		c.JSON(http.StatusOK, gin.H{"conversationId": conversationID, "userIds": []int{}})
		return
	}
	detail, err := h.inbox.GetConversation(c.Request.Context(), conversationID, 1)
	if err != nil {
		respondError(c, err)
		return
	}
	candidates := make([]int, 0, len(detail.Participants))
	for _, p := range detail.Participants {
		candidates = append(candidates, p.UserID)
	}
	typing, err := h.typing.Typing(c.Request.Context(), conversationID, candidates)
	if err != nil {
		respondError(c, err)
		return
	}
	if typing == nil {
		typing = []int{}
	}
	c.JSON(http.StatusOK, gin.H{"conversationId": conversationID, "userIds": typing})
}

// UnreadCounts returns unread totals for ?userId.
func (h *ConversationHandler) UnreadCounts(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	counts, err := h.inbox.UnreadSummary(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}
