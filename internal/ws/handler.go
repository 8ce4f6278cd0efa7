package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"messaging-service/internal/apperr"
	"messaging-service/internal/messaging"
	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/presence"
)

// MessageService is the part of messaging.Service used by realtime clients.
type MessageService interface {
	SendMessage(ctx context.Context, req messaging.SendRequest) (models.Message, error)
	MarkConversationRead(ctx context.Context, req messaging.ReadRequest) (int64, error)
	Authorize(ctx context.Context, conversationID, userID int) error
}

// Handler accepts websocket connections and dispatches their frames.
type Handler struct {
	hub      *Hub
	service  MessageService
	typing   presence.Tracker
	validate *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(hub *Hub, service MessageService, typing presence.Tracker) *Handler {
	return &Handler{hub: hub, service: service, typing: typing, validate: validator.New()}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handle upgrades GET /ws?userId=<id>. A missing or non-positive id is rejected before upgrade.
func (h *Handler) Handle(c *gin.Context) {
	userID, err := strconv.Atoi(c.Query("userId"))
	if err != nil || userID <= 0 {
		observability.IncWSRejected()
		log.Printf("websocket rejected: %v user_id=%q", apperr.ErrConnectionRejected, c.Query("userId"))
		c.JSON(http.StatusBadRequest, gin.H{"message": "a valid userId query parameter is required"})
		return
	}

	ctx, span := observability.StartSpan(c.Request.Context(), "ws.handshake")
	defer span.End()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade failed user_id=%d: %v", userID, err)
		return
	}

	info := ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestID(c),
		TraceID:     observability.TraceID(ctx),
		ConnectedAt: time.Now(),
	}
	client := h.hub.Connect(info, conn)
	client.Start()
	h.publishLifecycle(info, "ws_connect", "")

	go h.readLoop(conn, client)
}

func (h *Handler) readLoop(conn *websocket.Conn, client *Conn) {
	var closeReason string
	defer func() {
		left := h.hub.Disconnect(client)
		h.clearTyping(left, client.UserID)
		h.publishLifecycle(client.Info, "ws_disconnect", closeReason)
	}()

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.publishLifecycle(client.Info, "ws_error", closeReason)
			}
			return
		}
		h.HandleFrame(client, data)
	}
}

// HandleFrame processes one inbound frame. Frames from a connection are handled in order.
func (h *Handler) HandleFrame(c *Conn, data []byte) {
	var frame models.Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
		h.hub.SendError(c, "malformed frame")
		return
	}
	observability.IncWSEvent(metricsKind, frame.Event)

	switch frame.Event {
	case models.EventJoinConversation:
		var ref models.ConversationRef
		if !h.decode(c, frame.Data, &ref) {
			return
		}
		if err := h.service.Authorize(context.Background(), ref.ConversationID, c.UserID); err != nil {
			h.hub.SendError(c, apperr.Public(err))
			return
		}
		h.hub.Join(c, ref.ConversationID)

	case models.EventLeaveConversation:
		var ref models.ConversationRef
		if !h.decode(c, frame.Data, &ref) {
			return
		}
		h.hub.Leave(c, ref.ConversationID)

	case models.EventNewMessage:
		var payload models.NewMessageEvent
		if !h.decode(c, frame.Data, &payload) {
			return
		}
		if payload.SenderID != c.UserID {
			h.hub.SendError(c, "senderId does not match the connected user")
			return
		}
		// the send outlives the socket: a disconnect mid-send still persists and broadcasts
		_, err := h.service.SendMessage(context.Background(), messaging.SendRequest{
			ConversationID:  payload.ConversationID,
			SenderID:        payload.SenderID,
			Content:         payload.Content,
			ClientMessageID: payload.ClientMessageID,
			Origin:          messaging.OriginRealtime,
			RequestID:       c.Info.RequestID,
		})
		if err != nil {
			h.hub.SendError(c, apperr.Public(err))
		}

	case models.EventUserTyping, models.EventUserStoppedTyping:
		h.handleTyping(c, frame)

	case models.EventMessageRead:
		var payload models.MessageReadEvent
		if !h.decode(c, frame.Data, &payload) {
			return
		}
		req := messaging.ReadRequest{
			ConversationID: payload.ConversationID,
			ReaderID:       c.UserID,
			ExcludeConn:    c.ID,
			RequestID:      c.Info.RequestID,
		}
		if payload.MessageID > 0 {
			id := payload.MessageID
			req.MessageID = &id
		}
		if _, err := h.service.MarkConversationRead(context.Background(), req); err != nil {
			h.hub.SendError(c, apperr.Public(err))
		}

	default:
		h.hub.SendError(c, "unknown event "+strconv.Quote(frame.Event))
	}
}

// handleTyping never answers with an error; malformed or foreign typing frames are dropped.
func (h *Handler) handleTyping(c *Conn, frame models.Frame) {
	var payload models.TypingEvent
	if err := json.Unmarshal(frame.Data, &payload); err != nil || h.validate.Struct(payload) != nil {
		return
	}
	if payload.UserID != c.UserID || !h.joined(c, payload.ConversationID) {
		return
	}

	isTyping := frame.Event == models.EventUserTyping
	if h.typing != nil {
		if err := h.typing.SetTyping(context.Background(), payload.ConversationID, payload.UserID, isTyping); err != nil {
			log.Printf("ws: typing tracker conversation_id=%d: %v", payload.ConversationID, err)
		}
	}
	h.hub.BroadcastTyping(context.Background(), frame.Event, payload, c.ID)
}

func (h *Handler) joined(c *Conn, conversationID int) bool {
	for _, id := range h.hub.Registry().Groups(c.ID) {
		if id == conversationID {
			return true
		}
	}
	return false
}

func (h *Handler) clearTyping(conversations []int, userID int) {
	if h.typing == nil {
		return
	}
	for _, id := range conversations {
		_ = h.typing.SetTyping(context.Background(), id, userID, false)
	}
}

func (h *Handler) decode(c *Conn, raw json.RawMessage, dst interface{}) bool {
	if err := json.Unmarshal(raw, dst); err != nil {
		h.hub.SendError(c, "malformed payload")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.hub.SendError(c, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
		return "invalid field " + errs[0].Field()
	}
	return "invalid payload"
}

func (h *Handler) publishLifecycle(info ConnInfo, event, reason string) {
	wsEvent := observability.WSEvent{
		Event:       event,
		ConnID:      info.ConnID,
		UserID:      info.UserID,
		DeviceID:    info.DeviceID,
		IP:          info.IP,
		ConnectedAt: info.ConnectedAt,
		Reason:      reason,
	}
	_ = observability.PublishEvent(context.Background(), observability.RoutingWSEvents, wsEvent.Envelope(),
		observability.BuildHeaders(info.RequestID, info.TraceID))
}
