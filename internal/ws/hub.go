package ws

import (
	"context"
	"log"

	"github.com/gorilla/websocket"

	"messaging-service/internal/fanout"
	"messaging-service/internal/models"
	"messaging-service/internal/notify"
	"messaging-service/internal/observability"
)

const metricsKind = "conversation"

// Hub fans frames out to locally registered connections and relays them to other nodes.
type Hub struct {
	registry *Registry
	relay    fanout.Relay
}

// NewHub creates an empty hub. A nil relay keeps delivery node-local.
func NewHub(relay fanout.Relay) *Hub {
	if relay == nil {
		relay = fanout.Noop{}
	}
	return &Hub{registry: NewRegistry(), relay: relay}
}

// Registry exposes connection state.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Connect registers a new connection in the AUTHENTICATED state.
func (h *Hub) Connect(info ConnInfo, ws transport) *Conn {
	c := newConn(info, ws)
	c.onClose = h.dropped
	h.registry.Register(c)
	observability.IncWSActive(metricsKind)
	observability.IncWSEvent(metricsKind, "ws_connect")
	return c
}

// Disconnect removes the connection from the registry and every group, then closes it.
// It returns the conversations the connection had joined, including when the connection
// was already dropped after a failed or overflowing write.
func (h *Hub) Disconnect(c *Conn) []int {
	left, ok := h.registry.Unregister(c.ID)
	if ok {
		observability.DecWSActive(metricsKind)
		observability.IncWSEvent(metricsKind, "ws_disconnect")
	} else {
		left = c.takeOrphaned()
	}
	c.Close(websocket.CloseNormalClosure, "")
	return left
}

// Join is idempotent.
func (h *Hub) Join(c *Conn, conversationID int) {
	if h.registry.Join(c.ID, conversationID) {
		observability.IncWSEvent(metricsKind, models.EventJoinConversation)
	}
}

// Leave is idempotent.
func (h *Hub) Leave(c *Conn, conversationID int) {
	if h.registry.Leave(c.ID, conversationID) {
		observability.IncWSEvent(metricsKind, models.EventLeaveConversation)
	}
}

// BroadcastMessage delivers a persisted message to every connection joined to its conversation.
func (h *Hub) BroadcastMessage(ctx context.Context, msg models.Message) {
	h.broadcast(ctx, msg.ConversationID, models.EventNewMessage, msg, "")
}

// NotifyUser pushes a notification event to every live connection of userID.
func (h *Hub) NotifyUser(ctx context.Context, userID int, payload notify.PushPayload) {
	frame, err := models.NewFrame(models.EventNotification, payload)
	if err != nil {
		log.Printf("ws: encode notification: %v", err)
		return
	}
	h.deliverUser(userID, frame)
	h.publish(ctx, fanout.Envelope{Scope: fanout.ScopeUser, Target: userID, Frame: frame})
}

// BroadcastReadReceipt tells the rest of the conversation that messages were read.
func (h *Hub) BroadcastReadReceipt(ctx context.Context, receipt models.ReadReceipt, excludeConn string) {
	h.broadcast(ctx, receipt.ConversationID, models.EventMessageRead, receipt, excludeConn)
}

// BroadcastTyping relays a typing change to the conversation group except the originating connection.
func (h *Hub) BroadcastTyping(ctx context.Context, event string, typing models.TypingEvent, excludeConn string) {
	h.broadcast(ctx, typing.ConversationID, event, typing, excludeConn)
}

// SendError reports a failure to a single connection.
func (h *Hub) SendError(c *Conn, message string) {
	frame, err := models.NewFrame(models.EventError, models.ErrorEvent{Message: message})
	if err != nil {
		return
	}
	if err := c.Send(frame); err != nil {
		observability.IncBroadcastDropped("error_event")
	}
	observability.IncWSEvent(metricsKind, models.EventError)
}

// HandleRelay delivers a frame published by another node.
func (h *Hub) HandleRelay(env fanout.Envelope) {
	switch env.Scope {
	case fanout.ScopeConversation:
		h.deliverGroup(env.Target, env.Frame, env.ExcludeConn)
	case fanout.ScopeUser:
		h.deliverUser(env.Target, env.Frame)
	}
}

// Close terminates every live connection.
func (h *Hub) Close() {
	h.registry.mu.RLock()
	conns := snapshot(h.registry.conns)
	h.registry.mu.RUnlock()
	for _, c := range conns {
		h.Disconnect(c)
	}
}

func (h *Hub) broadcast(ctx context.Context, conversationID int, event string, data interface{}, excludeConn string) {
	frame, err := models.NewFrame(event, data)
	if err != nil {
		log.Printf("ws: encode %s: %v", event, err)
		return
	}
	h.deliverGroup(conversationID, frame, excludeConn)
	h.publish(ctx, fanout.Envelope{Scope: fanout.ScopeConversation, Target: conversationID, ExcludeConn: excludeConn, Frame: frame})
}

// deliverGroup sends to each member independently; a failing member never blocks the rest.
func (h *Hub) deliverGroup(conversationID int, frame []byte, excludeConn string) int {
	delivered := 0
	for _, c := range h.registry.Members(conversationID) {
		if c.ID == excludeConn {
			continue
		}
		if err := c.Send(frame); err != nil {
			observability.IncBroadcastDropped(dropReason(err))
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Hub) deliverUser(userID int, frame []byte) int {
	delivered := 0
	for _, c := range h.registry.UserConns(userID) {
		if err := c.Send(frame); err != nil {
			observability.IncBroadcastDropped(dropReason(err))
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Hub) publish(ctx context.Context, env fanout.Envelope) {
	if err := h.relay.Publish(ctx, env); err != nil {
		log.Printf("ws: fanout publish scope=%s target=%d: %v", env.Scope, env.Target, err)
	}
}

// dropped runs when a connection closes itself after a failed or overflowing write.
func (h *Hub) dropped(c *Conn, reason string) {
	left, ok := h.registry.Unregister(c.ID)
	if !ok {
		return
	}
	c.setOrphaned(left)
	observability.DecWSActive(metricsKind)
	observability.IncWSEvent(metricsKind, "ws_error")
	log.Printf("websocket dropped conn_id=%s user_id=%d reason=%s", c.ID, c.UserID, reason)

	info := c.Info
	event := observability.WSEvent{
		Event:       "ws_error",
		ConnID:      info.ConnID,
		UserID:      info.UserID,
		DeviceID:    info.DeviceID,
		IP:          info.IP,
		ConnectedAt: info.ConnectedAt,
		Reason:      reason,
	}
	_ = observability.PublishEvent(context.Background(), observability.RoutingWSEvents, event.Envelope(),
		observability.BuildHeaders(info.RequestID, info.TraceID))
}

func dropReason(err error) string {
	if err == errBufferFull {
		return "buffer_full"
	}
	return "closed"
}
