package observability

import (
	"context"
	"time"
)

// Publisher is implemented by rabbitmq.Publisher.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

type EventEnvelope struct {
	EventType  string      `json:"event_type"`
	EventName  string      `json:"event_name"`
	OccurredAt string      `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

// Routing keys for domain and realtime events.
const (
	RoutingMessageCreated      = "messaging.message.created"
	RoutingNotificationCreated = "messaging.notification.created"
	RoutingConversationRead    = "messaging.conversation.read"
	RoutingConversationCreated = "messaging.conversation.created"
	RoutingWSEvents            = "ws_events.conversations"
)

var defaultPublisher Publisher

func SetPublisher(publisher Publisher) {
	defaultPublisher = publisher
}

// PublishEvent sends an envelope through the configured publisher. It is a no-op if none is set.
func PublishEvent(ctx context.Context, routingKey string, envelope EventEnvelope, headers map[string]string) error {
	if defaultPublisher == nil {
		return nil
	}
	if envelope.OccurredAt == "" {
		envelope.OccurredAt = time.Now().UTC().Format(time.RFC3339Nano)
	}

	err := defaultPublisher.Publish(ctx, routingKey, envelope, headers)
	if err != nil {
		IncAMQPPublishError()
	}
	return err
}

// DomainEvent builds a messaging domain envelope.
func DomainEvent(name string, payload interface{}) EventEnvelope {
	return EventEnvelope{EventType: "messaging", EventName: name, Payload: payload}
}

// WSEvent describes a websocket lifecycle transition.
type WSEvent struct {
	Event       string
	ConnID      string
	UserID      int
	DeviceID    string
	IP          string
	ConnectedAt time.Time
	Reason      string
}

// Envelope renders the lifecycle event in the ws_events schema.
func (e WSEvent) Envelope() EventEnvelope {
	var duration int64
	if !e.ConnectedAt.IsZero() {
		duration = time.Since(e.ConnectedAt).Milliseconds()
	}
	return EventEnvelope{
		EventType: "ws_events",
		EventName: e.Event,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"kind":        "conversation",
				"event":       e.Event,
				"conn_id":     e.ConnID,
				"duration_ms": duration,
				"reason":      e.Reason,
			},
			"identity": map[string]interface{}{
				"user_id":   e.UserID,
				"device_id": e.DeviceID,
				"ip":        e.IP,
			},
		},
	}
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}
