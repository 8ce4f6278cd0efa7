package telemetry

import (
	"context"
	"log"
	"strconv"
	"time"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

// Audited actions.
const (
	ActionConversationRead     = "conversation_read"
	ActionNotificationsReadAll = "notifications_read_all"
	ActionAuditTest            = "audit_test"
)

// AuditEmitter records user-initiated state changes such as read receipts.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	now         func() time.Time
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level  string `json:"level"`
	Action string `json:"action"`
	Text   string `json:"text"`
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		now:         time.Now,
	}
}

// Emit publishes an audit record. A nil emitter is valid and does nothing.
func (e *AuditEmitter) Emit(ctx context.Context, level, action, text, requestID string, userID int) {
	if e == nil || e.publisher == nil {
		return
	}

	envelope := e.envelope(level, action, text, requestID, userID)
	log.Printf("audit emit: level=%s action=%s request_id=%s user_id=%d", level, action, requestID, userID)

	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if err := e.publisher.Publish(ctx, e.routingKey, envelope, headers); err != nil {
		log.Printf("audit publish failed action=%s: %v", action, err)
	}
}

func (e *AuditEmitter) envelope(level, action, text, requestID string, userID int) AuditEnvelope {
	var uid *string
	if userID > 0 {
		s := strconv.Itoa(userID)
		uid = &s
	}
	return AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		UserID:        uid,
		Payload:       AuditPayload{Level: level, Action: action, Text: text},
	}
}
