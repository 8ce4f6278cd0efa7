package rabbitmq

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"messaging-service/internal/observability"
	"messaging-service/internal/telemetry"
)

const appID = "messaging-service"

// Publisher publishes domain, websocket and audit events to a topic exchange.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
	Close() error
}

// NewPublisher dials the broker and declares the exchange. Any failure, or an empty URL,
// yields a publisher that only logs.
func NewPublisher(amqpURL, exchange string) Publisher {
	if amqpURL == "" {
		return disabled("empty amqp url")
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return disabled(err.Error())
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return disabled(err.Error())
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return disabled(err.Error())
	}

	log.Printf("rabbitmq connected exchange=%s", exchange)
	return &amqpPublisher{conn: conn, ch: ch, exchange: exchange}
}

func disabled(reason string) Publisher {
	log.Printf("rabbitmq disabled, using noop: %s", reason)
	return noopPublisher{reason: reason}
}

type amqpPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	msg, err := publishing(event, headers, time.Now())
	if err != nil {
		return err
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		log.Printf("rabbitmq publish failed routing_key=%s type=%s: %v", routingKey, msg.Type, err)
		return err
	}
	return nil
}

func (p *amqpPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// publishing builds a persistent JSON message. Type carries the event name so consumers can
// route without decoding the body; the request id doubles as the correlation id.
func publishing(event any, headers map[string]string, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, err
	}
	table := amqp.Table{}
	for key, value := range headers {
		table[key] = value
	}
	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     uuid.NewString(),
		CorrelationId: headers["x-request-id"],
		Timestamp:     now.UTC(),
		Type:          eventType(event),
		AppId:         appID,
		Headers:       table,
		Body:          body,
	}, nil
}

func eventType(event any) string {
	switch e := event.(type) {
	case observability.EventEnvelope:
		return e.EventType + "." + e.EventName
	case telemetry.AuditEnvelope:
		return e.EventType + "." + e.Payload.Action
	}
	return ""
}

type noopPublisher struct {
	reason string
}

func (noopPublisher) Publish(_ context.Context, routingKey string, event any, headers map[string]string) error {
	log.Printf("rabbitmq noop publish routing_key=%s type=%s request_id=%s", routingKey, eventType(event), headers["x-request-id"])
	return nil
}

func (noopPublisher) Close() error {
	return nil
}

// PublisherMode reports the publisher mode for logging.
func PublisherMode(p Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case noopPublisher:
		return "noop"
	default:
		return "unknown"
	}
}

func PublisherNoopReason(p Publisher) string {
	if publisher, ok := p.(noopPublisher); ok {
		return publisher.reason
	}
	return ""
}
