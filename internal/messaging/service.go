// Package messaging runs the persist, notify and broadcast sequence shared by the realtime
// and REST ingress paths.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"messaging-service/internal/apperr"
	"messaging-service/internal/models"
	"messaging-service/internal/notify"
	"messaging-service/internal/observability"
	"messaging-service/internal/repositories"
)

// Ingress paths, used for metrics and event payloads.
const (
	OriginRealtime = "ws"
	OriginREST     = "rest"
)

const DefaultTimeout = 5 * time.Second

// Broadcaster is the realtime side of a send. ws.Hub implements it.
type Broadcaster interface {
	BroadcastMessage(ctx context.Context, msg models.Message)
	NotifyUser(ctx context.Context, userID int, payload notify.PushPayload)
	BroadcastReadReceipt(ctx context.Context, receipt models.ReadReceipt, excludeConn string)
}

// SendRequest is a message submitted through either ingress path.
type SendRequest struct {
	ConversationID  int
	SenderID        int
	Content         string
	ClientMessageID string
	Origin          string
	RequestID       string
}

// StartRequest opens (or reuses) a conversation with its first message.
type StartRequest struct {
	SenderID        int
	ReceiverID      int
	PropertyID      *int
	Content         string
	ClientMessageID string
	RequestID       string
}

// ReadRequest marks a conversation read on behalf of ReaderID.
type ReadRequest struct {
	ConversationID int
	ReaderID       int
	MessageID      *int
	ExcludeConn    string
	RequestID      string
}

// Service coordinates the gateway, notification dispatch and the broadcaster.
type Service struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	notifications repositories.NotificationRepository
	broadcaster   Broadcaster
	timeout       time.Duration
	locks         *keyedMutex
	newBackOff    func() backoff.BackOff
}

// NewService wires a Service. A non-positive timeout uses DefaultTimeout.
func NewService(
	conversations repositories.ConversationRepository,
	messages repositories.MessageRepository,
	notifications repositories.NotificationRepository,
	broadcaster Broadcaster,
	timeout time.Duration,
) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{
		conversations: conversations,
		messages:      messages,
		notifications: notifications,
		broadcaster:   broadcaster,
		timeout:       timeout,
		locks:         newKeyedMutex(),
		newBackOff:    defaultBackOff,
	}
}

// SendMessage persists a message, then notifies the other participants and broadcasts it.
// Nothing is notified or broadcast unless the append succeeds. Failures after the append are
// logged because the message is already durable.
func (s *Service) SendMessage(ctx context.Context, req SendRequest) (models.Message, error) {
	if req.ConversationID <= 0 || req.SenderID <= 0 {
		return models.Message{}, apperr.Validation("conversationId and senderId are required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return models.Message{}, apperr.Validation("content is required")
	}
	if req.Origin == "" {
		req.Origin = OriginREST
	}

	ctx, span := observability.StartSpan(ctx, "messaging.send")
	defer span.End()

	if err := s.Authorize(ctx, req.ConversationID, req.SenderID); err != nil {
		return models.Message{}, err
	}

	unlock := s.locks.Lock(conversationKey(req.ConversationID))
	defer unlock()

	var clientKey *string
	if req.ClientMessageID != "" {
		clientKey = &req.ClientMessageID
	}

	var (
		msg     models.Message
		created bool
	)
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		msg, created, err = s.messages.AppendMessage(ctx, req.ConversationID, req.SenderID, req.Content, clientKey)
		return err
	})
	if err != nil {
		observability.IncMessagePersisted(req.Origin, "error")
		observability.IncPersistenceError("append_message", kindOf(err))
		return models.Message{}, err
	}

	if !created {
		// duplicate client key: re-broadcast only
		observability.IncMessagePersisted(req.Origin, "duplicate")
		s.broadcaster.BroadcastMessage(ctx, msg)
		return msg, nil
	}
	observability.IncMessagePersisted(req.Origin, "created")

	if err := s.retry(ctx, func(ctx context.Context) error {
		return s.conversations.TouchConversation(ctx, msg.ConversationID, msg.CreatedAt)
	}); err != nil {
		observability.IncPersistenceError("touch_conversation", kindOf(err))
		log.Printf("messaging: touch conversation_id=%d failed: %v", msg.ConversationID, err)
	}

	s.dispatchNotifications(ctx, msg, req.RequestID)
	s.broadcaster.BroadcastMessage(ctx, msg)

	s.publish(ctx, observability.RoutingMessageCreated, "message_created", map[string]interface{}{
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
		"sender_id":       msg.SenderID,
		"origin":          req.Origin,
	}, req.RequestID)
	return msg, nil
}

func (s *Service) dispatchNotifications(ctx context.Context, msg models.Message, requestID string) {
	var participants []models.ConversationParticipant
	if err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		participants, err = s.conversations.ListParticipants(ctx, msg.ConversationID)
		return err
	}); err != nil {
		observability.IncPersistenceError("list_participants", kindOf(err))
		log.Printf("messaging: list participants conversation_id=%d failed: %v", msg.ConversationID, err)
		return
	}

	userIDs := make([]int, 0, len(participants))
	for _, p := range participants {
		userIDs = append(userIDs, p.UserID)
	}
	plan := notify.Plan(msg, userIDs)
	if len(plan.Notifications) == 0 {
		return
	}

	var created []models.Notification
	if err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		created, err = s.notifications.CreateNotifications(ctx, plan.Notifications)
		return err
	}); err != nil {
		observability.IncPersistenceError("create_notifications", kindOf(err))
		log.Printf("messaging: create notifications message_id=%d failed: %v", msg.ID, err)
		return
	}
	observability.AddNotificationsCreated(len(created))

	for _, push := range plan.Pushes {
		s.broadcaster.NotifyUser(ctx, push.UserID, push.Payload)
	}
	for _, n := range created {
		s.publish(ctx, observability.RoutingNotificationCreated, "notification_created", map[string]interface{}{
			"notification_id": n.ID,
			"user_id":         n.UserID,
			"message_id":      msg.ID,
			"conversation_id": msg.ConversationID,
		}, requestID)
	}
}

// StartConversation reuses the conversation between both users about the property, creating
// it if needed, and sends the first message into it.
func (s *Service) StartConversation(ctx context.Context, req StartRequest) (models.Conversation, models.Message, error) {
	if req.SenderID <= 0 || req.ReceiverID <= 0 {
		return models.Conversation{}, models.Message{}, apperr.Validation("userId and receiverId are required")
	}
	if req.SenderID == req.ReceiverID {
		return models.Conversation{}, models.Message{}, apperr.Validation("cannot start a conversation with yourself")
	}
	if strings.TrimSpace(req.Content) == "" {
		return models.Conversation{}, models.Message{}, apperr.Validation("message is required")
	}

	unlock := s.locks.Lock(pairKey(req.SenderID, req.ReceiverID, req.PropertyID))
	var (
		conv    models.Conversation
		created bool
	)
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		conv, created, err = s.conversations.GetOrCreateConversation(ctx, req.SenderID, req.ReceiverID, req.PropertyID)
		return err
	})
	unlock()
	if err != nil {
		return models.Conversation{}, models.Message{}, err
	}
	if created {
		s.publish(ctx, observability.RoutingConversationCreated, "conversation_created", map[string]interface{}{
			"conversation_id": conv.ID,
			"property_id":     conv.PropertyID,
			"participants":    []int{req.SenderID, req.ReceiverID},
		}, req.RequestID)
	}

	msg, err := s.SendMessage(ctx, SendRequest{
		ConversationID:  conv.ID,
		SenderID:        req.SenderID,
		Content:         req.Content,
		ClientMessageID: req.ClientMessageID,
		Origin:          OriginREST,
		RequestID:       req.RequestID,
	})
	if err != nil {
		return conv, models.Message{}, err
	}
	if conv.LastMessageAt == nil || conv.LastMessageAt.Before(msg.CreatedAt) {
		ts := msg.CreatedAt
		conv.LastMessageAt = &ts
	}
	return conv, msg, nil
}

// MarkConversationRead flags the reader's unread messages and broadcasts a read receipt to the
// rest of the conversation.
func (s *Service) MarkConversationRead(ctx context.Context, req ReadRequest) (int64, error) {
	if req.ConversationID <= 0 || req.ReaderID <= 0 {
		return 0, apperr.Validation("conversationId and userId are required")
	}
	if err := s.Authorize(ctx, req.ConversationID, req.ReaderID); err != nil {
		return 0, err
	}

	var affected int64
	if err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		affected, err = s.messages.MarkConversationRead(ctx, req.ConversationID, req.ReaderID)
		return err
	}); err != nil {
		observability.IncPersistenceError("mark_conversation_read", kindOf(err))
		return 0, err
	}

	s.broadcaster.BroadcastReadReceipt(ctx, models.ReadReceipt{
		MessageID:      req.MessageID,
		ConversationID: req.ConversationID,
		ReadBy:         req.ReaderID,
	}, req.ExcludeConn)
	s.publish(ctx, observability.RoutingConversationRead, "conversation_read", map[string]interface{}{
		"conversation_id": req.ConversationID,
		"reader_id":       req.ReaderID,
		"affected":        affected,
	}, req.RequestID)
	return affected, nil
}

// MarkMessageRead flags a single message as read by readerID.
func (s *Service) MarkMessageRead(ctx context.Context, messageID, readerID int, requestID string) error {
	if messageID <= 0 || readerID <= 0 {
		return apperr.Validation("messageId and userId are required")
	}

	var msg models.Message
	if err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		msg, err = s.messages.GetMessage(ctx, messageID)
		return err
	}); err != nil {
		return err
	}
	if err := s.Authorize(ctx, msg.ConversationID, readerID); err != nil {
		return err
	}
	if err := s.retry(ctx, func(ctx context.Context) error {
		return s.messages.MarkMessageRead(ctx, messageID, readerID)
	}); err != nil {
		observability.IncPersistenceError("mark_message_read", kindOf(err))
		return err
	}

	if msg.SenderID != readerID {
		id := msg.ID
		s.broadcaster.BroadcastReadReceipt(ctx, models.ReadReceipt{MessageID: &id, ConversationID: msg.ConversationID, ReadBy: readerID}, "")
	}
	return nil
}

// Authorize checks that the conversation exists and userID participates in it.
func (s *Service) Authorize(ctx context.Context, conversationID, userID int) error {
	if err := s.withTimeout(ctx, func(ctx context.Context) error {
		_, err := s.conversations.GetConversation(ctx, conversationID)
		return err
	}); err != nil {
		return err
	}

	var member bool
	if err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		member, err = s.conversations.IsParticipant(ctx, conversationID, userID)
		return err
	}); err != nil {
		return err
	}
	if !member {
		return apperr.Forbidden("user is not a participant of this conversation")
	}
	return nil
}

func (s *Service) publish(ctx context.Context, routingKey, name string, payload map[string]interface{}, requestID string) {
	headers := observability.BuildHeaders(requestID, observability.TraceID(ctx))
	if err := observability.PublishEvent(ctx, routingKey, observability.DomainEvent(name, payload), headers); err != nil {
		log.Printf("messaging: publish %s failed: %v", routingKey, err)
	}
}

func conversationKey(id int) string {
	return fmt.Sprintf("conversation:%d", id)
}

func pairKey(a, b int, propertyID *int) string {
	if a > b {
		a, b = b, a
	}
	if propertyID == nil {
		return fmt.Sprintf("pair:%d:%d:-", a, b)
	}
	return fmt.Sprintf("pair:%d:%d:%d", a, b, *propertyID)
}

func kindOf(err error) string {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return "validation"
	case errors.Is(err, apperr.ErrNotFound):
		return "not_found"
	case errors.Is(err, apperr.ErrForbidden):
		return "forbidden"
	case errors.Is(err, apperr.ErrTransient):
		return "transient"
	default:
		return "internal"
	}
}
