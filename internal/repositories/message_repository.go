package repositories

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"

	"messaging-service/internal/apperr"
	"messaging-service/internal/models"
)

const messageColumns = `id, conversation_id, sender_id, content, read, created_at, client_message_id`

// MessageRepository defines interactions for conversation messages.
type MessageRepository interface {
	AppendMessage(ctx context.Context, conversationID, senderID int, content string, clientMessageID *string) (models.Message, bool, error)
	ListMessages(ctx context.Context, conversationID, limit int) ([]models.Message, error)
	LastMessage(ctx context.Context, conversationID int) (*models.Message, error)
	GetMessage(ctx context.Context, messageID int) (models.Message, error)
	MarkConversationRead(ctx context.Context, conversationID, readerID int) (int64, error)
	MarkMessageRead(ctx context.Context, messageID, readerID int) error
	CountUnreadMessages(ctx context.Context, userID int) (int, error)
	CountUnreadInConversation(ctx context.Context, conversationID, userID int) (int, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// AppendMessage stores a new unread message. When clientMessageID was already used the stored
// message is returned and created is false.
func (r *MessageRepo) AppendMessage(ctx context.Context, conversationID, senderID int, content string, clientMessageID *string) (models.Message, bool, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, false, apperr.Validation("content is required")
	}
	if clientMessageID != nil && *clientMessageID == "" {
		clientMessageID = nil
	}

	msg := models.Message{
		ConversationID:  conversationID,
		SenderID:        senderID,
		Content:         content,
		CreatedAt:       now(),
		ClientMessageID: clientMessageID,
	}
	query := r.db.Rebind(`INSERT INTO messages (conversation_id, sender_id, content, read, created_at, client_message_id)
        VALUES (?, ?, ?, FALSE, ?, ?)
        ON CONFLICT (client_message_id) DO NOTHING RETURNING id`)
	err := r.db.QueryRowxContext(ctx, query, conversationID, senderID, content, msg.CreatedAt, clientMessageID).Scan(&msg.ID)
	if err == nil {
		return msg, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) || clientMessageID == nil {
		return models.Message{}, false, wrap("append message", "", err)
	}

	var existing models.Message
	err = r.db.GetContext(ctx, &existing, r.db.Rebind(`SELECT `+messageColumns+` FROM messages WHERE client_message_id = ?`), *clientMessageID)
	if err != nil {
		return models.Message{}, false, wrap("load duplicate message", "message", err)
	}
	if existing.ConversationID != conversationID || existing.SenderID != senderID {
		return models.Message{}, false, apperr.Validation("clientMessageId already used")
	}
	return existing, false, nil
}

// ListMessages returns the last limit messages in ascending order.
func (r *MessageRepo) ListMessages(ctx context.Context, conversationID, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs := []models.Message{}
	err := r.db.SelectContext(ctx, &msgs, r.db.Rebind(`SELECT `+messageColumns+` FROM messages
        WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`), conversationID, limit)
	if err != nil {
		return nil, wrap("list messages", "", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// LastMessage returns the newest message or nil for an empty conversation.
func (r *MessageRepo) LastMessage(ctx context.Context, conversationID int) (*models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, r.db.Rebind(`SELECT `+messageColumns+` FROM messages
        WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`), conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("last message", "", err)
	}
	return &msg, nil
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, r.db.Rebind(`SELECT `+messageColumns+` FROM messages WHERE id = ?`), messageID)
	return msg, wrap("get message", "message", err)
}

// MarkConversationRead flags every unread message not sent by readerID as read.
func (r *MessageRepo) MarkConversationRead(ctx context.Context, conversationID, readerID int) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE messages SET read = TRUE
        WHERE conversation_id = ? AND sender_id <> ? AND read = FALSE`), conversationID, readerID)
	if err != nil {
		return 0, wrap("mark conversation read", "", err)
	}
	count, err := res.RowsAffected()
	return count, wrap("mark conversation read", "", err)
}

// MarkMessageRead flags one message as read. A reader marking their own message is a no-op.
func (r *MessageRepo) MarkMessageRead(ctx context.Context, messageID, readerID int) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE messages SET read = TRUE WHERE id = ? AND sender_id <> ?`), messageID, readerID)
	if err != nil {
		return wrap("mark message read", "", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return wrap("mark message read", "", err)
	}
	if count == 0 {
		var exists bool
		if err := r.db.GetContext(ctx, &exists, r.db.Rebind(`SELECT EXISTS(SELECT 1 FROM messages WHERE id = ?)`), messageID); err != nil {
			return wrap("mark message read", "", err)
		}
		if !exists {
			return apperr.NotFound("message")
		}
	}
	return nil
}

// CountUnreadMessages counts unread messages addressed to userID across all conversations.
func (r *MessageRepo) CountUnreadMessages(ctx context.Context, userID int) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, r.db.Rebind(`SELECT COUNT(*) FROM messages m
        JOIN conversation_participants p ON p.conversation_id = m.conversation_id AND p.user_id = ?
        WHERE m.sender_id <> ? AND m.read = FALSE`), userID, userID)
	return count, wrap("count unread messages", "", err)
}

// CountUnreadInConversation counts unread messages addressed to userID in one conversation.
func (r *MessageRepo) CountUnreadInConversation(ctx context.Context, conversationID, userID int) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, r.db.Rebind(`SELECT COUNT(*) FROM messages
        WHERE conversation_id = ? AND sender_id <> ? AND read = FALSE`), conversationID, userID)
	return count, wrap("count unread in conversation", "", err)
}
