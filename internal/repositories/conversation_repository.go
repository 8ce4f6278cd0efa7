package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"messaging-service/internal/apperr"
	"messaging-service/internal/models"
)

const conversationColumns = `c.id, c.property_id, c.last_message_at, c.created_at`

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.QueryerContext
	sqlx.ExecerContext
	Rebind(query string) string
}

// ConversationRepository abstracts conversation and participant persistence.
type ConversationRepository interface {
	CreateConversation(ctx context.Context, propertyID *int) (models.Conversation, error)
	FindConversation(ctx context.Context, userA, userB int, propertyID *int) (models.Conversation, error)
	GetOrCreateConversation(ctx context.Context, userA, userB int, propertyID *int) (models.Conversation, bool, error)
	GetConversation(ctx context.Context, conversationID int) (models.Conversation, error)
	AddParticipant(ctx context.Context, conversationID, userID int) error
	ListParticipants(ctx context.Context, conversationID int) ([]models.ConversationParticipant, error)
	IsParticipant(ctx context.Context, conversationID, userID int) (bool, error)
	TouchConversation(ctx context.Context, conversationID int, ts time.Time) error
	ListConversationsForUser(ctx context.Context, userID int) ([]models.Conversation, error)
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// CreateConversation inserts an empty conversation.
func (r *ConversationRepo) CreateConversation(ctx context.Context, propertyID *int) (models.Conversation, error) {
	return createConversation(ctx, r.db, propertyID)
}

func createConversation(ctx context.Context, q queryer, propertyID *int) (models.Conversation, error) {
	conv := models.Conversation{PropertyID: propertyID, CreatedAt: now()}
	query := q.Rebind(`INSERT INTO conversations (property_id, created_at) VALUES (?, ?) RETURNING id`)
	err := q.QueryRowxContext(ctx, query, propertyID, conv.CreatedAt).Scan(&conv.ID)
	return conv, wrap("create conversation", "", err)
}

// FindConversation returns the oldest conversation shared by both users about propertyID.
func (r *ConversationRepo) FindConversation(ctx context.Context, userA, userB int, propertyID *int) (models.Conversation, error) {
	return findConversation(ctx, r.db, userA, userB, propertyID)
}

func findConversation(ctx context.Context, q queryer, userA, userB int, propertyID *int) (models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations c
        JOIN conversation_participants a ON a.conversation_id = c.id AND a.user_id = ?
        JOIN conversation_participants b ON b.conversation_id = c.id AND b.user_id = ?
        WHERE `
	args := []interface{}{userA, userB}
	if propertyID == nil {
		query += `c.property_id IS NULL`
	} else {
		query += `c.property_id = ?`
		args = append(args, *propertyID)
	}
	query += ` ORDER BY c.id ASC LIMIT 1`

	var conv models.Conversation
	err := sqlx.GetContext(ctx, q, &conv, q.Rebind(query), args...)
	return conv, wrap("find conversation", "conversation", err)
}

// GetOrCreateConversation returns the shared conversation, creating it with both participants if absent.
// The bool reports whether a new conversation was created.
func (r *ConversationRepo) GetOrCreateConversation(ctx context.Context, userA, userB int, propertyID *int) (models.Conversation, bool, error) {
	if userA == userB {
		return models.Conversation{}, false, apperr.Validation("cannot start a conversation with yourself")
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, false, wrap("begin", "", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	conv, err := findConversation(ctx, tx, userA, userB, propertyID)
	if err == nil {
		err = tx.Commit()
		return conv, false, wrap("commit", "", err)
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return models.Conversation{}, false, err
	}

	if conv, err = createConversation(ctx, tx, propertyID); err != nil {
		return models.Conversation{}, false, err
	}
	for _, id := range []int{userA, userB} {
		if err = addParticipant(ctx, tx, conv.ID, id); err != nil {
			return models.Conversation{}, false, err
		}
	}
	if err = tx.Commit(); err != nil {
		return models.Conversation{}, false, wrap("commit", "", err)
	}
	return conv, true, nil
}

// GetConversation fetches a conversation by id.
func (r *ConversationRepo) GetConversation(ctx context.Context, conversationID int) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, r.db.Rebind(`SELECT `+conversationColumns+` FROM conversations c WHERE c.id = ?`), conversationID)
	return conv, wrap("get conversation", "conversation", err)
}

// AddParticipant links a user to a conversation. Existing links are left untouched.
func (r *ConversationRepo) AddParticipant(ctx context.Context, conversationID, userID int) error {
	return addParticipant(ctx, r.db, conversationID, userID)
}

func addParticipant(ctx context.Context, q queryer, conversationID, userID int) error {
	query := q.Rebind(`INSERT INTO conversation_participants (conversation_id, user_id, joined_at) VALUES (?, ?, ?)
        ON CONFLICT (conversation_id, user_id) DO NOTHING`)
	_, err := q.ExecContext(ctx, query, conversationID, userID, now())
	return wrap("add participant", "", err)
}

// ListParticipants returns participants in join order.
func (r *ConversationRepo) ListParticipants(ctx context.Context, conversationID int) ([]models.ConversationParticipant, error) {
	var participants []models.ConversationParticipant
	err := r.db.SelectContext(ctx, &participants, r.db.Rebind(`SELECT id, conversation_id, user_id, joined_at
        FROM conversation_participants WHERE conversation_id = ? ORDER BY joined_at ASC, id ASC`), conversationID)
	return participants, wrap("list participants", "", err)
}

// IsParticipant checks whether a user belongs to the conversation.
func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID, userID int) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, r.db.Rebind(`SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id = ? AND user_id = ?)`), conversationID, userID)
	return exists, wrap("is participant", "", err)
}

// TouchConversation advances last_message_at to ts. Older timestamps and missing conversations are ignored.
func (r *ConversationRepo) TouchConversation(ctx context.Context, conversationID int, ts time.Time) error {
	ts = ts.UTC()
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE conversations SET last_message_at = ?
        WHERE id = ? AND (last_message_at IS NULL OR last_message_at < ?)`), ts, conversationID, ts)
	return wrap("touch conversation", "", err)
}

// ListConversationsForUser returns the user's conversations, most recently active first.
func (r *ConversationRepo) ListConversationsForUser(ctx context.Context, userID int) ([]models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations c
        JOIN conversation_participants p ON p.conversation_id = c.id
        WHERE p.user_id = ?
        ORDER BY (c.last_message_at IS NULL) ASC, c.last_message_at DESC, c.created_at DESC, c.id DESC`
	var convs []models.Conversation
	err := r.db.SelectContext(ctx, &convs, r.db.Rebind(query), userID)
	return convs, wrap("list conversations", "", err)
}
