package models

import "time"

// Message is a durably stored chat message. Only Read ever changes after insert.
type Message struct {
	ID              int       `db:"id" json:"id"`
	ConversationID  int       `db:"conversation_id" json:"conversationId"`
	SenderID        int       `db:"sender_id" json:"senderId"`
	Content         string    `db:"content" json:"content"`
	Read            bool      `db:"read" json:"read"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
	ClientMessageID *string   `db:"client_message_id" json:"clientMessageId,omitempty"`
}
