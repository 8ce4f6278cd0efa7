package models

import "time"

// Conversation is a thread between marketplace participants, optionally about a property.
type Conversation struct {
	ID            int        `db:"id" json:"id"`
	PropertyID    *int       `db:"property_id" json:"propertyId"`
	LastMessageAt *time.Time `db:"last_message_at" json:"lastMessageAt"`
	CreatedAt     time.Time  `db:"created_at" json:"createdAt"`
}

// ConversationParticipant links a user to a conversation.
type ConversationParticipant struct {
	ID             int       `db:"id" json:"id"`
	ConversationID int       `db:"conversation_id" json:"conversationId"`
	UserID         int       `db:"user_id" json:"userId"`
	JoinedAt       time.Time `db:"joined_at" json:"joinedAt"`
}

// User is the read-only identity owned by the profile service.
type User struct {
	ID          int    `db:"id" json:"id"`
	DisplayName string `db:"display_name" json:"displayName"`
	AvatarURL   string `db:"avatar_url" json:"avatarUrl"`
}

// Participant is a resolved identity shown in conversation views.
type Participant struct {
	UserID      int    `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

// ConversationView is one inbox row.
type ConversationView struct {
	ID            int           `json:"id"`
	PropertyID    *int          `json:"propertyId"`
	LastMessageAt *time.Time    `json:"lastMessageAt"`
	CreatedAt     time.Time     `json:"createdAt"`
	Participants  []Participant `json:"participants"`
	LastMessage   *Message      `json:"lastMessage"`
	UnreadCount   int           `json:"unreadCount"`
}

// ConversationDetail is a conversation with its participants and recent history.
type ConversationDetail struct {
	Conversation
	Participants []Participant `json:"participants"`
	Messages     []Message     `json:"messages"`
}

// UnreadCounts summarises unread state for a user.
type UnreadCounts struct {
	Messages      int `json:"messages"`
	Notifications int `json:"notifications"`
}
