package models

import "encoding/json"

// Realtime event names. The same names are used in both directions.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventNewMessage        = "new_message"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventMessageRead       = "message_read"
	EventNotification      = "notification"
	EventError             = "error"
)

// Frame is the envelope of every realtime message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewFrame encodes data under event.
func NewFrame(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// ConversationRef is the payload of join_conversation and leave_conversation.
type ConversationRef struct {
	ConversationID int `json:"conversationId" validate:"required,gt=0"`
}

// NewMessageEvent is the inbound new_message payload.
type NewMessageEvent struct {
	ConversationID  int    `json:"conversationId" validate:"required,gt=0"`
	SenderID        int    `json:"senderId" validate:"required,gt=0"`
	Content         string `json:"content" validate:"required"`
	ClientMessageID string `json:"clientMessageId,omitempty" validate:"omitempty,max=64"`
}

// TypingEvent is the user_typing / user_stopped_typing payload in both directions.
type TypingEvent struct {
	ConversationID int `json:"conversationId" validate:"required,gt=0"`
	UserID         int `json:"userId" validate:"required,gt=0"`
}

// MessageReadEvent is the inbound message_read payload.
type MessageReadEvent struct {
	MessageID      int `json:"messageId" validate:"omitempty,gt=0"`
	ConversationID int `json:"conversationId" validate:"required,gt=0"`
}

// ReadReceipt is the outbound message_read payload.
type ReadReceipt struct {
	MessageID      *int `json:"messageId"`
	ConversationID int  `json:"conversationId"`
	ReadBy         int  `json:"readBy"`
}

// ErrorEvent is sent only to the connection whose request failed.
type ErrorEvent struct {
	Message string `json:"message"`
}
