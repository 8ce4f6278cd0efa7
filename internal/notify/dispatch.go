// Package notify plans the notifications produced by a new message.
package notify

import (
	"messaging-service/internal/models"
)

const (
	NotificationType = "message"
	Title            = "New Message"
	RelatedType      = "conversation"
	PushType         = "new_message"

	previewLimit  = 50
	previewPrefix = 47
	ellipsis      = "..."
)

// Push is the lightweight event sent to a recipient's live connections.
type Push struct {
	UserID  int
	Payload PushPayload
}

// PushPayload is the wire shape of the notification event.
type PushPayload struct {
	Type         string `json:"type"`
	Conversation int    `json:"conversation"`
}

// Dispatch lists the notification rows and pushes for one message.
type Dispatch struct {
	Notifications []models.NewNotification
	Pushes        []Push
}

// Plan returns one notification and one push per participant other than the sender.
func Plan(msg models.Message, participants []int) Dispatch {
	var out Dispatch
	seen := make(map[int]struct{}, len(participants))
	for _, userID := range participants {
		if userID == msg.SenderID {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}

		relatedID := msg.ConversationID
		relatedType := RelatedType
		out.Notifications = append(out.Notifications, models.NewNotification{
			UserID:      userID,
			Type:        NotificationType,
			Title:       Title,
			Content:     Preview(msg.Content),
			RelatedID:   &relatedID,
			RelatedType: &relatedType,
		})
		out.Pushes = append(out.Pushes, Push{
			UserID:  userID,
			Payload: PushPayload{Type: PushType, Conversation: msg.ConversationID},
		})
	}
	return out
}

// Preview truncates content longer than 50 characters to 47 characters plus "...".
func Preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLimit {
		return content
	}
	return string(runes[:previewPrefix]) + ellipsis
}
