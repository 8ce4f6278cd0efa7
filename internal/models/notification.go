package models

import "time"

// Notification is a durable alert for a user.
type Notification struct {
	ID          int       `db:"id" json:"id"`
	UserID      int       `db:"user_id" json:"userId"`
	Type        string    `db:"type" json:"type"`
	Title       string    `db:"title" json:"title"`
	Content     string    `db:"content" json:"content"`
	RelatedID   *int      `db:"related_id" json:"relatedId"`
	RelatedType *string   `db:"related_type" json:"relatedType"`
	Read        bool      `db:"read" json:"read"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// NewNotification is the insert shape for a Notification.
type NewNotification struct {
	UserID      int
	Type        string
	Title       string
	Content     string
	RelatedID   *int
	RelatedType *string
}
