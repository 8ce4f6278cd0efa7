package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"

	"messaging-service/internal/apperr"
	"messaging-service/internal/models"
)

const notificationColumns = `id, user_id, type, title, content, related_id, related_type, read, created_at`

// NotificationRepository abstracts notification persistence.
type NotificationRepository interface {
	CreateNotification(ctx context.Context, n models.NewNotification) (models.Notification, error)
	CreateNotifications(ctx context.Context, batch []models.NewNotification) ([]models.Notification, error)
	ListNotifications(ctx context.Context, userID, limit int) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, notificationID int) error
	MarkAllNotificationsRead(ctx context.Context, userID int) (int64, error)
	CountUnreadNotifications(ctx context.Context, userID int) (int, error)
}

// NotificationRepo is a sqlx implementation of NotificationRepository.
type NotificationRepo struct {
	db *sqlx.DB
}

// NewNotificationRepo constructs a NotificationRepo.
func NewNotificationRepo(db *sqlx.DB) *NotificationRepo {
	return &NotificationRepo{db: db}
}

// CreateNotification inserts a single unread notification.
func (r *NotificationRepo) CreateNotification(ctx context.Context, n models.NewNotification) (models.Notification, error) {
	return createNotification(ctx, r.db, n)
}

// CreateNotifications inserts the batch atomically.
func (r *NotificationRepo) CreateNotifications(ctx context.Context, batch []models.NewNotification) ([]models.Notification, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, wrap("begin", "", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	created := make([]models.Notification, 0, len(batch))
	for _, n := range batch {
		var row models.Notification
		if row, err = createNotification(ctx, tx, n); err != nil {
			return nil, err
		}
		created = append(created, row)
	}
	if err = tx.Commit(); err != nil {
		return nil, wrap("commit", "", err)
	}
	return created, nil
}

func createNotification(ctx context.Context, q queryer, n models.NewNotification) (models.Notification, error) {
	if n.UserID <= 0 || n.Title == "" || n.Type == "" {
		return models.Notification{}, apperr.Validation("notification requires userId, type and title")
	}
	row := models.Notification{
		UserID:      n.UserID,
		Type:        n.Type,
		Title:       n.Title,
		Content:     n.Content,
		RelatedID:   n.RelatedID,
		RelatedType: n.RelatedType,
		CreatedAt:   now(),
	}
	query := q.Rebind(`INSERT INTO notifications (user_id, type, title, content, related_id, related_type, read, created_at)
        VALUES (?, ?, ?, ?, ?, ?, FALSE, ?) RETURNING id`)
	err := q.QueryRowxContext(ctx, query, row.UserID, row.Type, row.Title, row.Content, row.RelatedID, row.RelatedType, row.CreatedAt).Scan(&row.ID)
	return row, wrap("create notification", "", err)
}

// ListNotifications returns the newest notifications first.
func (r *NotificationRepo) ListNotifications(ctx context.Context, userID, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	items := []models.Notification{}
	err := r.db.SelectContext(ctx, &items, r.db.Rebind(`SELECT `+notificationColumns+` FROM notifications
        WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`), userID, limit)
	return items, wrap("list notifications", "", err)
}

// MarkNotificationRead flags a notification as read.
func (r *NotificationRepo) MarkNotificationRead(ctx context.Context, notificationID int) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE notifications SET read = TRUE WHERE id = ?`), notificationID)
	if err != nil {
		return wrap("mark notification read", "", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return wrap("mark notification read", "", err)
	}
	if count == 0 {
		return apperr.NotFound("notification")
	}
	return nil
}

// MarkAllNotificationsRead flags every unread notification of the user.
func (r *NotificationRepo) MarkAllNotificationsRead(ctx context.Context, userID int) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE notifications SET read = TRUE WHERE user_id = ? AND read = FALSE`), userID)
	if err != nil {
		return 0, wrap("mark all notifications read", "", err)
	}
	count, err := res.RowsAffected()
	return count, wrap("mark all notifications read", "", err)
}

// CountUnreadNotifications counts unread notifications of the user.
func (r *NotificationRepo) CountUnreadNotifications(ctx context.Context, userID int) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, r.db.Rebind(`SELECT COUNT(*) FROM notifications WHERE user_id = ? AND read = FALSE`), userID)
	return count, wrap("count unread notifications", "", err)
}
