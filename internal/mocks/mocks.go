package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"messaging-service/internal/models"
	"messaging-service/internal/notify"
	"messaging-service/internal/repositories"
)

type ConversationRepositoryMock struct {
	mock.Mock
}

func (m *ConversationRepositoryMock) CreateConversation(ctx context.Context, propertyID *int) (models.Conversation, error) {
	args := m.Called(ctx, propertyID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) FindConversation(ctx context.Context, userA, userB int, propertyID *int) (models.Conversation, error) {
	args := m.Called(ctx, userA, userB, propertyID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) GetOrCreateConversation(ctx context.Context, userA, userB int, propertyID *int) (models.Conversation, bool, error) {
	args := m.Called(ctx, userA, userB, propertyID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Bool(1), args.Error(2)
}

func (m *ConversationRepositoryMock) GetConversation(ctx context.Context, conversationID int) (models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	var conv models.Conversation
	if val := args.Get(0); val != nil {
		conv = val.(models.Conversation)
	}
	return conv, args.Error(1)
}

func (m *ConversationRepositoryMock) AddParticipant(ctx context.Context, conversationID, userID int) error {
	args := m.Called(ctx, conversationID, userID)
	return args.Error(0)
}

func (m *ConversationRepositoryMock) ListParticipants(ctx context.Context, conversationID int) ([]models.ConversationParticipant, error) {
	args := m.Called(ctx, conversationID)
	var list []models.ConversationParticipant
	if val := args.Get(0); val != nil {
		list = val.([]models.ConversationParticipant)
	}
	return list, args.Error(1)
}

func (m *ConversationRepositoryMock) IsParticipant(ctx context.Context, conversationID, userID int) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *ConversationRepositoryMock) TouchConversation(ctx context.Context, conversationID int, ts time.Time) error {
	args := m.Called(ctx, conversationID, ts)
	return args.Error(0)
}

func (m *ConversationRepositoryMock) ListConversationsForUser(ctx context.Context, userID int) ([]models.Conversation, error) {
	args := m.Called(ctx, userID)
	var list []models.Conversation
	if val := args.Get(0); val != nil {
		list = val.([]models.Conversation)
	}
	return list, args.Error(1)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) AppendMessage(ctx context.Context, conversationID, senderID int, content string, clientMessageID *string) (models.Message, bool, error) {
	args := m.Called(ctx, conversationID, senderID, content, clientMessageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Bool(1), args.Error(2)
}

func (m *MessageRepositoryMock) ListMessages(ctx context.Context, conversationID, limit int) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) LastMessage(ctx context.Context, conversationID int) (*models.Message, error) {
	args := m.Called(ctx, conversationID)
	var msg *models.Message
	if val := args.Get(0); val != nil {
		msg = val.(*models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID int) (models.Message, error) {
	args := m.Called(ctx, messageID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) MarkConversationRead(ctx context.Context, conversationID, readerID int) (int64, error) {
	args := m.Called(ctx, conversationID, readerID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MessageRepositoryMock) MarkMessageRead(ctx context.Context, messageID, readerID int) error {
	args := m.Called(ctx, messageID, readerID)
	return args.Error(0)
}

func (m *MessageRepositoryMock) CountUnreadMessages(ctx context.Context, userID int) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

func (m *MessageRepositoryMock) CountUnreadInConversation(ctx context.Context, conversationID, userID int) (int, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Int(0), args.Error(1)
}

type NotificationRepositoryMock struct {
	mock.Mock
}

func (m *NotificationRepositoryMock) CreateNotification(ctx context.Context, n models.NewNotification) (models.Notification, error) {
	args := m.Called(ctx, n)
	var out models.Notification
	if val := args.Get(0); val != nil {
		out = val.(models.Notification)
	}
	return out, args.Error(1)
}

func (m *NotificationRepositoryMock) CreateNotifications(ctx context.Context, batch []models.NewNotification) ([]models.Notification, error) {
	args := m.Called(ctx, batch)
	var out []models.Notification
	if val := args.Get(0); val != nil {
		out = val.([]models.Notification)
	}
	return out, args.Error(1)
}

func (m *NotificationRepositoryMock) ListNotifications(ctx context.Context, userID, limit int) ([]models.Notification, error) {
	args := m.Called(ctx, userID, limit)
	var out []models.Notification
	if val := args.Get(0); val != nil {
		out = val.([]models.Notification)
	}
	return out, args.Error(1)
}

func (m *NotificationRepositoryMock) MarkNotificationRead(ctx context.Context, notificationID int) error {
	args := m.Called(ctx, notificationID)
	return args.Error(0)
}

func (m *NotificationRepositoryMock) MarkAllNotificationsRead(ctx context.Context, userID int) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *NotificationRepositoryMock) CountUnreadNotifications(ctx context.Context, userID int) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

type UserRepositoryMock struct {
	mock.Mock
}

func (m *UserRepositoryMock) GetUsers(ctx context.Context, ids []int) (map[int]models.User, error) {
	args := m.Called(ctx, ids)
	var out map[int]models.User
	if val := args.Get(0); val != nil {
		out = val.(map[int]models.User)
	}
	return out, args.Error(1)
}

type BroadcasterMock struct {
	mock.Mock
}

func (m *BroadcasterMock) BroadcastMessage(ctx context.Context, msg models.Message) {
	m.Called(ctx, msg)
}

func (m *BroadcasterMock) NotifyUser(ctx context.Context, userID int, payload notify.PushPayload) {
	m.Called(ctx, userID, payload)
}

func (m *BroadcasterMock) BroadcastReadReceipt(ctx context.Context, receipt models.ReadReceipt, excludeConn string) {
	m.Called(ctx, receipt, excludeConn)
}

var (
	_ repositories.ConversationRepository = (*ConversationRepositoryMock)(nil)
	_ repositories.MessageRepository      = (*MessageRepositoryMock)(nil)
	_ repositories.NotificationRepository = (*NotificationRepositoryMock)(nil)
	_ repositories.UserRepository         = (*UserRepositoryMock)(nil)
)
