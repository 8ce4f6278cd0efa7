package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/apperr"
	"messaging-service/internal/messaging"
	"messaging-service/internal/mocks"
	"messaging-service/internal/models"
	"messaging-service/internal/presence"
	"messaging-service/internal/telemetry"
)

type inboxMock struct {
	mock.Mock
}

func (m *inboxMock) ListConversationsForUser(ctx context.Context, userID int) ([]models.ConversationView, error) {
	args := m.Called(ctx, userID)
	var views []models.ConversationView
	if val := args.Get(0); val != nil {
		views = val.([]models.ConversationView)
	}
	return views, args.Error(1)
}

func (m *inboxMock) UnreadSummary(ctx context.Context, userID int) (models.UnreadCounts, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(models.UnreadCounts), args.Error(1)
}

func (m *inboxMock) GetConversation(ctx context.Context, conversationID, limit int) (models.ConversationDetail, error) {
	args := m.Called(ctx, conversationID, limit)
	return args.Get(0).(models.ConversationDetail), args.Error(1)
}

func (m *inboxMock) ListNotifications(ctx context.Context, userID int) ([]models.Notification, error) {
	args := m.Called(ctx, userID)
	var list []models.Notification
	if val := args.Get(0); val != nil {
		list = val.([]models.Notification)
	}
	return list, args.Error(1)
}

type messengerMock struct {
	mock.Mock
}

func (m *messengerMock) SendMessage(ctx context.Context, req messaging.SendRequest) (models.Message, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(models.Message), args.Error(1)
}

func (m *messengerMock) StartConversation(ctx context.Context, req messaging.StartRequest) (models.Conversation, models.Message, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(models.Conversation), args.Get(1).(models.Message), args.Error(2)
}

func (m *messengerMock) MarkConversationRead(ctx context.Context, req messaging.ReadRequest) (int64, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(int64), args.Error(1)
}

func (m *messengerMock) MarkMessageRead(ctx context.Context, messageID, readerID int, requestID string) error {
	args := m.Called(ctx, messageID, readerID, requestID)
	return args.Error(0)
}

func (m *messengerMock) Authorize(ctx context.Context, conversationID, userID int) error {
	args := m.Called(ctx, conversationID, userID)
	return args.Error(0)
}

var (
	_ Inbox     = (*inboxMock)(nil)
	_ Messenger = (*messengerMock)(nil)
)

type fixture struct {
	inbox         *inboxMock
	messenger     *messengerMock
	notifications *mocks.NotificationRepositoryMock
	typing        *presence.MemoryTracker
	router        *gin.Engine
}

func newFixture(audit *telemetry.AuditEmitter) fixture {
	gin.SetMode(gin.TestMode)
	f := fixture{
		inbox:         new(inboxMock),
		messenger:     new(messengerMock),
		notifications: new(mocks.NotificationRepositoryMock),
		typing:        presence.NewMemoryTracker(time.Minute),
	}
	f.router = gin.New()
	RegisterRoutes(f.router,
		NewConversationHandler(f.inbox, f.messenger, f.typing, audit),
		NewNotificationHandler(f.inbox, f.notifications, audit))
	return f
}

func (f fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-Id", "req-1")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Message
}

func TestListConversations(t *testing.T) {
	f := newFixture(nil)
	f.inbox.On("ListConversationsForUser", mock.Anything, 1).
		Return([]models.ConversationView{{ID: 3, UnreadCount: 2}}, nil).Once()

	rec := f.do(http.MethodGet, "/conversations?userId=1", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var views []models.ConversationView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&views))
	require.Len(t, views, 1)
	assert.Equal(t, 2, views[0].UnreadCount)
	f.inbox.AssertExpectations(t)
}

func TestListConversationsRequiresUser(t *testing.T) {
	f := newFixture(nil)

	for _, path := range []string{"/conversations", "/conversations?userId=x", "/conversations?userId=0"} {
		rec := f.do(http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
	f.inbox.AssertNotCalled(t, "ListConversationsForUser", mock.Anything, mock.Anything)
}

func TestErrorKindsMapToStatus(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"validation", apperr.Validation("content must not be empty"), http.StatusBadRequest, "content must not be empty"},
		{"forbidden", apperr.Forbidden("not a participant"), http.StatusForbidden, "not a participant"},
		{"not found", apperr.NotFound("conversation"), http.StatusNotFound, "conversation not found"},
		{"transient", apperr.Transient("append", context.DeadlineExceeded), http.StatusServiceUnavailable, "service temporarily unavailable, please retry"},
		{"internal", errors.New("boom"), http.StatusInternalServerError, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(nil)
			f.messenger.On("SendMessage", mock.Anything, mock.Anything).Return(models.Message{}, tt.err).Once()

			rec := f.do(http.MethodPost, "/conversations/4/messages", `{"senderId":1,"content":"hi"}`)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.message, decodeMessage(t, rec))
		})
	}
}

func TestPostMessage(t *testing.T) {
	f := newFixture(nil)
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.messenger.On("SendMessage", mock.Anything, messaging.SendRequest{
		ConversationID:  4,
		SenderID:        1,
		Content:         "hi",
		ClientMessageID: "c-1",
		Origin:          messaging.OriginREST,
		RequestID:       "req-1",
	}).Return(models.Message{ID: 8, ConversationID: 4, SenderID: 1, Content: "hi", CreatedAt: created}, nil).Once()

	rec := f.do(http.MethodPost, "/conversations/4/messages", `{"senderId":1,"content":"hi","clientMessageId":"c-1"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	var msg models.Message
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&msg))
	assert.Equal(t, 8, msg.ID)
	assert.False(t, msg.Read)
	f.messenger.AssertExpectations(t)
}

func TestPostMessageBadInput(t *testing.T) {
	f := newFixture(nil)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/conversations/abc/messages", `{"senderId":1,"content":"hi"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/conversations/4/messages", `{"senderId":1}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/conversations/4/messages", `not json`).Code)
	f.messenger.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything)
}

func TestStartConversation(t *testing.T) {
	f := newFixture(nil)
	property := 42
	f.messenger.On("StartConversation", mock.Anything, messaging.StartRequest{
		SenderID:   1,
		ReceiverID: 2,
		PropertyID: &property,
		Content:    "Is it available?",
		RequestID:  "req-1",
	}).Return(models.Conversation{ID: 5, PropertyID: &property}, models.Message{ID: 9, ConversationID: 5}, nil).Once()

	rec := f.do(http.MethodPost, "/conversations", `{"userId":1,"receiverId":2,"propertyId":42,"message":"Is it available?"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		Conversation models.Conversation `json:"conversation"`
		Message      models.Message      `json:"message"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 5, resp.Conversation.ID)
	assert.Equal(t, 9, resp.Message.ID)
	f.messenger.AssertExpectations(t)
}

func TestGetConversation(t *testing.T) {
	f := newFixture(nil)
	f.inbox.On("GetConversation", mock.Anything, 5, 20).Return(models.ConversationDetail{
		Conversation: models.Conversation{ID: 5},
		Messages:     []models.Message{{ID: 1}, {ID: 2}},
	}, nil).Once()

	rec := f.do(http.MethodGet, "/conversations/5?limit=20", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var detail models.ConversationDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&detail))
	assert.Len(t, detail.Messages, 2)
	f.messenger.AssertNotCalled(t, "Authorize", mock.Anything, mock.Anything, mock.Anything)
}

func TestGetConversationChecksViewer(t *testing.T) {
	f := newFixture(nil)
	f.messenger.On("Authorize", mock.Anything, 5, 3).Return(apperr.Forbidden("not a participant")).Once()

	rec := f.do(http.MethodGet, "/conversations/5?userId=3", "")

	assert.Equal(t, http.StatusForbidden, rec.Code)
	f.inbox.AssertNotCalled(t, "GetConversation", mock.Anything, mock.Anything, mock.Anything)
}

func TestMarkConversationReadEmitsAudit(t *testing.T) {
	pub := new(mocks.PublisherMock)
	pub.On("Publish", mock.Anything, "audit.messaging", mock.Anything, map[string]string{"x-request-id": "req-1"}).Return(nil).Once()
	f := newFixture(telemetry.NewAuditEmitter(pub, "audit.messaging", "messaging-service", "test"))
	f.messenger.On("MarkConversationRead", mock.Anything, messaging.ReadRequest{
		ConversationID: 5,
		ReaderID:       2,
		RequestID:      "req-1",
	}).Return(int64(3), nil).Once()

	rec := f.do(http.MethodPut, "/conversations/5/read", `{"userId":2}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"updated":3}`, rec.Body.String())
	f.messenger.AssertExpectations(t)
	pub.AssertExpectations(t)
}

func TestMarkMessageRead(t *testing.T) {
	f := newFixture(nil)
	f.messenger.On("MarkMessageRead", mock.Anything, 11, 2, "req-1").Return(nil).Once()
	f.messenger.On("MarkMessageRead", mock.Anything, 12, 2, "req-1").Return(apperr.NotFound("message")).Once()

	assert.Equal(t, http.StatusOK, f.do(http.MethodPut, "/messages/11/read", `{"userId":2}`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPut, "/messages/12/read", `{"userId":2}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/messages/11/read", `{}`).Code)
}

func TestTyping(t *testing.T) {
	f := newFixture(nil)
	require.NoError(t, f.typing.SetTyping(context.Background(), 5, 2, true))
	f.inbox.On("GetConversation", mock.Anything, 5, 1).Return(models.ConversationDetail{
		Conversation: models.Conversation{ID: 5},
		Participants: []models.Participant{{UserID: 1}, {UserID: 2}},
	}, nil).Once()

	rec := f.do(http.MethodGet, "/conversations/5/typing", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"conversationId":5,"userIds":[2]}`, rec.Body.String())
}

func TestUnreadCounts(t *testing.T) {
	f := newFixture(nil)
	f.inbox.On("UnreadSummary", mock.Anything, 2).Return(models.UnreadCounts{Messages: 4, Notifications: 1}, nil).Once()

	rec := f.do(http.MethodGet, "/unread-counts?userId=2", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"messages":4,"notifications":1}`, rec.Body.String())
}

func TestNotificationEndpoints(t *testing.T) {
	f := newFixture(nil)
	f.inbox.On("ListNotifications", mock.Anything, 2).Return([]models.Notification{{ID: 1, UserID: 2, Title: "New Message"}}, nil).Once()
	f.notifications.On("MarkNotificationRead", mock.Anything, 1).Return(nil).Once()
	f.notifications.On("MarkNotificationRead", mock.Anything, 99).Return(apperr.NotFound("notification")).Once()
	f.notifications.On("MarkAllNotificationsRead", mock.Anything, 2).Return(int64(4), nil).Once()

	rec := f.do(http.MethodGet, "/notifications?userId=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.Notification
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Len(t, list, 1)

	assert.Equal(t, http.StatusOK, f.do(http.MethodPut, "/notifications/1/read", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPut, "/notifications/99/read", "").Code)

	rec = f.do(http.MethodPut, "/notifications/read-all", `{"userId":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"updated":4}`, rec.Body.String())

	f.notifications.AssertExpectations(t)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) PingContext(ctx context.Context) error { return f(ctx) }

func TestHealthz(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ok", Healthz(pingFunc(func(context.Context) error { return nil })))
	router.GET("/down", Healthz(pingFunc(func(context.Context) error { return errors.New("refused") })))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/down", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDebugRoutesDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterDebugRoutes(router, nil, false)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/audit-test", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
