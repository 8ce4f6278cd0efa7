package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/apperr"
	"messaging-service/internal/mocks"
	"messaging-service/internal/models"
	"messaging-service/internal/notify"
)

var _ Broadcaster = (*mocks.BroadcasterMock)(nil)

type fixture struct {
	conversations *mocks.ConversationRepositoryMock
	messages      *mocks.MessageRepositoryMock
	notifications *mocks.NotificationRepositoryMock
	broadcaster   *mocks.BroadcasterMock
	service       *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		conversations: new(mocks.ConversationRepositoryMock),
		messages:      new(mocks.MessageRepositoryMock),
		notifications: new(mocks.NotificationRepositoryMock),
		broadcaster:   new(mocks.BroadcasterMock),
	}
	f.service = NewService(f.conversations, f.messages, f.notifications, f.broadcaster, time.Second)
	f.service.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return f
}

func (f *fixture) expectAuthorized(conversationID, userID int) {
	f.conversations.On("GetConversation", mock.Anything, conversationID).Return(models.Conversation{ID: conversationID}, nil).Once()
	f.conversations.On("IsParticipant", mock.Anything, conversationID, userID).Return(true, nil).Once()
}

func participants(conversationID int, ids ...int) []models.ConversationParticipant {
	out := make([]models.ConversationParticipant, 0, len(ids))
	for i, id := range ids {
		out = append(out, models.ConversationParticipant{ID: i + 1, ConversationID: conversationID, UserID: id})
	}
	return out
}

func TestSendMessagePersistsNotifiesAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg := models.Message{ID: 11, ConversationID: 4, SenderID: 1, Content: "Is this available?", CreatedAt: created}

	f.expectAuthorized(4, 1)
	f.messages.On("AppendMessage", mock.Anything, 4, 1, "Is this available?", (*string)(nil)).Return(msg, true, nil).Once()
	f.conversations.On("TouchConversation", mock.Anything, 4, created).Return(nil).Once()
	f.conversations.On("ListParticipants", mock.Anything, 4).Return(participants(4, 1, 2), nil).Once()
	f.notifications.On("CreateNotifications", mock.Anything, mock.MatchedBy(func(batch []models.NewNotification) bool {
		return len(batch) == 1 && batch[0].UserID == 2 && batch[0].Title == "New Message" && batch[0].Content == "Is this available?"
	})).Return([]models.Notification{{ID: 1, UserID: 2}}, nil).Once()
	f.broadcaster.On("NotifyUser", mock.Anything, 2, notify.PushPayload{Type: "new_message", Conversation: 4}).Once()
	f.broadcaster.On("BroadcastMessage", mock.Anything, msg).Once()

	got, err := f.service.SendMessage(context.Background(), SendRequest{ConversationID: 4, SenderID: 1, Content: "Is this available?", Origin: OriginRealtime})
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	f.conversations.AssertExpectations(t)
	f.messages.AssertExpectations(t)
	f.notifications.AssertExpectations(t)
	f.broadcaster.AssertExpectations(t)
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.SendMessage(context.Background(), SendRequest{ConversationID: 4, SenderID: 1, Content: "  "})
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.service.SendMessage(context.Background(), SendRequest{SenderID: 1, Content: "hi"})
	require.ErrorIs(t, err, apperr.ErrValidation)

	f.messages.AssertNotCalled(t, "AppendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSendMessageRejectsNonParticipant(t *testing.T) {
	f := newFixture(t)
	f.conversations.On("GetConversation", mock.Anything, 4).Return(models.Conversation{ID: 4}, nil).Once()
	f.conversations.On("IsParticipant", mock.Anything, 4, 9).Return(false, nil).Once()

	_, err := f.service.SendMessage(context.Background(), SendRequest{ConversationID: 4, SenderID: 9, Content: "hi"})
	require.ErrorIs(t, err, apperr.ErrForbidden)
	f.messages.AssertNotCalled(t, "AppendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSendMessageUnknownConversation(t *testing.T) {
	f := newFixture(t)
	f.conversations.On("GetConversation", mock.Anything, 404).Return(nil, apperr.NotFound("conversation")).Once()

	_, err := f.service.SendMessage(context.Background(), SendRequest{ConversationID: 404, SenderID: 1, Content: "hi"})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSendMessageAppendFailureIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	f.expectAuthorized(4, 1)
	f.messages.On("AppendMessage", mock.Anything, 4, 1, "hi", (*string)(nil)).Return(nil, false, errors.New("disk full")).Once()

	_, err := f.service.SendMessage(context.Background(), SendRequest{ConversationID: 4, SenderID: 1, Content: "hi"})
	require.Error(t, err)

	f.messages.AssertNumberOfCalls(t, "AppendMessage", 1)
	f.conversations.AssertNotCalled(t, "TouchConversation", mock.Anything, mock.Anything, mock.Anything)
	f.notifications.AssertNotCalled(t, "CreateNotifications", mock.Anything, mock.Anything)
	f.broadcaster.AssertNotCalled(t, "BroadcastMessage", mock.Anything, mock.Anything)
	f.broadcaster.AssertNotCalled(t, "NotifyUser", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendMessageTimeoutIsTransient(t *testing.T) {
	f := newFixture(t)
	f.service.timeout = 20 * time.Millisecond
	f.expectAuthorized(4, 1)
	f.messages.On("AppendMessage", mock.Anything, 4, 1, "hi", (*string)(nil)).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, false, errors.New("query interrupted")).Once()

	_, err := f.service.SendMessage(context.Background(), SendRequest{ConversationID: 4, SenderID: 1, Content: "hi"})
	require.ErrorIs(t, err, apperr.ErrTransient)
	f.broadcaster.AssertNotCalled(t, "BroadcastMessage", mock.Anything, mock.Anything)
}

func TestSendMessageDuplicateClientKeyDoesNotRenotify(t *testing.T) {
	f := newFixture(t)
	key := "c-1"
	msg := models.Message{ID: 11, ConversationID: 4, SenderID: 1, Content: "hi", ClientMessageID: &key}

	f.expectAuthorized(4, 1)
	f.messages.On("AppendMessage", mock.Anything, 4, 1, "hi", &key).Return(msg, false, nil).Once()
	f.broadcaster.On("BroadcastMessage", mock.Anything, msg).Once()

	got, err := f.service.SendMessage(context.Background(), SendRequest{ConversationID: 4, SenderID: 1, Content: "hi", ClientMessageID: key})
	require.NoError(t, err)
	assert.Equal(t, 11, got.ID)

	f.notifications.AssertNotCalled(t, "CreateNotifications", mock.Anything, mock.Anything)
	f.broadcaster.AssertNotCalled(t, "NotifyUser", mock.Anything, mock.Anything, mock.Anything)
	f.broadcaster.AssertExpectations(t)
}

func TestSendMessageRetriesTransientFollowUps(t *testing.T) {
	f := newFixture(t)
	msg := models.Message{ID: 11, ConversationID: 4, SenderID: 1, Content: "hi"}
	transient := apperr.Transient("touch", errors.New("connection reset"))

	f.expectAuthorized(4, 1)
	f.messages.On("AppendMessage", mock.Anything, 4, 1, "hi", (*string)(nil)).Return(msg, true, nil).Once()
	f.conversations.On("TouchConversation", mock.Anything, 4, mock.Anything).Return(transient).Twice()
	f.conversations.On("TouchConversation", mock.Anything, 4, mock.Anything).Return(nil).Once()
	f.conversations.On("ListParticipants", mock.Anything, 4).Return(participants(4, 1, 2, 3), nil).Once()
	f.notifications.On("CreateNotifications", mock.Anything, mock.Anything).Return([]models.Notification{{ID: 1}, {ID: 2}}, nil).Once()
	f.broadcaster.On("NotifyUser", mock.Anything, mock.Anything, mock.Anything).Twice()
	f.broadcaster.On("BroadcastMessage", mock.Anything, msg).Once()

	_, err := f.service.SendMessage(context.Background(), SendRequest{ConversationID: 4, SenderID: 1, Content: "hi"})
	require.NoError(t, err)

	f.conversations.AssertNumberOfCalls(t, "TouchConversation", 3)
	f.broadcaster.AssertExpectations(t)
}

func TestSendMessageBroadcastsWhenNotificationsFail(t *testing.T) {
	f := newFixture(t)
	msg := models.Message{ID: 11, ConversationID: 4, SenderID: 1, Content: "hi"}

	f.expectAuthorized(4, 1)
	f.messages.On("AppendMessage", mock.Anything, 4, 1, "hi", (*string)(nil)).Return(msg, true, nil).Once()
	f.conversations.On("TouchConversation", mock.Anything, 4, mock.Anything).Return(nil).Once()
	f.conversations.On("ListParticipants", mock.Anything, 4).Return(participants(4, 1, 2), nil).Once()
	f.notifications.On("CreateNotifications", mock.Anything, mock.Anything).Return(nil, errors.New("constraint")).Once()
	f.broadcaster.On("BroadcastMessage", mock.Anything, msg).Once()

	_, err := f.service.SendMessage(context.Background(), SendRequest{ConversationID: 4, SenderID: 1, Content: "hi"})
	require.NoError(t, err)

	f.notifications.AssertNumberOfCalls(t, "CreateNotifications", 1)
	f.broadcaster.AssertNotCalled(t, "NotifyUser", mock.Anything, mock.Anything, mock.Anything)
	f.broadcaster.AssertExpectations(t)
}

// sequentialMessages hands out increasing ids so broadcast order can be compared with append order.
type sequentialMessages struct {
	*mocks.MessageRepositoryMock
	mu     sync.Mutex
	nextID int
}

func (s *sequentialMessages) AppendMessage(_ context.Context, conversationID, senderID int, content string, _ *string) (models.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return models.Message{ID: s.nextID, ConversationID: conversationID, SenderID: senderID, Content: content, CreatedAt: time.Now()}, true, nil
}

type recordingBroadcaster struct {
	mu  sync.Mutex
	ids []int
}

func (r *recordingBroadcaster) BroadcastMessage(_ context.Context, msg models.Message) {
	time.Sleep(time.Millisecond)
	r.mu.Lock()
	r.ids = append(r.ids, msg.ID)
	r.mu.Unlock()
}

func (r *recordingBroadcaster) NotifyUser(context.Context, int, notify.PushPayload) {}

func (r *recordingBroadcaster) BroadcastReadReceipt(context.Context, models.ReadReceipt, string) {}

func TestConcurrentSendsBroadcastInAppendOrder(t *testing.T) {
	conversations := new(mocks.ConversationRepositoryMock)
	conversations.On("GetConversation", mock.Anything, 4).Return(models.Conversation{ID: 4}, nil)
	conversations.On("IsParticipant", mock.Anything, 4, mock.Anything).Return(true, nil)
	conversations.On("TouchConversation", mock.Anything, 4, mock.Anything).Return(nil)
	conversations.On("ListParticipants", mock.Anything, 4).Return(participants(4, 1), nil)

	messages := &sequentialMessages{MessageRepositoryMock: new(mocks.MessageRepositoryMock)}
	broadcaster := &recordingBroadcaster{}
	service := NewService(conversations, messages, new(mocks.NotificationRepositoryMock), broadcaster, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := service.SendMessage(context.Background(), SendRequest{ConversationID: 4, SenderID: 1, Content: strings.Repeat("x", i+1)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Len(t, broadcaster.ids, 20)
	for i, id := range broadcaster.ids {
		assert.Equal(t, i+1, id)
	}
	assert.Equal(t, 0, service.locks.size())
}

func TestStartConversationCreatesAndSends(t *testing.T) {
	f := newFixture(t)
	property := 42
	conv := models.Conversation{ID: 7, PropertyID: &property}
	msg := models.Message{ID: 1, ConversationID: 7, SenderID: 1, Content: "Is this available?", CreatedAt: time.Now().UTC()}

	f.conversations.On("GetOrCreateConversation", mock.Anything, 1, 2, &property).Return(conv, true, nil).Once()
	f.expectAuthorized(7, 1)
	f.messages.On("AppendMessage", mock.Anything, 7, 1, "Is this available?", (*string)(nil)).Return(msg, true, nil).Once()
	f.conversations.On("TouchConversation", mock.Anything, 7, msg.CreatedAt).Return(nil).Once()
	f.conversations.On("ListParticipants", mock.Anything, 7).Return(participants(7, 1, 2), nil).Once()
	f.notifications.On("CreateNotifications", mock.Anything, mock.Anything).Return([]models.Notification{{ID: 1, UserID: 2}}, nil).Once()
	f.broadcaster.On("NotifyUser", mock.Anything, 2, mock.Anything).Once()
	f.broadcaster.On("BroadcastMessage", mock.Anything, msg).Once()

	gotConv, gotMsg, err := f.service.StartConversation(context.Background(), StartRequest{SenderID: 1, ReceiverID: 2, PropertyID: &property, Content: "Is this available?"})
	require.NoError(t, err)
	assert.Equal(t, 7, gotConv.ID)
	require.NotNil(t, gotConv.LastMessageAt)
	assert.Equal(t, msg.ID, gotMsg.ID)
	f.broadcaster.AssertExpectations(t)
}

func TestStartConversationValidation(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.service.StartConversation(context.Background(), StartRequest{SenderID: 1, ReceiverID: 1, Content: "hi"})
	require.ErrorIs(t, err, apperr.ErrValidation)
	_, _, err = f.service.StartConversation(context.Background(), StartRequest{SenderID: 1, ReceiverID: 2})
	require.ErrorIs(t, err, apperr.ErrValidation)
	f.conversations.AssertNotCalled(t, "GetOrCreateConversation", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestMarkConversationReadBroadcastsReceipt(t *testing.T) {
	f := newFixture(t)
	messageID := 30
	f.expectAuthorized(4, 2)
	f.messages.On("MarkConversationRead", mock.Anything, 4, 2).Return(int64(3), nil).Once()
	f.broadcaster.On("BroadcastReadReceipt", mock.Anything, models.ReadReceipt{MessageID: &messageID, ConversationID: 4, ReadBy: 2}, "conn-a").Once()

	affected, err := f.service.MarkConversationRead(context.Background(), ReadRequest{ConversationID: 4, ReaderID: 2, MessageID: &messageID, ExcludeConn: "conn-a"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, affected)
	f.broadcaster.AssertExpectations(t)
}

func TestMarkMessageRead(t *testing.T) {
	f := newFixture(t)
	f.messages.On("GetMessage", mock.Anything, 30).Return(models.Message{ID: 30, ConversationID: 4, SenderID: 1}, nil).Once()
	f.expectAuthorized(4, 2)
	f.messages.On("MarkMessageRead", mock.Anything, 30, 2).Return(nil).Once()
	f.broadcaster.On("BroadcastReadReceipt", mock.Anything, mock.MatchedBy(func(r models.ReadReceipt) bool {
		return r.MessageID != nil && *r.MessageID == 30 && r.ReadBy == 2 && r.ConversationID == 4
	}), "").Once()

	require.NoError(t, f.service.MarkMessageRead(context.Background(), 30, 2, "req-1"))
	f.broadcaster.AssertExpectations(t)

	f.messages.On("GetMessage", mock.Anything, 31).Return(nil, apperr.NotFound("message")).Once()
	require.ErrorIs(t, f.service.MarkMessageRead(context.Background(), 31, 2, ""), apperr.ErrNotFound)
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.size())

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a locked key")
	case <-time.After(20 * time.Millisecond):
	}
	unlockA()
	<-acquired
	unlockB()
	assert.Equal(t, 0, k.size())
}
