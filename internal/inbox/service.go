// Package inbox assembles read-only conversation views for the REST surface.
package inbox

import (
	"context"
	"fmt"
	"sort"

	"messaging-service/internal/apperr"
	"messaging-service/internal/models"
	"messaging-service/internal/repositories"
)

const DefaultHistoryLimit = 50

// Service reads conversations, participants and unread state. It never writes.
type Service struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	notifications repositories.NotificationRepository
	users         repositories.UserRepository
	historyLimit  int
}

func NewService(
	conversations repositories.ConversationRepository,
	messages repositories.MessageRepository,
	notifications repositories.NotificationRepository,
	users repositories.UserRepository,
	historyLimit int,
) *Service {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Service{
		conversations: conversations,
		messages:      messages,
		notifications: notifications,
		users:         users,
		historyLimit:  historyLimit,
	}
}

// ListConversationsForUser returns the user's inbox, most recently active first.
// Conversations without messages carry a nil LastMessage and a zero unread count.
func (s *Service) ListConversationsForUser(ctx context.Context, userID int) ([]models.ConversationView, error) {
	if userID <= 0 {
		return nil, apperr.Validation("userId must be positive")
	}
	convs, err := s.conversations.ListConversationsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	views := make([]models.ConversationView, 0, len(convs))
	memberIDs := make(map[int][]int, len(convs))
	var allIDs []int
	for _, conv := range convs {
		participants, err := s.conversations.ListParticipants(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
		ids := make([]int, 0, len(participants))
		for _, p := range participants {
			ids = append(ids, p.UserID)
		}
		memberIDs[conv.ID] = ids
		allIDs = append(allIDs, ids...)

		last, err := s.messages.LastMessage(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
		unread := 0
		if last != nil {
			if unread, err = s.messages.CountUnreadInConversation(ctx, conv.ID, userID); err != nil {
				return nil, err
			}
		}
		views = append(views, models.ConversationView{
			ID:            conv.ID,
			PropertyID:    conv.PropertyID,
			LastMessageAt: conv.LastMessageAt,
			CreatedAt:     conv.CreatedAt,
			LastMessage:   last,
			UnreadCount:   unread,
		})
	}

	users, err := s.users.GetUsers(ctx, dedupe(allIDs))
	if err != nil {
		return nil, err
	}
	for i := range views {
		views[i].Participants = resolve(memberIDs[views[i].ID], users)
	}
	sortViews(views)
	return views, nil
}

// UnreadSummary counts unread messages and notifications for a user.
func (s *Service) UnreadSummary(ctx context.Context, userID int) (models.UnreadCounts, error) {
	if userID <= 0 {
		return models.UnreadCounts{}, apperr.Validation("userId must be positive")
	}
	messages, err := s.messages.CountUnreadMessages(ctx, userID)
	if err != nil {
		return models.UnreadCounts{}, err
	}
	notifications, err := s.notifications.CountUnreadNotifications(ctx, userID)
	if err != nil {
		return models.UnreadCounts{}, err
	}
	return models.UnreadCounts{Messages: messages, Notifications: notifications}, nil
}

// GetConversation returns the conversation, its participants and the last limit messages in
// ascending order. A non-positive limit uses the configured history limit.
func (s *Service) GetConversation(ctx context.Context, conversationID, limit int) (models.ConversationDetail, error) {
	if conversationID <= 0 {
		return models.ConversationDetail{}, apperr.Validation("conversationId must be positive")
	}
	if limit <= 0 {
		limit = s.historyLimit
	}
	conv, err := s.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return models.ConversationDetail{}, err
	}
	participants, err := s.conversations.ListParticipants(ctx, conversationID)
	if err != nil {
		return models.ConversationDetail{}, err
	}
	ids := make([]int, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.UserID)
	}
	users, err := s.users.GetUsers(ctx, ids)
	if err != nil {
		return models.ConversationDetail{}, err
	}
	msgs, err := s.messages.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return models.ConversationDetail{}, err
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return models.ConversationDetail{
		Conversation: conv,
		Participants: resolve(ids, users),
		Messages:     msgs,
	}, nil
}

// ListNotifications returns the user's notifications, newest first.
func (s *Service) ListNotifications(ctx context.Context, userID int) ([]models.Notification, error) {
	if userID <= 0 {
		return nil, apperr.Validation("userId must be positive")
	}
	list, err := s.notifications.ListNotifications(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []models.Notification{}
	}
	return list, nil
}

// resolve keeps participant order; users unknown to the profile store get a placeholder name.
func resolve(ids []int, users map[int]models.User) []models.Participant {
	out := make([]models.Participant, 0, len(ids))
	for _, id := range ids {
		u, ok := users[id]
		if !ok {
			out = append(out, models.Participant{UserID: id, DisplayName: fmt.Sprintf("User %d", id)})
			continue
		}
		out = append(out, models.Participant{UserID: id, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL})
	}
	return out
}

func dedupe(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sortViews(views []models.ConversationView) {
	sort.SliceStable(views, func(i, j int) bool {
		a, b := views[i].LastMessageAt, views[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return views[i].CreatedAt.After(views[j].CreatedAt)
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.After(*b)
	})
}
