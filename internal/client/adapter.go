// Package client is the Go counterpart of the browser realtime adapter: it keeps one websocket
// session per bound user, exposes per-conversation subscriptions and falls back to REST for
// history and read flags.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"messaging-service/internal/apperr"
	"messaging-service/internal/models"
)

// State is the adapter's connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "idle"
	}
}

var (
	ErrNotInitialized = errors.New("client: adapter not initialized")
	ErrNotConnected   = errors.New("client: not connected")
)

const writeWait = 10 * time.Second

// Config points the adapter at a messaging service.
type Config struct {
	// BaseURL is the HTTP root of the service, e.g. http://localhost:8083.
	BaseURL    string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	// NewBackOff paces reconnect attempts. Defaults to exponential backoff capped at 30s.
	NewBackOff func() backoff.BackOff
}

// Adapter is safe for concurrent use.
type Adapter struct {
	cfg Config

	mu         sync.Mutex
	userID     int
	state      State
	conn       *websocket.Conn
	session    context.Context
	cancel     context.CancelFunc
	messages   map[int]map[*MessageSubscription]struct{}
	typing     map[int]map[*TypingSubscription]struct{}
	background sync.WaitGroup

	writeMu sync.Mutex
}

func NewAdapter(cfg Config) *Adapter {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	return &Adapter{
		cfg:      cfg,
		messages: make(map[int]map[*MessageSubscription]struct{}),
		typing:   make(map[int]map[*TypingSubscription]struct{}),
	}
}

// State reports the current connection state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// UserID is the bound identity, or 0.
func (a *Adapter) UserID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.userID
}

// Initialize binds the adapter to userID and connects in the background. Re-initializing with
// the same user does nothing; a different user tears the previous session down first.
func (a *Adapter) Initialize(ctx context.Context, userID int) error {
	if userID <= 0 {
		return apperr.Validation("userId must be positive")
	}

	a.mu.Lock()
	if a.userID == userID && a.state != StateIdle && a.state != StateClosed {
		a.mu.Unlock()
		return nil
	}
	rebind := a.userID != 0
	a.mu.Unlock()
	if rebind {
		a.Cleanup()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	session, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.userID = userID
	a.state = StateConnecting
	a.session = session
	a.cancel = cancel
	a.background.Add(1)
	go a.run(session, userID)
	return nil
}

// Cleanup closes every subscription and the connection and clears the bound identity.
// It is safe to call repeatedly.
func (a *Adapter) Cleanup() {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.session = nil
	conn := a.conn
	a.conn = nil
	messages, typing := a.messages, a.typing
	a.messages = make(map[int]map[*MessageSubscription]struct{})
	a.typing = make(map[int]map[*TypingSubscription]struct{})
	a.userID = 0
	a.state = StateIdle
	a.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	for _, subs := range messages {
		for sub := range subs {
			sub.close()
		}
	}
	for _, subs := range typing {
		for sub := range subs {
			sub.close()
		}
	}
	a.background.Wait()
}

// SendMessage emits new_message and returns an optimistic copy stamped with the local clock.
// Invalid input is logged and yields a nil message.
func (a *Adapter) SendMessage(ctx context.Context, conversationID, senderID int, content string) (*models.Message, error) {
	if conversationID <= 0 || senderID <= 0 || strings.TrimSpace(content) == "" {
		log.Printf("client: send rejected conversation_id=%d sender_id=%d: conversationId, senderId and content are required", conversationID, senderID)
		return nil, apperr.Validation("conversationId, senderId and content are required")
	}
	if a.UserID() == 0 {
		return nil, ErrNotInitialized
	}

	clientID := uuid.NewString()
	err := a.writeFrame(models.EventNewMessage, models.NewMessageEvent{
		ConversationID:  conversationID,
		SenderID:        senderID,
		Content:         content,
		ClientMessageID: clientID,
	})
	if err != nil {
		log.Printf("client: send failed conversation_id=%d: %v", conversationID, err)
		return nil, err
	}
	return &models.Message{
		ConversationID:  conversationID,
		SenderID:        senderID,
		Content:         content,
		CreatedAt:       time.Now(),
		ClientMessageID: &clientID,
	}, nil
}

// SubscribeToMessages joins the conversation and starts a message stream.
func (a *Adapter) SubscribeToMessages(ctx context.Context, conversationID int) (*MessageSubscription, error) {
	if conversationID <= 0 {
		return nil, apperr.Validation("conversationId must be positive")
	}
	sub := newMessageSubscription(conversationID, a.removeMessageSub)

	a.mu.Lock()
	if a.userID == 0 {
		a.mu.Unlock()
		sub.close()
		return nil, ErrNotInitialized
	}
	subs := a.messages[conversationID]
	if subs == nil {
		subs = make(map[*MessageSubscription]struct{})
		a.messages[conversationID] = subs
	}
	subs[sub] = struct{}{}
	connected := a.state == StateConnected
	a.mu.Unlock()

	// when not yet connected, the session joins and replays once the handshake completes
	if connected {
		a.join(conversationID)
		a.replayAsync(sub)
	}
	return sub, nil
}

// UnsubscribeFromMessages closes every message subscription of the conversation.
func (a *Adapter) UnsubscribeFromMessages(conversationID int) {
	a.mu.Lock()
	subs := a.messages[conversationID]
	delete(a.messages, conversationID)
	a.mu.Unlock()

	for sub := range subs {
		sub.close()
	}
	a.leaveIfUnused(conversationID)
}

// SubscribeToTypingStatus streams typing changes of the other participants.
func (a *Adapter) SubscribeToTypingStatus(ctx context.Context, conversationID int) (*TypingSubscription, error) {
	if conversationID <= 0 {
		return nil, apperr.Validation("conversationId must be positive")
	}
	sub := newTypingSubscription(conversationID, a.removeTypingSub)

	a.mu.Lock()
	if a.userID == 0 {
		a.mu.Unlock()
		return nil, ErrNotInitialized
	}
	subs := a.typing[conversationID]
	if subs == nil {
		subs = make(map[*TypingSubscription]struct{})
		a.typing[conversationID] = subs
	}
	subs[sub] = struct{}{}
	connected := a.state == StateConnected
	a.mu.Unlock()

	if connected {
		a.join(conversationID)
	}
	return sub, nil
}

// UnsubscribeFromTypingStatus closes every typing subscription of the conversation.
func (a *Adapter) UnsubscribeFromTypingStatus(conversationID int) {
	a.mu.Lock()
	subs := a.typing[conversationID]
	delete(a.typing, conversationID)
	a.mu.Unlock()

	for sub := range subs {
		sub.close()
	}
	a.leaveIfUnused(conversationID)
}

// SetTyping emits user_typing or user_stopped_typing for the bound user.
func (a *Adapter) SetTyping(conversationID int, isTyping bool) error {
	userID := a.UserID()
	if userID == 0 {
		return ErrNotInitialized
	}
	event := models.EventUserStoppedTyping
	if isTyping {
		event = models.EventUserTyping
	}
	return a.writeFrame(event, models.TypingEvent{ConversationID: conversationID, UserID: userID})
}

// MarkMessageAsRead flips the read flag of one message over REST. Failures are logged.
func (a *Adapter) MarkMessageAsRead(conversationID, messageID int) {
	if messageID <= 0 {
		return
	}
	a.mu.Lock()
	userID, session := a.userID, a.session
	if session != nil {
		a.background.Add(1)
	}
	a.mu.Unlock()
	if session == nil {
		return
	}

	go func() {
		defer a.background.Done()
		ctx, cancel := context.WithTimeout(session, a.cfg.HTTPClient.Timeout+time.Second)
		defer cancel()
		path := "/messages/" + strconv.Itoa(messageID) + "/read"
		if err := a.doJSON(ctx, http.MethodPut, path, map[string]int{"userId": userID}, nil); err != nil {
			log.Printf("client: mark read failed conversation_id=%d message_id=%d: %v", conversationID, messageID, err)
		}
	}()
}

// GetConversationMessages fetches the conversation's recent history in ascending order.
func (a *Adapter) GetConversationMessages(ctx context.Context, conversationID int) ([]models.Message, error) {
	path := "/conversations/" + strconv.Itoa(conversationID)
	if userID := a.UserID(); userID > 0 {
		path += "?userId=" + strconv.Itoa(userID)
	}
	var detail models.ConversationDetail
	if err := a.doJSON(ctx, http.MethodGet, path, nil, &detail); err != nil {
		log.Printf("client: load messages conversation_id=%d: %v", conversationID, err)
		return nil, err
	}
	sortMessages(detail.Messages)
	return detail.Messages, nil
}

func (a *Adapter) run(ctx context.Context, userID int) {
	defer a.background.Done()
	for {
		conn, err := a.dial(ctx, userID)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("client: giving up connecting user_id=%d: %v", userID, err)
				a.setState(StateClosed)
			}
			return
		}
		if !a.attach(ctx, conn) {
			_ = conn.Close()
			return
		}
		a.resubscribe()

		err = a.readLoop(conn, userID)
		a.detach(conn)
		if ctx.Err() != nil {
			return
		}
		log.Printf("client: connection lost user_id=%d: %v", userID, err)
	}
}

func (a *Adapter) dial(ctx context.Context, userID int) (*websocket.Conn, error) {
	target := wsURL(a.cfg.BaseURL) + "/ws?userId=" + strconv.Itoa(userID)
	op := func() (*websocket.Conn, error) {
		conn, resp, err := a.cfg.Dialer.DialContext(ctx, target, nil)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, backoff.Permanent(fmt.Errorf("handshake rejected with %d: %w", resp.StatusCode, apperr.ErrConnectionRejected))
			}
			return nil, err
		}
		return conn, nil
	}
	notify := func(err error, wait time.Duration) {
		log.Printf("client: connect failed user_id=%d retry_in=%s: %v", userID, wait, err)
	}
	return backoff.RetryNotifyWithData(op, backoff.WithContext(a.cfg.NewBackOff(), ctx), notify)
}

func (a *Adapter) attach(ctx context.Context, conn *websocket.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	a.conn = conn
	a.state = StateConnected
	return true
}

func (a *Adapter) detach(conn *websocket.Conn) {
	a.mu.Lock()
	if a.conn == conn {
		a.conn = nil
		if a.state == StateConnected {
			a.state = StateConnecting
		}
	}
	a.mu.Unlock()
	_ = conn.Close()
}

func (a *Adapter) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// resubscribe re-joins every open conversation and reruns replay on the new connection.
func (a *Adapter) resubscribe() {
	a.mu.Lock()
	conversations := make(map[int]struct{}, len(a.messages)+len(a.typing))
	var subs []*MessageSubscription
	for id, set := range a.messages {
		conversations[id] = struct{}{}
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	for id := range a.typing {
		conversations[id] = struct{}{}
	}
	a.mu.Unlock()

	for id := range conversations {
		a.join(id)
	}
	for _, sub := range subs {
		a.replayAsync(sub)
	}
}

func (a *Adapter) replayAsync(sub *MessageSubscription) {
	a.mu.Lock()
	session := a.session
	if session == nil {
		a.mu.Unlock()
		return
	}
	a.background.Add(1)
	a.mu.Unlock()
	sub.beginReplay()

	go func() {
		defer a.background.Done()
		ctx, cancel := context.WithTimeout(session, a.cfg.HTTPClient.Timeout+time.Second)
		defer cancel()
		history, err := a.GetConversationMessages(ctx, sub.ConversationID)
		if err != nil {
			history = nil
		}
		sub.completeReplay(history)
	}()
}

func (a *Adapter) readLoop(conn *websocket.Conn, userID int) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("client: malformed frame: %v", err)
			continue
		}
		a.handleFrame(frame, userID)
	}
}

func (a *Adapter) handleFrame(frame models.Frame, userID int) {
	switch frame.Event {
	case models.EventNewMessage:
		var msg models.Message
		if err := json.Unmarshal(frame.Data, &msg); err != nil || msg.ID <= 0 {
			return
		}
		a.mu.Lock()
		subs := make([]*MessageSubscription, 0, len(a.messages[msg.ConversationID]))
		for sub := range a.messages[msg.ConversationID] {
			subs = append(subs, sub)
		}
		a.mu.Unlock()

		fresh := false
		for _, sub := range subs {
			if sub.offerLive(msg) {
				fresh = true
			}
		}
		if fresh && msg.SenderID != userID {
			err := a.writeFrame(models.EventMessageRead, models.MessageReadEvent{MessageID: msg.ID, ConversationID: msg.ConversationID})
			if err != nil {
				log.Printf("client: read ack failed message_id=%d: %v", msg.ID, err)
			}
		}

	case models.EventUserTyping, models.EventUserStoppedTyping:
		var ev models.TypingEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil || ev.UserID == userID {
			return
		}
		a.mu.Lock()
		subs := make([]*TypingSubscription, 0, len(a.typing[ev.ConversationID]))
		for sub := range a.typing[ev.ConversationID] {
			subs = append(subs, sub)
		}
		a.mu.Unlock()
		status := TypingStatus{UserID: ev.UserID, IsTyping: frame.Event == models.EventUserTyping}
		for _, sub := range subs {
			sub.deliver(status)
		}

	case models.EventError:
		var ev models.ErrorEvent
		_ = json.Unmarshal(frame.Data, &ev)
		log.Printf("client: server error: %s", ev.Message)
	}
}

func (a *Adapter) join(conversationID int) {
	if err := a.writeFrame(models.EventJoinConversation, models.ConversationRef{ConversationID: conversationID}); err != nil {
		log.Printf("client: join failed conversation_id=%d: %v", conversationID, err)
	}
}

func (a *Adapter) leaveIfUnused(conversationID int) {
	a.mu.Lock()
	inUse := len(a.messages[conversationID]) > 0 || len(a.typing[conversationID]) > 0
	a.mu.Unlock()
	if inUse {
		return
	}
	_ = a.writeFrame(models.EventLeaveConversation, models.ConversationRef{ConversationID: conversationID})
}

func (a *Adapter) removeMessageSub(sub *MessageSubscription) {
	a.mu.Lock()
	subs := a.messages[sub.ConversationID]
	_, found := subs[sub]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(a.messages, sub.ConversationID)
	}
	a.mu.Unlock()
	if found {
		a.leaveIfUnused(sub.ConversationID)
	}
}

func (a *Adapter) removeTypingSub(sub *TypingSubscription) {
	a.mu.Lock()
	subs := a.typing[sub.ConversationID]
	_, found := subs[sub]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(a.typing, sub.ConversationID)
	}
	a.mu.Unlock()
	if found {
		a.leaveIfUnused(sub.ConversationID)
	}
}

func (a *Adapter) writeFrame(event string, data interface{}) error {
	frame, err := models.NewFrame(event, data)
	if err != nil {
		return err
	}
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
