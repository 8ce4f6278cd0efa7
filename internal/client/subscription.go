package client

import (
	"sync"

	"messaging-service/internal/models"
)

// MessageSubscription yields the messages of one conversation on C: the known history once in
// ascending order, then every new message exactly once. C is closed on Unsubscribe.
type MessageSubscription struct {
	ConversationID int
	C              <-chan models.Message

	out      chan models.Message
	wake     chan struct{}
	done     chan struct{}
	once     sync.Once
	onCancel func(*MessageSubscription)

	mu       sync.Mutex
	queue    []models.Message
	held     []models.Message
	seen     map[int]struct{}
	replayed bool
}

func newMessageSubscription(conversationID int, onCancel func(*MessageSubscription)) *MessageSubscription {
	out := make(chan models.Message)
	s := &MessageSubscription{
		ConversationID: conversationID,
		C:              out,
		out:            out,
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
		onCancel:       onCancel,
		seen:           make(map[int]struct{}),
	}
	go s.pump()
	return s
}

// Unsubscribe stops delivery and closes C. It is safe to call more than once.
func (s *MessageSubscription) Unsubscribe() {
	s.close()
	if s.onCancel != nil {
		s.onCancel(s)
	}
}

func (s *MessageSubscription) close() {
	s.once.Do(func() { close(s.done) })
}

// beginReplay holds live messages back until the next completeReplay.
func (s *MessageSubscription) beginReplay() {
	s.mu.Lock()
	s.replayed = false
	s.mu.Unlock()
}

// completeReplay enqueues unseen history followed by anything that arrived live meanwhile.
func (s *MessageSubscription) completeReplay(history []models.Message) {
	s.mu.Lock()
	for _, m := range history {
		s.enqueueLocked(m)
	}
	for _, m := range s.held {
		s.enqueueLocked(m)
	}
	s.held = nil
	s.replayed = true
	s.mu.Unlock()
	s.signal()
}

// offerLive reports whether msg is new to this subscription.
func (s *MessageSubscription) offerLive(msg models.Message) bool {
	s.mu.Lock()
	if _, dup := s.seen[msg.ID]; dup {
		s.mu.Unlock()
		return false
	}
	if !s.replayed {
		for _, h := range s.held {
			if h.ID == msg.ID {
				s.mu.Unlock()
				return false
			}
		}
		s.held = append(s.held, msg)
		s.mu.Unlock()
		return true
	}
	s.enqueueLocked(msg)
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *MessageSubscription) enqueueLocked(msg models.Message) {
	if _, dup := s.seen[msg.ID]; dup {
		return
	}
	s.seen[msg.ID] = struct{}{}
	s.queue = append(s.queue, msg)
}

func (s *MessageSubscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *MessageSubscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}

// TypingStatus reports another participant starting or stopping typing.
type TypingStatus struct {
	UserID   int  `json:"userId"`
	IsTyping bool `json:"isTyping"`
}

// TypingSubscription yields typing changes of other users. Updates are dropped when the
// consumer falls behind.
type TypingSubscription struct {
	ConversationID int
	C              <-chan TypingStatus

	mu       sync.Mutex
	ch       chan TypingStatus
	closed   bool
	onCancel func(*TypingSubscription)
}

func newTypingSubscription(conversationID int, onCancel func(*TypingSubscription)) *TypingSubscription {
	ch := make(chan TypingStatus, 16)
	return &TypingSubscription{ConversationID: conversationID, C: ch, ch: ch, onCancel: onCancel}
}

// Unsubscribe closes C. It is safe to call more than once.
func (s *TypingSubscription) Unsubscribe() {
	s.close()
	if s.onCancel != nil {
		s.onCancel(s)
	}
}

func (s *TypingSubscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *TypingSubscription) deliver(status TypingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- status:
	default:
	}
}
