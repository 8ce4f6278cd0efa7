package ws

import (
	"sort"
	"sync"
)

// Registry maps users to their live connections and conversations to joined connections.
// A user may hold any number of connections; each joins groups independently.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	byUser map[int]map[string]*Conn
	groups map[int]map[string]*Conn
	joined map[string]map[int]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*Conn),
		byUser: make(map[int]map[string]*Conn),
		groups: make(map[int]map[string]*Conn),
		joined: make(map[string]map[int]struct{}),
	}
}

// Register tracks a connection under its user.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[c.ID] = c
	userConns := r.byUser[c.UserID]
	if userConns == nil {
		userConns = make(map[string]*Conn)
		r.byUser[c.UserID] = userConns
	}
	userConns[c.ID] = c
}

// Unregister drops a connection from the registry and every group it joined,
// returning the conversations it had joined. ok is false if the connection was not registered.
func (r *Registry) Unregister(connID string) (left []int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	delete(r.conns, connID)
	if userConns := r.byUser[c.UserID]; userConns != nil {
		delete(userConns, connID)
		if len(userConns) == 0 {
			delete(r.byUser, c.UserID)
		}
	}

	left = make([]int, 0, len(r.joined[connID]))
	for conversationID := range r.joined[connID] {
		r.leaveLocked(connID, conversationID)
		left = append(left, conversationID)
	}
	delete(r.joined, connID)
	sort.Ints(left)
	return left, true
}

// Join adds a registered connection to a conversation group. It reports whether membership changed.
func (r *Registry) Join(connID string, conversationID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return false
	}
	group := r.groups[conversationID]
	if group == nil {
		group = make(map[string]*Conn)
		r.groups[conversationID] = group
	}
	if _, already := group[connID]; already {
		return false
	}
	group[connID] = c

	memberships := r.joined[connID]
	if memberships == nil {
		memberships = make(map[int]struct{})
		r.joined[connID] = memberships
	}
	memberships[conversationID] = struct{}{}
	return true
}

// Leave removes a connection from a conversation group. It reports whether membership changed.
func (r *Registry) Leave(connID string, conversationID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(connID, conversationID)
}

func (r *Registry) leaveLocked(connID string, conversationID int) bool {
	group := r.groups[conversationID]
	if _, ok := group[connID]; !ok {
		return false
	}
	delete(group, connID)
	if len(group) == 0 {
		delete(r.groups, conversationID)
	}
	if memberships := r.joined[connID]; memberships != nil {
		delete(memberships, conversationID)
	}
	return true
}

// Members snapshots the connections joined to a conversation.
func (r *Registry) Members(conversationID int) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.groups[conversationID])
}

// UserConns snapshots a user's live connections.
func (r *Registry) UserConns(userID int) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.byUser[userID])
}

// Groups lists the conversations a connection has joined.
func (r *Registry) Groups(connID string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int, 0, len(r.joined[connID]))
	for id := range r.joined[connID] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Get returns a registered connection.
func (r *Registry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func snapshot(set map[string]*Conn) []*Conn {
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
