package relay

import (
	"sort"
	"sync"
)

// Membership tracks chat participants for typing fan-out. The REST backend
// keeps it current through PUT /internal/chats/:id/participants.
type Membership struct {
	mu    sync.RWMutex
	chats map[string]map[string]struct{}
}

func NewMembership() *Membership {
	return &Membership{chats: make(map[string]map[string]struct{})}
}

// Set replaces chatID's participants. An empty list forgets the chat.
func (m *Membership) Set(chatID string, userIDs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(userIDs) == 0 {
		delete(m.chats, chatID)
		return
	}
	set := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		set[id] = struct{}{}
	}
	m.chats[chatID] = set
}

// Add puts userID into a chat the relay already knows about.
func (m *Membership) Add(chatID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.chats[chatID]; ok {
		set[userID] = struct{}{}
	}
}

func (m *Membership) Remove(chatID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.chats[chatID]
	if !ok {
		return
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(m.chats, chatID)
	}
}

func (m *Membership) Has(chatID, userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.chats[chatID][userID]
	return ok
}

// Members returns chatID's participants, sorted.
func (m *Membership) Members(chatID string) []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.chats[chatID]))
	for id := range m.chats[chatID] {
		out = append(out, id)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}
