package atlaschat

import (
	"slices"
	"sort"
	"sync"
)

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is the client-side read-through cache of chats and fetched
// message history.
//
// Stored values are never modified in place: every update builds a new chat
// or slice and swaps it in, and readers receive copies.
type MemoryStore struct {
	mu    sync.RWMutex
	chats map[string]Chat
	// pages holds each chat's fetched history, newest first, exactly as the
	// paginated endpoint returns it plus any live or local inserts at the head.
	pages map[string][]Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats: make(map[string]Chat),
		pages: make(map[string][]Message),
	}
}

// ── Chats ────────────────────────────────────────────────

func (s *MemoryStore) Chat(id string) (Chat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	return c, ok
}

func (s *MemoryStore) PutChats(chats []Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chats {
		s.chats[c.ID] = c
	}
}

// UpdateChat replaces chat id with fn's result. It reports false when the
// chat is not cached.
func (s *MemoryStore) UpdateChat(id string, fn func(Chat) Chat) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		return false
	}
	c.Participants = slices.Clone(c.Participants)
	s.chats[id] = fn(c)
	return true
}

// Chats returns cached chats, most recent activity first.
func (s *MemoryStore) Chats() []Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Chat, 0, len(s.chats))
	for _, c := range s.chats {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool {
		ai, aj := result[i].activity(), result[j].activity()
		if ai.Equal(aj) {
			return result[i].ID < result[j].ID
		}
		return ai.After(aj)
	})
	return result
}

// ── Message pages ────────────────────────────────────────

// Page returns a copy of the chat's cached history, newest first.
func (s *MemoryStore) Page(chatID string) ([]Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs, ok := s.pages[chatID]
	return slices.Clone(msgs), ok
}

func (s *MemoryStore) SetPage(chatID string, msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[chatID] = slices.Clone(msgs)
}

// UpdatePage replaces the cached history with fn's result. fn receives a
// copy. It reports false when nothing is cached for the chat.
func (s *MemoryStore) UpdatePage(chatID string, fn func([]Message) []Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, ok := s.pages[chatID]
	if !ok {
		return false
	}
	s.pages[chatID] = fn(slices.Clone(msgs))
	return true
}

// HasMessage reports whether id is in the chat's cached history.
func (s *MemoryStore) HasMessage(chatID, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return indexOf(s.pages[chatID], id) >= 0
}

func (s *MemoryStore) DropPage(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pages, chatID)
}

func indexOf(msgs []Message, id string) int {
	return slices.IndexFunc(msgs, func(m Message) bool { return m.ID == id })
}
