package atlaschat

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is returned when the REST API answers with success=false or a
// non-2xx status.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api error: status %d: %s", e.StatusCode, e.Message)
}

// Result is the {success, message, data} envelope every endpoint returns.
type Result struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals Data into v.
func (r *Result) Decode(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("no data in response")
	}
	return json.Unmarshal(r.Data, v)
}

// Pagination describes one page of a list endpoint.
type Pagination struct {
	Page            int  `json:"page"`
	Limit           int  `json:"limit"`
	TotalItems      int  `json:"totalItems"`
	TotalPages      int  `json:"totalPages"`
	HasNextPage     bool `json:"hasNextPage"`
	HasPreviousPage bool `json:"hasPreviousPage"`
}

// Page is the data shape of paginated list endpoints.
type Page[T any] struct {
	Items      []T        `json:"items"`
	Pagination Pagination `json:"pagination"`
}

// ============================================================================
// Chat Types
// ============================================================================

type ChatType string

const (
	ChatDirect ChatType = "direct"
	ChatGroup  ChatType = "group"
)

// UserSummary is the public projection of a user embedded in chats and messages.
type UserSummary struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// DisplayName joins first and last name, falling back to the id.
func (u *UserSummary) DisplayName() string {
	if u == nil {
		return ""
	}
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.LastName != "":
		return u.LastName
	}
	return u.ID
}

type Participant struct {
	UserID     string       `json:"userId"`
	User       *UserSummary `json:"user,omitempty"`
	JoinedAt   time.Time    `json:"joinedAt,omitempty"`
	LastReadAt *time.Time   `json:"lastReadAt,omitempty"`
}

// MessageStatus is local-only delivery state; the server never sends it.
type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageSent    MessageStatus = "sent"
)

type Message struct {
	ID             string        `json:"id"`
	ChatID         string        `json:"chatId"`
	SenderID       string        `json:"senderId"`
	Sender         *UserSummary  `json:"sender,omitempty"`
	Content        string        `json:"content"`
	MentionedUsers []string      `json:"mentionedUsers,omitempty"`
	ReadBy         []string      `json:"readBy,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	Status         MessageStatus `json:"-"`
}

// IsReadBy reports whether userID is in the message's read receipts.
func (m Message) IsReadBy(userID string) bool {
	return slices.Contains(m.ReadBy, userID)
}

// withReader returns a copy of m with userID appended to ReadBy.
// The receiver is returned unchanged when the reader is already recorded.
func (m Message) withReader(userID string) (Message, bool) {
	if m.IsReadBy(userID) {
		return m, false
	}
	readBy := make([]string, len(m.ReadBy), len(m.ReadBy)+1)
	copy(readBy, m.ReadBy)
	m.ReadBy = append(readBy, userID)
	return m, true
}

type Chat struct {
	ID           string        `json:"id"`
	Type         ChatType      `json:"type"`
	Name         string        `json:"name,omitempty"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// HasParticipant reports whether userID belongs to the chat.
func (c Chat) HasParticipant(userID string) bool {
	return slices.ContainsFunc(c.Participants, func(p Participant) bool {
		return p.UserID == userID
	})
}

// activity is the timestamp chat lists are ordered by.
func (c Chat) activity() time.Time {
	if c.LastMessage != nil && c.LastMessage.CreatedAt.After(c.UpdatedAt) {
		return c.LastMessage.CreatedAt
	}
	return c.UpdatedAt
}

type SendMessageInput struct {
	Content        string   `json:"content"`
	MentionedUsers []string `json:"mentionedUsers,omitempty"`
}
