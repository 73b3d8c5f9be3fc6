package atlaschat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event types carried in Envelope.Type.
const (
	TypeHeartbeat        = "heartbeat"
	TypeConnected        = "connected"
	TypeError            = "error"
	TypeUserOnline       = "user:online"
	TypeUserOffline      = "user:offline"
	TypeChatMessage      = "chat:message"
	TypeChatTyping       = "chat:typing"
	TypeChatStopTyping   = "chat:stop_typing"
	TypeChatRead         = "chat:read"
	TypeParticipantAdded = "chat:participant_added"
	TypeParticipantLeft  = "chat:participant_left"

	// Wildcard subscribes to every event type.
	Wildcard = "*"
)

// Envelope is the wire unit in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Event is one decoded envelope. The concrete type is selected by the
// envelope type; see DecodeEvent.
type Event interface {
	EventType() string
}

// ============================================================================
// Event Payload Types
// ============================================================================

type HeartbeatEvent struct{}

// ConnectedEvent confirms the server accepted the connection.
type ConnectedEvent struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

type UserOnlineEvent struct {
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type UserOfflineEvent struct {
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageEvent delivers a message persisted by the REST backend.
type MessageEvent struct {
	Message Message `json:"message"`
}

type TypingEvent struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type StopTypingEvent struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// ReadEvent reports that UserID has read ChatID up to MessageID.
type ReadEvent struct {
	ChatID    string `json:"chatId"`
	UserID    string `json:"userId"`
	MessageID string `json:"messageId,omitempty"`
}

type ParticipantAddedEvent struct {
	ChatID      string      `json:"chatId"`
	Participant Participant `json:"participant"`
}

type ParticipantLeftEvent struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

// UnknownEvent carries envelopes whose type this package does not model.
// Wildcard subscribers still receive them.
type UnknownEvent struct {
	Type    string
	Payload json.RawMessage
}

func (HeartbeatEvent) EventType() string        { return TypeHeartbeat }
func (ConnectedEvent) EventType() string        { return TypeConnected }
func (ErrorEvent) EventType() string            { return TypeError }
func (UserOnlineEvent) EventType() string       { return TypeUserOnline }
func (UserOfflineEvent) EventType() string      { return TypeUserOffline }
func (MessageEvent) EventType() string          { return TypeChatMessage }
func (TypingEvent) EventType() string           { return TypeChatTyping }
func (StopTypingEvent) EventType() string       { return TypeChatStopTyping }
func (ReadEvent) EventType() string             { return TypeChatRead }
func (ParticipantAddedEvent) EventType() string { return TypeParticipantAdded }
func (ParticipantLeftEvent) EventType() string  { return TypeParticipantLeft }
func (e UnknownEvent) EventType() string        { return e.Type }

// ============================================================================
// Validation
// ============================================================================

var errMissingField = errors.New("missing required field")

type validator interface {
	validate() error
}

func require(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("%w: %s", errMissingField, pairs[i])
		}
	}
	return nil
}

func (e UserOnlineEvent) validate() error  { return require("userId", e.UserID) }
func (e UserOfflineEvent) validate() error { return require("userId", e.UserID) }

func (e MessageEvent) validate() error {
	return require("message.id", e.Message.ID, "message.chatId", e.Message.ChatID, "message.senderId", e.Message.SenderID)
}

func (e TypingEvent) validate() error     { return require("chatId", e.ChatID, "userId", e.UserID) }
func (e StopTypingEvent) validate() error { return require("chatId", e.ChatID, "userId", e.UserID) }
func (e ReadEvent) validate() error       { return require("chatId", e.ChatID, "userId", e.UserID) }

func (e ParticipantAddedEvent) validate() error {
	return require("chatId", e.ChatID, "participant.userId", e.Participant.UserID)
}

func (e ParticipantLeftEvent) validate() error {
	return require("chatId", e.ChatID, "userId", e.UserID)
}

// ============================================================================
// Codec
// ============================================================================

var decoders = map[string]func(json.RawMessage) (Event, error){
	TypeHeartbeat:        decodeAs[HeartbeatEvent],
	TypeConnected:        decodeAs[ConnectedEvent],
	TypeError:            decodeAs[ErrorEvent],
	TypeUserOnline:       decodeAs[UserOnlineEvent],
	TypeUserOffline:      decodeAs[UserOfflineEvent],
	TypeChatMessage:      decodeAs[MessageEvent],
	TypeChatTyping:       decodeAs[TypingEvent],
	TypeChatStopTyping:   decodeAs[StopTypingEvent],
	TypeChatRead:         decodeAs[ReadEvent],
	TypeParticipantAdded: decodeAs[ParticipantAddedEvent],
	TypeParticipantLeft:  decodeAs[ParticipantLeftEvent],
}

func decodeAs[E Event](raw json.RawMessage) (Event, error) {
	var e E
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", e.EventType(), err)
		}
	}
	if v, ok := any(e).(validator); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", e.EventType(), err)
		}
	}
	return e, nil
}

// DecodeEvent parses one wire frame into its typed event.
func DecodeEvent(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("invalid envelope: %w: type", errMissingField)
	}
	decode, ok := decoders[env.Type]
	if !ok {
		return UnknownEvent{Type: env.Type, Payload: env.Payload}, nil
	}
	return decode(env.Payload)
}

// EncodeEnvelope builds a wire frame. A nil payload is sent as {}.
func EncodeEnvelope(eventType string, payload any) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return json.Marshal(Envelope{Type: eventType, Payload: raw})
}

// EncodeEvent builds a wire frame from a typed event.
func EncodeEvent(e Event) ([]byte, error) {
	if u, ok := e.(UnknownEvent); ok {
		return json.Marshal(Envelope{Type: u.Type, Payload: u.Payload})
	}
	return EncodeEnvelope(e.EventType(), e)
}
