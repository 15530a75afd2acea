package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventNewMessage  EventType = "new_message"
	EventTyping      EventType = "typing"
	EventUserStatus  EventType = "user_status"
	EventEmergency   EventType = "emergency"
	EventMessageRead EventType = "message_read"
	EventSystem      EventType = "system"
	EventError       EventType = "error"
	EventPong        EventType = "pong"
)

// Payload is implemented only by the event data types of this package, which
// keeps the set of events closed.
type Payload interface {
	eventType() EventType
}

type NewMessage struct {
	ID              string    `json:"id"`
	Content         string    `json:"content"`
	SenderID        string    `json:"sender_id"`
	SentAt          time.Time `json:"sent_at"`
	IsRead          bool      `json:"is_read"`
	IsEmergency     bool      `json:"is_emergency,omitempty"`
	IsSystemMessage bool      `json:"is_system_message,omitempty"`
}

type Typing struct {
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

type UserStatus struct {
	UserID string         `json:"user_id"`
	Status PresenceStatus `json:"status"`
}

type Emergency struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	SentAt     time.Time `json:"sent_at"`
}

type MessageRead struct {
	MessageID string `json:"message_id"`
	ReadBy    string `json:"read_by"`
}

// SystemNotice is an operator or server broadcast that is not a chat message.
type SystemNotice struct {
	Message string `json:"message"`
}

type ErrorNotice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Pong answers a monitor keep-alive. It is encoded with a top-level
// timestamp and no data.
type Pong struct {
	Timestamp time.Time
}

func (NewMessage) eventType() EventType { return EventNewMessage }
func (Typing) eventType() EventType { return EventTyping }
func (UserStatus) eventType() EventType { return EventUserStatus }
func (Emergency) eventType() EventType { return EventEmergency }
func (MessageRead) eventType() EventType { return EventMessageRead }
func (SystemNotice) eventType() EventType { return EventSystem }
func (ErrorNotice) eventType() EventType { return EventError }
func (Pong) eventType() EventType { return EventPong }

// Event is an immutable outbound event.
type Event struct {
	payload Payload
}

func NewEvent(p Payload) Event {
	return Event{payload: p}
}

func (e Event) Type() EventType {
	if e.payload == nil {
		return ""
	}
	return e.payload.eventType()
}

func (e Event) Payload() Payload {
	return e.payload
}

type envelope struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.payload == nil {
		return nil, fmt.Errorf("marshal event: empty payload")
	}
	env := envelope{Type: e.payload.eventType()}
	if pong, ok := e.payload.(Pong); ok {
		ts := pong.Timestamp.UTC()
		env.Timestamp = &ts
		return json.Marshal(env)
	}
	data, err := json.Marshal(e.payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s data: %w", env.Type, err)
	}
	env.Data = data
	return json.Marshal(env)
}

func (e *Event) UnmarshalJSON(b []byte) error {
	decoded, err := DecodeEvent(b)
	if err != nil {
		return err
	}
	*e = decoded
	return nil
}

// DecodeEvent parses an outbound envelope back into its typed event.
func DecodeEvent(b []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}

	var (
		p   Payload
		err error
	)
	switch env.Type {
	case EventNewMessage:
		p = decodeData[NewMessage](env.Data, &err)
	case EventTyping:
		p = decodeData[Typing](env.Data, &err)
	case EventUserStatus:
		p = decodeData[UserStatus](env.Data, &err)
	case EventEmergency:
		p = decodeData[Emergency](env.Data, &err)
	case EventMessageRead:
		p = decodeData[MessageRead](env.Data, &err)
	case EventSystem:
		p = decodeData[SystemNotice](env.Data, &err)
	case EventError:
		p = decodeData[ErrorNotice](env.Data, &err)
	case EventPong:
		pong := Pong{}
		if env.Timestamp != nil {
			pong.Timestamp = *env.Timestamp
		}
		p = pong
	default:
		return Event{}, fmt.Errorf("decode event: unknown type %q", env.Type)
	}
	if err != nil {
		return Event{}, fmt.Errorf("decode %s data: %w", env.Type, err)
	}
	return NewEvent(p), nil
}

func decodeData[T Payload](data json.RawMessage, errp *error) T {
	var v T
	if len(data) == 0 {
		return v
	}
	*errp = json.Unmarshal(data, &v)
	return v
}

// NewMessageEvent builds a new_message event from a persisted message.
func NewMessageEvent(m *ChatMessage) Event {
	return NewEvent(NewMessage{
		ID:              m.ID,
		Content:         m.Content,
		SenderID:        m.SenderID,
		SentAt:          m.SentAt.UTC(),
		IsRead:          m.IsRead,
		IsEmergency:     m.IsEmergency,
		IsSystemMessage: m.IsSystemMessage,
	})
}

// EmergencyEvent builds an emergency event from a persisted message.
func EmergencyEvent(m *ChatMessage, senderName string) Event {
	return NewEvent(Emergency{
		ID:         m.ID,
		Content:    m.Content,
		SenderID:   m.SenderID,
		SenderName: senderName,
		SentAt:     m.SentAt.UTC(),
	})
}

func PresenceEvent(userID string, status PresenceStatus) Event {
	return NewEvent(UserStatus{UserID: userID, Status: status})
}

func ErrorEvent(code, message string) Event {
	return NewEvent(ErrorNotice{Code: code, Message: message})
}
