package imtypes

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"campus-chat/internal/room"
)

// EventType names a frame exchanged over the chat WebSocket.
type EventType string

const (
	// client -> server
	JoinRoomEvent    EventType = "join_room"
	LeaveRoomEvent   EventType = "leave_room"
	SendMessageEvent EventType = "send_message"
	StopTypingEvent  EventType = "stop_typing"
	MessageReadEvent EventType = "message_read"

	// server -> client
	ReceiveMessageEvent  EventType = "receive_message"
	MessageAcceptedEvent EventType = "message_accepted"
	MessageStatusEvent   EventType = "message_status"
	SendFailedEvent      EventType = "send_failed"
	ErrorEvent           EventType = "error"

	// both directions
	TypingEvent   EventType = "typing"
	ReactionEvent EventType = "reaction"
	HistoryEvent  EventType = "history"
)

// Envelope is the JSON frame carried by every WebSocket text message.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals payload into an envelope frame of the given type.
func Encode(t EventType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// DeliveryState is the lifecycle stage of a message.
type DeliveryState string

const (
	StateSent      DeliveryState = "Sent"
	StateDelivered DeliveryState = "Delivered"
	StateRead      DeliveryState = "Read"
)

// Rank orders delivery states; unknown states rank zero.
func (s DeliveryState) Rank() int {
	switch s {
	case StateSent:
		return 1
	case StateDelivered:
		return 2
	case StateRead:
		return 3
	}
	return 0
}

// Valid reports whether s is one of the known states.
func (s DeliveryState) Valid() bool { return s.Rank() > 0 }

// ParseDeliveryState accepts the wire form as well as the lowercase form
// stored in the database.
func ParseDeliveryState(s string) (DeliveryState, error) {
	switch strings.ToLower(s) {
	case "sent":
		return StateSent, nil
	case "delivered":
		return StateDelivered, nil
	case "read":
		return StateRead, nil
	}
	return "", fmt.Errorf("unknown delivery state %q", s)
}

// Message is one chat message as seen by clients.
type Message struct {
	ID            string        `json:"id"`
	ClientID      string        `json:"clientId,omitempty"`
	RoomKey       room.Key      `json:"roomKey"`
	SenderID      string        `json:"senderId"`
	RecipientID   string        `json:"recipientId"`
	Content       string        `json:"content"`
	Attachment    *Attachment   `json:"attachment,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	DeliveryState DeliveryState `json:"deliveryState"`
}

// RoomPayload is the payload of join_room and leave_room.
type RoomPayload struct {
	RoomKey string `json:"roomKey"`
}

// SendMessagePayload is a client draft. ClientID is the provisional id the
// client rendered its optimistic copy under.
type SendMessagePayload struct {
	ClientID    string      `json:"clientId,omitempty"`
	SenderID    string      `json:"senderId"`
	RecipientID string      `json:"recipientId"`
	RoomKey     string      `json:"roomKey,omitempty"`
	Content     string      `json:"content"`
	Attachment  *Attachment `json:"attachment,omitempty"`
}

// MessageAcceptedPayload tells a sender which durable id its draft received.
type MessageAcceptedPayload struct {
	ClientID  string    `json:"clientId"`
	MessageID string    `json:"messageId"`
	RoomKey   room.Key  `json:"roomKey"`
	CreatedAt time.Time `json:"createdAt"`
}

// TypingPayload is sent by clients with typing and stop_typing.
type TypingPayload struct {
	UserID  string `json:"userId"`
	RoomKey string `json:"roomKey"`
}

// TypingSignal is broadcast to the room. Typing false is the stop marker.
type TypingSignal struct {
	RoomKey room.Key `json:"roomKey"`
	UserID  string   `json:"userId"`
	Typing  bool     `json:"typing"`
}

// ReactionPayload is sent by clients. A null or empty kind removes the
// user's reaction.
type ReactionPayload struct {
	MessageID string  `json:"messageId"`
	UserID    string  `json:"userId"`
	Kind      *string `json:"kind"`
	RoomKey   string  `json:"roomKey"`
}

// ReactionDelta is one add, replace or remove of a user's reaction.
type ReactionDelta struct {
	MessageID string   `json:"messageId"`
	RoomKey   room.Key `json:"roomKey"`
	UserID    string   `json:"userId"`
	Kind      string   `json:"kind,omitempty"`
	Removed   bool     `json:"removed"`
}

// ReactionEntry is one (user, kind) pair of a message's aggregate.
type ReactionEntry struct {
	UserID string `json:"userId"`
	Kind   string `json:"kind"`
}

// ReadPayload is the recipient's render acknowledgment.
type ReadPayload struct {
	MessageID string `json:"messageId"`
	RoomKey   string `json:"roomKey"`
	UserID    string `json:"userId"`
}

// MessageStatusPayload announces a delivery state transition.
type MessageStatusPayload struct {
	MessageID string        `json:"messageId"`
	RoomKey   room.Key      `json:"roomKey"`
	Status    DeliveryState `json:"status"`
}

// SendFailedPayload reports a persistence failure to the sender only.
type SendFailedPayload struct {
	ClientID  string   `json:"clientId,omitempty"`
	MessageID string   `json:"messageId"`
	RoomKey   room.Key `json:"roomKey"`
	Reason    string   `json:"reason"`
	Retryable bool     `json:"retryable"`
}

// HistoryRequest asks for the persisted messages exchanged with PeerID.
type HistoryRequest struct {
	PeerID string `json:"peerId"`
	Limit  int    `json:"limit,omitempty"`
}

// HistoryPayload answers a HistoryRequest. Messages are oldest first.
type HistoryPayload struct {
	RoomKey   room.Key                   `json:"roomKey"`
	Messages  []Message                  `json:"messages"`
	Reactions map[string][]ReactionEntry `json:"reactions,omitempty"`
}

// ErrorPayload reports a rejected client event to its originator.
type ErrorPayload struct {
	Event   EventType `json:"event,omitempty"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

// PersistRecord is the unit written to the message log when persistence
// goes through Kafka. Exactly one of Message and Status is set.
type PersistRecord struct {
	Message *Message      `json:"message,omitempty"`
	Status  *StatusChange `json:"status,omitempty"`
}

// StatusChange is a delivery state transition to be written back to storage.
type StatusChange struct {
	MessageID string        `json:"messageId"`
	RoomKey   room.Key      `json:"roomKey"`
	State     DeliveryState `json:"state"`
	At        time.Time     `json:"at"`
}
