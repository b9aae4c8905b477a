package models

import (
	"time"

	"campus-chat/internal/imtypes"
	"campus-chat/internal/room"
)

// Stored delivery states. A row only exists once the message was handed off,
// so the lowest state ever stored is delivered.
const (
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// Message is a chat message as stored in the database.
type Message struct {
	BaseModel
	MessageID   string `gorm:"type:varchar(64);uniqueIndex;not null"`
	ClientID    string `gorm:"type:varchar(64)"`
	RoomKey     string `gorm:"type:varchar(255);not null;index:idx_messages_room_sent,priority:1"`
	SenderID    string `gorm:"type:varchar(128);not null;index"`
	RecipientID string `gorm:"type:varchar(128);not null"`
	Content     string `gorm:"type:text"`

	// attachment metadata, empty name means none
	AttachmentName     string `gorm:"type:varchar(255)"`
	AttachmentMimeType string `gorm:"type:varchar(127)"`
	AttachmentSize     int64

	Status      string     `gorm:"type:varchar(20);not null;default:'delivered'"`
	SentAt      time.Time  `gorm:"not null;index:idx_messages_room_sent,priority:2"`
	DeliveredAt *time.Time
	ReadAt      *time.Time
}

// TableName 指定 Message 模型的表名。
func (Message) TableName() string {
	return "messages"
}

// NewMessage converts a routed message into a row. deliveredAt is when the
// store accepted it.
func NewMessage(msg *imtypes.Message, deliveredAt time.Time) *Message {
	row := &Message{
		MessageID:   msg.ID,
		ClientID:    msg.ClientID,
		RoomKey:     string(msg.RoomKey),
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		Content:     msg.Content,
		Status:      StatusDelivered,
		SentAt:      msg.CreatedAt,
		DeliveredAt: &deliveredAt,
	}
	if msg.DeliveryState == imtypes.StateRead {
		row.Status = StatusRead
		row.ReadAt = &deliveredAt
	}
	if a := msg.Attachment; a != nil {
		row.AttachmentName = a.Name
		row.AttachmentMimeType = a.MimeType
		row.AttachmentSize = a.SizeBytes
	}
	return row
}

// ToWire converts the row back into the message clients see.
func (m *Message) ToWire() imtypes.Message {
	state, err := imtypes.ParseDeliveryState(m.Status)
	if err != nil {
		state = imtypes.StateDelivered
	}
	out := imtypes.Message{
		ID:            m.MessageID,
		ClientID:      m.ClientID,
		RoomKey:       room.Key(m.RoomKey),
		SenderID:      m.SenderID,
		RecipientID:   m.RecipientID,
		Content:       m.Content,
		CreatedAt:     m.SentAt.UTC(),
		DeliveryState: state,
	}
	if m.AttachmentName != "" {
		out.Attachment = &imtypes.Attachment{
			Name:      m.AttachmentName,
			MimeType:  m.AttachmentMimeType,
			SizeBytes: m.AttachmentSize,
		}
	}
	return out
}

// StatusColumn maps a delivery state onto the stored status and the
// timestamp column recording it. Sent has no stored form.
func StatusColumn(state imtypes.DeliveryState) (status, column string, ok bool) {
	switch state {
	case imtypes.StateDelivered:
		return StatusDelivered, "delivered_at", true
	case imtypes.StateRead:
		return StatusRead, "read_at", true
	}
	return "", "", false
}
