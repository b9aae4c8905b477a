package models

import "time"

// Conversation is the stored summary of one two-party room.
type Conversation struct {
	BaseModel
	RoomKey       string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"roomKey"`
	ParticipantA  string    `gorm:"type:varchar(128);not null;index" json:"participantA"`
	ParticipantB  string    `gorm:"type:varchar(128);not null;index" json:"participantB"`
	LastMessageID string    `gorm:"type:varchar(64)" json:"lastMessageId"`
	LastMessageAt time.Time `gorm:"index" json:"lastMessageAt"`
}

// TableName 指定 Conversation 模型的表名。
func (Conversation) TableName() string {
	return "conversations"
}

// Peer returns the participant that is not userID.
func (c *Conversation) Peer(userID string) string {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}
