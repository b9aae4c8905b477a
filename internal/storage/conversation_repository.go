package storage

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"campus-chat/internal/models"
)

// ConversationRepository 定义了会话数据操作的接口。
type ConversationRepository interface {
	// Touch records a message in the room's conversation, creating the
	// conversation on first use. An older message never replaces a newer
	// last message.
	Touch(ctx context.Context, conversation *models.Conversation) error
	GetByRoomKey(ctx context.Context, roomKey string) (*models.Conversation, error)
	// ListForUser returns the user's conversations, most recently active first.
	ListForUser(ctx context.Context, userID string, limit int) ([]*models.Conversation, error)
}

// gormConversationRepository 使用 GORM 实现 ConversationRepository。
type gormConversationRepository struct {
	db *gorm.DB
}

// NewGormConversationRepository 创建一个新的基于 GORM 的 ConversationRepository。
func NewGormConversationRepository(db *gorm.DB) ConversationRepository {
	return &gormConversationRepository{db: db}
}

func (r *gormConversationRepository) Touch(ctx context.Context, conversation *models.Conversation) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_message_id", "last_message_at", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "conversations.last_message_at <= excluded.last_message_at"},
		}},
	}).Create(conversation).Error
}

func (r *gormConversationRepository) GetByRoomKey(ctx context.Context, roomKey string) (*models.Conversation, error) {
	var conversation models.Conversation
	if err := r.db.WithContext(ctx).Where("room_key = ?", roomKey).First(&conversation).Error; err != nil {
		return nil, err
	}
	return &conversation, nil
}

func (r *gormConversationRepository) ListForUser(ctx context.Context, userID string, limit int) ([]*models.Conversation, error) {
	var conversations []*models.Conversation
	query := r.db.WithContext(ctx).
		Where("participant_a = ? OR participant_b = ?", userID, userID).
		Order("last_message_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&conversations).Error
	return conversations, err
}
