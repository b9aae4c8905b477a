package storage

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"campus-chat/internal/imtypes"
	"campus-chat/internal/models"
)

// MessageRepository 定义了消息数据操作的接口。
type MessageRepository interface {
	// Create inserts the message unless a row with the same MessageID
	// exists, and reports whether it inserted.
	Create(ctx context.Context, message *models.Message) (bool, error)
	// UpdateStatus moves a stored message forward to state. It never moves
	// a message backwards and reports whether a row changed.
	UpdateStatus(ctx context.Context, messageID string, state imtypes.DeliveryState, at time.Time) (bool, error)
	// ListByRoom returns the latest limit messages of the room, oldest first.
	ListByRoom(ctx context.Context, roomKey string, limit int) ([]*models.Message, error)
	GetByMessageID(ctx context.Context, messageID string) (*models.Message, error)
}

// gormMessageRepository 使用 GORM 实现 MessageRepository。
type gormMessageRepository struct {
	db *gorm.DB
}

// NewGormMessageRepository 创建一个新的基于 GORM 的 MessageRepository。
func NewGormMessageRepository(db *gorm.DB) MessageRepository {
	return &gormMessageRepository{db: db}
}

func (r *gormMessageRepository) Create(ctx context.Context, message *models.Message) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "message_id"}}, DoNothing: true}).
		Create(message)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormMessageRepository) UpdateStatus(ctx context.Context, messageID string, state imtypes.DeliveryState, at time.Time) (bool, error) {
	status, column, ok := models.StatusColumn(state)
	if !ok {
		return false, nil
	}
	var lower []string
	for _, s := range []imtypes.DeliveryState{imtypes.StateDelivered, imtypes.StateRead} {
		if s.Rank() < state.Rank() {
			stored, _, _ := models.StatusColumn(s)
			lower = append(lower, stored)
		}
	}
	if len(lower) == 0 {
		// delivered is the floor of every stored row
		return false, nil
	}

	res := r.db.WithContext(ctx).Model(&models.Message{}).
		Where("message_id = ? AND status IN ?", messageID, lower).
		Updates(map[string]any{"status": status, column: at})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormMessageRepository) ListByRoom(ctx context.Context, roomKey string, limit int) ([]*models.Message, error) {
	var messages []*models.Message
	query := r.db.WithContext(ctx).Where("room_key = ?", roomKey).Order("sent_at DESC").Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&messages).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (r *gormMessageRepository) GetByMessageID(ctx context.Context, messageID string) (*models.Message, error) {
	var message models.Message
	if err := r.db.WithContext(ctx).Where("message_id = ?", messageID).First(&message).Error; err != nil {
		return nil, err
	}
	return &message, nil
}
