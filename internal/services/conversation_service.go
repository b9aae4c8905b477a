package services

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"campus-chat/internal/models"
	"campus-chat/internal/room"
	"campus-chat/internal/storage"
)

// ErrConversationNotFound is returned when two users never exchanged a
// persisted message.
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationService 定义了会话相关服务的接口。
type ConversationService interface {
	// ListConversations returns userID's conversations, most recent first.
	ListConversations(ctx context.Context, userID string, limit int) ([]*models.Conversation, error)
	// GetConversation returns the conversation between userID and peerID.
	GetConversation(ctx context.Context, userID, peerID string) (*models.Conversation, error)
}

// conversationService 是 ConversationService 的实现。
type conversationService struct {
	convoRepo storage.ConversationRepository
}

// NewConversationService 创建一个新的 ConversationService 实例。
func NewConversationService(convoRepo storage.ConversationRepository) ConversationService {
	return &conversationService{convoRepo: convoRepo}
}

func (s *conversationService) ListConversations(ctx context.Context, userID string, limit int) ([]*models.Conversation, error) {
	if err := room.ValidateParticipant(userID); err != nil {
		return nil, err
	}
	return s.convoRepo.ListForUser(ctx, userID, limit)
}

func (s *conversationService) GetConversation(ctx context.Context, userID, peerID string) (*models.Conversation, error) {
	key, err := room.Resolve(userID, peerID)
	if err != nil {
		return nil, err
	}
	convo, err := s.convoRepo.GetByRoomKey(ctx, string(key))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", key, err)
	}
	return convo, nil
}
