package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"campus-chat/internal/config"
	"campus-chat/internal/imtypes"
	"campus-chat/internal/metrics"
	"campus-chat/internal/room"
	"campus-chat/internal/storage"
)

// MessageService 定义了消息相关服务的接口。
type MessageService interface {
	// Persist hands msg to the sink with a per-attempt timeout and one retry
	// after a backoff.
	Persist(ctx context.Context, msg *imtypes.Message) error
	// RecordStatus hands a delivery state change to the sink.
	RecordStatus(ctx context.Context, change imtypes.StatusChange) error
	// FetchHistory returns the latest limit messages of the room, oldest first.
	FetchHistory(ctx context.Context, key room.Key, limit int) ([]imtypes.Message, error)
	// Lookup returns a stored message by id; found is false when no row exists.
	Lookup(ctx context.Context, messageID string) (msg imtypes.Message, found bool, err error)
}

// messageService 是 MessageService 的实现。
type messageService struct {
	msgRepo storage.MessageRepository
	sink    MessageSink
	cfg     config.ChatConfig
	logger  *zap.Logger
}

// NewMessageService 创建一个新的 MessageService 实例。
func NewMessageService(msgRepo storage.MessageRepository, sink MessageSink, cfg config.ChatConfig,
	logger *zap.Logger) MessageService {
	return &messageService{
		msgRepo: msgRepo,
		sink:    sink,
		cfg:     cfg,
		logger:  logger.Named("message-service"),
	}
}

func (s *messageService) Persist(ctx context.Context, msg *imtypes.Message) error {
	start := time.Now()
	defer func() { metrics.PersistDuration.Observe(time.Since(start).Seconds()) }()

	err := s.attempt(ctx, func(ctx context.Context) error { return s.sink.StoreMessage(ctx, msg) })
	if err == nil {
		metrics.MessagesPersisted.WithLabelValues(metrics.ResultOK).Inc()
		return nil
	}
	s.logger.Info("persist failed, retrying once",
		zap.String("message_id", msg.ID), zap.Duration("backoff", s.cfg.StoreRetryBackoff), zap.Error(err))

	select {
	case <-time.After(s.cfg.StoreRetryBackoff):
	case <-ctx.Done():
		metrics.MessagesPersisted.WithLabelValues(metrics.ResultFailed).Inc()
		return errors.Join(err, ctx.Err())
	}

	if retryErr := s.attempt(ctx, func(ctx context.Context) error { return s.sink.StoreMessage(ctx, msg) }); retryErr != nil {
		metrics.MessagesPersisted.WithLabelValues(metrics.ResultFailed).Inc()
		return fmt.Errorf("persist message %s: %w", msg.ID, retryErr)
	}
	metrics.MessagesPersisted.WithLabelValues(metrics.ResultRetried).Inc()
	return nil
}

func (s *messageService) RecordStatus(ctx context.Context, change imtypes.StatusChange) error {
	return s.attempt(ctx, func(ctx context.Context) error { return s.sink.StoreStatus(ctx, change) })
}

func (s *messageService) FetchHistory(ctx context.Context, key room.Key, limit int) ([]imtypes.Message, error) {
	rows, err := s.msgRepo.ListByRoom(ctx, string(key), limit)
	if err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", key, err)
	}
	out := make([]imtypes.Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.ToWire())
	}
	return out, nil
}

func (s *messageService) Lookup(ctx context.Context, messageID string) (imtypes.Message, bool, error) {
	row, err := s.msgRepo.GetByMessageID(ctx, messageID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return imtypes.Message{}, false, nil
	case err != nil:
		return imtypes.Message{}, false, fmt.Errorf("look up message %s: %w", messageID, err)
	}
	return row.ToWire(), true, nil
}

func (s *messageService) attempt(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	return fn(ctx)
}
