package kafkahandlers

import (
	"context"
	"encoding/json"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"campus-chat/internal/imtypes"
)

// RecordApplier writes one record of the message log to storage.
type RecordApplier interface {
	Apply(ctx context.Context, rec imtypes.PersistRecord) error
}

// ArchiveConsumerLogic turns message log records into database writes.
type ArchiveConsumerLogic struct {
	archive RecordApplier
	logger  *zap.Logger
}

// NewArchiveConsumerLogic creates the consumer logic around archive.
func NewArchiveConsumerLogic(archive RecordApplier, logger *zap.Logger) *ArchiveConsumerLogic {
	return &ArchiveConsumerLogic{archive: archive, logger: logger.Named("archiver")}
}

// HandleRecord is the kafka.MessageHandler for the messages topic. Records
// that cannot be decoded are skipped so they do not block the partition;
// storage errors are returned so the record is not committed.
func (h *ArchiveConsumerLogic) HandleRecord(ctx context.Context, msg *kafka.Message) error {
	var rec imtypes.PersistRecord
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		h.logger.Warn("skipping undecodable record",
			zap.ByteString("key", msg.Key), zap.String("offset", msg.TopicPartition.Offset.String()), zap.Error(err))
		return nil
	}
	if rec.Message == nil && rec.Status == nil {
		h.logger.Warn("skipping empty record", zap.ByteString("key", msg.Key))
		return nil
	}
	return h.archive.Apply(ctx, rec)
}
