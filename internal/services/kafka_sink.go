package services

import (
	"context"
	"encoding/json"
	"fmt"

	appKafka "campus-chat/internal/kafka"

	"campus-chat/internal/imtypes"
)

// KafkaSink appends messages and status changes to the message log. Records
// are keyed by room so one room's records stay in order on one partition.
type KafkaSink struct {
	producer appKafka.MessageProducer
	topic    string
}

var _ MessageSink = (*KafkaSink)(nil)

// NewKafkaSink creates a sink producing to topic.
func NewKafkaSink(producer appKafka.MessageProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

// StoreMessage succeeds once the broker acknowledged the record.
func (s *KafkaSink) StoreMessage(ctx context.Context, msg *imtypes.Message) error {
	return s.produce(ctx, msg.RoomKey.String(), imtypes.PersistRecord{Message: msg})
}

func (s *KafkaSink) StoreStatus(ctx context.Context, change imtypes.StatusChange) error {
	return s.produce(ctx, change.RoomKey.String(), imtypes.PersistRecord{Status: &change})
}

func (s *KafkaSink) produce(ctx context.Context, key string, rec imtypes.PersistRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal persist record: %w", err)
	}
	if err := s.producer.SendMessage(ctx, s.topic, []byte(key), payload); err != nil {
		return fmt.Errorf("produce to %s: %w", s.topic, err)
	}
	return nil
}
