package services

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"campus-chat/internal/config"
	"campus-chat/internal/imtypes"
	"campus-chat/internal/room"
	"campus-chat/internal/storage"
)

const abRoom = room.Key("alice:bob")

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.InitDB(config.DatabaseConfig{Type: "sqlite", Path: filepath.Join(t.TempDir(), "chat.db")}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, storage.AutoMigrateTables(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func chatMessage(id string, at time.Time) *imtypes.Message {
	return &imtypes.Message{
		ID: id, ClientID: "tmp-" + id, RoomKey: abRoom, SenderID: "alice", RecipientID: "bob",
		Content: "hello " + id, CreatedAt: at, DeliveryState: imtypes.StateSent,
	}
}

func chatConfig() config.ChatConfig {
	return config.ChatConfig{StoreTimeout: time.Second, StoreRetryBackoff: 10 * time.Millisecond}
}

func newDatabaseService(t *testing.T) (MessageService, *Archive) {
	svc, archive, _ := newServices(t)
	return svc, archive
}

func newServices(t *testing.T) (MessageService, *Archive, ConversationService) {
	db := openDB(t)
	archive := NewArchive(db, zap.NewNop())
	svc := NewMessageService(storage.NewGormMessageRepository(db), archive, chatConfig(), zap.NewNop())
	return svc, archive, NewConversationService(storage.NewGormConversationRepository(db))
}

func TestPersistAndFetchHistory(t *testing.T) {
	svc, _, convos := newServices(t)
	ctx := context.Background()

	for i, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, svc.Persist(ctx, chatMessage(id, t0.Add(time.Duration(i)*time.Second))))
	}
	// duplicate hand-off is harmless
	require.NoError(t, svc.Persist(ctx, chatMessage("m2", t0)))

	history, err := svc.FetchHistory(ctx, abRoom, 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "m1", history[0].ID)
	assert.Equal(t, "m3", history[2].ID)
	for _, m := range history {
		assert.Equal(t, imtypes.StateDelivered, m.DeliveryState)
	}

	convs, err := convos.ListConversations(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "m3", convs[0].LastMessageID)
	assert.Equal(t, "alice", convs[0].Peer("bob"))

	convo, err := convos.GetConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, string(abRoom), convo.RoomKey)

	_, err = convos.GetConversation(ctx, "bob", "carol")
	assert.ErrorIs(t, err, ErrConversationNotFound)
	_, err = convos.GetConversation(ctx, "bob", "bob")
	assert.ErrorIs(t, err, room.ErrSelfChat)
}

func TestRecordStatusBeforeMessageIsApplied(t *testing.T) {
	svc, archive := newDatabaseService(t)
	ctx := context.Background()

	read := imtypes.StatusChange{MessageID: "m1", RoomKey: abRoom, State: imtypes.StateRead, At: t0}
	require.NoError(t, svc.RecordStatus(ctx, read))
	assert.Equal(t, 1, archive.PendingStatuses())

	require.NoError(t, svc.Persist(ctx, chatMessage("m1", t0)))
	assert.Zero(t, archive.PendingStatuses())

	history, err := svc.FetchHistory(ctx, abRoom, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, imtypes.StateRead, history[0].DeliveryState)
}

// storeDuringLookup stores msg from inside the first query run on db, just
// before it reaches the database or just after it returned.
func storeDuringLookup(t *testing.T, db *gorm.DB, archive *Archive, msg *imtypes.Message, after bool) {
	t.Helper()
	var fired atomic.Bool
	store := func(*gorm.DB) {
		if fired.CompareAndSwap(false, true) {
			assert.NoError(t, archive.StoreMessage(context.Background(), msg))
		}
	}
	var err error
	if after {
		err = db.Callback().Query().After("gorm:query").Register("test:store_message", store)
	} else {
		err = db.Callback().Query().Before("gorm:query").Register("test:store_message", store)
	}
	require.NoError(t, err)
}

func TestStatusRacingMessageInsertIsApplied(t *testing.T) {
	for name, after := range map[string]bool{
		"stored before lookup": false,
		"stored after lookup":  true,
	} {
		t.Run(name, func(t *testing.T) {
			db := openDB(t)
			archive := NewArchive(db, zap.NewNop())
			storeDuringLookup(t, db, archive, chatMessage("m1", t0), after)

			read := imtypes.StatusChange{MessageID: "m1", RoomKey: abRoom, State: imtypes.StateRead, At: t0}
			require.NoError(t, archive.StoreStatus(context.Background(), read))
			assert.Zero(t, archive.PendingStatuses())

			row, err := storage.NewGormMessageRepository(db).GetByMessageID(context.Background(), "m1")
			require.NoError(t, err)
			assert.Equal(t, imtypes.StateRead, row.ToWire().DeliveryState)
		})
	}
}

func TestRecordStatusNeverRegresses(t *testing.T) {
	svc, archive := newDatabaseService(t)
	ctx := context.Background()
	require.NoError(t, svc.Persist(ctx, chatMessage("m1", t0)))

	require.NoError(t, svc.RecordStatus(ctx, imtypes.StatusChange{MessageID: "m1", RoomKey: abRoom, State: imtypes.StateRead}))
	require.NoError(t, svc.RecordStatus(ctx, imtypes.StatusChange{MessageID: "m1", RoomKey: abRoom, State: imtypes.StateDelivered}))
	assert.Zero(t, archive.PendingStatuses())

	history, err := svc.FetchHistory(ctx, abRoom, 10)
	require.NoError(t, err)
	assert.Equal(t, imtypes.StateRead, history[0].DeliveryState)

	assert.Error(t, svc.RecordStatus(ctx, imtypes.StatusChange{MessageID: "m1", State: "Lost"}))
}

func TestArchiveApply(t *testing.T) {
	archive := NewArchive(openDB(t), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, archive.Apply(ctx, imtypes.PersistRecord{Message: chatMessage("m1", t0)}))
	require.NoError(t, archive.Apply(ctx, imtypes.PersistRecord{
		Status: &imtypes.StatusChange{MessageID: "m1", RoomKey: abRoom, State: imtypes.StateRead},
	}))
	assert.Error(t, archive.Apply(ctx, imtypes.PersistRecord{}))
}

type flakySink struct {
	mu       sync.Mutex
	failures int
	calls    int
	block    bool
}

func (s *flakySink) StoreMessage(ctx context.Context, _ *imtypes.Message) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	block := s.block
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail {
		return errors.New("store unavailable")
	}
	return nil
}

func (s *flakySink) StoreStatus(context.Context, imtypes.StatusChange) error { return nil }

func (s *flakySink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestPersistRetriesOnce(t *testing.T) {
	sink := &flakySink{failures: 1}
	svc := NewMessageService(nil, sink, chatConfig(), zap.NewNop())
	require.NoError(t, svc.Persist(context.Background(), chatMessage("m1", t0)))
	assert.Equal(t, 2, sink.callCount())

	sink = &flakySink{failures: 2}
	svc = NewMessageService(nil, sink, chatConfig(), zap.NewNop())
	assert.Error(t, svc.Persist(context.Background(), chatMessage("m1", t0)))
	assert.Equal(t, 2, sink.callCount())
}

func TestPersistAttemptsAreBounded(t *testing.T) {
	sink := &flakySink{block: true}
	cfg := chatConfig()
	cfg.StoreTimeout = 20 * time.Millisecond
	svc := NewMessageService(nil, sink, cfg, zap.NewNop())

	start := time.Now()
	err := svc.Persist(context.Background(), chatMessage("m1", t0))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 2, sink.callCount())
}

type capturingProducer struct {
	topic string
	keys  []string
	vals  [][]byte
	err   error
}

func (p *capturingProducer) SendMessage(_ context.Context, topic string, key []byte, payload []byte) error {
	if p.err != nil {
		return p.err
	}
	p.topic = topic
	p.keys = append(p.keys, string(key))
	p.vals = append(p.vals, payload)
	return nil
}

func (p *capturingProducer) Close() {}

func TestKafkaSinkKeysRecordsByRoom(t *testing.T) {
	producer := &capturingProducer{}
	sink := NewKafkaSink(producer, "campus-chat-messages")
	ctx := context.Background()

	require.NoError(t, sink.StoreMessage(ctx, chatMessage("m1", t0)))
	require.NoError(t, sink.StoreStatus(ctx, imtypes.StatusChange{MessageID: "m1", RoomKey: abRoom, State: imtypes.StateRead}))

	assert.Equal(t, "campus-chat-messages", producer.topic)
	assert.Equal(t, []string{"alice:bob", "alice:bob"}, producer.keys)

	var first, second imtypes.PersistRecord
	require.NoError(t, json.Unmarshal(producer.vals[0], &first))
	require.NoError(t, json.Unmarshal(producer.vals[1], &second))
	require.NotNil(t, first.Message)
	assert.Equal(t, "m1", first.Message.ID)
	assert.Nil(t, first.Status)
	require.NotNil(t, second.Status)
	assert.Equal(t, imtypes.StateRead, second.Status.State)

	producer.err = errors.New("broker down")
	assert.Error(t, sink.StoreMessage(ctx, chatMessage("m2", t0)))
}

func TestKafkaSinkFeedsArchive(t *testing.T) {
	producer := &capturingProducer{}
	sink := NewKafkaSink(producer, "topic")
	archive := NewArchive(openDB(t), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, sink.StoreMessage(ctx, chatMessage("m1", t0)))
	var rec imtypes.PersistRecord
	require.NoError(t, json.Unmarshal(producer.vals[0], &rec))
	require.NoError(t, archive.Apply(ctx, rec))
	// redelivery after a crash before commit
	require.NoError(t, archive.Apply(ctx, rec))
}
