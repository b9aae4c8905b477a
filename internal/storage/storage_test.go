package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"campus-chat/internal/config"
	"campus-chat/internal/imtypes"
	"campus-chat/internal/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := InitDB(config.DatabaseConfig{
		Type: "sqlite",
		Path: filepath.Join(t.TempDir(), "chat.db"),
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, AutoMigrateTables(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func row(id string, offset time.Duration) *models.Message {
	return models.NewMessage(&imtypes.Message{
		ID:          id,
		RoomKey:     "alice:bob",
		SenderID:    "alice",
		RecipientID: "bob",
		Content:     "message " + id,
		CreatedAt:   base.Add(offset),
	}, base.Add(offset))
}

func TestCreateIsIdempotentOnMessageID(t *testing.T) {
	repo := NewGormMessageRepository(openTestDB(t))
	ctx := context.Background()

	created, err := repo.Create(ctx, row("m1", 0))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.Create(ctx, row("m1", time.Minute))
	require.NoError(t, err)
	assert.False(t, created)

	got, err := repo.GetByMessageID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, base, got.SentAt.UTC(), "second create must not overwrite")
	assert.Equal(t, models.StatusDelivered, got.Status)
}

func TestUpdateStatusIsMonotonic(t *testing.T) {
	repo := NewGormMessageRepository(openTestDB(t))
	ctx := context.Background()
	_, err := repo.Create(ctx, row("m1", 0))
	require.NoError(t, err)

	changed, err := repo.UpdateStatus(ctx, "m1", imtypes.StateRead, base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.UpdateStatus(ctx, "m1", imtypes.StateRead, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = repo.UpdateStatus(ctx, "m1", imtypes.StateDelivered, base)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = repo.UpdateStatus(ctx, "missing", imtypes.StateRead, base)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := repo.GetByMessageID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, got.Status)
	require.NotNil(t, got.ReadAt)
	assert.Equal(t, base.Add(time.Minute), got.ReadAt.UTC())
	assert.Equal(t, imtypes.StateRead, got.ToWire().DeliveryState)
}

func TestListByRoomReturnsLatestOldestFirst(t *testing.T) {
	repo := NewGormMessageRepository(openTestDB(t))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := repo.Create(ctx, row(fmt.Sprintf("m%d", i), time.Duration(i)*time.Second))
		require.NoError(t, err)
	}
	other := row("x", 0)
	other.RoomKey = "alice:carol"
	_, err := repo.Create(ctx, other)
	require.NoError(t, err)

	msgs, err := repo.ListByRoom(ctx, "alice:bob", 3)
	require.NoError(t, err)
	var ids []string
	for _, m := range msgs {
		ids = append(ids, m.MessageID)
	}
	assert.Equal(t, []string{"m2", "m3", "m4"}, ids)
}

func TestAttachmentRoundTrip(t *testing.T) {
	repo := NewGormMessageRepository(openTestDB(t))
	ctx := context.Background()
	msg := &imtypes.Message{
		ID: "f1", RoomKey: "alice:bob", SenderID: "alice", RecipientID: "bob",
		Attachment: &imtypes.Attachment{Name: "notes.pdf", MimeType: "application/pdf", SizeBytes: 2048},
		CreatedAt:  base,
	}
	_, err := repo.Create(ctx, models.NewMessage(msg, base))
	require.NoError(t, err)

	got, err := repo.GetByMessageID(ctx, "f1")
	require.NoError(t, err)
	wire := got.ToWire()
	assert.Equal(t, msg.Attachment, wire.Attachment)
	assert.Equal(t, imtypes.StateDelivered, wire.DeliveryState)
}

func TestConversationTouchKeepsNewest(t *testing.T) {
	repo := NewGormConversationRepository(openTestDB(t))
	ctx := context.Background()
	touch := func(roomKey, a, b, msgID string, at time.Time) {
		require.NoError(t, repo.Touch(ctx, &models.Conversation{
			RoomKey: roomKey, ParticipantA: a, ParticipantB: b, LastMessageID: msgID, LastMessageAt: at,
		}))
	}

	touch("alice:bob", "alice", "bob", "m1", base)
	touch("alice:bob", "alice", "bob", "m3", base.Add(2*time.Minute))
	touch("alice:bob", "alice", "bob", "m2", base.Add(time.Minute))
	touch("alice:carol", "alice", "carol", "c1", base.Add(time.Hour))
	touch("bob:dave", "bob", "dave", "d1", base)

	conv, err := repo.GetByRoomKey(ctx, "alice:bob")
	require.NoError(t, err)
	assert.Equal(t, "m3", conv.LastMessageID)

	list, err := repo.ListForUser(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alice:carol", list[0].RoomKey)
	assert.Equal(t, "carol", list[0].Peer("alice"))
	assert.Equal(t, "bob", list[1].Peer("alice"))
}
