package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"campus-chat/internal/imtypes"
	"campus-chat/internal/models"
	"campus-chat/internal/storage"
)

// maxPendingStatuses bounds status changes held for messages not stored yet.
const maxPendingStatuses = 10000

// MessageSink hands messages and status changes off to durable storage.
type MessageSink interface {
	StoreMessage(ctx context.Context, msg *imtypes.Message) error
	StoreStatus(ctx context.Context, change imtypes.StatusChange) error
}

// Archive writes messages and their status changes to the database. It is
// the sink in database persistence mode and the writer behind the Kafka
// archiver in kafka mode.
type Archive struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time

	// A status change can overtake the message it refers to; it waits here
	// until the message row exists.
	mu      sync.Mutex
	pending map[string]imtypes.StatusChange
}

var _ MessageSink = (*Archive)(nil)

// NewArchive creates an Archive on db.
func NewArchive(db *gorm.DB, logger *zap.Logger) *Archive {
	return &Archive{
		db:      db,
		logger:  logger.Named("archive"),
		now:     time.Now,
		pending: make(map[string]imtypes.StatusChange),
	}
}

// StoreMessage inserts msg and records it as its conversation's latest
// message in one transaction. Storing the same message twice is a no-op.
func (a *Archive) StoreMessage(ctx context.Context, msg *imtypes.Message) error {
	row := models.NewMessage(msg, a.now().UTC())
	var created bool
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		created, err = storage.NewGormMessageRepository(tx).Create(ctx, row)
		if err != nil {
			return fmt.Errorf("create message %s: %w", msg.ID, err)
		}
		if !created {
			return nil
		}
		first, second := msg.RoomKey.Participants()
		conversation := &models.Conversation{
			RoomKey:       string(msg.RoomKey),
			ParticipantA:  first,
			ParticipantB:  second,
			LastMessageID: msg.ID,
			LastMessageAt: row.SentAt,
		}
		if err := storage.NewGormConversationRepository(tx).Touch(ctx, conversation); err != nil {
			return fmt.Errorf("touch conversation %s: %w", msg.RoomKey, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !created {
		a.logger.Debug("duplicate message ignored", zap.String("message_id", msg.ID))
		return nil
	}

	if change, ok := a.claim(msg.ID); ok {
		if _, err := a.updateStatus(ctx, change); err != nil {
			// the message itself is stored; only the receipt is lost
			a.logger.Warn("pending status not applied", zap.String("message_id", msg.ID), zap.Error(err))
		}
	}
	return nil
}

// StoreStatus moves a stored message forward. A change for a message that
// is not stored yet is applied once the message arrives.
func (a *Archive) StoreStatus(ctx context.Context, change imtypes.StatusChange) error {
	if !change.State.Valid() || change.MessageID == "" {
		return fmt.Errorf("invalid status change %+v", change)
	}

	changed, err := a.updateStatus(ctx, change)
	if err != nil || changed {
		return err
	}
	stored, err := a.isStored(ctx, change.MessageID)
	if err != nil {
		return err
	}
	if stored {
		// the row may have been committed after the update missed it
		_, err = a.updateStatus(ctx, change)
		return err
	}

	if !a.stash(change) {
		return nil
	}
	// StoreMessage claims pending changes after its commit. A commit that
	// landed between the lookup and the stash is caught here.
	if stored, err = a.isStored(ctx, change.MessageID); err != nil || !stored {
		return err
	}
	if claimed, ok := a.claim(change.MessageID); ok {
		_, err = a.updateStatus(ctx, claimed)
	}
	return err
}

func (a *Archive) isStored(ctx context.Context, messageID string) (bool, error) {
	_, err := storage.NewGormMessageRepository(a.db).GetByMessageID(ctx, messageID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("look up message %s: %w", messageID, err)
	}
	return true, nil
}

// stash holds change until its message is stored and reports whether the
// pending map now carries it.
func (a *Archive) stash(change imtypes.StatusChange) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if prev, ok := a.pending[change.MessageID]; ok && prev.State.Rank() >= change.State.Rank() {
		return false
	}
	if len(a.pending) >= maxPendingStatuses {
		a.logger.Warn("pending status buffer full, dropping", zap.String("message_id", change.MessageID))
		return false
	}
	a.pending[change.MessageID] = change
	return true
}

func (a *Archive) claim(messageID string) (imtypes.StatusChange, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	change, ok := a.pending[messageID]
	delete(a.pending, messageID)
	return change, ok
}

// PendingStatuses returns the number of status changes waiting for their message.
func (a *Archive) PendingStatuses() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Apply writes one record consumed from the message log.
func (a *Archive) Apply(ctx context.Context, rec imtypes.PersistRecord) error {
	switch {
	case rec.Message != nil:
		return a.StoreMessage(ctx, rec.Message)
	case rec.Status != nil:
		return a.StoreStatus(ctx, *rec.Status)
	}
	return errors.New("empty persist record")
}

func (a *Archive) updateStatus(ctx context.Context, change imtypes.StatusChange) (bool, error) {
	at := change.At
	if at.IsZero() {
		at = a.now()
	}
	changed, err := storage.NewGormMessageRepository(a.db).UpdateStatus(ctx, change.MessageID, change.State, at.UTC())
	if err != nil {
		return false, fmt.Errorf("update status of %s: %w", change.MessageID, err)
	}
	return changed, nil
}
