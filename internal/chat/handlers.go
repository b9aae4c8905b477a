package chat

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"campus-chat/internal/imtypes"
	"campus-chat/internal/reaction"
	"campus-chat/internal/room"
	"campus-chat/internal/websocket"
)

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return reject(CodeInvalidPayload, "missing payload")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return reject(CodeInvalidPayload, "decode payload: %v", err)
	}
	return nil
}

// memberRoom parses a client supplied key that p's user must belong to.
func memberRoom(p websocket.Peer, raw string) (room.Key, error) {
	key, err := room.Parse(raw)
	if err != nil {
		return "", err
	}
	if !key.Has(p.UserID()) {
		return "", reject(CodeForbidden, "user %q is not a participant of %s", p.UserID(), key)
	}
	return key, nil
}

// actingAs checks that a payload's user field, when present, names the
// connection's user.
func actingAs(p websocket.Peer, userID string) error {
	if userID != "" && userID != p.UserID() {
		return reject(CodeForbidden, "connection of %q cannot act as %q", p.UserID(), userID)
	}
	return nil
}

func (r *Router) handleJoin(_ context.Context, p websocket.Peer, payload json.RawMessage) error {
	var req imtypes.RoomPayload
	if err := decode(payload, &req); err != nil {
		return err
	}
	key, err := memberRoom(p, req.RoomKey)
	if err != nil {
		return err
	}

	r.withRoom(key, func() {
		if !r.hub.Join(p, key) {
			return
		}
		// catch the newcomer up on who is typing
		for _, userID := range r.typing.Active(key) {
			if userID != p.UserID() {
				r.sendTo(p, imtypes.TypingEvent, imtypes.TypingSignal{RoomKey: key, UserID: userID, Typing: true})
			}
		}
	})
	return nil
}

func (r *Router) handleLeave(_ context.Context, p websocket.Peer, payload json.RawMessage) error {
	var req imtypes.RoomPayload
	if err := decode(payload, &req); err != nil {
		return err
	}
	key, err := memberRoom(p, req.RoomKey)
	if err != nil {
		return err
	}

	r.withRoom(key, func() {
		if !r.hub.Leave(p, key) {
			return
		}
		if r.typing.Stop(key, p.UserID()) {
			r.broadcast(key, imtypes.TypingEvent, imtypes.TypingSignal{RoomKey: key, UserID: p.UserID()}, p)
		}
		r.releaseIfEmpty(key)
	})
	return nil
}

func (r *Router) handleSend(_ context.Context, p websocket.Peer, payload json.RawMessage) error {
	var req imtypes.SendMessagePayload
	if err := decode(payload, &req); err != nil {
		return err
	}
	if err := actingAs(p, req.SenderID); err != nil {
		return err
	}
	key, err := room.Resolve(p.UserID(), req.RecipientID)
	if err != nil {
		return err
	}
	if req.RoomKey != "" && req.RoomKey != string(key) {
		return reject(CodeInvalidRoom, "room %q does not match recipient %q", req.RoomKey, req.RecipientID)
	}
	if strings.TrimSpace(req.Content) == "" && req.Attachment == nil {
		return ErrEmptyMessage
	}
	if len(req.Content) > r.opts.MaxContentBytes {
		return reject(CodeInvalidPayload, "content exceeds %d bytes", r.opts.MaxContentBytes)
	}
	if req.Attachment != nil {
		if err := req.Attachment.Validate(); err != nil {
			return reject(CodeInvalidPayload, "%v", err)
		}
	}

	if !r.begin() {
		return reject(CodeShuttingDown, "server is shutting down")
	}

	msg := imtypes.Message{
		ID:            r.opts.NewID(),
		ClientID:      req.ClientID,
		RoomKey:       key,
		SenderID:      p.UserID(),
		RecipientID:   req.RecipientID,
		Content:       req.Content,
		Attachment:    req.Attachment,
		CreatedAt:     r.opts.Now().UTC(),
		DeliveryState: imtypes.StateSent,
	}

	r.withRoom(key, func() {
		// sending into a room implies being in it
		r.hub.Join(p, key)
		r.deliveries.Track(key, msg.ID, msg.SenderID)

		if r.typing.Stop(key, msg.SenderID) {
			r.broadcast(key, imtypes.TypingEvent, imtypes.TypingSignal{RoomKey: key, UserID: msg.SenderID}, p)
		}
		if r.opts.EchoToSender {
			r.broadcast(key, imtypes.ReceiveMessageEvent, msg, nil)
			return
		}
		r.broadcast(key, imtypes.ReceiveMessageEvent, msg, p)
		r.sendTo(p, imtypes.MessageAcceptedEvent, imtypes.MessageAcceptedPayload{
			ClientID:  msg.ClientID,
			MessageID: msg.ID,
			RoomKey:   key,
			CreatedAt: msg.CreatedAt,
		})
	})

	go r.persist(p, msg)
	return nil
}

// persist hands msg to the store outside any room lock. The outcome is
// announced as Delivered to the room, or as send_failed to the sender.
func (r *Router) persist(sender websocket.Peer, msg imtypes.Message) {
	defer r.pending.Done()

	if err := r.store.Persist(context.Background(), &msg); err != nil {
		r.logger.Warn("message not persisted",
			zap.String("message_id", msg.ID), zap.String("room", msg.RoomKey.String()), zap.Error(err))
		r.sendTo(sender, imtypes.SendFailedEvent, imtypes.SendFailedPayload{
			ClientID:  msg.ClientID,
			MessageID: msg.ID,
			RoomKey:   msg.RoomKey,
			Reason:    "message could not be stored",
			Retryable: true,
		})
		return
	}

	r.withRoom(msg.RoomKey, func() {
		if r.hub.Members(msg.RoomKey) == 0 {
			// nobody left to tell; storage already says delivered
			return
		}
		if _, changed := r.deliveries.Advance(msg.RoomKey, msg.ID, imtypes.StateDelivered); changed {
			r.broadcast(msg.RoomKey, imtypes.MessageStatusEvent, imtypes.MessageStatusPayload{
				MessageID: msg.ID,
				RoomKey:   msg.RoomKey,
				Status:    imtypes.StateDelivered,
			}, nil)
		}
	})
}

func (r *Router) handleRead(ctx context.Context, p websocket.Peer, payload json.RawMessage) error {
	var req imtypes.ReadPayload
	if err := decode(payload, &req); err != nil {
		return err
	}
	if err := actingAs(p, req.UserID); err != nil {
		return err
	}
	if req.MessageID == "" {
		return reject(CodeInvalidPayload, "messageId is required")
	}
	key, err := memberRoom(p, req.RoomKey)
	if err != nil {
		return err
	}

	// the tracker forgets senders when a room is released; storage does not
	var stored imtypes.Message
	var found bool
	if _, known := r.deliveries.Sender(req.MessageID); !known {
		if stored, found, err = r.lookup(ctx, req.MessageID); err != nil {
			return err
		}
		if found && stored.RoomKey != key {
			return reject(CodeForbidden, "message %s does not belong to %s", req.MessageID, key)
		}
	}

	var changed bool
	r.withRoom(key, func() {
		if found {
			r.deliveries.Seed(key, stored.ID, stored.SenderID, stored.DeliveryState)
		}
		if owner, ok := r.deliveries.Room(req.MessageID); ok && owner != key {
			err = reject(CodeForbidden, "message %s does not belong to %s", req.MessageID, key)
			return
		}
		if sender, ok := r.deliveries.Sender(req.MessageID); ok && sender == p.UserID() {
			// a sender rendering its own message is not a read receipt
			return
		}
		if _, changed = r.deliveries.Advance(key, req.MessageID, imtypes.StateRead); changed {
			r.broadcast(key, imtypes.MessageStatusEvent, imtypes.MessageStatusPayload{
				MessageID: req.MessageID,
				RoomKey:   key,
				Status:    imtypes.StateRead,
			}, nil)
		}
	})
	if err != nil || !changed {
		return err
	}

	change := imtypes.StatusChange{MessageID: req.MessageID, RoomKey: key, State: imtypes.StateRead, At: r.opts.Now().UTC()}
	if !r.begin() {
		r.logger.Warn("read receipt not recorded, router closed", zap.String("message_id", change.MessageID))
		return nil
	}
	go func() {
		defer r.pending.Done()
		if err := r.store.RecordStatus(context.Background(), change); err != nil {
			r.logger.Warn("read receipt not recorded", zap.String("message_id", change.MessageID), zap.Error(err))
		}
	}()
	return nil
}

func (r *Router) handleTyping(_ context.Context, p websocket.Peer, payload json.RawMessage) error {
	var req imtypes.TypingPayload
	if err := decode(payload, &req); err != nil {
		return err
	}
	if err := actingAs(p, req.UserID); err != nil {
		return err
	}
	key, err := memberRoom(p, req.RoomKey)
	if err != nil {
		return err
	}

	r.withRoom(key, func() {
		if r.typing.Mark(key, p.UserID()) {
			r.broadcast(key, imtypes.TypingEvent, imtypes.TypingSignal{RoomKey: key, UserID: p.UserID(), Typing: true}, p)
		}
	})
	return nil
}

func (r *Router) handleStopTyping(_ context.Context, p websocket.Peer, payload json.RawMessage) error {
	var req imtypes.TypingPayload
	if err := decode(payload, &req); err != nil {
		return err
	}
	if err := actingAs(p, req.UserID); err != nil {
		return err
	}
	key, err := memberRoom(p, req.RoomKey)
	if err != nil {
		return err
	}

	r.withRoom(key, func() {
		if r.typing.Stop(key, p.UserID()) {
			r.broadcast(key, imtypes.TypingEvent, imtypes.TypingSignal{RoomKey: key, UserID: p.UserID()}, p)
		}
	})
	return nil
}

func (r *Router) handleReaction(_ context.Context, p websocket.Peer, payload json.RawMessage) error {
	var req imtypes.ReactionPayload
	if err := decode(payload, &req); err != nil {
		return err
	}
	if err := actingAs(p, req.UserID); err != nil {
		return err
	}
	if req.MessageID == "" {
		return reject(CodeInvalidPayload, "messageId is required")
	}
	key, err := memberRoom(p, req.RoomKey)
	if err != nil {
		return err
	}
	kind := reaction.None
	if req.Kind != nil {
		if kind, err = reaction.ParseKind(*req.Kind); err != nil {
			return err
		}
	}

	r.withRoom(key, func() {
		if owner, ok := r.deliveries.Room(req.MessageID); ok && owner != key {
			err = reject(CodeForbidden, "message %s does not belong to %s", req.MessageID, key)
			return
		}
		if delta, changed := r.reactions.Set(key, req.MessageID, p.UserID(), kind); changed {
			r.broadcast(key, imtypes.ReactionEvent, delta, nil)
		}
	})
	return err
}

func (r *Router) handleHistory(ctx context.Context, p websocket.Peer, payload json.RawMessage) error {
	var req imtypes.HistoryRequest
	if err := decode(payload, &req); err != nil {
		return err
	}
	hist, err := r.History(ctx, p.UserID(), req.PeerID, req.Limit)
	if err != nil {
		return err
	}
	r.sendTo(p, imtypes.HistoryEvent, hist)
	return nil
}

// History loads the persisted messages userID exchanged with peerID, oldest
// first, with live delivery state and the current reactions laid over them.
// A limit outside (0, HistoryLimit] is clamped to HistoryLimit.
func (r *Router) History(ctx context.Context, userID, peerID string, limit int) (imtypes.HistoryPayload, error) {
	key, err := room.Resolve(userID, peerID)
	if err != nil {
		return imtypes.HistoryPayload{}, &Error{Code: CodeInvalidRoom, Err: err}
	}
	if limit <= 0 || limit > r.opts.HistoryLimit {
		limit = r.opts.HistoryLimit
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.HistoryTimeout)
	defer cancel()
	msgs, err := r.store.FetchHistory(ctx, key, limit)
	if err != nil {
		r.logger.Warn("history fetch failed", zap.String("room", key.String()), zap.Error(err))
		return imtypes.HistoryPayload{}, reject(CodeHistoryUnavailable, "history for %s is unavailable", key)
	}
	if msgs == nil {
		msgs = []imtypes.Message{}
	}

	r.withRoom(key, func() {
		// only rooms with members hold tracker state; others are never released
		seed := r.hub.Members(key) > 0
		for i := range msgs {
			if seed {
				r.deliveries.Seed(key, msgs[i].ID, msgs[i].SenderID, msgs[i].DeliveryState)
			}
			// live state may be ahead of what storage has seen
			if state, ok := r.deliveries.State(msgs[i].ID); ok && state.Rank() > msgs[i].DeliveryState.Rank() {
				msgs[i].DeliveryState = state
			}
		}
	})
	return imtypes.HistoryPayload{
		RoomKey:   key,
		Messages:  msgs,
		Reactions: r.reactions.Snapshot(key),
	}, nil
}

// lookup fetches a stored message under the history timeout.
func (r *Router) lookup(ctx context.Context, messageID string) (imtypes.Message, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.HistoryTimeout)
	defer cancel()
	msg, found, err := r.store.Lookup(ctx, messageID)
	if err != nil {
		r.logger.Warn("message lookup failed", zap.String("message_id", messageID), zap.Error(err))
		return imtypes.Message{}, false, reject(CodeStoreUnavailable, "message %s cannot be checked right now", messageID)
	}
	return msg, found, nil
}
