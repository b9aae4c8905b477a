// Package chat routes client events to the trackers that own them and fans
// the results out to room members.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"campus-chat/internal/config"
	"campus-chat/internal/delivery"
	"campus-chat/internal/imtypes"
	"campus-chat/internal/metrics"
	"campus-chat/internal/reaction"
	"campus-chat/internal/room"
	"campus-chat/internal/typing"
	"campus-chat/internal/websocket"
)

const roomLockStripes = 64

// MessageStore is the durable side of the router.
type MessageStore interface {
	// Persist stores msg. It must be idempotent on msg.ID.
	Persist(ctx context.Context, msg *imtypes.Message) error
	// RecordStatus writes a delivery state transition back to storage.
	RecordStatus(ctx context.Context, change imtypes.StatusChange) error
	// FetchHistory returns up to limit messages of the room, oldest first.
	FetchHistory(ctx context.Context, key room.Key, limit int) ([]imtypes.Message, error)
	// Lookup returns the stored message with the given id, if any.
	Lookup(ctx context.Context, messageID string) (imtypes.Message, bool, error)
}

// Options tunes the router.
type Options struct {
	EchoToSender    bool
	TypingTimeout   time.Duration
	HistoryLimit    int
	HistoryTimeout  time.Duration
	MaxContentBytes int

	// Now and NewID are replaced in tests.
	Now   func() time.Time
	NewID func() string
}

// OptionsFromConfig maps the CHAT config section onto router options.
func OptionsFromConfig(cfg config.ChatConfig) Options {
	return Options{
		EchoToSender:    cfg.EchoToSender,
		TypingTimeout:   cfg.TypingTimeout,
		HistoryLimit:    cfg.HistoryLimit,
		HistoryTimeout:  cfg.HistoryTimeout,
		MaxContentBytes: cfg.MaxContentBytes,
	}
}

type handlerFunc func(ctx context.Context, p websocket.Peer, payload json.RawMessage) error

// Router implements websocket.Dispatcher.
type Router struct {
	hub    *websocket.Hub
	store  MessageStore
	opts   Options
	logger *zap.Logger

	deliveries *delivery.Tracker
	reactions  *reaction.Aggregator
	typing     *typing.Tracker

	// Room state changes and the broadcasts announcing them happen under
	// the room's stripe so members observe them in acceptance order.
	locks [roomLockStripes]sync.Mutex

	handlers map[imtypes.EventType]handlerFunc

	// pending tracks persistence and status write-backs still in flight.
	// No write-back starts once closed is set.
	closeMu sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

var _ websocket.Dispatcher = (*Router)(nil)

// NewRouter wires the trackers to the hub and the message store.
func NewRouter(hub *websocket.Hub, store MessageStore, opts Options, logger *zap.Logger) *Router {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if opts.HistoryTimeout <= 0 {
		opts.HistoryTimeout = 5 * time.Second
	}
	if opts.MaxContentBytes <= 0 {
		opts.MaxContentBytes = 4096
	}

	r := &Router{
		hub:        hub,
		store:      store,
		opts:       opts,
		logger:     logger.Named("router"),
		deliveries: delivery.NewTracker(),
		reactions:  reaction.NewAggregator(),
	}
	r.typing = typing.NewTracker(opts.TypingTimeout, r.typingExpired)
	r.handlers = map[imtypes.EventType]handlerFunc{
		imtypes.JoinRoomEvent:    r.handleJoin,
		imtypes.LeaveRoomEvent:   r.handleLeave,
		imtypes.SendMessageEvent: r.handleSend,
		imtypes.TypingEvent:      r.handleTyping,
		imtypes.StopTypingEvent:  r.handleStopTyping,
		imtypes.ReactionEvent:    r.handleReaction,
		imtypes.MessageReadEvent: r.handleRead,
		imtypes.HistoryEvent:     r.handleHistory,
	}
	return r
}

// Dispatch decodes one frame and hands it to the handler owning its event
// type. A rejected event is answered with an error event to p only.
func (r *Router) Dispatch(ctx context.Context, p websocket.Peer, frame []byte) {
	var env imtypes.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		r.rejectEvent(p, "", reject(CodeInvalidPayload, "malformed envelope: %v", err))
		return
	}
	handler, ok := r.handlers[env.Type]
	if !ok {
		r.rejectEvent(p, env.Type, fmt.Errorf("%w %q", ErrUnknownEvent, env.Type))
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			metrics.EventsTotal.WithLabelValues(string(env.Type), metrics.ResultPanic).Inc()
			r.logger.Error("event handler panicked",
				zap.String("event", string(env.Type)),
				zap.String("conn", p.ID()),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	if err := handler(ctx, p, env.Payload); err != nil {
		r.rejectEvent(p, env.Type, err)
		return
	}
	metrics.EventsTotal.WithLabelValues(string(env.Type), metrics.ResultOK).Inc()
}

// Disconnect releases everything a departed connection held in rooms.
func (r *Router) Disconnect(p websocket.Peer, rooms []room.Key) {
	for _, key := range rooms {
		r.withRoom(key, func() {
			if r.typing.Stop(key, p.UserID()) {
				r.broadcast(key, imtypes.TypingEvent, imtypes.TypingSignal{RoomKey: key, UserID: p.UserID()}, nil)
			}
			r.releaseIfEmpty(key)
		})
	}
	r.logger.Debug("connection left", zap.String("conn", p.ID()), zap.Int("rooms", len(rooms)))
}

// Close stops typing timers and waits for in-flight persistence. Messages
// sent after Close are rejected.
func (r *Router) Close() {
	r.closeMu.Lock()
	r.closed = true
	r.closeMu.Unlock()

	r.typing.Close()
	r.pending.Wait()
}

// begin registers one background write-back. It reports false once the
// router is closed.
func (r *Router) begin() bool {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	if r.closed {
		return false
	}
	r.pending.Add(1)
	return true
}

func (r *Router) rejectEvent(p websocket.Peer, event imtypes.EventType, err error) {
	code := CodeOf(err)
	label := string(event)
	if label == "" || code == CodeUnknownEvent {
		label = "unknown"
	}
	metrics.EventsTotal.WithLabelValues(label, metrics.ResultRejected).Inc()
	r.logger.Debug("event rejected",
		zap.String("event", string(event)), zap.String("conn", p.ID()), zap.String("code", code), zap.Error(err))
	r.sendTo(p, imtypes.ErrorEvent, imtypes.ErrorPayload{Event: event, Code: code, Message: err.Error()})
}

func (r *Router) lockFor(key room.Key) *sync.Mutex {
	return &r.locks[xxhash.Sum64String(string(key))%roomLockStripes]
}

func (r *Router) withRoom(key room.Key, fn func()) {
	mu := r.lockFor(key)
	mu.Lock()
	defer mu.Unlock()
	fn()
}

// broadcast must be called with the room's lock held.
func (r *Router) broadcast(key room.Key, t imtypes.EventType, payload any, exclude websocket.Peer) {
	frame, err := imtypes.Encode(t, payload)
	if err != nil {
		r.logger.Error("encode broadcast", zap.String("event", string(t)), zap.Error(err))
		return
	}
	r.hub.Broadcast(key, frame, exclude)
}

func (r *Router) sendTo(p websocket.Peer, t imtypes.EventType, payload any) {
	frame, err := imtypes.Encode(t, payload)
	if err != nil {
		r.logger.Error("encode reply", zap.String("event", string(t)), zap.Error(err))
		return
	}
	if !p.Send(frame) {
		r.logger.Debug("reply dropped", zap.String("event", string(t)), zap.String("conn", p.ID()))
	}
}

// releaseIfEmpty drops in-memory state of a room nobody is joined to. The
// room's lock must be held.
func (r *Router) releaseIfEmpty(key room.Key) {
	if r.hub.Members(key) > 0 {
		return
	}
	msgs := r.deliveries.ForgetRoom(key)
	reacted := r.reactions.DropRoom(key)
	if msgs > 0 || reacted > 0 {
		r.logger.Debug("room released", zap.String("room", key.String()),
			zap.Int("messages", msgs), zap.Int("reacted_messages", reacted))
	}
}

// typingExpired runs on the typing tracker's timer goroutine.
func (r *Router) typingExpired(key room.Key, userID string) {
	r.withRoom(key, func() {
		if r.typing.IsTyping(key, userID) {
			// marked again between expiry and this callback
			return
		}
		metrics.TypingExpired.Inc()
		r.broadcast(key, imtypes.TypingEvent, imtypes.TypingSignal{RoomKey: key, UserID: userID}, nil)
	})
}
