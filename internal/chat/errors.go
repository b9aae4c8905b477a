package chat

import (
	"errors"
	"fmt"

	"campus-chat/internal/reaction"
	"campus-chat/internal/room"
)

// Wire error codes sent in error events.
const (
	CodeInvalidPayload     = "invalid_payload"
	CodeUnknownEvent       = "unknown_event"
	CodeForbidden          = "forbidden"
	CodeInvalidRoom        = "invalid_room"
	CodeEmptyMessage       = "empty_message"
	CodeInvalidReaction    = "invalid_reaction"
	CodeHistoryUnavailable = "history_unavailable"
	CodeStoreUnavailable   = "store_unavailable"
	CodeShuttingDown       = "shutting_down"
)

var (
	ErrForbidden    = errors.New("not allowed for this connection")
	ErrEmptyMessage = errors.New("message has neither content nor attachment")
	ErrUnknownEvent = errors.New("unknown event type")
)

// Error is a rejected client event. It never changes shared state.
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string { return e.Code + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

func reject(code string, format string, args ...any) error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf maps an error returned by the router to its wire code.
func CodeOf(err error) string {
	var chatErr *Error
	switch {
	case errors.As(err, &chatErr):
		return chatErr.Code
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrEmptyMessage):
		return CodeEmptyMessage
	case errors.Is(err, ErrUnknownEvent):
		return CodeUnknownEvent
	case errors.Is(err, room.ErrInvalidKey), errors.Is(err, room.ErrSelfChat),
		errors.Is(err, room.ErrEmptyParticipant), errors.Is(err, room.ErrInvalidParticipant):
		return CodeInvalidRoom
	case errors.Is(err, reaction.ErrUnknownKind):
		return CodeInvalidReaction
	}
	return CodeInvalidPayload
}
