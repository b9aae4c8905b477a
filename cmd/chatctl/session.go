package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"campus-chat/internal/imtypes"
	"campus-chat/internal/room"
	"campus-chat/internal/timeline"
)

// session renders one conversation and decides which frames to send back.
type session struct {
	user string
	peer string
	key  room.Key
	ack  bool

	tl  *timeline.Timeline
	out io.Writer
	now func() time.Time
}

func newSession(user, peer string, ack bool, out io.Writer) (*session, error) {
	key, err := room.Resolve(user, peer)
	if err != nil {
		return nil, err
	}
	return &session{user: user, peer: peer, key: key, ack: ack, tl: timeline.New(0), out: out, now: time.Now}, nil
}

// opening returns the frames sent right after connecting.
func (s *session) opening(historyLimit int) ([][]byte, error) {
	join, err := imtypes.Encode(imtypes.JoinRoomEvent, imtypes.RoomPayload{RoomKey: string(s.key)})
	if err != nil {
		return nil, err
	}
	frames := [][]byte{join}
	if historyLimit > 0 {
		hist, err := imtypes.Encode(imtypes.HistoryEvent, imtypes.HistoryRequest{PeerID: s.peer, Limit: historyLimit})
		if err != nil {
			return nil, err
		}
		frames = append(frames, hist)
	}
	return frames, nil
}

// draft renders a line typed by the user and returns the send_message frame.
func (s *session) draft(content string) ([]byte, error) {
	clientID := "tmp-" + uuid.NewString()
	s.tl.AddProvisional(imtypes.Message{
		ClientID: clientID, RoomKey: s.key, SenderID: s.user, RecipientID: s.peer,
		Content: content, CreatedAt: s.now(), DeliveryState: imtypes.StateSent,
	})
	return imtypes.Encode(imtypes.SendMessageEvent, imtypes.SendMessagePayload{
		ClientID: clientID, SenderID: s.user, RecipientID: s.peer, RoomKey: string(s.key), Content: content,
	})
}

// handle applies one server frame and returns the frames to answer with.
func (s *session) handle(frame []byte) ([][]byte, error) {
	var env imtypes.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch env.Type {
	case imtypes.ReceiveMessageEvent:
		var msg imtypes.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, err
		}
		if msg.RoomKey != s.key {
			return nil, nil
		}
		if !s.tl.Merge(msg) || msg.SenderID != s.user {
			s.printMessage(msg)
		}
		return s.acknowledge(msg)

	case imtypes.HistoryEvent:
		var hist imtypes.HistoryPayload
		if err := json.Unmarshal(env.Payload, &hist); err != nil {
			return nil, err
		}
		fmt.Fprintf(s.out, "-- %d earlier messages --\n", len(hist.Messages))
		var acks [][]byte
		for _, msg := range hist.Messages {
			s.tl.Merge(msg)
			s.printMessage(msg)
			a, err := s.acknowledge(msg)
			if err != nil {
				return nil, err
			}
			acks = append(acks, a...)
		}
		return acks, nil

	case imtypes.MessageAcceptedEvent:
		var acc imtypes.MessageAcceptedPayload
		if err := json.Unmarshal(env.Payload, &acc); err != nil {
			return nil, err
		}
		s.tl.Accept(acc.ClientID, acc.MessageID, acc.CreatedAt)

	case imtypes.MessageStatusEvent:
		var st imtypes.MessageStatusPayload
		if err := json.Unmarshal(env.Payload, &st); err != nil {
			return nil, err
		}
		if s.tl.ApplyStatus(st.MessageID, st.Status) {
			fmt.Fprintf(s.out, "   [%s %s]\n", short(st.MessageID), st.Status)
		}

	case imtypes.SendFailedEvent:
		var f imtypes.SendFailedPayload
		if err := json.Unmarshal(env.Payload, &f); err != nil {
			return nil, err
		}
		s.tl.MarkFailed(f.ClientID, f.MessageID)
		fmt.Fprintf(s.out, "!! message %s was not saved: %s\n", short(f.MessageID), f.Reason)

	case imtypes.TypingEvent:
		var sig imtypes.TypingSignal
		if err := json.Unmarshal(env.Payload, &sig); err != nil {
			return nil, err
		}
		if sig.UserID != s.user && sig.Typing {
			fmt.Fprintf(s.out, "   %s is typing...\n", sig.UserID)
		}

	case imtypes.ReactionEvent:
		var d imtypes.ReactionDelta
		if err := json.Unmarshal(env.Payload, &d); err != nil {
			return nil, err
		}
		if d.Removed {
			fmt.Fprintf(s.out, "   %s removed their reaction on %s\n", d.UserID, short(d.MessageID))
		} else {
			fmt.Fprintf(s.out, "   %s reacted %s on %s\n", d.UserID, d.Kind, short(d.MessageID))
		}

	case imtypes.ErrorEvent:
		var e imtypes.ErrorPayload
		if err := json.Unmarshal(env.Payload, &e); err != nil {
			return nil, err
		}
		fmt.Fprintf(s.out, "!! %s rejected (%s): %s\n", e.Event, e.Code, e.Message)
	}
	return nil, nil
}

// acknowledge reads messages from the peer that are not read yet.
func (s *session) acknowledge(msg imtypes.Message) ([][]byte, error) {
	if !s.ack || msg.SenderID == s.user || msg.DeliveryState == imtypes.StateRead {
		return nil, nil
	}
	frame, err := imtypes.Encode(imtypes.MessageReadEvent, imtypes.ReadPayload{
		MessageID: msg.ID, RoomKey: string(s.key), UserID: s.user,
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (s *session) printMessage(msg imtypes.Message) {
	from := msg.SenderID
	if from == s.user {
		from = "you"
	}
	line := msg.Content
	if msg.Attachment != nil {
		line += fmt.Sprintf(" [%s, %d bytes]", msg.Attachment.Name, msg.Attachment.SizeBytes)
	}
	fmt.Fprintf(s.out, "[%s] %s: %s\n", msg.CreatedAt.Local().Format("15:04:05"), from, line)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
