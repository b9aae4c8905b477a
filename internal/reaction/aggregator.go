// Package reaction aggregates per-message emoji reactions for live rooms.
package reaction

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"campus-chat/internal/imtypes"
	"campus-chat/internal/room"
)

// Kind is one of the fixed reaction kinds. The zero value means no reaction.
type Kind string

const (
	None  Kind = ""
	Like  Kind = "like"
	Love  Kind = "love"
	Laugh Kind = "laugh"
	Sad   Kind = "sad"
	Angry Kind = "angry"
	Wow   Kind = "wow"
)

var ErrUnknownKind = errors.New("reaction: unknown kind")

// ParseKind maps the wire value to a Kind. The empty string and "none" map
// to None.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case None, "none":
		return None, nil
	case Like, Love, Laugh, Sad, Angry, Wow:
		return k, nil
	}
	return None, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

type messageReactions struct {
	room  room.Key
	users map[string]Kind
}

// Aggregator holds at most one reaction per (message, user).
type Aggregator struct {
	mu       sync.Mutex
	messages map[string]*messageReactions
	rooms    map[room.Key]map[string]struct{}
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		messages: make(map[string]*messageReactions),
		rooms:    make(map[room.Key]map[string]struct{}),
	}
}

// Set records userID's reaction to messageID. Setting the kind the user
// already has changes nothing; None removes the reaction. The returned delta
// is only meaningful when changed is true.
func (a *Aggregator) Set(key room.Key, messageID, userID string, kind Kind) (imtypes.ReactionDelta, bool) {
	if kind == None {
		return a.Clear(key, messageID, userID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	mr, ok := a.messages[messageID]
	if !ok {
		mr = &messageReactions{room: key, users: make(map[string]Kind)}
		a.messages[messageID] = mr
		ids, ok := a.rooms[key]
		if !ok {
			ids = make(map[string]struct{})
			a.rooms[key] = ids
		}
		ids[messageID] = struct{}{}
	}
	if mr.users[userID] == kind {
		return imtypes.ReactionDelta{}, false
	}
	mr.users[userID] = kind
	return imtypes.ReactionDelta{
		MessageID: messageID,
		RoomKey:   mr.room,
		UserID:    userID,
		Kind:      string(kind),
	}, true
}

// Clear removes userID's reaction to messageID, if any.
func (a *Aggregator) Clear(key room.Key, messageID, userID string) (imtypes.ReactionDelta, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	mr, ok := a.messages[messageID]
	if !ok {
		return imtypes.ReactionDelta{}, false
	}
	if _, ok := mr.users[userID]; !ok {
		return imtypes.ReactionDelta{}, false
	}
	delete(mr.users, userID)
	if len(mr.users) == 0 {
		a.removeMessage(messageID, mr.room)
	}
	return imtypes.ReactionDelta{
		MessageID: messageID,
		RoomKey:   mr.room,
		UserID:    userID,
		Removed:   true,
	}, true
}

// List returns the reactions on messageID ordered by user id.
func (a *Aggregator) List(messageID string) []imtypes.ReactionEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	mr, ok := a.messages[messageID]
	if !ok {
		return nil
	}
	return entries(mr)
}

// Counts returns the number of users per kind on messageID.
func (a *Aggregator) Counts(messageID string) map[Kind]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	counts := make(map[Kind]int)
	if mr, ok := a.messages[messageID]; ok {
		for _, k := range mr.users {
			counts[k]++
		}
	}
	return counts
}

// Snapshot returns every message's reactions in the room, keyed by message id.
func (a *Aggregator) Snapshot(key room.Key) map[string][]imtypes.ReactionEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := a.rooms[key]
	if len(ids) == 0 {
		return nil
	}
	out := make(map[string][]imtypes.ReactionEntry, len(ids))
	for id := range ids {
		out[id] = entries(a.messages[id])
	}
	return out
}

// DropRoom forgets every reaction in the room.
func (a *Aggregator) DropRoom(key room.Key) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := a.rooms[key]
	for id := range ids {
		delete(a.messages, id)
	}
	delete(a.rooms, key)
	return len(ids)
}

func (a *Aggregator) removeMessage(messageID string, key room.Key) {
	delete(a.messages, messageID)
	if ids, ok := a.rooms[key]; ok {
		delete(ids, messageID)
		if len(ids) == 0 {
			delete(a.rooms, key)
		}
	}
}

func entries(mr *messageReactions) []imtypes.ReactionEntry {
	out := make([]imtypes.ReactionEntry, 0, len(mr.users))
	for user, kind := range mr.users {
		out = append(out, imtypes.ReactionEntry{UserID: user, Kind: string(kind)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
