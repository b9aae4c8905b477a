// Package delivery tracks the Sent -> Delivered -> Read lifecycle of messages
// that are live in some room.
package delivery

import (
	"sync"

	"campus-chat/internal/imtypes"
	"campus-chat/internal/room"
)

type entry struct {
	room   room.Key
	sender string
	state  imtypes.DeliveryState
}

// Tracker is the only authority for in-memory delivery state. Transitions are
// forward-only; repeating or reversing one is a no-op.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry
	rooms   map[room.Key]map[string]struct{}
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		entries: make(map[string]*entry),
		rooms:   make(map[room.Key]map[string]struct{}),
	}
}

// Track registers a freshly accepted message in state Sent. Tracking a
// message that is already known keeps its current state.
func (t *Tracker) Track(key room.Key, messageID, senderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[messageID]; ok {
		if e.sender == "" {
			e.sender = senderID
		}
		return
	}
	t.insert(key, messageID, &entry{room: key, sender: senderID, state: imtypes.StateSent})
}

// Seed registers a message known from storage with its stored state. An
// already tracked message gains the sender if it had none and moves forward
// to state if that is ahead of what the tracker holds.
func (t *Tracker) Seed(key room.Key, messageID, senderID string, state imtypes.DeliveryState) {
	if !state.Valid() || messageID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[messageID]
	if !ok {
		t.insert(key, messageID, &entry{room: key, sender: senderID, state: state})
		return
	}
	if e.sender == "" {
		e.sender = senderID
	}
	if state.Rank() > e.state.Rank() {
		e.state = state
	}
}

// Advance moves messageID to state to if that is a forward transition and
// reports the resulting state and whether it changed. Messages the tracker
// has never seen are created on the spot.
func (t *Tracker) Advance(key room.Key, messageID string, to imtypes.DeliveryState) (imtypes.DeliveryState, bool) {
	if !to.Valid() || messageID == "" {
		return "", false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[messageID]
	if !ok {
		t.insert(key, messageID, &entry{room: key, state: to})
		return to, true
	}
	if to.Rank() <= e.state.Rank() {
		return e.state, false
	}
	e.state = to
	return to, true
}

// State returns the tracked state of messageID.
func (t *Tracker) State(messageID string) (imtypes.DeliveryState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[messageID]
	if !ok {
		return "", false
	}
	return e.state, true
}

// Sender returns the sender recorded by Track. Lazily created entries have
// no sender.
func (t *Tracker) Sender(messageID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[messageID]
	if !ok || e.sender == "" {
		return "", false
	}
	return e.sender, true
}

// Room returns the room a tracked message belongs to.
func (t *Tracker) Room(messageID string) (room.Key, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[messageID]
	if !ok {
		return "", false
	}
	return e.room, true
}

// ForgetRoom drops every message tracked for key and returns how many were
// dropped.
func (t *Tracker) ForgetRoom(key room.Key) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := t.rooms[key]
	for id := range ids {
		delete(t.entries, id)
	}
	delete(t.rooms, key)
	return len(ids)
}

// Len returns the number of tracked messages.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) insert(key room.Key, messageID string, e *entry) {
	t.entries[messageID] = e
	ids, ok := t.rooms[key]
	if !ok {
		ids = make(map[string]struct{})
		t.rooms[key] = ids
	}
	ids[messageID] = struct{}{}
}
