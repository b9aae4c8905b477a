// Package typing keeps transient "is typing" signals that expire on their own.
package typing

import (
	"sort"
	"sync"
	"time"

	"campus-chat/internal/room"
)

// DefaultTimeout is the quiet period after which a typing signal expires.
const DefaultTimeout = 3 * time.Second

// ExpireFunc is called, without any tracker lock held, when a signal expires
// because no refresh or explicit stop arrived in time.
type ExpireFunc func(key room.Key, userID string)

type signalKey struct {
	room room.Key
	user string
}

type signal struct {
	timer *time.Timer
	gen   uint64
}

// Tracker owns one timer per active (room, user) pair.
type Tracker struct {
	timeout  time.Duration
	onExpire ExpireFunc

	mu      sync.Mutex
	signals map[signalKey]*signal
	gen     uint64
	closed  bool
}

// NewTracker creates a Tracker. A non-positive timeout selects DefaultTimeout.
func NewTracker(timeout time.Duration, onExpire ExpireFunc) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		timeout:  timeout,
		onExpire: onExpire,
		signals:  make(map[signalKey]*signal),
	}
}

// Mark starts or refreshes userID's typing countdown in the room. It reports
// true when the user was not typing before.
func (t *Tracker) Mark(key room.Key, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}
	k := signalKey{room: key, user: userID}
	t.gen++
	gen := t.gen
	timer := time.AfterFunc(t.timeout, func() { t.expire(k, gen) })

	if s, ok := t.signals[k]; ok {
		s.timer.Stop()
		s.timer = timer
		s.gen = gen
		return false
	}
	t.signals[k] = &signal{timer: timer, gen: gen}
	return true
}

// Stop cancels userID's signal in the room and reports whether one was
// active. No expiry callback fires for a stopped signal.
func (t *Tracker) Stop(key room.Key, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopLocked(signalKey{room: key, user: userID})
}

// StopUser cancels userID's signals in the given rooms and returns the rooms
// in which a signal was active.
func (t *Tracker) StopUser(userID string, rooms []room.Key) []room.Key {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stopped []room.Key
	for _, key := range rooms {
		if t.stopLocked(signalKey{room: key, user: userID}) {
			stopped = append(stopped, key)
		}
	}
	return stopped
}

// Active returns the users currently typing in the room, sorted.
func (t *Tracker) Active(key room.Key) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var users []string
	for k := range t.signals {
		if k.room == key {
			users = append(users, k.user)
		}
	}
	sort.Strings(users)
	return users
}

// IsTyping reports whether userID has an active signal in the room.
func (t *Tracker) IsTyping(key room.Key, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.signals[signalKey{room: key, user: userID}]
	return ok
}

// Len returns the number of active signals.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.signals)
}

// Close cancels every timer. Later calls to Mark are ignored.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for k, s := range t.signals {
		s.timer.Stop()
		delete(t.signals, k)
	}
}

func (t *Tracker) stopLocked(k signalKey) bool {
	s, ok := t.signals[k]
	if !ok {
		return false
	}
	s.timer.Stop()
	delete(t.signals, k)
	return true
}

func (t *Tracker) expire(k signalKey, gen uint64) {
	t.mu.Lock()
	s, ok := t.signals[k]
	if !ok || s.gen != gen {
		// refreshed or stopped after this timer fired
		t.mu.Unlock()
		return
	}
	delete(t.signals, k)
	t.mu.Unlock()

	if t.onExpire != nil {
		t.onExpire(k.room, k.user)
	}
}
