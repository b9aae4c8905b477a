// Package timeline keeps a client's view of one conversation, reconciling
// optimistic local copies with the durable messages the server sends back.
package timeline

import (
	"sort"
	"sync"
	"time"

	"campus-chat/internal/imtypes"
)

// DefaultMatchWindow bounds the sender and content fallback match.
const DefaultMatchWindow = 30 * time.Second

// Entry is one rendered message.
type Entry struct {
	imtypes.Message
	// Provisional entries were rendered locally and not yet acknowledged.
	Provisional bool
	// Failed is set when the server reported the send as failed.
	Failed bool
}

// Timeline is safe for concurrent use.
type Timeline struct {
	mu      sync.Mutex
	window  time.Duration
	entries []*Entry
}

// New returns an empty timeline. A non-positive window selects
// DefaultMatchWindow.
func New(window time.Duration) *Timeline {
	if window <= 0 {
		window = DefaultMatchWindow
	}
	return &Timeline{window: window}
}

// AddProvisional renders a local copy of a draft. msg.ClientID identifies it
// until the durable message arrives; msg.ID defaults to it.
func (t *Timeline) AddProvisional(msg imtypes.Message) {
	if msg.ID == "" {
		msg.ID = msg.ClientID
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.insert(&Entry{Message: msg, Provisional: true})
}

// Merge folds a durable message into the timeline. It reports whether an
// existing entry was replaced rather than a new one appended.
func (t *Timeline) Merge(msg imtypes.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.match(msg)
	if idx < 0 {
		t.insert(&Entry{Message: msg})
		return false
	}

	old := t.entries[idx]
	if old.DeliveryState.Rank() > msg.DeliveryState.Rank() {
		msg.DeliveryState = old.DeliveryState
	}
	if msg.ClientID == "" {
		msg.ClientID = old.ClientID
	}
	t.entries = append(t.entries[:idx], t.entries[idx+1:]...)
	t.insert(&Entry{Message: msg})
	return true
}

// Accept binds a provisional entry to its server id ahead of the durable
// message.
func (t *Timeline) Accept(clientID, messageID string, createdAt time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.entries {
		if e.Provisional && e.ClientID == clientID {
			e.ID = messageID
			e.Provisional = false
			if !createdAt.IsZero() {
				e.CreatedAt = createdAt
				t.entries = append(t.entries[:i], t.entries[i+1:]...)
				t.insert(e)
			}
			return true
		}
	}
	return false
}

// ApplyStatus advances the delivery state of a message. Regressions are
// ignored.
func (t *Timeline) ApplyStatus(messageID string, state imtypes.DeliveryState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.ID == messageID {
			if state.Rank() <= e.DeliveryState.Rank() {
				return false
			}
			e.DeliveryState = state
			return true
		}
	}
	return false
}

// MarkFailed flags the entry a send_failed event refers to.
func (t *Timeline) MarkFailed(clientID, messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if (messageID != "" && e.ID == messageID) || (clientID != "" && e.ClientID == clientID) {
			e.Failed = true
			return true
		}
	}
	return false
}

// Entries returns a copy of the timeline, oldest first.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = *e
	}
	return out
}

// Len returns the number of entries.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Timeline) match(msg imtypes.Message) int {
	for i, e := range t.entries {
		if e.ID == msg.ID {
			return i
		}
	}
	if msg.ClientID != "" {
		for i, e := range t.entries {
			if e.Provisional && e.ClientID == msg.ClientID {
				return i
			}
		}
	}
	for i, e := range t.entries {
		if e.Provisional && e.SenderID == msg.SenderID && e.Content == msg.Content && within(e.CreatedAt, msg.CreatedAt, t.window) {
			return i
		}
	}
	return -1
}

// insert keeps entries ordered by CreatedAt; equal times keep arrival order.
func (t *Timeline) insert(e *Entry) {
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].CreatedAt.After(e.CreatedAt)
	})
	t.entries = append(t.entries, nil)
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e
}

func within(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}
