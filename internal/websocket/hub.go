package websocket

import (
	"context"

	"go.uber.org/zap"

	"campus-chat/internal/metrics"
	"campus-chat/internal/room"
)

// Peer is one live connection as seen by the hub.
type Peer interface {
	// ID is unique per connection.
	ID() string
	// UserID is the authenticated user behind the connection.
	UserID() string
	// Send queues a frame without blocking and reports whether it was queued.
	Send(frame []byte) bool
	// Close shuts the connection down. It is safe to call more than once.
	Close()
}

type peerState struct {
	rooms   map[room.Key]struct{}
	evicted bool
}

type membership struct {
	peer  Peer
	key   room.Key
	reply chan bool
}

type departure struct {
	peer  Peer
	all   bool // true: unregister, false: leave every room but stay registered
	reply chan []room.Key
}

type broadcast struct {
	key     room.Key
	frame   []byte
	exclude Peer
	reply   chan int
}

type memberCount struct {
	key   room.Key
	reply chan int
}

// Hub maintains the set of active connections and their room memberships.
// All state is owned by the Run loop; the exported methods are requests to it.
type Hub struct {
	logger *zap.Logger

	peers map[Peer]*peerState
	rooms map[room.Key]map[Peer]struct{}

	register   chan membership
	unregister chan departure
	join       chan membership
	leave      chan membership
	broadcast  chan broadcast
	members    chan memberCount

	done chan struct{}
}

// NewHub creates a new Hub. Run must be started before any other method is
// called.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger.Named("hub"),
		peers:      make(map[Peer]*peerState),
		rooms:      make(map[room.Key]map[Peer]struct{}),
		register:   make(chan membership),
		unregister: make(chan departure),
		join:       make(chan membership),
		leave:      make(chan membership),
		broadcast:  make(chan broadcast),
		members:    make(chan memberCount),
		done:       make(chan struct{}),
	}
}

// Run processes hub requests until ctx is cancelled, then closes every
// registered connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("hub run loop started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for p := range h.peers {
				p.Close()
			}
			metrics.ConnectionsActive.Sub(float64(len(h.peers)))
			h.logger.Info("hub stopped", zap.Int("closed_connections", len(h.peers)))
			h.peers = map[Peer]*peerState{}
			h.rooms = map[room.Key]map[Peer]struct{}{}
			return

		case req := <-h.register:
			_, exists := h.peers[req.peer]
			if !exists {
				h.peers[req.peer] = &peerState{rooms: make(map[room.Key]struct{})}
				metrics.ConnectionsActive.Inc()
				h.logger.Debug("connection registered",
					zap.String("conn", req.peer.ID()), zap.String("user", req.peer.UserID()))
			}
			req.reply <- !exists

		case req := <-h.unregister:
			req.reply <- h.depart(req.peer, req.all)

		case req := <-h.join:
			req.reply <- h.doJoin(req.peer, req.key)

		case req := <-h.leave:
			req.reply <- h.doLeave(req.peer, req.key)

		case req := <-h.broadcast:
			req.reply <- h.doBroadcast(req.key, req.frame, req.exclude)

		case req := <-h.members:
			req.reply <- len(h.rooms[req.key])
		}
	}
}

// Register adds a live connection. It reports false if the connection was
// already registered or the hub has stopped.
func (h *Hub) Register(p Peer) bool {
	reply := make(chan bool, 1)
	select {
	case h.register <- membership{peer: p, reply: reply}:
		return <-reply
	case <-h.done:
		return false
	}
}

// Unregister removes a connection and every membership it held, returning
// the rooms it was a member of.
func (h *Hub) Unregister(p Peer) []room.Key {
	return h.requestDeparture(p, true)
}

// LeaveAll releases every membership of p but keeps it registered.
func (h *Hub) LeaveAll(p Peer) []room.Key {
	return h.requestDeparture(p, false)
}

// Join adds p to the room. Joining twice is a no-op reported as false, as is
// joining with a connection the hub does not know.
func (h *Hub) Join(p Peer, key room.Key) bool {
	return h.requestMembership(h.join, p, key)
}

// Leave removes p from the room and reports whether it was a member.
func (h *Hub) Leave(p Peer, key room.Key) bool {
	return h.requestMembership(h.leave, p, key)
}

// Broadcast queues frame on every member of the room except exclude, which
// may be nil. It returns once the frame is queued everywhere and reports the
// number of connections it reached. A member whose buffer is full is closed.
func (h *Hub) Broadcast(key room.Key, frame []byte, exclude Peer) int {
	reply := make(chan int, 1)
	select {
	case h.broadcast <- broadcast{key: key, frame: frame, exclude: exclude, reply: reply}:
		return <-reply
	case <-h.done:
		return 0
	}
}

// Members returns the number of connections joined to the room.
func (h *Hub) Members(key room.Key) int {
	reply := make(chan int, 1)
	select {
	case h.members <- memberCount{key: key, reply: reply}:
		return <-reply
	case <-h.done:
		return 0
	}
}

func (h *Hub) requestMembership(ch chan membership, p Peer, key room.Key) bool {
	reply := make(chan bool, 1)
	select {
	case ch <- membership{peer: p, key: key, reply: reply}:
		return <-reply
	case <-h.done:
		return false
	}
}

func (h *Hub) requestDeparture(p Peer, all bool) []room.Key {
	reply := make(chan []room.Key, 1)
	select {
	case h.unregister <- departure{peer: p, all: all, reply: reply}:
		return <-reply
	case <-h.done:
		return nil
	}
}

func (h *Hub) doJoin(p Peer, key room.Key) bool {
	st, ok := h.peers[p]
	if !ok || st.evicted {
		return false
	}
	if _, member := st.rooms[key]; member {
		return false
	}
	st.rooms[key] = struct{}{}
	members, ok := h.rooms[key]
	if !ok {
		members = make(map[Peer]struct{})
		h.rooms[key] = members
	}
	members[p] = struct{}{}
	return true
}

func (h *Hub) doLeave(p Peer, key room.Key) bool {
	st, ok := h.peers[p]
	if !ok {
		return false
	}
	if _, member := st.rooms[key]; !member {
		return false
	}
	delete(st.rooms, key)
	h.removeMember(key, p)
	return true
}

func (h *Hub) depart(p Peer, unregister bool) []room.Key {
	st, ok := h.peers[p]
	if !ok {
		return nil
	}
	rooms := make([]room.Key, 0, len(st.rooms))
	for key := range st.rooms {
		rooms = append(rooms, key)
		h.removeMember(key, p)
	}
	st.rooms = make(map[room.Key]struct{})

	if unregister {
		delete(h.peers, p)
		metrics.ConnectionsActive.Dec()
		h.logger.Debug("connection unregistered",
			zap.String("conn", p.ID()), zap.String("user", p.UserID()), zap.Int("rooms", len(rooms)))
	}
	return rooms
}

func (h *Hub) removeMember(key room.Key, p Peer) {
	members := h.rooms[key]
	delete(members, p)
	if len(members) == 0 {
		delete(h.rooms, key)
	}
}

func (h *Hub) doBroadcast(key room.Key, frame []byte, exclude Peer) int {
	sent := 0
	for p := range h.rooms[key] {
		if exclude != nil && p == exclude {
			continue
		}
		st := h.peers[p]
		if st == nil || st.evicted {
			continue
		}
		if p.Send(frame) {
			sent++
			continue
		}
		// Slow consumer. Memberships stay until the read pump unregisters
		// the connection so disconnect cleanup still sees them.
		st.evicted = true
		metrics.BroadcastDropped.Inc()
		h.logger.Warn("send buffer full, closing connection",
			zap.String("conn", p.ID()), zap.String("user", p.UserID()), zap.String("room", key.String()))
		p.Close()
	}
	return sent
}
