// Package presence tracks which live connections are joined to which board.
// State is process local and is rebuilt by clients rejoining after a restart.
package presence

import (
	"sync"

	"github.com/zlnvch/inkroom/models"
)

type ConnectionId string

type session struct {
	connId   ConnectionId
	roomId   string
	identity models.Identity
}

// Departure describes a connection leaving a room. RoomEmpty is set on the
// single transition that left the room without local members.
type Departure struct {
	ConnId    ConnectionId
	RoomId    string
	Identity  models.Identity
	RoomEmpty bool
}

// Session is a connection's membership as seen by Sessions.
type Session struct {
	ConnId   ConnectionId
	RoomId   string
	Identity models.Identity
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[ConnectionId]session
	rooms    map[string]map[ConnectionId]models.Identity
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[ConnectionId]session),
		rooms:    make(map[string]map[ConnectionId]models.Identity),
	}
}

// Join registers the connection in roomId and returns the roster after the
// join. A connection belongs to at most one room; if it was in another room
// it leaves that room first and the departure is returned.
func (r *Registry) Join(connId ConnectionId, roomId string, identity models.Identity) ([]models.Identity, *Departure) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var previous *Departure
	if s, ok := r.sessions[connId]; ok {
		if s.roomId == roomId {
			return r.rosterLocked(roomId), nil
		}
		d := r.leaveLocked(connId)
		previous = &d
	}

	members, ok := r.rooms[roomId]
	if !ok {
		members = make(map[ConnectionId]models.Identity)
		r.rooms[roomId] = members
	}
	members[connId] = identity
	r.sessions[connId] = session{connId: connId, roomId: roomId, identity: identity}

	return r.rosterLocked(roomId), previous
}

// Leave removes the connection from whatever room it is in. ok is false if
// the connection was not registered.
func (r *Registry) Leave(connId ConnectionId) (Departure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[connId]; !ok {
		return Departure{}, false
	}
	return r.leaveLocked(connId), true
}

func (r *Registry) leaveLocked(connId ConnectionId) Departure {
	s := r.sessions[connId]
	delete(r.sessions, connId)

	d := Departure{ConnId: connId, RoomId: s.roomId, Identity: s.identity}
	members := r.rooms[s.roomId]
	delete(members, connId)
	if len(members) == 0 {
		delete(r.rooms, s.roomId)
		d.RoomEmpty = true
	}
	return d
}

// RosterOf returns the identities in the room, one entry per identity even
// when an identity holds several connections. Order is unspecified.
func (r *Registry) RosterOf(roomId string) []models.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rosterLocked(roomId)
}

func (r *Registry) rosterLocked(roomId string) []models.Identity {
	members := r.rooms[roomId]
	seen := make(map[string]struct{}, len(members))
	roster := make([]models.Identity, 0, len(members))
	for _, identity := range members {
		if _, ok := seen[identity.Id]; ok {
			continue
		}
		seen[identity.Id] = struct{}{}
		roster = append(roster, identity)
	}
	return roster
}

func (r *Registry) ConnectionsOf(roomId string) []ConnectionId {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomId]
	conns := make([]ConnectionId, 0, len(members))
	for connId := range members {
		conns = append(conns, connId)
	}
	return conns
}

func (r *Registry) RoomOf(connId ConnectionId) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[connId]
	return s.roomId, ok
}

func (r *Registry) IsEmpty(roomId string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomId]) == 0
}

// Sessions lists every joined connection.
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, Session{ConnId: s.connId, RoomId: s.roomId, Identity: s.identity})
	}
	return sessions
}

func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
