package race

import (
	"log/slog"
	"sync"
)

// Rooms manages broadcast groups, one per race session.
type Rooms struct {
	mu      sync.RWMutex
	members map[string]map[string]Peer // room -> connection ID -> peer
}

// NewRooms creates an empty room manager.
func NewRooms() *Rooms {
	return &Rooms{
		members: make(map[string]map[string]Peer),
	}
}

// Join adds a peer to a room.
func (rm *Rooms) Join(room string, p Peer) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if _, ok := rm.members[room]; !ok {
		rm.members[room] = make(map[string]Peer)
	}
	rm.members[room][p.ID()] = p
}

// Leave removes a connection from a room, dropping the room once empty.
func (rm *Rooms) Leave(room, connID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	peers, ok := rm.members[room]
	if !ok {
		return
	}
	delete(peers, connID)
	if len(peers) == 0 {
		delete(rm.members, room)
	}
}

// Close drops a room and returns its former members.
func (rm *Rooms) Close(room string) []Peer {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	peers := rm.members[room]
	delete(rm.members, room)
	result := make([]Peer, 0, len(peers))
	for _, p := range peers {
		result = append(result, p)
	}
	return result
}

// Members returns the peers in a room.
func (rm *Rooms) Members(room string) []Peer {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	peers := rm.members[room]
	result := make([]Peer, 0, len(peers))
	for _, p := range peers {
		result = append(result, p)
	}
	return result
}

// MembersCount returns how many peers are in a room.
func (rm *Rooms) MembersCount(room string) int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.members[room])
}

// Broadcast sends frame to every member of room except excludeConn and returns
// how many sends succeeded.
func (rm *Rooms) Broadcast(room string, frame []byte, excludeConn string) int {
	sent := 0
	for _, p := range rm.Members(room) {
		if p.ID() == excludeConn {
			continue
		}
		if err := p.Send(frame); err != nil {
			slog.Error("broadcast send failed", "room", room, "conn", p.ID(), "err", err)
			continue
		}
		sent++
	}
	return sent
}
