// Package matchmaking holds players waiting for an opponent and pairs them in
// arrival order.
package matchmaking

import (
	"sync"
	"time"
)

// Player is a waiting connection. ID identifies the connection, not the user.
type Player interface {
	ID() string
	UserID() string
}

// Entry is one queued player.
type Entry struct {
	Player     Player
	EnqueuedAt time.Time
}

// Pair is two entries popped together, longest-waiting first.
type Pair struct {
	A, B Entry
}

// Players returns both players of the pair in order.
func (p Pair) Players() []Player {
	return []Player{p.A.Player, p.B.Player}
}

// Queue is a FIFO of waiting players, safe for concurrent use.
// A connection appears in the queue at most once.
type Queue struct {
	mu      sync.Mutex
	entries []Entry
	queued  map[string]bool // connection ID -> present
	now     func() time.Time
}

// New creates an empty queue.
func New() *Queue {
	return NewWithClock(time.Now)
}

// NewWithClock creates an empty queue with a custom clock.
func NewWithClock(now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{
		queued: make(map[string]bool),
		now:    now,
	}
}

// Enqueue adds p to the back of the queue. It returns false and does nothing if
// the connection is already waiting.
func (q *Queue) Enqueue(p Player) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queued[p.ID()] {
		return false
	}
	q.queued[p.ID()] = true
	q.entries = append(q.entries, Entry{Player: p, EnqueuedAt: q.now()})
	return true
}

// Remove drops the connection from the queue and reports whether it was waiting.
func (q *Queue) Remove(connID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.queued[connID] {
		return false
	}
	delete(q.queued, connID)
	for i, e := range q.entries {
		if e.Player.ID() == connID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	return true
}

// TryPairAll pops the two longest-waiting entries repeatedly while at least two
// remain and returns the pairs in the order they were formed.
func (q *Queue) TryPairAll() []Pair {
	q.mu.Lock()
	defer q.mu.Unlock()
	var pairs []Pair
	for len(q.entries) >= 2 {
		pair := Pair{A: q.entries[0], B: q.entries[1]}
		q.entries = q.entries[2:]
		delete(q.queued, pair.A.Player.ID())
		delete(q.queued, pair.B.Player.ID())
		pairs = append(pairs, pair)
	}
	if len(q.entries) == 0 {
		q.entries = nil
	}
	return pairs
}

// PushFront puts entries back at the head of the queue in the given order, ahead
// of everyone already waiting. Entries whose connection is already queued are
// skipped. Original enqueue times are kept.
func (q *Queue) PushFront(entries ...Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := make([]Entry, 0, len(entries)+len(q.entries))
	for _, e := range entries {
		if q.queued[e.Player.ID()] {
			continue
		}
		q.queued[e.Player.ID()] = true
		front = append(front, e)
	}
	q.entries = append(front, q.entries...)
}

// Contains reports whether the connection is waiting.
func (q *Queue) Contains(connID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued[connID]
}

// HasUser reports whether any waiting connection belongs to userID.
func (q *Queue) HasUser(userID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.Player.UserID() == userID {
			return true
		}
	}
	return false
}

// Len returns the number of waiting players.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns the waiting entries, head first.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Entry(nil), q.entries...)
}
