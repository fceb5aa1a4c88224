package race

import (
	"sync"
	"time"

	"github.com/NicolasHaas/typeduel/pkg/model"
)

// State is the lifecycle state of a race session.
type State int

const (
	StateMatched State = iota
	StateActive
	StateFinished
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateMatched:
		return "matched"
	case StateActive:
		return "active"
	case StateFinished:
		return "finished"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateAborted
}

// Session is one live 1v1 race. ID doubles as the room name.
// Fields set before the session enters the registry are read-only afterwards;
// state is guarded by mu, which also serializes every event for the session.
type Session struct {
	ID            string
	CompetitionID string
	SentenceID    string
	Text          string
	CreatedAt     time.Time

	peers [2]Peer

	mu       sync.Mutex
	state    State
	departed Peer // connection that dropped while Matched

	// loser results submitted while the race is undecided, by user ID;
	// written once a winner commits, dropped on abort
	held map[string]model.Result
}

func newSession(id string, a, b Peer, now time.Time) *Session {
	return &Session{
		ID:        id,
		CreatedAt: now,
		peers:     [2]Peer{a, b},
		state:     StateMatched,
	}
}

// Participants returns the two user identities, in pairing order.
func (s *Session) Participants() []string {
	return []string{s.peers[0].UserID(), s.peers[1].UserID()}
}

// HasParticipant reports whether userID races in this session.
func (s *Session) HasParticipant(userID string) bool {
	return s.peers[0].UserID() == userID || s.peers[1].UserID() == userID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// owns reports whether p is the connection the session was created with.
func (s *Session) owns(p Peer) bool {
	return s.peers[0].ID() == p.ID() || s.peers[1].ID() == p.ID()
}

// others returns the participants other than connID.
func (s *Session) others(connID string) []Peer {
	var out []Peer
	for _, p := range s.peers {
		if p.ID() != connID {
			out = append(out, p)
		}
	}
	return out
}

// hold keeps r until the race is decided. It reports false if the user
// already has a held result. Caller holds s.mu.
func (s *Session) hold(r model.Result) bool {
	if _, ok := s.held[r.UserID]; ok {
		return false
	}
	if s.held == nil {
		s.held = make(map[string]model.Result, 1)
	}
	s.held[r.UserID] = r
	return true
}
