package race

import (
	"errors"
	"fmt"
	"sync"

	"github.com/NicolasHaas/typeduel/pkg/model"
)

// ErrConflict is returned when a session or participant is already registered.
var ErrConflict = errors.New("race: conflict")

// Registry tracks active race sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session // session ID -> session
	byUser   map[string]string   // user ID -> session ID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]string),
	}
}

// Create registers a session. It fails with ErrConflict if the session ID is
// taken or either participant already belongs to a registered session.
func (r *Registry) Create(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return fmt.Errorf("%w: session %s exists", ErrConflict, s.ID)
	}
	for _, user := range s.Participants() {
		if other, ok := r.byUser[user]; ok {
			return fmt.Errorf("%w: user %s is in session %s", ErrConflict, user, other)
		}
	}

	r.sessions[s.ID] = s
	for _, user := range s.Participants() {
		r.byUser[user] = s.ID
	}
	return nil
}

// Get retrieves a session by ID.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("race: session %s: %w", id, model.ErrNotFound)
	}
	return s, nil
}

// Remove evicts a session and reports whether it was registered.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	delete(r.sessions, id)
	for _, user := range s.Participants() {
		if r.byUser[user] == id {
			delete(r.byUser, user)
		}
	}
	return true
}

// FindByParticipant returns the session containing userID, or nil.
func (r *Registry) FindByParticipant(userID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	return r.sessions[id]
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns all registered sessions (snapshot).
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	return result
}
