package store

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NicolasHaas/typeduel/pkg/model"
)

// Op names a MemoryStore operation for failure injection and hooks.
type Op string

const (
	OpGetSentence      Op = "get_sentence"
	OpOpenCompetition  Op = "open_competition"
	OpFinishAndRecord  Op = "finish_and_record"
	OpRecordResult     Op = "record_result"
	OpAbortCompetition Op = "abort_competition"
)

// MemoryStore provides an in-memory DataStore implementation for tests and
// -memory mode. It mirrors SQL behavior for validation and error handling.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	sentences    map[string]*model.Sentence
	competitions map[string]*model.Competition
	results      []*model.Result
	resultKeys   map[string]bool // userID + "/" + competitionID

	failures map[Op]error
	hooks    map[Op]func()
	calls    map[Op]int
}

// Compile-time check: *MemoryStore implements DataStore.
var _ DataStore = (*MemoryStore)(nil)

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:          now,
		sentences:    make(map[string]*model.Sentence),
		competitions: make(map[string]*model.Competition),
		resultKeys:   make(map[string]bool),
		failures:     make(map[Op]error),
		hooks:        make(map[Op]func()),
		calls:        make(map[Op]int),
	}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// SetFailure makes every subsequent call of op fail with err. A nil err clears it.
func (s *MemoryStore) SetFailure(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// SetHook runs fn at the start of every call of op, outside the store lock.
func (s *MemoryStore) SetHook(op Op, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.hooks, op)
		return
	}
	s.hooks[op] = fn
}

// Calls returns how many times op has been invoked.
func (s *MemoryStore) Calls(op Op) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[op]
}

// enter records a call, runs its hook, and returns any injected failure.
func (s *MemoryStore) enter(op Op) error {
	s.mu.Lock()
	s.calls[op]++
	hook := s.hooks[op]
	s.mu.Unlock()

	if hook != nil {
		hook()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failures[op]; err != nil {
		return fmt.Errorf("store: %s: %w", op, err)
	}
	return nil
}

// ---- Sentences ----

// GetSentence returns a random sentence of the category.
func (s *MemoryStore) GetSentence(_ context.Context, category model.Category) (*model.Sentence, error) {
	if err := s.enter(OpGetSentence); err != nil {
		return nil, err
	}
	if !category.Valid() {
		return nil, fmt.Errorf("store: get sentence: %w", model.ErrInvalidCategory)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var candidates []*model.Sentence
	for _, sentence := range s.sentences {
		if sentence.Category == category {
			candidates = append(candidates, sentence)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("store: get sentence %s: %w", category, model.ErrNotFound)
	}
	copySentence := *candidates[rand.Intn(len(candidates))]
	return &copySentence, nil
}

// CreateSentence stores a sentence, assigning an ID when it has none.
func (s *MemoryStore) CreateSentence(_ context.Context, sentence *model.Sentence) error {
	if err := sentence.Validate(); err != nil {
		return fmt.Errorf("store: create sentence: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sentence.ID == "" {
		sentence.ID = uuid.NewString()
	}
	if _, exists := s.sentences[sentence.ID]; exists {
		return fmt.Errorf("store: create sentence: constraint failed: UNIQUE constraint failed: sentences.id")
	}
	if sentence.WordCount == 0 {
		sentence.WordCount = len(strings.Fields(sentence.Text))
	}
	sentence.CreatedAt = s.now()
	copySentence := *sentence
	s.sentences[sentence.ID] = &copySentence
	return nil
}

// ListSentences returns sentences ordered by creation time.
func (s *MemoryStore) ListSentences(_ context.Context, category model.Category) ([]model.Sentence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Sentence
	for _, sentence := range s.sentences {
		if category == "" || sentence.Category == category {
			out = append(out, *sentence)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ---- Competitions ----

// OpenCompetition creates an open competition for two participants.
func (s *MemoryStore) OpenCompetition(_ context.Context, category model.Category, sentenceID string, participants []string) (*model.Competition, error) {
	if err := s.enter(OpOpenCompetition); err != nil {
		return nil, err
	}
	if err := model.ValidateParticipants(participants); err != nil {
		return nil, fmt.Errorf("store: open competition: %w", err)
	}
	if !category.Valid() {
		return nil, fmt.Errorf("store: open competition: %w", model.ErrInvalidCategory)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sentences[sentenceID]; !ok {
		return nil, fmt.Errorf("store: open competition: sentence %s: %w", sentenceID, model.ErrNotFound)
	}
	now := s.now()
	c := &model.Competition{
		ID:           uuid.NewString(),
		Category:     category,
		SentenceID:   sentenceID,
		Status:       model.CompetitionOpen,
		Participants: sortedCopy(participants),
		StartTime:    now,
		CreatedAt:    now,
	}
	s.competitions[c.ID] = c
	return copyCompetition(c), nil
}

// FinishCompetitionAndRecordResult marks the competition finished and stores
// the winner's result under one lock, so both happen or neither does.
func (s *MemoryStore) FinishCompetitionAndRecordResult(_ context.Context, competitionID string, winner model.Result) (*model.Result, error) {
	if err := s.enter(OpFinishAndRecord); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.competitions[competitionID]
	if !ok {
		return nil, fmt.Errorf("store: finish competition: %w", model.ErrNotFound)
	}
	if c.Status != model.CompetitionOpen {
		return nil, fmt.Errorf("store: finish competition %s: %w", competitionID, model.ErrCompetitionClosed)
	}
	result, err := s.prepareResult(c, winner)
	if err != nil {
		return nil, fmt.Errorf("store: finish competition: %w", err)
	}

	c.Status = model.CompetitionFinished
	c.EndTime = s.now()
	s.insertResult(result)
	copyResult := *result
	return &copyResult, nil
}

// AbortCompetition marks an open competition aborted.
func (s *MemoryStore) AbortCompetition(_ context.Context, competitionID string) error {
	if err := s.enter(OpAbortCompetition); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.competitions[competitionID]
	if !ok {
		return fmt.Errorf("store: abort competition: %w", model.ErrNotFound)
	}
	if c.Status != model.CompetitionOpen {
		return fmt.Errorf("store: abort competition %s: %w", competitionID, model.ErrCompetitionClosed)
	}
	c.Status = model.CompetitionAborted
	c.EndTime = s.now()
	return nil
}

// GetCompetition retrieves a competition by ID.
func (s *MemoryStore) GetCompetition(_ context.Context, id string) (*model.Competition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.competitions[id]
	if !ok {
		return nil, fmt.Errorf("store: get competition: %w", model.ErrNotFound)
	}
	return copyCompetition(c), nil
}

// GetCompetitionDetail retrieves a competition with its results, best wpm first.
func (s *MemoryStore) GetCompetitionDetail(ctx context.Context, id string) (*model.CompetitionDetail, error) {
	c, err := s.GetCompetition(ctx, id)
	if err != nil {
		return nil, err
	}
	results, err := s.ListResults(ctx, model.ResultFilters{CompetitionID: id, OrderByWPM: true})
	if err != nil {
		return nil, err
	}
	return &model.CompetitionDetail{Competition: *c, Results: results}, nil
}

// ---- Results ----

// RecordResult stores a practice result or a competition result.
func (s *MemoryStore) RecordResult(_ context.Context, competitionID string, result model.Result) (*model.Result, error) {
	if err := s.enter(OpRecordResult); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var stored *model.Result
	if competitionID == "" {
		if _, ok := s.sentences[result.SentenceID]; !ok {
			return nil, fmt.Errorf("store: record result: sentence: %w", model.ErrNotFound)
		}
		result.CompetitionID = ""
		if err := result.Validate(); err != nil {
			return nil, fmt.Errorf("store: record result: %w", err)
		}
		stored = &result
	} else {
		c, ok := s.competitions[competitionID]
		if !ok {
			return nil, fmt.Errorf("store: record result: %w", model.ErrNotFound)
		}
		if c.Status == model.CompetitionAborted {
			return nil, fmt.Errorf("store: record result: %w", model.ErrCompetitionClosed)
		}
		prepared, err := s.prepareResult(c, result)
		if err != nil {
			return nil, fmt.Errorf("store: record result: %w", err)
		}
		stored = prepared
	}

	s.insertResult(stored)
	copyResult := *stored
	return &copyResult, nil
}

// ListResults returns results matching the filters.
func (s *MemoryStore) ListResults(_ context.Context, filters model.ResultFilters) ([]model.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Result
	for _, r := range s.results {
		if filters.UserID != "" && r.UserID != filters.UserID {
			continue
		}
		if filters.CompetitionID != "" && r.CompetitionID != filters.CompetitionID {
			continue
		}
		out = append(out, *r)
	}
	if filters.OrderByWPM {
		sort.SliceStable(out, func(i, j int) bool { return out[i].WPM > out[j].WPM })
	} else {
		// results are appended in creation order
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, nil
}

// prepareResult validates a competition result and checks uniqueness.
// Caller must hold s.mu.
func (s *MemoryStore) prepareResult(c *model.Competition, result model.Result) (*model.Result, error) {
	if !c.HasParticipant(result.UserID) {
		return nil, model.ErrNotParticipant
	}
	result.CompetitionID = c.ID
	result.SentenceID = c.SentenceID
	if err := result.Validate(); err != nil {
		return nil, err
	}
	if s.resultKeys[resultKey(result.UserID, c.ID)] {
		return nil, model.ErrDuplicateResult
	}
	return &result, nil
}

// insertResult assigns an ID and timestamp and appends. Caller must hold s.mu.
func (s *MemoryStore) insertResult(result *model.Result) {
	result.ID = uuid.NewString()
	result.CreatedAt = s.now()
	if result.CompetitionID != "" {
		s.resultKeys[resultKey(result.UserID, result.CompetitionID)] = true
	}
	s.results = append(s.results, result)
}

func resultKey(userID, competitionID string) string {
	return userID + "/" + competitionID
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func copyCompetition(c *model.Competition) *model.Competition {
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	return &out
}
