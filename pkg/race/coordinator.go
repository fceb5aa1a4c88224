package race

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NicolasHaas/typeduel/pkg/matchmaking"
	"github.com/NicolasHaas/typeduel/pkg/metrics"
	"github.com/NicolasHaas/typeduel/pkg/model"
	"github.com/NicolasHaas/typeduel/pkg/protocol"
)

// Config holds coordinator settings.
type Config struct {
	Category          model.Category // category of every race text
	PairRetryInterval time.Duration  // how often Run retries pairing; 0 disables the loop
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Category:          model.DefaultCategory,
		PairRetryInterval: 2 * time.Second,
	}
}

// Dependencies groups the collaborators a Coordinator needs.
type Dependencies struct {
	Texts    TextProvider
	Results  ResultStore
	Observer ResultObserver   // optional
	Metrics  *metrics.Metrics // optional
	Queue    *matchmaking.Queue
}

// Coordinator pairs waiting players and drives each race session from
// creation to its terminal state. It is the only writer of race outcomes.
//
// Lock order: c.mu, then Session.mu, then the registry, room and queue locks.
// c.mu is never taken while a Session.mu is held.
type Coordinator struct {
	cfg      Config
	texts    TextProvider
	results  ResultStore
	observer ResultObserver
	metrics  *metrics.Metrics

	queue    *matchmaking.Queue
	registry *Registry
	rooms    *Rooms

	now   func() time.Time
	newID func() string

	mu       sync.Mutex
	matching map[string]*Session // connection ID -> session being set up
}

// NewCoordinator creates a coordinator. Texts and Results are required.
func NewCoordinator(cfg Config, deps Dependencies) (*Coordinator, error) {
	if deps.Texts == nil || deps.Results == nil {
		return nil, errors.New("race: text provider and result store are required")
	}
	if !cfg.Category.Valid() {
		return nil, fmt.Errorf("race: %w", model.ErrInvalidCategory)
	}
	c := &Coordinator{
		cfg:      cfg,
		texts:    deps.Texts,
		results:  deps.Results,
		observer: deps.Observer,
		metrics:  deps.Metrics,
		queue:    deps.Queue,
		registry: NewRegistry(),
		rooms:    NewRooms(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		matching: make(map[string]*Session),
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}
	if c.queue == nil {
		c.queue = matchmaking.New()
	}
	c.metrics.SetGauges(c.queue.Len, c.registry.Count)
	return c, nil
}

// Queue returns the matchmaking queue.
func (c *Coordinator) Queue() *matchmaking.Queue { return c.queue }

// Registry returns the session registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Rooms returns the room manager.
func (c *Coordinator) Rooms() *Rooms { return c.rooms }

// Metrics returns the coordinator's metrics.
func (c *Coordinator) Metrics() *metrics.Metrics { return c.metrics }

// Run retries pairing every PairRetryInterval until ctx is done, so players
// returned to the queue after a failed setup are paired without new arrivals.
func (c *Coordinator) Run(ctx context.Context) {
	if c.cfg.PairRetryInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.PairRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.queue.Len() >= 2 {
				c.ProcessQueue(ctx)
			}
		}
	}
}

// FindMatch queues p, tells it to wait and attempts pairing. A user who is
// already queued or racing gets ErrConflict and nothing changes.
func (c *Coordinator) FindMatch(ctx context.Context, p Peer) error {
	c.mu.Lock()
	if c.busyLocked(p) {
		c.mu.Unlock()
		c.metrics.RejectedJoins.Add(1)
		return fmt.Errorf("%w: user %s is already queued or racing", ErrConflict, p.UserID())
	}
	c.queue.Enqueue(p)
	c.metrics.QueueJoins.Add(1)
	// waiting must precede any race-started a concurrent pairing could send
	c.send(p, protocol.EventWaiting, nil)
	c.mu.Unlock()

	slog.Debug("player queued", "conn", p.ID(), "user", p.UserID())
	c.ProcessQueue(ctx)
	return nil
}

func (c *Coordinator) busyLocked(p Peer) bool {
	if c.queue.Contains(p.ID()) || c.queue.HasUser(p.UserID()) {
		return true
	}
	if c.registry.FindByParticipant(p.UserID()) != nil {
		return true
	}
	for _, s := range c.matching {
		if s.HasParticipant(p.UserID()) {
			return true
		}
	}
	return false
}

// ProcessQueue pairs every two waiting players and sets up a session for each pair.
func (c *Coordinator) ProcessQueue(ctx context.Context) {
	c.mu.Lock()
	pairs := c.queue.TryPairAll()
	sessions := make([]*Session, len(pairs))
	for i, pair := range pairs {
		players := pair.Players()
		a, b := players[0].(Peer), players[1].(Peer)
		s := newSession(c.newID(), a, b, c.now())
		c.matching[a.ID()] = s
		c.matching[b.ID()] = s
		sessions[i] = s
	}
	c.mu.Unlock()

	for i, pair := range pairs {
		c.setup(ctx, pair, sessions[i])
	}
}

// setup fetches the text, opens the competition and activates s. On failure
// the pair goes back to the front of the queue.
func (c *Coordinator) setup(ctx context.Context, pair matchmaking.Pair, s *Session) {
	err := c.open(ctx, s)

	c.mu.Lock()
	for _, p := range s.peers {
		delete(c.matching, p.ID())
	}
	s.mu.Lock()
	departed := s.departed

	if err != nil {
		var back []matchmaking.Entry
		for _, e := range []matchmaking.Entry{pair.A, pair.B} {
			if departed == nil || e.Player.ID() != departed.ID() {
				back = append(back, e)
			}
		}
		c.queue.PushFront(back...)
		s.state = StateAborted
		s.mu.Unlock()
		c.mu.Unlock()

		c.metrics.PairingFailures.Add(1)
		slog.Error("pairing failed, players requeued", "room", s.ID, "users", s.Participants(), "err", err)
		return
	}

	if departed != nil {
		c.notifyAborted(s, departed)
		s.mu.Unlock()
		c.mu.Unlock()

		c.metrics.RacesAborted.Add(1)
		c.abortCompetition(ctx, s)
		slog.Info("race aborted during setup", "room", s.ID, "departed", departed.UserID())
		return
	}

	s.state = StateActive
	if err := c.registry.Create(s); err != nil {
		c.queue.PushFront(pair.A, pair.B)
		s.state = StateAborted
		s.mu.Unlock()
		c.mu.Unlock()

		c.metrics.PairingFailures.Add(1)
		c.abortCompetition(ctx, s)
		slog.Error("pairing failed, players requeued", "room", s.ID, "err", err)
		return
	}
	for _, p := range s.peers {
		c.rooms.Join(s.ID, p)
	}
	users := s.Participants()
	c.broadcast(s, protocol.EventRaceStarted, protocol.RaceStarted{
		Room:          s.ID,
		CompetitionID: s.CompetitionID,
		SentenceID:    s.SentenceID,
		ParticipantA:  users[0],
		ParticipantB:  users[1],
		Text:          s.Text,
	}, "")
	s.mu.Unlock()
	c.mu.Unlock()

	c.metrics.RacesStarted.Add(1)
	slog.Info("race started", "room", s.ID, "competition", s.CompetitionID, "users", users)
}

// open fills in the text and competition of a matched session.
func (c *Coordinator) open(ctx context.Context, s *Session) error {
	sentence, err := c.texts.GetSentence(ctx, c.cfg.Category)
	if err != nil {
		return fmt.Errorf("race: get sentence: %w", err)
	}
	start := time.Now()
	comp, err := c.results.OpenCompetition(ctx, c.cfg.Category, sentence.ID, s.Participants())
	c.metrics.ObserveStoreWrite(start)
	if err != nil {
		return fmt.Errorf("race: open competition: %w", err)
	}
	s.SentenceID = sentence.ID
	s.Text = sentence.Text
	s.CompetitionID = comp.ID
	return nil
}

// Progress relays a racer's progress to the opponent. It is dropped unless
// the session is Active.
func (c *Coordinator) Progress(p Peer, msg protocol.ProgressUpdate) error {
	s, err := c.registry.Get(msg.Room)
	if err != nil {
		return err
	}
	if !s.owns(p) {
		return fmt.Errorf("race: progress for %s: %w", s.ID, model.ErrNotParticipant)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return nil
	}
	sent := c.broadcast(s, protocol.EventOpponentProgress, protocol.OpponentProgress{
		Progress: msg.Progress,
		WPM:      msg.WPM,
	}, p.ID())
	c.metrics.ProgressRelayed.Add(int64(sent))
	return nil
}

// WinnerCompletion decides the race for p if the session is still Active.
// The finish-write is atomic; race-over is broadcast only after it commits.
// If the race was already decided, the result is recorded as a loser's.
func (c *Coordinator) WinnerCompletion(ctx context.Context, p Peer, msg protocol.WinnerCompletion) error {
	straggler := protocol.LoserCompletion{
		CompetitionID: msg.CompetitionID,
		SentenceID:    msg.SentenceID,
		Metrics:       msg.Metrics,
	}

	s, err := c.registry.Get(msg.Room)
	if err != nil {
		return c.LoserCompletion(ctx, p, straggler)
	}
	if !s.owns(p) {
		return fmt.Errorf("race: completion for %s: %w", s.ID, model.ErrNotParticipant)
	}
	if msg.CompetitionID != "" && msg.CompetitionID != s.CompetitionID {
		return fmt.Errorf("race: competition %s is not raced in %s: %w", msg.CompetitionID, s.ID, model.ErrNotFound)
	}

	s.mu.Lock()
	switch s.state {
	case StateActive:
	case StateFinished:
		s.mu.Unlock()
		return c.LoserCompletion(ctx, p, straggler)
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("race: session %s is %s: %w", s.ID, state, model.ErrCompetitionClosed)
	}

	start := time.Now()
	stored, err := c.results.FinishCompetitionAndRecordResult(ctx, s.CompetitionID, c.result(p, s, msg.Metrics))
	c.metrics.ObserveStoreWrite(start)
	if err != nil {
		c.send(p, protocol.EventRaceError, protocol.RaceError{
			Room:          s.ID,
			CompetitionID: s.CompetitionID,
			Message:       "could not record your result, please resubmit",
		})
		s.mu.Unlock()
		c.metrics.FinishFailures.Add(1)
		slog.Error("finish write failed", "room", s.ID, "competition", s.CompetitionID, "user", p.UserID(), "err", err)
		return fmt.Errorf("race: finish %s: %w", s.CompetitionID, err)
	}

	s.state = StateFinished
	delete(s.held, p.UserID())
	for _, other := range s.others(p.ID()) {
		if r, ok := s.held[other.UserID()]; ok {
			_ = c.record(ctx, other, s.CompetitionID, r)
		}
	}
	s.held = nil
	c.broadcast(s, protocol.EventRaceOver, protocol.RaceOver{
		Room:          s.ID,
		CompetitionID: s.CompetitionID,
		SentenceID:    s.SentenceID,
		Winner:        p.UserID(),
		Metrics:       msg.Metrics,
	}, "")
	c.retire(s)
	s.mu.Unlock()

	c.metrics.RacesFinished.Add(1)
	c.metrics.ResultsRecorded.Add(1)
	c.observe(ctx, stored)
	slog.Info("race finished", "room", s.ID, "competition", s.CompetitionID, "winner", p.UserID(), "wpm", msg.WPM)
	return nil
}

// LoserCompletion records p's own result for a competition. While the race is
// undecided the result is held on the session and written after the winner's
// finish commits; an abort drops it. After the race retired it is accepted once
// the stored competition is finished. A second submission for the same
// competition is logged and ignored.
func (c *Coordinator) LoserCompletion(ctx context.Context, p Peer, msg protocol.LoserCompletion) error {
	if msg.CompetitionID == "" {
		return fmt.Errorf("%w: %s without competitionId", protocol.ErrMalformed, protocol.EventLoserCompletion)
	}

	if s := c.registry.FindByParticipant(p.UserID()); s != nil && s.CompetitionID == msg.CompetitionID {
		if !s.owns(p) {
			return fmt.Errorf("race: completion for %s: %w", s.ID, model.ErrNotParticipant)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		switch s.state {
		case StateActive:
			if !s.hold(c.result(p, s, msg.Metrics)) {
				c.metrics.DuplicateResults.Add(1)
				slog.Warn("duplicate result ignored", "competition", s.CompetitionID, "user", p.UserID())
				return nil
			}
			slog.Debug("result held until the race is decided", "room", s.ID, "user", p.UserID())
			return nil
		case StateAborted:
			return fmt.Errorf("race: session %s is %s: %w", s.ID, s.state, model.ErrCompetitionClosed)
		}
		return c.record(ctx, p, s.CompetitionID, c.result(p, s, msg.Metrics))
	}

	comp, err := c.results.GetCompetition(ctx, msg.CompetitionID)
	if err != nil {
		return fmt.Errorf("race: loser completion: %w", err)
	}
	if !comp.HasParticipant(p.UserID()) {
		return fmt.Errorf("race: competition %s: %w", comp.ID, model.ErrNotParticipant)
	}
	if comp.Status != model.CompetitionFinished {
		return fmt.Errorf("race: competition %s is %s: %w", comp.ID, comp.Status, model.ErrCompetitionClosed)
	}
	return c.record(ctx, p, comp.ID, model.Result{
		UserID:     p.UserID(),
		SentenceID: comp.SentenceID,
		WPM:        msg.WPM,
		Accuracy:   msg.Accuracy,
		RawWPM:     msg.RawWPM,
		ErrorCount: msg.ErrorCount,
		TimeTaken:  msg.TimeTaken,
	})
}

func (c *Coordinator) record(ctx context.Context, p Peer, competitionID string, result model.Result) error {
	start := time.Now()
	stored, err := c.results.RecordResult(ctx, competitionID, result)
	c.metrics.ObserveStoreWrite(start)
	switch {
	case errors.Is(err, model.ErrDuplicateResult):
		c.metrics.DuplicateResults.Add(1)
		slog.Warn("duplicate result ignored", "competition", competitionID, "user", p.UserID())
		return nil
	case err != nil:
		slog.Error("result write failed", "competition", competitionID, "user", p.UserID(), "err", err)
		return fmt.Errorf("race: record result: %w", err)
	}
	c.metrics.ResultsRecorded.Add(1)
	c.observe(ctx, stored)
	slog.Info("result recorded", "competition", competitionID, "user", p.UserID(), "wpm", result.WPM)
	return nil
}

// Disconnect handles a closed connection: a waiting player leaves the queue,
// a matched or racing player aborts the session for the opponent.
func (c *Coordinator) Disconnect(ctx context.Context, p Peer) {
	c.mu.Lock()
	if c.queue.Remove(p.ID()) {
		c.mu.Unlock()
		c.metrics.QueueDepartures.Add(1)
		slog.Debug("waiting player left", "conn", p.ID(), "user", p.UserID())
		return
	}
	if s, ok := c.matching[p.ID()]; ok {
		s.mu.Lock()
		if s.state == StateMatched && s.departed == nil {
			s.departed = p
		}
		s.mu.Unlock()
		c.mu.Unlock()
		return
	}
	s := c.registry.FindByParticipant(p.UserID())
	c.mu.Unlock()

	if s == nil || !s.owns(p) {
		return
	}
	c.abort(ctx, s, p)
}

// abort ends an Active session because departed disconnected. No result is
// written for either participant.
func (c *Coordinator) abort(ctx context.Context, s *Session, departed Peer) {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.state = StateAborted
	s.held = nil
	c.notifyAborted(s, departed)
	c.retire(s)
	s.mu.Unlock()

	c.metrics.RacesAborted.Add(1)
	c.abortCompetition(ctx, s)
	slog.Info("race aborted", "room", s.ID, "competition", s.CompetitionID, "departed", departed.UserID())
}

// notifyAborted tells everyone but departed that the race is over. Caller holds s.mu.
func (c *Coordinator) notifyAborted(s *Session, departed Peer) {
	s.state = StateAborted
	frame, err := protocol.Encode(protocol.EventRaceOver, protocol.RaceAborted{
		Room:                s.ID,
		DepartedParticipant: departed.UserID(),
		TimeTaken:           0,
	})
	if err != nil {
		slog.Error("encode failed", "event", protocol.EventRaceOver, "err", err)
		return
	}
	for _, p := range s.others(departed.ID()) {
		c.sendFrame(p, frame)
	}
}

// abortCompetition marks the stored competition aborted, best effort.
func (c *Coordinator) abortCompetition(ctx context.Context, s *Session) {
	if s.CompetitionID == "" {
		return
	}
	if err := c.results.AbortCompetition(ctx, s.CompetitionID); err != nil {
		slog.Warn("could not mark competition aborted", "competition", s.CompetitionID, "err", err)
	}
}

// retire evicts s from the registry and closes its room. Caller holds s.mu.
func (c *Coordinator) retire(s *Session) {
	c.registry.Remove(s.ID)
	c.rooms.Close(s.ID)
}

func (c *Coordinator) result(p Peer, s *Session, m protocol.Metrics) model.Result {
	return model.Result{
		UserID:        p.UserID(),
		CompetitionID: s.CompetitionID,
		SentenceID:    s.SentenceID,
		WPM:           m.WPM,
		Accuracy:      m.Accuracy,
		RawWPM:        m.RawWPM,
		ErrorCount:    m.ErrorCount,
		TimeTaken:     m.TimeTaken,
	}
}

func (c *Coordinator) observe(ctx context.Context, r *model.Result) {
	if c.observer == nil || r == nil {
		return
	}
	c.observer.Observe(ctx, *r)
}

// broadcast sends an event to the session room. Caller holds s.mu.
func (c *Coordinator) broadcast(s *Session, event protocol.Event, payload any, excludeConn string) int {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		slog.Error("encode failed", "event", event, "err", err)
		return 0
	}
	return c.rooms.Broadcast(s.ID, frame, excludeConn)
}

func (c *Coordinator) send(p Peer, event protocol.Event, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		slog.Error("encode failed", "event", event, "err", err)
		return
	}
	c.sendFrame(p, frame)
}

func (c *Coordinator) sendFrame(p Peer, frame []byte) {
	if err := p.Send(frame); err != nil {
		slog.Warn("send failed", "conn", p.ID(), "user", p.UserID(), "err", err)
	}
}
