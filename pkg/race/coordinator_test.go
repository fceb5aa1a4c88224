package race

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/typeduel/pkg/model"
	"github.com/NicolasHaas/typeduel/pkg/protocol"
	"github.com/NicolasHaas/typeduel/pkg/store"
)

func finish(wpm float64) protocol.Metrics {
	return protocol.Metrics{WPM: wpm, Accuracy: 97, RawWPM: wpm + 4, ErrorCount: 1, TimeTaken: 12.5}
}

func competitionResults(t *testing.T, st *store.MemoryStore, competitionID string) []model.Result {
	t.Helper()
	results, err := st.ListResults(context.Background(), model.ResultFilters{CompetitionID: competitionID, OrderByWPM: true})
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	return results
}

func TestFindMatchStartsRace(t *testing.T) {
	t.Parallel()
	c, st, _ := newTestCoordinator(t)
	x, y := newTestPeer("cx", "x"), newTestPeer("cy", "y")

	started := startRace(t, c, x, y)

	var seenByY protocol.RaceStarted
	y.last(t, protocol.EventRaceStarted, &seenByY)
	if diff := cmp.Diff(started, seenByY); diff != "" {
		t.Errorf("race-started differs between participants (-x +y):\n%s", diff)
	}
	if started.Room == "" || started.CompetitionID == "" || started.Text == "" {
		t.Errorf("race-started missing fields: %+v", started)
	}
	if started.ParticipantA != "x" || started.ParticipantB != "y" {
		t.Errorf("participants = %s,%s, want x,y", started.ParticipantA, started.ParticipantB)
	}

	want := []protocol.Event{protocol.EventWaiting, protocol.EventRaceStarted}
	for _, p := range []*testPeer{x, y} {
		if diff := cmp.Diff(want, p.events()); diff != "" {
			t.Errorf("%s events mismatch (-want +got):\n%s", p.id, diff)
		}
	}

	s, err := c.Registry().Get(started.Room)
	if err != nil {
		t.Fatalf("Registry.Get: %v", err)
	}
	if s.State() != StateActive {
		t.Errorf("state = %s, want active", s.State())
	}
	comp, err := st.GetCompetition(context.Background(), started.CompetitionID)
	if err != nil {
		t.Fatalf("GetCompetition: %v", err)
	}
	if comp.Status != model.CompetitionOpen || comp.SentenceID != started.SentenceID {
		t.Errorf("competition = %+v", comp)
	}
	if c.Queue().Len() != 0 {
		t.Errorf("queue length = %d, want 0", c.Queue().Len())
	}
}

func TestPairingIsFIFO(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	peers := []*testPeer{
		newTestPeer("ca", "a"), newTestPeer("cb", "b"), newTestPeer("cc", "c"), newTestPeer("cd", "d"),
	}
	for _, p := range peers {
		if err := c.FindMatch(ctx, p); err != nil {
			t.Fatalf("FindMatch(%s): %v", p.id, err)
		}
	}

	rooms := make([]string, len(peers))
	for i, p := range peers {
		var started protocol.RaceStarted
		p.last(t, protocol.EventRaceStarted, &started)
		rooms[i] = started.Room
	}
	if rooms[0] != rooms[1] || rooms[2] != rooms[3] || rooms[0] == rooms[2] {
		t.Errorf("rooms = %v, want (a,b) and (c,d) paired", rooms)
	}
}

func TestWinnerThenLoser(t *testing.T) {
	t.Parallel()
	c, st, rec := newTestCoordinator(t)
	ctx := context.Background()
	x, y := newTestPeer("cx", "x"), newTestPeer("cy", "y")
	started := startRace(t, c, x, y)

	err := c.WinnerCompletion(ctx, x, protocol.WinnerCompletion{
		Room:          started.Room,
		CompetitionID: started.CompetitionID,
		SentenceID:    started.SentenceID,
		Metrics:       finish(80),
	})
	if err != nil {
		t.Fatalf("WinnerCompletion: %v", err)
	}

	for _, p := range []*testPeer{x, y} {
		var over protocol.RaceOver
		p.last(t, protocol.EventRaceOver, &over)
		if over.WPM != 80 || over.Winner != "x" || over.CompetitionID != started.CompetitionID {
			t.Errorf("%s race-over = %+v", p.id, over)
		}
	}
	if c.Registry().Count() != 0 {
		t.Errorf("finished session not evicted")
	}

	loser := protocol.LoserCompletion{CompetitionID: started.CompetitionID, SentenceID: started.SentenceID, Metrics: finish(60)}
	if err := c.LoserCompletion(ctx, y, loser); err != nil {
		t.Fatalf("LoserCompletion: %v", err)
	}
	if err := c.LoserCompletion(ctx, y, loser); err != nil {
		t.Fatalf("duplicate LoserCompletion: %v", err)
	}

	results := competitionResults(t, st, started.CompetitionID)
	got := make([][2]any, 0, len(results))
	for _, r := range results {
		got = append(got, [2]any{r.UserID, r.WPM})
	}
	if diff := cmp.Diff([][2]any{{"x", 80.0}, {"y", 60.0}}, got); diff != "" {
		t.Errorf("stored results mismatch (-want +got):\n%s", diff)
	}
	if n := y.count(protocol.EventRaceOver); n != 1 {
		t.Errorf("y received %d race-over, want 1", n)
	}
	if c.Metrics().DuplicateResults.Load() != 1 {
		t.Errorf("DuplicateResults = %d, want 1", c.Metrics().DuplicateResults.Load())
	}
	if rec.len() != 2 {
		t.Errorf("observer saw %d results, want 2", rec.len())
	}
}

func TestLoserBeforeWinner(t *testing.T) {
	t.Parallel()
	c, st, _ := newTestCoordinator(t)
	ctx := context.Background()
	x, y := newTestPeer("cx", "x"), newTestPeer("cy", "y")
	started := startRace(t, c, x, y)

	if err := c.LoserCompletion(ctx, y, protocol.LoserCompletion{CompetitionID: started.CompetitionID, Metrics: finish(50)}); err != nil {
		t.Fatalf("LoserCompletion: %v", err)
	}
	if y.count(protocol.EventRaceOver) != 0 {
		t.Fatalf("loser-completion broadcast race-over")
	}
	if err := c.WinnerCompletion(ctx, x, protocol.WinnerCompletion{Room: started.Room, CompetitionID: started.CompetitionID, Metrics: finish(90)}); err != nil {
		t.Fatalf("WinnerCompletion: %v", err)
	}
	if n := len(competitionResults(t, st, started.CompetitionID)); n != 2 {
		t.Errorf("results = %d, want 2", n)
	}
}

func TestEarlyLoserResult(t *testing.T) {
	t.Parallel()

	type tcase struct {
		// decide ends the race after y reported a loser result early
		decide    func(t *testing.T, c *Coordinator, x, y *testPeer, started protocol.RaceStarted)
		wantUsers []string // stored results, best wpm first
		wantDups  int64
	}
	ctx := context.Background()
	tcases := map[string]tcase{
		"opponent wins": {
			decide: func(t *testing.T, c *Coordinator, x, _ *testPeer, started protocol.RaceStarted) {
				if err := c.WinnerCompletion(ctx, x, protocol.WinnerCompletion{Room: started.Room, CompetitionID: started.CompetitionID, Metrics: finish(90)}); err != nil {
					t.Fatalf("WinnerCompletion: %v", err)
				}
			},
			wantUsers: []string{"x", "y"},
		},
		"opponent disconnects": {
			decide: func(_ *testing.T, c *Coordinator, x, _ *testPeer, _ protocol.RaceStarted) {
				x.close()
				c.Disconnect(ctx, x)
			},
		},
		"same racer wins": {
			decide: func(t *testing.T, c *Coordinator, _, y *testPeer, started protocol.RaceStarted) {
				if err := c.WinnerCompletion(ctx, y, protocol.WinnerCompletion{Room: started.Room, CompetitionID: started.CompetitionID, Metrics: finish(70)}); err != nil {
					t.Fatalf("WinnerCompletion: %v", err)
				}
			},
			wantUsers: []string{"y"},
		},
		"resubmitted then opponent wins": {
			decide: func(t *testing.T, c *Coordinator, x, y *testPeer, started protocol.RaceStarted) {
				if err := c.LoserCompletion(ctx, y, protocol.LoserCompletion{CompetitionID: started.CompetitionID, Metrics: finish(55)}); err != nil {
					t.Fatalf("second LoserCompletion: %v", err)
				}
				if err := c.WinnerCompletion(ctx, x, protocol.WinnerCompletion{Room: started.Room, CompetitionID: started.CompetitionID, Metrics: finish(90)}); err != nil {
					t.Fatalf("WinnerCompletion: %v", err)
				}
			},
			wantUsers: []string{"x", "y"},
			wantDups:  1,
		},
	}

	for name, tc := range tcases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			c, st, rec := newTestCoordinator(t)
			x, y := newTestPeer("cx", "x"), newTestPeer("cy", "y")
			started := startRace(t, c, x, y)

			if err := c.LoserCompletion(ctx, y, protocol.LoserCompletion{CompetitionID: started.CompetitionID, Metrics: finish(50)}); err != nil {
				t.Fatalf("LoserCompletion: %v", err)
			}
			if n := len(competitionResults(t, st, started.CompetitionID)); n != 0 {
				t.Fatalf("results before the race is decided = %d, want 0", n)
			}

			tc.decide(t, c, x, y, started)

			var users []string
			for _, r := range competitionResults(t, st, started.CompetitionID) {
				users = append(users, r.UserID)
			}
			if diff := cmp.Diff(tc.wantUsers, users); diff != "" {
				t.Errorf("stored results mismatch (-want +got):\n%s", diff)
			}
			if rec.len() != len(tc.wantUsers) {
				t.Errorf("observer saw %d results, want %d", rec.len(), len(tc.wantUsers))
			}
			if got := c.Metrics().DuplicateResults.Load(); got != tc.wantDups {
				t.Errorf("DuplicateResults = %d, want %d", got, tc.wantDups)
			}
			if n := y.count(protocol.EventRaceError); n != 0 {
				t.Errorf("y received %d race-error events, want 0", n)
			}
		})
	}
}

func TestConcurrentWinnersHaveOneRaceOver(t *testing.T) {
	t.Parallel()
	c, st, _ := newTestCoordinator(t)
	ctx := context.Background()
	x, y := newTestPeer("cx", "x"), newTestPeer("cy", "y")
	started := startRace(t, c, x, y)

	var wg sync.WaitGroup
	for i, p := range []*testPeer{x, y} {
		i := i
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := protocol.WinnerCompletion{Room: started.Room, CompetitionID: started.CompetitionID, Metrics: finish(float64(70 + i))}
			if err := c.WinnerCompletion(ctx, p, msg); err != nil {
				t.Errorf("WinnerCompletion(%s): %v", p.id, err)
			}
		}()
	}
	wg.Wait()

	for _, p := range []*testPeer{x, y} {
		if n := p.count(protocol.EventRaceOver); n != 1 {
			t.Errorf("%s received %d race-over, want 1", p.id, n)
		}
	}
	if n := len(competitionResults(t, st, started.CompetitionID)); n != 2 {
		t.Errorf("results = %d, want 2", n)
	}
	if c.Metrics().RacesFinished.Load() != 1 {
		t.Errorf("RacesFinished = %d, want 1", c.Metrics().RacesFinished.Load())
	}
}

func TestFinishFailureKeepsRaceActive(t *testing.T) {
	t.Parallel()
	c, st, _ := newTestCoordinator(t)
	ctx := context.Background()
	x, y := newTestPeer("cx", "x"), newTestPeer("cy", "y")
	started := startRace(t, c, x, y)
	msg := protocol.WinnerCompletion{Room: started.Room, CompetitionID: started.CompetitionID, Metrics: finish(75)}

	boom := errors.New("database unavailable")
	st.SetFailure(store.OpFinishAndRecord, boom)
	if err := c.WinnerCompletion(ctx, x, msg); !errors.Is(err, boom) {
		t.Fatalf("WinnerCompletion: err = %v, want injected failure", err)
	}
	var raceErr protocol.RaceError
	x.last(t, protocol.EventRaceError, &raceErr)
	if raceErr.CompetitionID != started.CompetitionID {
		t.Errorf("race-error = %+v", raceErr)
	}
	if y.count(protocol.EventRaceOver) != 0 || y.count(protocol.EventRaceError) != 0 {
		t.Errorf("opponent events = %v, want no terminal event", y.events())
	}
	s, err := c.Registry().Get(started.Room)
	if err != nil || s.State() != StateActive {
		t.Fatalf("session after failed finish: %v, %v", s, err)
	}

	st.SetFailure(store.OpFinishAndRecord, nil)
	if err := c.WinnerCompletion(ctx, x, msg); err != nil {
		t.Fatalf("retry WinnerCompletion: %v", err)
	}
	if y.count(protocol.EventRaceOver) != 1 {
		t.Errorf("opponent did not receive race-over after retry")
	}
}

func TestPairingFailureRequeuesAtFront(t *testing.T) {
	type tcase struct {
		op  store.Op
		err error
	}

	tcases := map[string]tcase{
		"no_sentence":       {op: store.OpGetSentence, err: model.ErrNotFound},
		"open_write_failed": {op: store.OpOpenCompetition, err: errors.New("disk full")},
	}

	for name, tc := range tcases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			c, st, _ := newTestCoordinator(t)
			ctx := context.Background()
			x, y, z := newTestPeer("cx", "x"), newTestPeer("cy", "y"), newTestPeer("cz", "z")

			st.SetFailure(tc.op, tc.err)
			for _, p := range []*testPeer{x, y} {
				if err := c.FindMatch(ctx, p); err != nil {
					t.Fatalf("FindMatch(%s): %v", p.id, err)
				}
			}
			for _, p := range []*testPeer{x, y} {
				if diff := cmp.Diff([]protocol.Event{protocol.EventWaiting}, p.events()); diff != "" {
					t.Errorf("%s events mismatch (-want +got):\n%s", p.id, diff)
				}
			}
			if c.Metrics().PairingFailures.Load() != 1 {
				t.Errorf("PairingFailures = %d, want 1", c.Metrics().PairingFailures.Load())
			}
			if c.Registry().Count() != 0 {
				t.Errorf("session created for failed pairing")
			}

			st.SetFailure(tc.op, nil)
			if err := c.FindMatch(ctx, z); err != nil {
				t.Fatalf("FindMatch(z): %v", err)
			}

			var fromX, fromY protocol.RaceStarted
			x.last(t, protocol.EventRaceStarted, &fromX)
			y.last(t, protocol.EventRaceStarted, &fromY)
			if fromX.Room != fromY.Room {
				t.Errorf("x and y not re-paired together: %s vs %s", fromX.Room, fromY.Room)
			}
			if z.count(protocol.EventRaceStarted) != 0 {
				t.Errorf("new arrival jumped the requeued pair")
			}
			if c.Queue().Len() != 1 {
				t.Errorf("queue length = %d, want 1", c.Queue().Len())
			}
		})
	}
}

func TestRunRetriesPairing(t *testing.T) {
	t.Parallel()
	c, st, _ := newTestCoordinator(t)
	c.cfg.PairRetryInterval = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	x, y := newTestPeer("cx", "x"), newTestPeer("cy", "y")

	st.SetFailure(store.OpGetSentence, model.ErrNotFound)
	_ = c.FindMatch(ctx, x)
	_ = c.FindMatch(ctx, y)
	st.SetFailure(store.OpGetSentence, nil)

	go c.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for x.count(protocol.EventRaceStarted) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("retry loop never paired the requeued players")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProgressRelay(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCoordinator(t)
	x, y := newTestPeer("cx", "x"), newTestPeer("cy", "y")
	started := startRace(t, c, x, y)

	if err := c.Progress(x, protocol.ProgressUpdate{Room: started.Room, Progress: 40, WPM: 66}); err != nil {
		t.Fatalf("Progress: %v", err)
	}
	var relayed protocol.OpponentProgress
	y.last(t, protocol.EventOpponentProgress, &relayed)
	if diff := cmp.Diff(protocol.OpponentProgress{Progress: 40, WPM: 66}, relayed); diff != "" {
		t.Errorf("opponent-progress mismatch (-want +got):\n%s", diff)
	}
	if x.count(protocol.EventOpponentProgress) != 0 {
		t.Errorf("progress echoed back to sender")
	}

	outsider := newTestPeer("co", "o")
	if err := c.Progress(outsider, protocol.ProgressUpdate{Room: started.Room}); !errors.Is(err, model.ErrNotParticipant) {
		t.Errorf("Progress from outsider: err = %v, want ErrNotParticipant", err)
	}
	if err := c.Progress(x, protocol.ProgressUpdate{Room: "nope"}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("Progress for unknown room: err = %v, want ErrNotFound", err)
	}
}

func TestFindMatchRejectsBusyUser(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	x := newTestPeer("cx", "x")

	if err := c.FindMatch(ctx, x); err != nil {
		t.Fatalf("FindMatch: %v", err)
	}
	if err := c.FindMatch(ctx, x); !errors.Is(err, ErrConflict) {
		t.Errorf("same connection: err = %v, want ErrConflict", err)
	}
	if err := c.FindMatch(ctx, newTestPeer("cx2", "x")); !errors.Is(err, ErrConflict) {
		t.Errorf("second connection of same user: err = %v, want ErrConflict", err)
	}
	if n := x.count(protocol.EventWaiting); n != 1 {
		t.Errorf("waiting sent %d times, want 1", n)
	}

	y := newTestPeer("cy", "y")
	if err := c.FindMatch(ctx, y); err != nil {
		t.Fatalf("FindMatch(y): %v", err)
	}
	if err := c.FindMatch(ctx, newTestPeer("cy2", "y")); !errors.Is(err, ErrConflict) {
		t.Errorf("user already racing: err = %v, want ErrConflict", err)
	}
}

func TestDisconnectWhileQueued(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	x := newTestPeer("cx", "x")
	_ = c.FindMatch(ctx, x)

	c.Disconnect(ctx, x)
	if c.Queue().Contains(x.ID()) {
		t.Errorf("disconnected player still queued")
	}
	c.Disconnect(ctx, x)
	if c.Metrics().QueueDepartures.Load() != 1 {
		t.Errorf("QueueDepartures = %d, want 1", c.Metrics().QueueDepartures.Load())
	}
}

func TestDisconnectAbortsRace(t *testing.T) {
	t.Parallel()
	c, st, rec := newTestCoordinator(t)
	ctx := context.Background()
	x, y := newTestPeer("cx", "x"), newTestPeer("cy", "y")
	started := startRace(t, c, x, y)

	x.close()
	c.Disconnect(ctx, x)

	var aborted protocol.RaceAborted
	y.last(t, protocol.EventRaceOver, &aborted)
	want := protocol.RaceAborted{Room: started.Room, DepartedParticipant: "x", TimeTaken: 0}
	if diff := cmp.Diff(want, aborted); diff != "" {
		t.Errorf("race-over mismatch (-want +got):\n%s", diff)
	}
	if c.Registry().Count() != 0 {
		t.Errorf("aborted session not evicted")
	}
	comp, err := st.GetCompetition(ctx, started.CompetitionID)
	if err != nil {
		t.Fatalf("GetCompetition: %v", err)
	}
	if comp.Status != model.CompetitionAborted {
		t.Errorf("competition status = %s, want aborted", comp.Status)
	}

	err = c.LoserCompletion(ctx, y, protocol.LoserCompletion{CompetitionID: started.CompetitionID, Metrics: finish(40)})
	if !errors.Is(err, model.ErrCompetitionClosed) {
		t.Errorf("LoserCompletion after abort: err = %v, want ErrCompetitionClosed", err)
	}
	err = c.WinnerCompletion(ctx, y, protocol.WinnerCompletion{Room: started.Room, CompetitionID: started.CompetitionID, Metrics: finish(40)})
	if !errors.Is(err, model.ErrCompetitionClosed) {
		t.Errorf("WinnerCompletion after abort: err = %v, want ErrCompetitionClosed", err)
	}
	if n := len(competitionResults(t, st, started.CompetitionID)); n != 0 {
		t.Errorf("results after abort = %d, want 0", n)
	}
	if rec.len() != 0 {
		t.Errorf("observer saw results for an aborted race")
	}

	if err := c.FindMatch(ctx, y); err != nil {
		t.Errorf("survivor cannot queue again: %v", err)
	}
}

func TestDisconnectDuringSetup(t *testing.T) {
	t.Parallel()
	c, st, _ := newTestCoordinator(t)
	ctx := context.Background()
	x, y := newTestPeer("cx", "x"), newTestPeer("cy", "y")

	st.SetHook(store.OpOpenCompetition, func() { c.Disconnect(ctx, x) })
	_ = c.FindMatch(ctx, x)
	_ = c.FindMatch(ctx, y)

	if y.count(protocol.EventRaceStarted) != 0 {
		t.Errorf("race-started sent after a participant left")
	}
	var aborted protocol.RaceAborted
	y.last(t, protocol.EventRaceOver, &aborted)
	if aborted.DepartedParticipant != "x" {
		t.Errorf("departedParticipant = %q, want x", aborted.DepartedParticipant)
	}
	if c.Registry().Count() != 0 || c.Queue().Len() != 0 {
		t.Errorf("registry=%d queue=%d, want both empty", c.Registry().Count(), c.Queue().Len())
	}
	if st.Calls(store.OpAbortCompetition) != 1 {
		t.Errorf("competition opened during setup was not marked aborted")
	}
}

func TestDisconnectDuringFailedSetupRequeuesSurvivor(t *testing.T) {
	t.Parallel()
	c, st, _ := newTestCoordinator(t)
	ctx := context.Background()
	x, y := newTestPeer("cx", "x"), newTestPeer("cy", "y")

	st.SetFailure(store.OpGetSentence, model.ErrNotFound)
	st.SetHook(store.OpGetSentence, func() { c.Disconnect(ctx, x) })
	_ = c.FindMatch(ctx, x)
	_ = c.FindMatch(ctx, y)

	if diff := cmp.Diff([]string{"cy"}, queuedIDs(c)); diff != "" {
		t.Errorf("queue mismatch (-want +got):\n%s", diff)
	}
	if y.count(protocol.EventRaceOver) != 0 {
		t.Errorf("survivor of a failed pairing got race-over")
	}
}

func TestNewCoordinatorRequiresStores(t *testing.T) {
	if _, err := NewCoordinator(DefaultConfig(), Dependencies{}); err == nil {
		t.Errorf("NewCoordinator without stores: expected error")
	}
	st := store.NewMemory()
	cfg := DefaultConfig()
	cfg.Category = "HUNDRED"
	if _, err := NewCoordinator(cfg, Dependencies{Texts: st, Results: st}); !errors.Is(err, model.ErrInvalidCategory) {
		t.Errorf("invalid category: err = %v, want ErrInvalidCategory", err)
	}
}

func queuedIDs(c *Coordinator) []string {
	var out []string
	for _, e := range c.Queue().Snapshot() {
		out = append(out, e.Player.ID())
	}
	return out
}
