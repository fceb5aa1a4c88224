package race

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/NicolasHaas/typeduel/pkg/model"
	"github.com/NicolasHaas/typeduel/pkg/protocol"
	"github.com/NicolasHaas/typeduel/pkg/store"
)

var errClosed = errors.New("peer closed")

// testPeer records every frame sent to it.
type testPeer struct {
	id, user string

	mu     sync.Mutex
	frames []*protocol.Envelope
	closed bool
}

func newTestPeer(id, user string) *testPeer {
	return &testPeer{id: id, user: user}
}

func (p *testPeer) ID() string     { return p.id }
func (p *testPeer) UserID() string { return p.user }

func (p *testPeer) Send(frame []byte) error {
	env, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errClosed
	}
	p.frames = append(p.frames, env)
	return nil
}

func (p *testPeer) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

func (p *testPeer) events() []protocol.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.Event, 0, len(p.frames))
	for _, f := range p.frames {
		out = append(out, f.Event)
	}
	return out
}

func (p *testPeer) count(event protocol.Event) int {
	n := 0
	for _, e := range p.events() {
		if e == event {
			n++
		}
	}
	return n
}

// last binds the payload of the most recent frame of kind event into v.
func (p *testPeer) last(t *testing.T, event protocol.Event, v any) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.frames) - 1; i >= 0; i-- {
		if p.frames[i].Event == event {
			if err := json.Unmarshal(p.frames[i].Data, v); err != nil {
				t.Fatalf("%s: bind: %v", event, err)
			}
			return
		}
	}
	t.Fatalf("%s: no frame received, got %v", event, p.eventsLocked())
}

func (p *testPeer) eventsLocked() []protocol.Event {
	out := make([]protocol.Event, 0, len(p.frames))
	for _, f := range p.frames {
		out = append(out, f.Event)
	}
	return out
}

// recorder is a ResultObserver that keeps what it saw.
type recorder struct {
	mu      sync.Mutex
	results []model.Result
}

func (r *recorder) Observe(_ context.Context, result model.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *store.MemoryStore, *recorder) {
	t.Helper()
	st := store.NewMemory()
	if err := st.CreateSentence(context.Background(), model.NewSentence(model.CategoryFifteen, "the quick brown fox jumps over the lazy dog")); err != nil {
		t.Fatalf("CreateSentence: %v", err)
	}
	rec := &recorder{}
	cfg := DefaultConfig()
	cfg.PairRetryInterval = 0
	c, err := NewCoordinator(cfg, Dependencies{Texts: st, Results: st, Observer: rec})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return c, st, rec
}

// startRace queues x and y and returns the race-started payload seen by x.
func startRace(t *testing.T, c *Coordinator, x, y *testPeer) protocol.RaceStarted {
	t.Helper()
	ctx := context.Background()
	if err := c.FindMatch(ctx, x); err != nil {
		t.Fatalf("FindMatch(%s): %v", x.id, err)
	}
	if err := c.FindMatch(ctx, y); err != nil {
		t.Fatalf("FindMatch(%s): %v", y.id, err)
	}
	var started protocol.RaceStarted
	x.last(t, protocol.EventRaceStarted, &started)
	return started
}
