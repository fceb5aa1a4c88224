// Package race coordinates live 1v1 typing races: it pairs waiting players,
// opens a competition for them, relays progress inside a room and records the
// outcome exactly once per participant.
package race

import (
	"context"

	"github.com/NicolasHaas/typeduel/pkg/model"
)

// Peer is one authenticated connection as seen by the coordinator.
// Send must not block; it queues the frame for delivery.
type Peer interface {
	ID() string
	UserID() string
	Send(frame []byte) error
}

// TextProvider returns race text.
type TextProvider interface {
	GetSentence(ctx context.Context, category model.Category) (*model.Sentence, error)
}

// ResultStore persists competitions and results.
type ResultStore interface {
	OpenCompetition(ctx context.Context, category model.Category, sentenceID string, participants []string) (*model.Competition, error)
	FinishCompetitionAndRecordResult(ctx context.Context, competitionID string, winner model.Result) (*model.Result, error)
	RecordResult(ctx context.Context, competitionID string, result model.Result) (*model.Result, error)
	AbortCompetition(ctx context.Context, competitionID string) error
	GetCompetition(ctx context.Context, id string) (*model.Competition, error)
}

// ResultObserver is told about every result the coordinator stores.
type ResultObserver interface {
	Observe(ctx context.Context, result model.Result)
}
