package datastore

import (
	"context"
	"time"

	"github.com/NicolasHaas/typeduel/pkg/model"
	"github.com/NicolasHaas/typeduel/pkg/store"
)

type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
}

type DataStoreTx interface {
	DataStore
	Rollback() error
	Commit() error
}

// DataStore defines the row-level persistence interface for TypeDuel entities.
// Race-level operations that span several rows are built on top of it by
// ProviderFactory.
type DataStore interface {
	ConfigReadProvider

	SentenceReadProvider
	SentenceWriteProvider

	CompetitionReadProvider
	CompetitionWriteProvider

	ResultReadProvider
	ResultWriteProvider
}

// Compile-time checks.
var (
	_ DataProviderFactory = (*ProviderFactory)(nil)
	_ store.DataStore     = (*ProviderFactory)(nil)
)

type ConfigReadProvider interface {
	ZeroTime() time.Time
	Close() error
}

type SentenceReadProvider interface {
	GetSentenceByID(ctx context.Context, id string) (*model.Sentence, error)
	RandomSentence(ctx context.Context, category model.Category) (*model.Sentence, error)
	ListSentences(ctx context.Context, category model.Category) ([]model.Sentence, error)
}

type SentenceWriteProvider interface {
	CreateSentence(ctx context.Context, sentence *model.Sentence) error
}

type CompetitionReadProvider interface {
	GetCompetition(ctx context.Context, id string) (*model.Competition, error)
}

type CompetitionWriteProvider interface {
	CreateCompetition(ctx context.Context, competition *model.Competition) error
	// SetCompetitionStatus moves a competition from one status to another and
	// reports whether the row was in the expected status.
	SetCompetitionStatus(ctx context.Context, id string, from, to model.CompetitionStatus, endTime time.Time) (bool, error)
}

type ResultReadProvider interface {
	ListResults(ctx context.Context, filters model.ResultFilters) ([]model.Result, error)
}

type ResultWriteProvider interface {
	CreateResult(ctx context.Context, result *model.Result) error
}
