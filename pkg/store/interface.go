package store

import (
	"context"

	"github.com/NicolasHaas/typeduel/pkg/model"
)

// DataStore defines the persistence interface the race server depends on.
// Implementations include the SQL ProviderFactory (SQLite or PostgreSQL) and
// the in-memory MemoryStore used by tests and -memory mode.
//
// Lookups return model.ErrNotFound for missing rows.
type DataStore interface {
	// Close closes the underlying storage connection.
	Close() error

	// ---- Sentences ----

	// GetSentence returns a random sentence of the given category.
	GetSentence(ctx context.Context, category model.Category) (*model.Sentence, error)

	// CreateSentence stores a new sentence and assigns its ID.
	CreateSentence(ctx context.Context, sentence *model.Sentence) error

	// ListSentences returns all sentences, or those of one category when category is non-empty.
	ListSentences(ctx context.Context, category model.Category) ([]model.Sentence, error)

	// ---- Competitions ----

	// OpenCompetition durably creates an open competition for exactly two participants.
	OpenCompetition(ctx context.Context, category model.Category, sentenceID string, participants []string) (*model.Competition, error)

	// FinishCompetitionAndRecordResult marks an open competition finished and stores
	// the winner's result in one transaction. Both writes happen or neither does.
	// Returns model.ErrCompetitionClosed if the competition is no longer open.
	FinishCompetitionAndRecordResult(ctx context.Context, competitionID string, winner model.Result) (*model.Result, error)

	// AbortCompetition marks an open competition aborted.
	AbortCompetition(ctx context.Context, competitionID string) error

	// GetCompetition retrieves a competition with its participants.
	GetCompetition(ctx context.Context, id string) (*model.Competition, error)

	// GetCompetitionDetail retrieves a competition with its results, best wpm first.
	GetCompetitionDetail(ctx context.Context, id string) (*model.CompetitionDetail, error)

	// ---- Results ----

	// RecordResult stores a result. With a non-empty competitionID the user must be a
	// participant, the competition must not be aborted, and a second result for the same
	// (user, competition) pair fails with model.ErrDuplicateResult. An empty
	// competitionID records a practice run.
	RecordResult(ctx context.Context, competitionID string, result model.Result) (*model.Result, error)

	// ListResults returns results matching the filters.
	ListResults(ctx context.Context, filters model.ResultFilters) ([]model.Result, error)
}
