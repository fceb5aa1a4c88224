package datastore

import (
	"context"
	"fmt"

	"github.com/NicolasHaas/typeduel/pkg/model"
)

// GetSentence returns a random sentence of the category.
func (sf *ProviderFactory) GetSentence(ctx context.Context, category model.Category) (*model.Sentence, error) {
	return sf.NonTx().RandomSentence(ctx, category)
}

// CreateSentence stores a new sentence.
func (sf *ProviderFactory) CreateSentence(ctx context.Context, sentence *model.Sentence) error {
	return sf.NonTx().CreateSentence(ctx, sentence)
}

// ListSentences returns stored sentences, optionally for one category.
func (sf *ProviderFactory) ListSentences(ctx context.Context, category model.Category) ([]model.Sentence, error) {
	return sf.NonTx().ListSentences(ctx, category)
}

// OpenCompetition creates an open competition with both participants in one transaction.
func (sf *ProviderFactory) OpenCompetition(ctx context.Context, category model.Category, sentenceID string, participants []string) (*model.Competition, error) {
	tx, err := sf.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("datastore: open competition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	competition := &model.Competition{
		Category:     category,
		SentenceID:   sentenceID,
		Participants: append([]string(nil), participants...),
	}
	if err := tx.CreateCompetition(ctx, competition); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("datastore: open competition: commit: %w", err)
	}
	return competition, nil
}

// FinishCompetitionAndRecordResult marks the competition finished and stores the
// winner's result atomically.
func (sf *ProviderFactory) FinishCompetitionAndRecordResult(ctx context.Context, competitionID string, winner model.Result) (*model.Result, error) {
	tx, err := sf.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("datastore: finish competition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	competition, err := tx.GetCompetition(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	result, err := competitionResult(competition, winner)
	if err != nil {
		return nil, fmt.Errorf("datastore: finish competition: %w", err)
	}

	ok, err := tx.SetCompetitionStatus(ctx, competitionID, model.CompetitionOpen, model.CompetitionFinished, sf.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("datastore: finish competition %s: %w", competitionID, model.ErrCompetitionClosed)
	}
	if err := tx.CreateResult(ctx, result); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("datastore: finish competition: commit: %w", err)
	}
	return result, nil
}

// RecordResult stores a single result outside the finishing transaction.
func (sf *ProviderFactory) RecordResult(ctx context.Context, competitionID string, result model.Result) (*model.Result, error) {
	st := sf.NonTx()
	if competitionID == "" {
		if _, err := st.GetSentenceByID(ctx, result.SentenceID); err != nil {
			return nil, fmt.Errorf("datastore: record result: %w", err)
		}
		result.CompetitionID = ""
		if err := st.CreateResult(ctx, &result); err != nil {
			return nil, err
		}
		return &result, nil
	}

	competition, err := st.GetCompetition(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	if competition.Status == model.CompetitionAborted {
		return nil, fmt.Errorf("datastore: record result: %w", model.ErrCompetitionClosed)
	}
	stored, err := competitionResult(competition, result)
	if err != nil {
		return nil, fmt.Errorf("datastore: record result: %w", err)
	}
	if err := st.CreateResult(ctx, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// AbortCompetition marks an open competition aborted.
func (sf *ProviderFactory) AbortCompetition(ctx context.Context, competitionID string) error {
	st := sf.NonTx()
	ok, err := st.SetCompetitionStatus(ctx, competitionID, model.CompetitionOpen, model.CompetitionAborted, sf.now())
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := st.GetCompetition(ctx, competitionID); err != nil {
		return err
	}
	return fmt.Errorf("datastore: abort competition %s: %w", competitionID, model.ErrCompetitionClosed)
}

// GetCompetition retrieves a competition by ID.
func (sf *ProviderFactory) GetCompetition(ctx context.Context, id string) (*model.Competition, error) {
	return sf.NonTx().GetCompetition(ctx, id)
}

// GetCompetitionDetail retrieves a competition with its results, best wpm first.
func (sf *ProviderFactory) GetCompetitionDetail(ctx context.Context, id string) (*model.CompetitionDetail, error) {
	st := sf.NonTx()
	competition, err := st.GetCompetition(ctx, id)
	if err != nil {
		return nil, err
	}
	results, err := st.ListResults(ctx, model.ResultFilters{CompetitionID: id, OrderByWPM: true})
	if err != nil {
		return nil, err
	}
	return &model.CompetitionDetail{Competition: *competition, Results: results}, nil
}

// ListResults returns results matching the filters.
func (sf *ProviderFactory) ListResults(ctx context.Context, filters model.ResultFilters) ([]model.Result, error) {
	return sf.NonTx().ListResults(ctx, filters)
}

// competitionResult binds a result to its competition. Results inside a
// competition always reference the competition's sentence.
func competitionResult(competition *model.Competition, result model.Result) (*model.Result, error) {
	if !competition.HasParticipant(result.UserID) {
		return nil, model.ErrNotParticipant
	}
	result.CompetitionID = competition.ID
	result.SentenceID = competition.SentenceID
	return &result, nil
}
