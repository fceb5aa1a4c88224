package model

import (
	"errors"
	"time"
)

const MaxAccuracy = 100

var ErrResultUserEmpty = errors.New("result user id must not be empty")
var ErrResultSentenceEmpty = errors.New("result sentence id must not be empty")
var ErrResultMetrics = errors.New("result metrics out of range")

// Result is one participant's outcome for one sentence, optionally within a competition.
type Result struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	CompetitionID string    `json:"competitionId,omitempty"` // empty for practice runs
	SentenceID    string    `json:"sentenceId"`
	WPM           float64   `json:"wpm"`
	Accuracy      float64   `json:"accuracy"`
	RawWPM        float64   `json:"rawWpm"`
	ErrorCount    int       `json:"errorCount"`
	TimeTaken     float64   `json:"timeTaken"` // seconds
	CreatedAt     time.Time `json:"createdAt"`
}

func (r *Result) Validate() error {
	if r.UserID == "" {
		return ErrResultUserEmpty
	}
	if r.SentenceID == "" {
		return ErrResultSentenceEmpty
	}
	if r.WPM < 0 || r.RawWPM < 0 || r.ErrorCount < 0 || r.TimeTaken < 0 {
		return ErrResultMetrics
	}
	if r.Accuracy < 0 || r.Accuracy > MaxAccuracy {
		return ErrResultMetrics
	}
	return nil
}

// ResultFilters narrows a result listing. Zero values mean "no filter".
type ResultFilters struct {
	UserID        string
	CompetitionID string
	Limit         int
	OrderByWPM    bool // best wpm first instead of newest first
}
