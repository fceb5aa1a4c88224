package model

import (
	"errors"
	"time"
)

// CompetitionStatus tracks the persisted lifecycle of a competition.
type CompetitionStatus string

const (
	CompetitionOpen     CompetitionStatus = "open"
	CompetitionFinished CompetitionStatus = "finished"
	CompetitionAborted  CompetitionStatus = "aborted"
)

var ErrParticipantCount = errors.New("competition needs exactly two distinct participants")

// Competition is the persisted record of one race between two users.
type Competition struct {
	ID           string            `json:"id"`
	Category     Category          `json:"category"`
	SentenceID   string            `json:"sentenceId"`
	Status       CompetitionStatus `json:"status"`
	Participants []string          `json:"participants"`
	StartTime    time.Time         `json:"startTime"`
	EndTime      time.Time         `json:"endTime,omitzero"` // zero until finished
	CreatedAt    time.Time         `json:"createdAt"`
}

// HasParticipant reports whether userID took part in the competition.
func (c *Competition) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// ValidateParticipants checks a race has exactly two distinct, non-empty users.
func ValidateParticipants(userIDs []string) error {
	if len(userIDs) != 2 || userIDs[0] == "" || userIDs[1] == "" || userIDs[0] == userIDs[1] {
		return ErrParticipantCount
	}
	return nil
}

// CompetitionDetail is a competition with its recorded results, best wpm first.
type CompetitionDetail struct {
	Competition
	Results []Result `json:"results"`
}
