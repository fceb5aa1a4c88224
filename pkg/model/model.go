// Package model defines the core domain types for TypeDuel.
package model

import (
	"errors"
	"fmt"
)

// Category is a sentence difficulty bucket, named after its word count.
type Category string

const (
	CategoryFifteen    Category = "FIFTEEN"
	CategoryTwentyFive Category = "TWENTY_FIVE"
	CategoryFifty      Category = "FIFTY"

	// DefaultCategory is used for every 1v1 race.
	DefaultCategory = CategoryFifteen
)

var ErrInvalidCategory = errors.New("invalid category: must be FIFTEEN, TWENTY_FIVE or FIFTY")

// Categories returns all known categories, shortest first.
func Categories() []Category {
	return []Category{CategoryFifteen, CategoryTwentyFive, CategoryFifty}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryFifteen, CategoryTwentyFive, CategoryFifty:
		return true
	default:
		return false
	}
}

// WordCount returns the nominal number of words for the category.
func (c Category) WordCount() int {
	switch c {
	case CategoryFifteen:
		return 15
	case CategoryTwentyFive:
		return 25
	case CategoryFifty:
		return 50
	default:
		return 0
	}
}

func (c Category) String() string {
	return string(c)
}

// ParseCategory converts a string to a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
	}
	return c, nil
}

// Lookup errors shared by every store implementation.
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateResult   = errors.New("result already recorded for this competition")
	ErrNotParticipant    = errors.New("user is not a participant of this competition")
	ErrCompetitionClosed = errors.New("competition is not accepting results")
)
