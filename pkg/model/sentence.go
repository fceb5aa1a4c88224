package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const MaxSentenceLength = 1024

var ErrSentenceEmpty = errors.New("sentence text must not be empty")
var ErrSentenceTooLong = fmt.Errorf("sentence text must not exceed %d characters", MaxSentenceLength)

// Sentence is a piece of text players type.
type Sentence struct {
	ID        string    `json:"id"`
	Category  Category  `json:"category"`
	Text      string    `json:"text"`
	WordCount int       `json:"wordCount"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewSentence builds a sentence with its word count filled in.
func NewSentence(category Category, text string) *Sentence {
	text = strings.TrimSpace(text)
	return &Sentence{
		Category:  category,
		Text:      text,
		WordCount: len(strings.Fields(text)),
	}
}

func (s *Sentence) Validate() error {
	if !s.Category.Valid() {
		return ErrInvalidCategory
	}
	if strings.TrimSpace(s.Text) == "" {
		return ErrSentenceEmpty
	} else if utf8.RuneCountInString(s.Text) > MaxSentenceLength {
		return ErrSentenceTooLong
	}
	return nil
}
