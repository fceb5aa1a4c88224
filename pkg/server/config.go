package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/typeduel/pkg/model"
	"github.com/NicolasHaas/typeduel/pkg/store"
)

// SentenceYAML represents a sentence in the seed file.
type SentenceYAML struct {
	Category string `yaml:"category"`
	Text     string `yaml:"text"`
}

// SentencesConfig is the top-level YAML config for sentences.
type SentencesConfig struct {
	Sentences []SentenceYAML `yaml:"sentences"`
}

// ResultYAML represents a result in YAML export.
type ResultYAML struct {
	ID            string  `yaml:"id"`
	UserID        string  `yaml:"user_id"`
	CompetitionID string  `yaml:"competition_id,omitempty"`
	SentenceID    string  `yaml:"sentence_id"`
	WPM           float64 `yaml:"wpm"`
	Accuracy      float64 `yaml:"accuracy"`
	RawWPM        float64 `yaml:"raw_wpm"`
	ErrorCount    int     `yaml:"error_count"`
	TimeTaken     float64 `yaml:"time_taken"`
	CreatedAt     string  `yaml:"created_at"`
}

// ResultsExport is the top-level YAML for result export.
type ResultsExport struct {
	Results []ResultYAML `yaml:"results"`
}

// LoadSentencesFromYAML reads a sentences YAML file and adds the missing ones to the store.
func LoadSentencesFromYAML(ctx context.Context, path string, st store.DataStore) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return fmt.Errorf("read sentences config: %w", err)
	}
	_, err = ImportSentencesFromYAML(ctx, data, st)
	return err
}

// ImportSentencesFromYAML parses YAML data and creates every sentence whose
// category and text are not stored yet. It returns how many were created.
func ImportSentencesFromYAML(ctx context.Context, data []byte, st store.DataStore) (int, error) {
	var cfg SentencesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return 0, fmt.Errorf("parse sentences config: %w", err)
	}

	existing, err := st.ListSentences(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list sentences: %w", err)
	}
	seen := make(map[string]bool, len(existing))
	for _, s := range existing {
		seen[string(s.Category)+"\x00"+s.Text] = true
	}

	created := 0
	for _, entry := range cfg.Sentences {
		category, err := model.ParseCategory(entry.Category)
		if err != nil {
			slog.Error("skipping sentence from config", "text", entry.Text, "err", err)
			continue
		}
		sentence := model.NewSentence(category, entry.Text)
		key := string(category) + "\x00" + sentence.Text
		if seen[key] {
			continue
		}
		if err := st.CreateSentence(ctx, sentence); err != nil {
			slog.Error("failed to create sentence from config", "text", sentence.Text, "err", err)
			continue
		}
		seen[key] = true
		created++
	}

	slog.Info("imported sentences from YAML", "count", len(cfg.Sentences), "created", created)
	return created, nil
}

// ExportResultsYAML exports all results as YAML, newest first.
func ExportResultsYAML(ctx context.Context, st store.DataStore) ([]byte, error) {
	results, err := st.ListResults(ctx, model.ResultFilters{})
	if err != nil {
		return nil, err
	}

	export := ResultsExport{}
	for _, r := range results {
		export.Results = append(export.Results, ResultYAML{
			ID:            r.ID,
			UserID:        r.UserID,
			CompetitionID: r.CompetitionID,
			SentenceID:    r.SentenceID,
			WPM:           r.WPM,
			Accuracy:      r.Accuracy,
			RawWPM:        r.RawWPM,
			ErrorCount:    r.ErrorCount,
			TimeTaken:     r.TimeTaken,
			CreatedAt:     r.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return yaml.Marshal(&export)
}
