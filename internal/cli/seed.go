package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"livequiz-service/internal/config"
	"livequiz-service/internal/domain"
)

// NewSeedCmd writes lessons into the configured lesson store.
func NewSeedCmd(configPath *string) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load lessons into Mongo or Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			lessons := sampleLessons()
			if file != "" {
				lessons, err = readLessons(file)
				if err != nil {
					return err
				}
			}
			return seed(cmd.Context(), cfg, lessons)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON file with an array of lessons (defaults to built-in samples)")
	return cmd
}

func readLessons(path string) (map[string]domain.Lesson, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var list []domain.Lesson
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make(map[string]domain.Lesson, len(list))
	for _, l := range list {
		out[l.ID] = l
	}
	return out, nil
}

func seed(ctx context.Context, cfg config.Config, lessons map[string]domain.Lesson) error {
	log := newLogger(cfg)
	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, log); err != nil {
			return err
		}
	}
	b, err := connectBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.close()

	if !b.hasLessonDatabase() {
		return fmt.Errorf("no lesson database configured (set mongo.uri or postgres.url)")
	}
	saver := b.lessonSource(cfg)
	for id, lesson := range lessons {
		if err := saver.SaveLesson(ctx, lesson); err != nil {
			return fmt.Errorf("seed lesson %s: %w", id, err)
		}
		log.WithField("lesson", id).Info("lesson seeded")
	}
	return nil
}

// sampleLessons provides a minimal lesson set for local runs and seeding.
func sampleLessons() map[string]domain.Lesson {
	return map[string]domain.Lesson{
		"lesson-1": {
			ID:          "lesson-1",
			OwnerID:     "host-1",
			Name:        "Warm-up",
			Description: "Three quick questions",
			Questions: []domain.Question{
				{
					Text: "What is 2 + 2?",
					Type: domain.MultipleChoice,
					Answers: []domain.Answer{
						{Text: "3"},
						{Text: "4", IsCorrect: true},
						{Text: "5"},
					},
				},
				{
					Text: "The sun is a star.",
					Type: domain.TrueFalse,
					Answers: []domain.Answer{
						{Text: "True", IsCorrect: true},
						{Text: "False"},
					},
				},
				{
					Text:    "Capital of France?",
					Type:    domain.InputAnswer,
					Answers: []domain.Answer{{Text: "Paris"}},
				},
			},
		},
	}
}
