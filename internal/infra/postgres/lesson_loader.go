package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"livequiz-service/internal/domain"
)

// LessonLoader loads lesson JSONB from Postgres.
type LessonLoader struct {
	pool *pgxpool.Pool
}

func NewLessonLoader(pool *pgxpool.Pool) *LessonLoader {
	return &LessonLoader{pool: pool}
}

func (l *LessonLoader) LoadLesson(ctx context.Context, lessonID string) (domain.Lesson, error) {
	var raw []byte
	err := l.pool.QueryRow(ctx, `SELECT data FROM lessons WHERE id=$1`, lessonID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Lesson{}, domain.ErrLessonNotFound
	}
	if err != nil {
		return domain.Lesson{}, fmt.Errorf("load lesson: %w", err)
	}
	var lesson domain.Lesson
	if err := json.Unmarshal(raw, &lesson); err != nil {
		return domain.Lesson{}, fmt.Errorf("unmarshal lesson: %w", err)
	}
	return lesson, nil
}

// SaveLesson inserts or replaces a lesson.
func (l *LessonLoader) SaveLesson(ctx context.Context, lesson domain.Lesson) error {
	if err := lesson.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(lesson)
	if err != nil {
		return fmt.Errorf("marshal lesson: %w", err)
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO lessons (id, owner_id, name, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET owner_id = EXCLUDED.owner_id, name = EXCLUDED.name, data = EXCLUDED.data, updated_at = now()`,
		lesson.ID, lesson.OwnerID, lesson.Name, raw)
	if err != nil {
		return fmt.Errorf("save lesson: %w", err)
	}
	return nil
}
