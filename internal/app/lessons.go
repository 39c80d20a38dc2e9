package app

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"livequiz-service/internal/domain"
)

// LessonSaver persists lesson content in the lesson database.
type LessonSaver interface {
	SaveLesson(ctx context.Context, lesson domain.Lesson) error
}

// LessonInvalidator drops a cached copy of a lesson.
type LessonInvalidator interface {
	Invalidate(ctx context.Context, lessonID string) error
}

// LessonEditor writes lesson content on behalf of its owner. Rooms that are
// already open keep the lesson they loaded; new sessions see the edit.
type LessonEditor struct {
	lessons LessonRepository
	saver   LessonSaver
	cache   LessonInvalidator
	settings
}

func NewLessonEditor(lessons LessonRepository, saver LessonSaver, cache LessonInvalidator, opts ...Option) *LessonEditor {
	return &LessonEditor{lessons: lessons, saver: saver, cache: cache, settings: newSettings(opts)}
}

// Save creates or replaces lesson for ownerID. Only the current owner may
// replace an existing lesson.
func (e *LessonEditor) Save(ctx context.Context, ownerID string, lesson domain.Lesson) (domain.Lesson, error) {
	if lesson.ID == "" {
		return domain.Lesson{}, &domain.ValidationError{Field: "id", Message: "lesson id is required"}
	}
	if lesson.OwnerID != "" && lesson.OwnerID != ownerID {
		return domain.Lesson{}, domain.ErrPermissionDenied
	}
	lesson.OwnerID = ownerID
	if err := lesson.Validate(); err != nil {
		return domain.Lesson{}, err
	}

	existing, err := e.lessons.GetLesson(ctx, lesson.ID)
	switch {
	case errors.Is(err, domain.ErrLessonNotFound):
	case err != nil:
		return domain.Lesson{}, domain.StoreError("get lesson", err)
	case existing.OwnerID != ownerID:
		return domain.Lesson{}, domain.ErrPermissionDenied
	}

	if err := e.saver.SaveLesson(ctx, lesson); err != nil {
		return domain.Lesson{}, domain.StoreError("save lesson", err)
	}
	if err := e.cache.Invalidate(ctx, lesson.ID); err != nil {
		// The stale copy expires with its TTL.
		e.log.WithError(err).WithField("lesson", lesson.ID).Warn("lesson cache invalidation failed")
	}
	e.log.WithFields(logrus.Fields{"lesson": lesson.ID, "owner": ownerID}).Info("lesson saved")
	return lesson, nil
}
