package app

import (
	"context"

	"livequiz-service/internal/domain"
)

// SessionStore persists live sessions and participants and delivers row
// change notifications scoped to one session.
type SessionStore interface {
	CreateSession(ctx context.Context, s domain.LiveSession) (domain.LiveSession, error)
	GetSession(ctx context.Context, id string) (domain.LiveSession, error)
	UpdateSession(ctx context.Context, id string, update domain.SessionUpdate) error
	DeleteSession(ctx context.Context, id string) error
	FindSessionByJoinCode(ctx context.Context, code string) (domain.LiveSession, error)
	// LatestSessionForLesson returns the most recently created session of a lesson.
	LatestSessionForLesson(ctx context.Context, lessonID string) (domain.LiveSession, error)

	// UpsertParticipant inserts p, or returns the existing row when the same
	// user already joined the session.
	UpsertParticipant(ctx context.Context, p domain.Participant) (domain.Participant, error)
	// AwardParticipant atomically adds award to the participant's counters.
	AwardParticipant(ctx context.Context, participantID string, award domain.Award) (domain.Participant, error)
	GetParticipant(ctx context.Context, id string) (domain.Participant, error)
	// ListParticipants returns the session's participants ordered by score descending.
	ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error)

	// Subscribe calls fn for every change to table rows of sessionID until the
	// returned cancel func is called or ctx is done. Delivery is best effort.
	Subscribe(ctx context.Context, table, sessionID string, fn func(domain.ChangeEvent)) (func(), error)
}

// LessonRepository loads lesson content (from cache/backing store).
type LessonRepository interface {
	GetLesson(ctx context.Context, lessonID string) (domain.Lesson, error)
}

// Store is everything the engine reads and writes.
type Store interface {
	SessionStore
	LessonRepository
}

// JoinCodeReserver atomically claims join codes across instances.
type JoinCodeReserver interface {
	Reserve(ctx context.Context, code, sessionID string) (bool, error)
	Release(ctx context.Context, code string) error
}

type composite struct {
	SessionStore
	lessons LessonRepository
}

func (c composite) GetLesson(ctx context.Context, lessonID string) (domain.Lesson, error) {
	return c.lessons.GetLesson(ctx, lessonID)
}

// NewStore serves lessons from a separate repository, e.g. a cache in front
// of a document database.
func NewStore(sessions SessionStore, lessons LessonRepository) Store {
	return composite{SessionStore: sessions, lessons: lessons}
}

// ChangeFeed carries row change events from writers to subscribers. Stores
// without native change notification publish through one.
type ChangeFeed interface {
	Publish(ctx context.Context, ev domain.ChangeEvent) error
	Subscribe(ctx context.Context, table, sessionID string, fn func(domain.ChangeEvent)) (func(), error)
}
