// Package memory holds in-process implementations of the session store, the
// change broker and the lesson cache.
package memory

import (
	"context"
	"sort"
	"sync"

	"livequiz-service/internal/domain"
)

// Store is an in-memory app.Store. Every mutation publishes a change event.
type Store struct {
	broker *Broker

	mu           sync.RWMutex
	sessions     map[string]domain.LiveSession
	participants map[string]domain.Participant
	solved       map[string]map[int]bool // participant id -> question indexes answered correctly
	lessons      map[string]domain.Lesson
}

func NewStore() *Store {
	return &Store{
		broker:       NewBroker(),
		sessions:     make(map[string]domain.LiveSession),
		participants: make(map[string]domain.Participant),
		solved:       make(map[string]map[int]bool),
		lessons:      make(map[string]domain.Lesson),
	}
}

// Broker exposes the change broker, e.g. to inject events in tests.
func (s *Store) Broker() *Broker { return s.broker }

// PutLesson seeds lesson content.
func (s *Store) PutLesson(lesson domain.Lesson) {
	s.mu.Lock()
	s.lessons[lesson.ID] = lesson
	s.mu.Unlock()
}

func (s *Store) GetLesson(_ context.Context, lessonID string) (domain.Lesson, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lesson, ok := s.lessons[lessonID]
	if !ok {
		return domain.Lesson{}, domain.ErrLessonNotFound
	}
	return lesson, nil
}

// LoadLesson lets the store back a LessonCache.
func (s *Store) LoadLesson(ctx context.Context, lessonID string) (domain.Lesson, error) {
	return s.GetLesson(ctx, lessonID)
}

func (s *Store) CreateSession(_ context.Context, sess domain.LiveSession) (domain.LiveSession, error) {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	s.publishSession(domain.ChangeInsert, sess)
	return sess, nil
}

func (s *Store) GetSession(_ context.Context, id string) (domain.LiveSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.LiveSession{}, domain.ErrSessionNotFound
	}
	return sess, nil
}

func (s *Store) UpdateSession(_ context.Context, id string, update domain.SessionUpdate) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrSessionNotFound
	}
	if update.HasStarted != nil {
		sess.HasStarted = *update.HasStarted
	}
	if update.IsActive != nil {
		sess.IsActive = *update.IsActive
	}
	s.sessions[id] = sess
	s.mu.Unlock()
	s.publishSession(domain.ChangeUpdate, sess)
	return nil
}

// DeleteSession removes the session and its participants.
func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrSessionNotFound
	}
	delete(s.sessions, id)
	for pid, p := range s.participants {
		if p.SessionID == id {
			delete(s.participants, pid)
			delete(s.solved, pid)
		}
	}
	s.mu.Unlock()
	s.publishSession(domain.ChangeDelete, sess)
	return nil
}

func (s *Store) FindSessionByJoinCode(_ context.Context, code string) (domain.LiveSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.JoinCode == code {
			return sess, nil
		}
	}
	return domain.LiveSession{}, domain.ErrSessionNotFound
}

func (s *Store) LatestSessionForLesson(_ context.Context, lessonID string) (domain.LiveSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		latest domain.LiveSession
		found  bool
	)
	for _, sess := range s.sessions {
		if sess.LessonID != lessonID {
			continue
		}
		if !found || sess.CreatedAt.After(latest.CreatedAt) {
			latest, found = sess, true
		}
	}
	if !found {
		return domain.LiveSession{}, domain.ErrSessionNotFound
	}
	return latest, nil
}

func (s *Store) UpsertParticipant(_ context.Context, p domain.Participant) (domain.Participant, error) {
	s.mu.Lock()
	if _, ok := s.sessions[p.SessionID]; !ok {
		s.mu.Unlock()
		return domain.Participant{}, domain.ErrSessionNotFound
	}
	if p.UserID != "" {
		for _, existing := range s.participants {
			if existing.SessionID == p.SessionID && existing.UserID == p.UserID {
				s.mu.Unlock()
				return existing, nil
			}
		}
	}
	s.participants[p.ID] = p
	s.mu.Unlock()
	s.publishParticipant(domain.ChangeInsert, p)
	return p, nil
}

// AwardParticipant applies the award under the store lock, so concurrent
// awards never lose an increment and a question is credited at most once.
func (s *Store) AwardParticipant(_ context.Context, participantID string, award domain.Award) (domain.Participant, error) {
	s.mu.Lock()
	p, ok := s.participants[participantID]
	if !ok {
		s.mu.Unlock()
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	solved := s.solved[participantID]
	if solved[award.Question] {
		s.mu.Unlock()
		return domain.Participant{}, domain.ErrAnswerLocked
	}
	if award.Correct > 0 {
		if solved == nil {
			solved = make(map[int]bool)
			s.solved[participantID] = solved
		}
		solved[award.Question] = true
	}
	p.Score += award.Points
	p.CorrectAnswers += award.Correct
	p.IncorrectAnswers += award.Incorrect
	s.participants[participantID] = p
	s.mu.Unlock()
	s.publishParticipant(domain.ChangeUpdate, p)
	return p, nil
}

func (s *Store) GetParticipant(_ context.Context, id string) (domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	return p, nil
}

func (s *Store) ListParticipants(_ context.Context, sessionID string) ([]domain.Participant, error) {
	s.mu.RLock()
	out := make([]domain.Participant, 0)
	for _, p := range s.participants {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) Subscribe(ctx context.Context, table, sessionID string, fn func(domain.ChangeEvent)) (func(), error) {
	return s.broker.Subscribe(ctx, table, sessionID, fn)
}

func (s *Store) publishSession(kind domain.ChangeKind, sess domain.LiveSession) {
	_ = s.broker.Publish(context.Background(), domain.ChangeEvent{
		Table:     domain.TableSessions,
		Kind:      kind,
		SessionID: sess.ID,
		Session:   &sess,
	})
}

func (s *Store) publishParticipant(kind domain.ChangeKind, p domain.Participant) {
	_ = s.broker.Publish(context.Background(), domain.ChangeEvent{
		Table:       domain.TableParticipants,
		Kind:        kind,
		SessionID:   p.SessionID,
		Participant: &p,
	})
}
