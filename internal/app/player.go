package app

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"livequiz-service/internal/domain"
	"livequiz-service/internal/scoring"
	"livequiz-service/internal/session"
)

// GuestName is used when a participant joins without a display name.
const GuestName = "Guest"

// PlayerService contains the participant use cases.
type PlayerService struct {
	store Store
	settings
}

func NewPlayerService(store Store, opts ...Option) *PlayerService {
	return &PlayerService{store: store, settings: newSettings(opts)}
}

// Join registers userID (empty for guests) in the session behind code. A user
// who already joined gets the existing participant back, even after the start.
func (s *PlayerService) Join(ctx context.Context, code, userID, name string) (domain.Participant, error) {
	p, err := s.join(ctx, strings.TrimSpace(code), userID, name)
	s.metrics.Join(err)
	return p, err
}

func (s *PlayerService) join(ctx context.Context, code, userID, name string) (domain.Participant, error) {
	if !session.ValidJoinCode(code) {
		return domain.Participant{}, &domain.ValidationError{Field: "code", Message: "join code must be 6 digits"}
	}
	sess, err := s.store.FindSessionByJoinCode(ctx, code)
	if err != nil {
		return domain.Participant{}, domain.StoreError("find session", err)
	}
	if !sess.IsActive {
		return domain.Participant{}, domain.ErrSessionEnded
	}

	if userID != "" {
		existing, err := s.store.ListParticipants(ctx, sess.ID)
		if err != nil {
			return domain.Participant{}, domain.StoreError("list participants", err)
		}
		for _, p := range existing {
			if p.UserID == userID {
				return p, nil
			}
		}
	}
	if sess.HasStarted {
		return domain.Participant{}, domain.ErrSessionStarted
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = GuestName
	}
	p, err := s.store.UpsertParticipant(ctx, domain.Participant{
		ID:        s.newID(),
		SessionID: sess.ID,
		UserID:    userID,
		Name:      name,
		JoinedAt:  s.now(),
	})
	if err != nil {
		return domain.Participant{}, domain.StoreError("join session", err)
	}
	s.log.WithFields(logrus.Fields{
		"session":     sess.ID,
		"participant": p.ID,
	}).Info("participant joined")
	return p, nil
}

// Open loads the participant's view of a session.
func (s *PlayerService) Open(ctx context.Context, sessionID, participantID string) (*Play, error) {
	p, err := s.participant(ctx, sessionID, participantID)
	if err != nil {
		return nil, err
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, domain.StoreError("get session", err)
	}
	lesson, err := s.store.GetLesson(ctx, sess.LessonID)
	if err != nil {
		return nil, domain.StoreError("get lesson", err)
	}
	return newPlay(s, p, lesson), nil
}

// Answer grades a single submission for question index without page state.
func (s *PlayerService) Answer(ctx context.Context, sessionID, participantID string, index int, answer string) (AnswerResult, error) {
	if strings.TrimSpace(answer) == "" {
		return AnswerResult{}, &domain.ValidationError{Field: "answer", Message: "answer is required"}
	}
	p, err := s.participant(ctx, sessionID, participantID)
	if err != nil {
		return AnswerResult{}, err
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return AnswerResult{}, domain.StoreError("get session", err)
	}
	if err := answerable(sess); err != nil {
		return AnswerResult{}, err
	}
	lesson, err := s.store.GetLesson(ctx, sess.LessonID)
	if err != nil {
		return AnswerResult{}, domain.StoreError("get lesson", err)
	}
	if index < 0 || index >= len(lesson.Questions) {
		return AnswerResult{}, &domain.ValidationError{Field: "question", Message: "question index out of range"}
	}
	return s.award(ctx, p.ID, lesson, index, answer)
}

// answerable rejects answers unless the host has the session running.
func answerable(sess domain.LiveSession) error {
	switch {
	case !sess.HasStarted:
		return domain.ErrSessionNotStarted
	case !sess.IsActive:
		return domain.ErrSessionEnded
	}
	return nil
}

// grade checks the session is running, then scores and records answer.
func (s *PlayerService) grade(ctx context.Context, p domain.Participant, lesson domain.Lesson, index int, answer string) (AnswerResult, error) {
	sess, err := s.store.GetSession(ctx, p.SessionID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return AnswerResult{}, domain.ErrSessionEnded
	}
	if err != nil {
		return AnswerResult{}, domain.StoreError("get session", err)
	}
	if err := answerable(sess); err != nil {
		return AnswerResult{}, err
	}
	return s.award(ctx, p.ID, lesson, index, answer)
}

func (s *PlayerService) award(ctx context.Context, participantID string, lesson domain.Lesson, index int, answer string) (AnswerResult, error) {
	res := scoring.Evaluate(lesson.Questions[index], answer, index, len(lesson.Questions))
	award := domain.Award{Question: index, Incorrect: 1}
	if res.IsCorrect {
		award = domain.Award{Question: index, Points: res.PointsAwarded, Correct: 1}
	}
	p, err := s.store.AwardParticipant(ctx, participantID, award)
	if errors.Is(err, domain.ErrAnswerLocked) {
		return AnswerResult{}, err
	}
	if err != nil {
		s.log.WithError(err).WithField("participant", participantID).Error("award failed")
		return AnswerResult{}, domain.StoreError("award participant", err)
	}
	s.metrics.Answer(res.IsCorrect)
	return AnswerResult{Result: res, Question: index, Score: p.Score}, nil
}

func (s *PlayerService) participant(ctx context.Context, sessionID, participantID string) (domain.Participant, error) {
	p, err := s.store.GetParticipant(ctx, participantID)
	if err != nil {
		return domain.Participant{}, domain.StoreError("get participant", err)
	}
	if p.SessionID != sessionID {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	return p, nil
}

// Signal is what a participant screen needs to know about the session lifecycle.
type Signal string

const (
	SignalWaiting Signal = "waiting"
	SignalStarted Signal = "started"
	SignalEnded   Signal = "ended"
)

func signalOf(s domain.LiveSession) Signal {
	switch {
	case !s.IsActive:
		return SignalEnded
	case !s.HasStarted:
		return SignalWaiting
	default:
		return SignalStarted
	}
}

// Watch delivers lifecycle signals for sessionID to fn, starting with the
// current one. Repeated signals are suppressed. The returned func stops delivery.
func (s *PlayerService) Watch(ctx context.Context, sessionID string, fn func(Signal)) (func(), error) {
	var (
		mu   sync.Mutex
		last Signal
	)
	deliver := func(sig Signal) {
		mu.Lock()
		if sig == last || last == SignalEnded {
			mu.Unlock()
			return
		}
		last = sig
		mu.Unlock()
		fn(sig)
	}

	cancel, err := s.store.Subscribe(ctx, domain.TableSessions, sessionID, func(ev domain.ChangeEvent) {
		switch {
		case ev.Kind == domain.ChangeDelete:
			deliver(SignalEnded)
		case ev.Session != nil:
			deliver(signalOf(*ev.Session))
		}
	})
	if err != nil {
		return nil, domain.StoreError("subscribe session", err)
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		deliver(SignalEnded)
	case err != nil:
		cancel()
		return nil, domain.StoreError("get session", err)
	default:
		deliver(signalOf(sess))
	}
	return cancel, nil
}

// AnswerResult is the graded outcome of a submission.
type AnswerResult struct {
	scoring.Result
	Question int `json:"question"`
	Score    int `json:"score"`
}

// Feedback is the state of the current question on the participant screen.
type Feedback string

const (
	FeedbackNone      Feedback = ""
	FeedbackCorrect   Feedback = "correct"
	FeedbackIncorrect Feedback = "incorrect"
	FeedbackRevealed  Feedback = "revealed"
)

// QuestionView is the participant's current question without the answer key.
type QuestionView struct {
	Index    int                 `json:"index"`
	Total    int                 `json:"total"`
	Text     string              `json:"text"`
	Type     domain.QuestionType `json:"type"`
	Options  []string            `json:"options,omitempty"`
	Locked   []string            `json:"locked,omitempty"`
	Feedback Feedback            `json:"feedback,omitempty"`
	Correct  string              `json:"correct,omitempty"`
}

// Reveal is the answer key shown on request.
type Reveal struct {
	Correct     string   `json:"correct"`
	Distractors []string `json:"distractors"`
}

// Play is one participant's self-paced walk through the lesson. The question
// cursor is local to the participant.
type Play struct {
	svc         *PlayerService
	participant domain.Participant
	lesson      domain.Lesson

	mu         sync.Mutex
	index      int
	submitting bool
	feedback   Feedback
	locked     map[string]bool
	finished   bool
}

func newPlay(svc *PlayerService, p domain.Participant, lesson domain.Lesson) *Play {
	return &Play{svc: svc, participant: p, lesson: lesson, locked: map[string]bool{}}
}

// Participant returns the participant this play belongs to.
func (p *Play) Participant() domain.Participant { return p.participant }

// Current describes the current question.
func (p *Play) Current() QuestionView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewLocked()
}

func (p *Play) viewLocked() QuestionView {
	v := QuestionView{Index: p.index, Total: len(p.lesson.Questions), Feedback: p.feedback}
	if p.index >= len(p.lesson.Questions) {
		return v
	}
	q := p.lesson.Questions[p.index]
	v.Text = q.Text
	v.Type = q.Type
	if q.Type != domain.InputAnswer {
		for _, a := range q.Answers {
			v.Options = append(v.Options, a.Text)
		}
	}
	for _, a := range q.Answers {
		if p.locked[a.Text] {
			v.Locked = append(v.Locked, a.Text)
		}
	}
	if p.feedback == FeedbackRevealed {
		v.Correct, _ = scoring.Reveal(q)
	}
	return v
}

// Submit grades answer for the current question and records the award.
func (p *Play) Submit(ctx context.Context, answer string) (AnswerResult, error) {
	if strings.TrimSpace(answer) == "" {
		return AnswerResult{}, &domain.ValidationError{Field: "answer", Message: "answer is required"}
	}
	p.mu.Lock()
	switch {
	case p.submitting:
		p.mu.Unlock()
		return AnswerResult{}, domain.ErrSubmissionInFlight
	case p.finished || len(p.lesson.Questions) == 0:
		p.mu.Unlock()
		return AnswerResult{}, &domain.ValidationError{Field: "question", Message: "no question to answer"}
	case p.feedback != FeedbackNone || p.locked[answer]:
		p.mu.Unlock()
		return AnswerResult{}, domain.ErrAnswerLocked
	}
	p.submitting = true
	index := p.index
	p.mu.Unlock()

	res, err := p.svc.grade(ctx, p.participant, p.lesson, index, answer)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitting = false
	if errors.Is(err, domain.ErrAnswerLocked) {
		// Solved earlier, e.g. before a reconnect.
		p.feedback = FeedbackCorrect
	}
	if err != nil {
		return AnswerResult{}, err
	}
	if res.IsCorrect {
		p.feedback = FeedbackCorrect
	} else {
		p.feedback = FeedbackIncorrect
		if p.lesson.Questions[index].Type != domain.InputAnswer {
			p.locked[answer] = true
		}
	}
	return res, nil
}

// Reveal shows the correct answer and locks every distractor.
func (p *Play) Reveal() (Reveal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished || p.index >= len(p.lesson.Questions) {
		return Reveal{}, &domain.ValidationError{Field: "question", Message: "no question to reveal"}
	}
	correct, distractors := scoring.Reveal(p.lesson.Questions[p.index])
	for _, d := range distractors {
		p.locked[d] = true
	}
	p.feedback = FeedbackRevealed
	return Reveal{Correct: correct, Distractors: distractors}, nil
}

// TryAgain clears incorrect or revealed feedback so the question can be
// answered again. Locked answers stay locked.
func (p *Play) TryAgain() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.feedback == FeedbackCorrect {
		return domain.ErrAnswerLocked
	}
	p.feedback = FeedbackNone
	return nil
}

// Next moves to the following question. It reports finished once the last
// question is passed; the session row is never written from here.
func (p *Play) Next() (QuestionView, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.index >= len(p.lesson.Questions)-1 {
		p.finished = true
		return p.viewLocked(), true
	}
	p.index++
	p.feedback = FeedbackNone
	p.locked = map[string]bool{}
	return p.viewLocked(), false
}
