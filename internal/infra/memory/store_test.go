package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"livequiz-service/internal/domain"
)

func seedSession(t *testing.T, s *Store) domain.LiveSession {
	t.Helper()
	sess, err := s.CreateSession(context.Background(), domain.LiveSession{
		ID:        "s1",
		HostID:    "host-1",
		LessonID:  "lesson-1",
		JoinCode:  "123456",
		IsActive:  true,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	seedSession(t, store)

	found, err := store.FindSessionByJoinCode(ctx, "123456")
	if err != nil || found.ID != "s1" {
		t.Fatalf("find by code: %+v %v", found, err)
	}

	yes := true
	if err := store.UpdateSession(ctx, "s1", domain.SessionUpdate{HasStarted: &yes}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := store.GetSession(ctx, "s1")
	if !got.HasStarted || !got.IsActive {
		t.Fatalf("expected started and still active, got %+v", got)
	}

	if _, err := store.UpsertParticipant(ctx, domain.Participant{ID: "p1", SessionID: "s1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetSession(ctx, "s1"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if _, err := store.GetParticipant(ctx, "p1"); !errors.Is(err, domain.ErrParticipantNotFound) {
		t.Fatalf("expected participants removed with session, got %v", err)
	}
}

func TestLatestSessionForLesson(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	base := time.Date(2024, 11, 22, 0, 0, 0, 0, time.UTC)
	_, _ = store.CreateSession(ctx, domain.LiveSession{ID: "old", LessonID: "l1", CreatedAt: base})
	_, _ = store.CreateSession(ctx, domain.LiveSession{ID: "new", LessonID: "l1", CreatedAt: base.Add(time.Hour)})

	latest, err := store.LatestSessionForLesson(ctx, "l1")
	if err != nil || latest.ID != "new" {
		t.Fatalf("expected newest session, got %+v %v", latest, err)
	}
	if _, err := store.LatestSessionForLesson(ctx, "l2"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpsertParticipantIsIdempotentPerUser(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	seedSession(t, store)

	first, _ := store.UpsertParticipant(ctx, domain.Participant{ID: "p1", SessionID: "s1", UserID: "u1", Name: "Ada"})
	second, _ := store.UpsertParticipant(ctx, domain.Participant{ID: "p2", SessionID: "s1", UserID: "u1", Name: "Ada again"})
	if second.ID != first.ID {
		t.Fatalf("expected existing participant back, got %+v", second)
	}

	// Guests never collapse.
	_, _ = store.UpsertParticipant(ctx, domain.Participant{ID: "g1", SessionID: "s1"})
	_, _ = store.UpsertParticipant(ctx, domain.Participant{ID: "g2", SessionID: "s1"})
	list, _ := store.ListParticipants(ctx, "s1")
	if len(list) != 3 {
		t.Fatalf("expected 3 participants, got %d", len(list))
	}
}

func TestConcurrentAwardsAreNotLost(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	seedSession(t, store)
	_, _ = store.UpsertParticipant(ctx, domain.Participant{ID: "p1", SessionID: "s1"})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(q int) {
			defer wg.Done()
			_, _ = store.AwardParticipant(ctx, "p1", domain.Award{Question: q, Points: 10, Correct: 1})
		}(i)
		go func(q int) {
			defer wg.Done()
			_, _ = store.AwardParticipant(ctx, "p1", domain.Award{Question: q, Incorrect: 1})
		}(100 + i)
	}
	wg.Wait()

	p, _ := store.GetParticipant(ctx, "p1")
	if p.Score != 500 || p.CorrectAnswers != 50 || p.IncorrectAnswers != 50 {
		t.Fatalf("lost increments: %+v", p)
	}
}

func TestSolvedQuestionIsCreditedOnce(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	seedSession(t, store)
	_, _ = store.UpsertParticipant(ctx, domain.Participant{ID: "p1", SessionID: "s1"})

	if _, err := store.AwardParticipant(ctx, "p1", domain.Award{Question: 1, Incorrect: 1}); err != nil {
		t.Fatalf("incorrect award: %v", err)
	}
	if _, err := store.AwardParticipant(ctx, "p1", domain.Award{Question: 1, Points: 150, Correct: 1}); err != nil {
		t.Fatalf("correct award: %v", err)
	}

	var wg sync.WaitGroup
	var locked atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AwardParticipant(ctx, "p1", domain.Award{Question: 1, Points: 150, Correct: 1})
			if errors.Is(err, domain.ErrAnswerLocked) {
				locked.Add(1)
			}
		}()
	}
	wg.Wait()
	if locked.Load() != 5 {
		t.Fatalf("expected every repeat to be locked, got %d", locked.Load())
	}
	if _, err := store.AwardParticipant(ctx, "p1", domain.Award{Question: 1, Incorrect: 1}); !errors.Is(err, domain.ErrAnswerLocked) {
		t.Fatalf("expected answer locked after a correct answer, got %v", err)
	}

	p, _ := store.GetParticipant(ctx, "p1")
	if p.Score != 150 || p.CorrectAnswers != 1 || p.IncorrectAnswers != 1 {
		t.Fatalf("unexpected counters: %+v", p)
	}

	// Other questions are unaffected.
	if _, err := store.AwardParticipant(ctx, "p1", domain.Award{Question: 2, Points: 100, Correct: 1}); err != nil {
		t.Fatalf("award on another question: %v", err)
	}
}

func TestListParticipantsOrdersByScore(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	seedSession(t, store)
	for _, id := range []string{"a", "b", "c"} {
		_, _ = store.UpsertParticipant(ctx, domain.Participant{ID: id, SessionID: "s1"})
	}
	_, _ = store.AwardParticipant(ctx, "b", domain.Award{Points: 5})

	list, _ := store.ListParticipants(ctx, "s1")
	if list[0].ID != "b" || list[1].ID != "a" || list[2].ID != "c" {
		t.Fatalf("unexpected order: %+v", list)
	}
}

func TestSubscribeReceivesScopedChanges(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	seedSession(t, store)

	events := make(chan domain.ChangeEvent, 4)
	cancel, err := store.Subscribe(ctx, domain.TableParticipants, "s1", func(ev domain.ChangeEvent) { events <- ev })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	_, _ = store.UpsertParticipant(ctx, domain.Participant{ID: "p1", SessionID: "s1"})
	select {
	case ev := <-events:
		if ev.Kind != domain.ChangeInsert || ev.Participant == nil || ev.Participant.ID != "p1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected participant event")
	}

	yes := true
	_ = store.UpdateSession(ctx, "s1", domain.SessionUpdate{IsActive: &yes})
	select {
	case ev := <-events:
		t.Fatalf("session change leaked into participant subscription: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
