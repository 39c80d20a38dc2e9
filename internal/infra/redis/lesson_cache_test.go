package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"livequiz-service/internal/domain"
	"livequiz-service/internal/infra/memory"
)

func TestLessonCacheCachesInRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	client := newClient(mr)

	loader := &countingLoader{
		LessonLoader: memory.NewStaticLessonLoader(map[string]domain.Lesson{
			"lesson-1": sampleLesson(),
		}),
	}
	cache := NewLessonCache(client, loader, time.Minute)

	lesson, err := cache.GetLesson(context.Background(), "lesson-1")
	if err != nil {
		t.Fatalf("get lesson: %v", err)
	}
	if loader.count() != 1 {
		t.Fatalf("expected loader called once, got %d", loader.count())
	}
	if len(lesson.Questions) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(lesson.Questions))
	}

	// Second call should hit cache, loader not incremented.
	cached, err := cache.GetLesson(context.Background(), "lesson-1")
	if err != nil {
		t.Fatalf("get cached lesson: %v", err)
	}
	if loader.count() != 1 {
		t.Fatalf("expected cache hit, loader calls=%d", loader.count())
	}
	if cached.Questions[0].Text != "2+2?" || cached.Questions[1].Text != "Capital of France?" {
		t.Fatalf("questions out of order: %+v", cached.Questions)
	}
	if cached.Name != "Arithmetic" || cached.OwnerID != "host-1" {
		t.Fatalf("header not restored: %+v", cached)
	}

	if !mr.Exists("lesson:lesson-1") {
		t.Fatalf("expected lesson hash in redis")
	}
	if ttl := mr.TTL("lesson:lesson-1"); ttl < time.Minute || ttl > time.Minute+6*time.Second {
		t.Fatalf("unexpected ttl %v", ttl)
	}
}

func TestLessonCacheInvalidate(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	loader := &countingLoader{
		LessonLoader: memory.NewStaticLessonLoader(map[string]domain.Lesson{"lesson-1": sampleLesson()}),
	}
	cache := NewLessonCache(newClient(mr), loader, time.Minute)
	ctx := context.Background()

	if _, err := cache.GetLesson(ctx, "lesson-1"); err != nil {
		t.Fatalf("get lesson: %v", err)
	}
	if err := cache.Invalidate(ctx, "lesson-1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := cache.GetLesson(ctx, "lesson-1"); err != nil {
		t.Fatalf("get lesson: %v", err)
	}
	if loader.count() != 2 {
		t.Fatalf("expected reload after invalidate, got %d calls", loader.count())
	}
}

func TestLessonCacheIgnoresIncompleteEntry(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	mr.HSet("lesson:lesson-1", "q:0", `{"text":"stale","type":"input_answer","answers":[]}`)

	loader := &countingLoader{
		LessonLoader: memory.NewStaticLessonLoader(map[string]domain.Lesson{"lesson-1": sampleLesson()}),
	}
	cache := NewLessonCache(newClient(mr), loader, time.Minute)

	lesson, err := cache.GetLesson(context.Background(), "lesson-1")
	if err != nil {
		t.Fatalf("get lesson: %v", err)
	}
	if loader.count() != 1 {
		t.Fatalf("expected loader fallback, got %d calls", loader.count())
	}
	if lesson.Questions[0].Text != "2+2?" {
		t.Fatalf("expected loaded lesson, got %+v", lesson.Questions[0])
	}
}

func TestLessonCacheMissingLesson(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	cache := NewLessonCache(newClient(mr), memory.NewStaticLessonLoader(nil), time.Minute)
	if _, err := cache.GetLesson(context.Background(), "nope"); err == nil {
		t.Fatalf("expected error for unknown lesson")
	}
	if mr.Exists("lesson:nope") {
		t.Fatalf("missing lesson must not be cached")
	}
}

type countingLoader struct {
	memory.LessonLoader
	mu    sync.Mutex
	calls int
}

func (l *countingLoader) LoadLesson(ctx context.Context, lessonID string) (domain.Lesson, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	return l.LessonLoader.LoadLesson(ctx, lessonID)
}

func (l *countingLoader) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func sampleLesson() domain.Lesson {
	return domain.Lesson{
		ID:      "lesson-1",
		OwnerID: "host-1",
		Name:    "Arithmetic",
		Questions: []domain.Question{
			{
				Text: "2+2?",
				Type: domain.MultipleChoice,
				Answers: []domain.Answer{
					{Text: "3"},
					{Text: "4", IsCorrect: true},
				},
			},
			{
				Text:    "Capital of France?",
				Type:    domain.InputAnswer,
				Answers: []domain.Answer{{Text: "Paris", IsCorrect: true}},
			},
		},
	}
}

func newClient(mr *miniredis.Miniredis) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}
