package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"livequiz-service/internal/domain"
)

// LessonLoader reads lesson content from the lesson database.
type LessonLoader interface {
	LoadLesson(ctx context.Context, lessonID string) (domain.Lesson, error)
}

// LessonCache keeps loaded lessons in process for a jittered TTL. Concurrent
// misses for one lesson share a single load.
type LessonCache struct {
	loader LessonLoader
	ttl    time.Duration
	now    func() time.Time
	loads  singleflight.Group

	mu      sync.Mutex
	jitter  *rand.Rand
	entries map[string]lessonEntry
	// generation is bumped by Invalidate so a load that started before an
	// edit cannot cache the old content.
	generation map[string]uint64
}

type lessonEntry struct {
	lesson  domain.Lesson
	expires time.Time
}

func NewLessonCache(loader LessonLoader, ttl time.Duration) *LessonCache {
	return &LessonCache{
		loader:     loader,
		ttl:        ttl,
		now:        time.Now,
		jitter:     rand.New(rand.NewSource(time.Now().UnixNano())),
		entries:    make(map[string]lessonEntry),
		generation: make(map[string]uint64),
	}
}

func (c *LessonCache) GetLesson(ctx context.Context, lessonID string) (domain.Lesson, error) {
	if lesson, ok := c.fresh(lessonID); ok {
		return lesson, nil
	}
	v, err, _ := c.loads.Do(lessonID, func() (interface{}, error) {
		if lesson, ok := c.fresh(lessonID); ok {
			return lesson, nil
		}
		gen := c.currentGeneration(lessonID)
		lesson, err := c.loader.LoadLesson(ctx, lessonID)
		if err != nil {
			return nil, err
		}
		c.put(lessonID, lesson, gen)
		return lesson, nil
	})
	if err != nil {
		return domain.Lesson{}, err
	}
	return v.(domain.Lesson), nil
}

// Invalidate drops lessonID so the next read goes to the loader.
func (c *LessonCache) Invalidate(_ context.Context, lessonID string) error {
	c.mu.Lock()
	delete(c.entries, lessonID)
	c.generation[lessonID]++
	c.mu.Unlock()
	c.loads.Forget(lessonID)
	return nil
}

func (c *LessonCache) fresh(lessonID string) (domain.Lesson, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[lessonID]
	if !ok || !c.now().Before(e.expires) {
		return domain.Lesson{}, false
	}
	return e.lesson, true
}

func (c *LessonCache) currentGeneration(lessonID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation[lessonID]
}

func (c *LessonCache) put(lessonID string, lesson domain.Lesson, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation[lessonID] != gen || c.ttl <= 0 {
		return
	}
	// Up to 10% extra keeps lessons opened together from expiring together.
	extra := time.Duration(c.jitter.Int63n(int64(c.ttl)/10 + 1))
	c.entries[lessonID] = lessonEntry{lesson: lesson, expires: c.now().Add(c.ttl + extra)}
}

// StaticLessonLoader serves lessons from a map. It backs local runs without a
// lesson database and tests.
type StaticLessonLoader struct {
	mu      sync.RWMutex
	lessons map[string]domain.Lesson
}

func NewStaticLessonLoader(lessons map[string]domain.Lesson) *StaticLessonLoader {
	copied := make(map[string]domain.Lesson, len(lessons))
	for id, lesson := range lessons {
		copied[id] = lesson
	}
	return &StaticLessonLoader{lessons: copied}
}

func (l *StaticLessonLoader) LoadLesson(_ context.Context, lessonID string) (domain.Lesson, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lesson, ok := l.lessons[lessonID]; ok {
		return lesson, nil
	}
	return domain.Lesson{}, domain.ErrLessonNotFound
}

// SaveLesson replaces the lesson. Edits live only as long as the process.
func (l *StaticLessonLoader) SaveLesson(_ context.Context, lesson domain.Lesson) error {
	if err := lesson.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.lessons[lesson.ID] = lesson
	l.mu.Unlock()
	return nil
}
