// Package redis holds Redis-backed adapters: a lesson cache, the cross-instance
// change feed and join code reservations.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"livequiz-service/internal/domain"
	"livequiz-service/internal/infra/memory"
)

const (
	metaField      = "_meta"
	questionPrefix = "q:"
)

// LessonCache caches lessons in Redis (hash per lesson) and falls back to a loader on cache miss.
// Lesson header is stored as: HSET lesson:{lessonID} _meta {json}
// Questions are stored as:    HSET lesson:{lessonID} q:{index} {json}
type LessonCache struct {
	client *redis.Client
	loader memory.LessonLoader
	ttl    time.Duration
	sf     singleflight.Group

	mu  sync.Mutex
	rnd *rand.Rand
}

type lessonMeta struct {
	ID          string `json:"id"`
	OwnerID     string `json:"ownerId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
	Questions   int    `json:"questions"`
}

func NewLessonCache(client *redis.Client, loader memory.LessonLoader, ttl time.Duration) *LessonCache {
	return &LessonCache{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *LessonCache) GetLesson(ctx context.Context, lessonID string) (domain.Lesson, error) {
	key := c.key(lessonID)
	if lesson, ok := c.cached(ctx, key); ok {
		return lesson, nil
	}

	result, err, _ := c.sf.Do(lessonID, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if lesson, ok := c.cached(ctx, key); ok {
			return lesson, nil
		}

		lesson, err := c.loader.LoadLesson(ctx, lessonID)
		if err != nil {
			return domain.Lesson{}, err
		}
		c.fill(ctx, key, lesson)
		return lesson, nil
	})
	if err != nil {
		return domain.Lesson{}, err
	}
	return result.(domain.Lesson), nil
}

// Invalidate drops the cached copy of a lesson.
func (c *LessonCache) Invalidate(ctx context.Context, lessonID string) error {
	if err := c.client.Del(ctx, c.key(lessonID)).Err(); err != nil {
		return fmt.Errorf("invalidate lesson %s: %w", lessonID, err)
	}
	return nil
}

func (c *LessonCache) cached(ctx context.Context, key string) (domain.Lesson, bool) {
	fields, err := c.client.HGetAll(ctx, key).Result()
	if err != nil || len(fields) == 0 {
		return domain.Lesson{}, false
	}
	lesson, err := buildLessonFromCache(fields)
	if err != nil {
		return domain.Lesson{}, false
	}
	return lesson, true
}

// fill writes the lesson best effort; a failed write only costs a reload.
func (c *LessonCache) fill(ctx context.Context, key string, lesson domain.Lesson) {
	meta, err := json.Marshal(lessonMeta{
		ID:          lesson.ID,
		OwnerID:     lesson.OwnerID,
		Name:        lesson.Name,
		Description: lesson.Description,
		ImageURL:    lesson.ImageURL,
		Questions:   len(lesson.Questions),
	})
	if err != nil {
		return
	}
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, metaField, meta)
	for i, q := range lesson.Questions {
		raw, err := json.Marshal(q)
		if err != nil {
			return
		}
		pipe.HSet(ctx, key, questionPrefix+strconv.Itoa(i), raw)
	}
	if ttl := c.ttlWithJitter(); ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, _ = pipe.Exec(ctx)
}

func (c *LessonCache) key(lessonID string) string {
	return "lesson:" + lessonID
}

func buildLessonFromCache(fields map[string]string) (domain.Lesson, error) {
	rawMeta, ok := fields[metaField]
	if !ok {
		return domain.Lesson{}, fmt.Errorf("lesson cache entry without header")
	}
	var meta lessonMeta
	if err := json.Unmarshal([]byte(rawMeta), &meta); err != nil {
		return domain.Lesson{}, fmt.Errorf("decode lesson header: %w", err)
	}

	type indexed struct {
		idx int
		q   domain.Question
	}
	questions := make([]indexed, 0, meta.Questions)
	for field, raw := range fields {
		if !strings.HasPrefix(field, questionPrefix) {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(field, questionPrefix))
		if err != nil {
			continue
		}
		var q domain.Question
		if err := json.Unmarshal([]byte(raw), &q); err != nil {
			return domain.Lesson{}, fmt.Errorf("decode question %d: %w", idx, err)
		}
		questions = append(questions, indexed{idx: idx, q: q})
	}
	if len(questions) != meta.Questions {
		return domain.Lesson{}, fmt.Errorf("lesson cache entry incomplete")
	}
	sort.Slice(questions, func(i, j int) bool { return questions[i].idx < questions[j].idx })

	lesson := domain.Lesson{
		ID:          meta.ID,
		OwnerID:     meta.OwnerID,
		Name:        meta.Name,
		Description: meta.Description,
		ImageURL:    meta.ImageURL,
		Questions:   make([]domain.Question, 0, len(questions)),
	}
	for _, q := range questions {
		lesson.Questions = append(lesson.Questions, q.q)
	}
	return lesson, nil
}

func (c *LessonCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
