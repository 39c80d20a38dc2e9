// Package mongo loads lesson content from a MongoDB collection.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"livequiz-service/internal/domain"
)

const (
	DefaultDatabase   = "livequiz"
	DefaultCollection = "lessons"
)

// LessonLoader reads lesson documents keyed by _id.
type LessonLoader struct {
	collection *mongo.Collection
}

func NewLessonLoader(client *mongo.Client, database string) *LessonLoader {
	if database == "" {
		database = DefaultDatabase
	}
	return &LessonLoader{collection: client.Database(database).Collection(DefaultCollection)}
}

// Connect dials uri and verifies the connection.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

func (l *LessonLoader) LoadLesson(ctx context.Context, lessonID string) (domain.Lesson, error) {
	var lesson domain.Lesson
	err := l.collection.FindOne(ctx, bson.M{"_id": lessonID}).Decode(&lesson)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Lesson{}, domain.ErrLessonNotFound
	}
	if err != nil {
		return domain.Lesson{}, fmt.Errorf("load lesson: %w", err)
	}
	return lesson, nil
}

// SaveLesson inserts or replaces a lesson document.
func (l *LessonLoader) SaveLesson(ctx context.Context, lesson domain.Lesson) error {
	if err := lesson.Validate(); err != nil {
		return err
	}
	_, err := l.collection.ReplaceOne(ctx, bson.M{"_id": lesson.ID}, lesson, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save lesson: %w", err)
	}
	return nil
}
