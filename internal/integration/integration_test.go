package integration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"livequiz-service/internal/app"
	"livequiz-service/internal/domain"
	infmongo "livequiz-service/internal/infra/mongo"
	"livequiz-service/internal/infra/postgres"
	pgmigrations "livequiz-service/internal/infra/postgres/migrations"
	infraredis "livequiz-service/internal/infra/redis"
	"livequiz-service/internal/logging"
	"livequiz-service/internal/scoring"
)

func TestLiveSessionEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	migrateDB(t, ctx, pgURL)

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	loader := postgres.NewLessonLoader(pool)
	if err := loader.SaveLesson(ctx, sampleLesson()); err != nil {
		t.Fatalf("seed lesson: %v", err)
	}

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	log := logging.Discard()
	store := app.NewStore(
		postgres.NewStore(pool, infraredis.NewNotifier(redisClient, log), log),
		infraredis.NewLessonCache(redisClient, loader, 5*time.Minute),
	)
	joinCodes := infraredis.NewJoinCodes(redisClient, time.Hour)
	opts := []app.Option{
		app.WithLogger(log),
		app.WithJoinCodes(joinCodes),
		app.WithRoomConfig(app.RoomConfig{
			Grace:              5 * time.Second,
			PollInterval:       100 * time.Millisecond,
			MinRefreshInterval: 20 * time.Millisecond,
			AnnotationWindow:   500 * time.Millisecond,
		}),
	}
	hosts := app.NewHostService(store, opts...)
	players := app.NewPlayerService(store, opts...)

	room, err := hosts.Open(ctx, "host-1", "lesson-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	code := room.Session().JoinCode
	if owner, err := joinCodes.Owner(ctx, code); err != nil || owner != room.ID() {
		t.Fatalf("expected code %s reserved for %s, got %q (%v)", code, room.ID(), owner, err)
	}

	views := make(chan app.RoomView, 256)
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	go func() {
		_ = room.Run(runCtx, func(v app.RoomView) {
			select {
			case views <- v:
			default:
			}
		})
	}()

	alice, err := players.Join(ctx, code, "u1", "Alice")
	if err != nil {
		t.Fatalf("join alice: %v", err)
	}
	again, err := players.Join(ctx, code, "u1", "Alice")
	if err != nil || again.ID != alice.ID {
		t.Fatalf("expected idempotent join, got %+v (%v)", again, err)
	}
	bob, err := players.Join(ctx, code, "u2", "Bob")
	if err != nil {
		t.Fatalf("join bob: %v", err)
	}

	if err := room.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Concurrent copies of one correct answer are credited exactly once.
	const submits = 8
	var (
		wg     sync.WaitGroup
		locked atomic.Int32
	)
	for i := 0; i < submits; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := players.Answer(ctx, room.ID(), bob.ID, 0, "4")
			switch {
			case errors.Is(err, domain.ErrAnswerLocked):
				locked.Add(1)
			case err != nil:
				t.Errorf("answer: %v", err)
			}
		}()
	}
	wg.Wait()
	if locked.Load() != submits-1 {
		t.Fatalf("expected %d duplicates rejected, got %d", submits-1, locked.Load())
	}
	if _, err := players.Answer(ctx, room.ID(), alice.ID, 0, "3"); err != nil {
		t.Fatalf("alice answer: %v", err)
	}

	want := scoring.Points(domain.MultipleChoice, 0, 2)
	got, err := store.GetParticipant(ctx, bob.ID)
	if err != nil {
		t.Fatalf("get bob: %v", err)
	}
	if got.Score != want || got.CorrectAnswers != 1 {
		t.Fatalf("expected a single credit of %d, got %+v", want, got)
	}

	deadline := time.After(10 * time.Second)
	for {
		var v app.RoomView
		select {
		case v = <-views:
		case <-deadline:
			t.Fatalf("leaderboard never showed bob leading with %d", want)
		}
		entries := v.Leaderboard.Entries
		if len(entries) == 2 && entries[0].ParticipantID == bob.ID && entries[0].Score == want {
			if v.Leaderboard.Stats.IncorrectAnswers != 1 {
				t.Fatalf("expected one incorrect answer in stats, got %+v", v.Leaderboard.Stats)
			}
			break
		}
	}

	if err := room.End(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := store.GetSession(ctx, room.ID()); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected session deleted, got %v", err)
	}
	if _, err := store.GetParticipant(ctx, bob.ID); !errors.Is(err, domain.ErrParticipantNotFound) {
		t.Fatalf("expected participants deleted with session, got %v", err)
	}
	if owner, _ := joinCodes.Owner(ctx, code); owner != "" {
		t.Fatalf("expected join code released, still owned by %q", owner)
	}
}

func TestMongoLessonLoader(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	uri, cleanup := startMongo(t, ctx)
	defer cleanup()

	client, err := infmongo.Connect(ctx, uri)
	if err != nil {
		t.Fatalf("connect mongo: %v", err)
	}
	defer client.Disconnect(ctx)

	loader := infmongo.NewLessonLoader(client, "livequiz_test")
	if err := loader.SaveLesson(ctx, sampleLesson()); err != nil {
		t.Fatalf("save lesson: %v", err)
	}
	lesson, err := loader.LoadLesson(ctx, "lesson-1")
	if err != nil {
		t.Fatalf("load lesson: %v", err)
	}
	if lesson.OwnerID != "host-1" || len(lesson.Questions) != 2 || !lesson.Questions[0].Answers[1].IsCorrect {
		t.Fatalf("unexpected lesson %+v", lesson)
	}
	if _, err := loader.LoadLesson(ctx, "missing"); !errors.Is(err, domain.ErrLessonNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func startMongo(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForListeningPort("27017/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start mongo: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("mongo host: %v", err)
	}
	port, err := container.MappedPort(ctx, "27017/tcp")
	if err != nil {
		t.Fatalf("mongo port: %v", err)
	}
	return fmt.Sprintf("mongodb://%s:%s", host, port.Port()), func() {
		_ = container.Terminate(ctx)
	}
}

func migrateDB(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func sampleLesson() domain.Lesson {
	return domain.Lesson{
		ID:      "lesson-1",
		OwnerID: "host-1",
		Name:    "Numbers",
		Questions: []domain.Question{
			{
				Text: "What is 2 + 2?",
				Type: domain.MultipleChoice,
				Answers: []domain.Answer{
					{Text: "3"},
					{Text: "4", IsCorrect: true},
					{Text: "5"},
				},
			},
			{
				Text:    "Spell the number after three",
				Type:    domain.InputAnswer,
				Answers: []domain.Answer{{Text: "four"}},
			},
		},
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
