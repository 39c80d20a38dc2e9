package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	mongodriver "go.mongodb.org/mongo-driver/mongo"

	"livequiz-service/internal/app"
	"livequiz-service/internal/auth"
	"livequiz-service/internal/config"
	"livequiz-service/internal/infra/memory"
	infmongo "livequiz-service/internal/infra/mongo"
	"livequiz-service/internal/infra/postgres"
	infraredis "livequiz-service/internal/infra/redis"
	"livequiz-service/internal/leaderboard"
	"livequiz-service/internal/logging"
	"livequiz-service/internal/metrics"
	"livequiz-service/internal/refresh"
	"livequiz-service/internal/session"
	transport "livequiz-service/internal/transport/http"
)

const serviceName = "livequiz"

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the live quiz server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func newLogger(cfg config.Config) *logrus.Entry {
	return logging.NewWithOutput(serviceName, cfg.Log.Level, os.Stdout)
}

// backends holds the optional external clients selected by config.
type backends struct {
	pool  *pgxpool.Pool
	redis *redis.Client
	mongo *mongodriver.Client
}

func connectBackends(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*backends, error) {
	b := &backends{}
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.pool = pool
		log.Info("postgres connected")
	}
	if cfg.Redis.Addr != "" {
		b.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := b.redis.Ping(ctx).Err(); err != nil {
			b.close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		log.Info("redis connected")
	}
	if cfg.Mongo.URI != "" {
		client, err := infmongo.Connect(ctx, cfg.Mongo.URI)
		if err != nil {
			b.close()
			return nil, err
		}
		b.mongo = client
		log.Info("mongo connected")
	}
	return b, nil
}

func (b *backends) close() {
	if b.pool != nil {
		b.pool.Close()
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.mongo.Disconnect(ctx)
	}
}

// lessonSource reads and writes lesson content.
type lessonSource interface {
	memory.LessonLoader
	app.LessonSaver
}

// lessonCache is the read-through cache in front of a lessonSource.
type lessonCache interface {
	app.LessonRepository
	app.LessonInvalidator
}

// hasLessonDatabase reports whether lessons outlive the process.
func (b *backends) hasLessonDatabase() bool {
	return b.mongo != nil || b.pool != nil
}

// lessonSource picks where lessons live: Mongo, then Postgres, then built-in samples.
func (b *backends) lessonSource(cfg config.Config) lessonSource {
	switch {
	case b.mongo != nil:
		return infmongo.NewLessonLoader(b.mongo, cfg.Mongo.Database)
	case b.pool != nil:
		return postgres.NewLessonLoader(b.pool)
	default:
		return memory.NewStaticLessonLoader(sampleLessons())
	}
}

func (b *backends) lessonCache(cfg config.Config, source lessonSource) lessonCache {
	ttl := config.TTLDuration(cfg.Lesson.TTL, 10*time.Minute)
	if b.redis != nil {
		return infraredis.NewLessonCache(b.redis, source, ttl)
	}
	return memory.NewLessonCache(source, ttl)
}

// buildStore composes the session store and change feed with the lesson cache.
func (b *backends) buildStore(lessons app.LessonRepository, log logrus.FieldLogger) app.Store {
	if b.pool == nil {
		return app.NewStore(memory.NewStore(), lessons)
	}
	var feed postgres.ChangeFeed
	if b.redis != nil {
		feed = infraredis.NewNotifier(b.redis, log)
	} else {
		feed = memory.NewBroker()
	}
	return app.NewStore(postgres.NewStore(b.pool, feed, log), lessons)
}

func roomConfig(cfg config.Config) app.RoomConfig {
	return app.RoomConfig{
		Grace:              config.TTLDuration(cfg.Room.Grace, session.DefaultGrace),
		PollInterval:       config.TTLDuration(cfg.Room.PollInterval, refresh.DefaultPollInterval),
		RefreshDelay:       config.TTLDuration(cfg.Room.RefreshDelay, refresh.DefaultDelay),
		MinRefreshInterval: config.TTLDuration(cfg.Room.MinRefreshInterval, refresh.DefaultMinInterval),
		AnnotationWindow:   config.TTLDuration(cfg.Room.AnnotationWindow, leaderboard.AnnotationWindow),
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	if cfg.Auth.Secret == "" {
		return errors.New("auth secret not configured (set JWT_SECRET)")
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, log); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	b, err := connectBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.close()

	m := metrics.New()
	opts := []app.Option{
		app.WithLogger(log),
		app.WithMetrics(m),
		app.WithRoomConfig(roomConfig(cfg)),
	}
	if b.redis != nil {
		opts = append(opts, app.WithJoinCodes(infraredis.NewJoinCodes(b.redis, config.TTLDuration(cfg.Redis.JoinCodeTTL, 24*time.Hour))))
	}

	source := b.lessonSource(cfg)
	cache := b.lessonCache(cfg, source)
	store := b.buildStore(cache, log)
	host := app.NewHostService(store, opts...)
	player := app.NewPlayerService(store, opts...)
	editor := app.NewLessonEditor(store, source, cache, opts...)
	authn := auth.NewAuthenticator(cfg.Auth.Secret, config.TTLDuration(cfg.Auth.TokenTTL, 12*time.Hour))
	handler := transport.NewHandler(host, player, editor, authn, m, log)

	// WebSocket connections are long-lived, so no write timeout is set by default.
	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      handler.Router(),
		ReadTimeout:  config.TTLDuration(cfg.Server.ReadTimeout, 15*time.Second),
		WriteTimeout: config.TTLDuration(cfg.Server.WriteTimeout, 0),
	}

	go func() {
		log.WithField("port", finalPort).Info("starting live quiz service")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("failed to start server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info("shutting down server...")
	case <-ctx.Done():
		log.Info("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.TTLDuration(cfg.Server.ShutdownTimeout, 5*time.Second))
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
