// Package app contains the host and participant use cases of a live session.
package app

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"livequiz-service/internal/leaderboard"
	"livequiz-service/internal/metrics"
	"livequiz-service/internal/refresh"
	"livequiz-service/internal/session"
)

// RoomConfig tunes the host room timers.
type RoomConfig struct {
	Grace              time.Duration
	PollInterval       time.Duration
	RefreshDelay       time.Duration
	MinRefreshInterval time.Duration
	AnnotationWindow   time.Duration
	CodeAttempts       int
}

// DefaultRoomConfig returns the production timings.
func DefaultRoomConfig() RoomConfig {
	return RoomConfig{
		Grace:              session.DefaultGrace,
		PollInterval:       refresh.DefaultPollInterval,
		RefreshDelay:       refresh.DefaultDelay,
		MinRefreshInterval: refresh.DefaultMinInterval,
		AnnotationWindow:   leaderboard.AnnotationWindow,
		CodeAttempts:       session.DefaultCodeAttempts,
	}
}

func (c RoomConfig) withDefaults() RoomConfig {
	d := DefaultRoomConfig()
	if c.Grace <= 0 {
		c.Grace = d.Grace
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.RefreshDelay < 0 {
		c.RefreshDelay = d.RefreshDelay
	}
	if c.MinRefreshInterval <= 0 {
		c.MinRefreshInterval = d.MinRefreshInterval
	}
	if c.AnnotationWindow <= 0 {
		c.AnnotationWindow = d.AnnotationWindow
	}
	if c.CodeAttempts <= 0 {
		c.CodeAttempts = d.CodeAttempts
	}
	return c
}

type settings struct {
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
	joinCodes JoinCodeReserver
	codes     func() string
	newID     func() string
	now       func() time.Time
	roomCfg   RoomConfig
}

func newSettings(opts []Option) settings {
	s := settings{
		log:     logrus.StandardLogger(),
		codes:   session.NewCodeGenerator().Next,
		newID:   uuid.NewString,
		now:     time.Now,
		roomCfg: DefaultRoomConfig(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	s.roomCfg = s.roomCfg.withDefaults()
	return s
}

// Option configures HostService and PlayerService.
type Option func(*settings)

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *settings) { s.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithJoinCodes adds a cross-instance join code reservation step.
func WithJoinCodes(r JoinCodeReserver) Option {
	return func(s *settings) { s.joinCodes = r }
}

// WithCodeSource replaces the random join code generator.
func WithCodeSource(next func() string) Option {
	return func(s *settings) { s.codes = next }
}

func WithIDGenerator(next func() string) Option {
	return func(s *settings) { s.newID = next }
}

func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

func WithRoomConfig(c RoomConfig) Option {
	return func(s *settings) { s.roomCfg = c }
}
