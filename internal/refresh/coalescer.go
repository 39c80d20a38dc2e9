// Package refresh collapses bursts of "something changed" signals into a
// bounded stream of snapshot fetches.
package refresh

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	DefaultDelay        = 300 * time.Millisecond
	DefaultMinInterval  = time.Second
	DefaultPollInterval = 5 * time.Second
)

// FetchFunc reads a fresh snapshot and hands it on.
type FetchFunc func(ctx context.Context) error

// Coalescer runs fetch at most once per minimum interval, a short delay after
// the first trigger of a burst. Triggers that arrive while a fetch is waiting
// or running are folded into exactly one trailing fetch.
type Coalescer struct {
	fetch   FetchFunc
	delay   time.Duration
	limiter *rate.Limiter
	log     logrus.FieldLogger
	trigger chan struct{}
	onFetch func()
}

type Option func(*Coalescer)

func WithDelay(d time.Duration) Option {
	return func(c *Coalescer) { c.delay = d }
}

func WithMinInterval(d time.Duration) Option {
	return func(c *Coalescer) { c.limiter = rate.NewLimiter(rate.Every(d), 1) }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Coalescer) { c.log = log }
}

// WithFetchHook is called before every fetch. Used for metrics.
func WithFetchHook(fn func()) Option {
	return func(c *Coalescer) { c.onFetch = fn }
}

func New(fetch FetchFunc, opts ...Option) *Coalescer {
	c := &Coalescer{
		fetch:   fetch,
		delay:   DefaultDelay,
		limiter: rate.NewLimiter(rate.Every(DefaultMinInterval), 1),
		log:     logrus.StandardLogger(),
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Trigger requests a fetch. It never blocks.
func (c *Coalescer) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run consumes triggers until ctx is done.
func (c *Coalescer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.trigger:
		}

		if !sleep(ctx, c.delay) {
			return nil
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil
		}
		// Anything queued so far is covered by the fetch below.
		select {
		case <-c.trigger:
		default:
		}

		if c.onFetch != nil {
			c.onFetch()
		}
		if err := c.fetch(ctx); err != nil && ctx.Err() == nil {
			c.log.WithError(err).Warn("refresh fetch failed")
		}
	}
}

// Poll triggers a fetch every interval while active reports true.
func (c *Coalescer) Poll(ctx context.Context, interval time.Duration, active func() bool) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if active() {
				c.Trigger()
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
