package memory

import (
	"context"
	"sync"

	"livequiz-service/internal/domain"
)

const subscriberBuffer = 16

// Broker is an in-process pub/sub for row changes, keyed by table and session.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	ch   chan domain.ChangeEvent
	stop chan struct{}
	once sync.Once
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*subscriber]struct{})}
}

func topic(table, sessionID string) string {
	return table + ":" + sessionID
}

// Subscribe calls fn from a dedicated goroutine for every event published on
// table/sessionID until the returned func is called or ctx is done.
func (b *Broker) Subscribe(ctx context.Context, table, sessionID string, fn func(domain.ChangeEvent)) (func(), error) {
	key := topic(table, sessionID)
	sub := &subscriber{
		ch:   make(chan domain.ChangeEvent, subscriberBuffer),
		stop: make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[key] == nil {
		b.subs[key] = make(map[*subscriber]struct{})
	}
	b.subs[key][sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			b.mu.Lock()
			delete(b.subs[key], sub)
			if len(b.subs[key]) == 0 {
				delete(b.subs, key)
			}
			b.mu.Unlock()
			close(sub.stop)
		})
	}

	go func() {
		for {
			select {
			case ev := <-sub.ch:
				fn(ev)
			case <-sub.stop:
				return
			case <-ctx.Done():
				cancel()
				return
			}
		}
	}()
	return cancel, nil
}

// Publish delivers ev to every subscriber of its table and session. A slow
// subscriber loses its oldest pending event rather than blocking the publisher.
func (b *Broker) Publish(_ context.Context, ev domain.ChangeEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[topic(ev.Table, ev.SessionID)] {
		select {
		case sub.ch <- ev:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
	return nil
}

// Subscribers reports how many subscriptions are open for table/sessionID.
func (b *Broker) Subscribers(table, sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic(table, sessionID)])
}
