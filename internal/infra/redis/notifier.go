package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"livequiz-service/internal/domain"
)

// Notifier is a change feed over Redis pub/sub, so rooms on one instance see
// writes made on another.
type Notifier struct {
	client *redis.Client
	log    logrus.FieldLogger
}

func NewNotifier(client *redis.Client, log logrus.FieldLogger) *Notifier {
	return &Notifier{client: client, log: log}
}

func channel(table, sessionID string) string {
	return "livequiz:changes:" + table + ":" + sessionID
}

// Publish sends ev to every subscriber of its table and session.
func (n *Notifier) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	if err := n.client.Publish(ctx, channel(ev.Table, ev.SessionID), payload).Err(); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

// Subscribe delivers events for table/sessionID to fn until the returned func
// is called or ctx is done.
func (n *Notifier) Subscribe(ctx context.Context, table, sessionID string, fn func(domain.ChangeEvent)) (func(), error) {
	ps := n.client.Subscribe(ctx, channel(table, sessionID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", table, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		msgs := ps.Channel()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev domain.ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					n.log.WithError(err).WithField("channel", msg.Channel).Warn("dropping malformed change event")
					continue
				}
				fn(ev)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			<-done
			_ = ps.Close()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = ps.Close()
		case <-done:
		}
	}()
	return cancel, nil
}
