package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"livequiz-service/internal/domain"
	"livequiz-service/internal/logging"
)

func TestNotifierDeliversScopedEvents(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	n := NewNotifier(newClient(mr), logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan domain.ChangeEvent, 4)
	stop, err := n.Subscribe(ctx, domain.TableParticipants, "s1", func(ev domain.ChangeEvent) {
		got <- ev
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stop()

	// Other session and other table must not arrive.
	_ = n.Publish(ctx, domain.ChangeEvent{Table: domain.TableParticipants, Kind: domain.ChangeInsert, SessionID: "s2"})
	_ = n.Publish(ctx, domain.ChangeEvent{Table: domain.TableSessions, Kind: domain.ChangeUpdate, SessionID: "s1"})
	err = n.Publish(ctx, domain.ChangeEvent{
		Table:       domain.TableParticipants,
		Kind:        domain.ChangeUpdate,
		SessionID:   "s1",
		Participant: &domain.Participant{ID: "p1", SessionID: "s1", Score: 40},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case ev := <-got:
		if ev.Participant == nil || ev.Participant.ID != "p1" || ev.Participant.Score != 40 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event not delivered")
	}
	select {
	case ev := <-got:
		t.Fatalf("unexpected extra event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifierStopEndsDelivery(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	n := NewNotifier(newClient(mr), logging.Discard())
	ctx := context.Background()

	got := make(chan domain.ChangeEvent, 1)
	stop, err := n.Subscribe(ctx, domain.TableSessions, "s1", func(ev domain.ChangeEvent) { got <- ev })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	stop()
	stop()

	_ = n.Publish(ctx, domain.ChangeEvent{Table: domain.TableSessions, Kind: domain.ChangeDelete, SessionID: "s1"})
	select {
	case ev := <-got:
		t.Fatalf("delivered after stop: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
