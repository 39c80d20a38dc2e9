package session

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livequiz-service/internal/domain"
)

type fakeWriter struct {
	mu        sync.Mutex
	updates   []domain.SessionUpdate
	deleted   int
	updateErr error
	deleteErr error
	block     chan struct{}
}

func (f *fakeWriter) UpdateSession(_ context.Context, _ string, u domain.SessionUpdate) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, u)
	return nil
}

func (f *fakeWriter) DeleteSession(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted++
	return nil
}

func waitingSession() domain.LiveSession {
	return domain.LiveSession{ID: "s1", HostID: "host", LessonID: "l1", JoinCode: "123456", IsActive: true}
}

func TestStateOf(t *testing.T) {
	assert.Equal(t, Waiting, StateOf(domain.LiveSession{IsActive: true}))
	assert.Equal(t, Waiting, StateOf(domain.LiveSession{}))
	assert.Equal(t, Active, StateOf(domain.LiveSession{HasStarted: true, IsActive: true}))
	assert.Equal(t, Paused, StateOf(domain.LiveSession{HasStarted: true}))
}

func TestStartWithoutParticipantsIsNoop(t *testing.T) {
	w := &fakeWriter{}
	m := NewMachine(waitingSession())

	err := m.Apply(context.Background(), w, ActionStart, 0)
	require.ErrorIs(t, err, domain.ErrNoParticipants)
	assert.Equal(t, Status{State: Waiting}, m.Status())
	assert.Empty(t, w.updates)
}

func TestStartPauseResumeKeepsHasStarted(t *testing.T) {
	ctx := context.Background()
	w := &fakeWriter{}
	m := NewMachine(waitingSession())

	require.NoError(t, m.Apply(ctx, w, ActionStart, 1))
	assert.Equal(t, Active, m.Status().State)
	assert.True(t, m.HasStarted())
	require.Len(t, w.updates, 1)
	assert.True(t, *w.updates[0].HasStarted)
	assert.True(t, *w.updates[0].IsActive)

	require.NoError(t, m.Apply(ctx, w, ActionPause, 1))
	assert.Equal(t, Paused, m.Status().State)
	assert.Nil(t, w.updates[1].HasStarted)
	assert.False(t, *w.updates[1].IsActive)

	require.NoError(t, m.Apply(ctx, w, ActionResume, 1))
	assert.Equal(t, Active, m.Status().State)
	assert.True(t, m.HasStarted())

	// A stale notification that says "not started" cannot clear hasStarted.
	m.Observe(domain.LiveSession{ID: "s1", IsActive: false}, false)
	assert.True(t, m.HasStarted())
	assert.Equal(t, Paused, m.Status().State)
}

func TestEndWritesInactiveThenDeletes(t *testing.T) {
	ctx := context.Background()
	w := &fakeWriter{}
	m := NewMachine(domain.LiveSession{ID: "s1", HasStarted: true, IsActive: true})

	require.NoError(t, m.Apply(ctx, w, ActionEnd, 2))
	assert.Equal(t, Ended, m.Status().State)
	require.Len(t, w.updates, 1)
	assert.False(t, *w.updates[0].IsActive)
	assert.Equal(t, 1, w.deleted)

	err := m.Apply(ctx, w, ActionResume, 2)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestEndFromWaitingIsInvalidButAbandonWorks(t *testing.T) {
	ctx := context.Background()
	w := &fakeWriter{}
	m := NewMachine(waitingSession())

	assert.ErrorIs(t, m.Apply(ctx, w, ActionEnd, 0), domain.ErrInvalidTransition)
	require.NoError(t, m.Apply(ctx, w, ActionAbandon, 0))
	assert.Equal(t, Ended, m.Status().State)
	assert.Empty(t, w.updates)
	assert.Equal(t, 1, w.deleted)
}

func TestFailedWriteRollsBack(t *testing.T) {
	w := &fakeWriter{updateErr: errors.New("network down")}
	var seen []Status
	m := NewMachine(waitingSession(), WithStatusListener(func(s Status) { seen = append(seen, s) }))

	err := m.Apply(context.Background(), w, ActionStart, 3)
	var te *domain.TransientStoreError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, Status{State: Waiting}, m.Status())
	assert.False(t, m.HasStarted())
	require.Len(t, seen, 2)
	assert.Equal(t, Status{State: Waiting, Pending: true, Target: Active}, seen[0])
	assert.Equal(t, Status{State: Waiting}, seen[1])
}

func TestPendingTransitionIsVisibleAndExclusive(t *testing.T) {
	w := &fakeWriter{block: make(chan struct{})}
	m := NewMachine(waitingSession())

	done := make(chan error, 1)
	go func() { done <- m.Apply(context.Background(), w, ActionStart, 1) }()

	require.Eventually(t, func() bool { return m.Status().Pending }, time.Second, time.Millisecond)
	assert.Equal(t, Active, m.Status().Target)
	assert.ErrorIs(t, m.Apply(context.Background(), w, ActionPause, 1), domain.ErrInvalidTransition)

	close(w.block)
	require.NoError(t, <-done)
	assert.Equal(t, Status{State: Active}, m.Status())
}

func TestObserveDeletion(t *testing.T) {
	m := NewMachine(domain.LiveSession{ID: "s1", HasStarted: true, IsActive: true})
	m.Observe(domain.LiveSession{ID: "s1"}, true)
	assert.Equal(t, Ended, m.Status().State)
}

func TestCursorStopsAtLastQuestion(t *testing.T) {
	c := NewCursor(3)
	idx, moved := c.Next()
	assert.True(t, moved)
	assert.Equal(t, 1, idx)
	c.Next()
	idx, moved = c.Next()
	assert.False(t, moved)
	assert.Equal(t, 2, idx)
	idx, total := c.Position()
	assert.Equal(t, 2, idx)
	assert.Equal(t, 3, total)
}

func TestCodeGeneratorShape(t *testing.T) {
	g := NewCodeGeneratorWithSource(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		code := g.Next()
		assert.True(t, ValidJoinCode(code), code)
	}
	assert.False(t, ValidJoinCode("12345"))
	assert.False(t, ValidJoinCode("012345"))
	assert.False(t, ValidJoinCode("12a456"))
}

func TestAllocateJoinCodeSkipsTakenCodes(t *testing.T) {
	codes := []string{"111111", "222222", "333333"}
	i := 0
	next := func() string { c := codes[i]; i++; return c }
	taken := map[string]bool{"111111": true, "222222": true}

	code, err := AllocateJoinCode(context.Background(), next, func(_ context.Context, c string) (bool, error) {
		return !taken[c], nil
	}, 5)
	require.NoError(t, err)
	assert.Equal(t, "333333", code)
}

func TestAllocateJoinCodeGivesUp(t *testing.T) {
	_, err := AllocateJoinCode(context.Background(), func() string { return "111111" },
		func(context.Context, string) (bool, error) { return false, nil }, 3)
	assert.ErrorIs(t, err, domain.ErrJoinCodeExhausted)
}
