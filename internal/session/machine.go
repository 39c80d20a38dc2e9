// Package session holds the lifecycle state machine of a live session, the
// host's question cursor, join-code allocation and the connection-lost watchdog.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"livequiz-service/internal/domain"
)

// State is the lifecycle state of a live session.
type State string

const (
	Waiting State = "waiting"
	Active  State = "active"
	Paused  State = "paused"
	// Ended is terminal. It is never persisted; ending deletes the session row.
	Ended State = "ended"
)

// StateOf derives the lifecycle state from persisted session fields.
func StateOf(s domain.LiveSession) State {
	switch {
	case !s.HasStarted:
		return Waiting
	case s.IsActive:
		return Active
	default:
		return Paused
	}
}

// Action is a host-triggered lifecycle request.
type Action string

const (
	ActionStart   Action = "start"
	ActionPause   Action = "pause"
	ActionResume  Action = "resume"
	ActionEnd     Action = "end"
	ActionAbandon Action = "abandon"
)

// Status is what the UI layer sees: the current state and, while a write is
// in flight, the state it is moving to.
type Status struct {
	State   State `json:"state"`
	Pending bool  `json:"pending"`
	Target  State `json:"target,omitempty"`
}

// Writer persists lifecycle changes.
type Writer interface {
	UpdateSession(ctx context.Context, id string, update domain.SessionUpdate) error
	DeleteSession(ctx context.Context, id string) error
}

// Machine tracks one session's lifecycle on the host side. Transitions are
// applied locally as pending, then confirmed or rolled back once the write resolves.
type Machine struct {
	sessionID string
	log       logrus.FieldLogger
	onStatus  func(Status)

	mu         sync.Mutex
	state      State
	hasStarted bool
	pending    bool
	target     State
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger used for write failures.
func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Machine) { m.log = log }
}

// WithStatusListener registers a callback invoked after every status change.
func WithStatusListener(fn func(Status)) Option {
	return func(m *Machine) { m.onStatus = fn }
}

// NewMachine seeds a machine from the persisted session.
func NewMachine(s domain.LiveSession, opts ...Option) *Machine {
	m := &Machine{
		sessionID:  s.ID,
		log:        logrus.StandardLogger(),
		state:      StateOf(s),
		hasStarted: s.HasStarted,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Status returns the current status.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// HasStarted reports whether the session was ever started. Once true it stays true.
func (m *Machine) HasStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasStarted
}

func (m *Machine) statusLocked() Status {
	st := Status{State: m.state, Pending: m.pending}
	if m.pending {
		st.Target = m.target
	}
	return st
}

// Observe reconciles the machine with a session row delivered by a change
// notification. Pending transitions win until their write resolves.
func (m *Machine) Observe(s domain.LiveSession, deleted bool) {
	m.mu.Lock()
	if m.pending || m.state == Ended {
		m.mu.Unlock()
		return
	}
	next := StateOf(s)
	if deleted {
		next = Ended
	}
	if s.HasStarted {
		m.hasStarted = true
	}
	if m.hasStarted && next == Waiting {
		next = Paused
	}
	changed := next != m.state
	m.state = next
	st := m.statusLocked()
	m.mu.Unlock()
	if changed {
		m.notify(st)
	}
}

// Apply runs action against the store through w. participants is the number of
// joined participants, consulted by the start guard. Starting an empty session
// returns domain.ErrNoParticipants and leaves the state untouched.
func (m *Machine) Apply(ctx context.Context, w Writer, action Action, participants int) error {
	m.mu.Lock()
	if m.pending {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s while %s is pending", domain.ErrInvalidTransition, action, m.target)
	}
	from := m.state
	plan, err := m.planLocked(action, participants)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.pending = true
	m.target = plan.to
	st := m.statusLocked()
	m.mu.Unlock()
	m.notify(st)

	writeErr := plan.write(ctx, w, m.sessionID)

	m.mu.Lock()
	m.pending = false
	m.target = ""
	if writeErr != nil {
		m.state = from
	} else {
		m.state = plan.to
		if plan.to == Active {
			m.hasStarted = true
		}
	}
	st = m.statusLocked()
	m.mu.Unlock()
	m.notify(st)

	if writeErr != nil {
		m.log.WithFields(logrus.Fields{
			"session": m.sessionID,
			"action":  action,
			"error":   writeErr,
		}).Error("session transition rolled back")
		return domain.StoreError(string(action)+" session", writeErr)
	}
	return nil
}

type plan struct {
	to     State
	update *domain.SessionUpdate
	delete bool
}

func (p plan) write(ctx context.Context, w Writer, id string) error {
	if p.update != nil {
		if err := w.UpdateSession(ctx, id, *p.update); err != nil {
			return err
		}
	}
	if p.delete {
		return w.DeleteSession(ctx, id)
	}
	return nil
}

func (m *Machine) planLocked(action Action, participants int) (plan, error) {
	yes, no := true, false
	invalid := fmt.Errorf("%w: cannot %s a %s session", domain.ErrInvalidTransition, action, m.state)
	if m.state == Ended {
		return plan{}, invalid
	}
	switch action {
	case ActionStart:
		if m.state != Waiting {
			return plan{}, invalid
		}
		if participants < 1 {
			return plan{}, domain.ErrNoParticipants
		}
		return plan{to: Active, update: &domain.SessionUpdate{HasStarted: &yes, IsActive: &yes}}, nil
	case ActionPause:
		if m.state != Active {
			return plan{}, invalid
		}
		return plan{to: Paused, update: &domain.SessionUpdate{IsActive: &no}}, nil
	case ActionResume:
		if m.state != Paused {
			return plan{}, invalid
		}
		return plan{to: Active, update: &domain.SessionUpdate{IsActive: &yes}}, nil
	case ActionEnd:
		if m.state != Active && m.state != Paused {
			return plan{}, invalid
		}
		return plan{to: Ended, update: &domain.SessionUpdate{IsActive: &no}, delete: true}, nil
	case ActionAbandon:
		return plan{to: Ended, delete: true}, nil
	default:
		return plan{}, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidTransition, action)
	}
}

func (m *Machine) notify(st Status) {
	if m.onStatus != nil {
		m.onStatus(st)
	}
}

// Cursor is the host-local question pointer. It is not shared with participants.
type Cursor struct {
	mu    sync.Mutex
	index int
	total int
}

// NewCursor returns a cursor at the first of total questions.
func NewCursor(total int) *Cursor {
	return &Cursor{total: total}
}

// Next advances the cursor and reports whether it moved.
func (c *Cursor) Next() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index >= c.total-1 {
		return c.index, false
	}
	c.index++
	return c.index, true
}

// Position returns the 0-based index and the question count.
func (c *Cursor) Position() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index, c.total
}
