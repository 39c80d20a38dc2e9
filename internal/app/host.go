package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"livequiz-service/internal/domain"
	"livequiz-service/internal/leaderboard"
	"livequiz-service/internal/refresh"
	"livequiz-service/internal/session"
)

// HostService opens live sessions for lesson owners and keeps one HostRoom per
// session alive in this process.
type HostService struct {
	store Store
	settings

	mu    sync.Mutex
	rooms map[string]*HostRoom
}

func NewHostService(store Store, opts ...Option) *HostService {
	return &HostService{
		store:    store,
		settings: newSettings(opts),
		rooms:    make(map[string]*HostRoom),
	}
}

// Open returns the room of the lesson's most recent session, creating a new
// session with a fresh join code when the lesson has none.
func (s *HostService) Open(ctx context.Context, hostID, lessonID string) (*HostRoom, error) {
	if hostID == "" {
		return nil, domain.ErrAuthenticationRequired
	}
	lesson, err := s.store.GetLesson(ctx, lessonID)
	if err != nil {
		return nil, domain.StoreError("get lesson", err)
	}
	if lesson.OwnerID != hostID {
		return nil, domain.ErrPermissionDenied
	}

	sess, err := s.store.LatestSessionForLesson(ctx, lessonID)
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		sess, err = s.create(ctx, hostID, lessonID)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, domain.StoreError("latest session", err)
	}
	return s.room(sess, lesson), nil
}

// Room returns the room of an existing session owned by hostID.
func (s *HostService) Room(ctx context.Context, hostID, sessionID string) (*HostRoom, error) {
	if hostID == "" {
		return nil, domain.ErrAuthenticationRequired
	}
	s.mu.Lock()
	r, ok := s.rooms[sessionID]
	s.mu.Unlock()
	if ok {
		if r.session.HostID != hostID {
			return nil, domain.ErrPermissionDenied
		}
		return r, nil
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, domain.StoreError("get session", err)
	}
	if sess.HostID != hostID {
		return nil, domain.ErrPermissionDenied
	}
	lesson, err := s.store.GetLesson(ctx, sess.LessonID)
	if err != nil {
		return nil, domain.StoreError("get lesson", err)
	}
	return s.room(sess, lesson), nil
}

func (s *HostService) create(ctx context.Context, hostID, lessonID string) (domain.LiveSession, error) {
	id := s.newID()
	code, err := session.AllocateJoinCode(ctx, s.codes, s.claim(id), s.roomCfg.CodeAttempts)
	if err != nil {
		return domain.LiveSession{}, err
	}
	created, err := s.store.CreateSession(ctx, domain.LiveSession{
		ID:        id,
		HostID:    hostID,
		LessonID:  lessonID,
		JoinCode:  code,
		IsActive:  true,
		CreatedAt: s.now(),
	})
	if err != nil {
		s.release(code)
		return domain.LiveSession{}, domain.StoreError("create session", err)
	}
	s.log.WithFields(logrus.Fields{
		"session": created.ID,
		"lesson":  lessonID,
		"code":    code,
	}).Info("live session created")
	return created, nil
}

// claim accepts a code when no existing session uses it and, if configured,
// the cross-instance reservation succeeds.
func (s *HostService) claim(sessionID string) session.Claim {
	return func(ctx context.Context, code string) (bool, error) {
		if s.joinCodes != nil {
			ok, err := s.joinCodes.Reserve(ctx, code, sessionID)
			if err != nil {
				return false, domain.StoreError("reserve join code", err)
			}
			if !ok {
				return false, nil
			}
		}
		_, err := s.store.FindSessionByJoinCode(ctx, code)
		switch {
		case errors.Is(err, domain.ErrSessionNotFound):
			return true, nil
		case err != nil:
			s.release(code)
			return false, domain.StoreError("find join code", err)
		default:
			s.release(code)
			return false, nil
		}
	}
}

func (s *HostService) release(code string) {
	if s.joinCodes == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.joinCodes.Release(ctx, code); err != nil {
		s.log.WithError(err).WithField("code", code).Warn("release join code failed")
	}
}

func (s *HostService) room(sess domain.LiveSession, lesson domain.Lesson) *HostRoom {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[sess.ID]; ok {
		return r
	}
	r := newHostRoom(s, sess, lesson)
	s.rooms[sess.ID] = r
	return r
}

func (s *HostService) forget(r *HostRoom) {
	s.mu.Lock()
	if s.rooms[r.session.ID] == r {
		delete(s.rooms, r.session.ID)
	}
	s.mu.Unlock()
}

// RoomView is what the host screen renders.
type RoomView struct {
	Session     domain.LiveSession `json:"session"`
	LessonName  string             `json:"lessonName"`
	Status      session.Status     `json:"status"`
	Leaderboard domain.Leaderboard `json:"leaderboard"`
	Question    int                `json:"question"`
	Questions   int                `json:"questions"`
}

// HostRoom is the host side of one live session: lifecycle, question cursor,
// and the live leaderboard.
type HostRoom struct {
	svc      *HostService
	session  domain.LiveSession
	lesson   domain.Lesson
	machine  *session.Machine
	cursor   *session.Cursor
	board    *leaderboard.Reconciler
	watchdog *session.Watchdog
	log      logrus.FieldLogger

	mu      sync.Mutex
	gen     int
	onView  func(RoomView)
	current *attachment
	clear   *time.Timer
	closed  bool
}

type attachment struct {
	gen    int
	cancel context.CancelFunc
	done   chan struct{}
}

func newHostRoom(svc *HostService, sess domain.LiveSession, lesson domain.Lesson) *HostRoom {
	r := &HostRoom{
		svc:     svc,
		session: sess,
		lesson:  lesson,
		cursor:  session.NewCursor(len(lesson.Questions)),
		board:   leaderboard.NewReconciler(sess.ID, leaderboard.WithWindow(svc.roomCfg.AnnotationWindow)),
		log:     svc.log.WithField("session", sess.ID),
	}
	r.machine = session.NewMachine(sess,
		session.WithLogger(r.log),
		session.WithStatusListener(r.statusChanged),
	)
	r.watchdog = session.NewWatchdog(svc.roomCfg.Grace, r.expire)
	return r
}

// ID is the session id.
func (r *HostRoom) ID() string { return r.session.ID }

// Session returns the persisted session with lifecycle fields as currently known.
func (r *HostRoom) Session() domain.LiveSession {
	s := r.session
	st := r.machine.Status()
	s.HasStarted = r.machine.HasStarted()
	s.IsActive = st.State == session.Waiting || st.State == session.Active
	return s
}

// Snapshot returns the current view without fetching.
func (r *HostRoom) Snapshot() RoomView {
	idx, total := r.cursor.Position()
	return RoomView{
		Session:     r.Session(),
		LessonName:  r.lesson.Name,
		Status:      r.machine.Status(),
		Leaderboard: r.board.View(),
		Question:    idx,
		Questions:   total,
	}
}

// Run streams views to onView until ctx is done. Only one Run is attached at a
// time: a new Run (a host reconnect) replaces the previous one. When the last
// attached Run ends the disconnect watchdog starts counting.
func (r *HostRoom) Run(ctx context.Context, onView func(RoomView)) error {
	a, ctx := r.attach(ctx, onView)
	defer r.detach(a)

	co := refresh.New(r.fetchAndEmit,
		refresh.WithDelay(r.svc.roomCfg.RefreshDelay),
		refresh.WithMinInterval(r.svc.roomCfg.MinRefreshInterval),
		refresh.WithLogger(r.log),
		refresh.WithFetchHook(r.svc.metrics.Refresh),
	)

	store := r.svc.store
	stopParticipants, err := store.Subscribe(ctx, domain.TableParticipants, r.session.ID, func(domain.ChangeEvent) {
		co.Trigger()
	})
	if err != nil {
		return domain.StoreError("subscribe participants", err)
	}
	defer stopParticipants()
	stopSession, err := store.Subscribe(ctx, domain.TableSessions, r.session.ID, r.observe)
	if err != nil {
		return domain.StoreError("subscribe session", err)
	}
	defer stopSession()

	if _, err := r.fetch(ctx); err != nil {
		r.log.WithError(err).Warn("initial leaderboard fetch failed")
	}
	r.emit()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return co.Run(gctx) })
	g.Go(func() error { return co.Poll(gctx, r.svc.roomCfg.PollInterval, r.active) })
	return g.Wait()
}

func (r *HostRoom) attach(parent context.Context, onView func(RoomView)) (*attachment, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	prev := r.current
	r.gen++
	a := &attachment{gen: r.gen, cancel: cancel, done: make(chan struct{})}
	r.current = a
	r.onView = onView
	r.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}
	r.watchdog.Reconnected()
	r.log.Debug("host attached")
	return a, ctx
}

func (r *HostRoom) detach(a *attachment) {
	a.cancel()
	r.mu.Lock()
	last := r.current == a
	if last {
		r.current = nil
		r.onView = nil
	}
	closed := r.closed
	r.mu.Unlock()
	close(a.done)

	if last && !closed {
		r.log.Info("host disconnected, starting watchdog")
		r.watchdog.Disconnected()
	}
}

// Remaining reports the time left before a disconnected host's session is abandoned.
func (r *HostRoom) Remaining() (time.Duration, bool) {
	return r.watchdog.Remaining()
}

func (r *HostRoom) active() bool {
	return r.machine.Status().State == session.Active
}

func (r *HostRoom) fetchAndEmit(ctx context.Context) error {
	changed, err := r.fetch(ctx)
	if err != nil {
		return err
	}
	if changed {
		r.emit()
	}
	return nil
}

// fetch re-reads the full participant set and reconciles it.
func (r *HostRoom) fetch(ctx context.Context) (bool, error) {
	participants, err := r.svc.store.ListParticipants(ctx, r.session.ID)
	if err != nil {
		return false, domain.StoreError("list participants", err)
	}
	_, changed := r.board.Reconcile(participants)
	if until, ok := r.board.GainsExpireAt(); ok && changed {
		r.scheduleClear(ctx, until)
	}
	return changed, nil
}

// scheduleClear re-emits the view once the current "+N" batch expires.
func (r *HostRoom) scheduleClear(ctx context.Context, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clear != nil {
		r.clear.Stop()
	}
	r.clear = time.AfterFunc(time.Until(until), func() {
		if ctx.Err() == nil {
			r.emit()
		}
	})
}

func (r *HostRoom) observe(ev domain.ChangeEvent) {
	switch {
	case ev.Kind == domain.ChangeDelete:
		r.machine.Observe(r.session, true)
	case ev.Session != nil:
		r.machine.Observe(*ev.Session, false)
	}
}

func (r *HostRoom) statusChanged(st session.Status) {
	if st.State == session.Ended && !st.Pending {
		r.close()
	}
	r.emit()
}

func (r *HostRoom) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.clear != nil {
		r.clear.Stop()
	}
	r.mu.Unlock()

	r.watchdog.Stop()
	r.svc.forget(r)
	r.svc.release(r.session.JoinCode)
	r.log.Info("live session ended")
}

func (r *HostRoom) emit() {
	r.mu.Lock()
	fn := r.onView
	r.mu.Unlock()
	if fn != nil {
		fn(r.Snapshot())
	}
}

// Start moves a waiting session to active. With no participants it returns
// domain.ErrNoParticipants and nothing changes.
func (r *HostRoom) Start(ctx context.Context) error {
	participants, err := r.svc.store.ListParticipants(ctx, r.session.ID)
	if err != nil {
		return domain.StoreError("list participants", err)
	}
	return r.apply(ctx, session.ActionStart, len(participants))
}

func (r *HostRoom) Pause(ctx context.Context) error {
	return r.apply(ctx, session.ActionPause, 0)
}

func (r *HostRoom) Resume(ctx context.Context) error {
	return r.apply(ctx, session.ActionResume, 0)
}

// End marks the session inactive and then deletes it.
func (r *HostRoom) End(ctx context.Context) error {
	return r.apply(ctx, session.ActionEnd, 0)
}

// Abandon deletes the session without the inactive write.
func (r *HostRoom) Abandon(ctx context.Context) error {
	return r.apply(ctx, session.ActionAbandon, 0)
}

func (r *HostRoom) apply(ctx context.Context, action session.Action, participants int) error {
	err := r.machine.Apply(ctx, r.svc.store, action, participants)
	if errors.Is(err, domain.ErrNoParticipants) || errors.Is(err, domain.ErrInvalidTransition) {
		return err
	}
	r.svc.metrics.Transition(string(action), err)
	if err == nil {
		r.log.WithField("action", action).Info("session transition")
	}
	return err
}

// NextQuestion advances the host's question cursor. It reports false on the
// last question.
func (r *HostRoom) NextQuestion() (int, bool) {
	idx, moved := r.cursor.Next()
	if moved {
		r.emit()
	}
	return idx, moved
}

// Refresh fetches and reconciles immediately, bypassing the coalescer.
func (r *HostRoom) Refresh(ctx context.Context) (RoomView, error) {
	if _, err := r.fetch(ctx); err != nil {
		return RoomView{}, err
	}
	return r.Snapshot(), nil
}

func (r *HostRoom) expire() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.log.Warn("host did not reconnect, abandoning session")
	if err := r.Abandon(ctx); err != nil {
		r.log.WithError(err).Error("abandon session failed")
	}
}
