package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"livequiz-service/internal/app"
	"livequiz-service/internal/domain"
)

const writeWait = 10 * time.Second

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

type answerPayload struct {
	Answer string `json:"answer"`
}

type signalPayload struct {
	Signal app.Signal `json:"signal"`
}

type finishedPayload struct {
	Question app.QuestionView `json:"question"`
}

// outbox serializes writes to one connection from any number of producers.
type outbox struct {
	conn    *websocket.Conn
	log     logrus.FieldLogger
	send    chan outboundMessage[any]
	closing chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newOutbox(conn *websocket.Conn, log logrus.FieldLogger) *outbox {
	o := &outbox{
		conn:    conn,
		log:     log,
		send:    make(chan outboundMessage[any], 16),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go o.writeLoop()
	return o
}

func (o *outbox) writeLoop() {
	defer close(o.done)
	failed := false
	for {
		select {
		case msg := <-o.send:
			if failed {
				continue
			}
			_ = o.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := o.conn.WriteJSON(msg); err != nil {
				o.log.WithError(err).Debug("ws write failed")
				failed = true
			}
		case <-o.closing:
			return
		}
	}
}

// push queues a message; it reports false once the outbox is closed.
func (o *outbox) push(typ string, payload any) bool {
	select {
	case o.send <- outboundMessage[any]{Type: typ, Payload: payload}:
		return true
	case <-o.closing:
		return false
	}
}

func (o *outbox) pushError(err error) {
	body := errorBody(err)
	o.push("error", errorPayload{Message: body.Error, Status: statusFor(err)})
}

func (o *outbox) close() {
	o.once.Do(func() { close(o.closing) })
	<-o.done
}

// serveHostWS streams room views to the host and applies host actions sent as
// {"type": "start"|"pause"|"resume"|"end"|"next"|"refresh"}. Closing the
// connection starts the disconnect watchdog.
func (h *Handler) serveHostWS(w http.ResponseWriter, r *http.Request) {
	room, err := h.hostRoom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("ws upgrade failed")
		return
	}
	defer conn.Close()
	defer h.metrics.Connected("host")()

	log := h.log.WithField("session", room.ID())
	out := newOutbox(conn, log)
	defer out.close()

	ctx, cancel := context.WithCancel(r.Context())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := room.Run(ctx, func(v app.RoomView) { out.push("view", v) }); err != nil {
			log.WithError(err).Warn("host room stopped")
			out.pushError(err)
		}
		// Another connection took over the room; drop this one.
		if ctx.Err() == nil {
			out.close()
			_ = conn.Close()
		}
	}()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "next":
			room.NextQuestion()
		case "refresh":
			view, err := room.Refresh(ctx)
			if err != nil {
				out.pushError(err)
				continue
			}
			out.push("view", view)
		default:
			if err := hostAction(r, room, inbound.Type); err != nil {
				out.pushError(err)
			}
		}
	}

	cancel()
	<-runDone
}

// servePlayWS drives one participant's self-paced play. It pushes session
// signals, the current question once the session has started, and accepts
// answer, reveal, tryAgain and next.
func (h *Handler) servePlayWS(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	claims, err := participantClaims(r, sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	play, err := h.player.Open(r.Context(), sessionID, claims.ParticipantID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("ws upgrade failed")
		return
	}
	defer conn.Close()
	defer h.metrics.Connected("participant")()

	log := h.log.WithFields(logrus.Fields{"session": sessionID, "participant": claims.ParticipantID})
	out := newOutbox(conn, log)
	defer out.close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Questions stay hidden until the host starts the session.
	var (
		started   atomic.Bool
		showFirst sync.Once
	)
	stopWatch, err := h.player.Watch(ctx, sessionID, func(sig app.Signal) {
		out.push("signal", signalPayload{Signal: sig})
		if sig == app.SignalStarted {
			started.Store(true)
			showFirst.Do(func() { out.push("question", play.Current()) })
		}
	})
	if err != nil {
		out.pushError(err)
		return
	}
	defer stopWatch()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		if !started.Load() {
			out.pushError(domain.ErrSessionNotStarted)
			continue
		}
		h.handlePlayMessage(ctx, play, out, inbound)
	}
}

func (h *Handler) handlePlayMessage(ctx context.Context, play *app.Play, out *outbox, inbound inboundMessage) {
	switch inbound.Type {
	case "answer":
		var payload answerPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			out.pushError(&domain.ValidationError{Field: "payload", Message: "invalid answer payload"})
			return
		}
		res, err := play.Submit(ctx, payload.Answer)
		if err != nil {
			out.pushError(err)
			return
		}
		out.push("answerResult", res)
		out.push("question", play.Current())
	case "reveal":
		rev, err := play.Reveal()
		if err != nil {
			out.pushError(err)
			return
		}
		out.push("reveal", rev)
	case "tryAgain":
		if err := play.TryAgain(); err != nil {
			out.pushError(err)
			return
		}
		out.push("question", play.Current())
	case "next":
		view, finished := play.Next()
		if finished {
			out.push("finished", finishedPayload{Question: view})
			return
		}
		out.push("question", view)
	default:
		out.pushError(&domain.ValidationError{Field: "type", Message: "unsupported message type"})
	}
}

