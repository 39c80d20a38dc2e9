// Package http exposes the live session engine over REST and WebSockets.
package http

import (
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"livequiz-service/internal/app"
	"livequiz-service/internal/auth"
	"livequiz-service/internal/metrics"
)

// Handler wires the host and participant use cases to HTTP routes.
type Handler struct {
	host     *app.HostService
	player   *app.PlayerService
	lessons  *app.LessonEditor
	auth     *auth.Authenticator
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
	validate *validator.Validate
	upgrader websocket.Upgrader
}

func NewHandler(host *app.HostService, player *app.PlayerService, lessons *app.LessonEditor, authn *auth.Authenticator, m *metrics.Metrics, log logrus.FieldLogger) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		host:     host,
		player:   player,
		lessons:  lessons,
		auth:     authn,
		metrics:  m,
		log:      log,
		validate: v,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router returns the service routes. REST and WebSocket endpoints live under /v1.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.instrument)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(h.authenticate)

	api.HandleFunc("/lessons/{lessonId}", h.saveLesson).Methods(http.MethodPut)
	api.HandleFunc("/lessons/{lessonId}/session", h.openSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/leaderboard", h.leaderboard).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/{action:start|pause|resume|end|next}", h.sessionAction).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", h.deleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/join", h.join).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/answers", h.answer).Methods(http.MethodPost)

	api.HandleFunc("/ws/host/{id}", h.serveHostWS).Methods(http.MethodGet)
	api.HandleFunc("/ws/play/{id}", h.servePlayWS).Methods(http.MethodGet)
	return r
}
