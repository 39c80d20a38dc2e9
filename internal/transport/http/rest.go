package http

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"livequiz-service/internal/app"
	"livequiz-service/internal/auth"
	"livequiz-service/internal/domain"
)

type joinRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
	Name string `json:"name" validate:"max=64"`
}

type joinResponse struct {
	Participant domain.Participant `json:"participant"`
	Token       string             `json:"token"`
}

type answerRequest struct {
	Question *int   `json:"question" validate:"required,min=0"`
	Answer   string `json:"answer" validate:"required"`
}

type lessonRequest struct {
	Name        string            `json:"name" validate:"required,max=200"`
	Description string            `json:"description" validate:"max=2000"`
	ImageURL    string            `json:"imageUrl" validate:"omitempty,url"`
	Questions   []questionRequest `json:"questions" validate:"required,min=1,dive"`
}

type questionRequest struct {
	Text    string          `json:"text" validate:"required"`
	Type    string          `json:"type" validate:"required"`
	Answers []answerOption `json:"answers" validate:"required,min=1,dive"`
}

type answerOption struct {
	Text      string `json:"text" validate:"required"`
	IsCorrect bool   `json:"isCorrect"`
}

type nextResponse struct {
	View  app.RoomView `json:"view"`
	Moved bool         `json:"moved"`
}

func (req lessonRequest) lesson(id string) domain.Lesson {
	lesson := domain.Lesson{ID: id, Name: req.Name, Description: req.Description, ImageURL: req.ImageURL}
	for _, q := range req.Questions {
		question := domain.Question{Text: q.Text, Type: domain.QuestionType(q.Type)}
		for _, a := range q.Answers {
			question.Answers = append(question.Answers, domain.Answer{Text: a.Text, IsCorrect: a.IsCorrect})
		}
		lesson.Questions = append(lesson.Questions, question)
	}
	return lesson
}

// saveLesson creates or replaces a lesson owned by the caller.
func (h *Handler) saveLesson(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.UserID(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req lessonRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	lesson, err := h.lessons.Save(r.Context(), userID, req.lesson(mux.Vars(r)["lessonId"]))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lesson)
}

func (h *Handler) openSession(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.UserID(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	room, err := h.host.Open(r.Context(), userID, mux.Vars(r)["lessonId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	view, err := room.Refresh(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) hostRoom(r *http.Request) (*app.HostRoom, error) {
	userID, err := auth.UserID(r.Context())
	if err != nil {
		return nil, err
	}
	return h.host.Room(r.Context(), userID, mux.Vars(r)["id"])
}

func (h *Handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	room, err := h.hostRoom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	view, err := room.Refresh(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) sessionAction(w http.ResponseWriter, r *http.Request) {
	room, err := h.hostRoom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	action := mux.Vars(r)["action"]
	if action == "next" {
		_, moved := room.NextQuestion()
		writeJSON(w, http.StatusOK, nextResponse{View: room.Snapshot(), Moved: moved})
		return
	}
	if err := hostAction(r, room, action); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, room.Snapshot())
}

// hostAction applies a lifecycle action. Starting an empty session is a no-op.
func hostAction(r *http.Request, room *app.HostRoom, action string) error {
	var err error
	switch action {
	case "start":
		err = room.Start(r.Context())
	case "pause":
		err = room.Pause(r.Context())
	case "resume":
		err = room.Resume(r.Context())
	case "end":
		err = room.End(r.Context())
	default:
		return &domain.ValidationError{Field: "type", Message: "unknown action " + action}
	}
	if errors.Is(err, domain.ErrNoParticipants) {
		return nil
	}
	return err
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	room, err := h.hostRoom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := room.Abandon(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	var userID, name string
	if claims, ok := auth.FromContext(r.Context()); ok && claims.ParticipantID == "" {
		userID, name = claims.UserID(), claims.Name
	}
	if req.Name != "" {
		name = req.Name
	}

	p, err := h.player.Join(r.Context(), req.Code, userID, name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	token, err := h.auth.IssueParticipant(p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, joinResponse{Participant: p, Token: token})
}

func (h *Handler) answer(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	claims, err := participantClaims(r, sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req answerRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.player.Answer(r.Context(), sessionID, claims.ParticipantID, *req.Question, req.Answer)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
