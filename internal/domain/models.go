package domain

import "time"

// QuestionType identifies how a question is answered and scored.
type QuestionType string

const (
	MultipleChoice QuestionType = "Multiple Choice"
	TrueFalse      QuestionType = "True/False"
	InputAnswer    QuestionType = "Input Answer"
)

// Answer is one possible response to a question. For InputAnswer questions the
// single answer holds the accepted text and IsCorrect is ignored.
type Answer struct {
	Text      string `json:"text" bson:"text"`
	IsCorrect bool   `json:"isCorrect" bson:"isCorrect"`
}

// Question models a single lesson question.
type Question struct {
	Text    string       `json:"text" bson:"text"`
	Type    QuestionType `json:"type" bson:"type"`
	Answers []Answer     `json:"answers" bson:"answers"`
}

// Validate checks the structural invariants of a question.
func (q Question) Validate() error {
	switch q.Type {
	case MultipleChoice, TrueFalse:
		for _, a := range q.Answers {
			if a.IsCorrect {
				return nil
			}
		}
		return &ValidationError{Field: "answers", Message: "at least one answer must be marked correct"}
	case InputAnswer:
		if len(q.Answers) != 1 {
			return &ValidationError{Field: "answers", Message: "input answer questions need exactly one accepted answer"}
		}
		return nil
	default:
		return &ValidationError{Field: "type", Message: "unknown question type " + string(q.Type)}
	}
}

// Lesson is a collection of ordered questions owned by a user.
type Lesson struct {
	ID          string     `json:"id" bson:"_id"`
	OwnerID     string     `json:"ownerId" bson:"ownerId"`
	Name        string     `json:"name" bson:"name"`
	Description string     `json:"description,omitempty" bson:"description,omitempty"`
	ImageURL    string     `json:"imageUrl,omitempty" bson:"imageUrl,omitempty"`
	Questions   []Question `json:"questions" bson:"questions"`
}

// Validate checks every question of the lesson.
func (l Lesson) Validate() error {
	if l.Name == "" {
		return &ValidationError{Field: "name", Message: "lesson name is required"}
	}
	for _, q := range l.Questions {
		if err := q.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// LiveSession is a hosted run of a lesson that participants join by code.
type LiveSession struct {
	ID         string    `json:"id"`
	HostID     string    `json:"hostId"`
	LessonID   string    `json:"lessonId"`
	JoinCode   string    `json:"joinCode"`
	HasStarted bool      `json:"hasStarted"`
	IsActive   bool      `json:"isActive"`
	CreatedAt  time.Time `json:"createdAt"`
}

// SessionUpdate carries the lifecycle fields a host may change. Nil fields are left untouched.
type SessionUpdate struct {
	HasStarted *bool
	IsActive   *bool
}

// Participant is a joined user's per-session score record.
type Participant struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"sessionId"`
	UserID           string    `json:"userId,omitempty"`
	Name             string    `json:"name"`
	Score            int       `json:"score"`
	CorrectAnswers   int       `json:"correctAnswers"`
	IncorrectAnswers int       `json:"incorrectAnswers"`
	JoinedAt         time.Time `json:"joinedAt"`
}

// Award is an atomic increment applied to a participant's counters for one
// question. A question answered correctly accepts no further awards.
type Award struct {
	Question  int
	Points    int
	Correct   int
	Incorrect int
}

// LeaderboardEntry is a ranked, change-annotated view of a participant.
type LeaderboardEntry struct {
	ParticipantID    string `json:"participantId"`
	Name             string `json:"name"`
	Score            int    `json:"score"`
	Position         int    `json:"position"`
	PreviousPosition int    `json:"previousPosition,omitempty"` // 0 for new joiners
	PositionChange   int    `json:"positionChange"`
	IsNew            bool   `json:"isNew"`
}

// SessionStats aggregates the full participant set.
type SessionStats struct {
	Participants     int `json:"participants"`
	CorrectAnswers   int `json:"correctAnswers"`
	IncorrectAnswers int `json:"incorrectAnswers"`
	TotalScore       int `json:"totalScore"`
	AverageScore     int `json:"averageScore"`
}

// Leaderboard captures the display-ready scoreboard for a session.
type Leaderboard struct {
	SessionID    string             `json:"sessionId"`
	Entries      []LeaderboardEntry `json:"entries"`
	PointsGained map[string]int     `json:"pointsGained,omitempty"`
	Stats        SessionStats       `json:"stats"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// Table names used by change notifications.
const (
	TableSessions     = "live_sessions"
	TableParticipants = "participants"
)

// ChangeKind is the kind of row change delivered by a subscription.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// ChangeEvent describes a row change scoped to a session.
type ChangeEvent struct {
	Table       string       `json:"table"`
	Kind        ChangeKind   `json:"kind"`
	SessionID   string       `json:"sessionId"`
	Session     *LiveSession `json:"session,omitempty"`
	Participant *Participant `json:"participant,omitempty"`
}
