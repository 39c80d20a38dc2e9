// Package scoring decides whether a submitted answer is correct and how many
// points it earns. Everything here is pure: no I/O, no shared state.
package scoring

import (
	"strings"

	"livequiz-service/internal/domain"
)

// Result is the outcome of evaluating one submission.
type Result struct {
	IsCorrect     bool `json:"isCorrect"`
	PointsAwarded int  `json:"pointsAwarded"`
}

// Evaluate grades submission against q, the questionIndex-th (0-based) of totalQuestions.
func Evaluate(q domain.Question, submission string, questionIndex, totalQuestions int) Result {
	if !IsCorrect(q, submission) {
		return Result{}
	}
	return Result{IsCorrect: true, PointsAwarded: Points(q.Type, questionIndex, totalQuestions)}
}

// IsCorrect applies the matching rule for the question type.
func IsCorrect(q domain.Question, submission string) bool {
	if q.Type == domain.InputAnswer {
		normalized := strings.ToLower(strings.TrimSpace(submission))
		for _, a := range q.Answers {
			if strings.ToLower(a.Text) == normalized {
				return true
			}
		}
		return false
	}
	for _, a := range q.Answers {
		if a.IsCorrect && a.Text == submission {
			return true
		}
	}
	return false
}

// Base is round-half-up(100*(questionIndex+1)/totalQuestions).
func Base(questionIndex, totalQuestions int) int {
	if totalQuestions <= 0 || questionIndex < 0 {
		return 0
	}
	num := 100 * (questionIndex + 1)
	return (2*num + totalQuestions) / (2 * totalQuestions)
}

// Points is the award for a correct answer. Free-text answers earn 1.5x the base,
// rounded half up.
func Points(t domain.QuestionType, questionIndex, totalQuestions int) int {
	base := Base(questionIndex, totalQuestions)
	if t == domain.InputAnswer {
		return (3*base + 1) / 2
	}
	return base
}

// Reveal returns the text shown when a participant asks for the answer, together
// with the distractors that should be locked.
func Reveal(q domain.Question) (correct string, distractors []string) {
	for _, a := range q.Answers {
		if q.Type == domain.InputAnswer || a.IsCorrect {
			if correct == "" {
				correct = a.Text
			}
			continue
		}
		distractors = append(distractors, a.Text)
	}
	return correct, distractors
}
