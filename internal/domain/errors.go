package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthenticationRequired is returned when no valid user is attached to a request.
	ErrAuthenticationRequired = errors.New("authentication required")
	// ErrPermissionDenied is returned when a user acts on a lesson or session they do not own.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrSessionNotFound is returned when a live session does not exist (or was deleted).
	ErrSessionNotFound = errors.New("live session not found")
	// ErrParticipantNotFound is returned when a user tries to act before joining.
	ErrParticipantNotFound = errors.New("participant not found in session")
	// ErrLessonNotFound indicates the lesson content could not be loaded.
	ErrLessonNotFound = errors.New("lesson not found")
	// ErrSessionEnded is returned when joining a session that is no longer active.
	ErrSessionEnded = errors.New("session has ended")
	// ErrSessionNotStarted is returned when answering before the host starts the session.
	ErrSessionNotStarted = errors.New("session has not started yet")
	// ErrSessionStarted is returned when a new participant joins after the start.
	ErrSessionStarted = errors.New("session has already started")
	// ErrNoParticipants reports a start attempt on an empty session. Callers treat it as a no-op.
	ErrNoParticipants = errors.New("no participants have joined")
	// ErrSubmissionInFlight is returned when an answer is submitted while another is being graded.
	ErrSubmissionInFlight = errors.New("an answer is already being checked")
	// ErrAnswerLocked is returned when resubmitting an answer already judged wrong,
	// or answering a question the participant already got right.
	ErrAnswerLocked = errors.New("answer already tried")
	// ErrInvalidTransition is returned for lifecycle actions not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrJoinCodeExhausted is returned when no unused join code could be generated.
	ErrJoinCodeExhausted = errors.New("could not allocate a unique join code")
)

// ValidationError is a user-facing input problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// TransientStoreError wraps a read or write failure against the backing store.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

// StoreError wraps err as a TransientStoreError unless it is already a domain sentinel.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrSessionNotFound, ErrParticipantNotFound, ErrLessonNotFound} {
		if errors.Is(err, known) {
			return err
		}
	}
	var te *TransientStoreError
	if errors.As(err, &te) {
		return err
	}
	return &TransientStoreError{Op: op, Err: err}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
