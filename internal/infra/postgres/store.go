// Package postgres is the relational session store and lesson loader.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"

	"livequiz-service/internal/domain"
)

// ChangeFeed carries change events between writers and subscribers. Postgres
// itself is not watched, so every write here is published on the feed.
type ChangeFeed interface {
	Publish(ctx context.Context, ev domain.ChangeEvent) error
	Subscribe(ctx context.Context, table, sessionID string, fn func(domain.ChangeEvent)) (func(), error)
}

// Store keeps live sessions and participants in Postgres.
type Store struct {
	pool *pgxpool.Pool
	feed ChangeFeed
	log  logrus.FieldLogger
}

func NewStore(pool *pgxpool.Pool, feed ChangeFeed, log logrus.FieldLogger) *Store {
	return &Store{pool: pool, feed: feed, log: log}
}

const (
	sessionColumns     = `id, host_id, lesson_id, join_code, has_started, is_active, created_at`
	participantColumns = `id, session_id, COALESCE(user_id, ''), name, score, correct_answers, incorrect_answers, joined_at`
)

func scanSession(row pgx.Row) (domain.LiveSession, error) {
	var s domain.LiveSession
	err := row.Scan(&s.ID, &s.HostID, &s.LessonID, &s.JoinCode, &s.HasStarted, &s.IsActive, &s.CreatedAt)
	return s, err
}

func scanParticipant(row pgx.Row) (domain.Participant, error) {
	var p domain.Participant
	err := row.Scan(&p.ID, &p.SessionID, &p.UserID, &p.Name, &p.Score, &p.CorrectAnswers, &p.IncorrectAnswers, &p.JoinedAt)
	return p, err
}

func (s *Store) CreateSession(ctx context.Context, sess domain.LiveSession) (domain.LiveSession, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO live_sessions (id, host_id, lesson_id, join_code, has_started, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+sessionColumns,
		sess.ID, sess.HostID, sess.LessonID, sess.JoinCode, sess.HasStarted, sess.IsActive, sess.CreatedAt)
	created, err := scanSession(row)
	if err != nil {
		return domain.LiveSession{}, fmt.Errorf("create session: %w", err)
	}
	s.publishSession(ctx, domain.ChangeInsert, created)
	return created, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (domain.LiveSession, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM live_sessions WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LiveSession{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.LiveSession{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// UpdateSession writes only the fields set in update.
func (s *Store) UpdateSession(ctx context.Context, id string, update domain.SessionUpdate) error {
	row := s.pool.QueryRow(ctx, `
		UPDATE live_sessions
		SET has_started = COALESCE($2, has_started), is_active = COALESCE($3, is_active)
		WHERE id=$1
		RETURNING `+sessionColumns,
		id, update.HasStarted, update.IsActive)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	s.publishSession(ctx, domain.ChangeUpdate, sess)
	return nil
}

// DeleteSession removes the session; participants go with it (ON DELETE CASCADE).
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	sess, err := scanSession(s.pool.QueryRow(ctx, `DELETE FROM live_sessions WHERE id=$1 RETURNING `+sessionColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.publishSession(ctx, domain.ChangeDelete, sess)
	return nil
}

func (s *Store) FindSessionByJoinCode(ctx context.Context, code string) (domain.LiveSession, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM live_sessions
		WHERE join_code=$1
		ORDER BY created_at DESC
		LIMIT 1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LiveSession{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.LiveSession{}, fmt.Errorf("find session by code: %w", err)
	}
	return sess, nil
}

func (s *Store) LatestSessionForLesson(ctx context.Context, lessonID string) (domain.LiveSession, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM live_sessions
		WHERE lesson_id=$1
		ORDER BY created_at DESC
		LIMIT 1`, lessonID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LiveSession{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.LiveSession{}, fmt.Errorf("latest session: %w", err)
	}
	return sess, nil
}

// UpsertParticipant inserts p unless the same user already joined, in which
// case the existing row is returned. The insert only happens while the
// session row exists.
func (s *Store) UpsertParticipant(ctx context.Context, p domain.Participant) (domain.Participant, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO participants (id, session_id, user_id, name, score, correct_answers, incorrect_answers, joined_at)
		SELECT $1, id, NULLIF($3, ''), $4, $5, $6, $7, $8 FROM live_sessions WHERE id=$2
		ON CONFLICT (session_id, user_id) WHERE user_id IS NOT NULL DO NOTHING
		RETURNING `+participantColumns,
		p.ID, p.SessionID, p.UserID, p.Name, p.Score, p.CorrectAnswers, p.IncorrectAnswers, p.JoinedAt)
	inserted, err := scanParticipant(row)
	if err == nil {
		s.publishParticipant(ctx, domain.ChangeInsert, inserted)
		return inserted, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Participant{}, fmt.Errorf("insert participant: %w", err)
	}

	if p.UserID != "" {
		existing, err := scanParticipant(s.pool.QueryRow(ctx, `
			SELECT `+participantColumns+` FROM participants
			WHERE session_id=$1 AND user_id=$2`, p.SessionID, p.UserID))
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return domain.Participant{}, fmt.Errorf("find participant: %w", err)
		}
	}
	return domain.Participant{}, domain.ErrSessionNotFound
}

// AwardParticipant increments the counters and, for a correct answer, records
// the question as solved in the same transaction. The answers primary key
// makes concurrent duplicates lose.
func (s *Store) AwardParticipant(ctx context.Context, participantID string, award domain.Award) (domain.Participant, error) {
	var p domain.Participant
	err := s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		if award.Correct > 0 {
			tag, err := tx.Exec(ctx, `
				INSERT INTO answers (participant_id, question_index)
				SELECT id, $2 FROM participants WHERE id=$1
				ON CONFLICT (participant_id, question_index) DO NOTHING`,
				participantID, award.Question)
			if err != nil {
				return fmt.Errorf("record answer: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return s.lockedOrMissing(ctx, tx, participantID)
			}
		} else {
			var solved bool
			err := tx.QueryRow(ctx, `
				SELECT EXISTS (SELECT 1 FROM answers WHERE participant_id=$1 AND question_index=$2)`,
				participantID, award.Question).Scan(&solved)
			if err != nil {
				return fmt.Errorf("check answer: %w", err)
			}
			if solved {
				return domain.ErrAnswerLocked
			}
		}

		row := tx.QueryRow(ctx, `
			UPDATE participants
			SET score = score + $2,
			    correct_answers = correct_answers + $3,
			    incorrect_answers = incorrect_answers + $4
			WHERE id=$1
			RETURNING `+participantColumns,
			participantID, award.Points, award.Correct, award.Incorrect)
		var err error
		p, err = scanParticipant(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrParticipantNotFound
		}
		return err
	})
	if errors.Is(err, domain.ErrAnswerLocked) || errors.Is(err, domain.ErrParticipantNotFound) {
		return domain.Participant{}, err
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("award participant: %w", err)
	}
	s.publishParticipant(ctx, domain.ChangeUpdate, p)
	return p, nil
}

// lockedOrMissing tells a duplicate answer apart from an unknown participant
// after an insert that affected no rows.
func (s *Store) lockedOrMissing(ctx context.Context, tx pgx.Tx, participantID string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM participants WHERE id=$1)`, participantID).Scan(&exists); err != nil {
		return fmt.Errorf("check participant: %w", err)
	}
	if !exists {
		return domain.ErrParticipantNotFound
	}
	return domain.ErrAnswerLocked
}

func (s *Store) GetParticipant(ctx context.Context, id string) (domain.Participant, error) {
	p, err := scanParticipant(s.pool.QueryRow(ctx, `SELECT `+participantColumns+` FROM participants WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	if err != nil {
		return domain.Participant{}, fmt.Errorf("get participant: %w", err)
	}
	return p, nil
}

func (s *Store) ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+participantColumns+` FROM participants
		WHERE session_id=$1
		ORDER BY score DESC, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Participant, 0)
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return out, nil
}

func (s *Store) Subscribe(ctx context.Context, table, sessionID string, fn func(domain.ChangeEvent)) (func(), error) {
	return s.feed.Subscribe(ctx, table, sessionID, fn)
}

// Publishing is best effort: the write already succeeded and hosts also poll.
func (s *Store) publishSession(ctx context.Context, kind domain.ChangeKind, sess domain.LiveSession) {
	s.publish(ctx, domain.ChangeEvent{Table: domain.TableSessions, Kind: kind, SessionID: sess.ID, Session: &sess})
}

func (s *Store) publishParticipant(ctx context.Context, kind domain.ChangeKind, p domain.Participant) {
	s.publish(ctx, domain.ChangeEvent{Table: domain.TableParticipants, Kind: kind, SessionID: p.SessionID, Participant: &p})
}

func (s *Store) publish(ctx context.Context, ev domain.ChangeEvent) {
	if err := s.feed.Publish(ctx, ev); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"table":   ev.Table,
			"session": ev.SessionID,
		}).Warn("publish change failed")
	}
}
