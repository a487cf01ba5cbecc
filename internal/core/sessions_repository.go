package core

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

type SessionsDBStorer interface {
	StartPublish(ctx context.Context, session *Session) error
	StopPublish(ctx context.Context, sessionID SessionID, viewersCount int) error
	FindBySessionID(ctx context.Context, sessionID SessionID) (*Session, error)
}

type SessionsRepository struct {
	db *sqlx.DB
}

func NewSessionsRepository(db *sqlx.DB) *SessionsRepository {
	return &SessionsRepository{
		db: db,
	}
}

func (r *SessionsRepository) StartPublish(ctx context.Context, session *Session) error {
	var id int64

	err := r.db.GetContext(ctx, &id,
		`INSERT INTO sessions
			(session_id, host_id, title, state, viewers_count, started_at, finished_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, NULL, $6) ON CONFLICT ON CONSTRAINT uniq_sessions_session_id DO UPDATE
			SET
				host_id = EXCLUDED.host_id,
				title = EXCLUDED.title,
				state = EXCLUDED.state,
				viewers_count = 0,
				started_at = EXCLUDED.started_at,
				finished_at = NULL,
				updated_at = EXCLUDED.updated_at
		RETURNING id`,
		string(session.SessionID),
		session.HostID,
		session.Title,
		string(BroadcastLive),
		session.StartedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return err
	}
	session.ID = id

	return nil
}

func (r *SessionsRepository) StopPublish(ctx context.Context, sessionID SessionID, viewersCount int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET
			updated_at = NOW(),
			finished_at = NOW(),
			state = $1,
			viewers_count = GREATEST(viewers_count, $2)
		WHERE session_id = $3`,
		string(BroadcastIdle),
		viewersCount,
		string(sessionID),
	)
	return err
}

func (r *SessionsRepository) FindBySessionID(ctx context.Context, sessionID SessionID) (*Session, error) {
	session := &Session{}

	err := r.db.GetContext(ctx, session,
		`SELECT
			id,
			session_id,
			host_id,
			title,
			state,
			viewers_count,
			started_at,
			finished_at,
			updated_at
		FROM sessions
		WHERE session_id = $1 LIMIT 1`,
		string(sessionID),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	return session, nil
}
