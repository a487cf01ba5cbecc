package core

import "time"

// Session is a history row of a classroom broadcast
type Session struct {
	ID           int64          `json:"id,omitempty" db:"id"`
	SessionID    SessionID      `json:"session_id" db:"session_id"`
	HostID       string         `json:"host_id" db:"host_id"`
	Title        string         `json:"title" db:"title"`
	State        BroadcastState `json:"state" db:"state"`
	ViewersCount int            `json:"viewers_count" db:"viewers_count"`
	StartedAt    *time.Time     `json:"started_at,omitempty" db:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty" db:"finished_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
}

func NewLiveSession(sessionID SessionID, req LiveRequest) *Session {
	now := time.Now().UTC()

	return &Session{
		SessionID: sessionID,
		HostID:    req.HostID,
		Title:     req.Title,
		State:     BroadcastLive,
		StartedAt: &now,
		UpdatedAt: now,
	}
}
