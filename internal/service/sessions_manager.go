package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/isqad/livelook-classroom/internal/broadcast"
	"github.com/isqad/livelook-classroom/internal/core"
	"github.com/isqad/livelook-classroom/internal/media"
	"github.com/isqad/livelook-classroom/internal/notify"
	"github.com/isqad/livelook-classroom/internal/rtc"
	"github.com/isqad/livelook-classroom/internal/signaling"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// SessionView is what clients see of a session
type SessionView struct {
	SessionID core.SessionID      `json:"session_id"`
	State     core.BroadcastState `json:"state"`
	Viewers   []core.ViewerID     `json:"viewers"`
}

type Options struct {
	Store    signaling.Store
	Peers    rtc.PeerFactory
	Media    media.Source
	Notifier notify.Sender
	Presence broadcast.Presence
	// History is optional
	History          core.SessionsDBStorer
	LinkBase         string
	OperationTimeout time.Duration
}

// SessionsManager keeps one broadcast.Session per session ID
type SessionsManager struct {
	opts Options

	lock     sync.RWMutex
	sessions map[core.SessionID]*broadcast.Session
}

func NewSessionsManager(opts Options) *SessionsManager {
	return &SessionsManager{
		opts:     opts,
		sessions: make(map[core.SessionID]*broadcast.Session),
	}
}

// Session returns the session for id, creating it on first use
func (s *SessionsManager) Session(ctx context.Context, id core.SessionID) (*broadcast.Session, error) {
	if session := s.lookup(id); session != nil {
		return session, nil
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if session := s.sessions[id]; session != nil {
		return session, nil
	}

	session, err := broadcast.NewSession(ctx, broadcast.Options{
		SessionID:        id,
		Store:            s.opts.Store,
		Peers:            s.opts.Peers,
		Notifier:         s.opts.Notifier,
		Presence:         s.opts.Presence,
		History:          s.opts.History,
		LinkBase:         s.opts.LinkBase,
		OperationTimeout: s.opts.OperationTimeout,
	})
	if err != nil {
		return nil, err
	}
	s.sessions[id] = session

	return session, nil
}

// lookup returns the registered session for id or nil
func (s *SessionsManager) lookup(id core.SessionID) *broadcast.Session {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.sessions[id]
}

// lifecycle runs fn on the session for id. A session closed by eviction in
// the meantime is replaced by a fresh one.
func (s *SessionsManager) lifecycle(ctx context.Context, id core.SessionID, fn func(*broadcast.Session) error) (*broadcast.Session, error) {
	for {
		session, err := s.Session(ctx, id)
		if err != nil {
			return nil, err
		}
		err = fn(session)
		if errors.Is(err, broadcast.ErrSessionClosed) {
			s.forget(id, session)
			continue
		}
		return session, err
	}
}

func (s *SessionsManager) forget(id core.SessionID, session *broadcast.Session) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.sessions[id] == session {
		delete(s.sessions, id)
	}
}

// evictIdle drops session from the registry once it is no longer live
func (s *SessionsManager) evictIdle(ctx context.Context, id core.SessionID, session *broadcast.Session) {
	s.lock.Lock()
	if s.sessions[id] != session || session.State().IsLive() {
		s.lock.Unlock()
		return
	}
	delete(s.sessions, id)
	s.lock.Unlock()

	if err := session.Close(ctx); err != nil {
		log.Warn().Err(err).Str("service", "sessions").Str("session_id", string(id)).Msg("failed to close idle session")
	}
}

// GoLive acquires local media and starts the broadcast. The media is released
// when the session can't go live.
func (s *SessionsManager) GoLive(ctx context.Context, id core.SessionID, req core.LiveRequest) (SessionView, error) {
	if session := s.lookup(id); session != nil && session.State().IsLive() {
		return SessionView{}, core.ErrAlreadyLive
	}
	if s.opts.Media == nil {
		return SessionView{}, fmt.Errorf("%w: no media source configured", core.ErrMediaUnavailable)
	}

	stream, err := s.opts.Media.Acquire(ctx, media.Constraints{Video: true, Audio: true})
	if err != nil {
		return SessionView{}, err
	}

	session, err := s.lifecycle(ctx, id, func(session *broadcast.Session) error {
		return session.GoLive(ctx, req, stream)
	})
	if err != nil {
		if cerr := stream.Close(); cerr != nil {
			err = multierr.Append(err, cerr)
		}
		if session != nil {
			s.evictIdle(ctx, id, session)
		}
		return SessionView{}, err
	}

	return describe(session), nil
}

// StopLive stops the session and forgets it. An unknown session is still
// purged from the signaling store.
func (s *SessionsManager) StopLive(ctx context.Context, id core.SessionID) error {
	session, err := s.lifecycle(ctx, id, func(session *broadcast.Session) error {
		return session.StopLive(ctx)
	})
	if session != nil {
		s.evictIdle(ctx, id, session)
	}
	return err
}

// Describe reports the session without registering unknown IDs
func (s *SessionsManager) Describe(ctx context.Context, id core.SessionID) (SessionView, error) {
	if session := s.lookup(id); session != nil {
		view := describe(session)
		if !view.State.IsLive() {
			s.evictIdle(ctx, id, session)
		}
		return view, nil
	}

	view := SessionView{SessionID: id, State: core.BroadcastIdle, Viewers: []core.ViewerID{}}
	offer := core.HostOffer{}
	ok, err := s.opts.Store.Get(ctx, signaling.OfferPath(id), &offer)
	if err != nil {
		return SessionView{}, fmt.Errorf("read offer: %w", err)
	}
	if ok {
		view.State = core.BroadcastLive
	}
	return view, nil
}

// SetTrackEnabled mutes or unmutes kind ("audio" or "video") for every viewer
func (s *SessionsManager) SetTrackEnabled(ctx context.Context, id core.SessionID, kind string, enabled bool) error {
	codecType, err := media.ParseKind(kind)
	if err != nil {
		return err
	}
	session := s.lookup(id)
	if session == nil {
		return core.ErrNotLive
	}
	return session.SetTrackEnabled(codecType, enabled)
}

func (s *SessionsManager) SendChat(ctx context.Context, id core.SessionID, msg core.ChatMessage) (string, error) {
	session := s.lookup(id)
	if session == nil {
		return "", core.ErrNotLive
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	return session.SendChat(ctx, msg)
}

func (s *SessionsManager) React(ctx context.Context, id core.SessionID, reaction core.Reaction) (string, error) {
	session := s.lookup(id)
	if session == nil {
		return "", core.ErrNotLive
	}
	if reaction.SentAt.IsZero() {
		reaction.SentAt = time.Now().UTC()
	}
	return session.React(ctx, reaction)
}

// Len is the number of registered sessions
func (s *SessionsManager) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.sessions)
}

// Shutdown stops every live session concurrently
func (s *SessionsManager) Shutdown(ctx context.Context) error {
	s.lock.Lock()
	sessions := make([]*broadcast.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.sessions = make(map[core.SessionID]*broadcast.Session)
	s.lock.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, session := range sessions {
		wg.Add(1)
		go func(session *broadcast.Session) {
			defer wg.Done()
			if err := session.Close(ctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("session %s: %w", session.ID(), err))
				mu.Unlock()
			}
		}(session)
	}
	wg.Wait()

	log.Info().Str("service", "sessions").Int("sessions", len(sessions)).Msg("sessions closed")
	return errs
}

func describe(session *broadcast.Session) SessionView {
	return SessionView{
		SessionID: session.ID(),
		State:     session.State(),
		Viewers:   session.Viewers(),
	}
}
